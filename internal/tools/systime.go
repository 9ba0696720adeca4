package tools

import (
	"context"
	"fmt"
	"time"
)

// SystemTimeTool reports the current system time and date.
type SystemTimeTool struct{}

// NewSystemTimeTool creates a SystemTimeTool.
func NewSystemTimeTool() *SystemTimeTool {
	return &SystemTimeTool{}
}

// Name returns the tool name.
func (t *SystemTimeTool) Name() string { return "system_time" }

// Description returns what the tool does.
func (t *SystemTimeTool) Description() string {
	return "Returns the current system time and date, including timezone."
}

// Parameters returns the JSON Schema for the tool's parameters.
func (t *SystemTimeTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
		"required":   []string{},
	}
}

// Execute returns the formatted current time.
func (t *SystemTimeTool) Execute(_ context.Context, _ string) (string, error) {
	now := time.Now()
	return fmt.Sprintf("Current time: %s (%s)", now.Format(time.RFC1123), now.Location()), nil
}
