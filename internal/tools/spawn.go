package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/valetrun/valet/internal/bus"
	"github.com/valetrun/valet/internal/logger"
)

// Spawner is the slice of the subagent supervisor the spawn_agent tool
// needs.
type Spawner interface {
	Spawn(ctx context.Context, origin bus.Envelope, task string) (string, error)
}

// SpawnAgentTool starts a detached background agent on its own session.
// The result comes back to the current conversation later as a normal
// turn, so the tool returns immediately.
type SpawnAgentTool struct {
	spawner Spawner
	logger  *logger.Logger
}

// SpawnAgentArgs are the arguments for spawn_agent.
type SpawnAgentArgs struct {
	Task string `json:"task"`
}

// NewSpawnAgentTool creates a SpawnAgentTool.
func NewSpawnAgentTool(spawner Spawner, log *logger.Logger) *SpawnAgentTool {
	return &SpawnAgentTool{spawner: spawner, logger: log}
}

// Name returns the tool name.
func (t *SpawnAgentTool) Name() string { return "spawn_agent" }

// Description returns what the tool does.
func (t *SpawnAgentTool) Description() string {
	return "Starts a background agent that works on a task independently. " +
		"Use for long-running work; the result is delivered back to this conversation when done."
}

// Parameters returns the JSON Schema for the tool's parameters.
func (t *SpawnAgentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "Complete task description for the background agent.",
			},
		},
		"required": []string{"task"},
	}
}

// Execute spawns the subagent and returns its id without waiting.
func (t *SpawnAgentTool) Execute(ctx context.Context, args string) (string, error) {
	var params SpawnAgentArgs
	if err := json.Unmarshal([]byte(args), &params); err != nil {
		return "", fmt.Errorf("failed to parse spawn_agent arguments: %w", err)
	}
	if strings.TrimSpace(params.Task) == "" {
		return "", fmt.Errorf("task cannot be empty")
	}

	origin, ok := bus.EnvelopeFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("no originating conversation in context")
	}

	id, err := t.spawner.Spawn(ctx, origin, params.Task)
	if err != nil {
		return "", fmt.Errorf("failed to spawn agent: %w", err)
	}

	t.logger.InfoCtx(ctx, "subagent spawned via tool",
		logger.Field{Key: "subagent_id", Value: id},
		logger.Field{Key: "parent_session", Value: origin.SessionID})
	return fmt.Sprintf("background agent %s started; its result will arrive in this conversation", id), nil
}
