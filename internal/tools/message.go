package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/valetrun/valet/internal/bus"
	"github.com/valetrun/valet/internal/logger"
)

// OutboundPublisher is the slice of the message bus the send_message tool
// needs.
type OutboundPublisher interface {
	PublishOutbound(env bus.Envelope) error
}

// SendMessageTool lets the model proactively push a message to an external
// channel through the bus, outside the normal reply flow. Used by cron- and
// heartbeat-originated turns to reach the owner.
type SendMessageTool struct {
	publisher OutboundPublisher
	logger    *logger.Logger
}

// SendMessageArgs are the arguments for send_message.
type SendMessageArgs struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// NewSendMessageTool creates a SendMessageTool.
func NewSendMessageTool(publisher OutboundPublisher, log *logger.Logger) *SendMessageTool {
	return &SendMessageTool{publisher: publisher, logger: log}
}

// Name returns the tool name.
func (t *SendMessageTool) Name() string { return "send_message" }

// Description returns what the tool does.
func (t *SendMessageTool) Description() string {
	return "Sends a message to an external channel through the message bus. " +
		"Useful for proactively sending notifications, reminders, or status updates to the user."
}

// Parameters returns the JSON Schema for the tool's parameters.
func (t *SendMessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"session_id": map[string]any{
				"type":        "string",
				"description": "Target session id in channel:user_id format.",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "Message content to send.",
			},
		},
		"required": []string{"session_id", "message"},
	}
}

// Execute publishes the message as an outbound envelope.
func (t *SendMessageTool) Execute(ctx context.Context, args string) (string, error) {
	var params SendMessageArgs
	if err := json.Unmarshal([]byte(args), &params); err != nil {
		return "", fmt.Errorf("failed to parse send_message arguments: %w", err)
	}
	if strings.TrimSpace(params.Message) == "" {
		return "", fmt.Errorf("message cannot be empty")
	}

	channel, userID, ok := splitSessionID(params.SessionID)
	if !ok {
		return "", fmt.Errorf("invalid session_id %q (expected channel:user_id)", params.SessionID)
	}

	env := bus.NewOutbound(bus.ChannelType(channel), userID, userID, params.SessionID, params.Message)
	if err := t.publisher.PublishOutbound(env); err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}

	t.logger.InfoCtx(ctx, "send_message published",
		logger.Field{Key: "session_id", Value: params.SessionID},
		logger.Field{Key: "length", Value: len(params.Message)})
	return "message sent", nil
}

func splitSessionID(id string) (channel, userID string, ok bool) {
	channel, userID, found := strings.Cut(id, ":")
	if !found || channel == "" || userID == "" {
		return "", "", false
	}
	return channel, userID, true
}
