// Package llm defines the model-provider collaborator interface consumed by
// the agent loop, plus a scripted mock provider for tests. Concrete
// providers implement Provider; the loop only sees ordered message history
// in and either final text or a tool-call list out.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Provider is the interface the agent loop drives.
type Provider interface {
	// Chat sends the ordered turn history plus tool schemas and returns the
	// model's reply: final text or one-or-more requested tool calls.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// SupportsToolCalling reports whether tool definitions should be sent.
	SupportsToolCalling() bool

	// DefaultModel returns the model used when none is configured.
	DefaultModel() string
}

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single entry in the conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that requested tool calls.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set on RoleTool messages to tie a result to its call.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// FinishReason indicates why the model stopped generating.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonLength    FinishReason = "length"
	FinishReasonToolCalls FinishReason = "tool_calls"
	FinishReasonError     FinishReason = "error"
)

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Arguments is a JSON string with the tool's input parameters.
	Arguments string `json:"arguments"`
}

// ToolDefinition describes one callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage tracks token accounting for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatRequest is one completion request.
type ChatRequest struct {
	Messages    []Message        `json:"messages"`
	Model       string           `json:"model"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
}

// ChatResponse is the model's reply.
type ChatResponse struct {
	Content      string       `json:"content"`
	FinishReason FinishReason `json:"finish_reason"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	Usage        Usage        `json:"usage"`
	Model        string       `json:"model"`
}

// ErrRejected marks a non-retryable provider failure: the request itself was
// refused (bad auth, malformed request, context too large). Transport-level
// failures are returned unwrapped and classified by the retry layer.
var ErrRejected = errors.New("request rejected by provider")

// Rejection wraps a provider refusal so callers can stop retrying.
func Rejection(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrRejected}, args...)...)
}

// IsRejection reports whether err is a terminal request-rejection failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrRejected)
}
