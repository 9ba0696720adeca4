// Package tools provides the tool registry: a name-keyed map of schema plus
// handler, populated at startup and read-only afterwards. The registry is
// pure metadata and dispatch; execution policy (deadlines, concurrency)
// belongs to the caller.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDuplicateTool means Register was called twice for one name.
	// Duplicate registration is a configuration error, fatal at startup.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrUnknownTool means no tool with the requested name exists.
	ErrUnknownTool = errors.New("unknown tool")
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	// Name returns the unique tool name used for dispatch.
	Name() string

	// Description tells the model when and how to use the tool.
	Description() string

	// Parameters returns a JSON Schema object for the tool's arguments.
	Parameters() map[string]any

	// Execute runs the tool. args is a JSON-encoded argument object.
	// Implementations must honor cancellation via ctx.
	Execute(ctx context.Context, args string) (string, error)
}

// Definition is a tool schema in function-calling format.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Registry maps tool name to handler plus schema.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a name twice fails.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("cannot register nil tool")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = tool
	return nil
}

// Resolve returns the tool registered under name.
func (r *Registry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return tool, nil
}

// Validate checks a JSON argument string against the named tool's schema.
// Returns ErrUnknownTool for unregistered names and a *ValidationError
// describing the first mismatch otherwise.
func (r *Registry) Validate(name, args string) error {
	tool, err := r.Resolve(name)
	if err != nil {
		return err
	}
	return validateArgs(name, tool.Parameters(), args)
}

// Definitions returns every registered tool's schema, sorted by name so the
// list sent to the model is stable.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, Definition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	defs := r.Definitions()
	out := make([]string, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Name)
	}
	return out
}

// Invocation is one model-requested tool call.
type Invocation struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Result is the outcome of executing one invocation.
type Result struct {
	InvocationID string `json:"invocation_id"`
	Content      string `json:"content"`
	Error        string `json:"error,omitempty"`
	TimedOut     bool   `json:"timed_out,omitempty"`
}

// Execute runs one invocation under a deadline. Unknown tools, validation
// failures, handler errors, and timeouts are all reported inside the Result
// so the caller can feed them back to the model; Execute itself never
// fails.
func (r *Registry) Execute(ctx context.Context, inv Invocation, timeout time.Duration) Result {
	tool, err := r.Resolve(inv.Name)
	if err != nil {
		return Result{InvocationID: inv.ID, Error: err.Error()}
	}
	if err := validateArgs(inv.Name, tool.Parameters(), inv.Arguments); err != nil {
		return Result{InvocationID: inv.ID, Error: err.Error()}
	}

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		content, err := tool.Execute(execCtx, inv.Arguments)
		done <- outcome{content: content, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return Result{InvocationID: inv.ID, Error: out.err.Error()}
		}
		return Result{InvocationID: inv.ID, Content: out.content}
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return Result{
				InvocationID: inv.ID,
				Error:        fmt.Sprintf("tool execution timed out after %v", timeout),
				TimedOut:     true,
			}
		}
		return Result{
			InvocationID: inv.ID,
			Error:        fmt.Sprintf("tool execution cancelled: %v", execCtx.Err()),
		}
	}
}

// ToJSON renders the registered schemas, useful for debugging.
func (r *Registry) ToJSON() (string, error) {
	data, err := json.MarshalIndent(r.Definitions(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal schemas: %w", err)
	}
	return string(data), nil
}
