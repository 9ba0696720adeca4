package llm

import (
	"context"
	"sync"
	"time"
)

// MockProvider is a scripted Provider for tests and offline operation.
// Responses are consumed in order; when the script runs out it falls back
// to echoing the last user message.
type MockProvider struct {
	mu       sync.Mutex
	script   []ScriptedReply
	index    int
	delay    time.Duration
	requests []ChatRequest
}

// ScriptedReply is one step of a mock conversation.
type ScriptedReply struct {
	Content   string
	ToolCalls []ToolCall
	Err       error
}

// NewMockProvider creates a mock provider that replays the given script.
func NewMockProvider(script ...ScriptedReply) *MockProvider {
	return &MockProvider{script: script}
}

// NewEchoProvider creates a mock provider with an empty script, so every
// call echoes the last user message.
func NewEchoProvider() *MockProvider {
	return &MockProvider{}
}

// WithDelay makes each Chat call sleep before answering.
func (p *MockProvider) WithDelay(d time.Duration) *MockProvider {
	p.delay = d
	return p
}

// Chat implements Provider.
func (p *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.delay):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)

	if p.index < len(p.script) {
		step := p.script[p.index]
		p.index++
		if step.Err != nil {
			return nil, step.Err
		}
		if len(step.ToolCalls) > 0 {
			return &ChatResponse{
				Content:      step.Content,
				FinishReason: FinishReasonToolCalls,
				ToolCalls:    step.ToolCalls,
				Model:        p.DefaultModel(),
			}, nil
		}
		return &ChatResponse{
			Content:      step.Content,
			FinishReason: FinishReasonStop,
			Model:        p.DefaultModel(),
		}, nil
	}

	return &ChatResponse{
		Content:      p.lastUserContent(req),
		FinishReason: FinishReasonStop,
		Model:        p.DefaultModel(),
	}, nil
}

// SupportsToolCalling implements Provider.
func (p *MockProvider) SupportsToolCalling() bool { return true }

// DefaultModel implements Provider.
func (p *MockProvider) DefaultModel() string { return "mock" }

// Requests returns a copy of every request seen so far.
func (p *MockProvider) Requests() []ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChatRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// CallCount returns how many Chat calls were made.
func (p *MockProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *MockProvider) lastUserContent(req ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}
