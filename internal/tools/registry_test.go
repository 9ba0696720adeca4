package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTool is a configurable Tool for registry tests.
type fakeTool struct {
	name    string
	params  map[string]any
	execute func(ctx context.Context, args string) (string, error)
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "test tool" }
func (f *fakeTool) Parameters() map[string]any {
	if f.params != nil {
		return f.params
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (f *fakeTool) Execute(ctx context.Context, args string) (string, error) {
	if f.execute != nil {
		return f.execute(ctx, args)
	}
	return "ok", nil
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "alpha"}))

	err := r.Register(&fakeTool{name: "alpha"})
	assert.ErrorIs(t, err, ErrDuplicateTool)
}

func TestRegistry_RegisterInvalid(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(&fakeTool{name: ""}))
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "alpha"}))

	tool, err := r.Resolve("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", tool.Name())

	_, err = r.Resolve("missing")
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestRegistry_DefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "zeta"}))
	require.NoError(t, r.Register(&fakeTool{name: "alpha"}))
	require.NoError(t, r.Register(&fakeTool{name: "mid"}))

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())
}

func TestRegistry_Validate(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city":  map[string]any{"type": "string"},
			"count": map[string]any{"type": "integer"},
		},
		"required": []string{"city"},
	}
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "weather", params: schema}))

	assert.NoError(t, r.Validate("weather", `{"city":"Berlin"}`))
	assert.NoError(t, r.Validate("weather", `{"city":"Berlin","count":3}`))

	var vErr *ValidationError
	err := r.Validate("weather", `{}`)
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Detail, "city")

	err = r.Validate("weather", `{"city":42}`)
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Detail, "string")

	err = r.Validate("weather", `{"city":"Berlin","count":1.5}`)
	assert.ErrorAs(t, err, &vErr)

	err = r.Validate("weather", `not json`)
	assert.ErrorAs(t, err, &vErr)

	assert.ErrorIs(t, r.Validate("missing", `{}`), ErrUnknownTool)
}

func TestRegistry_ExecuteSuccess(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{
		name: "alpha",
		execute: func(ctx context.Context, args string) (string, error) {
			return "result content", nil
		},
	}))

	res := r.Execute(context.Background(), Invocation{ID: "c1", Name: "alpha", Arguments: "{}"}, time.Second)
	assert.Equal(t, "c1", res.InvocationID)
	assert.Equal(t, "result content", res.Content)
	assert.Empty(t, res.Error)
	assert.False(t, res.TimedOut)
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), Invocation{ID: "c1", Name: "ghost"}, time.Second)
	assert.Contains(t, res.Error, "unknown tool")
	assert.Equal(t, "c1", res.InvocationID)
}

func TestRegistry_ExecuteValidationFailure(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"x": map[string]any{"type": "string"}},
		"required":   []string{"x"},
	}
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "alpha", params: schema}))

	res := r.Execute(context.Background(), Invocation{ID: "c1", Name: "alpha", Arguments: `{}`}, time.Second)
	assert.Contains(t, res.Error, "missing required property")
}

func TestRegistry_ExecuteHandlerError(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{
		name: "alpha",
		execute: func(ctx context.Context, args string) (string, error) {
			return "", errors.New("boom")
		},
	}))

	res := r.Execute(context.Background(), Invocation{ID: "c1", Name: "alpha", Arguments: "{}"}, time.Second)
	assert.Equal(t, "boom", res.Error)
	assert.Empty(t, res.Content)
}

func TestRegistry_ExecuteTimeout(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{
		name: "slow",
		execute: func(ctx context.Context, args string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}))

	start := time.Now()
	res := r.Execute(context.Background(), Invocation{ID: "c1", Name: "slow", Arguments: "{}"}, 50*time.Millisecond)
	assert.True(t, res.TimedOut)
	assert.Contains(t, res.Error, "timed out")
	assert.Less(t, time.Since(start), time.Second)
}

func TestSystemTimeTool(t *testing.T) {
	tool := NewSystemTimeTool()
	assert.Equal(t, "system_time", tool.Name())

	out, err := tool.Execute(context.Background(), "{}")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}
