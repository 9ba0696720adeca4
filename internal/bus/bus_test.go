package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valetrun/valet/internal/logger"
)

func testLogger() *logger.Logger {
	log, err := logger.New(logger.Config{
		Level:  "debug",
		Format: "text",
		Output: "stdout",
	})
	if err != nil {
		panic(err)
	}
	return log
}

func testBus(handler InboundHandler) *MessageBus {
	mb := New(Config{QueueDepth: 4, RetryDelay: 10 * time.Millisecond}, testLogger(), nil)
	mb.SetInboundHandler(handler)
	return mb
}

func TestBus_StartStop(t *testing.T) {
	mb := testBus(func(ctx context.Context, env Envelope) error { return nil })

	require.NoError(t, mb.Start(context.Background()))
	assert.True(t, mb.IsStarted())

	assert.ErrorIs(t, mb.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, mb.Stop())
	assert.False(t, mb.IsStarted())
	assert.ErrorIs(t, mb.Stop(), ErrNotStarted)
}

func TestBus_StartWithoutHandler(t *testing.T) {
	mb := New(Config{}, testLogger(), nil)
	assert.ErrorIs(t, mb.Start(context.Background()), ErrNoHandler)
}

func TestBus_PublishBeforeStart(t *testing.T) {
	mb := testBus(func(ctx context.Context, env Envelope) error { return nil })
	err := mb.PublishInbound(NewInbound(ChannelTypeCLI, "", "u1", "hello", OriginHuman))
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestBus_SameSessionOrdering(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})

	mb := testBus(func(ctx context.Context, env Envelope) error {
		mu.Lock()
		seen = append(seen, env.Text)
		if len(seen) == 4 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, mb.Start(context.Background()))
	defer mb.Stop()

	for i := 0; i < 4; i++ {
		env := NewInbound(ChannelTypeCLI, "", "u1", fmt.Sprintf("msg-%d", i), OriginHuman)
		require.NoError(t, mb.PublishInbound(env))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelopes")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"msg-0", "msg-1", "msg-2", "msg-3"}, seen)
}

func TestBus_CrossSessionConcurrency(t *testing.T) {
	// Block the first session's handler; a second session must still be
	// processed while the first is stuck.
	release := make(chan struct{})
	secondDone := make(chan struct{})

	mb := testBus(func(ctx context.Context, env Envelope) error {
		if env.UserID == "blocked" {
			<-release
			return nil
		}
		close(secondDone)
		return nil
	})
	require.NoError(t, mb.Start(context.Background()))
	defer func() {
		close(release)
		mb.Stop()
	}()

	require.NoError(t, mb.PublishInbound(NewInbound(ChannelTypeCLI, "", "blocked", "x", OriginHuman)))
	require.NoError(t, mb.PublishInbound(NewInbound(ChannelTypeCLI, "", "free", "y", OriginHuman)))

	select {
	case <-secondDone:
	case <-time.After(2 * time.Second):
		t.Fatal("second session was blocked by the first")
	}
}

func TestBus_Overflow(t *testing.T) {
	block := make(chan struct{})
	mb := testBus(func(ctx context.Context, env Envelope) error {
		<-block
		return nil
	})
	require.NoError(t, mb.Start(context.Background()))
	defer func() {
		close(block)
		mb.Stop()
	}()

	// One envelope is in the handler, QueueDepth more fit in the queue.
	// Everything beyond that overflows.
	var overflowed bool
	for i := 0; i < 10; i++ {
		err := mb.PublishInbound(NewInbound(ChannelTypeCLI, "", "u1", "x", OriginHuman))
		if err != nil {
			assert.ErrorIs(t, err, ErrOverflow)
			overflowed = true
			break
		}
	}
	assert.True(t, overflowed, "expected overflow on a full session queue")
}

func TestBus_BusyRetrySameEnvelope(t *testing.T) {
	// The handler reports busy twice, then succeeds. The bus must retry the
	// same envelope rather than dropping it.
	var calls atomic.Int32
	done := make(chan struct{})

	mb := testBus(func(ctx context.Context, env Envelope) error {
		n := calls.Add(1)
		if n < 3 {
			return fmt.Errorf("%w: %s", ErrSessionBusy, env.SessionID)
		}
		close(done)
		return nil
	})
	require.NoError(t, mb.Start(context.Background()))
	defer mb.Stop()

	require.NoError(t, mb.PublishInbound(NewInbound(ChannelTypeCLI, "", "u1", "hello", OriginHuman)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("envelope was not retried")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestBus_OutboundDelivery(t *testing.T) {
	mb := testBus(func(ctx context.Context, env Envelope) error { return nil })

	delivered := make(chan Envelope, 1)
	require.NoError(t, mb.SubscribeOutbound(ChannelTypeCLI, func(ctx context.Context, env Envelope) error {
		delivered <- env
		return nil
	}))
	assert.ErrorIs(t, mb.SubscribeOutbound(ChannelTypeCLI, func(ctx context.Context, env Envelope) error {
		return nil
	}), ErrChannelSubscribed)

	require.NoError(t, mb.Start(context.Background()))
	defer mb.Stop()

	out := NewOutbound(ChannelTypeCLI, "addr", "u1", "cli:u1", "reply text")
	require.NoError(t, mb.PublishOutbound(out))

	select {
	case env := <-delivered:
		assert.Equal(t, "reply text", env.Text)
		assert.Equal(t, "cli:u1", env.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("outbound envelope was not delivered")
	}
}

func TestEnvelope_SessionID(t *testing.T) {
	env := NewInbound(ChannelTypeTelegram, "chat-1", "42", "hi", OriginHuman)
	assert.Equal(t, "telegram:42", env.SessionID)
	assert.Equal(t, DirectionInbound, env.Direction)
	assert.False(t, env.Timestamp.IsZero())

	reply := Reply(env, "pong")
	assert.Equal(t, DirectionOutbound, reply.Direction)
	assert.Equal(t, env.SessionID, reply.SessionID)
	assert.Equal(t, env.Address, reply.Address)
}

func TestEnvelope_Origins(t *testing.T) {
	assert.False(t, IsSynthetic(OriginHuman))
	assert.True(t, IsSynthetic(OriginHeartbeat))
	assert.True(t, IsSynthetic(CronOrigin("j1")))

	id, ok := IsCronOrigin(CronOrigin("j1"))
	assert.True(t, ok)
	assert.Equal(t, "j1", id)

	_, ok = IsCronOrigin(OriginHuman)
	assert.False(t, ok)
}

func TestEnvelope_ContextRoundTrip(t *testing.T) {
	env := NewInbound(ChannelTypeCLI, "", "u1", "hi", OriginHuman)
	ctx := WithEnvelope(context.Background(), env)

	got, ok := EnvelopeFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, env.SessionID, got.SessionID)

	_, ok = EnvelopeFromContext(context.Background())
	assert.False(t, ok)
}
