package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valetrun/valet/internal/bus"
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

type fakeEvaluator struct {
	mu    sync.Mutex
	calls []time.Time
}

func (f *fakeEvaluator) Evaluate(now time.Time) {
	f.mu.Lock()
	f.calls = append(f.calls, now)
	f.mu.Unlock()
}

func (f *fakeEvaluator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePublisher struct {
	mu   sync.Mutex
	envs []bus.Envelope
	err  error
}

func (f *fakePublisher) PublishInbound(env bus.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.envs = append(f.envs, env)
	return nil
}

func (f *fakePublisher) published() []bus.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bus.Envelope, len(f.envs))
	copy(out, f.envs)
	return out
}

func TestHeartbeat_New(t *testing.T) {
	eval := &fakeEvaluator{}
	pub := &fakePublisher{}

	_, err := New(nil, pub, testLogger(), Config{})
	assert.Error(t, err)

	_, err = New(eval, nil, testLogger(), Config{})
	assert.Error(t, err)

	// Self-checks without an owner identity are a configuration error.
	_, err = New(eval, pub, testLogger(), Config{CheckEvery: time.Minute})
	assert.Error(t, err)

	hb, err := New(eval, pub, testLogger(), Config{})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, hb.cfg.Tick)
}

func TestHeartbeat_DrivesScheduler(t *testing.T) {
	eval := &fakeEvaluator{}
	pub := &fakePublisher{}

	hb, err := New(eval, pub, testLogger(), Config{Tick: 20 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, hb.Start(context.Background()))
	assert.ErrorIs(t, hb.Start(context.Background()), ErrAlreadyStarted)

	time.Sleep(110 * time.Millisecond)
	require.NoError(t, hb.Stop())
	assert.ErrorIs(t, hb.Stop(), ErrNotStarted)

	assert.GreaterOrEqual(t, eval.count(), 3, "each tick evaluates the scheduler")
	assert.Empty(t, pub.published(), "no self-checks when CheckEvery is zero")
}

func TestHeartbeat_SelfCheck(t *testing.T) {
	eval := &fakeEvaluator{}
	pub := &fakePublisher{}

	hb, err := New(eval, pub, testLogger(), Config{
		Tick:         20 * time.Millisecond,
		CheckEvery:   50 * time.Millisecond,
		OwnerChannel: bus.ChannelTypeTelegram,
		OwnerAddress: "7",
		OwnerUserID:  "7",
	})
	require.NoError(t, err)

	require.NoError(t, hb.Start(context.Background()))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, hb.Stop())

	envs := pub.published()
	require.NotEmpty(t, envs, "self-check envelope expected")
	env := envs[0]
	assert.Equal(t, bus.OriginHeartbeat, env.Origin)
	assert.Equal(t, "telegram:7", env.SessionID)
	assert.Contains(t, env.Text, "HEARTBEAT_OK")
	assert.Less(t, len(envs), 8, "self-checks are paced by CheckEvery, not Tick")
}

func TestHeartbeat_PublishFailureDoesNotStopTicking(t *testing.T) {
	eval := &fakeEvaluator{}
	pub := &fakePublisher{err: bus.ErrOverflow}

	hb, err := New(eval, pub, testLogger(), Config{
		Tick:         20 * time.Millisecond,
		CheckEvery:   20 * time.Millisecond,
		OwnerChannel: bus.ChannelTypeTelegram,
		OwnerAddress: "7",
		OwnerUserID:  "7",
	})
	require.NoError(t, err)

	require.NoError(t, hb.Start(context.Background()))
	time.Sleep(110 * time.Millisecond)
	require.NoError(t, hb.Stop())

	assert.GreaterOrEqual(t, eval.count(), 3, "overflowed self-checks never block the scheduler")
}
