package cron

import (
	"os"
	"path/filepath"
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

// capturePublisher records published envelopes; it can simulate overflow
// and run a hook while a fire is in flight.
type capturePublisher struct {
	mu        sync.Mutex
	envs      []bus.Envelope
	overflow  bool
	onPublish func()
}

func (p *capturePublisher) PublishInbound(env bus.Envelope) error {
	if p.onPublish != nil {
		p.onPublish()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.overflow {
		return bus.ErrOverflow
	}
	p.envs = append(p.envs, env)
	return nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.envs)
}

func (p *capturePublisher) last() bus.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.envs[len(p.envs)-1]
}

func testScheduler(t *testing.T) (*Scheduler, *Store, *capturePublisher) {
	t.Helper()
	store := NewStore(t.TempDir(), testLogger())
	publisher := &capturePublisher{}
	return NewScheduler(store, publisher, testLogger(), nil), store, publisher
}

func TestScheduler_CreateRejectsInvalid(t *testing.T) {
	s, _, _ := testScheduler(t)

	job := NewJob(KindCron)
	job.Channel = bus.ChannelTypeTelegram
	job.Address = "1"
	job.UserID = "1"
	job.Payload = "p"
	job.Expr = "garbage"

	_, err := s.Create(job)
	assert.Error(t, err)

	jobs, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, jobs, "invalid jobs are never persisted")
}

func TestScheduler_IntervalFires(t *testing.T) {
	s, _, publisher := testScheduler(t)

	job := intervalJob(10 * time.Minute)
	id, err := s.Create(job)
	require.NoError(t, err)

	// Before the interval elapses: nothing.
	s.Evaluate(job.CreatedAt.Add(5 * time.Minute))
	assert.Equal(t, 0, publisher.count())

	// At the interval: one synthetic envelope.
	fireAt := job.CreatedAt.Add(10 * time.Minute)
	s.Evaluate(fireAt)
	require.Equal(t, 1, publisher.count())

	env := publisher.last()
	assert.Equal(t, bus.DirectionInbound, env.Direction)
	assert.Equal(t, "telegram:100", env.SessionID)
	assert.Equal(t, "ping", env.Text)
	assert.Equal(t, bus.CronOrigin(id), env.Origin)

	// Same tick again: already fired, LastRun moved forward.
	s.Evaluate(fireAt)
	assert.Equal(t, 1, publisher.count())

	stored, err := s.Get(id)
	require.NoError(t, err)
	require.NotNil(t, stored.LastRun)
	assert.Equal(t, "fired", stored.LastResult)
}

func TestScheduler_NoBacklogAfterDowntime(t *testing.T) {
	s, _, publisher := testScheduler(t)

	job := intervalJob(10 * time.Minute)
	_, err := s.Create(job)
	require.NoError(t, err)

	// Several intervals pass with no evaluation (downtime). The first tick
	// afterwards fires once, not once per missed interval.
	s.Evaluate(job.CreatedAt.Add(55 * time.Minute))
	assert.Equal(t, 1, publisher.count())

	// Immediately after, the next fire derives from the catch-up run.
	s.Evaluate(job.CreatedAt.Add(56 * time.Minute))
	assert.Equal(t, 1, publisher.count())

	s.Evaluate(job.CreatedAt.Add(66 * time.Minute))
	assert.Equal(t, 2, publisher.count())
}

func TestScheduler_OneShotAutoDisables(t *testing.T) {
	s, _, publisher := testScheduler(t)

	at := time.Now().Add(-time.Minute)
	job := NewJob(KindOneShot)
	job.Channel = bus.ChannelTypeTelegram
	job.Address = "100"
	job.UserID = "100"
	job.Payload = "once"
	job.At = &at

	id, err := s.Create(job)
	require.NoError(t, err)

	s.Evaluate(time.Now())
	assert.Equal(t, 1, publisher.count())

	stored, err := s.Get(id)
	require.NoError(t, err)
	assert.False(t, stored.Enabled, "one-shot disables itself after firing")

	s.Evaluate(time.Now().Add(time.Hour))
	assert.Equal(t, 1, publisher.count())
}

func TestScheduler_OverflowRecordedOnJob(t *testing.T) {
	s, _, publisher := testScheduler(t)
	publisher.overflow = true

	job := intervalJob(time.Minute)
	id, err := s.Create(job)
	require.NoError(t, err)

	s.Evaluate(job.CreatedAt.Add(time.Minute))

	stored, err := s.Get(id)
	require.NoError(t, err)
	assert.Contains(t, stored.LastResult, "skipped")
	require.NotNil(t, stored.LastRun, "a skipped run still advances LastRun")
}

func TestScheduler_SetEnabled(t *testing.T) {
	s, _, publisher := testScheduler(t)

	job := intervalJob(time.Minute)
	id, err := s.Create(job)
	require.NoError(t, err)

	require.NoError(t, s.SetEnabled(id, false))
	s.Evaluate(job.CreatedAt.Add(time.Hour))
	assert.Equal(t, 0, publisher.count())

	require.NoError(t, s.SetEnabled(id, true))
	s.Evaluate(job.CreatedAt.Add(time.Hour))
	assert.Equal(t, 1, publisher.count())

	assert.Error(t, s.SetEnabled("missing", true))
}

func TestScheduler_Trigger(t *testing.T) {
	s, _, publisher := testScheduler(t)

	job := intervalJob(time.Hour)
	id, err := s.Create(job)
	require.NoError(t, err)

	// Trigger fires immediately even though the job is not due.
	require.NoError(t, s.Trigger(id))
	assert.Equal(t, 1, publisher.count())

	stored, err := s.Get(id)
	require.NoError(t, err)
	require.NotNil(t, stored.LastRun, "trigger restarts the schedule from now")

	assert.Error(t, s.Trigger("missing"))
}

func TestScheduler_AdminDuringEvaluateSurvives(t *testing.T) {
	s, _, publisher := testScheduler(t)

	firing := intervalJob(time.Minute)
	_, err := s.Create(firing)
	require.NoError(t, err)

	// A job created while Evaluate is mid-tick (the in-conversation cron
	// tool running inside a fired turn does exactly this) must not be
	// reverted when the fired job is persisted.
	var createdID string
	publisher.onPublish = func() {
		id, err := s.Create(intervalJob(time.Hour))
		require.NoError(t, err)
		createdID = id
	}

	s.Evaluate(firing.CreatedAt.Add(time.Minute))
	require.Equal(t, 1, publisher.count())

	_, err = s.Get(createdID)
	require.NoError(t, err, "job created during a tick must survive it")

	jobs, err := s.List()
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestScheduler_Remove(t *testing.T) {
	s, _, _ := testScheduler(t)

	job := intervalJob(time.Minute)
	id, err := s.Create(job)
	require.NoError(t, err)

	require.NoError(t, s.Remove(id))
	_, err = s.Get(id)
	assert.Error(t, err)
	assert.Error(t, s.Remove(id))
}

func TestStore_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, testLogger())

	job := intervalJob(time.Minute)
	require.NoError(t, store.Upsert(job))

	// Corrupt the store with a non-JSON line; loading must skip it.
	path := filepath.Join(dir, "cron", "jobs.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("not json at all\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	jobs, err := store.Load()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
}
