package cron

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/valetrun/valet/internal/bus"
	"github.com/valetrun/valet/internal/logger"
	"github.com/valetrun/valet/internal/metrics"
)

// Publisher is the slice of the message bus the scheduler needs.
type Publisher interface {
	PublishInbound(env bus.Envelope) error
}

// Scheduler evaluates persisted jobs and fires the due ones by publishing
// synthetic inbound envelopes. It reloads the store on every evaluation, so
// admin-surface changes are visible to the next tick without coordination.
type Scheduler struct {
	mu      sync.Mutex
	store   *Store
	bus     Publisher
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// NewScheduler creates a scheduler over the given job store and bus.
func NewScheduler(store *Store, publisher Publisher, log *logger.Logger, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		store:   store,
		bus:     publisher,
		logger:  log,
		metrics: m,
	}
}

// Evaluate scans enabled jobs and fires any whose next-fire time is at or
// before now. An overdue job fires exactly once per tick and its next fire
// is recomputed from now, so downtime never produces a catch-up backlog.
// Each fired job is persisted individually by id; writing back the whole
// loaded snapshot would silently revert admin operations that landed while
// the tick was running.
func (s *Scheduler) Evaluate(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.store.Load()
	if err != nil {
		s.logger.Error("failed to load jobs for evaluation", err)
		return
	}

	for i := range jobs {
		if !jobs[i].Due(now) {
			continue
		}
		s.fire(&jobs[i], now)
		if err := s.store.Upsert(jobs[i]); err != nil {
			s.logger.Error("failed to save job after firing", err,
				logger.Field{Key: "job_id", Value: jobs[i].ID})
		}
	}
}

// fire publishes one job's synthetic envelope and records the attempt.
// Bus overflow is a deferred run, recorded on the job rather than dropped.
func (s *Scheduler) fire(job *Job, now time.Time) {
	env := bus.NewInbound(job.Channel, job.Address, job.UserID, job.Payload, bus.CronOrigin(job.ID))

	err := s.bus.PublishInbound(env)
	switch {
	case err == nil:
		job.LastResult = "fired"
		s.metrics.SchedulerFire("fired")
	case errors.Is(err, bus.ErrOverflow):
		job.LastResult = "skipped: session queue full"
		s.metrics.SchedulerFire("skipped")
		s.logger.Warn("cron fire skipped, session queue full",
			logger.Field{Key: "job_id", Value: job.ID},
			logger.Field{Key: "session_id", Value: job.SessionID()})
	default:
		job.LastResult = fmt.Sprintf("error: %v", err)
		s.metrics.SchedulerFire("error")
		s.logger.Error("cron fire failed", err,
			logger.Field{Key: "job_id", Value: job.ID})
	}

	// LastRun moves to now even on a skipped run; recomputing the next fire
	// from now is what prevents an unbounded backlog after downtime.
	runAt := now
	job.LastRun = &runAt

	if job.Kind == KindOneShot {
		job.Enabled = false
	}

	s.logger.Info("cron job evaluated",
		logger.Field{Key: "job_id", Value: job.ID},
		logger.Field{Key: "result", Value: job.LastResult})
}

// Create validates and persists a new job.
func (s *Scheduler) Create(job Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	if err := s.store.Upsert(job); err != nil {
		return "", err
	}
	s.logger.Info("cron job created",
		logger.Field{Key: "job_id", Value: job.ID},
		logger.Field{Key: "kind", Value: job.Kind})
	return job.ID, nil
}

// List returns every persisted job.
func (s *Scheduler) List() ([]Job, error) {
	return s.store.Load()
}

// Get returns one job by id.
func (s *Scheduler) Get(id string) (Job, error) {
	return s.store.Get(id)
}

// SetEnabled flips a job's enabled flag.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	job, err := s.store.Get(id)
	if err != nil {
		return err
	}
	job.Enabled = enabled
	return s.store.Upsert(job)
}

// Remove deletes a job.
func (s *Scheduler) Remove(id string) error {
	return s.store.Remove(id)
}

// Trigger fires a job immediately, bypassing the due-time check. LastRun is
// still updated, so the regular schedule restarts from now.
func (s *Scheduler) Trigger(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.store.Get(id)
	if err != nil {
		return err
	}

	now := time.Now()
	s.fire(&job, now)
	return s.store.Upsert(job)
}
