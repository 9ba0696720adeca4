// Package cron provides persisted job definitions and the scheduler that
// evaluates them on each heartbeat tick. A due job fires by publishing a
// synthetic inbound envelope to the message bus, so the agent loop never
// knows a turn came from a timer.
package cron

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/valetrun/valet/internal/bus"
)

// Kind is the schedule specification variant of a job.
type Kind string

const (
	// KindInterval fires every fixed duration after the last run.
	KindInterval Kind = "interval"
	// KindCron fires on the next cron-field match strictly after the last run.
	KindCron Kind = "cron"
	// KindOneShot fires once at a fixed timestamp, then auto-disables.
	KindOneShot Kind = "oneshot"
)

// exprParser accepts standard five-field cron expressions plus descriptors
// like @hourly.
var exprParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Job is one persisted scheduling unit. Next-fire time is always derivable
// from the schedule specification plus LastRun; the scheduler keeps no
// hidden counters.
type Job struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Every   time.Duration   `json:"every,omitempty"` // interval jobs
	Expr    string          `json:"expr,omitempty"`  // cron-expression jobs
	At      *time.Time      `json:"at,omitempty"`    // one-shot jobs
	Enabled bool            `json:"enabled"`
	Channel bus.ChannelType `json:"channel"`
	Address string          `json:"address"`
	UserID  string          `json:"user_id"`
	Payload string          `json:"payload"`

	CreatedAt  time.Time  `json:"created_at"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastResult string     `json:"last_result,omitempty"`
}

// NewJob creates an enabled job with a fresh id.
func NewJob(kind Kind) Job {
	return Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Enabled:   true,
		CreatedAt: time.Now(),
	}
}

// Validate checks the schedule specification. Malformed schedules are
// configuration errors and must be rejected at creation time, never
// mid-loop.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id cannot be empty")
	}
	if j.UserID == "" || j.Channel == "" {
		return fmt.Errorf("job %s: target channel and user_id are required", j.ID)
	}
	if j.Payload == "" {
		return fmt.Errorf("job %s: payload cannot be empty", j.ID)
	}

	switch j.Kind {
	case KindInterval:
		if j.Every <= 0 {
			return fmt.Errorf("job %s: interval must be positive, got %v", j.ID, j.Every)
		}
	case KindCron:
		if _, err := exprParser.Parse(j.Expr); err != nil {
			return fmt.Errorf("job %s: invalid cron expression %q: %w", j.ID, j.Expr, err)
		}
	case KindOneShot:
		if j.At == nil {
			return fmt.Errorf("job %s: one-shot job requires an execution time", j.ID)
		}
	default:
		return fmt.Errorf("job %s: unknown schedule kind %q", j.ID, j.Kind)
	}
	return nil
}

// NextFire computes when the job is next due, derived purely from the
// schedule specification and LastRun.
func (j *Job) NextFire() (time.Time, error) {
	base := j.CreatedAt
	if j.LastRun != nil {
		base = *j.LastRun
	}

	switch j.Kind {
	case KindInterval:
		return base.Add(j.Every), nil
	case KindCron:
		sched, err := exprParser.Parse(j.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", j.Expr, err)
		}
		return sched.Next(base), nil
	case KindOneShot:
		if j.LastRun != nil {
			// Already fired; Enabled should be false by now.
			return time.Time{}, fmt.Errorf("one-shot job %s already fired", j.ID)
		}
		return *j.At, nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", j.Kind)
	}
}

// Due reports whether the job should fire at now.
func (j *Job) Due(now time.Time) bool {
	if !j.Enabled {
		return false
	}
	next, err := j.NextFire()
	if err != nil {
		return false
	}
	return !next.After(now)
}

// SessionID returns the session the job's synthetic turn targets.
func (j *Job) SessionID() string {
	return bus.SessionID(j.Channel, j.UserID)
}
