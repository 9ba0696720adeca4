package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valetrun/valet/internal/bus"
)

func intervalJob(every time.Duration) Job {
	job := NewJob(KindInterval)
	job.Every = every
	job.Channel = bus.ChannelTypeTelegram
	job.Address = "100"
	job.UserID = "100"
	job.Payload = "ping"
	return job
}

func TestJob_Validate(t *testing.T) {
	job := intervalJob(time.Minute)
	assert.NoError(t, job.Validate())

	bad := job
	bad.Every = 0
	assert.Error(t, bad.Validate())

	bad = job
	bad.Payload = ""
	assert.Error(t, bad.Validate())

	bad = job
	bad.UserID = ""
	assert.Error(t, bad.Validate())

	cronJob := NewJob(KindCron)
	cronJob.Channel = bus.ChannelTypeTelegram
	cronJob.Address = "100"
	cronJob.UserID = "100"
	cronJob.Payload = "ping"
	cronJob.Expr = "0 9 * * 1"
	assert.NoError(t, cronJob.Validate())

	cronJob.Expr = "not a cron expr"
	assert.Error(t, cronJob.Validate(), "malformed schedules are rejected at creation")

	oneshot := NewJob(KindOneShot)
	oneshot.Channel = bus.ChannelTypeTelegram
	oneshot.Address = "100"
	oneshot.UserID = "100"
	oneshot.Payload = "ping"
	assert.Error(t, oneshot.Validate())

	at := time.Now().Add(time.Hour)
	oneshot.At = &at
	assert.NoError(t, oneshot.Validate())

	unknown := NewJob(Kind("weird"))
	unknown.Channel = bus.ChannelTypeTelegram
	unknown.Address = "100"
	unknown.UserID = "100"
	unknown.Payload = "ping"
	assert.Error(t, unknown.Validate())
}

func TestJob_NextFireInterval(t *testing.T) {
	job := intervalJob(10 * time.Minute)

	// Never run: next fire derives from creation time.
	next, err := job.NextFire()
	require.NoError(t, err)
	assert.Equal(t, job.CreatedAt.Add(10*time.Minute), next)

	// After a run, it derives from LastRun.
	last := job.CreatedAt.Add(30 * time.Minute)
	job.LastRun = &last
	next, err = job.NextFire()
	require.NoError(t, err)
	assert.Equal(t, last.Add(10*time.Minute), next)
}

func TestJob_NextFireCron(t *testing.T) {
	job := NewJob(KindCron)
	job.Expr = "0 9 * * *" // 09:00 daily
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	job.LastRun = &base

	next, err := job.NextFire()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC), next)
}

func TestJob_NextFireOneShot(t *testing.T) {
	at := time.Now().Add(time.Hour)
	job := NewJob(KindOneShot)
	job.At = &at

	next, err := job.NextFire()
	require.NoError(t, err)
	assert.Equal(t, at, next)

	fired := time.Now()
	job.LastRun = &fired
	_, err = job.NextFire()
	assert.Error(t, err, "a fired one-shot has no next fire")
}

func TestJob_Due(t *testing.T) {
	job := intervalJob(10 * time.Minute)
	now := job.CreatedAt

	assert.False(t, job.Due(now.Add(5*time.Minute)))
	assert.True(t, job.Due(now.Add(10*time.Minute)))
	assert.True(t, job.Due(now.Add(3*time.Hour)), "overdue jobs are due")

	job.Enabled = false
	assert.False(t, job.Due(now.Add(3*time.Hour)), "disabled jobs never fire")
}

func TestJob_SessionID(t *testing.T) {
	job := intervalJob(time.Minute)
	assert.Equal(t, "telegram:100", job.SessionID())
}
