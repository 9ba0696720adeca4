package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valetrun/valet/internal/bus"
	"github.com/valetrun/valet/internal/cron"
	"github.com/valetrun/valet/internal/logger"
)

// JobAdmin is the slice of the scheduler the cron tool needs.
type JobAdmin interface {
	Create(job cron.Job) (string, error)
	List() ([]cron.Job, error)
	SetEnabled(id string, enabled bool) error
	Remove(id string) error
	Trigger(id string) error
}

// CronTool lets the model manage scheduled jobs from inside a
// conversation: reminders, recurring check-ins, one-shot follow-ups.
type CronTool struct {
	admin  JobAdmin
	logger *logger.Logger
}

// CronArgs are the arguments for the cron tool.
type CronArgs struct {
	Action  string `json:"action"`
	JobID   string `json:"job_id,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Every   string `json:"every,omitempty"`
	Expr    string `json:"expr,omitempty"`
	At      string `json:"at,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// NewCronTool creates a CronTool.
func NewCronTool(admin JobAdmin, log *logger.Logger) *CronTool {
	return &CronTool{admin: admin, logger: log}
}

// Name returns the tool name.
func (t *CronTool) Name() string { return "cron" }

// Description returns what the tool does.
func (t *CronTool) Description() string {
	return "Manages scheduled jobs. Actions: add (kind=interval|cron|oneshot with every/expr/at and payload), " +
		"list, enable, disable, remove, trigger. Times are RFC3339; intervals are Go durations like 30m or 2h."
}

// Parameters returns the JSON Schema for the tool's parameters.
func (t *CronTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"description": "One of: add, list, enable, disable, remove, trigger.",
			},
			"job_id": map[string]any{
				"type":        "string",
				"description": "Job id for enable/disable/remove/trigger.",
			},
			"kind": map[string]any{
				"type":        "string",
				"description": "Schedule kind for add: interval, cron, or oneshot.",
			},
			"every": map[string]any{
				"type":        "string",
				"description": "Interval duration for kind=interval, e.g. 30m.",
			},
			"expr": map[string]any{
				"type":        "string",
				"description": "Cron expression for kind=cron, e.g. 0 9 * * 1.",
			},
			"at": map[string]any{
				"type":        "string",
				"description": "RFC3339 timestamp for kind=oneshot.",
			},
			"payload": map[string]any{
				"type":        "string",
				"description": "Message injected into this conversation when the job fires.",
			},
		},
		"required": []string{"action"},
	}
}

// Execute dispatches one admin action.
func (t *CronTool) Execute(ctx context.Context, args string) (string, error) {
	var params CronArgs
	if err := json.Unmarshal([]byte(args), &params); err != nil {
		return "", fmt.Errorf("failed to parse cron arguments: %w", err)
	}

	switch params.Action {
	case "add":
		return t.add(ctx, params)
	case "list":
		return t.list()
	case "enable":
		return t.setEnabled(params.JobID, true)
	case "disable":
		return t.setEnabled(params.JobID, false)
	case "remove":
		if params.JobID == "" {
			return "", fmt.Errorf("job_id is required for remove")
		}
		if err := t.admin.Remove(params.JobID); err != nil {
			return "", err
		}
		return fmt.Sprintf("job %s removed", params.JobID), nil
	case "trigger":
		if params.JobID == "" {
			return "", fmt.Errorf("job_id is required for trigger")
		}
		if err := t.admin.Trigger(params.JobID); err != nil {
			return "", err
		}
		return fmt.Sprintf("job %s triggered", params.JobID), nil
	default:
		return "", fmt.Errorf("unknown action %q", params.Action)
	}
}

func (t *CronTool) add(ctx context.Context, params CronArgs) (string, error) {
	origin, ok := bus.EnvelopeFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("no originating conversation in context")
	}
	if params.Payload == "" {
		return "", fmt.Errorf("payload is required for add")
	}

	job := cron.NewJob(cron.Kind(params.Kind))
	job.Channel = origin.Channel
	job.Address = origin.Address
	job.UserID = origin.UserID
	job.Payload = params.Payload

	switch job.Kind {
	case cron.KindInterval:
		every, err := time.ParseDuration(params.Every)
		if err != nil {
			return "", fmt.Errorf("invalid interval %q: %w", params.Every, err)
		}
		job.Every = every
	case cron.KindCron:
		job.Expr = params.Expr
	case cron.KindOneShot:
		at, err := time.Parse(time.RFC3339, params.At)
		if err != nil {
			return "", fmt.Errorf("invalid timestamp %q: %w", params.At, err)
		}
		job.At = &at
	default:
		return "", fmt.Errorf("unknown schedule kind %q", params.Kind)
	}

	id, err := t.admin.Create(job)
	if err != nil {
		return "", err
	}

	t.logger.InfoCtx(ctx, "cron job added via tool",
		logger.Field{Key: "job_id", Value: id},
		logger.Field{Key: "kind", Value: job.Kind})
	return fmt.Sprintf("job %s scheduled", id), nil
}

func (t *CronTool) setEnabled(id string, enabled bool) (string, error) {
	if id == "" {
		return "", fmt.Errorf("job_id is required")
	}
	if err := t.admin.SetEnabled(id, enabled); err != nil {
		return "", err
	}
	state := "enabled"
	if !enabled {
		state = "disabled"
	}
	return fmt.Sprintf("job %s %s", id, state), nil
}

func (t *CronTool) list() (string, error) {
	jobs, err := t.admin.List()
	if err != nil {
		return "", err
	}
	if len(jobs) == 0 {
		return "no scheduled jobs", nil
	}

	var b strings.Builder
	for _, job := range jobs {
		state := "enabled"
		if !job.Enabled {
			state = "disabled"
		}
		last := "never"
		if job.LastRun != nil {
			last = job.LastRun.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "%s [%s, %s] payload=%q last_run=%s result=%q\n",
			job.ID, job.Kind, state, job.Payload, last, job.LastResult)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
