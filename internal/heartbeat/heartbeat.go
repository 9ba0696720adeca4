// Package heartbeat drives the runtime's clock. A single ticker evaluates
// due scheduled jobs every tick and periodically injects a self-check
// prompt into the owner's session so the agent can surface anything that
// needs attention without being asked.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/valetrun/valet/internal/bus"
	"github.com/valetrun/valet/internal/logger"
)

var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
)

// checkPrompt asks the agent to review its own state. Replying with
// exactly HEARTBEAT_OK means nothing is worth a message; the loop
// suppresses that reply.
const checkPrompt = "Periodic self-check. Review recent conversation state and any pending work. " +
	"If something needs the user's attention, say so. Otherwise reply with exactly HEARTBEAT_OK."

// Evaluator is the slice of the scheduler the heartbeat drives.
type Evaluator interface {
	Evaluate(now time.Time)
}

// Publisher is the slice of the bus self-check prompts go through.
type Publisher interface {
	PublishInbound(env bus.Envelope) error
}

// Config holds heartbeat construction parameters.
type Config struct {
	Tick       time.Duration // scheduler evaluation period (default: 30s)
	CheckEvery time.Duration // self-check period, 0 disables self-checks

	// Owner identity the self-check prompt is addressed to.
	OwnerChannel bus.ChannelType
	OwnerAddress string
	OwnerUserID  string
}

// Heartbeat owns the ticker goroutine.
type Heartbeat struct {
	scheduler Evaluator
	publisher Publisher
	logger    *logger.Logger
	cfg       Config

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
	lastCheck time.Time
}

// New creates a Heartbeat.
func New(scheduler Evaluator, publisher Publisher, log *logger.Logger, cfg Config) (*Heartbeat, error) {
	if scheduler == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if log == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.CheckEvery > 0 && (cfg.OwnerUserID == "" || cfg.OwnerChannel == "") {
		return nil, fmt.Errorf("self-checks require an owner identity")
	}

	return &Heartbeat{
		scheduler: scheduler,
		publisher: publisher,
		logger:    log,
		cfg:       cfg,
	}, nil
}

// Start launches the ticker goroutine.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	h.started = true
	h.lastCheck = time.Now()

	go h.run(ctx)

	h.logger.Info("heartbeat started",
		logger.Field{Key: "tick", Value: h.cfg.Tick},
		logger.Field{Key: "check_every", Value: h.cfg.CheckEvery})
	return nil
}

// Stop terminates the ticker and waits for the goroutine to exit.
func (h *Heartbeat) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return ErrNotStarted
	}

	h.cancel()
	<-h.done
	h.started = false

	h.logger.Info("heartbeat stopped")
	return nil
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.tick(now)
		}
	}
}

// tick never blocks on downstream consumers: scheduler publication and the
// self-check both go through the bus's non-blocking publish.
func (h *Heartbeat) tick(now time.Time) {
	h.scheduler.Evaluate(now)

	if h.cfg.CheckEvery <= 0 || now.Sub(h.lastCheck) < h.cfg.CheckEvery {
		return
	}
	h.lastCheck = now

	env := bus.NewInbound(h.cfg.OwnerChannel, h.cfg.OwnerAddress, h.cfg.OwnerUserID, checkPrompt, bus.OriginHeartbeat)
	if err := h.publisher.PublishInbound(env); err != nil {
		// A busy owner session just skips this check; the next one will fire.
		h.logger.Warn("self-check skipped",
			logger.Field{Key: "error", Value: err.Error()})
	}
}
