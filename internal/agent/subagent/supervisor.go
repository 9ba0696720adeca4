// Package subagent runs detached background agents. Each subagent gets its
// own isolated session and its own loop turn; when it finishes, the result
// is injected into the originating conversation as a normal inbound turn.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valetrun/valet/internal/agent/loop"
	"github.com/valetrun/valet/internal/bus"
	"github.com/valetrun/valet/internal/logger"
)

var (
	ErrTooManyAgents = errors.New("too many concurrent subagents")
	ErrUnknownAgent  = errors.New("unknown subagent")
)

// Runner drives one detached agent turn to completion.
type Runner interface {
	RunDetached(ctx context.Context, sessionID, task, origin string) (string, loop.State, error)
}

// Publisher is the slice of the message bus results flow back through.
type Publisher interface {
	PublishInbound(env bus.Envelope) error
}

// Info describes one running subagent.
type Info struct {
	ID            string
	Task          string
	ParentSession string
	StartedAt     time.Time
}

// Config holds supervisor construction parameters.
type Config struct {
	Runner    Runner
	Publisher Publisher
	Logger    *logger.Logger
	Max       int           // concurrent subagent limit (default: 5)
	Timeout   time.Duration // per-subagent wall clock budget (default: 10m)
}

type running struct {
	info   Info
	cancel context.CancelFunc
}

// Supervisor owns the lifecycle of background agents.
type Supervisor struct {
	runner    Runner
	publisher Publisher
	logger    *logger.Logger
	timeout   time.Duration

	mu     sync.Mutex
	agents map[string]*running
	slots  chan struct{}
	wg     sync.WaitGroup
}

// New creates a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Max <= 0 {
		cfg.Max = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}

	return &Supervisor{
		runner:    cfg.Runner,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
		timeout:   cfg.Timeout,
		agents:    make(map[string]*running),
		slots:     make(chan struct{}, cfg.Max),
	}, nil
}

// Spawn starts a background agent for the given task and returns its id
// immediately. The result arrives in the originating session later via the
// bus. The subagent's context is detached from the caller's so it survives
// the spawning turn; it is bounded by the supervisor timeout instead.
func (s *Supervisor) Spawn(_ context.Context, origin bus.Envelope, task string) (string, error) {
	select {
	case s.slots <- struct{}{}:
	default:
		return "", ErrTooManyAgents
	}

	id := uuid.NewString()[:8]
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)

	s.mu.Lock()
	s.agents[id] = &running{
		info: Info{
			ID:            id,
			Task:          task,
			ParentSession: origin.SessionID,
			StartedAt:     time.Now(),
		},
		cancel: cancel,
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, id, origin, task)

	s.logger.Info("subagent started",
		logger.Field{Key: "subagent_id", Value: id},
		logger.Field{Key: "parent_session", Value: origin.SessionID})
	return id, nil
}

func (s *Supervisor) run(ctx context.Context, id string, origin bus.Envelope, task string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if r, ok := s.agents[id]; ok {
			r.cancel()
			delete(s.agents, id)
		}
		s.mu.Unlock()
		<-s.slots
	}()

	sessionID := "subagent-" + id
	final, state, err := s.runner.RunDetached(ctx, sessionID, task, bus.SubagentOrigin(id))

	var result string
	switch {
	case err != nil:
		result = fmt.Sprintf("Background agent %s failed: %v", id, err)
		s.logger.Error("subagent run failed", err,
			logger.Field{Key: "subagent_id", Value: id})
	case state == loop.StateAborted:
		result = fmt.Sprintf("Background agent %s gave up: %s", id, final)
	default:
		result = fmt.Sprintf("Background agent %s finished: %s", id, final)
	}

	s.deliver(id, origin, result)
}

// deliver publishes the result into the parent session, retrying briefly
// when that session's queue is full.
func (s *Supervisor) deliver(id string, origin bus.Envelope, result string) {
	env := bus.Envelope{
		Direction: bus.DirectionInbound,
		Channel:   origin.Channel,
		Address:   origin.Address,
		UserID:    origin.UserID,
		SessionID: origin.SessionID,
		Text:      result,
		Origin:    bus.SubagentOrigin(id),
		Timestamp: time.Now(),
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = s.publisher.PublishInbound(env); err == nil {
			return
		}
		if !errors.Is(err, bus.ErrOverflow) {
			break
		}
		time.Sleep(time.Second)
	}
	s.logger.Error("failed to deliver subagent result", err,
		logger.Field{Key: "subagent_id", Value: id},
		logger.Field{Key: "parent_session", Value: origin.SessionID})
}

// List returns the currently running subagents.
func (s *Supervisor) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]Info, 0, len(s.agents))
	for _, r := range s.agents {
		infos = append(infos, r.info)
	}
	return infos
}

// Stop cancels one running subagent.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	r.cancel()
	return nil
}

// Shutdown cancels all subagents and waits for their goroutines to exit.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	for _, r := range s.agents {
		r.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
