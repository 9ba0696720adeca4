// Package loop implements the agent's tool-use state machine. One inbound
// envelope plus existing session history is driven through a bounded
// sequence of model calls and tool rounds until the model produces a final
// reply or the round cap aborts the turn. The machine is an explicit outer
// loop over states, which keeps the cap, the timeouts, and the abort path
// testable.
package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valetrun/valet/internal/bus"
	"github.com/valetrun/valet/internal/llm"
	"github.com/valetrun/valet/internal/logger"
	"github.com/valetrun/valet/internal/metrics"
	"github.com/valetrun/valet/internal/retry"
	"github.com/valetrun/valet/internal/session"
	"github.com/valetrun/valet/internal/tools"
)

// State is one phase of the tool-use machine.
type State string

const (
	StateAwaitModel     State = "await_model"
	StateModelResponded State = "model_responded"
	StateExecutingTools State = "executing_tools"
	StateFinal          State = "final"
	StateAborted        State = "aborted"
)

// ErrRoundCapExceeded marks a turn that used up its model/tool rounds.
var ErrRoundCapExceeded = errors.New("model/tool round cap exceeded")

// abortedNotice is the user-visible terminal message for an aborted turn.
const abortedNotice = "I could not complete this request: %s"

// heartbeatOKToken in a heartbeat turn's final reply means nothing needs
// attention, so no outbound message is sent.
const heartbeatOKToken = "HEARTBEAT_OK"

// OutboundPublisher is the slice of the message bus the loop emits through.
type OutboundPublisher interface {
	PublishOutbound(env bus.Envelope) error
}

// Config holds loop construction parameters.
type Config struct {
	Provider  llm.Provider
	Registry  *tools.Registry
	Store     *session.Store
	Publisher OutboundPublisher
	Logger    *logger.Logger
	Metrics   *metrics.Metrics

	SystemPrompt string
	Model        string
	MaxTokens    int
	Temperature  float64
	MaxRounds    int           // hard cap on model calls per inbound turn
	LockTimeout  time.Duration // session lock acquisition budget
	ToolTimeout  time.Duration // per-invocation execution deadline
	Retry        retry.Config  // provider call retry policy
}

// Loop drives the model/tool cycle for one runtime.
type Loop struct {
	provider  llm.Provider
	registry  *tools.Registry
	store     *session.Store
	publisher OutboundPublisher
	logger    *logger.Logger
	metrics   *metrics.Metrics
	cfg       Config
}

// New creates an agent loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store cannot be nil")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 10
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Model == "" {
		cfg.Model = cfg.Provider.DefaultModel()
	}

	return &Loop{
		provider:  cfg.Provider,
		registry:  cfg.Registry,
		store:     cfg.Store,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		cfg:       cfg,
	}, nil
}

// HandleEnvelope processes one inbound envelope end to end: acquire the
// session lock, append the inbound turn, drive the machine to a terminal
// state, emit the outbound reply, release the lock. A lock timeout is
// reported as bus.ErrSessionBusy so the bus retries; it is never data loss.
func (l *Loop) HandleEnvelope(ctx context.Context, env bus.Envelope) error {
	sess, err := l.resolveSession(env)
	if err != nil {
		return fmt.Errorf("failed to resolve session: %w", err)
	}

	guard, err := sess.Acquire(ctx, l.cfg.LockTimeout)
	if err != nil {
		if errors.Is(err, session.ErrBusyTimeout) {
			return fmt.Errorf("%w: %s", bus.ErrSessionBusy, env.SessionID)
		}
		return err
	}
	defer guard.Release()

	if err := guard.Append(session.NewTurn(llm.RoleUser, env.Text, env.Origin)); err != nil {
		return fmt.Errorf("failed to append inbound turn: %w", err)
	}

	final, state := l.drive(ctx, guard, env)

	if state == StateFinal && env.Origin == bus.OriginHeartbeat && containsToken(final, heartbeatOKToken) {
		l.logger.DebugCtx(ctx, "heartbeat check ok, suppressing outbound",
			logger.Field{Key: "session_id", Value: env.SessionID})
		return nil
	}

	if final == "" {
		return nil
	}
	if err := l.publisher.PublishOutbound(bus.Reply(env, final)); err != nil {
		l.logger.ErrorCtx(ctx, "failed to publish reply", err,
			logger.Field{Key: "session_id", Value: env.SessionID})
	}
	return nil
}

// RunDetached drives a full turn on an isolated session and returns the
// terminal text instead of publishing it. Used by the subagent supervisor.
func (l *Loop) RunDetached(ctx context.Context, sessionID, task, origin string) (string, State, error) {
	sess, err := l.store.GetOrCreateByID(sessionID)
	if err != nil {
		return "", StateAborted, err
	}

	guard, err := sess.Acquire(ctx, l.cfg.LockTimeout)
	if err != nil {
		return "", StateAborted, err
	}
	defer guard.Release()

	if err := guard.Append(session.NewTurn(llm.RoleUser, task, origin)); err != nil {
		return "", StateAborted, err
	}

	env := bus.Envelope{
		Direction: bus.DirectionInbound,
		Channel:   bus.ChannelTypeSystem,
		SessionID: sessionID,
		Text:      task,
		Origin:    origin,
	}
	final, state := l.drive(ctx, guard, env)
	return final, state, nil
}

// drive runs the machine to a terminal state. It always returns the text
// to surface (reply or abort notice); the caller owns emission and the
// guard.
func (l *Loop) drive(ctx context.Context, guard *session.Guard, env bus.Envelope) (string, State) {
	toolCtx := bus.WithEnvelope(ctx, env)

	state := StateAwaitModel
	rounds := 0
	var resp *llm.ChatResponse
	var abortReason string

	for {
		switch state {
		case StateAwaitModel:
			if rounds >= l.cfg.MaxRounds {
				abortReason = fmt.Sprintf("gave up after %d tool rounds", rounds)
				l.logger.WarnCtx(ctx, "round cap exceeded",
					logger.Field{Key: "session_id", Value: env.SessionID},
					logger.Field{Key: "rounds", Value: rounds},
					logger.Field{Key: "error", Value: ErrRoundCapExceeded})
				state = StateAborted
				continue
			}

			var err error
			resp, err = l.callModel(ctx, guard)
			if err != nil {
				abortReason = fmt.Sprintf("the model could not be reached (%v)", err)
				l.logger.ErrorCtx(ctx, "provider call failed after retries", err,
					logger.Field{Key: "session_id", Value: env.SessionID})
				state = StateAborted
				continue
			}
			rounds++
			state = StateModelResponded

		case StateModelResponded:
			if resp.FinishReason == llm.FinishReasonToolCalls && len(resp.ToolCalls) > 0 {
				turn := session.NewTurn(llm.RoleAssistant, resp.Content, "")
				turn.Message.ToolCalls = resp.ToolCalls
				if err := guard.Append(turn); err != nil {
					abortReason = "session write failed"
					state = StateAborted
					continue
				}
				state = StateExecutingTools
				continue
			}

			if err := guard.Append(session.NewTurn(llm.RoleAssistant, resp.Content, "")); err != nil {
				abortReason = "session write failed"
				state = StateAborted
				continue
			}
			state = StateFinal

		case StateExecutingTools:
			results := l.executeRound(toolCtx, resp.ToolCalls)
			for _, result := range results {
				content := result.Content
				if result.Error != "" {
					content = fmt.Sprintf("Error: %s", result.Error)
				}
				turn := session.NewTurn(llm.RoleTool, content, "")
				turn.Message.ToolCallID = result.InvocationID
				if err := guard.Append(turn); err != nil {
					abortReason = "session write failed"
					state = StateAborted
					break
				}
			}
			if state != StateAborted {
				state = StateAwaitModel
			}

		case StateFinal:
			l.metrics.LoopRounds(rounds)
			l.logger.DebugCtx(ctx, "turn completed",
				logger.Field{Key: "session_id", Value: env.SessionID},
				logger.Field{Key: "rounds", Value: rounds})
			return resp.Content, StateFinal

		case StateAborted:
			l.metrics.LoopRounds(rounds)
			notice := fmt.Sprintf(abortedNotice, abortReason)
			// Best effort: the abort itself must not depend on the append
			// succeeding, the lock is released either way.
			if err := guard.Append(session.NewTurn(llm.RoleSystem, notice, "")); err != nil {
				l.logger.ErrorCtx(ctx, "failed to record abort turn", err,
					logger.Field{Key: "session_id", Value: env.SessionID})
			}
			return notice, StateAborted
		}
	}
}

// callModel sends the session history to the provider, with bounded
// backoff on transport failures.
func (l *Loop) callModel(ctx context.Context, guard *session.Guard) (*llm.ChatResponse, error) {
	history, err := guard.History()
	if err != nil {
		return nil, err
	}

	messages := history
	if l.cfg.SystemPrompt != "" {
		messages = append([]llm.Message{{Role: llm.RoleSystem, Content: l.cfg.SystemPrompt}}, history...)
	}

	req := llm.ChatRequest{
		Messages:    messages,
		Model:       l.cfg.Model,
		Temperature: l.cfg.Temperature,
		MaxTokens:   l.cfg.MaxTokens,
	}
	if l.provider.SupportsToolCalling() {
		for _, def := range l.registry.Definitions() {
			req.Tools = append(req.Tools, llm.ToolDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			})
		}
	}

	return retry.Do(ctx, func() (*llm.ChatResponse, error) {
		return l.provider.Chat(ctx, req)
	}, l.cfg.Retry)
}

func (l *Loop) resolveSession(env bus.Envelope) (*session.Session, error) {
	if env.Channel != "" && env.UserID != "" && env.Channel != bus.ChannelTypeSystem {
		return l.store.GetOrCreate(string(env.Channel), env.UserID)
	}
	return l.store.GetOrCreateByID(env.SessionID)
}

// containsToken reports whether the response is exactly the token or
// carries it alone on one of its lines.
func containsToken(response, token string) bool {
	if response == token {
		return true
	}
	for _, line := range strings.Split(response, "\n") {
		if strings.TrimSpace(line) == token {
			return true
		}
	}
	return false
}
