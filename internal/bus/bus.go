package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/valetrun/valet/internal/logger"
	"github.com/valetrun/valet/internal/metrics"
)

var (
	ErrAlreadyStarted    = errors.New("message bus is already started")
	ErrNotStarted        = errors.New("message bus is not started")
	ErrOverflow          = errors.New("session queue is full")
	ErrSessionBusy       = errors.New("session is busy")
	ErrNoHandler         = errors.New("no inbound handler configured")
	ErrChannelSubscribed = errors.New("channel already has an outbound subscriber")
)

// InboundHandler processes one inbound envelope. Returning an error that
// wraps ErrSessionBusy asks the bus to keep the envelope at the head of its
// session queue and retry after a short delay; any other error drops it.
type InboundHandler func(ctx context.Context, env Envelope) error

// OutboundHandler delivers one outbound envelope back to a channel adapter.
// It must honor the delivery context deadline.
type OutboundHandler func(ctx context.Context, env Envelope) error

// Config holds bus tunables.
type Config struct {
	QueueDepth      int           // per-session inbound queue bound
	DeliveryTimeout time.Duration // per-handler outbound delivery deadline
	RetryDelay      time.Duration // wait before retrying a busy session
}

// DefaultConfig returns the bus defaults.
func DefaultConfig() Config {
	return Config{
		QueueDepth:      16,
		DeliveryTimeout: 10 * time.Second,
		RetryDelay:      500 * time.Millisecond,
	}
}

// MessageBus routes inbound envelopes to the agent loop through bounded
// per-session queues and outbound envelopes to per-channel subscribers.
type MessageBus struct {
	mu      sync.RWMutex
	cfg     Config
	logger  *logger.Logger
	metrics *metrics.Metrics
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup

	handler    InboundHandler
	queues     map[string]chan Envelope
	outboundCh chan Envelope
	outbound   map[ChannelType]OutboundHandler
}

// New creates a message bus. The inbound handler must be set with
// SetInboundHandler before Start.
func New(cfg Config, log *logger.Logger, m *metrics.Metrics) *MessageBus {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultConfig().DeliveryTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	return &MessageBus{
		cfg:        cfg,
		logger:     log,
		metrics:    m,
		queues:     make(map[string]chan Envelope),
		outboundCh: make(chan Envelope, cfg.QueueDepth*4),
		outbound:   make(map[ChannelType]OutboundHandler),
	}
}

// SetInboundHandler sets the handler invoked for every inbound envelope.
// Must be called before Start.
func (mb *MessageBus) SetInboundHandler(h InboundHandler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handler = h
}

// SubscribeOutbound registers the delivery handler for a channel kind.
// At most one subscriber per channel.
func (mb *MessageBus) SubscribeOutbound(channel ChannelType, h OutboundHandler) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if _, exists := mb.outbound[channel]; exists {
		return ErrChannelSubscribed
	}
	mb.outbound[channel] = h
	return nil
}

// Start starts the outbound delivery loop. Session queues are created
// lazily on first publish.
func (mb *MessageBus) Start(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.started {
		return ErrAlreadyStarted
	}
	if mb.handler == nil {
		return ErrNoHandler
	}

	mb.ctx, mb.cancel = context.WithCancel(ctx)
	mb.started = true

	mb.wg.Add(1)
	go mb.deliverOutbound()

	mb.logger.Info("message bus started",
		logger.Field{Key: "queue_depth", Value: mb.cfg.QueueDepth})
	return nil
}

// Stop stops the bus and waits for in-flight envelopes to drain.
func (mb *MessageBus) Stop() error {
	mb.mu.Lock()
	if !mb.started {
		mb.mu.Unlock()
		return ErrNotStarted
	}
	mb.started = false
	mb.cancel()
	mb.mu.Unlock()

	mb.wg.Wait()

	mb.mu.Lock()
	for id, ch := range mb.queues {
		close(ch)
		delete(mb.queues, id)
	}
	mb.mu.Unlock()

	mb.logger.Info("message bus stopped")
	return nil
}

// PublishInbound enqueues an inbound envelope on its session queue.
// Returns ErrOverflow when the session's queue is at capacity; the producer
// decides what that means (a "please wait" notice for human channels, a
// skipped run for the scheduler).
func (mb *MessageBus) PublishInbound(env Envelope) error {
	mb.mu.RLock()
	if !mb.started {
		mb.mu.RUnlock()
		return ErrNotStarted
	}
	if ch, ok := mb.queues[env.SessionID]; ok {
		defer mb.mu.RUnlock()
		return mb.enqueue(ch, env)
	}
	mb.mu.RUnlock()

	// Slow path: first envelope for this session, create its queue.
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if !mb.started {
		return ErrNotStarted
	}
	ch, ok := mb.queues[env.SessionID]
	if !ok {
		ch = make(chan Envelope, mb.cfg.QueueDepth)
		mb.queues[env.SessionID] = ch
		mb.wg.Add(1)
		go mb.runSession(env.SessionID, ch)
		mb.logger.Debug("session queue created",
			logger.Field{Key: "session_id", Value: env.SessionID})
	}
	return mb.enqueue(ch, env)
}

// enqueue attempts a non-blocking send; a full queue is an overflow, never
// a silent drop. Callers hold at least a read lock so the queue cannot be
// closed underneath the send.
func (mb *MessageBus) enqueue(ch chan Envelope, env Envelope) error {
	select {
	case ch <- env:
		mb.metrics.InboundPublished(env.Origin)
		mb.metrics.QueueAdd(1)
		mb.logger.Debug("inbound envelope published",
			logger.Field{Key: "session_id", Value: env.SessionID},
			logger.Field{Key: "origin", Value: env.Origin})
		return nil
	default:
		mb.metrics.InboundDropped(env.Origin)
		mb.logger.Warn("session queue full",
			logger.Field{Key: "session_id", Value: env.SessionID},
			logger.Field{Key: "origin", Value: env.Origin})
		return ErrOverflow
	}
}

// PublishOutbound enqueues an outbound envelope for delivery to its
// channel's subscriber.
func (mb *MessageBus) PublishOutbound(env Envelope) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	if !mb.started {
		return ErrNotStarted
	}

	select {
	case mb.outboundCh <- env:
		mb.logger.Debug("outbound envelope published",
			logger.Field{Key: "session_id", Value: env.SessionID},
			logger.Field{Key: "channel", Value: env.Channel})
		return nil
	default:
		return ErrOverflow
	}
}

// IsStarted reports whether the bus is running.
func (mb *MessageBus) IsStarted() bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return mb.started
}

// runSession drains one session's queue. A single goroutine per session is
// what serializes same-session envelopes while leaving different sessions
// fully concurrent.
func (mb *MessageBus) runSession(sessionID string, ch chan Envelope) {
	defer mb.wg.Done()

	for {
		select {
		case <-mb.ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			mb.metrics.QueueAdd(-1)
			mb.process(env)
		}
	}
}

// process invokes the inbound handler for one envelope, retrying while the
// handler reports the session lock as busy. The envelope stays at the head
// of its queue; only overflow is ever surfaced to the producer.
func (mb *MessageBus) process(env Envelope) {
	for {
		err := mb.handler(mb.ctx, env)
		if err == nil {
			return
		}
		if errors.Is(err, ErrSessionBusy) {
			mb.logger.Debug("session busy, retrying envelope",
				logger.Field{Key: "session_id", Value: env.SessionID})
			select {
			case <-mb.ctx.Done():
				return
			case <-time.After(mb.cfg.RetryDelay):
				continue
			}
		}
		mb.logger.Error("inbound envelope processing failed", err,
			logger.Field{Key: "session_id", Value: env.SessionID},
			logger.Field{Key: "origin", Value: env.Origin})
		return
	}
}

// deliverOutbound drains the outbound queue, dispatching each envelope to
// its channel's subscriber under the delivery timeout.
func (mb *MessageBus) deliverOutbound() {
	defer mb.wg.Done()

	for {
		select {
		case <-mb.ctx.Done():
			return
		case env, ok := <-mb.outboundCh:
			if !ok {
				return
			}
			mb.deliver(env)
		}
	}
}

func (mb *MessageBus) deliver(env Envelope) {
	mb.mu.RLock()
	handler, ok := mb.outbound[env.Channel]
	mb.mu.RUnlock()

	if !ok {
		mb.metrics.OutboundDelivered(string(env.Channel), "no_subscriber")
		mb.logger.Warn("no outbound subscriber for channel",
			logger.Field{Key: "channel", Value: env.Channel},
			logger.Field{Key: "session_id", Value: env.SessionID})
		return
	}

	ctx, cancel := context.WithTimeout(mb.ctx, mb.cfg.DeliveryTimeout)
	defer cancel()

	if err := handler(ctx, env); err != nil {
		mb.metrics.OutboundDelivered(string(env.Channel), "error")
		mb.logger.Error("outbound delivery failed", err,
			logger.Field{Key: "channel", Value: env.Channel},
			logger.Field{Key: "session_id", Value: env.SessionID})
		return
	}
	mb.metrics.OutboundDelivered(string(env.Channel), "ok")
}
