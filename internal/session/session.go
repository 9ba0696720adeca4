// Package session holds per-conversation state. Each session is an ordered
// turn log persisted as JSONL, guarded by a per-session busy lock: at most
// one agent loop execution may hold the lock, and turns are committed in
// exactly the order they were appended under it. Snapshot reads the last
// committed state without the lock.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/valetrun/valet/internal/llm"
)

var (
	// ErrBusyTimeout means the session lock was held past the caller's
	// deadline. Callers must treat this as "try again later", never as
	// data loss.
	ErrBusyTimeout = errors.New("session busy: lock acquisition timed out")

	// ErrGuardReleased means a guard was used after Release.
	ErrGuardReleased = errors.New("session guard already released")
)

// Turn is one role-tagged entry in a session's history.
type Turn struct {
	Message   llm.Message `json:"message"`
	Origin    string      `json:"origin,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewTurn builds a turn with the current timestamp.
func NewTurn(role llm.Role, content, origin string) Turn {
	return Turn{
		Message:   llm.Message{Role: role, Content: content},
		Origin:    origin,
		Timestamp: time.Now(),
	}
}

// Session is one conversation's state. Created lazily by the store on the
// first envelope for a new channel identity.
type Session struct {
	ID      string
	Channel string
	UserID  string

	file string
	sem  chan struct{} // busy lock, capacity 1

	mu         sync.Mutex // guards turns and lastActive
	turns      []Turn
	lastActive time.Time
}

func newSession(id, channel, userID, file string) *Session {
	return &Session{
		ID:      id,
		Channel: channel,
		UserID:  userID,
		file:    file,
		sem:     make(chan struct{}, 1),
	}
}

// Guard represents held ownership of a session's busy lock.
type Guard struct {
	s        *Session
	released bool
}

// Acquire takes the session's busy lock, waiting at most timeout.
func (s *Session) Acquire(ctx context.Context, timeout time.Duration) (*Guard, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.sem <- struct{}{}:
		s.touch()
		return &Guard{s: s}, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrBusyTimeout, s.ID)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrBusyTimeout, s.ID)
	}
}

// Busy reports whether the session lock is currently held.
func (s *Session) Busy() bool {
	return len(s.sem) > 0
}

// LastActive returns when the session last appended or was acquired.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Snapshot returns a copy of the committed turn history. It may be called
// without the lock; it never observes a partially appended turn.
func (s *Session) Snapshot() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// TurnCount returns the number of committed turns.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Release gives the busy lock back. Safe to call more than once.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	<-g.s.sem
}

// Append persists a turn and commits it to the in-memory history. Only the
// lock holder may append, which is what makes commit order equal append
// order.
func (g *Guard) Append(turn Turn) error {
	if g.released {
		return ErrGuardReleased
	}

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	file, err := os.OpenFile(g.s.file, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write turn: %w", err)
	}

	g.s.mu.Lock()
	g.s.turns = append(g.s.turns, turn)
	g.s.lastActive = time.Now()
	g.s.mu.Unlock()

	return nil
}

// History returns the turn history as model messages, in commit order.
func (g *Guard) History() ([]llm.Message, error) {
	if g.released {
		return nil, ErrGuardReleased
	}

	g.s.mu.Lock()
	defer g.s.mu.Unlock()

	out := make([]llm.Message, 0, len(g.s.turns))
	for _, t := range g.s.turns {
		out = append(out, t.Message)
	}
	return out, nil
}

// Session returns the guarded session.
func (g *Guard) Session() *Session {
	return g.s
}
