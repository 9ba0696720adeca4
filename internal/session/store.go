package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/valetrun/valet/internal/logger"
)

// Store is the keyed session store. It maps channel identities to sessions,
// creating them lazily, and is the only piece of mutable shared state in
// the runtime. The per-session lock lives on the session itself so that
// traffic for different sessions never contends.
type Store struct {
	baseDir  string
	logger   *logger.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates a session store rooted at baseDir.
func NewStore(baseDir string, log *logger.Logger) (*Store, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory cannot be empty")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &Store{
		baseDir:  baseDir,
		logger:   log,
		sessions: make(map[string]*Session),
	}, nil
}

// GetOrCreate returns the session for a channel identity, creating it on
// first use. Existing history is loaded from disk.
func (st *Store) GetOrCreate(channel, userID string) (*Session, error) {
	id := fmt.Sprintf("%s:%s", channel, userID)
	return st.getOrCreate(id, channel, userID)
}

// GetOrCreateByID returns the session with an explicit id. Used for
// synthetic sessions (subagents) that have no channel identity of their own.
func (st *Store) GetOrCreateByID(id string) (*Session, error) {
	return st.getOrCreate(id, "", "")
}

// Get returns an existing session without creating one.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// List returns the ids of every loaded session.
func (st *Store) List() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		out = append(out, id)
	}
	return out
}

func (st *Store) getOrCreate(id, channel, userID string) (*Session, error) {
	st.mu.RLock()
	if s, ok := st.sessions[id]; ok {
		st.mu.RUnlock()
		return s, nil
	}
	st.mu.RUnlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[id]; ok {
		return s, nil
	}

	file := filepath.Join(st.baseDir, sanitizeID(id)+".jsonl")
	s := newSession(id, channel, userID, file)

	turns, err := loadTurns(file)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	s.turns = turns

	st.sessions[id] = s
	st.logger.Debug("session created",
		logger.Field{Key: "session_id", Value: id},
		logger.Field{Key: "loaded_turns", Value: len(turns)})
	return s, nil
}

// loadTurns reads a JSONL session file. Malformed lines are skipped rather
// than failing the whole session.
func loadTurns(file string) ([]Turn, error) {
	f, err := os.Open(file)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var turns []Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t Turn
		if err := json.Unmarshal(line, &t); err != nil {
			continue
		}
		turns = append(turns, t)
	}
	return turns, scanner.Err()
}

// sanitizeID makes a session id safe to use as a file name.
func sanitizeID(id string) string {
	replacer := strings.NewReplacer(":", "_", "/", "_", "\\", "_", " ", "_")
	return replacer.Replace(id)
}
