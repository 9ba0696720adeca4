package cron

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/valetrun/valet/internal/logger"
)

const (
	// jobsSubdir is the subdirectory for job storage within the workspace.
	jobsSubdir = "cron"
	// jobsFilename is the JSONL file holding one job per line.
	jobsFilename = "jobs.jsonl"
)

// Store persists jobs as JSONL, one job per line. The scheduler is the
// single writer of run bookkeeping; the admin surface creates, edits, and
// removes definitions through the same store so changes are visible to the
// next tick.
type Store struct {
	mu       sync.Mutex
	filePath string
	logger   *logger.Logger
}

// NewStore creates a job store rooted in the workspace directory.
func NewStore(workspacePath string, log *logger.Logger) *Store {
	return &Store{
		filePath: filepath.Join(workspacePath, jobsSubdir, jobsFilename),
		logger:   log,
	}
}

// Load reads every job from disk. A missing file is an empty store.
func (s *Store) Load() ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() ([]Job, error) {
	f, err := os.Open(s.filePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	defer f.Close()

	var jobs []Job
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var job Job
		if err := json.Unmarshal(line, &job); err != nil {
			s.logger.Warn("skipping malformed job line",
				logger.Field{Key: "line", Value: lineNum},
				logger.Field{Key: "error", Value: err.Error()})
			continue
		}
		jobs = append(jobs, job)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read job store: %w", err)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// Save replaces the whole store atomically (write temp file, then rename).
func (s *Store) Save(jobs []Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(jobs)
}

func (s *Store) save(jobs []Job) error {
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create job store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "jobs-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp job file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, job := range jobs {
		data, err := json.Marshal(job)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write job %s: %w", job.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush job store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp job file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.filePath); err != nil {
		return fmt.Errorf("failed to replace job store: %w", err)
	}
	return nil
}

// Upsert inserts or replaces one job by id.
func (s *Store) Upsert(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.load()
	if err != nil {
		return err
	}

	replaced := false
	for i := range jobs {
		if jobs[i].ID == job.ID {
			jobs[i] = job
			replaced = true
			break
		}
	}
	if !replaced {
		jobs = append(jobs, job)
	}
	return s.save(jobs)
}

// Remove deletes one job by id.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.load()
	if err != nil {
		return err
	}

	kept := jobs[:0]
	found := false
	for _, job := range jobs {
		if job.ID == id {
			found = true
			continue
		}
		kept = append(kept, job)
	}
	if !found {
		return fmt.Errorf("job not found: %s", id)
	}
	return s.save(kept)
}

// Get returns one job by id.
func (s *Store) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.load()
	if err != nil {
		return Job{}, err
	}
	for _, job := range jobs {
		if job.ID == id {
			return job, nil
		}
	}
	return Job{}, fmt.Errorf("job not found: %s", id)
}
