// Package scheduler runs cron-style schedules that feed prompts back into
// the agent and deliver the output to a chat.
//
// Schedules live as one JSON file each under the data directory, so both the
// model (via the file tools) and this process can create and delete them.
package scheduler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Schedule is one recurring (or one-shot) prompt delivery.
type Schedule struct {
	ID        string `json:"-"` // filename stem
	Name      string `json:"name"`
	Cron      string `json:"cron"`
	Prompt    string `json:"prompt"`
	ChatID    int64  `json:"chat_id"`
	Enabled   bool   `json:"enabled"`
	Once      bool   `json:"once,omitempty"`
	CreatedAt string `json:"created_at"`
	LastRun   string `json:"last_run,omitempty"`
}

// Store reads and writes schedule files in a directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore returns a Store rooted at dataDir/schedules.
func NewStore(dataDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: filepath.Join(dataDir, "schedules"), logger: logger}
}

// Dir returns the schedules directory.
func (s *Store) Dir() string { return s.dir }

// List returns all parseable schedules, sorted by ID. Unreadable files are
// logged and skipped so one bad file cannot stall the whole scheduler.
func (s *Store) List() []*Schedule {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil
	}
	sort.Strings(paths)

	var out []*Schedule
	for _, p := range paths {
		sched, err := s.load(p)
		if err != nil {
			s.logger.Warn("skipping schedule", "file", filepath.Base(p), "error", err)
			continue
		}
		out = append(out, sched)
	}
	return out
}

// Get returns a schedule by ID, or nil when it does not exist.
func (s *Store) Get(id string) *Schedule {
	sched, err := s.load(s.path(id))
	if err != nil {
		return nil
	}
	return sched
}

// Add validates the cron expression, creates the schedule, and writes it to
// disk. The ID is derived from a fresh UUID when empty.
func (s *Store) Add(sched *Schedule) error {
	if _, err := cron.ParseStandard(sched.Cron); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sched.Cron, err)
	}
	if sched.ID == "" {
		sched.ID = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	if sched.CreatedAt == "" {
		sched.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	return s.save(sched)
}

// Remove deletes a schedule file. Returns false when it did not exist.
func (s *Store) Remove(id string) bool {
	err := os.Remove(s.path(id))
	return err == nil
}

// UpdateLastRun records when a schedule last fired.
func (s *Store) UpdateLastRun(id, timestamp string) {
	sched := s.Get(id)
	if sched == nil {
		return
	}
	sched.LastRun = timestamp
	if err := s.save(sched); err != nil {
		s.logger.Warn("update last_run failed", "schedule", id, "error", err)
	}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) load(path string) (*Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sched Schedule
	if err := json.Unmarshal(data, &sched); err != nil {
		return nil, err
	}
	sched.ID = strings.TrimSuffix(filepath.Base(path), ".json")
	return &sched, nil
}

func (s *Store) save(sched *Schedule) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sched, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(sched.ID), append(data, '\n'), 0o644)
}
