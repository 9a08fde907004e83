// Package task persists conversation tasks and their session state.
//
// A Task is one logical, resumable conversation: it carries either a live
// provider session pointer or a compression summary, never both. At most one
// task is active at a time; the active task is what the front ends route
// plain messages to.
package task

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Task is a single conversation thread with its session/compression state.
type Task struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SessionID string `json:"session_id,omitempty"` // provider session pointer, "" when none
	CreatedAt string `json:"created_at"`
	TurnCount int    `json:"turn_count"`
	Summary   string `json:"summary,omitempty"` // compression summary, "" when none
	Active    bool   `json:"active"`
	// LastResponse is the most recent assistant reply, kept as a safety
	// net for prompt context when the session is lost or compressed.
	LastResponse string `json:"last_response,omitempty"`
}

// Store persists tasks in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Open opens (or creates) the task database at the given path.
func Open(dbPath string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create task store dir: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open task db: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			turn_count INTEGER NOT NULL DEFAULT 0,
			summary    TEXT NOT NULL DEFAULT '',
			active     INTEGER NOT NULL DEFAULT 0,
			last_response TEXT NOT NULL DEFAULT ''
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new task and makes it the active one. All other tasks are
// deactivated in the same transaction, so the single-active invariant holds
// even if the process dies mid-way.
func (s *Store) Create(name string) (*Task, error) {
	if len(name) > 80 {
		name = name[:80]
	}
	t := &Task{
		ID:        newID(),
		Name:      name,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Active:    true,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE tasks SET active = 0 WHERE active = 1`); err != nil {
		return nil, fmt.Errorf("deactivate tasks: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO tasks (id, name, session_id, created_at, turn_count, summary, active)
		 VALUES (?, ?, '', ?, 0, '', 1)`,
		t.ID, t.Name, t.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("task created", "task", t.ID, "name", t.Name)
	return t, nil
}

// Get returns a task by ID, or nil when it does not exist.
func (s *Store) Get(id string) (*Task, error) {
	row := s.db.QueryRow(
		`SELECT id, name, session_id, created_at, turn_count, summary, active, last_response
		 FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// Active returns the currently active task, or nil when there is none.
func (s *Store) Active() (*Task, error) {
	row := s.db.QueryRow(
		`SELECT id, name, session_id, created_at, turn_count, summary, active, last_response
		 FROM tasks WHERE active = 1 LIMIT 1`)
	return scanTask(row)
}

// List returns all tasks, most recent first.
func (s *Store) List() ([]*Task, error) {
	rows, err := s.db.Query(
		`SELECT id, name, session_id, created_at, turn_count, summary, active, last_response
		 FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		var active int
		if err := rows.Scan(&t.ID, &t.Name, &t.SessionID, &t.CreatedAt, &t.TurnCount, &t.Summary, &active, &t.LastResponse); err != nil {
			return nil, err
		}
		t.Active = active != 0
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// SetActive makes the given task active and deactivates all others
// atomically. Returns the task, or nil when it does not exist.
func (s *Store) SetActive(id string) (*Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE tasks SET active = 0 WHERE active = 1`); err != nil {
		return nil, err
	}
	res, err := tx.Exec(`UPDATE tasks SET active = 1 WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(id)
}

// UpdateSessionID stores the provider session pointer for a task. Providers
// may rotate the pointer on every round trip, so this runs after each one.
func (s *Store) UpdateSessionID(id, sessionID string) error {
	_, err := s.db.Exec(`UPDATE tasks SET session_id = ? WHERE id = ?`, sessionID, id)
	return err
}

// IncrementTurns bumps the turn counter and returns the new value.
func (s *Store) IncrementTurns(id string) (int, error) {
	if _, err := s.db.Exec(`UPDATE tasks SET turn_count = turn_count + 1 WHERE id = ?`, id); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRow(`SELECT turn_count FROM tasks WHERE id = ?`, id).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// SaveSummary records a compression summary. The session pointer is cleared
// and the turn counter reset in the same statement: a compressed task starts
// a logically fresh session whose prior context lives only in the summary.
func (s *Store) SaveSummary(id, summary string) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET summary = ?, session_id = '', turn_count = 0 WHERE id = ?`,
		summary, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	s.logger.Info("task compressed", "task", id, "summary_chars", len(summary))
	return nil
}

// ClearSummary drops the stored summary once it has been superseded (the
// first interaction after compression carries the summary in the prompt and
// yields a fresh session pointer).
func (s *Store) ClearSummary(id string) error {
	_, err := s.db.Exec(`UPDATE tasks SET summary = '' WHERE id = ?`, id)
	return err
}

// SaveLastResponse stores the final assistant text of the most recent run.
func (s *Store) SaveLastResponse(id, text string) error {
	_, err := s.db.Exec(`UPDATE tasks SET last_response = ? WHERE id = ?`, text, id)
	return err
}

// LastResponse returns the stored final assistant text, "" when none.
func (s *Store) LastResponse(id string) (string, error) {
	var text string
	err := s.db.QueryRow(`SELECT last_response FROM tasks WHERE id = ?`, id).Scan(&text)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return text, err
}

// Delete removes a task. Returns false when it did not exist. The caller is
// responsible for removing the task's message history alongside.
func (s *Store) Delete(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// NeedsCompression reports whether a task has crossed the turn threshold
// while holding a live session pointer. Tasks already compressed (summary
// set, no pointer) do not trigger again until a new session accumulates.
func NeedsCompression(t *Task, threshold int) bool {
	if t == nil || threshold <= 0 {
		return false
	}
	return t.TurnCount >= threshold && t.SessionID != "" && t.Summary == ""
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var active int
	err := row.Scan(&t.ID, &t.Name, &t.SessionID, &t.CreatedAt, &t.TurnCount, &t.Summary, &active, &t.LastResponse)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Active = active != 0
	return &t, nil
}

// newID returns an 8-char hex token, short enough to type in chat commands.
func newID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}
