// Package history stores per-task conversation history for providers that
// keep no server-side session state.
//
// Entries are a closed set of variants rather than free-form role maps, so
// structural invariants (tool call/result pairing, the single mutable system
// entry) are enforceable. Files are written crash-safe: temp file + rename.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Kind discriminates history entry variants.
type Kind string

const (
	KindSystem     Kind = "system"      // leading instruction entry, mutable in place
	KindUser       Kind = "user"        // user message
	KindAssistant  Kind = "assistant"   // assistant text
	KindToolCall   Kind = "tool_call"   // one requested tool invocation
	KindToolResult Kind = "tool_result" // the paired result
	KindItem       Kind = "item"        // provider wire item, replayed verbatim from Raw
	KindCancelled  Kind = "cancelled"   // marker: the preceding user entry got no reply
)

// Entry is one history record. Which fields are meaningful depends on Kind:
// Content for system/user/assistant, CallID+Name+Arguments for tool calls,
// CallID+Content for tool results. Raw, when set, holds the provider's
// verbatim wire item (Responses API output items) and is replayed unchanged
// as input context on later round trips.
type Entry struct {
	Kind      Kind            `json:"kind"`
	Content   string          `json:"content,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// Store manages per-task history files with an in-memory cache.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string][]Entry
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore creates a history store rooted at dataDir/messages.
func NewStore(dataDir string, opts ...Option) *Store {
	s := &Store{
		dir:    filepath.Join(dataDir, "messages"),
		logger: slog.Default(),
		cache:  make(map[string][]Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

// Get returns a copy of the entries for a task, loading from disk on first
// access. A missing file yields an empty history.
func (s *Store) Get(taskID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load(taskID)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

// Set replaces the full history for a task and persists it.
func (s *Store) Set(taskID string, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[taskID] = entries
	return s.persist(taskID)
}

// Append adds entries and persists once. Callers append a tool call together
// with its result in a single call so the pair lands atomically.
func (s *Store) Append(taskID string, entries ...Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.load(taskID)
	if err != nil {
		return err
	}
	s.cache[taskID] = append(cur, entries...)
	return s.persist(taskID)
}

// SetSystem replaces the leading system entry's content, inserting the entry
// when the history is empty or does not start with one. This is the only
// in-place mutation the store performs.
func (s *Store) SetSystem(taskID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.load(taskID)
	if err != nil {
		return err
	}
	if len(cur) > 0 && cur[0].Kind == KindSystem {
		cur[0].Content = content
	} else {
		cur = append([]Entry{{Kind: KindSystem, Content: content}}, cur...)
	}
	s.cache[taskID] = cur
	return s.persist(taskID)
}

// Trim bounds the history to roughly maxEntries, always preserving the
// leading system entry. The cut point only ever lands on a user, assistant,
// or cancellation entry: tool call and result records are skipped over so a
// result is never retained without its call (or a call split from its
// sibling calls in the same round).
func (s *Store) Trim(taskID string, maxEntries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.load(taskID)
	if err != nil {
		return err
	}
	trimmed, changed := trim(cur, maxEntries)
	if !changed {
		return nil
	}
	s.cache[taskID] = trimmed
	return s.persist(taskID)
}

// Clear removes all history for a task, both cache and file.
func (s *Store) Clear(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, taskID)
	err := os.Remove(s.path(taskID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove history file: %w", err)
	}
	return nil
}

// load returns the cached entries, reading the file on first access.
// Callers must hold s.mu.
func (s *Store) load(taskID string) ([]Entry, error) {
	if entries, ok := s.cache[taskID]; ok {
		return entries, nil
	}
	data, err := os.ReadFile(s.path(taskID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.cache[taskID] = nil
			return nil, nil
		}
		return nil, fmt.Errorf("read history file: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse history file: %w", err)
	}
	s.cache[taskID] = entries
	return entries, nil
}

// persist writes the cached entries with a temp-file + rename so a crash
// mid-write never corrupts existing history. Callers must hold s.mu.
func (s *Store) persist(taskID string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	data, err := json.Marshal(s.cache[taskID])
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	path := s.path(taskID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp history file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename history file: %w", err)
	}
	return nil
}

// trim implements the window policy. It returns the trimmed slice and
// whether anything changed.
func trim(entries []Entry, maxEntries int) ([]Entry, bool) {
	if maxEntries <= 0 || len(entries) <= maxEntries {
		return entries, false
	}

	var head []Entry
	rest := entries
	if entries[0].Kind == KindSystem {
		head = entries[:1]
		rest = entries[1:]
	}

	start := len(rest) - maxEntries
	if start < 0 {
		start = 0
	}
	// Never cut into a tool round: skip forward past call/result records,
	// and past wire items that sit between a call and its result, so every
	// retained result still has its call in the window.
	for start < len(rest) && (rest[start].Kind == KindToolCall || rest[start].Kind == KindToolResult || rest[start].Kind == KindItem) {
		start++
	}
	if start == 0 && head == nil {
		return entries, false
	}

	out := make([]Entry, 0, len(head)+len(rest)-start)
	out = append(out, head...)
	out = append(out, rest[start:]...)
	return out, true
}

// CountExchanges returns the number of non-system, non-marker entries —
// used to decide whether a task has anything worth compressing.
func CountExchanges(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if e.Kind != KindSystem && e.Kind != KindCancelled {
			n++
		}
	}
	return n
}
