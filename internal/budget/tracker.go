// Package budget tracks estimated API spend per task and per day,
// persisted as JSON files under the data directory. An optional daily
// limit lets the agent refuse work once the day's estimate is spent.
package budget

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinabots/tina/internal/provider"
)

// Entry records one provider round trip's estimated cost.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Model     string         `json:"model"`
	Usage     provider.Usage `json:"usage"`
	CostUSD   float64        `json:"cost_usd"`
}

// TaskSpend is the cumulative spend for one task.
type TaskSpend struct {
	TaskID    string    `json:"task_id"`
	Entries   []Entry   `json:"entries"`
	TotalCost float64   `json:"total_cost"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DailySpend is the cumulative spend for one calendar day.
type DailySpend struct {
	Date      string  `json:"date"` // YYYY-MM-DD
	Calls     int     `json:"calls"`
	TotalCost float64 `json:"total_cost"`
}

// Tracker accumulates spend and enforces the daily limit.
type Tracker struct {
	dir        string
	dailyLimit float64 // USD, 0 = unlimited
	now        func() time.Time

	mu    sync.Mutex
	tasks map[string]*TaskSpend
	days  map[string]*DailySpend
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker rooted at dataDir/budget. dailyLimitUSD
// of zero disables enforcement.
func NewTracker(dataDir string, dailyLimitUSD float64, opts ...Option) *Tracker {
	t := &Tracker{
		dir:        filepath.Join(dataDir, "budget"),
		dailyLimit: dailyLimitUSD,
		now:        time.Now,
		tasks:      make(map[string]*TaskSpend),
		days:       make(map[string]*DailySpend),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record adds one round trip's spend to the task and the current day.
func (t *Tracker) Record(taskID, model string, usage provider.Usage, costUSD float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	ts := t.loadTask(taskID)
	ts.Entries = append(ts.Entries, Entry{
		Timestamp: now,
		Model:     model,
		Usage:     usage,
		CostUSD:   costUSD,
	})
	ts.TotalCost += costUSD
	ts.UpdatedAt = now

	day := t.loadDay(t.dateKey(now))
	day.Calls++
	day.TotalCost += costUSD

	if err := t.saveTask(ts); err != nil {
		return err
	}
	return t.saveDay(day)
}

// TaskCost returns the cumulative estimated spend for a task.
func (t *Tracker) TaskCost(taskID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadTask(taskID).TotalCost
}

// DailyCost returns today's cumulative estimated spend.
func (t *Tracker) DailyCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadDay(t.dateKey(t.now())).TotalCost
}

// CheckDaily reports how much of today's budget remains. With no limit
// configured, remaining is 0 and exhausted is always false.
func (t *Tracker) CheckDaily() (remaining float64, exhausted bool) {
	if t.dailyLimit <= 0 {
		return 0, false
	}
	spent := t.DailyCost()
	remaining = t.dailyLimit - spent
	return remaining, remaining <= 0
}

// Summary renders a short spend report for a task plus today's total.
func (t *Tracker) Summary(taskID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.loadTask(taskID)
	day := t.loadDay(t.dateKey(t.now()))

	out := fmt.Sprintf("Task %s: $%.4f over %d call(s)\nToday: $%.4f over %d call(s)",
		taskID, ts.TotalCost, len(ts.Entries), day.TotalCost, day.Calls)
	if t.dailyLimit > 0 {
		out += fmt.Sprintf("\nDaily limit: $%.2f ($%.4f remaining)",
			t.dailyLimit, t.dailyLimit-day.TotalCost)
	}
	return out
}

func (t *Tracker) dateKey(now time.Time) string {
	return now.Format("2006-01-02")
}

func (t *Tracker) loadTask(taskID string) *TaskSpend {
	if ts, ok := t.tasks[taskID]; ok {
		return ts
	}
	ts := &TaskSpend{TaskID: taskID}
	if data, err := os.ReadFile(t.taskPath(taskID)); err == nil {
		json.Unmarshal(data, ts)
	}
	t.tasks[taskID] = ts
	return ts
}

func (t *Tracker) loadDay(date string) *DailySpend {
	if ds, ok := t.days[date]; ok {
		return ds
	}
	ds := &DailySpend{Date: date}
	if data, err := os.ReadFile(t.dayPath(date)); err == nil {
		json.Unmarshal(data, ds)
	}
	t.days[date] = ds
	return ds
}

func (t *Tracker) taskPath(taskID string) string {
	return filepath.Join(t.dir, "tasks", taskID+".json")
}

func (t *Tracker) dayPath(date string) string {
	return filepath.Join(t.dir, "days", date+".json")
}

func (t *Tracker) saveTask(ts *TaskSpend) error {
	return writeJSON(t.taskPath(ts.TaskID), ts)
}

func (t *Tracker) saveDay(ds *DailySpend) error {
	return writeJSON(t.dayPath(ds.Date), ds)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create budget dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0644)
}
