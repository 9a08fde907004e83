package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultInterval = 30 * time.Second

// Runner executes a schedule's prompt and returns the response text.
type Runner interface {
	Run(ctx context.Context, prompt string, chatID int64) (string, error)
}

// SendFunc delivers text to a chat.
type SendFunc func(chatID int64, text string) error

// Scheduler polls the store and fires due schedules.
type Scheduler struct {
	store    *Store
	runner   Runner
	send     SendFunc
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithInterval overrides the polling interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithNowFunc overrides the clock.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New wires a Scheduler to its store, runner, and delivery function.
func New(store *Store, runner Runner, send SendFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		runner:   runner,
		send:     send,
		interval: defaultInterval,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "dir", s.store.Dir(), "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every enabled, due schedule once.
func (s *Scheduler) Tick(ctx context.Context) {
	for _, sched := range s.store.List() {
		if !sched.Enabled {
			continue
		}
		if s.isDue(sched) {
			s.execute(ctx, sched)
		}
	}
}

// isDue reports whether the schedule's next fire time after its last run (or
// creation) has passed.
func (s *Scheduler) isDue(sched *Schedule) bool {
	baseStr := sched.LastRun
	if baseStr == "" {
		baseStr = sched.CreatedAt
	}
	if baseStr == "" {
		return false
	}
	base, err := time.Parse(time.RFC3339, baseStr)
	if err != nil {
		s.logger.Warn("schedule has a bad timestamp", "schedule", sched.ID, "error", err)
		return false
	}
	expr, err := cron.ParseStandard(sched.Cron)
	if err != nil {
		s.logger.Warn("schedule has a bad cron expression", "schedule", sched.ID, "error", err)
		return false
	}
	return !expr.Next(base).After(s.now())
}

func (s *Scheduler) execute(ctx context.Context, sched *Schedule) {
	s.logger.Info("executing schedule", "schedule", sched.ID, "name", sched.Name)
	now := s.now().UTC().Format(time.RFC3339)

	text, err := s.runner.Run(ctx, sched.Prompt, sched.ChatID)
	if err != nil {
		s.logger.Error("schedule run failed", "schedule", sched.ID, "error", err)
		if sendErr := s.send(sched.ChatID, fmt.Sprintf("⚠️ Schedule %q failed: %v", sched.Name, err)); sendErr != nil {
			s.logger.Warn("schedule failure notice undelivered", "schedule", sched.ID, "error", sendErr)
		}
	} else {
		if text == "" {
			text = "(no output)"
		}
		if sendErr := s.send(sched.ChatID, fmt.Sprintf("[%s]\n\n%s", sched.Name, text)); sendErr != nil {
			s.logger.Warn("schedule output undelivered", "schedule", sched.ID, "error", sendErr)
		}
	}

	if sched.Once {
		s.store.Remove(sched.ID)
		s.logger.Info("one-shot schedule removed", "schedule", sched.ID)
		return
	}
	// Update last_run even on failure so a broken schedule does not
	// retry every tick.
	s.store.UpdateLastRun(sched.ID, now)
}
