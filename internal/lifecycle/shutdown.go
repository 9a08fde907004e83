// Package lifecycle coordinates graceful shutdown for the long-running
// daemon: signal interception, context cancellation, and ordered
// teardown hooks with a grace period.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// defaultGracePeriod bounds how long hooks may run after a signal.
const defaultGracePeriod = 10 * time.Second

// Hook is a named teardown step. Hooks run in registration order.
type Hook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Manager runs a main function under signal control and tears it down
// cleanly.
type Manager struct {
	grace  time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	hooks []Hook
}

// Option configures a Manager.
type Option func(*Manager)

// WithGracePeriod overrides the shutdown grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a lifecycle manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		grace:  defaultGracePeriod,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnShutdown registers a teardown hook.
func (m *Manager) OnShutdown(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Fn: fn})
}

// Run executes mainFn with a context that is cancelled on SIGINT or
// SIGTERM, then runs the registered hooks within the grace period.
// mainFn returning on its own also triggers teardown.
func (m *Manager) Run(mainFn func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := mainFn(ctx)
	stop()

	m.logger.Info("shutting down", "grace", m.grace)
	m.runHooks()
	return err
}

func (m *Manager) runHooks() {
	m.mu.Lock()
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.grace)
	defer cancel()

	for _, h := range hooks {
		select {
		case <-ctx.Done():
			m.logger.Warn("grace period expired, skipping remaining hooks", "next", h.Name)
			return
		default:
		}
		if err := h.Fn(ctx); err != nil {
			m.logger.Error("shutdown hook failed", "hook", h.Name, "error", err)
			continue
		}
		m.logger.Debug("shutdown hook done", "hook", h.Name)
	}
}
