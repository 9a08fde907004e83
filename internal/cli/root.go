// Package cli implements the tina command line: the interactive REPL, the
// Telegram daemon, login, and task management.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tinabots/tina/internal/agent"
	"github.com/tinabots/tina/internal/auth"
	"github.com/tinabots/tina/internal/budget"
	"github.com/tinabots/tina/internal/config"
	"github.com/tinabots/tina/internal/history"
	"github.com/tinabots/tina/internal/provider"
	"github.com/tinabots/tina/internal/provider/codex"
	"github.com/tinabots/tina/internal/provider/openai"
	"github.com/tinabots/tina/internal/provider/runtime"
	"github.com/tinabots/tina/internal/skills"
	"github.com/tinabots/tina/internal/task"
	"github.com/tinabots/tina/internal/telegram"
	"github.com/tinabots/tina/internal/tools"
)

// Version is stamped at build time.
var Version = "dev"

// app bundles everything a command needs once the config is loaded.
type app struct {
	cfg    *config.Config
	agent  *agent.Agent
	tasks  *task.Store
	hist   *history.Store
	skills *skills.Loader
	auth   *auth.Manager
	spend  *budget.Tracker
	logger *slog.Logger
}

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:   "tina",
		Short: "Tina is a personal AI agent with tasks, skills, and schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, args) // default to the REPL
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newChatCmd(),
		newServeCmd(),
		newLoginCmd(),
		newLogoutCmd(),
		newTaskCmd(),
		newCompressCmd(),
		newSkillsCmd(),
		newCostCmd(),
		newInitCmd(),
		newVersionCmd(),
	)
	return root.Execute()
}

// newApp loads the config and wires the agent with the provider it selects.
func newApp(level slog.Level) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	tasks, err := task.Open(filepath.Join(cfg.Memory.DataDir, "tasks.db"), task.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	hist := history.NewStore(cfg.Memory.DataDir, history.WithLogger(logger))
	sk := skills.NewLoader(cfg.Skills.Dir, skills.WithLogger(logger))
	authMgr := auth.NewManager(cfg.Memory.DataDir, auth.WithLogger(logger))

	prov, err := buildProvider(cfg, authMgr, logger)
	if err != nil {
		return nil, err
	}

	allowed := mergeTools(cfg.Agent.AllowedTools, sk.AllowedTools())
	reg := tools.NewRegistry(cfg.Agent.WorkDir, allowed, tools.WithLogger(logger))

	spend := budget.NewTracker(cfg.Memory.DataDir, cfg.Agent.DailyBudgetUSD)
	ag := agent.New(cfg, prov, tasks, hist, reg, sk,
		agent.WithLogger(logger),
		agent.WithBudget(spend))
	return &app{
		cfg:    cfg,
		agent:  ag,
		tasks:  tasks,
		hist:   hist,
		skills: sk,
		auth:   authMgr,
		spend:  spend,
		logger: logger,
	}, nil
}

func (a *app) Close() {
	a.tasks.Close()
}

// CurrentModel reports the configured model.
func (a *app) CurrentModel() string {
	return a.cfg.Agent.Model
}

// SwitchModel rebuilds the provider, registry, and agent from a fresh
// config value carrying the new model, then persists the choice. Nothing
// is mutated in place; on any failure the old agent keeps serving.
func (a *app) SwitchModel(model string) (telegram.Processor, error) {
	cfg := a.cfg.WithModel(model)
	prov, err := buildProvider(cfg, a.auth, a.logger)
	if err != nil {
		return nil, err
	}
	allowed := mergeTools(cfg.Agent.AllowedTools, a.skills.AllowedTools())
	reg := tools.NewRegistry(cfg.Agent.WorkDir, allowed, tools.WithLogger(a.logger))
	ag := agent.New(cfg, prov, a.tasks, a.hist, reg, a.skills,
		agent.WithLogger(a.logger),
		agent.WithBudget(a.spend))
	if err := cfg.Save(); err != nil {
		return nil, err
	}
	a.cfg = cfg
	a.agent = ag
	return ag, nil
}

// buildProvider picks the backend: the external runtime for claude models,
// the OAuth-backed item stream when logged in without an API key, and the
// chat-completions path otherwise.
func buildProvider(cfg *config.Config, authMgr *auth.Manager, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.ResolvedProvider() {
	case config.ProviderRuntime:
		opts := []runtime.Option{
			runtime.WithWorkDir(cfg.Agent.WorkDir),
			runtime.WithLogger(logger),
		}
		if cfg.Agent.APIKey != "" {
			opts = append(opts, runtime.WithEnv("ANTHROPIC_API_KEY="+cfg.Agent.APIKey))
		}
		if err := os.MkdirAll(cfg.Agent.WorkDir, 0o755); err != nil {
			return nil, err
		}
		return runtime.New(opts...), nil

	case config.ProviderCodex:
		if !authMgr.LoggedIn() {
			return nil, fmt.Errorf("not logged in. Run: tina login")
		}
		return codex.NewClient(authMgr, codex.WithLogger(logger)), nil

	default:
		if cfg.Agent.APIKey == "" && authMgr.LoggedIn() {
			logger.Info("no API key configured, using OAuth session")
			return codex.NewClient(authMgr, codex.WithLogger(logger)), nil
		}
		return openai.NewClient(cfg.Agent.APIKey,
			openai.WithBaseURL(cfg.ResolvedBaseURL()),
			openai.WithLogger(logger),
		), nil
	}
}

func mergeTools(configured, fromSkills []string) []string {
	out := append([]string(nil), configured...)
	seen := make(map[string]bool, len(out))
	for _, name := range out {
		seen[name] = true
	}
	for _, name := range fromSkills {
		if !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	return out
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tina %s\n", strings.TrimSpace(Version))
		},
	}
}
