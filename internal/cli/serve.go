package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tinabots/tina/internal/agent"
	"github.com/tinabots/tina/internal/lifecycle"
	"github.com/tinabots/tina/internal/scheduler"
	"github.com/tinabots/tina/internal/telegram"
	"github.com/tinabots/tina/internal/transcribe"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"run"},
		Short:   "Run the Telegram bot and scheduler",
		RunE:    runServe,
	}
}

// schedulerRunner adapts the agent to the scheduler's contract.
type schedulerRunner struct {
	agent *agent.Agent
}

func (r schedulerRunner) Run(ctx context.Context, prompt string, chatID int64) (string, error) {
	resp, err := r.agent.Process(ctx, prompt, agent.Options{ChatID: chatID})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(slog.LevelInfo)
	if err != nil {
		return err
	}

	if a.cfg.Telegram.Token == "" {
		a.Close()
		return fmt.Errorf("telegram.token is not configured in %s", "~/.tina/config.yaml")
	}

	schedStore := scheduler.NewStore(a.cfg.Memory.DataDir, a.logger)

	botOpts := []telegram.Option{
		telegram.WithLogger(a.logger),
		telegram.WithModelSwitcher(a),
	}
	if a.cfg.Agent.APIKey != "" {
		botOpts = append(botOpts, telegram.WithTranscriber(transcribe.NewClient(a.cfg.Agent.APIKey)))
	}

	bot, err := telegram.New(
		a.cfg.Telegram.Token,
		a.cfg.Telegram.AllowedUsers,
		a.agent,
		a.tasks,
		schedStore,
		a.skills,
		botOpts...,
	)
	if err != nil {
		a.Close()
		return err
	}

	sched := scheduler.New(
		schedStore,
		schedulerRunner{agent: a.agent},
		bot.SendMessage,
		scheduler.WithLogger(a.logger),
	)

	lc := lifecycle.NewManager(lifecycle.WithLogger(a.logger))
	lc.OnShutdown("task store", func(ctx context.Context) error {
		a.Close()
		return nil
	})

	return lc.Run(func(ctx context.Context) error {
		go sched.Run(ctx)
		bot.Run(ctx)
		return nil
	})
}
