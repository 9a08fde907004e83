// Package setup implements the `tina init` wizard for first-time setup.
package setup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tinabots/tina/internal/config"
)

// StepResult records what happened in a wizard step.
type StepResult struct {
	Step    string `json:"step"`
	Skipped bool   `json:"skipped"`
	Message string `json:"message"`
}

// Result is the output of a complete wizard run.
type Result struct {
	Steps      []StepResult `json:"steps"`
	ConfigPath string       `json:"configPath"`
}

// Prompter abstracts interactive user input for testability. Secret is
// for values that should not echo to the terminal.
type Prompter interface {
	Prompt(question string) (string, error)
	Secret(question string) (string, error)
	Confirm(question string) (bool, error)
}

// Wizard manages the init flow.
type Wizard struct {
	configPath string
	prompter   Prompter
	cfg        *config.Config
	results    []StepResult
}

// NewWizard creates a wizard that writes its config to configPath.
func NewWizard(configPath string, prompter Prompter) *Wizard {
	return NewWizardWithConfig(configPath, config.Default(), prompter)
}

// NewWizardWithConfig seeds the wizard with an explicit base config
// instead of the defaults.
func NewWizardWithConfig(configPath string, cfg *config.Config, prompter Prompter) *Wizard {
	return &Wizard{
		configPath: configPath,
		prompter:   prompter,
		cfg:        cfg,
	}
}

// Run executes all wizard steps.
func (w *Wizard) Run() (*Result, error) {
	if _, err := os.Stat(w.configPath); err == nil {
		w.results = append(w.results, StepResult{
			Step:    "config",
			Skipped: true,
			Message: "Config already exists at " + w.configPath + " (edit it directly or delete it to re-run init)",
		})
		return &Result{Steps: w.results, ConfigPath: w.configPath}, nil
	}

	if err := w.stepAgent(); err != nil {
		return nil, fmt.Errorf("step 1 (agent): %w", err)
	}
	if err := w.stepTelegram(); err != nil {
		return nil, fmt.Errorf("step 2 (telegram): %w", err)
	}
	if err := w.stepDirectories(); err != nil {
		return nil, fmt.Errorf("step 3 (directories): %w", err)
	}
	if err := w.stepWrite(); err != nil {
		return nil, fmt.Errorf("step 4 (write config): %w", err)
	}

	return &Result{Steps: w.results, ConfigPath: w.configPath}, nil
}

// stepAgent collects the model and, for API-key providers, the key.
func (w *Wizard) stepAgent() error {
	model, err := w.prompter.Prompt(fmt.Sprintf("Model [%s]", w.cfg.Agent.Model))
	if err != nil {
		return err
	}
	if model = strings.TrimSpace(model); model != "" {
		w.cfg.Agent.Model = model
	}

	switch w.cfg.ResolvedProvider() {
	case config.ProviderRuntime:
		w.results = append(w.results, StepResult{
			Step:    "agent",
			Message: fmt.Sprintf("Model %s runs through the local CLI, no API key needed", w.cfg.Agent.Model),
		})
		return nil
	default:
		key, err := w.prompter.Secret("API key (leave blank to use `tina login` instead)")
		if err != nil {
			return err
		}
		w.cfg.Agent.APIKey = strings.TrimSpace(key)
	}

	msg := fmt.Sprintf("Model %s configured", w.cfg.Agent.Model)
	if w.cfg.Agent.APIKey == "" {
		msg += " (no API key set, run `tina login` before chatting)"
	}
	w.results = append(w.results, StepResult{Step: "agent", Message: msg})
	return nil
}

// stepTelegram optionally enables the bot and collects its token and
// allow list.
func (w *Wizard) stepTelegram() error {
	enable, err := w.prompter.Confirm("Enable the Telegram bot?")
	if err != nil {
		return err
	}
	if !enable {
		w.results = append(w.results, StepResult{
			Step:    "telegram",
			Skipped: true,
			Message: "Telegram disabled",
		})
		return nil
	}

	token, err := w.prompter.Secret("Telegram bot token (from @BotFather)")
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("telegram enabled but no token given")
	}

	raw, err := w.prompter.Prompt("Allowed Telegram user IDs (comma separated)")
	if err != nil {
		return err
	}
	users, err := parseUserIDs(raw)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return fmt.Errorf("telegram enabled but no allowed users given; an empty allow list blocks everyone")
	}

	w.cfg.Telegram.Enabled = true
	w.cfg.Telegram.Token = token
	w.cfg.Telegram.AllowedUsers = users
	w.results = append(w.results, StepResult{
		Step:    "telegram",
		Message: fmt.Sprintf("Telegram enabled for %d user(s)", len(users)),
	})
	return nil
}

// stepDirectories creates the data, work, skills, and schedules dirs.
func (w *Wizard) stepDirectories() error {
	dirs := []string{
		w.cfg.Memory.DataDir,
		filepath.Join(w.cfg.Memory.DataDir, "schedules"),
		w.cfg.Agent.WorkDir,
		w.cfg.Skills.Dir,
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	w.results = append(w.results, StepResult{
		Step:    "directories",
		Message: "Created " + w.cfg.Memory.DataDir,
	})
	return nil
}

func (w *Wizard) stepWrite() error {
	if err := w.cfg.SaveTo(w.configPath); err != nil {
		return err
	}
	w.results = append(w.results, StepResult{
		Step:    "write_config",
		Message: "Wrote " + w.configPath,
	})
	return nil
}

func parseUserIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user ID %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Validate checks that a completed setup is usable.
func Validate(cfg *config.Config) []string {
	var errs []string
	if cfg.Agent.Model == "" {
		errs = append(errs, "no model configured")
	}
	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			errs = append(errs, "telegram enabled but no token set")
		}
		if len(cfg.Telegram.AllowedUsers) == 0 {
			errs = append(errs, "telegram enabled but allow list is empty")
		}
	}
	if _, err := os.Stat(cfg.Memory.DataDir); os.IsNotExist(err) {
		errs = append(errs, "missing data dir: "+cfg.Memory.DataDir)
	}
	return errs
}
