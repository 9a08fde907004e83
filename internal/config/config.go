// Package config loads and persists the Tina configuration file.
//
// Everything lives under ~/.tina: config.yaml, the task database, message
// history, schedules, and the OAuth token file. Config values are immutable
// once loaded — switching models produces a new Config and the caller rebuilds
// whatever depends on it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider names recognized in config and model routing.
const (
	ProviderRuntime = "runtime" // external agent runtime subprocess
	ProviderOpenAI  = "openai"  // OpenAI-compatible chat completions
	ProviderCodex   = "codex"   // ChatGPT backend Responses API (OAuth)
)

// Config is the root configuration, loaded from ~/.tina/config.yaml.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Telegram TelegramConfig `yaml:"telegram"`
	Memory   MemoryConfig   `yaml:"memory"`
	Skills   SkillsConfig   `yaml:"skills"`
}

// AgentConfig holds model and execution settings.
type AgentConfig struct {
	Model          string   `yaml:"model"`
	Provider       string   `yaml:"provider,omitempty"` // empty: inferred from model
	APIKey         string   `yaml:"apiKey,omitempty"`
	BaseURL        string   `yaml:"baseURL,omitempty"` // custom OpenAI-compatible endpoint
	WorkDir        string   `yaml:"workDir"`
	TimeoutSeconds int      `yaml:"timeoutSeconds"` // wall clock per process() call
	MaxTokens      int      `yaml:"maxTokens"`
	AllowedTools   []string `yaml:"allowedTools"`
	DailyBudgetUSD float64  `yaml:"dailyBudgetUSD,omitempty"` // 0 = unlimited
}

// TelegramConfig holds bot settings for the Telegram front end.
type TelegramConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Token        string  `yaml:"token,omitempty"`
	AllowedUsers []int64 `yaml:"allowedUsers,omitempty"`
}

// MemoryConfig holds task persistence settings.
type MemoryConfig struct {
	DataDir            string `yaml:"dataDir"`
	CompressAfterTurns int    `yaml:"compressAfterTurns"`
	MaxHistoryMessages int    `yaml:"maxHistoryMessages"`
}

// SkillsConfig points at the skills directory.
type SkillsConfig struct {
	Dir string `yaml:"dir"`
}

// Dir returns the root Tina directory (~/.tina).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tina"
	}
	return filepath.Join(home, ".tina")
}

// Path returns the config file path.
func Path() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Model:          "gpt-5.2",
			WorkDir:        filepath.Join(Dir(), "workspace"),
			TimeoutSeconds: 600,
			MaxTokens:      8192,
			AllowedTools:   []string{"Bash", "Read", "Write", "Glob", "Grep", "WebFetch"},
		},
		Memory: MemoryConfig{
			DataDir:            filepath.Join(Dir(), "data"),
			CompressAfterTurns: 20,
			MaxHistoryMessages: 100,
		},
		Skills: SkillsConfig{
			Dir: filepath.Join(home, ".agents", "skills"),
		},
	}
}

// Load reads config.yaml, applying defaults for anything unset.
// A missing file is not an error — defaults are returned.
func Load() (*Config, error) {
	return LoadFrom(Path())
}

// LoadFrom reads a config file from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the config back to disk (used by model switching and the
// init wizard). Directories are created as needed.
func (c *Config) Save() error {
	return c.SaveTo(Path())
}

// SaveTo writes the config to an explicit path.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// applyDefaults fills zero values after unmarshaling a partial file.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Agent.Model == "" {
		c.Agent.Model = def.Agent.Model
	}
	if c.Agent.WorkDir == "" {
		c.Agent.WorkDir = def.Agent.WorkDir
	}
	if c.Agent.TimeoutSeconds == 0 {
		c.Agent.TimeoutSeconds = def.Agent.TimeoutSeconds
	}
	if c.Agent.MaxTokens == 0 {
		c.Agent.MaxTokens = def.Agent.MaxTokens
	}
	if len(c.Agent.AllowedTools) == 0 {
		c.Agent.AllowedTools = def.Agent.AllowedTools
	}
	if c.Memory.DataDir == "" {
		c.Memory.DataDir = def.Memory.DataDir
	}
	if c.Memory.CompressAfterTurns == 0 {
		c.Memory.CompressAfterTurns = def.Memory.CompressAfterTurns
	}
	if c.Memory.MaxHistoryMessages == 0 {
		c.Memory.MaxHistoryMessages = def.Memory.MaxHistoryMessages
	}
	if c.Skills.Dir == "" {
		c.Skills.Dir = def.Skills.Dir
	}
}

// ResolvedProvider returns the configured provider, inferring it from the
// model name when unset. Unknown models default to the OpenAI-compatible
// path so custom endpoints (DeepSeek, Moonshot, local models) work with
// just a baseURL.
func (c *Config) ResolvedProvider() string {
	if c.Agent.Provider != "" {
		return c.Agent.Provider
	}
	if m, ok := KnownModels[c.Agent.Model]; ok {
		return m.Provider
	}
	if strings.HasPrefix(c.Agent.Model, "claude-") {
		return ProviderRuntime
	}
	return ProviderOpenAI
}

// ResolvedBaseURL returns the chat-completions endpoint, honoring an
// explicit override.
func (c *Config) ResolvedBaseURL() string {
	if c.Agent.BaseURL != "" {
		return c.Agent.BaseURL
	}
	return "https://api.openai.com/v1"
}

// WithModel returns a copy of the config pointed at a different model. The
// copy is what callers rebuild the agent from — the receiver is not mutated.
func (c *Config) WithModel(model string) *Config {
	out := *c
	out.Agent.Model = model
	out.Agent.Provider = "" // re-infer from the new model
	return &out
}
