// Package assistant – config.go defines the runtime configuration. The file
// is YAML with ${VAR} environment expansion; missing values fall back to the
// defaults below.
package assistant

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

// Execution modes. Production activates the restricted command guard rules
// (writes outside the workspace need confirmation).
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Config is the top-level runtime configuration.
type Config struct {
	// Mode is "development" or "production".
	Mode string `yaml:"mode"`

	// DataDir holds the database, process state and logs.
	DataDir string `yaml:"data_dir"`

	// Workspace is the safe directory for file tools and supervised
	// processes. Writes outside it are flagged in production mode.
	Workspace string `yaml:"workspace"`

	Model     ModelConfig     `yaml:"model"`
	Exec      ExecConfig      `yaml:"exec"`
	Session   SessionConfig   `yaml:"session"`
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Agent is the persona used by the CLI surfaces. Multi-agent setups
	// come from the outer platform, not this file.
	Agent Agent `yaml:"agent"`
}

// ModelConfig configures the completion endpoint.
type ModelConfig struct {
	BaseURL string `yaml:"base_url"`
	// APIKey may be set inline, via ${VAR} expansion, or left empty to
	// resolve from the environment / OS keyring (see ResolveAPIKey).
	APIKey    string `yaml:"api_key"`
	Name      string `yaml:"name"`
	MaxTokens int    `yaml:"max_tokens"`
	// SubAgentMaxTurns caps unattended and sub-agent runs. Interactive
	// runs have no turn cap; the context window bounds them.
	SubAgentMaxTurns int `yaml:"subagent_max_turns"`
}

// ExecConfig configures the host executor and command guard.
type ExecConfig struct {
	// TimeoutSeconds is the default wall-clock limit per command.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// MaxOutputBytes caps how much process output is kept in memory.
	MaxOutputBytes int `yaml:"max_output_bytes"`
	// MaxResultChars caps how much output is handed back to the model.
	MaxResultChars int `yaml:"max_result_chars"`
	// GuardRulesPath points at the JSON rule file. Missing or malformed
	// files leave the destructive-pattern list empty.
	GuardRulesPath string `yaml:"guard_rules"`
}

// SessionConfig configures conversation history.
type SessionConfig struct {
	// ContextTokenBudget bounds the window handed to the model.
	ContextTokenBudget int `yaml:"context_token_budget"`
	// MaxLoad bounds how many recent messages are read per window build.
	MaxLoad int `yaml:"max_load"`
}

// SchedulerConfig configures the schedule poller.
type SchedulerConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Mode:      ModeDevelopment,
		DataDir:   "./data",
		Workspace: "./workspace",
		Model: ModelConfig{
			BaseURL:          "https://api.anthropic.com",
			Name:             "claude-sonnet-4-20250514",
			MaxTokens:        4096,
			SubAgentMaxTurns: 10,
		},
		Exec: ExecConfig{
			TimeoutSeconds: 120,
			MaxOutputBytes: 1 << 20,
			MaxResultChars: 50_000,
			GuardRulesPath: "./guard_rules.json",
		},
		Session: SessionConfig{
			ContextTokenBudget: 60_000,
			MaxLoad:            200,
		},
		Scheduler: SchedulerConfig{
			PollIntervalSeconds: 30,
		},
		Agent: Agent{
			ID:   "buddy",
			Name: "Buddy",
		},
	}
}

// ExecTimeout returns the configured default command timeout.
func (c ExecConfig) ExecTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollInterval returns the scheduler poll interval.
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Restricted reports whether the restricted guard rules apply.
func (c Config) Restricted() bool {
	return c.Mode == ModeProduction
}

// DatabasePath returns the SQLite file location.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "buddy.db")
}

// ProcessDir returns the supervisor state directory.
func (c Config) ProcessDir() string {
	return filepath.Join(c.DataDir, "processes")
}

// ${VAR}, ${VAR:-default} and ${VAR:?message} like the shell.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*|:\?[^}]*)?\}`)

// LoadConfig reads the YAML file at path, overlaying DefaultConfig. A .env
// file next to the config is loaded first so ${VAR} references resolve.
// A missing config file is not an error; defaults are returned.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	// Best effort: the config may not have a .env sibling.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	expanded, err := expandEnvVars(string(raw))
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Mode != ModeDevelopment && cfg.Mode != ModeProduction {
		return cfg, fmt.Errorf("invalid mode %q (want %s or %s)", cfg.Mode, ModeDevelopment, ModeProduction)
	}

	return cfg, nil
}

func expandEnvVars(s string) (string, error) {
	var expandErr error
	out := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, mod := groups[1], groups[2]

		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		switch {
		case strings.HasPrefix(mod, ":-"):
			return mod[2:]
		case strings.HasPrefix(mod, ":?"):
			msg := mod[2:]
			if msg == "" {
				msg = "required variable not set"
			}
			expandErr = fmt.Errorf("config: ${%s}: %s", name, msg)
			return ""
		default:
			return ""
		}
	})
	return out, expandErr
}

// ── API key resolution ──

const (
	keyringService = "buddy"
	keyringUser    = "model_api_key"
	apiKeyEnvVar   = "BUDDY_API_KEY"
)

// ResolveAPIKey returns the model API key: config value first, then the
// environment, then the OS keyring.
func (c Config) ResolveAPIKey() (string, error) {
	if c.Model.APIKey != "" {
		return c.Model.APIKey, nil
	}
	if key := os.Getenv(apiKeyEnvVar); key != "" {
		return key, nil
	}
	key, err := keyring.Get(keyringService, keyringUser)
	if err != nil {
		return "", fmt.Errorf("no API key: set model.api_key, %s, or run setup (%w)", apiKeyEnvVar, err)
	}
	return key, nil
}

// StoreAPIKey saves the model API key in the OS keyring.
func StoreAPIKey(key string) error {
	if err := keyring.Set(keyringService, keyringUser, key); err != nil {
		return fmt.Errorf("store API key: %w", err)
	}
	return nil
}
