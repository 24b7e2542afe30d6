package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/breaker"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

// Provider kinds
const (
	ProviderRemote = "remote"
	ProviderCLI    = "claude-cli"
)

// Event log drivers
const (
	EventLogSQLite   = "sqlite"
	EventLogPostgres = "postgres"
)

// Config is the orchestrator configuration, one TOML table per section
type Config struct {
	General      GeneralConfig      `toml:"general"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Breaker      BreakerConfig      `toml:"breaker"`
	Provider     ProviderConfig     `toml:"provider"`
	EventLog     EventLogConfig     `toml:"event_log"`
	Web          WebConfig          `toml:"web"`
	Logging      LoggingConfig      `toml:"logging"`
	Maintenance  MaintenanceConfig  `toml:"maintenance"`
	Notify       NotifyConfig       `toml:"notify"`
}

// GeneralConfig locates local state
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	// CredentialsTokenEnv names the environment variable holding the bearer
	// credential used to restart jobs after a process restart
	CredentialsTokenEnv string `toml:"credentials_token_env"`
}

// OrchestratorConfig holds job execution limits
type OrchestratorConfig struct {
	MaxParallelTasks    int      `toml:"max_parallel_tasks"`
	TaskRetryLimit      int      `toml:"task_retry_limit"`
	CycleFailureBudget  int      `toml:"cycle_failure_budget"`
	CancelGracePeriod   Duration `toml:"cancel_grace_period"`
	CycleRetryDelay     Duration `toml:"cycle_retry_delay"`
	MaxCyclesCap        int      `toml:"max_cycles_cap"`
	MaxTimeLimitMinutes int      `toml:"max_time_limit_minutes"`
}

// BreakerConfig holds circuit breaker settings shared by all providers
type BreakerConfig struct {
	FailureThreshold int      `toml:"failure_threshold"`
	SuccessThreshold int      `toml:"success_threshold"`
	ResetTimeout     Duration `toml:"reset_timeout"`
	BaseDelay        Duration `toml:"base_delay"`
	Multiplier       float64  `toml:"multiplier"`
	MaxDelay         Duration `toml:"max_delay"`
	JitterFactor     float64  `toml:"jitter_factor"`
}

// ProviderConfig selects and configures the execution backend
type ProviderConfig struct {
	Kind           string   `toml:"kind"`
	BaseURL        string   `toml:"base_url"`
	Model          string   `toml:"model"`
	RequestTimeout Duration `toml:"request_timeout"`
	PollInterval   Duration `toml:"poll_interval"`
	SessionTimeout Duration `toml:"session_timeout"`
	RetryAttempts  int      `toml:"retry_attempts"`
	ClaudeBinary   string   `toml:"claude_binary"`
	RepoDir        string   `toml:"repo_dir"`
	WorktreeDir    string   `toml:"worktree_dir"`
	Push           bool     `toml:"push"`
}

// EventLogConfig selects where execution events are persisted
type EventLogConfig struct {
	Driver      string `toml:"driver"`
	PostgresDSN string `toml:"postgres_dsn"`
}

// WebConfig holds web API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MaintenanceConfig holds janitor settings
type MaintenanceConfig struct {
	PruneCron      string   `toml:"prune_cron"`
	EventRetention Duration `toml:"event_retention"`
}

// NotifyConfig selects where job outcomes are reported
type NotifyConfig struct {
	SlackWebhookURL string `toml:"slack_webhook_url"`
	Desktop         bool   `toml:"desktop"`
}

// Enabled reports whether any notifier is configured
func (n NotifyConfig) Enabled() bool {
	return n.SlackWebhookURL != "" || n.Desktop
}

// Duration is a time.Duration written as a Go duration string
type Duration struct {
	time.Duration
}

// D wraps d
func D(d time.Duration) Duration { return Duration{d} }

// UnmarshalText parses strings like "30s" or "2h"
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText writes the duration string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file exists
func Default() *Config {
	home, _ := os.UserHomeDir()
	bc := breaker.DefaultConfig()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".cycle-orch", "orchestrator.db"),
		},
		Orchestrator: OrchestratorConfig{
			MaxParallelTasks:    domain.DefaultMaxParallelTasks,
			TaskRetryLimit:      3,
			CycleFailureBudget:  3,
			CancelGracePeriod:   D(30 * time.Second),
			CycleRetryDelay:     D(5 * time.Second),
			MaxCyclesCap:        100,
			MaxTimeLimitMinutes: 1440,
		},
		Breaker: BreakerConfig{
			FailureThreshold: bc.FailureThreshold,
			SuccessThreshold: bc.SuccessThreshold,
			ResetTimeout:     D(bc.ResetTimeout),
			BaseDelay:        D(bc.BaseDelay),
			Multiplier:       bc.Multiplier,
			MaxDelay:         D(bc.MaxDelay),
			JitterFactor:     bc.JitterFactor,
		},
		Provider: ProviderConfig{
			Kind:           ProviderRemote,
			Model:          "claude-sonnet-4-20250514",
			RequestTimeout: D(30 * time.Second),
			PollInterval:   D(2 * time.Second),
			SessionTimeout: D(2 * time.Hour),
			RetryAttempts:  2,
			ClaudeBinary:   "claude",
			WorktreeDir:    filepath.Join(home, ".cycle-orch", "worktrees"),
		},
		EventLog: EventLogConfig{
			Driver: EventLogSQLite,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Maintenance: MaintenanceConfig{
			PruneCron:      "0 3 * * *",
			EventRetention: D(30 * 24 * time.Hour),
		},
	}
}

// Load overlays the TOML file at path on Default. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Provider.RepoDir = ExpandPath(cfg.Provider.RepoDir)
	cfg.Provider.WorktreeDir = ExpandPath(cfg.Provider.WorktreeDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks limits, enums and the prune schedule
func (c *Config) Validate() error {
	o := c.Orchestrator
	switch {
	case o.MaxParallelTasks < 1 || o.MaxParallelTasks > domain.MaxParallelTasksLimit:
		return fmt.Errorf("orchestrator.max_parallel_tasks must be between 1 and %d", domain.MaxParallelTasksLimit)
	case o.TaskRetryLimit < 0:
		return fmt.Errorf("orchestrator.task_retry_limit must not be negative")
	case o.CycleFailureBudget < 1:
		return fmt.Errorf("orchestrator.cycle_failure_budget must be positive")
	case o.MaxCyclesCap < 1:
		return fmt.Errorf("orchestrator.max_cycles_cap must be positive")
	case o.MaxTimeLimitMinutes < 1:
		return fmt.Errorf("orchestrator.max_time_limit_minutes must be positive")
	case o.CancelGracePeriod.Duration < 0:
		return fmt.Errorf("orchestrator.cancel_grace_period must not be negative")
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Breaker.JitterFactor < 0 || c.Breaker.JitterFactor >= 1 {
		return fmt.Errorf("breaker.jitter_factor must be in [0, 1)")
	}

	switch c.Provider.Kind {
	case ProviderRemote:
		if c.Provider.BaseURL == "" {
			return fmt.Errorf("provider.base_url is required for the %s provider", ProviderRemote)
		}
	case ProviderCLI:
	default:
		return fmt.Errorf("provider.kind %q is not one of %s, %s", c.Provider.Kind, ProviderRemote, ProviderCLI)
	}
	if c.Provider.RetryAttempts < 0 {
		return fmt.Errorf("provider.retry_attempts must not be negative")
	}

	switch c.EventLog.Driver {
	case EventLogSQLite:
	case EventLogPostgres:
		if c.EventLog.PostgresDSN == "" {
			return fmt.Errorf("event_log.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("event_log.driver %q is not one of %s, %s", c.EventLog.Driver, EventLogSQLite, EventLogPostgres)
	}

	if c.Maintenance.PruneCron != "" {
		if _, err := cron.ParseStandard(c.Maintenance.PruneCron); err != nil {
			return fmt.Errorf("maintenance.prune_cron: %w", err)
		}
	}
	return nil
}

// BreakerSettings converts the [breaker] section
func (c *Config) BreakerSettings() breaker.Config {
	b := c.Breaker
	return breaker.Config{
		FailureThreshold: b.FailureThreshold,
		SuccessThreshold: b.SuccessThreshold,
		ResetTimeout:     b.ResetTimeout.Duration,
		BaseDelay:        b.BaseDelay.Duration,
		Multiplier:       b.Multiplier,
		MaxDelay:         b.MaxDelay.Duration,
		JitterFactor:     b.JitterFactor,
	}
}

// Token returns the static credential named by credentials_token_env
func (c *Config) Token() string {
	if c.General.CredentialsTokenEnv == "" {
		return ""
	}
	return os.Getenv(c.General.CredentialsTokenEnv)
}

// ExpandPath resolves a leading ~/ against the home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath is ~/.config/cycle-orch/config.toml
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "cycle-orch", "config.toml")
}
