// Package config provides configuration management for Bloom.
// It supports loading configuration from environment variables, the
// bloom.config.yaml file, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Bloom.
type Config struct {
	BloomDir          string                    `mapstructure:"bloomDir"`
	TaskFile          string                    `mapstructure:"taskFile"`
	MaxParallelAgents int                       `mapstructure:"maxParallelAgents"`
	DefaultAgent      string                    `mapstructure:"defaultAgent"`
	MaxAttempts       int                       `mapstructure:"maxAttempts"`
	PollIntervalMs    int                       `mapstructure:"pollIntervalMs"`
	HardKillGraceMs   int                       `mapstructure:"hardKillGraceMs"`
	Agents            map[string]AgentOverrides `mapstructure:"agent"`
	Server            ServerConfig              `mapstructure:"server"`
	NATS              NATSConfig                `mapstructure:"nats"`
	Logging           LoggingConfig             `mapstructure:"logging"`
	Worktree          WorktreeConfig            `mapstructure:"worktree"`
	History           HistoryConfig             `mapstructure:"history"`
}

// AgentOverrides holds per-agent configuration overrides.
type AgentOverrides struct {
	Model               string            `mapstructure:"model"`
	TimeoutMs           int               `mapstructure:"timeoutMs"`
	HeartbeatIntervalMs int               `mapstructure:"heartbeatIntervalMs"`
	Env                 map[string]string `mapstructure:"env"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WorktreeConfig holds git worktree configuration.
type WorktreeConfig struct {
	BasePath      string `mapstructure:"basePath"`
	DefaultBranch string `mapstructure:"defaultBranch"`
}

// HistoryConfig holds run-history database configuration.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // sqlite file, default <bloomDir>/history.db
}

// PollInterval returns the scheduler wake deadline as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// HardKillGrace returns the cancellation escalation window as a duration.
func (c *Config) HardKillGrace() time.Duration {
	return time.Duration(c.HardKillGraceMs) * time.Millisecond
}

// AgentModel returns the configured default model for an agent, if any.
func (c *Config) AgentModel(agentName string) string {
	if o, ok := c.Agents[agentName]; ok {
		return o.Model
	}
	return ""
}

// AgentTimeout returns the per-agent activity timeout override, or zero.
func (c *Config) AgentTimeout(agentName string) time.Duration {
	if o, ok := c.Agents[agentName]; ok && o.TimeoutMs > 0 {
		return time.Duration(o.TimeoutMs) * time.Millisecond
	}
	return 0
}

// AgentHeartbeat returns the per-agent heartbeat interval override, or zero.
func (c *Config) AgentHeartbeat(agentName string) time.Duration {
	if o, ok := c.Agents[agentName]; ok && o.HeartbeatIntervalMs > 0 {
		return time.Duration(o.HeartbeatIntervalMs) * time.Millisecond
	}
	return 0
}

// AgentEnv returns the per-agent environment overlay, or nil.
func (c *Config) AgentEnv(agentName string) map[string]string {
	if o, ok := c.Agents[agentName]; ok {
		return o.Env
	}
	return nil
}

// HistoryPath returns the sqlite path for run history, defaulting under
// the bloom directory.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(c.BloomDir, "history.db")
}

// recognizedKeys are the top-level config keys Bloom understands.
// Anything else in the file produces a warning, not an error.
var recognizedKeys = map[string]bool{
	"bloomdir":          true,
	"taskfile":          true,
	"maxparallelagents": true,
	"defaultagent":      true,
	"maxattempts":       true,
	"pollintervalms":    true,
	"hardkillgracems":   true,
	"agent":             true,
	"server":            true,
	"nats":              true,
	"logging":           true,
	"worktree":          true,
	"history":           true,
}

func setDefaults(v *viper.Viper, bloomDir string) {
	v.SetDefault("bloomDir", bloomDir)
	v.SetDefault("taskFile", filepath.Join(bloomDir, "tasks.yaml"))
	v.SetDefault("maxParallelAgents", 8)
	v.SetDefault("defaultAgent", "")
	v.SetDefault("maxAttempts", 3)
	v.SetDefault("pollIntervalMs", 2000)
	v.SetDefault("hardKillGraceMs", 5000)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7070)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Empty URL means use the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "bloom")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("worktree.basePath", filepath.Join(bloomDir, "worktrees"))
	v.SetDefault("worktree.defaultBranch", "main")

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "")
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("BLOOM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from the default bloom directory (~/.bloom).
func Load() (*Config, []string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return LoadFromDir(filepath.Join(home, ".bloom"))
}

// LoadFromDir reads configuration from <dir>/bloom.config.yaml, layered
// under BLOOM_-prefixed environment variables and defaults. The second
// return value lists warnings for unrecognized keys.
func LoadFromDir(dir string) (*Config, []string, error) {
	v := viper.New()
	setDefaults(v, dir)

	v.SetEnvPrefix("BLOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfgPath := filepath.Join(dir, "bloom.config.yaml")
	v.SetConfigFile(cfgPath)
	v.SetConfigType("yaml")

	var warnings []string
	if _, statErr := os.Stat(cfgPath); statErr == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("error reading config file: %w", err)
		}
		for key := range v.AllSettings() {
			if !recognizedKeys[strings.ToLower(key)] {
				warnings = append(warnings, fmt.Sprintf("unrecognized config key %q ignored", key))
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, warnings, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.MaxParallelAgents <= 0 {
		errs = append(errs, "maxParallelAgents must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		errs = append(errs, "maxAttempts must be positive")
	}
	if cfg.PollIntervalMs <= 0 {
		errs = append(errs, "pollIntervalMs must be positive")
	}
	if cfg.HardKillGraceMs <= 0 {
		errs = append(errs, "hardKillGraceMs must be positive")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
