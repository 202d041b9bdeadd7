// Package config loads engine configuration from file, environment, and
// defaults via viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/conductor/internal/core"
)

// Config is the full engine configuration.
type Config struct {
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

// HeartbeatConfig controls the scheduler tick loop.
type HeartbeatConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks"`
}

// RateLimitConfig controls the probe.
type RateLimitConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// AgentConfig controls the agent CLI driver.
type AgentConfig struct {
	Path            string        `mapstructure:"path"`
	SessionTimeout  time.Duration `mapstructure:"session_timeout"`
	TerminateGrace  time.Duration `mapstructure:"terminate_grace"`
	AssessmentModel string        `mapstructure:"assessment_model"`
}

// PathsConfig holds filesystem layout.
type PathsConfig struct {
	DataDir           string `mapstructure:"data_dir"`
	ReposDir          string `mapstructure:"repos_dir"`
	WorktreesDir      string `mapstructure:"worktrees_dir"`
	SessionsDir       string `mapstructure:"sessions_dir"`
	DefaultWorkingDir string `mapstructure:"default_working_dir"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DBPath returns the sqlite file location under the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.Paths.DataDir, "conductor.db")
}

// setDefaults registers defaults on a viper instance.
func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".conductor")

	v.SetDefault("heartbeat.interval", 300*time.Second)
	v.SetDefault("heartbeat.max_concurrent_tasks", 3)
	v.SetDefault("rate_limit.probe_interval", 5*time.Minute)
	v.SetDefault("rate_limit.probe_timeout", 30*time.Second)
	v.SetDefault("agent.path", "claude")
	v.SetDefault("agent.session_timeout", 600*time.Second)
	v.SetDefault("agent.terminate_grace", 10*time.Second)
	v.SetDefault("agent.assessment_model", "claude-3-5-haiku-20241022")
	v.SetDefault("paths.data_dir", dataDir)
	v.SetDefault("paths.repos_dir", filepath.Join(dataDir, "repos"))
	v.SetDefault("paths.worktrees_dir", filepath.Join(dataDir, "worktrees"))
	v.SetDefault("paths.sessions_dir", filepath.Join(dataDir, "sessions"))
	v.SetDefault("paths.default_working_dir", dataDir)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
}

// Load reads configuration from the given file (optional), CONDUCTOR_*
// environment variables, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("conductor")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".conductor"))
		}
		v.AddConfigPath(".")
		// Missing file is fine; defaults apply.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for obvious misconfiguration.
func (c *Config) Validate() error {
	if c.Heartbeat.Interval <= 0 {
		return core.ErrValidation(core.CodeInvalidConfig, "heartbeat.interval must be positive")
	}
	if c.Heartbeat.MaxConcurrentTasks < 1 {
		return core.ErrValidation(core.CodeInvalidConfig, "heartbeat.max_concurrent_tasks must be at least 1")
	}
	if c.RateLimit.ProbeTimeout <= 0 {
		return core.ErrValidation(core.CodeInvalidConfig, "rate_limit.probe_timeout must be positive")
	}
	if c.Agent.Path == "" {
		return core.ErrValidation(core.CodeInvalidConfig, "agent.path is required")
	}
	if c.Agent.SessionTimeout <= 0 {
		return core.ErrValidation(core.CodeInvalidConfig, "agent.session_timeout must be positive")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	return nil
}

// EnsureDirs creates the configured directory layout.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		c.Paths.DataDir, c.Paths.ReposDir, c.Paths.WorktreesDir, c.Paths.SessionsDir,
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
