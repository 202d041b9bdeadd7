package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config with yaml tags for rendering the default file.
type fileConfig struct {
	Heartbeat struct {
		Interval           string `yaml:"interval"`
		MaxConcurrentTasks int    `yaml:"max_concurrent_tasks"`
	} `yaml:"heartbeat"`
	RateLimit struct {
		ProbeInterval string `yaml:"probe_interval"`
		ProbeTimeout  string `yaml:"probe_timeout"`
	} `yaml:"rate_limit"`
	Agent struct {
		Path            string `yaml:"path"`
		SessionTimeout  string `yaml:"session_timeout"`
		TerminateGrace  string `yaml:"terminate_grace"`
		AssessmentModel string `yaml:"assessment_model"`
	} `yaml:"agent"`
	Paths struct {
		DataDir           string `yaml:"data_dir"`
		ReposDir          string `yaml:"repos_dir"`
		WorktreesDir      string `yaml:"worktrees_dir"`
		SessionsDir       string `yaml:"sessions_dir"`
		DefaultWorkingDir string `yaml:"default_working_dir"`
	} `yaml:"paths"`
	Server struct {
		Host        string   `yaml:"host"`
		Port        int      `yaml:"port"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// WriteDefault renders the current configuration to a yaml file at path,
// writing atomically so a crash never leaves a truncated config behind.
func WriteDefault(cfg *Config, path string) error {
	var fc fileConfig
	fc.Heartbeat.Interval = cfg.Heartbeat.Interval.String()
	fc.Heartbeat.MaxConcurrentTasks = cfg.Heartbeat.MaxConcurrentTasks
	fc.RateLimit.ProbeInterval = cfg.RateLimit.ProbeInterval.String()
	fc.RateLimit.ProbeTimeout = cfg.RateLimit.ProbeTimeout.String()
	fc.Agent.Path = cfg.Agent.Path
	fc.Agent.SessionTimeout = cfg.Agent.SessionTimeout.String()
	fc.Agent.TerminateGrace = cfg.Agent.TerminateGrace.String()
	fc.Agent.AssessmentModel = cfg.Agent.AssessmentModel
	fc.Paths.DataDir = cfg.Paths.DataDir
	fc.Paths.ReposDir = cfg.Paths.ReposDir
	fc.Paths.WorktreesDir = cfg.Paths.WorktreesDir
	fc.Paths.SessionsDir = cfg.Paths.SessionsDir
	fc.Paths.DefaultWorkingDir = cfg.Paths.DefaultWorkingDir
	fc.Server.Host = cfg.Server.Host
	fc.Server.Port = cfg.Server.Port
	fc.Server.CORSOrigins = cfg.Server.CORSOrigins
	fc.Log.Level = cfg.Log.Level
	fc.Log.Format = cfg.Log.Format

	data, err := yaml.Marshal(&fc)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	header := []byte("# conductor configuration\n# Values may be overridden with CONDUCTOR_* environment variables.\n")

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := renameio.WriteFile(path, append(header, data...), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
