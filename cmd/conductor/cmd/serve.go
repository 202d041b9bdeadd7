package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/conductor/internal/adapters/cli"
	"github.com/hugo-lorenzo-mato/conductor/internal/assess"
	"github.com/hugo-lorenzo-mato/conductor/internal/config"
	"github.com/hugo-lorenzo-mato/conductor/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/conductor/internal/events"
	"github.com/hugo-lorenzo-mato/conductor/internal/logging"
	"github.com/hugo-lorenzo-mato/conductor/internal/ratelimit"
	"github.com/hugo-lorenzo-mato/conductor/internal/scheduler"
	"github.com/hugo-lorenzo-mato/conductor/internal/session"
	"github.com/hugo-lorenzo-mato/conductor/internal/store"
	"github.com/hugo-lorenzo-mato/conductor/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine: heartbeat, session supervision, and HTTP API",
	Long: `Run the conductor engine. The heartbeat alternates between assessing
new tasks and executing assessed ones; the HTTP API and SSE stream serve
the queue state.

Examples:
  # Start with defaults (localhost:8420)
  conductor serve

  # Start on a custom port
  conductor serve --port 3000`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Format = cfg.Log.Format
	logger := logging.New(logCfg)

	report := diagnostics.NewChecker(cfg.Paths.DataDir).Check()
	for _, warning := range report.Warnings {
		logger.Warn("preflight", "warning", warning)
	}
	for _, problem := range report.Errors {
		logger.Error("preflight", "error", problem)
	}
	if !report.OK {
		return fmt.Errorf("host preflight failed: %v", report.Errors)
	}

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	bus := events.New(db, logger)
	defer bus.Close()

	driver := cli.NewDriver(cfg.Agent.Path, cfg.RateLimit.ProbeTimeout, logger)
	monitor := ratelimit.New(db, driver, cfg.RateLimit.ProbeInterval, logger)
	assessor := assess.New(driver, cfg.Agent.AssessmentModel, logger)

	sessions := session.NewManager(db, driver, bus, monitor, session.Config{
		SessionsDir:    cfg.Paths.SessionsDir,
		Timeout:        cfg.Agent.SessionTimeout,
		TerminateGrace: cfg.Agent.TerminateGrace,
	}, logger)

	workspace := scheduler.NewGitWorkspace(cfg.Paths.WorktreesDir, logger)
	sched := scheduler.New(db, sessions, monitor, assessor, workspace, bus, scheduler.Config{
		MaxConcurrent:     cfg.Heartbeat.MaxConcurrentTasks,
		DefaultWorkingDir: cfg.Paths.DefaultWorkingDir,
	}, logger)
	heartbeat := scheduler.NewHeartbeat(sched, bus, cfg.Heartbeat.Interval, logger)

	webCfg := web.DefaultConfig()
	webCfg.Host = cfg.Server.Host
	webCfg.Port = cfg.Server.Port
	webCfg.CORSOrigins = cfg.Server.CORSOrigins
	server := web.New(webCfg, db, bus, sched, heartbeat, monitor, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go heartbeat.Run(ctx)
	if err := server.Start(); err != nil {
		return err
	}
	logger.Info("conductor running", "addr", server.Addr(), "version", appVersion)

	<-ctx.Done()
	logger.Info("shutting down")
	return server.Shutdown(context.Background())
}
