package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"mcpanel/internal/config"
	"mcpanel/internal/hub"
	"mcpanel/internal/logging"
	"mcpanel/internal/metrics"
	"mcpanel/internal/realtime"
	"mcpanel/internal/supervisor"
	"mcpanel/internal/watcher"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		profilePath string
		serversDir  string
		devLogs     bool
	)
	flags := pflag.NewFlagSet("mcpanel", pflag.ContinueOnError)
	flags.StringVar(&profilePath, "profile", "", "YAML launch profile overriding the JAVA_* settings")
	flags.StringVar(&serversDir, "servers-dir", "", "base directory for relative server paths (overrides SERVERS_DIR)")
	flags.BoolVar(&devLogs, "dev", false, "human-readable debug logging")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if profilePath != "" {
		if cfg.Launch, err = config.LoadProfile(profilePath, cfg.Launch); err != nil {
			return err
		}
	}
	if serversDir != "" {
		cfg.Server.ServersDir = serversDir
	}
	if devLogs {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	m := metrics.New()
	h := hub.New(logger, m)

	fileWatch := watcher.New(logger)
	defer fileWatch.Shutdown()

	sup := supervisor.New(h, supervisor.Options{
		Profile: supervisor.LaunchProfile{
			Executable:  cfg.Launch.Executable,
			Artifact:    cfg.Launch.Artifact,
			MinMemory:   cfg.Launch.MinMemory,
			MaxMemory:   cfg.Launch.MaxMemory,
			ExtraArgs:   cfg.Launch.ExtraArgs,
			StopCommand: cfg.Launch.StopCommand,
			Env:         cfg.Launch.Env,
		},
		ServersDir:      cfg.Server.ServersDir,
		HistorySize:     cfg.Console.HistorySize,
		ReplaySize:      cfg.Console.ReplaySize,
		MonitorInterval: cfg.Supervisor.MonitorInterval,
		RestartGrace:    cfg.Supervisor.RestartGrace,
		Watcher:         fileWatch,
		Logger:          logger,
		Metrics:         m,
	})

	rtOpts := realtime.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		ForceLogoutDelay: cfg.Server.ForceLogoutDelay,
		Logger:           logger,
		Metrics:          m,
	}
	if cfg.RateLimit.Enabled {
		rtOpts.CommandsPerSecond = cfg.RateLimit.CommandsPerSecond
		rtOpts.CommandBurst = cfg.RateLimit.Burst
		logger.Info("command rate limiting enabled",
			zap.Float64("rps", cfg.RateLimit.CommandsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst))
	}
	rtServer := realtime.New(sup, h, rtOpts)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: rtServer.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("panel listening",
			zap.String("addr", httpServer.Addr),
			zap.String("serversDir", cfg.Server.ServersDir),
			zap.String("artifact", cfg.Launch.Artifact))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			sup.Close()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	rtServer.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	// Stops the game server too: stop command first, kill after the grace period.
	sup.Close()
	return nil
}
