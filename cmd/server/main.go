package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/socialmap-server/internal/app"
	"github.com/vovakirdan/socialmap-server/internal/config"
	applog "github.com/vovakirdan/socialmap-server/internal/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		overrides  config.Config
	)

	serve := func(cmd *cobra.Command, _ []string) error {
		bootLogger := applog.New("info")
		cfg, path, err := config.Load(bootLogger, configPath)
		if err != nil {
			return err
		}
		cfg.UpdateFrom(overrides)

		logger := applog.New(cfg.LogLevel)
		logger.Info().Str("config", path).Msg("configuration loaded")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		application, err := app.New(&cfg, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to initialize app")
			return err
		}

		logger.Info().Str("addr", cfg.Addr).Msg("starting socialmap server")
		if err := application.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("server exited with error")
			return err
		}
		logger.Info().Msg("server stopped")
		return nil
	}

	root := &cobra.Command{
		Use:          "socialmap-server",
		Short:        "WebSocket server for collaborative activity mapping",
		SilenceUsage: true,
		RunE:         serve,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE:  serve,
	}

	for _, c := range []*cobra.Command{root, serveCmd} {
		f := c.Flags()
		f.StringVar(&configPath, "config", "", "path to config.yaml")
		f.StringVar(&overrides.Addr, "addr", "", "HTTP listen address")
		f.StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
		f.StringVar(&overrides.DatabasePath, "db", "", "SQLite database path")
		f.IntVar(&overrides.Capacity.SoftLimit, "soft-limit", 0, "connection count that triggers capacity warnings")
		f.IntVar(&overrides.Capacity.HardLimit, "hard-limit", 0, "connection count at which new connections are rejected")
		f.StringVar(&overrides.Memory.Profile, "memory-profile", "", "memory thresholds profile (standard, constrained)")
		f.DurationVar(&overrides.LobbyTimeout, "lobby-timeout", 0, "time a connection may stay without joining an activity")
		f.DurationVar(&overrides.ShutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout")
	}

	root.AddCommand(serveCmd, newHealthcheckCmd())
	return root
}

// newHealthcheckCmd checks a running server, for container health checks.
func newHealthcheckCmd() *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Query /health of a running server and fail when it is unhealthy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			rep, err := fetchHealth(ctx, url)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(rep, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if !rep.Healthy() {
				return fmt.Errorf("server unhealthy: %v", rep.Problems)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://127.0.0.1:8080/health", "health endpoint URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}
