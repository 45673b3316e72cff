package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/app"
	"github.com/opsdeck-io/opsdeck/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:   "opsdeck-server",
		Short: "Opsdeck server, a central SSH fleet control plane",
		Long: `Opsdeck server manages a fleet of SSH hosts: asynchronous task
execution, interactive browser terminals, live monitoring with alerting,
inventory collection, an encrypted credential vault and outbound webhooks.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Missing .env is fine; the environment itself takes precedence.
			if err := godotenv.Load(envFile); err != nil && envFile != ".env" {
				return fmt.Errorf("load env file %s: %w", envFile, err)
			}
			return run(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an optional .env file")
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("opsdeck-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context) error {
	cfg := config.Load()

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting opsdeck server",
		zap.String("version", version),
		zap.String("env", cfg.Environment),
		zap.String("rest_addr", cfg.ListenAddr),
		zap.String("terminal_addr", cfg.TerminalListenAddr),
		zap.String("stats_addr", cfg.StatsListenAddr),
	)

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
