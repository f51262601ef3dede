package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/L11R/gopiad/config"
	"github.com/L11R/gopiad/logging"
)

// app carries the settings shared by every command.
type app struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string

	level  slog.LevelVar
	logger *slog.Logger
	cfg    *config.Config
}

func main() {
	a := &app{}
	a.level.Set(slog.LevelInfo)
	a.logger, _ = logging.New(logging.FormatText, os.Stderr, &a.level)
	slog.SetDefault(a.logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(a)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			a.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		a.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "gopiad",
		Short:         "Keep Private Internet Access WireGuard registrations fresh",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Optional YAML config file")
	flags.StringVar(&a.envFile, "env-file", ".env", "Optional .env file loaded into the environment")
	flags.StringVar(&a.logLevel, "log-level", "", "Log verbosity (debug, info, warning, error); overrides LOG_LEVEL")
	flags.StringVar(&a.logFormat, "log-format", "", "Log format (text, json); overrides LOG_FORMAT")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.setup()
	}

	root.AddCommand(
		newRunCommand(a),
		newRenewCommand(a),
		newRegionsCommand(a),
		newConfigureCommand(a),
		newHistoryCommand(a),
	)
	return root
}

// setup loads configuration and rebuilds the logger from it.
func (a *app) setup() error {
	if err := config.LoadDotEnv(a.envFile); err != nil {
		return fmt.Errorf("load %s: %w", a.envFile, err)
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.logFormat != "" {
		cfg.LogFormat = a.logFormat
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.level.Set(level)

	logger, err := logging.New(cfg.LogFormat, os.Stderr, &a.level)
	if err != nil {
		return err
	}
	a.logger = logger
	slog.SetDefault(logger)

	a.cfg = cfg
	return nil
}
