// Package commands provides CLI subcommands for openclaw-china.
package commands

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/gateway"
)

// NewGatewayCommand creates the gateway subcommand.
func NewGatewayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway in the foreground",
		Example: `  openclaw-china gateway
  OPENCLAW_CONFIG_PATH=/etc/openclaw/openclaw.json openclaw-china gateway`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd)
		},
	}
}

func runGateway(cmd *cobra.Command) error {
	v, err := config.LoadViper()
	if err != nil {
		if errors.Is(err, config.ErrConfigNotFound) {
			return fmt.Errorf("no configuration found; create %s first", config.ConfigPath())
		}
		return err
	}
	cfg, err := config.Unmarshal(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := newLogger(cfg.Logging)
	gw, err := gateway.New(cfg, v, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return gw.Run(ctx)
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}
