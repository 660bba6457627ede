// Package cli implements the polyledger subcommands.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyledger/internal/app"
	"github.com/alanyoungcy/polyledger/internal/config"
	"github.com/alanyoungcy/polyledger/internal/metrics"
)

var configPath string

// BindConfigFlag registers the persistent --config flag on root.
func BindConfigFlag(root *cobra.Command) {
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML configuration file (defaults and POLYLEDGER_* env vars apply without one)")
}

// NewLogger returns a JSON logger writing to w at the named level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withApp wraps a command body: it loads the configuration, wires the
// application, and exports metrics once the body returns.
func withApp(fn func(ctx context.Context, cmd *cobra.Command, a *app.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := NewLogger(cmd.ErrOrStderr(), cfg.LogLevel)
		slog.SetDefault(logger)
		logger.DebugContext(cmd.Context(), "configuration loaded",
			slog.String("config", configPath),
			slog.Any("settings", config.RedactedConfig(cfg)),
		)

		a, err := app.New(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		err = fn(cmd.Context(), cmd, a)
		exportMetrics(cmd.Context(), cfg, logger)
		return err
	}
}

func exportMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) {
	if cfg.Metrics.TextfilePath == "" {
		return
	}
	if err := metrics.WriteTextfile(cfg.Metrics.TextfilePath); err != nil {
		logger.WarnContext(ctx, "metrics export failed",
			slog.String("path", cfg.Metrics.TextfilePath),
			slog.String("error", err.Error()),
		)
	}
}

// printf writes to the command's output, ignoring write errors.
func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}

// orDefault returns flag when it was set to a positive value, else fallback.
func orDefault(flag, fallback int) int {
	if flag > 0 {
		return flag
	}
	return fallback
}
