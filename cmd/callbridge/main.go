// Command callbridge bridges telephony media streams to a voice-bot backend.
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

	"github.com/MrWong99/callbridge/internal/app"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// errStartup marks failures that have already been logged.
var errStartup = errors.New("startup failed")

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errStartup) {
			fmt.Fprintf(os.Stderr, "callbridge: %v\n", err)
		}
		return 1
	}
	return 0
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "callbridge",
		Short:         "Telephony to voice-bot audio bridge",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Accept calls and bridge them to the bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, configPath)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (provider %s, bot %s)\n", configPath, cfg.Provider.Type, cfg.Bot.URL)
			return nil
		},
	})
	return root
}

func loadConfig(path string) (*config.BridgeConfig, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found", path)
	}
	return cfg, err
}

// serve runs the bridge until SIGINT or SIGTERM, then shuts it down within
// server.shutdown_timeout.
func serve(parent context.Context, cfg *config.BridgeConfig, configPath string) error {
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("callbridge starting",
		"version", version,
		"config", configPath,
		"provider", cfg.Provider.Type,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(parent, telemetryConfig(cfg))
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return errStartup
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return errStartup
	}

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	} else {
		slog.Info("shutdown signal received, stopping")
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return errStartup
	}
	if runErr != nil {
		return errStartup
	}
	slog.Info("goodbye")
	return nil
}

// telemetryConfig describes this bridge instance on every exported metric.
func telemetryConfig(cfg *config.BridgeConfig) observe.ProviderConfig {
	instance := cfg.Provider.ListenAddr()
	if host, err := os.Hostname(); err == nil && host != "" {
		instance = host + "/" + instance
	}
	return observe.ProviderConfig{
		ServiceVersion: version,
		Provider:       string(cfg.Provider.Type),
		BotCodec:       string(cfg.Bot.Codec),
		BotRate:        cfg.Bot.SampleRate,
		InstanceID:     instance,
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
