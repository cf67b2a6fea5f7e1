// Package main implements the fleetstream daemon. It subscribes to entity telemetry over
// the configured transport, keeps the latest snapshot per entity and serves snapshots,
// zone checks, health and metrics over HTTP.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360/fleetstream/config"
)

// Build information, overridden with -ldflags at release time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "fleetstream"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

// cliFlags are the persistent flags shared by every subcommand.
type cliFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Fleet telemetry state and geofence service",
		Long: `fleetstream tracks the latest telemetry of every fleet entity.

It subscribes to entity.<id>.telemetry over NATS, a websocket relay or Redis pub/sub,
hydrates entities from the reference inventory and checks positions against zones.

Examples:
  fleetstream serve --config fleetstream.yaml
  FLEETSTREAM_TRANSPORT_KIND=memory FLEETSTREAM_REFDATA_KIND=static fleetstream serve
  fleetstream validate --config fleetstream.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c",
		os.Getenv("FLEETSTREAM_CONFIG"), "Path to a YAML or JSON config file (env: FLEETSTREAM_CONFIG)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override log.level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Override log.format: json, text")

	root.AddCommand(
		newServeCmd(flags),
		newValidateCmd(flags),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			logger := setupLogger(os.Stdout, cfg.Log)
			slog.SetDefault(logger)
			logger.Info("Starting fleetstream",
				"version", Version,
				"build_time", BuildTime,
				"config_path", flags.configPath,
				"transport", cfg.Transport.Kind,
				"refdata", cfg.Refdata.Kind)

			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

func newValidateCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and print the effective result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build %s)\n", appName, Version, BuildTime)
		},
	}
}

// load reads the configuration and applies the log flag overrides.
func (f *cliFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if f.logLevel == "" && f.logFormat == "" {
		return cfg, nil
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func printConfig(w io.Writer, cfg *config.Config) error {
	data, err := config.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	_, err = fmt.Fprintf(w, "# configuration is valid\n%s", data)
	return err
}
