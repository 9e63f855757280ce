package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kestrel-edge/sentryd/internal/config"
	"github.com/kestrel-edge/sentryd/internal/logger"
	"github.com/kestrel-edge/sentryd/internal/supervisor"
)

// version is set via -ldflags at build time; "dev" otherwise.
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "sentryd",
		Short: "Edge-gateway process supervisor",
		Long: `sentryd supervises local worker processes, watches host vitals for
thermal self-preservation, and ships telemetry to a remote collector
with store-and-forward durability.

Examples:
  sentryd run --config=/etc/sentryd/sentryd.toml
  sentryd version`,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML config file (optional)")

	root.AddCommand(createRunCommand(&configPath))
	root.AddCommand(createVersionCommand())

	return root
}

func createRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the supervisor and block until shutdown",
		Long: `Run loads configuration, starts the process orchestrator, health
monitor, and telemetry client, and blocks until SIGTERM/SIGINT is
received.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(*configPath)
		},
	}
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sentryd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("sentryd " + version)
			return nil
		},
	}
}

func runSupervisor(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sentryd: config error:", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	sup := supervisor.New(cfg, log)
	os.Exit(sup.Run(context.Background()))
	panic("unreachable")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := logger.NewColorTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}, true)
	return slog.New(handler)
}
