package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"hubdata/config"
	"hubdata/dataset"
	"hubdata/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "hubdata",
		Short:         "Read forecast hub model output as one table",
		Long:          "hubdata scans a hub's model output directory, reconciles every file against the hub's schema and serves the result as a single partitioned table.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "config.yaml", "Path to config file (YAML or TOML)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(
		newScanCmd(a),
		newQueryCmd(a),
		newServeCmd(a),
		newExportCmd(a),
		newFamiliesCmd(a),
	)
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	return nil
}

// build opens the hub and builds its dataset. The returned counter wraps
// the hub's backend so callers can report bytes read.
func (a *app) build(ctx context.Context, name string) (*dataset.Dataset, *storage.CountingStorage, error) {
	hub, err := a.cfg.OpenHub(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	counter := storage.NewCountingStorage(hub.Backend)
	a.logger.Debug("building dataset",
		"hub", name,
		"location", hub.Location.String(),
		"root", hub.Root,
		"family", hub.Schema.Family(),
		"formats", fmt.Sprint(hub.Formats),
	)
	d, err := dataset.Build(ctx, counter, hub.Root, hub.Schema, hub.Formats, a.cfg.DatasetOptions(a.logger.With("hub", name)))
	if err != nil {
		return nil, nil, fmt.Errorf("build hub %s: %w", name, err)
	}
	return d, counter, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
