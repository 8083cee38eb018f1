package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"fleetsync.live/internal/agent"
	"fleetsync.live/internal/config"
	"fleetsync.live/internal/core/logger"
	"fleetsync.live/internal/core/sampler"
	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time.
var Version = "dev"

type agentFlags struct {
	server string
	name   string
	state  string
	input  string
}

func newRootCmd() *cobra.Command {
	var f agentFlags

	cmd := &cobra.Command{
		Use:   "fleet-agent",
		Short: "Track one field agent against the fleet store",
		Long: "Registers or restores a field agent, then replays device events read from --input " +
			"(one per line: pos, break, resume, sos, complete, gps-denied, gps-lost). " +
			"Changes made while the store is unreachable are kept on disk and replayed once it answers.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, f)
		},
	}

	cmd.Flags().StringVar(&f.server, "server", "", "fleet store URL (default from STORE_URL)")
	cmd.Flags().StringVar(&f.name, "name", "", "agent display name; empty restores the last session")
	cmd.Flags().StringVar(&f.state, "state", "", "device state file (default from STATE_PATH)")
	cmd.Flags().StringVarP(&f.input, "input", "i", "-", "device event script, - for stdin")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fleet-agent %s\n", Version)
		},
	}
}

// options merges flags over the loaded configuration.
func options(cfg *config.Config, f agentFlags) agent.Options {
	opts := agent.Options{
		StoreURL:      cfg.StoreURL,
		Name:          f.name,
		StatePath:     cfg.StatePath,
		ProbeInterval: cfg.ProbeInterval,
		PushTimeout:   cfg.PushTimeout,
		Sampler: sampler.Config{
			MinDistanceMeters: cfg.MinMoveMeters,
			MinInterval:       cfg.MinPushInterval,
			HeartbeatInterval: cfg.HeartbeatInterval,
			MovingSpeedKmh:    sampler.DefaultConfig().MovingSpeedKmh,
		},
	}
	if f.server != "" {
		opts.StoreURL = f.server
	}
	if f.state != "" {
		opts.StatePath = f.state
	}
	return opts
}

func runAgent(cmd *cobra.Command, f agentFlags) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.InitWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

	var input io.Reader = cmd.InOrStdin()
	if f.input != "-" {
		file, err := os.Open(f.input)
		if err != nil {
			return fmt.Errorf("open script: %w", err)
		}
		defer file.Close()
		input = file
	}

	opts := options(cfg, f)
	logger.Info("Starting fleet agent", "version", Version, "server", opts.StoreURL, "state", opts.StatePath)

	a, err := agent.New(opts)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return a.Run(ctx, input)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
