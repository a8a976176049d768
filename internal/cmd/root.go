// Package cmd implements the relay command line interface.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rand/relay/internal/config"
	"github.com/rand/relay/internal/experience"
	"github.com/rand/relay/internal/hub"
	"github.com/rand/relay/internal/observability"
	"github.com/rand/relay/internal/resilience"
	"github.com/rand/relay/internal/selector"
	"github.com/rand/relay/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Learned task routing hub",
	Long: `relay routes tasks to worker modules over process and tool transports,
learns which module handles which task best from dispatch outcomes, and
keeps every decision in a replayable experience log.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file path (default: relay.yaml, then ~/.config/relay/config.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		dispatchCmd,
		replayCmd,
		statsCmd,
		modulesCmd,
		configCmd,
	)
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// setupLogging installs the process-wide slog handler, with rotating file
// output when configured.
func setupLogging(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
	return nil
}

// openStore opens the configured experience store.
func openStore(cfg *config.Config) (experience.Store, error) {
	if cfg.Store.Path == "" {
		return experience.NewMemoryStore(), nil
	}
	return experience.NewSQLiteStore(experience.SQLiteOptions{
		Path:              cfg.Store.Path,
		CreateIfNotExists: true,
	})
}

// buildHub assembles a hub from config: store, selector (pre-trained from the
// experience log), breakers, and one adapter per configured module.
func buildHub(cmd *cobra.Command, cfg *config.Config) (*hub.Hub, experience.Store, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	sel := selector.New(selector.Config{
		LearningRate:    cfg.Selector.LearningRate,
		ExplorationRate: cfg.Selector.ExplorationRate,
		Seed:            cfg.Selector.Seed,
	})

	events := observability.NewEventLogger(
		observability.WithWriter(os.Stderr),
		observability.WithLevel(observability.LevelWarn),
		observability.WithBuffer(200),
	)

	// Persisted experience seeds the policy before the first dispatch.
	trainer := hub.NewTrainer(store, sel, events, slog.Default())
	if _, err := trainer.Replay(cmd.Context(), experience.Filter{}, 1); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("replay experience: %w", err)
	}

	h, err := hub.New(hub.Config{
		Selector: sel,
		Store:    store,
		Breaker: resilience.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
		},
		MaxConcurrent: cfg.MaxConcurrent,
		Events:        events,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	for _, m := range cfg.Modules {
		adapter, err := transport.New(m.Transport())
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("module %s: %w", m.Name, err)
		}
		h.RegisterAdapter(m.Name, adapter)
	}

	return h, store, nil
}
