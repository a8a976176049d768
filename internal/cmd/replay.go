package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rand/relay/internal/experience"
	"github.com/rand/relay/internal/hub"
	"github.com/rand/relay/internal/selector"
)

func init() {
	replayCmd.Flags().Int("epochs", 1, "Passes over the experience log")
	replayCmd.Flags().StringP("module", "m", "", "Only replay decisions for this module")
	replayCmd.Flags().String("decision-type", "", "Only replay this decision type")
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Train a policy offline from the experience log",
	Long:  "Stream closed experience records through a fresh selection policy and report what it learned.",
	Example: `
# One pass over the full log
relay replay

# Three epochs over one module's history
relay replay --epochs 3 --module parser
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Store.Path == "" {
			return fmt.Errorf("replay needs a persistent store; set store.path in the config file")
		}

		epochs, _ := cmd.Flags().GetInt("epochs")
		module, _ := cmd.Flags().GetString("module")
		decisionType, _ := cmd.Flags().GetString("decision-type")

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		sel := selector.New(selector.Config{
			LearningRate:    cfg.Selector.LearningRate,
			ExplorationRate: cfg.Selector.ExplorationRate,
			Seed:            cfg.Selector.Seed,
		})

		trainer := hub.NewTrainer(store, sel, nil, slog.Default())
		applied, err := trainer.Replay(cmd.Context(), experience.Filter{
			Module:       module,
			DecisionType: experience.DecisionType(decisionType),
		}, epochs)
		if err != nil {
			return err
		}

		stats := sel.Stats()
		fmt.Printf("Replayed %d records over %d epoch(s)\n", applied, epochs)
		fmt.Printf("Known modules: %d\n", stats.KnownModules)
		return nil
	},
}
