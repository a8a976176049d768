package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	statsCmd.Flags().BoolP("json", "j", false, "Output as JSON")
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the experience log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(stats)
		}

		fmt.Println("Experience Log")
		fmt.Println("==============")
		fmt.Printf("Total decisions:  %d\n", stats.Total)
		fmt.Printf("Pending:          %d\n", stats.Pending)
		fmt.Printf("Closed:           %d\n", stats.Closed)
		if stats.Closed > 0 {
			fmt.Printf("Mean reward:      %.3f\n", stats.MeanReward)
		}
		return nil
	},
}
