package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rand/relay/internal/hub"
	"github.com/rand/relay/internal/selector"
)

func init() {
	dispatchCmd.Flags().StringP("type", "t", "", "Task type (required)")
	dispatchCmd.Flags().String("subtype", "", "Task subtype")
	dispatchCmd.Flags().IntP("priority", "p", 5, "Task priority (0-10)")
	dispatchCmd.Flags().Int("size", 0, "Approximate payload size in bytes")
	dispatchCmd.Flags().String("payload", "{}", "JSON payload handed to the chosen module")
	dispatchCmd.Flags().StringSliceP("module", "m", nil, "Restrict candidates to these modules (default: all configured)")
	dispatchCmd.Flags().BoolP("json", "j", false, "Output the result as JSON")
	dispatchCmd.MarkFlagRequired("type")
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Route one task to a module",
	Long:  "Select a destination module for the task, send the payload, and record the outcome in the experience log.",
	Example: `
# Route a CSV transform to whichever module the policy prefers
relay dispatch --type transform --subtype csv --payload '{"args": ["in.csv"]}'

# Restrict the candidate set
relay dispatch --type extract -m parser -m converter --payload '{"doc": "report.pdf"}'
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if len(cfg.Modules) == 0 {
			return fmt.Errorf("no modules configured; add a modules section to the config file")
		}

		taskType, _ := cmd.Flags().GetString("type")
		subtype, _ := cmd.Flags().GetString("subtype")
		priority, _ := cmd.Flags().GetInt("priority")
		size, _ := cmd.Flags().GetInt("size")
		payloadJSON, _ := cmd.Flags().GetString("payload")
		candidates, _ := cmd.Flags().GetStringSlice("module")
		asJSON, _ := cmd.Flags().GetBool("json")

		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return fmt.Errorf("parse payload: %w", err)
		}

		h, store, err := buildHub(cmd, cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		defer h.Shutdown()

		if err := h.ConnectAll(cmd.Context()); err != nil {
			return err
		}

		result, err := h.Dispatch(cmd.Context(), hub.Request{
			Task: selector.Task{
				Type:     taskType,
				Subtype:  subtype,
				Priority: priority,
				Size:     size,
			},
			Payload:    payload,
			Candidates: candidates,
		})
		if err != nil {
			return err
		}

		if asJSON {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(result)
		}

		status := "ok"
		if !result.Success {
			status = "failed"
		}
		fmt.Printf("Module:       %s\n", result.Module)
		fmt.Printf("Status:       %s\n", status)
		fmt.Printf("Reward:       %.2f\n", result.Reward)
		fmt.Printf("Latency:      %s\n", result.Latency)
		fmt.Printf("Decision:     %s\n", result.DecisionID)
		fmt.Printf("Conversation: %s\n", result.ConversationID)
		if result.Error != "" {
			fmt.Printf("Error:        %s\n", result.Error)
		}
		if len(result.Response) > 0 {
			data, _ := json.MarshalIndent(result.Response, "", "  ")
			fmt.Printf("Response:\n%s\n", data)
		}
		return nil
	},
}
