package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rand/relay/internal/transport"
)

func init() {
	modulesCmd.Flags().Bool("check", false, "Connect to each module to verify reachability")
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List configured destination modules",
	Example: `
# List modules
relay modules

# Verify every module's transport connects
relay modules --check
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if len(cfg.Modules) == 0 {
			fmt.Println("No modules configured.")
			return nil
		}

		check, _ := cmd.Flags().GetBool("check")

		for _, m := range cfg.Modules {
			fmt.Printf("%s\n", m.Name)
			fmt.Printf("  protocol: %s\n", m.Protocol)
			fmt.Printf("  target:   %s\n", m.Target)
			if m.Timeout > 0 {
				fmt.Printf("  timeout:  %s\n", m.Timeout)
			}

			if check {
				adapter, err := transport.New(m.Transport())
				if err != nil {
					fmt.Printf("  status:   error (%v)\n", err)
					continue
				}
				if err := adapter.Connect(cmd.Context()); err != nil {
					fmt.Printf("  status:   unreachable (%v)\n", err)
					continue
				}
				fmt.Printf("  status:   connected\n")
				adapter.Disconnect()
			}
		}
		return nil
	},
}
