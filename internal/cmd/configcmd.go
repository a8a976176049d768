package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rand/relay/internal/config"
)

func init() {
	configShowCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	configShowCmd.Flags().BoolP("yaml", "y", false, "Output as YAML")

	configCmd.AddCommand(
		configShowCmd,
		configValidateCmd,
		configPathCmd,
	)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	Long:  "Display the configuration after merging defaults, the config file, and environment overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(cfg)
		}
		if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
			encoder := yaml.NewEncoder(os.Stdout)
			encoder.SetIndent(2)
			return encoder.Encode(cfg)
		}

		fmt.Println("Effective Configuration")
		fmt.Println("=======================")
		fmt.Println()
		fmt.Printf("Log level:        %s\n", cfg.Log.Level)
		if cfg.Log.File != "" {
			fmt.Printf("Log file:         %s\n", cfg.Log.File)
		}
		if cfg.Store.Path != "" {
			fmt.Printf("Experience store: %s\n", cfg.Store.Path)
		} else {
			fmt.Printf("Experience store: (in-memory)\n")
		}
		fmt.Printf("Exploration:      %.2f\n", cfg.Selector.ExplorationRate)
		fmt.Printf("Max concurrent:   %d\n", cfg.MaxConcurrent)
		fmt.Println()

		if len(cfg.Modules) > 0 {
			fmt.Println("Modules:")
			for _, m := range cfg.Modules {
				fmt.Printf("  %s (%s) -> %s\n", m.Name, m.Protocol, m.Target)
			}
		}
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "✗ Configuration error: %v\n", err)
			return err
		}

		var warnings []string
		if len(cfg.Modules) == 0 {
			warnings = append(warnings, "no modules configured; dispatch will have nothing to route to")
		}
		if cfg.Store.Path == "" {
			warnings = append(warnings, "no store.path set; experience will not survive restarts")
		}

		if len(warnings) > 0 {
			fmt.Println("Warnings:")
			for _, w := range warnings {
				fmt.Printf("  ⚠ %s\n", w)
			}
			fmt.Println("\n✓ Configuration is valid with warnings")
			return nil
		}

		fmt.Println("✓ Configuration is valid")
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the configuration file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			path = config.DefaultPath()
		}

		status := "✗"
		if _, err := os.Stat(path); err == nil {
			status = "✓"
		}
		fmt.Printf("%s %s\n", status, path)
		return nil
	},
}
