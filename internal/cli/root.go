package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information set via ldflags
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var (
	verbose   bool
	rulesFile string
)

var rootCmd = &cobra.Command{
	Use:   "toolwatch",
	Short: "Policy gating and audit for agent tool calls",
	Long: `Toolwatch intercepts an agent's tool invocations, decides whether
each call may proceed, and records an auditable trail.

The gate command evaluates a single event from stdin; the collector
command runs the shared approval and audit service.

Rules live in:
  - ~/.toolwatch/rules.json (default)
  - or any file passed with --rules (JSON or YAML)`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("toolwatch %s\n", Version)
		fmt.Printf("  commit: %s\n", Commit)
		fmt.Printf("  built:  %s\n", Date)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&rulesFile, "rules", "r", "", "Override rules file path")

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
