package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toolwatch/toolwatch/internal/audit"
	"github.com/toolwatch/toolwatch/internal/config"
)

var (
	drainFile string
	drainURL  string
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Resend audit records from the fallback file",
	Long: `Resend audit records from the fallback file to the collector.

Each line is POSTed individually; the file is rewritten to keep only
the lines that failed, and deleted once everything went through. Safe
to re-run.`,
	RunE: runDrain,
}

func init() {
	drainCmd.Flags().StringVar(&drainFile, "file", "", "Fallback file path (defaults to the configured audit file)")
	drainCmd.Flags().StringVar(&drainURL, "url", "", "Collector URL (defaults to the configured audit URL)")
	rootCmd.AddCommand(drainCmd)
}

func runDrain(cmd *cobra.Command, args []string) error {
	cfg := config.Load(rulesFile)
	initLogging(cfg, false)

	file := drainFile
	if file == "" {
		file = cfg.Settings.Audit.FilePath
	}
	url := drainURL
	if url == "" {
		url = cfg.Settings.Audit.URL
	}

	if file == "" {
		return fmt.Errorf("no fallback file configured; pass --file")
	}
	if url == "" {
		return fmt.Errorf("no collector URL configured; pass --url")
	}

	result, err := audit.Drain(file, url)
	if err != nil {
		return err
	}

	fmt.Printf("Resent %d record(s), %d failed\n", result.Sent, result.Failed)
	return nil
}
