package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/toolwatch/toolwatch/internal/config"
	"github.com/toolwatch/toolwatch/internal/store"
)

var (
	dbPath     string
	dbUser     string
	dbTool     string
	dbModel    string
	dbApproval string
	dbSearch   string
	dbError    bool
	dbFrom     string
	dbTo       string

	exportLimit  int
	exportOutput string
	deleteDryRun bool
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Operate on the collector database",
}

var dbExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export tool-call records as JSON",
	RunE:  runDBExport,
}

var dbDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete tool-call records matching a filter",
	Long: `Delete tool-call records matching a filter.

At least one filter flag is required: deleting the whole table by
omission is refused. Use --dry-run to preview what would be removed.`,
	RunE: runDBDelete,
}

func init() {
	for _, c := range []*cobra.Command{dbExportCmd, dbDeleteCmd} {
		c.Flags().StringVar(&dbPath, "db", "", "Database path")
		c.Flags().StringVar(&dbUser, "user", "", "Filter by user")
		c.Flags().StringVar(&dbTool, "tool", "", "Filter by tool")
		c.Flags().StringVar(&dbModel, "model", "", "Filter by model")
		c.Flags().StringVar(&dbApproval, "approval", "", "Filter by approval status")
		c.Flags().StringVar(&dbSearch, "search", "", "Substring search in params")
		c.Flags().BoolVar(&dbError, "error", false, "Only calls whose result was an error")
		c.Flags().StringVar(&dbFrom, "from", "", "Lower time bound (RFC3339)")
		c.Flags().StringVar(&dbTo, "to", "", "Upper time bound (RFC3339)")
	}

	dbExportCmd.Flags().IntVar(&exportLimit, "limit", 1000, "Maximum records to export")
	dbExportCmd.Flags().StringVar(&exportOutput, "output", "", "Write to file instead of stdout")
	dbDeleteCmd.Flags().BoolVar(&deleteDryRun, "dry-run", false, "Print a count and sample instead of deleting")

	dbCmd.AddCommand(dbExportCmd)
	dbCmd.AddCommand(dbDeleteCmd)
	rootCmd.AddCommand(dbCmd)
}

func buildDBFilter(cmd *cobra.Command) (store.Filter, error) {
	f := store.Filter{
		User:     dbUser,
		Tool:     dbTool,
		Model:    dbModel,
		Approval: dbApproval,
		Search:   dbSearch,
	}

	if cmd.Flags().Changed("error") {
		f.IsError = &dbError
	}
	if dbFrom != "" {
		t, err := time.Parse(time.RFC3339, dbFrom)
		if err != nil {
			return f, fmt.Errorf("invalid --from: %w", err)
		}
		f.From = t
	}
	if dbTo != "" {
		t, err := time.Parse(time.RFC3339, dbTo)
		if err != nil {
			return f, fmt.Errorf("invalid --to: %w", err)
		}
		f.To = t
	}

	return f, nil
}

func openDB() (*store.SQLiteStore, error) {
	path := dbPath
	if path == "" {
		cfg := config.Load(rulesFile)
		path = cfg.Settings.Collector.DBPath
	}
	return store.NewSQLiteStore(path)
}

func runDBExport(cmd *cobra.Command, args []string) error {
	cfg := config.Load(rulesFile)
	initLogging(cfg, true)

	f, err := buildDBFilter(cmd)
	if err != nil {
		return err
	}
	f.Limit = exportLimit

	st, err := openDB()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	calls, err := st.Query(f)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	data, err := json.MarshalIndent(calls, "", "  ")
	if err != nil {
		return err
	}

	if exportOutput != "" {
		if err := os.WriteFile(exportOutput, data, 0644); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		fmt.Printf("Exported %s record(s) to %s\n", humanize.Comma(int64(len(calls))), exportOutput)
		return nil
	}

	fmt.Println(string(data))
	return nil
}

func runDBDelete(cmd *cobra.Command, args []string) error {
	cfg := config.Load(rulesFile)
	initLogging(cfg, false)

	f, err := buildDBFilter(cmd)
	if err != nil {
		return err
	}
	if f.Empty() {
		return fmt.Errorf("refusing to delete without a filter; pass at least one of --user, --tool, --model, --approval, --search, --error, --from, --to")
	}

	st, err := openDB()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	if deleteDryRun {
		count, err := st.Count(f)
		if err != nil {
			return fmt.Errorf("count failed: %w", err)
		}

		sampleFilter := f
		sampleFilter.Limit = 5
		sample, err := st.Query(sampleFilter)
		if err != nil {
			return fmt.Errorf("sample query failed: %w", err)
		}

		fmt.Printf("Would delete %s record(s)\n", humanize.Comma(count))
		for _, call := range sample {
			fmt.Printf("  %s  %s  %s  %s\n", call.ToolCallID, call.User, call.Tool, humanize.Time(call.Timestamp))
		}
		return nil
	}

	deleted, err := st.Delete(f)
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}

	fmt.Printf("Deleted %s record(s)\n", humanize.Comma(deleted))
	return nil
}
