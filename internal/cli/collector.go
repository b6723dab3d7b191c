package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolwatch/toolwatch/internal/approval"
	"github.com/toolwatch/toolwatch/internal/audit"
	"github.com/toolwatch/toolwatch/internal/collector"
	"github.com/toolwatch/toolwatch/internal/config"
	"github.com/toolwatch/toolwatch/internal/logger"
	"github.com/toolwatch/toolwatch/internal/plugin"
	"github.com/toolwatch/toolwatch/internal/store"
)

var (
	collectorAddr   string
	collectorDBPath string
)

var collectorCmd = &cobra.Command{
	Use:   "collector",
	Short: "Run the toolwatch collector service",
	Long: `Run the toolwatch collector service.

The collector evaluates forwarded tool-call events, holds calls that
need manual approval, records every event, and serves the approval
dashboard.

Example:
  toolwatch collector --listen 127.0.0.1:8953`,
	RunE: runCollector,
}

func init() {
	collectorCmd.Flags().StringVar(&collectorAddr, "listen", "", "Listen address (overrides config)")
	collectorCmd.Flags().StringVar(&collectorDBPath, "db", "", "Database path (overrides config)")
	rootCmd.AddCommand(collectorCmd)
}

func runCollector(cmd *cobra.Command, args []string) error {
	cfg := config.Load(rulesFile)
	initLogging(cfg, false)

	if collectorAddr != "" {
		cfg.Settings.Collector.ListenAddr = collectorAddr
	}
	dbPath := cfg.Settings.Collector.DBPath
	if collectorDBPath != "" {
		dbPath = collectorDBPath
	}

	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	pollInterval := time.Duration(cfg.Settings.Collector.PollIntervalMS) * time.Millisecond
	coord := approval.NewCoordinator(st, pollInterval)

	sender := audit.NewSender(auditConfig(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := collector.NewServer(cfg, st, coord, plugin.NewRegistry(), sender, config.BaseDir(rulesFile), Version)
	server.Start(ctx)

	fmt.Printf("Collector running at http://%s\n", server.Addr())
	fmt.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}

	return nil
}
