package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolwatch/toolwatch/internal/audit"
	"github.com/toolwatch/toolwatch/internal/config"
	"github.com/toolwatch/toolwatch/internal/event"
	"github.com/toolwatch/toolwatch/internal/gate"
	"github.com/toolwatch/toolwatch/internal/logger"
	"github.com/toolwatch/toolwatch/internal/plugin"
)

var (
	gateCollectorURL string
	gateTimeoutMS    int
	gateErrorAction  string
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Evaluate one tool event from stdin",
	Long: `Evaluate one tool event from stdin.

Reads a tool-call or tool-result event as JSON, evaluates it against
the configured rules (locally, or remotely when a collector URL is
configured), writes the verdict as JSON to stdout, and audits the
event. The verdict is data: the exit code is 0 even for a denial.

Example:
  echo '{"toolCallId":"c1","tool":"bash","user":"amy","params":{"command":"ls"}}' | toolwatch gate`,
	RunE: runGate,
}

func init() {
	gateCmd.Flags().StringVar(&gateCollectorURL, "collector-url", "", "Evaluate remotely against this collector URL")
	gateCmd.Flags().IntVar(&gateTimeoutMS, "timeout-ms", 0, "Remote evaluation timeout in milliseconds (0 waits indefinitely)")
	gateCmd.Flags().StringVar(&gateErrorAction, "error-action", "", "Verdict on remote failure: block or allow (default block)")
	rootCmd.AddCommand(gateCmd)
}

func runGate(cmd *cobra.Command, args []string) error {
	cfg := config.Load(rulesFile)
	initLogging(cfg, true)

	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	if len(input) == 0 {
		return fmt.Errorf("no input received from stdin")
	}

	sender := audit.NewSender(auditConfig(cfg))
	defer sender.Flush()

	// Result events are audited, never gated.
	var probe struct {
		Tool string `json:"tool"`
	}
	if err := json.Unmarshal(input, &probe); err != nil {
		return fmt.Errorf("invalid event JSON: %w", err)
	}
	if probe.Tool == "" {
		var res event.ToolResultEvent
		if err := json.Unmarshal(input, &res); err != nil {
			return fmt.Errorf("invalid result event: %w", err)
		}
		sender.Send(&res)
		return writeStdout(map[string]string{"status": "ok"})
	}

	var ev event.ToolCallEvent
	if err := json.Unmarshal(input, &ev); err != nil {
		return fmt.Errorf("invalid call event: %w", err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	resp := evaluateCall(cmd.Context(), cfg, sender, &ev)
	sender.Send(&ev)

	return writeStdout(resp)
}

func evaluateCall(ctx context.Context, cfg *config.Config, sender *audit.Sender, ev *event.ToolCallEvent) event.ApprovalResponse {
	url := gateCollectorURL
	if url == "" {
		url = cfg.Settings.Remote.URL
	}

	if url != "" {
		timeout := time.Duration(gateTimeoutMS) * time.Millisecond
		if gateTimeoutMS == 0 {
			timeout = time.Duration(cfg.Settings.Remote.TimeoutMS) * time.Millisecond
		}
		errorAction := gate.ErrorAction(gateErrorAction)
		if errorAction == "" {
			errorAction = gate.ErrorAction(cfg.Settings.Remote.ErrorAction)
		}

		remote := gate.NewRemote(url, timeout, errorAction)
		result := remote.Evaluate(ctx, ev)
		if result.AuditFailed {
			// The collector never saw the event; keep a local record.
			fallback := audit.NewSender(audit.Config{Mode: audit.ModeFile, FilePath: auditConfig(cfg).FilePath})
			fallback.Send(ev)
			fallback.Flush()
		}
		return result.Response
	}

	// No interactive UI exists here, so manual rules fail closed.
	local := gate.NewLocal(cfg.Rules, cfg.Plugins, config.BaseDir(rulesFile), plugin.NewRegistry(), nil)
	return local.Evaluate(ctx, ev)
}

func auditConfig(cfg *config.Config) audit.Config {
	return audit.Config{
		Mode:     audit.Mode(cfg.Settings.Audit.Mode),
		FilePath: cfg.Settings.Audit.FilePath,
		URL:      cfg.Settings.Audit.URL,
	}
}

// initLogging configures the logger. Commands whose stdout carries
// machine-readable output stay quiet unless asked otherwise.
func initLogging(cfg *config.Config, quietDefault bool) {
	switch {
	case verbose:
		_ = logger.Init("debug", cfg.Settings.LogFile)
	case quietDefault:
		logger.InitQuiet()
	default:
		_ = logger.Init(cfg.Settings.LogLevel, cfg.Settings.LogFile)
	}
}

func writeStdout(v any) error {
	out, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
