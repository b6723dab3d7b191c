package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/toolwatch/toolwatch/internal/policy"
)

func writeRules(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeRules(t, "rules.json", `{
		"rules": [
			{"comment": "no shell", "match": {"tool": "bash"}, "action": "deny", "reason": "shell disabled"},
			{"action": "allow"}
		],
		"plugins": {"checker": "checker.js"},
		"settings": {
			"log_level": "debug",
			"collector": {"listen_addr": "0.0.0.0:9000"},
			"audit": {"mode": "file", "file_path": "/tmp/audit.jsonl"}
		}
	}`)

	cfg := Load(path)

	if len(cfg.Rules) != 2 {
		t.Fatalf("rules = %+v", cfg.Rules)
	}
	r := cfg.Rules[0]
	if r.Action != policy.ActionDeny || r.Reason != "shell disabled" {
		t.Errorf("rule = %+v", r)
	}
	if got := r.Match["tool"]; len(got) != 1 || got[0] != "bash" {
		t.Errorf("match = %+v", r.Match)
	}
	if cfg.Plugins["checker"] != "checker.js" {
		t.Errorf("plugins = %+v", cfg.Plugins)
	}
	if cfg.Settings.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.Settings.LogLevel)
	}
	if cfg.Settings.Collector.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("listen_addr = %q", cfg.Settings.Collector.ListenAddr)
	}
	if cfg.Settings.Audit.Mode != "file" {
		t.Errorf("audit = %+v", cfg.Settings.Audit)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeRules(t, "rules.yaml", `
rules:
  - comment: manual shell
    match:
      tool: bash
      params.command:
        - /rm/
        - /sudo/i
    action: manual
settings:
  remote:
    url: http://127.0.0.1:8953/events
    timeout_ms: 30000
    error_action: allow
`)

	cfg := Load(path)

	if len(cfg.Rules) != 1 {
		t.Fatalf("rules = %+v", cfg.Rules)
	}
	r := cfg.Rules[0]
	if r.Action != policy.ActionManual {
		t.Errorf("action = %q", r.Action)
	}
	if got := r.Match["params.command"]; len(got) != 2 || got[0] != "/rm/" {
		t.Errorf("patterns = %+v", got)
	}
	if cfg.Settings.Remote.TimeoutMS != 30000 || cfg.Settings.Remote.ErrorAction != "allow" {
		t.Errorf("remote = %+v", cfg.Settings.Remote)
	}
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "absent.json"))

	if len(cfg.Rules) != 1 || cfg.Rules[0].Action != policy.ActionAllow {
		t.Errorf("rules = %+v", cfg.Rules)
	}
	if cfg.Settings.Collector.ListenAddr != "127.0.0.1:8953" {
		t.Errorf("listen_addr = %q", cfg.Settings.Collector.ListenAddr)
	}
}

func TestLoadMalformedFileFallsBackToDefault(t *testing.T) {
	path := writeRules(t, "rules.json", `{"rules": [`)

	cfg := Load(path)
	if len(cfg.Rules) != 1 || cfg.Rules[0].Action != policy.ActionAllow {
		t.Errorf("rules = %+v", cfg.Rules)
	}
}

func TestLoadEmptyRuleListGetsCatchAllAllow(t *testing.T) {
	path := writeRules(t, "rules.json", `{"rules": []}`)

	cfg := Load(path)
	if len(cfg.Rules) != 1 || cfg.Rules[0].Action != policy.ActionAllow {
		t.Errorf("rules = %+v", cfg.Rules)
	}
	if cfg.Settings.Collector.PollIntervalMS != 500 {
		t.Errorf("poll_interval_ms = %d", cfg.Settings.Collector.PollIntervalMS)
	}
}

func TestBaseDir(t *testing.T) {
	if got := BaseDir("/etc/toolwatch/rules.json"); got != "/etc/toolwatch" {
		t.Errorf("BaseDir = %q", got)
	}
}
