package config

import "github.com/toolwatch/toolwatch/internal/policy"

// Config is the complete toolwatch configuration: the rule list, the
// plugin table, and runtime settings.
type Config struct {
	Rules    []policy.Rule     `json:"rules" yaml:"rules"`
	Plugins  map[string]string `json:"plugins,omitempty" yaml:"plugins,omitempty"`
	Settings Settings          `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// Settings contains global runtime settings.
type Settings struct {
	LogLevel  string            `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogFile   string            `json:"log_file,omitempty" yaml:"log_file,omitempty"`
	Collector CollectorSettings `json:"collector,omitempty" yaml:"collector,omitempty"`
	Remote    RemoteSettings    `json:"remote,omitempty" yaml:"remote,omitempty"`
	Audit     AuditSettings     `json:"audit,omitempty" yaml:"audit,omitempty"`
}

// CollectorSettings configures the collector service.
type CollectorSettings struct {
	ListenAddr     string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
	DBPath         string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	PollIntervalMS int    `json:"poll_interval_ms,omitempty" yaml:"poll_interval_ms,omitempty"`
}

// RemoteSettings configures remote evaluation against a collector.
type RemoteSettings struct {
	URL         string `json:"url,omitempty" yaml:"url,omitempty"`
	TimeoutMS   int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	ErrorAction string `json:"error_action,omitempty" yaml:"error_action,omitempty"`
}

// AuditSettings configures audit delivery.
type AuditSettings struct {
	Mode     string `json:"mode,omitempty" yaml:"mode,omitempty"`
	FilePath string `json:"file_path,omitempty" yaml:"file_path,omitempty"`
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
}

// DefaultConfig returns the fallback configuration: a single catch-all
// allow rule and no plugins.
func DefaultConfig() *Config {
	return &Config{
		Rules: []policy.Rule{
			{Comment: "default allow", Action: policy.ActionAllow},
		},
		Settings: Settings{
			LogLevel: "info",
			Collector: CollectorSettings{
				ListenAddr:     "127.0.0.1:8953",
				PollIntervalMS: 500,
			},
		},
	}
}
