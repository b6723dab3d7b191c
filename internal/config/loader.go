package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/toolwatch/toolwatch/internal/logger"
	"github.com/toolwatch/toolwatch/internal/policy"
)

const (
	configDirName  = ".toolwatch"
	configFileName = "rules.json"
)

// DefaultPath returns the default rules file path under the user's home
// directory.
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return configFileName
	}
	return filepath.Join(homeDir, configDirName, configFileName)
}

// Load reads the rules file at path, falling back to the default path
// when path is empty. A missing or malformed file degrades to the
// catch-all allow configuration rather than failing: a broken rules
// file must never lock the operator out of their own tools.
func Load(path string) *Config {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("Failed to read rules file, using default allow")
		}
		return DefaultConfig()
	}

	cfg, err := parse(path, data)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Failed to parse rules file, using default allow")
		return DefaultConfig()
	}

	applyDefaults(cfg)
	return cfg
}

// parse decodes the rules file by extension: .yaml/.yml via YAML,
// anything else as JSON.
func parse(path string, data []byte) (*Config, error) {
	var cfg Config

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Settings.LogLevel == "" {
		cfg.Settings.LogLevel = "info"
	}
	if cfg.Settings.Collector.ListenAddr == "" {
		cfg.Settings.Collector.ListenAddr = "127.0.0.1:8953"
	}
	if cfg.Settings.Collector.PollIntervalMS == 0 {
		cfg.Settings.Collector.PollIntervalMS = 500
	}
	if len(cfg.Rules) == 0 {
		cfg.Rules = []policy.Rule{
			{Comment: "default allow", Action: policy.ActionAllow},
		}
	}
}

// BaseDir returns the directory of the rules file, used to resolve
// relative plugin paths.
func BaseDir(path string) string {
	if path == "" {
		path = DefaultPath()
	}
	return filepath.Dir(path)
}
