package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Engine  EngineConfig   `toml:"engine"`
	Scoring ScoringConfig  `toml:"scoring"`
	Store   StoreConfig    `toml:"store"`
	Logging LoggingConfig  `toml:"logging"`
	NATS    NATSConfig     `toml:"nats"`
	Agents  AgentsConfig   `toml:"agents"`
	Raw     map[string]any `toml:"-"`
	Path    string         `toml:"-"`
}

type EngineConfig struct {
	DispatchIntervalMS   int `toml:"dispatch_interval_ms"`
	WatchdogIntervalMS   int `toml:"watchdog_interval_ms"`
	DefaultMaxRetries    int `toml:"default_max_retries"`
	DefaultMaxConcurrent int `toml:"default_max_concurrent"`
	HistorySize          int `toml:"history_size"`
	MaxDelegationHops    int `toml:"max_delegation_hops"`
}

// ScoringConfig holds the distribution weights. Zero values mean "use default".
type ScoringConfig struct {
	Capability float64 `toml:"capability"`
	Workload   float64 `toml:"workload"`
	Priority   float64 `toml:"priority"`
	Connection float64 `toml:"connection"`
}

type StoreConfig struct {
	DBPath           string `toml:"db_path"`
	SnapshotSchedule string `toml:"snapshot_schedule"`
}

type LoggingConfig struct {
	Level   string `toml:"level"`
	Service string `toml:"service"`
}

type NATSConfig struct {
	URL string `toml:"url"`
}

type AgentsConfig struct {
	RosterPath string `toml:"roster_path"`
}

func Default() Config {
	return Config{
		Engine: EngineConfig{
			DispatchIntervalMS:   500,
			WatchdogIntervalMS:   2000,
			DefaultMaxRetries:    3,
			DefaultMaxConcurrent: 2,
			HistorySize:          50,
			MaxDelegationHops:    3,
		},
		Scoring: ScoringConfig{
			Capability: 0.4,
			Workload:   0.3,
			Priority:   0.2,
			Connection: 0.1,
		},
		Store: StoreConfig{
			DBPath:           "data/taskmesh.db",
			SnapshotSchedule: "@every 30s",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Service: "taskmesh",
		},
	}
}

// Load reads a TOML config on top of Default. A missing file at the default
// location is not an error; a missing explicit path is.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved, err := expandHome(path)
	if err != nil {
		return Config{}, err
	}
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	resolved = filepath.Clean(resolved)

	cfg := Default()
	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			cfg.Path = resolved
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	cfg.Scoring = cfg.Scoring.normalized()
	if cfg.Store.DBPath, err = expandHome(cfg.Store.DBPath); err != nil {
		return Config{}, err
	}
	if cfg.Agents.RosterPath, err = expandHome(cfg.Agents.RosterPath); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (s ScoringConfig) normalized() ScoringConfig {
	d := Default().Scoring
	if s.Capability < 0 || s.Workload < 0 || s.Priority < 0 || s.Connection < 0 {
		return d
	}
	if s.Capability+s.Workload+s.Priority+s.Connection == 0 {
		return d
	}
	return s
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	trimmed := strings.TrimPrefix(p, "~")
	trimmed = strings.TrimPrefix(trimmed, "\\")
	trimmed = strings.TrimPrefix(trimmed, "/")
	return filepath.Join(home, trimmed), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskmesh/config.toml"
	}
	return filepath.Join(home, ".taskmesh", "config.toml")
}
