package main

import (
	"path/filepath"
	"strings"
	"time"

	"taskmesh/internal/config"
	"taskmesh/internal/orchestrator"
	"taskmesh/internal/scheduler"
)

type globalFlags struct {
	configPath string
	dbPath     string
	rosterPath string
	natsURL    string
}

// load reads the config file and applies flag overrides.
func (f *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	return f.apply(cfg), nil
}

func (f *globalFlags) apply(cfg config.Config) config.Config {
	cfg.Store.DBPath = firstNonEmpty(f.dbPath, cfg.Store.DBPath, config.Default().Store.DBPath)
	cfg.Store.DBPath = filepath.Clean(cfg.Store.DBPath)
	cfg.Agents.RosterPath = firstNonEmpty(f.rosterPath, cfg.Agents.RosterPath)
	cfg.NATS.URL = firstNonEmpty(f.natsURL, cfg.NATS.URL)
	return cfg
}

func engineConfig(cfg config.Config) orchestrator.Config {
	return orchestrator.Config{
		DispatchInterval:  durationMS(cfg.Engine.DispatchIntervalMS, 500*time.Millisecond),
		WatchdogInterval:  durationMS(cfg.Engine.WatchdogIntervalMS, 2*time.Second),
		SnapshotSchedule:  cfg.Store.SnapshotSchedule,
		DefaultMaxRetries: intOrDefault(cfg.Engine.DefaultMaxRetries, 3),
		HistorySize:       intOrDefault(cfg.Engine.HistorySize, 50),
		MaxDelegationHops: intOrDefault(cfg.Engine.MaxDelegationHops, 3),
		Weights: scheduler.Weights{
			Capability: cfg.Scoring.Capability,
			Workload:   cfg.Scoring.Workload,
			Priority:   cfg.Scoring.Priority,
			Connection: cfg.Scoring.Connection,
		},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
