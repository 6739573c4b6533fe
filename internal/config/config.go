package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for tradesweep.
type Config struct {
	Database   DatabaseConfig   `koanf:"database"`
	Compaction CompactionConfig `koanf:"compaction"`
	Admin      AdminConfig      `koanf:"admin"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

// CompactionConfig tunes the scheduler and the per-cycle pipeline.
type CompactionConfig struct {
	Enabled       bool   `koanf:"enabled"`
	PartitionsDir string `koanf:"partitions_dir"`
	SweepInterval string `koanf:"sweep_interval"` // parsed as time.Duration in main
	WorkerCount   int    `koanf:"worker_count"`
	MaxBatchRows  int    `koanf:"max_batch_rows"`
	FetchTimeout  string `koanf:"fetch_timeout"`
	CommitTimeout string `koanf:"commit_timeout"`
	LeaseTTL      string `koanf:"lease_ttl"`

	BackoffInitial string `koanf:"backoff_initial"`
	BackoffMax     string `koanf:"backoff_max"`
	MaxAttempts    int    `koanf:"max_attempts"`
}

// AdminConfig holds the operational HTTP endpoint settings.
type AdminConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
	Mode    string `koanf:"mode"` // "debug" or "release"
}

// Load layers defaults, an optional YAML file and TRADESWEEP_ environment
// overrides into a Config. TRADESWEEP_DATABASE__DSN overrides database.dsn.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"database.dsn":               "postgres://localhost:5432/trades?sslmode=disable",
		"database.max_open_conns":    25,
		"database.max_idle_conns":    25,
		"database.auto_migrate":      true,
		"compaction.enabled":         true,
		"compaction.partitions_dir":  "./config/partitions",
		"compaction.sweep_interval":  "30s",
		"compaction.worker_count":    8,
		"compaction.max_batch_rows":  50000,
		"compaction.fetch_timeout":   "30s",
		"compaction.commit_timeout":  "60s",
		"compaction.lease_ttl":       "5m",
		"compaction.backoff_initial": "2s",
		"compaction.backoff_max":     "5m",
		"compaction.max_attempts":    4,
		"admin.enabled":              true,
		"admin.host":                 "0.0.0.0",
		"admin.port":                 8091,
		"admin.mode":                 "release",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("TRADESWEEP_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "TRADESWEEP_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
