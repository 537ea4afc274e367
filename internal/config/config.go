package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the pipeline configuration.
type Config struct {
	// Database configuration
	Database DatabaseConfig `toml:"database"`

	// Ingestion configuration
	Ingest IngestConfig `toml:"ingest"`

	// Correlation engine configuration
	Correlate CorrelateConfig `toml:"correlate"`

	// Archetype detection configuration
	Detect DetectConfig `toml:"detect"`

	// Deck matching configuration
	Match MatchConfig `toml:"match"`

	// Backup configuration
	Backup BackupConfig `toml:"backup"`

	// Application configuration
	App AppConfig `toml:"app"`
}

// DatabaseConfig contains SQLite settings.
type DatabaseConfig struct {
	Path string `toml:"path"` // Path to the analytics database
}

// IngestConfig contains replay ingestion settings.
type IngestConfig struct {
	BatchSize    int    `toml:"batch_size"`    // Games per write batch
	Workers      int    `toml:"workers"`       // Parse/classify workers (0 = NumCPU)
	MappingFile  string `toml:"mapping_file"`  // Blueprint mapping table, empty disables mapping
	WatchMapping bool   `toml:"watch_mapping"` // Hot-reload the mapping file
}

// CorrelateConfig contains correlation engine settings.
type CorrelateConfig struct {
	MinAppearances int     `toml:"min_appearances"` // Deck-count floor for eligible cards
	MinLift        float64 `toml:"min_lift"`        // Lift floor for stored pairs
	Workers        int     `toml:"workers"`         // Pair workers (0 = NumCPU)
}

// DetectConfig contains archetype detection settings.
type DetectConfig struct {
	MinLift       float64 `toml:"min_lift"`       // Edge lift floor
	MinTogether   int     `toml:"min_together"`   // Edge co-occurrence floor
	MinCards      int     `toml:"min_cards"`      // Smallest kept community
	MinCentrality float64 `toml:"min_centrality"` // Core membership floor
	Resolution    float64 `toml:"resolution"`     // Louvain resolution
	Seed          int64   `toml:"seed"`           // Louvain seed
	NoFlex        bool    `toml:"no_flex"`        // Disable flex expansion
}

// MatchConfig contains deck matching settings.
type MatchConfig struct {
	MinScore float64 `toml:"min_score"` // Assignment score floor
}

// BackupConfig contains database backup settings.
type BackupConfig struct {
	Dir        string `toml:"dir"`         // Backup directory, empty disables backups
	Interval   string `toml:"interval"`    // Scheduler interval (e.g., "24h")
	MaxBackups int    `toml:"max_backups"` // Retained backups (0 = unlimited)
	Encrypt    bool   `toml:"encrypt"`     // Encrypt backups (passphrase from GEMP_BACKUP_PASSPHRASE)
}

// AppConfig contains general application settings.
type AppConfig struct {
	DebugMode bool `toml:"debug_mode"` // Enable debug logging
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "gemp-analytics.db",
		},
		Ingest: IngestConfig{
			BatchSize:    100,
			Workers:      0,
			MappingFile:  "",
			WatchMapping: false,
		},
		Correlate: CorrelateConfig{
			MinAppearances: 50,
			MinLift:        1.2,
			Workers:        0,
		},
		Detect: DetectConfig{
			MinLift:       1.5,
			MinTogether:   50,
			MinCards:      7,
			MinCentrality: 0.5,
			Resolution:    1.0,
			Seed:          0,
			NoFlex:        false,
		},
		Match: MatchConfig{
			MinScore: 0.2,
		},
		Backup: BackupConfig{
			Dir:        "",
			Interval:   "24h",
			MaxBackups: 7,
			Encrypt:    false,
		},
		App: AppConfig{
			DebugMode: false,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
// when the path is empty or the file does not exist, then applies
// GEMP_* environment overrides. Environment always wins over file.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Missing file is fine: defaults plus environment.
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := toml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overrides file values from the environment. Unparseable
// values are ignored rather than fatal; Validate catches anything that
// matters downstream.
func (c *Config) applyEnv() {
	if v := os.Getenv("GEMP_DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("GEMP_MAPPING_FILE"); v != "" {
		c.Ingest.MappingFile = v
	}
	if v := os.Getenv("GEMP_BACKUP_DIR"); v != "" {
		c.Backup.Dir = v
	}
	if v := os.Getenv("GEMP_INGEST_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ingest.Workers = n
		}
	}
	if v := os.Getenv("GEMP_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.App.DebugMode = b
		}
	}
}

// Save writes the configuration to disk.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate validates the configuration values.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest batch size must be positive: %d", c.Ingest.BatchSize)
	}
	if c.Ingest.Workers < 0 {
		return fmt.Errorf("ingest workers cannot be negative: %d", c.Ingest.Workers)
	}
	if c.Correlate.MinAppearances < 1 {
		return fmt.Errorf("correlate min appearances must be at least 1: %d", c.Correlate.MinAppearances)
	}
	if c.Correlate.MinLift < 0 {
		return fmt.Errorf("correlate min lift cannot be negative: %g", c.Correlate.MinLift)
	}
	if c.Detect.MinCards < 2 {
		return fmt.Errorf("detect min cards must be at least 2: %d", c.Detect.MinCards)
	}
	if c.Detect.MinCentrality < 0 || c.Detect.MinCentrality > 1 {
		return fmt.Errorf("detect min centrality must be in [0,1]: %g", c.Detect.MinCentrality)
	}
	if c.Detect.Resolution <= 0 {
		return fmt.Errorf("detect resolution must be positive: %g", c.Detect.Resolution)
	}
	if c.Match.MinScore < 0 || c.Match.MinScore > 1 {
		return fmt.Errorf("match min score must be in [0,1]: %g", c.Match.MinScore)
	}
	if c.Backup.Interval != "" {
		if _, err := time.ParseDuration(c.Backup.Interval); err != nil {
			return fmt.Errorf("invalid backup interval %q: %w", c.Backup.Interval, err)
		}
	}
	if c.Backup.MaxBackups < 0 {
		return fmt.Errorf("max backups cannot be negative: %d", c.Backup.MaxBackups)
	}
	return nil
}

// IngestWorkers resolves the worker count, defaulting to NumCPU.
func (c *Config) IngestWorkers() int {
	if c.Ingest.Workers > 0 {
		return c.Ingest.Workers
	}
	return runtime.NumCPU()
}

// BackupInterval returns the backup interval as a duration.
func (c *Config) BackupInterval() (time.Duration, error) {
	return time.ParseDuration(c.Backup.Interval)
}
