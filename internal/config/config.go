// Package config loads the pipeline configuration file. Every setting has
// a default, so an absent config.yaml is valid.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultDir is the pipeline directory relative to the project root.
const DefaultDir = ".taskmaster"

// FileName is the config file name inside the pipeline directory.
const FileName = "config.yaml"

// Config is the full pipeline configuration.
type Config struct {
	Lock       LockConfig       `yaml:"lock"`
	Backup     BackupConfig     `yaml:"backup"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Archive    ArchiveConfig    `yaml:"archive"`

	// dir is the resolved pipeline directory, set by Load.
	dir string
}

// LockConfig tunes the lock manager.
type LockConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	Timeout    time.Duration `yaml:"timeout"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Multiplier float64       `yaml:"multiplier"`
}

// UnmarshalYAML accepts Go duration strings ("2m", "250ms") for the time
// fields, which plain yaml would reject.
func (l *LockConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		TTL        string  `yaml:"ttl"`
		Timeout    string  `yaml:"timeout"`
		BaseDelay  string  `yaml:"base_delay"`
		MaxDelay   string  `yaml:"max_delay"`
		Multiplier float64 `yaml:"multiplier"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	for _, f := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"ttl", raw.TTL, &l.TTL},
		{"timeout", raw.Timeout, &l.Timeout},
		{"base_delay", raw.BaseDelay, &l.BaseDelay},
		{"max_delay", raw.MaxDelay, &l.MaxDelay},
	} {
		if f.src == "" {
			continue
		}
		d, err := time.ParseDuration(f.src)
		if err != nil {
			return fmt.Errorf("lock.%s: %w", f.name, err)
		}
		*f.dst = d
	}
	l.Multiplier = raw.Multiplier
	return nil
}

// BackupConfig tunes backup rotation.
type BackupConfig struct {
	Retention int `yaml:"retention"`
	// PruneSchedule is a cron expression gating `backup prune --due`.
	// Empty means prune whenever asked.
	PruneSchedule string `yaml:"prune_schedule"`
}

// CheckpointConfig tunes the checkpoint store.
type CheckpointConfig struct {
	Retention int `yaml:"retention"`
	// Track lists auxiliary files snapshotted with every checkpoint,
	// relative to the project root.
	Track []string `yaml:"track"`
}

// ArchiveConfig points checkpoint archiving at an object store bucket.
type ArchiveConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// Default returns the configuration used when no file exists.
func Default(dir string) *Config {
	return &Config{
		Lock: LockConfig{
			TTL:        2 * time.Minute,
			Timeout:    10 * time.Second,
			BaseDelay:  25 * time.Millisecond,
			MaxDelay:   time.Second,
			Multiplier: 2.0,
		},
		Backup:     BackupConfig{Retention: 5},
		Checkpoint: CheckpointConfig{Retention: 10},
		dir:        dir,
	}
}

// Load reads dir/config.yaml, falling back to defaults for the file and
// for any individual unset field.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = DefaultDir
	}
	cfg := Default(dir)
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", FileName, err)
	}
	cfg.dir = dir
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default(c.dir)
	if c.Lock.TTL <= 0 {
		c.Lock.TTL = d.Lock.TTL
	}
	if c.Lock.Timeout <= 0 {
		c.Lock.Timeout = d.Lock.Timeout
	}
	if c.Lock.BaseDelay <= 0 {
		c.Lock.BaseDelay = d.Lock.BaseDelay
	}
	if c.Lock.MaxDelay <= 0 {
		c.Lock.MaxDelay = d.Lock.MaxDelay
	}
	if c.Lock.Multiplier < 1 {
		c.Lock.Multiplier = d.Lock.Multiplier
	}
	if c.Backup.Retention <= 0 {
		c.Backup.Retention = d.Backup.Retention
	}
	if c.Checkpoint.Retention <= 0 {
		c.Checkpoint.Retention = d.Checkpoint.Retention
	}
}

// Dir returns the pipeline directory.
func (c *Config) Dir() string { return c.dir }

// StatePath is the canonical document location.
func (c *Config) StatePath() string { return filepath.Join(c.dir, "state.json") }

// LockDir holds one record per locked resource.
func (c *Config) LockDir() string { return filepath.Join(c.dir, "locks") }

// BackupDir holds the rotating backup set.
func (c *Config) BackupDir() string { return filepath.Join(c.dir, "backups") }

// CheckpointDir holds one directory per checkpoint id.
func (c *Config) CheckpointDir() string { return filepath.Join(c.dir, "checkpoints") }

// SignalDir holds the append-only signal log.
func (c *Config) SignalDir() string { return filepath.Join(c.dir, "signals") }

// LogPath is the pipeline operation journal.
func (c *Config) LogPath() string { return filepath.Join(c.dir, "pipeline.log") }

// MetricsPath is the Prometheus textfile export target.
func (c *Config) MetricsPath() string { return filepath.Join(c.dir, "metrics.prom") }

// PruneStatePath records when `backup prune --due` last ran.
func (c *Config) PruneStatePath() string { return filepath.Join(c.dir, "last-prune") }
