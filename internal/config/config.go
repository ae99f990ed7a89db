// Package config loads the on-disk configuration for the wiredbd demo
// driver. The storage engine itself (pkg/engine and below) takes a plain
// Go struct and never reads a file directly; this package exists only for
// the command-line entry point.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level shape of wiredbd's YAML config file.
type Config struct {
	DataDir string `yaml:"data_dir"`

	BufferPoolPages int `yaml:"buffer_pool_pages"`

	WALSegmentBytes int64 `yaml:"wal_segment_bytes"`

	// CheckpointInterval is a duration string, e.g. "30s" or "1m".
	CheckpointInterval string `yaml:"checkpoint_interval"`

	Logging LoggingConfig `yaml:"logging"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// CheckpointPeriod parses CheckpointInterval, falling back to 30s if the
// field is empty.
func (c Config) CheckpointPeriod() (time.Duration, error) {
	if c.CheckpointInterval == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(c.CheckpointInterval)
}

// LoggingConfig controls internal/logger.Config.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration wiredbd runs with if no file is given.
func Default() Config {
	return Config{
		DataDir:            "./data",
		BufferPoolPages:    1024,
		WALSegmentBytes:    64 << 20,
		CheckpointInterval: "30s",
		Logging:            LoggingConfig{Level: "info"},
		MetricsAddr:        ":9090",
	}
}

// Load reads and parses the YAML file at path, starting from Default and
// letting any field the file sets override it.
func Load(path string) (Config, error) {
	cfg := Default()

	buf, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}
