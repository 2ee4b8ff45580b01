package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// CollectorConfig holds settings for the bandwidth measurement cycle.
type CollectorConfig struct {
	MeasurementDuration string `yaml:"measurement_duration"`
	Filter              string `yaml:"filter"` // important-only | active-only | show-all
}

// CaptureConfig holds settings for the packet capture pipeline.
type CaptureConfig struct {
	QueueSize   int    `yaml:"queue_size"`
	NumWorkers  int    `yaml:"num_workers"`
	SnapLen     int    `yaml:"snap_len"`
	Promiscuous bool   `yaml:"promiscuous"`
	BPF         string `yaml:"bpf"`
	StopTimeout string `yaml:"stop_timeout"`
}

// RetentionConfig declares row age limits enforced by the periodic
// retention task.
type RetentionConfig struct {
	Packets     string `yaml:"packets"`
	Throughput  string `yaml:"throughput"`
	Connections string `yaml:"connections"`
	Interval    string `yaml:"interval"`
}

// StorageConfig holds settings for the embedded store.
type StorageConfig struct {
	Path          string          `yaml:"path"`
	BatchSize     int             `yaml:"batch_size"`
	FlushInterval string          `yaml:"flush_interval"`
	ReadConns     int             `yaml:"read_conns"`
	Retention     RetentionConfig `yaml:"retention"`
}

// APIConfig holds settings for the local HTTP query API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Collector CollectorConfig `yaml:"collector"`
	Capture   CaptureConfig   `yaml:"capture"`
	Storage   StorageConfig   `yaml:"storage"`
	API       APIConfig       `yaml:"api"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Collector.MeasurementDuration == "" {
		c.Collector.MeasurementDuration = "3s"
	}
	if c.Collector.Filter == "" {
		c.Collector.Filter = "important-only"
	}
	if c.Capture.QueueSize <= 0 {
		c.Capture.QueueSize = 4096
	}
	if c.Capture.NumWorkers <= 0 {
		c.Capture.NumWorkers = runtime.NumCPU()
	}
	if c.Capture.SnapLen <= 0 {
		c.Capture.SnapLen = 65535
	}
	if c.Capture.StopTimeout == "" {
		c.Capture.StopTimeout = "5s"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data"
	}
	if c.Storage.BatchSize <= 0 {
		c.Storage.BatchSize = 100
	}
	if c.Storage.FlushInterval == "" {
		c.Storage.FlushInterval = "1s"
	}
	if c.Storage.ReadConns <= 0 {
		c.Storage.ReadConns = runtime.NumCPU()
	}
	if c.Storage.Retention.Packets == "" {
		c.Storage.Retention.Packets = "24h"
	}
	if c.Storage.Retention.Throughput == "" {
		c.Storage.Retention.Throughput = "2160h" // 90 days
	}
	if c.Storage.Retention.Connections == "" {
		c.Storage.Retention.Connections = "720h" // 30 days
	}
	if c.Storage.Retention.Interval == "" {
		c.Storage.Retention.Interval = "1h"
	}
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:8439"
	}
}

// MeasurementDuration parses the collector measurement duration.
func (c *Config) MeasurementDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.Collector.MeasurementDuration)
	if err != nil {
		return 0, fmt.Errorf("invalid measurement_duration: %w", err)
	}
	return d, nil
}
