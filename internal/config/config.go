// Package config holds the server settings and their defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	errBadPort    = errors.New("config: port out of range")
	errBadDocRoot = errors.New("config: document root is not a directory")
	errBadDriver  = errors.New("config: unknown auth driver")
	errBadRatio   = errors.New("config: trace sample ratio out of range")
)

// Log configures the logging sink.
type Log struct {
	File       string `yaml:"file"`        // empty means stderr
	Level      string `yaml:"level"`       // debug, info, warn, error
	QueueSize  int    `yaml:"queue_size"`  // > 0 enables async writes
	SplitLines int    `yaml:"split_lines"` // force a new file every N lines
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Auth selects the user store backing the login and registration actions.
type Auth struct {
	Driver   string `yaml:"driver"` // memory or mysql
	DSN      string `yaml:"dsn"`
	PoolSize int    `yaml:"pool_size"`
}

// Tracing controls the span pipeline around request resolution.
type Tracing struct {
	Enabled     bool    `yaml:"enabled"`
	SampleRatio float64 `yaml:"sample_ratio"` // fraction of requests traced, 0..1
}

// Config holds every tunable of the process.
type Config struct {
	Port            int           `yaml:"port"`
	Backlog         int           `yaml:"backlog"`
	DocRoot         string        `yaml:"doc_root"`
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	MaxConns        int           `yaml:"max_conns"`
	MaxEvents       int           `yaml:"max_events"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	MetricsAddr     string        `yaml:"metrics_addr"` // empty disables the listener

	Log     Log     `yaml:"log"`
	Auth    Auth    `yaml:"auth"`
	Tracing Tracing `yaml:"tracing"`
}

// Default returns a Config with the stock values.
func Default() Config {
	return Config{
		Port:            9006,
		Backlog:         1024,
		DocRoot:         "./root",
		Workers:         runtime.NumCPU(),
		QueueSize:       10000,
		MaxConns:        65536,
		MaxEvents:       10000,
		IdleTimeout:     15 * time.Second,
		TickInterval:    5 * time.Second,
		ReadBufferSize:  2048,
		WriteBufferSize: 1024,
		Log: Log{
			Level:      "info",
			SplitLines: 5000000,
			MaxSizeMB:  100,
			MaxBackups: 7,
		},
		Auth: Auth{
			Driver:   "memory",
			PoolSize: 8,
		},
		Tracing: Tracing{
			SampleRatio: 1,
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", errBadPort, c.Port)
	}
	info, err := os.Stat(c.DocRoot)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", errBadDocRoot, c.DocRoot)
	}

	if c.Backlog <= 0 {
		c.Backlog = 1024
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 65536
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = 10000
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	// a connection must survive at least one full tick
	if c.IdleTimeout < c.TickInterval {
		c.IdleTimeout = 3 * c.TickInterval
	}
	if c.ReadBufferSize < 256 {
		c.ReadBufferSize = 2048
	}
	if c.WriteBufferSize < 256 {
		c.WriteBufferSize = 1024
	}
	if c.Log.SplitLines <= 0 {
		c.Log.SplitLines = 5000000
	}

	switch c.Auth.Driver {
	case "", "memory":
		c.Auth.Driver = "memory"
	case "mysql":
		if c.Auth.DSN == "" {
			return fmt.Errorf("%w: mysql requires a dsn", errBadDriver)
		}
	default:
		return fmt.Errorf("%w: %q", errBadDriver, c.Auth.Driver)
	}
	if c.Auth.PoolSize <= 0 {
		c.Auth.PoolSize = 8
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("%w: %v", errBadRatio, c.Tracing.SampleRatio)
	}
	return nil
}
