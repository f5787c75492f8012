package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.DocRoot = t.TempDir()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 9006, cfg.Port)
	assert.Equal(t, 2048, cfg.ReadBufferSize)
	assert.Equal(t, "memory", cfg.Auth.Driver)
}

func TestValidateNormalizes(t *testing.T) {
	cfg := Config{DocRoot: t.TempDir(), TickInterval: time.Second, IdleTimeout: time.Millisecond}

	require.NoError(t, cfg.Validate())
	assert.Greater(t, cfg.Workers, 0)
	assert.Equal(t, 10000, cfg.QueueSize)
	assert.Equal(t, 3*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 8, cfg.Auth.PoolSize)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		mod  func(c *Config)
		err  error
	}{
		{"port", func(c *Config) { c.Port = 70000 }, errBadPort},
		{"docroot", func(c *Config) { c.DocRoot = filepath.Join(c.DocRoot, "missing") }, errBadDocRoot},
		{"driver", func(c *Config) { c.Auth.Driver = "postgres" }, errBadDriver},
		{"mysql without dsn", func(c *Config) { c.Auth.Driver = "mysql" }, errBadDriver},
		{"sample ratio", func(c *Config) { c.Tracing.SampleRatio = 1.5 }, errBadRatio},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.DocRoot = t.TempDir()
			tt.mod(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.err)
		})
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tinyweb.yaml")
	doc := "port: 8088\nworkers: 3\nidle_timeout: 20s\nlog:\n  queue_size: 64\nauth:\n  driver: mysql\n  dsn: root:pw@tcp(127.0.0.1:3306)/web\ntracing:\n  enabled: true\n  sample_ratio: 0.25\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8088, cfg.Port)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 20*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 64, cfg.Log.QueueSize)
	assert.Equal(t, "mysql", cfg.Auth.Driver)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRatio)
	// untouched keys keep their defaults
	assert.Equal(t, 1024, cfg.WriteBufferSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
