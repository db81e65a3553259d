package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.HPC.SiteName)
	assert.Equal(t, 4, cfg.Inversion.BatchSize)
	assert.Equal(t, "fraction", cfg.Inversion.OverlapMode)
	assert.Equal(t, 0.5, cfg.Inversion.OverlapFrac)
	assert.Equal(t, 3, cfg.HPC.MaxReposts)
	assert.Equal(t, 30*time.Second, cfg.HPC.PollInterval)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server_port: "9090"
hpc:
  site_name: local
  max_reposts: 1
  poll_interval: 5s
inversion:
  batch_size: 10
  overlap_mode: count
  overlap_count: 5
  event_dataset: [ev_a, ev_b]
monitoring:
  iterations_between_validation_checks: 3
  validation_dataset: [val_a]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, 1, cfg.HPC.MaxReposts)
	assert.Equal(t, 10, cfg.Inversion.BatchSize)
	assert.Equal(t, 5, cfg.Inversion.OverlapCount)
	assert.Equal(t, []string{"ev_a", "ev_b"}, cfg.Inversion.Events)
	assert.Equal(t, 3, cfg.Monitoring.ValidationCadence)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://other/db")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.ServerPort)
	assert.Equal(t, "postgres://other/db", cfg.DatabaseURL)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.Inversion.BatchSize = 0 }},
		{"negative max reposts", func(c *Config) { c.HPC.MaxReposts = -1 }},
		{"zero poll interval", func(c *Config) { c.HPC.PollInterval = 0 }},
		{"overlap fraction one", func(c *Config) { c.Inversion.OverlapFrac = 1.0 }},
		{"negative overlap fraction", func(c *Config) { c.Inversion.OverlapFrac = -0.1 }},
		{"unknown overlap mode", func(c *Config) { c.Inversion.OverlapMode = "half" }},
		{"overlap count exceeds batch", func(c *Config) {
			c.Inversion.OverlapMode = "count"
			c.Inversion.OverlapCount = 4
		}},
		{"cadence without validation events", func(c *Config) {
			c.Monitoring.ValidationCadence = 3
			c.Monitoring.ValidationEvents = nil
		}},
		{"clipping percentile too low", func(c *Config) { c.Inversion.ClippingPercentile = 0.5 }},
		{"negative smoothing length", func(c *Config) { c.Inversion.SmoothingLengths[1] = -1 }},
		{"non-positive initial step", func(c *Config) { c.Inversion.InitialStep = 0 }},
		{"ec2 without ami", func(c *Config) {
			c.HPC.SiteName = "ec2"
			c.HPC.InstanceType = "hpc6a.48xlarge"
		}},
		{"ec2 without instance type", func(c *Config) {
			c.HPC.SiteName = "ec2"
			c.HPC.AMIID = "ami-123"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			cfg.Inversion.BatchSize = 4
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsEC2WithImage(t *testing.T) {
	cfg := defaults()
	cfg.HPC.SiteName = "ec2"
	cfg.HPC.AMIID = "ami-0abc"
	cfg.HPC.InstanceType = "hpc6a.48xlarge"
	assert.NoError(t, cfg.Validate())
}
