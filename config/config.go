package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration. It is immutable after
// Load; components receive it (or sub-sections) at construction.
type Config struct {
	// Database
	DatabaseURL string `yaml:"database_url"`

	// Server
	ServerPort string `yaml:"server_port"`

	HPC        HPCConfig        `yaml:"hpc"`
	Inversion  InversionConfig  `yaml:"inversion"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Store      StoreConfig      `yaml:"store"`
}

// HPCConfig configures the remote site and per-stage resources
type HPCConfig struct {
	SiteName     string        `yaml:"site_name"` // "ec2" or "local"
	AWSRegion    string        `yaml:"aws_region"`
	AMIID        string        `yaml:"ami_id"`        // solver image for the ec2 site
	InstanceType string        `yaml:"instance_type"` // e.g. "hpc6a.48xlarge"
	MaxReposts   int           `yaml:"max_reposts"`
	PollInterval time.Duration `yaml:"poll_interval"`

	WaveRanks int `yaml:"wave_ranks"`
	DiffRanks int `yaml:"diff_ranks"`

	WaveWallTime   time.Duration `yaml:"wave_wall_time"`
	DiffWallTime   time.Duration `yaml:"diff_wall_time"`
	InterpWallTime time.Duration `yaml:"interp_wall_time"`
	ProcWallTime   time.Duration `yaml:"proc_wall_time"`
}

// InversionConfig configures batching, smoothing and the update rule
type InversionConfig struct {
	InitialModelURI string   `yaml:"initial_model_uri"`
	Events          []string `yaml:"event_dataset"` // observation events seeded into the pool

	MiniBatch    bool    `yaml:"mini_batch"`
	BatchSize    int     `yaml:"batch_size"`
	OverlapMode  string  `yaml:"overlap_mode"` // "fraction" | "count"
	OverlapFrac  float64 `yaml:"overlap_fraction"`
	OverlapCount int     `yaml:"overlap_count"`

	MultiMesh           bool `yaml:"multi_mesh"`
	SpeculativeAdjoints bool `yaml:"speculative_adjoints"`

	SourceCutRadiusKM  float64    `yaml:"source_cut_radius_km"`
	ClippingPercentile float64    `yaml:"clipping_percentile"`
	SmoothingLengths   [3]float64 `yaml:"smoothing_lengths"`

	InitialStep        float64 `yaml:"initial_step"`
	InitialStepPercent bool    `yaml:"initial_step_percent"`
}

// MonitoringConfig configures the periodic validation check
type MonitoringConfig struct {
	ValidationCadence int      `yaml:"iterations_between_validation_checks"` // 0 disables
	ValidationEvents  []string `yaml:"validation_dataset"`
}

// StoreConfig configures the remote blob store
type StoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Load reads the YAML config file, applies env overrides and validates
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	cfg.HPC.AWSRegion = getEnv("AWS_REGION", cfg.HPC.AWSRegion)
	cfg.Store.Endpoint = getEnv("STORE_ENDPOINT", cfg.Store.Endpoint)
	cfg.Store.AccessKey = getEnv("STORE_ACCESS_KEY", cfg.Store.AccessKey)
	cfg.Store.SecretKey = getEnv("STORE_SECRET_KEY", cfg.Store.SecretKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		DatabaseURL: "postgres://localhost/fwi_orchestrator?sslmode=disable",
		ServerPort:  "8080",
		HPC: HPCConfig{
			SiteName:     "local",
			AWSRegion:    "us-east-1",
			MaxReposts:   3,
			PollInterval: 30 * time.Second,

			WaveRanks:      12,
			DiffRanks:      12,
			WaveWallTime:   time.Hour,
			DiffWallTime:   time.Hour,
			InterpWallTime: time.Hour,
			ProcWallTime:   time.Hour,
		},
		Inversion: InversionConfig{
			MiniBatch:          true,
			BatchSize:          4,
			OverlapMode:        "fraction",
			OverlapFrac:        0.5,
			MultiMesh:          true,
			SourceCutRadiusKM:  100.0,
			ClippingPercentile: 1.0,
			SmoothingLengths:   [3]float64{0.5, 0.5, 0.5},
			InitialStep:        0.02,
			InitialStepPercent: true,
		},
	}
}

// Validate rejects invalid combinations at construction time
func (c *Config) Validate() error {
	if c.Inversion.BatchSize < 1 {
		return fmt.Errorf("invalid config: batch_size must be >= 1, got %d", c.Inversion.BatchSize)
	}
	if c.HPC.MaxReposts < 0 {
		return fmt.Errorf("invalid config: max_reposts must be >= 0, got %d", c.HPC.MaxReposts)
	}
	if c.HPC.PollInterval <= 0 {
		return fmt.Errorf("invalid config: poll_interval must be positive, got %v", c.HPC.PollInterval)
	}
	switch c.Inversion.OverlapMode {
	case "fraction":
		if c.Inversion.OverlapFrac < 0 || c.Inversion.OverlapFrac >= 1 {
			return fmt.Errorf("invalid config: overlap_fraction must be in [0, 1), got %g", c.Inversion.OverlapFrac)
		}
	case "count":
		if c.Inversion.OverlapCount < 0 || c.Inversion.OverlapCount >= c.Inversion.BatchSize {
			return fmt.Errorf("invalid config: overlap_count must be in [0, batch_size), got %d", c.Inversion.OverlapCount)
		}
	default:
		return fmt.Errorf("invalid config: unknown overlap_mode %q", c.Inversion.OverlapMode)
	}
	if c.Monitoring.ValidationCadence < 0 {
		return fmt.Errorf("invalid config: validation cadence must be >= 0, got %d", c.Monitoring.ValidationCadence)
	}
	if c.Monitoring.ValidationCadence > 0 && len(c.Monitoring.ValidationEvents) == 0 {
		return fmt.Errorf("invalid config: validation cadence %d set but validation_dataset is empty", c.Monitoring.ValidationCadence)
	}
	if c.Inversion.ClippingPercentile < 0.55 || c.Inversion.ClippingPercentile > 1.0 {
		return fmt.Errorf("invalid config: clipping_percentile must be in [0.55, 1.0], got %g", c.Inversion.ClippingPercentile)
	}
	for _, l := range c.Inversion.SmoothingLengths {
		if l < 0 {
			return fmt.Errorf("invalid config: smoothing lengths must be >= 0, got %v", c.Inversion.SmoothingLengths)
		}
	}
	if c.Inversion.InitialStep <= 0 {
		return fmt.Errorf("invalid config: initial_step must be positive, got %g", c.Inversion.InitialStep)
	}
	if !c.Inversion.MiniBatch && c.Inversion.OverlapMode == "count" && c.Inversion.OverlapCount > 0 {
		return fmt.Errorf("invalid config: overlap_count set but mini_batch is disabled")
	}
	if c.HPC.SiteName == "ec2" && (c.HPC.AMIID == "" || c.HPC.InstanceType == "") {
		return fmt.Errorf("invalid config: ec2 site requires ami_id and instance_type")
	}
	return nil
}

// OverlapPolicyValue converts the raw knobs to the typed policy
func (c *InversionConfig) OverlapPolicyValue() (mode string, frac float64, count int) {
	return c.OverlapMode, c.OverlapFrac, c.OverlapCount
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
