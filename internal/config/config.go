// Package config loads the orchestrator configuration from YAML and
// SITERECOVERY_* environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/FairForge/siterecovery/internal/drivers"
	"github.com/FairForge/siterecovery/internal/failover"
	"github.com/FairForge/siterecovery/internal/logging"
	"github.com/FairForge/siterecovery/internal/provider/azure"
	"github.com/FairForge/siterecovery/internal/replication"
	"github.com/FairForge/siterecovery/internal/store"
	"gopkg.in/yaml.v3"
)

// Staging backends
const (
	StagingLocal = "local"
	StagingS3    = "s3"
)

// Providers
const (
	ProviderSimulated = "simulated"
	ProviderAzure     = "azure"
)

// Databases
const (
	DatabaseMemory   = "memory"
	DatabasePostgres = "postgres"
)

type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Engine   replication.Config   `yaml:"engine"`
	Failover failover.Config      `yaml:"failover"`
	Staging  StagingConfig        `yaml:"staging"`
	Provider ProviderConfig       `yaml:"provider"`
	Database DatabaseConfig       `yaml:"database"`
	Log      logging.LoggerConfig `yaml:"log"`
	Topology Topology             `yaml:"topology"`
}

type ServerConfig struct {
	Address         string        `yaml:"address" env:"ADDRESS"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type StagingConfig struct {
	Type      string           `yaml:"type" env:"TYPE"`
	LocalPath string           `yaml:"local_path" env:"LOCAL_PATH"`
	S3        drivers.S3Config `yaml:"s3" envPrefix:"S3_"`
}

type ProviderConfig struct {
	Type  string       `yaml:"type" env:"TYPE"`
	Azure azure.Config `yaml:"azure" envPrefix:"AZURE_"`
	// QuiesceURL is the guest agent endpoint. Empty uses the provider's own
	// quiesce when it has one.
	QuiesceURL   string `yaml:"quiesce_url" env:"QUIESCE_URL"`
	QuiesceToken string `yaml:"quiesce_token" env:"QUIESCE_TOKEN"`
}

type DatabaseConfig struct {
	Type     string               `yaml:"type" env:"TYPE"`
	Postgres store.PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
}

// Default returns the configuration used when no file is given: everything
// in memory with the simulated provider and the reference topology.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Engine:   *replication.DefaultConfig(),
		Failover: *failover.DefaultConfig(),
		Staging: StagingConfig{
			Type:      StagingLocal,
			LocalPath: "/tmp/siterecovery-staging",
		},
		Provider: ProviderConfig{Type: ProviderSimulated},
		Database: DatabaseConfig{
			Type: DatabaseMemory,
			Postgres: store.PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "siterecovery",
				User:     "siterecovery",
				SSLMode:  "disable",
			},
		},
		Log: logging.LoggerConfig{
			Level:  logging.LevelInfo,
			Format: logging.FormatJSON,
		},
		Topology: DefaultTopology(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. A topology section in data replaces the
// default topology as a whole.
func Parse(data []byte, cfg *Config) error {
	var sections struct {
		Topology *yaml.Node `yaml:"topology"`
	}
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if sections.Topology != nil {
		cfg.Topology = Topology{}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Engine.TickInterval <= 0 || c.Engine.SupervisorInterval <= 0 {
		return fmt.Errorf("engine tick and supervisor intervals must be positive")
	}
	if c.Engine.BandwidthBytesPerSecond < 0 {
		return fmt.Errorf("engine.bandwidth_bytes_per_second must not be negative")
	}

	switch c.Staging.Type {
	case StagingLocal:
		if c.Staging.LocalPath == "" {
			return fmt.Errorf("staging.local_path is required for local staging")
		}
	case StagingS3:
		if c.Staging.S3.Bucket == "" {
			return fmt.Errorf("staging.s3.bucket is required for s3 staging")
		}
	default:
		return fmt.Errorf("unknown staging type %q", c.Staging.Type)
	}

	switch c.Provider.Type {
	case ProviderSimulated:
	case ProviderAzure:
		if c.Provider.Azure.SubscriptionID == "" {
			return fmt.Errorf("provider.azure.subscription_id is required")
		}
	default:
		return fmt.Errorf("unknown provider type %q", c.Provider.Type)
	}

	switch c.Database.Type {
	case DatabaseMemory, DatabasePostgres:
	default:
		return fmt.Errorf("unknown database type %q", c.Database.Type)
	}

	if err := c.Log.Validate(); err != nil {
		return err
	}
	if err := c.Topology.Validate(); err != nil {
		return err
	}
	// A tick at or past a policy's crash interval misses its cadence and
	// eventually trips the staleness check.
	for _, p := range c.Topology.Policies {
		crash := time.Duration(p.CrashConsistentFrequencyMinutes) * time.Minute
		if c.Engine.TickInterval >= crash {
			return fmt.Errorf("engine.tick_interval %s must be below the %s crash-consistent interval of policy %q",
				c.Engine.TickInterval, crash, p.Name)
		}
	}
	return nil
}
