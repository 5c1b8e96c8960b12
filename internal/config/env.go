package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SITERECOVERY_"

// LoadFromEnv overrides cfg with SITERECOVERY_* environment variables, for
// example SITERECOVERY_SERVER_ADDRESS or SITERECOVERY_STAGING_S3_BUCKET.
// The topology is file-only.
func LoadFromEnv(cfg *Config) error {
	sections := []struct {
		prefix string
		target any
	}{
		{"SERVER_", &cfg.Server},
		{"ENGINE_", &cfg.Engine},
		{"FAILOVER_", &cfg.Failover},
		{"STAGING_", &cfg.Staging},
		{"PROVIDER_", &cfg.Provider},
		{"DATABASE_", &cfg.Database},
		{"LOG_", &cfg.Log},
	}
	for _, s := range sections {
		if err := env.ParseWithOptions(s.target, env.Options{Prefix: EnvPrefix + s.prefix}); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
	}
	return nil
}
