package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every runtime setting. Values come from the environment with
// an optional .env file for local development.
type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	CouchbaseURL      string `mapstructure:"COUCHBASE_URL"`
	CouchbaseUser     string `mapstructure:"COUCHBASE_USER"`
	CouchbasePassword string `mapstructure:"COUCHBASE_PASSWORD"`

	FastpathEnabled       bool `mapstructure:"FASTPATH_ENABLED"`
	CircuitResetTimeoutMS int  `mapstructure:"CIRCUIT_RESET_TIMEOUT_MS"`
	SearchMaxCountPerPage int  `mapstructure:"SEARCH_MAX_COUNT_PER_PAGE"`
	SearchMaxBundleSize   int  `mapstructure:"SEARCH_MAX_BUNDLE_SIZE"`
	GroupMaxMembers       int  `mapstructure:"GROUP_MAX_MEMBERS"`
	BucketConfigTTLSec    int  `mapstructure:"BUCKET_CONFIG_TTL_SEC"`
	TransactionMaxEntries int  `mapstructure:"TRANSACTION_MAX_ENTRIES"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthEnabled          bool   `mapstructure:"AUTH_ENABLED"`
	TokenSecret          string `mapstructure:"TOKEN_SECRET"`
	APITokenValidityDays int    `mapstructure:"API_TOKEN_VALIDITY_DAYS"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("COUCHBASE_URL", "couchbase://localhost")
	v.SetDefault("COUCHBASE_USER", "Administrator")
	v.SetDefault("FASTPATH_ENABLED", true)
	v.SetDefault("CIRCUIT_RESET_TIMEOUT_MS", 30000)
	v.SetDefault("SEARCH_MAX_COUNT_PER_PAGE", 50)
	v.SetDefault("SEARCH_MAX_BUNDLE_SIZE", 100)
	v.SetDefault("GROUP_MAX_MEMBERS", 10000)
	v.SetDefault("BUCKET_CONFIG_TTL_SEC", 60)
	v.SetDefault("TRANSACTION_MAX_ENTRIES", 100)
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("AUTH_ENABLED", false)
	v.SetDefault("API_TOKEN_VALIDITY_DAYS", 30)
	v.SetDefault("LOG_LEVEL", "info")

	// Bind env vars explicitly so Unmarshal picks them up.
	for _, key := range []string{
		"PORT", "ENV",
		"COUCHBASE_URL", "COUCHBASE_USER", "COUCHBASE_PASSWORD",
		"FASTPATH_ENABLED", "CIRCUIT_RESET_TIMEOUT_MS",
		"SEARCH_MAX_COUNT_PER_PAGE", "SEARCH_MAX_BUNDLE_SIZE",
		"GROUP_MAX_MEMBERS", "BUCKET_CONFIG_TTL_SEC", "TRANSACTION_MAX_ENTRIES",
		"CORS_ORIGINS",
		"AUTH_ENABLED", "TOKEN_SECRET", "API_TOKEN_VALIDITY_DAYS",
		"LOG_LEVEL",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is safe to run. Production requires
// a real token secret; development falls back to an insecure one so a bare
// checkout starts.
func (c *Config) Validate() error {
	if c.CouchbaseURL == "" {
		return fmt.Errorf("COUCHBASE_URL is required")
	}
	if c.SearchMaxCountPerPage <= 0 {
		return fmt.Errorf("SEARCH_MAX_COUNT_PER_PAGE must be positive")
	}
	if c.SearchMaxBundleSize < c.SearchMaxCountPerPage {
		return fmt.Errorf("SEARCH_MAX_BUNDLE_SIZE must be at least SEARCH_MAX_COUNT_PER_PAGE (%d < %d)",
			c.SearchMaxBundleSize, c.SearchMaxCountPerPage)
	}
	if c.GroupMaxMembers <= 0 {
		return fmt.Errorf("GROUP_MAX_MEMBERS must be positive")
	}
	if c.CircuitResetTimeoutMS <= 0 {
		return fmt.Errorf("CIRCUIT_RESET_TIMEOUT_MS must be positive")
	}
	if c.TransactionMaxEntries <= 0 {
		return fmt.Errorf("TRANSACTION_MAX_ENTRIES must be positive")
	}
	if c.AuthEnabled && c.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required when AUTH_ENABLED is true")
	}
	if c.IsProduction() && c.AuthEnabled && len(c.TokenSecret) < 32 {
		return fmt.Errorf("TOKEN_SECRET must be at least 32 bytes in production")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Env, "development")
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}
