package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Benefits   BenefitsConfig   `mapstructure:"benefits"`
	Sync       SyncConfig       `mapstructure:"sync"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr         string `mapstructure:"addr"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

// AggregatorConfig holds settings for the account-aggregation API.
type AggregatorConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	ClientID    string        `mapstructure:"client_id"`
	SecretEnv   string        `mapstructure:"secret_env"`
	Secret      string        `mapstructure:"secret"`
	Sandbox     bool          `mapstructure:"sandbox"`
	Timeout     time.Duration `mapstructure:"timeout"`
	SecretsPath string        `mapstructure:"secrets_path"`
}

// BenefitsConfig points at the benefit rule file.
type BenefitsConfig struct {
	RulesPath string `mapstructure:"rules_path"`
}

// SyncConfig holds the per-user sync throttle enforced at the HTTP layer.
type SyncConfig struct {
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
}

// Load reads configuration from file and env. Env var overrides use prefix PERKLEDGER_.
func Load() (Config, error) {
	v := viper.New()

	dataDir := filepath.Join(os.Getenv("HOME"), ".local", "share", "perkledger")

	// default values
	v.SetDefault("server.addr", ":8321")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("database.path", filepath.Join(dataDir, "perkledger.db"))
	v.SetDefault("database.migrations_path", "internal/database/migrations")
	v.SetDefault("aggregator.base_url", "https://sandbox.aggregator.example.com")
	v.SetDefault("aggregator.client_id", "")
	v.SetDefault("aggregator.secret_env", "PERKLEDGER_AGGREGATOR_SECRET")
	v.SetDefault("aggregator.secret", "")
	v.SetDefault("aggregator.sandbox", true)
	v.SetDefault("aggregator.timeout", "30s")
	v.SetDefault("aggregator.secrets_path", filepath.Join(dataDir, "secrets.json"))
	v.SetDefault("benefits.rules_path", "")
	v.SetDefault("sync.rate_limit_max", 10)
	v.SetDefault("sync.rate_limit_window", "1h")

	v.SetConfigType("toml")

	cfgPath := os.Getenv("PERKLEDGER_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "perkledger"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("PERKLEDGER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// ResolveAggregatorSecret returns the API secret, preferring the env var
// named by SecretEnv over the value stored in the config file.
func (c Config) ResolveAggregatorSecret() string {
	if env := strings.TrimSpace(c.Aggregator.SecretEnv); env != "" {
		if val := os.Getenv(env); val != "" {
			return val
		}
	}
	return strings.TrimSpace(c.Aggregator.Secret)
}
