/*
Package config loads service configuration.

SOURCES (later wins):
  1. Defaults below
  2. storecredit.yaml in . or ./configs (optional)
  3. Environment, prefixed STORECREDIT_ (STORECREDIT_PORT, STORECREDIT_DB, ...)
  4. Command-line flags bound by cmd/storecredit

KEYS:
  port                      HTTP port (8080)
  db                        SQLite path ("storecredit.db", ":memory:" allowed)
  log_level                 debug|info|warn|error (info)
  credit_to_new_allocation  Credit issues a new ledger (false)
  non_expiring_categories   Category names that never expire (["Non-expiring"])
*/
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/warp/store-credit/storecredit"
)

const envPrefix = "STORECREDIT"

type Config struct {
	Port                  int      `mapstructure:"port"`
	DBPath                string   `mapstructure:"db"`
	LogLevel              string   `mapstructure:"log_level"`
	CreditToNewAllocation bool     `mapstructure:"credit_to_new_allocation"`
	NonExpiringCategories []string `mapstructure:"non_expiring_categories"`
}

// New returns a viper instance with defaults, config paths and env binding
// set up. Callers may bind flags on it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("storecredit")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", 8080)
	v.SetDefault("db", "storecredit.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("credit_to_new_allocation", false)
	v.SetDefault("non_expiring_categories", []string{"Non-expiring"})
	return v
}

// Load reads the optional config file and decodes v into a Config.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	// Env values arrive comma separated, possibly with spaces.
	cfg.NonExpiringCategories = splitList(cfg.NonExpiringCategories)
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	return &cfg, nil
}

// LedgerOptions maps the config onto storecredit.Options.
func (c *Config) LedgerOptions() storecredit.Options {
	opts := storecredit.DefaultOptions()
	opts.CreditToNewAllocation = c.CreditToNewAllocation
	if len(c.NonExpiringCategories) > 0 {
		opts.NonExpiringCategories = c.NonExpiringCategories
	}
	return opts
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
