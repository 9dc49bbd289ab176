/*
Package config loads service settings with viper.

SOURCES (later wins):
  1. defaults below
  2. optional YAML file (--config, or ./config.yaml when present)
  3. environment variables prefixed POINTS_, nested keys joined by "_"
     e.g. POINTS_STORE_DRIVER=postgres, POINTS_SCHEDULER_INTERVAL=15m
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "POINTS"

type Config struct {
	AppEnv   string `mapstructure:"app_env"`
	LogLevel string `mapstructure:"log_level"`
	NodeID   int64  `mapstructure:"node_id"`

	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"http"`

	Store struct {
		// Driver is one of memory, sqlite, postgres, redis.
		Driver        string `mapstructure:"driver"`
		SQLitePath    string `mapstructure:"sqlite_path"`
		PostgresDSN   string `mapstructure:"postgres_dsn"`
		RedisAddr     string `mapstructure:"redis_addr"`
		RedisPassword string `mapstructure:"redis_password"`
		RedisDB       int    `mapstructure:"redis_db"`
		KeyPrefix     string `mapstructure:"key_prefix"`
	} `mapstructure:"store"`

	Events struct {
		// RedisChannel enables Redis pub/sub fan-out when set.
		RedisChannel string `mapstructure:"redis_channel"`
	} `mapstructure:"events"`

	Scheduler struct {
		Enabled             bool          `mapstructure:"enabled"`
		Interval            time.Duration `mapstructure:"interval"`
		ForecastHorizonDays int           `mapstructure:"forecast_horizon_days"`
		Concurrency         int           `mapstructure:"concurrency"`
	} `mapstructure:"scheduler"`

	Policy struct {
		SeedFile string `mapstructure:"seed_file"`
	} `mapstructure:"policy"`

	Auth struct {
		// JWTSecret guards the admin API when set.
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`
}

var defaults = map[string]any{
	"app_env":                         "development",
	"log_level":                       "info",
	"node_id":                         1,
	"http.addr":                       ":8080",
	"http.read_timeout":               "15s",
	"http.write_timeout":              "15s",
	"store.driver":                    "sqlite",
	"store.sqlite_path":               "points.db",
	"store.postgres_dsn":              "",
	"store.redis_addr":                "127.0.0.1:6379",
	"store.redis_password":            "",
	"store.redis_db":                  0,
	"store.key_prefix":                "points-engine",
	"events.redis_channel":            "",
	"scheduler.enabled":               true,
	"scheduler.interval":              "1h",
	"scheduler.forecast_horizon_days": 30,
	"scheduler.concurrency":           4,
	"policy.seed_file":                "",
	"auth.jwt_secret":                 "",
}

// Load reads configuration. An empty path looks for an optional
// config.yaml in the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "redis":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %s", c.Scheduler.Interval)
	}
	if c.Scheduler.ForecastHorizonDays < 0 {
		return errors.New("scheduler.forecast_horizon_days must not be negative")
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("node_id must be between 0 and 1023, got %d", c.NodeID)
	}
	return nil
}

// IsProduction reports whether app_env selects production behavior.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}
