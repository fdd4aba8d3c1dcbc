// Package config loads runtime configuration from config.yaml with
// .env overrides for secrets and deploy-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full daemon configuration, matching config.yaml.
type Config struct {
	Server  ServerConfig          `mapstructure:"server"`
	Log     LogConfig             `mapstructure:"log"`
	Redis   RedisConfig           `mapstructure:"redis"`
	Catalog CatalogConfig         `mapstructure:"catalog"`
	Feeds   map[string]FeedConfig `mapstructure:"feeds"`
	Signal  SignalConfig          `mapstructure:"signal"`
	Trader  TraderConfig          `mapstructure:"trader"`
}

// ServerConfig is the HTTP API listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig controls logrus.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// RedisConfig is the optional stream sink. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CatalogConfig drives the target-event refresh loop.
type CatalogConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Sports          []string      `mapstructure:"sports"`
	Limit           int           `mapstructure:"limit"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// FeedConfig is one adapter's settings. Unused fields for a given
// adapter are ignored.
type FeedConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	WSURL        string        `mapstructure:"ws_url"`
	BaseURL      string        `mapstructure:"base_url"`
	SnapshotURL  string        `mapstructure:"snapshot_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Sports       []string      `mapstructure:"sports"`
	AuthToken    string        `mapstructure:"auth_token"`
}

// SignalConfig tunes the divergence engine.
type SignalConfig struct {
	PrimarySource string        `mapstructure:"primary_source"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
	MaxQuoteAge   time.Duration `mapstructure:"max_quote_age"`
}

// TraderConfig tunes the goal trader.
type TraderConfig struct {
	Armed        bool          `mapstructure:"armed"`
	Stake        float64       `mapstructure:"stake"`
	MinEdge      float64       `mapstructure:"min_edge"`
	RaceWindow   time.Duration `mapstructure:"race_window"`
	DecideWindow time.Duration `mapstructure:"decide_window"`
	MaxHold      time.Duration `mapstructure:"max_hold"`
	MaxPositions int           `mapstructure:"max_positions"`
}

// Load reads config/config.yaml, applying .env overrides for
// sensitive values. A missing .env is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Defaults alone are a runnable configuration.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	overrideFromEnv(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("catalog.sports", []string{"soccer"})
	v.SetDefault("catalog.limit", 100)
	v.SetDefault("catalog.refresh_interval", "5m")
	v.SetDefault("signal.primary_source", "polymarket")
	v.SetDefault("signal.cooldown", "30s")
	v.SetDefault("signal.max_quote_age", "2m")
	v.SetDefault("trader.stake", 100.0)
	v.SetDefault("trader.min_edge", 0.03)
	v.SetDefault("trader.race_window", "3s")
	v.SetDefault("trader.decide_window", "15s")
	v.SetDefault("trader.max_hold", "10m")
	v.SetDefault("trader.max_positions", 3)
}

// overrideFromEnv applies secrets and deploy overrides. Env always
// wins over yaml.
func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("GOALFUSE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("GOALFUSE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GOALFUSE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("GOALFUSE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	for name, feed := range cfg.Feeds {
		if v := os.Getenv("GOALFUSE_FEED_" + envKey(name) + "_TOKEN"); v != "" {
			feed.AuthToken = v
			cfg.Feeds[name] = feed
		}
	}
	if os.Getenv("GOALFUSE_ARMED") == "true" {
		cfg.Trader.Armed = true
	}
}

func envKey(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-('a'-'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
