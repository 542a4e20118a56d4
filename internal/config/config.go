package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime settings for the engine. Values come from
// config.yaml when present, overridden by environment variables with the
// PREDIKT_ prefix (PREDIKT_PORT, PREDIKT_JWT_SECRET, ...).
type Config struct {
	Port     int    `mapstructure:"port"`
	GinMode  string `mapstructure:"gin_mode"`
	LogLevel string `mapstructure:"log_level"`

	DBPath         string `mapstructure:"db_path"`
	JWTSecret      string `mapstructure:"jwt_secret"`
	StrategiesFile string `mapstructure:"strategies_file"`

	InitialCash float64 `mapstructure:"initial_cash"`

	FeedURL     string   `mapstructure:"feed_url"`
	FeedMarkets []string `mapstructure:"feed_markets"`

	DispatchWorkers   int `mapstructure:"dispatch_workers"`
	DispatchQueueSize int `mapstructure:"dispatch_queue_size"`
	StaleTickLimit    int `mapstructure:"stale_tick_limit"`

	MarkInterval  time.Duration `mapstructure:"mark_interval"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	ExecMaxAttempts    int           `mapstructure:"exec_max_attempts"`
	ExecBackoff        time.Duration `mapstructure:"exec_backoff"`
	ExecAttemptTimeout time.Duration `mapstructure:"exec_attempt_timeout"`
}

// Load reads configuration from config.yaml (optional) and the
// environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("PREDIKT")
	v.AutomaticEnv()

	v.SetDefault("port", 8080)
	v.SetDefault("gin_mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("db_path", "engine.db")
	v.SetDefault("jwt_secret", "predikt-secret-key")
	v.SetDefault("strategies_file", "strategies.yaml")
	v.SetDefault("initial_cash", 10000.0)
	v.SetDefault("dispatch_workers", 4)
	v.SetDefault("dispatch_queue_size", 1024)
	v.SetDefault("stale_tick_limit", 3)
	v.SetDefault("mark_interval", time.Minute)
	v.SetDefault("sweep_interval", 10*time.Second)
	v.SetDefault("exec_max_attempts", 3)
	v.SetDefault("exec_backoff", 100*time.Millisecond)
	v.SetDefault("exec_attempt_timeout", 2*time.Second)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.InitialCash <= 0 {
		return nil, fmt.Errorf("initial_cash must be positive")
	}
	return &cfg, nil
}
