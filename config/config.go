/*
config.go - Runtime configuration

PURPOSE:
  One Config for the server and the CLI. Values come from, in rising
  precedence: defaults, an optional YAML file, and PAYRECON_* environment
  variables. A .env file in the working directory is loaded into the
  environment first.

ENVIRONMENT:
  Nested keys join with underscores:
    store.driver          PAYRECON_STORE_DRIVER
    mpesa.consumer_key    PAYRECON_MPESA_CONSUMER_KEY
    kafka.brokers         PAYRECON_KAFKA_BROKERS (comma separated)
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
	Store  StoreConfig  `mapstructure:"store"`
	MPesa  MPesaConfig  `mapstructure:"mpesa"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Engine EngineConfig `mapstructure:"engine"`
}

type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type StoreConfig struct {
	Driver           string `mapstructure:"driver"` // sqlite, postgres or memory
	SQLitePath       string `mapstructure:"sqlite_path"`
	PostgresDSN      string `mapstructure:"postgres_dsn"`
	PostgresMaxConns int32  `mapstructure:"postgres_max_conns"`
}

// MPesaConfig holds Daraja credentials. Push initiation is disabled when
// ConsumerKey is empty; callbacks are still accepted.
type MPesaConfig struct {
	Environment     string `mapstructure:"environment"`
	BaseURL         string `mapstructure:"base_url"`
	ConsumerKey     string `mapstructure:"consumer_key"`
	ConsumerSecret  string `mapstructure:"consumer_secret"`
	ShortCode       string `mapstructure:"short_code"`
	Passkey         string `mapstructure:"passkey"`
	CallbackURL     string `mapstructure:"callback_url"`
	TransactionType string `mapstructure:"transaction_type"`
}

func (c MPesaConfig) Enabled() bool { return c.ConsumerKey != "" }

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type EngineConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitiateTimeout time.Duration `mapstructure:"initiate_timeout"`
	RequestTTL      time.Duration `mapstructure:"request_ttl"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"` // 0 disables the background sweep
	SweepBatch      int           `mapstructure:"sweep_batch"`
}

var defaults = map[string]any{
	"server.addr":              ":8080",
	"server.cors_origins":      []string{"*"},
	"log.level":                "info",
	"log.development":          false,
	"store.driver":             "sqlite",
	"store.sqlite_path":        "payrecon.db",
	"store.postgres_dsn":       "",
	"store.postgres_max_conns": 10,
	"mpesa.environment":        "sandbox",
	"mpesa.base_url":           "",
	"mpesa.consumer_key":       "",
	"mpesa.consumer_secret":    "",
	"mpesa.short_code":         "",
	"mpesa.passkey":            "",
	"mpesa.callback_url":       "",
	"mpesa.transaction_type":   "CustomerPayBillOnline",
	"kafka.brokers":            []string{},
	"kafka.topic":              "payrecon.events",
	"redis.addr":               "",
	"redis.password":           "",
	"redis.db":                 0,
	"redis.channel":            "payrecon:events",
	"engine.max_attempts":      5,
	"engine.initiate_timeout":  "30s",
	"engine.request_ttl":       "3m",
	"engine.sweep_interval":    "1m",
	"engine.sweep_batch":       100,
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment apply.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix("PAYRECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q (want sqlite, postgres or memory)", c.Store.Driver)
	}
	if c.MPesa.Enabled() && (c.MPesa.ShortCode == "" || c.MPesa.Passkey == "" || c.MPesa.CallbackURL == "") {
		return fmt.Errorf("mpesa.short_code, mpesa.passkey and mpesa.callback_url are required when mpesa.consumer_key is set")
	}
	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("engine.max_attempts must be at least 1")
	}
	return nil
}
