// Package config loads process configuration from environment variables and
// an optional yaml file, with defaults suitable for local development.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full process configuration.
type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Router    RouterConfig    `mapstructure:"router"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Venues    []VenueConfig   `mapstructure:"venues" validate:"min=1,dive"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects the order store backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig enables the Redis event bus.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig enables the Kafka status mirror.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// QueueConfig tunes the admission queue.
type QueueConfig struct {
	Workers          int           `mapstructure:"workers" validate:"gte=0,lte=1024"`
	RateLimit        int           `mapstructure:"rate_limit" validate:"gte=0"`
	RateWindow       time.Duration `mapstructure:"rate_window"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	BacklogThreshold int           `mapstructure:"backlog_threshold"`
	DeadLetterPath   string        `mapstructure:"dead_letter_path"`
}

// RouterConfig tunes the route selector and execution calls.
type RouterConfig struct {
	QuoteTimeout time.Duration `mapstructure:"quote_timeout"`
	ExecTimeout  time.Duration `mapstructure:"exec_timeout"`
}

// BroadcastConfig tunes the status broadcaster.
type BroadcastConfig struct {
	Buffer            int           `mapstructure:"buffer"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
}

// VenueConfig shapes one simulated venue client.
type VenueConfig struct {
	Name        string        `mapstructure:"name" validate:"required"`
	BasePrice   string        `mapstructure:"base_price" validate:"required"`
	FeeBps      int64         `mapstructure:"fee_bps" validate:"gte=0,lte=10000"`
	SlippageBps int64         `mapstructure:"slippage_bps" validate:"gte=0,lte=10000"`
	JitterBps   int64         `mapstructure:"jitter_bps" validate:"gte=0,lte=10000"`
	Latency     time.Duration `mapstructure:"latency"`
	FailRate    float64       `mapstructure:"fail_rate" validate:"gte=0,lte=1"`
	Seed        int64         `mapstructure:"seed"`
}

// Load reads configuration. path may be empty, in which case solrouter.yaml
// is searched in the working directory and ./configs; a missing file is fine
// and defaults plus SOLROUTER_* environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SOLROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("solrouter")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}
	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "solrouter.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "solrouter.order-status")

	v.SetDefault("queue.workers", 10)
	v.SetDefault("queue.rate_limit", 100)
	v.SetDefault("queue.rate_window", 60*time.Second)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.base_delay", time.Second)
	v.SetDefault("queue.backlog_threshold", 100)
	v.SetDefault("queue.dead_letter_path", "")

	v.SetDefault("router.quote_timeout", 5*time.Second)
	v.SetDefault("router.exec_timeout", 10*time.Second)

	v.SetDefault("broadcast.buffer", 16)
	v.SetDefault("broadcast.keepalive_interval", 30*time.Second)
	v.SetDefault("broadcast.idle_timeout", 2*time.Minute)

	v.SetDefault("venues", []map[string]any{
		{
			"name":         "jupiter",
			"base_price":   "155.25",
			"fee_bps":      30,
			"slippage_bps": 10,
			"jitter_bps":   25,
			"latency":      "150ms",
			"fail_rate":    0.05,
		},
		{
			"name":         "raydium",
			"base_price":   "155.10",
			"fee_bps":      25,
			"slippage_bps": 15,
			"jitter_bps":   25,
			"latency":      "120ms",
			"fail_rate":    0.05,
		},
	})
}
