package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds configuration shared by the api and worker services.
type Config struct {
	HTTPPort       string `mapstructure:"http_port" validate:"required,numeric"`
	WorkerHTTPPort string `mapstructure:"worker_http_port" validate:"required,numeric"`
	LogLevel       string `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	DatabaseDriver string        `mapstructure:"db_driver" validate:"oneof=postgres sqlite"`
	DatabaseURL    string        `mapstructure:"database_url" validate:"required"`
	DBPoolSize     int           `mapstructure:"db_pool_size" validate:"gt=0"`
	DBTimeout      time.Duration `mapstructure:"db_timeout" validate:"gt=0"`

	RedisURL      string        `mapstructure:"redis_url"`
	RedisPoolSize int           `mapstructure:"redis_pool_size" validate:"gt=0"`
	CacheTTL      int           `mapstructure:"cache_ttl_sec" validate:"gt=0"` // seconds
	CacheTimeout  time.Duration `mapstructure:"cache_timeout" validate:"gt=0"`

	KafkaBrokers    []string `mapstructure:"kafka_brokers" validate:"required,min=1,dive,required"`
	KafkaTopic      string   `mapstructure:"kafka_todo_topic" validate:"required"`
	KafkaDLQTopic   string   `mapstructure:"kafka_dlq_topic"`
	KafkaPartitions int      `mapstructure:"kafka_partitions" validate:"gt=0"`
	KafkaGroupID    string   `mapstructure:"kafka_group_id" validate:"required"`

	QueueTimeout         time.Duration `mapstructure:"queue_timeout" validate:"gt=0"`
	QueueWaitTime        time.Duration `mapstructure:"queue_wait_time" validate:"gt=0"`
	QueueMaxDeliveries   int           `mapstructure:"queue_max_deliveries" validate:"gt=0"`
	QueueRedeliveryDelay time.Duration `mapstructure:"queue_redelivery_delay" validate:"gte=0"`

	WorkerPoolSize  int `mapstructure:"worker_pool_size" validate:"gt=0"`
	WorkerBatchSize int `mapstructure:"worker_batch_size" validate:"gt=0,lte=500"`

	JWTSecret string `mapstructure:"jwt_secret"`
}

var defaults = map[string]any{
	"http_port":              "8080",
	"worker_http_port":       "8081",
	"log_level":              "info",
	"db_driver":              "postgres",
	"database_url":           "",
	"db_pool_size":           20,
	"db_timeout":             5 * time.Second,
	"redis_url":              "redis://localhost:6379/0",
	"redis_pool_size":        50,
	"cache_ttl_sec":          300,
	"cache_timeout":          500 * time.Millisecond,
	"kafka_brokers":          []string{"localhost:9092"},
	"kafka_todo_topic":       "todo-commands",
	"kafka_dlq_topic":        "",
	"kafka_partitions":       16,
	"kafka_group_id":         "todo-workers",
	"queue_timeout":          5 * time.Second,
	"queue_wait_time":        20 * time.Second,
	"queue_max_deliveries":   5,
	"queue_redelivery_delay": 5 * time.Second,
	"worker_pool_size":       4,
	"worker_batch_size":      10,
	"jwt_secret":             "",
}

var validate = validator.New()

// Load reads configuration from defaults, an optional config file named by
// CONFIG_FILE, and the environment (highest precedence).
func Load() (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.normalize()

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	var brokers []string
	for _, b := range c.KafkaBrokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	c.KafkaBrokers = brokers
	if c.KafkaDLQTopic == "" {
		c.KafkaDLQTopic = c.KafkaTopic + "-dlq"
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
}

// ValidateAPI checks settings only the api service needs.
func (c *Config) ValidateAPI() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	if err := validate.Var(c.JWTSecret, "min=16"); err != nil {
		return fmt.Errorf("JWT_SECRET is too short: %w", err)
	}
	return nil
}

// CacheTTLDuration returns CacheTTL as a time.Duration.
func (c *Config) CacheTTLDuration() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}
