// Package config loads hookwatch settings from a YAML file, defaults, and
// HOOKWATCH_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/hookwatch/internal/model"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Server    ServerConfig    `mapstructure:"server"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the listen address
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type MonitorConfig struct {
	Schedule        string        `mapstructure:"schedule"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"`
	EventRetention  time.Duration `mapstructure:"event_retention"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
}

type RateLimitConfig struct {
	// Backend is sqlite or redis.
	Backend      string         `mapstructure:"backend"`
	Window       time.Duration  `mapstructure:"window"`
	DefaultLimit int            `mapstructure:"default_limit"`
	Limits       map[string]int `mapstructure:"limits"`
}

// ServiceLimits converts the configured limits to service types
func (c RateLimitConfig) ServiceLimits() map[model.ServiceType]int {
	limits := make(map[model.ServiceType]int, len(c.Limits))
	for k, v := range c.Limits {
		limits[model.ServiceType(strings.ToLower(k))] = v
	}
	return limits
}

type RetryConfig struct {
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	Multiplier        float64       `mapstructure:"multiplier"`
	JitterFraction    float64       `mapstructure:"jitter_fraction"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
	Lease             time.Duration `mapstructure:"lease"`
	BatchSize         int           `mapstructure:"batch_size"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	Schedule          string        `mapstructure:"schedule"`
}

type NotifyConfig struct {
	EmailURL string        `mapstructure:"email_url"`
	SMSURL   string        `mapstructure:"sms_url"`
	Breaker  BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// Load reads the config file at path, or ./config/hookwatch.yaml when path is
// empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hookwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hookwatch")
	}

	setDefaults(v)

	v.SetEnvPrefix("HOOKWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late at runtime
func (c *Config) Validate() error {
	switch c.RateLimit.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("ratelimit.backend must be sqlite or redis, got %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Backend == "redis" && c.Redis.Addr == "" {
		return errors.New("redis.addr is required for the redis rate limit backend")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("ratelimit.window must be positive")
	}
	if c.Retry.DefaultMaxRetries < 0 {
		return errors.New("retry.default_max_retries must not be negative")
	}
	if c.Retry.Multiplier <= 1 {
		return errors.New("retry.multiplier must be greater than 1")
	}
	if c.Retry.Lease <= c.Retry.RequestTimeout {
		return fmt.Errorf("retry.lease (%s) must be longer than retry.request_timeout (%s)",
			c.Retry.Lease, c.Retry.RequestTimeout)
	}
	if c.Storage.SQLite.Path == "" {
		return errors.New("storage.sqlite.path is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "hookwatch")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("storage.sqlite.path", "./data/hookwatch.db")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 2*time.Minute)

	v.SetDefault("monitor.schedule", "*/15 * * * *")
	v.SetDefault("monitor.query_timeout", 30*time.Second)
	v.SetDefault("monitor.send_timeout", 30*time.Second)
	v.SetDefault("monitor.event_retention", 90*24*time.Hour)
	v.SetDefault("monitor.cleanup_schedule", "@daily")

	v.SetDefault("ratelimit.backend", "sqlite")
	v.SetDefault("ratelimit.window", time.Hour)
	v.SetDefault("ratelimit.default_limit", 100)
	v.SetDefault("ratelimit.limits", map[string]int{
		"email":   50,
		"sms":     20,
		"webhook": 1000,
	})

	v.SetDefault("retry.initial_delay", 30*time.Second)
	v.SetDefault("retry.max_delay", 6*time.Hour)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.1)
	v.SetDefault("retry.default_max_retries", 5)
	v.SetDefault("retry.lease", 10*time.Minute)
	v.SetDefault("retry.batch_size", 50)
	v.SetDefault("retry.request_timeout", 10*time.Second)
	v.SetDefault("retry.schedule", "@every 1m")

	v.SetDefault("notify.email_url", "")
	v.SetDefault("notify.sms_url", "")
	v.SetDefault("notify.breaker.max_failures", 5)
	v.SetDefault("notify.breaker.open_timeout", time.Minute)
}
