package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int    `mapstructure:"port"`
		Mode string `mapstructure:"mode"`
	} `mapstructure:"running"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Database struct {
		// mysql | postgres | sqlite | memory
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		DB       int      `mapstructure:"db"`
	} `mapstructure:"redis"`
	Kafka struct {
		Enabled     bool          `mapstructure:"enabled"`
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret       string        `mapstructure:"secret"`
		TokenTTL     time.Duration `mapstructure:"tokenTTL"`
		CookieName   string        `mapstructure:"cookieName"`
		SecureCookie bool          `mapstructure:"secureCookie"`
	} `mapstructure:"auth"`
	Relay struct {
		AllowedOrigins []string      `mapstructure:"allowedOrigins"`
		Fanout         string        `mapstructure:"fanout"`
		Channel        string        `mapstructure:"channel"`
		PresenceTTL    time.Duration `mapstructure:"presenceTTL"`
	} `mapstructure:"relay"`
	Cache struct {
		Enabled bool          `mapstructure:"enabled"`
		TTL     time.Duration `mapstructure:"ttl"`
	} `mapstructure:"cache"`
	Notes struct {
		DefaultPageSize int `mapstructure:"defaultPageSize"`
		MaxPageSize     int `mapstructure:"maxPageSize"`
	} `mapstructure:"notes"`
}

// RedisEnabled reports whether any redis address is configured.
func (c *Config) RedisEnabled() bool { return len(c.Redis.Addrs) > 0 }

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 3000)
	v.SetDefault("running.mode", "debug")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "note-events")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.baseBackoff", 50*time.Millisecond)
	v.SetDefault("kafka.maxBackoff", time.Second)
	v.SetDefault("auth.secret", DevSecret)
	v.SetDefault("auth.tokenTTL", 24*time.Hour)
	v.SetDefault("auth.cookieName", "token")
	v.SetDefault("auth.secureCookie", false)
	v.SetDefault("relay.allowedOrigins", []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"})
	v.SetDefault("relay.fanout", "none")
	v.SetDefault("relay.channel", "notesync:relay")
	v.SetDefault("relay.presenceTTL", 90*time.Second)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", 10*time.Minute)
	v.SetDefault("notes.defaultPageSize", 20)
	v.SetDefault("notes.maxPageSize", 100)
}

// Load reads configuration from path, or searches the usual locations when
// path is empty. A missing config file is not an error; defaults and
// NOTESYNC_* environment variables still apply.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NOTESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		// works from the repo root or from backend/
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// DevSecret signs tokens on a developer machine. It is public, so release
// mode refuses it.
const DevSecret = "dev-secret"

// Release reports whether the server runs outside gin's debug and test modes.
func (c *Config) Release() bool {
	return c.Running.Mode != "debug" && c.Running.Mode != "test"
}

func (c *Config) validate() error {
	if c.Release() && (c.Auth.Secret == "" || c.Auth.Secret == DevSecret) {
		return errors.New("config: auth.secret must be set to a private value in release mode")
	}
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("config: database.dsn is required for driver %q", c.Database.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	switch c.Relay.Fanout {
	case "none":
	case "redis":
		if !c.RedisEnabled() {
			return errors.New("config: relay.fanout=redis requires redis.addrs")
		}
	default:
		return fmt.Errorf("config: unknown relay.fanout %q", c.Relay.Fanout)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("config: kafka.enabled requires kafka.brokers")
	}
	if c.Notes.DefaultPageSize <= 0 || c.Notes.MaxPageSize < c.Notes.DefaultPageSize {
		return errors.New("config: notes page sizes are invalid")
	}
	return nil
}
