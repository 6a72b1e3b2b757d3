package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port  string `mapstructure:"port"`
		Mode  string `mapstructure:"mode"` // development or production
		Debug bool   `mapstructure:"debug"`
	} `mapstructure:"server"`

	Database struct {
		Driver string `mapstructure:"driver"` // "postgres" or "sqlite3"
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Broadcast struct {
		Driver     string `mapstructure:"driver"` // "memory" or "redis"
		Self       bool   `mapstructure:"self"`
		BufferSize int    `mapstructure:"buffer_size"`
	} `mapstructure:"broadcast"`

	Redis struct {
		Addr        string        `mapstructure:"addr"`
		Password    string        `mapstructure:"password"`
		DB          int           `mapstructure:"db"`
		PresenceTTL time.Duration `mapstructure:"presence_ttl"`
	} `mapstructure:"redis"`

	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`

	AMQP struct {
		URL        string `mapstructure:"url"`
		Exchange   string `mapstructure:"exchange"`
		AuditKey   string `mapstructure:"audit_routing_key"`
		EventsExch string `mapstructure:"events_exchange"`
	} `mapstructure:"amqp"`

	Telemetry struct {
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
		ServiceName  string `mapstructure:"service_name"`
		Environment  string `mapstructure:"environment"`
	} `mapstructure:"telemetry"`

	Session struct {
		ReconnectMaxElapsed time.Duration `mapstructure:"reconnect_max_elapsed"`
		UnreadReconcile     time.Duration `mapstructure:"unread_reconcile"`
	} `mapstructure:"session"`
}

// Load reads an optional .env, an optional config.yaml and APP_* environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultJWTSecret = "change-me"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8083")
	v.SetDefault("server.mode", "development")
	v.SetDefault("server.debug", false)
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "file:market-chat.db?_foreign_keys=on")
	v.SetDefault("broadcast.driver", "memory")
	v.SetDefault("broadcast.self", false)
	v.SetDefault("broadcast.buffer_size", 64)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.presence_ttl", "2m")
	v.SetDefault("auth.jwt_secret", defaultJWTSecret)
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "audit")
	v.SetDefault("amqp.audit_routing_key", "audit.chat")
	v.SetDefault("amqp.events_exchange", "events")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "market-chat")
	v.SetDefault("telemetry.environment", "local")
	v.SetDefault("session.reconnect_max_elapsed", "2m")
	v.SetDefault("session.unread_reconcile", "30s")
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Broadcast.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported broadcast driver %q", c.Broadcast.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must be set")
	}
	if c.Server.Mode == "production" && c.Auth.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("auth.jwt_secret must be changed from the default in production")
	}
	return nil
}
