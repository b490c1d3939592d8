package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Auth     AuthConfig
	Redis    RedisConfig
	Broker   BrokerConfig
	Chat     ChatConfig
	Presence PresenceConfig
	WS       WSConfig
	Log      LogConfig
}

type ServerConfig struct {
	Addr string
}

type DatabaseConfig struct {
	Driver string // "pgx" or "sqlite"
	DSN    string
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type BrokerConfig struct {
	Driver        string // "redis" or "memory"
	ChannelPrefix string `mapstructure:"channel_prefix"`
	InboxSize     int    `mapstructure:"inbox_size"`
}

type ChatConfig struct {
	HistoryLimit int `mapstructure:"history_limit"`
}

type PresenceConfig struct {
	TTL time.Duration
}

type WSConfig struct {
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads config/config.yaml when present and overlays environment variables.
func Load() (*Config, error) {
	return LoadFrom("./config")
}

// LoadFrom is Load with an explicit config directory.
func LoadFrom(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	setDefaults(v)

	v.BindEnv("server.addr", "ADDR")
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.dsn", "DB_DSN")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("redis.address", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("broker.driver", "BROKER_DRIVER")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Auth.TokenTTL = parseDuration(v, "auth.token_ttl", 24*time.Hour)
	cfg.Presence.TTL = parseDuration(v, "presence.ttl", 0)
	cfg.WS.WriteWait = parseDuration(v, "ws.write_wait", 10*time.Second)
	cfg.WS.PongWait = parseDuration(v, "ws.pong_wait", 60*time.Second)
	cfg.WS.PingPeriod = parseDuration(v, "ws.ping_period", 54*time.Second)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.driver", "pgx")
	v.SetDefault("auth.issuer", "division-chat")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("broker.driver", "redis")
	v.SetDefault("broker.channel_prefix", "chat:group:")
	v.SetDefault("broker.inbox_size", 256)
	v.SetDefault("chat.history_limit", 30)
	v.SetDefault("presence.ttl", "0s")
	v.SetDefault("ws.write_wait", "10s")
	v.SetDefault("ws.pong_wait", "60s")
	v.SetDefault("ws.ping_period", "54s")
	v.SetDefault("ws.max_message_size", 4096)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

func (c *Config) validate() error {
	if c.Database.DSN == "" {
		return errors.New("database.dsn (DB_DSN) is not set")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret (JWT_SECRET) is not set")
	}
	switch c.Database.Driver {
	case "pgx", "sqlite":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	switch c.Broker.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported broker.driver %q", c.Broker.Driver)
	}
	if c.WS.PingPeriod >= c.WS.PongWait {
		return errors.New("ws.ping_period must be shorter than ws.pong_wait")
	}
	return nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return defaultVal
	}
	return d
}
