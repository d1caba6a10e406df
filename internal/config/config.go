// Package config loads the chat server configuration from an optional YAML
// file and the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/plaza/chat-service/internal/logging"
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	NATS      NATSConfig `mapstructure:"nats"`
	Chat      ChatConfig
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       logging.Config
}

type ServerConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	Name           string        `mapstructure:"name"`
	WorkerPoolSize int           `mapstructure:"worker_pool_size"`
	MaxConnections int           `mapstructure:"max_connections"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`

	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For is
	// believed. Empty means the TCP peer is the client.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// DatabaseConfig selects the Postgres store. An empty URL runs the service
// on in-memory repositories.
type DatabaseConfig struct {
	URL            string `mapstructure:"url"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start"`
	MaxOpenConns   int    `mapstructure:"max_open_conns"`

	// MigratePlatformTables creates the platform-owned users and roles
	// tables on start. Development and test databases only.
	MigratePlatformTables bool `mapstructure:"migrate_platform_tables"`
}

// RedisConfig enables presence tracking and rate limiting when Address is set.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// NATSConfig enables cross-process fan-out when URL is set.
type NATSConfig struct {
	URL  string
	Name string
}

type ChatConfig struct {
	RoomName        string   `mapstructure:"room_name"`
	DefaultPageSize int      `mapstructure:"default_page_size"`
	MaxPageSize     int      `mapstructure:"max_page_size"`
	Rules           []string `mapstructure:"rules"`
}

type RateLimitConfig struct {
	Messages int
	Window   time.Duration
}

var defaultRules = []string{
	"Be respectful to other members.",
	"No spam, flooding or advertising.",
	"Messages are limited to 1000 characters.",
	"Moderators may delete messages and ban users or addresses.",
}

// Load reads config.yaml from configPath (if present) and the environment.
// Environment keys use underscores for nesting, e.g. AUTH_JWT_SECRET.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper applies defaults to v and decodes it.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	// Conventional names used by deployment tooling.
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("nats.url", "NATS_URL")
	_ = v.BindEnv("redis.address", "REDIS_ADDR", "REDIS_ADDRESS")
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET", "AUTH_JWT_SECRET")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.Chat.MaxPageSize < 1 {
		cfg.Chat.MaxPageSize = 100
	}
	if cfg.Chat.DefaultPageSize < 1 || cfg.Chat.DefaultPageSize > cfg.Chat.MaxPageSize {
		cfg.Chat.DefaultPageSize = min(50, cfg.Chat.MaxPageSize)
	}
	if cfg.Server.Name == "" {
		cfg.Server.Name = "chat-1"
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.name", "")
	v.SetDefault("server.worker_pool_size", 256)
	v.SetDefault("server.max_connections", 100000)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate_on_start", true)
	v.SetDefault("database.migrate_platform_tables", false)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.name", "chat-service")
	v.SetDefault("chat.room_name", "Chat Global")
	v.SetDefault("chat.default_page_size", 50)
	v.SetDefault("chat.max_page_size", 100)
	v.SetDefault("chat.rules", defaultRules)
	v.SetDefault("ratelimit.messages", 5)
	v.SetDefault("ratelimit.window", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", "chat-service")
}
