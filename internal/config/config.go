package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "COAUTHOR"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "coauthor.db"
	defaultRedisAddress  = "127.0.0.1:6379"
	defaultLogLevel      = "info"
	defaultTokenTTLHours = 168
	defaultFlushMillis   = 1500
	defaultCacheSeconds  = 300
	defaultCursorSeconds = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	RedisAddress  string
	RedisPassword string
	SigningSecret string
	TokenTTL      time.Duration
	FlushInterval time.Duration
	CacheTTL      time.Duration
	CursorTTL     time.Duration
	LogLevel      string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_hours", defaultTokenTTLHours)
	configViper.SetDefault("flush.interval_ms", defaultFlushMillis)
	configViper.SetDefault("cache.ttl_seconds", defaultCacheSeconds)
	configViper.SetDefault("cursor.ttl_seconds", defaultCursorSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		RedisAddress:  configViper.GetString("redis.address"),
		RedisPassword: configViper.GetString("redis.password"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("token.ttl_hours")) * time.Hour,
		FlushInterval: time.Duration(configViper.GetInt("flush.interval_ms")) * time.Millisecond,
		CacheTTL:      time.Duration(configViper.GetInt("cache.ttl_seconds")) * time.Second,
		CursorTTL:     time.Duration(configViper.GetInt("cursor.ttl_seconds")) * time.Second,
		LogLevel:      configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RedisAddress) == "" {
		return fmt.Errorf("redis.address is required")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush.interval_ms must be positive")
	}
	return nil
}
