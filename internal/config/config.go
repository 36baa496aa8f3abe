package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                       = "CASEDESK"
	defaultHTTPAddress              = "0.0.0.0:8080"
	defaultDatabasePath             = "casedesk.db"
	defaultLogLevel                 = "info"
	defaultTokenTTLMinutes          = 60
	defaultLockTTLSeconds           = 30
	defaultSweepIntervalSeconds     = 10
	defaultHeartbeatIntervalSeconds = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SigningSecret     string
	TokenTTL          time.Duration
	LockTTL           time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("collab.lock_ttl_seconds", defaultLockTTLSeconds)
	configViper.SetDefault("collab.sweep_interval_seconds", defaultSweepIntervalSeconds)
	configViper.SetDefault("collab.heartbeat_interval_seconds", defaultHeartbeatIntervalSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		LockTTL:           time.Duration(configViper.GetInt("collab.lock_ttl_seconds")) * time.Second,
		SweepInterval:     time.Duration(configViper.GetInt("collab.sweep_interval_seconds")) * time.Second,
		HeartbeatInterval: time.Duration(configViper.GetInt("collab.heartbeat_interval_seconds")) * time.Second,
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
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("collab.lock_ttl_seconds must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("collab.sweep_interval_seconds must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("collab.heartbeat_interval_seconds must be positive")
	}
	return nil
}
