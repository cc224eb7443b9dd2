package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "COLLABHUB"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "collabhub.db"
	defaultLogLevel     = "info"
	defaultCORSOrigin   = "*"

	defaultSaveInterval         = 30 * time.Second
	defaultUpdateThreshold      = 50
	defaultInactiveTimeout      = 5 * time.Minute
	defaultCleanupCheckInterval = time.Minute
	defaultOutboundBufferSize   = 32
	defaultRateLimitPerSecond   = 40.0
	defaultRateLimitBurst       = 80
)

// AppConfig captures runtime configuration for the hub process.
type AppConfig struct {
	HTTPAddress     string
	SigningSecret   string
	TokenIssuer     string
	TokenAudience   string
	DatabasePath    string
	LogLevel        string
	CORSOrigin      string
	SaveInterval    time.Duration
	UpdateThreshold int
	InactiveTimeout time.Duration
	CleanupInterval time.Duration
	OutboundBuffer  int
	RateLimitPerSec float64
	RateLimitBurst  int
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
	configViper.SetDefault("http.cors_origin", defaultCORSOrigin)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.issuer", "collabhub-auth")
	configViper.SetDefault("token.audience", "collabhub-api")
	configViper.SetDefault("replica.save_interval", defaultSaveInterval)
	configViper.SetDefault("replica.update_threshold", defaultUpdateThreshold)
	configViper.SetDefault("replica.inactive_timeout", defaultInactiveTimeout)
	configViper.SetDefault("replica.cleanup_interval", defaultCleanupCheckInterval)
	configViper.SetDefault("hub.outbound_buffer_size", defaultOutboundBufferSize)
	configViper.SetDefault("hub.rate_limit_per_second", defaultRateLimitPerSecond)
	configViper.SetDefault("hub.rate_limit_burst", defaultRateLimitBurst)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		SigningSecret:   configViper.GetString("token.signing_secret"),
		TokenIssuer:     configViper.GetString("token.issuer"),
		TokenAudience:   configViper.GetString("token.audience"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		CORSOrigin:      configViper.GetString("http.cors_origin"),
		SaveInterval:    configViper.GetDuration("replica.save_interval"),
		UpdateThreshold: configViper.GetInt("replica.update_threshold"),
		InactiveTimeout: configViper.GetDuration("replica.inactive_timeout"),
		CleanupInterval: configViper.GetDuration("replica.cleanup_interval"),
		OutboundBuffer:  configViper.GetInt("hub.outbound_buffer_size"),
		RateLimitPerSec: configViper.GetFloat64("hub.rate_limit_per_second"),
		RateLimitBurst:  configViper.GetInt("hub.rate_limit_burst"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("token.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TokenIssuer) == "" {
		return fmt.Errorf("token.issuer is required")
	}
	if c.UpdateThreshold <= 0 {
		return fmt.Errorf("replica.update_threshold must be positive")
	}
	if c.SaveInterval <= 0 {
		return fmt.Errorf("replica.save_interval must be positive")
	}
	if c.InactiveTimeout <= 0 {
		return fmt.Errorf("replica.inactive_timeout must be positive")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("replica.cleanup_interval must be positive")
	}
	return nil
}
