package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "NOTENEST"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "notenest.db"
	defaultLogLevel          = "info"
	defaultTokenTTLMinutes   = 60
	defaultFlushDebounceMS   = 2000
	defaultFlushMaxMS        = 10000
	defaultFlushRetryBaseMS  = 500
	defaultFlushRetryMaxMS   = 5000
	defaultReplicaIdleSecs   = 300
	defaultEvictionSweepSecs = 60
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	AuthSigningKey   string
	TokenTTL         time.Duration
	FlushDebounce    time.Duration
	FlushMaxInterval time.Duration
	FlushRetryBase   time.Duration
	FlushRetryMax    time.Duration
	ReplicaIdleTTL   time.Duration
	EvictionSweep    time.Duration
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
	configViper.SetDefault("collab.flush_debounce_ms", defaultFlushDebounceMS)
	configViper.SetDefault("collab.flush_max_interval_ms", defaultFlushMaxMS)
	configViper.SetDefault("collab.flush_retry_base_ms", defaultFlushRetryBaseMS)
	configViper.SetDefault("collab.flush_retry_max_ms", defaultFlushRetryMaxMS)
	configViper.SetDefault("collab.replica_idle_ttl_s", defaultReplicaIdleSecs)
	configViper.SetDefault("collab.eviction_sweep_s", defaultEvictionSweepSecs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		AuthSigningKey:   configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		FlushDebounce:    time.Duration(configViper.GetInt("collab.flush_debounce_ms")) * time.Millisecond,
		FlushMaxInterval: time.Duration(configViper.GetInt("collab.flush_max_interval_ms")) * time.Millisecond,
		FlushRetryBase:   time.Duration(configViper.GetInt("collab.flush_retry_base_ms")) * time.Millisecond,
		FlushRetryMax:    time.Duration(configViper.GetInt("collab.flush_retry_max_ms")) * time.Millisecond,
		ReplicaIdleTTL:   time.Duration(configViper.GetInt("collab.replica_idle_ttl_s")) * time.Second,
		EvictionSweep:    time.Duration(configViper.GetInt("collab.eviction_sweep_s")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.FlushDebounce <= 0 {
		return fmt.Errorf("collab.flush_debounce_ms must be positive")
	}
	if c.FlushMaxInterval < c.FlushDebounce {
		return fmt.Errorf("collab.flush_max_interval_ms must be at least collab.flush_debounce_ms")
	}
	if c.FlushRetryBase <= 0 {
		return fmt.Errorf("collab.flush_retry_base_ms must be positive")
	}
	if c.FlushRetryMax < c.FlushRetryBase {
		return fmt.Errorf("collab.flush_retry_max_ms must be at least collab.flush_retry_base_ms")
	}
	if c.ReplicaIdleTTL <= 0 {
		return fmt.Errorf("collab.replica_idle_ttl_s must be positive")
	}
	return nil
}
