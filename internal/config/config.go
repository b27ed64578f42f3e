package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	DataDir         string        `mapstructure:"DATA_DIR"`
	RemoteAPIURL    string        `mapstructure:"REMOTE_API_URL"`
	DeviceID        string        `mapstructure:"DEVICE_ID"`
	DeviceSecret    string        `mapstructure:"DEVICE_SECRET"`
	MaxSyncAttempts int           `mapstructure:"MAX_SYNC_ATTEMPTS"`
	BackoffBase     time.Duration `mapstructure:"BACKOFF_BASE"`
	BackoffCap      time.Duration `mapstructure:"BACKOFF_CAP"`
	ClaimTTL        time.Duration `mapstructure:"CLAIM_TTL"`
	SyncedRetention time.Duration `mapstructure:"SYNCED_RETENTION"`
	CacheGeneration string        `mapstructure:"CACHE_GENERATION"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8600")
	v.SetDefault("ENV", "development")
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("MAX_SYNC_ATTEMPTS", 5)
	v.SetDefault("BACKOFF_BASE", "1s")
	v.SetDefault("BACKOFF_CAP", "60s")
	v.SetDefault("CLAIM_TTL", "5m")
	v.SetDefault("SYNCED_RETENTION", "168h")
	v.SetDefault("CACHE_GENERATION", "skids-v2")
	v.SetDefault("REQUEST_TIMEOUT", "15s")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATA_DIR")
	v.BindEnv("REMOTE_API_URL")
	v.BindEnv("DEVICE_ID")
	v.BindEnv("DEVICE_SECRET")
	v.BindEnv("MAX_SYNC_ATTEMPTS")
	v.BindEnv("BACKOFF_BASE")
	v.BindEnv("BACKOFF_CAP")
	v.BindEnv("CLAIM_TTL")
	v.BindEnv("SYNCED_RETENTION")
	v.BindEnv("CACHE_GENERATION")
	v.BindEnv("REQUEST_TIMEOUT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.RemoteAPIURL == "" {
		return nil, fmt.Errorf("REMOTE_API_URL is required")
	}
	if !strings.HasPrefix(cfg.RemoteAPIURL, "http://") && !strings.HasPrefix(cfg.RemoteAPIURL, "https://") {
		return nil, fmt.Errorf("REMOTE_API_URL must be an http(s) URL, got %q", cfg.RemoteAPIURL)
	}
	if cfg.MaxSyncAttempts < 1 {
		return nil, fmt.Errorf("MAX_SYNC_ATTEMPTS must be at least 1, got %d", cfg.MaxSyncAttempts)
	}
	if cfg.BackoffBase <= 0 || cfg.BackoffCap < cfg.BackoffBase {
		return nil, fmt.Errorf("invalid backoff window: base=%s cap=%s", cfg.BackoffBase, cfg.BackoffCap)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// DatabasePath returns the on-device SQLite file location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "eyear.db")
}
