package bootstrap

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// envPrefix is the prefix for configuration overrides from the
	// environment; STRIDE_STRAVA__CLIENT_ID maps to strava.client_id.
	envPrefix = "STRIDE_"

	// configPathEnv points at the YAML config file. Defaults to
	// ./config.yaml; a missing file is fine, env vars alone can carry a
	// full configuration.
	configPathEnv = "STRIDE_CONFIG"

	defaultConfigPath = "config.yaml"
)

// StravaConfig carries the upstream API credentials. The access/refresh
// token pair comes from a completed OAuth exchange; the interactive flow
// is not part of this server.
type StravaConfig struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	AccessToken  string `koanf:"access_token"`
	RefreshToken string `koanf:"refresh_token"`
}

// CacheConfig holds the per-window dataset cache TTLs.
type CacheConfig struct {
	CurrentWindowTTL time.Duration `koanf:"current_window_ttl"`
	ClosedWindowTTL  time.Duration `koanf:"closed_window_ttl"`
}

// SentryConfig enables error reporting when a DSN is set.
type SentryConfig struct {
	DSN string `koanf:"dsn"`
}

// Config is the full service configuration: YAML file first, then
// STRIDE_-prefixed environment variables on top.
type Config struct {
	Env             string       `koanf:"env"`
	ListenAddr      string       `koanf:"listen_addr"`
	LogLevel        string       `koanf:"log_level"`
	DataDir         string       `koanf:"data_dir"`
	CityDBPath      string       `koanf:"city_db"`
	ActivityColumns string       `koanf:"activity_columns"`
	DefaultLookback string       `koanf:"default_lookback"`
	Strava          StravaConfig `koanf:"strava"`
	Cache           CacheConfig  `koanf:"cache"`
	Sentry          SentryConfig `koanf:"sentry"`
}

func defaults() *Config {
	return &Config{
		Env:             "dev",
		ListenAddr:      ":8080",
		LogLevel:        "info",
		DataDir:         "data",
		CityDBPath:      "data/cities.txt",
		ActivityColumns: "data/activity_columns.txt",
		DefaultLookback: "5",
		Cache: CacheConfig{
			CurrentWindowTTL: 2 * time.Hour,
			ClosedWindowTTL:  24 * time.Hour,
		},
	}
}

// LoadConfig builds the configuration from the YAML file named by
// STRIDE_CONFIG (default config.yaml) and the environment. A missing
// file is not an error; a malformed one is.
func LoadConfig() (*Config, error) {
	path := os.Getenv(configPathEnv)
	if path == "" {
		path = defaultConfigPath
	}
	return loadConfig(path)
}

func loadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Double underscore separates nesting levels so single underscores
	// survive inside key names (client_id).
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load config env: %w", err)
	}

	cfg := defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
