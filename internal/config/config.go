// Package config loads the dashboard's settings from an optional YAML file
// overlaid with environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr    string        `yaml:"http_addr" validate:"required"`
	LogLevel    string        `yaml:"log_level"`
	DatabaseURL string        `yaml:"database_url"`
	StaticDir   string        `yaml:"static_dir"`
	Backend     BackendConfig `yaml:"backend"`
	Refresh     RefreshConfig `yaml:"refresh"`
	OIDC        OIDCConfig    `yaml:"oidc"`
	Redis       RedisConfig   `yaml:"redis"`
	Archive     ArchiveConfig `yaml:"archive"`

	// DatabaseMaxConns caps the archive pool; 0 keeps the driver default.
	DatabaseMaxConns int32 `yaml:"database_max_conns" validate:"gte=0"`
}

type BackendConfig struct {
	URL               string        `yaml:"url" validate:"required,url"`
	Timeout           time.Duration `yaml:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
}

type RefreshConfig struct {
	Interval   time.Duration `yaml:"interval" validate:"gt=0"`
	RunTimeout time.Duration `yaml:"run_timeout" validate:"gt=0"`
}

// OIDCConfig is optional; without a client id private mode is unavailable.
type OIDCConfig struct {
	AuthURL     string   `yaml:"auth_url" validate:"omitempty,url"`
	TokenURL    string   `yaml:"token_url" validate:"omitempty,url"`
	ClientID    string   `yaml:"client_id"`
	RedirectURL string   `yaml:"redirect_url" validate:"omitempty,url"`
	Scopes      []string `yaml:"scopes"`
}

func (c OIDCConfig) Enabled() bool { return c.ClientID != "" }

type RedisConfig struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db" validate:"gte=0"`
	KeyPrefix     string        `yaml:"key_prefix"`
	CredentialTTL time.Duration `yaml:"credential_ttl" validate:"gte=0"`
	IntentTTL     time.Duration `yaml:"intent_ttl" validate:"gte=0"`
}

type ArchiveConfig struct {
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
	Buffer    int           `yaml:"buffer" validate:"gte=0"`
}

// Defaults returns the configuration used when neither file nor environment
// set a value.
func Defaults() Config {
	return Config{
		HTTPAddr: ":8081",
		LogLevel: "info",
		Backend: BackendConfig{
			Timeout: 10 * time.Second,
			Burst:   4,
		},
		Refresh: RefreshConfig{
			Interval:   30 * time.Second,
			RunTimeout: 25 * time.Second,
		},
		OIDC: OIDCConfig{
			Scopes: []string{"openid"},
		},
	}
}

var validate = validator.New()

// Load reads path (skipped when empty), applies environment overrides from
// getenv and validates the result. getenv is usually os.Getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if getenv == nil {
		getenv = os.Getenv
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	cfg.HTTPAddr = envOr(getenv, "HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = envOr(getenv, "LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = envOr(getenv, "DATABASE_URL", cfg.DatabaseURL)
	cfg.StaticDir = envOr(getenv, "HIVE_STATIC_DIR", cfg.StaticDir)
	cfg.Backend.URL = envOr(getenv, "HIVE_API_URL", cfg.Backend.URL)
	cfg.Redis.Addr = envOr(getenv, "REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envOr(getenv, "REDIS_PASSWORD", cfg.Redis.Password)
	cfg.OIDC.AuthURL = envOr(getenv, "OIDC_AUTH_URL", cfg.OIDC.AuthURL)
	cfg.OIDC.TokenURL = envOr(getenv, "OIDC_TOKEN_URL", cfg.OIDC.TokenURL)
	cfg.OIDC.ClientID = envOr(getenv, "OIDC_CLIENT_ID", cfg.OIDC.ClientID)
	cfg.OIDC.RedirectURL = envOr(getenv, "OIDC_REDIRECT_URL", cfg.OIDC.RedirectURL)
	if v := getenv("OIDC_SCOPES"); v != "" {
		cfg.OIDC.Scopes = strings.Fields(strings.ReplaceAll(v, ",", " "))
	}
	if v := getenv("REFRESH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("REFRESH_INTERVAL: %w", err)
		}
		cfg.Refresh.Interval = d
	}
	return nil
}

func envOr(getenv func(string) string, key, fallback string) string {
	v := getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

// Validate checks field constraints and the OIDC all-or-nothing rule.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.OIDC.Enabled() {
		var missing []string
		if c.OIDC.AuthURL == "" {
			missing = append(missing, "oidc.auth_url")
		}
		if c.OIDC.TokenURL == "" {
			missing = append(missing, "oidc.token_url")
		}
		if c.OIDC.RedirectURL == "" {
			missing = append(missing, "oidc.redirect_url")
		}
		if len(missing) > 0 {
			return fmt.Errorf("invalid config: oidc.client_id set but missing %s", strings.Join(missing, ", "))
		}
	}
	return nil
}
