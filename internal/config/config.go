// Package config loads incitrack settings. Sources are layered, later ones
// winning: built-in defaults, the YAML file, a .env file in the working
// directory, the process environment, and finally command-line flags, which
// the cmd package applies on top of the returned Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Session backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bbolt"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	LogLevel string        `yaml:"log_level" env:"INCITRACK_LOG_LEVEL"`
	HTTP     HTTPConfig    `yaml:"http"`
	Verify   VerifyConfig  `yaml:"verify"`
	SSO      SSOConfig     `yaml:"sso"`
	Session  SessionConfig `yaml:"session"`
	Storage  StorageConfig `yaml:"storage"`
	Auth     AuthConfig    `yaml:"auth"`
	Alerts   AlertsConfig  `yaml:"alerts"`
	Client   ClientConfig  `yaml:"client"`
	DevSSO   DevSSOConfig  `yaml:"devsso"`
}

type HTTPConfig struct {
	Addr    string `yaml:"addr" env:"INCITRACK_HTTP_ADDR"`
	TLSCert string `yaml:"tls_cert" env:"INCITRACK_HTTP_TLS_CERT"`
	TLSKey  string `yaml:"tls_key" env:"INCITRACK_HTTP_TLS_KEY"`
	// Plaintext serves HTTP instead of TLS when no certificate is given.
	Plaintext      bool     `yaml:"plaintext" env:"INCITRACK_HTTP_PLAINTEXT"`
	TrustedProxies []string `yaml:"trusted_proxies" env:"INCITRACK_HTTP_TRUSTED_PROXIES"`
}

type VerifyConfig struct {
	URL                string        `yaml:"url" env:"INCITRACK_VERIFY_URL"`
	APIKey             string        `yaml:"api_key" env:"INCITRACK_VERIFY_API_KEY"`
	Timeout            time.Duration `yaml:"timeout" env:"INCITRACK_VERIFY_TIMEOUT"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" env:"INCITRACK_VERIFY_INSECURE_SKIP_VERIFY"`
}

type SSOConfig struct {
	LoginURL  string `yaml:"login_url" env:"INCITRACK_SSO_LOGIN_URL"`
	PublicURL string `yaml:"public_url" env:"INCITRACK_SSO_PUBLIC_URL"`
}

type SessionConfig struct {
	Backend     string        `yaml:"backend" env:"INCITRACK_SESSION_BACKEND"`
	TTL         time.Duration `yaml:"ttl" env:"INCITRACK_SESSION_TTL"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"INCITRACK_SESSION_IDLE_TIMEOUT"`
}

type StorageConfig struct {
	DataDir     string `yaml:"data_dir" env:"INCITRACK_DATA_DIR"`
	RedisAddr   string `yaml:"redis_addr" env:"INCITRACK_REDIS_ADDR"`
	PostgresDSN string `yaml:"postgres_dsn" env:"INCITRACK_POSTGRES_DSN"`
}

type AuthConfig struct {
	// BypassPrefixes replaces the session gate allow-list when non-empty.
	BypassPrefixes []string `yaml:"bypass_prefixes" env:"INCITRACK_AUTH_BYPASS_PREFIXES"`
}

type AlertsConfig struct {
	WebhookURL        string `yaml:"webhook_url" env:"INCITRACK_ALERTS_WEBHOOK_URL"`
	WebhookAuthHeader string `yaml:"webhook_auth_header" env:"INCITRACK_ALERTS_WEBHOOK_AUTH_HEADER"`
}

type ClientConfig struct {
	BaseURL            string `yaml:"base_url" env:"INCITRACK_CLIENT_BASE_URL"`
	StateFile          string `yaml:"state_file" env:"INCITRACK_CLIENT_STATE_FILE"`
	SSOURL             string `yaml:"sso_url" env:"INCITRACK_CLIENT_SSO_URL"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" env:"INCITRACK_CLIENT_INSECURE_SKIP_VERIFY"`
}

type DevSSOConfig struct {
	Addr         string        `yaml:"addr" env:"INCITRACK_DEVSSO_ADDR"`
	Secret       string        `yaml:"secret" env:"INCITRACK_DEVSSO_SECRET"`
	APIKey       string        `yaml:"api_key" env:"INCITRACK_DEVSSO_API_KEY"`
	TokenTTL     time.Duration `yaml:"token_ttl" env:"INCITRACK_DEVSSO_TOKEN_TTL"`
	RotateWithin time.Duration `yaml:"rotate_within" env:"INCITRACK_DEVSSO_ROTATE_WITHIN"`
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		HTTP:     HTTPConfig{Addr: ":8443"},
		Verify: VerifyConfig{
			Timeout:            10 * time.Second,
			InsecureSkipVerify: true,
		},
		Session: SessionConfig{
			Backend:     BackendMemory,
			TTL:         8 * time.Hour,
			IdleTimeout: 30 * time.Minute,
		},
		Storage: StorageConfig{DataDir: "./data"},
		Client: ClientConfig{
			BaseURL:            "https://localhost:8443",
			SSOURL:             "http://localhost:9443",
			InsecureSkipVerify: true,
		},
		DevSSO: DevSSOConfig{
			Addr:         ":9443",
			TokenTTL:     15 * time.Minute,
			RotateWithin: 5 * time.Minute,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), a .env file if present, and the environment.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decoding environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that every command relies on.
func (c Config) Validate() error {
	switch c.Session.Backend {
	case BackendMemory, BackendBolt, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("session.backend must be one of memory, bbolt, redis, postgres; got %q", c.Session.Backend)
	}
	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}
	if c.Verify.Timeout <= 0 {
		return errors.New("verify.timeout must be positive")
	}
	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		return errors.New("http.tls_cert and http.tls_key must be set together")
	}
	if c.Alerts.WebhookAuthHeader != "" && !strings.Contains(c.Alerts.WebhookAuthHeader, ":") {
		return errors.New(`alerts.webhook_auth_header must use the "Header: Value" form`)
	}
	return nil
}

// ValidateServer checks the settings the API server needs on top of Validate.
func (c Config) ValidateServer() error {
	if c.Verify.URL == "" {
		return errors.New("verify.url is required")
	}
	switch c.Session.Backend {
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr is required for the redis backend")
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres backend")
		}
	}
	return nil
}
