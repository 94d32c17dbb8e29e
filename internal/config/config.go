// Package config loads the oauthd server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the top-level oauthd configuration
type Config struct {
	Env       string          `yaml:"env" env:"OAUTH_ENV" env-default:"local"`
	Issuer    string          `yaml:"issuer" env:"OAUTH_ISSUER" env-required:"true"`
	HTTP      HTTPConfig      `yaml:"http"`
	Storage   StorageConfig   `yaml:"storage"`
	Tokens    TokenConfig     `yaml:"tokens"`
	Security  SecurityConfig  `yaml:"security"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// HTTPConfig configures the HTTP listener
type HTTPConfig struct {
	Address         string        `yaml:"address" env:"OAUTH_HTTP_ADDRESS" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env-default:"20s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env-default:"120s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env-default:"15s"`
}

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	// Backend is one of "memory", "redis", or "postgres"
	Backend string `yaml:"backend" env:"OAUTH_STORAGE_BACKEND" env-default:"memory"`

	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig configures the Redis backend
type RedisConfig struct {
	Address   string `yaml:"address" env:"OAUTH_REDIS_ADDRESS" env-default:"localhost:6379"`
	Password  string `yaml:"password" env:"OAUTH_REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"OAUTH_REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" env-default:"oauth:"`
}

// PostgresConfig configures the PostgreSQL backend
type PostgresConfig struct {
	DSN string `yaml:"dsn" env:"OAUTH_STORAGE_DSN"`
}

// TokenConfig configures token lifetimes and ID token signing
type TokenConfig struct {
	AuthorizationCodeTTL time.Duration `yaml:"authorization_code_ttl" env-default:"10m"`
	AccessTokenTTL       time.Duration `yaml:"access_token_ttl" env-default:"1h"`
	RefreshTokenTTL      time.Duration `yaml:"refresh_token_ttl" env-default:"2160h"`
	IDTokenTTL           time.Duration `yaml:"id_token_ttl" env-default:"1h"`
	NonceTTL             time.Duration `yaml:"nonce_ttl" env-default:"1h"`

	// SigningKeyPath points to a PEM-encoded RSA private key for ID token
	// signing. When empty an ephemeral key is generated at startup, which
	// invalidates outstanding ID tokens on restart.
	SigningKeyPath string `yaml:"signing_key_path" env:"OAUTH_SIGNING_KEY_PATH"`
}

// SecurityConfig configures the protocol hardening knobs
type SecurityConfig struct {
	RequirePKCE         bool     `yaml:"require_pkce" env-default:"true"`
	AllowPKCEPlain      bool     `yaml:"allow_pkce_plain" env-default:"false"`
	RevokeFamilyOnReuse bool     `yaml:"revoke_family_on_reuse" env-default:"true"`
	SupportedScopes     []string `yaml:"supported_scopes"`

	TrustProxy        bool `yaml:"trust_proxy" env-default:"false"`
	TrustedProxyCount int  `yaml:"trusted_proxy_count" env-default:"1"`

	// RemoteUserHeader names a trusted header carrying the authenticated
	// end-user ID, for deployments behind an authenticating reverse proxy.
	// The authorization endpoint fails closed when this is empty.
	RemoteUserHeader string `yaml:"remote_user_header" env:"OAUTH_REMOTE_USER_HEADER"`

	// EncryptionKey is a base64-encoded 32-byte key enabling token
	// encryption at rest. Empty disables encryption.
	EncryptionKey string `yaml:"encryption_key" env:"OAUTH_ENCRYPTION_KEY"`

	AuditEnabled       bool `yaml:"audit_enabled" env-default:"true"`
	RateLimitPerSecond int  `yaml:"rate_limit_per_second" env-default:"10"`
	RateLimitBurst     int  `yaml:"rate_limit_burst" env-default:"20"`
}

// TelemetryConfig configures OpenTelemetry instrumentation
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" env-default:"false"`
	ServiceName  string `yaml:"service_name" env-default:"oauthd"`
	LogClientIPs bool   `yaml:"log_client_ips" env-default:"true"`
}

// MustLoad loads the configuration from the path given by the -config flag or
// the CONFIG_PATH environment variable. Panics on any failure; the server
// cannot run without configuration.
func MustLoad() *Config {
	path := fetchConfigPath()
	if path == "" {
		panic("config path is empty")
	}
	return MustLoadPath(path)
}

// MustLoadPath loads the configuration from an explicit path
func MustLoadPath(path string) *Config {
	if path == "" {
		panic("config path is empty")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config path does not exist: " + path)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic(err)
	}

	return &cfg
}

// Priority: flag > env > default
func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}
	return res
}
