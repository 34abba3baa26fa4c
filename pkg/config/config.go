// Package config provides unified configuration for the dynapi gateway.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (DYNAPI_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rhuss/dynapi/pkg/catalog"
)

// Server environments. Development exposes error causes in responses.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Config holds all configuration for the dynapi gateway.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	RateLimit     RateLimitConfig     `yaml:"ratelimit"`
	OAuth2        OAuth2Config        `yaml:"oauth2"`
	Audit         AuditConfig         `yaml:"audit"`
	Admin         AdminConfig         `yaml:"admin"`
	Observability ObservabilityConfig `yaml:"observability"`
	Debug         DebugConfig         `yaml:"debug"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8080
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default: 30s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // default: 120s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 15s
	Environment     string        `yaml:"environment"`      // "production" or "development", default: "production"
}

// Development reports whether error causes may be shown to callers.
func (s ServerConfig) Development() bool {
	return s.Environment == EnvDevelopment
}

// StorageConfig holds catalog and audit storage settings.
type StorageConfig struct {
	Type            string         `yaml:"type"`              // "memory" or "postgres", default: "memory"
	MaxAuditEntries int            `yaml:"max_audit_entries"` // for memory store, default: 100000
	Postgres        PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string        `yaml:"dsn"`
	DSNFile        string        `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32         `yaml:"max_conns"`        // default: 25
	QueryTimeout   time.Duration `yaml:"query_timeout"`    // default: 5s
	MigrateOnStart bool          `yaml:"migrate_on_start"` // default: false
}

// CatalogConfig seeds endpoints and credentials at startup.
type CatalogConfig struct {
	Endpoints   []EndpointConfig   `yaml:"endpoints"`
	Credentials []CredentialConfig `yaml:"credentials"`
}

// EndpointConfig describes one seeded endpoint.
type EndpointConfig struct {
	ID                 int64          `yaml:"id"`
	Name               string         `yaml:"name"`
	Description        string         `yaml:"description"`
	Scheme             string         `yaml:"scheme"` // default: NONE
	RateLimitPerMinute int            `yaml:"rate_limit_per_minute"`
	Timeout            time.Duration  `yaml:"timeout"` // default: 30s
	Active             *bool          `yaml:"active"`   // default: true
	Public             bool           `yaml:"public"`
	Auth               map[string]any `yaml:"auth"`
}

// Endpoint converts the seed into a catalog record.
func (e EndpointConfig) Endpoint() (*catalog.Endpoint, error) {
	scheme := catalog.SchemeNone
	if e.Scheme != "" {
		s, err := catalog.ParseScheme(e.Scheme)
		if err != nil {
			return nil, err
		}
		scheme = s
	}

	ep := &catalog.Endpoint{
		ID:                 e.ID,
		Name:               e.Name,
		Description:        e.Description,
		Scheme:             scheme,
		RateLimitPerMinute: e.RateLimitPerMinute,
		Timeout:            e.Timeout,
		Active:             e.Active == nil || *e.Active,
		Public:             e.Public,
	}
	if ep.Timeout <= 0 {
		ep.Timeout = 30 * time.Second
	}
	if len(e.Auth) > 0 {
		raw, err := json.Marshal(e.Auth)
		if err != nil {
			return nil, fmt.Errorf("encoding auth config: %w", err)
		}
		ep.AuthConfig = raw
	}
	return ep, nil
}

// CredentialConfig describes one seeded credential. Exactly one of Secret,
// SecretFile, or SecretHash supplies the secret.
type CredentialConfig struct {
	ID         int64      `yaml:"id"`
	EndpointID int64      `yaml:"endpoint_id"`
	Scheme     string     `yaml:"scheme"`
	Name       string     `yaml:"name"`
	Secret     string     `yaml:"secret"`
	SecretFile string     `yaml:"secret_file"` // _file variant for secret
	SecretHash string     `yaml:"secret_hash"` // hex SHA-256 of the secret
	ExpiresAt  *time.Time `yaml:"expires_at"`
	Active     *bool      `yaml:"active"` // default: true
}

// Credential converts the seed into a catalog record. The plaintext secret
// is hashed and not retained.
func (c CredentialConfig) Credential() (*catalog.Credential, error) {
	scheme, err := catalog.ParseScheme(c.Scheme)
	if err != nil {
		return nil, err
	}
	hash := c.SecretHash
	if c.Secret != "" {
		hash = catalog.HashSecret(c.Secret)
	}
	return &catalog.Credential{
		ID:         c.ID,
		EndpointID: c.EndpointID,
		Scheme:     scheme,
		Name:       c.Name,
		SecretHash: hash,
		ExpiresAt:  c.ExpiresAt,
		Active:     c.Active == nil || *c.Active,
	}, nil
}

// RateLimitConfig holds the coarse limiter settings. The fine limit is
// configured per endpoint.
type RateLimitConfig struct {
	Window     time.Duration  `yaml:"window"`     // default: 1m
	Partitions map[string]int `yaml:"partitions"` // public, basic, token, advanced, default
	Store      string         `yaml:"store"`      // "memory" or "redis", default: "memory"
	Redis      RedisConfig    `yaml:"redis"`
}

// RedisConfig holds the shared counter store settings.
type RedisConfig struct {
	Address      string `yaml:"address"` // default: "localhost:6379"
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"password_file"` // _file variant for password
	DB           int    `yaml:"db"`
	Prefix       string `yaml:"prefix"` // default: "dynapi:ratelimit:"
}

// OAuth2Config holds token introspection settings.
type OAuth2Config struct {
	Timeout time.Duration `yaml:"timeout"` // default: 10s
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds the introspection circuit breaker settings.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"` // default: 5
	OpenTimeout time.Duration `yaml:"open_timeout"` // default: 30s
}

// AuditConfig holds audit recorder settings.
type AuditConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 5s
}

// AdminConfig holds the static keys guarding the admin routes.
type AdminConfig struct {
	Keys     []string `yaml:"keys"`
	KeysFile string   `yaml:"keys_file"` // one key per line
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// DebugConfig holds logging settings. DYNAPI_DEBUG and DYNAPI_LOG_LEVEL
// take precedence.
type DebugConfig struct {
	Categories string `yaml:"categories"`
	Level      string `yaml:"level"`  // default: INFO
	Format     string `yaml:"format"` // "text" or "json", default: "text"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			Environment:     EnvProduction,
		},
		Storage: StorageConfig{
			Type:            "memory",
			MaxAuditEntries: 100000,
			Postgres: PostgresConfig{
				MaxConns:     25,
				QueryTimeout: 5 * time.Second,
			},
		},
		RateLimit: RateLimitConfig{
			Window: time.Minute,
			Partitions: map[string]int{
				"public":   50,
				"basic":    100,
				"token":    200,
				"advanced": 500,
				"default":  100,
			},
			Store: "memory",
			Redis: RedisConfig{
				Address: "localhost:6379",
				Prefix:  "dynapi:ratelimit:",
			},
		},
		OAuth2: OAuth2Config{
			Timeout: 10 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: 30 * time.Second,
			},
		},
		Audit: AuditConfig{
			WriteTimeout: 5 * time.Second,
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Debug: DebugConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}
