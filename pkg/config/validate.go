package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rhuss/dynapi/pkg/catalog"
)

var partitionNames = map[string]bool{
	"public": true, "basic": true, "token": true, "advanced": true, "default": true,
}

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}
	switch c.Server.Environment {
	case EnvProduction, EnvDevelopment:
	default:
		errs = append(errs, fmt.Errorf("server.environment must be %q or %q, got %q",
			EnvProduction, EnvDevelopment, c.Server.Environment))
	}

	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\" or \"postgres\", got %q", c.Storage.Type))
	}

	errs = append(errs, c.Catalog.validate()...)

	if c.RateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("ratelimit.window must be > 0, got %s", c.RateLimit.Window))
	}
	for name, budget := range c.RateLimit.Partitions {
		if !partitionNames[name] {
			errs = append(errs, fmt.Errorf("ratelimit.partitions: unknown partition %q", name))
		}
		if budget < 0 {
			errs = append(errs, fmt.Errorf("ratelimit.partitions.%s must be >= 0, got %d", name, budget))
		}
	}
	switch c.RateLimit.Store {
	case "memory":
	case "redis":
		if c.RateLimit.Redis.Address == "" {
			errs = append(errs, fmt.Errorf("ratelimit.redis.address is required when ratelimit.store is \"redis\""))
		}
	default:
		errs = append(errs, fmt.Errorf("ratelimit.store must be \"memory\" or \"redis\", got %q", c.RateLimit.Store))
	}

	if c.OAuth2.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("oauth2.timeout must be > 0, got %s", c.OAuth2.Timeout))
	}
	if c.Audit.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("audit.write_timeout must be > 0, got %s", c.Audit.WriteTimeout))
	}

	if c.Observability.Metrics.Enabled && !strings.HasPrefix(c.Observability.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("observability.metrics.path must start with \"/\", got %q", c.Observability.Metrics.Path))
	}

	return errors.Join(errs...)
}

func (c *CatalogConfig) validate() []error {
	var errs []error

	ids := make(map[int64]bool, len(c.Endpoints))
	for i, e := range c.Endpoints {
		if e.ID <= 0 {
			errs = append(errs, fmt.Errorf("catalog.endpoints[%d].id must be > 0, got %d", i, e.ID))
		} else if ids[e.ID] {
			errs = append(errs, fmt.Errorf("catalog.endpoints[%d].id %d is duplicated", i, e.ID))
		}
		ids[e.ID] = true

		if e.Name == "" {
			errs = append(errs, fmt.Errorf("catalog.endpoints[%d].name is required", i))
		}
		if e.Scheme != "" {
			if _, err := catalog.ParseScheme(e.Scheme); err != nil {
				errs = append(errs, fmt.Errorf("catalog.endpoints[%d].scheme: %w", i, err))
			}
		}
		if e.RateLimitPerMinute < 0 {
			errs = append(errs, fmt.Errorf("catalog.endpoints[%d].rate_limit_per_minute must be >= 0", i))
		}
	}

	for i, cr := range c.Credentials {
		if !ids[cr.EndpointID] {
			errs = append(errs, fmt.Errorf("catalog.credentials[%d].endpoint_id %d does not name a configured endpoint", i, cr.EndpointID))
		}
		scheme, err := catalog.ParseScheme(cr.Scheme)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("catalog.credentials[%d].scheme: %w", i, err))
		case scheme != catalog.SchemeToken && scheme != catalog.SchemeAPIKey:
			errs = append(errs, fmt.Errorf("catalog.credentials[%d].scheme must be TOKEN or APIKEY, got %s", i, scheme))
		}

		sources := 0
		for _, s := range []string{cr.Secret, cr.SecretFile, cr.SecretHash} {
			if s != "" {
				sources++
			}
		}
		if sources != 1 && !(sources == 2 && cr.Secret != "" && cr.SecretFile != "") {
			errs = append(errs, fmt.Errorf("catalog.credentials[%d]: exactly one of secret, secret_file, or secret_hash is required", i))
		}
	}

	return errs
}
