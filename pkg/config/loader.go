package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rhuss/dynapi/pkg/debug"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, DYNAPI_CONFIG env, ./config.yaml, /etc/dynapi/config.yaml)
//  3. DYNAPI_* environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
		debug.Log("config", "loaded config file", "path", filePath)
	}

	applyEnvOverrides(&cfg)

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. DYNAPI_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/dynapi/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("DYNAPI_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/dynapi/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps DYNAPI_* environment variables to config fields.
// Unparseable numbers are ignored.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DYNAPI_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DYNAPI_ENVIRONMENT"); v != "" {
		cfg.Server.Environment = strings.ToLower(v)
	}
	if v := os.Getenv("DYNAPI_STORAGE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("DYNAPI_POSTGRES_DSN"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("DYNAPI_RATELIMIT_STORE"); v != "" {
		cfg.RateLimit.Store = v
	}
	if v := os.Getenv("DYNAPI_REDIS_ADDR"); v != "" {
		cfg.RateLimit.Redis.Address = v
	}
	if v := os.Getenv("DYNAPI_REDIS_PASSWORD"); v != "" {
		cfg.RateLimit.Redis.Password = v
	}

	// DYNAPI_ADMIN_KEYS: comma-separated list.
	if v := os.Getenv("DYNAPI_ADMIN_KEYS"); v != "" {
		cfg.Admin.Keys = splitKeys(v, ",")
	}
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	// storage.postgres.dsn_file -> storage.postgres.dsn
	if cfg.Storage.Postgres.DSNFile != "" && cfg.Storage.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.Storage.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("storage.postgres.dsn_file: %w", err)
		}
		cfg.Storage.Postgres.DSN = val
	}

	// ratelimit.redis.password_file -> ratelimit.redis.password
	if cfg.RateLimit.Redis.PasswordFile != "" && cfg.RateLimit.Redis.Password == "" {
		val, err := readSecretFile(cfg.RateLimit.Redis.PasswordFile)
		if err != nil {
			return fmt.Errorf("ratelimit.redis.password_file: %w", err)
		}
		cfg.RateLimit.Redis.Password = val
	}

	// admin.keys_file -> admin.keys (appended)
	if cfg.Admin.KeysFile != "" {
		val, err := readSecretFile(cfg.Admin.KeysFile)
		if err != nil {
			return fmt.Errorf("admin.keys_file: %w", err)
		}
		cfg.Admin.Keys = append(cfg.Admin.Keys, splitKeys(val, "\n")...)
	}

	// catalog.credentials[*].secret_file -> catalog.credentials[*].secret
	for i := range cfg.Catalog.Credentials {
		c := &cfg.Catalog.Credentials[i]
		if c.SecretFile != "" && c.Secret == "" {
			val, err := readSecretFile(c.SecretFile)
			if err != nil {
				return fmt.Errorf("catalog.credentials[%d].secret_file: %w", i, err)
			}
			c.Secret = val
		}
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func splitKeys(s, sep string) []string {
	var keys []string
	for _, k := range strings.Split(s, sep) {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
