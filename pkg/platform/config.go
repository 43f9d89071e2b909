// Package platform wires configuration and component lifecycle for the
// duckhub server.
package platform

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/duckhub/pkg/catalog"
)

// Config holds the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Engine   EngineConfig   `yaml:"engine"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Sessions SessionsConfig `yaml:"sessions"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig configures authentication.
type AuthConfig struct {
	JWT            JWTAuthConfig    `yaml:"jwt"`
	APIKeys        APIKeyAuthConfig `yaml:"api_keys"`
	AllowAnonymous bool             `yaml:"allow_anonymous"` // default: false
}

// JWTAuthConfig configures bearer-token authentication.
type JWTAuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
	Issuer  string `yaml:"issuer"`
}

// APIKeyAuthConfig configures API key authentication.
type APIKeyAuthConfig struct {
	Enabled bool        `yaml:"enabled"`
	Keys    []APIKeyDef `yaml:"keys"`
}

// APIKeyDef defines one API key. Hash is a bcrypt hash of the plaintext
// key; the plaintext never appears in configuration.
type APIKeyDef struct {
	Name string `yaml:"name"`
	Hash string `yaml:"hash"`
}

// EngineConfig configures the embedded analytical engine.
type EngineConfig struct {
	// Path is the database file, or empty for in-memory sessions.
	Path string `yaml:"path"`

	MemoryLimit string `yaml:"memory_limit"`
	Threads     int    `yaml:"threads"`

	ExtensionDir                string `yaml:"extension_dir"`
	DisableExtensionAutoinstall bool   `yaml:"disable_extension_autoinstall"`
}

// CatalogConfig configures the datasource catalog.
type CatalogConfig struct {
	// Provider selects the catalog backing store: "memory" or "postgres".
	Provider string `yaml:"provider"`

	// DSN is the postgres connection string when Provider is "postgres".
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`

	// Datasources seeds the memory catalog.
	Datasources []DatasourceDef `yaml:"datasources"`
}

// DatasourceDef defines a datasource seeded from configuration.
type DatasourceDef struct {
	ID          string `yaml:"id"`
	Provider    string `yaml:"provider"`
	Descriptor  string `yaml:"descriptor"`
	LogicalName string `yaml:"logical_name"`
	ReadOnly    bool   `yaml:"read_only"`
}

// SessionsConfig configures session behavior.
type SessionsConfig struct {
	PoolSize         int           `yaml:"pool_size"`
	OpTimeout        time.Duration `yaml:"op_timeout"`
	QueryTimeout     time.Duration `yaml:"query_timeout"`
	IdleTTL          time.Duration `yaml:"idle_ttl"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
}

// Default returns the configuration used when no config file is given:
// an anonymous in-memory server on the default address.
func Default() *Config {
	cfg := &Config{}
	cfg.Auth.AllowAnonymous = true
	applyDefaults(cfg)
	return cfg
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply defaults
	applyDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 5 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Catalog.Provider == "" {
		cfg.Catalog.Provider = "memory"
	}
	if cfg.Catalog.MaxOpenConns == 0 {
		cfg.Catalog.MaxOpenConns = 25
	}
	if cfg.Sessions.PoolSize == 0 {
		cfg.Sessions.PoolSize = 4
	}
	if cfg.Sessions.OpTimeout == 0 {
		cfg.Sessions.OpTimeout = 30 * time.Second
	}
	if cfg.Sessions.QueryTimeout == 0 {
		cfg.Sessions.QueryTimeout = 2 * time.Minute
	}
	if cfg.Sessions.IdleTTL == 0 {
		cfg.Sessions.IdleTTL = 30 * time.Minute
	}
	if cfg.Sessions.EvictionInterval == 0 {
		cfg.Sessions.EvictionInterval = time.Minute
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			errs = append(errs, "server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}

	if c.Auth.JWT.Enabled && c.Auth.JWT.Secret == "" {
		errs = append(errs, "auth.jwt.secret is required when JWT auth is enabled")
	}
	if c.Auth.APIKeys.Enabled {
		if len(c.Auth.APIKeys.Keys) == 0 {
			errs = append(errs, "auth.api_keys.keys must not be empty when API key auth is enabled")
		}
		for i, key := range c.Auth.APIKeys.Keys {
			if key.Name == "" || key.Hash == "" {
				errs = append(errs, fmt.Sprintf("auth.api_keys.keys[%d]: name and hash are required", i))
			}
		}
	}
	if !c.Auth.AllowAnonymous && !c.Auth.JWT.Enabled && !c.Auth.APIKeys.Enabled {
		errs = append(errs, "no authentication method enabled; set auth.allow_anonymous to run open")
	}

	switch c.Catalog.Provider {
	case "memory":
	case "postgres":
		if c.Catalog.DSN == "" {
			errs = append(errs, "catalog.dsn is required when catalog.provider is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("catalog.provider %q is not supported", c.Catalog.Provider))
	}

	for i, ds := range c.Catalog.Datasources {
		if ds.ID == "" {
			errs = append(errs, fmt.Sprintf("catalog.datasources[%d]: id is required", i))
			continue
		}
		if !catalog.Provider(ds.Provider).Valid() {
			errs = append(errs, fmt.Sprintf("catalog.datasources[%d]: provider %q is not supported", i, ds.Provider))
		}
		if err := catalog.ValidateLogicalName(ds.LogicalName); err != nil {
			errs = append(errs, fmt.Sprintf("catalog.datasources[%d]: %v", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
