// Package config holds the validated, immutable description of the proxy's
// registries and repository mappings, loaded once at startup from a TOML
// file. It is also the repository-name resolver: logical name -> upstream
// coordinates.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the top-level validated configuration object. Construct it via
// Load; the zero value is not a valid config (Resolve assumes Validate has
// already run).
type Config struct {
	Server       ServerConfig `toml:"server"`
	Auth         AuthConfig   `toml:"auth"`
	Cache        CacheConfig  `toml:"cache"`
	Registries   []Registry   `toml:"registries"`
	Repositories []Repository `toml:"repositories"`
}

// ServerConfig controls the listener.
type ServerConfig struct {
	BindAddress string `toml:"bind_address"`
	Port        uint16 `toml:"port"`
}

// AuthConfig holds the shared secret for verifying client bearer tokens.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
}

// CacheConfig controls the on-disk blob cache.
type CacheConfig struct {
	Directory     string `toml:"directory"`
	MaxSizeBytes  uint64 `toml:"max_size_bytes"`
	MaxAgeSeconds uint64 `toml:"max_age_seconds"`
}

// Registry is one upstream OCI/Docker registry the proxy can fetch from.
type Registry struct {
	ID   string        `toml:"id"`
	URL  string        `toml:"url"`
	Auth *UpstreamAuth `toml:"auth"`
}

// UpstreamAuth is the basic-auth credential pair presented to an upstream
// registry's token service, if the registry requires one.
type UpstreamAuth struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// Repository maps a logical_name (what the client sees) to a registry_id +
// upstream_name (what the proxy requests from the upstream).
type Repository struct {
	Name         string `toml:"name"`
	RegistryID   string `toml:"registry_id"`
	UpstreamName string `toml:"upstream_name"`
}

// ResolvedRepository is an immutable snapshot returned by Resolve. It never
// leaks the registry id.
type ResolvedRepository struct {
	UpstreamName string
	RegistryURL  string
	Auth         *UpstreamAuth
}

const (
	defaultBindAddress = "0.0.0.0"
	defaultPort        = 5000
)

// Load reads and parses the TOML file at path, applies server defaults, and
// validates the result. Parsing the file itself is treated as an external
// collaborator's concern — the logic that matters is Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.Server.BindAddress == "" {
		cfg.Server.BindAddress = defaultBindAddress
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultPort
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the cross-reference invariant: every repository mapping
// must point at a registry that exists. This is the only validation the
// spec requires; it runs once at load time.
func (c *Config) Validate() error {
	ids := make(map[string]struct{}, len(c.Registries))
	for _, r := range c.Registries {
		ids[r.ID] = struct{}{}
	}

	for _, repo := range c.Repositories {
		if _, ok := ids[repo.RegistryID]; !ok {
			return fmt.Errorf("repository %q references unknown registry_id %q", repo.Name, repo.RegistryID)
		}
	}

	return nil
}

// Resolve looks up logicalName among the configured repositories and, if
// found, the registry it references, returning the upstream coordinates.
// It assumes the config has already been validated — a resolved repository
// whose registry_id doesn't exist would indicate a validation bug, not a
// runtime condition callers need to handle.
func (c *Config) Resolve(logicalName string) (ResolvedRepository, bool) {
	var repo *Repository
	for i := range c.Repositories {
		if c.Repositories[i].Name == logicalName {
			repo = &c.Repositories[i]
			break
		}
	}
	if repo == nil {
		return ResolvedRepository{}, false
	}

	var registry *Registry
	for i := range c.Registries {
		if c.Registries[i].ID == repo.RegistryID {
			registry = &c.Registries[i]
			break
		}
	}
	if registry == nil {
		return ResolvedRepository{}, false
	}

	return ResolvedRepository{
		UpstreamName: repo.UpstreamName,
		RegistryURL:  registry.URL,
		Auth:         registry.Auth,
	}, true
}
