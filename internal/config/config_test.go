package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadAppliesServerDefaults(t *testing.T) {
	path := writeConfig(t, `
[auth]
jwt_secret = "s"

[cache]
directory = "/tmp/cache"
max_size_bytes = 1000
max_age_seconds = 60
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.BindAddress != "0.0.0.0" {
		t.Errorf("BindAddress default: got %q", cfg.Server.BindAddress)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Port default: got %d", cfg.Server.Port)
	}
}

func TestValidateRejectsUnknownRegistryID(t *testing.T) {
	path := writeConfig(t, `
[auth]
jwt_secret = "s"

[cache]
directory = "/tmp/cache"
max_size_bytes = 1000
max_age_seconds = 60

[[registries]]
id = "docker-hub"
url = "https://registry-1.docker.io"

[[repositories]]
name = "alpine"
registry_id = "ghcr"
upstream_name = "library/alpine"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to fail for repository referencing unknown registry_id")
	}
}

func TestResolveFindsConfiguredRepository(t *testing.T) {
	path := writeConfig(t, `
[auth]
jwt_secret = "s"

[cache]
directory = "/tmp/cache"
max_size_bytes = 1000
max_age_seconds = 60

[[registries]]
id = "docker-hub"
url = "https://registry-1.docker.io"

[[repositories]]
name = "alpine"
registry_id = "docker-hub"
upstream_name = "library/alpine"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	resolved, ok := cfg.Resolve("alpine")
	if !ok {
		t.Fatal("expected alpine to resolve")
	}
	if resolved.UpstreamName != "library/alpine" {
		t.Errorf("UpstreamName: got %q", resolved.UpstreamName)
	}
	if resolved.RegistryURL != "https://registry-1.docker.io" {
		t.Errorf("RegistryURL: got %q", resolved.RegistryURL)
	}
}

func TestResolveAbsentForUnknownRepository(t *testing.T) {
	path := writeConfig(t, `
[auth]
jwt_secret = "s"

[cache]
directory = "/tmp/cache"
max_size_bytes = 1000
max_age_seconds = 60
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, ok := cfg.Resolve("nonexistent"); ok {
		t.Fatal("expected Resolve to report absent for unmapped repository")
	}
}
