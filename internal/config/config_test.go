package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultAndNormalize(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr == "" || cfg.StagingDir == "" || cfg.PoolCapacity < 1 {
		t.Fatalf("default config invalid: %+v", cfg)
	}
	if cfg.MaxBacklog < 1 || cfg.FreeActivePerUser != 1 {
		t.Fatalf("default limits invalid: %+v", cfg)
	}

	got := normalizeMediaTypes([]string{"Video/MP4", "  image/png ", "video/mp4", ""})
	want := []string{"video/mp4", "image/png"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if normalizeMediaTypes(nil) != nil {
		t.Fatalf("expected empty allow-list to stay nil")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("not_exists.yml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.ListenAddr != Default().ListenAddr || cfg.PoolCapacity != Default().PoolCapacity {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty config path")
	}
}

func TestLoadReadsAndValidates(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "cfg.yml")
	content := []byte(`listen_addr: ":9090"
staging_dir: scratch
pool_capacity: 5
max_backlog: 16
session_idle_timeout: 10m
allowed_media_types: [Video/MP4, image/PNG, video/mp4]
premium_users: [42, 99]
platform:
  auth_url: http://auth.local
  api_key: secret
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.StagingDir != "scratch" || cfg.PoolCapacity != 5 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.MaxBacklog != 16 || cfg.SessionIdleTimeout != 10*time.Minute {
		t.Fatalf("unexpected limits: %+v", cfg)
	}
	if len(cfg.AllowedMediaTypes) != 2 || cfg.AllowedMediaTypes[0] != "video/mp4" || cfg.AllowedMediaTypes[1] != "image/png" {
		t.Fatalf("media types not normalized: %v", cfg.AllowedMediaTypes)
	}
	if len(cfg.PremiumUsers) != 2 || cfg.PremiumUsers[0] != 42 {
		t.Fatalf("premium users not loaded: %v", cfg.PremiumUsers)
	}
	if cfg.Platform.AuthURL != "http://auth.local" || cfg.Platform.APIKey != "secret" {
		t.Fatalf("platform section not loaded: %+v", cfg.Platform)
	}
	// untouched keys keep their defaults
	if cfg.AcquireTimeout != Default().AcquireTimeout {
		t.Fatalf("expected default acquire timeout, got %v", cfg.AcquireTimeout)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "cfg.yml")
	content := []byte("listen_addr: \":9000\"\npool_capacity: 5\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("RELAY_LISTEN_ADDR", ":7070")
	t.Setenv("RELAY_POOL_CAPACITY", "8")
	t.Setenv("RELAY_SESSION_IDLE_TIMEOUT", "45m")
	t.Setenv("RELAY_PLATFORM_API_KEY", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Fatalf("expected env to override listen_addr, got %q", cfg.ListenAddr)
	}
	if cfg.PoolCapacity != 8 {
		t.Fatalf("expected env to override pool_capacity, got %d", cfg.PoolCapacity)
	}
	if cfg.SessionIdleTimeout != 45*time.Minute {
		t.Fatalf("expected env idle timeout, got %v", cfg.SessionIdleTimeout)
	}
	if cfg.Platform.APIKey != "from-env" {
		t.Fatalf("expected env platform key, got %q", cfg.Platform.APIKey)
	}
}

func TestLoadRejectsInvalidLimits(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "zero pool capacity", content: "pool_capacity: 0\n"},
		{name: "zero backlog", content: "max_backlog: 0\n"},
		{name: "negative item size", content: "max_item_bytes: -5\n"},
		{name: "negative per-user limit", content: "free_active_per_user: -1\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cfg.yml")
			if err := os.WriteFile(path, []byte(tc.content), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}
