package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"DSM_SERVER", "DSM_PORT", "DSM_PROXY", "DSM_USERNAME", "DSM_PASSWORD", "DSM_DATA_DIR", "DSM_DEBUG"} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Port != 3001 {
		t.Errorf("expected Port=3001, got %d", cfg.Server.Port)
	}
	if cfg.GetPollInterval() != 2*time.Second {
		t.Errorf("expected 2s poll interval, got %v", cfg.GetPollInterval())
	}
	if !cfg.Storage.CacheEnabled {
		t.Error("expected message cache enabled by default")
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Address = "168.235.86.101"
	cfg.Account.Username = "ohhimark"
	cfg.Account.Password = "secret"
	cfg.Poll.Interval = "500ms"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600 permissions, got %v", perm)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Server.Address != "168.235.86.101" {
		t.Errorf("expected address to round-trip, got %s", loaded.Server.Address)
	}
	if loaded.Account.Username != "ohhimark" || loaded.Account.Password != "secret" {
		t.Errorf("account did not round-trip: %+v", loaded.Account)
	}
	if loaded.GetPollInterval() != 500*time.Millisecond {
		t.Errorf("expected 500ms, got %v", loaded.GetPollInterval())
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing username")
	}

	cfg.Account.Username = "alice"
	cfg.Account.Password = "pw"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}

	cfg.Account.Username = "../alice"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for path separator in username")
	}
	cfg.Account.Username = "alice"

	cfg.Server.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for port")
	}
	cfg.Server.Port = DefaultPort

	cfg.UI.Theme = "neon"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for theme")
	}
}

func TestConfig_ServerAddr(t *testing.T) {
	tests := []struct {
		address string
		port    int
		want    string
	}{
		{"127.0.0.1", 3001, "127.0.0.1:3001"},
		{"example.com:4000", 3001, "example.com:4000"},
		{"tcp://example.com:4000", 3001, "tcp://example.com:4000"},
		{"ws://example.com/dsp", 3001, "ws://example.com/dsp"},
		{"::1", 3001, "[::1]:3001"},
		{"host", 0, "host:3001"},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.Server.Address = tt.address
		cfg.Server.Port = tt.port
		if got := cfg.ServerAddr(); got != tt.want {
			t.Errorf("ServerAddr(%q, %d) = %q, want %q", tt.address, tt.port, got, tt.want)
		}
	}
}

func TestConfig_Paths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.DataDir = "/data"
	cfg.Account.Username = "A"

	if got := cfg.NotebookPath(); got != filepath.Join("/data", "A_notebook.json") {
		t.Errorf("NotebookPath = %s", got)
	}
	if got := cfg.CachePath(); got != filepath.Join("/data", "messages.db") {
		t.Errorf("CachePath = %s", got)
	}
	cfg.Storage.NotebookPath = "/elsewhere/nb.json"
	if got := cfg.NotebookPath(); got != "/elsewhere/nb.json" {
		t.Errorf("explicit NotebookPath ignored: %s", got)
	}
}

func TestConfig_DurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DialTimeout = "soon"
	cfg.Server.RequestTimeout = "-1s"
	cfg.Poll.MaxBackoff = ""

	if cfg.GetDialTimeout() != 5*time.Second {
		t.Errorf("GetDialTimeout fallback = %v", cfg.GetDialTimeout())
	}
	if cfg.GetRequestTimeout() != 10*time.Second {
		t.Errorf("GetRequestTimeout fallback = %v", cfg.GetRequestTimeout())
	}
	if cfg.GetMaxBackoff() != 30*time.Second {
		t.Errorf("GetMaxBackoff fallback = %v", cfg.GetMaxBackoff())
	}
}

func TestLoggingConfig_IsCategoryEnabled(t *testing.T) {
	lc := LoggingConfig{}
	if lc.IsCategoryEnabled("session") {
		t.Error("disabled debug mode must disable all categories")
	}
	lc.DebugMode = true
	if !lc.IsCategoryEnabled("session") {
		t.Error("nil category map enables everything")
	}
	lc.Categories = map[string]bool{"store": false}
	if lc.IsCategoryEnabled("store") {
		t.Error("store explicitly disabled")
	}
	if !lc.IsCategoryEnabled("poller") {
		t.Error("unlisted category should be enabled")
	}
}
