package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func useTempSettings(t *testing.T) string {
	t.Helper()

	origPath := settingsFilePath
	origCfg := GetConfig()
	path := filepath.Join(t.TempDir(), "data", "settings.json")
	settingsFilePath = path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	t.Cleanup(func() {
		settingsFilePath = origPath
		configValue.Store(origCfg)
	})
	return path
}

func TestReadSettingsCreatesDefaults(t *testing.T) {
	path := useTempSettings(t)
	if err := os.RemoveAll(filepath.Dir(path)); err != nil {
		t.Fatalf("remove data dir: %v", err)
	}

	ReadSettings()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default settings file not written: %v", err)
	}

	cfg := GetConfig()
	if cfg.History.MaxLength != 100 {
		t.Fatalf("History.MaxLength = %d, want 100", cfg.History.MaxLength)
	}
	if cfg.Filter.ProxyHeader != "X-Forwarded-For" {
		t.Fatalf("Filter.ProxyHeader = %q", cfg.Filter.ProxyHeader)
	}
	if got := HistoryTTLSeconds(); got != 24*60*60 {
		t.Fatalf("HistoryTTLSeconds = %d, want one day", got)
	}
	if !cfg.Filter.RecordHistory {
		t.Fatal("record_history should default to true")
	}
}

func TestReadSettingsFromFile(t *testing.T) {
	path := useTempSettings(t)

	raw := `{"redis":{"host":"cache.internal","port":6380},"history":{"max_length":0}}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	ReadSettings()

	cfg := GetConfig()
	if cfg.Redis.Host != "cache.internal" || cfg.Redis.Port != 6380 {
		t.Fatalf("redis settings = %+v", cfg.Redis)
	}
	if cfg.History.MaxLength != defaultHistoryLength {
		t.Fatalf("non-positive max_length should fall back to %d, got %d", defaultHistoryLength, cfg.History.MaxLength)
	}
}

func TestSetConfigPersists(t *testing.T) {
	path := useTempSettings(t)

	cfg := GetConfig()
	cfg.Proxy.Upstream = "http://upstream.test"
	if err := SetConfig(cfg); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read persisted settings: %v", err)
	}
	if !strings.Contains(string(data), "http://upstream.test") {
		t.Fatalf("persisted settings missing upstream: %s", data)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis.example")
	t.Setenv("REDIS_PORT", "7000")
	t.Setenv("UPSTREAM_URL", "http://app:9000")
	t.Setenv("FILTER_FAIL_CLOSED", "true")

	cfg := ApplyEnvOverrides(Config{})
	if cfg.Redis.Host != "redis.example" || cfg.Redis.Port != 7000 {
		t.Fatalf("redis overrides not applied: %+v", cfg.Redis)
	}
	if cfg.Proxy.Upstream != "http://app:9000" {
		t.Fatalf("upstream = %q", cfg.Proxy.Upstream)
	}
	if !cfg.Filter.FailClosed {
		t.Fatal("FILTER_FAIL_CLOSED not applied")
	}
}
