package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"repsheet/internal/config"
)

func TestReadPort(t *testing.T) {
	t.Setenv("REPSHEET_PORT_VALID", "12345")
	if got := readPort("REPSHEET_PORT_VALID"); got != 12345 {
		t.Fatalf("readPort returned %d, want 12345", got)
	}

	t.Setenv("REPSHEET_PORT_INVALID", "not-a-number")
	if got := readPort("REPSHEET_PORT_INVALID"); got != 0 {
		t.Fatalf("readPort with invalid value returned %d, want 0", got)
	}

	t.Setenv("REPSHEET_PORT_ZERO", "0")
	if got := readPort("REPSHEET_PORT_ZERO"); got != 0 {
		t.Fatalf("readPort with zero value returned %d, want 0", got)
	}
}

func TestResolvePort(t *testing.T) {
	t.Run("env overrides fallback", func(t *testing.T) {
		t.Setenv("REPSHEET_TEST_ADMIN_PORT", "5050")
		if got := resolvePort("REPSHEET_TEST_ADMIN_PORT", 8080); got != 5050 {
			t.Fatalf("resolvePort returned %d, want 5050", got)
		}
	})

	t.Run("invalid env falls back", func(t *testing.T) {
		t.Setenv("REPSHEET_TEST_PROXY_PORT", "proxy")
		if got := resolvePort("REPSHEET_TEST_PROXY_PORT", 8083); got != 8083 {
			t.Fatalf("resolvePort returned %d, want 8083", got)
		}
	})

	t.Run("fallback used when env unset", func(t *testing.T) {
		if got := resolvePort("REPSHEET_TEST_UNSET_PORT", 9090); got != 9090 {
			t.Fatalf("resolvePort returned %d, want 9090", got)
		}
	})
}

func TestSetupGeoLiteWithoutDatabase(t *testing.T) {
	var cfg config.Config
	cfg.Filter.CheckCountry = true

	reader, err := setupGeoLite(context.Background(), nil, cfg)
	if err != nil {
		t.Fatalf("setupGeoLite returned error: %v", err)
	}
	if reader != nil {
		t.Fatal("expected nil reader without a database path")
	}
}

func TestSetupGeoLiteMissingFileWaitsForUpdate(t *testing.T) {
	var cfg config.Config
	cfg.GeoLite.CountryDBPath = filepath.Join(t.TempDir(), "GeoLite2-Country.mmdb")

	reader, err := setupGeoLite(context.Background(), nil, cfg)
	if err != nil {
		t.Fatalf("setupGeoLite returned error: %v", err)
	}
	if reader == nil {
		t.Fatal("expected an empty reader to be returned")
	}
	if _, ok := reader.CountryCode("8.8.8.8"); ok {
		t.Fatal("empty reader should not resolve countries")
	}
}

func TestSetupGeoLiteCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "GeoLite2-Country.mmdb")
	if err := os.WriteFile(path, []byte("corrupt"), 0o644); err != nil {
		t.Fatalf("write corrupt database: %v", err)
	}

	var cfg config.Config
	cfg.GeoLite.CountryDBPath = path
	if _, err := setupGeoLite(context.Background(), nil, cfg); err == nil {
		t.Fatal("expected error for corrupt database")
	}
}
