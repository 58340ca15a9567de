// Package geolite maps IP addresses to ISO country codes using a MaxMind
// GeoLite2-Country database.
package geolite

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"
)

var ErrNoDatabase = errors.New("geolite: no country database configured")

// CountryReader resolves countries from an opened database. A nil
// *CountryReader is valid and knows no countries.
type CountryReader struct {
	mu sync.RWMutex
	db *geoip2.Reader
}

// Open loads the database at path. An empty path is ErrNoDatabase so callers
// can run without country checks.
func Open(path string) (*CountryReader, error) {
	if path == "" {
		return nil, ErrNoDatabase
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geolite: open %s: %w", path, err)
	}
	log.Info("GeoLite country database loaded", "path", path, "build", db.Metadata().BuildEpoch)
	return &CountryReader{db: db}, nil
}

// FromBytes loads a database from memory, e.g. an embedded or downloaded copy.
func FromBytes(data []byte) (*CountryReader, error) {
	db, err := geoip2.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("geolite: load database: %w", err)
	}
	return &CountryReader{db: db}, nil
}

// CountryCode returns the ISO 3166-1 alpha-2 code for ip. ok is false when
// the address is invalid, unknown, or no database is loaded.
func (r *CountryReader) CountryCode(ip string) (code string, ok bool) {
	if r == nil {
		return "", false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.db == nil {
		return "", false
	}
	record, err := r.db.Country(parsed)
	if err != nil || record.Country.IsoCode == "" {
		return "", false
	}
	return record.Country.IsoCode, true
}

// Reload swaps in the database stored at path. The previous database is
// closed only after the new one opened successfully.
func (r *CountryReader) Reload(path string) error {
	if r == nil {
		return ErrNoDatabase
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return fmt.Errorf("geolite: reload %s: %w", path, err)
	}

	r.mu.Lock()
	previous := r.db
	r.db = db
	r.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			log.Warn("geolite: closing replaced database failed", "error", err)
		}
	}
	log.Info("GeoLite country database reloaded", "path", path, "build", db.Metadata().BuildEpoch)
	return nil
}

func (r *CountryReader) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}
