package geolite

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const (
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"
	countryEdition     = "GeoLite2-Country"
	countryFileName    = "GeoLite2-Country.mmdb"
	userAgent          = "repsheet-geolite-updater/1.0"
)

// ErrNoAPIKey indicates that no MaxMind license key has been configured.
var ErrNoAPIKey = errors.New("geolite: api key is not configured")

// Updater downloads the GeoLite2-Country edition to Path and reloads Reader.
// Concurrent Update calls share one download.
type Updater struct {
	APIKey string
	Path   string
	Reader *CountryReader

	// Publish, when set, runs after a successful reload so other instances
	// can pick up the new file.
	Publish func(ctx context.Context) error

	BaseURL    string
	HTTPClient *http.Client

	group singleflight.Group
}

func (u *Updater) Update(ctx context.Context) (bool, error) {
	result, err, _ := u.group.Do("update", func() (interface{}, error) {
		apiKey := strings.TrimSpace(u.APIKey)
		if apiKey == "" {
			return false, ErrNoAPIKey
		}
		if u.Path == "" {
			return false, ErrNoDatabase
		}

		if err := u.downloadCountry(ctx, apiKey); err != nil {
			return false, err
		}

		if u.Reader != nil {
			if err := u.Reader.Reload(u.Path); err != nil {
				return false, fmt.Errorf("geolite: reload after update: %w", err)
			}
		}

		if u.Publish != nil {
			if err := u.Publish(ctx); err != nil {
				log.Warn("Failed to publish GeoLite database to redis", "error", err)
			}
		}

		return true, nil
	})
	if err != nil {
		return false, err
	}

	updated, _ := result.(bool)
	return updated, nil
}

// Run calls Update every interval until ctx is done. A non-positive interval
// disables periodic updates; Run still blocks until ctx is done.
func (u *Updater) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if updated, err := u.Update(ctx); err != nil {
				log.Error("GeoLite update failed", "error", err)
			} else if updated {
				log.Info("GeoLite country database updated", "path", u.Path)
			}
		}
	}
}

func (u *Updater) downloadCountry(ctx context.Context, apiKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.downloadURL(apiKey), nil)
	if err != nil {
		return fmt.Errorf("geolite: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	client := u.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("geolite: download %s: %w", countryEdition, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("geolite: download %s: unexpected status %d: %s", countryEdition, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return extractMMDB(resp.Body, countryFileName, u.Path)
}

func (u *Updater) downloadURL(apiKey string) string {
	base := u.BaseURL
	if base == "" {
		base = maxMindDownloadURL
	}
	return fmt.Sprintf("%s?edition_id=%s&license_key=%s&suffix=tar.gz", base, countryEdition, apiKey)
}

// extractMMDB copies the archive member named fileName out of a tar.gz
// stream into destPath.
func extractMMDB(archive io.Reader, fileName, destPath string) error {
	gzipReader, err := gzip.NewReader(archive)
	if err != nil {
		return fmt.Errorf("geolite: open gzip: %w", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("geolite: read tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != fileName {
			continue
		}
		if err := writeToFile(destPath, tarReader); err != nil {
			return fmt.Errorf("geolite: write %s: %w", fileName, err)
		}
		return nil
	}

	return fmt.Errorf("geolite: %s not found in archive", fileName)
}

func writeToFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	return os.Rename(tmpFile.Name(), destPath)
}
