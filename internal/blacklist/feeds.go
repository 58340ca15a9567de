// Package blacklist imports third-party IP blocklists into the reputation
// store. Every listed address is blacklisted with a TTL, so entries that drop
// off a feed age out on their own.
package blacklist

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"repsheet/internal/address"
	"repsheet/internal/reputation"
	"repsheet/internal/store"
)

const (
	maxResponseBytes       = 10 << 20
	RefreshLockKey         = "repsheet:leader:blacklist_refresh"
	defaultRefreshInterval = 6 * time.Hour
	reasonPrefix           = "feed "
)

var ipToken = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?:/\d{1,2})?\b`)

// Blacklister is the write side of reputation.Store used by the importer.
type Blacklister interface {
	BlacklistIfNotLonger(ctx context.Context, kind reputation.Kind, id string, ttlSeconds int, reason string) (bool, error)
}

type RefreshOutcome struct {
	Sources       int
	FailedSources int
	Imported      int
	Kept          int
	SkippedRanges int
}

// Importer fetches Sources and blacklists every IPv4 address they list for
// TTL. CIDR ranges are counted and skipped because reputation is keyed by
// exact address. Addresses already blacklisted for longer, or without
// expiry, keep their entry and reason.
type Importer struct {
	Store      Blacklister
	Sources    []string
	TTL        time.Duration
	HTTPClient *http.Client

	refreshOnce singleflight.Group
}

// Refresh imports all sources once. Concurrent calls share one run. A source
// that cannot be fetched is logged and skipped.
func (im *Importer) Refresh(ctx context.Context, reason string) (*RefreshOutcome, error) {
	result, err, _ := im.refreshOnce.Do("refresh", func() (interface{}, error) {
		return im.doRefresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	outcome, _ := result.(*RefreshOutcome)
	if outcome != nil {
		log.Info("Blacklist refresh completed",
			"reason", reason,
			"sources", outcome.Sources,
			"failed", outcome.FailedSources,
			"imported", outcome.Imported,
			"kept", outcome.Kept,
			"skipped_ranges", outcome.SkippedRanges,
		)
	}
	return outcome, nil
}

func (im *Importer) doRefresh(ctx context.Context) (*RefreshOutcome, error) {
	ttlSeconds := int(im.TTL / time.Second)
	if ttlSeconds <= 0 {
		return nil, reputation.ErrInvalidTTL
	}

	outcome := &RefreshOutcome{Sources: len(im.Sources)}
	for _, src := range im.Sources {
		ips, ranges, err := im.fetch(ctx, src)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			log.Warn("Blacklist fetch failed", "source", src, "error", err)
			outcome.FailedSources++
			continue
		}
		outcome.SkippedRanges += ranges

		for _, ip := range ips {
			written, err := im.Store.BlacklistIfNotLonger(ctx, reputation.IP, ip, ttlSeconds, reasonPrefix+src)
			if err != nil {
				return outcome, fmt.Errorf("blacklist: import %s from %s: %w", ip, src, err)
			}
			if !written {
				outcome.Kept++
				continue
			}
			outcome.Imported++
		}
	}
	return outcome, nil
}

func (im *Importer) fetch(ctx context.Context, source string) ([]string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}

	client := im.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, 0, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}

	ips, ranges := parseFeed(content)
	return ips, ranges, nil
}

// parseFeed extracts unique dotted quads from a plain-text feed, ignoring
// comment lines. It returns them sorted along with the number of CIDR ranges
// it saw.
func parseFeed(payload []byte) ([]string, int) {
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 1024), 1024*1024)

	seen := make(map[string]struct{})
	ranges := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		for _, match := range ipToken.FindAllString(line, -1) {
			if strings.Contains(match, "/") {
				ranges++
				continue
			}
			if address.IsIPv4(match) {
				seen[match] = struct{}{}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("Blacklist scanner warning", "error", err)
	}

	out := make([]string, 0, len(seen))
	for ip := range seen {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out, ranges
}

// StartRefreshRoutine refreshes every interval while this instance holds the
// refresh lease. It returns when ctx is done.
func (im *Importer) StartRefreshRoutine(ctx context.Context, conn *store.Conn, interval time.Duration) {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}

	err := store.RunWithLeader(ctx, conn, RefreshLockKey, store.DefaultLeaseTTL, func(leaderCtx context.Context) {
		im.runRefreshLoop(leaderCtx, interval)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Blacklist refresh routine stopped", "error", err)
	}
}

func (im *Importer) runRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	im.trigger(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			im.trigger(ctx, "scheduled")
		}
	}
}

func (im *Importer) trigger(ctx context.Context, reason string) {
	if _, err := im.Refresh(ctx, reason); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("Blacklist refresh canceled", "reason", reason)
			return
		}
		log.Error("Blacklist refresh failed", "reason", reason, "error", err)
	}
}
