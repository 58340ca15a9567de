package blacklist

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"repsheet/internal/reputation"
	"repsheet/internal/store/storetest"
)

func TestParseFeed(t *testing.T) {
	payload := []byte(strings.Join([]string{
		"# Spamhaus style comment 9.9.9.9",
		"; another comment 8.8.8.8",
		"1.2.3.4 ; scanner",
		"5.6.7.8",
		"1.2.3.4",
		"10.0.0.0/8",
		"256.1.1.1",
		"01.2.3.4",
		"",
	}, "\n"))

	ips, ranges := parseFeed(payload)
	if want := []string{"1.2.3.4", "5.6.7.8"}; strings.Join(ips, ",") != strings.Join(want, ",") {
		t.Fatalf("parseFeed ips = %v, want %v", ips, want)
	}
	if ranges != 1 {
		t.Fatalf("parseFeed ranges = %d, want 1", ranges)
	}
}

func TestRefreshImportsFeeds(t *testing.T) {
	conn, mr := storetest.New(t)
	rep := reputation.NewStore(conn)

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("1.2.3.4\n5.6.7.8\n192.168.0.0/16\n"))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer bad.Close()

	im := &Importer{
		Store:   rep,
		Sources: []string{good.URL, bad.URL},
		TTL:     2 * time.Hour,
	}

	outcome, err := im.Refresh(context.Background(), "test")
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if outcome.Sources != 2 || outcome.FailedSources != 1 || outcome.Imported != 2 || outcome.SkippedRanges != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	status, reason, err := rep.ActorStatus(context.Background(), reputation.IP, "1.2.3.4")
	if err != nil {
		t.Fatalf("ActorStatus returned error: %v", err)
	}
	if status != reputation.Blacklisted || reason != "feed "+good.URL {
		t.Fatalf("imported actor = %v %q", status, reason)
	}
	if ttl := mr.TTL("5.6.7.8:ip:repsheet:blacklist"); ttl != 2*time.Hour {
		t.Fatalf("imported ttl = %v, want 2h", ttl)
	}
	if !mr.Exists(reputation.BlacklistHistoryKey(reputation.IP)) {
		t.Fatal("imported actors missing from blacklist history")
	}
}

func TestRefreshKeepsLongerBlacklists(t *testing.T) {
	ctx := context.Background()
	conn, mr := storetest.New(t)
	rep := reputation.NewStore(conn)

	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("1.2.3.4\n5.6.7.8\n9.9.9.9\n"))
	}))
	defer feed.Close()

	if err := rep.BlacklistActor(ctx, reputation.IP, "1.2.3.4", "credential stuffing"); err != nil {
		t.Fatalf("BlacklistActor returned error: %v", err)
	}
	if err := rep.BlacklistAndExpire(ctx, reputation.IP, "5.6.7.8", 86400, "manual ban"); err != nil {
		t.Fatalf("BlacklistAndExpire returned error: %v", err)
	}

	im := &Importer{Store: rep, Sources: []string{feed.URL}, TTL: time.Hour}
	outcome, err := im.Refresh(ctx, "test")
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if outcome.Imported != 1 || outcome.Kept != 2 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	_, reason, err := rep.ActorStatus(ctx, reputation.IP, "1.2.3.4")
	if err != nil {
		t.Fatalf("ActorStatus returned error: %v", err)
	}
	if reason != "credential stuffing" {
		t.Fatalf("permanent reason = %q, want it kept", reason)
	}
	if ttl := mr.TTL("1.2.3.4:ip:repsheet:blacklist"); ttl != 0 {
		t.Fatalf("permanent blacklist gained ttl %v", ttl)
	}
	if ttl := mr.TTL("5.6.7.8:ip:repsheet:blacklist"); ttl != 24*time.Hour {
		t.Fatalf("longer blacklist ttl = %v, want 24h", ttl)
	}

	mr.FastForward(2 * time.Hour)
	blacklisted, err := rep.IsBlacklisted(ctx, reputation.IP, "1.2.3.4")
	if err != nil {
		t.Fatalf("IsBlacklisted returned error: %v", err)
	}
	if !blacklisted {
		t.Fatal("permanent blacklist expired after the feed ttl")
	}
	gone, err := rep.IsBlacklisted(ctx, reputation.IP, "9.9.9.9")
	if err != nil {
		t.Fatalf("IsBlacklisted returned error: %v", err)
	}
	if gone {
		t.Fatal("feed entry outlived its ttl")
	}
}

func TestRefreshRequiresTTL(t *testing.T) {
	im := &Importer{Sources: []string{"http://127.0.0.1:1/"}}
	if _, err := im.Refresh(context.Background(), "test"); !errors.Is(err, reputation.ErrInvalidTTL) {
		t.Fatalf("Refresh without TTL = %v, want ErrInvalidTTL", err)
	}
}

type failingBlacklister struct{}

func (failingBlacklister) BlacklistIfNotLonger(context.Context, reputation.Kind, string, int, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestRefreshStopsOnBackendError(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("1.2.3.4\n"))
	}))
	defer feed.Close()

	im := &Importer{Store: failingBlacklister{}, Sources: []string{feed.URL}, TTL: time.Hour}
	if _, err := im.Refresh(context.Background(), "test"); err == nil {
		t.Fatal("expected backend error to be returned")
	}
}
