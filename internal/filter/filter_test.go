package filter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"repsheet/internal/evidence"
	"repsheet/internal/reputation"
	"repsheet/internal/store/storetest"
)

type staticCountries map[string]string

func (s staticCountries) CountryCode(ip string) (string, bool) {
	code, ok := s[ip]
	return code, ok
}

func testConfig() Config {
	return Config{
		ProxyHeader:   "X-Forwarded-For",
		UserHeader:    "X-User",
		RecordHistory: true,
		CheckCountry:  true,
		HistoryLength: 10,
	}
}

func setupFilter(t *testing.T, cfg Config) (*Filter, *reputation.Store, *evidence.Ledger) {
	t.Helper()
	conn, _ := storetest.New(t)
	rep := reputation.NewStore(conn)
	ledger := evidence.NewLedger(conn)
	f := New(rep, ledger, cfg, WithCountryLookup(staticCountries{"5.5.5.5": "KP"}))
	return f, rep, ledger
}

func serve(f *Filter, r *http.Request) (*httptest.ResponseRecorder, *http.Request) {
	var upstream *http.Request
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstream = r
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	f.Middleware(next).ServeHTTP(rec, r)
	return rec, upstream
}

func newRequest(forwarded string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/login?next=home", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if forwarded != "" {
		r.Header.Set("X-Forwarded-For", forwarded)
	}
	r.Header.Set("User-Agent", "curl/8.0")
	return r
}

func TestMiddlewareDecisions(t *testing.T) {
	ctx := context.Background()
	f, rep, ledger := setupFilter(t, testConfig())

	if err := rep.BlacklistActor(ctx, reputation.IP, "1.1.1.1", "scanner"); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	if err := rep.MarkActor(ctx, reputation.IP, "2.2.2.2", "suspicious"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := rep.WhitelistActor(ctx, reputation.IP, "3.3.3.3", "office"); err != nil {
		t.Fatalf("whitelist: %v", err)
	}
	if err := rep.MarkCountry(ctx, "kp"); err != nil {
		t.Fatalf("mark country: %v", err)
	}

	cases := []struct {
		name       string
		forwarded  string
		wantStatus int
		wantFlag   bool
		wantLog    int
	}{
		{"clean", "4.4.4.4", http.StatusOK, false, 1},
		{"blacklisted", "1.1.1.1", http.StatusForbidden, false, 0},
		{"marked", "2.2.2.2", http.StatusOK, true, 1},
		{"whitelisted", "3.3.3.3", http.StatusOK, false, 0},
		{"marked country", "5.5.5.5", http.StatusOK, true, 1},
		{"invalid header falls back to peer", "garbage", http.StatusOK, false, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, upstream := serve(f, newRequest(tc.forwarded))
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if tc.wantStatus == http.StatusForbidden {
				if upstream != nil {
					t.Fatal("blocked request reached upstream")
				}
				return
			}
			if upstream == nil {
				t.Fatal("request did not reach upstream")
			}
			if got := upstream.Header.Get(FlagHeader) == "true"; got != tc.wantFlag {
				t.Fatalf("flag header = %v, want %v", got, tc.wantFlag)
			}

			ip := tc.forwarded
			if tc.forwarded == "garbage" {
				ip = "10.0.0.1"
			}
			history, err := ledger.History(ctx, ip, 0)
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(history) != tc.wantLog {
				t.Fatalf("history length = %d, want %d", len(history), tc.wantLog)
			}
			if tc.wantLog > 0 {
				entry := history[0]
				if entry.Method != http.MethodGet || entry.URI != "/login" || entry.Args != "next=home" || entry.UserAgent != "curl/8.0" {
					t.Fatalf("unexpected history entry: %+v", entry)
				}
			}
		})
	}
}

func TestClientFlagHeaderIsStripped(t *testing.T) {
	f, _, _ := setupFilter(t, testConfig())

	r := newRequest("4.4.4.4")
	r.Header.Set(FlagHeader, "true")

	_, upstream := serve(f, r)
	if upstream == nil {
		t.Fatal("request did not reach upstream")
	}
	if upstream.Header.Get(FlagHeader) != "" {
		t.Fatal("client supplied flag header was forwarded")
	}
}

func TestDecideUserPrecedence(t *testing.T) {
	ctx := context.Background()
	f, rep, _ := setupFilter(t, testConfig())

	if err := rep.BlacklistActor(ctx, reputation.User, "mallory", "fraud"); err != nil {
		t.Fatalf("blacklist user: %v", err)
	}
	if err := rep.WhitelistActor(ctx, reputation.User, "alice", ""); err != nil {
		t.Fatalf("whitelist user: %v", err)
	}
	if err := rep.MarkActor(ctx, reputation.IP, "2.2.2.2", "suspicious"); err != nil {
		t.Fatalf("mark ip: %v", err)
	}

	decision, err := f.Decide(ctx, Request{IP: "4.4.4.4", User: "mallory"})
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if decision.Action != Block || decision.Kind != reputation.User || decision.Reason != "fraud" {
		t.Fatalf("unexpected decision for blacklisted user: %+v", decision)
	}

	decision, err = f.Decide(ctx, Request{IP: "2.2.2.2", User: "alice"})
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if decision.Action != Allow || !decision.Whitelisted {
		t.Fatalf("whitelisted user should be allowed: %+v", decision)
	}

	decision, err = f.Decide(ctx, Request{IP: "2.2.2.2", User: "bob"})
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if decision.Action != Flag || decision.Kind != reputation.IP || decision.Reason != "suspicious" {
		t.Fatalf("marked ip should be flagged: %+v", decision)
	}
}

func TestCountryCheckDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.CheckCountry = false
	f, rep, _ := setupFilter(t, cfg)

	if err := rep.MarkCountry(ctx, "KP"); err != nil {
		t.Fatalf("mark country: %v", err)
	}

	decision, err := f.Decide(ctx, Request{IP: "5.5.5.5"})
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if decision.Action != Allow || decision.Country != "" {
		t.Fatalf("country should not be consulted: %+v", decision)
	}
}

type failingStatuses struct{}

func (failingStatuses) ActorStatus(context.Context, reputation.Kind, string) (reputation.Status, string, error) {
	return reputation.OK, "", errors.New("connection refused")
}

func (failingStatuses) CountryStatus(context.Context, string) (reputation.Status, error) {
	return reputation.OK, errors.New("connection refused")
}

func TestBackendFailure(t *testing.T) {
	t.Run("fail open", func(t *testing.T) {
		f := New(failingStatuses{}, nil, testConfig())
		rec, upstream := serve(f, newRequest("4.4.4.4"))
		if rec.Code != http.StatusOK || upstream == nil {
			t.Fatalf("fail-open request should pass, got %d", rec.Code)
		}
	})

	t.Run("fail closed", func(t *testing.T) {
		cfg := testConfig()
		cfg.FailClosed = true
		f := New(failingStatuses{}, nil, cfg)
		rec, upstream := serve(f, newRequest("4.4.4.4"))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
		if upstream != nil {
			t.Fatal("request reached upstream while failing closed")
		}
	})

	t.Run("decide returns error", func(t *testing.T) {
		f := New(failingStatuses{}, nil, testConfig())
		if _, err := f.Decide(context.Background(), Request{IP: "4.4.4.4"}); err == nil {
			t.Fatal("expected backend error from Decide")
		}
	})
}

type countingStatuses struct {
	calls   atomic.Int32
	release chan struct{}
}

func (c *countingStatuses) ActorStatus(context.Context, reputation.Kind, string) (reputation.Status, string, error) {
	c.calls.Add(1)
	<-c.release
	return reputation.Marked, "burst", nil
}

func (c *countingStatuses) CountryStatus(context.Context, string) (reputation.Status, error) {
	return reputation.OK, nil
}

func TestConcurrentLookupsAreCollapsed(t *testing.T) {
	statuses := &countingStatuses{release: make(chan struct{})}
	f := New(statuses, nil, testConfig())

	const workers = 8
	var started, done sync.WaitGroup
	started.Add(workers)
	done.Add(workers)

	results := make([]Decision, workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			d, err := f.Decide(context.Background(), Request{IP: "6.6.6.6"})
			if err != nil {
				t.Errorf("Decide returned error: %v", err)
			}
			results[i] = d
		}(i)
	}

	started.Wait()
	for statuses.calls.Load() == 0 {
		runtime.Gosched()
	}
	close(statuses.release)
	done.Wait()

	if calls := statuses.calls.Load(); calls < 1 || calls > workers {
		t.Fatalf("unexpected lookup count %d", calls)
	}
	for i, d := range results {
		if d.Action != Flag {
			t.Fatalf("worker %d decision = %v, want flag", i, d.Action)
		}
	}
}

// blockingStatuses reports a blacklist once released, or the lookup
// context's error if that ends first.
type blockingStatuses struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStatuses) ActorStatus(ctx context.Context, _ reputation.Kind, _ string) (reputation.Status, string, error) {
	if b.calls.Add(1) == 1 {
		close(b.entered)
	}
	select {
	case <-b.release:
		return reputation.Blacklisted, "scanner", nil
	case <-ctx.Done():
		return reputation.OK, "", ctx.Err()
	}
}

func (b *blockingStatuses) CountryStatus(context.Context, string) (reputation.Status, error) {
	return reputation.OK, nil
}

func TestCancelledCallerDoesNotFailSharedLookup(t *testing.T) {
	statuses := &blockingStatuses{entered: make(chan struct{}), release: make(chan struct{})}
	f := New(statuses, nil, testConfig())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.Decide(firstCtx, Request{IP: "1.1.1.1"})
		firstErr <- err
	}()
	<-statuses.entered

	codes := make(chan int, 1)
	go func() {
		rec, _ := serve(f, newRequest("1.1.1.1"))
		codes <- rec.Code
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller error = %v, want context.Canceled", err)
	}

	close(statuses.release)
	if code := <-codes; code != http.StatusForbidden {
		t.Fatalf("second caller status = %d, want 403", code)
	}
}

func TestConfigSourceIsReadPerRequest(t *testing.T) {
	ctx := context.Background()
	conn, _ := storetest.New(t)
	rep := reputation.NewStore(conn)
	ledger := evidence.NewLedger(conn)

	var record atomic.Bool
	f := New(rep, ledger, Config{}, WithConfigSource(func() Config {
		cfg := testConfig()
		cfg.RecordHistory = record.Load()
		return cfg
	}))

	serve(f, newRequest("7.7.7.7"))
	record.Store(true)
	serve(f, newRequest("7.7.7.7"))

	history, err := ledger.History(ctx, "7.7.7.7", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
}
