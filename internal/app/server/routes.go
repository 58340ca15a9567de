package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"repsheet/internal/auth"
	"repsheet/internal/domain"
	"repsheet/internal/evidence"
	"repsheet/internal/metrics"
	"repsheet/internal/reputation"
	"repsheet/internal/store"
)

const shutdownTimeout = 10 * time.Second

// AuditLog lists persisted blacklist events.
type AuditLog interface {
	ListBlacklistEvents(ctx context.Context, kind reputation.Kind, actor string, limit int) ([]domain.BlacklistEvent, error)
}

// Dependencies are the components the admin API serves. Audit, Metrics and
// Gatherer are optional.
type Dependencies struct {
	Conn       *store.Conn
	Reputation *reputation.Store
	Ledger     *evidence.Ledger
	Audit      AuditLog
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
}

type Server struct {
	deps Dependencies
}

func New(deps Dependencies) *Server {
	return &Server{deps: deps}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps validation sentinels to 400 and backend failures to
// 503 or 500.
func writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, reputation.ErrUnsupportedKind),
		errors.Is(err, reputation.ErrEmptyIdentifier),
		errors.Is(err, reputation.ErrReasonRequired),
		errors.Is(err, reputation.ErrInvalidTTL),
		errors.Is(err, reputation.ErrInvalidCountry),
		errors.Is(err, evidence.ErrEmptyIdentifier),
		errors.Is(err, evidence.ErrInvalidHistoryLength):
		writeError(w, err.Error(), http.StatusBadRequest)
	case store.IsDisconnected(err):
		log.Error("Backend unavailable", "op", op, "error", err)
		writeError(w, "Backend unavailable", http.StatusServiceUnavailable)
	default:
		log.Error("Backend operation failed", "op", op, "error", err)
		writeError(w, "Backend operation failed", http.StatusInternalServerError)
	}
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler builds the admin router. Everything except health, version and
// metrics requires an admin token.
func (s *Server) Handler() http.Handler {
	router := http.NewServeMux()

	router.HandleFunc("GET /healthz", s.health)
	router.HandleFunc("GET /version", getVersion)

	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	admin := func(h http.HandlerFunc) http.Handler { return auth.IsAdmin(h) }

	router.Handle("GET /actors/{kind}/{id}", admin(s.getActor))
	router.Handle("POST /actors/{kind}/{id}/mark", admin(s.markActor))
	router.Handle("POST /actors/{kind}/{id}/blacklist", admin(s.blacklistActor))
	router.Handle("POST /actors/{kind}/{id}/whitelist", admin(s.whitelistActor))
	router.Handle("POST /actors/{kind}/{id}/expire", admin(s.expireActor))

	router.Handle("GET /evidence/{id}/rules", admin(s.getRuleCounts))
	router.Handle("POST /evidence/{id}/rules/{rule}", admin(s.incrementRule))
	router.Handle("GET /evidence/{id}/requests", admin(s.getRequests))

	router.Handle("GET /countries", admin(s.listCountries))
	router.Handle("GET /countries/{code}", admin(s.getCountry))
	router.Handle("POST /countries/{code}/mark", admin(s.markCountry))
	router.Handle("DELETE /countries/{code}/mark", admin(s.unmarkCountry))

	router.Handle("GET /blacklist/{kind}/history", admin(s.getBlacklistHistory))
	router.Handle("GET /blacklist/{kind}/events", admin(s.getBlacklistEvents))

	router.Handle("GET /settings", admin(getSettings))
	router.Handle("POST /settings", admin(saveSettings))

	log.Debug("Routes opened")
	return enableCORS(router)
}

// ListenAndServe serves handler on port until ctx is cancelled, then shuts
// down gracefully. A positive maxConns caps concurrently accepted connections.
func ListenAndServe(ctx context.Context, name string, port, maxConns int, handler http.Handler) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("%s server listen: %w", name, err)
	}
	if maxConns > 0 {
		listener = netutil.LimitListener(listener, maxConns)
	}

	return serve(ctx, name, listener, handler)
}

func serve(ctx context.Context, name string, listener net.Listener, handler http.Handler) error {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting repsheet %s on %s", name, listener.Addr())
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server failed: %w", name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s server shutdown: %w", name, err)
		}
		return nil
	}
}
