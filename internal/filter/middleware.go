package filter

import (
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"repsheet/internal/address"
	"repsheet/internal/evidence"
)

// Middleware applies Decide to every request before handing it to next.
// Blocked requests get 403, flagged requests carry FlagHeader upstream. When
// the backend fails, FailClosed answers 503 and otherwise the request passes.
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := f.settings()
		req := requestFromHTTP(r, cfg)

		decision, err := f.Decide(r.Context(), req)
		if err != nil {
			if cfg.FailClosed {
				f.metrics.Decision("error")
				log.Error("Reputation lookup failed, rejecting request", "ip", req.IP, "error", err)
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
			log.Warn("Reputation lookup failed, passing request", "ip", req.IP, "error", err)
			decision.Action = Allow
		}

		f.metrics.Decision(decision.Action.String())
		f.record(r.Context(), cfg, req, decision)

		switch decision.Action {
		case Block:
			log.Info("Blocked request", "kind", decision.Kind, "actor", decision.Actor, "reason", decision.Reason)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		case Flag:
			r.Header.Set(FlagHeader, "true")
		default:
			r.Header.Del(FlagHeader)
		}

		next.ServeHTTP(w, r)
	})
}

func requestFromHTTP(r *http.Request, cfg Config) Request {
	req := Request{
		IP: address.ResolveRequest(r, cfg.ProxyHeader),
		Entry: evidence.RequestEntry{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			UserAgent: r.UserAgent(),
			Method:    r.Method,
			URI:       r.URL.Path,
			Args:      r.URL.RawQuery,
		},
	}
	if cfg.UserHeader != "" {
		req.User = strings.TrimSpace(r.Header.Get(cfg.UserHeader))
	}
	return req
}
