// Package filter decides, per HTTP request, whether the origin is allowed,
// flagged for the upstream, or blocked, based on the reputation of its IP
// address, its user and its apparent country.
package filter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"repsheet/internal/config"
	"repsheet/internal/evidence"
	"repsheet/internal/metrics"
	"repsheet/internal/reputation"
)

// FlagHeader is set to "true" on requests forwarded with a Flag decision.
const FlagHeader = "X-Repsheet"

// lookupTimeout bounds a shared status lookup, which no single request owns.
const lookupTimeout = 5 * time.Second

type Action int

const (
	Allow Action = iota
	Flag
	Block
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case Flag:
		return "flag"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// StatusReader is the part of reputation.Store the filter reads.
type StatusReader interface {
	ActorStatus(ctx context.Context, kind reputation.Kind, id string) (reputation.Status, string, error)
	CountryStatus(ctx context.Context, code string) (reputation.Status, error)
}

// Recorder appends request summaries to an actor's history.
type Recorder interface {
	RecordRequest(ctx context.Context, id string, entry evidence.RequestEntry, maxHistoryLength, historyTTLSeconds int) error
}

// CountryLookup maps an IP address to an ISO country code.
type CountryLookup interface {
	CountryCode(ip string) (string, bool)
}

type Config struct {
	ProxyHeader       string
	UserHeader        string
	FailClosed        bool
	RecordHistory     bool
	CheckCountry      bool
	HistoryLength     int
	HistoryTTLSeconds int
}

// FromSettings extracts the filter settings from the process configuration.
func FromSettings(cfg config.Config) Config {
	return Config{
		ProxyHeader:       cfg.Filter.ProxyHeader,
		UserHeader:        cfg.Filter.UserHeader,
		FailClosed:        cfg.Filter.FailClosed,
		RecordHistory:     cfg.Filter.RecordHistory,
		CheckCountry:      cfg.Filter.CheckCountry,
		HistoryLength:     cfg.History.MaxLength,
		HistoryTTLSeconds: cfg.History.TTL.TotalSeconds(),
	}
}

// Request is what the filter knows about one incoming request.
type Request struct {
	IP    string
	User  string
	Entry evidence.RequestEntry
}

// Decision explains the outcome for one request. Status and Reason describe
// the actor that decided it.
type Decision struct {
	Action      Action
	Kind        reputation.Kind
	Actor       string
	Status      reputation.Status
	Reason      string
	Country     string
	Whitelisted bool
}

type Filter struct {
	statuses  StatusReader
	recorder  Recorder
	countries CountryLookup
	metrics   *metrics.Metrics
	settings  func() Config

	lookups singleflight.Group
}

type Option func(*Filter)

func WithCountryLookup(lookup CountryLookup) Option {
	return func(f *Filter) {
		f.countries = lookup
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Filter) {
		f.metrics = m
	}
}

// WithConfigSource makes the filter read its settings from fn on every
// request instead of the Config passed to New.
func WithConfigSource(fn func() Config) Option {
	return func(f *Filter) {
		f.settings = fn
	}
}

// New builds a filter. recorder may be nil, which disables history recording.
func New(statuses StatusReader, recorder Recorder, cfg Config, opts ...Option) *Filter {
	f := &Filter{
		statuses: statuses,
		recorder: recorder,
		settings: func() Config { return cfg },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Decide evaluates req. IP reputation is consulted first, then the user, then
// the country of the IP. A whitelisted IP or user allows the request
// regardless of what follows. On a backend error the returned Decision holds
// what was known so far and the error is returned alongside it.
func (f *Filter) Decide(ctx context.Context, req Request) (Decision, error) {
	cfg := f.settings()
	decision := Decision{Action: Allow, Status: reputation.OK}

	var flagged *Decision
	actors := []struct {
		kind reputation.Kind
		id   string
	}{
		{reputation.IP, req.IP},
		{reputation.User, req.User},
	}

	for _, actor := range actors {
		if actor.id == "" {
			continue
		}
		status, reason, err := f.actorStatus(ctx, actor.kind, actor.id)
		if err != nil {
			return decision, err
		}

		current := Decision{Kind: actor.kind, Actor: actor.id, Status: status, Reason: reason}
		switch status {
		case reputation.Whitelisted:
			current.Action = Allow
			current.Whitelisted = true
			return current, nil
		case reputation.Blacklisted:
			current.Action = Block
			return current, nil
		case reputation.Marked:
			if flagged == nil {
				current.Action = Flag
				flagged = &current
			}
		}
	}

	if flagged != nil {
		decision = *flagged
	}

	if cfg.CheckCountry && f.countries != nil && req.IP != "" {
		code, ok := f.countries.CountryCode(req.IP)
		if ok {
			decision.Country = code
			status, err := f.statuses.CountryStatus(ctx, code)
			if err != nil {
				return decision, fmt.Errorf("filter: country status: %w", err)
			}
			if status == reputation.Marked && decision.Action == Allow {
				decision.Action = Flag
				decision.Status = reputation.Marked
			}
		}
	}

	return decision, nil
}

type lookupResult struct {
	status reputation.Status
	reason string
}

// actorStatus collapses concurrent lookups for the same actor into one
// backend round trip. The shared lookup is detached from the request that
// started it; each caller stops waiting only when its own context ends.
func (f *Filter) actorStatus(ctx context.Context, kind reputation.Kind, id string) (reputation.Status, string, error) {
	key := kind.Namespace() + ":" + id
	ch := f.lookups.DoChan(key, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		status, reason, err := f.statuses.ActorStatus(lookupCtx, kind, id)
		if err != nil {
			return nil, err
		}
		return lookupResult{status: status, reason: reason}, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return reputation.OK, "", fmt.Errorf("filter: %s status: %w", kind, ctx.Err())
	}
	if res.Err != nil {
		f.metrics.BackendError("actor_status")
		return reputation.OK, "", fmt.Errorf("filter: %s status: %w", kind, res.Err)
	}

	result := res.Val.(lookupResult)
	f.metrics.StatusLookup(kind.Namespace(), result.status.String())
	return result.status, result.reason, nil
}

// record appends req to the IP's history unless the decision excludes it.
func (f *Filter) record(ctx context.Context, cfg Config, req Request, decision Decision) {
	if f.recorder == nil || !cfg.RecordHistory || req.IP == "" {
		return
	}
	if decision.Action == Block || decision.Whitelisted {
		return
	}

	err := f.recorder.RecordRequest(ctx, req.IP, req.Entry, cfg.HistoryLength, cfg.HistoryTTLSeconds)
	if err != nil && !errors.Is(err, context.Canceled) {
		f.metrics.BackendError("record_request")
		log.Warn("Failed to record request history", "ip", req.IP, "error", err)
	}
}
