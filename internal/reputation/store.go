// Package reputation records and answers the reputation state of actors (IP
// addresses and users) and of countries.
//
// An actor's state is up to three independent flags stored under separate
// keys. They are not mutually exclusive in storage; ActorStatus resolves them
// with the precedence Whitelisted > Blacklisted > Marked > OK.
//
// Every method issues parameterised go-redis commands on the connection the
// Store was built with. Backend failures are returned to the caller and are
// never reported as a clean status.
package reputation

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"repsheet/internal/store"
)

// MaxReasonLength bounds stored reason annotations, in bytes.
const MaxReasonLength = 1024

const auditTimeout = 5 * time.Second

var (
	ErrUnsupportedKind   = errors.New("reputation: unsupported actor kind")
	ErrEmptyIdentifier   = errors.New("reputation: empty actor identifier")
	ErrReasonRequired    = errors.New("reputation: blacklisting requires a reason")
	ErrInvalidTTL        = errors.New("reputation: ttl must be positive")
	ErrInvalidCountry    = errors.New("reputation: empty country code")
	errNilStoreOrBackend = errors.New("reputation: store has no backend connection")
)

// BlacklistEvent describes a successful blacklist write. TTL is zero for
// blacklists without expiry.
type BlacklistEvent struct {
	Kind   Kind
	Actor  string
	Reason string
	TTL    time.Duration
	At     time.Time
}

// Auditor receives blacklist events after they were committed to the backend.
type Auditor interface {
	RecordBlacklist(ctx context.Context, event BlacklistEvent) error
}

type Store struct {
	client  *redis.Client
	auditor Auditor
	now     func() time.Time
}

type Option func(*Store)

func WithAuditor(a Auditor) Option {
	return func(s *Store) {
		s.auditor = a
	}
}

func NewStore(conn *store.Conn, opts ...Option) *Store {
	s := &Store{
		client: conn.Client(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) MarkActor(ctx context.Context, kind Kind, id, reason string) error {
	return s.setFlag(ctx, kind, id, LabelMarked, reason)
}

// BlacklistActor sets the blacklist flag without expiry and records the actor
// in the blacklist history set.
func (s *Store) BlacklistActor(ctx context.Context, kind Kind, id, reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}
	if err := s.setFlag(ctx, kind, id, LabelBlacklist, reason); err != nil {
		return err
	}
	if err := store.Wrap("sadd blacklist history", s.client.SAdd(ctx, BlacklistHistoryKey(kind), id).Err()); err != nil {
		return err
	}
	s.audit(ctx, kind, id, reason, 0)
	return nil
}

func (s *Store) WhitelistActor(ctx context.Context, kind Kind, id, reason string) error {
	return s.setFlag(ctx, kind, id, LabelWhitelist, reason)
}

// setFlag writes the flag and its reason in one MULTI. An empty reason removes
// any reason left over from an earlier write.
func (s *Store) setFlag(ctx context.Context, kind Kind, id, label, reason string) error {
	if err := s.validate(kind, id); err != nil {
		return err
	}

	flagKey := ActorKey(kind, id, label)
	reasonKey := ReasonKey(kind, id, label)
	reason = truncateReason(reason)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, flagKey, flagValue, 0)
		if reason == "" {
			pipe.Del(ctx, reasonKey)
		} else {
			pipe.Set(ctx, reasonKey, reason, 0)
		}
		return nil
	})
	if err := store.Wrap("set "+label, err); err != nil {
		return err
	}

	log.Debug("reputation: flag set", "kind", kind, "actor", id, "label", label)
	return nil
}

func (s *Store) IsOnRepsheet(ctx context.Context, kind Kind, id string) (bool, error) {
	return s.probe(ctx, kind, id, LabelMarked)
}

func (s *Store) IsBlacklisted(ctx context.Context, kind Kind, id string) (bool, error) {
	return s.probe(ctx, kind, id, LabelBlacklist)
}

func (s *Store) IsWhitelisted(ctx context.Context, kind Kind, id string) (bool, error) {
	return s.probe(ctx, kind, id, LabelWhitelist)
}

func (s *Store) probe(ctx context.Context, kind Kind, id, label string) (bool, error) {
	if err := s.validate(kind, id); err != nil {
		return false, err
	}
	value, err := s.getString(ctx, ActorKey(kind, id, label))
	if err != nil {
		return false, err
	}
	return value == flagValue, nil
}

// ActorStatus resolves the flags of an actor into a single status and returns
// the reason stored with the winning flag. Unsupported kinds report
// Unsupported without touching the backend.
func (s *Store) ActorStatus(ctx context.Context, kind Kind, id string) (Status, string, error) {
	if !kind.Supported() {
		return Unsupported, "", nil
	}
	if err := s.validate(kind, id); err != nil {
		return OK, "", err
	}

	// Ordered by precedence.
	labels := []struct {
		label  string
		status Status
	}{
		{LabelWhitelist, Whitelisted},
		{LabelBlacklist, Blacklisted},
		{LabelMarked, Marked},
	}

	keys := make([]string, len(labels))
	for i, l := range labels {
		keys[i] = ActorKey(kind, id, l.label)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err := store.Wrap("mget flags", err); err != nil {
		return OK, "", err
	}

	for i, l := range labels {
		if i >= len(values) || !isFlagSet(values[i]) {
			continue
		}
		reason, err := s.getString(ctx, ReasonKey(kind, id, l.label))
		if err != nil {
			return OK, "", err
		}
		return l.status, reason, nil
	}

	return OK, "", nil
}

// IsIPBlacklistedWithReason reports whether an IP is blacklisted together with
// the stored reason. The reason is empty when the IP is not blacklisted.
func (s *Store) IsIPBlacklistedWithReason(ctx context.Context, id string) (bool, string, error) {
	blacklisted, err := s.IsBlacklisted(ctx, IP, id)
	if err != nil || !blacklisted {
		return false, "", err
	}
	reason, err := s.getString(ctx, ReasonKey(IP, id, LabelBlacklist))
	if err != nil {
		return false, "", err
	}
	return true, reason, nil
}

// getString reads a string key through MGET so that a key holding another
// type reads as absent instead of failing with WRONGTYPE.
func (s *Store) getString(ctx context.Context, key string) (string, error) {
	values, err := s.client.MGet(ctx, key).Result()
	if err := store.Wrap("mget", err); err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", nil
	}
	str, _ := values[0].(string)
	return str, nil
}

func (s *Store) validate(kind Kind, id string) error {
	if s == nil || s.client == nil {
		return errNilStoreOrBackend
	}
	if !kind.Supported() {
		return ErrUnsupportedKind
	}
	if id == "" {
		return ErrEmptyIdentifier
	}
	return nil
}

func (s *Store) audit(ctx context.Context, kind Kind, id, reason string, ttl time.Duration) {
	if s.auditor == nil {
		return
	}
	event := BlacklistEvent{
		Kind:   kind,
		Actor:  id,
		Reason: truncateReason(reason),
		TTL:    ttl,
		At:     s.now().UTC(),
	}
	// The backend write is committed; a caller hanging up must not drop the row.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := s.auditor.RecordBlacklist(auditCtx, event); err != nil {
		log.Warn("reputation: blacklist audit failed", "kind", kind, "actor", id, "error", err)
	}
}

func isFlagSet(v any) bool {
	str, ok := v.(string)
	return ok && str == flagValue
}
