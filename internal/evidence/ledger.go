// Package evidence accumulates per-actor evidence: rule trigger counters,
// bounded request history logs and reads of the blacklist history sets.
package evidence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"repsheet/internal/reputation"
	"repsheet/internal/store"
)

var (
	ErrInvalidHistoryLength = errors.New("evidence: max history length must be positive")
	ErrEmptyIdentifier      = errors.New("evidence: empty actor identifier")
	errNoBackend            = errors.New("evidence: ledger has no backend connection")
)

type Ledger struct {
	client *redis.Client
}

func NewLedger(conn *store.Conn) *Ledger {
	return &Ledger{client: conn.Client()}
}

func detectedKey(id string) string {
	return id + ":detected"
}

func requestsKey(id string) string {
	return id + ":requests"
}

type RuleCount struct {
	Rule  string  `json:"rule"`
	Count float64 `json:"count"`
}

// IncrementRuleCount adds one to the trigger counter of ruleID for the actor
// and returns the new count.
func (l *Ledger) IncrementRuleCount(ctx context.Context, id, ruleID string) (float64, error) {
	if err := l.validate(id); err != nil {
		return 0, err
	}
	count, err := l.client.ZIncrBy(ctx, detectedKey(id), 1, ruleID).Result()
	if err := store.Wrap("zincrby detected", err); err != nil {
		return 0, err
	}
	return count, nil
}

// RuleCounts lists the actor's triggered rules, most triggered first.
func (l *Ledger) RuleCounts(ctx context.Context, id string) ([]RuleCount, error) {
	if err := l.validate(id); err != nil {
		return nil, err
	}
	members, err := l.client.ZRevRangeWithScores(ctx, detectedKey(id), 0, -1).Result()
	if err := store.Wrap("zrevrange detected", err); err != nil {
		return nil, err
	}

	counts := make([]RuleCount, 0, len(members))
	for _, m := range members {
		rule, ok := m.Member.(string)
		if !ok {
			continue
		}
		counts = append(counts, RuleCount{Rule: rule, Count: m.Score})
	}
	return counts, nil
}

// RecordRequest prepends entry to the actor's request log, trims the log to
// maxHistoryLength newest entries and, when historyTTLSeconds > 0, applies the
// TTL to the whole log. The steps run in one MULTI/EXEC.
func (l *Ledger) RecordRequest(ctx context.Context, id string, entry RequestEntry, maxHistoryLength, historyTTLSeconds int) error {
	if err := l.validate(id); err != nil {
		return err
	}
	if maxHistoryLength <= 0 {
		return ErrInvalidHistoryLength
	}

	key := requestsKey(id)
	line := entry.String()

	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, line)
		pipe.LTrim(ctx, key, 0, int64(maxHistoryLength-1))
		if historyTTLSeconds > 0 {
			pipe.Expire(ctx, key, time.Duration(historyTTLSeconds)*time.Second)
		}
		return nil
	})
	return store.Wrap("record request", err)
}

// History returns up to limit entries of the actor's request log, newest
// first. A non-positive limit returns the whole log.
func (l *Ledger) History(ctx context.Context, id string, limit int) ([]RequestEntry, error) {
	if err := l.validate(id); err != nil {
		return nil, err
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	lines, err := l.client.LRange(ctx, requestsKey(id), 0, stop).Result()
	if err := store.Wrap("lrange requests", err); err != nil {
		return nil, err
	}

	entries := make([]RequestEntry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, ParseRequestEntry(line))
	}
	return entries, nil
}

// BlacklistHistory lists every identifier of kind that was ever blacklisted.
func (l *Ledger) BlacklistHistory(ctx context.Context, kind reputation.Kind) ([]string, error) {
	if !kind.Supported() {
		return nil, reputation.ErrUnsupportedKind
	}
	if l == nil || l.client == nil {
		return nil, errNoBackend
	}
	members, err := l.client.SMembers(ctx, reputation.BlacklistHistoryKey(kind)).Result()
	if err := store.Wrap("smembers blacklist history", err); err != nil {
		return nil, err
	}
	return members, nil
}

func (l *Ledger) WasBlacklisted(ctx context.Context, kind reputation.Kind, id string) (bool, error) {
	if !kind.Supported() {
		return false, reputation.ErrUnsupportedKind
	}
	if err := l.validate(id); err != nil {
		return false, err
	}
	ok, err := l.client.SIsMember(ctx, reputation.BlacklistHistoryKey(kind), id).Result()
	if err := store.Wrap("sismember blacklist history", err); err != nil {
		return false, err
	}
	return ok, nil
}

func (l *Ledger) validate(id string) error {
	if l == nil || l.client == nil {
		return errNoBackend
	}
	if id == "" {
		return ErrEmptyIdentifier
	}
	return nil
}
