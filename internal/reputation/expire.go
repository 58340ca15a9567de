package reputation

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"repsheet/internal/store"
)

// Expire applies a TTL to the raw sub-record {id}:{kind}:{label} and nothing
// else; a flag's reason keeps its own lifetime. Use ExpireFlag for flags. It
// reports whether the record existed.
func (s *Store) Expire(ctx context.Context, kind Kind, id, label string, ttlSeconds int) (bool, error) {
	if err := s.validate(kind, id); err != nil {
		return false, err
	}
	if ttlSeconds <= 0 {
		return false, ErrInvalidTTL
	}

	ok, err := s.client.Expire(ctx, ActorKey(kind, id, label), seconds(ttlSeconds)).Result()
	if err := store.Wrap("expire "+label, err); err != nil {
		return false, err
	}
	return ok, nil
}

// ExpireFlag applies the TTL to a flag and to its reason so both disappear
// together.
func (s *Store) ExpireFlag(ctx context.Context, kind Kind, id, label string, ttlSeconds int) (bool, error) {
	if err := s.validate(kind, id); err != nil {
		return false, err
	}
	if ttlSeconds <= 0 {
		return false, ErrInvalidTTL
	}

	var flagCmd *redis.BoolCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		flagCmd = pipe.Expire(ctx, ActorKey(kind, id, label), seconds(ttlSeconds))
		pipe.Expire(ctx, ReasonKey(kind, id, label), seconds(ttlSeconds))
		return nil
	})
	if err := store.Wrap("expire flag "+label, err); err != nil {
		return false, err
	}
	return flagCmd.Val(), nil
}

// BlacklistAndExpire blacklists an actor for ttlSeconds and adds it to the
// blacklist history set. The three writes run in one MULTI/EXEC, so readers
// never see the flag without its reason. After the TTL the flag and reason are
// gone; history membership stays.
func (s *Store) BlacklistAndExpire(ctx context.Context, kind Kind, id string, ttlSeconds int, reason string) error {
	if err := s.validate(kind, id); err != nil {
		return err
	}
	if ttlSeconds <= 0 {
		return ErrInvalidTTL
	}
	if reason == "" {
		return ErrReasonRequired
	}

	ttl := seconds(ttlSeconds)
	reason = truncateReason(reason)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetEx(ctx, ActorKey(kind, id, LabelBlacklist), flagValue, ttl)
		pipe.SetEx(ctx, ReasonKey(kind, id, LabelBlacklist), reason, ttl)
		pipe.SAdd(ctx, BlacklistHistoryKey(kind), id)
		return nil
	})
	if err := store.Wrap("blacklist and expire", err); err != nil {
		return err
	}

	s.audit(ctx, kind, id, reason, ttl)
	return nil
}

// blacklistUnlessLongerScript writes a temporary blacklist unless the flag is
// already set without expiry or for at least as long as the new TTL.
var blacklistUnlessLongerScript = redis.NewScript(`
local current = redis.call('TTL', KEYS[1])
if current == -1 or current >= tonumber(ARGV[3]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
redis.call('SADD', KEYS[3], ARGV[4])
return 1
`)

// BlacklistIfNotLonger behaves like BlacklistAndExpire, except that an
// existing blacklist without expiry, or one that outlives ttlSeconds, is left
// untouched together with its reason. It reports whether it wrote.
func (s *Store) BlacklistIfNotLonger(ctx context.Context, kind Kind, id string, ttlSeconds int, reason string) (bool, error) {
	if err := s.validate(kind, id); err != nil {
		return false, err
	}
	if ttlSeconds <= 0 {
		return false, ErrInvalidTTL
	}
	if reason == "" {
		return false, ErrReasonRequired
	}

	reason = truncateReason(reason)
	keys := []string{
		ActorKey(kind, id, LabelBlacklist),
		ReasonKey(kind, id, LabelBlacklist),
		BlacklistHistoryKey(kind),
	}
	written, err := blacklistUnlessLongerScript.Run(ctx, s.client, keys, flagValue, reason, ttlSeconds, id).Int64()
	if err := store.Wrap("blacklist unless longer", err); err != nil {
		return false, err
	}
	if written == 0 {
		return false, nil
	}

	s.audit(ctx, kind, id, reason, seconds(ttlSeconds))
	return true, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
