package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeaseTTL  = 45 * time.Second
	leaseRetryDelay  = time.Second
	leaseOpTimeout   = 5 * time.Second
	minRenewInterval = time.Second
	renewFraction    = 3
)

var (
	ErrLeaseLost = errors.New("store: leader lease lost")

	leaseCounter atomic.Uint64

	renewLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

// RunWithLeader runs fn while this process holds the lease on key. The
// context passed to fn is cancelled when the lease is lost or ctx is done.
// When fn returns the lease is released and acquisition starts again, so fn
// runs at most once at a time across all instances sharing the backend.
// RunWithLeader returns only when ctx is done.
func RunWithLeader(ctx context.Context, conn *Conn, key string, ttl time.Duration, fn func(context.Context)) error {
	if fn == nil {
		return errors.New("store: leader function cannot be nil")
	}
	client := conn.Client()
	if client == nil {
		return &ConnectError{Addr: conn.Addr(), Err: redis.ErrClosed}
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}

	for {
		lease, err := acquireLease(ctx, client, key, ttl)
		if err != nil {
			return err
		}

		log.Debug("leader lease acquired", "key", key)
		fn(lease.ctx)
		lease.release()
		log.Debug("leader lease released", "key", key)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(leaseRetryDelay):
		}
	}
}

type lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	once   sync.Once
}

// acquireLease blocks until the lease is taken or ctx is done.
func acquireLease(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*lease, error) {
	token := leaseToken()

	for {
		ok, err := client.SetNX(ctx, key, token, ttl).Result()
		if err != nil && ctx.Err() == nil {
			log.Warn("leader lease: setnx failed", "key", key, "error", err)
		}
		if ok {
			leaseCtx, cancel := context.WithCancel(ctx)
			l := &lease{
				client: client,
				key:    key,
				token:  token,
				ttl:    ttl,
				ctx:    leaseCtx,
				cancel: cancel,
				stop:   make(chan struct{}),
			}
			go l.renewLoop()
			return l, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(leaseRetryDelay):
		}
	}
}

func (l *lease) release() {
	l.once.Do(func() {
		close(l.stop)
		l.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
		defer cancel()
		if err := releaseLeaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Warn("leader lease: release failed", "key", l.key, "error", err)
		}
	})
}

func (l *lease) renewLoop() {
	interval := l.ttl / renewFraction
	if interval < minRenewInterval {
		interval = minRenewInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.renew(); err != nil {
				log.Warn("leader lease: renewal failed", "key", l.key, "error", err)
				l.cancel()
				return
			}
		}
	}
}

func (l *lease) renew() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
	defer cancel()

	res, err := renewLeaseScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return Wrap("renew lease", err)
	}
	if res == 0 {
		return ErrLeaseLost
	}
	return nil
}

func leaseToken() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), leaseCounter.Add(1))
}
