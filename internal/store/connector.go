// Package store owns the connection to the Redis backend that holds reputation
// and evidence records.
package store

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// DefaultTimeout applies when Connect is given a non-positive timeout.
const DefaultTimeout = 10000 * time.Millisecond

type Health int

const (
	Healthy Health = iota
	Disconnected
)

func (h Health) String() string {
	if h == Healthy {
		return "healthy"
	}
	return "disconnected"
}

// Conn is an explicitly owned handle to the backend. The underlying go-redis
// client is a pool and may be shared by concurrent request handlers.
type Conn struct {
	client  *redis.Client
	addr    string
	timeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	password  string
	db        int
	tlsConfig *tls.Config
	poolSize  int
}

type Option func(*options)

func WithPassword(password string) Option {
	return func(o *options) {
		o.password = password
	}
}

func WithDB(db int) Option {
	return func(o *options) {
		o.db = db
	}
}

func WithTLS(cfg *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = cfg
	}
}

func WithPoolSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.poolSize = size
		}
	}
}

// Connect dials host:port and verifies the backend answers PING within the
// timeout. It never returns a half-usable connection: on failure the client
// is closed and a *ConnectError is returned.
func Connect(ctx context.Context, host string, port int, timeoutMillis int, opts ...Option) (*Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	timeout := DefaultTimeout
	if timeoutMillis > 0 {
		timeout = time.Duration(timeoutMillis) * time.Millisecond
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     o.password,
		DB:           o.db,
		TLSConfig:    o.tlsConfig,
		PoolSize:     o.poolSize,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	log.Debug("store: connected", "addr", addr, "timeout", timeout)

	return &Conn{
		client:  client,
		addr:    addr,
		timeout: timeout,
	}, nil
}

// CheckConnection probes a connection without failing: a nil handle or a
// backend that does not answer PING reports Disconnected.
func CheckConnection(ctx context.Context, conn *Conn) Health {
	if conn == nil || conn.client == nil {
		return Disconnected
	}
	if ctx == nil {
		ctx = context.Background()
	}

	pingCtx, cancel := context.WithTimeout(ctx, conn.timeout)
	defer cancel()

	if err := conn.client.Ping(pingCtx).Err(); err != nil {
		log.Debug("store: liveness probe failed", "addr", conn.addr, "error", err)
		return Disconnected
	}
	return Healthy
}

func (c *Conn) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.client
}

func (c *Conn) Addr() string {
	if c == nil {
		return ""
	}
	return c.addr
}

// Close releases the connection pool. Only the first call does any work;
// subsequent calls return the first result.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closeErr = c.client.Close()
		if c.closeErr != nil {
			log.Warn("store: error closing connection", "addr", c.addr, "error", c.closeErr)
		}
	})
	return c.closeErr
}

func (c *Conn) String() string {
	return fmt.Sprintf("redis://%s", c.Addr())
}
