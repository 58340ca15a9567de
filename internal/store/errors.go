package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/redis/go-redis/v9"
)

// ConnectError reports that no connection could be established.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("store: connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// BackendError wraps a failed command on an established connection. A
// missing key (redis.Nil) is never reported as a BackendError.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Wrap turns a command error into a *BackendError. nil and redis.Nil yield nil.
func Wrap(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	return &BackendError{Op: op, Err: err}
}

// IsDisconnected reports whether err looks like a broken or unreachable
// backend rather than a data-level failure.
func IsDisconnected(err error) bool {
	if err == nil {
		return false
	}

	var connectErr *ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	if errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
