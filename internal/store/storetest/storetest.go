// Package storetest provides a miniredis-backed connection for tests.
package storetest

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"repsheet/internal/store"
)

// New starts an in-process miniredis server and connects to it. Both
// are released through t.Cleanup. It also returns the server so tests can
// fast-forward TTLs.
func New(t testing.TB) (*store.Conn, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)

	host, rawPort, err := net.SplitHostPort(mr.Addr())
	if err != nil {
		t.Fatalf("split miniredis addr: %v", err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		t.Fatalf("parse miniredis port: %v", err)
	}

	conn, err := store.Connect(context.Background(), host, port, 0)
	if err != nil {
		t.Fatalf("connect to miniredis: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return conn, mr
}
