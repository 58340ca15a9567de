package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"repsheet/internal/store"
	"repsheet/internal/store/storetest"
)

func TestRunWithLeaderHoldsAndReleasesLease(t *testing.T) {
	conn, mr := storetest.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const key = "repsheet:leader:test"
	ran := false
	err := store.RunWithLeader(ctx, conn, key, 10*time.Second, func(leaseCtx context.Context) {
		ran = true
		if !mr.Exists(key) {
			t.Errorf("lease key %q not set while leading", key)
		}
		if ttl := mr.TTL(key); ttl <= 0 || ttl > 10*time.Second {
			t.Errorf("lease ttl = %v", ttl)
		}
		cancel()
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunWithLeader returned %v, want context.Canceled", err)
	}
	if !ran {
		t.Fatal("leader function did not run")
	}
	if mr.Exists(key) {
		t.Fatal("lease key was not released")
	}
}

func TestRunWithLeaderWaitsForHolder(t *testing.T) {
	conn, mr := storetest.New(t)

	const key = "repsheet:leader:busy"
	if err := mr.Set(key, "other-instance"); err != nil {
		t.Fatalf("seed lease: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := store.RunWithLeader(ctx, conn, key, time.Second, func(context.Context) {
		t.Error("leader function ran while another instance held the lease")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("RunWithLeader returned %v, want context.DeadlineExceeded", err)
	}
	if got, _ := mr.Get(key); got != "other-instance" {
		t.Fatalf("foreign lease was modified: %q", got)
	}
}

func TestRunWithLeaderCancelsOnLostLease(t *testing.T) {
	conn, mr := storetest.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const key = "repsheet:leader:lost"
	lost := false
	_ = store.RunWithLeader(ctx, conn, key, 3*time.Second, func(leaseCtx context.Context) {
		if err := mr.Set(key, "usurper"); err != nil {
			t.Errorf("overwrite lease: %v", err)
		}
		select {
		case <-leaseCtx.Done():
			lost = true
		case <-time.After(5 * time.Second):
		}
		cancel()
	})

	if !lost {
		t.Fatal("lease context was not cancelled after the lease was taken over")
	}
	if got, _ := mr.Get(key); got != "usurper" {
		t.Fatalf("release removed a foreign lease: %q", got)
	}
}

func TestRunWithLeaderRejectsNilFunction(t *testing.T) {
	conn, _ := storetest.New(t)
	if err := store.RunWithLeader(context.Background(), conn, "k", 0, nil); err == nil {
		t.Fatal("expected error for nil leader function")
	}
}
