package lock_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/auricle-ai/auricle/internal/lock"
)

func newService(t *testing.T, opts ...lock.Option) (*lock.Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.NewService(client, opts...), mr
}

func TestWithConversationLock_RunsAndReleases(t *testing.T) {
	t.Parallel()

	svc, mr := newService(t)
	ctx := context.Background()

	var ran bool
	err := svc.WithConversationLock(ctx, "u1", "c1", func(ctx context.Context) error {
		ran = true
		if !mr.Exists("locks/conversation:u1:c1") {
			t.Error("lock key missing while fn is running")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithConversationLock: %v", err)
	}
	if !ran {
		t.Fatal("fn was not invoked")
	}
	if mr.Exists("locks/conversation:u1:c1") {
		t.Fatal("lock key still present after release")
	}
}

func TestWithConversationLock_PropagatesFnError(t *testing.T) {
	t.Parallel()

	svc, mr := newService(t)
	sentinel := errors.New("boom")

	err := svc.WithConversationLock(context.Background(), "u1", "c1", func(ctx context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if mr.Exists("locks/conversation:u1:c1") {
		t.Fatal("lock not released after fn error")
	}
}

func TestWithConversationLock_ReleasesOnPanic(t *testing.T) {
	t.Parallel()

	svc, mr := newService(t)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = svc.WithConversationLock(context.Background(), "u1", "c1", func(ctx context.Context) error {
			panic("kaboom")
		})
	}()

	if mr.Exists("locks/conversation:u1:c1") {
		t.Fatal("lock not released after panic")
	}
}

func TestWithConversationLock_ContendedTimesOut(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, lock.WithTimeouts(
		300*time.Millisecond, 10*time.Second,
		300*time.Millisecond, 10*time.Second,
	))
	ctx := context.Background()

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.WithConversationLock(ctx, "u1", "c1", func(ctx context.Context) error {
			close(held)
			time.Sleep(time.Second)
			return nil
		})
	}()

	<-held
	err := svc.WithConversationLock(ctx, "u1", "c1", func(ctx context.Context) error {
		t.Error("second holder entered the critical section")
		return nil
	})
	if !errors.Is(err, lock.ErrAcquisition) {
		t.Fatalf("expected ErrAcquisition, got %v", err)
	}
	<-done
}

func TestWithUserLock_MutualExclusion(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t)
	ctx := context.Background()

	var inside atomic.Int32
	var maxInside atomic.Int32
	done := make(chan struct{})

	for range 4 {
		go func() {
			defer func() { done <- struct{}{} }()
			_ = svc.WithUserLock(ctx, "u1", func(ctx context.Context) error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(20 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	for range 4 {
		<-done
	}

	if maxInside.Load() != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxInside.Load())
	}
}

func TestWithConversationLock_ExpiredLeaseReportsErrRelease(t *testing.T) {
	t.Parallel()

	svc, mr := newService(t)

	err := svc.WithConversationLock(context.Background(), "u1", "c1", func(ctx context.Context) error {
		// Simulate lease expiry while held.
		mr.Del("locks/conversation:u1:c1")
		return nil
	})
	if !errors.Is(err, lock.ErrRelease) {
		t.Fatalf("expected ErrRelease, got %v", err)
	}
}
