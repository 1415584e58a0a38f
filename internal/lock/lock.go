// Package lock provides named, renewable, distributed leases over Redis.
//
// Locks serialize conversation and user mutations across every process that
// shares the lock store. A held lease is renewed automatically at a third of
// its TTL; release verifies token ownership so that an expired lease (another
// holder may have taken over) surfaces as ErrRelease instead of silently
// deleting someone else's lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrAcquisition is returned when a lock cannot be acquired within the
	// wait window.
	ErrAcquisition = errors.New("lock: acquisition timed out")

	// ErrRelease is returned when release detects the lease is no longer
	// owned. This means the lease expired while held — a correctness
	// incident the caller must log.
	ErrRelease = errors.New("lock: lease no longer owned at release")
)

// Defaults per lock kind.
const (
	ConversationWait  = 60 * time.Second
	ConversationLease = 120 * time.Second
	UserWait          = 30 * time.Second
	UserLease         = 60 * time.Second

	// retryInterval is the polling interval while waiting for a contended lock.
	retryInterval = 100 * time.Millisecond
)

// releaseScript deletes the key only if the stored token matches ours.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only if the stored token matches ours.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Option is a functional option for configuring the Service.
type Option func(*Service)

// WithWaitObserver registers a callback invoked after every successful
// acquisition with the lock kind and the time spent waiting. Used to feed the
// lock-wait histogram.
func WithWaitObserver(fn func(kind string, waited time.Duration)) Option {
	return func(s *Service) {
		s.observeWait = fn
	}
}

// WithTimeouts overrides the per-kind wait/lease durations. Used in tests to
// keep contention scenarios fast.
func WithTimeouts(convWait, convLease, userWait, userLease time.Duration) Option {
	return func(s *Service) {
		s.convWait, s.convLease = convWait, convLease
		s.userWait, s.userLease = userWait, userLease
	}
}

// Service acquires and releases distributed leases. Safe for concurrent use.
type Service struct {
	client      redis.UniversalClient
	observeWait func(kind string, waited time.Duration)

	convWait, convLease time.Duration
	userWait, userLease time.Duration
}

// NewService creates a lock Service on top of the given Redis client.
func NewService(client redis.UniversalClient, opts ...Option) *Service {
	s := &Service{
		client:    client,
		convWait:  ConversationWait,
		convLease: ConversationLease,
		userWait:  UserWait,
		userLease: UserLease,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// WithConversationLock runs fn while holding the conversation lease for
// (uid, conversationID). The lease is released on every exit path, including
// panics. Returns ErrAcquisition (wrapped) when the lock cannot be obtained
// within the wait window, ErrRelease (wrapped) when the lease expired while
// held, or fn's error otherwise.
func (s *Service) WithConversationLock(ctx context.Context, uid, conversationID string, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("locks/conversation:%s:%s", uid, conversationID)
	return s.withLock(ctx, "conversation", key, s.convWait, s.convLease, fn)
}

// WithUserLock runs fn while holding the user lease for uid.
func (s *Service) WithUserLock(ctx context.Context, uid string, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("locks/user:%s", uid)
	return s.withLock(ctx, "user", key, s.userWait, s.userLease, fn)
}

func (s *Service) withLock(ctx context.Context, kind, key string, wait, lease time.Duration, fn func(ctx context.Context) error) error {
	start := time.Now()
	l, err := s.acquire(ctx, key, wait, lease)
	if err != nil {
		return err
	}
	if s.observeWait != nil {
		s.observeWait(kind, time.Since(start))
	}

	var released bool
	defer func() {
		if released {
			return
		}
		if relErr := l.release(); relErr != nil {
			// Lease expiry while held means mutual exclusion was lost.
			slog.Error("lock release failed", "key", key, "err", relErr)
		}
	}()

	if err := fn(ctx); err != nil {
		return err
	}

	released = true
	if err := l.release(); err != nil {
		return err
	}
	return nil
}

// lease is a held lock instance.
type lease struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration

	stopRenew chan struct{}
	renewDone chan struct{}
}

// acquire polls SET NX until the lock is obtained or the wait window elapses.
func (s *Service) acquire(ctx context.Context, key string, wait, ttl time.Duration) (*lease, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: setnx %s: %w", key, err)
		}
		if ok {
			l := &lease{
				client:    s.client,
				key:       key,
				token:     token,
				ttl:       ttl,
				stopRenew: make(chan struct{}),
				renewDone: make(chan struct{}),
			}
			go l.renewLoop()
			return l, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s after %s", ErrAcquisition, key, wait)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock: acquire %s: %w", key, ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

// renewLoop extends the lease at ttl/3 cadence until release.
func (l *lease) renewLoop() {
	defer close(l.renewDone)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopRenew:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				slog.Warn("lock renewal error", "key", l.key, "err", err)
				continue
			}
			if res == 0 {
				// Someone else owns the key now; stop renewing and let
				// release report the loss.
				slog.Error("lock lease lost during renewal", "key", l.key)
				return
			}
		}
	}
}

// release stops renewal and deletes the key iff still owned.
func (l *lease) release() error {
	close(l.stopRenew)
	<-l.renewDone

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", l.key, err)
	}
	if res == 0 {
		return fmt.Errorf("%w: %s", ErrRelease, l.key)
	}
	return nil
}
