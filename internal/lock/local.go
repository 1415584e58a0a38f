package lock

import (
	"context"
	"sync"
)

// Local serializes conversation and user mutations within a single process.
// It is the fallback when no Redis lock store is configured; deployments with
// more than one server process must use [Service] instead.
type Local struct {
	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

// NewLocal creates an in-process lock service.
func NewLocal() *Local {
	return &Local{keys: make(map[string]*sync.Mutex)}
}

func (l *Local) keyMutex(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.keys[key]
	if !ok {
		m = &sync.Mutex{}
		l.keys[key] = m
	}
	return m
}

func (l *Local) withLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	m := l.keyMutex(key)
	m.Lock()
	defer m.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// WithConversationLock runs fn while holding the in-process lease for
// (uid, conversationID).
func (l *Local) WithConversationLock(ctx context.Context, uid, conversationID string, fn func(ctx context.Context) error) error {
	return l.withLock(ctx, "conversation:"+uid+":"+conversationID, fn)
}

// WithUserLock runs fn while holding the in-process lease for uid.
func (l *Local) WithUserLock(ctx context.Context, uid string, fn func(ctx context.Context) error) error {
	return l.withLock(ctx, "user:"+uid, fn)
}
