package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/auricle-ai/auricle/pkg/types"
)

// MemStore is an in-memory Store used in tests and for single-process runs
// without Postgres. Safe for concurrent use.
type MemStore struct {
	mu            sync.Mutex
	conversations map[string]*types.Conversation // key: uid + "/" + id
	inProgress    map[string]string              // uid → conversation ID

	usage map[string]*UsageTotals
}

// UsageTotals is the accumulated usage for one user.
type UsageTotals struct {
	Seconds float64
	Words   int
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		conversations: make(map[string]*types.Conversation),
		inProgress:    make(map[string]string),
		usage:         make(map[string]*UsageTotals),
	}
}

var (
	_ Store         = (*MemStore)(nil)
	_ UsageRecorder = (*MemStore)(nil)
)

func key(uid, id string) string { return uid + "/" + id }

func (m *MemStore) Create(_ context.Context, conv *types.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv.Status == types.StatusInProgress {
		if cur, ok := m.inProgress[conv.UID]; ok && cur != conv.ID {
			return fmt.Errorf("%w: uid %s holds %s", ErrInProgressExists, conv.UID, cur)
		}
		m.inProgress[conv.UID] = conv.ID
	}
	cp := cloneConversation(conv)
	m.conversations[key(conv.UID, conv.ID)] = cp
	return nil
}

func (m *MemStore) Get(_ context.Context, uid, id string) (*types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(uid, id)
}

func (m *MemStore) get(uid, id string) (*types.Conversation, error) {
	conv, ok := m.conversations[key(uid, id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, uid, id)
	}
	return cloneConversation(conv), nil
}

func (m *MemStore) GetInProgress(_ context.Context, uid string) (*types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.inProgress[uid]
	if !ok {
		return nil, fmt.Errorf("%w: no in-progress conversation for %s", ErrNotFound, uid)
	}
	return m.get(uid, id)
}

func (m *MemStore) GetProcessing(_ context.Context, uid string) ([]*types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.Conversation
	for _, conv := range m.conversations {
		if conv.UID == uid && conv.Status == types.StatusProcessing {
			out = append(out, cloneConversation(conv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) GetLastCompleted(_ context.Context, uid string) (*types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last *types.Conversation
	for _, conv := range m.conversations {
		if conv.UID != uid || conv.Status != types.StatusCompleted {
			continue
		}
		if last == nil || conv.FinishedAt.After(last.FinishedAt) {
			last = conv
		}
	}
	if last == nil {
		return nil, fmt.Errorf("%w: no completed conversation for %s", ErrNotFound, uid)
	}
	return cloneConversation(last), nil
}

func (m *MemStore) UpdateFields(_ context.Context, uid, id string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[key(uid, id)]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, uid, id)
	}
	if fields.StartedAt != nil {
		conv.StartedAt = *fields.StartedAt
	}
	if fields.FinishedAt != nil {
		conv.FinishedAt = *fields.FinishedAt
	}
	if fields.Source != nil {
		conv.Source = *fields.Source
	}
	if fields.Language != nil {
		conv.Language = *fields.Language
	}
	if fields.Geolocation != nil {
		geo := *fields.Geolocation
		conv.Geolocation = &geo
	}
	if fields.Structured != nil {
		conv.Structured = fields.Structured
	}
	if fields.IsLocked != nil {
		conv.IsLocked = *fields.IsLocked
	}
	return nil
}

func (m *MemStore) UpdateSegments(_ context.Context, uid, id string, segments []types.TranscriptSegment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[key(uid, id)]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, uid, id)
	}
	conv.TranscriptSegments = append([]types.TranscriptSegment(nil), segments...)
	return nil
}

func (m *MemStore) AddPhotos(_ context.Context, uid, id string, photos []types.ConversationPhoto) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[key(uid, id)]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, uid, id)
	}
	conv.Photos = append(conv.Photos, photos...)
	return nil
}

func (m *MemStore) UpdateFinishedAt(_ context.Context, uid, id string, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[key(uid, id)]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, uid, id)
	}
	conv.FinishedAt = finishedAt
	return nil
}

func (m *MemStore) SetStatus(_ context.Context, uid, id string, status types.ConversationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[key(uid, id)]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, uid, id)
	}
	wasInProgress := conv.Status == types.StatusInProgress
	conv.Status = status

	if wasInProgress && status != types.StatusInProgress {
		if m.inProgress[uid] == id {
			delete(m.inProgress, uid)
		}
	}
	if status == types.StatusInProgress {
		m.inProgress[uid] = id
	}
	return nil
}

func (m *MemStore) SetDiscarded(_ context.Context, uid, id string, discarded bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[key(uid, id)]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, uid, id)
	}
	conv.Discarded = discarded
	return nil
}

func (m *MemStore) Delete(_ context.Context, uid, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.conversations, key(uid, id))
	if m.inProgress[uid] == id {
		delete(m.inProgress, uid)
	}
	return nil
}

func (m *MemStore) RecordUsage(_ context.Context, uid string, seconds float64, words int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.usage[uid]
	if !ok {
		t = &UsageTotals{}
		m.usage[uid] = t
	}
	t.Seconds += seconds
	t.Words += words
	return nil
}

// Usage returns the accumulated usage totals for a user.
func (m *MemStore) Usage(uid string) UsageTotals {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.usage[uid]; ok {
		return *t
	}
	return UsageTotals{}
}

func cloneConversation(c *types.Conversation) *types.Conversation {
	cp := *c
	cp.TranscriptSegments = append([]types.TranscriptSegment(nil), c.TranscriptSegments...)
	cp.Photos = append([]types.ConversationPhoto(nil), c.Photos...)
	if c.Geolocation != nil {
		geo := *c.Geolocation
		cp.Geolocation = &geo
	}
	return &cp
}
