package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/auricle-ai/auricle/pkg/types"
)

// monitorInterval is how often the lifecycle monitor checks the current
// conversation against the idle timeout.
const monitorInterval = 5 * time.Second

// finalizeBackoff is the retry ladder for transient store failures while
// finalizing. After the last attempt the error is surfaced.
var finalizeBackoff = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// Locker serializes conversation mutations across processes.
type Locker interface {
	WithConversationLock(ctx context.Context, uid, conversationID string, fn func(ctx context.Context) error) error
}

// Events delivers conversation lifecycle events to the connected client.
type Events interface {
	// LastConversation announces the most recent completed conversation.
	LastConversation(conversationID string)
	// ProcessingStarted announces that a conversation entered processing.
	ProcessingStarted(conv *types.Conversation)
	// ConversationCreated announces a finalized conversation and any
	// integration messages it produced.
	ConversationCreated(conv *types.Conversation, messages []map[string]any)
}

// GeoCache returns the user's cached geolocation, nil when unknown.
type GeoCache interface {
	CachedGeolocation(ctx context.Context, uid string) (*types.Geolocation, error)
}

// GeoResolver resolves coordinates to a named location.
type GeoResolver interface {
	Resolve(ctx context.Context, latitude, longitude float64) (*types.Geolocation, error)
}

// DownstreamProcessor runs conversation post-processing (structuring,
// summarization). It returns the enriched conversation.
type DownstreamProcessor interface {
	ProcessConversation(ctx context.Context, uid, language string, conv *types.Conversation) (*types.Conversation, error)
}

// IntegrationsTrigger fans a finalized conversation out to the user's
// external integrations and returns the messages they produced.
type IntegrationsTrigger interface {
	TriggerIntegrations(ctx context.Context, uid string, conv *types.Conversation) ([]map[string]any, error)
}

// ManagerDeps are the external collaborators of a Manager. Nil members are
// skipped (no geolocation, no downstream processing, no integrations).
type ManagerDeps struct {
	Geo          GeoCache
	GeoResolver  GeoResolver
	Processor    DownstreamProcessor
	Integrations IntegrationsTrigger
}

// ManagerConfig describes one session's conversation handling.
type ManagerConfig struct {
	UID       string
	SessionID string
	Language  string

	// ConversationTimeout is the idle window after which the current
	// conversation is finalized.
	ConversationTimeout time.Duration

	PrivateCloudSync bool

	// CoalesceGap overrides the segment coalesce threshold. Zero keeps the
	// default.
	CoalesceGap float64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerNow overrides the clock, for tests.
func WithManagerNow(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithMonitorInterval overrides the lifecycle monitor cadence, for tests.
func WithMonitorInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.monitorEvery = d }
}

// WithFinalizeObserver registers a callback invoked after every finalize
// with the outcome ("completed", "discarded", "deleted_empty"). Used to feed
// the finalization counter.
func WithFinalizeObserver(fn func(outcome string)) ManagerOption {
	return func(m *Manager) { m.observeFinalize = fn }
}

// Manager owns the session's current in-progress conversation: rehydration
// on connect, merge of live transcript batches under the distributed lock,
// idle-timeout finalization, and the handoff to downstream processing.
type Manager struct {
	cfg    ManagerConfig
	store  Store
	locks  Locker
	events Events
	deps   ManagerDeps

	now             func() time.Time
	monitorEvery    time.Duration
	observeFinalize func(outcome string)

	mu           sync.Mutex
	currentID    string
	secondsToAdd float64
}

// NewManager creates a Manager. Call Initialize before feeding updates.
func NewManager(cfg ManagerConfig, store Store, locks Locker, events Events, deps ManagerDeps, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:          cfg,
		store:        store,
		locks:        locks,
		events:       events,
		deps:         deps,
		now:          time.Now,
		monitorEvery: monitorInterval,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CurrentConversationID returns the ID of the conversation receiving live
// updates, or "" before Initialize.
func (m *Manager) CurrentConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentID
}

// SecondsToAdd is the timestamp offset live segments need when the session
// resumed a conversation that already has transcript. Zero otherwise.
func (m *Manager) SecondsToAdd() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secondsToAdd
}

// Initialize rehydrates session state: re-finalizes conversations stuck in
// processing, announces the last completed conversation, then resumes or
// creates the in-progress conversation.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.finalizeStuckProcessing(ctx); err != nil {
		return err
	}
	m.sendLastConversation(ctx)
	return m.prepareInProgress(ctx)
}

// finalizeStuckProcessing re-runs finalization for conversations a previous
// session left in processing. Finalization is idempotent, so a crash between
// status flip and completion is safe to replay.
func (m *Manager) finalizeStuckProcessing(ctx context.Context) error {
	processing, err := m.store.GetProcessing(ctx, m.cfg.UID)
	if err != nil {
		return fmt.Errorf("conversation manager: list processing: %w", err)
	}
	if len(processing) == 0 {
		return nil
	}
	slog.Info("re-finalizing processing conversations",
		"uid", m.cfg.UID, "session_id", m.cfg.SessionID, "count", len(processing))
	for _, conv := range processing {
		id := conv.ID
		err := m.locks.WithConversationLock(ctx, m.cfg.UID, id, func(ctx context.Context) error {
			cur, err := m.store.Get(ctx, m.cfg.UID, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return nil
				}
				return err
			}
			// Another session may have finished it while we waited.
			if cur.Status != types.StatusProcessing {
				return nil
			}
			m.finalize(ctx, cur)
			return nil
		})
		if err != nil {
			return fmt.Errorf("conversation manager: re-finalize %s: %w", id, err)
		}
	}
	return nil
}

func (m *Manager) sendLastConversation(ctx context.Context) {
	last, err := m.store.GetLastCompleted(ctx, m.cfg.UID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("last completed conversation lookup failed",
				"uid", m.cfg.UID, "session_id", m.cfg.SessionID, "err", err)
		}
		return
	}
	m.events.LastConversation(last.ID)
}

// prepareInProgress resumes an existing in-progress conversation, finalizes
// it when it already sat idle past the timeout, or creates a fresh one.
func (m *Manager) prepareInProgress(ctx context.Context) error {
	existing, err := m.store.GetInProgress(ctx, m.cfg.UID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return m.createNewInProgress(ctx)
		}
		return fmt.Errorf("conversation manager: get in progress: %w", err)
	}

	idle := m.now().Sub(existing.FinishedAt)
	if idle >= m.cfg.ConversationTimeout {
		slog.Info("in-progress conversation timed out before reconnect",
			"uid", m.cfg.UID, "session_id", m.cfg.SessionID,
			"conversation_id", existing.ID, "idle", idle)
		return m.processAndRotate(ctx, existing.ID)
	}

	m.adopt(existing)

	slog.Info("resuming in-progress conversation",
		"uid", m.cfg.UID, "session_id", m.cfg.SessionID,
		"conversation_id", existing.ID, "offset_seconds", m.SecondsToAdd())
	return nil
}

func (m *Manager) createNewInProgress(ctx context.Context) error {
	conv := NewInProgress(m.cfg.UID, m.cfg.Language, types.SourceOmi, m.now())
	conv.PrivateCloudSyncEnabled = m.cfg.PrivateCloudSync

	err := retryTransient(ctx, func() error { return m.store.Create(ctx, conv) })
	if err != nil {
		return fmt.Errorf("conversation manager: create in progress: %w", err)
	}

	m.mu.Lock()
	m.currentID = conv.ID
	m.secondsToAdd = 0
	m.mu.Unlock()

	slog.Info("created in-progress conversation",
		"uid", m.cfg.UID, "session_id", m.cfg.SessionID, "conversation_id", conv.ID)
	return nil
}

// UpdateInProgress merges a live batch into the current conversation under
// the distributed conversation lock and persists the result. It returns the
// updated conversation and the half-open index range the batch contributed
// to, or nil when there is no current conversation.
func (m *Manager) UpdateInProgress(
	ctx context.Context,
	segments []types.TranscriptSegment,
	photos []types.ConversationPhoto,
	finishedAt time.Time,
	assignments map[string]string,
) (*types.Conversation, int, int, error) {
	id := m.CurrentConversationID()
	if id == "" {
		slog.Warn("transcript batch with no current conversation",
			"uid", m.cfg.UID, "session_id", m.cfg.SessionID)
		return nil, 0, 0, nil
	}

	var (
		conv       *types.Conversation
		start, end int
	)
	err := m.locks.WithConversationLock(ctx, m.cfg.UID, id, func(ctx context.Context) error {
		var err error
		conv, err = m.store.Get(ctx, m.cfg.UID, id)
		if err != nil {
			return err
		}

		if len(segments) > 0 {
			// The first batch anchors started_at so segment offsets line
			// up with wall-clock time.
			if len(conv.TranscriptSegments) == 0 {
				lastEnd := segments[len(segments)-1].End
				startedAt := finishedAt.Add(-time.Duration(max(0, lastEnd) * float64(time.Second)))
				if err := m.store.UpdateFields(ctx, m.cfg.UID, id, Fields{StartedAt: &startedAt}); err != nil {
					return err
				}
				conv.StartedAt = startedAt
			}

			conv.TranscriptSegments, start, end = MergeSegments(
				conv.TranscriptSegments, segments, MergeOptions{CoalesceGap: m.cfg.CoalesceGap})
			ApplySpeakerAssignments(conv.TranscriptSegments[start:end], assignments)

			if err := m.store.UpdateSegments(ctx, m.cfg.UID, id, conv.TranscriptSegments); err != nil {
				return err
			}

			// On-device transcripts mark the whole conversation as edge-sourced.
			if segments[0].Source == string(types.SourceEdgeASR) && conv.Source == types.SourceOmi {
				src := types.SourceEdgeASR
				if err := m.store.UpdateFields(ctx, m.cfg.UID, id, Fields{Source: &src}); err != nil {
					return err
				}
				conv.Source = src
			}
		}

		if len(photos) > 0 {
			if err := m.store.AddPhotos(ctx, m.cfg.UID, id, photos); err != nil {
				return err
			}
			conv.Photos = append(conv.Photos, photos...)
			if conv.Source != types.SourceOpenglass {
				src := types.SourceOpenglass
				if err := m.store.UpdateFields(ctx, m.cfg.UID, id, Fields{Source: &src}); err != nil {
					return err
				}
				conv.Source = src
			}
		}

		if err := m.store.UpdateFinishedAt(ctx, m.cfg.UID, id, finishedAt); err != nil {
			return err
		}
		conv.FinishedAt = finishedAt
		return nil
	})
	if err != nil {
		return nil, 0, 0, fmt.Errorf("conversation manager: update %s: %w", id, err)
	}
	return conv, start, end, nil
}

// RunMonitor finalizes the current conversation once it has been idle past
// the timeout. It checks on a fixed cadence and returns when ctx is done.
func (m *Manager) RunMonitor(ctx context.Context) {
	slog.Info("conversation lifecycle monitor started",
		"uid", m.cfg.UID, "session_id", m.cfg.SessionID,
		"timeout", m.cfg.ConversationTimeout)
	defer slog.Info("conversation lifecycle monitor stopped",
		"uid", m.cfg.UID, "session_id", m.cfg.SessionID)

	ticker := time.NewTicker(m.monitorEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		id := m.CurrentConversationID()
		if id == "" {
			continue
		}

		conv, err := m.store.Get(ctx, m.cfg.UID, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Deleted out from under us (another device finalized it).
				slog.Warn("current conversation disappeared",
					"uid", m.cfg.UID, "session_id", m.cfg.SessionID, "conversation_id", id)
				if err := m.createNewInProgress(ctx); err != nil {
					slog.Error("replace missing conversation",
						"uid", m.cfg.UID, "session_id", m.cfg.SessionID, "err", err)
				}
				continue
			}
			slog.Warn("monitor conversation fetch failed",
				"uid", m.cfg.UID, "session_id", m.cfg.SessionID, "err", err)
			continue
		}

		idle := m.now().Sub(conv.FinishedAt)
		if idle < m.cfg.ConversationTimeout {
			continue
		}

		slog.Info("conversation idle timeout",
			"uid", m.cfg.UID, "session_id", m.cfg.SessionID,
			"conversation_id", id, "idle", idle)
		if err := m.processAndRotate(ctx, id); err != nil {
			slog.Error("finalize on timeout failed",
				"uid", m.cfg.UID, "session_id", m.cfg.SessionID,
				"conversation_id", id, "err", err)
		}
	}
}

// processAndRotate finalizes the given conversation (or deletes it when
// empty) under the distributed conversation lock, then makes sure the session
// has an in-progress conversation again. The idle decision is re-validated
// after the lock is acquired: a second session for the same uid (another
// device, or the monitor racing a reconnect) may have refreshed or already
// finalized the conversation while we waited.
func (m *Manager) processAndRotate(ctx context.Context, id string) error {
	var active *types.Conversation
	err := m.locks.WithConversationLock(ctx, m.cfg.UID, id, func(ctx context.Context) error {
		conv, err := m.store.Get(ctx, m.cfg.UID, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Another holder finalized and deleted it already.
				return nil
			}
			return fmt.Errorf("get %s: %w", id, err)
		}

		switch conv.Status {
		case types.StatusCompleted, types.StatusDiscarded:
			// Another holder finished the job while we waited for the lock.
			return nil
		case types.StatusInProgress:
			if m.now().Sub(conv.FinishedAt) < m.cfg.ConversationTimeout {
				active = conv
				return nil
			}
		}

		if conv.HasContent() {
			m.finalize(ctx, conv)
			return nil
		}
		slog.Info("deleting empty conversation",
			"uid", m.cfg.UID, "session_id", m.cfg.SessionID, "conversation_id", id)
		if err := retryTransient(ctx, func() error {
			return m.store.Delete(ctx, m.cfg.UID, id)
		}); err != nil {
			return fmt.Errorf("delete empty %s: %w", id, err)
		}
		m.finalized("deleted_empty")
		return nil
	})
	if err != nil {
		return fmt.Errorf("conversation manager: rotate %s: %w", id, err)
	}

	if active != nil {
		m.adopt(active)
		return nil
	}
	return m.ensureInProgress(ctx)
}

// adopt makes conv the current conversation. A no-op when it already is, so a
// monitor tick that lost the idle race does not disturb the live offset.
func (m *Manager) adopt(conv *types.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentID == conv.ID {
		return
	}
	m.currentID = conv.ID
	if len(conv.TranscriptSegments) > 0 {
		m.secondsToAdd = m.now().Sub(conv.StartedAt).Seconds()
	} else {
		m.secondsToAdd = 0
	}
}

// ensureInProgress adopts the user's in-progress conversation when one exists
// (another session may have rotated first) and creates a fresh one otherwise.
func (m *Manager) ensureInProgress(ctx context.Context) error {
	existing, err := m.store.GetInProgress(ctx, m.cfg.UID)
	if err == nil {
		m.adopt(existing)
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("conversation manager: get in progress: %w", err)
	}
	if err := m.createNewInProgress(ctx); err != nil {
		// Lost the creation race against another session; adopt theirs.
		if errors.Is(err, ErrInProgressExists) {
			if existing, gerr := m.store.GetInProgress(ctx, m.cfg.UID); gerr == nil {
				m.adopt(existing)
				return nil
			}
		}
		return err
	}
	return nil
}

// finalize drives one conversation through processing to completed (or
// discarded on processing failure). It is idempotent: a conversation already
// in processing skips the status flip and event replay.
func (m *Manager) finalize(ctx context.Context, conv *types.Conversation) {
	if conv.Status != types.StatusProcessing {
		m.events.ProcessingStarted(conv)
		if err := retryTransient(ctx, func() error {
			return m.store.SetStatus(ctx, m.cfg.UID, conv.ID, types.StatusProcessing)
		}); err != nil {
			slog.Error("set processing status",
				"uid", m.cfg.UID, "session_id", m.cfg.SessionID,
				"conversation_id", conv.ID, "err", err)
			return
		}
		conv.Status = types.StatusProcessing
	}

	var messages []map[string]any
	err := func() error {
		m.attachGeolocation(ctx, conv)

		if m.deps.Processor != nil {
			processed, err := m.deps.Processor.ProcessConversation(ctx, m.cfg.UID, m.cfg.Language, conv)
			if err != nil {
				return fmt.Errorf("process: %w", err)
			}
			conv = processed
			if conv.Structured != nil {
				if err := m.store.UpdateFields(ctx, m.cfg.UID, conv.ID, Fields{Structured: conv.Structured}); err != nil {
					return fmt.Errorf("store structured: %w", err)
				}
			}
		}

		conv.Status = types.StatusCompleted
		if err := retryTransient(ctx, func() error {
			return m.store.SetStatus(ctx, m.cfg.UID, conv.ID, types.StatusCompleted)
		}); err != nil {
			return fmt.Errorf("set completed: %w", err)
		}

		if m.deps.Integrations != nil {
			msgs, err := m.deps.Integrations.TriggerIntegrations(ctx, m.cfg.UID, conv)
			if err != nil {
				// Integrations are best-effort; the conversation stands.
				slog.Warn("integrations trigger failed",
					"uid", m.cfg.UID, "session_id", m.cfg.SessionID,
					"conversation_id", conv.ID, "err", err)
			} else {
				messages = msgs
			}
		}
		return nil
	}()
	if err != nil {
		slog.Error("conversation processing failed",
			"uid", m.cfg.UID, "session_id", m.cfg.SessionID,
			"conversation_id", conv.ID, "err", err)
		// The status flip matters: a conversation left in processing would be
		// picked up by the next rehydration and re-finalized forever.
		if serr := retryTransient(ctx, func() error {
			return m.store.SetStatus(ctx, m.cfg.UID, conv.ID, types.StatusDiscarded)
		}); serr != nil {
			slog.Error("set discarded status",
				"uid", m.cfg.UID, "session_id", m.cfg.SessionID,
				"conversation_id", conv.ID, "err", serr)
		}
		if derr := m.store.SetDiscarded(ctx, m.cfg.UID, conv.ID, true); derr != nil {
			slog.Error("set discarded",
				"uid", m.cfg.UID, "session_id", m.cfg.SessionID,
				"conversation_id", conv.ID, "err", derr)
		}
		conv.Status = types.StatusDiscarded
		conv.Discarded = true
		m.finalized("discarded")
	} else {
		slog.Info("conversation finalized",
			"uid", m.cfg.UID, "session_id", m.cfg.SessionID, "conversation_id", conv.ID)
		m.finalized("completed")
	}

	m.events.ConversationCreated(conv, messages)
}

// attachGeolocation resolves and stores the user's cached location, if any.
func (m *Manager) attachGeolocation(ctx context.Context, conv *types.Conversation) {
	if m.deps.Geo == nil {
		return
	}
	cached, err := m.deps.Geo.CachedGeolocation(ctx, m.cfg.UID)
	if err != nil || cached == nil {
		if err != nil {
			slog.Warn("geolocation cache lookup failed",
				"uid", m.cfg.UID, "session_id", m.cfg.SessionID, "err", err)
		}
		return
	}
	geo := cached
	if m.deps.GeoResolver != nil {
		resolved, err := m.deps.GeoResolver.Resolve(ctx, cached.Latitude, cached.Longitude)
		if err != nil {
			slog.Warn("geolocation resolve failed",
				"uid", m.cfg.UID, "session_id", m.cfg.SessionID, "err", err)
		} else if resolved != nil {
			geo = resolved
		}
	}
	conv.Geolocation = geo
	if err := m.store.UpdateFields(ctx, m.cfg.UID, conv.ID, Fields{Geolocation: geo}); err != nil {
		slog.Warn("store geolocation failed",
			"uid", m.cfg.UID, "session_id", m.cfg.SessionID, "err", err)
	}
}

func (m *Manager) finalized(outcome string) {
	if m.observeFinalize != nil {
		m.observeFinalize(outcome)
	}
}

// retryTransient runs fn, retrying on error with a short backoff ladder.
func retryTransient(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= len(finalizeBackoff) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(finalizeBackoff[attempt]):
		}
	}
}
