// Package session implements the live transcription session: the frame loop
// over one client websocket, the audio fan-in to the STT provider, usage and
// credit accounting, and the handoff of transcript batches to the
// conversation manager.
//
// A session owns a task tree (heartbeat, usage accounting, conversation
// monitor, frame reader) that is torn down as a unit when the client
// disconnects, stops, or goes idle. The in-progress conversation is
// deliberately NOT finalized on shutdown; the idle-timeout monitor of a later
// session handles that, so brief reconnects never split a conversation.
package session

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/auricle-ai/auricle/internal/audio"
	"github.com/auricle-ai/auricle/internal/conversation"
	"github.com/auricle-ai/auricle/internal/notify"
	"github.com/auricle-ai/auricle/internal/observe"
	"github.com/auricle-ai/auricle/internal/translate"
	"github.com/auricle-ai/auricle/internal/users"
	"github.com/auricle-ai/auricle/internal/vision"
	"github.com/auricle-ai/auricle/pkg/types"
)

// StatusUnsupportedLanguage closes sessions whose language no provider covers.
const StatusUnsupportedLanguage websocket.StatusCode = 4402

// StatusUnauthenticated is sent before accept when authentication fails.
const StatusUnauthenticated websocket.StatusCode = 4401

// defaultSpeaker labels edge-ASR segments that arrive without a speaker.
const defaultSpeaker = "SPEAKER_00"

// silenceThreshold is how long a basic-plan user may stream audio without any
// transcript before the silent-user notification fires.
const silenceThreshold = 15 * time.Minute

// Transport is the client connection as the session sees it.
// *websocket.Conn satisfies it directly.
type Transport interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Config describes one session's handshake parameters and timing knobs.
type Config struct {
	UID       string
	SessionID string

	// Language is the requested recognition language ("auto" selects
	// multilingual).
	Language   string
	SampleRate int
	Channels   int
	Codec      audio.Codec
	FrameSize  int

	IncludeSpeechProfile bool

	// ConversationTimeout is the idle window after which the current
	// conversation is finalized. Callers clamp it before constructing the
	// session.
	ConversationTimeout time.Duration

	InactivityTimeout time.Duration
	HeartbeatInterval time.Duration
	UsageInterval     time.Duration

	// CoalesceGap overrides the segment coalesce threshold. Zero keeps the
	// default.
	CoalesceGap float64
}

// Deps are the session's collaborators. Vision and Translator may be nil;
// the corresponding features degrade to no-ops.
type Deps struct {
	Store conversation.Store
	Usage conversation.UsageRecorder
	Locks conversation.Locker
	Users users.Store

	Notifier  notify.Notifier
	Providers audio.ProviderSet
	Profiles  audio.ProfileSource

	// Manager holds the conversation manager's downstream collaborators.
	Manager conversation.ManagerDeps

	Vision     vision.Describer
	Translator translate.Translator

	// Metrics defaults to observe.DefaultMetrics when nil.
	Metrics *observe.Metrics
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithManagerOptions forwards options to the conversation manager, for tests.
func WithManagerOptions(opts ...conversation.ManagerOption) Option {
	return func(s *Session) { s.managerOpts = opts }
}

// Session is one live transcription stream. Create with New, drive with Run.
type Session struct {
	cfg       Config
	deps      Deps
	transport Transport
	emit      *emitter

	now         func() time.Time
	managerOpts []conversation.ManagerOption

	manager *conversation.Manager
	cancel  context.CancelFunc

	procMu          sync.Mutex
	processor       *audio.Processor
	translationLang string
	queue           *translate.Queue

	closeOnce   sync.Once
	closeCode   websocket.StatusCode
	closeReason string

	bg sync.WaitGroup

	mu              sync.Mutex
	runCtx          context.Context
	userHasCredits  bool
	creditNotified  bool
	silenceNotified bool
	edgeASR         bool
	plan            users.Plan
	userLanguage    string
	privateSync     bool
	assignments     map[string]string
	speakerToPerson map[string]string
	lockedConvs     map[string]bool
	images          map[string]*imageAssembly

	firstAudio      time.Time
	lastAudio       time.Time
	lastTranscript  time.Time
	lastUsageRecord time.Time
	words           int
}

// New creates a Session over an accepted transport.
func New(cfg Config, deps Deps, transport Transport, opts ...Option) *Session {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	s := &Session{
		cfg:             cfg,
		deps:            deps,
		transport:       transport,
		now:             time.Now,
		closeCode:       websocket.StatusNormalClosure,
		userHasCredits:  true,
		assignments:     make(map[string]string),
		speakerToPerson: make(map[string]string),
		lockedConvs:     make(map[string]bool),
		images:          make(map[string]*imageAssembly),
	}
	s.emit = newEmitter(transport)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run drives the session until the client stops, disconnects, or goes idle.
// It always closes the transport before returning. The returned error is
// non-nil only for initialization failures; normal teardown returns nil.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel
	s.emit.setContext(ctx)

	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	m := s.deps.Metrics
	m.ActiveSessions.Add(ctx, 1)
	started := s.now()
	defer func() {
		m.ActiveSessions.Add(context.Background(), -1)
		m.SessionDuration.Record(context.Background(), s.now().Sub(started).Seconds())
	}()

	slog.Info("session started",
		"uid", s.cfg.UID, "session_id", s.cfg.SessionID,
		"language", s.cfg.Language, "codec", s.cfg.Codec, "sample_rate", s.cfg.SampleRate)

	s.emit.serviceStatus("initializing", "session starting")
	s.loadUserState(ctx)

	s.manager = conversation.NewManager(conversation.ManagerConfig{
		UID:                 s.cfg.UID,
		SessionID:           s.cfg.SessionID,
		Language:            s.cfg.Language,
		ConversationTimeout: s.cfg.ConversationTimeout,
		PrivateCloudSync:    s.privateSync,
		CoalesceGap:         s.cfg.CoalesceGap,
	}, s.deps.Store, s.deps.Locks, s.emit, s.deps.Manager,
		append([]conversation.ManagerOption{
			conversation.WithFinalizeObserver(func(outcome string) {
				m.RecordFinalization(context.Background(), outcome)
			}),
		}, s.managerOpts...)...)

	var initErr error
	if err := s.manager.Initialize(ctx); err != nil {
		slog.Error("session initialization failed",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID, "err", err)
		s.terminate(websocket.StatusInternalError, "initialization failed")
		initErr = err
	} else {
		s.emit.serviceStatus("ready", "session initialized")

		group, gctx := errgroup.WithContext(ctx)
		group.Go(func() error { s.manager.RunMonitor(gctx); return nil })
		group.Go(func() error { return s.heartbeatLoop(gctx) })
		group.Go(func() error { return s.usageLoop(gctx) })
		group.Go(func() error { return s.readLoop(gctx) })
		_ = group.Wait()
	}
	cancel()
	s.bg.Wait()

	s.shutdown()
	return initErr
}

// shutdown tears the session down in order: provider channels, final usage
// window, translation queue, transport. The in-progress conversation is left
// for the idle monitor.
func (s *Session) shutdown() {
	s.procMu.Lock()
	p, q := s.processor, s.queue
	s.procMu.Unlock()

	if p != nil {
		if err := p.Close(); err != nil {
			slog.Warn("audio processor close",
				"uid", s.cfg.UID, "session_id", s.cfg.SessionID, "err", err)
		}
	}
	s.recordUsage(context.Background())
	if q != nil {
		q.Close()
	}

	code, reason := s.closeStatus()
	if err := s.transport.Close(code, reason); err != nil {
		slog.Debug("transport close",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID, "err", err)
	}
	slog.Info("session ended",
		"uid", s.cfg.UID, "session_id", s.cfg.SessionID,
		"close_code", int(code), "reason", reason)
}

// terminate records the close code for the transport and cancels the session
// task tree. The first caller wins.
func (s *Session) terminate(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *Session) closeStatus() (websocket.StatusCode, string) {
	s.closeOnce.Do(func() {}) // freeze
	return s.closeCode, s.closeReason
}

// loadUserState reads the once-per-session user facts: credits, plan,
// translation preference, private cloud sync. Lookup failures degrade to
// permissive defaults.
func (s *Session) loadUserState(ctx context.Context) {
	has, err := s.deps.Users.HasTranscriptionCredits(ctx, s.cfg.UID)
	if err != nil {
		slog.Warn("credit lookup failed; assuming credits",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID, "err", err)
		has = true
	}
	sub, err := s.deps.Users.Subscription(ctx, s.cfg.UID)
	if err != nil {
		slog.Warn("subscription lookup failed",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID, "err", err)
	}
	lang, err := s.deps.Users.LanguagePreference(ctx, s.cfg.UID)
	if err != nil {
		slog.Warn("language preference lookup failed",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID, "err", err)
	}
	sync, err := s.deps.Users.PrivateCloudSyncEnabled(ctx, s.cfg.UID)
	if err != nil {
		slog.Warn("private cloud sync lookup failed",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID, "err", err)
	}

	s.mu.Lock()
	s.userHasCredits = has
	s.plan = sub.Plan
	s.userLanguage = lang
	s.privateSync = sync
	s.mu.Unlock()
}

// heartbeatLoop sends the "ping" text frame on a fixed cadence and enforces
// the inactivity timeout.
func (s *Session) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := s.emit.ping(); err != nil {
			s.terminate(websocket.StatusGoingAway, "transport closed")
			return nil
		}

		// The clock runs on audio, not on arbitrary frames: a session that
		// never streamed any stays open (control-only clients are fine).
		s.mu.Lock()
		last := s.lastAudio
		s.mu.Unlock()
		if last.IsZero() {
			continue
		}
		idle := s.now().Sub(last)
		if idle > s.cfg.InactivityTimeout {
			slog.Info("session inactivity timeout",
				"uid", s.cfg.UID, "session_id", s.cfg.SessionID, "idle", idle)
			s.terminate(websocket.StatusGoingAway, "inactivity timeout")
			return nil
		}
	}
}

// usageLoop records usage windows and re-checks credits on a fixed cadence.
func (s *Session) usageLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.UsageInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		s.recordUsage(ctx)
		s.checkCredits(ctx)
		s.checkSilence(ctx)
	}
}

// recordUsage flushes the current usage window (seconds of audio time plus
// transcribed words) to the usage sink. The window opens at the first audio
// byte; sessions without credits stop accruing.
func (s *Session) recordUsage(ctx context.Context) {
	s.mu.Lock()
	if s.firstAudio.IsZero() {
		s.mu.Unlock()
		return
	}
	now := s.now()
	base := s.lastUsageRecord
	if base.IsZero() {
		base = s.firstAudio
	}
	seconds := now.Sub(base).Seconds()
	words := s.words
	hasCredits := s.userHasCredits
	s.words = 0
	s.lastUsageRecord = now
	s.mu.Unlock()

	if !hasCredits || (seconds <= 0 && words == 0) {
		return
	}
	if err := s.deps.Usage.RecordUsage(ctx, s.cfg.UID, seconds, words); err != nil {
		slog.Warn("usage record failed",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID, "err", err)
	}
}

// checkCredits re-evaluates transcription credits. On exhaustion it notifies
// once and locks the in-progress conversation; on re-gain it unblocks the
// transcript path.
func (s *Session) checkCredits(ctx context.Context) {
	has, err := s.deps.Users.HasTranscriptionCredits(ctx, s.cfg.UID)
	if err != nil {
		slog.Warn("credit re-check failed",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID, "err", err)
		return
	}

	s.mu.Lock()
	switch {
	case !has && s.userHasCredits:
		s.userHasCredits = false
		shouldNotify := !s.creditNotified
		s.creditNotified = true
		s.mu.Unlock()

		slog.Info("transcription credits exhausted",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID)
		if shouldNotify {
			if err := s.deps.Notifier.CreditLimit(ctx, s.cfg.UID); err != nil {
				slog.Warn("credit limit notification failed",
					"uid", s.cfg.UID, "session_id", s.cfg.SessionID, "err", err)
			}
		}
		s.lockCurrentConversation(ctx)
	case has && !s.userHasCredits:
		s.userHasCredits = true
		s.mu.Unlock()
		slog.Info("transcription credits restored",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID)
	default:
		s.mu.Unlock()
	}
}

// lockCurrentConversation marks the in-progress conversation locked so
// clients cannot expand it past the credit limit. Idempotent per conversation.
func (s *Session) lockCurrentConversation(ctx context.Context) {
	id := s.manager.CurrentConversationID()
	if id == "" {
		return
	}
	s.mu.Lock()
	already := s.lockedConvs[id]
	s.mu.Unlock()
	if already {
		return
	}

	locked := true
	if err := s.deps.Store.UpdateFields(ctx, s.cfg.UID, id, conversation.Fields{IsLocked: &locked}); err != nil {
		slog.Warn("conversation lock flag failed",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID,
			"conversation_id", id, "err", err)
		return
	}
	s.mu.Lock()
	s.lockedConvs[id] = true
	s.mu.Unlock()
}

// checkSilence notifies basic-plan users who keep streaming audio that never
// produces transcript.
func (s *Session) checkSilence(ctx context.Context) {
	s.mu.Lock()
	eligible := s.plan == users.PlanBasic && !s.silenceNotified && !s.firstAudio.IsZero()
	ref := s.lastTranscript
	if s.firstAudio.After(ref) {
		ref = s.firstAudio
	}
	silent := eligible && s.lastAudio.Sub(ref) > silenceThreshold
	if silent {
		s.silenceNotified = true
	}
	s.mu.Unlock()

	if !silent {
		return
	}
	slog.Info("prolonged silence detected",
		"uid", s.cfg.UID, "session_id", s.cfg.SessionID)
	if err := s.deps.Notifier.SilentUser(ctx, s.cfg.UID); err != nil {
		slog.Warn("silent user notification failed",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID, "err", err)
	}
}

// handleTranscript is the STT callback: it gates on credits, counts words,
// merges the batch into the current conversation, emits the merged window,
// and schedules translations.
func (s *Session) handleTranscript(segments []types.TranscriptSegment) {
	if len(segments) == 0 {
		return
	}

	s.mu.Lock()
	if !s.userHasCredits {
		s.mu.Unlock()
		return
	}
	ctx := s.runCtx
	s.lastTranscript = s.now()
	for _, seg := range segments {
		s.words += seg.WordCount()
	}
	assignments := make(map[string]string, len(s.assignments))
	maps.Copy(assignments, s.assignments)
	// Repeat speakers keep their person assignment across segments.
	for _, seg := range segments {
		if pid, ok := s.speakerToPerson[seg.SpeakerLabel]; ok {
			if _, exists := assignments[seg.ID]; !exists {
				assignments[seg.ID] = pid
			}
		}
	}
	s.mu.Unlock()

	if offset := s.manager.SecondsToAdd(); offset > 0 {
		conversation.ShiftSegments(segments, offset)
	}

	conv, start, end, err := s.manager.UpdateInProgress(ctx, segments, nil, s.now(), assignments)
	if err != nil {
		// Next batch retries; the idle monitor can still finalize.
		slog.Warn("transcript merge failed",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID, "err", err)
		return
	}
	if conv == nil || start == end {
		return
	}

	merged := conv.TranscriptSegments[start:end]
	s.deps.Metrics.SegmentsMerged.Add(ctx, int64(len(merged)))
	s.rememberSpeakers(merged)

	if err := s.emit.segments(merged); err != nil {
		slog.Warn("segment emission failed",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID, "err", err)
	}
	s.scheduleTranslations(merged)
}

// rememberSpeakers records speaker-label → person mappings discovered in the
// merged window so later segments of the same speaker are pre-assigned.
func (s *Session) rememberSpeakers(segments []types.TranscriptSegment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range segments {
		if seg.PersonID != nil && seg.SpeakerLabel != "" {
			s.speakerToPerson[seg.SpeakerLabel] = *seg.PersonID
		}
	}
}

// scheduleTranslations enqueues the merged window for translation when the
// session has a translation target.
func (s *Session) scheduleTranslations(segments []types.TranscriptSegment) {
	s.procMu.Lock()
	q, lang := s.queue, s.translationLang
	s.procMu.Unlock()
	if q == nil || lang == "" {
		return
	}
	for _, seg := range segments {
		q.Submit(translate.Request{SegmentID: seg.ID, Text: seg.Text, TargetLang: lang})
	}
}

// onTranslation emits a completed translation to the client.
func (s *Session) onTranslation(res translate.Result) {
	if err := s.emit.translating(res.SegmentID, []types.Translation{res.Translation}); err != nil {
		slog.Warn("translation emission failed",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID, "err", err)
	}
}

// ensureProcessor lazily initializes the audio pipeline on the first binary
// frame. Edge-ASR sessions never reach this.
func (s *Session) ensureProcessor(ctx context.Context) error {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	if s.processor != nil {
		return nil
	}

	s.mu.Lock()
	userLang := s.userLanguage
	runCtx := s.runCtx
	s.mu.Unlock()

	p := audio.NewProcessor(audio.Config{
		UID:                    s.cfg.UID,
		SessionID:              s.cfg.SessionID,
		Language:               s.cfg.Language,
		SampleRate:             s.cfg.SampleRate,
		Channels:               s.cfg.Channels,
		Codec:                  s.cfg.Codec,
		FrameSize:              s.cfg.FrameSize,
		IncludeSpeechProfile:   s.cfg.IncludeSpeechProfile,
		UserLanguagePreference: userLang,
	}, s.deps.Providers, s.deps.Profiles, s.handleTranscript)

	connStart := s.now()
	res, err := p.Initialize(ctx)
	if err != nil {
		return err
	}
	s.deps.Metrics.RecordSTTConnect(ctx, string(res.Selection.Service), s.now().Sub(connStart))

	s.processor = p
	s.translationLang = res.TranslationLanguage
	if s.translationLang != "" && s.deps.Translator != nil {
		s.queue = translate.NewQueue(runCtx, s.deps.Translator, s.onTranslation,
			translate.WithDropObserver(func(outcome string) {
				s.deps.Metrics.RecordTranslation(context.Background(), outcome)
			}))
	}

	s.emit.serviceStatus("stt_connected", string(res.Selection.Service))
	return nil
}

// IsEdgeASR reports whether the session latched into edge-ASR mode.
func (s *Session) IsEdgeASR() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edgeASR
}
