package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/auricle-ai/auricle/internal/audio"
	"github.com/auricle-ai/auricle/internal/conversation"
	"github.com/auricle-ai/auricle/internal/translate"
	"github.com/auricle-ai/auricle/internal/users"
	"github.com/auricle-ai/auricle/internal/vision"
	"github.com/auricle-ai/auricle/pkg/provider/stt"
	"github.com/auricle-ai/auricle/pkg/provider/stt/mock"
	"github.com/auricle-ai/auricle/pkg/types"
)

type wsFrame struct {
	typ  websocket.MessageType
	data []byte
}

// fakeTransport is an in-memory Transport driven by the test.
type fakeTransport struct {
	incoming chan wsFrame
	once     sync.Once

	mu     sync.Mutex
	writes []string
	closed bool
	code   websocket.StatusCode
	reason string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan wsFrame, 64)}
}

func (t *fakeTransport) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case f, ok := <-t.incoming:
		if !ok {
			return 0, nil, net.ErrClosed
		}
		return f.typ, f.data, nil
	}
}

func (t *fakeTransport) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return net.ErrClosed
	}
	t.writes = append(t.writes, string(data))
	return nil
}

func (t *fakeTransport) Close(code websocket.StatusCode, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.code = code
	t.reason = reason
	return nil
}

func (t *fakeTransport) sendText(s string) {
	t.incoming <- wsFrame{websocket.MessageText, []byte(s)}
}

func (t *fakeTransport) sendBinary(b []byte) {
	t.incoming <- wsFrame{websocket.MessageBinary, b}
}

func (t *fakeTransport) disconnect() {
	t.once.Do(func() { close(t.incoming) })
}

func (t *fakeTransport) closedWith() (websocket.StatusCode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.code, t.closed
}

func (t *fakeTransport) writesContaining(substr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for _, w := range t.writes {
		if strings.Contains(w, substr) {
			n++
		}
	}
	return n
}

// mutableUsers is a user store whose credit state tests can flip mid-session.
type mutableUsers struct {
	credits atomic.Bool
	plan    users.Plan
	lang    string
}

func (m *mutableUsers) HasTranscriptionCredits(context.Context, string) (bool, error) {
	return m.credits.Load(), nil
}

func (m *mutableUsers) Subscription(context.Context, string) (users.Subscription, error) {
	return users.Subscription{Plan: m.plan}, nil
}

func (m *mutableUsers) LanguagePreference(context.Context, string) (string, error) {
	return m.lang, nil
}

func (m *mutableUsers) PrivateCloudSyncEnabled(context.Context, string) (bool, error) {
	return false, nil
}

func (m *mutableUsers) PersonByName(context.Context, string, string) (*users.Person, error) {
	return nil, nil
}

type passthroughLocker struct{}

func (passthroughLocker) WithConversationLock(ctx context.Context, _, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}

type notifyRecorder struct {
	mu          sync.Mutex
	creditCalls int
	silentCalls int
}

func (n *notifyRecorder) CreditLimit(context.Context, string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.creditCalls++
	return nil
}

func (n *notifyRecorder) SilentUser(context.Context, string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.silentCalls++
	return nil
}

func (n *notifyRecorder) credits() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.creditCalls
}

type env struct {
	store     *conversation.MemStore
	users     *mutableUsers
	notifier  *notifyRecorder
	provider  *mock.Provider
	transport *fakeTransport
	done      chan error
}

func newEnv(t *testing.T, mutate func(*Config, *Deps)) *env {
	t.Helper()

	e := &env{
		store:     conversation.NewMemStore(),
		users:     &mutableUsers{plan: users.PlanUnlimited},
		notifier:  &notifyRecorder{},
		provider:  &mock.Provider{},
		transport: newFakeTransport(),
		done:      make(chan error, 1),
	}
	e.users.credits.Store(true)

	cfg := Config{
		UID:                 "u1",
		SessionID:           "s1",
		Language:            "en",
		SampleRate:          16000,
		Channels:            1,
		Codec:               audio.CodecPCM16,
		ConversationTimeout: 120 * time.Second,
		InactivityTimeout:   5 * time.Second,
		HeartbeatInterval:   20 * time.Millisecond,
		UsageInterval:       25 * time.Millisecond,
	}
	deps := Deps{
		Store:    e.store,
		Usage:    e.store,
		Locks:    passthroughLocker{},
		Users:    e.users,
		Notifier: e.notifier,
		Providers: audio.ProviderSet{
			stt.ServiceDeepgram: e.provider,
			stt.ServiceSoniox:   e.provider,
		},
		Vision:     vision.StaticDescriber{Description: "a desk with a laptop"},
		Translator: translate.StaticTranslator{},
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	s := New(cfg, deps, e.transport)
	go func() { e.done <- s.Run(context.Background()) }()

	t.Cleanup(func() {
		e.transport.disconnect()
		select {
		case <-e.done:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *env) inProgress(t *testing.T) *types.Conversation {
	t.Helper()
	conv, err := e.store.GetInProgress(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetInProgress: %v", err)
	}
	return conv
}

func (e *env) waitDone(t *testing.T) {
	t.Helper()
	select {
	case err := <-e.done:
		// Put the result back so the Cleanup in newEnv can observe it too.
		e.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestSession_StopLeavesInProgressConversation(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	waitFor(t, "in-progress conversation", func() bool {
		_, err := e.store.GetInProgress(context.Background(), "u1")
		return err == nil
	})

	e.transport.sendText(`{"type":"stop"}`)
	e.waitDone(t)

	code, closed := e.transport.closedWith()
	if !closed || code != websocket.StatusNormalClosure {
		t.Errorf("closed with %d, want 1000", code)
	}
	if conv := e.inProgress(t); conv.Status != types.StatusInProgress {
		t.Errorf("status = %q, want in_progress after stop", conv.Status)
	}
}

func TestSession_AudioFlowsToProviderAndMergedWindowEmitted(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	waitFor(t, "in-progress conversation", func() bool {
		_, err := e.store.GetInProgress(context.Background(), "u1")
		return err == nil
	})

	e.transport.sendBinary(make([]byte, 320))
	waitFor(t, "provider channel", func() bool { return len(e.provider.Calls()) == 1 })
	waitFor(t, "audio chunk", func() bool {
		return len(e.provider.Calls()[0].Channel.Chunks()) == 1
	})

	e.provider.Emit(0, []types.TranscriptSegment{{
		ID: "seg-1", Text: "hello world", SpeakerLabel: "SPEAKER_00",
		Start: 0, End: 1.4, Source: "deepgram",
	}})

	waitFor(t, "persisted segment", func() bool {
		conv, err := e.store.GetInProgress(context.Background(), "u1")
		return err == nil && len(conv.TranscriptSegments) == 1
	})
	if got := e.inProgress(t).TranscriptSegments[0].Text; got != "hello world" {
		t.Errorf("segment text = %q", got)
	}
	waitFor(t, "segment emission", func() bool {
		return e.transport.writesContaining("hello world") > 0
	})
	waitFor(t, "usage words", func() bool {
		return e.store.Usage("u1").Words == 2
	})
}

func TestSession_EdgeASRFramesBypassProvider(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	waitFor(t, "in-progress conversation", func() bool {
		_, err := e.store.GetInProgress(context.Background(), "u1")
		return err == nil
	})

	e.transport.sendText(`{"type":"transcript_segment","text":"   "}`)
	e.transport.sendText(`{"type":"transcript_segment","text":"on device words","start":0.5,"end":1.5}`)

	waitFor(t, "edge segment persisted", func() bool {
		conv, err := e.store.GetInProgress(context.Background(), "u1")
		return err == nil && len(conv.TranscriptSegments) == 1
	})

	conv := e.inProgress(t)
	seg := conv.TranscriptSegments[0]
	if seg.Text != "on device words" {
		t.Errorf("text = %q (whitespace frame must be dropped)", seg.Text)
	}
	if seg.SpeakerLabel != "SPEAKER_00" {
		t.Errorf("speaker = %q, want default SPEAKER_00", seg.SpeakerLabel)
	}
	if conv.Source != types.SourceEdgeASR {
		t.Errorf("conversation source = %q, want edge_asr", conv.Source)
	}

	// Binary audio after the latch must not open a provider channel.
	e.transport.sendBinary(make([]byte, 320))
	time.Sleep(50 * time.Millisecond)
	if len(e.provider.Calls()) != 0 {
		t.Errorf("provider opened %d channels, want 0 in edge mode", len(e.provider.Calls()))
	}
}

func TestSession_CreditExhaustionLocksAndDrops(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	waitFor(t, "in-progress conversation", func() bool {
		_, err := e.store.GetInProgress(context.Background(), "u1")
		return err == nil
	})

	e.transport.sendBinary(make([]byte, 320))
	waitFor(t, "provider channel", func() bool { return len(e.provider.Calls()) == 1 })

	e.provider.Emit(0, []types.TranscriptSegment{{
		ID: "seg-1", Text: "before limit", SpeakerLabel: "SPEAKER_00",
		Start: 0, End: 1, Source: "deepgram",
	}})
	waitFor(t, "first segment", func() bool {
		conv, err := e.store.GetInProgress(context.Background(), "u1")
		return err == nil && len(conv.TranscriptSegments) == 1
	})

	e.users.credits.Store(false)
	waitFor(t, "credit notification", func() bool { return e.notifier.credits() == 1 })
	waitFor(t, "locked conversation", func() bool {
		conv, err := e.store.GetInProgress(context.Background(), "u1")
		return err == nil && conv.IsLocked
	})

	e.provider.Emit(0, []types.TranscriptSegment{{
		ID: "seg-2", Text: "after limit", SpeakerLabel: "SPEAKER_00",
		Start: 2, End: 3, Source: "deepgram",
	}})
	time.Sleep(60 * time.Millisecond)
	if n := len(e.inProgress(t).TranscriptSegments); n != 1 {
		t.Errorf("segments = %d, want 1 (batches dropped without credits)", n)
	}
	if e.notifier.credits() != 1 {
		t.Errorf("credit notifications = %d, want exactly 1", e.notifier.credits())
	}

	// Restored credits unblock the transcript path.
	e.users.credits.Store(true)
	time.Sleep(60 * time.Millisecond)
	e.provider.Emit(0, []types.TranscriptSegment{{
		ID: "seg-3", Text: "credits back", SpeakerLabel: "SPEAKER_00",
		Start: 4, End: 5, Source: "deepgram",
	}})
	waitFor(t, "post-restore segment", func() bool {
		conv, err := e.store.GetInProgress(context.Background(), "u1")
		return err == nil && len(conv.TranscriptSegments) == 2
	})
}

func TestSession_InactivityTimeoutClosesGoingAway(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(cfg *Config, _ *Deps) {
		cfg.InactivityTimeout = 60 * time.Millisecond
	})
	waitFor(t, "in-progress conversation", func() bool {
		_, err := e.store.GetInProgress(context.Background(), "u1")
		return err == nil
	})

	// One audio frame starts the inactivity clock; then go silent.
	e.transport.sendBinary(make([]byte, 320))
	e.waitDone(t)

	code, closed := e.transport.closedWith()
	if !closed || code != websocket.StatusGoingAway {
		t.Errorf("closed with %d, want 1001", code)
	}
	if e.transport.writesContaining("ping") == 0 {
		t.Error("no heartbeat ping emitted")
	}
}

func TestSession_NoAudioNeverTimesOut(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(cfg *Config, _ *Deps) {
		cfg.InactivityTimeout = 50 * time.Millisecond
	})
	waitFor(t, "in-progress conversation", func() bool {
		_, err := e.store.GetInProgress(context.Background(), "u1")
		return err == nil
	})

	// Control frames keep flowing but no audio ever arrives; the session
	// must outlive the timeout.
	for range 4 {
		time.Sleep(50 * time.Millisecond)
		e.transport.sendText(`{"type":"speaker_assignment","segment_id":"seg-1","person_id":"user"}`)
	}
	if _, closed := e.transport.closedWith(); closed {
		t.Fatal("audio-less session closed by the inactivity timer")
	}

	e.transport.sendText(`{"type":"stop"}`)
	e.waitDone(t)
	if code, closed := e.transport.closedWith(); !closed || code != websocket.StatusNormalClosure {
		t.Errorf("closed with %d, want 1000", code)
	}
}

func TestSession_UnsupportedLanguageCloses4402(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(cfg *Config, _ *Deps) {
		cfg.Language = "xx"
	})
	waitFor(t, "in-progress conversation", func() bool {
		_, err := e.store.GetInProgress(context.Background(), "u1")
		return err == nil
	})

	e.transport.sendBinary(make([]byte, 320))
	e.waitDone(t)

	code, closed := e.transport.closedWith()
	if !closed || code != StatusUnsupportedLanguage {
		t.Errorf("closed with %d, want 4402", code)
	}
}

func TestSession_ImageChunksBecomeDescribedPhoto(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	waitFor(t, "in-progress conversation", func() bool {
		_, err := e.store.GetInProgress(context.Background(), "u1")
		return err == nil
	})

	encoded := base64.StdEncoding.EncodeToString([]byte("fake jpeg bytes for the assembler"))
	third := len(encoded) / 3
	chunks := []string{encoded[:third], encoded[third : 2*third], encoded[2*third:]}
	// Out-of-order arrival must still assemble.
	for _, i := range []int{2, 0, 1} {
		e.transport.sendText(fmt.Sprintf(
			`{"type":"image_chunk","id":"img-1","index":%d,"total":3,"data":%q}`, i, chunks[i]))
	}

	waitFor(t, "photo on conversation", func() bool {
		conv, err := e.store.GetInProgress(context.Background(), "u1")
		return err == nil && len(conv.Photos) == 1
	})

	conv := e.inProgress(t)
	if conv.Photos[0].Description != "a desk with a laptop" {
		t.Errorf("description = %q", conv.Photos[0].Description)
	}
	if conv.Source != types.SourceOpenglass {
		t.Errorf("source = %q, want openglass", conv.Source)
	}
	if len(conv.TranscriptSegments) != 0 {
		t.Errorf("segments = %d, want untouched 0", len(conv.TranscriptSegments))
	}
}

func TestSession_SpeakerAssignmentAppliedOnNextMerge(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	waitFor(t, "in-progress conversation", func() bool {
		_, err := e.store.GetInProgress(context.Background(), "u1")
		return err == nil
	})

	e.transport.sendText(`{"type":"speaker_assignment","segment_id":"seg-1","person_id":"user"}`)
	time.Sleep(20 * time.Millisecond)

	e.transport.sendBinary(make([]byte, 320))
	waitFor(t, "provider channel", func() bool { return len(e.provider.Calls()) == 1 })
	e.provider.Emit(0, []types.TranscriptSegment{{
		ID: "seg-1", Text: "that was me", SpeakerLabel: "SPEAKER_00",
		Start: 0, End: 1, Source: "deepgram",
	}})

	waitFor(t, "assigned segment", func() bool {
		conv, err := e.store.GetInProgress(context.Background(), "u1")
		return err == nil && len(conv.TranscriptSegments) == 1 &&
			conv.TranscriptSegments[0].IsUser
	})
}

func TestSession_AnnouncesLastCompletedConversation(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(_ *Config, deps *Deps) {
		now := time.Now().UTC()
		done := conversation.NewInProgress("u1", "en", types.SourceOmi, now.Add(-time.Hour))
		done.ID = "prior-conv"
		done.Status = types.StatusCompleted
		done.FinishedAt = now.Add(-30 * time.Minute)
		if err := deps.Store.Create(context.Background(), done); err != nil {
			t.Fatalf("seed conversation: %v", err)
		}
	})

	waitFor(t, "last conversation event", func() bool {
		return e.transport.writesContaining(`"memory_id":"prior-conv"`) > 0
	})
}

func TestSession_MultilingualTranslatesSegments(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(cfg *Config, deps *Deps) {
		cfg.Language = "auto"
		deps.Users.(*mutableUsers).lang = "es"
	})

	waitFor(t, "in-progress conversation", func() bool {
		_, err := e.store.GetInProgress(context.Background(), "u1")
		return err == nil
	})

	e.transport.sendBinary(make([]byte, 320))
	waitFor(t, "provider channel", func() bool { return len(e.provider.Calls()) == 1 })
	if lang := e.provider.Calls()[0].Cfg.Language; lang != "multi" {
		t.Errorf("provider language = %q, want multi", lang)
	}

	e.provider.Emit(0, []types.TranscriptSegment{{
		ID: "seg-1", Text: "hola mundo", SpeakerLabel: "SPEAKER_00",
		Start: 0, End: 1, Source: "soniox",
	}})

	waitFor(t, "translating event", func() bool {
		return e.transport.writesContaining(`"translating"`) > 0 &&
			e.transport.writesContaining("[es] hola mundo") > 0
	})
}
