package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/auricle-ai/auricle/internal/audio"
	"github.com/auricle-ai/auricle/internal/config"
	"github.com/auricle-ai/auricle/internal/conversation"
	"github.com/auricle-ai/auricle/internal/health"
	"github.com/auricle-ai/auricle/internal/notify"
	"github.com/auricle-ai/auricle/internal/session"
	"github.com/auricle-ai/auricle/internal/users"
	"github.com/auricle-ai/auricle/pkg/provider/stt"
	"github.com/auricle-ai/auricle/pkg/provider/stt/mock"
)

type passthroughLocker struct{}

func (passthroughLocker) WithConversationLock(ctx context.Context, _, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}

func testTiming() config.SessionConfig {
	return config.SessionConfig{
		InactivityTimeoutSeconds: 5,
		HeartbeatIntervalSeconds: 1,
		UsageIntervalSeconds:     1,
	}
}

func testDeps() session.Deps {
	store := conversation.NewMemStore()
	provider := &mock.Provider{}
	return session.Deps{
		Store:    store,
		Usage:    store,
		Locks:    passthroughLocker{},
		Users:    &users.StaticStore{Credits: true, Plan: users.PlanUnlimited},
		Notifier: notify.LogNotifier{},
		Providers: audio.ProviderSet{
			stt.ServiceDeepgram: provider,
			stt.ServiceSoniox:   provider,
		},
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(nil, testTiming(), testDeps(), health.New()).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/listen?" + query
}

func TestListen_RejectsMissingUID(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/listen")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestListen_RejectsInvalidSampleRate(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/listen?uid=u1&sample_rate=44100")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListen_UnsupportedLanguageCloses(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "uid=u1&language=xx"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatal("read succeeded, want close")
	}
	if got := websocket.CloseStatus(err); got != session.StatusUnsupportedLanguage {
		t.Fatalf("close status = %d, want %d", got, session.StatusUnsupportedLanguage)
	}
}

func TestListen_StopClosesNormally(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "uid=u1&language=en&sample_rate=16000&codec=pcm16"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	// Drain server frames (service_status, heartbeat) until the close arrives.
	for {
		_, _, err = conn.Read(ctx)
		if err != nil {
			break
		}
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Fatalf("close status = %d, want %d", got, websocket.StatusNormalClosure)
	}
}

func TestListen_HealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestSessionConfig_DefaultsAndClamping(t *testing.T) {
	t.Parallel()
	s := New(nil, testTiming(), testDeps(), nil)

	tests := []struct {
		name  string
		query string
		check func(t *testing.T, cfg session.Config)
	}{
		{
			name:  "defaults",
			query: "",
			check: func(t *testing.T, cfg session.Config) {
				if cfg.Language != "en" {
					t.Errorf("language = %q, want en", cfg.Language)
				}
				if cfg.SampleRate != 8000 {
					t.Errorf("sample rate = %d, want 8000", cfg.SampleRate)
				}
				if cfg.Codec != audio.CodecPCM8 {
					t.Errorf("codec = %q, want pcm8", cfg.Codec)
				}
				if !cfg.IncludeSpeechProfile {
					t.Error("include_speech_profile should default to true")
				}
				if cfg.ConversationTimeout != 120*time.Second {
					t.Errorf("conversation timeout = %v, want 2m", cfg.ConversationTimeout)
				}
			},
		},
		{
			name:  "timeout clamped low",
			query: "conversation_timeout=10",
			check: func(t *testing.T, cfg session.Config) {
				if cfg.ConversationTimeout != 120*time.Second {
					t.Errorf("conversation timeout = %v, want 2m", cfg.ConversationTimeout)
				}
			},
		},
		{
			name:  "timeout clamped high",
			query: "conversation_timeout=99999",
			check: func(t *testing.T, cfg session.Config) {
				if cfg.ConversationTimeout != 14400*time.Second {
					t.Errorf("conversation timeout = %v, want 4h", cfg.ConversationTimeout)
				}
			},
		},
		{
			name:  "opus fs320 frame size",
			query: "codec=opus_fs320&sample_rate=16000",
			check: func(t *testing.T, cfg session.Config) {
				if cfg.Codec != audio.CodecOpus {
					t.Errorf("codec = %q, want opus", cfg.Codec)
				}
				if cfg.FrameSize == 0 {
					t.Error("frame size should be set for opus_fs320")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/v1/listen?"+tt.query, nil)
			cfg, err := s.sessionConfig("u1", r)
			if err != nil {
				t.Fatalf("sessionConfig: %v", err)
			}
			if cfg.UID != "u1" {
				t.Errorf("uid = %q, want u1", cfg.UID)
			}
			if cfg.SessionID == "" {
				t.Error("session id should be generated")
			}
			tt.check(t, cfg)
		})
	}
}

func TestLanguageSupported(t *testing.T) {
	t.Parallel()
	s := New(nil, testTiming(), testDeps(), nil)

	tests := []struct {
		language string
		want     bool
	}{
		{"en", true},
		{"auto", true}, // normalized to multi, routed to soniox
		{"xx", false},
		{"ar", false}, // routes to speechmatics, which is not configured
	}
	for _, tt := range tests {
		if got := s.languageSupported(tt.language); got != tt.want {
			t.Errorf("languageSupported(%q) = %v, want %v", tt.language, got, tt.want)
		}
	}
}
