// Package server exposes the Auricle HTTP surface: the /v1/listen streaming
// endpoint plus health and metrics routes.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/auricle-ai/auricle/internal/audio"
	"github.com/auricle-ai/auricle/internal/config"
	"github.com/auricle-ai/auricle/internal/health"
	"github.com/auricle-ai/auricle/internal/session"
	"github.com/auricle-ai/auricle/pkg/provider/stt"
)

// AuthFunc authenticates one streaming request before the websocket upgrade
// and returns the caller's uid. A non-nil error rejects the request with
// HTTP 401 (the session is never accepted).
type AuthFunc func(r *http.Request) (string, error)

// ErrUnauthenticated rejects a streaming request before accept.
var ErrUnauthenticated = errors.New("server: unauthenticated")

// QueryUIDAuth trusts the uid query parameter. Suitable behind a gateway
// that already validated the bearer credential.
func QueryUIDAuth(r *http.Request) (string, error) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		return "", ErrUnauthenticated
	}
	return uid, nil
}

// Server wires the streaming endpoint with its collaborators.
type Server struct {
	auth    AuthFunc
	timing  config.SessionConfig
	deps    session.Deps
	checks  *health.Handler
	metrics http.Handler
}

// New creates a Server. auth defaults to QueryUIDAuth, checks may be nil.
func New(auth AuthFunc, timing config.SessionConfig, deps session.Deps, checks *health.Handler) *Server {
	if auth == nil {
		auth = QueryUIDAuth
	}
	if checks == nil {
		checks = health.New()
	}
	return &Server{
		auth:    auth,
		timing:  timing,
		deps:    deps,
		checks:  checks,
		metrics: promhttp.Handler(),
	}
}

// Routes returns the full route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/listen", s.handleListen)
	mux.Handle("GET /metrics", s.metrics)
	s.checks.Register(mux)
	return mux
}

// handleListen upgrades one client to a transcription session and blocks
// until the session ends.
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	uid, err := s.auth(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	cfg, err := s.sessionConfig(uid, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Handshake failures are the client's problem; nothing to clean up.
		slog.Debug("websocket accept failed", "uid", uid, "err", err)
		return
	}

	if !s.languageSupported(cfg.Language) {
		_ = conn.Close(session.StatusUnsupportedLanguage, "unsupported language")
		return
	}

	sess := session.New(cfg, s.deps, conn)
	if err := sess.Run(r.Context()); err != nil {
		slog.Warn("session ended with error",
			"uid", uid, "session_id", cfg.SessionID, "err", err)
	}
}

// sessionConfig parses and validates the handshake parameters.
func (s *Server) sessionConfig(uid string, r *http.Request) (session.Config, error) {
	q := r.URL.Query()

	language := q.Get("language")
	if language == "" {
		language = "en"
	}

	sampleRate := 8000
	if v := q.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || (n != 8000 && n != 16000) {
			return session.Config{}, errors.New("sample_rate must be 8000 or 16000")
		}
		sampleRate = n
	}

	codecName := q.Get("codec")
	if codecName == "" {
		codecName = "pcm8"
	}
	codec, frameSize, err := audio.ParseCodec(codecName)
	if err != nil {
		return session.Config{}, err
	}

	channels := 1
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 2 {
			return session.Config{}, errors.New("channels must be 1 or 2")
		}
		channels = n
	}

	includeProfile := true
	if v := q.Get("include_speech_profile"); v != "" {
		includeProfile = v == "true" || v == "1"
	}

	timeoutSeconds := config.MinConversationTimeoutSeconds
	if v := q.Get("conversation_timeout"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return session.Config{}, errors.New("conversation_timeout must be an integer")
		}
		timeoutSeconds = n
	}

	return session.Config{
		UID:                  uid,
		SessionID:            uuid.NewString(),
		Language:             language,
		SampleRate:           sampleRate,
		Channels:             channels,
		Codec:                codec,
		FrameSize:            frameSize,
		IncludeSpeechProfile: includeProfile,
		ConversationTimeout:  config.ClampConversationTimeout(timeoutSeconds),
		InactivityTimeout:    s.timing.InactivityTimeout(),
		HeartbeatInterval:    s.timing.HeartbeatInterval(),
		UsageInterval:        s.timing.UsageInterval(),
		CoalesceGap:          s.timing.CoalesceGapSeconds,
	}, nil
}

// languageSupported reports whether a configured provider covers the
// session language.
func (s *Server) languageSupported(language string) bool {
	if language == "auto" {
		language = "multi"
	}
	sel, ok := stt.SelectProvider(language)
	if !ok {
		return false
	}
	_, configured := s.deps.Providers[sel.Service]
	return configured
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts it
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Routes(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
