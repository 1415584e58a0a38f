package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/auricle-ai/auricle/pkg/provider/stt"
	"github.com/auricle-ai/auricle/pkg/types"
)

// profileChunkBytes is the write size used when pre-feeding the speech
// profile into the calibrated channel.
const profileChunkBytes = 4096

// profilePadSeconds extends the calibration window past the profile WAV so
// the provider has settled on the user's voice before live audio switches
// back to the calibrated channel.
const profilePadSeconds = 5

// ProviderSet maps a service name to its streaming adapter.
type ProviderSet map[stt.Service]stt.Provider

// ProfileSource loads a user's speech-profile WAV. A nil byte slice with a
// nil error means the user has no profile.
type ProfileSource interface {
	ProfileWAV(ctx context.Context, uid string) ([]byte, error)
}

// Config describes one session's audio stream.
type Config struct {
	UID       string
	SessionID string

	// Language is the session's requested language ("auto" selects
	// multilingual transcription).
	Language   string
	SampleRate int
	Channels   int
	Codec      Codec
	FrameSize  int

	IncludeSpeechProfile bool

	// UserLanguagePreference resolves the translation target when the
	// session runs multilingual and no explicit language was requested.
	UserLanguagePreference string
}

// Result reports what Initialize selected.
type Result struct {
	Selection stt.Selection

	// TranslationLanguage is non-empty when multilingual transcripts should
	// be translated for the client.
	TranslationLanguage string

	// PrerollSeconds is the calibration window length, zero without a profile.
	PrerollSeconds float64
}

// Processor decodes a session's audio and streams it to the selected
// provider. When a speech profile exists it runs two provider channels: the
// calibrated one is pre-fed the profile WAV, while a plain channel carries
// live audio until the calibration window elapses. After the switchover the
// plain channel is closed and all audio flows through the calibrated one.
type Processor struct {
	cfg       Config
	providers ProviderSet
	profiles  ProfileSource
	callback  stt.Callback

	now func() time.Time

	decoder *opusDecoder

	mu             sync.Mutex
	primary        stt.Channel // calibrated (or only) channel
	secondary      stt.Channel // live channel during the calibration window
	profileWindow  float64
	timerStart     time.Time
	profileDone    atomic.Bool
	profileFeedWG  sync.WaitGroup
	profileFeedCtx context.CancelFunc
}

// Option configures a Processor.
type Option func(*Processor)

// WithNow overrides the clock. Used in tests to step the calibration window.
func WithNow(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a Processor. The callback receives every transcript
// batch with the profile-processed flag stamped on each segment.
func NewProcessor(cfg Config, providers ProviderSet, profiles ProfileSource, cb stt.Callback, opts ...Option) *Processor {
	p := &Processor{
		cfg:       cfg,
		providers: providers,
		profiles:  profiles,
		now:       time.Now,
	}
	p.callback = func(segments []types.TranscriptSegment) {
		done := p.profileDone.Load()
		for i := range segments {
			segments[i].SpeechProfileProcessed = done
		}
		cb(segments)
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Initialize selects the provider for the session language, loads the speech
// profile when eligible, and opens the provider channel(s). It returns
// stt.ErrUnsupportedLanguage (wrapped) when no provider covers the language.
func (p *Processor) Initialize(ctx context.Context) (Result, error) {
	language := p.cfg.Language
	if language == "auto" {
		language = "multi"
	}

	sel, ok := stt.SelectProvider(language)
	if !ok {
		return Result{}, fmt.Errorf("audio: language %q: %w", language, stt.ErrUnsupportedLanguage)
	}
	provider, ok := p.providers[sel.Service]
	if !ok {
		return Result{}, fmt.Errorf("audio: provider %s not configured: %w", sel.Service, stt.ErrUnsupportedLanguage)
	}

	var translationLanguage string
	if sel.Language == "multi" {
		if language == "multi" {
			translationLanguage = p.cfg.UserLanguagePreference
		} else {
			translationLanguage = language
		}
	}

	profile, err := p.loadProfile(ctx)
	if err != nil {
		// A broken profile only loses calibration, never the session.
		slog.Warn("speech profile unavailable",
			"uid", p.cfg.UID, "session_id", p.cfg.SessionID, "err", err)
		profile = WAVInfo{}
	}
	if len(profile.Data) > 0 {
		p.profileWindow = profile.DurationSeconds() + profilePadSeconds
	}
	p.profileDone.Store(p.profileWindow == 0)

	var hints []string
	if sel.Language == "multi" && p.cfg.Language != "multi" && p.cfg.Language != "auto" {
		hints = []string{p.cfg.Language}
	}

	open := func(preroll float64) (stt.Channel, error) {
		return provider.Open(ctx, stt.OpenConfig{
			Language:       sel.Language,
			SampleRate:     p.cfg.SampleRate,
			Channels:       1,
			Model:          sel.Model,
			PrerollSeconds: preroll,
			LanguageHints:  hints,
		}, p.callback)
	}

	primary, err := open(p.profileWindow)
	if err != nil {
		return Result{}, fmt.Errorf("audio: open %s channel: %w", sel.Service, err)
	}
	p.primary = primary

	if p.profileWindow > 0 {
		secondary, err := open(0)
		if err != nil {
			_ = primary.Close()
			return Result{}, fmt.Errorf("audio: open secondary %s channel: %w", sel.Service, err)
		}
		p.secondary = secondary
		p.feedProfile(profile.Data)
	}

	p.timerStart = p.now()

	slog.Info("audio processor initialized",
		"uid", p.cfg.UID, "session_id", p.cfg.SessionID,
		"service", sel.Service, "language", sel.Language, "model", sel.Model,
		"preroll_seconds", p.profileWindow)

	return Result{
		Selection:           sel,
		TranslationLanguage: translationLanguage,
		PrerollSeconds:      p.profileWindow,
	}, nil
}

// loadProfile returns the parsed profile WAV when the session is eligible
// for calibration: English or auto language, a PCM16 or Opus stream, and the
// client opted in.
func (p *Processor) loadProfile(ctx context.Context) (WAVInfo, error) {
	if !p.cfg.IncludeSpeechProfile || p.profiles == nil {
		return WAVInfo{}, nil
	}
	if p.cfg.Language != "en" && p.cfg.Language != "auto" {
		return WAVInfo{}, nil
	}
	if p.cfg.Codec != CodecOpus && p.cfg.Codec != CodecPCM16 {
		return WAVInfo{}, nil
	}

	raw, err := p.profiles.ProfileWAV(ctx, p.cfg.UID)
	if err != nil {
		return WAVInfo{}, fmt.Errorf("load profile: %w", err)
	}
	if len(raw) == 0 {
		return WAVInfo{}, nil
	}
	info, err := ParseWAV(raw)
	if err != nil {
		return WAVInfo{}, fmt.Errorf("parse profile: %w", err)
	}
	return info, nil
}

// feedProfile streams the profile PCM into the calibrated channel in the
// background so live audio is not held up.
func (p *Processor) feedProfile(pcm []byte) {
	ctx, cancel := context.WithCancel(context.Background())
	p.profileFeedCtx = cancel
	p.profileFeedWG.Add(1)
	go func() {
		defer p.profileFeedWG.Done()
		for off := 0; off < len(pcm); off += profileChunkBytes {
			end := min(off+profileChunkBytes, len(pcm))
			if err := p.primary.Send(ctx, pcm[off:end]); err != nil {
				slog.Warn("profile feed aborted",
					"uid", p.cfg.UID, "session_id", p.cfg.SessionID, "err", err)
				return
			}
		}
	}()
}

// Push decodes one client frame and forwards it to the active provider
// channel. It returns the decoded PCM so the caller can buffer it for
// profile capture or edge features.
func (p *Processor) Push(ctx context.Context, data []byte) ([]byte, error) {
	if p.decoder == nil && p.cfg.Codec == CodecOpus && p.cfg.SampleRate == 16000 {
		dec, err := newOpusDecoder(p.cfg.SampleRate, p.cfg.FrameSize)
		if err != nil {
			return nil, err
		}
		p.decoder = dec
	}
	if p.decoder != nil {
		decoded, err := p.decoder.decode(data)
		if err != nil {
			return nil, err
		}
		data = decoded
	}

	p.mu.Lock()
	target := p.primary
	elapsed := p.now().Sub(p.timerStart).Seconds()
	if p.secondary != nil {
		if elapsed > p.profileWindow {
			// Calibration window over: retire the plain channel, the
			// calibrated one carries everything from here on.
			sec := p.secondary
			p.secondary = nil
			p.profileDone.Store(true)
			go func() {
				if err := sec.Close(); err != nil {
					slog.Warn("secondary channel close",
						"uid", p.cfg.UID, "session_id", p.cfg.SessionID, "err", err)
				}
			}()
		} else {
			target = p.secondary
		}
	}
	p.mu.Unlock()

	if target == nil {
		return data, nil
	}
	if err := target.Send(ctx, data); err != nil {
		return nil, fmt.Errorf("audio: send to provider: %w", err)
	}
	return data, nil
}

// Close tears down the provider channels and stops the profile feed.
func (p *Processor) Close() error {
	if p.profileFeedCtx != nil {
		p.profileFeedCtx()
	}
	p.profileFeedWG.Wait()

	p.mu.Lock()
	primary, secondary := p.primary, p.secondary
	p.primary, p.secondary = nil, nil
	p.mu.Unlock()

	var firstErr error
	for _, ch := range []stt.Channel{secondary, primary} {
		if ch == nil {
			continue
		}
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
