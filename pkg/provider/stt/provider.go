// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (Deepgram, Soniox,
// or Speechmatics) and exposes a uniform streaming interface. The central
// abstraction is Channel: once opened, a channel accepts raw PCM audio and the
// provider invokes the session's Callback with batches of transcript segments
// as they are committed.
//
// Implementations must be safe for concurrent use. A channel is owned by a
// single session and never shared between sessions.
package stt

import (
	"context"
	"errors"

	"github.com/auricle-ai/auricle/pkg/types"
)

// ErrUnsupportedLanguage is returned by SelectProvider (wrapped) when no
// provider supports the requested language.
var ErrUnsupportedLanguage = errors.New("stt: unsupported language")

// Callback receives batches of transcript segments as the provider commits
// them. It is invoked from the provider's read loop; implementations must not
// block for long.
type Callback func(segments []types.TranscriptSegment)

// OpenConfig describes the audio format and recognition hints for a new STT
// channel.
type OpenConfig struct {
	// Language is the canonical recognition language ("en", "multi", ...).
	Language string

	// SampleRate is the audio sample rate in Hz (8000 or 16000).
	SampleRate int

	// Channels is the number of audio channels. Providers receive mono.
	Channels int

	// Model selects a provider-specific model. Empty uses the provider default.
	Model string

	// PrerollSeconds is the duration of speech-profile audio pre-fed to this
	// channel before live audio starts. Providers subtract it from segment
	// timestamps and drop segments that fall entirely inside the preroll.
	PrerollSeconds float64

	// LanguageHints biases multilingual recognition toward the listed
	// languages. Only honored by providers that support hints (Soniox).
	LanguageHints []string
}

// Channel represents an open STT streaming channel.
//
// Callers must call Close when the channel is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type Channel interface {
	// Send delivers a chunk of raw PCM audio to the provider. It may suspend
	// on transport backpressure. Calling Send after Close returns an error.
	Send(ctx context.Context, chunk []byte) error

	// Close flushes pending audio and terminates the channel. It is
	// idempotent; calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
//
// Implementations must be safe for concurrent use. Multiple channels may be
// open simultaneously (e.g., a primary and a profile-calibration channel for
// the same session).
type Provider interface {
	// Open establishes a new streaming channel. cb is invoked with segment
	// batches until the channel closes. The returned Channel is ready to
	// accept audio immediately.
	Open(ctx context.Context, cfg OpenConfig, cb Callback) (Channel, error)
}
