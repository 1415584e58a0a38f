// Package soniox provides a Soniox-backed STT provider using the Soniox
// real-time WebSocket API. It implements the stt.Provider interface.
//
// Soniox runs a single multilingual model; the session's fixed language, if
// any, is passed as a language hint rather than a hard constraint.
package soniox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/auricle-ai/auricle/pkg/provider/stt"
	"github.com/auricle-ai/auricle/pkg/types"
)

const (
	defaultEndpoint = "wss://stt-rt.soniox.com/transcribe-websocket"
	defaultModel    = "stt-rt-preview"
)

// Option is a functional option for configuring the Soniox Provider.
type Option func(*Provider)

// WithEndpoint overrides the streaming endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithModel sets the default Soniox model.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// Provider implements stt.Provider backed by the Soniox real-time API.
type Provider struct {
	apiKey   string
	endpoint string
	model    string
}

// New creates a new Soniox Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("soniox: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		model:    defaultModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// startRequest is the first (JSON) frame of a Soniox streaming session.
type startRequest struct {
	APIKey                   string   `json:"api_key"`
	Model                    string   `json:"model"`
	AudioFormat              string   `json:"audio_format"`
	SampleRate               int      `json:"sample_rate"`
	NumChannels              int      `json:"num_channels"`
	LanguageHints            []string `json:"language_hints,omitempty"`
	EnableSpeakerDiarization bool     `json:"enable_speaker_diarization"`
	EnableEndpointDetection  bool     `json:"enable_endpoint_detection"`
}

// Open opens a streaming transcription channel with Soniox.
func (p *Provider) Open(ctx context.Context, cfg stt.OpenConfig, cb stt.Callback) (stt.Channel, error) {
	model := cfg.Model
	if model == "" {
		model = p.model
	}

	conn, _, err := websocket.Dial(ctx, p.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("soniox: dial: %w", err)
	}

	start := startRequest{
		APIKey:                  p.apiKey,
		Model:                   model,
		AudioFormat:             "pcm_s16le",
		SampleRate:              cfg.SampleRate,
		NumChannels:             cfg.Channels,
		LanguageHints:           cfg.LanguageHints,
		EnableSpeakerDiarization: true,
		EnableEndpointDetection:  true,
	}
	payload, err := json.Marshal(start)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "marshal start request")
		return nil, fmt.Errorf("soniox: marshal start request: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		conn.Close(websocket.StatusInternalError, "write start request")
		return nil, fmt.Errorf("soniox: write start request: %w", err)
	}

	ch := &channel{
		conn:    conn,
		cb:      cb,
		preroll: cfg.PrerollSeconds,
		done:    make(chan struct{}),
	}
	ch.wg.Add(1)
	go ch.readLoop(ctx)
	return ch, nil
}

// ---- channel ----

// tokenResponse is one streaming response frame from Soniox.
type tokenResponse struct {
	Tokens []struct {
		Text    string  `json:"text"`
		StartMs float64 `json:"start_ms"`
		EndMs   float64 `json:"end_ms"`
		Speaker string  `json:"speaker"`
		IsFinal bool    `json:"is_final"`
	} `json:"tokens"`
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// channel is a live Soniox streaming channel. It implements stt.Channel.
type channel struct {
	conn    *websocket.Conn
	cb      stt.Callback
	preroll float64

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	sendMu sync.Mutex
}

// Send writes a PCM audio chunk to Soniox. Writes are serialized; the
// websocket library forbids concurrent writers.
func (c *channel) Send(ctx context.Context, chunk []byte) error {
	select {
	case <-c.done:
		return errors.New("soniox: channel is closed")
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("soniox: send: %w", err)
	}
	return nil
}

// Close signals end-of-audio (empty text frame per the Soniox protocol) and
// tears down the connection.
func (c *channel) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.sendMu.Lock()
		_ = c.conn.Write(context.Background(), websocket.MessageText, []byte(""))
		c.sendMu.Unlock()
		c.wg.Wait()
		c.conn.Close(websocket.StatusNormalClosure, "channel closed")
	})
	return nil
}

// readLoop receives token frames and dispatches finalized segment batches.
func (c *channel) readLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		_, msg, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		segments := c.parseTokens(msg)
		if len(segments) == 0 {
			continue
		}
		select {
		case <-c.done:
			return
		default:
			c.cb(segments)
		}
	}
}

// parseTokens groups consecutive final tokens by speaker into segments.
// Tokens inside the preroll window belong to the speech-profile audio and are
// dropped; remaining timestamps are shifted so 0 is the first live sample.
func (c *channel) parseTokens(data []byte) []types.TranscriptSegment {
	var resp tokenResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil
	}
	if resp.ErrorCode != 0 {
		return nil
	}

	var segments []types.TranscriptSegment
	for _, tok := range resp.Tokens {
		if !tok.IsFinal || tok.Text == "" {
			continue
		}
		start := tok.StartMs/1000 - c.preroll
		end := tok.EndMs/1000 - c.preroll
		if end <= 0 {
			continue
		}
		if start < 0 {
			start = 0
		}

		speakerID := speakerNumber(tok.Speaker)
		n := len(segments)
		if n > 0 && segments[n-1].SpeakerID == speakerID {
			segments[n-1].Text = joinToken(segments[n-1].Text, tok.Text)
			segments[n-1].End = end
			continue
		}

		label := fmt.Sprintf("SPEAKER_%02d", speakerID)
		segments = append(segments, types.TranscriptSegment{
			ID:           types.NewSegmentID("soniox", label, start),
			Text:         strings.TrimSpace(tok.Text),
			SpeakerLabel: label,
			SpeakerID:    speakerID,
			// Speaker 1 on a profile-calibrated channel is the enrolled user.
			IsUser: c.preroll > 0 && speakerID == 1,
			Start:  start,
			End:    end,
			Source: "soniox",
		})
	}
	return segments
}

// speakerNumber parses Soniox speaker identifiers ("1", "spk:2") to ints.
func speakerNumber(s string) int {
	s = strings.TrimPrefix(s, "spk:")
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// joinToken appends a token to accumulated text. Soniox tokens carry their own
// leading whitespace; fall back to a single space when absent.
func joinToken(acc, tok string) string {
	if strings.HasPrefix(tok, " ") || strings.HasSuffix(acc, " ") {
		return acc + tok
	}
	if isPunctuation(tok) {
		return acc + tok
	}
	return acc + " " + strings.TrimSpace(tok)
}

func isPunctuation(tok string) bool {
	switch strings.TrimSpace(tok) {
	case ".", ",", "!", "?", ";", ":":
		return true
	}
	return false
}
