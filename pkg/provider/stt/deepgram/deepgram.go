// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/auricle-ai/auricle/pkg/provider/stt"
	"github.com/auricle-ai/auricle/pkg/types"
)

const (
	defaultEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithEndpoint overrides the streaming endpoint URL. Used in tests to point
// the provider at a local fake.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithModel sets the default Deepgram model (e.g., "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	endpoint string
	model    string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
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

// Open opens a streaming transcription channel with Deepgram. Diarization and
// interim results are always enabled; cb receives only finalized segments.
func (p *Provider) Open(ctx context.Context, cfg stt.OpenConfig, cb stt.Callback) (stt.Channel, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	ch := &channel{
		conn:    conn,
		cb:      cb,
		preroll: cfg.PrerollSeconds,
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}

	ch.wg.Add(2)
	go ch.readLoop(ctx)
	go ch.writeLoop(ctx)

	return ch, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.OpenConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", cfg.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("diarize", "true")
	q.Set("interim_results", "false")
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- channel ----

// response is the JSON structure returned by Deepgram for a Results event.
type response struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
			Words      []struct {
				Word           string  `json:"word"`
				PunctuatedWord string  `json:"punctuated_word"`
				Start          float64 `json:"start"`
				End            float64 `json:"end"`
				Speaker        int     `json:"speaker"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// channel is a live Deepgram streaming channel. It implements stt.Channel.
type channel struct {
	conn    *websocket.Conn
	cb      stt.Callback
	preroll float64
	audio   chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Send queues a PCM audio chunk for delivery to Deepgram.
func (c *channel) Send(ctx context.Context, chunk []byte) error {
	select {
	case <-c.done:
		return errors.New("deepgram: channel is closed")
	default:
	}
	select {
	case c.audio <- chunk:
		return nil
	case <-c.done:
		return errors.New("deepgram: channel is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the channel cleanly, asking Deepgram to flush pending audio.
func (c *channel) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		c.wg.Wait()
		c.conn.Close(websocket.StatusNormalClosure, "channel closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (c *channel) writeLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case chunk, ok := <-c.audio:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-c.done:
			// Drain buffered audio before exiting so CloseStream flushes it.
			for {
				select {
				case chunk, ok := <-c.audio:
					if !ok {
						return
					}
					_ = c.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches finalized
// segment batches to the callback.
func (c *channel) readLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		_, msg, err := c.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation.
			return
		}

		segments := parseResults(msg, c.preroll)
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

// parseResults converts a raw Deepgram Results message into transcript
// segments: consecutive words from the same speaker form one segment. Words
// inside the preroll window belong to the speech-profile audio and are
// dropped; remaining timestamps are shifted so 0 is the first live sample.
func parseResults(data []byte, preroll float64) []types.TranscriptSegment {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil
	}
	if resp.Type != "Results" || !resp.IsFinal || len(resp.Channel.Alternatives) == 0 {
		return nil
	}

	alt := resp.Channel.Alternatives[0]
	var segments []types.TranscriptSegment
	for _, w := range alt.Words {
		if w.End <= preroll {
			continue
		}
		word := w.PunctuatedWord
		if word == "" {
			word = w.Word
		}
		start := w.Start - preroll
		if start < 0 {
			start = 0
		}
		end := w.End - preroll

		n := len(segments)
		if n > 0 && segments[n-1].SpeakerID == w.Speaker {
			segments[n-1].Text += " " + word
			segments[n-1].End = end
			continue
		}

		label := fmt.Sprintf("SPEAKER_%02d", w.Speaker)
		segments = append(segments, types.TranscriptSegment{
			ID:           types.NewSegmentID("deepgram", label, start),
			Text:         word,
			SpeakerLabel: label,
			SpeakerID:    w.Speaker,
			// On a profile-calibrated channel speaker 0 is the enrolled user.
			IsUser: preroll > 0 && w.Speaker == 0,
			Start:  start,
			End:    end,
			Source: "deepgram",
		})
	}
	return segments
}
