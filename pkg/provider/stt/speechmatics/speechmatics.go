// Package speechmatics provides a Speechmatics-backed STT provider using the
// Speechmatics real-time WebSocket API. It implements the stt.Provider
// interface.
package speechmatics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/auricle-ai/auricle/pkg/provider/stt"
	"github.com/auricle-ai/auricle/pkg/types"
)

const defaultEndpoint = "wss://eu2.rt.speechmatics.com/v2"

// Option is a functional option for configuring the Speechmatics Provider.
type Option func(*Provider)

// WithEndpoint overrides the streaming endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Speechmatics real-time API.
type Provider struct {
	apiKey   string
	endpoint string
}

// New creates a new Speechmatics Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("speechmatics: apiKey must not be empty")
	}
	p := &Provider{apiKey: apiKey, endpoint: defaultEndpoint}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// startRecognition is the StartRecognition control message.
type startRecognition struct {
	Message     string `json:"message"`
	AudioFormat struct {
		Type       string `json:"type"`
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sample_rate"`
	} `json:"audio_format"`
	TranscriptionConfig struct {
		Language       string  `json:"language"`
		OperatingPoint string  `json:"operating_point"`
		Diarization    string  `json:"diarization"`
		MaxDelay       float64 `json:"max_delay"`
	} `json:"transcription_config"`
}

// Open opens a streaming transcription channel with Speechmatics.
func (p *Provider) Open(ctx context.Context, cfg stt.OpenConfig, cb stt.Callback) (stt.Channel, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, p.endpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("speechmatics: dial: %w", err)
	}

	start := startRecognition{Message: "StartRecognition"}
	start.AudioFormat.Type = "raw"
	start.AudioFormat.Encoding = "pcm_s16le"
	start.AudioFormat.SampleRate = cfg.SampleRate
	start.TranscriptionConfig.Language = cfg.Language
	start.TranscriptionConfig.OperatingPoint = operatingPoint(cfg.Model)
	start.TranscriptionConfig.Diarization = "speaker"
	start.TranscriptionConfig.MaxDelay = 3

	payload, err := json.Marshal(start)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "marshal StartRecognition")
		return nil, fmt.Errorf("speechmatics: marshal StartRecognition: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		conn.Close(websocket.StatusInternalError, "write StartRecognition")
		return nil, fmt.Errorf("speechmatics: write StartRecognition: %w", err)
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

func operatingPoint(model string) string {
	if model == "" {
		return "enhanced"
	}
	return model
}

// ---- channel ----

// addTranscript is the AddTranscript result message.
type addTranscript struct {
	Message string `json:"message"`
	Results []struct {
		Type         string  `json:"type"`
		StartTime    float64 `json:"start_time"`
		EndTime      float64 `json:"end_time"`
		Alternatives []struct {
			Content string `json:"content"`
			Speaker string `json:"speaker"`
		} `json:"alternatives"`
	} `json:"results"`
}

// channel is a live Speechmatics streaming channel. It implements stt.Channel.
type channel struct {
	conn    *websocket.Conn
	cb      stt.Callback
	preroll float64

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	sendMu sync.Mutex
	seqNo  int
}

// Send writes a PCM audio chunk as an AddAudio binary frame.
func (c *channel) Send(ctx context.Context, chunk []byte) error {
	select {
	case <-c.done:
		return errors.New("speechmatics: channel is closed")
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("speechmatics: send: %w", err)
	}
	c.seqNo++
	return nil
}

// Close sends EndOfStream and tears down the connection.
func (c *channel) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.sendMu.Lock()
		eos := fmt.Sprintf(`{"message":"EndOfStream","last_seq_no":%d}`, c.seqNo)
		_ = c.conn.Write(context.Background(), websocket.MessageText, []byte(eos))
		c.sendMu.Unlock()
		c.wg.Wait()
		c.conn.Close(websocket.StatusNormalClosure, "channel closed")
	})
	return nil
}

// readLoop receives AddTranscript messages and dispatches segment batches.
func (c *channel) readLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		_, msg, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		segments := c.parseTranscript(msg)
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

// parseTranscript groups consecutive word results by speaker into segments.
// Results inside the preroll window are dropped and remaining timestamps
// shifted so 0 is the first live sample.
func (c *channel) parseTranscript(data []byte) []types.TranscriptSegment {
	var resp addTranscript
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil
	}
	if resp.Message != "AddTranscript" {
		return nil
	}

	var segments []types.TranscriptSegment
	for _, r := range resp.Results {
		if r.Type != "word" || len(r.Alternatives) == 0 {
			continue
		}
		if r.EndTime <= c.preroll {
			continue
		}
		start := r.StartTime - c.preroll
		if start < 0 {
			start = 0
		}
		end := r.EndTime - c.preroll

		alt := r.Alternatives[0]
		speakerID := speakerNumber(alt.Speaker)

		n := len(segments)
		if n > 0 && segments[n-1].SpeakerID == speakerID {
			segments[n-1].Text += " " + alt.Content
			segments[n-1].End = end
			continue
		}

		label := fmt.Sprintf("SPEAKER_%02d", speakerID)
		segments = append(segments, types.TranscriptSegment{
			ID:           types.NewSegmentID("speechmatics", label, start),
			Text:         alt.Content,
			SpeakerLabel: label,
			SpeakerID:    speakerID,
			IsUser:       c.preroll > 0 && speakerID == 1,
			Start:        start,
			End:          end,
			Source:       "speechmatics",
		})
	}
	return segments
}

// speakerNumber parses Speechmatics speaker labels ("S1", "S2", "UU") to ints.
// Unknown speakers ("UU") map to 0.
func speakerNumber(s string) int {
	s = strings.TrimPrefix(s, "S")
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
