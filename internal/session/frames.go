package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/coder/websocket"

	"github.com/auricle-ai/auricle/pkg/provider/stt"
	"github.com/auricle-ai/auricle/pkg/types"
)

// clientFrame is the union of all JSON text frames a client may send.
// Unknown Type values are ignored.
type clientFrame struct {
	Type string `json:"type"`

	// transcript_segment
	Text       string  `json:"text"`
	Speaker    string  `json:"speaker"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`

	// image_chunk
	ID    string `json:"id"`
	Index int    `json:"index"`
	Total int    `json:"total"`
	Data  string `json:"data"`

	// speaker_assignment
	SegmentID string `json:"segment_id"`
	PersonID  string `json:"person_id"`
}

// imageAssembly collects the base64 chunks of one image.
type imageAssembly struct {
	parts    []string
	received int
}

// readLoop consumes client frames until the transport fails or the session
// is terminated.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		typ, data, err := s.transport.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.terminate(websocket.StatusGoingAway, "client disconnected")
			return nil
		}

		switch typ {
		case websocket.MessageBinary:
			if err := s.handleAudio(ctx, data); err != nil {
				if errors.Is(err, stt.ErrUnsupportedLanguage) {
					s.terminate(StatusUnsupportedLanguage, "unsupported language")
				} else {
					// Audio must never be dropped silently; fail loudly.
					slog.Error("audio pipeline failure",
						"uid", s.cfg.UID, "session_id", s.cfg.SessionID, "err", err)
					s.terminate(websocket.StatusInternalError, "audio pipeline failure")
				}
				return nil
			}
		case websocket.MessageText:
			s.handleText(ctx, data)
		}
	}
}

// handleAudio feeds one binary frame to the audio processor, initializing it
// on first use. Binary frames are ignored once the session latched into
// edge-ASR mode.
func (s *Session) handleAudio(ctx context.Context, data []byte) error {
	s.mu.Lock()
	if s.edgeASR {
		s.mu.Unlock()
		return nil
	}
	now := s.now()
	if s.firstAudio.IsZero() {
		s.firstAudio = now
		s.lastUsageRecord = now
	}
	s.lastAudio = now
	s.mu.Unlock()

	s.deps.Metrics.AudioBytes.Add(ctx, int64(len(data)))

	if err := s.ensureProcessor(ctx); err != nil {
		return err
	}
	s.procMu.Lock()
	p := s.processor
	s.procMu.Unlock()

	_, err := p.Push(ctx, data)
	return err
}

// handleText dispatches one JSON text frame.
func (s *Session) handleText(ctx context.Context, data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Debug("unparseable text frame",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID, "err", err)
		return
	}

	switch frame.Type {
	case "transcript_segment":
		s.handleEdgeSegment(frame)
	case "stop":
		s.terminate(websocket.StatusNormalClosure, "client stop")
	case "image_chunk":
		s.handleImageChunk(ctx, frame)
	case "speaker_assignment":
		s.handleSpeakerAssignment(frame)
	default:
		// Unknown frame types are ignored for forward compatibility.
	}
}

// handleEdgeSegment merges a pre-transcribed segment from an on-device STT.
// Receiving one latches the session into edge-ASR mode: binary audio is
// ignored from here on and the provider pipeline is never opened.
func (s *Session) handleEdgeSegment(frame clientFrame) {
	text := strings.TrimSpace(frame.Text)
	if text == "" {
		return
	}

	speaker := frame.Speaker
	if speaker == "" {
		speaker = defaultSpeaker
	}

	s.mu.Lock()
	s.edgeASR = true
	now := s.now()
	if s.firstAudio.IsZero() {
		s.firstAudio = now
		s.lastUsageRecord = now
	}
	s.lastAudio = now
	s.mu.Unlock()

	s.handleTranscript([]types.TranscriptSegment{{
		ID:           types.NewSegmentID(string(types.SourceEdgeASR), speaker, frame.Start),
		Text:         text,
		SpeakerLabel: speaker,
		Start:        frame.Start,
		End:          frame.End,
		Source:       string(types.SourceEdgeASR),
	}})
}

// handleImageChunk collects one base64 chunk; a completed image is described
// and attached to the current conversation in the background.
func (s *Session) handleImageChunk(ctx context.Context, frame clientFrame) {
	if frame.ID == "" || frame.Total <= 0 || frame.Index < 0 || frame.Index >= frame.Total {
		slog.Debug("malformed image chunk",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID,
			"image_id", frame.ID, "index", frame.Index, "total", frame.Total)
		return
	}

	s.mu.Lock()
	asm := s.images[frame.ID]
	if asm == nil {
		asm = &imageAssembly{parts: make([]string, frame.Total)}
		s.images[frame.ID] = asm
	}
	if len(asm.parts) != frame.Total {
		s.mu.Unlock()
		slog.Warn("image chunk total mismatch",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID, "image_id", frame.ID)
		return
	}
	if asm.parts[frame.Index] == "" {
		asm.parts[frame.Index] = frame.Data
		asm.received++
	}
	complete := asm.received == frame.Total
	if complete {
		delete(s.images, frame.ID)
	}
	s.mu.Unlock()

	if !complete {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(strings.Join(asm.parts, ""))
	if err != nil {
		slog.Warn("image decode failed",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID,
			"image_id", frame.ID, "err", err)
		return
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.attachPhoto(ctx, frame.ID, raw)
	}()
}

// attachPhoto describes the image and merges it into the current
// conversation, flipping the conversation source to openglass.
func (s *Session) attachPhoto(ctx context.Context, id string, image []byte) {
	description := ""
	if s.deps.Vision != nil {
		desc, err := s.deps.Vision.DescribeImage(ctx, image, "image/jpeg")
		if err != nil {
			// A photo without a description is still worth keeping.
			slog.Warn("photo description failed",
				"uid", s.cfg.UID, "session_id", s.cfg.SessionID,
				"image_id", id, "err", err)
		} else {
			description = desc
		}
	}

	photo := types.ConversationPhoto{
		ID:          id,
		BytesRef:    "images/" + id,
		Description: description,
		CreatedAt:   s.now(),
	}
	if _, _, _, err := s.manager.UpdateInProgress(ctx, nil, []types.ConversationPhoto{photo}, s.now(), nil); err != nil {
		slog.Warn("photo merge failed",
			"uid", s.cfg.UID, "session_id", s.cfg.SessionID,
			"image_id", id, "err", err)
	}
}

// handleSpeakerAssignment stores a segment → person mapping; it is applied on
// the next merge. person_id may be the literal "user".
func (s *Session) handleSpeakerAssignment(frame clientFrame) {
	if frame.SegmentID == "" || frame.PersonID == "" {
		return
	}
	s.mu.Lock()
	s.assignments[frame.SegmentID] = frame.PersonID
	s.mu.Unlock()
}
