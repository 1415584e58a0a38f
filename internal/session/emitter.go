package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/auricle-ai/auricle/pkg/types"
)

// writeTimeout bounds one client write so a stalled reader cannot wedge the
// session.
const writeTimeout = 10 * time.Second

// emitter serializes all server→client frames over one transport. It
// implements conversation.Events; lifecycle events from the manager and
// session-originated frames share the same write path.
type emitter struct {
	transport Transport

	mu  sync.Mutex
	ctx context.Context
}

func newEmitter(transport Transport) *emitter {
	return &emitter{transport: transport, ctx: context.Background()}
}

// setContext binds writes to the session's task tree so they stop with it.
func (e *emitter) setContext(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()
}

func (e *emitter) writeText(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, cancel := context.WithTimeout(e.ctx, writeTimeout)
	defer cancel()
	return e.transport.Write(ctx, websocket.MessageText, data)
}

func (e *emitter) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: encode event: %w", err)
	}
	return e.writeText(data)
}

// ping is the literal heartbeat text frame.
func (e *emitter) ping() error {
	return e.writeText([]byte("ping"))
}

// serviceStatus announces an initialization milestone.
func (e *emitter) serviceStatus(status, statusText string) {
	err := e.send(struct {
		Type       string `json:"type"`
		Status     string `json:"status"`
		StatusText string `json:"status_text"`
	}{"service_status", status, statusText})
	if err != nil {
		slog.Debug("service status emission failed", "status", status, "err", err)
	}
}

// segments emits the merged transcript window as a raw JSON array, matching
// the historical client contract.
func (e *emitter) segments(segments []types.TranscriptSegment) error {
	return e.send(segments)
}

// translating carries a completed segment translation.
func (e *emitter) translating(segmentID string, translations []types.Translation) error {
	type segmentTranslations struct {
		ID           string              `json:"id"`
		Translations []types.Translation `json:"translations"`
	}
	return e.send(struct {
		Type     string                `json:"type"`
		Segments []segmentTranslations `json:"segments"`
	}{"translating", []segmentTranslations{{ID: segmentID, Translations: translations}}})
}

// LastConversation implements conversation.Events. The wire field keeps the
// historical name memory_id for client compatibility.
func (e *emitter) LastConversation(conversationID string) {
	err := e.send(struct {
		Type     string `json:"type"`
		MemoryID string `json:"memory_id"`
	}{"last_conversation", conversationID})
	if err != nil {
		slog.Debug("last conversation emission failed", "err", err)
	}
}

// ProcessingStarted implements conversation.Events.
func (e *emitter) ProcessingStarted(conv *types.Conversation) {
	err := e.send(struct {
		Type   string              `json:"type"`
		Memory *types.Conversation `json:"memory"`
	}{"conversation_processing_started", conv})
	if err != nil {
		slog.Debug("processing started emission failed", "err", err)
	}
}

// ConversationCreated implements conversation.Events.
func (e *emitter) ConversationCreated(conv *types.Conversation, messages []map[string]any) {
	if messages == nil {
		messages = []map[string]any{}
	}
	err := e.send(struct {
		Type     string              `json:"type"`
		Memory   *types.Conversation `json:"memory"`
		Messages []map[string]any    `json:"messages"`
	}{"conversation_created", conv, messages})
	if err != nil {
		slog.Debug("conversation created emission failed", "err", err)
	}
}
