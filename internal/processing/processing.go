// Package processing holds the default implementations of the downstream
// conversation pipeline hooks. The real structuring pipeline (summaries,
// action items) is a separate service; the core only needs something safe to
// call that honors the idempotency contract.
package processing

import (
	"context"
	"log/slog"
	"time"

	"github.com/auricle-ai/auricle/internal/conversation"
	"github.com/auricle-ai/auricle/pkg/types"
)

// Passthrough is a DownstreamProcessor that stamps minimal structured
// metadata and returns the conversation otherwise unchanged. Calling it
// twice with the same conversation yields the same result.
type Passthrough struct{}

var _ conversation.DownstreamProcessor = Passthrough{}

func (Passthrough) ProcessConversation(_ context.Context, uid, language string, conv *types.Conversation) (*types.Conversation, error) {
	if conv.Structured == nil {
		conv.Structured = map[string]any{
			"language":      language,
			"segment_count": len(conv.TranscriptSegments),
			"word_count":    totalWords(conv.TranscriptSegments),
		}
	}
	slog.Debug("conversation processed",
		"uid", uid, "conversation_id", conv.ID,
		"segments", len(conv.TranscriptSegments))
	return conv, nil
}

func totalWords(segments []types.TranscriptSegment) int {
	n := 0
	for _, s := range segments {
		n += s.WordCount()
	}
	return n
}

// LogIntegrations is an IntegrationsTrigger that only logs. Partial failure
// cannot occur, so it always returns an empty message list.
type LogIntegrations struct{}

var _ conversation.IntegrationsTrigger = LogIntegrations{}

func (LogIntegrations) TriggerIntegrations(_ context.Context, uid string, conv *types.Conversation) ([]map[string]any, error) {
	slog.Debug("integrations trigger",
		"uid", uid, "conversation_id", conv.ID, "finished_at", conv.FinishedAt.Format(time.RFC3339))
	return nil, nil
}
