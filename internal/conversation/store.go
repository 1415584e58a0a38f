// Package conversation holds the conversation model, the segment merge
// policy, and the manager that assembles live transcripts into persisted
// conversations.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/auricle-ai/auricle/pkg/types"
)

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("conversation: not found")

	// ErrInProgressExists is returned by Create when the user already has an
	// in-progress conversation. At most one exists per user at any time.
	ErrInProgressExists = errors.New("conversation: user already has an in-progress conversation")
)

// Fields is the set of optional conversation fields an update may touch.
// Nil members are left unchanged.
type Fields struct {
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Source      *types.ConversationSource
	Language    *string
	Geolocation *types.Geolocation
	Structured  map[string]any
	IsLocked    *bool
}

// Store persists conversations. Implementations must keep the in-progress
// pointer consistent: Create with StatusInProgress and SetStatus away from it
// update the pointer atomically with the row.
type Store interface {
	// Create inserts a conversation. When the conversation is in progress it
	// also claims the user's in-progress pointer; ErrInProgressExists is
	// returned if another in-progress conversation already holds it.
	Create(ctx context.Context, conv *types.Conversation) error

	// Get returns a conversation by user and ID, or ErrNotFound.
	Get(ctx context.Context, uid, id string) (*types.Conversation, error)

	// GetInProgress returns the user's current in-progress conversation, or
	// ErrNotFound when there is none.
	GetInProgress(ctx context.Context, uid string) (*types.Conversation, error)

	// GetProcessing returns all conversations stuck in StatusProcessing for
	// the user, oldest first. Used on reconnect to re-finalize interrupted work.
	GetProcessing(ctx context.Context, uid string) ([]*types.Conversation, error)

	// GetLastCompleted returns the most recently finished completed
	// conversation, or ErrNotFound.
	GetLastCompleted(ctx context.Context, uid string) (*types.Conversation, error)

	// UpdateFields applies the non-nil members of fields to the conversation.
	UpdateFields(ctx context.Context, uid, id string, fields Fields) error

	// UpdateSegments replaces the conversation's transcript segments.
	UpdateSegments(ctx context.Context, uid, id string, segments []types.TranscriptSegment) error

	// AddPhotos appends photos to the conversation.
	AddPhotos(ctx context.Context, uid, id string, photos []types.ConversationPhoto) error

	// UpdateFinishedAt moves the conversation's finished timestamp forward.
	UpdateFinishedAt(ctx context.Context, uid, id string, finishedAt time.Time) error

	// SetStatus transitions the conversation's lifecycle status. Moving away
	// from StatusInProgress releases the user's in-progress pointer iff it
	// still points at this conversation.
	SetStatus(ctx context.Context, uid, id string, status types.ConversationStatus) error

	// SetDiscarded marks the conversation discarded with the given status.
	SetDiscarded(ctx context.Context, uid, id string, discarded bool) error

	// Delete removes the conversation, releasing the in-progress pointer if
	// it points at it. Deleting a missing conversation is not an error.
	Delete(ctx context.Context, uid, id string) error
}

// UsageRecorder accumulates billable transcription usage.
type UsageRecorder interface {
	// RecordUsage adds transcription seconds and emitted words for the user.
	RecordUsage(ctx context.Context, uid string, seconds float64, words int) error
}

// NewInProgress builds a fresh in-progress conversation anchored at now.
func NewInProgress(uid, language string, source types.ConversationSource, now time.Time) *types.Conversation {
	return &types.Conversation{
		ID:         uuid.NewString(),
		UID:        uid,
		CreatedAt:  now,
		StartedAt:  now,
		FinishedAt: now,
		Status:     types.StatusInProgress,
		Source:     source,
		Language:   language,
	}
}
