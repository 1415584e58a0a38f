// Package types defines the shared types used across all Auricle packages.
//
// These types form the lingua franca between the streaming endpoint, the audio
// processor, the STT provider adapters, and the conversation manager. Each
// package defines its own domain types, but cross-cutting data structures live
// here to avoid circular imports.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ConversationStatus is the lifecycle state of a conversation.
// Valid transitions: in_progress → processing → (completed | discarded).
// A processing conversation is never resumed; on restart it is re-finalized.
type ConversationStatus string

const (
	StatusInProgress ConversationStatus = "in_progress"
	StatusProcessing ConversationStatus = "processing"
	StatusCompleted  ConversationStatus = "completed"
	StatusDiscarded  ConversationStatus = "discarded"
)

// ConversationSource identifies which capture path produced a conversation.
type ConversationSource string

const (
	SourceOmi       ConversationSource = "omi"
	SourceOpenglass ConversationSource = "openglass"
	SourceExternal  ConversationSource = "external"
	SourceEdgeASR   ConversationSource = "edge_asr"
)

// Translation is an alternate-language rendering of a segment's text.
type Translation struct {
	Lang string `json:"lang"`
	Text string `json:"text"`
}

// TranscriptSegment is a single timed utterance inside a conversation.
//
// Start and End are seconds relative to the conversation's StartedAt. A
// segment's Text may only grow while the segment is live; the ID stays stable
// across retries of the same underlying audio window (see NewSegmentID).
type TranscriptSegment struct {
	ID           string  `json:"id"`
	Text         string  `json:"text"`
	SpeakerLabel string  `json:"speaker"`
	SpeakerID    int     `json:"speaker_id"`
	IsUser       bool    `json:"is_user"`
	PersonID     *string `json:"person_id,omitempty"`

	Start float64 `json:"start"`
	End   float64 `json:"end"`

	Translations []Translation `json:"translations,omitempty"`

	// Source names the transcription origin ("deepgram", "soniox",
	// "speechmatics", "edge_asr").
	Source string `json:"source,omitempty"`

	// SpeechProfileProcessed reports whether this segment was produced after
	// the speech-profile calibration window elapsed.
	SpeechProfileProcessed bool `json:"speech_profile_processed"`
}

// NewSegmentID derives a content-addressed segment ID. It covers only the
// fields fixed at segment birth (source, speaker label, start time) so that
// the ID survives text growth and end-time extension on retried windows.
func NewSegmentID(source, speakerLabel string, start float64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%.3f", source, speakerLabel, start))
	return hex.EncodeToString(sum[:16])
}

// WordCount returns the number of whitespace-separated words in the segment text.
func (s TranscriptSegment) WordCount() int {
	return len(strings.Fields(s.Text))
}

// ConversationPhoto is an image captured by an openglass-source device and
// attached to a conversation.
type ConversationPhoto struct {
	ID          string    `json:"id"`
	BytesRef    string    `json:"bytes_ref"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Geolocation is a resolved location attached to a conversation at finalize time.
type Geolocation struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Address      string  `json:"address,omitempty"`
	LocationName string  `json:"location_name,omitempty"`
}

// Conversation is the evolving record assembled from one capture window.
//
// Invariants: StartedAt ≤ FinishedAt; at most one conversation per uid holds
// StatusInProgress (enforced by the store's in-progress pointer); an empty
// conversation (no segments, no photos) is deleted rather than finalized.
type Conversation struct {
	ID         string    `json:"id"`
	UID        string    `json:"uid"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Status   ConversationStatus `json:"status"`
	Source   ConversationSource `json:"source"`
	Language string             `json:"language"`

	TranscriptSegments []TranscriptSegment `json:"transcript_segments"`
	Photos             []ConversationPhoto `json:"photos"`

	// Structured is the downstream-owned result of conversation processing.
	// The core treats it as opaque.
	Structured map[string]any `json:"structured,omitempty"`

	Geolocation *Geolocation `json:"geolocation,omitempty"`

	IsLocked                bool `json:"is_locked"`
	PrivateCloudSyncEnabled bool `json:"private_cloud_sync_enabled"`
	Discarded               bool `json:"discarded"`
}

// HasContent reports whether the conversation carries any segments or photos.
// Empty conversations are deleted on finalize instead of being processed.
func (c *Conversation) HasContent() bool {
	return len(c.TranscriptSegments) > 0 || len(c.Photos) > 0
}
