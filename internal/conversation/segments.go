package conversation

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/auricle-ai/auricle/pkg/types"
)

// DefaultCoalesceGap is the maximum silence between two segments of the same
// speaker for them to be coalesced into one.
const DefaultCoalesceGap = 0.5

// MergeOptions tunes the segment merge policy.
type MergeOptions struct {
	// CoalesceGap is the same-speaker gap threshold in seconds. Zero means
	// DefaultCoalesceGap.
	CoalesceGap float64
}

func (o MergeOptions) gap() float64 {
	if o.CoalesceGap <= 0 {
		return DefaultCoalesceGap
	}
	return o.CoalesceGap
}

// MergeSegments merges a new batch into an existing ordered segment list and
// returns the merged list plus the half-open index range [start, end) of
// segments the batch contributed to.
//
// Rules, in order, per incoming segment:
//
//  1. Same ID coalesces: the later text, end time, and translations replace
//     the earlier. Text is expected to be a prefix-compatible extension; a
//     regression is logged and the later text still wins.
//  2. A segment whose speaker matches the immediately preceding segment and
//     whose gap to it is below the coalesce threshold is appended to that
//     segment (text joined with a single space, end time taken from the new).
//  3. Otherwise it is inserted as a new segment, preserving non-decreasing
//     start order.
//
// Speaker assignments (rule 4) are applied separately by
// ApplySpeakerAssignments so the caller can scope them to the merged range.
func MergeSegments(existing, incoming []types.TranscriptSegment, opts MergeOptions) ([]types.TranscriptSegment, int, int) {
	merged := make([]types.TranscriptSegment, len(existing))
	copy(merged, existing)

	lo, hi := -1, -1
	touch := func(i int) {
		if lo == -1 || i < lo {
			lo = i
		}
		if i > hi {
			hi = i
		}
	}

	gap := opts.gap()

	for _, n := range incoming {
		// Rule 1: same-ID coalesce.
		if idx := indexByID(merged, n.ID); idx >= 0 {
			prev := merged[idx]
			if prev.Text != n.Text && !strings.HasPrefix(n.Text, prev.Text) {
				slog.Warn("segment text regressed on retry, keeping later text",
					"segment_id", n.ID, "old_len", len(prev.Text), "new_len", len(n.Text))
			}
			merged[idx].Text = n.Text
			merged[idx].End = n.End
			if len(n.Translations) > 0 {
				merged[idx].Translations = n.Translations
			}
			touch(idx)
			continue
		}

		// Rule 2: same-speaker coalesce with the immediately preceding segment.
		if last := len(merged) - 1; last >= 0 {
			prev := &merged[last]
			if prev.SpeakerID == n.SpeakerID && n.Start-prev.End < gap && n.Start >= prev.Start {
				prev.Text = prev.Text + " " + n.Text
				prev.End = n.End
				touch(last)
				continue
			}
		}

		// Rule 3: insert preserving ascending start order. Live batches
		// arrive in time order, so this is almost always a plain append.
		pos := len(merged)
		if pos > 0 && n.Start < merged[pos-1].Start {
			pos = sort.Search(len(merged), func(i int) bool {
				return merged[i].Start > n.Start
			})
		}
		// Inserting shifts every index at or above pos up by one, including
		// the range recorded for earlier segments of this batch.
		if lo >= pos {
			lo++
		}
		if hi >= pos {
			hi++
		}
		merged = append(merged, types.TranscriptSegment{})
		copy(merged[pos+1:], merged[pos:])
		merged[pos] = n
		touch(pos)
	}

	if lo == -1 {
		return merged, 0, 0
	}
	return merged, lo, hi + 1
}

func indexByID(segments []types.TranscriptSegment, id string) int {
	if id == "" {
		return -1
	}
	for i := range segments {
		if segments[i].ID == id {
			return i
		}
	}
	return -1
}

// ApplySpeakerAssignments applies the session's segment→person map to the
// given segments in place. Only segments that are not already the user and
// have no person are touched. The assignment value "user" marks the segment
// as the user's own speech.
func ApplySpeakerAssignments(segments []types.TranscriptSegment, assignments map[string]string) {
	if len(assignments) == 0 {
		return
	}
	for i := range segments {
		seg := &segments[i]
		personID, ok := assignments[seg.ID]
		if !ok || seg.IsUser || seg.PersonID != nil {
			continue
		}
		if personID == "user" {
			seg.IsUser = true
			seg.PersonID = nil
		} else {
			seg.IsUser = false
			pid := personID
			seg.PersonID = &pid
		}
	}
}

// ShiftSegments offsets all segment timestamps by the given number of
// seconds. Used when resuming an in-progress conversation so that live
// timestamps stay relative to the conversation start.
func ShiftSegments(segments []types.TranscriptSegment, seconds float64) {
	if seconds == 0 {
		return
	}
	for i := range segments {
		segments[i].Start += seconds
		segments[i].End += seconds
	}
}
