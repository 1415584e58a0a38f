package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/auricle-ai/auricle/internal/conversation"
	"github.com/auricle-ai/auricle/pkg/types"
)

var (
	_ conversation.Store         = (*Store)(nil)
	_ conversation.UsageRecorder = (*Store)(nil)
)

// Store is the PostgreSQL-backed conversation store. All operations are safe
// for concurrent use across processes; the in-progress pointer table keeps
// the one-in-progress-conversation-per-user invariant under contention.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store, establishes a connection pool to the database at
// dsn, and runs Migrate.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("conversation store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("conversation store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("conversation store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("conversation store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() { s.pool.Close() }

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("conversation store: ping: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, conv *types.Conversation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversation store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if conv.Status == types.StatusInProgress {
		// Claim the pointer first; a conflicting row means another
		// in-progress conversation already exists for this user.
		tag, err := tx.Exec(ctx, `
			INSERT INTO in_progress_conversations (uid, conversation_id)
			VALUES ($1, $2)
			ON CONFLICT (uid) DO NOTHING`,
			conv.UID, conv.ID)
		if err != nil {
			return fmt.Errorf("conversation store: claim pointer: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var current string
			err := tx.QueryRow(ctx,
				`SELECT conversation_id FROM in_progress_conversations WHERE uid = $1`,
				conv.UID).Scan(&current)
			if err != nil {
				return fmt.Errorf("conversation store: read pointer: %w", err)
			}
			if current != conv.ID {
				return fmt.Errorf("%w: uid %s holds %s", conversation.ErrInProgressExists, conv.UID, current)
			}
		}
	}

	segments, photos, structured, geo, err := encodeJSON(conv)
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO conversations
		    (id, uid, created_at, started_at, finished_at, status, source,
		     language, segments, photos, structured, geolocation,
		     is_locked, private_sync, discarded)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = tx.Exec(ctx, q,
		conv.ID, conv.UID, conv.CreatedAt, conv.StartedAt, conv.FinishedAt,
		string(conv.Status), string(conv.Source), conv.Language,
		segments, photos, structured, geo,
		conv.IsLocked, conv.PrivateCloudSyncEnabled, conv.Discarded,
	)
	if err != nil {
		return fmt.Errorf("conversation store: insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversation store: commit: %w", err)
	}
	return nil
}

const selectColumns = `
	id, uid, created_at, started_at, finished_at, status, source,
	language, segments, photos, structured, geolocation,
	is_locked, private_sync, discarded`

func (s *Store) Get(ctx context.Context, uid, id string) (*types.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM conversations WHERE uid = $1 AND id = $2`,
		uid, id)
	if err != nil {
		return nil, fmt.Errorf("conversation store: get: %w", err)
	}
	conv, err := collectOne(rows)
	if err != nil {
		return nil, fmt.Errorf("conversation store: get %s/%s: %w", uid, id, err)
	}
	return conv, nil
}

func (s *Store) GetInProgress(ctx context.Context, uid string) (*types.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM   conversations c
		JOIN   in_progress_conversations p
		  ON   p.uid = c.uid AND p.conversation_id = c.id
		WHERE  c.uid = $1`,
		uid)
	if err != nil {
		return nil, fmt.Errorf("conversation store: get in progress: %w", err)
	}
	conv, err := collectOne(rows)
	if err != nil {
		return nil, fmt.Errorf("conversation store: get in progress for %s: %w", uid, err)
	}
	return conv, nil
}

func (s *Store) GetProcessing(ctx context.Context, uid string) ([]*types.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM   conversations
		WHERE  uid = $1 AND status = $2
		ORDER  BY created_at`,
		uid, string(types.StatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("conversation store: get processing: %w", err)
	}
	return collectAll(rows)
}

func (s *Store) GetLastCompleted(ctx context.Context, uid string) (*types.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM   conversations
		WHERE  uid = $1 AND status = $2
		ORDER  BY finished_at DESC
		LIMIT  1`,
		uid, string(types.StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("conversation store: get last completed: %w", err)
	}
	conv, err := collectOne(rows)
	if err != nil {
		return nil, fmt.Errorf("conversation store: get last completed for %s: %w", uid, err)
	}
	return conv, nil
}

func (s *Store) UpdateFields(ctx context.Context, uid, id string, fields conversation.Fields) error {
	sets := []string{}
	args := []any{uid, id}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if fields.StartedAt != nil {
		sets = append(sets, "started_at = "+next(*fields.StartedAt))
	}
	if fields.FinishedAt != nil {
		sets = append(sets, "finished_at = "+next(*fields.FinishedAt))
	}
	if fields.Source != nil {
		sets = append(sets, "source = "+next(string(*fields.Source)))
	}
	if fields.Language != nil {
		sets = append(sets, "language = "+next(*fields.Language))
	}
	if fields.Geolocation != nil {
		raw, err := json.Marshal(fields.Geolocation)
		if err != nil {
			return fmt.Errorf("conversation store: encode geolocation: %w", err)
		}
		sets = append(sets, "geolocation = "+next(raw))
	}
	if fields.Structured != nil {
		raw, err := json.Marshal(fields.Structured)
		if err != nil {
			return fmt.Errorf("conversation store: encode structured: %w", err)
		}
		sets = append(sets, "structured = "+next(raw))
	}
	if fields.IsLocked != nil {
		sets = append(sets, "is_locked = "+next(*fields.IsLocked))
	}
	if len(sets) == 0 {
		return nil
	}

	q := "UPDATE conversations SET "
	for i, set := range sets {
		if i > 0 {
			q += ", "
		}
		q += set
	}
	q += " WHERE uid = $1 AND id = $2"

	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("conversation store: update fields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation store: update fields %s/%s: %w", uid, id, conversation.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateSegments(ctx context.Context, uid, id string, segments []types.TranscriptSegment) error {
	if segments == nil {
		segments = []types.TranscriptSegment{}
	}
	raw, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("conversation store: encode segments: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET segments = $3 WHERE uid = $1 AND id = $2`,
		uid, id, raw)
	if err != nil {
		return fmt.Errorf("conversation store: update segments: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation store: update segments %s/%s: %w", uid, id, conversation.ErrNotFound)
	}
	return nil
}

func (s *Store) AddPhotos(ctx context.Context, uid, id string, photos []types.ConversationPhoto) error {
	if len(photos) == 0 {
		return nil
	}
	raw, err := json.Marshal(photos)
	if err != nil {
		return fmt.Errorf("conversation store: encode photos: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET photos = photos || $3::jsonb WHERE uid = $1 AND id = $2`,
		uid, id, raw)
	if err != nil {
		return fmt.Errorf("conversation store: add photos: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation store: add photos %s/%s: %w", uid, id, conversation.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateFinishedAt(ctx context.Context, uid, id string, finishedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET finished_at = $3 WHERE uid = $1 AND id = $2`,
		uid, id, finishedAt)
	if err != nil {
		return fmt.Errorf("conversation store: update finished_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation store: update finished_at %s/%s: %w", uid, id, conversation.ErrNotFound)
	}
	return nil
}

func (s *Store) SetStatus(ctx context.Context, uid, id string, status types.ConversationStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversation store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE conversations SET status = $3 WHERE uid = $1 AND id = $2`,
		uid, id, string(status))
	if err != nil {
		return fmt.Errorf("conversation store: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation store: set status %s/%s: %w", uid, id, conversation.ErrNotFound)
	}

	if status == types.StatusInProgress {
		_, err = tx.Exec(ctx, `
			INSERT INTO in_progress_conversations (uid, conversation_id)
			VALUES ($1, $2)
			ON CONFLICT (uid) DO UPDATE SET conversation_id = EXCLUDED.conversation_id`,
			uid, id)
	} else {
		// Release the pointer iff it still names this conversation.
		_, err = tx.Exec(ctx,
			`DELETE FROM in_progress_conversations WHERE uid = $1 AND conversation_id = $2`,
			uid, id)
	}
	if err != nil {
		return fmt.Errorf("conversation store: update pointer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversation store: commit: %w", err)
	}
	return nil
}

func (s *Store) SetDiscarded(ctx context.Context, uid, id string, discarded bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET discarded = $3 WHERE uid = $1 AND id = $2`,
		uid, id, discarded)
	if err != nil {
		return fmt.Errorf("conversation store: set discarded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation store: set discarded %s/%s: %w", uid, id, conversation.ErrNotFound)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, uid, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversation store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM conversations WHERE uid = $1 AND id = $2`, uid, id); err != nil {
		return fmt.Errorf("conversation store: delete: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM in_progress_conversations WHERE uid = $1 AND conversation_id = $2`,
		uid, id); err != nil {
		return fmt.Errorf("conversation store: delete pointer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversation store: commit: %w", err)
	}
	return nil
}

// RecordUsage appends a usage record for the user.
func (s *Store) RecordUsage(ctx context.Context, uid string, seconds float64, words int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_records (uid, seconds, words) VALUES ($1, $2, $3)`,
		uid, seconds, words)
	if err != nil {
		return fmt.Errorf("conversation store: record usage: %w", err)
	}
	return nil
}

func encodeJSON(conv *types.Conversation) (segments, photos, structured, geo []byte, err error) {
	segs := conv.TranscriptSegments
	if segs == nil {
		segs = []types.TranscriptSegment{}
	}
	if segments, err = json.Marshal(segs); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("conversation store: encode segments: %w", err)
	}
	ph := conv.Photos
	if ph == nil {
		ph = []types.ConversationPhoto{}
	}
	if photos, err = json.Marshal(ph); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("conversation store: encode photos: %w", err)
	}
	if conv.Structured != nil {
		if structured, err = json.Marshal(conv.Structured); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("conversation store: encode structured: %w", err)
		}
	}
	if conv.Geolocation != nil {
		if geo, err = json.Marshal(conv.Geolocation); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("conversation store: encode geolocation: %w", err)
		}
	}
	return segments, photos, structured, geo, nil
}

func collectOne(rows pgx.Rows) (*types.Conversation, error) {
	all, err := collectAll(rows)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, conversation.ErrNotFound
	}
	return all[0], nil
}

func collectAll(rows pgx.Rows) ([]*types.Conversation, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*types.Conversation, error) {
		var (
			c          types.Conversation
			status     string
			source     string
			segments   []byte
			photos     []byte
			structured []byte
			geo        []byte
		)
		if err := row.Scan(
			&c.ID, &c.UID, &c.CreatedAt, &c.StartedAt, &c.FinishedAt,
			&status, &source, &c.Language,
			&segments, &photos, &structured, &geo,
			&c.IsLocked, &c.PrivateCloudSyncEnabled, &c.Discarded,
		); err != nil {
			return nil, err
		}
		c.Status = types.ConversationStatus(status)
		c.Source = types.ConversationSource(source)
		if err := json.Unmarshal(segments, &c.TranscriptSegments); err != nil {
			return nil, fmt.Errorf("decode segments: %w", err)
		}
		if err := json.Unmarshal(photos, &c.Photos); err != nil {
			return nil, fmt.Errorf("decode photos: %w", err)
		}
		if len(structured) > 0 {
			if err := json.Unmarshal(structured, &c.Structured); err != nil {
				return nil, fmt.Errorf("decode structured: %w", err)
			}
		}
		if len(geo) > 0 {
			c.Geolocation = &types.Geolocation{}
			if err := json.Unmarshal(geo, c.Geolocation); err != nil {
				return nil, fmt.Errorf("decode geolocation: %w", err)
			}
		}
		return &c, nil
	})
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conversation store: scan rows: %w", err)
	}
	return out, nil
}
