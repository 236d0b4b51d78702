// Package history persists every published envelope into Postgres so
// clients can backfill after reconnecting. Rows carry an expires_at stamp;
// reads filter on it, which makes expiry visible immediately even though the
// reaper deletes rows on a slower cadence.
package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/chatbus/internal/cursor"
	"github.com/erauner12/chatbus/internal/errs"
	"github.com/erauner12/chatbus/internal/message"
)

// Store reads and writes the chat_history table.
type Store struct {
	db  *pgxpool.Pool
	ttl time.Duration
}

// NewStore creates a history store whose rows expire ttl after publish.
func NewStore(db *pgxpool.Pool, ttl time.Duration) *Store {
	return &Store{db: db, ttl: ttl}
}

// BatchPut writes the envelopes, retries a failed subset once inline, and
// returns ids that still failed. Duplicate (chatId, messageId) pairs are
// absorbed by the primary key, so redeliveries are idempotent.
func (s *Store) BatchPut(ctx context.Context, envs []*message.Envelope) ([]string, error) {
	if len(envs) == 0 {
		return nil, nil
	}
	failed, err := s.put(ctx, envs)
	if err != nil {
		return nil, err
	}
	if len(failed) == 0 {
		return nil, nil
	}

	log.Warn().Int("count", len(failed)).Msg("retrying failed history writes inline")
	isFailed := make(map[string]bool, len(failed))
	for _, id := range failed {
		isFailed[id] = true
	}
	retry := make([]*message.Envelope, 0, len(failed))
	for _, env := range envs {
		if isFailed[env.MessageID] {
			retry = append(retry, env)
		}
	}
	stillFailed, err := s.put(ctx, retry)
	if err != nil {
		// The retry batch never reached the database; the original failures stand.
		return failed, nil
	}
	return stillFailed, nil
}

func (s *Store) put(ctx context.Context, envs []*message.Envelope) ([]string, error) {
	var failed []string
	batch := &pgx.Batch{}
	queued := make([]*message.Envelope, 0, len(envs))

	for _, env := range envs {
		body, err := json.Marshal(env)
		if err != nil {
			failed = append(failed, env.MessageID)
			continue
		}
		var seq *int64
		if n, ok := env.Sequence(); ok {
			v := int64(n)
			seq = &v
		}
		batch.Queue(
			`INSERT INTO chat_history (chat_id, message_id, publish_time, sequence_number, body, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (chat_id, message_id) DO NOTHING`,
			env.ChatID, env.MessageID, env.PublishTime, seq, body, env.PublishTime.Add(s.ttl))
		queued = append(queued, env)
	}
	if len(queued) == 0 {
		return failed, nil
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()
	for _, env := range queued {
		if _, err := results.Exec(); err != nil {
			failed = append(failed, env.MessageID)
			log.Warn().Err(err).Str("messageId", env.MessageID).Msg("history write failed")
		}
	}
	return failed, nil
}

// Range lists live history for a chat, newest first, with keyset pagination.
// A non-zero fromTime starts the listing at that instant instead of the
// newest row; a continuation token, when present, wins over fromTime. A
// garbage token restarts the listing from the top.
func (s *Store) Range(ctx context.Context, chatID string, fromTime time.Time, limit int, startKey string) ([]message.Envelope, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT body FROM chat_history WHERE chat_id = $1 AND expires_at > now()`
	args := []any{chatID, limit + 1}
	if k, ok := cursor.Decode(startKey); ok {
		query += ` AND (publish_time, message_id) < ($3, $4)`
		args = append(args, time.UnixMilli(k.Ms).UTC(), k.ID)
	} else if !fromTime.IsZero() {
		query += ` AND publish_time <= $3`
		args = append(args, fromTime)
	}
	query += ` ORDER BY publish_time DESC, message_id DESC LIMIT $2`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", errs.Wrap(errs.CodeStoreUnavailable, "failed to query history", err)
	}
	defer rows.Close()

	envs := make([]message.Envelope, 0, limit)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, "", errs.Wrap(errs.CodeStoreUnavailable, "failed to scan history row", err)
		}
		var env message.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, "", errs.Wrap(errs.CodeInternal, "failed to decode history row", err)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, "", errs.Wrap(errs.CodeStoreUnavailable, "failed to read history", err)
	}

	next := ""
	if len(envs) > limit {
		envs = envs[:limit]
		last := envs[len(envs)-1]
		next = cursor.Encode(cursor.Key{Ms: last.PublishTime.UnixMilli(), ID: last.MessageID})
	}
	return envs, next, nil
}

// BySequences returns the live rows matching the requested sequence numbers,
// ascending. Missing sequences are simply absent from the result.
func (s *Store) BySequences(ctx context.Context, chatID string, seqs []uint64) ([]message.Envelope, error) {
	if len(seqs) == 0 {
		return nil, nil
	}
	nums := make([]int64, len(seqs))
	for i, n := range seqs {
		nums[i] = int64(n)
	}

	rows, err := s.db.Query(ctx,
		`SELECT body FROM chat_history
		 WHERE chat_id = $1 AND sequence_number = ANY($2) AND expires_at > now()
		 ORDER BY sequence_number ASC`,
		chatID, nums)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "failed to query history by sequence", err)
	}
	defer rows.Close()

	var envs []message.Envelope
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, errs.Wrap(errs.CodeStoreUnavailable, "failed to scan history row", err)
		}
		var env message.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, errs.Wrap(errs.CodeInternal, "failed to decode history row", err)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "failed to read history", err)
	}
	return envs, nil
}

// DeleteExpired removes rows past their expires_at stamp.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM chat_history WHERE expires_at <= now()`)
	if err != nil {
		return 0, errs.Wrap(errs.CodeStoreUnavailable, "failed to delete expired history", err)
	}
	return tag.RowsAffected(), nil
}

// RunReaper deletes expired rows on a fixed cadence until ctx is canceled.
// Reads already filter on expires_at, so this is pure garbage collection.
func (s *Store) RunReaper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.DeleteExpired(ctx)
			if err != nil {
				log.Error().Err(err).Msg("history reaper pass failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("rows", n).Msg("reaped expired history")
			}
		}
	}
}
