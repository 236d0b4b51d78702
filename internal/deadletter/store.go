// Package deadletter persists envelopes whose delivery attempts are spent so
// operators can inspect and replay them.
package deadletter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/chatbus/internal/errs"
	"github.com/erauner12/chatbus/internal/message"
)

// Entry is one parked envelope.
type Entry struct {
	ID        int64            `json:"id"`
	Topic     string           `json:"topic"`
	MessageID string           `json:"messageId"`
	Envelope  message.Envelope `json:"envelope"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"lastError"`
	FailedAt  time.Time        `json:"failedAt"`
}

// Store reads and writes the dead_letters table.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Insert parks an envelope together with its failure context.
func (s *Store) Insert(ctx context.Context, topic string, env *message.Envelope, attempts int, lastErr string) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "failed to encode dead letter", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO dead_letters (topic, message_id, envelope, attempts, last_error)
		 VALUES ($1, $2, $3, $4, $5)`,
		topic, env.MessageID, body, attempts, lastErr)
	if err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "failed to insert dead letter", err)
	}
	return nil
}

// List returns the most recently parked entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, topic, message_id, envelope, attempts, last_error, failed_at
		 FROM dead_letters
		 ORDER BY failed_at DESC, id DESC
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "failed to list dead letters", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var body []byte
		if err := rows.Scan(&e.ID, &e.Topic, &e.MessageID, &body, &e.Attempts, &e.LastError, &e.FailedAt); err != nil {
			return nil, errs.Wrap(errs.CodeStoreUnavailable, "failed to scan dead letter", err)
		}
		if err := json.Unmarshal(body, &e.Envelope); err != nil {
			return nil, errs.Wrap(errs.CodeInternal, "failed to decode dead letter envelope", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "failed to read dead letters", err)
	}
	return entries, nil
}

// Park adapts Insert to the bus dead-letter hook. A failure here is logged
// and dropped; there is no further fallback.
func (s *Store) Park(ctx context.Context, topic string, env *message.Envelope, attempts int, lastErr string) {
	if err := s.Insert(ctx, topic, env, attempts, lastErr); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("messageId", env.MessageID).
			Msg("failed to persist dead letter")
	}
}
