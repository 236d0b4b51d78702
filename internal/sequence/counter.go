// Package sequence allocates the per-chat monotonic sequence numbers fifo
// clients use to detect gaps.
package sequence

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/erauner12/chatbus/internal/errs"
)

// Counter hands out strictly increasing numbers per chat, starting at 1.
// Allocation is a single-row upsert, so the row lock serializes concurrent
// callers and a committed value is never reissued.
type Counter struct {
	DB *pgxpool.Pool
}

func NewCounter(db *pgxpool.Pool) *Counter {
	return &Counter{DB: db}
}

// Next returns the next sequence number for chatID.
func (c *Counter) Next(ctx context.Context, chatID string) (uint64, error) {
	var seq int64
	err := c.DB.QueryRow(ctx, `
		INSERT INTO chat_sequences (chat_id, next_seq)
		VALUES ($1, 2)
		ON CONFLICT (chat_id) DO UPDATE
		SET next_seq = chat_sequences.next_seq + 1
		RETURNING next_seq - 1`,
		chatID,
	).Scan(&seq)
	if err != nil {
		return 0, errs.Wrap(errs.CodeSequencerUnavailable, "sequence allocation failed", err)
	}
	return uint64(seq), nil
}
