package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/meridian-grp/docnotify/internal/db"
)

// Watermarks tracks the upper bound of the last successfully completed poll
// window in doc_notify.last_query_timestamps. If multiple historical rows
// exist, the most recently updated one is authoritative.
type Watermarks struct {
	pool db.Pool
}

// NewWatermarks creates a Watermarks store backed by the given pool.
func NewWatermarks(pool db.Pool) *Watermarks {
	return &Watermarks{pool: pool}
}

// Last returns the current watermark. ok is false when no watermark has ever
// been recorded; an empty store is not an error.
func (w *Watermarks) Last(ctx context.Context) (time.Time, bool, error) {
	var t time.Time
	err := w.pool.QueryRow(ctx,
		`SELECT last_successful_query FROM doc_notify.last_query_timestamps
		 ORDER BY updated_at DESC LIMIT 1`,
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, eris.Wrap(err, "watermark: read last")
	}
	return t, true, nil
}

// Advance moves the watermark to now. It mutates the authoritative row in
// place, inserting one only when the store is empty, so repeated calls with
// the same timestamp are idempotent.
func (w *Watermarks) Advance(ctx context.Context, now time.Time) error {
	tag, err := w.pool.Exec(ctx,
		`UPDATE doc_notify.last_query_timestamps
		 SET last_successful_query = $1, updated_at = now()
		 WHERE id = (SELECT id FROM doc_notify.last_query_timestamps
		             ORDER BY updated_at DESC LIMIT 1)`,
		now,
	)
	if err != nil {
		return eris.Wrap(err, "watermark: advance")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	_, err = w.pool.Exec(ctx,
		`INSERT INTO doc_notify.last_query_timestamps (last_successful_query, updated_at)
		 VALUES ($1, now())`,
		now,
	)
	if err != nil {
		return eris.Wrap(err, "watermark: insert first")
	}
	return nil
}
