// Package ledger persists per-document delivery outcomes and the poll watermark.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/meridian-grp/docnotify/internal/db"
)

// Document represents a row in doc_notify.processed_documents. One row exists
// per attempted document, keyed by the source-assigned document ID. Rows are
// mutated in place by retries and never deleted here.
type Document struct {
	DocumentID       string    `json:"document_id"`
	Name             string    `json:"name"`
	DocumentDate     time.Time `json:"document_date"`
	PortfolioID      string    `json:"portfolio_id"`
	ProcessedAt      time.Time `json:"processed_at"`
	NotificationSent bool      `json:"notification_sent"`
	ErrorMessage     string    `json:"error_message,omitempty"`
}

// Failed reports whether the row is in failed state and eligible for retry.
func (d Document) Failed() bool {
	return !d.NotificationSent || d.ErrorMessage != ""
}

// Ledger provides read/write access to the processed_documents table.
type Ledger struct {
	pool db.Pool
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool db.Pool) *Ledger {
	return &Ledger{pool: pool}
}

const documentColumns = `document_id, name, document_date, portfolio_id, processed_at, message_sent, error_message`

// ExistingIDs returns the subset of the given document IDs that already have
// a ledger row, regardless of outcome.
func (l *Ledger) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}

	rows, err := l.pool.Query(ctx,
		`SELECT document_id FROM doc_notify.processed_documents WHERE document_id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: query existing ids")
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "ledger: scan existing id")
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// Upsert writes a single document outcome, inserting or replacing the row
// keyed by document_id.
func (l *Ledger) Upsert(ctx context.Context, doc Document) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO doc_notify.processed_documents
		   (document_id, name, document_date, portfolio_id, processed_at, message_sent, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (document_id) DO UPDATE SET
		   name = EXCLUDED.name,
		   document_date = EXCLUDED.document_date,
		   portfolio_id = EXCLUDED.portfolio_id,
		   processed_at = EXCLUDED.processed_at,
		   message_sent = EXCLUDED.message_sent,
		   error_message = EXCLUDED.error_message`,
		doc.DocumentID, doc.Name, doc.DocumentDate, doc.PortfolioID,
		doc.ProcessedAt, doc.NotificationSent, nullIfEmpty(doc.ErrorMessage),
	)
	if err != nil {
		return eris.Wrapf(err, "ledger: upsert %s", doc.DocumentID)
	}
	return nil
}

// UpsertBatch writes all outcomes of a run in one bulk operation.
func (l *Ledger) UpsertBatch(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	rows := make([][]any, len(docs))
	for i, d := range docs {
		rows[i] = []any{
			d.DocumentID, d.Name, d.DocumentDate, d.PortfolioID,
			d.ProcessedAt, d.NotificationSent, nullIfEmpty(d.ErrorMessage),
		}
	}

	_, err := db.BulkUpsert(ctx, l.pool, db.UpsertConfig{
		Table:        "doc_notify.processed_documents",
		Columns:      []string{"document_id", "name", "document_date", "portfolio_id", "processed_at", "message_sent", "error_message"},
		ConflictKeys: []string{"document_id"},
	}, rows)
	if err != nil {
		return eris.Wrap(err, "ledger: upsert batch")
	}
	return nil
}

// Get returns the ledger row for a document ID, or nil if none exists.
func (l *Ledger) Get(ctx context.Context, documentID string) (*Document, error) {
	row := l.pool.QueryRow(ctx,
		`SELECT `+documentColumns+`
		 FROM doc_notify.processed_documents WHERE document_id = $1`,
		documentID,
	)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "ledger: get %s", documentID)
	}
	return &doc, nil
}

// Failed returns all ledger rows currently in failed state, oldest first.
func (l *Ledger) Failed(ctx context.Context) ([]Document, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+documentColumns+`
		 FROM doc_notify.processed_documents
		 WHERE NOT message_sent OR error_message IS NOT NULL
		 ORDER BY processed_at ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: query failed rows")
	}
	defer rows.Close()

	return collectDocuments(rows)
}

// ListRecent returns the most recently processed rows, newest first.
func (l *Ledger) ListRecent(ctx context.Context, limit int) ([]Document, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+documentColumns+`
		 FROM doc_notify.processed_documents
		 ORDER BY processed_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: list recent")
	}
	defer rows.Close()

	return collectDocuments(rows)
}

func collectDocuments(rows pgx.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, eris.Wrap(err, "ledger: scan document row")
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func scanDocument(row pgx.Row) (Document, error) {
	var d Document
	var errMsg *string
	if err := row.Scan(&d.DocumentID, &d.Name, &d.DocumentDate, &d.PortfolioID,
		&d.ProcessedAt, &d.NotificationSent, &errMsg); err != nil {
		return Document{}, err
	}
	if errMsg != nil {
		d.ErrorMessage = *errMsg
	}
	return d, nil
}

// nullIfEmpty maps "" to SQL NULL for the error_message column.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
