package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/meridian-grp/docnotify/internal/docsource"
	"github.com/meridian-grp/docnotify/internal/ledger"
)

// RetryOpts configures a retry run.
type RetryOpts struct {
	DocumentID   string // retry one document; empty means all failed rows
	SkipSummary  bool
	FailuresOnly bool
}

// Retry re-dispatches previously failed ledger rows and updates them in
// place. A document that is absent from the ledger, or already delivered, is
// a silent no-op with zero counts.
func (e *Engine) Retry(ctx context.Context, opts RetryOpts) (Result, error) {
	runID := uuid.NewString()
	log := zap.L().With(
		zap.String("component", "engine.retry"),
		zap.String("run_id", runID),
	)

	targets, err := e.selectRetryTargets(ctx, opts.DocumentID, log)
	if err != nil {
		e.reporter.SendError(ctx, runID, "retry", err)
		return Result{}, err
	}
	if len(targets) == 0 {
		return Result{}, nil
	}

	records := make([]docsource.Record, len(targets))
	for i, t := range targets {
		records[i] = docsource.Record{
			DocumentID:   t.DocumentID,
			Name:         t.Name,
			DocumentDate: t.DocumentDate,
			PortfolioID:  t.PortfolioID,
		}
	}

	if err := e.notifier.Prepare(ctx, records); err != nil {
		log.Warn("notifier prepare failed, affected documents will fail individually", zap.Error(err))
	}

	outcomes := e.dispatchAll(ctx, records)

	// All row updates are persisted in one batch at the end of the run.
	res, rows := collectOutcomes(outcomes, time.Now().UTC())
	if err := e.ledger.UpsertBatch(ctx, rows); err != nil {
		err = eris.Wrap(err, "engine: persist retry outcomes")
		e.reporter.SendError(ctx, runID, "retry", err)
		return res, err
	}

	e.emitSummary(ctx, runID, "retry", res, opts.SkipSummary, opts.FailuresOnly)
	log.Info("retry complete",
		zap.Int("processed", res.Processed),
		zap.Int("errors", res.Errors),
	)
	return res, nil
}

// selectRetryTargets picks the ledger rows to re-dispatch: the single named
// row when it exists and is failed, otherwise every failed row.
func (e *Engine) selectRetryTargets(ctx context.Context, documentID string, log *zap.Logger) ([]ledger.Document, error) {
	if documentID != "" {
		doc, err := e.ledger.Get(ctx, documentID)
		if err != nil {
			return nil, eris.Wrapf(err, "engine: load ledger row %s", documentID)
		}
		if doc == nil {
			log.Info("document not in ledger, nothing to retry",
				zap.String("document_id", documentID))
			return nil, nil
		}
		if !doc.Failed() {
			log.Info("document already delivered, nothing to retry",
				zap.String("document_id", documentID))
			return nil, nil
		}
		return []ledger.Document{*doc}, nil
	}

	failed, err := e.ledger.Failed(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "engine: load failed ledger rows")
	}
	if len(failed) == 0 {
		log.Info("no failed documents in ledger")
	}
	return failed, nil
}
