package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-grp/docnotify/internal/alert"
	"github.com/meridian-grp/docnotify/internal/docsource"
	"github.com/meridian-grp/docnotify/internal/ledger"
)

// Process runs one poll-diff-dispatch cycle. Per-document dispatch failures
// are isolated and counted; only source/ledger/watermark failures abort the
// run. The returned error is non-nil only for those fatal conditions.
func (e *Engine) Process(ctx context.Context, opts ProcessOpts) (Result, error) {
	runID := uuid.NewString()
	log := zap.L().With(
		zap.String("component", "engine.process"),
		zap.String("run_id", runID),
	)
	now := time.Now().UTC()

	since, err := e.resolveSince(ctx, opts.Since, now)
	if err != nil {
		e.reporter.SendError(ctx, runID, "process", err)
		return Result{}, err
	}

	records, err := e.source.Search(ctx, since, e.opts.DocumentTypes)
	if err != nil {
		err = eris.Wrap(err, "engine: search document source")
		e.reporter.SendError(ctx, runID, "process", err)
		return Result{}, err
	}

	log.Info("poll window fetched",
		zap.Time("since", since),
		zap.Int("candidates", len(records)),
		zap.Bool("dry_run", opts.DryRun),
	)

	if len(records) == 0 && !opts.Force {
		log.Info("no documents in window, leaving watermark untouched")
		return Result{}, nil
	}

	candidates := dropInvalid(records, log)

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.DocumentID
	}
	existing, err := e.ledger.ExistingIDs(ctx, ids)
	if err != nil {
		err = eris.Wrap(err, "engine: diff against ledger")
		e.reporter.SendError(ctx, runID, "process", err)
		return Result{}, err
	}

	// Documents already in the ledger under any outcome are excluded here;
	// failed ones are only revisited through Retry.
	var fresh []docsource.Record
	for _, c := range candidates {
		if !existing[c.DocumentID] {
			fresh = append(fresh, c)
		}
	}

	if len(fresh) == 0 {
		log.Info("no new documents", zap.Int("already_known", len(candidates)))
		if !opts.DryRun {
			if err := e.watermarks.Advance(ctx, now); err != nil {
				e.reporter.SendError(ctx, runID, "process", err)
				return Result{}, err
			}
		}
		res := Result{}
		e.emitSummary(ctx, runID, "process", res, opts.SkipSummary, opts.FailuresOnly)
		return res, nil
	}

	if opts.DryRun {
		for _, doc := range fresh {
			log.Info("dry run: would dispatch",
				zap.String("document_id", doc.DocumentID),
				zap.String("portfolio_id", doc.PortfolioID),
			)
		}
		return Result{Processed: len(fresh)}, nil
	}

	if err := e.notifier.Prepare(ctx, fresh); err != nil {
		log.Warn("notifier prepare failed, affected documents will fail individually", zap.Error(err))
	}

	outcomes := e.dispatchAll(ctx, fresh)

	res, rows := collectOutcomes(outcomes, time.Now().UTC())
	if err := e.ledger.UpsertBatch(ctx, rows); err != nil {
		err = eris.Wrap(err, "engine: persist outcomes")
		e.reporter.SendError(ctx, runID, "process", err)
		return res, err
	}

	// The watermark reflects poll completion, not document recency.
	if err := e.watermarks.Advance(ctx, now); err != nil {
		e.reporter.SendError(ctx, runID, "process", err)
		return res, err
	}

	e.emitSummary(ctx, runID, "process", res, opts.SkipSummary, opts.FailuresOnly)
	log.Info("processing complete",
		zap.Int("processed", res.Processed),
		zap.Int("errors", res.Errors),
	)
	return res, nil
}

// resolveSince picks the effective window start: explicit override, then the
// persisted watermark, then a default lookback.
func (e *Engine) resolveSince(ctx context.Context, explicit *time.Time, now time.Time) (time.Time, error) {
	if explicit != nil {
		return explicit.UTC(), nil
	}
	last, ok, err := e.watermarks.Last(ctx)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "engine: read watermark")
	}
	if !ok {
		return now.Add(-defaultLookback), nil
	}
	return last, nil
}

// dispatchAll fans dispatch out over a bounded worker group. One slot per
// document keeps outcome writes race-free; counters are tallied after the
// join.
func (e *Engine) dispatchAll(ctx context.Context, docs []docsource.Record) []outcome {
	outcomes := make([]outcome, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.DispatchConcurrency)

	for i, doc := range docs {
		g.Go(func() error {
			outcomes[i] = outcome{doc: doc, err: e.notifier.Dispatch(gctx, doc)}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// collectOutcomes turns dispatch outcomes into the run result and the ledger
// rows to persist.
func collectOutcomes(outcomes []outcome, attemptedAt time.Time) (Result, []ledger.Document) {
	var res Result
	rows := make([]ledger.Document, len(outcomes))
	for i, o := range outcomes {
		row := ledger.Document{
			DocumentID:   o.doc.DocumentID,
			Name:         o.doc.Name,
			DocumentDate: o.doc.DocumentDate,
			PortfolioID:  o.doc.PortfolioID,
			ProcessedAt:  attemptedAt,
		}
		if o.err != nil {
			res.Errors++
			res.Failures = append(res.Failures, o.doc.DocumentID+": "+o.err.Error())
			row.ErrorMessage = o.err.Error()
			zap.L().Warn("dispatch failed",
				zap.String("document_id", o.doc.DocumentID),
				zap.String("portfolio_id", o.doc.PortfolioID),
				zap.Error(o.err),
			)
		} else {
			res.Processed++
			row.NotificationSent = true
		}
		rows[i] = row
	}
	return res, rows
}

// dropInvalid filters out source records missing the required portfolio id.
// They are logged and never reach the ledger.
func dropInvalid(records []docsource.Record, log *zap.Logger) []docsource.Record {
	valid := records[:0:0]
	for _, r := range records {
		if r.PortfolioID == "" {
			log.Warn("skipping document without portfolio id",
				zap.String("document_id", r.DocumentID),
				zap.String("name", r.Name),
			)
			continue
		}
		valid = append(valid, r)
	}
	return valid
}

func (e *Engine) emitSummary(ctx context.Context, runID, operation string, res Result, skip, failuresOnly bool) {
	if !alert.ShouldSend(skip, failuresOnly, res.Errors) {
		return
	}
	e.reporter.SendSummary(ctx, alert.Summary{
		RunID:     runID,
		Operation: operation,
		Processed: res.Processed,
		Errors:    res.Errors,
		Failures:  res.Failures,
		Timestamp: time.Now().UTC(),
	})
}
