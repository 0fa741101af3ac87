// Package engine orchestrates the document notification pipeline: incremental
// polling with watermark tracking, de-duplication against the ledger,
// per-document dispatch with failure isolation, and explicit retry.
package engine

import (
	"context"
	"time"

	"github.com/meridian-grp/docnotify/internal/alert"
	"github.com/meridian-grp/docnotify/internal/docsource"
	"github.com/meridian-grp/docnotify/internal/ledger"
	"github.com/meridian-grp/docnotify/internal/notify"
)

// defaultLookback is the window used when no watermark exists yet.
const defaultLookback = 24 * time.Hour

// LedgerStore is the slice of *ledger.Ledger the engine uses.
type LedgerStore interface {
	ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error)
	UpsertBatch(ctx context.Context, docs []ledger.Document) error
	Get(ctx context.Context, documentID string) (*ledger.Document, error)
	Failed(ctx context.Context) ([]ledger.Document, error)
}

// WatermarkStore is the slice of *ledger.Watermarks the engine uses.
type WatermarkStore interface {
	Last(ctx context.Context) (time.Time, bool, error)
	Advance(ctx context.Context, now time.Time) error
}

// Reporter is the summary/error side channel, satisfied by *alert.Alerter.
type Reporter interface {
	SendSummary(ctx context.Context, s alert.Summary)
	SendError(ctx context.Context, runID, operation string, err error)
}

// Options tunes the engine.
type Options struct {
	DocumentTypes       []string
	DispatchConcurrency int
}

// Result reports the outcome of one run.
type Result struct {
	Processed int
	Errors    int
	Failures  []string
}

// ProcessOpts configures a single processing run.
type ProcessOpts struct {
	Since        *time.Time // explicit window start, overrides the watermark
	DryRun       bool       // report only; no dispatch, no writes
	Force        bool       // proceed even when the source window is empty
	SkipSummary  bool
	FailuresOnly bool // emit the summary only when errors occurred
}

// Engine runs processing and retry over the injected collaborators.
type Engine struct {
	source     docsource.Source
	notifier   notify.Notifier
	ledger     LedgerStore
	watermarks WatermarkStore
	reporter   Reporter
	opts       Options
}

// New creates an Engine.
func New(source docsource.Source, notifier notify.Notifier, led LedgerStore, wm WatermarkStore, reporter Reporter, opts Options) *Engine {
	if opts.DispatchConcurrency <= 0 {
		opts.DispatchConcurrency = 4
	}
	return &Engine{
		source:     source,
		notifier:   notifier,
		ledger:     led,
		watermarks: wm,
		reporter:   reporter,
		opts:       opts,
	}
}

// outcome pairs a dispatched document with its per-item error, if any.
type outcome struct {
	doc docsource.Record
	err error
}
