package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridian-grp/docnotify/internal/alert"
	"github.com/meridian-grp/docnotify/internal/docsource"
	"github.com/meridian-grp/docnotify/internal/ledger"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeSource struct {
	records []docsource.Record
	err     error
	since   time.Time
	types   []string
	calls   int
}

func (f *fakeSource) Search(ctx context.Context, since time.Time, types []string) ([]docsource.Record, error) {
	f.calls++
	f.since = since
	f.types = types
	return f.records, f.err
}

// fakeNotifier fails dispatch for document IDs listed in failIDs.
type fakeNotifier struct {
	mu         sync.Mutex
	failIDs    map[string]bool
	prepared   []docsource.Record
	prepareErr error
	dispatched []string
}

func (f *fakeNotifier) Prepare(ctx context.Context, docs []docsource.Record) error {
	f.prepared = docs
	return f.prepareErr
}

func (f *fakeNotifier) Dispatch(ctx context.Context, doc docsource.Record) error {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, doc.DocumentID)
	f.mu.Unlock()
	if f.failIDs[doc.DocumentID] {
		return fmt.Errorf("broker unreachable")
	}
	return nil
}

// fakeLedger keeps rows in memory keyed by document ID.
type fakeLedger struct {
	mu       sync.Mutex
	rows     map[string]ledger.Document
	batchErr error
	readErr  error
	upserts  int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: make(map[string]ledger.Document)}
}

func (f *fakeLedger) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := make(map[string]bool)
	for _, id := range ids {
		if _, ok := f.rows[id]; ok {
			existing[id] = true
		}
	}
	return existing, nil
}

func (f *fakeLedger) UpsertBatch(ctx context.Context, docs []ledger.Document) error {
	if f.batchErr != nil {
		return f.batchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	for _, d := range docs {
		f.rows[d.DocumentID] = d
	}
	return nil
}

func (f *fakeLedger) Get(ctx context.Context, id string) (*ledger.Document, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.rows[id]; ok {
		return &d, nil
	}
	return nil, nil
}

func (f *fakeLedger) Failed(ctx context.Context) ([]ledger.Document, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.Document
	for _, d := range f.rows {
		if d.Failed() {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeWatermarks struct {
	last     time.Time
	hasLast  bool
	advanced []time.Time
	err      error
}

func (f *fakeWatermarks) Last(ctx context.Context) (time.Time, bool, error) {
	return f.last, f.hasLast, f.err
}

func (f *fakeWatermarks) Advance(ctx context.Context, now time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.advanced = append(f.advanced, now)
	f.last, f.hasLast = now, true
	return nil
}

type fakeReporter struct {
	summaries []alert.Summary
	errors    []string
}

func (f *fakeReporter) SendSummary(ctx context.Context, s alert.Summary) {
	f.summaries = append(f.summaries, s)
}

func (f *fakeReporter) SendError(ctx context.Context, runID, op string, err error) {
	f.errors = append(f.errors, op+": "+err.Error())
}

type fixture struct {
	source     *fakeSource
	notifier   *fakeNotifier
	ledger     *fakeLedger
	watermarks *fakeWatermarks
	reporter   *fakeReporter
	engine     *Engine
}

func newFixture(records ...docsource.Record) *fixture {
	f := &fixture{
		source:     &fakeSource{records: records},
		notifier:   &fakeNotifier{failIDs: map[string]bool{}},
		ledger:     newFakeLedger(),
		watermarks: &fakeWatermarks{},
		reporter:   &fakeReporter{},
	}
	f.engine = New(f.source, f.notifier, f.ledger, f.watermarks, f.reporter, Options{
		DocumentTypes:       []string{"statement"},
		DispatchConcurrency: 2,
	})
	return f
}

func doc(id, portfolio string) docsource.Record {
	return docsource.Record{
		DocumentID:   id,
		Name:         "Document " + id,
		DocumentDate: time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
		PortfolioID:  portfolio,
		DocumentType: "statement",
	}
}

func TestProcess_HappyPath(t *testing.T) {
	f := newFixture(doc("D1", "P1"), doc("D2", "P2"))
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f.watermarks.last = start
	f.watermarks.hasLast = true

	res, err := f.engine.Process(context.Background(), ProcessOpts{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 0, res.Errors)

	// The stored watermark bounded the query window.
	assert.Equal(t, start, f.source.since)
	assert.Equal(t, []string{"statement"}, f.source.types)

	// Both rows recorded as delivered.
	require.Len(t, f.ledger.rows, 2)
	assert.True(t, f.ledger.rows["D1"].NotificationSent)
	assert.True(t, f.ledger.rows["D2"].NotificationSent)
	assert.Empty(t, f.ledger.rows["D1"].ErrorMessage)

	// Watermark advanced to "now", not to document recency.
	require.Len(t, f.watermarks.advanced, 1)
	assert.True(t, f.watermarks.advanced[0].After(time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)))

	require.Len(t, f.reporter.summaries, 1)
	assert.Equal(t, "process", f.reporter.summaries[0].Operation)
	assert.Equal(t, 2, f.reporter.summaries[0].Processed)
}

func TestProcess_PartialFailureIsolation(t *testing.T) {
	f := newFixture(doc("D1", "P1"), doc("D2", "P2"), doc("D3", "P3"), doc("D4", "P4"), doc("D5", "P5"))
	f.notifier.failIDs["D2"] = true
	f.notifier.failIDs["D4"] = true

	res, err := f.engine.Process(context.Background(), ProcessOpts{})
	require.NoError(t, err, "per-item failures are never fatal")
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 2, res.Errors)
	require.Len(t, res.Failures, 2)

	// Ledger rows exist for all 5, with the failed pair marked.
	require.Len(t, f.ledger.rows, 5)
	assert.False(t, f.ledger.rows["D2"].NotificationSent)
	assert.NotEmpty(t, f.ledger.rows["D2"].ErrorMessage)
	assert.False(t, f.ledger.rows["D4"].NotificationSent)
	assert.NotEmpty(t, f.ledger.rows["D4"].ErrorMessage)
	assert.True(t, f.ledger.rows["D3"].NotificationSent)

	// Failures still advance the watermark.
	assert.Len(t, f.watermarks.advanced, 1)
}

func TestProcess_Idempotence(t *testing.T) {
	f := newFixture(doc("D1", "P1"), doc("D2", "P2"))

	res, err := f.engine.Process(context.Background(), ProcessOpts{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)

	// Second run over the same window: everything already in the ledger.
	res, err = f.engine.Process(context.Background(), ProcessOpts{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 0, res.Errors)
	assert.Len(t, f.ledger.rows, 2, "no duplicate rows")

	// The empty-diff path still advanced the watermark.
	assert.Len(t, f.watermarks.advanced, 2)
}

func TestProcess_FailedRowsNotReprocessed(t *testing.T) {
	f := newFixture(doc("D1", "P1"))
	f.ledger.rows["D1"] = ledger.Document{DocumentID: "D1", PortfolioID: "P1", ErrorMessage: "smtp timeout"}

	res, err := f.engine.Process(context.Background(), ProcessOpts{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Empty(t, f.notifier.dispatched, "failed rows are only revisited via Retry")
}

func TestProcess_EmptyWindowWithoutForce(t *testing.T) {
	f := newFixture()

	res, err := f.engine.Process(context.Background(), ProcessOpts{})
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, f.watermarks.advanced, "empty window leaves the watermark alone")
	assert.Empty(t, f.reporter.summaries)
}

func TestProcess_EmptyWindowWithForce(t *testing.T) {
	f := newFixture()

	res, err := f.engine.Process(context.Background(), ProcessOpts{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Len(t, f.watermarks.advanced, 1, "forced run completes the window")
}

func TestProcess_DryRunPurity(t *testing.T) {
	f := newFixture(doc("D1", "P1"), doc("D2", "P2"), doc("D3", "P3"))
	f.notifier.failIDs["D2"] = true // would fail, must not matter

	res, err := f.engine.Process(context.Background(), ProcessOpts{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)

	assert.Empty(t, f.ledger.rows, "dry run writes nothing")
	assert.Empty(t, f.watermarks.advanced, "dry run never moves the watermark")
	assert.Empty(t, f.notifier.dispatched, "dry run dispatches nothing")
	assert.Nil(t, f.notifier.prepared)
}

func TestProcess_MissingPortfolioIDDropped(t *testing.T) {
	f := newFixture(doc("D1", "P1"), doc("D2", ""))

	res, err := f.engine.Process(context.Background(), ProcessOpts{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	_, exists := f.ledger.rows["D2"]
	assert.False(t, exists, "records without portfolio id never reach the ledger")
}

func TestProcess_ExplicitSinceOverridesWatermark(t *testing.T) {
	f := newFixture(doc("D1", "P1"))
	f.watermarks.last = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f.watermarks.hasLast = true

	explicit := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err := f.engine.Process(context.Background(), ProcessOpts{Since: &explicit})
	require.NoError(t, err)
	assert.Equal(t, explicit, f.source.since)
}

func TestProcess_DefaultLookbackWhenNoWatermark(t *testing.T) {
	f := newFixture(doc("D1", "P1"))

	before := time.Now().UTC()
	_, err := f.engine.Process(context.Background(), ProcessOpts{})
	require.NoError(t, err)

	want := before.Add(-24 * time.Hour)
	assert.WithinDuration(t, want, f.source.since, 5*time.Second)
}

func TestProcess_SourceFailureIsFatal(t *testing.T) {
	f := newFixture()
	f.source.err = fmt.Errorf("document store 503")

	_, err := f.engine.Process(context.Background(), ProcessOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search document source")
	require.Len(t, f.reporter.errors, 1)
	assert.Contains(t, f.reporter.errors[0], "process:")
	assert.Empty(t, f.watermarks.advanced)
}

func TestProcess_LedgerWriteFailureIsFatal(t *testing.T) {
	f := newFixture(doc("D1", "P1"))
	f.ledger.batchErr = fmt.Errorf("disk full")

	_, err := f.engine.Process(context.Background(), ProcessOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist outcomes")
	assert.Empty(t, f.watermarks.advanced, "watermark must not advance past a failed persist")
}

func TestProcess_PrepareFailureIsNotFatal(t *testing.T) {
	f := newFixture(doc("D1", "P1"))
	f.notifier.prepareErr = fmt.Errorf("crm unavailable")

	res, err := f.engine.Process(context.Background(), ProcessOpts{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
}

func TestProcess_SummarySuppression(t *testing.T) {
	f := newFixture(doc("D1", "P1"))
	_, err := f.engine.Process(context.Background(), ProcessOpts{SkipSummary: true})
	require.NoError(t, err)
	assert.Empty(t, f.reporter.summaries)

	f = newFixture(doc("D1", "P1"))
	_, err = f.engine.Process(context.Background(), ProcessOpts{FailuresOnly: true})
	require.NoError(t, err)
	assert.Empty(t, f.reporter.summaries, "clean run suppressed under failures-only")

	f = newFixture(doc("D1", "P1"))
	f.notifier.failIDs["D1"] = true
	_, err = f.engine.Process(context.Background(), ProcessOpts{FailuresOnly: true})
	require.NoError(t, err)
	assert.Len(t, f.reporter.summaries, 1, "failures-only still reports failed runs")
}

func TestProcess_MonotonicWatermark(t *testing.T) {
	f := newFixture(doc("D1", "P1"))

	for range 3 {
		_, err := f.engine.Process(context.Background(), ProcessOpts{Force: true})
		require.NoError(t, err)
	}

	require.Len(t, f.watermarks.advanced, 3)
	for i := 1; i < len(f.watermarks.advanced); i++ {
		assert.False(t, f.watermarks.advanced[i].Before(f.watermarks.advanced[i-1]),
			"watermark must be non-decreasing")
	}
}
