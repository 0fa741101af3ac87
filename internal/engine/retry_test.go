package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-grp/docnotify/internal/ledger"
)

func failedRow(id, portfolio, msg string) ledger.Document {
	return ledger.Document{
		DocumentID:   id,
		Name:         "Document " + id,
		DocumentDate: time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
		PortfolioID:  portfolio,
		ProcessedAt:  time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC),
		ErrorMessage: msg,
	}
}

func TestRetry_SingleDocumentConverges(t *testing.T) {
	f := newFixture()
	f.ledger.rows["D1"] = failedRow("D1", "P1", "broker unreachable")

	res, err := f.engine.Retry(context.Background(), RetryOpts{DocumentID: "D1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 0, res.Errors)

	row := f.ledger.rows["D1"]
	assert.True(t, row.NotificationSent)
	assert.Empty(t, row.ErrorMessage, "success clears the previous error")
	assert.True(t, row.ProcessedAt.After(time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)),
		"retry refreshes the attempt timestamp")
}

func TestRetry_SingleDocumentFailsAgain(t *testing.T) {
	f := newFixture()
	f.ledger.rows["D1"] = failedRow("D1", "P1", "broker unreachable")
	f.notifier.failIDs["D1"] = true

	res, err := f.engine.Retry(context.Background(), RetryOpts{DocumentID: "D1"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 1, res.Errors)

	row := f.ledger.rows["D1"]
	assert.False(t, row.NotificationSent)
	assert.NotEmpty(t, row.ErrorMessage, "row stays failed and retryable")
}

func TestRetry_UnknownDocumentIsNoOp(t *testing.T) {
	f := newFixture()

	res, err := f.engine.Retry(context.Background(), RetryOpts{DocumentID: "missing"})
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, f.notifier.dispatched)
	assert.Zero(t, f.ledger.upserts)
}

func TestRetry_DeliveredDocumentIsNoOp(t *testing.T) {
	f := newFixture()
	f.ledger.rows["D1"] = ledger.Document{DocumentID: "D1", PortfolioID: "P1", NotificationSent: true}

	res, err := f.engine.Retry(context.Background(), RetryOpts{DocumentID: "D1"})
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, f.notifier.dispatched)
}

func TestRetry_AllFailed(t *testing.T) {
	f := newFixture()
	f.ledger.rows["D1"] = failedRow("D1", "P1", "smtp timeout")
	f.ledger.rows["D2"] = failedRow("D2", "P2", "broker unreachable")
	f.ledger.rows["D3"] = ledger.Document{DocumentID: "D3", PortfolioID: "P3", NotificationSent: true}
	f.notifier.failIDs["D2"] = true

	res, err := f.engine.Retry(context.Background(), RetryOpts{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Errors)

	assert.True(t, f.ledger.rows["D1"].NotificationSent)
	assert.False(t, f.ledger.rows["D2"].NotificationSent)
	assert.True(t, f.ledger.rows["D3"].NotificationSent, "delivered rows untouched")
	assert.NotContains(t, f.notifier.dispatched, "D3")
}

func TestRetry_NoFailedRows(t *testing.T) {
	f := newFixture()
	f.ledger.rows["D1"] = ledger.Document{DocumentID: "D1", PortfolioID: "P1", NotificationSent: true}

	res, err := f.engine.Retry(context.Background(), RetryOpts{})
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, f.reporter.summaries)
}

func TestRetry_LedgerReadFailureIsFatal(t *testing.T) {
	f := newFixture()
	f.ledger.readErr = fmt.Errorf("connection reset")

	_, err := f.engine.Retry(context.Background(), RetryOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load failed ledger rows")
	require.Len(t, f.reporter.errors, 1)
	assert.Contains(t, f.reporter.errors[0], "retry:")
}

func TestRetry_SummaryCarriesOperation(t *testing.T) {
	f := newFixture()
	f.ledger.rows["D1"] = failedRow("D1", "P1", "smtp timeout")

	_, err := f.engine.Retry(context.Background(), RetryOpts{})
	require.NoError(t, err)
	require.Len(t, f.reporter.summaries, 1)
	assert.Equal(t, "retry", f.reporter.summaries[0].Operation)
}
