// Package alert delivers run summaries and fatal-error alerts to a webhook
// side channel. Delivery is best-effort: failures are logged, never escalated.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Summary reports the outcome of one processing or retry run.
type Summary struct {
	RunID     string    `json:"run_id"`
	Operation string    `json:"operation"`
	Processed int       `json:"processed"`
	Errors    int       `json:"errors"`
	Failures  []string  `json:"failures,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// errorAlert is the payload for a fatal, run-aborting error.
type errorAlert struct {
	RunID     string    `json:"run_id,omitempty"`
	Operation string    `json:"operation"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Alerter posts summaries and error alerts to the configured webhook URL.
// An empty URL disables the channel entirely.
type Alerter struct {
	webhookURL string
	client     *http.Client
}

// NewAlerter creates an Alerter for the given webhook URL.
func NewAlerter(webhookURL string) *Alerter {
	return &Alerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// ShouldSend reports whether a run summary should be emitted given the
// caller-supplied suppression flags.
func ShouldSend(skip, failuresOnly bool, errors int) bool {
	if skip {
		return false
	}
	if failuresOnly && errors == 0 {
		return false
	}
	return true
}

// SendSummary delivers a run summary. A delivery failure is logged and
// swallowed; the run's outcome never depends on it.
func (a *Alerter) SendSummary(ctx context.Context, s Summary) {
	if a.webhookURL == "" {
		return
	}
	if err := a.post(ctx, s); err != nil {
		zap.L().Warn("alert: failed to send run summary",
			zap.String("run_id", s.RunID),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("alert: run summary sent",
		zap.String("run_id", s.RunID),
		zap.String("operation", s.Operation),
		zap.Int("processed", s.Processed),
		zap.Int("errors", s.Errors),
	)
}

// SendError delivers a fatal-error alert. Best-effort, like SendSummary.
func (a *Alerter) SendError(ctx context.Context, runID, operation string, runErr error) {
	if a.webhookURL == "" || runErr == nil {
		return
	}
	alert := errorAlert{
		RunID:     runID,
		Operation: operation,
		Severity:  "high",
		Message:   runErr.Error(),
		Timestamp: time.Now().UTC(),
	}
	if err := a.post(ctx, alert); err != nil {
		zap.L().Warn("alert: failed to send error alert",
			zap.String("operation", operation),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("alert: error alert sent", zap.String("operation", operation))
}

func (a *Alerter) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "alert: marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "alert: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "alert: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("alert: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
