// Package notify delivers per-document notifications through a message broker
// or as personalized e-mail.
package notify

import (
	"context"

	"github.com/meridian-grp/docnotify/internal/docsource"
)

// Notifier dispatches one notification per document. The strategy is chosen
// once at startup from configuration, never per document.
//
// Prepare is called once per run with the full candidate set so
// implementations can batch expensive lookups; Dispatch reports success or
// failure for a single document and must be safe for concurrent use.
type Notifier interface {
	Prepare(ctx context.Context, docs []docsource.Record) error
	Dispatch(ctx context.Context, doc docsource.Record) error
}
