// Package docsource queries the document store for newly created documents.
package docsource

import (
	"context"
	"time"
)

// Record is a document returned by the source for the current poll window.
type Record struct {
	DocumentID   string    `json:"documentId"`
	Name         string    `json:"name"`
	DocumentDate time.Time `json:"documentDate"`
	PortfolioID  string    `json:"portfolioId"`
	DocumentType string    `json:"documentType"`
}

// Source returns the complete set of documents created since the given
// timestamp, filtered by document type. Pagination is handled internally.
type Source interface {
	Search(ctx context.Context, since time.Time, documentTypes []string) ([]Record, error)
}
