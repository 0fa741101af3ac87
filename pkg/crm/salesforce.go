package crm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// maxBatchConcurrency bounds parallel SOQL batch queries.
const maxBatchConcurrency = 4

// querier is the slice of the Salesforce API the directory needs.
type querier interface {
	Query(ctx context.Context, soql string, out any) error
}

// ownerRow mirrors the Portfolio_Owner__c SObject fields.
type ownerRow struct {
	PortfolioID    string `json:"Portfolio_Id__c"`
	FirstName      string `json:"Owner_First_Name__c"`
	LastName       string `json:"Owner_Last_Name__c"`
	Organization   string `json:"Organization_Name__c"`
	Email          string `json:"Contact_Email__c"`
	IsOrganization bool   `json:"Is_Organization__c"`
}

// SalesforceDirectory implements Directory over batched SOQL queries.
type SalesforceDirectory struct {
	q         querier
	batchSize int
}

// DirectoryOption configures the Salesforce directory.
type DirectoryOption func(*SalesforceDirectory)

// WithBatchSize sets how many portfolio IDs go into one SOQL IN clause.
func WithBatchSize(n int) DirectoryOption {
	return func(d *SalesforceDirectory) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// NewSalesforceDirectory creates a Directory backed by the given Salesforce client.
func NewSalesforceDirectory(sf *salesforce.Salesforce, opts ...DirectoryOption) *SalesforceDirectory {
	return newDirectory(&sfQuerier{sf: sf, limiter: rate.NewLimiter(5, 5)}, opts...)
}

func newDirectory(q querier, opts ...DirectoryOption) *SalesforceDirectory {
	d := &SalesforceDirectory{q: q, batchSize: 50}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OwnersByPortfolio resolves owners for the given portfolio IDs. IDs are
// chunked into IN-clause batches which are queried concurrently and joined
// before returning. Portfolios with no directory entry are simply absent
// from the result.
func (d *SalesforceDirectory) OwnersByPortfolio(ctx context.Context, portfolioIDs []string) ([]Owner, error) {
	if len(portfolioIDs) == 0 {
		return nil, nil
	}

	chunks := chunkIDs(dedupe(portfolioIDs), d.batchSize)

	var mu sync.Mutex
	var owners []Owner

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxBatchConcurrency)

	for _, chunk := range chunks {
		g.Go(func() error {
			soql := fmt.Sprintf(
				`SELECT Portfolio_Id__c, Owner_First_Name__c, Owner_Last_Name__c, Organization_Name__c, Contact_Email__c, Is_Organization__c
				 FROM Portfolio_Owner__c WHERE Portfolio_Id__c IN (%s)`,
				quoteList(chunk),
			)

			var result struct {
				Records []ownerRow
			}
			if err := d.q.Query(gctx, soql, &result); err != nil {
				return eris.Wrap(err, "crm: owner batch query")
			}

			mu.Lock()
			defer mu.Unlock()
			for _, r := range result.Records {
				owners = append(owners, Owner{
					PortfolioID:    r.PortfolioID,
					FirstName:      r.FirstName,
					LastName:       r.LastName,
					Organization:   r.Organization,
					Email:          r.Email,
					IsOrganization: r.IsOrganization,
				})
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return owners, nil
}

// sfQuerier wraps the go-salesforce/v3 client.
//
// NOTE: the underlying library does not accept context.Context, so the ctx
// parameter only gates the rate limiter wait.
type sfQuerier struct {
	sf      *salesforce.Salesforce
	limiter *rate.Limiter
}

func (q *sfQuerier) Query(ctx context.Context, soql string, out any) error {
	if err := q.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "crm: rate limit")
	}
	if err := q.sf.Query(soql, out); err != nil {
		return eris.Wrap(err, "crm: soql query")
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func chunkIDs(ids []string, size int) [][]string {
	var chunks [][]string
	for len(ids) > size {
		chunks = append(chunks, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}

// quoteList renders IDs as a SOQL string list, escaping embedded quotes.
func quoteList(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = "'" + strings.ReplaceAll(id, "'", `\'`) + "'"
	}
	return strings.Join(quoted, ", ")
}
