package crm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuerier struct {
	mu      sync.Mutex
	queries []string
	rows    map[string]ownerRow // portfolio id -> row
	err     error
}

func (f *fakeQuerier) Query(ctx context.Context, soql string, out any) error {
	f.mu.Lock()
	f.queries = append(f.queries, soql)
	f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	result := out.(*struct{ Records []ownerRow })
	for id, row := range f.rows {
		if strings.Contains(soql, "'"+id+"'") {
			result.Records = append(result.Records, row)
		}
	}
	return nil
}

func TestOwnersByPortfolio_Empty(t *testing.T) {
	d := newDirectory(&fakeQuerier{})
	owners, err := d.OwnersByPortfolio(context.Background(), nil)
	assert.NoError(t, err)
	assert.Empty(t, owners)
}

func TestOwnersByPortfolio_ResolvesPersonsAndOrgs(t *testing.T) {
	q := &fakeQuerier{rows: map[string]ownerRow{
		"P1": {PortfolioID: "P1", FirstName: "Ada", LastName: "Byron", Email: "ada@example.com"},
		"P2": {PortfolioID: "P2", Organization: "Acme Pension Trust", Email: "ops@acme.example", IsOrganization: true},
	}}
	d := newDirectory(q)

	owners, err := d.OwnersByPortfolio(context.Background(), []string{"P1", "P2", "P1", ""})
	require.NoError(t, err)
	require.Len(t, owners, 2)

	byID := make(map[string]Owner)
	for _, o := range owners {
		byID[o.PortfolioID] = o
	}
	assert.Equal(t, "Ada Byron", byID["P1"].DisplayName())
	assert.False(t, byID["P1"].IsOrganization)
	assert.Equal(t, "Acme Pension Trust", byID["P2"].DisplayName())
	assert.True(t, byID["P2"].IsOrganization)
}

func TestOwnersByPortfolio_ChunksQueries(t *testing.T) {
	q := &fakeQuerier{rows: map[string]ownerRow{}}
	d := newDirectory(q, WithBatchSize(2))

	_, err := d.OwnersByPortfolio(context.Background(), []string{"P1", "P2", "P3", "P4", "P5"})
	require.NoError(t, err)
	assert.Len(t, q.queries, 3)
}

func TestOwnersByPortfolio_QueryError(t *testing.T) {
	q := &fakeQuerier{err: fmt.Errorf("INVALID_SESSION_ID")}
	d := newDirectory(q)

	_, err := d.OwnersByPortfolio(context.Background(), []string{"P1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner batch query")
}

func TestChunkIDs(t *testing.T) {
	chunks := chunkIDs([]string{"a", "b", "c", "d", "e"}, 2)
	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"a", "b"}, chunks[0])
	assert.Equal(t, []string{"e"}, chunks[2])

	assert.Nil(t, chunkIDs(nil, 2))
}

func TestQuoteList_EscapesQuotes(t *testing.T) {
	got := quoteList([]string{"P1", "O'Brien"})
	assert.Equal(t, `'P1', 'O\'Brien'`, got)
}

func TestOwnerDisplayName(t *testing.T) {
	assert.Equal(t, "Grace Hopper", Owner{FirstName: "Grace", LastName: "Hopper"}.DisplayName())
	assert.Equal(t, "Hopper", Owner{LastName: "Hopper"}.DisplayName())
	assert.Equal(t, "Meridian Trust", Owner{Organization: "Meridian Trust", IsOrganization: true}.DisplayName())
}
