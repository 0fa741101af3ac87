// Package crm resolves portfolio owners from the Salesforce directory.
package crm

import (
	"context"
	"strings"
)

// Owner identifies the party to notify for a portfolio: either a person
// (first/last name, e-mail) or an organization (name, contact e-mail).
type Owner struct {
	PortfolioID    string
	FirstName      string
	LastName       string
	Organization   string
	Email          string
	IsOrganization bool
}

// DisplayName returns the salutation name for the owner.
func (o Owner) DisplayName() string {
	if o.IsOrganization {
		return o.Organization
	}
	return strings.TrimSpace(o.FirstName + " " + o.LastName)
}

// Directory looks up portfolio owners in batches.
type Directory interface {
	OwnersByPortfolio(ctx context.Context, portfolioIDs []string) ([]Owner, error)
}
