package notify

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"

	"github.com/meridian-grp/docnotify/internal/docsource"
	"github.com/meridian-grp/docnotify/pkg/crm"
)

type fakeDirectory struct {
	owners []crm.Owner
	err    error
	gotIDs []string
}

func (f *fakeDirectory) OwnersByPortfolio(ctx context.Context, ids []string) ([]crm.Owner, error) {
	f.gotIDs = ids
	return f.owners, f.err
}

type fakeSender struct {
	sent []*mail.Msg
	err  error
}

func (f *fakeSender) DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, messages...)
	return nil
}

func testMailNotifier(t *testing.T, dir crm.Directory, sender mailSender) *MailNotifier {
	t.Helper()
	tmpl, err := LoadTemplate("")
	require.NoError(t, err)
	return newMailNotifier(sender, dir, tmpl, "notifications@meridian.example")
}

func TestMailPrepare_ResolvesOwners(t *testing.T) {
	dir := &fakeDirectory{owners: []crm.Owner{
		{PortfolioID: "P1", FirstName: "Ada", LastName: "Byron", Email: "ada@example.com"},
	}}
	m := testMailNotifier(t, dir, &fakeSender{})

	docs := []docsource.Record{
		{DocumentID: "D1", PortfolioID: "P1"},
		{DocumentID: "D2", PortfolioID: "P2"},
	}
	require.NoError(t, m.Prepare(context.Background(), docs))
	assert.Equal(t, []string{"P1", "P2"}, dir.gotIDs)
}

func TestMailPrepare_DirectoryError(t *testing.T) {
	dir := &fakeDirectory{err: fmt.Errorf("session expired")}
	m := testMailNotifier(t, dir, &fakeSender{})

	err := m.Prepare(context.Background(), []docsource.Record{{PortfolioID: "P1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve portfolio owners")
}

func TestMailDispatch_SendsToOwner(t *testing.T) {
	dir := &fakeDirectory{owners: []crm.Owner{
		{PortfolioID: "P1", FirstName: "Ada", LastName: "Byron", Email: "ada@example.com"},
	}}
	sender := &fakeSender{}
	m := testMailNotifier(t, dir, sender)

	doc := testRecord()
	require.NoError(t, m.Prepare(context.Background(), []docsource.Record{doc}))
	require.NoError(t, m.Dispatch(context.Background(), doc))

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	to, err := msg.GetRecipients()
	require.NoError(t, err)
	assert.Equal(t, []string{"ada@example.com"}, to)
}

func TestMailDispatch_NoOwnerResolved(t *testing.T) {
	m := testMailNotifier(t, &fakeDirectory{}, &fakeSender{})

	err := m.Dispatch(context.Background(), testRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no owner resolved for portfolio P1")
}

func TestMailDispatch_OwnerWithoutEmail(t *testing.T) {
	dir := &fakeDirectory{owners: []crm.Owner{
		{PortfolioID: "P1", Organization: "Acme Trust", IsOrganization: true},
	}}
	m := testMailNotifier(t, dir, &fakeSender{})

	doc := testRecord()
	require.NoError(t, m.Prepare(context.Background(), []docsource.Record{doc}))

	err := m.Dispatch(context.Background(), doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no e-mail address")
}

func TestMailDispatch_SendError(t *testing.T) {
	dir := &fakeDirectory{owners: []crm.Owner{
		{PortfolioID: "P1", FirstName: "Ada", LastName: "Byron", Email: "ada@example.com"},
	}}
	m := testMailNotifier(t, dir, &fakeSender{err: fmt.Errorf("smtp timeout")})

	doc := testRecord()
	require.NoError(t, m.Prepare(context.Background(), []docsource.Record{doc}))

	err := m.Dispatch(context.Background(), doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send D1")
}
