package notify

import (
	"context"
	"fmt"
	"html/template"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/meridian-grp/docnotify/internal/docsource"
	"github.com/meridian-grp/docnotify/pkg/crm"
)

// MailOptions configures the SMTP delivery strategy.
type MailOptions struct {
	Host         string
	Port         int
	Username     string
	Password     string
	From         string
	StartTLS     bool
	TemplatePath string
}

// mailSender is the slice of *mail.Client the notifier uses.
type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// MailNotifier renders a personalized HTML notification per document and
// sends it to the portfolio owner resolved through the CRM directory.
type MailNotifier struct {
	directory crm.Directory
	sender    mailSender
	tmpl      *template.Template
	from      string

	mu     sync.RWMutex
	owners map[string]crm.Owner
}

// NewMailNotifier creates a mail notifier with a real SMTP client.
func NewMailNotifier(opts MailOptions, directory crm.Directory) (*MailNotifier, error) {
	tmpl, err := LoadTemplate(opts.TemplatePath)
	if err != nil {
		return nil, err
	}

	tlsPolicy := mail.TLSOpportunistic
	if opts.StartTLS {
		tlsPolicy = mail.TLSMandatory
	}

	clientOpts := []mail.Option{
		mail.WithPort(opts.Port),
		mail.WithTLSPolicy(tlsPolicy),
	}
	if opts.Username != "" {
		clientOpts = append(clientOpts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(opts.Username),
			mail.WithPassword(opts.Password),
		)
	}

	client, err := mail.NewClient(opts.Host, clientOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "mail: create smtp client")
	}

	return newMailNotifier(client, directory, tmpl, opts.From), nil
}

func newMailNotifier(sender mailSender, directory crm.Directory, tmpl *template.Template, from string) *MailNotifier {
	return &MailNotifier{
		directory: directory,
		sender:    sender,
		tmpl:      tmpl,
		from:      from,
		owners:    make(map[string]crm.Owner),
	}
}

// Prepare resolves owners for every portfolio in the candidate set with one
// batched directory lookup. A lookup failure is not fatal here: documents
// whose portfolio stayed unresolved fail individually at Dispatch.
func (m *MailNotifier) Prepare(ctx context.Context, docs []docsource.Record) error {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.PortfolioID)
	}

	owners, err := m.directory.OwnersByPortfolio(ctx, ids)
	if err != nil {
		return eris.Wrap(err, "mail: resolve portfolio owners")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range owners {
		m.owners[o.PortfolioID] = o
	}
	zap.L().Debug("mail: owners resolved",
		zap.Int("portfolios", len(ids)),
		zap.Int("owners", len(owners)),
	)
	return nil
}

// Dispatch sends the notification e-mail for one document. A portfolio with
// no resolvable owner or no e-mail address is a dispatch failure for that
// document.
func (m *MailNotifier) Dispatch(ctx context.Context, doc docsource.Record) error {
	m.mu.RLock()
	owner, ok := m.owners[doc.PortfolioID]
	m.mu.RUnlock()

	if !ok {
		return eris.Errorf("mail: no owner resolved for portfolio %s", doc.PortfolioID)
	}
	if owner.Email == "" {
		return eris.Errorf("mail: owner of portfolio %s has no e-mail address", doc.PortfolioID)
	}

	body, err := renderBody(m.tmpl, TemplateData{
		PortfolioID:      doc.PortfolioID,
		OwnerName:        owner.DisplayName(),
		OrganizationName: owner.Organization,
		IsOrganization:   owner.IsOrganization,
		DocumentName:     doc.Name,
		DocumentID:       doc.DocumentID,
		DocumentDate:     doc.DocumentDate,
		NotifiedAt:       time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return eris.Wrap(err, "mail: set from address")
	}
	if err := msg.To(owner.Email); err != nil {
		return eris.Wrapf(err, "mail: set recipient for portfolio %s", doc.PortfolioID)
	}
	msg.Subject(fmt.Sprintf("New document for portfolio %s: %s", doc.PortfolioID, doc.Name))
	msg.SetBodyString(mail.TypeTextHTML, body)

	if err := m.sender.DialAndSendWithContext(ctx, msg); err != nil {
		return eris.Wrapf(err, "mail: send %s", doc.DocumentID)
	}
	return nil
}
