package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/meridian-grp/docnotify/internal/docsource"
)

// BrokerOptions configures the AMQP publish strategy.
type BrokerOptions struct {
	URL           string
	Exchange      string
	RoutingKey    string
	TemplateID    string
	Tenant        string
	Application   string
	TLSSkipVerify bool
}

// brokerMessage is the structured payload published per document.
type brokerMessage struct {
	TemplateID   string    `json:"template_id"`
	PortfolioID  string    `json:"portfolio_id"`
	DocumentID   string    `json:"document_id"`
	DocumentName string    `json:"document_name"`
	DocumentDate time.Time `json:"document_date"`
	NotifiedAt   time.Time `json:"notified_at"`
}

// publisher is the slice of *amqp091.Channel the notifier uses.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// BrokerNotifier publishes one persistent message per document to a
// configured exchange/routing key.
type BrokerNotifier struct {
	opts BrokerOptions
	conn *amqp.Connection
	pub  publisher
	mu   sync.Mutex // amqp channels are not safe for concurrent publish
}

// NewBrokerNotifier creates a broker notifier. Connect must be called before
// the first Dispatch.
func NewBrokerNotifier(opts BrokerOptions) *BrokerNotifier {
	return &BrokerNotifier{opts: opts}
}

// Connect dials the broker and opens the publish channel. It is called once
// per run.
func (b *BrokerNotifier) Connect() error {
	conn, err := dialBroker(b.opts)
	if err != nil {
		return eris.Wrap(err, "broker: dial")
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return eris.Wrap(err, "broker: open channel")
	}

	b.conn = conn
	b.pub = ch
	zap.L().Debug("broker: connected", zap.String("exchange", b.opts.Exchange))
	return nil
}

func dialBroker(opts BrokerOptions) (*amqp.Connection, error) {
	if opts.TLSSkipVerify {
		return amqp.DialTLS(opts.URL, &tls.Config{InsecureSkipVerify: true})
	}
	return amqp.Dial(opts.URL)
}

// Close releases the broker connection.
func (b *BrokerNotifier) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

// Prepare is a no-op; the broker strategy needs no per-run lookups.
func (b *BrokerNotifier) Prepare(ctx context.Context, docs []docsource.Record) error {
	return nil
}

// Dispatch publishes the notification message for one document. A transport
// failure surfaces as a dispatch failure for that document only.
func (b *BrokerNotifier) Dispatch(ctx context.Context, doc docsource.Record) error {
	if b.pub == nil {
		return eris.New("broker: not connected")
	}

	msg, err := b.buildMessage(doc)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.pub.PublishWithContext(ctx, b.opts.Exchange, b.opts.RoutingKey, false, false, msg); err != nil {
		return eris.Wrapf(err, "broker: publish %s", doc.DocumentID)
	}
	return nil
}

func (b *BrokerNotifier) buildMessage(doc docsource.Record) (amqp.Publishing, error) {
	now := time.Now().UTC()
	body, err := json.Marshal(brokerMessage{
		TemplateID:   b.opts.TemplateID,
		PortfolioID:  doc.PortfolioID,
		DocumentID:   doc.DocumentID,
		DocumentName: doc.Name,
		DocumentDate: doc.DocumentDate,
		NotifiedAt:   now,
	})
	if err != nil {
		return amqp.Publishing{}, eris.Wrapf(err, "broker: marshal message for %s", doc.DocumentID)
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Headers: amqp.Table{
			"tenant":      b.opts.Tenant,
			"operation":   "document-notification",
			"application": b.opts.Application,
		},
		Body: body,
	}, nil
}
