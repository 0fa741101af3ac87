package main

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"

	"github.com/meridian-grp/docnotify/internal/alert"
	"github.com/meridian-grp/docnotify/internal/docsource"
	"github.com/meridian-grp/docnotify/internal/engine"
	"github.com/meridian-grp/docnotify/internal/ledger"
	"github.com/meridian-grp/docnotify/internal/notify"
	"github.com/meridian-grp/docnotify/pkg/crm"
)

// newPool creates a pgxpool.Pool from the configured store and verifies
// connectivity.
func newPool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := cfg.Store.DatabaseURL
	if dsn == "" {
		return nil, eris.New("no database_url configured (set store.database_url or DOCNOTIFY_STORE_DATABASE_URL)")
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, eris.Wrap(err, "parse database url")
	}
	if cfg.Store.MaxConns > 0 {
		pcfg.MaxConns = cfg.Store.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, eris.Wrap(err, "create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "ping database")
	}

	return pool, nil
}

// newSource builds the document store client from config.
func newSource() *docsource.Client {
	return docsource.NewClient(docsource.Options{
		BaseURL:      cfg.Source.BaseURL,
		APIKey:       cfg.Source.APIKey,
		PageSize:     cfg.Source.PageSize,
		Timeout:      time.Duration(cfg.Source.TimeoutSecs) * time.Second,
		MaxRetries:   cfg.Source.MaxRetries,
		RateLimitRPS: cfg.Source.RateLimitRPS,
	})
}

// newDirectory authenticates against Salesforce with the configured JWT key
// and returns the portfolio owner directory.
func newDirectory() (crm.Directory, error) {
	if cfg.CRM.ClientID == "" {
		return nil, eris.New("crm client ID is required (DOCNOTIFY_CRM_CLIENT_ID)")
	}

	pemData, err := os.ReadFile(cfg.CRM.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read crm JWT private key")
	}

	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.CRM.LoginURL,
		Username:       cfg.CRM.Username,
		ConsumerKey:    cfg.CRM.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}

	return crm.NewSalesforceDirectory(sf, crm.WithBatchSize(cfg.CRM.BatchSize)), nil
}

// newNotifier builds the dispatch strategy selected by notify.mode. The
// returned closer releases broker connections and is a no-op for mail.
func newNotifier() (notify.Notifier, func(), error) {
	switch cfg.Notify.Mode {
	case "broker":
		b := notify.NewBrokerNotifier(notify.BrokerOptions{
			URL:           cfg.Broker.URL,
			Exchange:      cfg.Broker.Exchange,
			RoutingKey:    cfg.Broker.RoutingKey,
			TemplateID:    cfg.Broker.TemplateID,
			Tenant:        cfg.Broker.Tenant,
			Application:   cfg.Broker.Application,
			TLSSkipVerify: cfg.Broker.TLSSkipVerify,
		})
		if err := b.Connect(); err != nil {
			return nil, nil, eris.Wrap(err, "connect to broker")
		}
		return b, func() { _ = b.Close() }, nil

	case "mail":
		directory, err := newDirectory()
		if err != nil {
			return nil, nil, err
		}
		m, err := notify.NewMailNotifier(notify.MailOptions{
			Host:         cfg.SMTP.Host,
			Port:         cfg.SMTP.Port,
			Username:     cfg.SMTP.Username,
			Password:     cfg.SMTP.Password,
			From:         cfg.SMTP.From,
			StartTLS:     cfg.SMTP.StartTLS,
			TemplatePath: cfg.Notify.TemplatePath,
		}, directory)
		if err != nil {
			return nil, nil, err
		}
		return m, func() {}, nil

	default:
		return nil, nil, eris.Errorf("unsupported notify mode: %s", cfg.Notify.Mode)
	}
}

// initEngine wires the full pipeline: pool, source, notifier, ledger,
// watermarks, and the summary reporter. The closer tears down the notifier.
func initEngine(ctx context.Context, pool *pgxpool.Pool) (*engine.Engine, func(), error) {
	notifier, closeNotifier, err := newNotifier()
	if err != nil {
		return nil, nil, err
	}

	eng := engine.New(
		newSource(),
		notifier,
		ledger.NewLedger(pool),
		ledger.NewWatermarks(pool),
		alert.NewAlerter(cfg.Summary.WebhookURL),
		engine.Options{
			DocumentTypes:       cfg.Source.DocumentTypes,
			DispatchConcurrency: cfg.Notify.DispatchConcurrency,
		},
	)
	return eng, closeNotifier, nil
}
