package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Source  SourceConfig  `yaml:"source" mapstructure:"source"`
	Notify  NotifyConfig  `yaml:"notify" mapstructure:"notify"`
	Broker  BrokerConfig  `yaml:"broker" mapstructure:"broker"`
	SMTP    SMTPConfig    `yaml:"smtp" mapstructure:"smtp"`
	CRM     CRMConfig     `yaml:"crm" mapstructure:"crm"`
	Summary SummaryConfig `yaml:"summary" mapstructure:"summary"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the ledger/watermark database.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// SourceConfig configures the document store query client.
type SourceConfig struct {
	BaseURL       string   `yaml:"base_url" mapstructure:"base_url"`
	APIKey        string   `yaml:"api_key" mapstructure:"api_key"`
	PageSize      int      `yaml:"page_size" mapstructure:"page_size"`
	TimeoutSecs   int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries    int      `yaml:"max_retries" mapstructure:"max_retries"`
	RateLimitRPS  float64  `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	DocumentTypes []string `yaml:"document_types" mapstructure:"document_types"`
}

// NotifyConfig selects and tunes the notification strategy.
type NotifyConfig struct {
	Mode                string `yaml:"mode" mapstructure:"mode"` // "broker" or "mail"
	DispatchConcurrency int    `yaml:"dispatch_concurrency" mapstructure:"dispatch_concurrency"`
	TemplatePath        string `yaml:"template_path" mapstructure:"template_path"`
}

// BrokerConfig holds AMQP connection and publish settings.
type BrokerConfig struct {
	URL           string `yaml:"url" mapstructure:"url"`
	Exchange      string `yaml:"exchange" mapstructure:"exchange"`
	RoutingKey    string `yaml:"routing_key" mapstructure:"routing_key"`
	TemplateID    string `yaml:"template_id" mapstructure:"template_id"`
	Tenant        string `yaml:"tenant" mapstructure:"tenant"`
	Application   string `yaml:"application" mapstructure:"application"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify" mapstructure:"tls_skip_verify"`
}

// SMTPConfig holds outbound mail settings.
type SMTPConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	From     string `yaml:"from" mapstructure:"from"`
	StartTLS bool   `yaml:"starttls" mapstructure:"starttls"`
}

// CRMConfig holds Salesforce JWT auth settings for the owner directory.
type CRMConfig struct {
	ClientID  string `yaml:"client_id" mapstructure:"client_id"`
	Username  string `yaml:"username" mapstructure:"username"`
	KeyPath   string `yaml:"key_path" mapstructure:"key_path"`
	LoginURL  string `yaml:"login_url" mapstructure:"login_url"`
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size"`
}

// SummaryConfig configures the run-summary / error-alert side channel.
type SummaryConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the read-only status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DOCNOTIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("source.page_size", 200)
	v.SetDefault("source.timeout_secs", 30)
	v.SetDefault("source.max_retries", 3)
	v.SetDefault("source.rate_limit_rps", 5.0)
	v.SetDefault("notify.mode", "broker")
	v.SetDefault("notify.dispatch_concurrency", 4)
	v.SetDefault("broker.exchange", "notifications")
	v.SetDefault("broker.routing_key", "documents.created")
	v.SetDefault("broker.template_id", "document-created")
	v.SetDefault("broker.application", "docnotify")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.starttls", true)
	v.SetDefault("crm.login_url", "https://login.salesforce.com")
	v.SetDefault("crm.batch_size", 50)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
