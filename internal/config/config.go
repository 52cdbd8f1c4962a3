package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DatastoreSQLite   = "sqlite"
	DatastorePostgres = "postgres"

	SessionStoreFile  = "file"
	SessionStoreRedis = "redis"
	SessionStoreNone  = "none"
)

type Config struct {
	Port          int    `env:"PORT" envDefault:"8081"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// Companion backend
	BackendBaseURL  string        `env:"CHAT0_API_BASE_URL" envDefault:"http://localhost:5000"`
	WhatsAppBaseURL string        `env:"WHATSAPP_API_BASE_URL"`
	BackendToken    string        `env:"CHAT0_API_TOKEN"`
	DefaultPersona  string        `env:"CHAT0_DEFAULT_PERSONA"`
	BackendTimeout  time.Duration `env:"BACKEND_TIMEOUT" envDefault:"30s"`

	// Identity and policy
	ToAlias     string `env:"WHATSAPP_TO_ALIAS"`
	AllowGroups bool   `env:"ALLOW_GROUPS" envDefault:"false"`

	// Credential store and pairing
	AuthDir          string `env:"WHATSAPP_AUTH_DIR" envDefault:"./data/auth"`
	DatastoreType    string `env:"WHATSAPP_DATASTORE_TYPE" envDefault:"sqlite"`
	DatastoreURI     string `env:"WHATSAPP_DATASTORE_URI"`
	WhatsAppLogLevel string `env:"WHATSAPP_LOG_LEVEL" envDefault:"warn"`
	QRImagePath      string `env:"QR_IMAGE_PATH" envDefault:"./data/qr.png"`
	PairPhone        string `env:"WHATSAPP_PAIR_PHONE"`
	PairingCodePath  string `env:"PAIRING_CODE_PATH" envDefault:"./data/pairing-code.txt"`
	ProxyURL         string `env:"WHATSAPP_CLIENT_PROXY_URL"`

	// Reconnect policy
	ReconnectBackoffBase time.Duration `env:"RECONNECT_BACKOFF_BASE" envDefault:"2s"`
	ReconnectBackoffMax  time.Duration `env:"RECONNECT_BACKOFF_MAX" envDefault:"60s"`
	ReconnectAlertAfter  int           `env:"RECONNECT_ALERT_AFTER" envDefault:"10"`

	// Relay and dispatch
	InboundWorkers        int           `env:"INBOUND_WORKERS" envDefault:"16"`
	OutboundRatePerSecond float64       `env:"OUTBOUND_RATE_PER_SECOND" envDefault:"0"`
	OutboundBurst         int           `env:"OUTBOUND_BURST" envDefault:"1"`
	MediaFetchTimeout     time.Duration `env:"MEDIA_FETCH_TIMEOUT" envDefault:"60s"`
	MediaMaxBytes         int64         `env:"MEDIA_MAX_BYTES" envDefault:"16777216"`

	// Session-id cache
	SessionStore     string `env:"SESSION_STORE" envDefault:"file"`
	SessionStorePath string `env:"SESSION_STORE_PATH" envDefault:"./data/sessions.json"`
	RedisURL         string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Control plane and notifications
	ControlJWTSecret    string   `env:"CONTROL_JWT_SECRET"`
	NotifyWebhookURLs   []string `env:"NOTIFY_WEBHOOK_URLS" envSeparator:","`
	NotifyWebhookSecret string   `env:"NOTIFY_WEBHOOK_SECRET"`
	NotifyAllowPrivate  bool     `env:"NOTIFY_ALLOW_PRIVATE_URLS" envDefault:"false"`

	// Routines
	HealthCheckCron        bool          `env:"WHATSAPP_ENABLE_HEALTH_CHECK_CRON" envDefault:"true"`
	HealthCheckCronSpec    string        `env:"WHATSAPP_HEALTH_CHECK_CRON_SPEC" envDefault:"0 * * * * *"`
	VersionRefreshCron     bool          `env:"WHATSAPP_ENABLE_WAVERSION_REFRESH_CRON" envDefault:"false"`
	VersionRefreshCronSpec string        `env:"WHATSAPP_WAVERSION_REFRESH_CRON_SPEC" envDefault:"0 0 3 * * *"`
	VersionRefreshForce    bool          `env:"WHATSAPP_WAVERSION_REFRESH_CRON_FORCE" envDefault:"false"`
	VersionRefreshMinWait  time.Duration `env:"WHATSAPP_WAVERSION_REFRESH_MIN_INTERVAL" envDefault:"10m"`
	VersionRefreshOnStart  bool          `env:"WHATSAPP_WAVERSION_REFRESH_ON_CONNECT" envDefault:"true"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ServerAddress, c.Port)
}

// MessageEndpoint is the backend URL inbound envelopes are posted to.
func (c *Config) MessageEndpoint() string {
	base := c.WhatsAppBaseURL
	if base == "" {
		base = c.BackendBaseURL
	}
	return strings.TrimRight(base, "/") + "/api/whatsapp/message"
}

// DatastoreDSN returns the driver name and DSN for the credential database.
func (c *Config) DatastoreDSN() (string, string) {
	if c.DatastoreType == DatastorePostgres {
		return "pgx", c.DatastoreURI
	}
	if c.DatastoreURI != "" {
		return "sqlite", c.DatastoreURI
	}
	path := filepath.ToSlash(filepath.Join(c.AuthDir, "whatsmeow.db"))
	return "sqlite", "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (c *Config) Validate() error {
	switch c.DatastoreType {
	case DatastoreSQLite:
	case DatastorePostgres:
		if c.DatastoreURI == "" {
			return errors.New("WHATSAPP_DATASTORE_URI is required when WHATSAPP_DATASTORE_TYPE=postgres")
		}
	default:
		return fmt.Errorf("unsupported WHATSAPP_DATASTORE_TYPE %q", c.DatastoreType)
	}

	switch c.SessionStore {
	case SessionStoreFile, SessionStoreRedis, SessionStoreNone:
	default:
		return fmt.Errorf("unsupported SESSION_STORE %q", c.SessionStore)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.InboundWorkers <= 0 {
		return errors.New("INBOUND_WORKERS must be positive")
	}
	if c.BackendTimeout <= 0 {
		return errors.New("BACKEND_TIMEOUT must be positive")
	}
	if c.OutboundRatePerSecond < 0 {
		return errors.New("OUTBOUND_RATE_PER_SECOND must not be negative")
	}

	if _, err := url.ParseRequestURI(c.MessageEndpoint()); err != nil {
		return fmt.Errorf("invalid backend base URL: %w", err)
	}
	for _, raw := range c.NotifyWebhookURLs {
		if _, err := url.ParseRequestURI(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("invalid NOTIFY_WEBHOOK_URLS entry %q: %w", raw, err)
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.DatastoreType = normalizeDatastoreType(cfg.DatastoreType)
	cfg.SessionStore = strings.ToLower(strings.TrimSpace(cfg.SessionStore))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func normalizeDatastoreType(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgresql", "postgres", "pgx":
		return DatastorePostgres
	case "sqlite", "sqlite3", "":
		return DatastoreSQLite
	default:
		return strings.ToLower(driver)
	}
}
