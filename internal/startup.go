package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gdbrns/whatsapp-companion-bridge/internal/backend"
	"github.com/gdbrns/whatsapp-companion-bridge/internal/config"
	"github.com/gdbrns/whatsapp-companion-bridge/internal/notify"
	"github.com/gdbrns/whatsapp-companion-bridge/internal/outbound"
	"github.com/gdbrns/whatsapp-companion-bridge/internal/relay"
	"github.com/gdbrns/whatsapp-companion-bridge/internal/session"
	"github.com/gdbrns/whatsapp-companion-bridge/pkg/log"
	"github.com/gdbrns/whatsapp-companion-bridge/pkg/validation"
	pkgWhatsApp "github.com/gdbrns/whatsapp-companion-bridge/pkg/whatsapp"
)

const relayReleaseTimeout = 10 * time.Second

// Bridge holds every long-lived component of the running service.
type Bridge struct {
	Config      *config.Config
	Credentials *pkgWhatsApp.SQLCredentialStore
	Manager     *pkgWhatsApp.Manager
	Versions    *pkgWhatsApp.VersionRefresher
	Dispatcher  *outbound.Dispatcher
	Relay       *relay.Relay
	Notifier    *notify.Engine
	Sessions    session.Store
}

// Startup builds the bridge and launches the first connection cycle.
func Startup(ctx context.Context, cfg *config.Config) (*Bridge, error) {
	log.Print(nil).Info("Running Startup Tasks")

	driver, dsn := cfg.DatastoreDSN()
	creds, err := pkgWhatsApp.OpenCredentialStore(ctx, driver, dsn, log.WhatsMeow("Database", cfg.WhatsAppLogLevel))
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	notifier := notify.NewEngine(notify.Options{
		URLs:         cfg.NotifyWebhookURLs,
		Secret:       cfg.NotifyWebhookSecret,
		AllowPrivate: cfg.NotifyAllowPrivate,
	})

	versions := pkgWhatsApp.NewVersionRefresher(cfg.VersionRefreshMinWait)

	pairPhone := cfg.PairPhone
	if pairPhone != "" {
		if err := validation.ValidatePhone(pairPhone); err != nil {
			log.Print(nil).WithError(err).Warn("Ignoring WHATSAPP_PAIR_PHONE, linking codes disabled")
			pairPhone = ""
		}
	}

	opts := pkgWhatsApp.ManagerOptions{
		Credentials: creds,
		NewClient:   pkgWhatsApp.NewClientFactory(log.WhatsMeow("Client", cfg.WhatsAppLogLevel), cfg.ProxyURL),
		Artifacts: pkgWhatsApp.PairingArtifacts{
			QRImagePath:     cfg.QRImagePath,
			PairingCodePath: cfg.PairingCodePath,
		},
		PairPhone:   pairPhone,
		BackoffBase: cfg.ReconnectBackoffBase,
		BackoffMax:  cfg.ReconnectBackoffMax,
		AlertAfter:  cfg.ReconnectAlertAfter,
	}
	if notifier.Enabled() {
		opts.Notifier = notifier
	}
	if cfg.VersionRefreshOnStart {
		opts.RefreshVersion = versions.Refresh
	}
	manager := pkgWhatsApp.NewManager(opts)

	media := pkgWhatsApp.NewMediaSender(manager, cfg.MediaFetchTimeout, cfg.MediaMaxBytes)
	dispatcher := outbound.NewDispatcher(media, cfg.OutboundRatePerSecond, cfg.OutboundBurst)

	sessions, err := openSessionStore(ctx, cfg)
	if err != nil {
		_ = creds.Close()
		notifier.Shutdown()
		return nil, err
	}

	backendClient := backend.NewClient(cfg.MessageEndpoint(), cfg.BackendToken, cfg.BackendTimeout)
	inbound, err := relay.New(backendClient, dispatcher, sessions, manager, relay.Options{
		AllowGroups: cfg.AllowGroups,
		ToAlias:     cfg.ToAlias,
		Persona:     cfg.DefaultPersona,
		Workers:     cfg.InboundWorkers,
	})
	if err != nil {
		_ = creds.Close()
		notifier.Shutdown()
		return nil, err
	}
	manager.OnMessage(inbound.OnMessage)
	manager.OnHistory(inbound.OnHistory)

	manager.Start(ctx)

	log.Print(nil).
		WithField("backend", backendClient.Endpoint()).
		WithField("datastore", cfg.DatastoreType).
		WithField("session_store", cfg.SessionStore).
		WithField("allow_groups", cfg.AllowGroups).
		WithField("notifications", notifier.Enabled()).
		Info("WhatsApp companion bridge started")

	return &Bridge{
		Config:      cfg,
		Credentials: creds,
		Manager:     manager,
		Versions:    versions,
		Dispatcher:  dispatcher,
		Relay:       inbound,
		Notifier:    notifier,
		Sessions:    sessions,
	}, nil
}

func openSessionStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	switch cfg.SessionStore {
	case config.SessionStoreNone:
		return session.None{}, nil
	case config.SessionStoreRedis:
		store, err := session.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis session store: %w", err)
		}
		return store, nil
	default:
		return session.NewFileStore(cfg.SessionStorePath), nil
	}
}

// Shutdown stops components in dependency order: inbound first, the connection last.
func (b *Bridge) Shutdown() error {
	b.Relay.Release(relayReleaseTimeout)
	b.Manager.Stop()
	b.Notifier.Shutdown()

	var errs []error
	if closer, ok := b.Sessions.(interface{ Close() error }); ok {
		errs = append(errs, closer.Close())
	}
	errs = append(errs, b.Credentials.Close())
	return errors.Join(errs...)
}
