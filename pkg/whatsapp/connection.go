package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/gdbrns/whatsapp-companion-bridge/pkg/log"
)

type State string

const (
	StateUnpaired       State = "unpaired"
	StatePairing        State = "pairing"
	StateConnected      State = "connected"
	StateClosed         State = "closed"
	StateClosedTerminal State = "closed_terminal"
)

const (
	maxBackoffJitter = 500 * time.Millisecond
	wipeTimeout      = 30 * time.Second
	pairPhoneTimeout = 90 * time.Second
)

// Lifecycle event names handed to the Notifier.
const (
	NotifyConnected        = "connection.connected"
	NotifyClosed           = "connection.closed"
	NotifyLoggedOut        = "connection.logged_out"
	NotifyPairing          = "connection.pairing"
	NotifyReconnectFailing = "connection.reconnect_failing"
)

var ErrNotConnected = errors.New("WhatsApp is not connected")

type Notifier interface {
	Notify(eventType string, data map[string]interface{})
}

type VersionRefreshFunc func(ctx context.Context, force bool) error

type ManagerOptions struct {
	Credentials    CredentialStore
	NewClient      ClientFactory
	Artifacts      PairingArtifacts
	PairPhone      string
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AlertAfter     int
	Notifier       Notifier
	RefreshVersion VersionRefreshFunc
}

type Status struct {
	State     State
	Connected bool
	User      types.JID
}

// Manager owns the single live WhatsApp connection. Callers never keep a
// client across reconnects; every send resolves the current one.
type Manager struct {
	creds          CredentialStore
	newClient      ClientFactory
	artifacts      PairingArtifacts
	pairPhone      string
	backoffBase    time.Duration
	backoffMax     time.Duration
	alertAfter     int
	notifier       Notifier
	refreshVersion VersionRefreshFunc

	mu         sync.RWMutex
	state      State
	client     Client
	self       types.JID
	pairCancel context.CancelFunc

	// starting guards the reconnect cycle; pending records close signals seen while it runs.
	starting        atomic.Bool
	pending         atomic.Bool
	pendingTerminal atomic.Bool
	attempts        atomic.Int32

	handlersMu      sync.RWMutex
	messageHandlers []func(*events.Message)
	historyHandlers []func(*events.HistorySync)

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	if opts.AlertAfter <= 0 {
		opts.AlertAfter = 10
	}
	return &Manager{
		creds:          opts.Credentials,
		newClient:      opts.NewClient,
		artifacts:      opts.Artifacts,
		pairPhone:      opts.PairPhone,
		backoffBase:    opts.BackoffBase,
		backoffMax:     opts.BackoffMax,
		alertAfter:     opts.AlertAfter,
		notifier:       opts.Notifier,
		refreshVersion: opts.RefreshVersion,
		state:          StateUnpaired,
		sleep:          sleepContext,
		jitter:         func() time.Duration { return rand.N(maxBackoffJitter) },
		ctx:            context.Background(),
		cancel:         func() {},
	}
}

// Start launches the first connection cycle and returns without waiting for it.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()
	m.trigger("startup", false)
}

// Stop cancels any running cycle and disconnects the live client.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.teardown()
	m.wg.Wait()
	m.setState(StateClosed)
}

// OnMessage registers h for every live incoming message.
func (m *Manager) OnMessage(h func(*events.Message)) {
	m.handlersMu.Lock()
	m.messageHandlers = append(m.messageHandlers, h)
	m.handlersMu.Unlock()
}

// OnHistory registers h for offline history sync batches.
func (m *Manager) OnHistory(h func(*events.HistorySync)) {
	m.handlersMu.Lock()
	m.historyHandlers = append(m.historyHandlers, h)
	m.handlersMu.Unlock()
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:     m.state,
		Connected: m.state == StateConnected && m.client != nil && m.client.IsConnected(),
		User:      m.self,
	}
}

// SelfJID is the linked account's own address, empty until the first connection.
func (m *Manager) SelfJID() types.JID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.self
}

// Client returns the live client, or ErrNotConnected.
func (m *Manager) Client() (Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected || m.client == nil || !m.client.IsConnected() {
		return nil, ErrNotConnected
	}
	return m.client, nil
}

func (m *Manager) Send(ctx context.Context, to types.JID, message *waE2E.Message) (whatsmeow.SendResponse, error) {
	client, err := m.Client()
	if err != nil {
		return whatsmeow.SendResponse{}, err
	}
	return client.SendMessage(ctx, to, message)
}

// Watchdog restarts the cycle when nothing is running, the connection is down and
// a paired credential exists. Unpaired recovery is left to the pairing flow.
// It reports whether a reconnect was triggered.
func (m *Manager) Watchdog() bool {
	if m.starting.Load() || m.ctx.Err() != nil {
		return false
	}
	m.mu.RLock()
	state, client := m.state, m.client
	m.mu.RUnlock()

	switch state {
	case StatePairing:
		return false
	case StateConnected:
		if client != nil && client.IsConnected() {
			return false
		}
	}
	if device := m.creds.Load(m.ctx); device == nil || device.ID == nil {
		return false
	}
	m.trigger("watchdog", false)
	return true
}

// trigger records a close signal and starts a cycle unless one is already running,
// in which case the running cycle picks the signal up when it finishes.
func (m *Manager) trigger(reason string, terminal bool) {
	if m.ctx.Err() != nil {
		return
	}
	if terminal {
		m.pendingTerminal.Store(true)
		m.setState(StateClosedTerminal)
	} else {
		m.mu.Lock()
		if m.state != StateClosedTerminal && m.state != StateUnpaired {
			m.state = StateClosed
		}
		m.mu.Unlock()
	}
	m.pending.Store(true)

	if !m.starting.CompareAndSwap(false, true) {
		log.Print(nil).WithField("reason", reason).Debug("Reconnect already in progress")
		return
	}
	m.pending.Store(false)
	log.Print(nil).WithField("reason", reason).Info("Starting WhatsApp connection cycle")

	m.wg.Add(1)
	go m.runCycle()
}

func (m *Manager) runCycle() {
	defer m.wg.Done()
	for {
		m.reconnect()
		m.starting.Store(false)

		if !m.pending.Swap(false) || m.ctx.Err() != nil {
			return
		}
		if !m.starting.CompareAndSwap(false, true) {
			return
		}
	}
}

func (m *Manager) reconnect() {
	for {
		if m.pendingTerminal.Swap(false) {
			m.resetCredentials()
		}
		if m.ctx.Err() != nil {
			return
		}

		attempt := int(m.attempts.Load())
		if err := m.sleep(m.ctx, m.backoff(attempt)); err != nil {
			return
		}
		m.attempts.Add(1)

		err := m.connect()
		if err == nil {
			return
		}
		if m.ctx.Err() != nil {
			return
		}

		failures := attempt + 1
		entry := log.Print(nil).WithError(err).WithField("attempt", failures)
		if failures%m.alertAfter == 0 {
			entry.Error("WhatsApp reconnect keeps failing")
			m.notify(NotifyReconnectFailing, map[string]interface{}{
				"attempts": failures,
				"error":    err.Error(),
			})
		} else {
			entry.Warn("WhatsApp reconnect failed")
		}
	}
}

// backoff is zero for the first attempt, then exponential from backoffBase up to backoffMax, plus jitter.
func (m *Manager) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := m.backoffMax
	if attempt <= 30 {
		if exp := m.backoffBase << (attempt - 1); exp > 0 && exp < m.backoffMax {
			d = exp
		}
	}
	return d + m.jitter()
}

func (m *Manager) connect() error {
	if m.refreshVersion != nil {
		if err := m.refreshVersion(m.ctx, false); err != nil {
			log.Print(nil).WithError(err).Warn("WhatsApp Web version refresh failed, using bundled version")
		}
	}

	device := m.creds.Load(m.ctx)
	client := m.newClient(device)
	client.AddEventHandler(m.eventHandler(client))

	m.mu.Lock()
	old := m.client
	m.client = client
	m.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}

	if device.ID == nil {
		return m.startPairing(client)
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return m.releaseIfAbandoned(client)
}

func (m *Manager) startPairing(client Client) error {
	m.cancelPairing()

	ctx, cancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	m.pairCancel = cancel
	m.mu.Unlock()

	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("open pairing channel: %w", err)
	}

	m.setState(StatePairing)
	if err := client.Connect(); err != nil {
		cancel()
		return fmt.Errorf("connect for pairing: %w", err)
	}
	if m.ctx.Err() != nil || !m.isCurrent(client) {
		cancel()
		return m.releaseIfAbandoned(client)
	}

	m.wg.Add(1)
	go m.watchPairing(ctx, client, qrChan)

	log.Print(nil).Info("WhatsApp is not paired, waiting for QR scan")
	m.notify(NotifyPairing, map[string]interface{}{"qr_image_path": m.artifacts.QRImagePath})
	return nil
}

func (m *Manager) watchPairing(ctx context.Context, client Client, qrChan <-chan whatsmeow.QRChannelItem) {
	defer m.wg.Done()

	requestedCode := false
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-qrChan:
			if !ok {
				return
			}
			switch item.Event {
			case "code":
				if err := m.artifacts.PublishQR(item.Code); err != nil {
					log.Print(nil).WithError(err).Error("Failed to publish pairing QR code")
				} else {
					log.Print(nil).WithField("expires_in", item.Timeout.String()).Info("Pairing QR code written to " + m.artifacts.QRImagePath)
				}
				if !requestedCode && m.pairPhone != "" {
					requestedCode = true
					m.requestPairingCode(ctx, client)
				}
			case whatsmeow.QRChannelSuccess.Event:
				log.Print(nil).Info("Pairing QR code scanned successfully")
				return
			default:
				err := item.Error
				if err == nil {
					err = errors.New(item.Event)
				}
				log.Print(nil).WithError(err).Warn("Pairing attempt ended without a scan")
				if m.isCurrent(client) {
					m.trigger("pairing "+item.Event, false)
				}
				return
			}
		}
	}
}

func (m *Manager) requestPairingCode(ctx context.Context, client Client) {
	ctx, cancel := context.WithTimeout(ctx, pairPhoneTimeout)
	defer cancel()

	code, err := client.PairPhone(ctx, m.pairPhone)
	if err != nil {
		log.Print(nil).WithError(err).Error("Failed to request phone linking code")
		return
	}
	if err := m.artifacts.PublishPairingCode(code); err != nil {
		log.Print(nil).WithError(err).Error("Failed to publish phone linking code")
	}
	log.Print(nil).WithField("phone", log.MaskJID(m.pairPhone)).Info("Phone linking code: " + code)
}

// resetCredentials handles an explicit logout: drop the client, wipe credentials once and start over unpaired.
func (m *Manager) resetCredentials() {
	m.teardown()

	ctx, cancel := context.WithTimeout(context.Background(), wipeTimeout)
	defer cancel()
	if err := m.creds.Wipe(ctx); err != nil {
		log.Print(nil).WithError(err).Error("Failed to wipe WhatsApp credentials")
	} else {
		log.Print(nil).Warn("WhatsApp credentials wiped, re-pairing required")
	}

	m.mu.Lock()
	m.self = types.EmptyJID
	m.state = StateUnpaired
	m.mu.Unlock()
	m.attempts.Store(0)
}

func (m *Manager) teardown() {
	m.cancelPairing()
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}
}

func (m *Manager) cancelPairing() {
	m.mu.Lock()
	cancel := m.pairCancel
	m.pairCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// releaseIfAbandoned disconnects a client whose Connect returned after Stop or a
// teardown already let go of it.
func (m *Manager) releaseIfAbandoned(client Client) error {
	if m.ctx.Err() == nil && m.isCurrent(client) {
		return nil
	}
	client.Disconnect()
	return m.ctx.Err()
}

func (m *Manager) isCurrent(client Client) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client == client
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

func (m *Manager) eventHandler(client Client) whatsmeow.EventHandler {
	return func(evt interface{}) {
		if !m.isCurrent(client) {
			return
		}
		switch e := evt.(type) {
		case *events.Connected:
			self := client.SelfJID()
			m.mu.Lock()
			m.state = StateConnected
			if !self.IsEmpty() {
				m.self = self
			}
			m.mu.Unlock()
			m.attempts.Store(0)
			log.Print(nil).Info("WhatsApp connected as " + log.MaskJID(self.String()))
			m.notify(NotifyConnected, map[string]interface{}{"user": self.String()})
		case *events.PairSuccess:
			m.mu.Lock()
			m.self = e.ID.ToNonAD()
			m.mu.Unlock()
			log.Print(nil).Info("WhatsApp paired as " + log.MaskJID(e.ID.String()))
		case *events.LoggedOut:
			log.Print(nil).WithField("reason", fmt.Sprint(e.Reason)).Warn("WhatsApp session logged out")
			m.notify(NotifyLoggedOut, map[string]interface{}{"reason": fmt.Sprint(e.Reason)})
			m.trigger("logged out", true)
		case *events.StreamReplaced:
			log.Print(nil).Warn("WhatsApp stream replaced by another connection")
			m.closed("stream replaced")
		case *events.Disconnected:
			log.Print(nil).Warn("WhatsApp disconnected")
			m.closed("disconnected")
		case *events.ConnectFailure:
			log.Print(nil).Error(fmt.Sprintf("WhatsApp connection failure: reason=%v, message=%s", e.Reason, e.Message))
			m.closed("connect failure")
		case *events.ClientOutdated:
			log.Print(nil).Error("WhatsApp rejected the client version as outdated")
			if m.refreshVersion != nil {
				if err := m.refreshVersion(m.ctx, true); err != nil {
					log.Print(nil).WithError(err).Warn("Forced WhatsApp Web version refresh failed")
				}
			}
			m.closed("client outdated")
		case *events.TemporaryBan:
			log.Print(nil).Error(fmt.Sprintf("WhatsApp account temporarily banned: %v", e))
			m.closed("temporary ban")
		case *events.KeepAliveTimeout:
			log.Print(nil).Warn(fmt.Sprintf("WhatsApp keepalive timeout: errors=%d, lastSuccess=%s", e.ErrorCount, e.LastSuccess.Format(time.RFC3339)))
		case *events.Message:
			m.handlersMu.RLock()
			handlers := m.messageHandlers
			m.handlersMu.RUnlock()
			for _, h := range handlers {
				h(e)
			}
		case *events.HistorySync:
			m.handlersMu.RLock()
			handlers := m.historyHandlers
			m.handlersMu.RUnlock()
			for _, h := range handlers {
				h(e)
			}
		}
	}
}

func (m *Manager) closed(reason string) {
	m.notify(NotifyClosed, map[string]interface{}{"reason": reason})
	m.trigger(reason, false)
}

func (m *Manager) notify(eventType string, data map[string]interface{}) {
	if m.notifier != nil {
		m.notifier.Notify(eventType, data)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
