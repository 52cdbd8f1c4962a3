package whatsapp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var selfJID = types.NewJID("15550001111", types.DefaultUserServer)

type fakeClient struct {
	h      *harness
	device *store.Device

	mu          sync.Mutex
	connected   bool
	connects    int
	disconnects int
	handlers    []whatsmeow.EventHandler
	qr          chan whatsmeow.QRChannelItem
	qrRequested bool
	sent        []*waE2E.Message
	uploads     int
}

func (c *fakeClient) Connect() error {
	c.mu.Lock()
	c.connects++
	c.mu.Unlock()
	if err := c.h.enterConnect(); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsLoggedIn() bool { return c.device.ID != nil }

func (c *fakeClient) SelfJID() types.JID {
	if c.device.ID == nil {
		return types.EmptyJID
	}
	return c.device.ID.ToNonAD()
}

func (c *fakeClient) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qrRequested = true
	return c.qr, nil
}

func (c *fakeClient) PairPhone(ctx context.Context, phone string) (string, error) {
	return "ABCD-1234", nil
}

func (c *fakeClient) AddEventHandler(handler whatsmeow.EventHandler) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
	return uint32(len(c.handlers))
}

func (c *fakeClient) SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, message)
	return whatsmeow.SendResponse{ID: "msg-1"}, nil
}

func (c *fakeClient) Upload(ctx context.Context, data []byte, mediaType whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploads++
	return whatsmeow.UploadResponse{URL: "https://mmg.whatsapp.net/x", DirectPath: "/x", FileLength: uint64(len(data))}, nil
}

func (c *fakeClient) emit(evt interface{}) {
	c.mu.Lock()
	handlers := append([]whatsmeow.EventHandler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (c *fakeClient) wasQRRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qrRequested
}

type fakeCredentials struct {
	mu    sync.Mutex
	id    *types.JID
	wipes int
}

func (f *fakeCredentials) Load(ctx context.Context) *store.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &store.Device{ID: f.id}
}

func (f *fakeCredentials) Wipe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = nil
	f.wipes++
	return nil
}

func (f *fakeCredentials) wipeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wipes
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(eventType string, data map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
}

func (n *recordingNotifier) has(eventType string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e == eventType {
			return true
		}
	}
	return false
}

type harness struct {
	mu         sync.Mutex
	clients    []*fakeClient
	connectErr error
	gate       chan struct{}
	active     int
	maxActive  int
}

func (h *harness) factory(device *store.Device) Client {
	c := &fakeClient{h: h, device: device, qr: make(chan whatsmeow.QRChannelItem, 4)}
	h.mu.Lock()
	h.clients = append(h.clients, c)
	h.mu.Unlock()
	return c
}

func (h *harness) enterConnect() error {
	h.mu.Lock()
	h.active++
	if h.active > h.maxActive {
		h.maxActive = h.active
	}
	gate, err := h.gate, h.connectErr
	h.mu.Unlock()

	if gate != nil {
		<-gate
	}

	h.mu.Lock()
	h.active--
	h.mu.Unlock()
	return err
}

func (h *harness) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *harness) last() *fakeClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return nil
	}
	return h.clients[len(h.clients)-1]
}

func newTestManager(t *testing.T, creds *fakeCredentials, h *harness, notifier Notifier) *Manager {
	t.Helper()
	m := NewManager(ManagerOptions{
		Credentials: creds,
		NewClient:   h.factory,
		Artifacts: PairingArtifacts{
			QRImagePath:     filepath.Join(t.TempDir(), "qr.png"),
			PairingCodePath: filepath.Join(t.TempDir(), "pairing-code.txt"),
		},
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		AlertAfter:  3,
		Notifier:    notifier,
	})
	m.jitter = func() time.Duration { return 0 }
	t.Cleanup(m.Stop)
	return m
}

func pairedCredentials() *fakeCredentials {
	id := types.NewADJID(selfJID.User, 0, 3)
	return &fakeCredentials{id: &id}
}

func startConnected(t *testing.T, m *Manager, h *harness) *fakeClient {
	t.Helper()
	m.Start(context.Background())
	require.Eventually(t, func() bool {
		c := h.last()
		return c != nil && c.IsConnected()
	}, waitFor, tick)
	client := h.last()
	client.emit(&events.Connected{})
	require.True(t, m.Status().Connected)
	return client
}

func TestManagerConnectsWithStoredCredentials(t *testing.T) {
	h := &harness{}
	notifier := &recordingNotifier{}
	m := newTestManager(t, pairedCredentials(), h, notifier)

	client := startConnected(t, m, h)

	status := m.Status()
	assert.Equal(t, StateConnected, status.State)
	assert.Equal(t, selfJID, status.User)
	assert.False(t, client.wasQRRequested())
	assert.True(t, notifier.has(NotifyConnected))
}

func TestManagerStartsPairingWithoutCredentials(t *testing.T) {
	h := &harness{}
	notifier := &recordingNotifier{}
	m := newTestManager(t, &fakeCredentials{}, h, notifier)
	m.pairPhone = "15550002222"

	m.Start(context.Background())
	require.Eventually(t, func() bool { return m.Status().State == StatePairing }, waitFor, tick)

	client := h.last()
	assert.True(t, client.wasQRRequested())
	assert.False(t, m.Status().Connected)
	assert.True(t, m.SelfJID().IsEmpty())

	client.qr <- whatsmeow.QRChannelItem{Event: "code", Code: "2@abc,def,ghi", Timeout: 60 * time.Second}
	require.Eventually(t, func() bool {
		_, err := os.Stat(m.artifacts.QRImagePath)
		return err == nil
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(m.artifacts.PairingCodePath)
		return err == nil && string(data) == "ABCD-1234\n"
	}, waitFor, tick)
	assert.Eventually(t, func() bool { return notifier.has(NotifyPairing) }, waitFor, tick)
}

func TestManagerPairingTimeoutStartsNewAttempt(t *testing.T) {
	h := &harness{}
	m := newTestManager(t, &fakeCredentials{}, h, nil)

	m.Start(context.Background())
	require.Eventually(t, func() bool { return m.Status().State == StatePairing }, waitFor, tick)

	first := h.last()
	first.qr <- whatsmeow.QRChannelTimeout

	require.Eventually(t, func() bool {
		c := h.last()
		return c != first && c.wasQRRequested() && m.Status().State == StatePairing
	}, waitFor, tick)
	assert.Equal(t, StatePairing, m.Status().State)
}

func TestManagerLogoutWipesOnceAndRepairs(t *testing.T) {
	h := &harness{}
	creds := pairedCredentials()
	notifier := &recordingNotifier{}
	m := newTestManager(t, creds, h, notifier)

	first := startConnected(t, m, h)
	first.emit(&events.LoggedOut{Reason: events.ConnectFailureLoggedOut})

	require.Eventually(t, func() bool {
		c := h.last()
		return c != first && c.wasQRRequested() && m.Status().State == StatePairing
	}, waitFor, tick)

	assert.Equal(t, 1, creds.wipeCount())
	assert.Equal(t, StatePairing, m.Status().State)
	assert.True(t, m.SelfJID().IsEmpty())
	assert.False(t, first.IsConnected())
	assert.True(t, notifier.has(NotifyLoggedOut))
}

func TestManagerRetryableCloseKeepsCredentials(t *testing.T) {
	h := &harness{}
	creds := pairedCredentials()
	m := newTestManager(t, creds, h, nil)

	first := startConnected(t, m, h)
	first.emit(&events.Disconnected{})

	require.Eventually(t, func() bool {
		c := h.last()
		return c != first && c.IsConnected()
	}, waitFor, tick)

	second := h.last()
	assert.Equal(t, 0, creds.wipeCount())
	assert.False(t, second.wasQRRequested())
	assert.Equal(t, selfJID, m.SelfJID(), "self identity survives a retryable close")
	assert.False(t, m.Status().Connected, "not connected until the open signal")

	second.emit(&events.Connected{})
	assert.True(t, m.Status().Connected)
}

func TestManagerIgnoresEventsFromReplacedClient(t *testing.T) {
	h := &harness{}
	m := newTestManager(t, pairedCredentials(), h, nil)

	first := startConnected(t, m, h)
	first.emit(&events.StreamReplaced{})
	require.Eventually(t, func() bool { return h.last() != first }, waitFor, tick)

	second := h.last()
	second.emit(&events.Connected{})
	clients := h.count()

	first.emit(&events.Disconnected{})
	first.emit(&events.LoggedOut{})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, clients, h.count())
	assert.True(t, m.Status().Connected)
}

func TestManagerReconnectGuardAllowsSingleCycle(t *testing.T) {
	h := &harness{}
	m := newTestManager(t, pairedCredentials(), h, nil)
	first := startConnected(t, m, h)

	gate := make(chan struct{})
	h.mu.Lock()
	h.gate = gate
	h.mu.Unlock()

	for i := 0; i < 10; i++ {
		first.emit(&events.Disconnected{})
	}
	require.Eventually(t, func() bool { return h.count() == 2 }, waitFor, tick)

	second := h.last()
	for i := 0; i < 10; i++ {
		second.emit(&events.Disconnected{})
	}

	h.mu.Lock()
	h.gate = nil
	h.mu.Unlock()
	close(gate)

	require.Eventually(t, func() bool { return !m.starting.Load() }, waitFor, tick)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 1, h.maxActive, "connect sequences must never overlap")
	assert.LessOrEqual(t, len(h.clients), 3, "signals seen during a cycle collapse into one rerun")
}

func TestManagerAlertsAfterRepeatedFailures(t *testing.T) {
	h := &harness{connectErr: errors.New("dial tcp: connection refused")}
	notifier := &recordingNotifier{}
	m := newTestManager(t, pairedCredentials(), h, notifier)

	m.Start(context.Background())
	require.Eventually(t, func() bool { return notifier.has(NotifyReconnectFailing) }, waitFor, tick)
	assert.GreaterOrEqual(t, h.count(), 3)
	assert.False(t, m.Status().Connected)
}

func TestManagerBackoff(t *testing.T) {
	m := NewManager(ManagerOptions{BackoffBase: time.Second, BackoffMax: 10 * time.Second})
	m.jitter = func() time.Duration { return 0 }

	assert.Equal(t, time.Duration(0), m.backoff(0))
	assert.Equal(t, time.Second, m.backoff(1))
	assert.Equal(t, 2*time.Second, m.backoff(2))
	assert.Equal(t, 4*time.Second, m.backoff(3))
	assert.Equal(t, 10*time.Second, m.backoff(5))
	assert.Equal(t, 10*time.Second, m.backoff(100))

	m.jitter = func() time.Duration { return 250 * time.Millisecond }
	assert.Equal(t, 1250*time.Millisecond, m.backoff(1))
}

func TestManagerSend(t *testing.T) {
	h := &harness{}
	m := newTestManager(t, pairedCredentials(), h, nil)

	_, err := m.Send(context.Background(), selfJID, &waE2E.Message{Conversation: proto.String("hi")})
	assert.ErrorIs(t, err, ErrNotConnected)

	client := startConnected(t, m, h)
	_, err = m.Send(context.Background(), selfJID, &waE2E.Message{Conversation: proto.String("hi")})
	require.NoError(t, err)
	require.Len(t, client.sent, 1)
	assert.Equal(t, "hi", client.sent[0].GetConversation())
}

func TestManagerWatchdog(t *testing.T) {
	h := &harness{}
	m := newTestManager(t, pairedCredentials(), h, nil)
	client := startConnected(t, m, h)
	require.Eventually(t, func() bool { return !m.starting.Load() }, waitFor, tick)

	assert.False(t, m.Watchdog(), "healthy connection needs nothing")

	// transport dropped without a close event
	client.Disconnect()
	assert.True(t, m.Watchdog())
	require.Eventually(t, func() bool { return h.last() != client && h.last().IsConnected() }, waitFor, tick)
}

func TestManagerWatchdogIgnoresUnpairedManager(t *testing.T) {
	h := &harness{}
	m := newTestManager(t, &fakeCredentials{}, h, nil)

	assert.False(t, m.Watchdog(), "nothing to resume without a paired credential")
	assert.Zero(t, h.count())
}

func TestManagerStopReleasesClientStillConnecting(t *testing.T) {
	tests := []struct {
		name  string
		creds func() *fakeCredentials
	}{
		{"stored credentials", pairedCredentials},
		{"pairing", func() *fakeCredentials { return &fakeCredentials{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := make(chan struct{})
			h := &harness{gate: gate}
			m := newTestManager(t, tt.creds(), h, nil)

			m.Start(context.Background())
			require.Eventually(t, func() bool {
				h.mu.Lock()
				defer h.mu.Unlock()
				return h.active == 1
			}, waitFor, tick)
			client := h.last()

			stopped := make(chan struct{})
			go func() {
				m.Stop()
				close(stopped)
			}()
			require.Eventually(t, func() bool { return !m.isCurrent(client) }, waitFor, tick)

			close(gate)
			select {
			case <-stopped:
			case <-time.After(waitFor):
				t.Fatal("Stop did not return")
			}

			assert.False(t, client.IsConnected(), "a client connected after Stop must be disconnected")
			assert.Equal(t, 1, h.count(), "no further attempt after Stop")
			assert.False(t, m.Status().Connected)
		})
	}
}

func TestManagerDispatchesMessages(t *testing.T) {
	h := &harness{}
	m := newTestManager(t, pairedCredentials(), h, nil)

	var got []*events.Message
	var history int
	m.OnMessage(func(evt *events.Message) { got = append(got, evt) })
	m.OnHistory(func(evt *events.HistorySync) { history++ })

	client := startConnected(t, m, h)
	client.emit(&events.Message{Info: types.MessageInfo{ID: "A1"}})
	client.emit(&events.HistorySync{})

	require.Len(t, got, 1)
	assert.Equal(t, types.MessageID("A1"), got[0].Info.ID)
	assert.Equal(t, 1, history)
}
