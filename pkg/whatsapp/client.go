package whatsapp

import (
	"context"
	"runtime"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Client is the subset of the whatsmeow client the bridge drives.
type Client interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	IsLoggedIn() bool
	SelfJID() types.JID
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	PairPhone(ctx context.Context, phone string) (string, error)
	AddEventHandler(handler whatsmeow.EventHandler) uint32
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	Upload(ctx context.Context, data []byte, mediaType whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
}

// ClientFactory builds a fresh client for a device loaded from the credential store.
type ClientFactory func(device *store.Device) Client

type meowClient struct {
	*whatsmeow.Client
}

func (c *meowClient) SelfJID() types.JID {
	if c.Store == nil || c.Store.ID == nil {
		return types.EmptyJID
	}
	return c.Store.ID.ToNonAD()
}

func (c *meowClient) PairPhone(ctx context.Context, phone string) (string, error) {
	return c.Client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome ("+runtime.GOOS+")")
}

func init() {
	store.DeviceProps.Os = proto.String(runtime.GOOS)
	store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()
	store.DeviceProps.RequireFullSync = proto.Bool(false)
}

// NewClientFactory returns the production factory. Reconnects are owned by the
// connection manager, so whatsmeow's own auto-reconnect stays disabled.
func NewClientFactory(logger waLog.Logger, proxyURL string) ClientFactory {
	return func(device *store.Device) Client {
		client := whatsmeow.NewClient(device, logger)
		client.EnableAutoReconnect = false
		client.AutoTrustIdentity = true
		if proxyURL != "" {
			if err := client.SetProxyAddress(proxyURL); err != nil && logger != nil {
				logger.Warnf("Ignoring invalid proxy address: %v", err)
			}
		}
		return &meowClient{Client: client}
	}
}
