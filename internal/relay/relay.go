package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/gdbrns/whatsapp-companion-bridge/internal/backend"
	"github.com/gdbrns/whatsapp-companion-bridge/internal/outbound"
	"github.com/gdbrns/whatsapp-companion-bridge/internal/session"
	"github.com/gdbrns/whatsapp-companion-bridge/pkg/log"
	"github.com/gdbrns/whatsapp-companion-bridge/pkg/whatsapp"
)

const defaultToAlias = "companion@" + whatsapp.AliasServer

type Backend interface {
	Relay(ctx context.Context, env backend.Envelope) (*backend.Reply, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, to types.JID, content outbound.Content) (int, error)
}

type SelfSource interface {
	SelfJID() types.JID
}

type Options struct {
	AllowGroups bool
	ToAlias     string
	Persona     string
	Workers     int
}

// Relay forwards incoming WhatsApp messages to the companion backend and
// sends the backend's answer back to the originating chat.
type Relay struct {
	backend    Backend
	dispatcher Dispatcher
	sessions   session.Store
	self       SelfSource
	opts       Options
	now        func() time.Time
	pool       *ants.Pool
}

func New(b Backend, d Dispatcher, sessions session.Store, self SelfSource, opts Options) (*Relay, error) {
	if sessions == nil {
		sessions = session.None{}
	}
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	pool, err := ants.NewPool(opts.Workers, ants.WithPanicHandler(func(p interface{}) {
		log.Print(nil).WithField("panic", fmt.Sprint(p)).Error("Recovered panic while relaying a message batch")
	}))
	if err != nil {
		return nil, fmt.Errorf("create relay worker pool: %w", err)
	}
	return &Relay{
		backend:    b,
		dispatcher: d,
		sessions:   sessions,
		self:       self,
		opts:       opts,
		now:        time.Now,
		pool:       pool,
	}, nil
}

// OnMessage is registered with the connection manager for live messages.
func (r *Relay) OnMessage(evt *events.Message) {
	r.Submit(FromMessageEvent(evt))
}

// OnHistory is registered with the connection manager for history sync batches.
func (r *Relay) OnHistory(evt *events.HistorySync) {
	r.Submit(FromHistoryEvent(evt))
}

// Submit queues batch on the worker pool so transport callbacks never wait on the backend.
func (r *Relay) Submit(batch Batch) {
	if batch.Class != ClassNotify {
		log.Print(nil).WithField("class", string(batch.Class)).Debug("Ignoring non-live message batch")
		return
	}
	if err := r.pool.Submit(func() { r.HandleBatch(context.Background(), batch) }); err != nil {
		log.Print(nil).WithError(err).Error("Failed to queue inbound message batch")
	}
}

// Release waits up to timeout for in-flight batches, then stops the pool.
func (r *Relay) Release(timeout time.Duration) {
	if err := r.pool.ReleaseTimeout(timeout); err != nil {
		log.Print(nil).WithError(err).Warn("Relay workers still busy at shutdown")
	}
}

// HandleBatch relays each message of a live batch in order. Failures are logged per message.
func (r *Relay) HandleBatch(ctx context.Context, batch Batch) {
	if batch.Class != ClassNotify {
		return
	}
	for _, msg := range batch.Messages {
		if err := r.handleMessage(ctx, msg); err != nil {
			entry := log.Print(nil).
				WithError(err).
				WithField("jid", log.MaskJID(msg.Thread.String())).
				WithField("message_id", msg.ID)
			if status := backend.StatusCode(err); status != 0 {
				entry = entry.WithField("backend_status", status)
			}
			entry.Error("Failed to relay WhatsApp message")
		}
	}
}

func (r *Relay) handleMessage(ctx context.Context, msg InboundMessage) error {
	if msg.Content == nil || msg.FromMe {
		return nil
	}
	thread := msg.Thread.String()
	if msg.Thread.IsEmpty() {
		return nil
	}
	if !r.opts.AllowGroups && msg.Thread.Server == types.GroupServer {
		return nil
	}

	entry := log.Print(nil).WithField("jid", log.MaskJID(thread)).WithField("message_id", msg.ID)

	text := msg.Text()
	if text == "" {
		entry.Info("Ignored non-text message")
		return nil
	}

	env := backend.Envelope{
		From:      r.fromAlias(msg),
		To:        r.toAlias(),
		Text:      text,
		Timestamp: r.now().Unix(),
		Metadata: backend.Metadata{
			JID:       thread,
			PushName:  msg.PushName,
			MessageID: msg.ID,
			Persona:   r.opts.Persona,
		},
	}
	if id, ok, err := r.sessions.Get(ctx, thread); err != nil {
		entry.WithError(err).Warn("Session lookup failed")
	} else if ok {
		env.Metadata.SessionID = id
	}

	entry.WithField("from", env.From).WithField("preview", log.Preview(text)).Info("Inbound WhatsApp message")

	reply, err := r.backend.Relay(ctx, env)
	if err != nil {
		return err
	}

	if reply.SessionID != "" && reply.SessionID != env.Metadata.SessionID {
		if err := r.sessions.Put(ctx, thread, reply.SessionID); err != nil {
			entry.WithError(err).Warn("Failed to store backend session")
		}
	}

	if !reply.Handled {
		entry.Info("Backend did not handle message")
		return nil
	}

	content := outbound.Content{Text: reply.Reply, Images: reply.Attachments, VoiceURL: reply.VoiceURL()}
	entry.
		WithField("attachments", len(reply.Attachments)).
		WithField("voice_note", content.VoiceURL != "").
		WithField("reply", log.Preview(reply.Reply)).
		Info("Preparing WhatsApp response")

	_, err = r.dispatcher.Dispatch(ctx, msg.Thread, content)
	return err
}

// fromAlias prefers the individual participant, which differs from the thread in groups.
func (r *Relay) fromAlias(msg InboundMessage) string {
	if msg.Participant.Server == types.DefaultUserServer {
		return whatsapp.NativeToAlias(msg.Participant.ToNonAD().String())
	}
	if !msg.Thread.IsEmpty() {
		return whatsapp.NativeToAlias(msg.Thread.String())
	}
	return whatsapp.UnknownAlias
}

func (r *Relay) toAlias() string {
	if r.opts.ToAlias != "" {
		return r.opts.ToAlias
	}
	if r.self != nil {
		if self := r.self.SelfJID(); !self.IsEmpty() {
			return whatsapp.NativeToAlias(self.ToNonAD().String())
		}
	}
	return defaultToAlias
}
