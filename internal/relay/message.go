package relay

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

type DeliveryClass string

const (
	ClassNotify  DeliveryClass = "notify"
	ClassHistory DeliveryClass = "history"
)

type InboundMessage struct {
	Thread      types.JID
	Participant types.JID
	FromMe      bool
	ID          string
	PushName    string
	Content     *waE2E.Message
}

type Batch struct {
	Class    DeliveryClass
	Messages []InboundMessage
}

// FromMessageEvent wraps a live message as a single-message notify batch.
func FromMessageEvent(evt *events.Message) Batch {
	return Batch{
		Class: ClassNotify,
		Messages: []InboundMessage{{
			Thread:      evt.Info.Chat,
			Participant: evt.Info.Sender,
			FromMe:      evt.Info.IsFromMe,
			ID:          string(evt.Info.ID),
			PushName:    evt.Info.PushName,
			Content:     evt.Message,
		}},
	}
}

// FromHistoryEvent marks an offline backfill. Its messages are never relayed, so none are copied.
func FromHistoryEvent(evt *events.HistorySync) Batch {
	return Batch{Class: ClassHistory}
}

// Text returns the first non-empty of conversation text, extended text and image caption.
func (m InboundMessage) Text() string {
	if m.Content == nil {
		return ""
	}
	if text := m.Content.GetConversation(); text != "" {
		return text
	}
	if text := m.Content.GetExtendedTextMessage().GetText(); text != "" {
		return text
	}
	return m.Content.GetImageMessage().GetCaption()
}
