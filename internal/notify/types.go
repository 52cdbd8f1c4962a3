package notify

import (
	"time"
)

// EventType is a lifecycle event name, one of the whatsapp.Notify* constants.
type EventType string

type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

type Target struct {
	URL    string
	Secret string
}

type Event struct {
	EventType EventType              `json:"event_type"`
	Service   string                 `json:"service"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}
