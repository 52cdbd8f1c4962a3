package session

import (
	"context"
)

// Store maps a WhatsApp thread address to the backend conversation session id.
type Store interface {
	Get(ctx context.Context, address string) (string, bool, error)
	Put(ctx context.Context, address string, sessionID string) error
}

// None remembers nothing.
type None struct{}

func (None) Get(ctx context.Context, address string) (string, bool, error) {
	return "", false, nil
}

func (None) Put(ctx context.Context, address string, sessionID string) error {
	return nil
}
