package whatsapp

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"golang.org/x/sync/singleflight"
)

type VersionStatus struct {
	CurrentVersion store.WAVersionContainer `json:"current_version"`
	LastRefreshed  *time.Time               `json:"last_refreshed,omitempty"`
	LastError      string                   `json:"last_error,omitempty"`
}

// VersionRefresher keeps the advertised WhatsApp Web version current.
// Concurrent callers share one fetch; unforced calls are throttled by MinInterval.
type VersionRefresher struct {
	MinInterval time.Duration

	fetch func(ctx context.Context) (*store.WAVersionContainer, error)
	group singleflight.Group

	mu          sync.RWMutex
	lastAttempt *time.Time
	lastError   string
}

func NewVersionRefresher(minInterval time.Duration) *VersionRefresher {
	httpClient := &http.Client{Timeout: 15 * time.Second}
	return &VersionRefresher{
		MinInterval: minInterval,
		fetch: func(ctx context.Context) (*store.WAVersionContainer, error) {
			return whatsmeow.GetLatestVersion(ctx, httpClient)
		},
	}
}

func (r *VersionRefresher) Status() VersionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var last *time.Time
	if r.lastAttempt != nil {
		t := *r.lastAttempt
		last = &t
	}
	return VersionStatus{
		CurrentVersion: store.GetWAVersion(),
		LastRefreshed:  last,
		LastError:      r.lastError,
	}
}

// Refresh fetches the latest version and applies it via store.SetWAVersion.
func (r *VersionRefresher) Refresh(ctx context.Context, force bool) error {
	if !force && r.MinInterval > 0 {
		r.mu.RLock()
		last := r.lastAttempt
		r.mu.RUnlock()
		if last != nil && time.Since(*last) < r.MinInterval {
			return nil
		}
	}

	_, err, _ := r.group.Do("refresh", func() (interface{}, error) {
		latest, err := r.fetch(ctx)
		if err == nil && latest == nil {
			err = errors.New("latest WhatsApp Web version is nil")
		}
		if err == nil {
			store.SetWAVersion(*latest)
		}

		r.mu.Lock()
		now := time.Now()
		r.lastAttempt = &now
		r.lastError = ""
		if err != nil {
			r.lastError = err.Error()
		}
		r.mu.Unlock()
		return nil, err
	})
	return err
}
