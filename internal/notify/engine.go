package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gdbrns/whatsapp-companion-bridge/pkg/log"
)

const ServiceName = "whatsapp-companion-bridge"

type Options struct {
	URLs         []string
	Secret       string
	Workers      int
	RetryLimit   int
	QueueSize    int
	RetryDelay   time.Duration
	AllowPrivate bool
}

// Engine delivers lifecycle events to operator webhooks in the background.
type Engine struct {
	targets      []Target
	httpClient   *http.Client
	queue        chan *deliveryTask
	retryLimit   int
	retryDelay   time.Duration
	allowPrivate bool
	now          func() time.Time
	closeOnce    sync.Once
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
}

type deliveryTask struct {
	target Target
	event  Event
}

// NewEngine starts the delivery workers. With no URLs the engine is inert.
func NewEngine(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 3
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}

	targets := make([]Target, 0, len(opts.URLs))
	for _, raw := range opts.URLs {
		if raw = strings.TrimSpace(raw); raw != "" {
			targets = append(targets, Target{URL: raw, Secret: opts.Secret})
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	engine := &Engine{
		targets:      targets,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		queue:        make(chan *deliveryTask, opts.QueueSize),
		retryLimit:   opts.RetryLimit,
		retryDelay:   opts.RetryDelay,
		allowPrivate: opts.AllowPrivate,
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
	}

	if len(targets) > 0 {
		for i := 0; i < opts.Workers; i++ {
			engine.wg.Add(1)
			go engine.worker()
		}
	}

	return engine
}

func (e *Engine) Enabled() bool {
	return e != nil && len(e.targets) > 0
}

// Shutdown stops accepting events and waits for queued deliveries to finish.
func (e *Engine) Shutdown() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		close(e.queue)
		e.wg.Wait()
		e.cancel()
	})
}

// Notify queues event for every configured target. It never blocks; a full queue drops the event.
func (e *Engine) Notify(eventType string, data map[string]interface{}) {
	if !e.Enabled() {
		return
	}
	event := Event{
		EventType: EventType(eventType),
		Service:   ServiceName,
		Timestamp: e.now().UTC(),
		Data:      data,
	}

	defer func() {
		// Notify racing Shutdown sends on a closed queue
		if r := recover(); r != nil {
			log.Print(nil).WithField("event", eventType).Warn("Notification dropped after shutdown")
		}
	}()

	for _, target := range e.targets {
		select {
		case e.queue <- &deliveryTask{target: target, event: event}:
		default:
			log.Print(nil).WithField("event", eventType).Warn("Notification queue full, dropping event")
		}
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for task := range e.queue {
		e.deliver(task)
	}
}

func (e *Engine) deliver(task *deliveryTask) DeliveryStatus {
	entry := log.Print(nil).WithField("event", string(task.event.EventType)).WithField("target", task.target.URL)

	if err := e.validateURL(task.target.URL); err != nil {
		entry.WithError(err).Warn("Notification target rejected")
		return DeliveryFailed
	}

	payload, err := json.Marshal(task.event)
	if err != nil {
		entry.WithError(err).Error("Failed to encode notification")
		return DeliveryFailed
	}

	signature := generateSignature(payload, task.target.Secret)

	var lastErr error
	for attempt := 1; attempt <= e.retryLimit; attempt++ {
		req, err := http.NewRequestWithContext(e.ctx, http.MethodPost, task.target.URL, bytes.NewReader(payload))
		if err != nil {
			lastErr = err
			break
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Webhook-Signature", signature)
		req.Header.Set("X-Webhook-Event", string(task.event.EventType))
		req.Header.Set("User-Agent", "WhatsApp-Companion-Bridge/1.0")

		resp, err := e.httpClient.Do(req)
		if err == nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				entry.WithField("attempt", attempt).Debug("Notification delivered")
				return DeliverySuccess
			}
			err = fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		lastErr = err

		if attempt < e.retryLimit {
			select {
			case <-e.ctx.Done():
				attempt = e.retryLimit
			case <-time.After(time.Duration(attempt) * e.retryDelay):
			}
		}
	}

	entry.WithError(lastErr).WithField("attempts", e.retryLimit).Warn("Notification delivery failed")
	return DeliveryFailed
}

func generateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (e *Engine) validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}

	if e.allowPrivate {
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
		}
		return nil
	}

	if u.Scheme != "https" {
		return fmt.Errorf("only HTTPS URLs are allowed")
	}

	host := strings.ToLower(u.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "0.0.0.0" || strings.HasPrefix(host, "192.168.") || strings.HasPrefix(host, "10.") || strings.HasPrefix(host, "172.") {
		return fmt.Errorf("private/local network URLs are not allowed")
	}

	return nil
}
