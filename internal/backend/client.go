package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gdbrns/whatsapp-companion-bridge/pkg/log"
)

const maxResponseBytes = 1 << 20

type Metadata struct {
	JID       string `json:"jid,omitempty"`
	PushName  string `json:"push_name,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Persona   string `json:"persona,omitempty"`
}

// Envelope is one inbound WhatsApp message as the companion backend sees it.
type Envelope struct {
	From      string   `json:"from"`
	To        string   `json:"to"`
	Text      string   `json:"text"`
	Timestamp int64    `json:"timestamp"`
	Metadata  Metadata `json:"metadata"`
}

type VoiceNote struct {
	URL string `json:"url,omitempty"`
}

type Reply struct {
	Reply       string     `json:"reply,omitempty"`
	Handled     bool       `json:"handled"`
	SessionID   string     `json:"session_id,omitempty"`
	Attachments []string   `json:"attachments,omitempty"`
	VoiceNote   *VoiceNote `json:"voice_note,omitempty"`
}

// VoiceURL is the voice-note URL, empty when none was returned.
func (r *Reply) VoiceURL() string {
	if r == nil || r.VoiceNote == nil {
		return ""
	}
	return r.VoiceNote.URL
}

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return e.Message
}

type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

func NewClient(endpoint string, token string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		token:    token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// Relay posts env to the message endpoint and decodes the backend's reply.
func (c *Client) Relay(ctx context.Context, env Envelope) (*Reply, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}

	log.Print(nil).
		WithField("status", resp.StatusCode).
		WithField("elapsed", elapsed.String()).
		Debug("Backend responded")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(raw, resp.StatusCode)}
	}

	var reply Reply
	if len(bytes.TrimSpace(raw)) == 0 {
		return &reply, nil
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode backend response: %w", err)
	}
	return &reply, nil
}

// errorMessage prefers the backend's own "error" then "message" field.
func errorMessage(raw []byte, status int) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return fmt.Sprintf("Failed to send WhatsApp message (%d)", status)
}

// StatusCode returns the HTTP status carried by a backend StatusError in err's chain, or 0.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
