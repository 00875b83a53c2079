package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"lapse/pkg/logx"
)

const defaultWebhookTimeout = 10 * time.Second

// Webhook posts messages as JSON to a configured endpoint. It is the
// standard Sink; a Service with no URL configured fails sends until a
// reload supplies one.
type Webhook struct {
	log    logx.Logger
	client *http.Client

	mu  sync.Mutex
	url string
}

type webhookPayload struct {
	Event    string    `json:"event"`
	Severity string    `json:"severity,omitempty"`
	Text     string    `json:"text"`
	Priority int       `json:"priority"`
	At       time.Time `json:"at"`
	Data     any       `json:"data,omitempty"`
}

func NewWebhook(cfg Config, log logx.Logger) *Webhook {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{
		log:    log,
		client: &http.Client{Timeout: timeout},
		url:    cfg.URL,
	}
}

// Apply picks up destination changes on config reload.
func (w *Webhook) Apply(cfg Config) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	w.mu.Lock()
	w.url = cfg.URL
	w.client.Timeout = timeout
	w.mu.Unlock()
}

func (w *Webhook) Send(ctx context.Context, m Message) error {
	w.mu.Lock()
	url := w.url
	client := w.client
	w.mu.Unlock()

	if url == "" {
		return errors.New("webhook url not configured")
	}

	body, err := json.Marshal(webhookPayload{
		Event:    m.Event,
		Severity: severity(m.Priority),
		Text:     m.Text,
		Priority: m.Priority,
		At:       time.Now(),
		Data:     m.Data,
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook status %s", resp.Status)
	}
	w.log.Debug("webhook delivered",
		logx.String("event", m.Event), logx.String("status", resp.Status))
	return nil
}

func severity(p int) string {
	switch {
	case p >= 9:
		return "critical"
	case p >= 7:
		return "warning"
	case p >= 5:
		return "info"
	default:
		return ""
	}
}
