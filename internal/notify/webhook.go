package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	webhookQueueSize = 256
	webhookTokenTTL  = time.Minute
)

var (
	ErrWebhookQueueFull = errors.New("webhook queue full")
	ErrWebhookClosed    = errors.New("webhook notifier closed")
)

type WebhookConfig struct {
	URL    string `mapstructure:"webhook_url"`
	Secret string `mapstructure:"webhook_secret"`
}

type webhookMessage struct {
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Timestamp string `json:"timestamp"`
}

// WebhookNotifier POSTs alerts as JSON to an operator endpoint. Messages are
// queued and sent by one background goroutine; when the queue is full the
// message is dropped. With a secret configured each request carries a
// short-lived HS256 bearer token.
type WebhookNotifier struct {
	url    string
	secret []byte
	client *http.Client
	queue  chan webhookMessage
	wg     sync.WaitGroup
	retry  time.Duration

	mu     sync.RWMutex
	closed bool
}

func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	w := &WebhookNotifier{
		url:    cfg.URL,
		client: &http.Client{Timeout: 10 * time.Second},
		queue:  make(chan webhookMessage, webhookQueueSize),
		retry:  time.Second,
	}
	if cfg.Secret != "" {
		w.secret = []byte(cfg.Secret)
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *WebhookNotifier) Notify(_ context.Context, subject, body string) error {
	msg := webhookMessage{
		Subject:   subject,
		Body:      body,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWebhookClosed
	}

	select {
	case w.queue <- msg:
		return nil
	default:
		slog.Warn("Alert webhook queue full, dropping message", "subject", subject)
		return ErrWebhookQueueFull
	}
}

// Close drains queued messages and stops the sender.
func (w *WebhookNotifier) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *WebhookNotifier) loop() {
	defer w.wg.Done()
	for msg := range w.queue {
		w.send(msg)
	}
}

func (w *WebhookNotifier) bearerToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "silo-gate",
		Subject:   "alert",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(webhookTokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(w.secret)
}

// send POSTs the message with one retry on a transport error or 5xx.
func (w *WebhookNotifier) send(msg webhookMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("Alert webhook marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retry)
		}

		status, err := w.post(body)
		if err != nil {
			slog.Warn("Alert webhook request failed", "error", err, "attempt", attempt+1)
			continue
		}
		switch {
		case status >= 200 && status < 300:
			return
		case status >= 500:
			slog.Warn("Alert webhook server error", "status", status, "attempt", attempt+1)
			continue
		default:
			slog.Warn("Alert webhook rejected message", "status", status)
			return
		}
	}
}

func (w *WebhookNotifier) post(body []byte) (int, error) {
	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "silo-gate-alerts/1.0")

	if w.secret != nil {
		token, err := w.bearerToken()
		if err != nil {
			return 0, fmt.Errorf("failed to sign token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
