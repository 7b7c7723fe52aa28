// Package webhook delivers signed conversion notifications to an operator
// supplied endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pixelconvert/internal/config"
)

const (
	HeaderSignature = "X-Pixelconvert-Signature"
	HeaderTimestamp = "X-Pixelconvert-Timestamp"
	HeaderEvent     = "X-Pixelconvert-Event"

	EventConversionCompleted = "conversion.completed"
	EventConversionFailed    = "conversion.failed"
)

// ConversionEvent is the JSON body of every notification.
type ConversionEvent struct {
	Event             string    `json:"event"`
	Source            string    `json:"source"`
	Filename          string    `json:"filename,omitempty"`
	Format            string    `json:"format"`
	BackgroundRemoved bool      `json:"background_removed"`
	Bytes             int       `json:"bytes,omitempty"`
	Error             string    `json:"error,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

type Notifier struct {
	httpClient    *http.Client
	url           string
	signingSecret string
	maxAttempts   int
	backoff       time.Duration
	now           func() time.Time
}

// NewNotifier returns nil when no URL is configured. A nil *Notifier is safe
// to call.
func NewNotifier(cfg config.WebhookConfig) *Notifier {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	return &Notifier{
		httpClient:    &http.Client{Timeout: timeout},
		url:           url,
		signingSecret: cfg.SigningSecret,
		maxAttempts:   attempts,
		backoff:       500 * time.Millisecond,
		now:           time.Now,
	}
}

func (n *Notifier) Notify(ctx context.Context, evt ConversionEvent) error {
	if n == nil {
		return nil
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = n.now().UTC()
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", evt.Event, err)
	}
	timestamp := strconv.FormatInt(n.now().UTC().Unix(), 10)
	signature := sign(n.signingSecret, timestamp, body)

	backoff := n.backoff
	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		lastErr = n.post(ctx, evt.Event, timestamp, signature, body)
		if lastErr == nil {
			return nil
		}
		if attempt == n.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return fmt.Errorf("deliver %s after %d attempts: %w", evt.Event, n.maxAttempts, lastErr)
}

func (n *Notifier) post(ctx context.Context, event, timestamp, signature string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderEvent, event)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status=%d", resp.StatusCode)
	}
	return nil
}

// sign computes HMAC-SHA256 over "<timestamp>.<body>".
func sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
