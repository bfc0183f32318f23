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
	"log/slog"
	"net/http"

	"github.com/cenkalti/backoff/v4"

	"cryptopay/internal/common/events"
	"cryptopay/internal/common/middleware"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Cryptopay-Signature"

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// EventSink publishes notifications as invoice events.
type EventSink struct {
	publisher events.EventPublisher
}

// NewEventSink creates a sink publishing through p.
func NewEventSink(p events.EventPublisher) *EventSink {
	return &EventSink{publisher: p}
}

func (s *EventSink) Name() string { return "events" }

func (s *EventSink) Deliver(ctx context.Context, n Notification) error {
	eventType, ok := events.TerminalEventType(string(n.State))
	if !ok {
		return backoff.Permanent(fmt.Errorf("state %s is not terminal", n.State))
	}

	var obs json.RawMessage
	if n.FinalObservation != nil {
		data, err := json.Marshal(n.FinalObservation)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("marshal observation: %w", err))
		}
		obs = data
	}

	event, err := events.NewEvent(eventType, events.AggregateInvoice, n.InvoiceID, events.InvoiceTerminalData{
		InvoiceID:        n.InvoiceID,
		State:            string(n.State),
		Reason:           string(n.Reason),
		FinalObservation: obs,
		Timestamp:        n.Timestamp,
	})
	if err != nil {
		return backoff.Permanent(fmt.Errorf("creating event: %w", err))
	}
	event.WithCorrelation(middleware.GetCorrelationID(ctx), "")

	return s.publisher.Publish(ctx, event)
}

// WebhookSink posts signed notifications to an HTTP endpoint.
type WebhookSink struct {
	url        string
	secret     []byte
	httpClient *http.Client
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:        url,
		secret:     []byte(secret),
		httpClient: &http.Client{},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal notification: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cryptopay-Event", "invoice."+string(n.State))
	if len(s.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(s.secret, body))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook error: status=%d body=%s", resp.StatusCode, respBody)
	default:
		return backoff.Permanent(fmt.Errorf("webhook rejected: status=%d body=%s", resp.StatusCode, respBody))
	}
}

// LogSink writes notifications to the log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(ctx context.Context, n Notification) error {
	attrs := []any{
		"invoice_id", n.InvoiceID,
		"state", n.State,
		"timestamp", n.Timestamp,
	}
	if n.Reason != "" {
		attrs = append(attrs, "reason", n.Reason)
	}
	if n.FinalObservation != nil {
		attrs = append(attrs, "balance", n.FinalObservation.Balance.String())
	}
	s.logger.Info("invoice reached terminal state", attrs...)
	return nil
}
