package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
	PublishBatch(ctx context.Context, events []*Event) error
}

// AggregateInvoice is the aggregate type of every invoice event.
const AggregateInvoice = "invoice"

// Invoice event types
const (
	EventInvoiceCreated         = "invoice.created"
	EventInvoicePaymentDetected = "invoice.payment_detected"
	EventInvoiceConfirmed       = "invoice.confirmed"
	EventInvoiceExpired         = "invoice.expired"
	EventInvoiceFailed          = "invoice.failed"
)

// TerminalEventType maps a terminal lifecycle state to its event type.
func TerminalEventType(state string) (string, bool) {
	switch state {
	case "confirmed":
		return EventInvoiceConfirmed, true
	case "expired":
		return EventInvoiceExpired, true
	case "failed":
		return EventInvoiceFailed, true
	}
	return "", false
}

// Event data structures

// InvoiceCreatedData is the data for invoice.created events
type InvoiceCreatedData struct {
	InvoiceID   string    `json:"invoice_id"`
	Network     string    `json:"network"`
	Purpose     string    `json:"purpose"`
	AmountMinor int64     `json:"amount_minor"`
	Unit        string    `json:"unit"`
	Destination string    `json:"destination"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// PaymentDetectedData is the data for invoice.payment_detected events
type PaymentDetectedData struct {
	InvoiceID   string `json:"invoice_id"`
	SeenMinor   int64  `json:"seen_minor"`
	Unit        string `json:"unit"`
	MeetsDepth  bool   `json:"meets_depth"`
	Destination string `json:"destination"`
}

// InvoiceTerminalData is the data for invoice.confirmed, invoice.expired and
// invoice.failed events
type InvoiceTerminalData struct {
	InvoiceID        string          `json:"invoice_id"`
	State            string          `json:"state"`
	Reason           string          `json:"reason,omitempty"`
	FinalObservation json.RawMessage `json:"final_observation,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}
