package domain

import "time"

// EventType names what happened to an invoice.
type EventType string

const (
	EventPaymentDetected   EventType = "payment_detected"
	EventDepthSatisfied    EventType = "depth_satisfied"
	EventProbeUnavailable  EventType = "probe_unavailable"
	EventExpiryFired       EventType = "expiry_fired"
	EventAllocationInvalid EventType = "allocation_invalid"
	// EventPartialPayment is informational and never changes state.
	EventPartialPayment EventType = "partial_payment"
)

// Event is delivered to an invoice's state machine by the monitor or the
// expiry timer.
type Event struct {
	Type      EventType `json:"type"`
	InvoiceID string    `json:"invoice_id"`
	// OccurredAt is when the underlying physical event happened: the
	// deadline for expiry, the payment time for detections.
	OccurredAt  time.Time    `json:"occurred_at"`
	MeetsDepth  bool         `json:"meets_depth,omitempty"`
	Observation *Observation `json:"observation,omitempty"`
	// Failures is the consecutive failure count behind a ProbeUnavailable.
	Failures int    `json:"failures,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// IsPayment reports whether the event is evidence of funds.
func (e Event) IsPayment() bool {
	return e.Type == EventPaymentDetected || e.Type == EventDepthSatisfied
}
