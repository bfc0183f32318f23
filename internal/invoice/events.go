package invoice

import (
	"context"

	"cryptopay/internal/common/events"
	"cryptopay/internal/common/middleware"
	"cryptopay/internal/invoice/domain"
)

func (s *Service) publishCreated(ctx context.Context, inv *domain.Invoice) {
	s.publish(ctx, inv.ID, events.EventInvoiceCreated, events.InvoiceCreatedData{
		InvoiceID:   inv.ID,
		Network:     string(inv.Network),
		Purpose:     string(inv.Purpose),
		AmountMinor: inv.Required.Minor,
		Unit:        string(inv.Required.Unit),
		Destination: inv.Destination.Key(),
		ExpiresAt:   inv.ExpiresAt,
	})
}

// publishDetected announces the first sighting of sufficient funds. It is
// informational; the terminal notification is sent separately.
func (s *Service) publishDetected(ctx context.Context, t *tracked, ev domain.Event) {
	t.mu.Lock()
	dest := t.invoice.Destination.Key()
	unit := t.invoice.Required.Unit
	t.mu.Unlock()

	data := events.PaymentDetectedData{
		InvoiceID:   ev.InvoiceID,
		Unit:        string(unit),
		MeetsDepth:  ev.MeetsDepth,
		Destination: dest,
	}
	if ev.Observation != nil {
		data.SeenMinor = ev.Observation.Seen().Minor
	}
	s.publish(ctx, ev.InvoiceID, events.EventInvoicePaymentDetected, data)
}

func (s *Service) publish(ctx context.Context, invoiceID, eventType string, data interface{}) {
	if s.publisher == nil {
		return
	}

	event, err := events.NewEvent(eventType, events.AggregateInvoice, invoiceID, data)
	if err != nil {
		s.logger.Error("creating event failed", "invoice_id", invoiceID, "type", eventType, "error", err)
		return
	}
	event.WithCorrelation(middleware.GetCorrelationID(ctx), "")

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("publishing event failed", "invoice_id", invoiceID, "type", eventType, "error", err)
	}
}
