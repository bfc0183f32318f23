// Package store persists invoices and their transition logs.
package store

import (
	"context"
	"errors"
	"time"

	"cryptopay/internal/invoice/domain"
)

// ErrSequence is returned when appended transitions do not continue the
// stored log.
var ErrSequence = errors.New("transition out of sequence")

// Store is the invoice persistence interface.
type Store interface {
	// CreateInvoice inserts a new invoice. It returns domain.ErrAlreadyExists
	// if the ID is taken.
	CreateInvoice(ctx context.Context, inv *domain.Invoice) error
	// GetInvoice returns domain.ErrNotFound for unknown IDs.
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	// SaveObservation replaces the latest observation of an invoice.
	SaveObservation(ctx context.Context, id string, obs domain.Observation) error
	// AppendTransitions records state changes of inv and appends ts to its
	// log in one atomic step. Recorded transitions are never modified.
	AppendTransitions(ctx context.Context, inv *domain.Invoice, ts []domain.Transition) error
	// ListTransitions returns the log ordered by sequence.
	ListTransitions(ctx context.Context, id string) ([]domain.Transition, error)
	// CancelWatch marks an open invoice as no longer watched. It is a no-op
	// for invoices already cancelled or terminal.
	CancelWatch(ctx context.Context, id string, at time.Time) error
	// ListOpen returns invoices that are not yet terminal and still watched.
	ListOpen(ctx context.Context) ([]*domain.Invoice, error)
}
