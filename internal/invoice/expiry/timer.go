// Package expiry schedules single-shot invoice deadlines.
package expiry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"cryptopay/internal/invoice/domain"
)

// Handle identifies a scheduled deadline.
type Handle struct {
	id        uint64
	InvoiceID string
}

// Deliver receives the ExpiryFired event.
type Deliver func(domain.Event)

type entry struct {
	invoiceID string
	deadline  time.Time
	timer     *clock.Timer
}

// Timer fires one ExpiryFired event per scheduled deadline. Durations are
// measured on the clock's monotonic reading; the wall-clock deadline is only
// carried on the event.
type Timer struct {
	clock   clock.Clock
	deliver Deliver
	logger  *slog.Logger

	mu      sync.Mutex
	seq     uint64
	entries map[uint64]*entry
	stopped bool
}

// New creates a timer that hands fired events to deliver.
func New(clk clock.Clock, deliver Deliver, logger *slog.Logger) *Timer {
	if clk == nil {
		clk = clock.New()
	}
	return &Timer{
		clock:   clk,
		deliver: deliver,
		logger:  logger,
		entries: make(map[uint64]*entry),
	}
}

// Schedule arms a deadline for invoiceID. A deadline already in the past
// fires immediately.
func (t *Timer) Schedule(invoiceID string, deadline time.Time) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	h := Handle{id: t.seq, InvoiceID: invoiceID}
	if t.stopped {
		return h
	}

	e := &entry{invoiceID: invoiceID, deadline: deadline}
	t.entries[h.id] = e

	d := deadline.Sub(t.clock.Now())
	if d <= 0 {
		go t.fire(h.id)
	} else {
		e.timer = t.clock.AfterFunc(d, func() { t.fire(h.id) })
	}

	t.logger.Debug("expiry scheduled",
		"invoice_id", invoiceID,
		"deadline", deadline,
		"in", d,
	)
	return h
}

// Cancel disarms h. It returns true if the cancellation prevented delivery,
// and false if the timer already fired or was never armed.
func (t *Timer) Cancel(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[h.id]
	if !ok {
		return false
	}
	delete(t.entries, h.id)
	if e.timer != nil {
		e.timer.Stop()
	}
	return true
}

// Pending returns the number of armed deadlines.
func (t *Timer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stop disarms every deadline. Later calls to Schedule are no-ops.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	for id, e := range t.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.entries, id)
	}
}

func (t *Timer) fire(id uint64) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	// Cancelled between the clock firing and taking the lock.
	if !ok {
		return
	}

	t.logger.Info("invoice deadline reached",
		"invoice_id", e.invoiceID,
		"deadline", e.deadline,
	)
	t.deliver(domain.Event{
		Type:       domain.EventExpiryFired,
		InvoiceID:  e.invoiceID,
		OccurredAt: e.deadline,
	})
}
