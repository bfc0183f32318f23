package invoice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"cryptopay/internal/common/middleware"
	"cryptopay/internal/invoice/domain"
	"cryptopay/internal/invoice/expiry"
	"cryptopay/internal/invoice/machine"
	"cryptopay/internal/invoice/notify"
	"cryptopay/internal/invoice/store"
)

// tracked is the live state of one open invoice.
type tracked struct {
	machine *machine.Machine

	mu       sync.Mutex
	invoice  domain.Invoice
	latest   *domain.Observation
	expiry   expiry.Handle
	queue    []domain.Event
	draining bool

	// unsaved holds transitions whose persistence failed. Only the drainer
	// touches it.
	unsaved []domain.Transition
}

func (t *tracked) observation() *domain.Observation {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest == nil {
		return nil
	}
	obs := *t.latest
	return &obs
}

// observe keeps obs if it is newer than what is held.
func (t *tracked) observe(obs domain.Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest != nil && obs.ObservedAt.Before(t.latest.ObservedAt) {
		return
	}
	t.latest = &obs
}

func (s *Service) lookup(id string) *tracked {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracked[id]
}

func (s *Service) untrack(id string) *tracked {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tracked[id]
	delete(s.tracked, id)
	return t
}

// track creates the state machine for inv, arms its deadline and starts
// watching its destination.
func (s *Service) track(ctx context.Context, inv domain.Invoice, history []domain.Transition) error {
	m := machine.New(inv.ID, s.policy, s.clock, s.logger)
	if err := m.Restore(inv.State, inv.FailureReason, history); err != nil {
		return err
	}

	t := &tracked{machine: m, invoice: inv, latest: inv.LastObservation}

	s.mu.Lock()
	if _, ok := s.tracked[inv.ID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.tracked[inv.ID] = t
	s.mu.Unlock()

	if s.timer != nil {
		h := s.timer.Schedule(inv.ID, inv.ExpiresAt)
		t.mu.Lock()
		t.expiry = h
		t.mu.Unlock()
	}

	if s.watcher != nil {
		if _, err := s.watcher.StartWatching(ctx, inv); err != nil {
			s.untrack(inv.ID)
			s.stopTracking(t)
			return fmt.Errorf("start watching %s: %w", inv.ID, err)
		}
	}
	return nil
}

func (s *Service) stopTracking(t *tracked) {
	if s.watcher != nil {
		s.watcher.StopInvoice(t.machine.ID())
	}
	if s.timer != nil {
		t.mu.Lock()
		h := t.expiry
		t.mu.Unlock()
		s.timer.Cancel(h)
	}
}

// Dispatch queues an event for its invoice. It never blocks on event
// application and is used as the sink of the monitor and the expiry timer.
func (s *Service) Dispatch(ev domain.Event) {
	t := s.lookup(ev.InvoiceID)
	if t == nil {
		s.logger.Debug("event for untracked invoice dropped",
			"invoice_id", ev.InvoiceID,
			"event", ev.Type,
		)
		return
	}

	t.mu.Lock()
	t.queue = append(t.queue, ev)
	if t.draining {
		t.mu.Unlock()
		return
	}
	t.draining = true
	t.mu.Unlock()

	s.wg.Add(1)
	go s.drain(t)
}

// Observe records the latest observation of an invoice for status queries.
func (s *Service) Observe(invoiceID string, obs domain.Observation) {
	if t := s.lookup(invoiceID); t != nil {
		t.observe(obs)
	}
}

// drain applies queued events until the mailbox is empty. Everything queued
// at the time of a pass is evaluated as one batch.
func (s *Service) drain(t *tracked) {
	defer s.wg.Done()
	for {
		t.mu.Lock()
		batch := t.queue
		t.queue = nil
		if len(batch) == 0 {
			t.draining = false
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		s.process(t, batch)
	}
}

func (s *Service) process(t *tracked, batch []domain.Event) {
	id := t.machine.ID()
	ctx := middleware.WithCorrelationID(context.Background(), id)
	logger := s.logger.With("invoice_id", id)

	var (
		applied []domain.Transition
		final   *domain.Transition
	)
	for _, r := range t.machine.Evaluate(batch...) {
		switch r.Outcome {
		case machine.Applied:
			applied = append(applied, *r.Transition)
			if r.Terminal() {
				tr := *r.Transition
				final = &tr
			}
			if r.Event.Observation != nil {
				t.observe(*r.Event.Observation)
			}
			if r.Event.Type == domain.EventPaymentDetected {
				s.publishDetected(ctx, t, r.Event)
			}
		case machine.Ignored:
			if r.Event.Type == domain.EventPartialPayment && r.Event.Observation != nil {
				t.observe(*r.Event.Observation)
				logger.Info("partial payment observed",
					"seen", r.Event.Observation.Seen().String(),
					"state", t.machine.State(),
				)
				continue
			}
			logger.Debug("event ignored", "event", r.Event.Type, "state", t.machine.State())
		case machine.Discarded:
			logger.Debug("event after terminal state discarded", "event", r.Event.Type)
		}
	}
	if len(applied) == 0 {
		return
	}

	t.mu.Lock()
	t.invoice.State = t.machine.State()
	t.invoice.FailureReason = t.machine.FailureReason()
	t.invoice.UpdatedAt = applied[len(applied)-1].At
	if t.latest != nil {
		obs := *t.latest
		t.invoice.LastObservation = &obs
	}
	inv := t.invoice
	t.mu.Unlock()

	err := s.persist(ctx, t, &inv, applied, backoff.WithMaxRetries(persistBackOff(), 4))
	if final == nil {
		return
	}
	if err != nil {
		// The invoice stays tracked so status reads the live machine, and
		// nothing is announced until the store holds the terminal state.
		s.stopTracking(t)
		if !s.persistTerminal(ctx, t, &inv) {
			return
		}
	}
	s.finish(ctx, t, inv, *final)
}

func persistBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(0),
	)
}

// persist writes transitions, carrying over any that failed to save earlier.
func (s *Service) persist(ctx context.Context, t *tracked, inv *domain.Invoice, ts []domain.Transition, b backoff.BackOff) error {
	pending := append(t.unsaved, ts...)

	err := backoff.Retry(func() error {
		err := s.store.AppendTransitions(ctx, inv, pending)
		if errors.Is(err, store.ErrSequence) || errors.Is(err, domain.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, s.ctx))
	if err != nil {
		t.unsaved = pending
		s.logger.Error("persisting transitions failed",
			"invoice_id", inv.ID,
			"state", inv.State,
			"transitions", len(pending),
			"error", err,
		)
		return err
	}
	t.unsaved = nil
	return nil
}

// persistTerminal retries the unsaved log of a settled invoice until the
// store accepts it. It gives up on errors retrying cannot fix and when the
// service stops, leaving the invoice open in the store.
func (s *Service) persistTerminal(ctx context.Context, t *tracked, inv *domain.Invoice) bool {
	s.logger.Warn("terminal transition not stored, retrying",
		"invoice_id", inv.ID,
		"state", inv.State,
	)
	if err := s.persist(ctx, t, inv, nil, persistBackOff()); err != nil {
		s.logger.Error("terminal transition abandoned, invoice stays open in the store",
			"invoice_id", inv.ID,
			"state", inv.State,
			"error", err,
		)
		return false
	}
	return true
}

// finish releases the resources of an invoice that reached a terminal state
// and emits its notification.
func (s *Service) finish(ctx context.Context, t *tracked, inv domain.Invoice, final domain.Transition) {
	s.untrack(inv.ID)
	s.stopTracking(t)

	s.logger.Info("invoice settled",
		"invoice_id", inv.ID,
		"state", final.To,
		"reason", inv.FailureReason,
		"trigger", final.Trigger,
		"detail", final.Detail,
	)

	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, notify.Notification{
		InvoiceID:        inv.ID,
		State:            final.To,
		Reason:           inv.FailureReason,
		FinalObservation: inv.LastObservation,
		Timestamp:        final.At,
	})
}
