// Package monitor polls a ledger probe for every watched invoice and turns
// observations into lifecycle events.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"cryptopay/internal/invoice/domain"
	"cryptopay/internal/invoice/probe"
)

// ErrNoDestination is returned when watching an invoice without a destination.
var ErrNoDestination = errors.New("invoice has no destination")

// Config holds monitor configuration.
type Config struct {
	PollInterval           time.Duration `envconfig:"MONITOR_POLL_INTERVAL" default:"10s"`
	MaxInterval            time.Duration `envconfig:"MONITOR_MAX_INTERVAL" default:"2m"`
	MaxConsecutiveFailures int           `envconfig:"MONITOR_MAX_CONSECUTIVE_FAILURES" default:"10"`
	DefaultConfirmations   int64         `envconfig:"MONITOR_DEFAULT_MIN_CONFIRMATIONS" default:"1"`
	ProbeTimeout           time.Duration `ignored:"true"`
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.MaxInterval < c.PollInterval {
		c.MaxInterval = c.PollInterval
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 10
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	return c
}

// Sink receives events for watched invoices. It is called from the watch
// goroutine and must not block.
type Sink func(domain.Event)

// Observer receives every successful observation.
type Observer func(invoiceID string, obs domain.Observation)

// Handle identifies a watch.
type Handle struct {
	id        uint64
	InvoiceID string
}

// Monitor runs one polling goroutine per watched invoice.
type Monitor struct {
	probe    probe.Probe
	config   Config
	clock    clock.Clock
	sink     Sink
	observer Observer
	logger   *slog.Logger

	mu        sync.Mutex
	seq       uint64
	watches   map[uint64]*watch
	byInvoice map[string]uint64
	wg        sync.WaitGroup
}

// New creates a monitor that reports events to sink.
func New(p probe.Probe, cfg Config, sink Sink, logger *slog.Logger) *Monitor {
	return &Monitor{
		probe:     p,
		config:    cfg.withDefaults(),
		clock:     clock.New(),
		sink:      sink,
		logger:    logger,
		watches:   make(map[uint64]*watch),
		byInvoice: make(map[string]uint64),
	}
}

// SetClock replaces the clock used for sleeps and backoff.
func (m *Monitor) SetClock(c clock.Clock) { m.clock = c }

// SetObserver registers a callback for successful observations.
func (m *Monitor) SetObserver(o Observer) { m.observer = o }

// StartWatching begins polling for inv. Watching an invoice that is already
// watched returns the existing handle. The watch outlives ctx; only its
// values are kept.
func (m *Monitor) StartWatching(ctx context.Context, inv domain.Invoice) (Handle, error) {
	if inv.Destination.IsZero() {
		return Handle{}, fmt.Errorf("watch %s: %w", inv.ID, ErrNoDestination)
	}
	if inv.State.IsTerminal() {
		return Handle{}, fmt.Errorf("watch %s: %w", inv.ID, domain.ErrTerminal)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byInvoice[inv.ID]; ok {
		return Handle{id: id, InvoiceID: inv.ID}, nil
	}

	m.seq++
	w := m.newWatch(ctx, m.seq, inv)
	m.watches[w.id] = w
	m.byInvoice[inv.ID] = w.id

	m.wg.Add(1)
	go m.run(w)

	m.logger.Info("watch started",
		"invoice_id", inv.ID,
		"destination", inv.Destination.Key(),
		"required", inv.Required.String(),
		"min_confirmations", w.minConf,
	)
	return Handle{id: w.id, InvoiceID: inv.ID}, nil
}

// StopWatching ends the watch. It is idempotent and may be called from
// within the sink. Once it returns no probe call is started and no event
// is delivered for the handle; an in-flight probe call is cancelled and a
// delivery in progress on another goroutine is waited for.
func (m *Monitor) StopWatching(h Handle) {
	m.mu.Lock()
	w, ok := m.watches[h.id]
	m.mu.Unlock()
	if !ok {
		return
	}
	w.stopAndWait()
}

// StopInvoice ends the watch for invoiceID, if any.
func (m *Monitor) StopInvoice(invoiceID string) {
	m.mu.Lock()
	id, ok := m.byInvoice[invoiceID]
	m.mu.Unlock()
	if ok {
		m.StopWatching(Handle{id: id, InvoiceID: invoiceID})
	}
}

// Nudge wakes the watch for invoiceID so it polls without waiting for the
// rest of its interval.
func (m *Monitor) Nudge(invoiceID string) bool {
	m.mu.Lock()
	id, ok := m.byInvoice[invoiceID]
	var w *watch
	if ok {
		w = m.watches[id]
	}
	m.mu.Unlock()
	if w == nil {
		return false
	}

	select {
	case w.nudge <- struct{}{}:
	default:
	}
	return true
}

// Active returns the number of running watches.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

// Stop ends every watch and waits for the goroutines to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	for _, w := range m.watches {
		w.stop()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) newWatch(ctx context.Context, id uint64, inv domain.Invoice) *watch {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	// Negative means unset; zero accepts unconfirmed funds.
	minConf := inv.MinConfirmations
	if minConf < 0 {
		minConf = m.config.DefaultConfirmations
	}

	return &watch{
		id:       id,
		invoice:  inv,
		minConf:  minConf,
		ctx:      wctx,
		cancel:   cancel,
		nudge:    make(chan struct{}, 1),
		detected: inv.State == domain.StateVerifying,
		partial:  -1,
		backoff: backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(m.config.PollInterval),
			backoff.WithMultiplier(2),
			backoff.WithRandomizationFactor(0),
			backoff.WithMaxInterval(m.config.MaxInterval),
			backoff.WithMaxElapsedTime(0),
			backoff.WithClockProvider(m.clock),
		),
	}
}

func (m *Monitor) run(w *watch) {
	defer m.wg.Done()
	defer m.remove(w)

	w.goroutine.Store(goroutineID())
	logger := m.logger.With("invoice_id", w.invoice.ID)
	for {
		if w.isStopped() {
			return
		}
		wait, ok := m.poll(w, logger)
		if !ok {
			w.stop()
			return
		}
		if !m.sleep(w, wait) {
			return
		}
	}
}

// poll runs one probe call and returns how long to sleep before the next.
// It returns false when the watch is finished.
func (m *Monitor) poll(w *watch, logger *slog.Logger) (time.Duration, bool) {
	ctx, cancel := context.WithTimeout(w.ctx, m.config.ProbeTimeout)
	obs, err := m.probe.Observe(ctx, w.invoice.Destination)
	cancel()

	if w.ctx.Err() != nil {
		return 0, false
	}
	if err != nil {
		return m.failed(w, err, logger)
	}

	if w.failures > 0 {
		logger.Info("probe recovered", "after_failures", w.failures)
	}
	w.failures = 0
	w.escalated = false
	w.history = nil
	w.backoff.Reset()

	if m.observer != nil {
		m.observer(w.invoice.ID, obs)
	}
	return m.config.PollInterval, m.evaluate(w, obs, logger)
}

func (m *Monitor) failed(w *watch, err error, logger *slog.Logger) (time.Duration, bool) {
	now := m.clock.Now().UTC()

	if !probe.IsRetryable(err) {
		logger.Warn("destination rejected by probe",
			"kind", probe.KindOf(err),
			"error", err,
		)
		w.deliver(m.sink, domain.Event{
			Type:       domain.EventAllocationInvalid,
			InvoiceID:  w.invoice.ID,
			OccurredAt: now,
			Detail:     string(probe.KindOf(err)),
		})
		return 0, false
	}

	w.failures++
	w.history = multierror.Append(w.history, fmt.Errorf("attempt %d at %s: %w", w.failures, now.Format(time.RFC3339), err))
	wait := w.backoff.NextBackOff()

	logger.Warn("probe failed",
		"failures", w.failures,
		"retry_in", wait,
		"error", err,
	)

	if w.failures >= m.config.MaxConsecutiveFailures && !w.escalated {
		w.escalated = true
		logger.Error("probe unavailable",
			"failures", w.failures,
			"history", w.history.Error(),
		)
		if !w.deliver(m.sink, domain.Event{
			Type:       domain.EventProbeUnavailable,
			InvoiceID:  w.invoice.ID,
			OccurredAt: now,
			Failures:   w.failures,
		}) {
			return 0, false
		}
	}
	return wait, true
}

// evaluate applies the sufficiency and depth rules to obs. It returns false
// once confirmation is complete or the destination is unusable.
func (m *Monitor) evaluate(w *watch, obs domain.Observation, logger *slog.Logger) bool {
	required := w.invoice.Required
	id := w.invoice.ID

	if obs.Status == domain.SettlementCanceled {
		logger.Warn("payment request canceled by node")
		w.deliver(m.sink, domain.Event{
			Type:        domain.EventAllocationInvalid,
			InvoiceID:   id,
			OccurredAt:  obs.ObservedAt,
			Observation: &obs,
			Detail:      "payment request canceled",
		})
		return false
	}

	seen := obs.Seen()
	if !seen.Covers(required) {
		if seen.IsPositive() && seen.Minor != w.partial {
			w.partial = seen.Minor
			logger.Info("partial payment",
				"seen", seen.String(),
				"required", required.String(),
			)
			return w.deliver(m.sink, domain.Event{
				Type:        domain.EventPartialPayment,
				InvoiceID:   id,
				OccurredAt:  obs.PhysicalTime(),
				Observation: &obs,
			})
		}
		return true
	}

	if cmp, _ := seen.Compare(required); cmp > 0 && !w.overpaidLogged {
		w.overpaidLogged = true
		over, _ := seen.Sub(required)
		logger.Info("invoice overpaid", "overpaid_by", over.String())
	}

	meets := obs.DepthBalance(w.minConf).Covers(required)

	if !w.detected {
		w.detected = true
		logger.Info("payment detected",
			"seen", seen.String(),
			"meets_depth", meets,
		)
		ok := w.deliver(m.sink, domain.Event{
			Type:        domain.EventPaymentDetected,
			InvoiceID:   id,
			OccurredAt:  obs.PhysicalTime(),
			MeetsDepth:  meets,
			Observation: &obs,
		})
		return ok && !meets
	}

	if meets {
		logger.Info("confirmation depth reached", "min_confirmations", w.minConf)
		w.deliver(m.sink, domain.Event{
			Type:        domain.EventDepthSatisfied,
			InvoiceID:   id,
			OccurredAt:  obs.PhysicalTime(),
			MeetsDepth:  true,
			Observation: &obs,
		})
		return false
	}
	return true
}

func (m *Monitor) sleep(w *watch, d time.Duration) bool {
	t := m.clock.Timer(d)
	defer t.Stop()

	select {
	case <-w.ctx.Done():
		return false
	case <-w.nudge:
		return true
	case <-t.C:
		return true
	}
}

func (m *Monitor) remove(w *watch) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.watches, w.id)
	if m.byInvoice[w.invoice.ID] == w.id {
		delete(m.byInvoice, w.invoice.ID)
	}
	m.logger.Debug("watch ended", "invoice_id", w.invoice.ID)
}
