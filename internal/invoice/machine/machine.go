// Package machine owns the authoritative lifecycle state of one invoice and
// its append-only transition log.
package machine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"cryptopay/internal/invoice/domain"
)

// DetailExpiryRace is recorded when a payment at the same instant as the
// deadline is evaluated together with the expiry and wins.
const DetailExpiryRace = "expiry race resolved in favor of payment"

// Policy holds the configurable transition rules.
type Policy struct {
	// FailPendingOnProbeUnavailable fails an invoice that is still pending
	// when the probe escalates. Without it a pending invoice waits for expiry.
	FailPendingOnProbeUnavailable bool `envconfig:"MACHINE_FAIL_PENDING_ON_PROBE_UNAVAILABLE" default:"true"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{FailPendingOnProbeUnavailable: true}
}

// Outcome describes what happened to an event.
type Outcome string

const (
	// Applied means the event produced a transition.
	Applied Outcome = "applied"
	// Ignored means the current state has no rule for the event.
	Ignored Outcome = "ignored"
	// Discarded means the invoice was already terminal.
	Discarded Outcome = "discarded"
)

// Result is the effect of one event.
type Result struct {
	Event      domain.Event
	Outcome    Outcome
	Transition *domain.Transition
}

// Terminal reports whether the result moved the invoice into a terminal state.
func (r Result) Terminal() bool {
	return r.Transition != nil && r.Transition.To.IsTerminal()
}

// Machine is the state machine of one invoice. It is safe for concurrent use;
// event application is serialized.
type Machine struct {
	mu        sync.Mutex
	invoiceID string
	state     domain.State
	reason    domain.FailureReason
	history   []domain.Transition
	policy    Policy
	clock     clock.Clock
	logger    *slog.Logger
}

// New creates a machine in the pending state.
func New(invoiceID string, policy Policy, clk clock.Clock, logger *slog.Logger) *Machine {
	if clk == nil {
		clk = clock.New()
	}
	return &Machine{
		invoiceID: invoiceID,
		state:     domain.StatePending,
		policy:    policy,
		clock:     clk,
		logger:    logger.With("invoice_id", invoiceID),
	}
}

// Restore replaces the state and history with persisted values. It is used
// when reloading invoices after a restart and must be called before any
// event is applied.
func (m *Machine) Restore(state domain.State, reason domain.FailureReason, history []domain.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) > 0 {
		return fmt.Errorf("restore machine %s: history already recorded", m.invoiceID)
	}
	prev := domain.StatePending
	for i, t := range history {
		if t.Seq != i+1 || t.From != prev {
			return fmt.Errorf("restore machine %s: transition %d is out of sequence", m.invoiceID, t.Seq)
		}
		prev = t.To
	}
	if prev != state {
		return fmt.Errorf("restore machine %s: history ends in %s, invoice is %s", m.invoiceID, prev, state)
	}

	m.state = state
	m.reason = reason
	m.history = append([]domain.Transition(nil), history...)
	return nil
}

// ID returns the invoice the machine belongs to.
func (m *Machine) ID() string { return m.invoiceID }

// State returns the current state.
func (m *Machine) State() domain.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// FailureReason returns why the invoice failed, if it did.
func (m *Machine) FailureReason() domain.FailureReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// History returns a copy of the transition log.
func (m *Machine) History() []domain.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Transition(nil), m.history...)
}

// Apply evaluates a single event.
func (m *Machine) Apply(ev domain.Event) Result {
	return m.Evaluate(ev)[0]
}

// Evaluate applies a batch of events that became ready in the same tick.
//
// Events other than ExpiryFired keep their relative order. Each ExpiryFired
// is placed in front of the first event that physically happened after the
// deadline. An expiry at the same instant as a payment is placed after it,
// so the payment wins the tie.
//
// Ordering only spans the batch. Once an expiry has been applied, a payment
// evaluated in a later batch is discarded even if it physically happened
// before the deadline.
//
// Results are returned in evaluation order.
func (m *Machine) Evaluate(events ...domain.Event) []Result {
	if len(events) == 0 {
		return nil
	}

	ordered := order(events)
	deadlines := raceDeadlines(ordered)

	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]Result, 0, len(ordered))
	for _, ev := range ordered {
		results = append(results, m.apply(ev, deadlines))
	}
	return results
}

func (m *Machine) apply(ev domain.Event, deadlines []time.Time) Result {
	if m.state.IsTerminal() {
		m.logger.Info("event discarded in terminal state",
			"event", ev.Type,
			"state", m.state,
			"occurred_at", ev.OccurredAt,
		)
		return Result{Event: ev, Outcome: Discarded}
	}

	to, reason, ok := m.next(ev)
	if !ok {
		m.logger.Debug("event ignored",
			"event", ev.Type,
			"state", m.state,
		)
		return Result{Event: ev, Outcome: Ignored}
	}

	detail := ev.Detail
	if to == domain.StateConfirmed && tied(ev, deadlines) {
		detail = DetailExpiryRace
		m.logger.Info("expiry race resolved",
			"winner", ev.Type,
			"occurred_at", ev.OccurredAt,
		)
	}
	if ev.Type == domain.EventProbeUnavailable && detail == "" {
		detail = fmt.Sprintf("%d consecutive probe failures", ev.Failures)
	}

	t := domain.Transition{
		Seq:     len(m.history) + 1,
		From:    m.state,
		To:      to,
		Trigger: ev.Type,
		At:      m.clock.Now().UTC(),
		Detail:  detail,
	}
	m.history = append(m.history, t)
	m.state = to
	if reason != "" {
		m.reason = reason
	}

	m.logger.Info("invoice transitioned",
		"from", t.From,
		"to", t.To,
		"trigger", t.Trigger,
		"seq", t.Seq,
	)
	return Result{Event: ev, Outcome: Applied, Transition: &t}
}

// next is the transition table.
func (m *Machine) next(ev domain.Event) (domain.State, domain.FailureReason, bool) {
	switch m.state {
	case domain.StatePending:
		switch ev.Type {
		case domain.EventPaymentDetected:
			if ev.MeetsDepth {
				return domain.StateConfirmed, "", true
			}
			return domain.StateVerifying, "", true
		case domain.EventExpiryFired:
			return domain.StateExpired, "", true
		case domain.EventAllocationInvalid:
			return domain.StateFailed, domain.ReasonDestinationInvalid, true
		case domain.EventProbeUnavailable:
			if m.policy.FailPendingOnProbeUnavailable {
				return domain.StateFailed, domain.ReasonProbeUnavailable, true
			}
		}

	case domain.StateVerifying:
		switch ev.Type {
		case domain.EventDepthSatisfied:
			return domain.StateConfirmed, "", true
		case domain.EventPaymentDetected:
			if ev.MeetsDepth {
				return domain.StateConfirmed, "", true
			}
		case domain.EventProbeUnavailable:
			return domain.StateFailed, domain.ReasonProbeUnavailable, true
		case domain.EventExpiryFired:
			return domain.StateExpired, "", true
		}
	}
	return "", "", false
}

// raceDeadlines returns the expiry instants of a batch that also carries a
// payment.
func raceDeadlines(events []domain.Event) []time.Time {
	var (
		deadlines []time.Time
		payment   bool
	)
	for _, ev := range events {
		if ev.Type == domain.EventExpiryFired {
			deadlines = append(deadlines, ev.OccurredAt)
		}
		payment = payment || ev.IsPayment()
	}
	if !payment {
		return nil
	}
	return deadlines
}

func tied(ev domain.Event, deadlines []time.Time) bool {
	for _, d := range deadlines {
		if ev.OccurredAt.Equal(d) {
			return true
		}
	}
	return false
}

// order merges expiry events into the other events by physical time.
func order(events []domain.Event) []domain.Event {
	var expiries, rest []domain.Event
	for _, ev := range events {
		if ev.Type == domain.EventExpiryFired {
			expiries = append(expiries, ev)
		} else {
			rest = append(rest, ev)
		}
	}
	if len(expiries) == 0 {
		return rest
	}

	out := make([]domain.Event, 0, len(events))
	for _, exp := range expiries {
		i := 0
		for i < len(rest) && !rest[i].OccurredAt.After(exp.OccurredAt) {
			i++
		}
		out = append(out, rest[:i]...)
		out = append(out, exp)
		rest = rest[i:]
	}
	return append(out, rest...)
}
