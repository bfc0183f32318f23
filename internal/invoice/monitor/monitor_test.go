package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptopay/internal/common/money"
	"cryptopay/internal/invoice/domain"
	"cryptopay/internal/invoice/probe"
)

type step struct {
	obs domain.Observation
	err error
}

// scripted replays steps in order and repeats the last one forever.
type scripted struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (s *scripted) Observe(ctx context.Context, dest domain.Destination) (domain.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++
	st := s.steps[i]
	st.obs.ObservedAt = time.Now().UTC()
	return st.obs, st.err
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type collector struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *collector) sink(ev domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) types() []domain.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.EventType, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

func (c *collector) count(typ domain.EventType) int {
	n := 0
	for _, t := range c.types() {
		if t == typ {
			n++
		}
	}
	return n
}

func (c *collector) first(typ domain.EventType) domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Type == typ {
			return ev
		}
	}
	return domain.Event{}
}

func testConfig() Config {
	return Config{
		PollInterval:           2 * time.Millisecond,
		MaxInterval:            8 * time.Millisecond,
		MaxConsecutiveFailures: 10,
		DefaultConfirmations:   1,
		ProbeTimeout:           time.Second,
	}
}

func newMonitor(p probe.Probe, cfg Config) (*Monitor, *collector) {
	c := &collector{}
	m := New(p, cfg, c.sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m, c
}

func invoice(required int64, minConf int64) domain.Invoice {
	return domain.Invoice{
		ID:               "INV-1",
		Required:         money.Sats(required),
		Network:          domain.Regtest,
		Purpose:          domain.OnChain,
		MinConfirmations: minConf,
		State:            domain.StatePending,
		Destination: domain.Destination{
			Kind:    domain.OnChain,
			Network: domain.Regtest,
			OnChain: &domain.OnChainDestination{Address: "bcrt1qexample"},
		},
	}
}

func onchain(confs ...int64) domain.Observation {
	obs := domain.Observation{Balance: money.Sats(0), Unconfirmed: money.Sats(0)}
	for i, c := range confs {
		v := money.Sats(50_000)
		obs.Transactions = append(obs.Transactions, domain.Tx{ID: string(rune('a' + i)), Value: v, Confirmations: c})
		if c > 0 {
			obs.Balance.Minor += v.Minor
		} else {
			obs.Unconfirmed.Minor += v.Minor
		}
	}
	return obs
}

func transient() step {
	return step{err: probe.Transient("get", errors.New("connection reset"))}
}

func waitIdle(t *testing.T, m *Monitor) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Active() == 0 }, time.Second, time.Millisecond)
}

func TestDetectedAtDepthStopsWatch(t *testing.T) {
	p := &scripted{steps: []step{{obs: onchain()}, {obs: onchain(3, 6)}}}
	m, c := newMonitor(p, testConfig())

	_, err := m.StartWatching(context.Background(), invoice(100_000, 1))
	require.NoError(t, err)
	waitIdle(t, m)

	assert.Equal(t, []domain.EventType{domain.EventPaymentDetected}, c.types())
	assert.True(t, c.first(domain.EventPaymentDetected).MeetsDepth)

	calls := p.Calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, p.Calls(), "no probe calls after the watch ended")
}

func TestBelowDepthThenDepthSatisfied(t *testing.T) {
	p := &scripted{steps: []step{
		{obs: onchain(0, 0)},
		{obs: onchain(1, 0)},
		{obs: onchain(1, 0)},
		{obs: onchain(2, 1)},
	}}
	m, c := newMonitor(p, testConfig())

	_, err := m.StartWatching(context.Background(), invoice(100_000, 1))
	require.NoError(t, err)
	waitIdle(t, m)

	assert.Equal(t, []domain.EventType{domain.EventPaymentDetected, domain.EventDepthSatisfied}, c.types())
	assert.False(t, c.first(domain.EventPaymentDetected).MeetsDepth)
	assert.Equal(t, 4, p.Calls())
}

func TestZeroConfirmationsAcceptsMempool(t *testing.T) {
	p := &scripted{steps: []step{{obs: onchain(0, 0)}}}
	m, c := newMonitor(p, testConfig())

	_, err := m.StartWatching(context.Background(), invoice(100_000, 0))
	require.NoError(t, err)
	waitIdle(t, m)

	assert.True(t, c.first(domain.EventPaymentDetected).MeetsDepth)
}

func TestSufficiencyBoundary(t *testing.T) {
	tests := []struct {
		name     string
		required int64
		detected bool
	}{
		{"exact", 100_000, true},
		{"one below", 100_001, false},
		{"overpaid", 99_000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scripted{steps: []step{{obs: onchain(6, 6)}}}
			m, c := newMonitor(p, testConfig())

			_, err := m.StartWatching(context.Background(), invoice(tt.required, 1))
			require.NoError(t, err)

			if tt.detected {
				waitIdle(t, m)
				assert.Equal(t, 1, c.count(domain.EventPaymentDetected))
				return
			}

			require.Eventually(t, func() bool { return p.Calls() >= 5 }, time.Second, time.Millisecond)
			m.Stop()
			assert.Zero(t, c.count(domain.EventPaymentDetected))
			assert.Equal(t, 1, c.count(domain.EventPartialPayment), "partial reported once per distinct balance")
		})
	}
}

func TestPartialPaymentPerDistinctBalance(t *testing.T) {
	p := &scripted{steps: []step{
		{obs: onchain()},
		{obs: onchain(1)},
		{obs: onchain(1)},
		{obs: onchain(2, 0)},
	}}
	m, c := newMonitor(p, testConfig())

	_, err := m.StartWatching(context.Background(), invoice(150_000, 1))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Calls() >= 8 }, time.Second, time.Millisecond)
	m.Stop()

	assert.Equal(t, 2, c.count(domain.EventPartialPayment))
	assert.Zero(t, c.count(domain.EventPaymentDetected))
}

func TestTransientFailuresBelowThreshold(t *testing.T) {
	steps := []step{}
	for i := 0; i < 5; i++ {
		steps = append(steps, transient())
	}
	steps = append(steps, step{obs: onchain(6, 6)})
	p := &scripted{steps: steps}
	m, c := newMonitor(p, testConfig())

	_, err := m.StartWatching(context.Background(), invoice(100_000, 1))
	require.NoError(t, err)
	waitIdle(t, m)

	assert.Equal(t, []domain.EventType{domain.EventPaymentDetected}, c.types())
	assert.Equal(t, 6, p.Calls())
}

func TestProbeUnavailableEscalatesOncePerStreak(t *testing.T) {
	steps := []step{}
	for i := 0; i < 12; i++ {
		steps = append(steps, transient())
	}
	steps = append(steps, step{obs: onchain()})
	for i := 0; i < 10; i++ {
		steps = append(steps, transient())
	}
	p := &scripted{steps: steps}
	m, c := newMonitor(p, testConfig())

	_, err := m.StartWatching(context.Background(), invoice(100_000, 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.count(domain.EventProbeUnavailable) == 2 }, 2*time.Second, time.Millisecond)
	ev := c.first(domain.EventProbeUnavailable)
	assert.Equal(t, 10, ev.Failures)

	// Polling continues after escalation.
	calls := p.Calls()
	require.Eventually(t, func() bool { return p.Calls() > calls+2 }, time.Second, time.Millisecond)
	m.Stop()
	assert.Equal(t, 2, c.count(domain.EventProbeUnavailable))
}

func TestBackoffSchedule(t *testing.T) {
	m, _ := newMonitor(&scripted{}, Config{PollInterval: 10 * time.Millisecond, MaxInterval: 40 * time.Millisecond})
	w := m.newWatch(context.Background(), 1, invoice(1, 1))

	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, w.backoff.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
	}, got)

	w.backoff.Reset()
	assert.Equal(t, 10*time.Millisecond, w.backoff.NextBackOff())
}

func TestNonRetryableErrorInvalidatesAllocation(t *testing.T) {
	tests := []struct {
		name string
		step step
	}{
		{"not found", step{err: probe.NotFound("get", nil)}},
		{"malformed", step{err: probe.Malformed("decode", errors.New("bad json"))}},
		{"network mismatch", step{err: &probe.Error{Kind: probe.KindNetworkMismatch, Op: "route", Err: errors.New("no backend")}}},
		{"canceled request", step{obs: domain.Observation{Balance: money.Msats(0), Status: domain.SettlementCanceled}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scripted{steps: []step{tt.step}}
			m, c := newMonitor(p, testConfig())

			_, err := m.StartWatching(context.Background(), invoice(100_000, 1))
			require.NoError(t, err)
			waitIdle(t, m)

			assert.Equal(t, []domain.EventType{domain.EventAllocationInvalid}, c.types())
			assert.Equal(t, 1, p.Calls())
		})
	}
}

func TestStopWatchingFromSink(t *testing.T) {
	p := &scripted{steps: []step{{obs: onchain(0, 0)}}}
	var m *Monitor
	var mu sync.Mutex
	var delivered int
	m = New(p, testConfig(), func(ev domain.Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
		m.StopInvoice(ev.InvoiceID)
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := m.StartWatching(context.Background(), invoice(100_000, 6))
	require.NoError(t, err)
	waitIdle(t, m)

	calls := p.Calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, p.Calls())
	mu.Lock()
	assert.Equal(t, 1, delivered)
	mu.Unlock()
}

func TestStopWatchingCancelsInFlightProbe(t *testing.T) {
	entered := make(chan struct{})
	released := make(chan error, 1)
	p := probe.Func(func(ctx context.Context, dest domain.Destination) (domain.Observation, error) {
		close(entered)
		<-ctx.Done()
		released <- ctx.Err()
		return domain.Observation{}, probe.Transient("get", ctx.Err())
	})
	m, c := newMonitor(p, Config{PollInterval: time.Hour, ProbeTimeout: time.Hour})

	h, err := m.StartWatching(context.Background(), invoice(100_000, 1))
	require.NoError(t, err)
	<-entered

	m.StopWatching(h)
	m.StopWatching(h)

	select {
	case err := <-released:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("probe call was not cancelled")
	}
	waitIdle(t, m)
	assert.Empty(t, c.types())
}

func TestStopWatchingWaitsForDelivery(t *testing.T) {
	p := &scripted{steps: []step{{obs: onchain(0)}, {obs: onchain(0, 0)}}}
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var delivered int
	m := New(p, testConfig(), func(ev domain.Event) {
		mu.Lock()
		delivered++
		n := delivered
		mu.Unlock()
		if n == 1 {
			close(entered)
			<-release
		}
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	h, err := m.StartWatching(context.Background(), invoice(100_000, 6))
	require.NoError(t, err)
	<-entered

	returned := make(chan struct{})
	go func() {
		m.StopWatching(h)
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("StopWatching returned while a delivery was in progress")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("StopWatching did not return after the delivery finished")
	}

	waitIdle(t, m)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, delivered)
	mu.Unlock()
}

func TestNudge(t *testing.T) {
	p := &scripted{steps: []step{{obs: onchain()}, {obs: onchain(6, 6)}}}
	m, c := newMonitor(p, Config{PollInterval: time.Hour, ProbeTimeout: time.Second})

	_, err := m.StartWatching(context.Background(), invoice(100_000, 1))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Calls() == 1 }, time.Second, time.Millisecond)

	assert.True(t, m.Nudge("INV-1"))
	waitIdle(t, m)
	assert.Equal(t, 1, c.count(domain.EventPaymentDetected))
	assert.False(t, m.Nudge("INV-1"))
}

func TestStartWatching(t *testing.T) {
	p := &scripted{steps: []step{{obs: onchain()}}}
	m, _ := newMonitor(p, Config{PollInterval: time.Hour})
	defer m.Stop()

	h1, err := m.StartWatching(context.Background(), invoice(100_000, 1))
	require.NoError(t, err)
	h2, err := m.StartWatching(context.Background(), invoice(100_000, 1))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, m.Active())

	noDest := invoice(1, 1)
	noDest.ID = "INV-2"
	noDest.Destination = domain.Destination{}
	_, err = m.StartWatching(context.Background(), noDest)
	assert.ErrorIs(t, err, ErrNoDestination)

	done := invoice(1, 1)
	done.ID = "INV-3"
	done.State = domain.StateConfirmed
	_, err = m.StartWatching(context.Background(), done)
	assert.ErrorIs(t, err, domain.ErrTerminal)
}

func TestWatchOutlivesCallerContext(t *testing.T) {
	p := &scripted{steps: []step{{obs: onchain()}, {obs: onchain()}, {obs: onchain(6, 6)}}}
	m, c := newMonitor(p, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	_, err := m.StartWatching(ctx, invoice(100_000, 1))
	require.NoError(t, err)
	cancel()

	waitIdle(t, m)
	assert.Equal(t, 1, c.count(domain.EventPaymentDetected))
}
