package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cryptopay/internal/invoice/domain"
)

// Memory implements Store in process memory.
type Memory struct {
	mu          sync.RWMutex
	invoices    map[string]domain.Invoice
	transitions map[string][]domain.Transition
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		invoices:    make(map[string]domain.Invoice),
		transitions: make(map[string][]domain.Transition),
	}
}

func (m *Memory) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.invoices[inv.ID]; ok {
		return fmt.Errorf("create invoice %s: %w", inv.ID, domain.ErrAlreadyExists)
	}
	m.invoices[inv.ID] = clone(*inv)
	return nil
}

func (m *Memory) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invoices[id]
	if !ok {
		return nil, fmt.Errorf("get invoice %s: %w", id, domain.ErrNotFound)
	}
	out := clone(inv)
	return &out, nil
}

func (m *Memory) SaveObservation(ctx context.Context, id string, obs domain.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[id]
	if !ok {
		return fmt.Errorf("save observation %s: %w", id, domain.ErrNotFound)
	}
	inv.LastObservation = &obs
	m.invoices[id] = clone(inv)
	return nil
}

func (m *Memory) AppendTransitions(ctx context.Context, inv *domain.Invoice, ts []domain.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.invoices[inv.ID]
	if !ok {
		return fmt.Errorf("append transitions %s: %w", inv.ID, domain.ErrNotFound)
	}

	log := m.transitions[inv.ID]
	for i, t := range ts {
		if t.Seq != len(log)+i+1 {
			return fmt.Errorf("append transitions %s: seq %d: %w", inv.ID, t.Seq, ErrSequence)
		}
	}

	stored.State = inv.State
	stored.FailureReason = inv.FailureReason
	stored.UpdatedAt = inv.UpdatedAt
	if inv.LastObservation != nil {
		obs := *inv.LastObservation
		stored.LastObservation = &obs
	}
	m.invoices[inv.ID] = clone(stored)
	m.transitions[inv.ID] = append(log, ts...)
	return nil
}

func (m *Memory) ListTransitions(ctx context.Context, id string) ([]domain.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.invoices[id]; !ok {
		return nil, fmt.Errorf("list transitions %s: %w", id, domain.ErrNotFound)
	}
	return append([]domain.Transition(nil), m.transitions[id]...), nil
}

func (m *Memory) CancelWatch(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[id]
	if !ok {
		return fmt.Errorf("cancel watch %s: %w", id, domain.ErrNotFound)
	}
	if inv.State.IsTerminal() || inv.WatchCancelledAt != nil {
		return nil
	}
	at = at.UTC()
	inv.WatchCancelledAt = &at
	inv.UpdatedAt = at
	m.invoices[id] = inv
	return nil
}

func (m *Memory) ListOpen(ctx context.Context) ([]*domain.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Invoice
	for _, inv := range m.invoices {
		if inv.State.IsTerminal() || inv.WatchCancelledAt != nil {
			continue
		}
		c := clone(inv)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// clone copies the pointer fields so callers cannot alias stored state.
func clone(inv domain.Invoice) domain.Invoice {
	if inv.LastObservation != nil {
		obs := *inv.LastObservation
		obs.Transactions = append([]domain.Tx(nil), obs.Transactions...)
		inv.LastObservation = &obs
	}
	if inv.WatchCancelledAt != nil {
		at := *inv.WatchCancelledAt
		inv.WatchCancelledAt = &at
	}
	if inv.Destination.OnChain != nil {
		oc := *inv.Destination.OnChain
		oc.Indices = append([]uint32(nil), oc.Indices...)
		inv.Destination.OnChain = &oc
	}
	if inv.Destination.OffChain != nil {
		off := *inv.Destination.OffChain
		inv.Destination.OffChain = &off
	}
	return inv
}

var _ Store = (*Memory)(nil)
