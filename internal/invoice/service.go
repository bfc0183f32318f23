// Package invoice runs the payment confirmation lifecycle of invoices.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"cryptopay/internal/common/events"
	"cryptopay/internal/common/money"
	"cryptopay/internal/invoice/allocator"
	"cryptopay/internal/invoice/domain"
	"cryptopay/internal/invoice/expiry"
	"cryptopay/internal/invoice/machine"
	"cryptopay/internal/invoice/monitor"
	"cryptopay/internal/invoice/notify"
	"cryptopay/internal/invoice/store"
	"cryptopay/internal/rates"
)

var (
	ErrInvalidExpiry        = errors.New("invalid expiry window")
	ErrInvalidConfirmations = errors.New("invalid confirmation depth")
)

// Config holds service configuration.
type Config struct {
	DefaultExpiry   time.Duration `envconfig:"INVOICE_DEFAULT_EXPIRY" default:"15m"`
	MinExpiry       time.Duration `envconfig:"INVOICE_MIN_EXPIRY" default:"1m"`
	MaxExpiry       time.Duration `envconfig:"INVOICE_MAX_EXPIRY" default:"168h"`
	DisplayCurrency string        `envconfig:"INVOICE_DISPLAY_CURRENCY" default:"usd"`
	ExplorerMainnet string        `envconfig:"INVOICE_EXPLORER_MAINNET_URL" default:"https://mempool.space"`
	ExplorerTestnet string        `envconfig:"INVOICE_EXPLORER_TESTNET_URL" default:"https://mempool.space/testnet"`
	ExplorerSignet  string        `envconfig:"INVOICE_EXPLORER_SIGNET_URL" default:"https://mempool.space/signet"`
	RecoverWorkers  int           `envconfig:"INVOICE_RECOVER_WORKERS" default:"8"`

	// DefaultConfirmations applies to on-chain invoices created without an
	// explicit depth. It mirrors the monitor setting.
	DefaultConfirmations int64 `ignored:"true"`
}

// Allocator allocates settlement destinations.
type Allocator interface {
	Allocate(ctx context.Context, req allocator.Request) (domain.Destination, error)
}

// Watcher observes the ledger for watched invoices.
type Watcher interface {
	StartWatching(ctx context.Context, inv domain.Invoice) (monitor.Handle, error)
	StopInvoice(invoiceID string)
	Nudge(invoiceID string) bool
}

// Scheduler arms invoice deadlines.
type Scheduler interface {
	Schedule(invoiceID string, deadline time.Time) expiry.Handle
	Cancel(h expiry.Handle) bool
}

// Notifier announces terminal transitions.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) bool
}

// Service orchestrates allocation, monitoring, expiry and notification for
// invoices. Each open invoice owns one state machine; events for it are
// queued in a mailbox and applied by a single drainer at a time.
type Service struct {
	config    Config
	policy    machine.Policy
	store     store.Store
	allocator Allocator
	clock     clock.Clock
	logger    *slog.Logger

	watcher   Watcher
	timer     Scheduler
	notifier  Notifier
	publisher events.EventPublisher
	oracle    rates.Oracle

	mu      sync.Mutex
	tracked map[string]*tracked
	wg      sync.WaitGroup

	// ctx bounds store retries. It is cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a new invoice service.
func NewService(cfg Config, st store.Store, alloc Allocator, policy machine.Policy, logger *slog.Logger) *Service {
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = 15 * time.Minute
	}
	if cfg.RecoverWorkers <= 0 {
		cfg.RecoverWorkers = 8
	}
	if cfg.DefaultConfirmations <= 0 {
		cfg.DefaultConfirmations = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		ctx:       ctx,
		cancel:    cancel,
		config:    cfg,
		policy:    policy,
		store:     st,
		allocator: alloc,
		clock:     clock.New(),
		logger:    logger,
		tracked:   make(map[string]*tracked),
	}
}

// SetWatcher sets the payment monitor.
func (s *Service) SetWatcher(w Watcher) { s.watcher = w }

// SetScheduler sets the expiry timer.
func (s *Service) SetScheduler(t Scheduler) { s.timer = t }

// SetNotifier sets the terminal notification emitter.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SetPublisher sets the event publisher for lifecycle events.
func (s *Service) SetPublisher(p events.EventPublisher) { s.publisher = p }

// SetOracle sets the price oracle used for display amounts.
func (s *Service) SetOracle(o rates.Oracle) { s.oracle = o }

// SetClock replaces the clock used for timestamps.
func (s *Service) SetClock(c clock.Clock) { s.clock = c }

// CreateInvoiceRequest is the request to create an invoice.
type CreateInvoiceRequest struct {
	// InvoiceID is optional; a ULID is generated when empty.
	InvoiceID    string
	AmountMinor  int64
	Network      string
	Purpose      string
	ExpiryWindow time.Duration
	// MinConfirmations overrides the default depth for on-chain invoices.
	MinConfirmations *int64
	Memo             string
}

// CreateInvoice allocates a destination for a new invoice and starts
// watching it. Repeating a request with the same invoice ID returns the
// stored invoice.
func (s *Service) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*domain.Invoice, error) {
	id := req.InvoiceID
	if id == "" {
		id = ulid.Make().String()
	}
	if err := domain.ValidateInvoiceID(id); err != nil {
		return nil, err
	}
	network, err := domain.ParseNetwork(req.Network)
	if err != nil {
		return nil, err
	}
	purpose, err := domain.ParsePurpose(req.Purpose)
	if err != nil {
		return nil, err
	}
	if req.AmountMinor <= 0 {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidAmount, req.AmountMinor)
	}

	window := req.ExpiryWindow
	if window == 0 {
		window = s.config.DefaultExpiry
	}
	if window < 0 || (s.config.MinExpiry > 0 && window < s.config.MinExpiry) ||
		(s.config.MaxExpiry > 0 && window > s.config.MaxExpiry) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidExpiry, window)
	}

	minConf := s.config.DefaultConfirmations
	if req.MinConfirmations != nil {
		if *req.MinConfirmations < 0 {
			return nil, fmt.Errorf("%w: %d", ErrInvalidConfirmations, *req.MinConfirmations)
		}
		minConf = *req.MinConfirmations
	}
	if purpose == domain.OffChain {
		minConf = 0
	}

	existing, err := s.store.GetInvoice(ctx, id)
	switch {
	case err == nil:
		if existing.Network == network && existing.Purpose == purpose && existing.Required.Minor == req.AmountMinor {
			s.logger.Info("returning existing invoice", "invoice_id", id)
			return existing, nil
		}
		return nil, fmt.Errorf("create invoice %s: %w", id, domain.ErrAlreadyExists)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("create invoice %s: %w", id, err)
	}

	now := s.clock.Now().UTC()
	inv := &domain.Invoice{
		ID:               id,
		Required:         money.New(req.AmountMinor, purpose.Unit()),
		Network:          network,
		Purpose:          purpose,
		MinConfirmations: minConf,
		Memo:             req.Memo,
		State:            domain.StatePending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(window),
		UpdatedAt:        now,
	}

	dest, err := s.allocator.Allocate(ctx, allocator.Request{
		InvoiceID: id,
		Network:   network,
		Purpose:   purpose,
		Amount:    inv.Required,
		ExpiresAt: inv.ExpiresAt,
		Memo:      req.Memo,
	})
	if err != nil {
		return nil, fmt.Errorf("allocate destination: %w", err)
	}
	inv.Destination = dest

	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}

	s.logger.Info("invoice created",
		"invoice_id", inv.ID,
		"network", inv.Network,
		"purpose", inv.Purpose,
		"required", inv.Required.String(),
		"destination", dest.Key(),
		"expires_at", inv.ExpiresAt,
	)
	s.publishCreated(ctx, inv)

	if err := s.track(ctx, *inv, nil); err != nil {
		return nil, err
	}
	return inv, nil
}

// Status is the read-only view of an invoice.
type Status struct {
	InvoiceID       string               `json:"invoice_id"`
	State           domain.State         `json:"state"`
	FailureReason   domain.FailureReason `json:"failure_reason,omitempty"`
	Required        money.Amount         `json:"required"`
	Network         domain.Network       `json:"network"`
	Destination     domain.Destination   `json:"destination"`
	LastObservation *domain.Observation  `json:"last_observation,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	ExpiresAt       time.Time            `json:"expires_at"`
	Watching        bool                 `json:"watching"`
	History         []domain.Transition  `json:"history"`
	Display         *money.Fiat          `json:"display,omitempty"`
	ExplorerURL     string               `json:"explorer_url,omitempty"`
}

// GetStatus returns the current state of an invoice. Open invoices are
// answered from their live state machine.
func (s *Service) GetStatus(ctx context.Context, id string) (*Status, error) {
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := s.store.ListTransitions(ctx, id)
	if err != nil {
		return nil, err
	}

	st := &Status{
		InvoiceID:       inv.ID,
		State:           inv.State,
		FailureReason:   inv.FailureReason,
		Required:        inv.Required,
		Network:         inv.Network,
		Destination:     inv.Destination,
		LastObservation: inv.LastObservation,
		CreatedAt:       inv.CreatedAt,
		ExpiresAt:       inv.ExpiresAt,
		History:         history,
		ExplorerURL:     s.explorerURL(inv.Destination),
	}

	if t := s.lookup(id); t != nil {
		st.State = t.machine.State()
		st.FailureReason = t.machine.FailureReason()
		st.History = t.machine.History()
		st.Watching = !st.State.IsTerminal()
		if obs := t.observation(); obs != nil {
			st.LastObservation = obs
		}
	}
	if st.History == nil {
		st.History = []domain.Transition{}
	}

	st.Display = rates.Display(ctx, s.oracle, s.config.DisplayCurrency, inv.Required)
	return st, nil
}

// ListTransitions returns the persisted transition log of an invoice.
func (s *Service) ListTransitions(ctx context.Context, id string) ([]domain.Transition, error) {
	return s.store.ListTransitions(ctx, id)
}

// CancelWatch stops monitoring an invoice and disarms its deadline without
// changing its state. It is used when the invoice is withdrawn.
func (s *Service) CancelWatch(ctx context.Context, id string) error {
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.CancelWatch(ctx, id, s.clock.Now()); err != nil {
		return err
	}

	t := s.untrack(id)
	if t == nil {
		return nil
	}
	s.stopTracking(t)

	s.logger.Info("watch cancelled",
		"invoice_id", id,
		"state", inv.State,
	)
	return nil
}

// Nudge asks the monitor to poll an invoice now. It returns false when the
// invoice is not being watched.
func (s *Service) Nudge(id string) bool {
	if s.watcher == nil || s.lookup(id) == nil {
		return false
	}
	return s.watcher.Nudge(id)
}

// Recover resumes every open invoice after a restart. Machines are restored
// from the stored transition log before their deadlines and watches are
// re-armed; deadlines that passed while down fire immediately.
func (s *Service) Recover(ctx context.Context) (int, error) {
	open, err := s.store.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open invoices: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.RecoverWorkers)
	for _, inv := range open {
		inv := inv
		g.Go(func() error {
			history, err := s.store.ListTransitions(gctx, inv.ID)
			if err != nil {
				return fmt.Errorf("recover %s: %w", inv.ID, err)
			}
			if err := s.track(gctx, *inv, history); err != nil {
				return fmt.Errorf("recover %s: %w", inv.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	s.logger.Info("open invoices recovered", "count", len(open))
	return len(open), nil
}

// Stop abandons store retries of transitions that could not be saved.
// Invoices whose terminal transition was never stored are not announced and
// are resumed by Recover on the next start.
func (s *Service) Stop() {
	s.cancel()
}

// Wait blocks until queued events have been applied or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for invoice events: %w", ctx.Err())
	}
}

// Tracked returns the number of invoices with a live state machine.
func (s *Service) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked)
}

func (s *Service) explorerURL(dest domain.Destination) string {
	if dest.OnChain == nil {
		return ""
	}
	var base string
	switch dest.Network {
	case domain.Mainnet:
		base = s.config.ExplorerMainnet
	case domain.Testnet:
		base = s.config.ExplorerTestnet
	case domain.Signet:
		base = s.config.ExplorerSignet
	}
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/address/" + dest.OnChain.Address
}
