// Package notify forwards terminal invoice transitions to external
// collaborators, at most once per invoice.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"cryptopay/internal/invoice/domain"
)

// Config holds notification settings.
type Config struct {
	WebhookURL     string        `envconfig:"NOTIFY_WEBHOOK_URL"`
	WebhookSecret  string        `envconfig:"NOTIFY_WEBHOOK_SECRET"`
	MaxAttempts    uint64        `envconfig:"NOTIFY_MAX_ATTEMPTS" default:"5"`
	InitialBackoff time.Duration `envconfig:"NOTIFY_INITIAL_BACKOFF" default:"500ms"`
	MaxBackoff     time.Duration `envconfig:"NOTIFY_MAX_BACKOFF" default:"30s"`
	Timeout        time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"10s"`
}

// Notification is the payload delivered for a terminal transition.
type Notification struct {
	InvoiceID        string               `json:"invoice_id"`
	State            domain.State         `json:"state"`
	Reason           domain.FailureReason `json:"reason,omitempty"`
	FinalObservation *domain.Observation  `json:"final_observation,omitempty"`
	Timestamp        time.Time            `json:"timestamp"`
}

// Sink delivers notifications to one collaborator. Collaborators are
// expected to handle redelivery idempotently.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// Once remembers which invoices have been notified.
type Once struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewOnce creates an empty guard.
func NewOnce() *Once {
	return &Once{seen: make(map[string]struct{})}
}

// First reports whether this is the first call for id.
func (o *Once) First(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.seen[id]; ok {
		return false
	}
	o.seen[id] = struct{}{}
	return true
}

// Emitter fans notifications out to its sinks in the background.
type Emitter struct {
	sinks  []Sink
	once   *Once
	config Config
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewEmitter creates an emitter delivering to sinks.
func NewEmitter(cfg Config, logger *slog.Logger, sinks ...Sink) *Emitter {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Emitter{
		sinks:  sinks,
		once:   NewOnce(),
		config: cfg,
		logger: logger,
	}
}

// Notify schedules delivery of n. Only the first call per invoice does
// anything; it returns false for repeats. Delivery failures are logged and
// never reported back to the caller.
func (e *Emitter) Notify(ctx context.Context, n Notification) bool {
	if !e.once.First(n.InvoiceID) {
		e.logger.Warn("duplicate notification suppressed",
			"invoice_id", n.InvoiceID,
			"state", n.State,
		)
		return false
	}

	ctx = context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.fanOut(ctx, n)
	}()
	return true
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (e *Emitter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for notifications: %w", ctx.Err())
	}
}

func (e *Emitter) fanOut(ctx context.Context, n Notification) {
	var g multierror.Group
	for _, sink := range e.sinks {
		sink := sink
		g.Go(func() error {
			if err := e.deliver(ctx, sink, n); err != nil {
				return fmt.Errorf("%s: %w", sink.Name(), err)
			}
			return nil
		})
	}

	if err := g.Wait().ErrorOrNil(); err != nil {
		e.logger.Error("notification delivery failed",
			"invoice_id", n.InvoiceID,
			"state", n.State,
			"error", err,
		)
		return
	}
	e.logger.Info("notification delivered",
		"invoice_id", n.InvoiceID,
		"state", n.State,
		"sinks", len(e.sinks),
	)
}

func (e *Emitter) deliver(ctx context.Context, sink Sink, n Notification) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(e.config.InitialBackoff),
		backoff.WithMaxInterval(e.config.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	), e.config.MaxAttempts-1), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
		return sink.Deliver(actx, n)
	}, b, func(err error, wait time.Duration) {
		e.logger.Warn("notification attempt failed",
			"invoice_id", n.InvoiceID,
			"sink", sink.Name(),
			"attempt", attempt,
			"retry_in", wait,
			"error", err,
		)
	})
}
