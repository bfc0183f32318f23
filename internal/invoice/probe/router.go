package probe

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"cryptopay/internal/invoice/domain"
)

type routeKey struct {
	kind    domain.Purpose
	network domain.Network
}

// Router dispatches observations to the backend registered for the
// destination's kind and network.
type Router struct {
	mu     sync.RWMutex
	routes map[routeKey]Probe
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[routeKey]Probe)}
}

// Handle registers p for destinations of kind on network.
func (r *Router) Handle(kind domain.Purpose, network domain.Network, p Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey{kind, network}] = p
}

// Supports reports whether a backend is registered.
func (r *Router) Supports(kind domain.Purpose, network domain.Network) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routes[routeKey{kind, network}]
	return ok
}

// Observe implements Probe.
func (r *Router) Observe(ctx context.Context, dest domain.Destination) (domain.Observation, error) {
	r.mu.RLock()
	p, ok := r.routes[routeKey{dest.Kind, dest.Network}]
	r.mu.RUnlock()
	if !ok {
		return domain.Observation{}, &Error{
			Kind: KindNetworkMismatch,
			Op:   "route",
			Err:  fmt.Errorf("no %s backend for %s", dest.Kind, dest.Network),
		}
	}
	return p.Observe(ctx, dest)
}

// Limited caps the number of outstanding calls to the wrapped probe. It is
// the one resource shared by every watched invoice.
type Limited struct {
	probe Probe
	sem   *semaphore.Weighted
}

// NewLimited wraps p so that at most n observations run at once.
func NewLimited(p Probe, n int64) *Limited {
	if n <= 0 {
		n = 1
	}
	return &Limited{probe: p, sem: semaphore.NewWeighted(n)}
}

// Observe implements Probe. Waiting for a slot counts against the caller's
// deadline, so a saturated pool surfaces as a transient timeout.
func (l *Limited) Observe(ctx context.Context, dest domain.Destination) (domain.Observation, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return domain.Observation{}, Transient("acquire", err)
	}
	defer l.sem.Release(1)
	return l.probe.Observe(ctx, dest)
}
