package monitor

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"cryptopay/internal/invoice/domain"
)

// watch is the state of one polling goroutine. Fields below mu are owned by
// the goroutine and need no locking.
type watch struct {
	id      uint64
	invoice domain.Invoice
	minConf int64
	ctx     context.Context
	cancel  context.CancelFunc
	nudge   chan struct{}

	mu      sync.Mutex
	stopped bool

	// delivering is held while the sink runs. goroutine is the id of the
	// watch goroutine, the only one that delivers.
	delivering sync.Mutex
	goroutine  atomic.Uint64

	detected       bool
	partial        int64
	overpaidLogged bool
	failures       int
	escalated      bool
	history        *multierror.Error
	backoff        *backoff.ExponentialBackOff
}

func (w *watch) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	w.cancel()
}

func (w *watch) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// deliver hands ev to sink unless the watch was stopped. It reports whether
// the watch is still running afterwards, which is false when the sink
// stopped it.
func (w *watch) deliver(sink Sink, ev domain.Event) bool {
	w.delivering.Lock()
	defer w.delivering.Unlock()
	if w.isStopped() {
		return false
	}
	sink(ev)
	return !w.isStopped()
}

// stopAndWait stops the watch and waits out a delivery in progress, unless
// the caller is the sink itself.
func (w *watch) stopAndWait() {
	w.stop()
	if w.goroutine.Load() == goroutineID() {
		return
	}
	w.delivering.Lock()
	w.delivering.Unlock()
}

// goroutineID returns the id of the calling goroutine as printed in stack
// traces.
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
