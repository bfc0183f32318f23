package probe

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptopay/internal/common/money"
	"cryptopay/internal/invoice/domain"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      Kind
		retryable bool
	}{
		{"transient", Transient("get", errors.New("reset")), KindTransient, true},
		{"wrapped transient", fmt.Errorf("observe: %w", Transient("get", errors.New("eof"))), KindTransient, true},
		{"not found", NotFound("get", errors.New("404")), KindNotFound, false},
		{"malformed", Malformed("decode", errors.New("bad json")), KindMalformed, false},
		{"mismatch", &Error{Kind: KindNetworkMismatch, Op: "route", Err: errors.New("x")}, KindNetworkMismatch, false},
		{"deadline", context.DeadlineExceeded, KindTransient, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestNotFoundWrapsSentinel(t *testing.T) {
	assert.ErrorIs(t, NotFound("get", nil), domain.ErrDestinationNotFound)
	assert.ErrorIs(t, NotFound("get", errors.New("gone")), domain.ErrDestinationNotFound)
	assert.ErrorIs(t, NotFound("get", domain.ErrDestinationNotFound), domain.ErrDestinationNotFound)
}

func TestRouter(t *testing.T) {
	r := NewRouter()
	r.Handle(domain.OnChain, domain.Testnet, Func(func(ctx context.Context, d domain.Destination) (domain.Observation, error) {
		return domain.Observation{Balance: money.Sats(7)}, nil
	}))

	assert.True(t, r.Supports(domain.OnChain, domain.Testnet))
	assert.False(t, r.Supports(domain.OnChain, domain.Mainnet))
	assert.False(t, r.Supports(domain.OffChain, domain.Testnet))

	obs, err := r.Observe(context.Background(), domain.Destination{Kind: domain.OnChain, Network: domain.Testnet})
	require.NoError(t, err)
	assert.Equal(t, money.Sats(7), obs.Balance)

	_, err = r.Observe(context.Background(), domain.Destination{Kind: domain.OnChain, Network: domain.Mainnet})
	assert.Equal(t, KindNetworkMismatch, KindOf(err))
}

func TestLimited(t *testing.T) {
	var inFlight, peak atomic.Int64
	release := make(chan struct{})

	slow := Func(func(ctx context.Context, d domain.Destination) (domain.Observation, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		return domain.Observation{}, nil
	})

	l := NewLimited(slow, 2)
	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := l.Observe(context.Background(), domain.Destination{})
			done <- err
		}()
	}

	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := l.Observe(ctx, domain.Destination{})
	assert.True(t, IsRetryable(err))

	close(release)
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}
	assert.Equal(t, int64(2), peak.Load())
}
