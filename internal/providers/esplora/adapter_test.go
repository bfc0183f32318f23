package esplora

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptopay/internal/common/money"
	"cryptopay/internal/invoice/domain"
	"cryptopay/internal/invoice/probe"
)

const addr = "bcrt1qtestaddress"

func dest(network domain.Network) domain.Destination {
	return domain.Destination{
		Kind:    domain.OnChain,
		Network: network,
		OnChain: &domain.OnChainDestination{Address: addr},
	}
}

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	a := NewAdapter(Config{BaseURL: srv.URL + "/", Network: domain.Regtest}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	a.SetClock(mock)
	return a
}

func TestObserve(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/address/" + addr + "/txs":
			_, _ = w.Write([]byte(`[
				{"txid":"mempool","status":{"confirmed":false},"vout":[{"scriptpubkey_address":"` + addr + `","value":5000}]},
				{"txid":"deep","status":{"confirmed":true,"block_height":95,"block_time":1714564800},
				 "vout":[{"scriptpubkey_address":"` + addr + `","value":60000},{"scriptpubkey_address":"change","value":1}]},
				{"txid":"shallow","status":{"confirmed":true,"block_height":100},"vout":[{"scriptpubkey_address":"` + addr + `","value":40000}]},
				{"txid":"unrelated","status":{"confirmed":true,"block_height":90},"vout":[{"scriptpubkey_address":"other","value":1}]}
			]`))
		case "/blocks/tip/height":
			_, _ = w.Write([]byte("100\n"))
		default:
			http.NotFound(w, r)
		}
	})

	obs, err := a.Observe(context.Background(), dest(domain.Regtest))
	require.NoError(t, err)

	assert.Equal(t, money.Sats(100_000), obs.Balance)
	assert.Equal(t, money.Sats(5_000), obs.Unconfirmed)
	require.Len(t, obs.Transactions, 3)
	assert.Equal(t, int64(0), obs.Transactions[0].Confirmations)
	assert.Equal(t, int64(6), obs.Transactions[1].Confirmations)
	assert.Equal(t, int64(1), obs.Transactions[2].Confirmations)

	assert.Equal(t, money.Sats(60_000), obs.DepthBalance(6))
	assert.Equal(t, money.Sats(105_000), obs.Seen())
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), obs.ObservedAt)
}

func TestObserveErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   probe.Kind
	}{
		{"server error", http.StatusBadGateway, "upstream", probe.KindTransient},
		{"rate limited", http.StatusTooManyRequests, "slow down", probe.KindTransient},
		{"invalid address", http.StatusBadRequest, "Invalid Bitcoin address", probe.KindNotFound},
		{"garbage body", http.StatusOK, "<html>", probe.KindMalformed},
		{"forbidden", http.StatusForbidden, "nope", probe.KindMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := a.Observe(context.Background(), dest(domain.Regtest))
			require.Error(t, err)
			assert.Equal(t, tt.want, probe.KindOf(err))
		})
	}
}

func TestObserveTimeoutIsTransient(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Observe(ctx, dest(domain.Regtest))
	require.Error(t, err)
	assert.True(t, probe.IsRetryable(err))
}

func TestObserveWrongNetwork(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := a.Observe(context.Background(), dest(domain.Mainnet))
	assert.Equal(t, probe.KindNetworkMismatch, probe.KindOf(err))
}
