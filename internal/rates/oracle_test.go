package rates

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptopay/internal/common/money"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestHTTPOracle(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "bitcoin", r.URL.Query().Get("ids"))
		_, _ = w.Write([]byte(`{"bitcoin":{"eur":60123.45}}`))
	}))
	defer srv.Close()

	o := NewHTTPOracle(Config{BaseURL: srv.URL, TTL: time.Minute, Timeout: time.Second}, discard)
	mock := clock.NewMock()
	o.SetClock(mock)

	rate, err := o.Rate(context.Background(), "EUR")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("60123.45").Equal(rate))

	_, err = o.Rate(context.Background(), "eur")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "cached within ttl")

	mock.Add(2 * time.Minute)
	_, err = o.Rate(context.Background(), "eur")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	_, err = o.Rate(context.Background(), "usd")
	assert.Error(t, err, "currency missing from response")
}

func TestFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	o, err := NewOracle(Config{BaseURL: srv.URL, FallbackRate: "65000", Timeout: time.Second}, discard)
	require.NoError(t, err)

	rate, err := o.Rate(context.Background(), "usd")
	require.NoError(t, err)
	assert.Equal(t, "65000", rate.String())

	_, err = NewOracle(Config{FallbackRate: "abc"}, discard)
	assert.Error(t, err)

	empty, err := NewOracle(Config{}, discard)
	require.NoError(t, err)
	_, err = empty.Rate(context.Background(), "usd")
	assert.Error(t, err)
}

func TestDisplay(t *testing.T) {
	fiat := Display(context.Background(), Static(decimal.NewFromInt(65000)), "usd", money.Sats(100_000))
	require.NotNil(t, fiat)
	assert.Equal(t, "USD", fiat.Currency)
	assert.Equal(t, "65", fiat.Amount.String())

	assert.Nil(t, Display(context.Background(), Fallback{}, "usd", money.Sats(1)))
	assert.Nil(t, Display(context.Background(), nil, "usd", money.Sats(1)))
}
