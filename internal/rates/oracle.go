// Package rates quotes BTC exchange rates for display. Quotes never take part
// in deciding whether an invoice is paid.
package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"

	"cryptopay/internal/common/money"
)

// Config holds price oracle settings.
type Config struct {
	BaseURL      string        `envconfig:"RATES_BASE_URL" default:"https://api.coingecko.com/api/v3"`
	Currency     string        `envconfig:"RATES_CURRENCY" default:"usd"`
	TTL          time.Duration `envconfig:"RATES_TTL" default:"1m"`
	Timeout      time.Duration `envconfig:"RATES_TIMEOUT" default:"5s"`
	FallbackRate string        `envconfig:"RATES_FALLBACK_RATE"`
}

// Oracle returns the price of one BTC in a fiat currency.
type Oracle interface {
	Rate(ctx context.Context, currency string) (decimal.Decimal, error)
}

// Static is an Oracle with a fixed rate.
type Static decimal.Decimal

// Rate implements Oracle.
func (s Static) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	return decimal.Decimal(s), nil
}

type cached struct {
	rate    decimal.Decimal
	fetched time.Time
}

// HTTPOracle queries a CoinGecko-compatible simple price endpoint and caches
// answers for the configured TTL.
type HTTPOracle struct {
	config     Config
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[string]cached
}

// NewHTTPOracle creates a new HTTP oracle.
func NewHTTPOracle(cfg Config, logger *slog.Logger) *HTTPOracle {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPOracle{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		clock:      clock.New(),
		logger:     logger,
		cache:      make(map[string]cached),
	}
}

// SetClock replaces the clock used for cache expiry.
func (o *HTTPOracle) SetClock(c clock.Clock) { o.clock = c }

// Rate implements Oracle.
func (o *HTTPOracle) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	currency = strings.ToLower(currency)

	o.mu.Lock()
	c, ok := o.cache[currency]
	o.mu.Unlock()
	if ok && o.clock.Since(c.fetched) < o.config.TTL {
		return c.rate, nil
	}

	rate, err := o.fetch(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}

	o.mu.Lock()
	o.cache[currency] = cached{rate: rate, fetched: o.clock.Now()}
	o.mu.Unlock()
	return rate, nil
}

func (o *HTTPOracle) fetch(ctx context.Context, currency string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/simple/price?ids=bitcoin&vs_currencies=%s", o.config.BaseURL, currency)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return decimal.Zero, fmt.Errorf("price api error: status=%d body=%s", resp.StatusCode, body)
	}

	var prices map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(body, &prices); err != nil {
		return decimal.Zero, fmt.Errorf("unmarshal response: %w", err)
	}
	rate, ok := prices["bitcoin"][currency]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("no bitcoin price in %s", currency)
	}

	o.logger.Debug("rate fetched", "currency", currency, "rate", rate.String())
	return rate, nil
}

// Fallback tries each oracle in turn.
type Fallback []Oracle

// Rate implements Oracle.
func (f Fallback) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	var lastErr error
	for _, o := range f {
		rate, err := o.Rate(ctx, currency)
		if err == nil {
			return rate, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no oracle configured")
	}
	return decimal.Zero, lastErr
}

// NewOracle builds the configured oracle chain.
func NewOracle(cfg Config, logger *slog.Logger) (Oracle, error) {
	chain := Fallback{}
	if cfg.BaseURL != "" {
		chain = append(chain, NewHTTPOracle(cfg, logger))
	}
	if cfg.FallbackRate != "" {
		rate, err := decimal.NewFromString(cfg.FallbackRate)
		if err != nil {
			return nil, fmt.Errorf("parse fallback rate: %w", err)
		}
		chain = append(chain, Static(rate))
	}
	return chain, nil
}

// Display converts amount for display. Errors leave the display empty.
func Display(ctx context.Context, o Oracle, currency string, amount money.Amount) *money.Fiat {
	if o == nil {
		return nil
	}
	rate, err := o.Rate(ctx, currency)
	if err != nil {
		return nil
	}
	fiat := amount.ToFiat(strings.ToUpper(currency), rate)
	return &fiat
}
