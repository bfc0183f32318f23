// Package esplora provides an on-chain ledger probe backed by the Esplora
// HTTP API (blockstream.info, mempool.space, electrs).
package esplora

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/benbjohnson/clock"

	"cryptopay/internal/common/money"
	"cryptopay/internal/invoice/domain"
	"cryptopay/internal/invoice/probe"
)

// chainPageSize is how many confirmed transactions Esplora returns per page.
const chainPageSize = 25

// maxPages bounds pagination for addresses with long histories.
const maxPages = 8

// Config holds Esplora adapter configuration.
type Config struct {
	BaseURL string
	Network domain.Network
}

// TxStatus is the confirmation status of a transaction.
type TxStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height,omitempty"`
	BlockTime   int64 `json:"block_time,omitempty"`
}

// TxOut is a transaction output.
type TxOut struct {
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"`
}

// Tx is a transaction as returned by /address/{a}/txs.
type Tx struct {
	TxID   string   `json:"txid"`
	Status TxStatus `json:"status"`
	Vout   []TxOut  `json:"vout"`
}

// Adapter implements probe.Probe for on-chain destinations.
type Adapter struct {
	config     Config
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger
}

// NewAdapter creates a new Esplora adapter. The HTTP client carries no
// timeout of its own; each call is bounded by the caller's context.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Adapter{
		config:     cfg,
		httpClient: &http.Client{},
		clock:      clock.New(),
		logger:     logger,
	}
}

// SetClock replaces the clock used to stamp observations.
func (a *Adapter) SetClock(c clock.Clock) { a.clock = c }

// Observe implements probe.Probe.
func (a *Adapter) Observe(ctx context.Context, dest domain.Destination) (domain.Observation, error) {
	if dest.OnChain == nil || dest.Kind != domain.OnChain {
		return domain.Observation{}, probe.Malformed("esplora.observe", errors.New("not an on-chain destination"))
	}
	if dest.Network != a.config.Network {
		return domain.Observation{}, &probe.Error{
			Kind: probe.KindNetworkMismatch,
			Op:   "esplora.observe",
			Err:  fmt.Errorf("backend serves %s, destination is on %s", a.config.Network, dest.Network),
		}
	}
	address := dest.OnChain.Address

	txs, err := a.addressTxs(ctx, address)
	if err != nil {
		return domain.Observation{}, err
	}
	tip, err := a.tipHeight(ctx)
	if err != nil {
		return domain.Observation{}, err
	}

	obs := domain.Observation{
		Balance:     money.Zero(money.Sat),
		Unconfirmed: money.Zero(money.Sat),
		ObservedAt:  a.clock.Now().UTC(),
	}
	for _, tx := range txs {
		var value int64
		for _, out := range tx.Vout {
			if out.ScriptPubKeyAddress == address {
				value += out.Value
			}
		}
		if value == 0 {
			continue
		}

		var confs int64
		if tx.Status.Confirmed && tx.Status.BlockHeight > 0 {
			confs = tip - tx.Status.BlockHeight + 1
			if confs < 1 {
				// tip lagging behind the tx index
				confs = 1
			}
			obs.Balance.Minor += value
		} else {
			obs.Unconfirmed.Minor += value
		}
		obs.Transactions = append(obs.Transactions, domain.Tx{
			ID:            tx.TxID,
			Value:         money.Sats(value),
			Confirmations: confs,
		})
	}

	return obs, nil
}

func (a *Adapter) addressTxs(ctx context.Context, address string) ([]Tx, error) {
	var all []Tx

	body, err := a.get(ctx, "/address/"+address+"/txs")
	if err != nil {
		return nil, err
	}
	var page []Tx
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, probe.Malformed("esplora.txs", fmt.Errorf("unmarshal response: %w", err))
	}
	all = append(all, page...)

	confirmed := countConfirmed(page)
	for i := 0; confirmed == chainPageSize && i < maxPages; i++ {
		last := page[len(page)-1].TxID
		body, err := a.get(ctx, "/address/"+address+"/txs/chain/"+last)
		if err != nil {
			return nil, err
		}
		page = nil
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, probe.Malformed("esplora.txs", fmt.Errorf("unmarshal response: %w", err))
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		confirmed = len(page)
	}
	return all, nil
}

func countConfirmed(txs []Tx) int {
	n := 0
	for _, tx := range txs {
		if tx.Status.Confirmed {
			n++
		}
	}
	return n
}

func (a *Adapter) tipHeight(ctx context.Context) (int64, error) {
	body, err := a.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, probe.Malformed("esplora.tip", fmt.Errorf("parse tip height: %w", err))
	}
	return height, nil
}

func (a *Adapter) get(ctx context.Context, path string) ([]byte, error) {
	op := "esplora.get"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+path, nil)
	if err != nil {
		return nil, probe.Malformed(op, fmt.Errorf("create request: %w", err))
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, probe.Transient(op, fmt.Errorf("http request: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, probe.Transient(op, fmt.Errorf("read response: %w", err))
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500:
		return nil, probe.Transient(op, fmt.Errorf("esplora api error: status=%d body=%s", httpResp.StatusCode, truncate(respBody)))
	case httpResp.StatusCode == http.StatusNotFound || httpResp.StatusCode == http.StatusBadRequest:
		// Esplora answers 400 "Invalid Bitcoin address" for addresses of another network
		return nil, probe.NotFound(op, fmt.Errorf("status=%d body=%s", httpResp.StatusCode, truncate(respBody)))
	case httpResp.StatusCode >= 400:
		return nil, probe.Malformed(op, fmt.Errorf("esplora api error: status=%d body=%s", httpResp.StatusCode, truncate(respBody)))
	}

	return respBody, nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

var _ probe.Probe = (*Adapter)(nil)
