// Package lnd provides an off-chain payment request backend and ledger probe
// over the LND REST API.
package lnd

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"cryptopay/internal/common/money"
	"cryptopay/internal/invoice/allocator"
	"cryptopay/internal/invoice/domain"
	"cryptopay/internal/invoice/probe"
)

// Config holds LND adapter configuration.
type Config struct {
	BaseURL     string
	MacaroonHex string
	Network     domain.Network
	InsecureTLS bool
}

// InvoiceState is the LND invoice state.
type InvoiceState string

const (
	StateOpen     InvoiceState = "OPEN"
	StateSettled  InvoiceState = "SETTLED"
	StateCanceled InvoiceState = "CANCELED"
	StateAccepted InvoiceState = "ACCEPTED"
)

// Invoice is the subset of lnrpc.Invoice the adapter reads.
type Invoice struct {
	Memo           string       `json:"memo"`
	RHash          string       `json:"r_hash"`
	ValueMsat      int64        `json:"value_msat,string"`
	CreationDate   int64        `json:"creation_date,string"`
	SettleDate     int64        `json:"settle_date,string"`
	PaymentRequest string       `json:"payment_request"`
	Expiry         int64        `json:"expiry,string"`
	AmtPaidMsat    int64        `json:"amt_paid_msat,string"`
	State          InvoiceState `json:"state"`
}

// AddInvoiceRequest is the body of POST /v1/invoices.
type AddInvoiceRequest struct {
	Memo      string `json:"memo,omitempty"`
	RPreimage string `json:"r_preimage"`
	ValueMsat int64  `json:"value_msat,string"`
	Expiry    int64  `json:"expiry,string"`
}

// AddInvoiceResponse is the response of POST /v1/invoices.
type AddInvoiceResponse struct {
	RHash          string `json:"r_hash"`
	PaymentRequest string `json:"payment_request"`
	AddIndex       string `json:"add_index"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Adapter implements allocator.InvoiceCreator and probe.Probe.
type Adapter struct {
	config     Config
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger
}

// NewAdapter creates a new LND adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		// LND ships a self-signed certificate by default
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Adapter{
		config:     cfg,
		httpClient: &http.Client{Transport: transport},
		clock:      clock.New(),
		logger:     logger,
	}
}

// SetClock replaces the clock used to stamp observations.
func (a *Adapter) SetClock(c clock.Clock) { a.clock = c }

// Network returns the network the node runs on.
func (a *Adapter) Network() domain.Network { return a.config.Network }

// LookupInvoice implements allocator.InvoiceCreator.
func (a *Adapter) LookupInvoice(ctx context.Context, paymentHash []byte) (domain.OffChainDestination, error) {
	inv, err := a.lookup(ctx, hex.EncodeToString(paymentHash))
	if err != nil {
		return domain.OffChainDestination{}, err
	}
	return toDestination(inv), nil
}

// AddInvoice implements allocator.InvoiceCreator.
func (a *Adapter) AddInvoice(ctx context.Context, params allocator.InvoiceParams) error {
	if params.Network != "" && params.Network != a.config.Network {
		return fmt.Errorf("lnd node runs on %s, not %s", a.config.Network, params.Network)
	}

	req := AddInvoiceRequest{
		Memo:      params.Memo,
		RPreimage: base64.StdEncoding.EncodeToString(params.Preimage),
		ValueMsat: params.AmountMsat,
		Expiry:    int64(params.Expiry / time.Second),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := a.do(ctx, http.MethodPost, "/v1/invoices", body)
	if err != nil {
		return err
	}

	var resp AddInvoiceResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return probe.Malformed("lnd.add_invoice", fmt.Errorf("unmarshal response: %w", err))
	}

	a.logger.Info("lnd invoice added",
		"payment_hash", hex.EncodeToString(params.PaymentHash),
		"add_index", resp.AddIndex,
		"value_msat", params.AmountMsat,
	)
	return nil
}

// Observe implements probe.Probe.
func (a *Adapter) Observe(ctx context.Context, dest domain.Destination) (domain.Observation, error) {
	if dest.OffChain == nil || dest.Kind != domain.OffChain {
		return domain.Observation{}, probe.Malformed("lnd.observe", errors.New("not an off-chain destination"))
	}
	if dest.Network != a.config.Network {
		return domain.Observation{}, &probe.Error{
			Kind: probe.KindNetworkMismatch,
			Op:   "lnd.observe",
			Err:  fmt.Errorf("node runs on %s, destination is on %s", a.config.Network, dest.Network),
		}
	}

	inv, err := a.lookup(ctx, dest.OffChain.PaymentHash)
	if err != nil {
		return domain.Observation{}, err
	}

	now := a.clock.Now().UTC()
	obs := domain.Observation{
		Balance:     money.Msats(inv.AmtPaidMsat),
		Unconfirmed: money.Zero(money.Msat),
		ObservedAt:  now,
	}

	switch inv.State {
	case StateSettled:
		obs.Status = domain.SettlementPaid
		if inv.SettleDate > 0 {
			settled := time.Unix(inv.SettleDate, 0).UTC()
			obs.SettledAt = &settled
		}
	case StateCanceled:
		obs.Status = domain.SettlementCanceled
	case StateOpen, StateAccepted:
		obs.Status = domain.SettlementUnpaid
		if inv.Expiry > 0 && now.After(time.Unix(inv.CreationDate+inv.Expiry, 0)) {
			obs.Status = domain.SettlementExpired
		}
	default:
		return domain.Observation{}, probe.Malformed("lnd.observe", fmt.Errorf("unknown invoice state %q", inv.State))
	}

	if inv.AmtPaidMsat > 0 {
		obs.Transactions = []domain.Tx{{
			ID:            dest.OffChain.PaymentHash,
			Value:         money.Msats(inv.AmtPaidMsat),
			Confirmations: 1,
		}}
	}
	return obs, nil
}

func (a *Adapter) lookup(ctx context.Context, hashHex string) (*Invoice, error) {
	respBody, err := a.do(ctx, http.MethodGet, "/v1/invoice/"+hashHex, nil)
	if err != nil {
		return nil, err
	}
	var inv Invoice
	if err := json.Unmarshal(respBody, &inv); err != nil {
		return nil, probe.Malformed("lnd.lookup", fmt.Errorf("unmarshal response: %w", err))
	}
	return &inv, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	op := "lnd." + strings.ToLower(method)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, a.config.BaseURL+path, reader)
	if err != nil {
		return nil, probe.Malformed(op, fmt.Errorf("create request: %w", err))
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Grpc-Metadata-macaroon", a.config.MacaroonHex)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, probe.Transient(op, fmt.Errorf("http request: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, probe.Transient(op, fmt.Errorf("read response: %w", err))
	}

	if httpResp.StatusCode < 400 {
		return respBody, nil
	}

	var apiErr errorResponse
	_ = json.Unmarshal(respBody, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = string(respBody)
	}

	switch {
	case strings.Contains(msg, "unable to locate invoice") || httpResp.StatusCode == http.StatusNotFound:
		return nil, probe.NotFound(op, fmt.Errorf("lnd: %s", msg))
	case strings.Contains(msg, "already exists") || httpResp.StatusCode == http.StatusConflict:
		return nil, fmt.Errorf("lnd: %s: %w", msg, domain.ErrPaymentHashExists)
	case httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500:
		return nil, probe.Transient(op, fmt.Errorf("lnd api error: status=%d message=%s", httpResp.StatusCode, msg))
	}
	return nil, probe.Malformed(op, fmt.Errorf("lnd api error: status=%d message=%s", httpResp.StatusCode, msg))
}

func toDestination(inv *Invoice) domain.OffChainDestination {
	hash := inv.RHash
	if raw, err := base64.StdEncoding.DecodeString(inv.RHash); err == nil {
		hash = hex.EncodeToString(raw)
	}
	return domain.OffChainDestination{
		PaymentRequest: inv.PaymentRequest,
		PaymentHash:    hash,
		ExpiresAt:      time.Unix(inv.CreationDate+inv.Expiry, 0).UTC(),
		Amount:         money.Msats(inv.ValueMsat),
	}
}

var (
	_ probe.Probe              = (*Adapter)(nil)
	_ allocator.InvoiceCreator = (*Adapter)(nil)
)
