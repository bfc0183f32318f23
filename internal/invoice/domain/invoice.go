// Package domain contains the core types of the invoice payment lifecycle.
package domain

import (
	"errors"
	"fmt"
	"time"

	"cryptopay/internal/common/money"
)

// Network selects the settlement network an invoice is paid on.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

var networkTags = map[Network]byte{
	Mainnet: 0x01,
	Testnet: 0x02,
	Signet:  0x03,
	Regtest: 0x04,
}

// ParseNetwork validates a network selector.
func ParseNetwork(s string) (Network, error) {
	n := Network(s)
	if _, ok := networkTags[n]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, s)
	}
	return n, nil
}

// Tag returns the fixed one-byte encoding of the network. Zero means unknown.
func (n Network) Tag() byte { return networkTags[n] }

// Purpose distinguishes on-chain addresses from off-chain payment requests.
type Purpose string

const (
	OnChain  Purpose = "onchain"
	OffChain Purpose = "offchain"
)

var purposeTags = map[Purpose]byte{
	OnChain:  0x01,
	OffChain: 0x02,
}

// ParsePurpose validates a purpose selector.
func ParsePurpose(s string) (Purpose, error) {
	p := Purpose(s)
	if _, ok := purposeTags[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPurpose, s)
	}
	return p, nil
}

// Tag returns the fixed one-byte encoding of the purpose. Zero means unknown.
func (p Purpose) Tag() byte { return purposeTags[p] }

// Unit is the smallest unit amounts of this purpose are counted in.
func (p Purpose) Unit() money.Unit {
	if p == OffChain {
		return money.Msat
	}
	return money.Sat
}

// State is the lifecycle state of an invoice payment.
type State string

const (
	StatePending   State = "pending"
	StateVerifying State = "verifying"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
)

// IsTerminal returns true for confirmed, failed and expired.
func (s State) IsTerminal() bool {
	return s == StateConfirmed || s == StateFailed || s == StateExpired
}

// FailureReason is the aggregated policy outcome shown for a failed invoice.
type FailureReason string

const (
	ReasonDestinationInvalid FailureReason = "destination_invalid"
	ReasonProbeUnavailable   FailureReason = "probe_unavailable"
)

// Invoice is a request for payment and its lifecycle state.
type Invoice struct {
	ID               string        `json:"id"`
	Required         money.Amount  `json:"required"`
	Network          Network       `json:"network"`
	Purpose          Purpose       `json:"purpose"`
	MinConfirmations int64         `json:"min_confirmations"`
	Memo             string        `json:"memo,omitempty"`
	State            State         `json:"state"`
	FailureReason    FailureReason `json:"failure_reason,omitempty"`
	Destination      Destination   `json:"destination"`
	LastObservation  *Observation  `json:"last_observation,omitempty"`
	WatchCancelledAt *time.Time    `json:"watch_cancelled_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Transition is one entry in an invoice's append-only audit trail.
type Transition struct {
	Seq     int       `json:"seq"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	Trigger EventType `json:"trigger"`
	At      time.Time `json:"at"`
	Detail  string    `json:"detail,omitempty"`
}

// Errors
var (
	ErrNotFound         = errors.New("invoice not found")
	ErrAlreadyExists    = errors.New("invoice already exists")
	ErrInvalidInvoiceID = errors.New("invalid invoice id")
	ErrUnknownNetwork   = errors.New("unknown network")
	ErrUnknownPurpose   = errors.New("unknown purpose")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrTerminal         = errors.New("invoice is in a terminal state")

	ErrDestinationNotFound = errors.New("destination not found on ledger")
	ErrPaymentHashExists   = errors.New("payment request with that hash already exists")
)

// MaxInvoiceIDLength bounds caller-supplied identifiers.
const MaxInvoiceIDLength = 128

// ValidateInvoiceID rejects empty, oversized and non-printable identifiers.
func ValidateInvoiceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidInvoiceID)
	}
	if len(id) > MaxInvoiceIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidInvoiceID, MaxInvoiceIDLength)
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return fmt.Errorf("%w: byte %d is not printable ascii", ErrInvalidInvoiceID, i)
		}
	}
	return nil
}
