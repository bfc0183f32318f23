package domain

import (
	"time"

	"cryptopay/internal/common/money"
)

// Destination is where a payer sends funds for one invoice. Exactly one of
// OnChain and OffChain is set, matching Kind.
type Destination struct {
	Kind     Purpose              `json:"kind"`
	Network  Network              `json:"network"`
	OnChain  *OnChainDestination  `json:"onchain,omitempty"`
	OffChain *OffChainDestination `json:"offchain,omitempty"`
}

// OnChainDestination is a derived address and the path it came from.
type OnChainDestination struct {
	Path    string   `json:"path"`
	Indices []uint32 `json:"indices"`
	Address string   `json:"address"`
}

// OffChainDestination is a payment request held by a lightning node.
type OffChainDestination struct {
	PaymentRequest string       `json:"payment_request"`
	PaymentHash    string       `json:"payment_hash"`
	ExpiresAt      time.Time    `json:"expires_at"`
	Amount         money.Amount `json:"amount"`
}

// Key identifies the destination on its ledger: the address or payment hash.
func (d Destination) Key() string {
	switch {
	case d.OnChain != nil:
		return d.OnChain.Address
	case d.OffChain != nil:
		return d.OffChain.PaymentHash
	}
	return ""
}

// IsZero reports whether no destination has been allocated.
func (d Destination) IsZero() bool {
	return d.OnChain == nil && d.OffChain == nil
}

// SettlementStatus is the off-chain payment request status.
type SettlementStatus string

const (
	SettlementUnpaid   SettlementStatus = "unpaid"
	SettlementPaid     SettlementStatus = "paid"
	SettlementExpired  SettlementStatus = "expired"
	SettlementCanceled SettlementStatus = "canceled"
)

// Tx is one transaction contributing to a destination's balance.
type Tx struct {
	ID            string       `json:"id"`
	Value         money.Amount `json:"value"`
	Confirmations int64        `json:"confirmations"`
}

// Observation is a snapshot of a destination's funds. A later observation
// supersedes an earlier one; balances are never added across observations.
type Observation struct {
	Balance      money.Amount     `json:"balance"`
	Unconfirmed  money.Amount     `json:"unconfirmed"`
	Transactions []Tx             `json:"transactions,omitempty"`
	Status       SettlementStatus `json:"status,omitempty"`
	SettledAt    *time.Time       `json:"settled_at,omitempty"`
	ObservedAt   time.Time        `json:"observed_at"`
}

// DepthBalance sums transactions with at least minConf confirmations.
// Off-chain observations have no depth, so a paid request counts in full.
func (o Observation) DepthBalance(minConf int64) money.Amount {
	if o.Status != "" {
		if o.Status == SettlementPaid {
			return o.Balance
		}
		return money.Zero(o.Balance.Unit)
	}
	total := money.Zero(o.Balance.Unit)
	for _, tx := range o.Transactions {
		if tx.Confirmations >= minConf {
			total.Minor += tx.Value.Minor
		}
	}
	return total
}

// Seen is everything observed at the destination, confirmed or not.
func (o Observation) Seen() money.Amount {
	if o.Status != "" {
		return o.Balance
	}
	return money.New(o.Balance.Minor+o.Unconfirmed.Minor, o.Balance.Unit)
}

// PhysicalTime is when the observed payment actually happened, as closely as
// the ledger can tell: the settle time if reported, otherwise when it was seen.
func (o Observation) PhysicalTime() time.Time {
	if o.SettledAt != nil && !o.SettledAt.IsZero() {
		return *o.SettledAt
	}
	return o.ObservedAt
}
