// Package allocator derives a unique settlement destination per invoice.
package allocator

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"cryptopay/internal/common/money"
	"cryptopay/internal/invoice/domain"
)

// Config holds allocator configuration. One of Mnemonic or ExtendedKey is required.
type Config struct {
	Mnemonic       string `envconfig:"ALLOCATOR_MNEMONIC"`
	Passphrase     string `envconfig:"ALLOCATOR_PASSPHRASE"`
	ExtendedKey    string `envconfig:"ALLOCATOR_XPRV"`
	OffChainSecret string `envconfig:"ALLOCATOR_OFFCHAIN_SECRET"`
}

var (
	ErrNoKey               = errors.New("allocator: mnemonic or extended private key required")
	ErrPublicKey           = errors.New("allocator: hardened derivation needs a private extended key")
	ErrNetworkUnsupported  = errors.New("allocator: no payment request backend for network")
	ErrRequestWindowClosed = errors.New("allocator: invoice already past its expiry")
)

// InvoiceParams describes the payment request to register with a node.
type InvoiceParams struct {
	Network     domain.Network
	Preimage    []byte
	PaymentHash []byte
	AmountMsat  int64
	Expiry      time.Duration
	Memo        string
}

// InvoiceCreator registers and looks up payment requests on a lightning node.
// LookupInvoice returns an error wrapping domain.ErrDestinationNotFound for
// unknown hashes; AddInvoice wraps domain.ErrPaymentHashExists on duplicates.
type InvoiceCreator interface {
	LookupInvoice(ctx context.Context, paymentHash []byte) (domain.OffChainDestination, error)
	AddInvoice(ctx context.Context, params InvoiceParams) error
}

// Request identifies what to allocate a destination for.
type Request struct {
	InvoiceID string
	Network   domain.Network
	Purpose   domain.Purpose
	// Amount and ExpiresAt are only used for off-chain requests.
	Amount    money.Amount
	ExpiresAt time.Time
	Memo      string
}

// Allocator derives destinations. On-chain derivation is a pure function of
// the request; off-chain allocation is idempotent through the node's own
// lookup by payment hash.
type Allocator struct {
	accounts map[uint32]*hdkeychain.ExtendedKey
	secret   []byte
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.RWMutex
	invoices map[domain.Network]InvoiceCreator
}

// New creates an allocator from configuration.
func New(cfg Config, logger *slog.Logger) (*Allocator, error) {
	var master *hdkeychain.ExtendedKey
	var err error

	switch {
	case cfg.ExtendedKey != "":
		master, err = hdkeychain.NewKeyFromString(cfg.ExtendedKey)
		if err != nil {
			return nil, fmt.Errorf("parsing extended key: %w", err)
		}
		if !master.IsPrivate() {
			return nil, ErrPublicKey
		}
	case cfg.Mnemonic != "":
		seed, err := bip39.NewSeedWithErrorChecking(cfg.Mnemonic, cfg.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("decoding mnemonic: %w", err)
		}
		master, err = hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
		if err != nil {
			return nil, fmt.Errorf("creating master key: %w", err)
		}
	default:
		return nil, ErrNoKey
	}

	return NewFromMaster(master, cfg.OffChainSecret, logger)
}

// NewFromMaster creates an allocator from an already decoded master key.
func NewFromMaster(master *hdkeychain.ExtendedKey, offChainSecret string, logger *slog.Logger) (*Allocator, error) {
	accounts := make(map[uint32]*hdkeychain.ExtendedKey, 2)
	for _, coin := range []uint32{0, 1} {
		acct, err := deriveAll(master, []uint32{
			hdkeychain.HardenedKeyStart + bip84Purpose,
			hdkeychain.HardenedKeyStart + coin,
			hdkeychain.HardenedKeyStart,
		})
		if err != nil {
			return nil, fmt.Errorf("deriving account for coin %d: %w", coin, err)
		}
		accounts[coin] = acct
	}

	secret, err := offChainKey(master, offChainSecret)
	if err != nil {
		return nil, err
	}

	return &Allocator{
		accounts: accounts,
		secret:   secret,
		clock:    clock.New(),
		logger:   logger,
		invoices: make(map[domain.Network]InvoiceCreator),
	}, nil
}

func offChainKey(master *hdkeychain.ExtendedKey, configured string) ([]byte, error) {
	if configured != "" {
		secret, err := hex.DecodeString(configured)
		if err != nil || len(secret) < 32 {
			return nil, fmt.Errorf("allocator: off-chain secret must be at least 32 hex-encoded bytes")
		}
		return secret, nil
	}
	priv, err := master.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("reading master private key: %w", err)
	}
	mac := hmac.New(sha256.New, []byte("cryptopay/offchain/v1"))
	mac.Write(priv.Serialize())
	return mac.Sum(nil), nil
}

// SetInvoiceCreator registers the payment request backend for a network.
func (a *Allocator) SetInvoiceCreator(network domain.Network, c InvoiceCreator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invoices[network] = c
}

// SetClock replaces the clock used for off-chain expiry arithmetic.
func (a *Allocator) SetClock(c clock.Clock) { a.clock = c }

// Allocate returns the destination for the request. Repeated calls with the
// same invoice, network and purpose return an identical destination.
func (a *Allocator) Allocate(ctx context.Context, req Request) (domain.Destination, error) {
	digest, err := Digest(req.InvoiceID, req.Network, req.Purpose)
	if err != nil {
		return domain.Destination{}, err
	}

	switch req.Purpose {
	case domain.OnChain:
		onchain, err := a.deriveOnChain(req.Network, digest)
		if err != nil {
			return domain.Destination{}, err
		}
		return domain.Destination{Kind: domain.OnChain, Network: req.Network, OnChain: onchain}, nil
	case domain.OffChain:
		offchain, err := a.allocateOffChain(ctx, req, digest)
		if err != nil {
			return domain.Destination{}, err
		}
		return domain.Destination{Kind: domain.OffChain, Network: req.Network, OffChain: offchain}, nil
	}
	return domain.Destination{}, fmt.Errorf("%w: %q", domain.ErrUnknownPurpose, req.Purpose)
}

func (a *Allocator) deriveOnChain(network domain.Network, digest [sha256.Size]byte) (*domain.OnChainDestination, error) {
	params, err := ChainParams(network)
	if err != nil {
		return nil, err
	}

	indices := PathIndices(digest)
	key, err := deriveAll(a.accounts[CoinType(network)], indices)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	pub, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
	if err != nil {
		return nil, fmt.Errorf("encoding address: %w", err)
	}

	return &domain.OnChainDestination{
		Path:    FormatPath(network, indices),
		Indices: indices,
		Address: addr.EncodeAddress(),
	}, nil
}

func (a *Allocator) allocateOffChain(ctx context.Context, req Request, digest [sha256.Size]byte) (*domain.OffChainDestination, error) {
	a.mu.RLock()
	creator, ok := a.invoices[req.Network]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNetworkUnsupported, req.Network)
	}

	preimage, hash := a.PaymentSecret(digest)

	existing, err := creator.LookupInvoice(ctx, hash)
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, domain.ErrDestinationNotFound) {
		return nil, fmt.Errorf("looking up payment request: %w", err)
	}

	amount, err := req.Amount.To(money.Msat)
	if err != nil || !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidAmount, req.Amount)
	}
	expiry := req.ExpiresAt.Sub(a.clock.Now())
	if expiry <= 0 {
		return nil, ErrRequestWindowClosed
	}

	err = creator.AddInvoice(ctx, InvoiceParams{
		Network:     req.Network,
		Preimage:    preimage,
		PaymentHash: hash,
		AmountMsat:  amount.Minor,
		Expiry:      expiry.Truncate(time.Second),
		Memo:        req.Memo,
	})
	if err != nil && !errors.Is(err, domain.ErrPaymentHashExists) {
		return nil, fmt.Errorf("adding payment request: %w", err)
	}

	created, err := creator.LookupInvoice(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("reading back payment request: %w", err)
	}

	a.logger.Info("payment request allocated",
		"invoice_id", req.InvoiceID,
		"network", req.Network,
		"payment_hash", created.PaymentHash,
	)
	return &created, nil
}

// PaymentSecret returns the preimage and payment hash for a digest.
func (a *Allocator) PaymentSecret(digest [sha256.Size]byte) (preimage, hash []byte) {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(digest[:])
	preimage = mac.Sum(nil)
	h := sha256.Sum256(preimage)
	return preimage, h[:]
}

func deriveAll(key *hdkeychain.ExtendedKey, path []uint32) (*hdkeychain.ExtendedKey, error) {
	var err error
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, err
		}
	}
	return key, nil
}
