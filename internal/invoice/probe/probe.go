// Package probe defines read-only queries against a settlement ledger and
// the error taxonomy the payment monitor acts on.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cryptopay/internal/invoice/domain"
)

// Probe observes the funds held at a destination. Implementations must not
// cache, and must not mutate the ledger or any invoice state.
type Probe interface {
	Observe(ctx context.Context, dest domain.Destination) (domain.Observation, error)
}

// Func adapts a function to the Probe interface.
type Func func(ctx context.Context, dest domain.Destination) (domain.Observation, error)

// Observe implements Probe.
func (f Func) Observe(ctx context.Context, dest domain.Destination) (domain.Observation, error) {
	return f(ctx, dest)
}

// Kind classifies probe failures.
type Kind string

const (
	// KindTransient covers transport errors, timeouts and server errors.
	KindTransient Kind = "transient"
	// KindNotFound means the ledger does not know the destination.
	KindNotFound Kind = "not_found"
	// KindMalformed means the ledger answered with something undecodable.
	KindMalformed Kind = "malformed"
	// KindNetworkMismatch means no probe serves the destination's network.
	KindNetworkMismatch Kind = "network_mismatch"
)

// Error is returned by every probe implementation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("probe %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// NotFound wraps err as an unknown destination.
func NotFound(op string, err error) error {
	if err == nil {
		err = domain.ErrDestinationNotFound
	} else if !errors.Is(err, domain.ErrDestinationNotFound) {
		err = fmt.Errorf("%w: %v", domain.ErrDestinationNotFound, err)
	}
	return &Error{Kind: KindNotFound, Op: op, Err: err}
}

// Malformed wraps err as an undecodable response.
func Malformed(op string, err error) error {
	return &Error{Kind: KindMalformed, Op: op, Err: err}
}

// KindOf classifies any error. Context deadlines and unclassified errors
// are transient.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsRetryable reports whether the monitor should poll again after err.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Config holds settings shared by the probe backends.
type Config struct {
	Timeout        time.Duration `envconfig:"PROBE_TIMEOUT" default:"10s"`
	MaxConcurrent  int64         `envconfig:"PROBE_MAX_CONCURRENT" default:"16"`
	EsploraMainnet string        `envconfig:"PROBE_ESPLORA_MAINNET_URL" default:"https://blockstream.info/api"`
	EsploraTestnet string        `envconfig:"PROBE_ESPLORA_TESTNET_URL" default:"https://blockstream.info/testnet/api"`
	EsploraSignet  string        `envconfig:"PROBE_ESPLORA_SIGNET_URL" default:"https://mempool.space/signet/api"`
	EsploraRegtest string        `envconfig:"PROBE_ESPLORA_REGTEST_URL"`
	LNDURL         string        `envconfig:"PROBE_LND_URL"`
	LNDMacaroonHex string        `envconfig:"PROBE_LND_MACAROON"`
	LNDNetwork     string        `envconfig:"PROBE_LND_NETWORK" default:"regtest"`
	LNDInsecureTLS bool          `envconfig:"PROBE_LND_INSECURE_TLS" default:"false"`
}

// EsploraURLs returns the configured on-chain backends by network.
func (c Config) EsploraURLs() map[domain.Network]string {
	urls := make(map[domain.Network]string)
	for n, u := range map[domain.Network]string{
		domain.Mainnet: c.EsploraMainnet,
		domain.Testnet: c.EsploraTestnet,
		domain.Signet:  c.EsploraSignet,
		domain.Regtest: c.EsploraRegtest,
	} {
		if u != "" {
			urls[n] = u
		}
	}
	return urls
}
