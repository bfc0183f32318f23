package allocator

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"cryptopay/internal/invoice/domain"
)

// ChainParams maps a network selector to its chain parameters.
func ChainParams(network domain.Network) (*chaincfg.Params, error) {
	switch network {
	case domain.Mainnet:
		return &chaincfg.MainNetParams, nil
	case domain.Testnet:
		return &chaincfg.TestNet3Params, nil
	case domain.Signet:
		return &chaincfg.SigNetParams, nil
	case domain.Regtest:
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownNetwork, network)
}

// ValidateAddress decodes addr and checks it belongs to network.
func ValidateAddress(addr string, network domain.Network) (btcutil.Address, error) {
	params, err := ChainParams(network)
	if err != nil {
		return nil, err
	}
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("decoding address: %w", err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("address %s is not for %s", addr, network)
	}
	return decoded, nil
}

// AddressType names the script type of a decoded address.
func AddressType(addr btcutil.Address) string {
	switch addr.(type) {
	case *btcutil.AddressWitnessPubKeyHash:
		return "p2wpkh"
	case *btcutil.AddressWitnessScriptHash:
		return "p2wsh"
	case *btcutil.AddressTaproot:
		return "p2tr"
	case *btcutil.AddressPubKeyHash:
		return "p2pkh"
	case *btcutil.AddressScriptHash:
		return "p2sh"
	}
	return "unknown"
}
