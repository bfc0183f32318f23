package allocator

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"cryptopay/internal/invoice/domain"
)

const (
	namespace       = "CPAY"
	encodingVersion = 0x01

	// EncodingSize is the width of the derivation input encoding.
	EncodingSize = 4 + 1 + 1 + 1 + 2 + sha256.Size

	// PathComponents is how many hardened indices the digest is split into.
	PathComponents = 4

	bip84Purpose = 84
)

// Encode builds the fixed-width derivation input for an invoice:
//
//	"CPAY" | version | network tag | purpose tag | 0x0000 | sha256(invoiceID)
func Encode(invoiceID string, network domain.Network, purpose domain.Purpose) ([EncodingSize]byte, error) {
	var buf [EncodingSize]byte

	if err := domain.ValidateInvoiceID(invoiceID); err != nil {
		return buf, err
	}
	netTag := network.Tag()
	if netTag == 0 {
		return buf, fmt.Errorf("%w: %q", domain.ErrUnknownNetwork, network)
	}
	purposeTag := purpose.Tag()
	if purposeTag == 0 {
		return buf, fmt.Errorf("%w: %q", domain.ErrUnknownPurpose, purpose)
	}

	idHash := sha256.Sum256([]byte(invoiceID))

	copy(buf[0:4], namespace)
	buf[4] = encodingVersion
	buf[5] = netTag
	buf[6] = purposeTag
	// buf[7:9] reserved
	copy(buf[9:], idHash[:])
	return buf, nil
}

// Digest hashes the encoding into the value both destination kinds derive from.
func Digest(invoiceID string, network domain.Network, purpose domain.Purpose) ([sha256.Size]byte, error) {
	enc, err := Encode(invoiceID, network, purpose)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(enc[:]), nil
}

// PathIndices splits a digest into hardened child indices.
func PathIndices(digest [sha256.Size]byte) []uint32 {
	indices := make([]uint32, PathComponents)
	for i := range indices {
		v := binary.BigEndian.Uint32(digest[4*i : 4*i+4])
		indices[i] = (v & 0x7fffffff) | hdkeychain.HardenedKeyStart
	}
	return indices
}

// CoinType is the BIP-44 coin type: 0 on mainnet, 1 on every test network.
func CoinType(network domain.Network) uint32 {
	if network == domain.Mainnet {
		return 0
	}
	return 1
}

// FormatPath renders a full path such as m/84'/0'/0'/123'/... .
func FormatPath(network domain.Network, indices []uint32) string {
	var b strings.Builder
	fmt.Fprintf(&b, "m/%d'/%d'/0'", bip84Purpose, CoinType(network))
	for _, idx := range indices {
		if idx >= hdkeychain.HardenedKeyStart {
			fmt.Fprintf(&b, "/%d'", idx-hdkeychain.HardenedKeyStart)
		} else {
			fmt.Fprintf(&b, "/%d", idx)
		}
	}
	return b.String()
}
