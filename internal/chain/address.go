package chain

import (
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// ss58Prefix is the checksum preimage prefix defined by the SS58 format.
var ss58Prefix = []byte("SS58PRE")

// EncodeSS58 renders an account identifier in SS58 form under the given
// network prefix. Only simple single-byte prefixes (0..63) are supported,
// which covers the networks the agent targets.
func EncodeSS58(id AccountID, network uint8) (Stash, error) {
	if network > 63 {
		return "", fmt.Errorf("ss58 network prefix %d out of single-byte range", network)
	}
	payload := append([]byte{network}, id[:]...)

	pre := make([]byte, 0, len(ss58Prefix)+len(payload))
	pre = append(pre, ss58Prefix...)
	pre = append(pre, payload...)
	sum := blake2b.Sum512(pre)

	return Stash(base58.Encode(append(payload, sum[0], sum[1]))), nil
}

// DecodeSS58 parses an SS58 address into its raw account identifier,
// verifying the checksum. The network prefix is returned alongside so
// callers can reject addresses from a different network.
func DecodeSS58(s Stash) (AccountID, uint8, error) {
	var id AccountID

	raw, err := base58.Decode(string(s))
	if err != nil {
		return id, 0, fmt.Errorf("decode base58: %w", err)
	}
	// Simple prefix byte + 32-byte account + 2-byte checksum.
	if len(raw) != 35 {
		return id, 0, fmt.Errorf("ss58 payload is %d bytes, want 35", len(raw))
	}
	network := raw[0]
	if network > 63 {
		return id, 0, fmt.Errorf("ss58 network prefix %d out of single-byte range", network)
	}

	pre := make([]byte, 0, len(ss58Prefix)+33)
	pre = append(pre, ss58Prefix...)
	pre = append(pre, raw[:33]...)
	sum := blake2b.Sum512(pre)
	if sum[0] != raw[33] || sum[1] != raw[34] {
		return id, 0, fmt.Errorf("ss58 checksum mismatch")
	}

	copy(id[:], raw[1:33])
	return id, network, nil
}
