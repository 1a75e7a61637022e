// Package unittest provides fixtures and timing helpers shared by the
// package tests.
package unittest

import (
	"crypto/rand"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helmwatch/helmwatch/internal/chain"
)

// GenericNetworkPrefix is the SS58 prefix for generic test addresses.
const GenericNetworkPrefix = 42

// RandomAccountID generates a random 32-byte account identifier for testing.
//
// The function will fail the test if random byte generation fails.
func RandomAccountID(t *testing.T) chain.AccountID {
	t.Helper()

	var id chain.AccountID
	_, err := rand.Read(id[:])
	require.NoError(t, err, "failed to generate random bytes for account id")
	return id
}

// RandomAccountIDs generates n random account identifiers for testing.
func RandomAccountIDs(t *testing.T, n int) []chain.AccountID {
	t.Helper()

	ids := make([]chain.AccountID, n)
	for i := range ids {
		ids[i] = RandomAccountID(t)
	}
	return ids
}

// StashOf renders an account id in SS58 form under the generic test prefix.
func StashOf(t *testing.T, id chain.AccountID) chain.Stash {
	t.Helper()

	s, err := chain.EncodeSS58(id, GenericNetworkPrefix)
	require.NoError(t, err, "failed to encode stash address")
	return s
}

// BABEPreRuntimeLog builds a pre-runtime digest log carrying a BABE
// secondary-plain slot claim for the given authority index.
func BABEPreRuntimeLog(authorityIndex uint32, slot uint64) []byte {
	payload := make([]byte, 13)
	payload[0] = 0x02 // secondary plain claim
	binary.LittleEndian.PutUint32(payload[1:5], authorityIndex)
	binary.LittleEndian.PutUint64(payload[5:13], slot)
	return preRuntimeLog([]byte("BABE"), payload)
}

// AURAPreRuntimeLog builds a pre-runtime digest log carrying an AURA slot.
func AURAPreRuntimeLog(slot uint64) []byte {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, slot)
	return preRuntimeLog([]byte("aura"), payload)
}

// SealLog builds a seal digest log, which author resolution must skip over.
func SealLog() []byte {
	out := []byte{0x05}
	out = append(out, []byte("BABE")...)
	sig := make([]byte, 64)
	out = append(out, compactLen(len(sig))...)
	return append(out, sig...)
}

func preRuntimeLog(engine, payload []byte) []byte {
	out := []byte{0x06}
	out = append(out, engine...)
	out = append(out, compactLen(len(payload))...)
	return append(out, payload...)
}

// compactLen encodes a small collection length in SCALE compact form.
// Test payloads stay well below the one-byte mode's limit of 63.
func compactLen(n int) []byte {
	if n < 64 {
		return []byte{byte(n << 2)}
	}
	return []byte{byte(n<<2 | 0b01), byte(n >> 6)}
}

// FinalizedHeader builds a header at the given height carrying the given
// digest logs.
func FinalizedHeader(number uint64, logs ...[]byte) chain.Header {
	return chain.Header{Number: number, Digest: logs}
}
