package wsclient

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
)

// Substrate storage keys are built from hashed pallet and item names plus
// the map keys, each run through the hasher the runtime declares for it.

// twox128 is two seeded xxhash64 digests concatenated little-endian.
func twox128(data []byte) []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out[:8], xxhash.Checksum64S(data, 0))
	binary.LittleEndian.PutUint64(out[8:], xxhash.Checksum64S(data, 1))
	return out
}

// twox64Concat hashes with seeded xxhash64 and appends the preimage, which
// keeps the map key recoverable from the storage key.
func twox64Concat(data []byte) []byte {
	out := make([]byte, 8, 8+len(data))
	binary.LittleEndian.PutUint64(out, xxhash.Checksum64S(data, 0))
	return append(out, data...)
}

// storageKey concatenates the twox128 of pallet and item with the already
// hashed map key parts.
func storageKey(pallet, item string, hashedArgs ...[]byte) []byte {
	key := append(twox128([]byte(pallet)), twox128([]byte(item))...)
	for _, arg := range hashedArgs {
		key = append(key, arg...)
	}
	return key
}

func encodeU32(v uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, v)
	return out
}
