// Package digest extracts the authoring validator from a block header's
// consensus digest. It understands the pre-runtime slot-claim logs embedded
// by the BABE and AURA engines and maps the claimed authority index through
// the session's validator-set ordering.
package digest

import (
	"bytes"
	"fmt"

	"github.com/helmwatch/helmwatch/internal/chain"
	"github.com/helmwatch/helmwatch/internal/scale"
)

// Digest item variants as encoded by the runtime.
const (
	itemOther      = 0x00
	itemConsensus  = 0x04
	itemSeal       = 0x05
	itemPreRuntime = 0x06
	itemRuntimeEnv = 0x08
)

// Consensus engine identifiers carried in pre-runtime logs.
var (
	engineBABE = []byte("BABE")
	engineAURA = []byte("aura")
)

// DecodeError reports a malformed or unrecognized digest. Authorship
// accounting for the affected block is skipped; monitoring continues.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("digest: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("digest: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(reason string, err error) *DecodeError {
	return &DecodeError{Reason: reason, Err: err}
}

// Author resolves the block author from the header's digest logs using the
// validator-set ordering active at that block. A stale ordering yields a
// wrong author, so callers must rotate the set before resolving the first
// block of a new session.
func Author(logs [][]byte, validators []chain.AccountID) (chain.AccountID, error) {
	var zero chain.AccountID

	if len(validators) == 0 {
		return zero, decodeErr("empty validator set", nil)
	}

	idx, err := AuthorityIndex(logs, uint64(len(validators)))
	if err != nil {
		return zero, err
	}
	return validators[idx], nil
}

// AuthorityIndex scans the digest logs for the pre-runtime slot-claim entry
// and returns the authoring index into a validator set of the given size.
func AuthorityIndex(logs [][]byte, setSize uint64) (uint32, error) {
	if setSize == 0 {
		return 0, decodeErr("empty validator set", nil)
	}

	for _, raw := range logs {
		engine, payload, ok, err := preRuntime(raw)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}

		switch {
		case bytes.Equal(engine, engineBABE):
			idx, err := babeAuthorityIndex(payload)
			if err != nil {
				return 0, err
			}
			if uint64(idx) >= setSize {
				return 0, decodeErr(fmt.Sprintf("authority index %d out of range for set of %d", idx, setSize), nil)
			}
			return idx, nil
		case bytes.Equal(engine, engineAURA):
			slot, err := auraSlot(payload)
			if err != nil {
				return 0, err
			}
			return uint32(slot % setSize), nil
		default:
			return 0, decodeErr(fmt.Sprintf("unrecognized consensus engine %q", engine), nil)
		}
	}

	return 0, decodeErr("no pre-runtime slot-claim log", nil)
}

// preRuntime decodes one digest item and, when it is a pre-runtime log,
// returns its engine id and payload.
func preRuntime(raw []byte) (engine, payload []byte, ok bool, err error) {
	d := scale.NewDecoder(raw)

	variant, err := d.ReadByte()
	if err != nil {
		return nil, nil, false, decodeErr("truncated digest item", err)
	}

	switch variant {
	case itemPreRuntime:
	case itemConsensus, itemSeal:
		// Well-formed but not authorship-bearing; skip.
		return nil, nil, false, nil
	case itemOther, itemRuntimeEnv:
		return nil, nil, false, nil
	default:
		return nil, nil, false, decodeErr(fmt.Sprintf("unknown digest item variant 0x%02x", variant), nil)
	}

	engine, err = d.ReadBytes(4)
	if err != nil {
		return nil, nil, false, decodeErr("truncated engine id", err)
	}
	payload, err = d.DecodeBytes()
	if err != nil {
		return nil, nil, false, decodeErr("truncated pre-runtime payload", err)
	}
	return engine, payload, true, nil
}

// babeAuthorityIndex decodes the authority index from a BABE pre-digest.
// All three claim variants start with the u32 authority index.
func babeAuthorityIndex(payload []byte) (uint32, error) {
	d := scale.NewDecoder(payload)

	variant, err := d.ReadByte()
	if err != nil {
		return 0, decodeErr("empty BABE pre-digest", err)
	}
	// 1 = primary, 2 = secondary plain, 3 = secondary VRF.
	if variant < 1 || variant > 3 {
		return 0, decodeErr(fmt.Sprintf("unknown BABE pre-digest variant 0x%02x", variant), nil)
	}

	idx, err := d.DecodeU32()
	if err != nil {
		return 0, decodeErr("truncated BABE authority index", err)
	}
	return idx, nil
}

// auraSlot decodes the slot number from an AURA pre-digest.
func auraSlot(payload []byte) (uint64, error) {
	d := scale.NewDecoder(payload)
	slot, err := d.DecodeU64()
	if err != nil {
		return 0, decodeErr("truncated AURA slot", err)
	}
	return slot, nil
}
