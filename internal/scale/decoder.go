// Package scale implements the subset of the SCALE codec the agent needs to
// read chain state: compact integers, fixed-width little-endian integers,
// account identifiers, byte vectors and options.
package scale

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// ErrShortBuffer indicates the input ended before a value was fully decoded.
var ErrShortBuffer = errors.New("scale: short buffer")

// Decoder reads SCALE-encoded values from a byte slice.
//
// Decoder is a cursor over the input; every Decode* call advances it. It is
// not safe for concurrent use.
type Decoder struct {
	data []byte
	pos  int
}

// NewDecoder creates a decoder positioned at the start of data.
// The decoder does not copy data; callers must not mutate it while decoding.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Remaining returns the number of bytes not yet consumed.
func (d *Decoder) Remaining() int { return len(d.data) - d.pos }

// ReadByte consumes and returns a single byte.
func (d *Decoder) ReadByte() (byte, error) {
	if d.Remaining() < 1 {
		return 0, ErrShortBuffer
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

// ReadBytes consumes and returns the next n bytes.
func (d *Decoder) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("scale: negative length %d", n)
	}
	if d.Remaining() < n {
		return nil, ErrShortBuffer
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// DecodeU32 decodes a fixed-width little-endian u32.
func (d *Decoder) DecodeU32() (uint32, error) {
	b, err := d.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// DecodeU64 decodes a fixed-width little-endian u64.
func (d *Decoder) DecodeU64() (uint64, error) {
	b, err := d.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// DecodeU128 decodes a fixed-width little-endian u128.
func (d *Decoder) DecodeU128() (*uint256.Int, error) {
	b, err := d.ReadBytes(16)
	if err != nil {
		return nil, err
	}
	le := make([]byte, 16)
	for i := range b {
		le[15-i] = b[i]
	}
	return new(uint256.Int).SetBytes(le), nil
}

// DecodeCompactU64 decodes a compact-encoded unsigned integer that must fit
// in 64 bits. Values above 2^64-1 are rejected.
func (d *Decoder) DecodeCompactU64() (uint64, error) {
	v, err := d.DecodeCompactU128()
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("scale: compact value overflows u64")
	}
	return v.Uint64(), nil
}

// DecodeCompactU128 decodes a compact-encoded unsigned integer of up to 128
// bits. All four compact modes are supported.
func (d *Decoder) DecodeCompactU128() (*uint256.Int, error) {
	b0, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	switch b0 & 0b11 {
	case 0b00: // single byte
		return uint256.NewInt(uint64(b0 >> 2)), nil
	case 0b01: // two bytes
		b1, err := d.ReadByte()
		if err != nil {
			return nil, err
		}
		return uint256.NewInt(uint64(b0)>>2 | uint64(b1)<<6), nil
	case 0b10: // four bytes
		rest, err := d.ReadBytes(3)
		if err != nil {
			return nil, err
		}
		v := uint64(b0)>>2 | uint64(rest[0])<<6 | uint64(rest[1])<<14 | uint64(rest[2])<<22
		return uint256.NewInt(v), nil
	default: // big-integer mode: the upper six bits give the byte count minus four
		n := int(b0>>2) + 4
		if n > 16 {
			return nil, fmt.Errorf("scale: compact value of %d bytes exceeds u128", n)
		}
		raw, err := d.ReadBytes(n)
		if err != nil {
			return nil, err
		}
		be := make([]byte, n)
		for i := range raw {
			be[n-1-i] = raw[i]
		}
		return new(uint256.Int).SetBytes(be), nil
	}
}

// DecodeLength decodes a compact-encoded collection length.
func (d *Decoder) DecodeLength() (int, error) {
	v, err := d.DecodeCompactU64()
	if err != nil {
		return 0, err
	}
	if v > uint64(d.Remaining()) {
		// A length can never exceed the remaining input; one encoded element
		// occupies at least one byte.
		return 0, fmt.Errorf("scale: length %d exceeds remaining input %d", v, d.Remaining())
	}
	return int(v), nil
}

// DecodeAccountID decodes a 32-byte account identifier.
func (d *Decoder) DecodeAccountID() ([32]byte, error) {
	var id [32]byte
	b, err := d.ReadBytes(32)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

// DecodeBytes decodes a length-prefixed byte vector (Vec<u8>).
func (d *Decoder) DecodeBytes() ([]byte, error) {
	n, err := d.DecodeLength()
	if err != nil {
		return nil, err
	}
	b, err := d.ReadBytes(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// DecodeBool decodes a single-byte boolean.
func (d *Decoder) DecodeBool() (bool, error) {
	b, err := d.ReadByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("scale: invalid bool byte 0x%02x", b)
	}
}

// DecodeOption reports whether an Option value is present. When it returns
// true the caller decodes the inner value next.
func (d *Decoder) DecodeOption() (bool, error) {
	b, err := d.ReadByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("scale: invalid option byte 0x%02x", b)
	}
}
