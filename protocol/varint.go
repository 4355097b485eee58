package protocol

import "errors"

// Little-endian base-128 varints: seven payload bits per byte,
// continuation bit 0x80. The CRDT payloads are built out of these.

var (
	ErrTruncatedVarUint = errors.New("workspace: truncated varuint")
	ErrVarUintOverflow  = errors.New("workspace: varuint overflows 64 bits")
)

func AppendVarUint(buf []byte, n uint64) []byte {
	for n > 0x7f {
		buf = append(buf, byte(n&0x7f)|0x80)
		n >>= 7
	}
	return append(buf, byte(n))
}

func EncodeVarUint(n uint64) []byte {
	return AppendVarUint(nil, n)
}

// DecodeVarUint reads one varuint off the front of data, returning the
// value and the number of bytes consumed. Truncated input (no byte with
// the continuation bit clear) and encodings past ten payload bytes are
// errors.
func DecodeVarUint(data []byte) (uint64, int, error) {
	var n uint64
	var shift uint
	for i, b := range data {
		n |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return n, i + 1, nil
		}
		shift += 7
		if shift > 63 {
			return 0, 0, ErrVarUintOverflow
		}
	}
	return 0, 0, ErrTruncatedVarUint
}
