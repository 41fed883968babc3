package util

import "github.com/pkg/errors"

// Length prefix markers used by StoreLength.
const (
	LENGTH_MARKER_1 = 251
	LENGTH_MARKER_2 = 252
	LENGTH_MARKER_3 = 253
	LENGTH_MARKER_4 = 254
)

// LengthSize returns how many bytes StoreLength needs for n.
func LengthSize(n uint64) int {
	switch {
	case n < LENGTH_MARKER_1:
		return 1
	case n <= 255:
		return 2
	case n < 65536:
		return 3
	case n < 16777216:
		return 4
	default:
		return 5
	}
}

// StoreLength writes n with a variable length prefix and returns the bytes used.
func StoreLength(b []byte, n uint64) int {
	switch {
	case n < LENGTH_MARKER_1:
		b[0] = byte(n)
		return 1
	case n <= 255:
		b[0] = LENGTH_MARKER_1
		b[1] = byte(n)
		return 2
	case n < 65536:
		b[0] = LENGTH_MARKER_2
		Int2Store(b[1:], uint16(n))
		return 3
	case n < 16777216:
		b[0] = LENGTH_MARKER_3
		Int3Store(b[1:], uint32(n))
		return 4
	default:
		b[0] = LENGTH_MARKER_4
		Int4Store(b[1:], uint32(n))
		return 5
	}
}

// AppendLength is StoreLength for a growing buffer.
func AppendLength(b []byte, n uint64) []byte {
	var tmp [5]byte
	size := StoreLength(tmp[:], n)
	return append(b, tmp[:size]...)
}

// ReadLength decodes a value written by StoreLength, returning the value and the
// number of bytes consumed.
func ReadLength(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, errors.Wrap(ErrWrongInRecord, "empty length prefix")
	}

	var size int
	switch b[0] {
	case LENGTH_MARKER_1:
		size = 2
	case LENGTH_MARKER_2:
		size = 3
	case LENGTH_MARKER_3:
		size = 4
	case LENGTH_MARKER_4:
		size = 5
	case 255:
		return 0, 0, errors.Wrap(ErrWrongInRecord, "invalid length marker 255")
	default:
		return uint64(b[0]), 1, nil
	}

	if len(b) < size {
		return 0, 0, errors.Wrapf(ErrWrongInRecord, "length prefix needs %d bytes, have %d", size, len(b))
	}

	switch size {
	case 2:
		return uint64(b[1]), 2, nil
	case 3:
		return uint64(Uint2Korr(b[1:])), 3, nil
	case 4:
		return uint64(Uint3Korr(b[1:])), 4, nil
	default:
		return uint64(Uint4Korr(b[1:])), 5, nil
	}
}
