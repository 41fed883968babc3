package record

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
	"github.com/jobala/rowstore/util"
	"github.com/pkg/errors"
)

// Record holds one value per column in declaration order. A nil value is NULL.
// CHAR values are returned space padded to the column length.
type Record [][]byte

func (r Record) Clone() Record {
	if r == nil {
		return nil
	}

	res := make(Record, len(r))
	for i, v := range r {
		if v != nil {
			res[i] = append([]byte{}, v...)
		}
	}
	return res
}

// Sizes are the length statistics placement decisions are made from.
type Sizes struct {
	NormalLength  int
	CharLength    int
	VarcharLength int
	BlobLength    int
	HeadLength    int
	TotalLength   int
	BlobLengths   []int
}

// Packed is a record in row format, split into the parts the writer places separately.
type Packed struct {
	Sizes
	NullBits     []byte
	EmptyBits    []byte
	FieldLengths []byte
	Fixed        []byte
	Var          []byte
	// one entry per blob column in storage order, empty for NULL and empty blobs
	Blobs    [][]byte
	Checksum uint32
}

// NonBlob is the part of the row stream that is kept with the head when possible.
func (p *Packed) NonBlob() []byte {
	res := make([]byte, 0, len(p.FieldLengths)+len(p.Fixed)+len(p.Var))
	res = append(res, p.FieldLengths...)
	res = append(res, p.Fixed...)
	return append(res, p.Var...)
}

func (s *Schema) Pack(rec Record) (*Packed, error) {
	if len(rec) != len(s.Columns) {
		return nil, errors.Errorf("record has %d values, table has %d columns", len(rec), len(s.Columns))
	}

	p := &Packed{
		NullBits:  make([]byte, s.NullBytes),
		EmptyBits: make([]byte, s.EmptyBytes),
	}

	for _, i := range s.order {
		col := s.Columns[i]
		value := rec[i]

		if value == nil {
			if !col.Nullable {
				return nil, errors.Errorf("column %s can not be NULL", col.Name)
			}
			setBit(p.NullBits, s.nullBit[i])
			if col.Type == FIELD_BLOB {
				p.Blobs = append(p.Blobs, nil)
				p.BlobLengths = append(p.BlobLengths, 0)
			}
			continue
		}

		switch col.Type {
		case FIELD_NORMAL, FIELD_SKIP_ZERO:
			if len(value) != col.Length {
				return nil, errors.Errorf("column %s needs %d bytes, got %d", col.Name, col.Length, len(value))
			}
			if col.Type == FIELD_SKIP_ZERO && isZero(value) {
				setBit(p.EmptyBits, s.emptyBit[i])
				continue
			}
			p.Fixed = append(p.Fixed, value...)
			p.NormalLength += len(value)

		case FIELD_SKIP_ENDSPACE:
			if len(value) > col.Length {
				return nil, errors.Errorf("column %s holds at most %d bytes, got %d", col.Name, col.Length, len(value))
			}
			trimmed := bytes.TrimRight(value, " ")
			if len(trimmed) == 0 {
				setBit(p.EmptyBits, s.emptyBit[i])
				continue
			}
			p.FieldLengths = appendFieldLength(p.FieldLengths, len(trimmed), col.lengthWidth())
			p.Var = append(p.Var, trimmed...)
			p.CharLength += len(trimmed)

		case FIELD_VARCHAR:
			if len(value) > col.Length {
				return nil, errors.Errorf("column %s holds at most %d bytes, got %d", col.Name, col.Length, len(value))
			}
			if len(value) == 0 {
				setBit(p.EmptyBits, s.emptyBit[i])
				continue
			}
			p.FieldLengths = appendFieldLength(p.FieldLengths, len(value), col.lengthWidth())
			p.Var = append(p.Var, value...)
			p.VarcharLength += len(value)

		case FIELD_BLOB:
			if len(value) > col.maxLength() {
				return nil, errors.Errorf("column %s holds at most %d bytes, got %d", col.Name, col.maxLength(), len(value))
			}
			if len(value) == 0 {
				setBit(p.EmptyBits, s.emptyBit[i])
				p.Blobs = append(p.Blobs, nil)
				p.BlobLengths = append(p.BlobLengths, 0)
				continue
			}
			p.FieldLengths = appendFieldLength(p.FieldLengths, len(value), col.lengthWidth())
			p.Blobs = append(p.Blobs, value)
			p.BlobLengths = append(p.BlobLengths, len(value))
			p.BlobLength += len(value)
		}
	}

	p.HeadLength = s.HeaderLength(len(p.FieldLengths)) + len(p.FieldLengths) + p.NormalLength + p.CharLength + p.VarcharLength
	p.TotalLength = max(p.HeadLength+p.BlobLength, s.MinBlockLength)
	p.Checksum = s.RowChecksum(rec)
	return p, nil
}

func appendFieldLength(b []byte, length, width int) []byte {
	var tmp [8]byte
	util.StoreN(tmp[:width], uint64(length), width)
	return append(b, tmp[:width]...)
}

// RowChecksum covers every column value, with CHAR values compared trimmed.
func (s *Schema) RowChecksum(rec Record) uint32 {
	digest := xxhash.New()
	var tmp [4]byte

	for i, col := range s.Columns {
		value := rec[i]
		if value == nil {
			_, _ = digest.Write([]byte{0})
			continue
		}
		if col.Type == FIELD_SKIP_ENDSPACE {
			value = bytes.TrimRight(value, " ")
		}

		util.Int4Store(tmp[:], uint32(len(value)))
		_, _ = digest.Write([]byte{1})
		_, _ = digest.Write(tmp[:])
		_, _ = digest.Write(value)
	}

	// 0 is kept for "no checksum"
	sum := uint32(digest.Sum64())
	if sum == 0 {
		sum = 1
	}
	return sum
}

func setBit(bits []byte, n int) {
	bits[n/8] |= 1 << (n % 8)
}

func bit(bits []byte, n int) bool {
	return bits[n/8]&(1<<(n%8)) != 0
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
