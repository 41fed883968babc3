package record

import (
	"bytes"

	"github.com/jobala/rowstore/util"
	"github.com/pkg/errors"
)

// Source hands out the row stream that follows the row header. Read returns exactly n
// bytes, crossing page boundaries as needed. NextPiece moves to the start of the next
// extent; blobs of split rows always start on a fresh extent.
type Source interface {
	Read(n int) ([]byte, error)
	NextPiece() error
}

// Unpack rebuilds a record from its null and empty bits and the row stream.
// fieldLengths is the size of the field lengths array stored in the row header.
func (s *Schema) Unpack(nullBits, emptyBits []byte, fieldLengths int, src Source) (Record, error) {
	if len(nullBits) != s.NullBytes || len(emptyBits) != s.EmptyBytes {
		return nil, errors.Wrap(util.ErrWrongInRecord, "null or empty bits do not match the table")
	}
	if fieldLengths > s.MaxFieldLengths {
		return nil, errors.Wrapf(util.ErrWrongInRecord, "field lengths of %d bytes, at most %d", fieldLengths, s.MaxFieldLengths)
	}

	lengths, err := src.Read(fieldLengths)
	if err != nil {
		return nil, err
	}

	rec := make(Record, len(s.Columns))
	var blobs []int
	for _, i := range s.order {
		col := s.Columns[i]

		if s.nullBit[i] >= 0 && bit(nullBits, s.nullBit[i]) {
			continue
		}
		empty := s.emptyBit[i] >= 0 && bit(emptyBits, s.emptyBit[i])

		switch col.Type {
		case FIELD_NORMAL, FIELD_SKIP_ZERO:
			if empty {
				rec[i] = make([]byte, col.Length)
				continue
			}
			if rec[i], err = readCopy(src, col.Length); err != nil {
				return nil, err
			}

		case FIELD_SKIP_ENDSPACE, FIELD_VARCHAR:
			length := 0
			if !empty {
				if length, lengths, err = nextFieldLength(lengths, col); err != nil {
					return nil, err
				}
			}

			value, err := readCopy(src, length)
			if err != nil {
				return nil, err
			}
			if col.Type == FIELD_SKIP_ENDSPACE {
				value = append(value, bytes.Repeat([]byte{' '}, col.Length-len(value))...)
			}
			rec[i] = value

		case FIELD_BLOB:
			if empty {
				rec[i] = []byte{}
				continue
			}
			length := 0
			if length, lengths, err = nextFieldLength(lengths, col); err != nil {
				return nil, err
			}
			// blob data follows the rest of the row, read it below
			rec[i] = make([]byte, length)
			blobs = append(blobs, i)
		}
	}

	if len(lengths) != 0 {
		return nil, errors.Wrapf(util.ErrWrongInRecord, "%d unused field length bytes", len(lengths))
	}

	for _, i := range blobs {
		if err := src.NextPiece(); err != nil {
			return nil, err
		}
		data, err := src.Read(len(rec[i]))
		if err != nil {
			return nil, err
		}
		copy(rec[i], data)
	}

	return rec, nil
}

func nextFieldLength(lengths []byte, col Column) (int, []byte, error) {
	width := col.lengthWidth()
	if len(lengths) < width {
		return 0, nil, errors.Wrapf(util.ErrWrongInRecord, "field lengths end before column %s", col.Name)
	}

	length := int(util.KorrN(lengths[:width], width))
	if length > col.maxLength() || length == 0 {
		return 0, nil, errors.Wrapf(util.ErrWrongInRecord, "column %s has length %d", col.Name, length)
	}
	return length, lengths[width:], nil
}

func readCopy(src Source, n int) ([]byte, error) {
	data, err := src.Read(n)
	if err != nil {
		return nil, err
	}
	return append([]byte{}, data...), nil
}

// NewByteSource reads an unsplit row stream.
func NewByteSource(data []byte) *ByteSource {
	return &ByteSource{data: data}
}

func (b *ByteSource) Read(n int) ([]byte, error) {
	if n > len(b.data)-b.pos {
		return nil, errors.Wrapf(util.ErrWrongInRecord, "row ends after %d bytes, %d more needed", b.pos, n)
	}
	res := b.data[b.pos : b.pos+n]
	b.pos += n
	return res, nil
}

func (b *ByteSource) NextPiece() error {
	return nil
}

// Rest is what remains after the last read, padding included.
func (b *ByteSource) Rest() []byte {
	return b.data[b.pos:]
}

type ByteSource struct {
	data []byte
	pos  int
}
