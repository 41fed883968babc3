package blockrec

import (
	"github.com/jobala/rowstore/record"
	"github.com/jobala/rowstore/util"
	"github.com/pkg/errors"
)

/*

Head row
──────────────────────────────────────────────────────────────────────────────────────────
| FLAG (1) | TRID (6) | NULLS EXT (1) | EXTENT COUNT (1-5) | FIRST EXTENT (7) | FIELD LENGTHS LEN (1-5) |
| CHECKSUM (1) | NULL BITS | EMPTY BITS |
| row stream: EXTENTS ((count-1)*7) | FIELD LENGTHS | FIXED | CHAR/VARCHAR | BLOBS |
──────────────────────────────────────────────────────────────────────────────────────────

Everything after FLAG is optional. The row stream starts in the head and continues in
the extents when the row is split, so an extent list too long for the head is read
back from the first extents. Blobs of a split row always start on their own extent.

*/

const (
	ROW_FLAG_TRANSID        = 1
	ROW_FLAG_VER_PTR        = 2
	ROW_FLAG_DELETE_TRANSID = 4
	ROW_FLAG_NULLS_EXTENDED = 8
	ROW_FLAG_EXTENTS        = 128
	ROW_FLAG_MASK           = ROW_FLAG_TRANSID | ROW_FLAG_VER_PTR | ROW_FLAG_DELETE_TRANSID | ROW_FLAG_NULLS_EXTENDED | ROW_FLAG_EXTENTS

	TRANSID_SIZE = 6
	VERPTR_SIZE  = 7
)

type rowHeader struct {
	flag byte
	trid uint64
	// the first extent until the rest is read from the row stream
	extents      []Extent
	extentCount  int
	fieldLengths int
	checksum     byte
	nullBits     []byte
	emptyBits    []byte
	// bytes used by the header, where the row stream starts
	length int
}

// headerLength is the size of a row header for a row with extentCount extents. Only
// the first extent is part of the header.
func headerLength(s *record.Schema, trid bool, extentCount, fieldLengths int) int {
	length := 1 + s.NullBytes + s.EmptyBytes
	if trid {
		length += TRANSID_SIZE
	}
	if extentCount > 0 {
		length += util.LengthSize(uint64(extentCount)) + ROW_EXTENT_SIZE
	}
	if s.MaxFieldLengths > 0 {
		length += util.LengthSize(uint64(fieldLengths))
	}
	if s.Checksum {
		length++
	}
	return length
}

func encodeHeader(s *record.Schema, trid uint64, extents []Extent, p *record.Packed) []byte {
	buf := make([]byte, 0, headerLength(s, trid != 0, len(extents), len(p.FieldLengths)))

	flag := byte(0)
	if trid != 0 {
		flag |= ROW_FLAG_TRANSID
	}
	if len(extents) > 0 {
		flag |= ROW_FLAG_EXTENTS
	}
	buf = append(buf, flag)

	if trid != 0 {
		var tmp [TRANSID_SIZE]byte
		util.Int6Store(tmp[:], trid)
		buf = append(buf, tmp[:]...)
	}

	if len(extents) > 0 {
		buf = util.AppendLength(buf, uint64(len(extents)))
		buf = append(buf, encodeExtents(extents[:1])...)
	}

	if s.MaxFieldLengths > 0 {
		buf = util.AppendLength(buf, uint64(len(p.FieldLengths)))
	}
	if s.Checksum {
		buf = append(buf, byte(p.Checksum))
	}

	buf = append(buf, p.NullBits...)
	buf = append(buf, p.EmptyBits...)
	return buf
}

func decodeHeader(s *record.Schema, row []byte) (*rowHeader, error) {
	if len(row) == 0 {
		return nil, errors.Wrap(util.ErrWrongInRecord, "empty row")
	}

	h := &rowHeader{flag: row[0]}
	if h.flag&^ROW_FLAG_MASK != 0 {
		return nil, errors.Wrapf(util.ErrWrongInRecord, "unknown row flags %#x", h.flag)
	}

	pos := 1
	need := func(n int) error {
		if pos+n > len(row) {
			return errors.Wrapf(util.ErrWrongInRecord, "row header needs %d bytes at %d, row is %d", n, pos, len(row))
		}
		return nil
	}

	if h.flag&ROW_FLAG_TRANSID != 0 {
		if err := need(TRANSID_SIZE); err != nil {
			return nil, err
		}
		h.trid = util.Uint6Korr(row[pos:])
		pos += TRANSID_SIZE
	}
	if h.flag&ROW_FLAG_VER_PTR != 0 {
		pos += VERPTR_SIZE
	}
	if h.flag&ROW_FLAG_DELETE_TRANSID != 0 {
		pos += TRANSID_SIZE
	}
	if h.flag&ROW_FLAG_NULLS_EXTENDED != 0 {
		if err := need(1); err != nil {
			return nil, err
		}
		if row[pos] != 0 {
			return nil, errors.Wrapf(util.ErrWrongInRecord, "%d extended null columns, table has none", row[pos])
		}
		pos++
	}

	if h.flag&ROW_FLAG_EXTENTS != 0 {
		if err := need(1); err != nil {
			return nil, err
		}
		n, size, err := util.ReadLength(row[pos:])
		if err != nil {
			return nil, err
		}
		pos += size
		if n == 0 || n > MAX_ROW_EXTENTS {
			return nil, errors.Wrapf(util.ErrWrongInRecord, "row has %d extents", n)
		}
		h.extentCount = int(n)

		if err := need(ROW_EXTENT_SIZE); err != nil {
			return nil, err
		}
		first, err := decodeExtent(row[pos:])
		if err != nil {
			return nil, err
		}
		h.extents = append(h.extents, first)
		pos += ROW_EXTENT_SIZE
	}

	if s.MaxFieldLengths > 0 {
		if err := need(1); err != nil {
			return nil, err
		}
		n, size, err := util.ReadLength(row[pos:])
		if err != nil {
			return nil, err
		}
		h.fieldLengths = int(n)
		pos += size
	}

	if s.Checksum {
		if err := need(1); err != nil {
			return nil, err
		}
		h.checksum = row[pos]
		pos++
	}

	if err := need(s.NullBytes + s.EmptyBytes); err != nil {
		return nil, err
	}
	h.nullBits = row[pos : pos+s.NullBytes]
	pos += s.NullBytes
	h.emptyBits = row[pos : pos+s.EmptyBytes]
	pos += s.EmptyBytes

	h.length = pos
	return h, nil
}
