package blockrec

import (
	"github.com/jobala/rowstore/page"
	"github.com/jobala/rowstore/record"
	"github.com/jobala/rowstore/trnman"
	"github.com/jobala/rowstore/util"
	"github.com/pkg/errors"
)

type ReadStatus int

const (
	RowFound ReadStatus = iota
	RowNotVisible
)

func (s ReadStatus) String() string {
	if s == RowNotVisible {
		return "not visible"
	}
	return "found"
}

// Read returns the row at pos. A row written by a transaction trn cannot see yet comes
// back with RowNotVisible and no record. A nil trn sees every row.
func (t *Table) Read(trn *trnman.Trn, pos RecordPos) (record.Record, ReadStatus, error) {
	if err := t.checkUsable(); err != nil {
		return nil, RowFound, err
	}

	guard, err := t.bpm.ReadPage(int64(pos.Page()))
	if err != nil {
		return nil, RowFound, t.fail(err)
	}
	defer guard.Drop()

	row, err := headRowAt(page.Page(guard.GetData()), pos)
	if err != nil {
		return nil, RowFound, t.fail(err)
	}

	h, err := t.decodeRowHeader(pos, row)
	if err != nil {
		return nil, RowFound, t.fail(err)
	}
	if !t.visible(trn, h.trid) {
		return nil, RowNotVisible, nil
	}

	rec, err := t.unpackRow(pos, h, row)
	if err != nil {
		return nil, RowFound, t.fail(err)
	}
	return rec, RowFound, nil
}

func (t *Table) visible(trn *trnman.Trn, trid uint64) bool {
	return trn == nil || trid == 0 || t.trnman.CanReadFrom(trn, trid)
}

// headRowAt returns the head row bytes of pos on its page.
func headRowAt(pg page.Page, pos RecordPos) ([]byte, error) {
	if pg.Type() != page.HEAD_PAGE {
		return nil, errors.Wrapf(util.ErrRecordDeleted, "row %s: page is a %s page", pos, pg.Type())
	}
	return pg.Row(pos.Slot())
}

func (t *Table) decodeRowHeader(pos RecordPos, row []byte) (*rowHeader, error) {
	if len(row) < t.minBlock {
		return nil, util.NewPageError(pos.Page(), util.ErrWrongInRecord, "row %s of %d bytes is below the minimum of %d", pos, len(row), t.minBlock)
	}

	h, err := decodeHeader(t.schema, row)
	if err != nil {
		return nil, util.NewPageError(pos.Page(), err, "row %s", pos)
	}
	return h, nil
}

// loadExtents reads the extent list of a decoded head row from the front of its row
// stream into h.extents. The returned cursor is positioned after the list.
func (t *Table) loadExtents(pos RecordPos, h *rowHeader, row []byte) (*rowCursor, error) {
	cursor := &rowCursor{
		t:       t,
		pos:     pos,
		cur:     row[h.length:],
		extents: h.extents,
	}

	for len(cursor.extents) < h.extentCount {
		b, err := cursor.Read(ROW_EXTENT_SIZE)
		if err != nil {
			return nil, err
		}
		e, err := decodeExtent(b)
		if err != nil {
			return nil, util.NewPageError(pos.Page(), err, "row %s extent %d", pos, len(cursor.extents))
		}
		cursor.extents = append(cursor.extents, e)
	}

	h.extents = cursor.extents
	return cursor, nil
}

// unpackRow rebuilds the record of a decoded head row, following its extents.
func (t *Table) unpackRow(pos RecordPos, h *rowHeader, row []byte) (record.Record, error) {
	cursor, err := t.loadExtents(pos, h, row)
	if err != nil {
		return nil, err
	}

	rec, err := t.schema.Unpack(h.nullBits, h.emptyBits, h.fieldLengths, cursor)
	if err != nil {
		if util.IsCorruption(err) {
			return nil, util.NewPageError(pos.Page(), err, "row %s", pos)
		}
		return nil, err
	}

	if t.schema.Checksum && byte(t.schema.RowChecksum(rec)) != h.checksum {
		return nil, util.NewPageError(pos.Page(), util.ErrWrongInRecord, "row %s checksum mismatch", pos)
	}
	return rec, nil
}

// readRow decodes the row of a head page the caller has locked.
func (t *Table) readRow(pg page.Page, pos RecordPos) (*rowHeader, record.Record, error) {
	row, err := headRowAt(pg, pos)
	if err != nil {
		return nil, nil, err
	}

	h, err := t.decodeRowHeader(pos, row)
	if err != nil {
		return nil, nil, err
	}
	rec, err := t.unpackRow(pos, h, row)
	if err != nil {
		return nil, nil, err
	}
	return h, rec, nil
}

func (t *Table) readFullPage(p uint64) ([]byte, error) {
	guard, err := t.bpm.ReadPage(int64(p))
	if err != nil {
		return nil, err
	}
	defer guard.Drop()

	pg := page.Page(guard.GetData())
	if pg.Type() != page.BLOB_PAGE {
		return nil, util.NewPageError(p, util.ErrWrongInRecord, "extent points to a %s page", pg.Type())
	}
	return append([]byte{}, pg.FullData()...), nil
}

func (t *Table) readTail(e Extent) ([]byte, error) {
	guard, err := t.bpm.ReadPage(int64(e.Page))
	if err != nil {
		return nil, err
	}
	defer guard.Drop()

	pg := page.Page(guard.GetData())
	if pg.Type() != page.TAIL_PAGE {
		return nil, util.NewPageError(e.Page, util.ErrWrongInRecord, "tail extent points to a %s page", pg.Type())
	}

	row, err := pg.Row(e.Slot())
	if err != nil {
		return nil, util.NewPageError(e.Page, util.ErrWrongInRecord, "tail slot %d: %v", e.Slot(), err)
	}
	return append([]byte{}, row...), nil
}

// rowCursor hands out the row stream of a head row and its extents. Pages are read as
// the stream reaches them.
type rowCursor struct {
	t       *Table
	pos     RecordPos
	cur     []byte
	extents []Extent
	next    int
	runPage uint64
	runLeft int
}

func (c *rowCursor) Read(n int) ([]byte, error) {
	if n <= len(c.cur) {
		res := c.cur[:n]
		c.cur = c.cur[n:]
		return res, nil
	}

	res := make([]byte, 0, n)
	for len(res) < n {
		if len(c.cur) == 0 {
			if err := c.advance(); err != nil {
				return nil, err
			}
			continue
		}

		k := min(n-len(res), len(c.cur))
		res = append(res, c.cur[:k]...)
		c.cur = c.cur[k:]
	}
	return res, nil
}

// NextPiece drops what is left of the current extent. Unsplit rows keep their blobs
// in the head, so there is nothing to skip.
func (c *rowCursor) NextPiece() error {
	if len(c.extents) == 0 {
		return nil
	}
	c.cur = nil
	c.runLeft = 0
	return nil
}

func (c *rowCursor) advance() error {
	if c.runLeft > 0 {
		data, err := c.t.readFullPage(c.runPage)
		if err != nil {
			return err
		}
		c.runPage++
		c.runLeft--
		c.cur = data
		return nil
	}

	if c.next >= len(c.extents) {
		return util.NewPageError(c.pos.Page(), util.ErrWrongInRecord, "row %s continues past its %d extents", c.pos, len(c.extents))
	}
	e := c.extents[c.next]
	c.next++

	if e.Tail {
		data, err := c.t.readTail(e)
		if err != nil {
			return err
		}
		c.cur = data
		return nil
	}

	c.runPage, c.runLeft = e.Page, e.Count
	return c.advance()
}
