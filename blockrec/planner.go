package blockrec

import (
	"github.com/jobala/rowstore/bitmap"
	"github.com/jobala/rowstore/page"
	"github.com/jobala/rowstore/record"
	"github.com/jobala/rowstore/util"
	"github.com/pkg/errors"
)

// group is a part of a split row stored outside the head: the overflow of the row
// stream or one blob. Its data fills fullPages full pages and the rest goes to a tail.
type group struct {
	data      []byte
	blob      bool
	fullPages int
	runs      []bitmap.Run
}

func (g *group) tailLength(blockSize int) int {
	return max(len(g.data)-g.fullPages*page.FullPageCapacity(blockSize), 0)
}

// extentCount is the number of extents of the group, estimated from the page count
// until its full pages are reserved.
func (g *group) extentCount(blockSize int) int {
	count := 0
	if g.runs != nil {
		for _, run := range g.runs {
			count += (run.Count + MAX_EXTENT_PAGES - 1) / MAX_EXTENT_PAGES
		}
	} else {
		count = (g.fullPages + MAX_EXTENT_PAGES - 1) / MAX_EXTENT_PAGES
	}

	if g.tailLength(blockSize) > 0 {
		count++
	}
	return count
}

// splitLength divides length bytes into full pages and a tail. A remainder too big for
// a tail page takes one more, partly filled, full page.
func splitLength(length, blockSize int) (int, int) {
	capacity := page.FullPageCapacity(blockSize)
	full, rest := length/capacity, length%capacity
	if rest > page.EmptyPageSpace(blockSize) {
		return full + 1, 0
	}
	return full, rest
}

func newGroup(data []byte, blob bool, blockSize int) *group {
	full, _ := splitLength(len(data), blockSize)
	return &group{data: data, blob: blob, fullPages: full}
}

// rowPlan says how a packed row is laid out over the head and the extents. The stream
// of a split row starts with room for the extent list, filled in once the extents
// are known.
type rowPlan struct {
	packed *record.Packed
	trid   uint64
	stream []byte
	split  bool
	// bytes of the stream kept in the head
	headData int
	// extents the head has room for
	extents  int
	overflow *group
	blobs    []*group
	// set once a REDO record for the row is logged
	logged bool
}

func (p *rowPlan) groups() []*group {
	var groups []*group
	if p.overflow != nil {
		groups = append(groups, p.overflow)
	}
	return append(groups, p.blobs...)
}

func (p *rowPlan) extentCount(blockSize int) int {
	count := 0
	for _, g := range p.groups() {
		count += g.extentCount(blockSize)
	}
	return count
}

// unsplitLength is the head row size of the packed row when nothing is split off.
func unsplitLength(s *record.Schema, p *record.Packed, trid uint64) int {
	return headerLength(s, trid != 0, 0, len(p.FieldLengths)) + len(p.FieldLengths) + len(p.Fixed) + len(p.Var) + p.BlobLength
}

// planRow lays out a packed row for a head row of at most capacity bytes. A row that
// does not fit keeps its header and as much of the row stream as fits in the head; the
// rest of the stream, extent list included, and every non empty blob become groups of
// their own.
func planRow(s *record.Schema, p *record.Packed, trid uint64, capacity, blockSize int) (*rowPlan, error) {
	plan := &rowPlan{
		packed: p,
		trid:   trid,
		stream: p.NonBlob(),
	}

	if unsplitLength(s, p, trid) <= capacity {
		plan.headData = len(plan.stream)
		return plan, nil
	}

	plan.split = true
	for _, blob := range p.Blobs {
		if len(blob) > 0 {
			plan.blobs = append(plan.blobs, newGroup(blob, true, blockSize))
		}
	}

	blobExtents := plan.extentCount(blockSize)
	extents := blobExtents
	for {
		if err := plan.fitHead(s, extents, capacity, blockSize); err != nil {
			return nil, err
		}

		// more extents shrink the head, so the count only grows
		needed := plan.extentCount(blockSize)
		if needed <= extents {
			break
		}
		extents = needed
	}
	plan.extents = extents
	return plan, nil
}

// fitHead puts as much of the stream in the head as the header with the given number
// of extents leaves room for.
func (p *rowPlan) fitHead(s *record.Schema, extents, capacity, blockSize int) error {
	room := capacity - headerLength(s, p.trid != 0, max(extents, 1), len(p.packed.FieldLengths))
	if room < 0 {
		return errors.Wrapf(util.ErrNoSpace, "row header does not fit in %d bytes", capacity)
	}

	nonBlob := p.packed.NonBlob()
	p.stream = append(make([]byte, extentListLength(extents), extentListLength(extents)+len(nonBlob)), nonBlob...)

	p.headData = min(len(p.stream), room)
	if p.headData == len(p.stream) {
		p.overflow = nil
		return nil
	}

	data := p.stream[p.headData:]
	full, _ := splitLength(len(data), blockSize)
	if p.overflow == nil {
		p.overflow = &group{}
	}
	p.overflow.data = data
	p.overflow.fullPages = max(full, p.overflow.fullPages)
	return nil
}

// setExtents writes the final extent list into the stream. The overflow data shares
// the stream, so this must happen before the overflow is written.
func (p *rowPlan) setExtents(extents []Extent) error {
	if !p.split || len(extents) != p.extents {
		return errors.Errorf("row planned for %d extents got %d", p.extents, len(extents))
	}
	if len(extents) > 1 {
		copy(p.stream, encodeExtents(extents[1:]))
	}
	return nil
}

// headRow builds the head row for the final extent list.
func (p *rowPlan) headRow(s *record.Schema, extents []Extent) []byte {
	row := encodeHeader(s, p.trid, extents, p.packed)
	row = append(row, p.stream[:p.headData]...)
	if !p.split {
		for _, blob := range p.packed.Blobs {
			row = append(row, blob...)
		}
	}
	return row
}
