package record

import (
	"github.com/jobala/rowstore/util"
	"github.com/pkg/errors"
)

type FieldType uint8

const (
	FIELD_NORMAL FieldType = iota
	FIELD_SKIP_ZERO
	FIELD_SKIP_ENDSPACE
	FIELD_VARCHAR
	FIELD_BLOB
)

const (
	BLOB_POINTER_SIZE = 8
	MAX_FIELD_LENGTH  = 65535

	// flag byte and transaction id every new row starts with
	BASE_ROW_HEADER_SIZE = 1 + 6
)

var fieldTypeNames = map[FieldType]string{
	FIELD_NORMAL:        "normal",
	FIELD_SKIP_ZERO:     "skip_zero",
	FIELD_SKIP_ENDSPACE: "char",
	FIELD_VARCHAR:       "varchar",
	FIELD_BLOB:          "blob",
}

func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseFieldType accepts the names used in table definition files.
func ParseFieldType(name string) (FieldType, error) {
	switch name {
	case "normal", "fixed", "int":
		return FIELD_NORMAL, nil
	case "skip_zero":
		return FIELD_SKIP_ZERO, nil
	case "char", "skip_endspace":
		return FIELD_SKIP_ENDSPACE, nil
	case "varchar":
		return FIELD_VARCHAR, nil
	case "blob":
		return FIELD_BLOB, nil
	}
	return 0, errors.Errorf("unknown column type %q", name)
}

// Column describes one column. For blobs Length is the size of the stored length plus
// BLOB_POINTER_SIZE.
type Column struct {
	Name     string    `msgpack:"name"`
	Type     FieldType `msgpack:"type"`
	Length   int       `msgpack:"length"`
	Nullable bool      `msgpack:"nullable"`
}

func (c Column) isFixed() bool {
	return c.Type == FIELD_NORMAL || c.Type == FIELD_SKIP_ZERO
}

func (c Column) canBeEmpty() bool {
	return c.Type != FIELD_NORMAL
}

// lengthWidth is the number of bytes of the column's entry in the field lengths array.
func (c Column) lengthWidth() int {
	switch c.Type {
	case FIELD_SKIP_ENDSPACE, FIELD_VARCHAR:
		if c.Length > 255 {
			return 2
		}
		return 1
	case FIELD_BLOB:
		return c.Length - BLOB_POINTER_SIZE
	}
	return 0
}

func (c Column) maxLength() int {
	if c.Type == FIELD_BLOB {
		return int(uint64(1)<<(8*c.lengthWidth()) - 1)
	}
	return c.Length
}

func NewSchema(columns []Column, checksum bool, minBlockLength int) (*Schema, error) {
	s := &Schema{
		Columns:        columns,
		Checksum:       checksum,
		MinBlockLength: minBlockLength,
		nullBit:        make([]int, len(columns)),
		emptyBit:       make([]int, len(columns)),
	}

	names := map[string]bool{}
	for i, col := range columns {
		if err := validateColumn(col); err != nil {
			return nil, errors.Wrapf(err, "column %d", i)
		}
		if names[col.Name] {
			return nil, errors.Errorf("duplicate column %q", col.Name)
		}
		names[col.Name] = true
	}

	// fixed not null, fixed nullable, char and varchar, blobs
	groups := []func(Column) bool{
		func(c Column) bool { return c.isFixed() && !c.Nullable },
		func(c Column) bool { return c.isFixed() && c.Nullable },
		func(c Column) bool { return c.Type == FIELD_SKIP_ENDSPACE || c.Type == FIELD_VARCHAR },
		func(c Column) bool { return c.Type == FIELD_BLOB },
	}
	for _, inGroup := range groups {
		for i, col := range columns {
			if inGroup(col) {
				s.order = append(s.order, i)
			}
		}
	}

	nulls, empties := 0, 0
	for _, i := range s.order {
		col := columns[i]

		s.nullBit[i] = -1
		if col.Nullable {
			s.nullBit[i] = nulls
			nulls++
		}

		s.emptyBit[i] = -1
		if col.canBeEmpty() {
			s.emptyBit[i] = empties
			empties++
		}

		s.MaxFieldLengths += col.lengthWidth()
		if col.Type == FIELD_BLOB {
			s.BlobCount++
		}
		if col.isFixed() && !col.Nullable {
			s.FixedNotNullLength += col.Length
		}
	}

	s.NullBytes = (nulls + 7) / 8
	s.EmptyBytes = (empties + 7) / 8
	return s, nil
}

func validateColumn(col Column) error {
	if col.Name == "" {
		return errors.New("column without a name")
	}

	switch col.Type {
	case FIELD_NORMAL, FIELD_SKIP_ZERO, FIELD_SKIP_ENDSPACE, FIELD_VARCHAR:
		if col.Length < 1 || col.Length > MAX_FIELD_LENGTH {
			return errors.Errorf("%s: length %d out of range", col.Name, col.Length)
		}
	case FIELD_BLOB:
		if col.Length < BLOB_POINTER_SIZE+1 || col.Length > BLOB_POINTER_SIZE+4 {
			return errors.Errorf("%s: blob length %d must be %d..%d", col.Name, col.Length, BLOB_POINTER_SIZE+1, BLOB_POINTER_SIZE+4)
		}
	default:
		return errors.Errorf("%s: unknown field type %d", col.Name, col.Type)
	}
	return nil
}

// HeaderLength is the row header size of an unsplit row written by a transaction.
func (s *Schema) HeaderLength(fieldLengths int) int {
	length := BASE_ROW_HEADER_SIZE + s.NullBytes + s.EmptyBytes
	if s.MaxFieldLengths > 0 {
		length += util.LengthSize(uint64(fieldLengths))
	}
	if s.Checksum {
		length++
	}
	return length
}

// Order returns column indexes in storage order.
func (s *Schema) Order() []int {
	return s.order
}

type Schema struct {
	Columns            []Column
	Checksum           bool
	MinBlockLength     int
	NullBytes          int
	EmptyBytes         int
	MaxFieldLengths    int
	FixedNotNullLength int
	BlobCount          int

	order    []int
	nullBit  []int
	emptyBit []int
}
