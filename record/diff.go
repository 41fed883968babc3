package record

import (
	"bytes"

	"github.com/pkg/errors"
)

// ColumnValue is one changed column of an update, holding the value before the update.
type ColumnValue struct {
	Index int    `msgpack:"i"`
	Null  bool   `msgpack:"n"`
	Value []byte `msgpack:"v"`
}

// Diff lists the columns that differ between old and new, with their old values.
func (s *Schema) Diff(old, new Record) []ColumnValue {
	var diff []ColumnValue
	for i := range s.Columns {
		if equalValue(s.Columns[i], old[i], new[i]) {
			continue
		}
		diff = append(diff, ColumnValue{
			Index: i,
			Null:  old[i] == nil,
			Value: old[i],
		})
	}
	return diff
}

// ApplyDiff returns a copy of rec with the logged column values put back.
func (s *Schema) ApplyDiff(rec Record, diff []ColumnValue) (Record, error) {
	res := rec.Clone()
	for _, cv := range diff {
		if cv.Index < 0 || cv.Index >= len(res) {
			return nil, errors.Errorf("column index %d out of range", cv.Index)
		}
		if cv.Null {
			res[cv.Index] = nil
			continue
		}
		res[cv.Index] = append([]byte{}, cv.Value...)
	}
	return res, nil
}

func equalValue(col Column, a, b []byte) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if col.Type == FIELD_SKIP_ENDSPACE {
		return bytes.Equal(bytes.TrimRight(a, " "), bytes.TrimRight(b, " "))
	}
	return bytes.Equal(a, b)
}
