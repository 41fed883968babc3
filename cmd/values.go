package cmd

import (
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/jobala/rowstore/record"
	"github.com/jobala/rowstore/util"
	"github.com/pkg/errors"
)

const (
	NULL_VALUE = "NULL"
	// blob values longer than this are shown by their size
	MAX_SHOWN_BLOB = 32
)

// parseRecord turns command line values, one per column, into a record.
func parseRecord(columns []record.Column, values []string) (record.Record, error) {
	if len(values) != len(columns) {
		return nil, errors.Errorf("got %d values for %d columns", len(values), len(columns))
	}

	rec := make(record.Record, len(columns))
	for i, col := range columns {
		v, err := parseValue(col, values[i])
		if err != nil {
			return nil, errors.Wrapf(err, "column %s", col.Name)
		}
		rec[i] = v
	}
	return rec, nil
}

// parseValue converts s to the stored bytes of col. Fixed columns of 1, 2, 4 or 8 bytes
// take integers, other fixed columns take hex. A blob value starting with @ names a file
// to read the value from.
func parseValue(col record.Column, s string) ([]byte, error) {
	if s == NULL_VALUE {
		if !col.Nullable {
			return nil, errors.New("not nullable")
		}
		return nil, nil
	}

	switch col.Type {
	case record.FIELD_NORMAL, record.FIELD_SKIP_ZERO:
		if isInteger(col) {
			n, err := strconv.ParseInt(s, 0, 8*col.Length)
			if err != nil {
				return nil, errors.Wrap(err, "parse integer")
			}
			b := make([]byte, col.Length)
			util.StoreN(b, uint64(n), col.Length)
			return b, nil
		}

		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, errors.Wrap(err, "parse hex")
		}
		if len(b) > col.Length {
			return nil, errors.Errorf("%d bytes do not fit in %d", len(b), col.Length)
		}
		return append(b, make([]byte, col.Length-len(b))...), nil

	case record.FIELD_SKIP_ENDSPACE:
		if len(s) > col.Length {
			return nil, errors.Errorf("%d bytes do not fit in %d", len(s), col.Length)
		}
		return []byte(s + strings.Repeat(" ", col.Length-len(s))), nil

	case record.FIELD_BLOB:
		if name, ok := strings.CutPrefix(s, "@"); ok {
			b, err := os.ReadFile(name)
			if err != nil {
				return nil, err
			}
			return b, nil
		}
	}
	return []byte(s), nil
}

func isInteger(col record.Column) bool {
	switch col.Length {
	case 1, 2, 4, 8:
		return true
	}
	return false
}

// formatValue is the inverse of parseValue for display.
func formatValue(col record.Column, v []byte) string {
	if v == nil {
		return NULL_VALUE
	}

	switch col.Type {
	case record.FIELD_NORMAL, record.FIELD_SKIP_ZERO:
		if isInteger(col) && len(v) == col.Length {
			n := util.KorrN(v, col.Length)
			// sign extend
			shift := 64 - 8*col.Length
			return strconv.FormatInt(int64(n<<shift)>>shift, 10)
		}
		return hex.EncodeToString(v)
	case record.FIELD_SKIP_ENDSPACE:
		return strings.TrimRight(string(v), " ")
	case record.FIELD_BLOB:
		if len(v) > MAX_SHOWN_BLOB || !utf8.Valid(v) {
			return "<" + humanize.Bytes(uint64(len(v))) + ">"
		}
	}
	return string(v)
}
