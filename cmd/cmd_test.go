package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jobala/rowstore/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValues(t *testing.T) {
	id := record.Column{Name: "id", Type: record.FIELD_NORMAL, Length: 4}
	small := record.Column{Name: "small", Type: record.FIELD_SKIP_ZERO, Length: 2, Nullable: true}
	raw := record.Column{Name: "raw", Type: record.FIELD_NORMAL, Length: 3}
	code := record.Column{Name: "code", Type: record.FIELD_SKIP_ENDSPACE, Length: 5}
	name := record.Column{Name: "name", Type: record.FIELD_VARCHAR, Length: 10, Nullable: true}
	body := record.Column{Name: "body", Type: record.FIELD_BLOB, Length: record.BLOB_POINTER_SIZE + 2, Nullable: true}

	t.Run("round trips values", func(t *testing.T) {
		for _, tc := range []struct {
			col   record.Column
			value string
			want  []byte
		}{
			{id, "258", []byte{2, 1, 0, 0}},
			{id, "-1", []byte{0xff, 0xff, 0xff, 0xff}},
			{small, "7", []byte{7, 0}},
			{raw, "0a0b", []byte{0x0a, 0x0b, 0}},
			{code, "ab", []byte("ab   ")},
			{name, "alice", []byte("alice")},
			{body, "short blob", []byte("short blob")},
		} {
			b, err := parseValue(tc.col, tc.value)
			require.NoError(t, err, tc.value)
			assert.Equal(t, tc.want, b, tc.value)
		}

		assert.Equal(t, "-1", formatValue(id, []byte{0xff, 0xff, 0xff, 0xff}))
		assert.Equal(t, "258", formatValue(id, []byte{2, 1, 0, 0}))
		assert.Equal(t, "0a0b00", formatValue(raw, []byte{0x0a, 0x0b, 0}))
		assert.Equal(t, "ab", formatValue(code, []byte("ab   ")))
		assert.Equal(t, "<1.0 kB>", formatValue(body, bytes.Repeat([]byte("x"), 1000)))
	})

	t.Run("handles NULL", func(t *testing.T) {
		b, err := parseValue(name, NULL_VALUE)
		require.NoError(t, err)
		assert.Nil(t, b)
		assert.Equal(t, NULL_VALUE, formatValue(name, nil))

		_, err = parseValue(id, NULL_VALUE)
		assert.Error(t, err)
	})

	t.Run("rejects bad values", func(t *testing.T) {
		for _, tc := range []struct {
			col   record.Column
			value string
		}{
			{id, "four"},
			{id, "99999999999"},
			{raw, "zz"},
			{raw, "0102030405"},
			{code, "toolong"},
		} {
			_, err := parseValue(tc.col, tc.value)
			assert.Error(t, err, tc.value)
		}

		_, err := parseRecord([]record.Column{id, name}, []string{"1"})
		assert.Error(t, err)
	})

	t.Run("reads blobs from files", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "blob")
		require.NoError(t, os.WriteFile(path, []byte("from a file"), 0o644))

		b, err := parseValue(body, "@"+path)
		require.NoError(t, err)
		assert.Equal(t, []byte("from a file"), b)
	})
}

const testSchema = `
checksum = true

column "id" {
	type = "int"
	length = 4
}

column "name" {
	type = "varchar"
	length = 50
	nullable = true
}
`

func run(t *testing.T, dir string, args ...string) (string, error) {
	var out bytes.Buffer
	rowstoreCmd.SetOutput(&out)
	rowstoreCmd.SetArgs(append(args, "--data-dir", dir, "--no-config", "--log-stderr", "--log-level", "error"))
	err := rowstoreCmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	schema := filepath.Join(t.TempDir(), "items.hcl")
	require.NoError(t, os.WriteFile(schema, []byte(testSchema), 0o644))

	out, err := run(t, dir, "create", "items", schema)
	require.NoError(t, err, out)
	assert.Contains(t, out, "created table items with 2 columns")

	out, err = run(t, dir, "insert", "items", "1", "first")
	require.NoError(t, err, out)
	first := strings.TrimSpace(strings.TrimPrefix(out, "inserted "))

	out, err = run(t, dir, "insert", "items", "2", "NULL")
	require.NoError(t, err, out)

	_, err = run(t, dir, "insert", "items", "three", "x")
	assert.Error(t, err)

	out, err = run(t, dir, "scan", "items")
	require.NoError(t, err, out)
	assert.Contains(t, out, "first")
	assert.Contains(t, out, "NULL")
	assert.Contains(t, out, "(2 rows)")

	out, err = run(t, dir, "delete", "items", first)
	require.NoError(t, err, out)
	assert.Contains(t, out, "deleted 1 rows")

	out, err = run(t, dir, "scan", "items")
	require.NoError(t, err, out)
	assert.NotContains(t, out, "first")
	assert.Contains(t, out, "(1 rows)")

	out, err = run(t, dir, "tables")
	require.NoError(t, err, out)
	assert.Contains(t, out, "items")

	out, err = run(t, dir, "check", "items")
	require.NoError(t, err, out)
	assert.Contains(t, out, "items: 1 rows")

	out, err = run(t, dir, "dump", "items")
	require.NoError(t, err, out)
	assert.Contains(t, out, "head")

	out, err = run(t, dir, "recover")
	require.NoError(t, err, out)
	assert.Contains(t, out, "rolled back 0 transactions")

	out, err = run(t, dir, "checkpoint")
	require.NoError(t, err, out)
	assert.Contains(t, out, "checkpoint at lsn")

	_, err = run(t, dir, "scan", "missing")
	assert.Error(t, err)
}
