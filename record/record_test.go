package record

import (
	"bytes"
	"testing"

	"github.com/jobala/rowstore/util"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T) *Schema {
	schema, err := NewSchema([]Column{
		{Name: "name", Type: FIELD_VARCHAR, Length: 300, Nullable: true},
		{Name: "id", Type: FIELD_NORMAL, Length: 4},
		{Name: "code", Type: FIELD_SKIP_ENDSPACE, Length: 10},
		{Name: "score", Type: FIELD_SKIP_ZERO, Length: 8, Nullable: true},
		{Name: "body", Type: FIELD_BLOB, Length: BLOB_POINTER_SIZE + 2, Nullable: true},
	}, true, 20)
	require.NoError(t, err)
	return schema
}

func unpackBytes(t *testing.T, s *Schema, p *Packed) Record {
	stream := append(p.NonBlob(), bytes.Join(p.Blobs, nil)...)
	rec, err := s.Unpack(p.NullBits, p.EmptyBits, len(p.FieldLengths), NewByteSource(stream))
	require.NoError(t, err)
	return rec
}

func TestSchema(t *testing.T) {
	t.Run("storage order puts fixed not null columns first", func(t *testing.T) {
		s := testSchema(t)
		assert.Equal(t, []int{1, 3, 0, 2, 4}, s.Order())
		assert.Equal(t, 1, s.NullBytes)
		assert.Equal(t, 1, s.EmptyBytes)
		assert.Equal(t, 2+1+2, s.MaxFieldLengths)
		assert.Equal(t, 4, s.FixedNotNullLength)
		assert.Equal(t, 1, s.BlobCount)
	})

	t.Run("rejects bad columns", func(t *testing.T) {
		_, err := NewSchema([]Column{{Name: "a", Type: FIELD_BLOB, Length: 20}}, false, 0)
		assert.Error(t, err)

		_, err = NewSchema([]Column{
			{Name: "a", Type: FIELD_NORMAL, Length: 4},
			{Name: "a", Type: FIELD_NORMAL, Length: 4},
		}, false, 0)
		assert.Error(t, err)

		_, err = NewSchema([]Column{{Name: "a", Type: FIELD_VARCHAR, Length: 0}}, false, 0)
		assert.Error(t, err)
	})

	t.Run("parses type names", func(t *testing.T) {
		ft, err := ParseFieldType("varchar")
		require.NoError(t, err)
		assert.Equal(t, FIELD_VARCHAR, ft)

		_, err = ParseFieldType("decimal")
		assert.Error(t, err)
	})
}

func TestPack(t *testing.T) {
	t.Run("computes the length statistics", func(t *testing.T) {
		s := testSchema(t)
		rec := Record{[]byte("alice"), {1, 0, 0, 0}, []byte("ab        "), make([]byte, 8), []byte("blob data")}

		p, err := s.Pack(rec)
		require.NoError(t, err)

		assert.Equal(t, 4, p.NormalLength)
		assert.Equal(t, 2, p.CharLength)
		assert.Equal(t, 5, p.VarcharLength)
		assert.Equal(t, 9, p.BlobLength)
		assert.Equal(t, []int{9}, p.BlobLengths)
		assert.Equal(t, []byte{5, 0, 2, 9, 0}, p.FieldLengths)

		// score is all zero
		assert.Equal(t, []byte{0b0001}, p.EmptyBits)
		assert.Equal(t, []byte{0}, p.NullBits)

		header := BASE_ROW_HEADER_SIZE + 1 + 1 + 1 + 1
		assert.Equal(t, header+5+4+2+5, p.HeadLength)
		assert.Equal(t, p.HeadLength+9, p.TotalLength)
	})

	t.Run("total length is at least the minimum block length", func(t *testing.T) {
		s, err := NewSchema([]Column{{Name: "id", Type: FIELD_NORMAL, Length: 2}}, false, 64)
		require.NoError(t, err)

		p, err := s.Pack(Record{{1, 2}})
		require.NoError(t, err)
		assert.Equal(t, BASE_ROW_HEADER_SIZE+2, p.HeadLength)
		assert.Equal(t, 64, p.TotalLength)
	})

	t.Run("empty blob sets its empty bit and takes no bytes", func(t *testing.T) {
		s := testSchema(t)
		rec := Record{nil, {0, 0, 0, 1}, []byte("x         "), nil, []byte{}}

		p, err := s.Pack(rec)
		require.NoError(t, err)

		blobBit := s.emptyBit[4]
		assert.True(t, bit(p.EmptyBits, blobBit))
		assert.Equal(t, 0, p.BlobLength)
		assert.Equal(t, []int{0}, p.BlobLengths)
		assert.Nil(t, p.Blobs[0])
		assert.Equal(t, []byte{1}, p.FieldLengths)
	})

	t.Run("validates values", func(t *testing.T) {
		s := testSchema(t)

		_, err := s.Pack(Record{nil, nil, []byte("x"), nil, nil})
		assert.Error(t, err)

		_, err = s.Pack(Record{nil, {1, 2}, []byte("x"), nil, nil})
		assert.Error(t, err)

		_, err = s.Pack(Record{nil, {1, 2, 3, 4}, []byte("this is too long"), nil, nil})
		assert.Error(t, err)

		_, err = s.Pack(Record{nil, {1, 2, 3, 4}, []byte("x"), nil, make([]byte, 70000)})
		assert.Error(t, err)

		_, err = s.Pack(Record{nil})
		assert.Error(t, err)
	})

	t.Run("checksum follows content", func(t *testing.T) {
		s := testSchema(t)
		a := Record{[]byte("a"), {1, 0, 0, 0}, []byte("x"), nil, nil}
		b := Record{[]byte("b"), {1, 0, 0, 0}, []byte("x"), nil, nil}

		assert.NotEqual(t, s.RowChecksum(a), s.RowChecksum(b))
		assert.Equal(t, s.RowChecksum(a), s.RowChecksum(a.Clone()))

		// trailing spaces of CHAR values are not significant
		padded := a.Clone()
		padded[2] = []byte("x         ")
		assert.Equal(t, s.RowChecksum(a), s.RowChecksum(padded))
	})
}

func TestUnpack(t *testing.T) {
	cases := map[string]Record{
		"all columns set":  {[]byte("alice"), {1, 0, 0, 0}, []byte("ab        "), {1, 2, 3, 4, 5, 6, 7, 8}, []byte("blob data")},
		"nulls":            {nil, {2, 0, 0, 0}, []byte("z         "), nil, nil},
		"empty values":     {[]byte{}, {3, 0, 0, 0}, []byte("          "), make([]byte, 8), []byte{}},
		"long varchar":     {bytes.Repeat([]byte("v"), 300), {4, 0, 0, 0}, []byte("0123456789"), nil, bytes.Repeat([]byte("b"), 5000)},
		"zero fixed value": {[]byte("n"), {0, 0, 0, 0}, []byte("q         "), nil, nil},
	}

	for name, rec := range cases {
		t.Run(name, func(t *testing.T) {
			s := testSchema(t)
			p, err := s.Pack(rec)
			require.NoError(t, err)

			assert.Equal(t, rec, unpackBytes(t, s, p))
		})
	}

	t.Run("short stream is corruption", func(t *testing.T) {
		s := testSchema(t)
		p, err := s.Pack(cases["all columns set"])
		require.NoError(t, err)

		stream := p.NonBlob()
		_, err = s.Unpack(p.NullBits, p.EmptyBits, len(p.FieldLengths), NewByteSource(stream[:len(stream)-1]))
		assert.True(t, errors.Is(err, util.ErrWrongInRecord))
	})

	t.Run("field lengths that disagree with the bits are corruption", func(t *testing.T) {
		s := testSchema(t)
		p, err := s.Pack(cases["all columns set"])
		require.NoError(t, err)

		// claim the varchar is NULL, its length is left over
		nullBits := []byte{p.NullBits[0] | 1<<uint(s.nullBit[0])}
		stream := append(p.NonBlob(), p.Blobs[0]...)
		_, err = s.Unpack(nullBits, p.EmptyBits, len(p.FieldLengths), NewByteSource(stream))
		assert.Error(t, err)
	})
}

func TestDiff(t *testing.T) {
	s := testSchema(t)
	old := Record{[]byte("alice"), {1, 0, 0, 0}, []byte("ab        "), nil, []byte("old blob")}
	new := Record{[]byte("bob"), {1, 0, 0, 0}, []byte("ab"), {9, 0, 0, 0, 0, 0, 0, 0}, nil}

	diff := s.Diff(old, new)
	require.Len(t, diff, 3)
	assert.Equal(t, []int{0, 3, 4}, []int{diff[0].Index, diff[1].Index, diff[2].Index})
	assert.True(t, diff[1].Null)

	restored, err := s.ApplyDiff(new, diff)
	require.NoError(t, err)
	assert.Equal(t, s.RowChecksum(old), s.RowChecksum(restored))
	assert.Equal(t, old[0], restored[0])
	assert.Nil(t, restored[3])
	assert.Equal(t, old[4], restored[4])

	_, err = s.ApplyDiff(new, []ColumnValue{{Index: 9}})
	assert.Error(t, err)
}

func TestConvertDiff(t *testing.T) {
	diff := []ColumnValue{{Index: 2, Value: []byte("x")}, {Index: 3, Null: true}}

	data, err := util.ToByteSlice(diff)
	require.NoError(t, err)
	decoded, err := util.ToStruct[[]ColumnValue](data)
	require.NoError(t, err)

	assert.Equal(t, 2, decoded[0].Index)
	assert.Equal(t, []byte("x"), decoded[0].Value)
	assert.True(t, decoded[1].Null)
}
