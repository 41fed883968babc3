package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLengthCodec(t *testing.T) {
	t.Run("300 is stored with the two byte marker", func(t *testing.T) {
		buf := make([]byte, 5)
		n := StoreLength(buf, 300)

		assert.Equal(t, 3, n)
		assert.Equal(t, []byte{252, 0x2C, 0x01}, buf[:n])

		val, used, err := ReadLength(buf)
		require.NoError(t, err)
		assert.Equal(t, uint64(300), val)
		assert.Equal(t, 3, used)
	})

	t.Run("round trips across all marker boundaries", func(t *testing.T) {
		values := []uint64{0, 1, 250, 251, 255, 256, 65535, 65536, 16777215, 16777216, 1 << 31}
		sizes := []int{1, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5}

		for i, v := range values {
			buf := make([]byte, 5)
			n := StoreLength(buf, v)
			assert.Equal(t, sizes[i], n, "size of %d", v)
			assert.Equal(t, LengthSize(v), n)

			got, used, err := ReadLength(buf[:n])
			require.NoError(t, err)
			assert.Equal(t, v, got)
			assert.Equal(t, n, used)
		}
	})

	t.Run("truncated prefix is reported as wrong in record", func(t *testing.T) {
		_, _, err := ReadLength([]byte{253, 1})
		assert.ErrorIs(t, err, ErrWrongInRecord)

		_, _, err = ReadLength(nil)
		assert.ErrorIs(t, err, ErrWrongInRecord)
	})

	t.Run("append length matches store length", func(t *testing.T) {
		buf := AppendLength([]byte{9}, 70000)
		assert.Equal(t, []byte{9, 253, 0x70, 0x11, 0x01}, buf)
	})
}

func TestKorr(t *testing.T) {
	t.Run("five byte page numbers", func(t *testing.T) {
		buf := make([]byte, 5)
		Int5Store(buf, 0xFF_1234_5678)
		assert.Equal(t, uint64(0xFF_1234_5678), Uint5Korr(buf))
		assert.Equal(t, byte(0x78), buf[0])
	})

	t.Run("seven byte lsn", func(t *testing.T) {
		buf := make([]byte, 7)
		Int7Store(buf, 1<<55+3)
		assert.Equal(t, uint64(1<<55+3), Uint7Korr(buf))
	})

	t.Run("two and three byte values", func(t *testing.T) {
		buf := make([]byte, 4)
		Int2Store(buf, 0xBEEF)
		assert.Equal(t, uint16(0xBEEF), Uint2Korr(buf))
		Int3Store(buf, 0xABCDEF)
		assert.Equal(t, uint32(0xABCDEF), Uint3Korr(buf))
		Int4Store(buf, 0xDEADBEEF)
		assert.Equal(t, uint32(0xDEADBEEF), Uint4Korr(buf))
	})
}

func TestConvert(t *testing.T) {
	type body struct {
		Page uint64
		Data []byte
	}

	data, err := ToByteSlice(body{Page: 7, Data: []byte("abc")})
	require.NoError(t, err)

	got, err := ToStruct[body](data)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.Page)
	assert.Equal(t, []byte("abc"), got.Data)

	_, err = ToStruct[body]([]byte{0xc1})
	assert.Error(t, err)
}
