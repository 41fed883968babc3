package util

// Little-endian fixed width integers as stored on pages and in row headers.

func Int2Store(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func Uint2Korr(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func Int3Store(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func Uint3Korr(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func Int4Store(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func Uint4Korr(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func Int5Store(b []byte, v uint64) {
	storeN(b, v, 5)
}

func Uint5Korr(b []byte) uint64 {
	return korrN(b, 5)
}

func Int6Store(b []byte, v uint64) {
	storeN(b, v, 6)
}

func Uint6Korr(b []byte) uint64 {
	return korrN(b, 6)
}

func Int7Store(b []byte, v uint64) {
	storeN(b, v, 7)
}

func Uint7Korr(b []byte) uint64 {
	return korrN(b, 7)
}

// StoreN writes the n low bytes of v, n in 1..8.
func StoreN(b []byte, v uint64, n int) {
	storeN(b, v, n)
}

func KorrN(b []byte, n int) uint64 {
	return korrN(b, n)
}

func storeN(b []byte, v uint64, n int) {
	_ = b[n-1]
	for i := 0; i < n; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func korrN(b []byte, n int) uint64 {
	_ = b[n-1]
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
