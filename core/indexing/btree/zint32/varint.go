package zint32

// Keys are delta-encoded with a little-endian base-128 varint. Unlike
// encoding/binary's uvarint the terminal byte carries the high bit and all
// preceding bytes have it clear. This is part of the on-disk format.

// MaxVarintLen is the maximum encoded size of a uint32.
const MaxVarintLen = 5

// EncodedLen returns the number of bytes Encode writes for v.
func EncodedLen(v uint32) int {
	switch {
	case v < 1<<7:
		return 1
	case v < 1<<14:
		return 2
	case v < 1<<21:
		return 3
	case v < 1<<28:
		return 4
	default:
		return 5
	}
}

// Encode writes v to dst and returns the number of bytes written.
// dst must have room for EncodedLen(v) bytes.
func Encode(dst []byte, v uint32) int {
	n := EncodedLen(v)
	_ = dst[n-1]
	for i := 0; i < n-1; i++ {
		dst[i] = byte(v>>(7*uint(i))) & 0x7F
	}
	dst[n-1] = byte(v>>(7*uint(n-1))) | 0x80
	return n
}

// Decode reads one value from src. It returns the value and the number of
// bytes consumed, or n == 0 if src ends before the terminal byte.
func Decode(src []byte) (v uint32, n int) {
	for i := 0; i < MaxVarintLen; i++ {
		if i >= len(src) {
			return 0, 0
		}
		b := src[i]
		v |= uint32(b&0x7F) << (7 * uint(i))
		if b&0x80 != 0 {
			return v, i + 1
		}
	}
	// the fifth byte always terminates
	return v, MaxVarintLen
}
