package zint32

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodedLen_Thresholds(t *testing.T) {
	cases := []struct {
		v    uint32
		want int
	}{
		{0, 1},
		{1<<7 - 1, 1},
		{1 << 7, 2},
		{1<<14 - 1, 2},
		{1 << 14, 3},
		{1<<21 - 1, 3},
		{1 << 21, 4},
		{1<<28 - 1, 4},
		{1 << 28, 5},
		{math.MaxUint32, 5},
	}
	for _, c := range cases {
		require.Equal(t, c.want, EncodedLen(c.v), "value %d", c.v)
	}
}

func TestVarint_RoundTrip(t *testing.T) {
	buf := make([]byte, MaxVarintLen)
	values := []uint32{0, 1, 127, 128, 300, 16383, 16384, 1<<21 + 7, 1<<28 - 1, 1 << 28, math.MaxUint32}
	for v := uint32(1); v != 0 && v < 1<<31; v *= 3 {
		values = append(values, v, v-1)
	}
	for _, v := range values {
		n := Encode(buf, v)
		require.Equal(t, EncodedLen(v), n)
		got, m := Decode(buf[:n])
		require.Equal(t, v, got)
		require.Equal(t, n, m)
	}
}

func TestVarint_TerminalByteHasHighBit(t *testing.T) {
	buf := make([]byte, MaxVarintLen)

	n := Encode(buf, 5)
	require.Equal(t, []byte{0x85}, buf[:n])

	// 300 = 0b10_0101100
	n = Encode(buf, 300)
	require.Equal(t, []byte{0x2C, 0x82}, buf[:n])

	for i := 0; i < n-1; i++ {
		require.Zero(t, buf[i]&0x80)
	}
}

func TestDecode_Truncated(t *testing.T) {
	buf := make([]byte, MaxVarintLen)
	n := Encode(buf, 1<<20)
	require.Equal(t, 3, n)

	_, m := Decode(buf[:2])
	require.Zero(t, m)
	_, m = Decode(nil)
	require.Zero(t, m)
}
