package zint32

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBlock(tier int) *block {
	return &block{
		index: index{sizeMul: uint8(tier)},
		data:  make([]byte, tier*BlockSizeFactor),
	}
}

// insertSorted inserts key into b at its sorted position and mirrors it in ref.
func insertSorted(b *block, ref []uint32, key uint32) []uint32 {
	pos, _ := slices.BinarySearch(ref, key)
	b.insert(pos, key)
	return slices.Insert(ref, pos, key)
}

func TestBlock_InsertCases(t *testing.T) {
	b := newTestBlock(3)

	b.insert(0, 100) // empty
	b.insert(1, 200) // append
	b.insert(0, 50)  // prepend
	b.insert(2, 150) // middle

	require.Equal(t, []uint32{50, 100, 150, 200}, b.keys(nil))
	require.EqualValues(t, 4, b.keyCount)
	require.NoError(t, b.check())
	for i, want := range []uint32{50, 100, 150, 200} {
		require.Equal(t, want, b.valueAt(i))
	}
	// raw base plus three one-byte deltas
	require.EqualValues(t, 4+3, b.usedSize)
}

func TestBlock_RandomInsertErase(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	b := newTestBlock(3)
	var ref []uint32

	for int(b.usedSize)+MaxVarintLen <= b.blockSize() {
		key := rng.Uint32N(1 << 16)
		if _, found := slices.BinarySearch(ref, key); found {
			continue
		}
		ref = insertSorted(b, ref, key)
		require.Equal(t, ref, b.keys(nil))
		require.NoError(t, b.check())
		require.LessOrEqual(t, int(b.usedSize), b.blockSize())
	}

	for len(ref) > 0 {
		pos := rng.IntN(len(ref))
		b.erase(pos)
		ref = slices.Delete(ref, pos, pos+1)
		require.Equal(t, len(ref), int(b.keyCount))
		if len(ref) > 0 {
			require.Equal(t, ref, b.keys(nil))
		}
		require.NoError(t, b.check())
	}
	require.Zero(t, b.usedSize)
}

func TestBlock_EraseBasePromotesNextKey(t *testing.T) {
	b := newTestBlock(1)
	b.insert(0, 10)
	b.insert(1, 1000)
	b.insert(2, 1001)

	b.erase(0)
	require.Equal(t, uint32(1000), b.baseKey())
	require.Equal(t, []uint32{1000, 1001}, b.keys(nil))
	require.EqualValues(t, 5, b.usedSize)
}

func TestBlock_SplitByBytes(t *testing.T) {
	b := newTestBlock(3)
	var ref []uint32
	// small deltas first, large deltas last: the byte midpoint is not the
	// key midpoint
	key := uint32(0)
	for i := 0; i < 20; i++ {
		key++
		ref = insertSorted(b, ref, key)
	}
	for i := 0; i < 10; i++ {
		key += 1 << 22
		ref = insertSorted(b, ref, key)
	}
	require.NoError(t, b.check())

	dst := newTestBlock(3)
	keep := b.split(dst)

	require.Equal(t, keep, int(b.keyCount))
	require.Equal(t, len(ref), int(b.keyCount)+int(dst.keyCount))
	require.Equal(t, ref[:keep], b.keys(nil))
	require.Equal(t, ref[keep:], dst.keys(nil))
	require.NoError(t, b.check())
	require.NoError(t, dst.check())
	require.Greater(t, keep, len(ref)/2)
}

func TestBlock_CheckDetectsCorruption(t *testing.T) {
	b := newTestBlock(1)
	b.insert(0, 1)
	b.insert(1, 2)
	b.keyCount = 3
	require.Error(t, b.check())

	b = newTestBlock(1)
	b.usedSize = 40
	b.keyCount = 1
	require.Error(t, b.check())
}
