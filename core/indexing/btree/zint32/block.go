package zint32

import (
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/pagestore/core/storage_engine/common"
)

const (
	// BlockSizeFactor is the allocation granularity ("size tier") of a block.
	BlockSizeFactor = 32
	// MaxBlockSize is the largest block size that still grows; bigger
	// blocks are split instead.
	MaxBlockSize = 64
	// InitialBlockSize is the tier of a freshly added block.
	InitialBlockSize = 1

	baseKeySize = 4
)

// index describes the location of one block. Persisted as
// u16 offset | u16 used size | u8 size tier | u8 key count.
type index struct {
	// offset of the payload, relative to the end of the index table
	offset   uint16
	usedSize uint16
	sizeMul  uint8
	keyCount uint8
}

const indexSize = 6

func (ix index) blockSize() int {
	return int(ix.sizeMul) * BlockSizeFactor
}

func decodeIndex(b []byte) index {
	return index{
		offset:   binary.LittleEndian.Uint16(b[0:2]),
		usedSize: binary.LittleEndian.Uint16(b[2:4]),
		sizeMul:  b[4],
		keyCount: b[5],
	}
}

func (ix index) encode(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], ix.offset)
	binary.LittleEndian.PutUint16(b[2:4], ix.usedSize)
	b[4] = ix.sizeMul
	b[5] = ix.keyCount
}

// requiredTier returns the smallest size tier that holds usedSize bytes.
func requiredTier(usedSize int) int {
	tier := usedSize / BlockSizeFactor
	if tier == 0 || tier*BlockSizeFactor < usedSize {
		tier++
	}
	return tier
}

// block is a view of one compressed block: its index entry and its payload
// bytes (len(data) == ix.blockSize()). The stream is a raw little-endian
// base key followed by varint deltas.
type block struct {
	index
	data []byte
}

func (b *block) baseKey() uint32 {
	return binary.LittleEndian.Uint32(b.data[0:baseKeySize])
}

func (b *block) setBaseKey(key uint32) {
	binary.LittleEndian.PutUint32(b.data[0:baseKeySize], key)
}

// fastForward returns the byte offset of the delta of key |position| and the
// value of key |position - 1|. Requires 0 < position <= keyCount.
func (b *block) fastForward(position int) (int, uint32) {
	key := b.baseKey()
	p := baseKeySize
	for i := 1; i < position; i++ {
		delta, n := Decode(b.data[p:])
		key += delta
		p += n
	}
	return p, key
}

func (b *block) valueAt(position int) uint32 {
	if position == 0 {
		return b.baseKey()
	}
	p, prev := b.fastForward(position)
	delta, _ := Decode(b.data[p:])
	return prev + delta
}

// insert stores key at |position|. The caller guarantees that the block has
// room for MaxVarintLen more bytes.
func (b *block) insert(position int, key uint32) {
	switch {
	case b.keyCount == 0:
		b.setBaseKey(key)
		b.keyCount = 1
		b.usedSize = baseKeySize
	case position == 0:
		b.prepend(key)
	case position == int(b.keyCount):
		b.append(key)
	default:
		b.insertAt(position, key)
	}
}

// prepend replaces the base key; the old base becomes the first delta.
func (b *block) prepend(key uint32) {
	delta := b.baseKey() - key
	b.setBaseKey(key)

	n := EncodedLen(delta)
	used := int(b.usedSize)
	copy(b.data[baseKeySize+n:], b.data[baseKeySize:used])
	Encode(b.data[baseKeySize:], delta)

	b.keyCount++
	b.usedSize += uint16(n)
}

func (b *block) append(key uint32) {
	// walking past the last key lands at the end of the stream
	p, prev := b.fastForward(int(b.keyCount))
	n := Encode(b.data[p:], key-prev)
	b.keyCount++
	b.usedSize += uint16(n)
}

// insertAt inserts in the middle of the block: the delta of the following
// key changes because its predecessor changes.
func (b *block) insertAt(position int, key uint32) {
	p, prev := b.fastForward(position)
	nextDelta, oldN := Decode(b.data[p:])
	next := prev + nextDelta

	d1 := key - prev
	d2 := next - key
	n1 := EncodedLen(d1)
	n2 := EncodedLen(d2)

	used := int(b.usedSize)
	copy(b.data[p+n1+n2:], b.data[p+oldN:used])
	Encode(b.data[p:], d1)
	Encode(b.data[p+n1:], d2)

	b.keyCount++
	b.usedSize = uint16(used + n1 + n2 - oldN)
}

// erase removes the key at |position|.
func (b *block) erase(position int) {
	if b.keyCount == 1 {
		b.keyCount = 0
		b.usedSize = 0
		return
	}

	used := int(b.usedSize)

	// the second key becomes the new (uncompressed) base
	if position == 0 {
		delta, n := Decode(b.data[baseKeySize:])
		b.setBaseKey(b.baseKey() + delta)
		copy(b.data[baseKeySize:], b.data[baseKeySize+n:used])
		b.usedSize -= uint16(n)
		b.keyCount--
		return
	}

	p, _ := b.fastForward(position)

	if position == int(b.keyCount)-1 {
		b.usedSize = uint16(p)
		b.keyCount--
		return
	}

	// merge the deltas of the erased key and its successor
	d1, n1 := Decode(b.data[p:])
	d2, n2 := Decode(b.data[p+n1:])
	merged := d1 + d2
	nm := Encode(b.data[p:], merged)
	copy(b.data[p+nm:], b.data[p+n1+n2:used])

	b.usedSize = uint16(used - n1 - n2 + nm)
	b.keyCount--
}

// split moves the upper part of this block into dst (an empty block with
// the same capacity) and returns the number of keys that stay here. The
// split point is where the delta bytes cross half of the used bytes.
func (b *block) split(dst *block) int {
	prev := b.baseKey()
	p := baseKeySize

	remaining := int(b.usedSize)/2 - baseKeySize
	i := 1
	for ; i < int(b.keyCount)-1 && remaining > 0; i++ {
		delta, n := Decode(b.data[p:])
		prev += delta
		p += n
		remaining -= n
	}

	// the next delta becomes the base key of the new block
	delta, n := Decode(b.data[p:])
	dst.setBaseKey(prev + delta)
	tail := b.data[p+n : int(b.usedSize)]
	copy(dst.data[baseKeySize:], tail)

	dst.keyCount = b.keyCount - uint8(i)
	dst.usedSize = uint16(baseKeySize + len(tail))
	b.keyCount = uint8(i)
	b.usedSize = uint16(p)
	return i
}

// keys decodes the whole block.
func (b *block) keys(dst []uint32) []uint32 {
	if b.keyCount == 0 {
		return dst
	}
	key := b.baseKey()
	dst = append(dst, key)
	p := baseKeySize
	for i := 1; i < int(b.keyCount); i++ {
		delta, n := Decode(b.data[p:])
		key += delta
		p += n
		dst = append(dst, key)
	}
	return dst
}

// check verifies that the stream holds exactly keyCount keys in usedSize
// bytes.
func (b *block) check() error {
	if int(b.usedSize) > b.blockSize() {
		return fmt.Errorf("%w: used block size %d exceeds allocated size %d",
			common.ErrIntegrityViolated, b.usedSize, b.blockSize())
	}
	if b.keyCount == 0 {
		if b.usedSize != 0 {
			return fmt.Errorf("%w: empty block uses %d bytes", common.ErrIntegrityViolated, b.usedSize)
		}
		return nil
	}
	p := baseKeySize
	for i := 1; i < int(b.keyCount); i++ {
		if p >= int(b.usedSize) {
			return fmt.Errorf("%w: block stream ends after %d of %d keys",
				common.ErrIntegrityViolated, i, b.keyCount)
		}
		_, n := Decode(b.data[p:b.usedSize])
		if n == 0 {
			return fmt.Errorf("%w: truncated delta at byte %d", common.ErrIntegrityViolated, p)
		}
		p += n
	}
	if p != int(b.usedSize) {
		return fmt.Errorf("%w: block holds %d bytes of keys but used size is %d",
			common.ErrIntegrityViolated, p, b.usedSize)
	}
	return nil
}
