// Package zint32 implements the compressed key list stored in the key region
// of a B+tree leaf: sorted uint32 keys split into small blocks, each holding a
// raw base key followed by varint-encoded deltas.
//
// Layout of the key region (little endian):
//
//	u32 block count | u32 used size | index entries | block payloads
//
// The used size covers the header, the index table and the payload up to the
// end of the physically last block.
package zint32

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/sushant-115/pagestore/core/storage_engine/common"
)

const headerSize = 8

// splitReserve is the worst case growth of a single insert: one new index
// entry plus the payload of a split block, rounded up.
const splitReserve = 4 * BlockSizeFactor

// KeyList is a view over the key region of one node. It does not own the
// buffer; the caller holds the page latch while using it.
type KeyList struct {
	data      []byte
	rangeSize int
}

// Create initializes an empty list with a single empty block.
func Create(data []byte, rangeSize int) (*KeyList, error) {
	if rangeSize > len(data) {
		return nil, fmt.Errorf("%w: range size %d exceeds buffer of %d bytes",
			common.ErrIntegrityViolated, rangeSize, len(data))
	}
	l := &KeyList{data: data[:rangeSize], rangeSize: rangeSize}
	l.setBlockCount(0)
	l.setUsedSize(headerSize)
	if err := l.addBlock(0, InitialBlockSize); err != nil {
		return nil, err
	}
	return l, nil
}

// Open attaches to an existing list.
func Open(data []byte, rangeSize int) (*KeyList, error) {
	if rangeSize > len(data) || rangeSize < headerSize {
		return nil, fmt.Errorf("%w: range size %d does not fit buffer of %d bytes",
			common.ErrIntegrityViolated, rangeSize, len(data))
	}
	l := &KeyList{data: data[:rangeSize], rangeSize: rangeSize}
	if l.UsedSize() > rangeSize || l.BlockCount() == 0 {
		return nil, fmt.Errorf("%w: key list header (blocks %d, used %d) does not fit range %d",
			common.ErrIntegrityViolated, l.BlockCount(), l.UsedSize(), rangeSize)
	}
	return l, nil
}

func (l *KeyList) BlockCount() int {
	return int(binary.LittleEndian.Uint32(l.data[0:4]))
}

func (l *KeyList) setBlockCount(n int) {
	binary.LittleEndian.PutUint32(l.data[0:4], uint32(n))
}

// UsedSize returns the number of bytes of the range in use, header included.
func (l *KeyList) UsedSize() int {
	return int(binary.LittleEndian.Uint32(l.data[4:8]))
}

func (l *KeyList) setUsedSize(n int) {
	binary.LittleEndian.PutUint32(l.data[4:8], uint32(n))
}

func (l *KeyList) RangeSize() int { return l.rangeSize }

// payloadStart is the absolute offset of the first payload byte.
func (l *KeyList) payloadStart() int {
	return headerSize + indexSize*l.BlockCount()
}

func (l *KeyList) indexAt(i int) index {
	p := headerSize + indexSize*i
	return decodeIndex(l.data[p : p+indexSize])
}

func (l *KeyList) putIndex(i int, ix index) {
	p := headerSize + indexSize*i
	ix.encode(l.data[p : p+indexSize])
}

func (l *KeyList) blockAt(i int) *block {
	ix := l.indexAt(i)
	start := l.payloadStart() + int(ix.offset)
	end := start + ix.blockSize()
	return &block{index: ix, data: l.data[start:end:end]}
}

// computeUsedSize derives the used size from the physically last block.
func (l *KeyList) computeUsedSize() int {
	count := l.BlockCount()
	end := 0
	for i := 0; i < count; i++ {
		ix := l.indexAt(i)
		if e := int(ix.offset) + ix.blockSize(); e > end {
			end = e
		}
	}
	return headerSize + indexSize*count + end
}

// addBlock inserts a new empty block with the given tier into the index
// table at position. The payload goes to the end of the used area.
func (l *KeyList) addBlock(position, tier int) error {
	count := l.BlockCount()
	used := l.UsedSize()
	if used+indexSize+tier*BlockSizeFactor > l.rangeSize {
		return fmt.Errorf("%w: adding a block of %d bytes to a list using %d of %d bytes",
			common.ErrLimitsReached, tier*BlockSizeFactor, used, l.rangeSize)
	}

	oldStart := headerSize + indexSize*count
	copy(l.data[oldStart+indexSize:], l.data[oldStart:used])
	at := headerSize + indexSize*position
	copy(l.data[at+indexSize:oldStart+indexSize], l.data[at:oldStart])

	l.putIndex(position, index{
		offset:  uint16(used - oldStart),
		sizeMul: uint8(tier),
	})
	l.setBlockCount(count + 1)
	l.setUsedSize(used + indexSize + tier*BlockSizeFactor)
	return nil
}

// removeBlock drops the index entry at position. Its payload becomes a gap
// that Vacuumize reclaims.
func (l *KeyList) removeBlock(position int) {
	count := l.BlockCount()
	used := l.UsedSize()

	at := headerSize + indexSize*position
	oldStart := headerSize + indexSize*count
	copy(l.data[at:], l.data[at+indexSize:oldStart])
	copy(l.data[oldStart-indexSize:], l.data[oldStart:used])

	l.setBlockCount(count - 1)
	l.setUsedSize(l.computeUsedSize())
}

// truncateBlocks keeps the first n index entries.
func (l *KeyList) truncateBlocks(n int) {
	count := l.BlockCount()
	if n >= count {
		return
	}
	used := l.UsedSize()
	oldStart := headerSize + indexSize*count
	newStart := headerSize + indexSize*n
	copy(l.data[newStart:], l.data[oldStart:used])
	l.setBlockCount(n)
	l.setUsedSize(l.computeUsedSize())
}

// growBlock extends block i by one tier, moving the physically following
// blocks to the right.
func (l *KeyList) growBlock(i int) error {
	used := l.UsedSize()
	if used+BlockSizeFactor > l.rangeSize {
		return fmt.Errorf("%w: growing block %d in a list using %d of %d bytes",
			common.ErrLimitsReached, i, used, l.rangeSize)
	}

	ix := l.indexAt(i)
	end := l.payloadStart() + int(ix.offset) + ix.blockSize()
	if end < used {
		copy(l.data[end+BlockSizeFactor:], l.data[end:used])
		count := l.BlockCount()
		for j := 0; j < count; j++ {
			if j == i {
				continue
			}
			other := l.indexAt(j)
			if other.offset > ix.offset {
				other.offset += BlockSizeFactor
				l.putIndex(j, other)
			}
		}
	}

	ix.sizeMul++
	l.putIndex(i, ix)
	l.setUsedSize(used + BlockSizeFactor)
	return nil
}

// findBlockBySlot maps a node slot to a block and a position inside it.
// slot == nodeCount addresses the end of the last block; a slot on a block
// boundary belongs to the start of the following block.
func (l *KeyList) findBlockBySlot(nodeCount, slot int) (int, int) {
	count := l.BlockCount()
	if slot >= nodeCount {
		last := count - 1
		return last, int(l.indexAt(last).keyCount)
	}
	running := 0
	for i := 0; i < count; i++ {
		kc := int(l.indexAt(i).keyCount)
		if slot < running+kc {
			return i, slot - running
		}
		running += kc
	}
	last := count - 1
	return last, int(l.indexAt(last).keyCount)
}

// Insert stores key at slot. nodeCount is the number of keys before the
// insert. ErrLimitsReached means the node must be split first.
func (l *KeyList) Insert(nodeCount, slot int, key uint32) error {
	if slot < 0 || slot > nodeCount {
		return fmt.Errorf("%w: insert slot %d out of range [0, %d]", common.ErrIntegrityViolated, slot, nodeCount)
	}
	err := l.insert(nodeCount, slot, key)
	if errors.Is(err, common.ErrLimitsReached) {
		l.vacuumize(false)
		err = l.insert(nodeCount, slot, key)
	}
	if err != nil {
		return err
	}
	return l.debugCheck(nodeCount + 1)
}

func (l *KeyList) insert(nodeCount, slot int, key uint32) error {
	i, pos := l.findBlockBySlot(nodeCount, slot)
	b := l.blockAt(i)

	if int(b.usedSize)+MaxVarintLen > b.blockSize() {
		if b.blockSize() <= MaxBlockSize {
			if err := l.growBlock(i); err != nil {
				return err
			}
		} else {
			switch {
			case pos == 0:
				// a new block in front takes the key
				if err := l.addBlock(i, InitialBlockSize); err != nil {
					return err
				}
			case pos == int(b.keyCount):
				if err := l.addBlock(i+1, InitialBlockSize); err != nil {
					return err
				}
				i, pos = i+1, 0
			default:
				if err := l.addBlock(i+1, int(b.sizeMul)); err != nil {
					return err
				}
				// adding a block moved the payload
				b = l.blockAt(i)
				nb := l.blockAt(i + 1)
				keep := b.split(nb)
				l.putIndex(i, b.index)
				l.putIndex(i+1, nb.index)
				if pos > keep {
					i, pos = i+1, pos-keep
				}
			}
		}
	}

	b = l.blockAt(i)
	b.insert(pos, key)
	l.putIndex(i, b.index)
	return nil
}

// Erase removes the key at slot. An emptied block is dropped unless it is
// the last remaining one.
func (l *KeyList) Erase(nodeCount, slot int) error {
	if slot < 0 || slot >= nodeCount {
		return fmt.Errorf("%w: erase slot %d out of range [0, %d)", common.ErrIntegrityViolated, slot, nodeCount)
	}
	i, pos := l.findBlockBySlot(nodeCount, slot)
	b := l.blockAt(i)
	b.erase(pos)
	l.putIndex(i, b.index)
	if b.keyCount == 0 && l.BlockCount() > 1 {
		l.removeBlock(i)
	}
	return l.debugCheck(nodeCount - 1)
}

// Value returns the key at slot.
func (l *KeyList) Value(nodeCount, slot int) uint32 {
	i, pos := l.findBlockBySlot(nodeCount, slot)
	return l.blockAt(i).valueAt(pos)
}

// LowerBound returns the first slot whose key is >= key and whether that key
// is equal. It binary searches the base keys, then walks one block.
func (l *KeyList) LowerBound(nodeCount int, key uint32) (int, bool) {
	if nodeCount == 0 {
		return 0, false
	}
	count := l.BlockCount()

	// last block whose base key is <= key
	lo, hi := 0, count-1
	found := -1
	for lo <= hi {
		mid := int(uint(lo+hi) >> 1)
		b := l.blockAt(mid)
		if b.keyCount == 0 {
			hi = mid - 1
			continue
		}
		if b.baseKey() <= key {
			found = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if found < 0 {
		return 0, false
	}

	slot := 0
	for i := 0; i < found; i++ {
		slot += int(l.indexAt(i).keyCount)
	}
	b := l.blockAt(found)
	v := b.baseKey()
	p := baseKeySize
	for pos := 0; pos < int(b.keyCount); pos++ {
		if pos > 0 {
			delta, n := Decode(b.data[p:])
			v += delta
			p += n
		}
		if v >= key {
			return slot + pos, v == key
		}
	}
	return slot + int(b.keyCount), false
}

// LinearSearch is not available for compressed keys; callers use
// LowerBound.
func (l *KeyList) LinearSearch(start, count int, key uint32) (int, error) {
	return 0, fmt.Errorf("%w: linear search over compressed keys", common.ErrNotImplemented)
}

// Scan calls fn for every key in slot order until fn returns false.
func (l *KeyList) Scan(fn func(slot int, key uint32) bool) {
	slot := 0
	var keys []uint32
	for i := 0; i < l.BlockCount(); i++ {
		keys = l.blockAt(i).keys(keys[:0])
		for _, k := range keys {
			if !fn(slot, k) {
				return
			}
			slot++
		}
	}
}

// Keys decodes the whole list.
func (l *KeyList) Keys() []uint32 {
	var out []uint32
	for i := 0; i < l.BlockCount(); i++ {
		out = l.blockAt(i).keys(out)
	}
	return out
}

// RequiresSplit reports whether the next insert could run out of space.
func (l *KeyList) RequiresSplit() bool {
	return l.UsedSize()+splitReserve >= l.rangeSize
}

// Vacuumize compacts the payload: blocks are laid out back to back in
// physical order and shrunk to the smallest tier holding their keys. Unless
// force is set it only runs when that reclaims space.
func (l *KeyList) Vacuumize(nodeCount int, force bool) error {
	l.vacuumize(force)
	return l.debugCheck(nodeCount)
}

func (l *KeyList) vacuumize(force bool) {
	count := l.BlockCount()
	start := l.payloadStart()

	if !force {
		required := start
		for i := 0; i < count; i++ {
			required += requiredTier(int(l.indexAt(i).usedSize)) * BlockSizeFactor
		}
		if required == l.UsedSize() {
			return
		}
	}

	order := make([]int, count)
	for i := range order {
		order[i] = i
	}
	byOffset := func(a, b int) int {
		return int(l.indexAt(a).offset) - int(l.indexAt(b).offset)
	}
	if !slices.IsSortedFunc(order, byOffset) {
		slices.SortFunc(order, byOffset)
	}

	next := 0
	for _, i := range order {
		ix := l.indexAt(i)
		if int(ix.offset) != next {
			src := start + int(ix.offset)
			copy(l.data[start+next:], l.data[src:src+int(ix.usedSize)])
			ix.offset = uint16(next)
		}
		ix.sizeMul = uint8(requiredTier(int(ix.usedSize)))
		l.putIndex(i, ix)
		next += ix.blockSize()
	}
	l.setUsedSize(start + next)
}

// ChangeRangeSize moves the list to data with a new capacity. The used
// bytes are copied if the buffer changed.
func (l *KeyList) ChangeRangeSize(data []byte, rangeSize int) error {
	if rangeSize > len(data) {
		return fmt.Errorf("%w: range size %d exceeds buffer of %d bytes",
			common.ErrIntegrityViolated, rangeSize, len(data))
	}
	if l.UsedSize() > rangeSize {
		l.vacuumize(true)
		if l.UsedSize() > rangeSize {
			return fmt.Errorf("%w: %d used bytes do not fit a range of %d",
				common.ErrLimitsReached, l.UsedSize(), rangeSize)
		}
	}
	if &data[0] != &l.data[0] {
		copy(data, l.data[:l.UsedSize()])
	}
	l.data = data[:rangeSize]
	l.rangeSize = rangeSize
	return nil
}

// CopyTo moves the keys from sstart onwards to dest, starting at dest slot
// dstart. nodeCount and otherCount are the key counts of this list and of
// dest. The source keeps slots [0, sstart).
func (l *KeyList) CopyTo(sstart, nodeCount int, dest *KeyList, otherCount, dstart int) error {
	if sstart < 0 || sstart >= nodeCount {
		return fmt.Errorf("%w: copy start %d out of range [0, %d)", common.ErrIntegrityViolated, sstart, nodeCount)
	}
	if dstart < 0 || dstart > otherCount {
		return fmt.Errorf("%w: copy destination %d out of range [0, %d]", common.ErrIntegrityViolated, dstart, otherCount)
	}
	moved := nodeCount - sstart
	bi, pos := l.findBlockBySlot(nodeCount, sstart)

	if dstart != otherCount {
		// keys land in the middle of dest: insert one by one
		var keys []uint32
		for i := bi; i < l.BlockCount(); i++ {
			keys = l.blockAt(i).keys(keys)
		}
		for n, k := range keys[pos:] {
			if err := dest.Insert(otherCount+n, dstart+n, k); err != nil {
				return err
			}
		}
	} else {
		wholeFrom := bi
		dcount := otherCount
		if pos > 0 {
			// the tail of a split block gets a fresh base key
			tail := l.blockAt(bi).keys(nil)[pos:]
			for _, k := range tail {
				if err := dest.Insert(dcount, dcount, k); err != nil {
					return err
				}
				dcount++
			}
			wholeFrom = bi + 1
		}
		for i := wholeFrom; i < l.BlockCount(); i++ {
			if err := dest.appendBlock(l.blockAt(i)); err != nil {
				return err
			}
			dcount += int(l.indexAt(i).keyCount)
		}
		if dest.BlockCount() > 1 && dest.indexAt(0).keyCount == 0 {
			dest.removeBlock(0)
		}
	}

	if pos > 0 {
		b := l.blockAt(bi)
		p, _ := b.fastForward(pos)
		b.keyCount = uint8(pos)
		b.usedSize = uint16(p)
		l.putIndex(bi, b.index)
		l.truncateBlocks(bi + 1)
	} else if bi > 0 {
		l.truncateBlocks(bi)
	} else {
		l.setBlockCount(0)
		l.setUsedSize(headerSize)
		if err := l.addBlock(0, InitialBlockSize); err != nil {
			return err
		}
	}
	l.vacuumize(false)

	if err := l.debugCheck(sstart); err != nil {
		return err
	}
	return dest.debugCheck(otherCount + moved)
}

// appendBlock copies a whole block behind the last block of l.
func (l *KeyList) appendBlock(src *block) error {
	n := l.BlockCount()
	if err := l.addBlock(n, requiredTier(int(src.usedSize))); err != nil {
		return err
	}
	dst := l.blockAt(n)
	copy(dst.data, src.data[:src.usedSize])
	dst.keyCount = src.keyCount
	dst.usedSize = src.usedSize
	l.putIndex(n, dst.index)
	return nil
}

// CheckIntegrity verifies the layout and that the blocks hold nodeCount
// keys.
func (l *KeyList) CheckIntegrity(nodeCount int) error {
	count := l.BlockCount()
	used := l.UsedSize()
	if count == 0 {
		return fmt.Errorf("%w: key list has no blocks", common.ErrIntegrityViolated)
	}
	if used > l.rangeSize {
		return fmt.Errorf("%w: used size %d exceeds range size %d", common.ErrIntegrityViolated, used, l.rangeSize)
	}
	start := l.payloadStart()
	if start > used {
		return fmt.Errorf("%w: index table of %d blocks exceeds used size %d", common.ErrIntegrityViolated, count, used)
	}

	total := 0
	order := make([]int, count)
	for i := 0; i < count; i++ {
		order[i] = i
		ix := l.indexAt(i)
		if ix.sizeMul == 0 {
			return fmt.Errorf("%w: block %d has no capacity", common.ErrIntegrityViolated, i)
		}
		if start+int(ix.offset)+ix.blockSize() > used {
			return fmt.Errorf("%w: block %d (offset %d, size %d) ends beyond used size %d",
				common.ErrIntegrityViolated, i, ix.offset, ix.blockSize(), used)
		}
		if err := l.blockAt(i).check(); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		total += int(ix.keyCount)
	}

	slices.SortFunc(order, func(a, b int) int {
		return int(l.indexAt(a).offset) - int(l.indexAt(b).offset)
	})
	for k := 1; k < count; k++ {
		prev, cur := l.indexAt(order[k-1]), l.indexAt(order[k])
		if int(prev.offset)+prev.blockSize() > int(cur.offset) {
			return fmt.Errorf("%w: blocks %d and %d overlap", common.ErrIntegrityViolated, order[k-1], order[k])
		}
	}

	if computed := l.computeUsedSize(); computed != used {
		return fmt.Errorf("%w: computed used size %d differs from stored %d", common.ErrIntegrityViolated, computed, used)
	}
	if total != nodeCount {
		return fmt.Errorf("%w: blocks hold %d keys, node has %d", common.ErrIntegrityViolated, total, nodeCount)
	}
	return nil
}

func (l *KeyList) debugCheck(nodeCount int) error {
	if !integrityChecks {
		return nil
	}
	return l.CheckIntegrity(nodeCount)
}
