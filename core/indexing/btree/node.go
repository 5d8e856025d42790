// Package btree implements the on-page layout of B+tree nodes. A node lives
// in the payload of one page:
//
//	u32 flags | u32 length | u64 left sibling | u64 right sibling |
//	u64 left child | compressed key list
//
// Tree descent and merging are left to the caller; this package provides the
// node operations and the leaf split.
package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/pagestore/core/indexing/btree/zint32"
	"github.com/sushant-115/pagestore/core/storage_engine/common"
	"github.com/sushant-115/pagestore/core/write_engine/page"
)

// NodeHeaderSize is the encoded size of NodeHeader.
const NodeHeaderSize = 32

// FlagLeaf marks a leaf node.
const FlagLeaf uint32 = 1

// NodeHeader is the fixed part of a node. Field order is the on-disk order.
type NodeHeader struct {
	Flags        uint32
	Length       uint32
	LeftSibling  uint64
	RightSibling uint64
	LeftChild    uint64
}

// Encode writes the header into dst, which must hold NodeHeaderSize bytes.
func (nh *NodeHeader) Encode(dst []byte) error {
	if len(dst) < NodeHeaderSize {
		return fmt.Errorf("%w: node header needs %d bytes, have %d", common.ErrIntegrityViolated, NodeHeaderSize, len(dst))
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, nh); err != nil {
		return fmt.Errorf("writing node header: %w", err)
	}
	copy(dst, buf.Bytes())
	return nil
}

// Decode reads the header from src.
func (nh *NodeHeader) Decode(src []byte) error {
	if len(src) < NodeHeaderSize {
		return fmt.Errorf("%w: node header needs %d bytes, have %d", common.ErrIntegrityViolated, NodeHeaderSize, len(src))
	}
	if err := binary.Read(bytes.NewReader(src[:NodeHeaderSize]), binary.LittleEndian, nh); err != nil {
		return fmt.Errorf("reading node header: %w", err)
	}
	return nil
}

// Node is a view of a B+tree node on a locked page.
type Node struct {
	h    *page.Handle
	hdr  NodeHeader
	keys *zint32.KeyList
}

// CreateNode initializes an empty node on h.
func CreateNode(h *page.Handle, leaf bool) (*Node, error) {
	payload := h.Payload()
	if len(payload) <= NodeHeaderSize {
		return nil, fmt.Errorf("%w: page %d is too small for a node", common.ErrIntegrityViolated, h.ID())
	}
	n := &Node{h: h}
	if leaf {
		n.hdr.Flags = FlagLeaf
	}
	keys, err := zint32.Create(payload[NodeHeaderSize:], len(payload)-NodeHeaderSize)
	if err != nil {
		return nil, err
	}
	n.keys = keys
	if err := n.writeHeader(); err != nil {
		return nil, err
	}
	return n, nil
}

// OpenNode attaches to the node stored on h.
func OpenNode(h *page.Handle) (*Node, error) {
	payload := h.Payload()
	if len(payload) <= NodeHeaderSize {
		return nil, fmt.Errorf("%w: page %d is too small for a node", common.ErrIntegrityViolated, h.ID())
	}
	n := &Node{h: h}
	if err := n.hdr.Decode(payload); err != nil {
		return nil, err
	}
	keys, err := zint32.Open(payload[NodeHeaderSize:], len(payload)-NodeHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("node %d: %w", h.ID(), err)
	}
	n.keys = keys
	return n, nil
}

func (n *Node) writeHeader() error {
	if err := n.hdr.Encode(n.h.Payload()); err != nil {
		return err
	}
	n.h.SetDirty(true)
	return nil
}

func (n *Node) ID() page.PageID      { return n.h.ID() }
func (n *Node) Handle() *page.Handle { return n.h }
func (n *Node) Header() NodeHeader   { return n.hdr }
func (n *Node) Length() int          { return int(n.hdr.Length) }
func (n *Node) IsLeaf() bool         { return n.hdr.Flags&FlagLeaf != 0 }
func (n *Node) LeftSibling() uint64  { return n.hdr.LeftSibling }
func (n *Node) RightSibling() uint64 { return n.hdr.RightSibling }
func (n *Node) LeftChild() uint64    { return n.hdr.LeftChild }

func (n *Node) KeyList() *zint32.KeyList { return n.keys }

func (n *Node) SetLeftSibling(id uint64) error {
	n.hdr.LeftSibling = id
	return n.writeHeader()
}

func (n *Node) SetRightSibling(id uint64) error {
	n.hdr.RightSibling = id
	return n.writeHeader()
}

func (n *Node) SetLeftChild(id uint64) error {
	n.hdr.LeftChild = id
	return n.writeHeader()
}

// Key returns the key at slot.
func (n *Node) Key(slot int) (uint32, error) {
	if slot < 0 || slot >= n.Length() {
		return 0, fmt.Errorf("%w: slot %d out of range [0, %d)", common.ErrIntegrityViolated, slot, n.Length())
	}
	return n.keys.Value(n.Length(), slot), nil
}

// Keys decodes all keys in slot order.
func (n *Node) Keys() []uint32 {
	return n.keys.Keys()
}

// LowerBound returns the first slot whose key is >= key and whether it is
// an exact match.
func (n *Node) LowerBound(key uint32) (int, bool) {
	return n.keys.LowerBound(n.Length(), key)
}

// Find returns the slot holding key.
func (n *Node) Find(key uint32) (int, error) {
	slot, exact := n.LowerBound(key)
	if !exact {
		return 0, fmt.Errorf("%w: %d in node %d", common.ErrKeyNotFound, key, n.ID())
	}
	return slot, nil
}

// Insert stores key at slot. The caller keeps the keys sorted.
func (n *Node) Insert(slot int, key uint32) error {
	if err := n.keys.Insert(n.Length(), slot, key); err != nil {
		return err
	}
	n.hdr.Length++
	return n.writeHeader()
}

// InsertKey stores key at its sorted position and returns the slot.
func (n *Node) InsertKey(key uint32) (int, error) {
	slot, exact := n.LowerBound(key)
	if exact {
		return slot, fmt.Errorf("%w: %d in node %d", common.ErrDuplicateKey, key, n.ID())
	}
	return slot, n.Insert(slot, key)
}

// Erase removes the key at slot.
func (n *Node) Erase(slot int) error {
	if err := n.keys.Erase(n.Length(), slot); err != nil {
		return err
	}
	n.hdr.Length--
	return n.writeHeader()
}

// RequiresSplit reports whether the node must be split before the next
// insert.
func (n *Node) RequiresSplit() bool {
	return n.keys.RequiresSplit()
}

func (n *Node) Vacuumize(force bool) error {
	if err := n.keys.Vacuumize(n.Length(), force); err != nil {
		return err
	}
	n.h.SetDirty(true)
	return nil
}

// CheckIntegrity verifies the key list and that keys are strictly
// ascending.
func (n *Node) CheckIntegrity() error {
	if err := n.keys.CheckIntegrity(n.Length()); err != nil {
		return fmt.Errorf("node %d: %w", n.ID(), err)
	}
	var prev uint32
	var err error
	n.keys.Scan(func(slot int, key uint32) bool {
		if slot > 0 && key <= prev {
			err = fmt.Errorf("%w: node %d: key %d at slot %d follows %d",
				common.ErrIntegrityViolated, n.ID(), key, slot, prev)
			return false
		}
		prev = key
		return true
	})
	return err
}
