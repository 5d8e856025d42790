package btree

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/pagestore/core/storage_engine/common"
	"github.com/sushant-115/pagestore/core/write_engine/page"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"github.com/sushant-115/pagestore/internal/failpoint"
)

// SplitLeaf moves the upper half of a full leaf into a newly allocated right
// sibling and returns it together with its first key, the pivot to insert
// into the parent.
//
// The old right sibling is fetched together with the node so that both are
// locked in ascending address order. With a changeset in ctx every touched
// page stays locked until commit; otherwise the caller owns the returned
// node's handle.
func SplitLeaf(ctx *pagemanager.Context, pm *pagemanager.PageManager, node *Node, logger *zap.Logger) (*Node, uint32, error) {
	if !node.IsLeaf() {
		return nil, 0, fmt.Errorf("%w: node %d is not a leaf", common.ErrIntegrityViolated, node.ID())
	}
	length := node.Length()
	if length < 2 {
		return nil, 0, fmt.Errorf("%w: cannot split node %d with %d keys", common.ErrIntegrityViolated, node.ID(), length)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	owned := ctx == nil || ctx.Changeset == nil

	var right *Node
	if rs := page.PageID(node.RightSibling()); rs != 0 {
		var rh *page.Handle
		if owned {
			// the caller holds the node latch; only the sibling is fetched
			h, err := pm.Fetch(ctx, rs, 0)
			if err != nil {
				return nil, 0, err
			}
			defer h.Release()
			rh = h
		} else {
			hs, err := pm.FetchMany(ctx, []page.PageID{node.ID(), rs}, 0)
			if err != nil {
				return nil, 0, err
			}
			rh = hs[1]
		}
		var err error
		if right, err = OpenNode(rh); err != nil {
			return nil, 0, err
		}
	}

	h, err := pm.Alloc(ctx, page.TypeBtreeIndex, pagemanager.ClearWithZero)
	if err != nil {
		return nil, 0, err
	}
	// an owned sibling must not stay locked when the split fails
	fail := func(err error) (*Node, uint32, error) {
		if owned {
			h.Release()
		}
		return nil, 0, err
	}
	sibling, err := CreateNode(h, true)
	if err != nil {
		return fail(err)
	}

	mid := length / 2
	if err := failpoint.Hit("btree.split.copy"); err != nil {
		return fail(fmt.Errorf("failpoint: btree.split.copy: %w", err))
	}
	if err := node.keys.CopyTo(mid, length, sibling.keys, 0, 0); err != nil {
		return fail(err)
	}
	sibling.hdr.Length = uint32(length - mid)
	sibling.hdr.LeftSibling = uint64(node.ID())
	sibling.hdr.RightSibling = node.hdr.RightSibling
	if err := sibling.writeHeader(); err != nil {
		return fail(err)
	}

	node.hdr.Length = uint32(mid)
	node.hdr.RightSibling = uint64(sibling.ID())
	if err := node.writeHeader(); err != nil {
		return fail(err)
	}
	if right != nil {
		if err := right.SetLeftSibling(uint64(sibling.ID())); err != nil {
			return fail(err)
		}
	}

	pivot, err := sibling.Key(0)
	if err != nil {
		return fail(err)
	}
	logger.Debug("leaf split",
		zap.Uint64("node", uint64(node.ID())),
		zap.Uint64("sibling", uint64(sibling.ID())),
		zap.Int("moved", length-mid),
		zap.Uint32("pivot", pivot),
	)
	return sibling, pivot, nil
}
