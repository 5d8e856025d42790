package pagemanager

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/pagestore/core/storage_engine/common"
	"github.com/sushant-115/pagestore/core/write_engine/page"
)

// The state is stored in a chain of page-manager pages. Payload of each
// page:
//
//	u64 last blob page | u64 next page of the chain | u32 entry count |
//	{ uvarint page number | uvarint run length }*
//
// Only the head of the chain records the last blob page.
const stateHeaderSize = 8 + 8 + 4

// CreateState allocates the head page of the state chain and returns its
// address, which the environment header records.
func (pm *PageManager) CreateState(ctx *Context) (page.PageID, error) {
	h, err := pm.Alloc(ctx, page.TypePageManager, IgnoreFreelist|ClearWithZero|DisableStoreState)
	if err != nil {
		return 0, err
	}
	id := h.ID()
	pm.mu.Lock()
	pm.stateID = id
	pm.stateDirty = true
	pm.mu.Unlock()

	if ctx.cset() == nil {
		h.Release()
	}
	if err := pm.StoreState(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

// StateID returns the head of the state chain, or 0 if there is none.
func (pm *PageManager) StateID() page.PageID {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.stateID
}

// MaybeStoreState persists the state if it changed since the last store.
func (pm *PageManager) MaybeStoreState(ctx *Context) error {
	pm.mu.Lock()
	dirty := pm.stateDirty && pm.stateID != 0
	pm.mu.Unlock()
	if !dirty {
		return nil
	}
	return pm.StoreState(ctx)
}

// StoreState writes the freelist and the last blob page into the state
// chain. The chain grows when the freelist outgrows it.
func (pm *PageManager) StoreState(ctx *Context) (err error) {
	id := pm.StateID()
	if id == 0 {
		return nil
	}

	var owned []*page.Handle
	defer func() {
		// without a changeset the chain is written through
		if ctx.cset() != nil {
			return
		}
		for _, o := range owned {
			if err == nil && o.IsDirty() {
				err = o.WriteTo(pm.dev)
			}
			o.Release()
		}
	}()

	// lock the chain head before taking the snapshot so that concurrent
	// stores serialize on it
	h, err := pm.Fetch(ctx, id, 0)
	if err != nil {
		return err
	}
	owned = append(owned, h)

	pm.mu.Lock()
	runs := pm.freeRunsLocked()
	lastBlob := uint64(pm.lastBlobPage)
	pm.stateDirty = false
	pm.mu.Unlock()

	ps := uint64(pm.cfg.PageSize)
	var tmp [2 * binary.MaxVarintLen64]byte
	for first := true; ; first = false {
		payload := h.Payload()
		var last uint64
		if first {
			last = lastBlob
		}
		binary.LittleEndian.PutUint64(payload[0:8], last)

		p := stateHeaderSize
		count := 0
		for len(runs) > 0 {
			n := binary.PutUvarint(tmp[:], runs[0][0]/ps)
			n += binary.PutUvarint(tmp[n:], runs[0][1])
			if p+n > len(payload) {
				break
			}
			copy(payload[p:], tmp[:n])
			p += n
			count++
			runs = runs[1:]
		}
		clear(payload[p:])
		binary.LittleEndian.PutUint32(payload[16:20], uint32(count))
		h.SetType(page.TypePageManager)
		h.SetDirty(true)

		// trailing pages of a longer chain are kept, with no entries
		next := page.PageID(binary.LittleEndian.Uint64(payload[8:16]))
		if next == 0 {
			if len(runs) == 0 {
				break
			}
			nh, aerr := pm.Alloc(ctx, page.TypePageManager, IgnoreFreelist|ClearWithZero|DisableStoreState)
			if aerr != nil {
				return aerr
			}
			binary.LittleEndian.PutUint64(payload[8:16], uint64(nh.ID()))
			h = nh
		} else if h, err = pm.Fetch(ctx, next, 0); err != nil {
			return err
		}
		owned = append(owned, h)
	}

	pm.logger.Debug("page manager state stored",
		zap.Uint64("state_id", uint64(id)),
		zap.Uint64("last_blob_page", lastBlob),
		zap.Int("chain_pages", len(owned)),
	)
	return nil
}

// Initialize loads the state chain starting at blobID.
func (pm *PageManager) Initialize(ctx *Context, blobID page.PageID) error {
	freelist := make(map[page.PageID]int)
	var lastBlob uint64
	ps := uint64(pm.cfg.PageSize)

	visited := make(map[page.PageID]bool)
	for id, first := blobID, true; id != 0; first = false {
		if visited[id] {
			return fmt.Errorf("%w: state chain loops at page %d", common.ErrIntegrityViolated, id)
		}
		visited[id] = true

		h, err := pm.Fetch(ctx, id, ReadOnly)
		if err != nil {
			return err
		}
		if t := h.Type(); t != page.TypePageManager {
			h.Release()
			return fmt.Errorf("%w: state page %d has type %s", common.ErrIntegrityViolated, id, t)
		}
		payload := h.Payload()
		if first {
			lastBlob = binary.LittleEndian.Uint64(payload[0:8])
		}
		next := page.PageID(binary.LittleEndian.Uint64(payload[8:16]))
		count := int(binary.LittleEndian.Uint32(payload[16:20]))

		p := stateHeaderSize
		for i := 0; i < count; i++ {
			pageNo, n := binary.Uvarint(payload[p:])
			if n <= 0 {
				h.Release()
				return fmt.Errorf("%w: truncated freelist entry %d in state page %d", common.ErrIntegrityViolated, i, id)
			}
			p += n
			run, m := binary.Uvarint(payload[p:])
			if m <= 0 {
				h.Release()
				return fmt.Errorf("%w: truncated freelist entry %d in state page %d", common.ErrIntegrityViolated, i, id)
			}
			p += m
			freelist[page.PageID(pageNo*ps)] = int(run)
		}
		h.Release()
		id = next
	}

	pm.mu.Lock()
	pm.freelist = freelist
	pm.lastBlobPage = page.PageID(lastBlob)
	pm.stateID = blobID
	pm.stateDirty = false
	pm.mu.Unlock()

	pm.logger.Info("page manager state loaded",
		zap.Uint64("state_id", uint64(blobID)),
		zap.Int("freelist_entries", len(freelist)),
		zap.Uint64("last_blob_page", lastBlob),
	)
	return nil
}
