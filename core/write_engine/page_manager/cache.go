package pagemanager

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/pagestore/core/write_engine/page"
)

// --- Cache purging ---

func (pm *PageManager) cacheBytesLocked() int64 {
	return int64(pm.cache.Len()) * int64(pm.cfg.PageSize)
}

// CacheFull reports whether the cache exceeds its budget.
func (pm *PageManager) CacheFull() bool {
	if pm.cfg.CacheSize <= 0 {
		return false
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.cacheBytesLocked() > pm.cfg.CacheSize
}

// PurgeCache schedules an asynchronous purge if the cache is over budget.
// At most one purge is pending at a time and purges are rate limited.
func (pm *PageManager) PurgeCache(ctx *Context) {
	if !pm.CacheFull() {
		return
	}
	if !pm.purgePending.CompareAndSwap(false, true) {
		return
	}
	if !pm.purgeLimiter.Allow() {
		pm.purgePending.Store(false)
		return
	}
	task := func() error {
		defer pm.purgePending.Store(false)
		pm.purge(context.Background())
		return nil
	}
	if err := pm.RunAsync(task); err != nil {
		pm.purgePending.Store(false)
		pm.logger.Warn("cannot schedule cache purge", zap.Error(err))
	}
}

// purge evicts the oldest unused pages until the cache fits its budget.
func (pm *PageManager) purge(ctx context.Context) int {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	over := pm.cacheBytesLocked() - pm.cfg.CacheSize
	evicted := 0
	for _, id := range pm.cache.Keys() {
		if over <= 0 {
			break
		}
		p, ok := pm.cache.Peek(id)
		if !ok {
			continue
		}
		h, ok := tryLockCandidate(p)
		if !ok {
			continue
		}
		pm.cache.Remove(id)
		p.MarkEvicted()
		h.Release()
		over -= int64(pm.cfg.PageSize)
		evicted++
	}

	if evicted > 0 {
		pm.metrics.PagesEvictedCounter.Add(ctx, int64(evicted))
		pm.metrics.CachedPagesUpDown.Add(ctx, -int64(evicted))
		pm.logger.Debug("cache purged", zap.Int("evicted", evicted), zap.Int("cached", pm.cache.Len()))
	}
	return evicted
}

// TryLockPurgeCandidate locks the cached page at address if it may be
// evicted: no cursors, not pinned, not locked and not dirty. It never
// blocks. The caller releases the returned handle.
func (pm *PageManager) TryLockPurgeCandidate(address page.PageID) (*page.Handle, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p, ok := pm.cache.Peek(address)
	if !ok {
		return nil, false
	}
	return tryLockCandidate(p)
}

func tryLockCandidate(p *page.Page) (*page.Handle, bool) {
	if p.CursorCount() > 0 || p.Pins() > 0 {
		return nil, false
	}
	h, ok := p.TryLock()
	if !ok {
		return nil, false
	}
	// a cursor may have attached before we got the latch
	if h.IsDirty() || p.CursorCount() > 0 {
		h.Release()
		return nil, false
	}
	return h, true
}

// Discard drops p from the cache so that the next fetch rereads the
// device. The caller holds the latch of p.
func (pm *PageManager) Discard(p *page.Page) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if cached, ok := pm.cache.Peek(p.ID()); ok && cached == p {
		pm.cache.Remove(p.ID())
		pm.metrics.CachedPagesUpDown.Add(context.Background(), -1)
	}
	p.MarkEvicted()
}

// --- Flush and shutdown ---

// FlushAllPages writes every dirty cached page to the device.
func (pm *PageManager) FlushAllPages() error {
	pm.mu.Lock()
	ids := pm.cache.Keys()
	pages := make([]*page.Page, 0, len(ids))
	for _, id := range ids {
		if p, ok := pm.cache.Peek(id); ok {
			pages = append(pages, p)
		}
	}
	pm.mu.Unlock()

	var err error
	written := 0
	for _, p := range pages {
		h := p.Lock()
		if h.IsDirty() && !p.Evicted() {
			if werr := h.WriteTo(pm.dev); werr != nil {
				err = multierr.Append(err, werr)
			} else {
				written++
			}
		}
		h.Release()
	}
	if written > 0 {
		pm.logger.Debug("flushed dirty pages", zap.Int("pages", written))
	}
	return err
}

// Close persists the state, writes all dirty pages and empties the cache.
// Pages left in the context's changeset are unlocked and written too.
func (pm *PageManager) Close(ctx *Context) error {
	err := pm.MaybeStoreState(ctx)
	if cs := ctx.cset(); cs != nil {
		cs.ReleaseAll()
	}
	if pm.worker != nil {
		pm.worker.Drain()
	}
	err = multierr.Append(err, pm.FlushAllPages())
	err = multierr.Append(err, pm.dev.Flush())

	pm.mu.Lock()
	n := pm.cache.Len()
	for _, id := range pm.cache.Keys() {
		if p, ok := pm.cache.Peek(id); ok {
			p.MarkEvicted()
		}
	}
	pm.cache.Purge()
	pm.mu.Unlock()
	pm.metrics.CachedPagesUpDown.Add(ctx.stdContext(), -int64(n))
	return err
}

// Reset closes the cache and forgets the persisted state. It is used after
// the journal rewrote pages behind the cache; Initialize reloads the state.
func (pm *PageManager) Reset(ctx *Context) error {
	pm.mu.Lock()
	pm.stateDirty = false
	pm.mu.Unlock()

	err := pm.Close(ctx)

	pm.mu.Lock()
	clear(pm.freelist)
	pm.lastBlobPage = 0
	pm.stateID = 0
	pm.stateDirty = false
	pm.mu.Unlock()
	return err
}
