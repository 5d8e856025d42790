// Package pagemanager allocates, fetches, frees and caches pages. It owns
// the freelist and the "last blob page" cursor and persists both in a chain
// of page-manager pages inside the store.
package pagemanager

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/sushant-115/pagestore/core/storage_engine/common"
	"github.com/sushant-115/pagestore/core/storage_engine/device"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	"github.com/sushant-115/pagestore/core/write_engine/page"
	internaltelemetry "github.com/sushant-115/pagestore/internal/telemetry"
)

// AllocFlags modify Alloc.
type AllocFlags uint32

const (
	// ClearWithZero zero-fills the page.
	ClearWithZero AllocFlags = 1 << iota
	// IgnoreFreelist always extends the file.
	IgnoreFreelist
	// DisableStoreState skips persisting the page manager state.
	DisableStoreState
)

// FetchFlags modify Fetch.
type FetchFlags uint32

const (
	// OnlyFromCache fails with ErrPageNotFound instead of reading the device.
	OnlyFromCache FetchFlags = 1 << iota
	// ReadOnly does not register the page in the changeset; the caller
	// releases the returned handle.
	ReadOnly
	// NoHeader marks the page as a trailing blob page without header.
	NoHeader
)

// Config configures a PageManager.
type Config struct {
	PageSize int
	// CacheSize is the cache budget in bytes; 0 disables purging.
	CacheSize int64
	// PurgeInterval is the minimum time between two purge runs.
	PurgeInterval time.Duration
}

// PageManager manages the page cache and the free space of the store.
type PageManager struct {
	cfg     Config
	dev     device.Device
	worker  *flushmanager.Worker
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics

	// mu guards the cache index and the state below. It is never held
	// while waiting for a page latch.
	mu           sync.Mutex
	cache        *lru.LRU[page.PageID, *page.Page]
	freelist     map[page.PageID]int
	lastBlobPage page.PageID
	stateID      page.PageID
	stateDirty   bool

	loads        singleflight.Group
	purgeLimiter *rate.Limiter
	purgePending atomic.Bool
}

// New creates a PageManager on top of dev. worker runs purges; it may be
// nil, in which case purges run inline.
func New(cfg Config, dev device.Device, worker *flushmanager.Worker, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*PageManager, error) {
	if cfg.PageSize <= page.HeaderSize {
		return nil, fmt.Errorf("%w: page size %d", common.ErrInvalidConfig, cfg.PageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NewNoopStorageMetrics()
	}
	// eviction is driven by purge, never by the LRU itself
	cache, err := lru.NewLRU[page.PageID, *page.Page](math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if cfg.PurgeInterval > 0 {
		limit = rate.Every(cfg.PurgeInterval)
	}
	return &PageManager{
		cfg:          cfg,
		dev:          dev,
		worker:       worker,
		logger:       logger.Named("page_manager"),
		metrics:      metrics,
		cache:        cache,
		freelist:     make(map[page.PageID]int),
		purgeLimiter: rate.NewLimiter(limit, 1),
	}, nil
}

func (pm *PageManager) PageSize() int { return pm.cfg.PageSize }

// --- Fetch ---

// Fetch returns the page at address, locked. A page already in the
// context's changeset is returned as is.
//
// Unless ReadOnly is set the page is registered in the changeset and the
// returned handle is borrowed from it.
func (pm *PageManager) Fetch(ctx *Context, address page.PageID, flags FetchFlags) (*page.Handle, error) {
	pm.metrics.PageFetchesCounter.Add(ctx.stdContext(), 1)
	if address%page.PageID(pm.cfg.PageSize) != 0 {
		return nil, fmt.Errorf("%w: address %d is not page aligned", common.ErrIntegrityViolated, address)
	}

	cs := ctx.cset()
	if cs != nil {
		if h := cs.Get(address); h != nil {
			pm.metrics.CacheHitsCounter.Add(ctx.stdContext(), 1)
			return h, nil
		}
	}

	var h *page.Handle
	for {
		pm.mu.Lock()
		p, ok := pm.cache.Get(address)
		if ok {
			p.Pin()
		}
		pm.mu.Unlock()

		if ok {
			pm.metrics.CacheHitsCounter.Add(ctx.stdContext(), 1)
		} else {
			if flags&OnlyFromCache != 0 {
				return nil, fmt.Errorf("%w: page %d", common.ErrPageNotFound, address)
			}
			pm.metrics.CacheMissesCounter.Add(ctx.stdContext(), 1)
			var err error
			if p, err = pm.load(address); err != nil {
				return nil, err
			}
			p.Pin()
		}

		h = p.Lock()
		p.Unpin()
		if !p.Evicted() {
			break
		}
		// purged while we waited for the latch
		h.Release()
	}

	if flags&NoHeader != 0 {
		h.SetWithoutHeader(true)
	}
	if flags&ReadOnly != 0 || cs == nil {
		return h, nil
	}
	cs.Put(h)
	return h.Borrow(), nil
}

// load reads a page into the cache. Concurrent loads of one address share
// a single device read.
func (pm *PageManager) load(address page.PageID) (*page.Page, error) {
	v, err, _ := pm.loads.Do(strconv.FormatUint(uint64(address), 10), func() (any, error) {
		pm.mu.Lock()
		if p, ok := pm.cache.Get(address); ok {
			pm.mu.Unlock()
			return p, nil
		}
		pm.mu.Unlock()

		p := page.New(address, pm.cfg.PageSize)
		if err := p.ReadFrom(pm.dev); err != nil {
			return nil, err
		}

		pm.mu.Lock()
		defer pm.mu.Unlock()
		if existing, ok := pm.cache.Get(address); ok {
			return existing, nil
		}
		pm.cache.Add(address, p)
		pm.metrics.CachedPagesUpDown.Add(context.Background(), 1)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*page.Page), nil
}

// FetchMany fetches several pages, locking them in ascending address order.
// The handles are returned in the order of addresses.
func (pm *PageManager) FetchMany(ctx *Context, addresses []page.PageID, flags FetchFlags) ([]*page.Handle, error) {
	order := slices.Clone(addresses)
	slices.Sort(order)
	order = slices.Compact(order)

	locked := make(map[page.PageID]*page.Handle, len(order))
	for _, addr := range order {
		h, err := pm.Fetch(ctx, addr, flags)
		if err != nil {
			for _, l := range locked {
				l.Release()
			}
			return nil, err
		}
		locked[addr] = h
	}

	out := make([]*page.Handle, len(addresses))
	for i, addr := range addresses {
		out[i] = locked[addr]
	}
	return out, nil
}

// --- Alloc ---

// Alloc returns a new locked page of type t, taken from the freelist or
// appended to the file.
func (pm *PageManager) Alloc(ctx *Context, t page.Type, flags AllocFlags) (*page.Handle, error) {
	pm.mu.Lock()
	address, fromFreelist := page.PageID(0), false
	if flags&IgnoreFreelist == 0 {
		address, fromFreelist = pm.takeFree(1)
	}
	if !fromFreelist {
		var err error
		if address, err = pm.extend(1); err != nil {
			pm.mu.Unlock()
			return nil, err
		}
	}
	pm.mu.Unlock()

	pm.metrics.PageAllocsCounter.Add(ctx.stdContext(), 1)
	if fromFreelist {
		pm.metrics.FreelistHitsCounter.Add(ctx.stdContext(), 1)
	}

	h := pm.lockForAlloc(ctx, address)
	h.SetWithoutHeader(false)
	if flags&ClearWithZero != 0 {
		h.Clear()
	}
	h.SetType(t)
	h.SetBlobPages(0)
	h.SetLSN(page.InvalidLSN)
	h.SetDirty(true)

	pm.logger.Debug("page allocated",
		zap.Uint64("address", uint64(address)),
		zap.Stringer("type", t),
		zap.Bool("from_freelist", fromFreelist),
	)

	out := pm.register(ctx, h)
	if fromFreelist && flags&DisableStoreState == 0 {
		if err := pm.MaybeStoreState(ctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AllocMultipleBlobPages allocates count contiguous pages for a blob and
// returns the first one. Only the first page carries a header; it records
// count. Without a changeset the trailing pages are unlocked right away.
func (pm *PageManager) AllocMultipleBlobPages(ctx *Context, count int) (*page.Handle, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: blob page count %d", common.ErrIntegrityViolated, count)
	}
	if count == 1 {
		return pm.Alloc(ctx, page.TypeBlob, 0)
	}

	pm.mu.Lock()
	first, fromFreelist := pm.takeFree(count)
	if !fromFreelist {
		var err error
		if first, err = pm.extend(count); err != nil {
			pm.mu.Unlock()
			return nil, err
		}
	}
	pm.mu.Unlock()

	pm.metrics.PageAllocsCounter.Add(ctx.stdContext(), int64(count))
	if fromFreelist {
		pm.metrics.FreelistHitsCounter.Add(ctx.stdContext(), int64(count))
	}

	var out *page.Handle
	for i := 0; i < count; i++ {
		address := first + page.PageID(i*pm.cfg.PageSize)
		h := pm.lockForAlloc(ctx, address)
		if i == 0 {
			h.SetWithoutHeader(false)
			h.SetType(page.TypeBlob)
			h.SetBlobPages(uint32(count))
			h.SetLSN(page.InvalidLSN)
		} else {
			h.SetWithoutHeader(true)
		}
		h.SetDirty(true)
		r := pm.register(ctx, h)
		switch {
		case i == 0:
			out = r
		case ctx.cset() == nil:
			// trailing pages stay dirty in the cache
			r.Release()
		}
	}

	if fromFreelist {
		if err := pm.MaybeStoreState(ctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// lockForAlloc returns the locked page object for a freshly allocated
// address. A freed page may still be cached, or held by this operation.
func (pm *PageManager) lockForAlloc(ctx *Context, address page.PageID) *page.Handle {
	if cs := ctx.cset(); cs != nil {
		if h := cs.Remove(address); h != nil {
			return h
		}
	}

	pm.mu.Lock()
	p, ok := pm.cache.Get(address)
	if !ok {
		p = page.New(address, pm.cfg.PageSize)
		pm.cache.Add(address, p)
		pm.metrics.CachedPagesUpDown.Add(ctx.stdContext(), 1)
	}
	p.Pin()
	pm.mu.Unlock()

	h := p.Lock()
	p.Unpin()
	return h
}

// register puts an owned handle into the context's changeset.
func (pm *PageManager) register(ctx *Context, h *page.Handle) *page.Handle {
	cs := ctx.cset()
	if cs == nil {
		return h
	}
	cs.Put(h)
	return h.Borrow()
}

// extend grows the file by count pages and returns the first new address.
// Must be called with pm.mu held.
func (pm *PageManager) extend(count int) (page.PageID, error) {
	size, err := pm.dev.FileSize()
	if err != nil {
		return 0, err
	}
	ps := int64(pm.cfg.PageSize)
	if rem := size % ps; rem != 0 {
		pm.logger.Warn("file size is not page aligned", zap.Int64("size", size))
		size += ps - rem
	}
	if err := pm.dev.Truncate(size + int64(count)*ps); err != nil {
		return 0, err
	}
	return page.PageID(size), nil
}

// --- Freelist ---

// takeFree removes a run of count pages from the freelist, preferring the
// lowest address. Must be called with pm.mu held.
func (pm *PageManager) takeFree(count int) (page.PageID, bool) {
	best, found := page.PageID(0), false
	for addr, n := range pm.freelist {
		if n >= count && (!found || addr < best) {
			best, found = addr, true
		}
	}
	if !found {
		return 0, false
	}
	n := pm.freelist[best]
	delete(pm.freelist, best)
	if n > count {
		pm.freelist[best+page.PageID(count*pm.cfg.PageSize)] = n - count
	}
	pm.stateDirty = true
	return best, true
}

// addFree inserts a run and merges it with adjacent runs. Must be called
// with pm.mu held.
func (pm *PageManager) addFree(address page.PageID, count int) {
	ps := page.PageID(pm.cfg.PageSize)
	if next, ok := pm.freelist[address+page.PageID(count)*ps]; ok {
		delete(pm.freelist, address+page.PageID(count)*ps)
		count += next
	}
	for addr, n := range pm.freelist {
		if addr+page.PageID(n)*ps == address {
			pm.freelist[addr] = n + count
			pm.stateDirty = true
			return
		}
	}
	pm.freelist[address] = count
	pm.stateDirty = true
}

// Del returns count contiguous pages starting at h to the freelist. h stays
// locked; it is released with the changeset.
func (pm *PageManager) Del(ctx *Context, h *page.Handle, count int) error {
	if count <= 0 {
		return fmt.Errorf("%w: freeing %d pages", common.ErrIntegrityViolated, count)
	}
	if n := h.Page().CursorCount(); n > 0 {
		return fmt.Errorf("%w: page %d has %d cursors", common.ErrCursorAttached, h.ID(), n)
	}

	pm.mu.Lock()
	pm.addFree(h.ID(), count)
	if pm.lastBlobPage == h.ID() {
		pm.lastBlobPage = 0
	}
	pm.mu.Unlock()

	pm.metrics.PagesFreedCounter.Add(ctx.stdContext(), int64(count))
	pm.logger.Debug("pages freed", zap.Uint64("address", uint64(h.ID())), zap.Int("count", count))
	return pm.MaybeStoreState(ctx)
}

// ReclaimSpace truncates free pages forming a contiguous suffix of the
// file.
func (pm *PageManager) ReclaimSpace(ctx *Context) error {
	// pending writes of freed pages must not re-extend the file
	if pm.worker != nil {
		pm.worker.Drain()
	}

	pm.mu.Lock()
	size, err := pm.dev.FileSize()
	if err != nil {
		pm.mu.Unlock()
		return err
	}
	ps := page.PageID(pm.cfg.PageSize)
	end := page.PageID(size)
	for {
		found := false
		for addr, n := range pm.freelist {
			if addr+page.PageID(n)*ps == end {
				delete(pm.freelist, addr)
				end = addr
				found = true
				break
			}
		}
		if !found {
			break
		}
	}
	if end == page.PageID(size) {
		pm.mu.Unlock()
		return nil
	}

	cs := ctx.cset()
	for addr := end; addr < page.PageID(size); addr += ps {
		if cs != nil {
			if h := cs.Remove(addr); h != nil {
				h.SetDirty(false)
				h.Release()
			}
		}
		if p, ok := pm.cache.Peek(addr); ok {
			pm.cache.Remove(addr)
			p.MarkEvicted()
			pm.metrics.CachedPagesUpDown.Add(ctx.stdContext(), -1)
		}
	}
	if pm.lastBlobPage >= end {
		pm.lastBlobPage = 0
	}
	pm.stateDirty = true
	err = pm.dev.Truncate(int64(end))
	pm.mu.Unlock()
	if err != nil {
		return err
	}

	pm.logger.Info("reclaimed file space",
		zap.Int64("old_size", size),
		zap.Uint64("new_size", uint64(end)),
	)
	return pm.MaybeStoreState(ctx)
}

// --- Rollback ---

// checkpoint is the freelist state and file size seen when an operation
// started.
type checkpoint struct {
	freelist     map[page.PageID]int
	lastBlobPage page.PageID
	stateDirty   bool
	fileSize     int64
}

// Checkpoint records the state that Rollback restores if the operation
// carried by ctx is aborted. Freelist and file size changes apply
// immediately; only page writes wait in the changeset.
func (pm *PageManager) Checkpoint(ctx *Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	size, err := pm.dev.FileSize()
	if err != nil {
		return err
	}
	ctx.checkpoint = &checkpoint{
		freelist:     maps.Clone(pm.freelist),
		lastBlobPage: pm.lastBlobPage,
		stateDirty:   pm.stateDirty,
		fileSize:     size,
	}
	return nil
}

// Rollback restores the state recorded by Checkpoint. The changeset of ctx
// must already be cleared: pages allocated past the old end of file are
// dropped from the cache and the file is resized to its recorded length.
// Without a checkpoint Rollback does nothing.
func (pm *PageManager) Rollback(ctx *Context) error {
	cp := ctx.checkpoint
	if cp == nil {
		return nil
	}
	ctx.checkpoint = nil

	pm.mu.Lock()
	pm.freelist = cp.freelist
	pm.lastBlobPage = cp.lastBlobPage
	pm.stateDirty = cp.stateDirty
	size, err := pm.dev.FileSize()
	if err == nil && size != cp.fileSize {
		ps := page.PageID(pm.cfg.PageSize)
		for addr := page.PageID(cp.fileSize); addr < page.PageID(size); addr += ps {
			if p, ok := pm.cache.Peek(addr); ok {
				pm.cache.Remove(addr)
				p.MarkEvicted()
				pm.metrics.CachedPagesUpDown.Add(ctx.stdContext(), -1)
			}
		}
		err = pm.dev.Truncate(cp.fileSize)
	}
	pm.mu.Unlock()
	if err != nil {
		return fmt.Errorf("rolling back page manager state: %w", err)
	}

	if size != cp.fileSize {
		pm.logger.Debug("restored file size",
			zap.Int64("size", size),
			zap.Int64("restored", cp.fileSize),
		)
	}
	return nil
}

// --- Last blob page ---

// LastBlobPage fetches the page most recently used for small blobs, or
// returns nil if there is none.
func (pm *PageManager) LastBlobPage(ctx *Context) (*page.Handle, error) {
	id := page.PageID(pm.LastBlobPageID())
	if id == 0 {
		return nil, nil
	}
	return pm.Fetch(ctx, id, 0)
}

func (pm *PageManager) SetLastBlobPage(h *page.Handle) {
	var id page.PageID
	if h != nil {
		id = h.ID()
	}
	pm.SetLastBlobPageID(uint64(id))
}

func (pm *PageManager) LastBlobPageID() uint64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return uint64(pm.lastBlobPage)
}

func (pm *PageManager) SetLastBlobPageID(id uint64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.lastBlobPage != page.PageID(id) {
		pm.lastBlobPage = page.PageID(id)
		pm.stateDirty = true
	}
}

// RunAsync queues a task on the background worker.
func (pm *PageManager) RunAsync(t flushmanager.Task) error {
	if pm.worker == nil {
		return t()
	}
	return pm.worker.Enqueue(t)
}

// Metrics is a snapshot of the page manager state.
type Metrics struct {
	CachedPages     int
	CacheBytes      int64
	FreelistEntries int
	FreePages       int
	LastBlobPageID  uint64
	StateID         uint64
	FileSize        int64
}

// FillMetrics copies the current state into m.
func (pm *PageManager) FillMetrics(m *Metrics) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	m.CachedPages = pm.cache.Len()
	m.CacheBytes = int64(pm.cache.Len()) * int64(pm.cfg.PageSize)
	m.FreelistEntries = len(pm.freelist)
	m.FreePages = 0
	for _, n := range pm.freelist {
		m.FreePages += n
	}
	m.LastBlobPageID = uint64(pm.lastBlobPage)
	m.StateID = uint64(pm.stateID)
	size, err := pm.dev.FileSize()
	if err != nil {
		return err
	}
	m.FileSize = size
	return nil
}

// FreeRuns returns the freelist as (address, page count) pairs in address
// order.
func (pm *PageManager) FreeRuns() [][2]uint64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.freeRunsLocked()
}

func (pm *PageManager) freeRunsLocked() [][2]uint64 {
	runs := make([][2]uint64, 0, len(pm.freelist))
	for addr, n := range pm.freelist {
		runs = append(runs, [2]uint64{uint64(addr), uint64(n)})
	}
	slices.SortFunc(runs, func(a, b [2]uint64) int {
		switch {
		case a[0] < b[0]:
			return -1
		case a[0] > b[0]:
			return 1
		}
		return 0
	})
	return runs
}
