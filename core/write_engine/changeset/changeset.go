// Package changeset tracks the pages locked by one in-flight operation and
// commits them: journal first, then an asynchronous write to the device.
package changeset

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/pagestore/core/storage_engine/device"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	"github.com/sushant-115/pagestore/core/write_engine/page"
	"github.com/sushant-115/pagestore/internal/failpoint"
	internaltelemetry "github.com/sushant-115/pagestore/internal/telemetry"
)

// Journal receives committed changesets.
type Journal interface {
	// AppendChangeset makes the page images durable and returns the index
	// of the journal file holding them.
	AppendChangeset(pages []*page.Handle, lastBlobPageID, lsn uint64) (int, error)
	// ChangesetFlushed reports that the pages of a changeset reached the
	// device.
	ChangesetFlushed(idx int)
}

// Scheduler runs tasks in the background.
type Scheduler interface {
	Enqueue(t flushmanager.Task) error
}

// Config is shared by all changesets of an environment.
type Config struct {
	// Journal may be nil, in which case Flush skips the journal.
	Journal   Journal
	Device    device.Device
	Scheduler Scheduler
	// LastBlobPageID is recorded with every changeset.
	LastBlobPageID func() uint64
	EnableFsync    bool
	// Discard drops an aborted page from the page cache.
	Discard func(p *page.Page)
	// PostLogHook runs right after the journal append. Tests use it to
	// simulate a crash.
	PostLogHook func()

	Logger  *zap.Logger
	Metrics *internaltelemetry.StorageMetrics
	Tracer  trace.Tracer
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = internaltelemetry.NewNoopStorageMetrics()
	}
	if c.Tracer == nil {
		c.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if c.LastBlobPageID == nil {
		c.LastBlobPageID = func() uint64 { return 0 }
	}
}

// Changeset is the write set of one operation: every page in it is
// exclusively locked by that operation.
type Changeset struct {
	cfg   *Config
	pages map[page.PageID]*page.Handle
}

// NewConfig fills in defaults. The returned pointer is shared by all
// changesets created from it.
func NewConfig(cfg Config) *Config {
	cfg.setDefaults()
	return &cfg
}

func New(cfg *Config) *Changeset {
	return &Changeset{cfg: cfg, pages: make(map[page.PageID]*page.Handle)}
}

// Get returns a borrowed handle of a page in the set, or nil.
func (c *Changeset) Get(id page.PageID) *page.Handle {
	h, ok := c.pages[id]
	if !ok {
		return nil
	}
	return h.Borrow()
}

func (c *Changeset) Has(id page.PageID) bool {
	_, ok := c.pages[id]
	return ok
}

// Put takes ownership of a locked page.
func (c *Changeset) Put(h *page.Handle) {
	if h.Borrowed() {
		return
	}
	c.pages[h.ID()] = h
}

// Remove takes a page out of the set and hands its lock to the caller.
func (c *Changeset) Remove(id page.PageID) *page.Handle {
	h, ok := c.pages[id]
	if !ok {
		return nil
	}
	delete(c.pages, id)
	return h
}

func (c *Changeset) Len() int      { return len(c.pages) }
func (c *Changeset) IsEmpty() bool { return len(c.pages) == 0 }

// Addresses returns the page ids in ascending order.
func (c *Changeset) Addresses() []page.PageID {
	ids := make([]page.PageID, 0, len(c.pages))
	for id := range c.pages {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// take empties the set and returns its handles in address order.
func (c *Changeset) take() []*page.Handle {
	handles := make([]*page.Handle, 0, len(c.pages))
	for _, id := range c.Addresses() {
		handles = append(handles, c.pages[id])
	}
	clear(c.pages)
	return handles
}

// Flush commits the changeset. Clean pages are unlocked right away. Dirty
// pages are appended to the journal before Flush returns; writing them to
// the device and unlocking them happens on the scheduler.
func (c *Changeset) Flush(ctx context.Context, lsn uint64) error {
	if c.IsEmpty() {
		return nil
	}
	if err := failpoint.Hit("changeset.flush.begin"); err != nil {
		return fmt.Errorf("failpoint: changeset.flush.begin: %w", err)
	}

	ctx, span := c.cfg.Tracer.Start(ctx, "changeset.flush", trace.WithAttributes(
		attribute.Int64("lsn", int64(lsn)),
	))
	defer span.End()

	var dirty []*page.Handle
	for _, h := range c.take() {
		if h.IsDirty() {
			dirty = append(dirty, h)
			continue
		}
		h.Release()
	}
	if len(dirty) == 0 {
		return nil
	}
	span.SetAttributes(attribute.Int("pages", len(dirty)))

	start := time.Now()
	fdIndex := -1
	if c.cfg.Journal != nil {
		idx, err := c.cfg.Journal.AppendChangeset(dirty, c.cfg.LastBlobPageID(), lsn)
		if err != nil {
			c.discard(dirty)
			span.RecordError(err)
			span.SetStatus(codes.Error, "journal append failed")
			return fmt.Errorf("appending changeset %d to the journal: %w", lsn, err)
		}
		fdIndex = idx
	}

	if err := failpoint.Hit("changeset.flush.logged"); err != nil {
		// the journal has the changeset; the device never sees it
		c.discard(dirty)
		return fmt.Errorf("failpoint: changeset.flush.logged: %w", err)
	}
	if c.cfg.PostLogHook != nil {
		c.cfg.PostLogHook()
	}

	c.cfg.Metrics.ChangesetFlushesCounter.Add(ctx, 1)
	c.cfg.Metrics.FlushLatencyHistogram.Record(ctx, time.Since(start).Microseconds(),
		metric.WithAttributes(attribute.Bool("journal", c.cfg.Journal != nil)))

	task := func() error { return c.writePages(dirty, lsn, fdIndex) }
	if c.cfg.Scheduler == nil {
		return task()
	}
	if err := c.cfg.Scheduler.Enqueue(task); err != nil {
		c.cfg.Logger.Warn("scheduler unavailable, writing changeset inline", zap.Error(err))
		return task()
	}
	return nil
}

// writePages runs on the scheduler. It owns the locks of pages and releases
// each one after its write.
func (c *Changeset) writePages(pages []*page.Handle, lsn uint64, fdIndex int) error {
	var err error
	for _, h := range pages {
		if err == nil {
			if ferr := failpoint.Hit("changeset.flush.page"); ferr != nil {
				err = fmt.Errorf("failpoint: changeset.flush.page: %w", ferr)
			}
		}
		if err == nil {
			h.SetLSN(page.LSN(lsn))
			err = h.WriteTo(c.cfg.Device)
			if err == nil {
				c.cfg.Metrics.PagesFlushedCounter.Add(context.Background(), 1)
			}
		}
		h.Release()
	}
	if err != nil {
		return fmt.Errorf("flushing changeset %d: %w", lsn, err)
	}
	if c.cfg.EnableFsync {
		if err := c.cfg.Device.Flush(); err != nil {
			return fmt.Errorf("flushing changeset %d: %w", lsn, err)
		}
	}
	if fdIndex >= 0 {
		c.cfg.Journal.ChangesetFlushed(fdIndex)
	}
	return nil
}

func (c *Changeset) discard(pages []*page.Handle) {
	for _, h := range pages {
		h.SetDirty(false)
		if c.cfg.Discard != nil {
			c.cfg.Discard(h.Page())
		}
		h.Release()
	}
}

// Clear aborts: every lock is released and modified pages are dropped from
// the cache. Nothing is written.
func (c *Changeset) Clear() {
	for _, h := range c.take() {
		if h.IsDirty() {
			c.discard([]*page.Handle{h})
			continue
		}
		h.Release()
	}
}

// ReleaseAll unlocks every page and keeps modified pages dirty in the cache.
// Used when closing, where dirty pages are written by a cache flush.
func (c *Changeset) ReleaseAll() {
	for _, h := range c.take() {
		h.Release()
	}
}
