// Package env ties the storage engine together: it opens the device and the
// journal, runs recovery and hands out operation contexts whose changesets
// are committed through the journal.
package env

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/pagestore/core/storage_engine/common"
	"github.com/sushant-115/pagestore/core/storage_engine/device"
	"github.com/sushant-115/pagestore/core/write_engine/changeset"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	"github.com/sushant-115/pagestore/core/write_engine/page"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"github.com/sushant-115/pagestore/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/pagestore/internal/telemetry"
	"github.com/sushant-115/pagestore/pkg/telemetry"
)

// Options are hooks for tests.
type Options struct {
	// PostLogHook runs after every journal append, before the pages of the
	// changeset are written to the device.
	PostLogHook func()
}

// Environment is an open database.
type Environment struct {
	cfg     Config
	header  Header
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *internaltelemetry.StorageMetrics

	dev     device.Device
	journal *wal.Journal
	worker  *flushmanager.Worker
	pm      *pagemanager.PageManager
	csCfg   *changeset.Config

	// opMu serializes foreground operations: Begin takes it, Commit and
	// Abort release it.
	opMu   sync.Mutex
	lsn    atomic.Uint64
	closed atomic.Bool
}

// Open opens or creates the environment described by cfg.
func Open(cfg Config, logger *zap.Logger, tel *telemetry.Telemetry) (*Environment, error) {
	return OpenWithOptions(cfg, logger, tel, Options{})
}

func OpenWithOptions(cfg Config, logger *zap.Logger, tel *telemetry.Telemetry, opts Options) (*Environment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	e := &Environment{
		cfg:     cfg,
		logger:  logger.Named("env"),
		tracer:  tel.Tracer,
		metrics: tel.Storage,
	}

	var (
		create bool
		err    error
	)
	if cfg.InMemory() {
		e.dev, create = device.NewMemory(), true
	} else if e.dev, create, err = device.OpenFile(cfg.Path, true); err != nil {
		return nil, err
	}

	if create {
		err = e.create(opts)
	} else {
		err = e.open(opts)
	}
	if err != nil {
		err = multierr.Append(err, e.shutdown())
		return nil, err
	}
	e.logger.Info("environment opened",
		zap.String("path", cfg.Path),
		zap.Bool("created", create),
		zap.Stringer("env_id", e.header.EnvID),
		zap.Uint32("page_size", e.header.PageSize),
		zap.Bool("journal", e.journal != nil),
	)
	return e, nil
}

// setup starts the worker, the journal and the page manager for pageSize.
func (e *Environment) setup(pageSize int, id uuid.UUID, create bool, opts Options) error {
	e.worker = flushmanager.NewWorker(e.logger)

	if e.cfg.journalEnabled() {
		j, err := wal.Open(wal.Config{
			Path:            e.cfg.Path,
			EnvID:           id,
			PageSize:        pageSize,
			SwitchThreshold: e.cfg.JournalSwitchThreshold,
			EnableFsync:     e.cfg.EnableFsync,
			Metrics:         e.metrics,
		}, create, e.logger)
		if err != nil {
			return err
		}
		e.journal = j
	}

	pm, err := pagemanager.New(pagemanager.Config{
		PageSize:      pageSize,
		CacheSize:     e.cfg.CacheSize,
		PurgeInterval: e.cfg.PurgeInterval,
	}, e.dev, e.worker, e.logger, e.metrics)
	if err != nil {
		return err
	}
	e.pm = pm

	csCfg := changeset.Config{
		Device:         e.dev,
		Scheduler:      e.worker,
		LastBlobPageID: pm.LastBlobPageID,
		EnableFsync:    e.cfg.EnableFsync,
		Discard:        pm.Discard,
		PostLogHook:    opts.PostLogHook,
		Logger:         e.logger,
		Metrics:        e.metrics,
		Tracer:         e.tracer,
	}
	// a nil *wal.Journal must not end up in the interface
	if e.journal != nil {
		csCfg.Journal = e.journal
	}
	e.csCfg = changeset.NewConfig(csCfg)
	return nil
}

func (e *Environment) create(opts Options) error {
	id := uuid.New()
	if err := e.setup(e.cfg.PageSize, id, true, opts); err != nil {
		return err
	}

	ctx, err := e.Begin(context.Background())
	if err != nil {
		return err
	}
	h, err := e.pm.Alloc(ctx, page.TypeHeader, pagemanager.IgnoreFreelist|pagemanager.ClearWithZero|pagemanager.DisableStoreState)
	if err != nil {
		e.Abort(ctx)
		return err
	}
	if h.ID() != 0 {
		e.Abort(ctx)
		return fmt.Errorf("%w: header page allocated at %d", common.ErrIntegrityViolated, h.ID())
	}
	stateID, err := e.pm.CreateState(ctx)
	if err != nil {
		e.Abort(ctx)
		return err
	}
	e.header = newHeader(e.cfg.PageSize, id, stateID)
	if err := e.header.Encode(h.Payload()); err != nil {
		e.Abort(ctx)
		return err
	}
	if err := e.Commit(ctx); err != nil {
		return err
	}
	e.worker.Drain()
	return e.worker.Err()
}

func (e *Environment) open(opts Options) error {
	hdr, err := readHeader(e.dev)
	if err != nil {
		return err
	}
	e.header = hdr
	if int(hdr.PageSize) != e.cfg.PageSize {
		e.logger.Warn("using the page size of the existing file",
			zap.Int("configured", e.cfg.PageSize),
			zap.Uint32("file", hdr.PageSize),
		)
	}
	if err := e.setup(int(hdr.PageSize), hdr.EnvID, false, opts); err != nil {
		return err
	}

	ctx := pagemanager.NewContext(context.Background(), nil)
	if e.journal != nil && !e.journal.IsEmpty() {
		res, err := e.journal.Recover(e.dev)
		if err != nil {
			return fmt.Errorf("recovering from the journal: %w", err)
		}
		e.lsn.Store(res.MaxLSN)
		// recovery rewrote pages behind the cache
		if err := e.pm.Reset(ctx); err != nil {
			return err
		}
		if err := e.pm.Initialize(ctx, page.PageID(hdr.StateID)); err != nil {
			return err
		}
		if res.Changesets > 0 {
			e.pm.SetLastBlobPageID(res.LastBlobPageID)
		}
		e.logger.Info("recovered from the journal",
			zap.Int("changesets", res.Changesets),
			zap.Int("pages", res.Pages),
			zap.Uint64("lsn", res.MaxLSN),
		)
		return e.journal.Clear()
	}
	return e.pm.Initialize(ctx, page.PageID(hdr.StateID))
}

// Begin starts an operation. Operations are serialized: Begin blocks until
// the previous operation is committed or aborted.
func (e *Environment) Begin(ctx context.Context) (*pagemanager.Context, error) {
	if e.closed.Load() {
		return nil, fmt.Errorf("%w: begin", common.ErrClosed)
	}
	e.opMu.Lock()
	if e.closed.Load() {
		e.opMu.Unlock()
		return nil, fmt.Errorf("%w: begin", common.ErrClosed)
	}
	opCtx := pagemanager.NewContext(ctx, changeset.New(e.csCfg))
	if err := e.pm.Checkpoint(opCtx); err != nil {
		e.opMu.Unlock()
		return nil, err
	}
	return opCtx, nil
}

// Commit persists the changeset of ctx and ends the operation. The
// changeset is in the journal when Commit returns; the device writes finish
// in the background. An error of an earlier background write fails the
// commit.
func (e *Environment) Commit(ctx *pagemanager.Context) (err error) {
	defer e.opMu.Unlock()

	start := time.Now()
	lsn := e.lsn.Add(1)
	spanCtx, span := e.tracer.Start(ctx.Ctx, "env.commit", trace.WithAttributes(
		attribute.Int64("lsn", int64(lsn)),
		attribute.Int("pages", ctx.Changeset.Len()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "commit failed")
		}
		span.End()
		e.metrics.CommitLatencyHistogram.Record(spanCtx, time.Since(start).Microseconds())
	}()

	if werr := e.worker.Err(); werr != nil {
		return multierr.Append(fmt.Errorf("background flush failed: %w", werr), e.rollback(ctx))
	}
	if err := e.pm.MaybeStoreState(ctx); err != nil {
		return multierr.Append(err, e.rollback(ctx))
	}
	if err := ctx.Changeset.Flush(spanCtx, lsn); err != nil {
		// pages the flush did not take are still locked
		return multierr.Append(err, e.rollback(ctx))
	}
	e.pm.PurgeCache(ctx)
	return nil
}

// Abort drops every modification of ctx and ends the operation.
func (e *Environment) Abort(ctx *pagemanager.Context) {
	defer e.opMu.Unlock()
	if err := e.rollback(ctx); err != nil {
		e.logger.Error("abort failed to restore page manager state", zap.Error(err))
	}
}

// rollback discards the changeset of ctx and restores the freelist and the
// file size seen by Begin.
func (e *Environment) rollback(ctx *pagemanager.Context) error {
	ctx.Changeset.Clear()
	return e.pm.Rollback(ctx)
}

// Flush writes every committed page to the device and empties the journal.
func (e *Environment) Flush() error {
	if e.closed.Load() {
		return fmt.Errorf("%w: flush", common.ErrClosed)
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.flushLocked()
}

func (e *Environment) flushLocked() error {
	e.worker.Drain()
	if err := e.worker.Err(); err != nil {
		return fmt.Errorf("background flush failed: %w", err)
	}
	if err := e.pm.FlushAllPages(); err != nil {
		return err
	}
	if err := e.dev.Flush(); err != nil {
		return err
	}
	if e.journal != nil {
		return e.journal.Clear()
	}
	return nil
}

// Backup flushes the environment and copies the database file to dst at no
// more than bytesPerSec (0 means unlimited). Operations wait until the copy
// is done.
func (e *Environment) Backup(ctx context.Context, dst string, bytesPerSec int64) (common.CopyResult, error) {
	if e.cfg.InMemory() {
		return common.CopyResult{}, fmt.Errorf("%w: an in-memory environment has no file to back up", common.ErrInvalidConfig)
	}
	if e.closed.Load() {
		return common.CopyResult{}, fmt.Errorf("%w: backup", common.ErrClosed)
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := e.flushLocked(); err != nil {
		return common.CopyResult{}, err
	}
	start := time.Now()
	res, err := common.CopyThrottled(ctx, e.cfg.Path, dst, bytesPerSec)
	if err != nil {
		return res, fmt.Errorf("backing up to %s: %w", dst, err)
	}
	e.logger.Info("backup written",
		zap.String("dst", dst),
		zap.Int64("bytes", res.Bytes),
		zap.Duration("took", time.Since(start)),
	)
	return res, nil
}

// Close flushes all pages and closes the environment. The journal is
// emptied only if every page reached the device.
func (e *Environment) Close() error {
	if e.closed.Load() {
		return nil
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	ctx := pagemanager.NewContext(context.Background(), changeset.New(e.csCfg))
	err := e.pm.Close(ctx)
	err = multierr.Append(err, e.worker.Close())
	if err == nil && e.journal != nil {
		err = e.journal.Clear()
	}
	err = multierr.Append(err, e.shutdown())
	e.logger.Info("environment closed", zap.String("path", e.cfg.Path), zap.Error(err))
	return err
}

// shutdown stops the worker and closes the files. Closing the worker twice
// is a no-op.
func (e *Environment) shutdown() error {
	var err error
	if e.worker != nil {
		err = multierr.Append(err, e.worker.Close())
	}
	if e.journal != nil {
		err = multierr.Append(err, e.journal.Close())
	}
	if e.dev != nil {
		err = multierr.Append(err, e.dev.Close())
	}
	return err
}

func (e *Environment) PageManager() *pagemanager.PageManager { return e.pm }
func (e *Environment) ID() uuid.UUID                         { return e.header.EnvID }
func (e *Environment) Header() Header                        { return e.header }
func (e *Environment) PageSize() int                         { return int(e.header.PageSize) }

// Journal returns nil for environments without recovery.
func (e *Environment) Journal() *wal.Journal { return e.journal }
