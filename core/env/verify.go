package env

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/pagestore/core/indexing/btree"
	"github.com/sushant-115/pagestore/core/storage_engine/common"
	"github.com/sushant-115/pagestore/core/write_engine/page"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
)

// Report summarizes a Verify run.
type Report struct {
	Pages     int
	FreePages int
	// Types counts the live pages by type. Trailing blob pages are
	// counted as blob pages.
	Types      map[page.Type]int
	BtreeNodes int
	BtreeKeys  int
}

// Verify reads every page of the file that is not on the freelist and runs
// the integrity check of each btree node. All problems found are returned
// together.
func (e *Environment) Verify(ctx context.Context) (Report, error) {
	rep := Report{Types: make(map[page.Type]int)}

	opCtx, err := e.Begin(ctx)
	if err != nil {
		return rep, err
	}
	defer e.Abort(opCtx)

	var m pagemanager.Metrics
	if err := e.pm.FillMetrics(&m); err != nil {
		return rep, err
	}
	ps := uint64(e.pm.PageSize())
	free := make(map[page.PageID]bool)
	for _, run := range e.pm.FreeRuns() {
		for i := uint64(0); i < run[1]; i++ {
			free[page.PageID(run[0]+i*ps)] = true
		}
	}

	var errs error
	trailing := 0
	for addr := uint64(0); addr+ps <= uint64(m.FileSize); addr += ps {
		rep.Pages++
		id := page.PageID(addr)
		if trailing > 0 {
			// no header; the bytes belong to the blob
			trailing--
			rep.Types[page.TypeBlob]++
			continue
		}
		if free[id] {
			rep.FreePages++
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		h, err := e.pm.Fetch(opCtx, id, pagemanager.ReadOnly)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		t := h.Type()
		if t > page.TypeBlob {
			t = page.TypeUnknown
		}
		rep.Types[t]++
		if n := h.BlobPages(); t == page.TypeBlob && n > 1 {
			trailing = int(n) - 1
		}
		if t == page.TypeBtreeRoot || t == page.TypeBtreeIndex {
			if err := verifyNode(h, &rep); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("page %d: %w", addr, err))
			}
		}
		h.Release()
	}
	if id := m.LastBlobPageID; id != 0 && free[page.PageID(id)] {
		errs = multierr.Append(errs, fmt.Errorf("%w: last blob page %d is free", common.ErrIntegrityViolated, id))
	}

	e.logger.Info("verify finished",
		zap.Int("pages", rep.Pages),
		zap.Int("free_pages", rep.FreePages),
		zap.Int("btree_nodes", rep.BtreeNodes),
		zap.Error(errs),
	)
	return rep, errs
}

func verifyNode(h *page.Handle, rep *Report) error {
	node, err := btree.OpenNode(h)
	if err != nil {
		return err
	}
	if err := node.CheckIntegrity(); err != nil {
		return err
	}
	rep.BtreeNodes++
	rep.BtreeKeys += node.Length()
	return nil
}
