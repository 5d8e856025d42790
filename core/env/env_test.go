package env

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/pagestore/core/indexing/btree"
	"github.com/sushant-115/pagestore/core/storage_engine/common"
	"github.com/sushant-115/pagestore/core/write_engine/page"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"github.com/sushant-115/pagestore/core/write_engine/wal"
	"github.com/sushant-115/pagestore/internal/failpoint"
)

const testPageSize = 1024

func testConfig(path string) Config {
	cfg := DefaultConfig()
	cfg.Path = path
	cfg.PageSize = testPageSize
	cfg.CacheSize = 64 * testPageSize
	return cfg
}

func openEnv(t *testing.T, cfg Config, opts Options) *Environment {
	t.Helper()
	e, err := OpenWithOptions(cfg, zaptest.NewLogger(t), nil, opts)
	require.NoError(t, err)
	return e
}

// writeLeaf commits a new leaf page holding keys and returns its address.
func writeLeaf(t *testing.T, e *Environment, keys ...uint32) page.PageID {
	t.Helper()
	ctx, err := e.Begin(context.Background())
	require.NoError(t, err)
	h, err := e.PageManager().Alloc(ctx, page.TypeBtreeIndex, pagemanager.ClearWithZero)
	require.NoError(t, err)
	node, err := btree.CreateNode(h, true)
	require.NoError(t, err)
	for _, k := range keys {
		_, err := node.InsertKey(k)
		require.NoError(t, err)
	}
	require.NoError(t, e.Commit(ctx))
	return h.ID()
}

func readLeaf(t *testing.T, e *Environment, id page.PageID) []uint32 {
	t.Helper()
	ctx, err := e.Begin(context.Background())
	require.NoError(t, err)
	defer e.Abort(ctx)
	h, err := e.PageManager().Fetch(ctx, id, 0)
	require.NoError(t, err)
	node, err := btree.OpenNode(h)
	require.NoError(t, err)
	require.NoError(t, node.CheckIntegrity())
	return node.Keys()
}

func copyFile(t *testing.T, src, dst string) {
	t.Helper()
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dst, data, 0644))
}

func TestCreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	cfg := testConfig(path)

	e := openEnv(t, cfg, Options{})
	id := e.ID()
	require.EqualValues(t, testPageSize, e.Header().StateID)
	leaf := writeLeaf(t, e, 30, 10, 20)
	require.Equal(t, page.PageID(2*testPageSize), leaf)
	require.NoError(t, e.Close())

	for i := range 2 {
		fi, err := os.Stat(wal.FileName(path, i))
		require.NoError(t, err)
		require.NotZero(t, fi.Size())
	}

	// a different configured page size is overridden by the file
	cfg.PageSize = 4096
	e = openEnv(t, cfg, Options{})
	defer func() { require.NoError(t, e.Close()) }()
	require.Equal(t, id, e.ID())
	require.Equal(t, testPageSize, e.PageSize())
	require.True(t, e.Journal().IsEmpty())
	require.Equal(t, []uint32{10, 20, 30}, readLeaf(t, e, leaf))
}

func TestInMemory(t *testing.T) {
	e := openEnv(t, testConfig(""), Options{})
	require.Nil(t, e.Journal())
	leaf := writeLeaf(t, e, 5, 1)
	require.Equal(t, []uint32{1, 5}, readLeaf(t, e, leaf))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Close())
}

func TestAbortDiscardsChanges(t *testing.T) {
	e := openEnv(t, testConfig(filepath.Join(t.TempDir(), "test.db")), Options{})
	defer func() { require.NoError(t, e.Close()) }()
	leaf := writeLeaf(t, e, 1, 2)

	ctx, err := e.Begin(context.Background())
	require.NoError(t, err)
	h, err := e.PageManager().Fetch(ctx, leaf, 0)
	require.NoError(t, err)
	node, err := btree.OpenNode(h)
	require.NoError(t, err)
	_, err = node.InsertKey(3)
	require.NoError(t, err)
	e.Abort(ctx)

	require.Equal(t, []uint32{1, 2}, readLeaf(t, e, leaf))
}

func TestFreedPagesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	e := openEnv(t, testConfig(path), Options{})
	a := writeLeaf(t, e, 1)
	writeLeaf(t, e, 2)

	ctx, err := e.Begin(context.Background())
	require.NoError(t, err)
	h, err := e.PageManager().Fetch(ctx, a, 0)
	require.NoError(t, err)
	require.NoError(t, e.PageManager().Del(ctx, h, 1))
	require.NoError(t, e.Commit(ctx))
	require.NoError(t, e.Close())

	e = openEnv(t, testConfig(path), Options{})
	defer func() { require.NoError(t, e.Close()) }()
	require.Equal(t, [][2]uint64{{uint64(a), 1}}, e.PageManager().FreeRuns())
	require.Equal(t, a, writeLeaf(t, e, 3))
}

func TestRecoveryReplaysJournal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	crashed := filepath.Join(dir, "crashed.db")

	var armed bool
	snapshot := func() {
		if !armed {
			return
		}
		armed = false
		copyFile(t, path, crashed)
		for i := range 2 {
			copyFile(t, wal.FileName(path, i), wal.FileName(crashed, i))
		}
	}

	e := openEnv(t, testConfig(path), Options{PostLogHook: snapshot})
	first := writeLeaf(t, e, 7, 8)
	require.NoError(t, e.Flush())

	// the copy is taken after the journal append and before the device
	// write of the second leaf
	armed = true
	second := writeLeaf(t, e, 42, 41, 40)
	require.False(t, armed)
	require.NoError(t, e.Close())

	e = openEnv(t, testConfig(crashed), Options{})
	defer func() { require.NoError(t, e.Close()) }()
	require.True(t, e.Journal().IsEmpty())
	require.Equal(t, []uint32{7, 8}, readLeaf(t, e, first))
	require.Equal(t, []uint32{40, 41, 42}, readLeaf(t, e, second))
}

func TestRecoveryDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	cfg := testConfig(path)
	cfg.EnableRecovery = false

	e := openEnv(t, cfg, Options{})
	require.Nil(t, e.Journal())
	leaf := writeLeaf(t, e, 9)
	require.NoError(t, e.Close())

	_, err := os.Stat(wal.FileName(path, 0))
	require.True(t, os.IsNotExist(err))

	e = openEnv(t, cfg, Options{})
	defer func() { require.NoError(t, e.Close()) }()
	require.Equal(t, []uint32{9}, readLeaf(t, e, leaf))
}

func TestForeignJournalRejected(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.db")
	b := filepath.Join(dir, "b.db")

	for _, p := range []string{a, b} {
		e := openEnv(t, testConfig(p), Options{})
		require.NoError(t, e.Close())
	}
	for i := range 2 {
		copyFile(t, wal.FileName(b, i), wal.FileName(a, i))
	}

	_, err := Open(testConfig(a), zaptest.NewLogger(t), nil)
	require.ErrorIs(t, err, common.ErrJournalMismatch)
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.db")
	require.NoError(t, os.WriteFile(path, make([]byte, 4*testPageSize), 0644))

	_, err := Open(testConfig(path), zaptest.NewLogger(t), nil)
	require.ErrorIs(t, err, common.ErrInvalidFile)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("")
	cfg.PageSize = 3000
	_, err := Open(cfg, nil, nil)
	require.ErrorIs(t, err, common.ErrInvalidConfig)
}

func TestBeginAfterClose(t *testing.T) {
	e := openEnv(t, testConfig(""), Options{})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Begin(context.Background())
	require.ErrorIs(t, err, common.ErrClosed)
	require.ErrorIs(t, e.Flush(), common.ErrClosed)
}

func TestCommitFailureReleasesPages(t *testing.T) {
	t.Cleanup(failpoint.DisableAll)
	e := openEnv(t, testConfig(filepath.Join(t.TempDir(), "test.db")), Options{})
	defer func() { require.NoError(t, e.Close()) }()
	leaf := writeLeaf(t, e, 1)

	failpoint.Enable("changeset.flush.begin", nil)
	ctx, err := e.Begin(context.Background())
	require.NoError(t, err)
	h, err := e.PageManager().Fetch(ctx, leaf, 0)
	require.NoError(t, err)
	node, err := btree.OpenNode(h)
	require.NoError(t, err)
	_, err = node.InsertKey(2)
	require.NoError(t, err)
	require.ErrorIs(t, e.Commit(ctx), failpoint.ErrInjected)
	failpoint.Disable("changeset.flush.begin")

	// the page is unlocked and its modification is gone
	require.Equal(t, []uint32{1}, readLeaf(t, e, leaf))
}

func TestBackgroundFlushFailureFailsNextCommit(t *testing.T) {
	t.Cleanup(failpoint.DisableAll)
	e := openEnv(t, testConfig(filepath.Join(t.TempDir(), "test.db")), Options{})

	failpoint.Enable("changeset.flush.page", nil)
	writeLeaf(t, e, 1)
	require.ErrorIs(t, e.Flush(), failpoint.ErrInjected)
	failpoint.Disable("changeset.flush.page")

	ctx, err := e.Begin(context.Background())
	require.NoError(t, err)
	_, err = e.PageManager().Alloc(ctx, page.TypeBtreeIndex, 0)
	require.NoError(t, err)
	require.ErrorIs(t, e.Commit(ctx), failpoint.ErrInjected)

	require.ErrorIs(t, e.Close(), failpoint.ErrInjected)
	require.False(t, e.Journal().IsEmpty())
}

func TestVerify(t *testing.T) {
	e := openEnv(t, testConfig(filepath.Join(t.TempDir(), "test.db")), Options{})
	defer func() { require.NoError(t, e.Close()) }()
	writeLeaf(t, e, 1, 2, 3)
	freed := writeLeaf(t, e, 4)

	ctx, err := e.Begin(context.Background())
	require.NoError(t, err)
	h, err := e.PageManager().Fetch(ctx, freed, 0)
	require.NoError(t, err)
	require.NoError(t, e.PageManager().Del(ctx, h, 1))
	require.NoError(t, e.Commit(ctx))

	rep, err := e.Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, rep.Pages)
	require.Equal(t, 1, rep.FreePages)
	require.Equal(t, 1, rep.Types[page.TypeHeader])
	require.Equal(t, 1, rep.Types[page.TypePageManager])
	require.Equal(t, 1, rep.BtreeNodes)
	require.Equal(t, 3, rep.BtreeKeys)
}

func TestVerifyReportsCorruptNode(t *testing.T) {
	e := openEnv(t, testConfig(""), Options{})
	defer func() { require.NoError(t, e.Close()) }()
	leaf := writeLeaf(t, e, 1, 2)

	// a length beyond the stored keys
	ctx, err := e.Begin(context.Background())
	require.NoError(t, err)
	h, err := e.PageManager().Fetch(ctx, leaf, 0)
	require.NoError(t, err)
	payload := h.Payload()
	payload[4] = 200
	h.SetDirty(true)
	require.NoError(t, e.Commit(ctx))

	_, err = e.Verify(context.Background())
	require.ErrorIs(t, err, common.ErrIntegrityViolated)
}

func TestBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	backup := filepath.Join(dir, "backup.db")

	e := openEnv(t, testConfig(path), Options{})
	leaf := writeLeaf(t, e, 11, 12)
	res, err := e.Backup(context.Background(), backup, 0)
	require.NoError(t, err)
	require.EqualValues(t, 3*testPageSize, res.Bytes)
	require.True(t, e.Journal().IsEmpty())
	require.NoError(t, e.Close())

	// the copy opens on its own, without journal files
	e = openEnv(t, testConfig(backup), Options{})
	defer func() { require.NoError(t, e.Close()) }()
	require.Equal(t, []uint32{11, 12}, readLeaf(t, e, leaf))
}

func TestBackupInMemory(t *testing.T) {
	e := openEnv(t, testConfig(""), Options{})
	defer func() { require.NoError(t, e.Close()) }()
	_, err := e.Backup(context.Background(), filepath.Join(t.TempDir(), "b.db"), 0)
	require.ErrorIs(t, err, common.ErrInvalidConfig)
}

func TestReclaimSpaceShrinksFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	e := openEnv(t, testConfig(path), Options{})
	writeLeaf(t, e, 1)
	tail := writeLeaf(t, e, 2)

	ctx, err := e.Begin(context.Background())
	require.NoError(t, err)
	h, err := e.PageManager().Fetch(ctx, tail, 0)
	require.NoError(t, err)
	require.NoError(t, e.PageManager().Del(ctx, h, 1))
	require.NoError(t, e.Commit(ctx))

	ctx, err = e.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.PageManager().ReclaimSpace(ctx))
	require.NoError(t, e.Commit(ctx))
	require.Empty(t, e.PageManager().FreeRuns())
	require.NoError(t, e.Close())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, 3*testPageSize, fi.Size())

	e = openEnv(t, testConfig(path), Options{})
	defer func() { require.NoError(t, e.Close()) }()
	require.Empty(t, e.PageManager().FreeRuns())
	require.Equal(t, tail, writeLeaf(t, e, 3))
}

func fileSize(t *testing.T, e *Environment) int64 {
	t.Helper()
	var m pagemanager.Metrics
	require.NoError(t, e.PageManager().FillMetrics(&m))
	return m.FileSize
}

func freeLeaf(t *testing.T, e *Environment, id page.PageID) {
	t.Helper()
	ctx, err := e.Begin(context.Background())
	require.NoError(t, err)
	h, err := e.PageManager().Fetch(ctx, id, 0)
	require.NoError(t, err)
	require.NoError(t, e.PageManager().Del(ctx, h, 1))
	require.NoError(t, e.Commit(ctx))
}

func TestAbortedDelKeepsPageLive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	e := openEnv(t, testConfig(path), Options{})
	leaf := writeLeaf(t, e, 1, 2, 3)
	size := fileSize(t, e)

	ctx, err := e.Begin(context.Background())
	require.NoError(t, err)
	h, err := e.PageManager().Fetch(ctx, leaf, 0)
	require.NoError(t, err)
	require.NoError(t, e.PageManager().Del(ctx, h, 1))
	require.Len(t, e.PageManager().FreeRuns(), 1)
	e.Abort(ctx)

	require.Empty(t, e.PageManager().FreeRuns())
	require.Equal(t, size, fileSize(t, e))
	next := writeLeaf(t, e, 4)
	require.Equal(t, page.PageID(size), next)
	require.Equal(t, []uint32{1, 2, 3}, readLeaf(t, e, leaf))
	require.NoError(t, e.Close())

	// the stored state never saw the free
	e = openEnv(t, testConfig(path), Options{})
	defer func() { require.NoError(t, e.Close()) }()
	require.Empty(t, e.PageManager().FreeRuns())
	require.Equal(t, []uint32{1, 2, 3}, readLeaf(t, e, leaf))
	_, err = e.Verify(context.Background())
	require.NoError(t, err)
}

func TestAbortedAllocReturnsPages(t *testing.T) {
	e := openEnv(t, testConfig(filepath.Join(t.TempDir(), "test.db")), Options{})
	defer func() { require.NoError(t, e.Close()) }()
	freed := writeLeaf(t, e, 1)
	writeLeaf(t, e, 2)
	freeLeaf(t, e, freed)
	size := fileSize(t, e)
	runs := e.PageManager().FreeRuns()
	require.Equal(t, [][2]uint64{{uint64(freed), 1}}, runs)

	ctx, err := e.Begin(context.Background())
	require.NoError(t, err)
	reused, err := e.PageManager().Alloc(ctx, page.TypeBtreeIndex, pagemanager.ClearWithZero)
	require.NoError(t, err)
	require.Equal(t, freed, reused.ID())
	appended, err := e.PageManager().Alloc(ctx, page.TypeBtreeIndex, pagemanager.ClearWithZero)
	require.NoError(t, err)
	require.Equal(t, page.PageID(size), appended.ID())
	require.Equal(t, size+testPageSize, fileSize(t, e))
	e.Abort(ctx)

	require.Equal(t, runs, e.PageManager().FreeRuns())
	require.Equal(t, size, fileSize(t, e))
	require.Equal(t, freed, writeLeaf(t, e, 3))
	require.Equal(t, page.PageID(size), writeLeaf(t, e, 4))
}

func TestAbortedReclaimKeepsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	e := openEnv(t, testConfig(path), Options{})
	defer func() { require.NoError(t, e.Close()) }()
	writeLeaf(t, e, 1)
	tail := writeLeaf(t, e, 2)
	freeLeaf(t, e, tail)

	ctx, err := e.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.PageManager().ReclaimSpace(ctx))
	require.Empty(t, e.PageManager().FreeRuns())
	require.EqualValues(t, 3*testPageSize, fileSize(t, e))
	e.Abort(ctx)

	require.Equal(t, [][2]uint64{{uint64(tail), 1}}, e.PageManager().FreeRuns())
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, 4*testPageSize, fi.Size())
	require.Equal(t, tail, writeLeaf(t, e, 3))
	require.EqualValues(t, 4*testPageSize, fileSize(t, e))
}

func TestCommitFailureAfterDelKeepsPageLive(t *testing.T) {
	t.Cleanup(failpoint.DisableAll)
	e := openEnv(t, testConfig(filepath.Join(t.TempDir(), "test.db")), Options{})
	defer func() { require.NoError(t, e.Close()) }()
	leaf := writeLeaf(t, e, 1, 2, 3)
	size := fileSize(t, e)

	failpoint.Enable("changeset.flush.begin", nil)
	ctx, err := e.Begin(context.Background())
	require.NoError(t, err)
	h, err := e.PageManager().Fetch(ctx, leaf, 0)
	require.NoError(t, err)
	require.NoError(t, e.PageManager().Del(ctx, h, 1))
	require.ErrorIs(t, e.Commit(ctx), failpoint.ErrInjected)
	failpoint.Disable("changeset.flush.begin")

	require.Empty(t, e.PageManager().FreeRuns())
	require.Equal(t, page.PageID(size), writeLeaf(t, e, 4))
	require.Equal(t, []uint32{1, 2, 3}, readLeaf(t, e, leaf))
}

func TestVerifySkipsBlobPagesAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	e := openEnv(t, testConfig(path), Options{})

	ctx, err := e.Begin(context.Background())
	require.NoError(t, err)
	first, err := e.PageManager().AllocMultipleBlobPages(ctx, 2)
	require.NoError(t, err)
	tail, err := e.PageManager().Fetch(ctx, first.ID()+testPageSize, pagemanager.NoHeader)
	require.NoError(t, err)
	// blob bytes that look like a btree page header
	copy(tail.Data(), []byte{3, 0, 0, 0})
	tail.SetDirty(true)
	require.NoError(t, e.Commit(ctx))
	require.NoError(t, e.Close())

	e = openEnv(t, testConfig(path), Options{})
	defer func() { require.NoError(t, e.Close()) }()
	rep, err := e.Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, rep.Pages)
	require.Equal(t, 2, rep.Types[page.TypeBlob])
	require.Zero(t, rep.Types[page.TypeBtreeIndex])
	require.Zero(t, rep.BtreeNodes)
}
