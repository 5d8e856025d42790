// Package wal implements the journal: the write-ahead log of committed
// changesets. A changeset record holds full images of every dirty page and
// is durable before any of those pages is written in place.
//
// The journal alternates between two files. Appends go to the current file;
// once it holds SwitchThreshold changesets and every changeset of the other
// file reached the device, the other file is truncated and becomes current.
package wal

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/pagestore/core/storage_engine/common"
	"github.com/sushant-115/pagestore/core/storage_engine/device"
	"github.com/sushant-115/pagestore/core/write_engine/page"
	internaltelemetry "github.com/sushant-115/pagestore/internal/telemetry"
)

const (
	fileMagic   uint32 = 0x4c4e524a // "JRNL"
	recordMagic uint32 = 0x54455343 // "CSET"
	fileVersion uint32 = 1

	fileHeaderSize = 4 + 4 + 16
	// magic, lsn, last blob page, page count, page size
	recordHeaderSize = 4 + 8 + 8 + 4 + 4
	checksumSize     = 4

	DefaultSwitchThreshold = 32
)

// Config configures a Journal.
type Config struct {
	// Path is the database file; the journal uses Path.jrn0 and Path.jrn1.
	Path            string
	EnvID           uuid.UUID
	PageSize        int
	SwitchThreshold int
	EnableFsync     bool
	Metrics         *internaltelemetry.StorageMetrics
}

// Journal manages the two journal files.
type Journal struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	files   [2]*os.File
	sizes   [2]int64
	current int
	// changesets appended but not yet flushed to the device, per file
	open [2]int
	// changesets appended and flushed, per file
	closed [2]int
}

// FileName returns the name of journal file idx for the database at path.
func FileName(path string, idx int) string {
	return fmt.Sprintf("%s.jrn%d", path, idx)
}

// Open opens the journal files of an environment. With create set both
// files are truncated and get a fresh header.
func Open(cfg Config, create bool, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SwitchThreshold <= 0 {
		cfg.SwitchThreshold = DefaultSwitchThreshold
	}
	if cfg.Metrics == nil {
		cfg.Metrics = internaltelemetry.NewNoopStorageMetrics()
	}
	j := &Journal{cfg: cfg, logger: logger.Named("journal")}

	for i := range j.files {
		name := FileName(cfg.Path, i)
		flags := os.O_RDWR | os.O_CREATE
		if create {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(name, flags, 0644)
		if err != nil {
			_ = j.Close()
			return nil, fmt.Errorf("%w: opening journal file %s: %v", common.ErrIO, name, err)
		}
		j.files[i] = f

		fi, err := f.Stat()
		if err != nil {
			_ = j.Close()
			return nil, fmt.Errorf("%w: stating journal file %s: %v", common.ErrIO, name, err)
		}
		j.sizes[i] = fi.Size()
		if j.sizes[i] < fileHeaderSize {
			if err := j.writeFileHeader(i); err != nil {
				_ = j.Close()
				return nil, err
			}
			continue
		}
		if err := j.checkFileHeader(i); err != nil {
			_ = j.Close()
			return nil, err
		}
	}

	j.logger.Info("journal opened",
		zap.String("path", cfg.Path),
		zap.Bool("created", create),
		zap.Int64("file0_size", j.sizes[0]),
		zap.Int64("file1_size", j.sizes[1]),
	)
	return j, nil
}

func (j *Journal) writeFileHeader(i int) error {
	var hdr [fileHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], fileMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], fileVersion)
	copy(hdr[8:24], j.cfg.EnvID[:])

	f := j.files[i]
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("%w: truncating journal file %d: %v", common.ErrIO, i, err)
	}
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("%w: writing journal header %d: %v", common.ErrIO, i, err)
	}
	if j.cfg.EnableFsync {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("%w: syncing journal file %d: %v", common.ErrIO, i, err)
		}
	}
	j.sizes[i] = fileHeaderSize
	return nil
}

func (j *Journal) checkFileHeader(i int) error {
	var hdr [fileHeaderSize]byte
	if _, err := j.files[i].ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("%w: reading journal header %d: %v", common.ErrIO, i, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != fileMagic {
		return fmt.Errorf("%w: journal file %d has a bad magic", common.ErrInvalidFile, i)
	}
	if v := binary.LittleEndian.Uint32(hdr[4:8]); v != fileVersion {
		return fmt.Errorf("%w: journal file %d has version %d, want %d", common.ErrInvalidFile, i, v, fileVersion)
	}
	if !bytes.Equal(hdr[8:24], j.cfg.EnvID[:]) {
		return fmt.Errorf("%w: journal file %d", common.ErrJournalMismatch, i)
	}
	return nil
}

// --- Changeset records ---

// Record is one decoded changeset.
type Record struct {
	LSN            uint64
	LastBlobPageID uint64
	Pages          []PageImage
}

// PageImage is the full content of one page at commit time.
type PageImage struct {
	Address uint64
	Data    []byte
}

// encodeRecord serializes a changeset:
// u32 magic | u64 lsn | u64 last blob page | u32 page count | u32 page size |
// { u64 address | image }* | u32 crc32.
func encodeRecord(pages []*page.Handle, lastBlobPageID, lsn uint64, pageSize int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, recordHeaderSize+len(pages)*(8+pageSize)+checksumSize))

	hdr := []any{recordMagic, lsn, lastBlobPageID, uint32(len(pages)), uint32(pageSize)}
	for _, v := range hdr {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("failed to serialize changeset header: %w", err)
		}
	}
	for _, h := range pages {
		if len(h.Data()) != pageSize {
			return nil, fmt.Errorf("%w: page %d has %d bytes, journal page size is %d",
				common.ErrIntegrityViolated, h.ID(), len(h.Data()), pageSize)
		}
		if err := binary.Write(buf, binary.LittleEndian, uint64(h.ID())); err != nil {
			return nil, fmt.Errorf("failed to serialize page address: %w", err)
		}
		buf.Write(h.Data())
	}
	sum := crc32.ChecksumIEEE(buf.Bytes())
	if err := binary.Write(buf, binary.LittleEndian, sum); err != nil {
		return nil, fmt.Errorf("failed to serialize checksum: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeRecord parses the record at the start of data. It returns the
// number of bytes consumed, or ok == false if the record is torn or
// corrupt.
func decodeRecord(data []byte, pageSize int) (rec Record, n int, ok bool) {
	if len(data) < recordHeaderSize {
		return rec, 0, false
	}
	if binary.LittleEndian.Uint32(data[0:4]) != recordMagic {
		return rec, 0, false
	}
	rec.LSN = binary.LittleEndian.Uint64(data[4:12])
	rec.LastBlobPageID = binary.LittleEndian.Uint64(data[12:20])
	count := int(binary.LittleEndian.Uint32(data[20:24]))
	size := int(binary.LittleEndian.Uint32(data[24:28]))
	if size != pageSize {
		return rec, 0, false
	}

	n = recordHeaderSize + count*(8+size) + checksumSize
	if count < 0 || n > len(data) {
		return rec, 0, false
	}
	body := data[:n-checksumSize]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(data[n-checksumSize:n]) {
		return rec, 0, false
	}

	p := recordHeaderSize
	rec.Pages = make([]PageImage, count)
	for i := range rec.Pages {
		rec.Pages[i].Address = binary.LittleEndian.Uint64(data[p : p+8])
		rec.Pages[i].Data = data[p+8 : p+8+size]
		p += 8 + size
	}
	return rec, n, true
}

// AppendChangeset writes the images of pages as one record and returns the
// index of the file that holds it. The record is synced when fsync is
// enabled.
func (j *Journal) AppendChangeset(pages []*page.Handle, lastBlobPageID, lsn uint64) (int, error) {
	rec, err := encodeRecord(pages, lastBlobPageID, lsn, j.cfg.PageSize)
	if err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.files[j.current] == nil {
		return 0, fmt.Errorf("%w: journal closed", common.ErrClosed)
	}
	if err := j.maybeSwitch(); err != nil {
		return 0, err
	}

	idx := j.current
	f := j.files[idx]
	if _, err := f.WriteAt(rec, j.sizes[idx]); err != nil {
		return 0, fmt.Errorf("%w: appending changeset lsn %d: %v", common.ErrIO, lsn, err)
	}
	if j.cfg.EnableFsync {
		if err := f.Sync(); err != nil {
			return 0, fmt.Errorf("%w: syncing journal: %v", common.ErrIO, err)
		}
	}
	j.sizes[idx] += int64(len(rec))
	j.open[idx]++
	j.cfg.Metrics.JournalBytesCounter.Add(context.Background(), int64(len(rec)))

	j.logger.Debug("changeset appended",
		zap.Uint64("lsn", lsn),
		zap.Int("pages", len(pages)),
		zap.Int("file", idx),
		zap.Int("bytes", len(rec)),
	)
	return idx, nil
}

// maybeSwitch must be called with j.mu held.
func (j *Journal) maybeSwitch() error {
	cur := j.current
	other := 1 - cur
	if j.open[cur]+j.closed[cur] < j.cfg.SwitchThreshold || j.open[other] > 0 {
		return nil
	}
	if err := j.writeFileHeader(other); err != nil {
		return err
	}
	j.closed[other] = 0
	j.current = other
	j.logger.Debug("journal switched", zap.Int("file", other))
	return nil
}

// ChangesetFlushed records that the changeset appended to file idx reached
// the device.
func (j *Journal) ChangesetFlushed(idx int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.open[idx]--
	j.closed[idx]++
}

// BytesWritten returns the current size of both files.
func (j *Journal) BytesWritten() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sizes[0] + j.sizes[1]
}

// CurrentFile returns the index of the file receiving appends.
func (j *Journal) CurrentFile() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.current
}

// IsEmpty reports whether neither file holds a changeset.
func (j *Journal) IsEmpty() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sizes[0] <= fileHeaderSize && j.sizes[1] <= fileHeaderSize
}

// Clear truncates both files.
func (j *Journal) Clear() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.files {
		if j.files[i] == nil {
			continue
		}
		if err := j.writeFileHeader(i); err != nil {
			return err
		}
		j.open[i], j.closed[i] = 0, 0
	}
	j.current = 0
	return nil
}

// Close closes both files.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var err error
	for i, f := range j.files {
		if f == nil {
			continue
		}
		if cerr := f.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("%w: closing journal file %d: %v", common.ErrIO, i, cerr))
		}
		j.files[i] = nil
	}
	return err
}

// --- Recovery ---

// RecoveryResult summarizes a replay.
type RecoveryResult struct {
	MaxLSN         uint64
	LastBlobPageID uint64
	Changesets     int
	Pages          int
}

// Records reads every intact changeset from both files in LSN order. A torn
// or corrupt record ends its file.
func (j *Journal) Records() ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var records []Record
	for i, f := range j.files {
		if f == nil {
			return nil, fmt.Errorf("%w: journal closed", common.ErrClosed)
		}
		if j.sizes[i] <= fileHeaderSize {
			continue
		}
		data := make([]byte, j.sizes[i]-fileHeaderSize)
		if _, err := f.ReadAt(data, fileHeaderSize); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: reading journal file %d: %v", common.ErrIO, i, err)
		}
		for len(data) > 0 {
			rec, n, ok := decodeRecord(data, j.cfg.PageSize)
			if !ok {
				j.logger.Warn("journal ends with a torn record",
					zap.Int("file", i),
					zap.Int("remaining_bytes", len(data)),
				)
				break
			}
			records = append(records, rec)
			data = data[n:]
		}
	}
	slices.SortStableFunc(records, func(a, b Record) int {
		switch {
		case a.LSN < b.LSN:
			return -1
		case a.LSN > b.LSN:
			return 1
		}
		return 0
	})
	return records, nil
}

// Recover writes the page images of every intact changeset to dev in LSN
// order and flushes it. The journal itself is left untouched.
func (j *Journal) Recover(dev device.Device) (RecoveryResult, error) {
	var res RecoveryResult
	records, err := j.Records()
	if err != nil {
		return res, err
	}
	for _, rec := range records {
		for _, img := range rec.Pages {
			if err := dev.Write(int64(img.Address), img.Data); err != nil {
				return res, fmt.Errorf("replaying page %d of lsn %d: %w", img.Address, rec.LSN, err)
			}
			res.Pages++
		}
		res.Changesets++
		res.MaxLSN = rec.LSN
		res.LastBlobPageID = rec.LastBlobPageID
	}
	if res.Changesets > 0 {
		if err := dev.Flush(); err != nil {
			return res, err
		}
	}
	j.logger.Info("journal replayed",
		zap.Int("changesets", res.Changesets),
		zap.Int("pages", res.Pages),
		zap.Uint64("max_lsn", res.MaxLSN),
	)
	return res, nil
}
