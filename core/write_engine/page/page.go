// Package page holds the in-memory copy of a disk page and the locked handle
// through which its bytes are read and modified.
package page

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sushant-115/pagestore/core/storage_engine/device"
)

// --- Page Management ---

// PageID is the file address of a page.
type PageID uint64

// InvalidPageID doubles as the address of the environment header page.
const InvalidPageID PageID = 0

// LSN is a log sequence number.
type LSN uint64

const InvalidLSN LSN = 0

// Type tags the content of a page.
type Type uint32

const (
	TypeUnknown Type = iota
	TypeHeader
	TypeBtreeRoot
	TypeBtreeIndex
	TypePageManager
	TypeBlob
)

func (t Type) String() string {
	switch t {
	case TypeHeader:
		return "header"
	case TypeBtreeRoot:
		return "btree-root"
	case TypeBtreeIndex:
		return "btree-index"
	case TypePageManager:
		return "page-manager"
	case TypeBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// HeaderSize is the size of the persistent page header:
// u32 type flags | u32 blob page count | u64 lsn.
const HeaderSize = 16

// Page represents an in-memory copy of a disk page. Its bytes are guarded by
// the latch and only reachable through a Handle. The counters are atomic so
// the cache can inspect a page without taking the latch.
type Page struct {
	id   PageID
	data []byte

	latch    sync.Mutex
	dirty    bool
	noHeader bool

	pins    atomic.Int32
	cursors atomic.Int32
	evicted atomic.Bool
}

// New creates a zero-filled page.
func New(id PageID, size int) *Page {
	return &Page{id: id, data: make([]byte, size)}
}

func (p *Page) ID() PageID { return p.id }
func (p *Page) Size() int  { return len(p.data) }

// ReadFrom loads the page bytes from dev. It must only be called before the
// page is published to other goroutines.
func (p *Page) ReadFrom(dev device.Device) error {
	if err := dev.Read(int64(p.id), p.data); err != nil {
		return fmt.Errorf("reading page %d: %w", p.id, err)
	}
	return nil
}

// Pin keeps the page in the cache while a caller waits for its latch.
func (p *Page) Pin()        { p.pins.Add(1) }
func (p *Page) Unpin()      { p.pins.Add(-1) }
func (p *Page) Pins() int32 { return p.pins.Load() }

func (p *Page) AttachCursor()      { p.cursors.Add(1) }
func (p *Page) DetachCursor()      { p.cursors.Add(-1) }
func (p *Page) CursorCount() int32 { return p.cursors.Load() }
func (p *Page) MarkEvicted()       { p.evicted.Store(true) }
func (p *Page) Evicted() bool      { return p.evicted.Load() }

// Lock acquires the exclusive latch.
func (p *Page) Lock() *Handle {
	p.latch.Lock()
	return &Handle{p: p}
}

// TryLock acquires the latch without blocking.
func (p *Page) TryLock() (*Handle, bool) {
	if !p.latch.TryLock() {
		return nil, false
	}
	return &Handle{p: p}, true
}

// Handle is the proof of holding a page latch. It is moved, never shared:
// whoever holds the handle releases it. A borrowed handle refers to a page
// whose latch is owned by someone else and does not unlock on Release.
type Handle struct {
	p        *Page
	borrowed bool
}

// Borrow returns a handle for the same page that does not own the latch.
func (h *Handle) Borrow() *Handle {
	return &Handle{p: h.p, borrowed: true}
}

// Release unlocks the page. Releasing twice is a no-op.
func (h *Handle) Release() {
	if h == nil || h.p == nil {
		return
	}
	if !h.borrowed {
		h.p.latch.Unlock()
	}
	h.p = nil
}

func (h *Handle) Page() *Page    { return h.p }
func (h *Handle) ID() PageID     { return h.p.id }
func (h *Handle) Borrowed() bool { return h.borrowed }

// Data returns the whole page buffer, header included.
func (h *Handle) Data() []byte { return h.p.data }

// Payload returns the bytes following the persistent header.
func (h *Handle) Payload() []byte {
	if h.p.noHeader {
		return h.p.data
	}
	return h.p.data[HeaderSize:]
}

func (h *Handle) IsDirty() bool       { return h.p.dirty }
func (h *Handle) SetDirty(dirty bool) { h.p.dirty = dirty }

// WithoutHeader reports whether the page is a trailing page of a multi-page
// blob, which carries no persistent header.
func (h *Handle) WithoutHeader() bool     { return h.p.noHeader }
func (h *Handle) SetWithoutHeader(v bool) { h.p.noHeader = v }

func (h *Handle) Type() Type {
	if h.p.noHeader {
		return TypeBlob
	}
	return Type(binary.LittleEndian.Uint32(h.p.data[0:4]))
}

func (h *Handle) SetType(t Type) {
	if h.p.noHeader {
		return
	}
	binary.LittleEndian.PutUint32(h.p.data[0:4], uint32(t))
}

// BlobPages is the number of pages of the blob starting at this page. It
// is 0 for every page that does not start a multi-page blob, which lets a
// scan of the file step over trailing pages that have no header.
func (h *Handle) BlobPages() uint32 {
	if h.p.noHeader {
		return 0
	}
	return binary.LittleEndian.Uint32(h.p.data[4:8])
}

func (h *Handle) SetBlobPages(n uint32) {
	if h.p.noHeader {
		return
	}
	binary.LittleEndian.PutUint32(h.p.data[4:8], n)
}

func (h *Handle) LSN() LSN {
	if h.p.noHeader {
		return InvalidLSN
	}
	return LSN(binary.LittleEndian.Uint64(h.p.data[8:16]))
}

func (h *Handle) SetLSN(lsn LSN) {
	if h.p.noHeader {
		return
	}
	binary.LittleEndian.PutUint64(h.p.data[8:16], uint64(lsn))
}

// Clear zero-fills the page.
func (h *Handle) Clear() {
	clear(h.p.data)
}

// WriteTo stores the page at its address and marks it clean.
func (h *Handle) WriteTo(dev device.Device) error {
	if err := dev.Write(int64(h.p.id), h.p.data); err != nil {
		return fmt.Errorf("writing page %d: %w", h.p.id, err)
	}
	h.p.dirty = false
	return nil
}

// ReadFrom reloads the page bytes from dev.
func (h *Handle) ReadFrom(dev device.Device) error {
	return h.p.ReadFrom(dev)
}
