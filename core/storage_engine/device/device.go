// Package device provides the raw byte-range storage the page manager sits
// on: either a single file or a growable in-memory buffer.
package device

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sushant-115/pagestore/core/storage_engine/common"
)

// Device reads and writes raw byte ranges of the backing store.
// All failures wrap common.ErrIO.
type Device interface {
	// Read fills buf with the bytes at offset. A short read is an error.
	Read(offset int64, buf []byte) error
	// Write stores data at offset, growing the store if required.
	Write(offset int64, data []byte) error
	// Flush makes previous writes durable.
	Flush() error
	// Truncate sets the size of the store.
	Truncate(size int64) error
	// FileSize returns the current size of the store.
	FileSize() (int64, error)
	Close() error
}

// --- FileDevice ---

// FileDevice is a Device backed by an *os.File.
type FileDevice struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// OpenFile opens the file at path, creating it if create is set and it does
// not exist yet. The returned bool reports whether the file was created.
func OpenFile(path string, create bool) (*FileDevice, bool, error) {
	created := false
	flags := os.O_RDWR
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if !create {
			return nil, false, fmt.Errorf("%w: %s does not exist", common.ErrIO, path)
		}
		flags |= os.O_CREATE | os.O_EXCL
		created = true
	} else if err != nil {
		return nil, false, fmt.Errorf("%w: stating file %s: %v", common.ErrIO, path, err)
	}

	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("%w: opening file %s: %v", common.ErrIO, path, err)
	}
	return &FileDevice{path: path, file: file}, created, nil
}

// Path returns the file name.
func (d *FileDevice) Path() string { return d.path }

func (d *FileDevice) Read(offset int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return fmt.Errorf("%w: file not open", common.ErrIO)
	}
	n, err := d.file.ReadAt(buf, offset)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: short read at offset %d, expected %d bytes, got %d", common.ErrIO, offset, len(buf), n)
		}
		return fmt.Errorf("%w: reading %d bytes at offset %d: %v", common.ErrIO, len(buf), offset, err)
	}
	return nil
}

func (d *FileDevice) Write(offset int64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return fmt.Errorf("%w: file not open", common.ErrIO)
	}
	if _, err := d.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("%w: writing %d bytes at offset %d: %v", common.ErrIO, len(data), offset, err)
	}
	return nil
}

func (d *FileDevice) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", common.ErrIO, d.path, err)
	}
	return nil
}

func (d *FileDevice) Truncate(size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return fmt.Errorf("%w: file not open", common.ErrIO)
	}
	if err := d.file.Truncate(size); err != nil {
		return fmt.Errorf("%w: truncating %s to %d: %v", common.ErrIO, d.path, size, err)
	}
	return nil
}

func (d *FileDevice) FileSize() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return 0, fmt.Errorf("%w: file not open", common.ErrIO)
	}
	fi, err := d.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: getting file info: %v", common.ErrIO, err)
	}
	return fi.Size(), nil
}

// Close syncs and closes the file. Closing twice is a no-op.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	syncErr := d.file.Sync()
	closeErr := d.file.Close()
	d.file = nil
	if syncErr != nil {
		return fmt.Errorf("%w: syncing %s on close: %v", common.ErrIO, d.path, syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: closing %s: %v", common.ErrIO, d.path, closeErr)
	}
	return nil
}

// --- MemoryDevice ---

// MemoryDevice keeps the whole store in a byte slice. Flush is a no-op.
type MemoryDevice struct {
	mu   sync.Mutex
	data []byte
}

func NewMemory() *MemoryDevice {
	return &MemoryDevice{}
}

func (m *MemoryDevice) Read(offset int64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset < 0 || offset+int64(len(buf)) > int64(len(m.data)) {
		return fmt.Errorf("%w: short read at offset %d, store size %d", common.ErrIO, offset, len(m.data))
	}
	copy(buf, m.data[offset:])
	return nil
}

func (m *MemoryDevice) Write(offset int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset < 0 {
		return fmt.Errorf("%w: negative offset %d", common.ErrIO, offset)
	}
	end := offset + int64(len(data))
	if end > int64(len(m.data)) {
		m.grow(end)
	}
	copy(m.data[offset:], data)
	return nil
}

func (m *MemoryDevice) Flush() error { return nil }

func (m *MemoryDevice) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size < 0 {
		return fmt.Errorf("%w: negative size %d", common.ErrIO, size)
	}
	if size > int64(len(m.data)) {
		m.grow(size)
		return nil
	}
	m.data = m.data[:size]
	return nil
}

func (m *MemoryDevice) FileSize() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data)), nil
}

func (m *MemoryDevice) Close() error { return nil }

// grow extends the store with zeroes. Must be called with m.mu held.
func (m *MemoryDevice) grow(size int64) {
	if size <= int64(cap(m.data)) {
		old := len(m.data)
		m.data = m.data[:size]
		clear(m.data[old:])
		return
	}
	grown := make([]byte, size, size+size/4)
	copy(grown, m.data)
	m.data = grown
}
