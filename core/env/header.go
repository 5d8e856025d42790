package env

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/sushant-115/pagestore/core/storage_engine/common"
	"github.com/sushant-115/pagestore/core/storage_engine/device"
	"github.com/sushant-115/pagestore/core/write_engine/page"
)

const (
	headerMagic   uint32 = 0x52545350 // "PSTR"
	headerVersion uint32 = 1
	// HeaderSize is the encoded size of Header inside the payload of page 0.
	HeaderSize = 4 + 4 + 4 + 4 + 16 + 8
)

// Header is stored in the payload of the page at address 0.
type Header struct {
	Magic    uint32
	Version  uint32
	PageSize uint32
	Reserved uint32
	EnvID    uuid.UUID
	// StateID is the first page of the page manager state.
	StateID uint64
}

func newHeader(pageSize int, id uuid.UUID, stateID page.PageID) Header {
	return Header{
		Magic:    headerMagic,
		Version:  headerVersion,
		PageSize: uint32(pageSize),
		EnvID:    id,
		StateID:  uint64(stateID),
	}
}

// Encode writes the header into dst.
func (h *Header) Encode(dst []byte) error {
	if len(dst) < HeaderSize {
		return fmt.Errorf("%w: environment header needs %d bytes", common.ErrIntegrityViolated, HeaderSize)
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("writing environment header: %w", err)
	}
	copy(dst, buf.Bytes())
	return nil
}

// Decode reads and validates a header.
func (h *Header) Decode(src []byte) error {
	if len(src) < HeaderSize {
		return fmt.Errorf("%w: file too short for an environment header", common.ErrInvalidFile)
	}
	if err := binary.Read(bytes.NewReader(src[:HeaderSize]), binary.LittleEndian, h); err != nil {
		return fmt.Errorf("reading environment header: %w", err)
	}
	if h.Magic != headerMagic {
		return fmt.Errorf("%w: bad magic 0x%08x", common.ErrInvalidFile, h.Magic)
	}
	if h.Version != headerVersion {
		return fmt.Errorf("%w: file version %d, want %d", common.ErrInvalidFile, h.Version, headerVersion)
	}
	ps := int(h.PageSize)
	if ps < MinPageSize || ps > MaxPageSize || ps&(ps-1) != 0 {
		return fmt.Errorf("%w: page size %d", common.ErrInvalidFile, h.PageSize)
	}
	if h.StateID == 0 || h.StateID%uint64(h.PageSize) != 0 {
		return fmt.Errorf("%w: state page %d", common.ErrInvalidFile, h.StateID)
	}
	return nil
}

// readHeader reads page 0 straight from the device, before the page size is
// known.
func readHeader(dev device.Device) (Header, error) {
	var h Header
	size, err := dev.FileSize()
	if err != nil {
		return h, err
	}
	if size < int64(page.HeaderSize+HeaderSize) {
		return h, fmt.Errorf("%w: file of %d bytes has no header page", common.ErrInvalidFile, size)
	}
	buf := make([]byte, page.HeaderSize+HeaderSize)
	if err := dev.Read(0, buf); err != nil {
		return h, err
	}
	if t := page.Type(binary.LittleEndian.Uint32(buf[0:4])); t != page.TypeHeader {
		return h, fmt.Errorf("%w: page 0 has type %s", common.ErrInvalidFile, t)
	}
	if err := h.Decode(buf[page.HeaderSize:]); err != nil {
		return h, err
	}
	return h, nil
}
