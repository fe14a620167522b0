package slicecache

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SliceFormat represents slice pixel layout stored in cache
type SliceFormat struct {
	Width         uint32
	Height        uint32
	BitsAllocated uint32
	FrameIndex    uint32
}

// Cache file format:
// - Magic bytes (4): "CSLC" (Cinescrub Slice Cache)
// - Version (1): 0x01
// - Width (4): uint32 little-endian
// - Height (4): uint32 little-endian
// - Bits Allocated (4): uint32 little-endian
// - Frame Index (4): uint32 little-endian
// - Reserved (3): padding for alignment
// - Total header: 24 bytes
// - Followed by raw pixel data

const (
	cacheMagic      = "CSLC"
	cacheVersion    = 0x01
	cacheHeaderSize = 24
)

// WriteCacheHeader writes the cache file header
func WriteCacheHeader(w io.Writer, format *SliceFormat) error {
	if _, err := w.Write([]byte(cacheMagic)); err != nil {
		return fmt.Errorf("failed to write magic: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, uint8(cacheVersion)); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, format.Width); err != nil {
		return fmt.Errorf("failed to write width: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, format.Height); err != nil {
		return fmt.Errorf("failed to write height: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, format.BitsAllocated); err != nil {
		return fmt.Errorf("failed to write bits allocated: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, format.FrameIndex); err != nil {
		return fmt.Errorf("failed to write frame index: %w", err)
	}

	// Reserved padding (3 bytes)
	padding := []byte{0, 0, 0}
	if _, err := w.Write(padding); err != nil {
		return fmt.Errorf("failed to write padding: %w", err)
	}

	return nil
}

// ReadCacheHeader reads the cache file header
func ReadCacheHeader(r io.Reader) (*SliceFormat, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("failed to read magic: %w", err)
	}
	if string(magic) != cacheMagic {
		return nil, fmt.Errorf("invalid cache file: bad magic bytes")
	}

	var version uint8
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if version != cacheVersion {
		return nil, fmt.Errorf("unsupported cache version: %d", version)
	}

	format := &SliceFormat{}

	if err := binary.Read(r, binary.LittleEndian, &format.Width); err != nil {
		return nil, fmt.Errorf("failed to read width: %w", err)
	}

	if err := binary.Read(r, binary.LittleEndian, &format.Height); err != nil {
		return nil, fmt.Errorf("failed to read height: %w", err)
	}

	if err := binary.Read(r, binary.LittleEndian, &format.BitsAllocated); err != nil {
		return nil, fmt.Errorf("failed to read bits allocated: %w", err)
	}

	if err := binary.Read(r, binary.LittleEndian, &format.FrameIndex); err != nil {
		return nil, fmt.Errorf("failed to read frame index: %w", err)
	}

	// Skip reserved padding (3 bytes)
	padding := make([]byte, 3)
	if _, err := io.ReadFull(r, padding); err != nil {
		return nil, fmt.Errorf("failed to read padding: %w", err)
	}

	return format, nil
}

// CachedSliceReader wraps a reader with slice format information
type CachedSliceReader struct {
	Format *SliceFormat
	Reader io.ReadCloser
}

// Read implements io.Reader
func (r *CachedSliceReader) Read(p []byte) (n int, err error) {
	return r.Reader.Read(p)
}

// Close implements io.Closer
func (r *CachedSliceReader) Close() error {
	return r.Reader.Close()
}
