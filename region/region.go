// Package region provides bounded byte regions backed by a file mapping, an
// in-memory buffer or a snapshot of another process's memory.
package region

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unicode/utf16"

	"github.com/edsrzf/mmap-go"

	"gomapimg/common"
)

// Layout tells walkers whether offsets are file offsets or RVAs.
type Layout int

const (
	LayoutFile Layout = iota
	LayoutImage
)

func (l Layout) String() string {
	if l == LayoutImage {
		return "image"
	}
	return "file"
}

// Region is a flat, bounds-checked view of bytes. All accessors fail with
// common.ErrOutOfBounds instead of reading past the end, and with
// common.ErrRegionClosed once Close has run.
type Region struct {
	name     string
	data     []byte
	base     uint64
	layout   Layout
	writable bool

	mm   mmap.MMap
	file *os.File

	mu     sync.Mutex
	closed atomic.Bool
}

// Open maps the whole file at path.
func Open(path string, writable bool) (*Region, error) {
	flag, prot := os.O_RDONLY, mmap.RDONLY
	if writable {
		flag, prot = os.O_RDWR, mmap.RDWR
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	if !fi.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%s: not a regular file", path)
	}
	if fi.Size() == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s", common.ErrEmptyRegion, path)
	}

	m, err := mmap.Map(f, prot, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to map %s: %w", path, err)
	}

	return &Region{
		name:     path,
		data:     m,
		layout:   LayoutFile,
		writable: writable,
		mm:       m,
		file:     f,
	}, nil
}

// FromBytes wraps a buffer laid out like a file on disk.
func FromBytes(name string, data []byte) *Region {
	return &Region{name: name, data: data, layout: LayoutFile}
}

// FromImage wraps a buffer laid out like a loaded module at base.
func FromImage(name string, base uint64, data []byte) *Region {
	return &Region{name: name, data: data, base: base, layout: LayoutImage}
}

// Close releases the mapping. Later calls are no-ops.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return nil
	}
	r.closed.Store(true)

	var errs []error
	if r.mm != nil {
		if err := r.mm.Unmap(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unmap: %w", err))
		}
		r.mm = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close file: %w", err))
		}
		r.file = nil
	}
	r.data = nil

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

func (r *Region) Name() string   { return r.name }
func (r *Region) Base() uint64   { return r.base }
func (r *Region) Layout() Layout { return r.layout }
func (r *Region) Writable() bool { return r.writable }
func (r *Region) IsClosed() bool { return r.closed.Load() }
func (r *Region) Len() uint64    { return uint64(len(r.data)) }

// Bytes returns the whole region.
func (r *Region) Bytes() ([]byte, error) {
	if r.closed.Load() {
		return nil, common.ErrRegionClosed
	}
	return r.data, nil
}

// Slice returns data[off:off+size] after checking the range.
func (r *Region) Slice(off, size uint64) ([]byte, error) {
	if r.closed.Load() {
		return nil, common.ErrRegionClosed
	}
	end, ok := RangeEnd(off, size, uint64(len(r.data)))
	if !ok {
		return nil, common.OutOfBounds(off, size, uint64(len(r.data)))
	}
	return r.data[off:end:end], nil
}

// Tail returns everything from off to the end of the region.
func (r *Region) Tail(off uint64) ([]byte, error) {
	if r.closed.Load() {
		return nil, common.ErrRegionClosed
	}
	if off > uint64(len(r.data)) {
		return nil, common.OutOfBounds(off, 0, uint64(len(r.data)))
	}
	return r.data[off:], nil
}

func (r *Region) Uint8(off uint64) (uint8, error) {
	b, err := r.Slice(off, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Region) Uint16(off uint64) (uint16, error) {
	b, err := r.Slice(off, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Region) Uint32(off uint64) (uint32, error) {
	b, err := r.Slice(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Region) Uint64(off uint64) (uint64, error) {
	b, err := r.Slice(off, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// CString reads a NUL-terminated string starting at off. When max is non-zero
// at most max bytes are scanned and an unterminated run of max bytes is
// returned as is. Without a terminator before the end of the region the read
// fails.
func (r *Region) CString(off, max uint64) (string, error) {
	tail, err := r.Tail(off)
	if err != nil {
		return "", err
	}
	limit := uint64(len(tail))
	if max != 0 && max < limit {
		limit = max
	}
	for i := uint64(0); i < limit; i++ {
		if tail[i] == 0 {
			return string(tail[:i]), nil
		}
	}
	if max != 0 && limit == max {
		return string(tail[:limit]), nil
	}
	return "", fmt.Errorf("%w: unterminated string at 0x%x", common.ErrOutOfBounds, off)
}

// UTF16 reads count little-endian UTF-16 code units at off.
func (r *Region) UTF16(off uint64, count uint64) (string, error) {
	b, err := r.Slice(off, count*2)
	if err != nil {
		return "", err
	}
	units := make([]uint16, count)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units)), nil
}
