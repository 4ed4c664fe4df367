package perw

import (
	"fmt"
	"math"

	"gomapimg/common"
	"gomapimg/region"
)

// RvaToSection returns the first section in table order whose virtual range
// contains rva.
func (img *Image) RvaToSection(rva uint32) (*Section, bool) {
	for i := range img.Sections {
		if img.Sections[i].ContainsRva(rva) {
			return &img.Sections[i], true
		}
	}
	return nil, false
}

// RvaToOffset translates rva to an offset into the region. For image-layout
// regions the RVA is already an offset.
func (img *Image) RvaToOffset(rva uint32) (uint64, error) {
	if img.region.Layout() == region.LayoutImage {
		if uint64(rva) >= img.region.Len() {
			return 0, common.OutOfBounds(uint64(rva), 0, img.region.Len())
		}
		return uint64(rva), nil
	}

	s, ok := img.RvaToSection(rva)
	if !ok {
		return 0, fmt.Errorf("%w: RVA 0x%x is not inside any section", common.ErrOutOfBounds, rva)
	}
	delta := rva - s.VirtualAddress
	if delta >= s.SizeOfRawData {
		return 0, fmt.Errorf("%w: RVA 0x%x has no raw data in section %q", common.ErrOutOfBounds, rva, s.Name)
	}
	return uint64(s.PointerToRawData) + uint64(delta), nil
}

// SliceRva returns size bytes starting at rva.
func (img *Image) SliceRva(rva uint32, size uint64) ([]byte, error) {
	off, err := img.RvaToOffset(rva)
	if err != nil {
		return nil, err
	}
	return img.region.Slice(off, size)
}

// CStringRva reads a NUL-terminated string at rva.
func (img *Image) CStringRva(rva uint32, maxLen uint64) (string, error) {
	off, err := img.RvaToOffset(rva)
	if err != nil {
		return "", err
	}
	return img.region.CString(off, maxLen)
}

func (img *Image) Uint32Rva(rva uint32) (uint32, error) {
	off, err := img.RvaToOffset(rva)
	if err != nil {
		return 0, err
	}
	return img.region.Uint32(off)
}

func (img *Image) RvaToVa(rva uint32) uint64 {
	return img.Optional.ImageBase + uint64(rva)
}

// VaToRva converts a virtual address based at ImageBase.
func (img *Image) VaToRva(va uint64) (uint32, error) {
	base := img.Optional.ImageBase
	if va < base || va-base > math.MaxUint32 {
		return 0, fmt.Errorf("%w: VA 0x%x outside image based at 0x%x", common.ErrOutOfBounds, va, base)
	}
	return uint32(va - base), nil
}

// directory returns the bytes of data directory index. An absent or empty
// directory yields nil data and a nil error.
func (img *Image) directory(index int) (DataDirectory, []byte, error) {
	dir := img.DataDirectory(index)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return dir, nil, nil
	}
	data, err := img.SliceRva(dir.VirtualAddress, uint64(dir.Size))
	if err != nil {
		return dir, nil, fmt.Errorf("%s directory: %w", DirectoryName(index), err)
	}
	return dir, data, nil
}

// pointerSize is the width of thunks and VA fields.
func (img *Image) pointerSize() uint64 {
	if img.Is64Bit {
		return 8
	}
	return 4
}

func (img *Image) readPointer(off uint64) (uint64, error) {
	if img.Is64Bit {
		return img.region.Uint64(off)
	}
	v, err := img.region.Uint32(off)
	return uint64(v), err
}
