package elfrw

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"
	"github.com/yalue/elf_reader"

	"gomapimg/common"
	"gomapimg/region"
)

var structOptions = &struc.Options{Order: binary.LittleEndian}

func unpack(data []byte, v any) error {
	return struc.UnpackWithOptions(bytes.NewReader(data), v, structOptions)
}

// Load validates the identification bytes, the file header and both header
// tables of the ELF file in r before handing the bytes to elf_reader.
func Load(r *region.Region) (*Image, error) {
	return LoadWithLimits(r, DefaultLimits())
}

func LoadWithLimits(r *region.Region, limits Limits) (*Image, error) {
	img := &Image{region: r, Limits: limits}
	if r.Layout() == region.LayoutImage {
		img.Parse.Mode = common.ParseImage
	}

	if err := img.parseIdent(); err != nil {
		return nil, err
	}
	if err := img.parseHeader(); err != nil {
		return nil, err
	}
	if err := img.parseSegments(); err != nil {
		return nil, err
	}
	if err := img.parseSections(); err != nil {
		return nil, err
	}

	data, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	parsed, err := elf_reader.ParseELFFile(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrNotAnImage, err)
	}
	img.elf = parsed
	img.resolveSectionNames()
	img.checkSectionContents()

	img.Parse.Success = true
	return img, nil
}

func (img *Image) parseIdent() error {
	ident, err := img.region.Slice(0, elf.EI_NIDENT)
	if err != nil || string(ident[:4]) != elf.ELFMAG {
		return fmt.Errorf("%w: missing ELF magic", common.ErrNotAnImage)
	}
	switch elf.Class(ident[elf.EI_CLASS]) {
	case elf.ELFCLASS32:
	case elf.ELFCLASS64:
		img.Is64Bit = true
	default:
		return fmt.Errorf("%w: ELF class %d", common.ErrUnsupportedMachine, ident[elf.EI_CLASS])
	}
	switch elf.Data(ident[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
	case elf.ELFDATA2MSB:
		return fmt.Errorf("%w: big-endian ELF", common.ErrUnsupportedMachine)
	default:
		return fmt.Errorf("%w: ELF data encoding %d", common.ErrNotAnImage, ident[elf.EI_DATA])
	}
	if elf.Version(ident[elf.EI_VERSION]) != elf.EV_CURRENT {
		return fmt.Errorf("%w: ELF version %d", common.ErrNotAnImage, ident[elf.EI_VERSION])
	}
	return nil
}

func (img *Image) parseHeader() error {
	size := uint64(ehdr32Size)
	if img.Is64Bit {
		size = ehdr64Size
	}
	raw, err := img.region.Slice(0, size)
	if err != nil {
		return fmt.Errorf("%w: ELF header: %v", common.ErrTruncatedHeader, err)
	}

	if img.Is64Bit {
		var h ehdr64
		if err := unpack(raw, &h); err != nil {
			return fmt.Errorf("%w: ELF header: %v", common.ErrTruncatedHeader, err)
		}
		img.Header = Ehdr{
			Ident: h.Ident, Type: h.Type, Machine: h.Machine, Version: h.Version,
			Entry: h.Entry, Phoff: h.Phoff, Shoff: h.Shoff, Flags: h.Flags,
			Ehsize: h.Ehsize, Phentsize: h.Phentsize, Phnum: h.Phnum,
			Shentsize: h.Shentsize, Shnum: h.Shnum, Shstrndx: h.Shstrndx,
		}
		return nil
	}

	var h ehdr32
	if err := unpack(raw, &h); err != nil {
		return fmt.Errorf("%w: ELF header: %v", common.ErrTruncatedHeader, err)
	}
	img.Header = Ehdr{
		Ident: h.Ident, Type: h.Type, Machine: h.Machine, Version: h.Version,
		Entry: uint64(h.Entry), Phoff: uint64(h.Phoff), Shoff: uint64(h.Shoff), Flags: h.Flags,
		Ehsize: h.Ehsize, Phentsize: h.Phentsize, Phnum: h.Phnum,
		Shentsize: h.Shentsize, Shnum: h.Shnum, Shstrndx: h.Shstrndx,
	}
	return nil
}

// table returns the bytes of a header table after checking the declared
// entry size against the one this class expects.
func (img *Image) table(what string, off uint64, count, entsize uint16, want uint64) ([]byte, error) {
	if count == 0 {
		return nil, nil
	}
	if uint64(entsize) != want {
		return nil, fmt.Errorf("%w: %s entry size %d, expected %d", common.ErrTruncatedHeader, what, entsize, want)
	}
	raw, err := img.region.Slice(off, uint64(count)*want)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (%d entries): %v", common.ErrTruncatedHeader, what, count, err)
	}
	return raw, nil
}

func (img *Image) parseSegments() error {
	want := uint64(phdr32Size)
	if img.Is64Bit {
		want = phdr64Size
	}
	raw, err := img.table("program header table", img.Header.Phoff, img.Header.Phnum, img.Header.Phentsize, want)
	if err != nil {
		return err
	}

	img.Segments = make([]Segment, 0, img.Header.Phnum)
	for i := range int(img.Header.Phnum) {
		entry := raw[uint64(i)*want : uint64(i+1)*want]
		var p Phdr
		if img.Is64Bit {
			var ph phdr64
			if err := unpack(entry, &ph); err != nil {
				return fmt.Errorf("%w: program header %d: %v", common.ErrTruncatedHeader, i, err)
			}
			p = Phdr(ph)
		} else {
			var ph phdr32
			if err := unpack(entry, &ph); err != nil {
				return fmt.Errorf("%w: program header %d: %v", common.ErrTruncatedHeader, i, err)
			}
			p = Phdr{
				Type: ph.Type, Flags: ph.Flags, Off: uint64(ph.Off), Vaddr: uint64(ph.Vaddr),
				Paddr: uint64(ph.Paddr), Filesz: uint64(ph.Filesz), Memsz: uint64(ph.Memsz),
				Align: uint64(ph.Align),
			}
		}
		img.Segments = append(img.Segments, Segment{
			Index:    i,
			Type:     p.Type,
			Flags:    p.Flags,
			Offset:   p.Off,
			Vaddr:    p.Vaddr,
			Filesz:   p.Filesz,
			Memsz:    p.Memsz,
			Align:    p.Align,
			Loadable: p.Type == PT_LOAD,
		})
	}
	return nil
}

func (img *Image) parseSections() error {
	want := uint64(shdr32Size)
	if img.Is64Bit {
		want = shdr64Size
	}
	raw, err := img.table("section header table", img.Header.Shoff, img.Header.Shnum, img.Header.Shentsize, want)
	if err != nil {
		return err
	}
	if img.Header.Shnum > 0 && img.Header.Shstrndx >= img.Header.Shnum {
		return fmt.Errorf("%w: section name table index %d of %d", common.ErrTruncatedHeader,
			img.Header.Shstrndx, img.Header.Shnum)
	}

	img.Sections = make([]Section, 0, img.Header.Shnum)
	nameOffsets := make([]uint32, 0, img.Header.Shnum)
	for i := range int(img.Header.Shnum) {
		entry := raw[uint64(i)*want : uint64(i+1)*want]
		var sh shdr64
		if img.Is64Bit {
			if err := unpack(entry, &sh); err != nil {
				return fmt.Errorf("%w: section header %d: %v", common.ErrTruncatedHeader, i, err)
			}
		} else {
			var s32 shdr32
			if err := unpack(entry, &s32); err != nil {
				return fmt.Errorf("%w: section header %d: %v", common.ErrTruncatedHeader, i, err)
			}
			sh = shdr64{
				Name: s32.Name, Type: s32.Type, Flags: uint64(s32.Flags), Addr: uint64(s32.Addr),
				Offset: uint64(s32.Offset), Size: uint64(s32.Size), Link: s32.Link, Info: s32.Info,
				Addralign: uint64(s32.Addralign), Entsize: uint64(s32.Entsize),
			}
		}
		nameOffsets = append(nameOffsets, sh.Name)
		img.Sections = append(img.Sections, Section{
			Index:     i,
			Type:      sh.Type,
			Flags:     sh.Flags,
			Address:   sh.Addr,
			Offset:    sh.Offset,
			Size:      sh.Size,
			Link:      sh.Link,
			Info:      sh.Info,
			Addralign: sh.Addralign,
			Entsize:   sh.Entsize,
		})
	}
	img.nameOffsets = nameOffsets
	return nil
}

// resolveSectionNames asks elf_reader first and falls back to reading the
// name table directly when it refuses an entry.
func (img *Image) resolveSectionNames() {
	if len(img.Sections) == 0 {
		return
	}
	names := img.Sections[img.Header.Shstrndx]
	for i := range img.Sections {
		if i == 0 {
			continue
		}
		if name, err := img.elf.GetSectionName(uint16(i)); err == nil {
			img.Sections[i].Name = name
			continue
		}
		off := uint64(img.nameOffsets[i])
		if off >= names.Size {
			img.Parse.Warn("section %d name offset 0x%x outside name table", i, off)
			continue
		}
		name, err := img.region.CString(names.Offset+off, names.Size-off)
		if err != nil {
			img.Parse.Warn("section %d name: %v", i, err)
			continue
		}
		img.Sections[i].Name = name
	}
}

func (img *Image) checkSectionContents() {
	for i := range img.Sections {
		s := &img.Sections[i]
		if s.Type == SHT_NOBITS || s.Type == uint32(elf.SHT_NULL) || s.Size == 0 {
			continue
		}
		if _, ok := region.RangeEnd(s.Offset, s.Size, img.region.Len()); !ok {
			img.Parse.Warn("section %q contents 0x%x+0x%x exceed file length 0x%x",
				s.Name, s.Offset, s.Size, img.region.Len())
		}
	}
}

// IsELF reports whether r starts with the ELF magic.
func IsELF(r *region.Region) bool {
	magic, err := r.Slice(0, 4)
	return err == nil && string(magic) == elf.ELFMAG
}

func (img *Image) Region() *region.Region {
	return img.region
}

func (img *Image) Entry() uint64 {
	return img.Header.Entry
}

// BaseAddress is the lowest virtual address of any loadable segment, or zero
// when the file has none.
func (img *Image) BaseAddress() uint64 {
	var base uint64
	found := false
	for _, s := range img.Segments {
		if !s.Loadable {
			continue
		}
		if !found || s.Vaddr < base {
			base = s.Vaddr
			found = true
		}
	}
	return base
}

// SectionData returns the file bytes of section index. NOBITS sections have
// none.
func (img *Image) SectionData(index int) ([]byte, error) {
	if index < 0 || index >= len(img.Sections) {
		return nil, fmt.Errorf("%w: section index %d", common.ErrOutOfBounds, index)
	}
	s := &img.Sections[index]
	if s.Type == SHT_NOBITS {
		return nil, nil
	}
	return img.region.Slice(s.Offset, s.Size)
}

func (img *Image) SectionInfos() []common.SectionInfo {
	out := make([]common.SectionInfo, len(img.Sections))
	for i := range img.Sections {
		out[i] = img.Sections[i].SectionInfo()
	}
	return out
}
