package elfrw

import (
	"debug/elf"
	"fmt"

	elf_reader "github.com/yalue/elf_reader"

	"gomapimg/common"
	"gomapimg/region"
)

const (
	ehdr32Size = 52
	ehdr64Size = 64
	phdr32Size = 32
	phdr64Size = 56
	shdr32Size = 40
	shdr64Size = 64
	sym32Size  = 16
	sym64Size  = 24
	dyn32Size  = 8
	dyn64Size  = 16

	SHT_SYMTAB      = 2
	SHT_STRTAB      = 3
	SHT_DYNAMIC     = 6
	SHT_NOBITS      = 8
	SHT_DYNSYM      = 11
	SHT_GNU_verneed = 0x6ffffffe
	SHT_GNU_versym  = 0x6fffffff

	SHF_WRITE     = 0x1
	SHF_ALLOC     = 0x2
	SHF_EXECINSTR = 0x4

	SHN_UNDEF     = 0
	SHN_LORESERVE = 0xff00

	PT_LOAD    = 1
	PT_DYNAMIC = 2
)

// Ehdr is the ELF file header with addresses widened to 64 bits.
type Ehdr struct {
	Ident     [16]byte // ELF identification
	Type      uint16   // Object file type
	Machine   uint16   // Architecture
	Version   uint32   // Object file version
	Entry     uint64   // Entry point virtual address
	Phoff     uint64   // Program header table file offset
	Shoff     uint64   // Section header table file offset
	Flags     uint32   // Processor-specific flags
	Ehsize    uint16   // ELF header size in bytes
	Phentsize uint16   // Program header table entry size
	Phnum     uint16   // Program header table entry count
	Shentsize uint16   // Section header table entry size
	Shnum     uint16   // Section header table entry count
	Shstrndx  uint16   // Section header string table index
}

type ehdr32 struct {
	Ident     [16]byte `struc:"[16]byte"`
	Type      uint16   `struc:"uint16,little"`
	Machine   uint16   `struc:"uint16,little"`
	Version   uint32   `struc:"uint32,little"`
	Entry     uint32   `struc:"uint32,little"`
	Phoff     uint32   `struc:"uint32,little"`
	Shoff     uint32   `struc:"uint32,little"`
	Flags     uint32   `struc:"uint32,little"`
	Ehsize    uint16   `struc:"uint16,little"`
	Phentsize uint16   `struc:"uint16,little"`
	Phnum     uint16   `struc:"uint16,little"`
	Shentsize uint16   `struc:"uint16,little"`
	Shnum     uint16   `struc:"uint16,little"`
	Shstrndx  uint16   `struc:"uint16,little"`
}

type ehdr64 struct {
	Ident     [16]byte `struc:"[16]byte"`
	Type      uint16   `struc:"uint16,little"`
	Machine   uint16   `struc:"uint16,little"`
	Version   uint32   `struc:"uint32,little"`
	Entry     uint64   `struc:"uint64,little"`
	Phoff     uint64   `struc:"uint64,little"`
	Shoff     uint64   `struc:"uint64,little"`
	Flags     uint32   `struc:"uint32,little"`
	Ehsize    uint16   `struc:"uint16,little"`
	Phentsize uint16   `struc:"uint16,little"`
	Phnum     uint16   `struc:"uint16,little"`
	Shentsize uint16   `struc:"uint16,little"`
	Shnum     uint16   `struc:"uint16,little"`
	Shstrndx  uint16   `struc:"uint16,little"`
}

// Phdr is a program header with fields widened to 64 bits.
type Phdr struct {
	Type   uint32 // Segment type
	Flags  uint32 // Segment flags
	Off    uint64 // Segment file offset
	Vaddr  uint64 // Segment virtual address
	Paddr  uint64 // Segment physical address
	Filesz uint64 // Segment size in file
	Memsz  uint64 // Segment size in memory
	Align  uint64 // Segment alignment
}

type phdr32 struct {
	Type   uint32 `struc:"uint32,little"`
	Off    uint32 `struc:"uint32,little"`
	Vaddr  uint32 `struc:"uint32,little"`
	Paddr  uint32 `struc:"uint32,little"`
	Filesz uint32 `struc:"uint32,little"`
	Memsz  uint32 `struc:"uint32,little"`
	Flags  uint32 `struc:"uint32,little"`
	Align  uint32 `struc:"uint32,little"`
}

type phdr64 struct {
	Type   uint32 `struc:"uint32,little"`
	Flags  uint32 `struc:"uint32,little"`
	Off    uint64 `struc:"uint64,little"`
	Vaddr  uint64 `struc:"uint64,little"`
	Paddr  uint64 `struc:"uint64,little"`
	Filesz uint64 `struc:"uint64,little"`
	Memsz  uint64 `struc:"uint64,little"`
	Align  uint64 `struc:"uint64,little"`
}

type shdr32 struct {
	Name      uint32 `struc:"uint32,little"`
	Type      uint32 `struc:"uint32,little"`
	Flags     uint32 `struc:"uint32,little"`
	Addr      uint32 `struc:"uint32,little"`
	Offset    uint32 `struc:"uint32,little"`
	Size      uint32 `struc:"uint32,little"`
	Link      uint32 `struc:"uint32,little"`
	Info      uint32 `struc:"uint32,little"`
	Addralign uint32 `struc:"uint32,little"`
	Entsize   uint32 `struc:"uint32,little"`
}

type shdr64 struct {
	Name      uint32 `struc:"uint32,little"`
	Type      uint32 `struc:"uint32,little"`
	Flags     uint64 `struc:"uint64,little"`
	Addr      uint64 `struc:"uint64,little"`
	Offset    uint64 `struc:"uint64,little"`
	Size      uint64 `struc:"uint64,little"`
	Link      uint32 `struc:"uint32,little"`
	Info      uint32 `struc:"uint32,little"`
	Addralign uint64 `struc:"uint64,little"`
	Entsize   uint64 `struc:"uint64,little"`
}

type Section struct {
	Name      string
	Index     int
	Type      uint32
	Flags     uint64
	Address   uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// SectionInfo maps the header onto the format-neutral view. NOBITS sections
// occupy no file bytes.
func (s *Section) SectionInfo() common.SectionInfo {
	perm := 0
	if s.Flags&SHF_ALLOC != 0 {
		perm |= common.PERM_READ
	}
	if s.Flags&SHF_WRITE != 0 {
		perm |= common.PERM_WRITE
	}
	if s.Flags&SHF_EXECINSTR != 0 {
		perm |= common.PERM_EXECUTE
	}
	size := s.Size
	if s.Type == SHT_NOBITS {
		size = 0
	}
	return common.SectionInfo{
		Name:           s.Name,
		Index:          s.Index,
		VirtualAddress: s.Address,
		VirtualSize:    s.Size,
		FileOffset:     s.Offset,
		FileSize:       size,
		Flags:          s.Flags,
		Perm:           perm,
	}
}

type Segment struct {
	Index    int
	Type     uint32
	Flags    uint32
	Offset   uint64
	Vaddr    uint64
	Filesz   uint64
	Memsz    uint64
	Align    uint64
	Loadable bool
}

// Limits caps walks whose length comes from the image itself.
type Limits struct {
	MaxSymbols int
}

func DefaultLimits() Limits {
	return Limits{MaxSymbols: 1 << 20}
}

// Image is a validated little-endian ELF32 or ELF64 file over a region.
type Image struct {
	region      *region.Region
	elf         elf_reader.ELFFile
	nameOffsets []uint32

	Is64Bit  bool
	Header   Ehdr
	Sections []Section
	Segments []Segment
	Parse    common.ParseResult
	Limits   Limits
}

// String renders the header the way readelf -h summarises it
func (e *Ehdr) String() string {
	return fmt.Sprintf("ELF Header:\n"+
		"  Type: %s, Machine: %s, Version: %d\n"+
		"  Entry: 0x%x, Phoff: 0x%x, Shoff: 0x%x\n"+
		"  Flags: 0x%x, Ehsize: %d\n"+
		"  Phnum: %d, Shnum: %d",
		elf.Type(e.Type), elf.Machine(e.Machine), e.Version,
		e.Entry, e.Phoff, e.Shoff,
		e.Flags, e.Ehsize,
		e.Phnum, e.Shnum)
}

func (p *Phdr) String() string {
	return fmt.Sprintf("Program Header:\n"+
		"  Type: %s, Flags: 0x%x\n"+
		"  Off: 0x%x, Vaddr: 0x%x, Paddr: 0x%x\n"+
		"  Filesz: %d, Memsz: %d, Align: %d",
		elf.ProgType(p.Type), p.Flags,
		p.Off, p.Vaddr, p.Paddr,
		p.Filesz, p.Memsz, p.Align)
}
