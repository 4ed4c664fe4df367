package elfrw

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"gomapimg/region"
)

var le = binary.LittleEndian

type testStrtab struct {
	buf []byte
}

func newStrtab() *testStrtab {
	return &testStrtab{buf: []byte{0}}
}

func (s *testStrtab) add(name string) uint32 {
	off := uint32(len(s.buf))
	s.buf = append(s.buf, name...)
	s.buf = append(s.buf, 0)
	return off
}

type testSection struct {
	name    string
	typ     uint32
	flags   uint64
	addr    uint64
	link    uint32
	info    uint32
	entsize uint64
	data    []byte
	nobits  uint64 // size of a NOBITS section

	offset uint64
}

type testSegment struct {
	typ     uint32
	flags   uint32
	vaddr   uint64
	section string // empty covers the file up to the section table
}

type elfBuilder struct {
	is64     bool
	typ      uint16
	machine  uint16
	entry    uint64
	sections []*testSection
	segments []testSegment
}

func newELF64() *elfBuilder {
	return &elfBuilder{is64: true, typ: uint16(elf.ET_DYN), machine: uint16(elf.EM_X86_64), entry: 0x401000}
}

func newELF32() *elfBuilder {
	return &elfBuilder{typ: uint16(elf.ET_EXEC), machine: uint16(elf.EM_386), entry: 0x8049000}
}

// add appends a section and returns its index in the final table.
func (b *elfBuilder) add(s *testSection) uint32 {
	b.sections = append(b.sections, s)
	return uint32(len(b.sections))
}

func (b *elfBuilder) sizes() (ehdr, phdr, shdr uint64) {
	if b.is64 {
		return ehdr64Size, phdr64Size, shdr64Size
	}
	return ehdr32Size, phdr32Size, shdr32Size
}

func (b *elfBuilder) build() []byte {
	ehSize, phSize, shSize := b.sizes()
	names := newStrtab()
	nameOffs := make([]uint32, len(b.sections))
	for i, s := range b.sections {
		nameOffs[i] = names.add(s.name)
	}
	shstrName := names.add(".shstrtab")

	out := make([]byte, ehSize+uint64(len(b.segments))*phSize)
	align := func(n int) {
		for len(out)%n != 0 {
			out = append(out, 0)
		}
	}
	align(16)
	for _, s := range b.sections {
		s.offset = uint64(len(out))
		out = append(out, s.data...)
		align(8)
	}
	shstrOff := uint64(len(out))
	out = append(out, names.buf...)
	align(8)
	shoff := uint64(len(out))
	shnum := len(b.sections) + 2

	out = append(out, make([]byte, uint64(shnum)*shSize)...)
	writeShdr := func(i int, name, typ uint32, flags, addr, off, size uint64, link, info uint32, entsize uint64) {
		p := out[shoff+uint64(i)*shSize:]
		le.PutUint32(p, name)
		le.PutUint32(p[4:], typ)
		if b.is64 {
			le.PutUint64(p[8:], flags)
			le.PutUint64(p[16:], addr)
			le.PutUint64(p[24:], off)
			le.PutUint64(p[32:], size)
			le.PutUint32(p[40:], link)
			le.PutUint32(p[44:], info)
			le.PutUint64(p[48:], 1)
			le.PutUint64(p[56:], entsize)
			return
		}
		le.PutUint32(p[8:], uint32(flags))
		le.PutUint32(p[12:], uint32(addr))
		le.PutUint32(p[16:], uint32(off))
		le.PutUint32(p[20:], uint32(size))
		le.PutUint32(p[24:], link)
		le.PutUint32(p[28:], info)
		le.PutUint32(p[32:], 1)
		le.PutUint32(p[36:], uint32(entsize))
	}
	for i, s := range b.sections {
		size := uint64(len(s.data))
		if s.typ == SHT_NOBITS {
			size = s.nobits
		}
		writeShdr(i+1, nameOffs[i], s.typ, s.flags, s.addr, s.offset, size, s.link, s.info, s.entsize)
	}
	writeShdr(shnum-1, shstrName, SHT_STRTAB, 0, 0, shstrOff, uint64(len(names.buf)), 0, 0, 0)

	for i, seg := range b.segments {
		off, size := uint64(0), shoff
		for _, s := range b.sections {
			if seg.section != "" && s.name == seg.section {
				off, size = s.offset, uint64(len(s.data))
			}
		}
		p := out[ehSize+uint64(i)*phSize:]
		if b.is64 {
			le.PutUint32(p, seg.typ)
			le.PutUint32(p[4:], seg.flags)
			le.PutUint64(p[8:], off)
			le.PutUint64(p[16:], seg.vaddr)
			le.PutUint64(p[24:], seg.vaddr)
			le.PutUint64(p[32:], size)
			le.PutUint64(p[40:], size)
			le.PutUint64(p[48:], 0x1000)
			continue
		}
		le.PutUint32(p, seg.typ)
		le.PutUint32(p[4:], uint32(off))
		le.PutUint32(p[8:], uint32(seg.vaddr))
		le.PutUint32(p[12:], uint32(seg.vaddr))
		le.PutUint32(p[16:], uint32(size))
		le.PutUint32(p[20:], uint32(size))
		le.PutUint32(p[24:], seg.flags)
		le.PutUint32(p[28:], 0x1000)
	}

	copy(out, elf.ELFMAG)
	out[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	if b.is64 {
		out[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	}
	out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(out[16:], b.typ)
	le.PutUint16(out[18:], b.machine)
	le.PutUint32(out[20:], 1)
	phnum := uint16(len(b.segments))
	var tail []byte
	if b.is64 {
		le.PutUint64(out[24:], b.entry)
		if phnum > 0 {
			le.PutUint64(out[32:], ehSize)
		}
		le.PutUint64(out[40:], shoff)
		tail = out[48:]
	} else {
		le.PutUint32(out[24:], uint32(b.entry))
		if phnum > 0 {
			le.PutUint32(out[28:], uint32(ehSize))
		}
		le.PutUint32(out[32:], uint32(shoff))
		tail = out[36:]
	}
	le.PutUint32(tail, 0)
	le.PutUint16(tail[4:], uint16(ehSize))
	le.PutUint16(tail[6:], uint16(phSize))
	le.PutUint16(tail[8:], phnum)
	le.PutUint16(tail[10:], uint16(shSize))
	le.PutUint16(tail[12:], uint16(shnum))
	le.PutUint16(tail[14:], uint16(shnum-1))
	return out
}

func (b *elfBuilder) load(t *testing.T) *Image {
	t.Helper()
	img, err := Load(region.FromBytes("test.so", b.build()))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return img
}

func sym64(name uint32, bind elf.SymBind, typ elf.SymType, shndx uint16, value, size uint64) []byte {
	p := make([]byte, sym64Size)
	le.PutUint32(p, name)
	p[4] = elf.ST_INFO(bind, typ)
	le.PutUint16(p[6:], shndx)
	le.PutUint64(p[8:], value)
	le.PutUint64(p[16:], size)
	return p
}

func sym32(name uint32, bind elf.SymBind, typ elf.SymType, shndx uint16, value, size uint32) []byte {
	p := make([]byte, sym32Size)
	le.PutUint32(p, name)
	le.PutUint32(p[4:], value)
	le.PutUint32(p[8:], size)
	p[12] = elf.ST_INFO(bind, typ)
	le.PutUint16(p[14:], shndx)
	return p
}

func dyn64(tag elf.DynTag, val uint64) []byte {
	p := make([]byte, dyn64Size)
	le.PutUint64(p, uint64(tag))
	le.PutUint64(p[8:], val)
	return p
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// sharedObject builds a small x86-64 shared object that needs printf from
// libc.so.6 at version GLIBC_2.2.5.
func sharedObject() *elfBuilder {
	b := newELF64()
	text := b.add(&testSection{
		name: ".text", typ: uint32(elf.SHT_PROGBITS), flags: SHF_ALLOC | SHF_EXECINSTR, addr: 0x401000,
		data: []byte{0x55, 0x48, 0x89, 0xe5, 0x31, 0xc0, 0x5d, 0xc3},
	})

	dynstr := newStrtab()
	libc := dynstr.add("libc.so.6")
	printf := dynstr.add("printf")
	exported := dynstr.add("exported_fn")
	local := dynstr.add("local_thing")
	glibc := dynstr.add("GLIBC_2.2.5")
	soname := dynstr.add("libtest.so")
	dynstrIdx := b.add(&testSection{name: ".dynstr", typ: SHT_STRTAB, flags: SHF_ALLOC, data: dynstr.buf})

	dynsymIdx := b.add(&testSection{
		name: ".dynsym", typ: SHT_DYNSYM, flags: SHF_ALLOC, link: dynstrIdx, info: 1, entsize: sym64Size,
		data: concat(
			make([]byte, sym64Size),
			sym64(printf, elf.STB_GLOBAL, elf.STT_FUNC, SHN_UNDEF, 0, 0),
			sym64(exported, elf.STB_GLOBAL, elf.STT_FUNC, uint16(text), 0x401000, 8),
			sym64(local, elf.STB_LOCAL, elf.STT_OBJECT, uint16(text), 0x401004, 4),
			sym64(0xffff, elf.STB_GLOBAL, elf.STT_FUNC, uint16(text), 0x401000, 0),
			sym64(0, elf.STB_WEAK, elf.STT_NOTYPE, SHN_UNDEF, 0, 0),
		),
	})

	versym := make([]byte, 12)
	le.PutUint16(versym[2:], 2)
	le.PutUint16(versym[4:], 1)
	le.PutUint16(versym[6:], 1)
	b.add(&testSection{name: ".gnu.version", typ: SHT_GNU_versym, flags: SHF_ALLOC, link: dynsymIdx, entsize: 2, data: versym})

	verneed := make([]byte, 32)
	le.PutUint16(verneed[0:], 1)
	le.PutUint16(verneed[2:], 1)
	le.PutUint32(verneed[4:], libc)
	le.PutUint32(verneed[8:], 16)
	le.PutUint16(verneed[16+6:], 2)
	le.PutUint32(verneed[16+8:], glibc)
	b.add(&testSection{name: ".gnu.version_r", typ: SHT_GNU_verneed, flags: SHF_ALLOC, link: dynstrIdx, info: 1, data: verneed})

	b.add(&testSection{
		name: ".dynamic", typ: SHT_DYNAMIC, flags: SHF_ALLOC | SHF_WRITE, link: dynstrIdx, entsize: dyn64Size,
		data: concat(
			dyn64(elf.DT_NEEDED, uint64(libc)),
			dyn64(elf.DT_SONAME, uint64(soname)),
			dyn64(elf.DT_STRSZ, uint64(len(dynstr.buf))),
			dyn64(elf.DT_NEEDED, 0x7fff),
			dyn64(elf.DT_NULL, 0),
			dyn64(elf.DT_NEEDED, uint64(printf)),
		),
	})

	strtab := newStrtab()
	mainName := strtab.add("main")
	strtabIdx := b.add(&testSection{name: ".strtab", typ: SHT_STRTAB, data: strtab.buf})
	b.add(&testSection{
		name: ".symtab", typ: SHT_SYMTAB, link: strtabIdx, info: 1, entsize: sym64Size,
		data: concat(
			make([]byte, sym64Size),
			sym64(mainName, elf.STB_GLOBAL, elf.STT_FUNC, uint16(text), 0x401000, 8),
		),
	})
	b.add(&testSection{name: ".bss", typ: SHT_NOBITS, flags: SHF_ALLOC | SHF_WRITE, addr: 0x403000, nobits: 0x10})

	b.segments = []testSegment{
		{typ: PT_LOAD, flags: uint32(elf.PF_R | elf.PF_X), vaddr: 0x401000},
		{typ: PT_LOAD, flags: uint32(elf.PF_R), vaddr: 0x400000},
		{typ: PT_DYNAMIC, flags: uint32(elf.PF_R | elf.PF_W), vaddr: 0x402000, section: ".dynamic"},
	}
	return b
}
