package perw

import (
	"encoding/binary"
	"testing"

	"gomapimg/region"
)

const (
	testLfanew      = 0x80
	testHeadersSize = 0x400
	testFileAlign   = 0x200
	testSectAlign   = 0x1000
)

type testSection struct {
	name  string
	va    uint32
	vsize uint32 // 0 means len(data)
	raw   int    // -1 means aligned len(data)
	data  []byte
	chars uint32
}

func (s *testSection) grow(end int) {
	if end > len(s.data) {
		s.data = append(s.data, make([]byte, end-len(s.data))...)
	}
}

func (s *testSection) put(rva uint32, b []byte) {
	off := int(rva - s.va)
	s.grow(off + len(b))
	copy(s.data[off:], b)
}

func (s *testSection) putU16(rva uint32, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	s.put(rva, b[:])
}

func (s *testSection) putU32(rva uint32, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	s.put(rva, b[:])
}

func (s *testSection) putU64(rva uint32, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	s.put(rva, b[:])
}

func (s *testSection) putString(rva uint32, str string) {
	s.put(rva, append([]byte(str), 0))
}

// peBuilder assembles a minimal PE32 or PE32+ file. Headers end at 0x400
// and section raw data follows in table order, 0x200-aligned.
type peBuilder struct {
	is64            bool
	machine         uint16
	magic           uint16
	imageBase       uint64
	characteristics uint16
	numDirs         uint32
	dirs            [IMAGE_NUMBEROF_DIRECTORY_ENTRIES]DataDirectory
	sections        []*testSection
	numSections     int // overrides len(sections) when non-zero
}

func newPE64() *peBuilder {
	return &peBuilder{
		is64:            true,
		machine:         IMAGE_FILE_MACHINE_AMD64,
		magic:           IMAGE_NT_OPTIONAL_HDR64_MAGIC,
		imageBase:       0x140000000,
		characteristics: IMAGE_FILE_EXECUTABLE_IMAGE,
		numDirs:         IMAGE_NUMBEROF_DIRECTORY_ENTRIES,
	}
}

func newPE32() *peBuilder {
	return &peBuilder{
		machine:         IMAGE_FILE_MACHINE_I386,
		magic:           IMAGE_NT_OPTIONAL_HDR32_MAGIC,
		imageBase:       0x400000,
		characteristics: IMAGE_FILE_EXECUTABLE_IMAGE,
		numDirs:         IMAGE_NUMBEROF_DIRECTORY_ENTRIES,
	}
}

func (b *peBuilder) section(name string, va uint32, chars uint32) *testSection {
	s := &testSection{name: name, va: va, raw: -1, chars: chars}
	b.sections = append(b.sections, s)
	return s
}

func (b *peBuilder) text() *testSection {
	return b.section(".text", 0x1000, IMAGE_SCN_CNT_CODE|IMAGE_SCN_MEM_EXECUTE|IMAGE_SCN_MEM_READ)
}

func (b *peBuilder) rdata() *testSection {
	return b.section(".rdata", 0x2000, IMAGE_SCN_CNT_INITIALIZED_DATA|IMAGE_SCN_MEM_READ)
}

func (b *peBuilder) dir(index int, rva, size uint32) {
	b.dirs[index] = DataDirectory{VirtualAddress: rva, Size: size}
}

func (b *peBuilder) va(rva uint32) uint64 {
	return b.imageBase + uint64(rva)
}

func (b *peBuilder) optionalSize() int {
	fixed := optionalHeader32Size
	if b.is64 {
		fixed = optionalHeader64Size
	}
	return fixed + int(b.numDirs)*8
}

func (b *peBuilder) optionalOffset() int {
	return testLfanew + 4 + IMAGE_FILE_HEADER_SIZE
}

func rawSize(s *testSection) int {
	if s.raw >= 0 {
		return s.raw
	}
	return int(region.AlignUp(uint64(len(s.data)), testFileAlign))
}

func virtSize(s *testSection) uint32 {
	if s.vsize != 0 {
		return s.vsize
	}
	return uint32(len(s.data))
}

func (b *peBuilder) sizeOfImage() uint32 {
	end := uint32(testHeadersSize)
	for _, s := range b.sections {
		end = max(end, s.va+virtSize(s))
	}
	return uint32(region.AlignUp(uint64(end), testSectAlign))
}

// build returns the on-disk layout.
func (b *peBuilder) build() []byte {
	size := testHeadersSize
	for _, s := range b.sections {
		size += rawSize(s)
	}
	out := make([]byte, size)
	le := binary.LittleEndian

	le.PutUint16(out[0:], IMAGE_DOS_SIGNATURE)
	le.PutUint32(out[0x3c:], testLfanew)
	copy(out[testLfanew:], "PE\x00\x00")

	fh := testLfanew + 4
	numSections := len(b.sections)
	if b.numSections != 0 {
		numSections = b.numSections
	}
	le.PutUint16(out[fh:], b.machine)
	le.PutUint16(out[fh+2:], uint16(numSections))
	le.PutUint32(out[fh+4:], 0x5f000000)
	le.PutUint16(out[fh+16:], uint16(b.optionalSize()))
	le.PutUint16(out[fh+18:], b.characteristics)

	oh := b.optionalOffset()
	le.PutUint16(out[oh:], b.magic)
	le.PutUint32(out[oh+16:], 0x1000)
	if b.is64 {
		le.PutUint64(out[oh+24:], b.imageBase)
	} else {
		le.PutUint32(out[oh+28:], uint32(b.imageBase))
	}
	le.PutUint32(out[oh+32:], testSectAlign)
	le.PutUint32(out[oh+36:], testFileAlign)
	le.PutUint32(out[oh+56:], b.sizeOfImage())
	le.PutUint32(out[oh+60:], testHeadersSize)
	le.PutUint16(out[oh+68:], 3)

	dirs := oh + optionalHeader32Size
	if b.is64 {
		le.PutUint32(out[oh+108:], b.numDirs)
		dirs = oh + optionalHeader64Size
	} else {
		le.PutUint32(out[oh+92:], b.numDirs)
	}
	for i := 0; i < int(b.numDirs) && i < IMAGE_NUMBEROF_DIRECTORY_ENTRIES; i++ {
		le.PutUint32(out[dirs+i*8:], b.dirs[i].VirtualAddress)
		le.PutUint32(out[dirs+i*8+4:], b.dirs[i].Size)
	}

	table := oh + b.optionalSize()
	fileOff := testHeadersSize
	for i, s := range b.sections {
		h := out[table+i*IMAGE_SECTION_HEADER_SIZE:]
		copy(h[:8], s.name)
		le.PutUint32(h[8:], virtSize(s))
		le.PutUint32(h[12:], s.va)
		le.PutUint32(h[16:], uint32(rawSize(s)))
		le.PutUint32(h[20:], uint32(fileOff))
		le.PutUint32(h[36:], s.chars)
		copy(out[fileOff:fileOff+rawSize(s)], s.data)
		fileOff += rawSize(s)
	}
	return out
}

// buildImage returns the loaded layout, each section copied to its RVA.
func (b *peBuilder) buildImage() []byte {
	file := b.build()
	out := make([]byte, b.sizeOfImage())
	copy(out, file[:testHeadersSize])
	for _, s := range b.sections {
		copy(out[s.va:], s.data)
	}
	return out
}

func (b *peBuilder) load(t *testing.T) *Image {
	t.Helper()
	img, err := Load(region.FromBytes("test.exe", b.build()))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return img
}
