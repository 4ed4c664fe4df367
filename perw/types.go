package perw

import (
	"gomapimg/common"
	"gomapimg/region"
)

const (
	IMAGE_DOS_SIGNATURE       = 0x5A4D
	IMAGE_DOS_HEADER_SIZE     = 64
	IMAGE_FILE_HEADER_SIZE    = 20
	IMAGE_SECTION_HEADER_SIZE = 40

	IMAGE_NT_OPTIONAL_HDR32_MAGIC = 0x10b
	IMAGE_NT_OPTIONAL_HDR64_MAGIC = 0x20b

	optionalHeader32Size = 96
	optionalHeader64Size = 112

	IMAGE_NUMBEROF_DIRECTORY_ENTRIES = 16
)

const (
	IMAGE_FILE_MACHINE_UNKNOWN = 0x0000
	IMAGE_FILE_MACHINE_I386    = 0x014c
	IMAGE_FILE_MACHINE_ARM     = 0x01c0
	IMAGE_FILE_MACHINE_ARMNT   = 0x01c4
	IMAGE_FILE_MACHINE_IA64    = 0x0200
	IMAGE_FILE_MACHINE_AMD64   = 0x8664
	IMAGE_FILE_MACHINE_ARM64   = 0xaa64
)

// Data directory indexes.
const (
	DirectoryExport = iota
	DirectoryImport
	DirectoryResource
	DirectoryException
	DirectorySecurity
	DirectoryBaseReloc
	DirectoryDebug
	DirectoryArchitecture
	DirectoryGlobalPtr
	DirectoryTLS
	DirectoryLoadConfig
	DirectoryBoundImport
	DirectoryIAT
	DirectoryDelayImport
	DirectoryComDescriptor
)

var directoryNames = [IMAGE_NUMBEROF_DIRECTORY_ENTRIES]string{
	"Export", "Import", "Resource", "Exception", "Security", "BaseReloc",
	"Debug", "Architecture", "GlobalPtr", "TLS", "LoadConfig", "BoundImport",
	"IAT", "DelayImport", "ComDescriptor", "Reserved",
}

type DosHeader struct {
	Magic    uint16     `struc:"uint16,little"`
	Cblp     uint16     `struc:"uint16,little"`
	Cp       uint16     `struc:"uint16,little"`
	Crlc     uint16     `struc:"uint16,little"`
	Cparhdr  uint16     `struc:"uint16,little"`
	Minalloc uint16     `struc:"uint16,little"`
	Maxalloc uint16     `struc:"uint16,little"`
	Ss       uint16     `struc:"uint16,little"`
	Sp       uint16     `struc:"uint16,little"`
	Csum     uint16     `struc:"uint16,little"`
	Ip       uint16     `struc:"uint16,little"`
	Cs       uint16     `struc:"uint16,little"`
	Lfarlc   uint16     `struc:"uint16,little"`
	Ovno     uint16     `struc:"uint16,little"`
	Res      [4]uint16  `struc:"[4]uint16,little"`
	Oemid    uint16     `struc:"uint16,little"`
	Oeminfo  uint16     `struc:"uint16,little"`
	Res2     [10]uint16 `struc:"[10]uint16,little"`
	Lfanew   int32      `struc:"int32,little"`
}

type FileHeader struct {
	Machine              uint16 `struc:"uint16,little"`
	NumberOfSections     uint16 `struc:"uint16,little"`
	TimeDateStamp        uint32 `struc:"uint32,little"`
	PointerToSymbolTable uint32 `struc:"uint32,little"`
	NumberOfSymbols      uint32 `struc:"uint32,little"`
	SizeOfOptionalHeader uint16 `struc:"uint16,little"`
	Characteristics      uint16 `struc:"uint16,little"`
}

type optionalHeader32 struct {
	Magic                       uint16 `struc:"uint16,little"`
	MajorLinkerVersion          uint8  `struc:"uint8"`
	MinorLinkerVersion          uint8  `struc:"uint8"`
	SizeOfCode                  uint32 `struc:"uint32,little"`
	SizeOfInitializedData       uint32 `struc:"uint32,little"`
	SizeOfUninitializedData     uint32 `struc:"uint32,little"`
	AddressOfEntryPoint         uint32 `struc:"uint32,little"`
	BaseOfCode                  uint32 `struc:"uint32,little"`
	BaseOfData                  uint32 `struc:"uint32,little"`
	ImageBase                   uint32 `struc:"uint32,little"`
	SectionAlignment            uint32 `struc:"uint32,little"`
	FileAlignment               uint32 `struc:"uint32,little"`
	MajorOperatingSystemVersion uint16 `struc:"uint16,little"`
	MinorOperatingSystemVersion uint16 `struc:"uint16,little"`
	MajorImageVersion           uint16 `struc:"uint16,little"`
	MinorImageVersion           uint16 `struc:"uint16,little"`
	MajorSubsystemVersion       uint16 `struc:"uint16,little"`
	MinorSubsystemVersion       uint16 `struc:"uint16,little"`
	Win32VersionValue           uint32 `struc:"uint32,little"`
	SizeOfImage                 uint32 `struc:"uint32,little"`
	SizeOfHeaders               uint32 `struc:"uint32,little"`
	CheckSum                    uint32 `struc:"uint32,little"`
	Subsystem                   uint16 `struc:"uint16,little"`
	DllCharacteristics          uint16 `struc:"uint16,little"`
	SizeOfStackReserve          uint32 `struc:"uint32,little"`
	SizeOfStackCommit           uint32 `struc:"uint32,little"`
	SizeOfHeapReserve           uint32 `struc:"uint32,little"`
	SizeOfHeapCommit            uint32 `struc:"uint32,little"`
	LoaderFlags                 uint32 `struc:"uint32,little"`
	NumberOfRvaAndSizes         uint32 `struc:"uint32,little"`
}

type optionalHeader64 struct {
	Magic                       uint16 `struc:"uint16,little"`
	MajorLinkerVersion          uint8  `struc:"uint8"`
	MinorLinkerVersion          uint8  `struc:"uint8"`
	SizeOfCode                  uint32 `struc:"uint32,little"`
	SizeOfInitializedData       uint32 `struc:"uint32,little"`
	SizeOfUninitializedData     uint32 `struc:"uint32,little"`
	AddressOfEntryPoint         uint32 `struc:"uint32,little"`
	BaseOfCode                  uint32 `struc:"uint32,little"`
	ImageBase                   uint64 `struc:"uint64,little"`
	SectionAlignment            uint32 `struc:"uint32,little"`
	FileAlignment               uint32 `struc:"uint32,little"`
	MajorOperatingSystemVersion uint16 `struc:"uint16,little"`
	MinorOperatingSystemVersion uint16 `struc:"uint16,little"`
	MajorImageVersion           uint16 `struc:"uint16,little"`
	MinorImageVersion           uint16 `struc:"uint16,little"`
	MajorSubsystemVersion       uint16 `struc:"uint16,little"`
	MinorSubsystemVersion       uint16 `struc:"uint16,little"`
	Win32VersionValue           uint32 `struc:"uint32,little"`
	SizeOfImage                 uint32 `struc:"uint32,little"`
	SizeOfHeaders               uint32 `struc:"uint32,little"`
	CheckSum                    uint32 `struc:"uint32,little"`
	Subsystem                   uint16 `struc:"uint16,little"`
	DllCharacteristics          uint16 `struc:"uint16,little"`
	SizeOfStackReserve          uint64 `struc:"uint64,little"`
	SizeOfStackCommit           uint64 `struc:"uint64,little"`
	SizeOfHeapReserve           uint64 `struc:"uint64,little"`
	SizeOfHeapCommit            uint64 `struc:"uint64,little"`
	LoaderFlags                 uint32 `struc:"uint32,little"`
	NumberOfRvaAndSizes         uint32 `struc:"uint32,little"`
}

// OptionalHeader is the PE32 / PE32+ optional header widened to 64 bits.
type OptionalHeader struct {
	Magic               uint16
	LinkerVersion       [2]uint8
	SizeOfCode          uint32
	AddressOfEntryPoint uint32
	BaseOfCode          uint32
	ImageBase           uint64
	SectionAlignment    uint32
	FileAlignment       uint32
	SizeOfImage         uint32
	SizeOfHeaders       uint32
	CheckSum            uint32
	Subsystem           uint16
	DllCharacteristics  uint16
	SizeOfStackReserve  uint64
	SizeOfHeapReserve   uint64
	NumberOfRvaAndSizes uint32
}

type sectionHeader struct {
	Name                 [8]byte `struc:"[8]byte"`
	VirtualSize          uint32  `struc:"uint32,little"`
	VirtualAddress       uint32  `struc:"uint32,little"`
	SizeOfRawData        uint32  `struc:"uint32,little"`
	PointerToRawData     uint32  `struc:"uint32,little"`
	PointerToRelocations uint32  `struc:"uint32,little"`
	PointerToLinenumbers uint32  `struc:"uint32,little"`
	NumberOfRelocations  uint16  `struc:"uint16,little"`
	NumberOfLinenumbers  uint16  `struc:"uint16,little"`
	Characteristics      uint32  `struc:"uint32,little"`
}

type Section struct {
	Name             string
	Index            int
	VirtualAddress   uint32
	VirtualSize      uint32
	SizeOfRawData    uint32
	PointerToRawData uint32
	Characteristics  uint32
	IsExecutable     bool
	IsReadable       bool
	IsWritable       bool
}

// VirtualExtent is the size of the section's virtual range. Sections with
// a zero VirtualSize span their raw data.
func (s *Section) VirtualExtent() uint32 {
	if s.VirtualSize != 0 {
		return s.VirtualSize
	}
	return s.SizeOfRawData
}

func (s *Section) ContainsRva(rva uint32) bool {
	return region.Contains(rva, s.VirtualAddress, s.VirtualExtent())
}

func (s *Section) Info() common.SectionInfo {
	perm := 0
	if s.IsReadable {
		perm |= common.PERM_READ
	}
	if s.IsWritable {
		perm |= common.PERM_WRITE
	}
	if s.IsExecutable {
		perm |= common.PERM_EXECUTE
	}
	return common.SectionInfo{
		Name:           s.Name,
		Index:          s.Index,
		VirtualAddress: uint64(s.VirtualAddress),
		VirtualSize:    uint64(s.VirtualExtent()),
		FileOffset:     uint64(s.PointerToRawData),
		FileSize:       uint64(s.SizeOfRawData),
		Flags:          uint64(s.Characteristics),
		Perm:           perm,
	}
}

type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// Image is a validated PE32 or PE32+ image over a region. It never copies
// the region and is safe for concurrent readers while the region stays open.
type Image struct {
	region *region.Region

	Is64Bit     bool
	DOS         DosHeader
	File        FileHeader
	Optional    OptionalHeader
	Sections    []Section
	Directories []DataDirectory
	Parse       common.ParseResult
	Limits      Limits

	NtHeadersOffset    uint64
	optionalOffset     uint64
	sectionTableOffset uint64
}

// Limits caps walks whose length comes from the image itself.
type Limits struct {
	MaxImportThunks int
	MaxResources    int
	MaxTlsCallbacks int
	MaxCfgEntries   int
}

// DefaultLimits returns the caps used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxImportThunks: 1 << 16,
		MaxResources:    1 << 16,
		MaxTlsCallbacks: 1 << 10,
		MaxCfgEntries:   1 << 22,
	}
}
