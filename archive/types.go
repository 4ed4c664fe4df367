// Package archive reads COFF import libraries (.lib): the archive member
// chain, the linker and longnames members, and the import descriptors held
// in standard members.
package archive

import (
	"fmt"

	"gomapimg/region"
)

const (
	Magic            = "!<arch>\n"
	memberHeaderSize = 60
	headerEnd        = "`\n"
	ecSymbolsName    = "/<ECSYMBOLS>/"

	importHeaderSize = 20
	coffHeaderSize   = 20
	coffSymbolSize   = 18

	IMPORT_OBJECT_HDR_SIG2 = 0xffff
)

type MemberType int

const (
	MemberNormal MemberType = iota
	MemberLinker
	MemberLongnames
	MemberECSymbols
)

func (t MemberType) String() string {
	switch t {
	case MemberLinker:
		return "linker"
	case MemberLongnames:
		return "longnames"
	case MemberECSymbols:
		return "ecsymbols"
	}
	return "normal"
}

// memberHeader is the fixed 60-byte ASCII header preceding every member.
type memberHeader struct {
	Name      [16]byte `struc:"[16]byte"`
	Date      [12]byte `struc:"[12]byte"`
	UserID    [6]byte  `struc:"[6]byte"`
	GroupID   [6]byte  `struc:"[6]byte"`
	Mode      [8]byte  `struc:"[8]byte"`
	Size      [10]byte `struc:"[10]byte"`
	EndHeader [2]byte  `struc:"[2]byte"`
}

type Member struct {
	Type    MemberType
	Name    string // resolved through the longnames member when needed
	RawName string // header name with padding removed
	Offset  uint64 // of the member header
	Date    int64
	Mode    string
	Size    uint64
	Data    []byte

	// NameErr is set when RawName is a long-name reference that could not
	// be resolved. Name then holds RawName.
	NameErr error
}

func (m *Member) String() string {
	return fmt.Sprintf("%s member %q at 0x%x (%d bytes)", m.Type, m.Name, m.Offset, m.Size)
}

// dataEnd is the offset of the next member header. Member data is padded to
// an even length.
func (m *Member) dataEnd() uint64 {
	return region.AlignUp(m.Offset+memberHeaderSize+m.Size, 2)
}

type Archive struct {
	region *region.Region

	FirstLinker  *Member
	SecondLinker *Member
	ECSymbols    *Member // ARM64EC symbol map
	Longnames    *Member

	firstStandard uint64
}

type ImportFormat int

const (
	FormatShort ImportFormat = iota
	FormatLong
)

func (f ImportFormat) String() string {
	if f == FormatLong {
		return "long"
	}
	return "short"
}

type ImportType uint8

const (
	IMPORT_OBJECT_CODE  ImportType = 0
	IMPORT_OBJECT_DATA  ImportType = 1
	IMPORT_OBJECT_CONST ImportType = 2
)

func (t ImportType) String() string {
	switch t {
	case IMPORT_OBJECT_CODE:
		return "code"
	case IMPORT_OBJECT_DATA:
		return "data"
	case IMPORT_OBJECT_CONST:
		return "const"
	}
	return fmt.Sprintf("type%d", uint8(t))
}

type ImportNameType uint8

const (
	IMPORT_OBJECT_ORDINAL         ImportNameType = 0
	IMPORT_OBJECT_NAME            ImportNameType = 1
	IMPORT_OBJECT_NAME_NO_PREFIX  ImportNameType = 2
	IMPORT_OBJECT_NAME_UNDECORATE ImportNameType = 3
	IMPORT_OBJECT_NAME_EXPORTAS   ImportNameType = 4
)

func (t ImportNameType) String() string {
	switch t {
	case IMPORT_OBJECT_ORDINAL:
		return "ordinal"
	case IMPORT_OBJECT_NAME:
		return "name"
	case IMPORT_OBJECT_NAME_NO_PREFIX:
		return "noprefix"
	case IMPORT_OBJECT_NAME_UNDECORATE:
		return "undecorate"
	case IMPORT_OBJECT_NAME_EXPORTAS:
		return "exportas"
	}
	return fmt.Sprintf("nametype%d", uint8(t))
}

// importObjectHeader is IMPORT_OBJECT_HEADER; Flags packs Type in bits 0-1
// and NameType in bits 2-4.
type importObjectHeader struct {
	Sig1          uint16 `struc:"uint16,little"`
	Sig2          uint16 `struc:"uint16,little"`
	Version       uint16 `struc:"uint16,little"`
	Machine       uint16 `struc:"uint16,little"`
	TimeDateStamp uint32 `struc:"uint32,little"`
	SizeOfData    uint32 `struc:"uint32,little"`
	OrdinalOrHint uint16 `struc:"uint16,little"`
	Flags         uint16 `struc:"uint16,little"`
}

type coffFileHeader struct {
	Machine              uint16 `struc:"uint16,little"`
	NumberOfSections     uint16 `struc:"uint16,little"`
	TimeDateStamp        uint32 `struc:"uint32,little"`
	PointerToSymbolTable uint32 `struc:"uint32,little"`
	NumberOfSymbols      uint32 `struc:"uint32,little"`
	SizeOfOptionalHeader uint16 `struc:"uint16,little"`
	Characteristics      uint16 `struc:"uint16,little"`
}

// ImportEntry is one function or variable exported by the DLL an import
// library describes.
type ImportEntry struct {
	Format        ImportFormat
	Name          string // name the DLL exports, empty for ordinal imports
	SymbolName    string // public symbol the linker resolves
	DllName       string
	Ordinal       uint16 // ordinal, or the name hint when NameType is not ordinal
	Type          ImportType
	NameType      ImportNameType
	Machine       uint16
	TimeDateStamp uint32
}

// LinkerSymbol maps a public symbol to the header offset of the member that
// defines it.
type LinkerSymbol struct {
	Name         string
	MemberOffset uint64
}
