package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"gomapimg/common"
)

// IsShortFormat reports whether m holds an IMPORT_OBJECT_HEADER rather than
// a regular COFF object.
func (m *Member) IsShortFormat() bool {
	if len(m.Data) < 4 {
		return false
	}
	return binary.LittleEndian.Uint16(m.Data) == 0 &&
		binary.LittleEndian.Uint16(m.Data[2:]) == IMPORT_OBJECT_HDR_SIG2
}

// ImportEntry decodes the import described by a standard member. Short
// import objects carry everything in their header; long-format members are
// COFF objects whose __imp_ symbol names the import.
func (a *Archive) ImportEntry(m *Member) (*ImportEntry, error) {
	if m.Type != MemberNormal {
		return nil, fmt.Errorf("%w: %s member", common.ErrNotImportMember, m.Type)
	}
	if m.IsShortFormat() {
		return shortImport(m.Data)
	}
	return longImport(m.Data)
}

func shortImport(data []byte) (*ImportEntry, error) {
	if len(data) < importHeaderSize {
		return nil, common.OutOfBounds(0, importHeaderSize, uint64(len(data)))
	}
	var h importObjectHeader
	if err := unpack(data[:importHeaderSize], &h); err != nil {
		return nil, fmt.Errorf("%w: import header: %v", common.ErrOutOfBounds, err)
	}
	// anonymous objects share the signature but carry a class id, not an import
	if h.Version != 0 {
		return nil, fmt.Errorf("%w: anonymous object version %d", common.ErrNotImportMember, h.Version)
	}
	if uint64(importHeaderSize)+uint64(h.SizeOfData) > uint64(len(data)) {
		return nil, common.OutOfBounds(importHeaderSize, uint64(h.SizeOfData), uint64(len(data)))
	}

	strs := data[importHeaderSize : importHeaderSize+h.SizeOfData]
	symbol, rest, err := nextString(strs)
	if err != nil {
		return nil, fmt.Errorf("symbol name: %w", err)
	}
	dll, rest, err := nextString(rest)
	if err != nil {
		return nil, fmt.Errorf("dll name: %w", err)
	}

	e := &ImportEntry{
		Format:        FormatShort,
		SymbolName:    symbol,
		DllName:       dll,
		Ordinal:       h.OrdinalOrHint,
		Type:          ImportType(h.Flags & 0x3),
		NameType:      ImportNameType((h.Flags >> 2) & 0x7),
		Machine:       h.Machine,
		TimeDateStamp: h.TimeDateStamp,
	}
	switch e.NameType {
	case IMPORT_OBJECT_ORDINAL:
	case IMPORT_OBJECT_NAME:
		e.Name = symbol
	case IMPORT_OBJECT_NAME_NO_PREFIX:
		e.Name = stripPrefix(symbol)
	case IMPORT_OBJECT_NAME_UNDECORATE:
		e.Name = undecorate(symbol)
	case IMPORT_OBJECT_NAME_EXPORTAS:
		e.Name, _, err = nextString(rest)
		if err != nil {
			return nil, fmt.Errorf("export name: %w", err)
		}
	default:
		e.Name = symbol
	}
	return e, nil
}

func nextString(b []byte) (string, []byte, error) {
	end := bytes.IndexByte(b, 0)
	if end < 0 {
		return "", nil, fmt.Errorf("%w: unterminated string", common.ErrOutOfBounds)
	}
	return string(b[:end]), b[end+1:], nil
}

func stripPrefix(name string) string {
	if name != "" && strings.ContainsRune("?@_", rune(name[0])) {
		return name[1:]
	}
	return name
}

// undecorate drops the prefix and everything from the first '@', turning
// "_Foo@8" into "Foo".
func undecorate(name string) string {
	name = stripPrefix(name)
	if i := strings.IndexByte(name, '@'); i >= 0 {
		return name[:i]
	}
	return name
}

func longImport(data []byte) (*ImportEntry, error) {
	if len(data) < coffHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is not a COFF object", common.ErrNotImportMember, len(data))
	}
	var h coffFileHeader
	if err := unpack(data[:coffHeaderSize], &h); err != nil {
		return nil, fmt.Errorf("%w: COFF header: %v", common.ErrOutOfBounds, err)
	}

	symOff := uint64(h.PointerToSymbolTable)
	symSize := uint64(h.NumberOfSymbols) * coffSymbolSize
	if h.PointerToSymbolTable == 0 || symOff+symSize > uint64(len(data)) {
		return nil, fmt.Errorf("%w: symbol table 0x%x+0x%x", common.ErrOutOfBounds, symOff, symSize)
	}
	strtab := data[symOff+symSize:]

	for i := uint64(0); i < uint64(h.NumberOfSymbols); i++ {
		sym := data[symOff+i*coffSymbolSize : symOff+(i+1)*coffSymbolSize]
		name, err := coffSymbolName(sym[:8], strtab)
		if err != nil {
			return nil, fmt.Errorf("symbol %d: %w", i, err)
		}
		if strings.HasPrefix(name, "__imp_") {
			return &ImportEntry{
				Format:        FormatLong,
				Name:          undecorate(strings.TrimPrefix(name, "__imp_")),
				SymbolName:    name,
				Machine:       h.Machine,
				TimeDateStamp: h.TimeDateStamp,
			}, nil
		}
		i += uint64(sym[17])
	}
	return nil, fmt.Errorf("%w: no __imp_ symbol", common.ErrNotImportMember)
}

// coffSymbolName reads an inline 8-byte name, or a string table reference
// when the first four bytes are zero. Offsets count from the start of the
// string table, including its size field.
func coffSymbolName(raw, strtab []byte) (string, error) {
	if binary.LittleEndian.Uint32(raw) != 0 {
		return strings.TrimRight(string(raw), "\x00"), nil
	}
	off := uint64(binary.LittleEndian.Uint32(raw[4:]))
	if off < 4 || off >= uint64(len(strtab)) {
		return "", common.OutOfBounds(off, 1, uint64(len(strtab)))
	}
	name, _, err := nextString(strtab[off:])
	return name, err
}

// Imports decodes every standard member. Members that are not import
// descriptors are skipped and recorded, as are unresolvable member names;
// the descriptor behind a bad name is still decoded.
func (a *Archive) Imports() ([]*ImportEntry, []error, error) {
	members, err := a.Members()
	var entries []*ImportEntry
	var skipped []error
	for i, m := range members {
		if m.NameErr != nil {
			skipped = append(skipped, &common.WalkError{Directory: "archive member name", Index: i, Err: m.NameErr})
		}
		e, ierr := a.ImportEntry(m)
		if ierr != nil {
			skipped = append(skipped, &common.WalkError{Directory: "archive member " + m.Name, Index: i, Err: ierr})
			continue
		}
		entries = append(entries, e)
	}
	return entries, skipped, err
}
