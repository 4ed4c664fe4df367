package elfrw

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"gomapimg/common"
)

type SymbolKind int

const (
	SymbolUnknown SymbolKind = iota
	SymbolImport
	SymbolExport
)

func (k SymbolKind) String() string {
	switch k {
	case SymbolImport:
		return "import"
	case SymbolExport:
		return "export"
	}
	return "unknown"
}

type Symbol struct {
	Name         string
	Module       string // needed library for versioned dynamic imports
	Table        string
	Index        int
	Kind         SymbolKind
	Type         elf.SymType
	Bind         elf.SymBind
	Visibility   elf.SymVis
	SectionIndex uint16
	Value        uint64
	Size         uint64
}

type SymbolTable struct {
	Symbols []Symbol
	Errors  []error
}

func (t *SymbolTable) Imports() []Symbol {
	return t.filter(SymbolImport)
}

func (t *SymbolTable) Exports() []Symbol {
	return t.filter(SymbolExport)
}

func (t *SymbolTable) filter(kind SymbolKind) []Symbol {
	var out []Symbol
	for _, s := range t.Symbols {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func classify(shndx uint16, bind elf.SymBind, name string) SymbolKind {
	if shndx == SHN_UNDEF {
		if name != "" {
			return SymbolImport
		}
		return SymbolUnknown
	}
	if bind == elf.STB_GLOBAL || bind == elf.STB_WEAK {
		return SymbolExport
	}
	return SymbolUnknown
}

// Symbols walks every SYMTAB and DYNSYM section. Entries whose name cannot be
// read are skipped and recorded; the null entry of each table is omitted.
func (img *Image) Symbols() (*SymbolTable, error) {
	table := &SymbolTable{}
	entsize := uint64(sym32Size)
	if img.Is64Bit {
		entsize = sym64Size
	}

	for i := range img.Sections {
		sec := &img.Sections[i]
		if sec.Type != SHT_SYMTAB && sec.Type != SHT_DYNSYM {
			continue
		}
		raw, err := img.SectionData(i)
		if err != nil {
			table.Errors = append(table.Errors, &common.WalkError{Directory: sec.Name, Index: -1, Err: err})
			continue
		}
		strtab, err := img.linkedStrings(sec)
		if err != nil {
			table.Errors = append(table.Errors, &common.WalkError{Directory: sec.Name, Index: -1, Err: err})
			continue
		}
		var modules map[uint16]string
		var versyms []byte
		if sec.Type == SHT_DYNSYM {
			modules, versyms = img.versionModules(table)
		}

		count := sec.Size / entsize
		for j := uint64(1); j < count; j++ {
			if len(table.Symbols) >= img.Limits.MaxSymbols {
				table.Errors = append(table.Errors, &common.WalkError{Directory: sec.Name, Index: int(j),
					Err: fmt.Errorf("%w: symbol limit %d reached", common.ErrOutOfBounds, img.Limits.MaxSymbols)})
				return table, nil
			}
			sym, err := img.decodeSymbol(raw[j*entsize:(j+1)*entsize], strtab)
			if err != nil {
				table.Errors = append(table.Errors, &common.WalkError{Directory: sec.Name, Index: int(j), Err: err})
				continue
			}
			sym.Table = sec.Name
			sym.Index = int(j)
			if sym.Kind == SymbolImport && versyms != nil && (j+1)*2 <= uint64(len(versyms)) {
				ver := binary.LittleEndian.Uint16(versyms[j*2:]) & 0x7fff
				sym.Module = modules[ver]
			}
			table.Symbols = append(table.Symbols, sym)
		}
	}
	return table, nil
}

func (img *Image) decodeSymbol(raw, strtab []byte) (Symbol, error) {
	var (
		nameOff    uint32
		info, vis  uint8
		shndx      uint16
		value, siz uint64
	)
	if img.Is64Bit {
		nameOff = binary.LittleEndian.Uint32(raw)
		info = raw[4]
		vis = raw[5]
		shndx = binary.LittleEndian.Uint16(raw[6:])
		value = binary.LittleEndian.Uint64(raw[8:])
		siz = binary.LittleEndian.Uint64(raw[16:])
	} else {
		nameOff = binary.LittleEndian.Uint32(raw)
		value = uint64(binary.LittleEndian.Uint32(raw[4:]))
		siz = uint64(binary.LittleEndian.Uint32(raw[8:]))
		info = raw[12]
		vis = raw[13]
		shndx = binary.LittleEndian.Uint16(raw[14:])
	}

	name, err := stringAt(strtab, uint64(nameOff))
	if err != nil {
		return Symbol{}, err
	}
	bind := elf.ST_BIND(info)
	return Symbol{
		Name:         name,
		Kind:         classify(shndx, bind, name),
		Type:         elf.ST_TYPE(info),
		Bind:         bind,
		Visibility:   elf.ST_VISIBILITY(vis),
		SectionIndex: shndx,
		Value:        value,
		Size:         siz,
	}, nil
}

// linkedStrings returns the string table named by sec.Link, which must be a
// STRTAB section inside the file.
func (img *Image) linkedStrings(sec *Section) ([]byte, error) {
	link := int(sec.Link)
	if link <= 0 || link >= len(img.Sections) || !img.elf.IsStringTable(uint16(link)) {
		return nil, fmt.Errorf("%w: section %q links to %d, not a string table", common.ErrOutOfBounds, sec.Name, link)
	}
	return img.SectionData(link)
}

func stringAt(strtab []byte, off uint64) (string, error) {
	if off >= uint64(len(strtab)) {
		if off == 0 {
			return "", nil
		}
		return "", common.OutOfBounds(off, 1, uint64(len(strtab)))
	}
	for i := off; i < uint64(len(strtab)); i++ {
		if strtab[i] == 0 {
			return string(strtab[off:i]), nil
		}
	}
	return "", fmt.Errorf("%w: unterminated string at 0x%x", common.ErrOutOfBounds, off)
}

// versionModules maps version indexes from .gnu.version_r to the library
// that needs them, and returns the raw .gnu.version array alongside.
func (img *Image) versionModules(table *SymbolTable) (map[uint16]string, []byte) {
	var versyms []byte
	modules := make(map[uint16]string)
	for i := range img.Sections {
		sec := &img.Sections[i]
		switch sec.Type {
		case SHT_GNU_versym:
			raw, err := img.SectionData(i)
			if err != nil {
				table.Errors = append(table.Errors, &common.WalkError{Directory: sec.Name, Index: -1, Err: err})
				continue
			}
			versyms = raw
		case SHT_GNU_verneed:
			if err := img.walkVerneed(sec, modules); err != nil {
				table.Errors = append(table.Errors, &common.WalkError{Directory: sec.Name, Index: -1, Err: err})
			}
		}
	}
	return modules, versyms
}

func (img *Image) walkVerneed(sec *Section, modules map[uint16]string) error {
	raw, err := img.SectionData(sec.Index)
	if err != nil {
		return err
	}
	strtab, err := img.linkedStrings(sec)
	if err != nil {
		return err
	}

	off := uint64(0)
	for n := uint32(0); n < sec.Info; n++ {
		if off+16 > uint64(len(raw)) {
			return common.OutOfBounds(off, 16, uint64(len(raw)))
		}
		cnt := binary.LittleEndian.Uint16(raw[off+2:])
		file, err := stringAt(strtab, uint64(binary.LittleEndian.Uint32(raw[off+4:])))
		if err != nil {
			return err
		}
		aux := off + uint64(binary.LittleEndian.Uint32(raw[off+8:]))
		for k := uint16(0); k < cnt; k++ {
			if aux+16 > uint64(len(raw)) {
				return common.OutOfBounds(aux, 16, uint64(len(raw)))
			}
			modules[binary.LittleEndian.Uint16(raw[aux+6:])&0x7fff] = file
			next := binary.LittleEndian.Uint32(raw[aux+12:])
			if next == 0 {
				break
			}
			aux += uint64(next)
		}
		next := binary.LittleEndian.Uint32(raw[off+12:])
		if next == 0 {
			break
		}
		off += uint64(next)
	}
	return nil
}
