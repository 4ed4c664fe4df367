package perw

import (
	"fmt"
	"math"
	"sort"

	"gomapimg/common"
)

const exportDirectorySize = 40

type ExportDirectory struct {
	Characteristics       uint32 `struc:"uint32,little"`
	TimeDateStamp         uint32 `struc:"uint32,little"`
	MajorVersion          uint16 `struc:"uint16,little"`
	MinorVersion          uint16 `struc:"uint16,little"`
	Name                  uint32 `struc:"uint32,little"`
	Base                  uint32 `struc:"uint32,little"`
	NumberOfFunctions     uint32 `struc:"uint32,little"`
	NumberOfNames         uint32 `struc:"uint32,little"`
	AddressOfFunctions    uint32 `struc:"uint32,little"`
	AddressOfNames        uint32 `struc:"uint32,little"`
	AddressOfNameOrdinals uint32 `struc:"uint32,little"`
}

type ExportEntry struct {
	Name      string
	Ordinal   uint32
	Hint      int // index into the name table, -1 for ordinal-only exports
	RVA       uint32
	Offset    uint64 // region offset of RVA, 0 for forwarders and RVAs without raw data
	Forwarder string
}

type ExportTable struct {
	Directory ExportDirectory
	DllName   string
	Entries   []ExportEntry
	Errors    []error

	names     []string // name table order, as the loader binary-searches it
	nameIndex []uint16
}

// Exports walks the export directory. Entries come out in ordinal order, one
// per non-empty slot of the function table. A bad name or forwarder string
// drops that entry and is recorded in Errors.
func (img *Image) Exports() (*ExportTable, error) {
	dir, data, err := img.directory(DirectoryExport)
	if err != nil {
		return nil, err
	}
	table := &ExportTable{}
	if data == nil {
		return table, nil
	}
	if len(data) < exportDirectorySize {
		return nil, fmt.Errorf("%w: export directory is %d bytes", common.ErrTruncatedHeader, len(data))
	}
	if err := unpack(data[:exportDirectorySize], &table.Directory); err != nil {
		return nil, fmt.Errorf("%w: export directory: %v", common.ErrTruncatedHeader, err)
	}
	ed := &table.Directory

	if ed.Name != 0 {
		if name, err := img.CStringRva(ed.Name, 512); err == nil {
			table.DllName = name
		} else {
			table.Errors = append(table.Errors, &common.WalkError{Directory: "export", Index: -1, Err: err})
		}
	}

	functions, err := img.SliceRva(ed.AddressOfFunctions, uint64(ed.NumberOfFunctions)*4)
	if err != nil {
		return nil, fmt.Errorf("export address table: %w", err)
	}
	var names, ordinals []byte
	if ed.NumberOfNames != 0 {
		if names, err = img.SliceRva(ed.AddressOfNames, uint64(ed.NumberOfNames)*4); err != nil {
			return nil, fmt.Errorf("export name table: %w", err)
		}
		if ordinals, err = img.SliceRva(ed.AddressOfNameOrdinals, uint64(ed.NumberOfNames)*2); err != nil {
			return nil, fmt.Errorf("export ordinal table: %w", err)
		}
	}

	// function slot -> name table index
	named := make(map[uint32]int, ed.NumberOfNames)
	table.names = make([]string, ed.NumberOfNames)
	table.nameIndex = make([]uint16, ed.NumberOfNames)
	nameErrs := make(map[int]error)
	for i := range int(ed.NumberOfNames) {
		slot := uint16(ordinals[i*2]) | uint16(ordinals[i*2+1])<<8
		table.nameIndex[i] = slot
		if _, seen := named[uint32(slot)]; !seen {
			named[uint32(slot)] = i
		}
		nameRva := le32(names[i*4:])
		name, err := img.CStringRva(nameRva, 4096)
		if err != nil {
			nameErrs[i] = err
			continue
		}
		table.names[i] = name
	}

	for slot := range ed.NumberOfFunctions {
		rva := le32(functions[slot*4:])
		if rva == 0 {
			continue
		}
		ordinal, ok := exportOrdinal(ed.Base, slot)
		if !ok {
			// every later slot overflows too
			table.Errors = append(table.Errors, &common.WalkError{Directory: "export", Index: int(slot),
				Err: fmt.Errorf("%w: ordinal base 0x%x plus slot %d exceeds 32 bits", common.ErrOutOfBounds, ed.Base, slot)})
			break
		}
		entry := ExportEntry{
			Ordinal: ordinal,
			Hint:    -1,
			RVA:     rva,
		}
		if i, ok := named[slot]; ok {
			if err := nameErrs[i]; err != nil {
				table.Errors = append(table.Errors, &common.WalkError{Directory: "export", Index: int(slot), Err: err})
				continue
			}
			entry.Hint = i
			entry.Name = table.names[i]
		}

		if rva >= dir.VirtualAddress && rva-dir.VirtualAddress < dir.Size {
			fwd, err := img.CStringRva(rva, 1024)
			if err != nil {
				table.Errors = append(table.Errors, &common.WalkError{Directory: "export", Index: int(slot), Err: err})
				continue
			}
			entry.Forwarder = fwd
		} else if off, err := img.RvaToOffset(rva); err == nil {
			entry.Offset = off
		}
		table.Entries = append(table.Entries, entry)
	}

	return table, nil
}

// ExportFunction looks name up with a binary search over the name table, the
// way the loader does. Unsorted tables fall back to a linear scan.
func (t *ExportTable) ExportFunction(name string) (*ExportEntry, bool) {
	i := sort.SearchStrings(t.names, name)
	if i >= len(t.names) || t.names[i] != name {
		i = -1
		for j, n := range t.names {
			if n == name {
				i = j
				break
			}
		}
		if i < 0 {
			return nil, false
		}
	}
	ordinal, ok := exportOrdinal(t.Directory.Base, uint32(t.nameIndex[i]))
	if !ok {
		return nil, false
	}
	return t.ExportByOrdinal(ordinal)
}

// exportOrdinal biases slot by the directory base, failing when the sum does
// not fit the 32-bit ordinal space.
func exportOrdinal(base, slot uint32) (uint32, bool) {
	ordinal := uint64(base) + uint64(slot)
	if ordinal > math.MaxUint32 {
		return 0, false
	}
	return uint32(ordinal), true
}

func (t *ExportTable) ExportByOrdinal(ordinal uint32) (*ExportEntry, bool) {
	i := sort.Search(len(t.Entries), func(i int) bool { return t.Entries[i].Ordinal >= ordinal })
	if i < len(t.Entries) && t.Entries[i].Ordinal == ordinal {
		return &t.Entries[i], true
	}
	return nil, false
}

// Names returns exported names in name table order.
func (t *ExportTable) Names() []string {
	out := make([]string, 0, len(t.names))
	for _, n := range t.names {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
