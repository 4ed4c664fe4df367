package elfrw

import (
	"debug/elf"
	"encoding/binary"
	"strings"

	"gomapimg/common"
)

type DynamicEntry struct {
	Tag    elf.DynTag
	Type   string
	Value  uint64
	String string // resolved for tags whose value is a string table offset
}

type DynamicTable struct {
	Entries []DynamicEntry
	Errors  []error
}

// Needed returns the DT_NEEDED library names in table order.
func (t *DynamicTable) Needed() []string {
	var out []string
	for _, e := range t.Entries {
		if e.Tag == elf.DT_NEEDED {
			out = append(out, e.String)
		}
	}
	return out
}

func dynamicTagName(tag elf.DynTag) string {
	return strings.TrimPrefix(tag.String(), "DT_")
}

func isStringTag(tag elf.DynTag) bool {
	switch tag {
	case elf.DT_NEEDED, elf.DT_SONAME, elf.DT_RPATH, elf.DT_RUNPATH, elf.DT_AUXILIARY, elf.DT_FILTER:
		return true
	}
	return false
}

// DynamicEntries walks the first SHT_DYNAMIC section up to DT_NULL. Files
// without one yield an empty table.
func (img *Image) DynamicEntries() (*DynamicTable, error) {
	table := &DynamicTable{}
	idx := -1
	for i := range img.Sections {
		if img.Sections[i].Type == SHT_DYNAMIC && img.elf.IsDynamicSection(uint16(i)) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return table, nil
	}
	sec := &img.Sections[idx]
	raw, err := img.SectionData(idx)
	if err != nil {
		return nil, err
	}
	strtab, strErr := img.linkedStrings(sec)
	if strErr != nil {
		table.Errors = append(table.Errors, &common.WalkError{Directory: sec.Name, Index: -1, Err: strErr})
	}

	entsize := uint64(dyn32Size)
	if img.Is64Bit {
		entsize = dyn64Size
	}
	for j := uint64(0); (j+1)*entsize <= uint64(len(raw)); j++ {
		var tag elf.DynTag
		var val uint64
		entry := raw[j*entsize:]
		if img.Is64Bit {
			tag = elf.DynTag(int64(binary.LittleEndian.Uint64(entry)))
			val = binary.LittleEndian.Uint64(entry[8:])
		} else {
			tag = elf.DynTag(int32(binary.LittleEndian.Uint32(entry)))
			val = uint64(binary.LittleEndian.Uint32(entry[4:]))
		}
		if tag == elf.DT_NULL {
			break
		}
		e := DynamicEntry{Tag: tag, Type: dynamicTagName(tag), Value: val}
		if isStringTag(tag) && strErr == nil {
			s, err := stringAt(strtab, val)
			if err != nil {
				table.Errors = append(table.Errors, &common.WalkError{Directory: sec.Name, Index: int(j), Err: err})
			} else {
				e.String = s
			}
		}
		table.Entries = append(table.Entries, e)
	}
	return table, nil
}
