// Package mapimg identifies a mapped region as PE or ELF and exposes the
// validated image behind a single tagged value.
package mapimg

import (
	"fmt"
	"io"
	"sort"

	"gomapimg/common"
	"gomapimg/elfrw"
	"gomapimg/perw"
	"gomapimg/region"
)

type Kind int

const (
	KindPE32 Kind = iota + 1
	KindPE64
	KindELF32
	KindELF64
)

func (k Kind) String() string {
	switch k {
	case KindPE32:
		return "PE32"
	case KindPE64:
		return "PE32+"
	case KindELF32:
		return "ELF32"
	case KindELF64:
		return "ELF64"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) IsPE() bool  { return k == KindPE32 || k == KindPE64 }
func (k Kind) IsELF() bool { return k == KindELF32 || k == KindELF64 }

// Section is the format-neutral section view.
type Section = common.SectionInfo

// Limits groups the walker caps of both formats.
type Limits struct {
	PE  perw.Limits
	ELF elfrw.Limits
}

func DefaultLimits() Limits {
	return Limits{PE: perw.DefaultLimits(), ELF: elfrw.DefaultLimits()}
}

// MappedImage is a validated image over a region it does not copy. Exactly
// one of pe and elf is set, as selected by kind.
type MappedImage struct {
	kind   Kind
	region *region.Region
	pe     *perw.Image
	elf    *elfrw.Image

	sectionCount int
}

// Identify reads the magic at the start of r and validates the headers of
// the matching format.
func Identify(r *region.Region) (*MappedImage, error) {
	return IdentifyWithLimits(r, DefaultLimits())
}

func IdentifyWithLimits(r *region.Region, limits Limits) (*MappedImage, error) {
	magic, err := r.Slice(0, 2)
	if err != nil {
		if r.IsClosed() {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s is shorter than a magic number", common.ErrNotAnImage, r.Name())
	}

	switch {
	case magic[0] == 'M' && magic[1] == 'Z':
		img, err := perw.LoadWithLimits(r, limits.PE)
		if err != nil {
			return nil, err
		}
		return FromPE(img), nil
	case elfrw.IsELF(r):
		img, err := elfrw.LoadWithLimits(r, limits.ELF)
		if err != nil {
			return nil, err
		}
		return FromELF(img), nil
	}
	return nil, fmt.Errorf("%w: unknown magic %q", common.ErrNotAnImage, magic)
}

func FromPE(img *perw.Image) *MappedImage {
	kind := KindPE32
	if img.Is64Bit {
		kind = KindPE64
	}
	return &MappedImage{kind: kind, region: img.Region(), pe: img, sectionCount: len(img.Sections)}
}

func FromELF(img *elfrw.Image) *MappedImage {
	kind := KindELF32
	if img.Is64Bit {
		kind = KindELF64
	}
	return &MappedImage{kind: kind, region: img.Region(), elf: img, sectionCount: len(img.Sections)}
}

// OpenFile maps path read-only and identifies it. The region is released
// when identification fails.
func OpenFile(path string) (*MappedImage, error) {
	return OpenFileWithLimits(path, DefaultLimits())
}

func OpenFileWithLimits(path string, limits Limits) (*MappedImage, error) {
	r, err := region.Open(path, false)
	if err != nil {
		return nil, err
	}
	m, err := IdentifyWithLimits(r, limits)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// OpenProcessImage snapshots the PE module loaded at base in process pid.
func OpenProcessImage(pid int, base uint64, limits Limits) (*MappedImage, error) {
	name := fmt.Sprintf("pid %d @ 0x%x", pid, base)
	img, err := perw.LoadRemote(name, base, region.ProcessReader(pid), limits.PE)
	if err != nil {
		return nil, err
	}
	return FromPE(img), nil
}

func (m *MappedImage) Kind() Kind                { return m.kind }
func (m *MappedImage) Region() *region.Region    { return m.region }
func (m *MappedImage) SectionCount() int         { return m.sectionCount }
func (m *MappedImage) PE() (*perw.Image, bool)   { return m.pe, m.kind.IsPE() }
func (m *MappedImage) ELF() (*elfrw.Image, bool) { return m.elf, m.kind.IsELF() }

func (m *MappedImage) Close() error {
	return m.region.Close()
}

// Base is the preferred load address: ImageBase for PE, the lowest loadable
// segment for ELF.
func (m *MappedImage) Base() (uint64, error) {
	switch m.kind {
	case KindPE32, KindPE64:
		return m.pe.ImageBase(), nil
	case KindELF32, KindELF64:
		return m.elf.BaseAddress(), nil
	}
	return 0, m.badKind()
}

func (m *MappedImage) Sections() []Section {
	switch m.kind {
	case KindPE32, KindPE64:
		return m.pe.SectionInfos()
	case KindELF32, KindELF64:
		return m.elf.SectionInfos()
	}
	return nil
}

// SectionData returns the bytes of section index as laid out in the region.
func (m *MappedImage) SectionData(index int) ([]byte, error) {
	switch m.kind {
	case KindPE32, KindPE64:
		return m.pe.SectionData(index)
	case KindELF32, KindELF64:
		return m.elf.SectionData(index)
	}
	return nil, m.badKind()
}

// ExportNames returns exported names sorted: PE export names or ELF symbols
// classified as exports.
func (m *MappedImage) ExportNames() ([]string, error) {
	var names []string
	switch m.kind {
	case KindPE32, KindPE64:
		t, err := m.pe.Exports()
		if err != nil {
			return nil, err
		}
		names = t.Names()
	case KindELF32, KindELF64:
		t, err := m.elf.Symbols()
		if err != nil {
			return nil, err
		}
		for _, s := range t.Exports() {
			names = append(names, s.Name)
		}
	default:
		return nil, m.badKind()
	}
	sort.Strings(names)
	return names, nil
}

// ImportedModule lists what an image takes from one module.
type ImportedModule struct {
	Module string   `json:"module"`
	Names  []string `json:"names"`
}

// Imports groups imported functions by module: descriptors for PE, version
// requirements for ELF. ELF imports without version information are listed
// under an empty module name.
func (m *MappedImage) Imports() ([]ImportedModule, error) {
	switch m.kind {
	case KindPE32, KindPE64:
		set, err := m.pe.Imports()
		if err != nil {
			return nil, err
		}
		out := make([]ImportedModule, 0, len(set.DLLs))
		for _, dll := range set.DLLs {
			mod := ImportedModule{Module: dll.Name}
			for _, e := range dll.Entries {
				if e.ByOrdinal {
					mod.Names = append(mod.Names, fmt.Sprintf("#%d", e.Ordinal))
					continue
				}
				mod.Names = append(mod.Names, e.Name)
			}
			out = append(out, mod)
		}
		return out, nil
	case KindELF32, KindELF64:
		t, err := m.elf.Symbols()
		if err != nil {
			return nil, err
		}
		var out []ImportedModule
		index := make(map[string]int)
		for _, s := range t.Imports() {
			i, ok := index[s.Module]
			if !ok {
				i = len(out)
				index[s.Module] = i
				out = append(out, ImportedModule{Module: s.Module})
			}
			out[i].Names = append(out[i].Names, s.Name)
		}
		return out, nil
	}
	return nil, m.badKind()
}

func (m *MappedImage) Walk() []*common.OperationResult {
	switch m.kind {
	case KindPE32, KindPE64:
		return m.pe.Walk()
	case KindELF32, KindELF64:
		return m.elf.Walk()
	}
	return []*common.OperationResult{common.NewFailed("identify", m.badKind())}
}

func (m *MappedImage) Report(w io.Writer) error {
	switch m.kind {
	case KindPE32, KindPE64:
		return m.pe.Report(w)
	case KindELF32, KindELF64:
		return m.elf.Report(w)
	}
	return m.badKind()
}

func (m *MappedImage) badKind() error {
	return fmt.Errorf("%w: %v", common.ErrWrongFormat, m.kind)
}
