package perw

import (
	"fmt"

	"gomapimg/common"
)

const (
	importDescriptorSize      = 20
	delayImportDescriptorSize = 32

	delayAttributeRvaBased = 0x1
)

type ImportDescriptor struct {
	OriginalFirstThunk uint32 `struc:"uint32,little"`
	TimeDateStamp      uint32 `struc:"uint32,little"`
	ForwarderChain     uint32 `struc:"uint32,little"`
	Name               uint32 `struc:"uint32,little"`
	FirstThunk         uint32 `struc:"uint32,little"`
}

type DelayImportDescriptor struct {
	Attributes                 uint32 `struc:"uint32,little"`
	DllNameRVA                 uint32 `struc:"uint32,little"`
	ModuleHandleRVA            uint32 `struc:"uint32,little"`
	ImportAddressTableRVA      uint32 `struc:"uint32,little"`
	ImportNameTableRVA         uint32 `struc:"uint32,little"`
	BoundImportAddressTableRVA uint32 `struc:"uint32,little"`
	UnloadInformationTableRVA  uint32 `struc:"uint32,little"`
	TimeDateStamp              uint32 `struc:"uint32,little"`
}

type ImportEntry struct {
	Name      string
	Hint      uint16
	Ordinal   uint16
	ByOrdinal bool
	ThunkRVA  uint32
}

// ImportDLL is one import or delay-import descriptor and its thunks.
type ImportDLL struct {
	Name          string
	Index         int
	TimeDateStamp uint32
	IatRva        uint32
	NameTableRva  uint32
	Attributes    uint32
	Entries       []ImportEntry
}

type ImportTableSet struct {
	Delay  bool
	DLLs   []ImportDLL
	Errors []error
}

// Count returns the number of imported functions across all DLLs.
func (s *ImportTableSet) Count() int {
	n := 0
	for i := range s.DLLs {
		n += len(s.DLLs[i].Entries)
	}
	return n
}

func (s *ImportTableSet) recordThunkErrors(dir string, index int, bad []error, err error) {
	for _, b := range bad {
		s.Errors = append(s.Errors, &common.WalkError{Directory: dir, Index: index, Err: b})
	}
	if err != nil {
		s.Errors = append(s.Errors, &common.WalkError{Directory: dir, Index: index, Err: err})
	}
}

// Imports walks the import directory. The descriptor count is bounded by the
// directory size; descriptors with unreadable names and thunks with
// unreadable hint/name entries are skipped and recorded.
func (img *Image) Imports() (*ImportTableSet, error) {
	_, data, err := img.directory(DirectoryImport)
	if err != nil {
		return nil, err
	}
	set := &ImportTableSet{}

	for i := 0; (i+1)*importDescriptorSize <= len(data); i++ {
		var d ImportDescriptor
		if err := unpack(data[i*importDescriptorSize:(i+1)*importDescriptorSize], &d); err != nil {
			return nil, fmt.Errorf("import descriptor %d: %w", i, err)
		}
		if d.Name == 0 && d.FirstThunk == 0 {
			break
		}

		name, err := img.CStringRva(d.Name, 512)
		if err != nil {
			set.Errors = append(set.Errors, &common.WalkError{Directory: "import", Index: i, Err: err})
			continue
		}
		dll := ImportDLL{
			Name:          name,
			Index:         i,
			TimeDateStamp: d.TimeDateStamp,
			IatRva:        d.FirstThunk,
			NameTableRva:  d.OriginalFirstThunk,
		}
		thunks := d.OriginalFirstThunk
		if thunks == 0 {
			thunks = d.FirstThunk
		}
		var bad []error
		dll.Entries, bad, err = img.walkThunks(thunks, false)
		set.recordThunkErrors("import", i, bad, err)
		set.DLLs = append(set.DLLs, dll)
	}

	return set, nil
}

// DelayImports walks the delay-load directory. Descriptors with the
// RVA-based attribute bit hold RVAs; older descriptors hold VAs.
func (img *Image) DelayImports() (*ImportTableSet, error) {
	_, data, err := img.directory(DirectoryDelayImport)
	if err != nil {
		return nil, err
	}
	set := &ImportTableSet{Delay: true}

	for i := 0; (i+1)*delayImportDescriptorSize <= len(data); i++ {
		var d DelayImportDescriptor
		if err := unpack(data[i*delayImportDescriptorSize:(i+1)*delayImportDescriptorSize], &d); err != nil {
			return nil, fmt.Errorf("delay import descriptor %d: %w", i, err)
		}
		if d.DllNameRVA == 0 {
			break
		}

		vaBased := d.Attributes&delayAttributeRvaBased == 0
		toRva := identityRva
		if vaBased {
			toRva = img.VaToRva
		}

		dll := ImportDLL{Index: i, TimeDateStamp: d.TimeDateStamp, Attributes: d.Attributes}
		nameRva, err := toRva(uint64(d.DllNameRVA))
		if err == nil {
			dll.Name, err = img.CStringRva(nameRva, 512)
		}
		if err != nil {
			set.Errors = append(set.Errors, &common.WalkError{Directory: "delay import", Index: i, Err: err})
			continue
		}
		if dll.IatRva, err = toRva(uint64(d.ImportAddressTableRVA)); err != nil {
			set.Errors = append(set.Errors, &common.WalkError{Directory: "delay import", Index: i, Err: err})
			continue
		}
		if dll.NameTableRva, err = toRva(uint64(d.ImportNameTableRVA)); err != nil {
			set.Errors = append(set.Errors, &common.WalkError{Directory: "delay import", Index: i, Err: err})
			continue
		}

		var bad []error
		dll.Entries, bad, err = img.walkThunks(dll.NameTableRva, vaBased)
		set.recordThunkErrors("delay import", i, bad, err)
		set.DLLs = append(set.DLLs, dll)
	}

	return set, nil
}

func identityRva(v uint64) (uint32, error) {
	if v > 0xffffffff {
		return 0, fmt.Errorf("%w: RVA 0x%x", common.ErrOutOfBounds, v)
	}
	return uint32(v), nil
}

// walkThunks decodes a zero-terminated thunk array at rva. With vaBased the
// hint/name pointers held by the thunks are virtual addresses. A thunk whose
// hint/name entry cannot be read is skipped and returned in bad; err is set
// only when the array itself cannot be walked further.
func (img *Image) walkThunks(rva uint32, vaBased bool) (entries []ImportEntry, bad []error, err error) {
	if rva == 0 {
		return nil, nil, nil
	}
	off, err := img.RvaToOffset(rva)
	if err != nil {
		return nil, nil, err
	}

	size := img.pointerSize()
	ordinalFlag := uint64(1) << (size*8 - 1)

	for i := 0; ; i++ {
		if i >= img.Limits.MaxImportThunks {
			return entries, bad, fmt.Errorf("%w: more than %d thunks", common.ErrOutOfBounds, img.Limits.MaxImportThunks)
		}
		thunk, err := img.readPointer(off + uint64(i)*size)
		if err != nil {
			return entries, bad, err
		}
		if thunk == 0 {
			return entries, bad, nil
		}

		entry := ImportEntry{ThunkRVA: rva + uint32(uint64(i)*size)}
		if thunk&ordinalFlag != 0 {
			entry.ByOrdinal = true
			entry.Ordinal = uint16(thunk)
			entries = append(entries, entry)
			continue
		}

		if err := img.readHintName(&entry, thunk, vaBased); err != nil {
			bad = append(bad, fmt.Errorf("thunk at RVA 0x%x: %w", entry.ThunkRVA, err))
			continue
		}
		entries = append(entries, entry)
	}
}

func (img *Image) readHintName(entry *ImportEntry, thunk uint64, vaBased bool) error {
	hintRva := uint32(thunk & 0x7fffffff)
	if vaBased {
		var err error
		if hintRva, err = img.VaToRva(thunk); err != nil {
			return err
		}
	}
	hintOff, err := img.RvaToOffset(hintRva)
	if err != nil {
		return err
	}
	if entry.Hint, err = img.region.Uint16(hintOff); err != nil {
		return err
	}
	entry.Name, err = img.region.CString(hintOff+2, 4096)
	return err
}
