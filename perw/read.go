package perw

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/lunixbochs/struc"

	"gomapimg/common"
	"gomapimg/region"
)

var structOptions = &struc.Options{Order: binary.LittleEndian}

func unpack(data []byte, v any) error {
	return struc.UnpackWithOptions(bytes.NewReader(data), v, structOptions)
}

// Load validates the DOS, NT and section headers of the PE image in r. Every
// field used to locate a later structure is range-checked before use.
func Load(r *region.Region) (*Image, error) {
	return LoadWithLimits(r, DefaultLimits())
}

func LoadWithLimits(r *region.Region, limits Limits) (*Image, error) {
	img := &Image{region: r, Limits: limits}
	if r.Layout() == region.LayoutImage {
		img.Parse.Mode = common.ParseImage
	}

	if err := img.parseDOSHeader(); err != nil {
		return nil, err
	}
	if err := img.parseNtHeaders(); err != nil {
		return nil, err
	}
	if err := img.parseSections(); err != nil {
		return nil, err
	}
	img.checkSectionOverlap()

	img.Parse.Success = true
	return img, nil
}

func (img *Image) parseDOSHeader() error {
	magic, err := img.region.Uint16(0)
	if err != nil || magic != IMAGE_DOS_SIGNATURE {
		return fmt.Errorf("%w: invalid DOS header signature", common.ErrNotAnImage)
	}
	raw, err := img.region.Slice(0, IMAGE_DOS_HEADER_SIZE)
	if err != nil {
		return fmt.Errorf("%w: DOS header: %v", common.ErrTruncatedHeader, err)
	}
	if err := unpack(raw, &img.DOS); err != nil {
		return fmt.Errorf("%w: DOS header: %v", common.ErrTruncatedHeader, err)
	}
	if img.DOS.Lfanew < 0 {
		return fmt.Errorf("%w: negative NT headers offset %d", common.ErrNotAnImage, img.DOS.Lfanew)
	}
	img.NtHeadersOffset = uint64(img.DOS.Lfanew)
	return nil
}

func (img *Image) parseNtHeaders() error {
	sig, err := img.region.Slice(img.NtHeadersOffset, 4)
	if err != nil {
		return fmt.Errorf("%w: NT signature at 0x%x", common.ErrTruncatedHeader, img.NtHeadersOffset)
	}
	if string(sig) != "PE\x00\x00" {
		return fmt.Errorf("%w: invalid PE signature", common.ErrNotAnImage)
	}

	fileOff := img.NtHeadersOffset + 4
	raw, err := img.region.Slice(fileOff, IMAGE_FILE_HEADER_SIZE)
	if err != nil {
		return fmt.Errorf("%w: file header: %v", common.ErrTruncatedHeader, err)
	}
	if err := unpack(raw, &img.File); err != nil {
		return fmt.Errorf("%w: file header: %v", common.ErrTruncatedHeader, err)
	}
	if !knownMachine(img.File.Machine) {
		return fmt.Errorf("%w: machine 0x%04x", common.ErrUnsupportedMachine, img.File.Machine)
	}

	img.optionalOffset = fileOff + IMAGE_FILE_HEADER_SIZE
	magic, err := img.region.Uint16(img.optionalOffset)
	if err != nil {
		return fmt.Errorf("%w: optional header magic", common.ErrTruncatedHeader)
	}

	var fixed uint64
	switch magic {
	case IMAGE_NT_OPTIONAL_HDR32_MAGIC:
		fixed = optionalHeader32Size
	case IMAGE_NT_OPTIONAL_HDR64_MAGIC:
		fixed = optionalHeader64Size
		img.Is64Bit = true
	default:
		return fmt.Errorf("%w: optional header magic 0x%x", common.ErrUnsupportedMachine, magic)
	}
	if uint64(img.File.SizeOfOptionalHeader) < fixed {
		return fmt.Errorf("%w: SizeOfOptionalHeader %d smaller than %d", common.ErrTruncatedHeader,
			img.File.SizeOfOptionalHeader, fixed)
	}
	raw, err = img.region.Slice(img.optionalOffset, fixed)
	if err != nil {
		return fmt.Errorf("%w: optional header: %v", common.ErrTruncatedHeader, err)
	}
	if err := img.decodeOptionalHeader(raw); err != nil {
		return err
	}

	count := uint64(img.Optional.NumberOfRvaAndSizes)
	if count > IMAGE_NUMBEROF_DIRECTORY_ENTRIES {
		img.Parse.Warn("NumberOfRvaAndSizes %d capped at %d", count, IMAGE_NUMBEROF_DIRECTORY_ENTRIES)
		count = IMAGE_NUMBEROF_DIRECTORY_ENTRIES
	}
	if fixed+count*8 > uint64(img.File.SizeOfOptionalHeader) {
		return fmt.Errorf("%w: %d data directories do not fit SizeOfOptionalHeader %d", common.ErrTruncatedHeader,
			count, img.File.SizeOfOptionalHeader)
	}
	table, err := img.region.Slice(img.optionalOffset+fixed, count*8)
	if err != nil {
		return fmt.Errorf("%w: data directory table: %v", common.ErrTruncatedHeader, err)
	}
	img.Directories = make([]DataDirectory, count)
	for i := range img.Directories {
		img.Directories[i] = DataDirectory{
			VirtualAddress: binary.LittleEndian.Uint32(table[i*8:]),
			Size:           binary.LittleEndian.Uint32(table[i*8+4:]),
		}
	}
	return nil
}

func (img *Image) decodeOptionalHeader(raw []byte) error {
	if img.Is64Bit {
		var oh optionalHeader64
		if err := unpack(raw, &oh); err != nil {
			return fmt.Errorf("%w: optional header: %v", common.ErrTruncatedHeader, err)
		}
		img.Optional = OptionalHeader{
			Magic:               oh.Magic,
			LinkerVersion:       [2]uint8{oh.MajorLinkerVersion, oh.MinorLinkerVersion},
			SizeOfCode:          oh.SizeOfCode,
			AddressOfEntryPoint: oh.AddressOfEntryPoint,
			BaseOfCode:          oh.BaseOfCode,
			ImageBase:           oh.ImageBase,
			SectionAlignment:    oh.SectionAlignment,
			FileAlignment:       oh.FileAlignment,
			SizeOfImage:         oh.SizeOfImage,
			SizeOfHeaders:       oh.SizeOfHeaders,
			CheckSum:            oh.CheckSum,
			Subsystem:           oh.Subsystem,
			DllCharacteristics:  oh.DllCharacteristics,
			SizeOfStackReserve:  oh.SizeOfStackReserve,
			SizeOfHeapReserve:   oh.SizeOfHeapReserve,
			NumberOfRvaAndSizes: oh.NumberOfRvaAndSizes,
		}
		return nil
	}

	var oh optionalHeader32
	if err := unpack(raw, &oh); err != nil {
		return fmt.Errorf("%w: optional header: %v", common.ErrTruncatedHeader, err)
	}
	img.Optional = OptionalHeader{
		Magic:               oh.Magic,
		LinkerVersion:       [2]uint8{oh.MajorLinkerVersion, oh.MinorLinkerVersion},
		SizeOfCode:          oh.SizeOfCode,
		AddressOfEntryPoint: oh.AddressOfEntryPoint,
		BaseOfCode:          oh.BaseOfCode,
		ImageBase:           uint64(oh.ImageBase),
		SectionAlignment:    oh.SectionAlignment,
		FileAlignment:       oh.FileAlignment,
		SizeOfImage:         oh.SizeOfImage,
		SizeOfHeaders:       oh.SizeOfHeaders,
		CheckSum:            oh.CheckSum,
		Subsystem:           oh.Subsystem,
		DllCharacteristics:  oh.DllCharacteristics,
		SizeOfStackReserve:  uint64(oh.SizeOfStackReserve),
		SizeOfHeapReserve:   uint64(oh.SizeOfHeapReserve),
		NumberOfRvaAndSizes: oh.NumberOfRvaAndSizes,
	}
	return nil
}

func (img *Image) parseSections() error {
	img.sectionTableOffset = img.optionalOffset + uint64(img.File.SizeOfOptionalHeader)
	count := uint64(img.File.NumberOfSections)
	table, err := img.region.Slice(img.sectionTableOffset, count*IMAGE_SECTION_HEADER_SIZE)
	if err != nil {
		return fmt.Errorf("%w: section table (%d entries): %v", common.ErrTruncatedHeader, count, err)
	}

	img.Sections = make([]Section, 0, count)
	for i := range int(count) {
		var sh sectionHeader
		raw := table[i*IMAGE_SECTION_HEADER_SIZE : (i+1)*IMAGE_SECTION_HEADER_SIZE]
		if err := unpack(raw, &sh); err != nil {
			return fmt.Errorf("%w: section %d: %v", common.ErrTruncatedHeader, i, err)
		}
		img.Sections = append(img.Sections, Section{
			Name:             img.sectionName(sh.Name[:]),
			Index:            i,
			VirtualAddress:   sh.VirtualAddress,
			VirtualSize:      sh.VirtualSize,
			SizeOfRawData:    sh.SizeOfRawData,
			PointerToRawData: sh.PointerToRawData,
			Characteristics:  sh.Characteristics,
			IsExecutable:     sh.Characteristics&IMAGE_SCN_MEM_EXECUTE != 0,
			IsReadable:       sh.Characteristics&IMAGE_SCN_MEM_READ != 0,
			IsWritable:       sh.Characteristics&IMAGE_SCN_MEM_WRITE != 0,
		})
	}
	return nil
}

// sectionName resolves "/N" names through the COFF string table when the
// image carries one.
func (img *Image) sectionName(nameBytes []byte) string {
	name := strings.TrimRight(string(nameBytes), "\x00")
	if !strings.HasPrefix(name, "/") || img.File.PointerToSymbolTable == 0 {
		return name
	}
	n, err := strconv.ParseUint(name[1:], 10, 32)
	if err != nil {
		return name
	}
	strtab := uint64(img.File.PointerToSymbolTable) + uint64(img.File.NumberOfSymbols)*18
	long, err := img.region.CString(strtab+n, 256)
	if err != nil || long == "" {
		return name
	}
	return long
}

// checkSectionOverlap records sections whose virtual ranges intersect. The
// translator still resolves such RVAs to the first section in table order.
func (img *Image) checkSectionOverlap() {
	for i := range img.Sections {
		a := &img.Sections[i]
		if a.VirtualExtent() == 0 {
			continue
		}
		for j := i + 1; j < len(img.Sections); j++ {
			b := &img.Sections[j]
			if b.VirtualExtent() == 0 {
				continue
			}
			aEnd := uint64(a.VirtualAddress) + uint64(a.VirtualExtent())
			bEnd := uint64(b.VirtualAddress) + uint64(b.VirtualExtent())
			if uint64(a.VirtualAddress) < bEnd && uint64(b.VirtualAddress) < aEnd {
				img.Parse.Warn("sections %q and %q overlap at RVA 0x%x", a.Name, b.Name,
					max(a.VirtualAddress, b.VirtualAddress))
			}
		}
	}
}

func knownMachine(machine uint16) bool {
	switch machine {
	case IMAGE_FILE_MACHINE_I386, IMAGE_FILE_MACHINE_AMD64, IMAGE_FILE_MACHINE_ARM,
		IMAGE_FILE_MACHINE_ARMNT, IMAGE_FILE_MACHINE_ARM64, IMAGE_FILE_MACHINE_IA64,
		IMAGE_FILE_MACHINE_UNKNOWN:
		return true
	}
	return false
}

// IsPE reports whether r starts with a DOS header pointing at a PE signature.
func IsPE(r *region.Region) bool {
	lfanew, err := r.Uint32(0x3c)
	if err != nil {
		return false
	}
	if magic, _ := r.Uint16(0); magic != IMAGE_DOS_SIGNATURE {
		return false
	}
	sig, err := r.Slice(uint64(lfanew), 4)
	return err == nil && string(sig) == "PE\x00\x00"
}

func (img *Image) Region() *region.Region {
	return img.region
}

func (img *Image) ImageBase() uint64 {
	return img.Optional.ImageBase
}

func (img *Image) EntryPoint() uint32 {
	return img.Optional.AddressOfEntryPoint
}

func (img *Image) SizeOfImage() uint32 {
	return img.Optional.SizeOfImage
}

// DataDirectory returns directory index, or a zero entry when the image
// declares fewer directories.
func (img *Image) DataDirectory(index int) DataDirectory {
	if index < 0 || index >= len(img.Directories) {
		return DataDirectory{}
	}
	return img.Directories[index]
}

// DirectoryName returns the conventional name of data directory index.
func DirectoryName(index int) string {
	if index < 0 || index >= len(directoryNames) {
		return fmt.Sprintf("Directory%d", index)
	}
	return directoryNames[index]
}

// SectionInfos returns the format-neutral section list.
func (img *Image) SectionInfos() []common.SectionInfo {
	out := make([]common.SectionInfo, len(img.Sections))
	for i := range img.Sections {
		out[i] = img.Sections[i].Info()
	}
	return out
}
