package perw

import (
	"fmt"
	"math"
	"strings"

	"gomapimg/region"
)

const (
	IMAGE_SCN_CNT_CODE               = 0x00000020
	IMAGE_SCN_CNT_INITIALIZED_DATA   = 0x00000040
	IMAGE_SCN_CNT_UNINITIALIZED_DATA = 0x00000080
	IMAGE_SCN_MEM_DISCARDABLE        = 0x02000000
	IMAGE_SCN_MEM_SHARED             = 0x10000000
	IMAGE_SCN_MEM_EXECUTE            = 0x20000000
	IMAGE_SCN_MEM_READ               = 0x40000000
	IMAGE_SCN_MEM_WRITE              = 0x80000000

	IMAGE_FILE_EXECUTABLE_IMAGE = 0x0002
	IMAGE_FILE_DLL              = 0x2000
)

func CalculateEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0.0
	}
	freq := make([]int, 256)
	for _, b := range data {
		freq[b]++
	}
	entropy := 0.0
	length := float64(len(data))
	for _, count := range freq {
		if count > 0 {
			p := float64(count) / length
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

// decodeSectionFlags returns human-readable section flags
func decodeSectionFlags(flags uint32) string {
	var flagStrs []string
	if flags&IMAGE_SCN_CNT_CODE != 0 {
		flagStrs = append(flagStrs, "CODE")
	}
	if flags&IMAGE_SCN_CNT_INITIALIZED_DATA != 0 {
		flagStrs = append(flagStrs, "INITIALIZED_DATA")
	}
	if flags&IMAGE_SCN_CNT_UNINITIALIZED_DATA != 0 {
		flagStrs = append(flagStrs, "UNINITIALIZED_DATA")
	}
	if flags&IMAGE_SCN_MEM_EXECUTE != 0 {
		flagStrs = append(flagStrs, "EXECUTABLE")
	}
	if flags&IMAGE_SCN_MEM_READ != 0 {
		flagStrs = append(flagStrs, "READABLE")
	}
	if flags&IMAGE_SCN_MEM_WRITE != 0 {
		flagStrs = append(flagStrs, "WRITABLE")
	}
	if flags&IMAGE_SCN_MEM_SHARED != 0 {
		flagStrs = append(flagStrs, "SHARED")
	}
	if flags&IMAGE_SCN_MEM_DISCARDABLE != 0 {
		flagStrs = append(flagStrs, "DISCARDABLE")
	}
	if len(flagStrs) == 0 {
		return "None"
	}
	return strings.Join(flagStrs, ", ")
}

func decodeDLLCharacteristics(flags uint16) string {
	var out []string
	if flags&0x0020 != 0 {
		out = append(out, "HIGH_ENTROPY_VA")
	}
	if flags&0x0040 != 0 {
		out = append(out, "DYNAMIC_BASE")
	}
	if flags&0x0080 != 0 {
		out = append(out, "FORCE_INTEGRITY")
	}
	if flags&0x0100 != 0 {
		out = append(out, "NX_COMPAT")
	}
	if flags&0x0200 != 0 {
		out = append(out, "NO_ISOLATION")
	}
	if flags&0x0400 != 0 {
		out = append(out, "NO_SEH")
	}
	if flags&0x0800 != 0 {
		out = append(out, "NO_BIND")
	}
	if flags&0x1000 != 0 {
		out = append(out, "APPCONTAINER")
	}
	if flags&0x2000 != 0 {
		out = append(out, "WDM_DRIVER")
	}
	if flags&0x4000 != 0 {
		out = append(out, "GUARD_CF")
	}
	if flags&0x8000 != 0 {
		out = append(out, "TERMINAL_SERVER_AWARE")
	}
	if len(out) == 0 {
		return "None"
	}
	return strings.Join(out, ", ")
}

func decodeGuardFlags(flags uint32) string {
	var out []string
	if flags&IMAGE_GUARD_CF_INSTRUMENTED != 0 {
		out = append(out, "CF_INSTRUMENTED")
	}
	if flags&IMAGE_GUARD_CFW_INSTRUMENTED != 0 {
		out = append(out, "CFW_INSTRUMENTED")
	}
	if flags&IMAGE_GUARD_CF_FUNCTION_TABLE_PRESENT != 0 {
		out = append(out, "FUNCTION_TABLE_PRESENT")
	}
	if flags&IMAGE_GUARD_CF_EXPORT_SUPPRESSION_INFO_PRESENT != 0 {
		out = append(out, "EXPORT_SUPPRESSION_INFO")
	}
	if flags&IMAGE_GUARD_CF_LONGJUMP_TABLE_PRESENT != 0 {
		out = append(out, "LONGJUMP_TABLE_PRESENT")
	}
	if flags&IMAGE_GUARD_EH_CONTINUATION_TABLE_PRESENT != 0 {
		out = append(out, "EH_CONTINUATION_TABLE_PRESENT")
	}
	if len(out) == 0 {
		return "None"
	}
	return strings.Join(out, ", ")
}

func getSubsystemName(subsystem uint16) string {
	switch subsystem {
	case 1:
		return "Native"
	case 2:
		return "Windows GUI"
	case 3:
		return "Windows Console"
	case 5:
		return "OS/2 Console"
	case 7:
		return "POSIX Console"
	case 8:
		return "Native Win9x Driver"
	case 9:
		return "Windows CE GUI"
	case 10:
		return "EFI Application"
	case 11:
		return "EFI Boot Service Driver"
	case 12:
		return "EFI Runtime Driver"
	case 13:
		return "EFI ROM"
	case 14:
		return "Xbox"
	case 16:
		return "Windows Boot Application"
	default:
		return "Unknown"
	}
}

// MachineName returns a short architecture name for a COFF machine value.
func MachineName(machine uint16) string {
	switch machine {
	case IMAGE_FILE_MACHINE_I386:
		return "i386"
	case IMAGE_FILE_MACHINE_AMD64:
		return "amd64"
	case IMAGE_FILE_MACHINE_ARM:
		return "arm"
	case IMAGE_FILE_MACHINE_ARMNT:
		return "armnt"
	case IMAGE_FILE_MACHINE_ARM64:
		return "arm64"
	case IMAGE_FILE_MACHINE_IA64:
		return "ia64"
	case IMAGE_FILE_MACHINE_UNKNOWN:
		return "any"
	default:
		return fmt.Sprintf("unknown(0x%x)", machine)
	}
}

func (img *Image) FileType() string {
	c := img.File.Characteristics
	switch {
	case c&IMAGE_FILE_DLL != 0:
		return "DLL"
	case c&IMAGE_FILE_EXECUTABLE_IMAGE != 0:
		return "EXE"
	default:
		return "Unknown"
	}
}

func (img *Image) SectionByName(name string) (*Section, error) {
	for i := range img.Sections {
		if strings.EqualFold(img.Sections[i].Name, name) {
			return &img.Sections[i], nil
		}
	}
	return nil, fmt.Errorf("section '%s' not found", name)
}

// SectionData returns the raw bytes of section index.
func (img *Image) SectionData(index int) ([]byte, error) {
	if index < 0 || index >= len(img.Sections) {
		return nil, fmt.Errorf("section index out of bounds: %d", index)
	}
	s := &img.Sections[index]
	if img.region.Layout() == region.LayoutImage {
		return img.region.Slice(uint64(s.VirtualAddress), uint64(s.VirtualExtent()))
	}
	if s.SizeOfRawData == 0 {
		return []byte{}, nil
	}
	return img.region.Slice(uint64(s.PointerToRawData), uint64(s.SizeOfRawData))
}

// PhysicalSize is the end of the headers or of the last section's raw data,
// whichever is further. Bytes past it are overlay.
func (img *Image) PhysicalSize() uint64 {
	size := uint64(img.Optional.SizeOfHeaders)
	for _, s := range img.Sections {
		if s.SizeOfRawData > 0 {
			size = max(size, uint64(s.PointerToRawData)+uint64(s.SizeOfRawData))
		}
	}
	return size
}
