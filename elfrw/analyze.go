package elfrw

import (
	"crypto/md5"
	"crypto/sha256"
	"debug/elf"
	"fmt"
	"io"
	"math"
	"strings"

	"gomapimg/common"
)

// Walk runs the symbol and dynamic walkers and summarises each one.
func (img *Image) Walk() []*common.OperationResult {
	var results []*common.OperationResult

	if t, err := img.Symbols(); err != nil {
		results = append(results, common.NewFailed("symbols", err))
	} else if len(t.Symbols) == 0 {
		results = append(results, common.NewEmpty("symbols", "no symbol tables"))
	} else {
		msg := fmt.Sprintf("%d imports, %d exports, %d skipped", len(t.Imports()), len(t.Exports()), len(t.Errors))
		results = append(results, common.NewFound("symbols", msg, len(t.Symbols)))
	}

	if d, err := img.DynamicEntries(); err != nil {
		results = append(results, common.NewFailed("dynamic", err))
	} else if len(d.Entries) == 0 {
		results = append(results, common.NewEmpty("dynamic", "no dynamic section"))
	} else {
		msg := fmt.Sprintf("%d needed libraries", len(d.Needed()))
		results = append(results, common.NewFound("dynamic", msg, len(d.Entries)))
	}
	return results
}

// Report writes a human-readable summary of the file to w
func (img *Image) Report(w io.Writer) error {
	var b strings.Builder

	fmt.Fprintf(&b, "=== ELF File Analysis: %s ===\n", img.region.Name())
	bits := "32"
	if img.Is64Bit {
		bits = "64"
	}
	fmt.Fprintf(&b, "File Format: ELF (%s-bit, little endian)\n", bits)
	size := img.region.Len()
	fmt.Fprintf(&b, "File Size: %d bytes (%.2f MB)\n", size, float64(size)/(1024*1024))
	fmt.Fprintf(&b, "File Type: %s\n", getFileTypeString(img.Header.Type))
	fmt.Fprintf(&b, "Architecture: %s\n", elf.Machine(img.Header.Machine))
	fmt.Fprintf(&b, "Entry Point: 0x%X\n", img.Header.Entry)
	fmt.Fprintf(&b, "Base Address: 0x%X\n", img.BaseAddress())
	if size, err := img.LoadedFileSize(); err == nil {
		fmt.Fprintf(&b, "Loaded File Extent: %d bytes\n", size)
	}
	for _, warn := range img.Parse.Warnings {
		fmt.Fprintf(&b, "⚠️  %s\n", warn)
	}

	img.writeSections(&b)
	img.writeSegments(&b)
	img.writeDynamic(&b)

	b.WriteString("\n")
	b.WriteString(common.FormatOperationResults("📊 SYMBOL WALK", img.Walk()))

	_, err := io.WriteString(w, b.String())
	return err
}

func (img *Image) writeSections(b *strings.Builder) {
	fmt.Fprintf(b, "\n=== Section Analysis ===\n")
	fmt.Fprintf(b, "Number of sections: %d\n", len(img.Sections))

	maxEntropy, minEntropy, avgEntropy := 0.0, 8.0, 0.0
	packed := 0
	for i, s := range img.Sections {
		fmt.Fprintf(b, "Section %d: %s\n", i, s.Name)
		fmt.Fprintf(b, "  Type: %s (0x%X)\n", getSectionTypeString(s.Type), s.Type)
		fmt.Fprintf(b, "  Flags: %s (0x%X)\n", getSectionFlagsString(s.Flags), s.Flags)
		fmt.Fprintf(b, "  Address: 0x%08X  Offset: 0x%08X  Size: %d bytes\n", s.Address, s.Offset, s.Size)
		if s.Link != 0 || s.Entsize != 0 {
			fmt.Fprintf(b, "  Link: %d  Entsize: %d\n", s.Link, s.Entsize)
		}

		data, err := img.SectionData(i)
		if err != nil || len(data) == 0 {
			continue
		}
		entropy := calculateELFEntropy(data)
		fmt.Fprintf(b, "  Entropy: %.2f", entropy)
		if entropy > 7.5 {
			b.WriteString(" (HIGH - possibly packed/encrypted)")
			packed++
		} else if entropy < 1.0 {
			b.WriteString(" (LOW - mostly zeros/repeated data)")
		}
		b.WriteString("\n")
		fmt.Fprintf(b, "  MD5: %x\n", md5.Sum(data))
		fmt.Fprintf(b, "  SHA256: %x\n", sha256.Sum256(data))

		maxEntropy = max(maxEntropy, entropy)
		minEntropy = min(minEntropy, entropy)
		avgEntropy += entropy
	}
	if len(img.Sections) > 0 {
		avgEntropy /= float64(len(img.Sections))
		fmt.Fprintf(b, "Entropy Statistics: Min=%.2f, Max=%.2f, Avg=%.2f\n", minEntropy, maxEntropy, avgEntropy)
		fmt.Fprintf(b, "Likely Packed: %t\n", packed > 0)
	}
	if img.isGoBinary() {
		b.WriteString("Go runtime sections present\n")
	}
}

func (img *Image) writeSegments(b *strings.Builder) {
	fmt.Fprintf(b, "\n=== Segment Analysis ===\n")
	fmt.Fprintf(b, "Number of segments: %d\n", len(img.Segments))
	for _, s := range img.Segments {
		fmt.Fprintf(b, "Segment %d: %s %s\n", s.Index, getSegmentTypeString(s.Type), getSegmentFlagsString(s.Flags))
		fmt.Fprintf(b, "  Offset: 0x%08X  VAddr: 0x%08X  FileSz: %d  MemSz: %d\n", s.Offset, s.Vaddr, s.Filesz, s.Memsz)
	}
}

func (img *Image) writeDynamic(b *strings.Builder) {
	d, err := img.DynamicEntries()
	if err != nil || len(d.Entries) == 0 {
		return
	}
	fmt.Fprintf(b, "\n=== Dynamic Section ===\n")
	for _, e := range d.Entries {
		if e.String != "" {
			fmt.Fprintf(b, "  %-16s %s\n", e.Type, e.String)
			continue
		}
		fmt.Fprintf(b, "  %-16s 0x%X\n", e.Type, e.Value)
	}
}

// calculateELFEntropy computes Shannon entropy of data
func calculateELFEntropy(data []byte) float64 {
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

// isGoBinary detects Go runtime sections
func (img *Image) isGoBinary() bool {
	goSections := []string{
		".go.buildinfo",
		".gopclntab",
		".gosymtab",
		".go.fipsinfo",
		".note.go.buildid",
	}

	found := 0
	for _, section := range img.Sections {
		for _, goSection := range goSections {
			if section.Name == goSection {
				found++
				break
			}
		}
	}
	return found >= 2
}

func getFileTypeString(fileType uint16) string {
	switch fileType {
	case 1:
		return "Relocatable file"
	case 2:
		return "Executable file"
	case 3:
		return "Shared object file"
	case 4:
		return "Core file"
	default:
		return fmt.Sprintf("Unknown (%d)", fileType)
	}
}

func getSectionTypeString(sectionType uint32) string {
	switch sectionType {
	case 0:
		return "SHT_NULL"
	case 1:
		return "SHT_PROGBITS"
	case 2:
		return "SHT_SYMTAB"
	case 3:
		return "SHT_STRTAB"
	case 4:
		return "SHT_RELA"
	case 5:
		return "SHT_HASH"
	case 6:
		return "SHT_DYNAMIC"
	case 7:
		return "SHT_NOTE"
	case 8:
		return "SHT_NOBITS"
	case 9:
		return "SHT_REL"
	case 11:
		return "SHT_DYNSYM"
	case SHT_GNU_verneed:
		return "SHT_GNU_verneed"
	case SHT_GNU_versym:
		return "SHT_GNU_versym"
	default:
		return fmt.Sprintf("Unknown (0x%X)", sectionType)
	}
}

func getSectionFlagsString(flags uint64) string {
	var flagStrs []string

	if flags&0x1 != 0 {
		flagStrs = append(flagStrs, "WRITE")
	}
	if flags&0x2 != 0 {
		flagStrs = append(flagStrs, "ALLOC")
	}
	if flags&0x4 != 0 {
		flagStrs = append(flagStrs, "EXECINSTR")
	}
	if flags&0x10 != 0 {
		flagStrs = append(flagStrs, "MERGE")
	}
	if flags&0x20 != 0 {
		flagStrs = append(flagStrs, "STRINGS")
	}

	if len(flagStrs) == 0 {
		return "None"
	}
	return strings.Join(flagStrs, " | ")
}

func getSegmentTypeString(segmentType uint32) string {
	switch segmentType {
	case 0:
		return "PT_NULL"
	case 1:
		return "PT_LOAD"
	case 2:
		return "PT_DYNAMIC"
	case 3:
		return "PT_INTERP"
	case 4:
		return "PT_NOTE"
	case 5:
		return "PT_SHLIB"
	case 6:
		return "PT_PHDR"
	case 7:
		return "PT_TLS"
	default:
		return fmt.Sprintf("Unknown (0x%X)", segmentType)
	}
}

func getSegmentFlagsString(flags uint32) string {
	var flagStrs []string

	if flags&0x1 != 0 {
		flagStrs = append(flagStrs, "EXECUTE")
	}
	if flags&0x2 != 0 {
		flagStrs = append(flagStrs, "WRITE")
	}
	if flags&0x4 != 0 {
		flagStrs = append(flagStrs, "READ")
	}

	if len(flagStrs) == 0 {
		return "None"
	}
	return strings.Join(flagStrs, " | ")
}
