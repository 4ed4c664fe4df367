package perw

import (
	"fmt"
	"io"
	"strings"
	"time"

	"gomapimg/common"
)

// isDebugSection reports sections that only carry debug information
func isDebugSection(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasPrefix(lower, ".debug") || lower == ".pdata" || lower == ".xdata"
}

// Walk runs every directory walker and summarises the outcome of each one.
// Walker failures are reported, they never stop the other walkers.
func (img *Image) Walk() []*common.OperationResult {
	var results []*common.OperationResult

	if t, err := img.Exports(); err != nil {
		results = append(results, common.NewFailed("exports", err))
	} else if len(t.Entries) == 0 {
		results = append(results, common.NewEmpty("exports", "no export directory"))
	} else {
		msg := fmt.Sprintf("%s, %d named", orDash(t.DllName), len(t.Names()))
		results = append(results, common.NewFound("exports", msg, len(t.Entries)))
	}

	for _, delay := range []bool{false, true} {
		name, walk := "imports", img.Imports
		if delay {
			name, walk = "delay imports", img.DelayImports
		}
		set, err := walk()
		switch {
		case err != nil:
			results = append(results, common.NewFailed(name, err))
		case len(set.DLLs) == 0:
			results = append(results, common.NewEmpty(name, "no descriptors"))
		default:
			msg := fmt.Sprintf("%d DLLs, %d skipped", len(set.DLLs), len(set.Errors))
			results = append(results, common.NewFound(name, msg, set.Count()))
		}
	}

	if cbs, err := img.TlsCallbacks(); err != nil {
		results = append(results, common.NewFailed("tls callbacks", err))
	} else if len(cbs) == 0 {
		results = append(results, common.NewEmpty("tls callbacks", "no callbacks"))
	} else {
		results = append(results, common.NewFound("tls callbacks", "callback array", len(cbs)))
	}

	if tree, err := img.Resources(); err != nil {
		results = append(results, common.NewFailed("resources", err))
	} else if len(tree.Entries) == 0 {
		results = append(results, common.NewEmpty("resources", "no resource directory"))
	} else {
		msg := fmt.Sprintf("%d skipped", len(tree.Errors))
		results = append(results, common.NewFound("resources", msg, len(tree.Entries)))
	}

	if lc, err := img.LoadConfig(); err != nil {
		results = append(results, common.NewFailed("load config", err))
	} else if lc == nil {
		results = append(results, common.NewEmpty("load config", "no load config directory"))
	} else {
		results = append(results, common.NewFound("load config", fmt.Sprintf("size %d", lc.Size), 0))
	}

	if cfg, err := img.CfgFunctions(); err != nil {
		results = append(results, common.NewFailed("cfg functions", err))
	} else if len(cfg.Functions) == 0 {
		results = append(results, common.NewEmpty("cfg functions", "no guard function table"))
	} else {
		msg := fmt.Sprintf("stride %d", cfg.EntrySize)
		results = append(results, common.NewFound("cfg functions", msg, len(cfg.Functions)))
	}

	return results
}

// Report prints the header, section and directory analysis of the image.
func (img *Image) Report(w io.Writer) error {
	img.printHeader(w)
	img.printSectionAnalysis(w)
	img.printDirectories(w)
	img.printExportAnalysis(w)
	img.printImportsAnalysis(w)
	img.printSectionAnomalies(w)

	fmt.Fprintln(w, common.FormatOperationResults("📊 DIRECTORY WALK", img.Walk()))
	return nil
}

func (img *Image) printHeader(w io.Writer) {
	bits := 32
	if img.Is64Bit {
		bits = 64
	}
	fmt.Fprintf(w, "🏗️  PE HEADER INFORMATION (%s)\n", img.region.Name())
	fmt.Fprintln(w, "═══════════════════════════")
	fmt.Fprintf(w, "Format:          PE%d (%s)\n", bits, MachineName(img.File.Machine))
	fmt.Fprintf(w, "Layout:          %s\n", img.Parse.Mode)
	fmt.Fprintf(w, "File Type:       %s\n", img.FileType())
	fmt.Fprintf(w, "Sections:        %d total\n", len(img.Sections))
	fmt.Fprintf(w, "Image Base:      0x%X\n", img.ImageBase())
	fmt.Fprintf(w, "Entry Point:     0x%X (RVA)\n", img.EntryPoint())
	fmt.Fprintf(w, "Size of Image:   %d bytes\n", img.SizeOfImage())
	fmt.Fprintf(w, "Size of Headers: %d bytes\n", img.Optional.SizeOfHeaders)
	fmt.Fprintf(w, "Subsystem:       %d (%s)\n", img.Optional.Subsystem, getSubsystemName(img.Optional.Subsystem))
	fmt.Fprintf(w, "DLL Characteristics: 0x%X (%s)\n", img.Optional.DllCharacteristics,
		decodeDLLCharacteristics(img.Optional.DllCharacteristics))

	if ts := img.File.TimeDateStamp; ts != 0 {
		fmt.Fprintf(w, "Compile Time:    %s\n", time.Unix(int64(ts), 0).UTC().Format("2006-01-02 15:04:05 MST"))
	} else {
		fmt.Fprintf(w, "Compile Time:    Not set\n")
	}

	if stored, computed, err := img.Checksum(); err == nil {
		switch {
		case stored == 0:
			fmt.Fprintf(w, "Checksum:        Not set (computed 0x%X)\n", computed)
		case stored == computed:
			fmt.Fprintf(w, "Checksum:        ✅ 0x%X\n", stored)
		default:
			fmt.Fprintf(w, "Checksum:        ❌ stored 0x%X, computed 0x%X\n", stored, computed)
		}
	}

	if size := img.region.Len(); img.Parse.Mode == common.ParseFile && size > img.PhysicalSize() {
		overlay := size - img.PhysicalSize()
		fmt.Fprintf(w, "Overlay:         ⚠️ %d bytes at 0x%X\n", overlay, img.PhysicalSize())
	}

	if len(img.Parse.Warnings) > 0 {
		fmt.Fprintf(w, "\n⚠️  PARSE WARNINGS:\n")
		for _, warning := range img.Parse.Warnings {
			fmt.Fprintf(w, "   - %s\n", warning)
		}
	}
	fmt.Fprintln(w)
}

func (img *Image) printSectionAnalysis(w io.Writer) {
	fmt.Fprintln(w, "📦 SECTION ANALYSIS")
	fmt.Fprintln(w, "═══════════════════")
	fmt.Fprintf(w, "%-3s %-10s %-10s %-10s %-10s %-10s %-4s %-7s %s\n",
		"#", "Name", "VirtAddr", "VirtSize", "FileOff", "FileSize", "Perm", "Entropy", "Flags")

	for i := range img.Sections {
		s := &img.Sections[i]
		entropy := "-"
		if data, err := img.SectionData(i); err == nil && len(data) > 0 {
			entropy = fmt.Sprintf("%.2f", CalculateEntropy(data))
		}
		marker := ""
		if isDebugSection(s.Name) {
			marker = " (debug)"
		}
		fmt.Fprintf(w, "%-3d %-10s 0x%08X 0x%08X 0x%08X 0x%08X %-4s %-7s %s%s\n",
			s.Index, s.Name, s.VirtualAddress, s.VirtualSize, s.PointerToRawData, s.SizeOfRawData,
			common.PermString(s.Info().Perm), entropy, decodeSectionFlags(s.Characteristics), marker)
	}
	fmt.Fprintln(w)
}

func (img *Image) printDirectories(w io.Writer) {
	fmt.Fprintln(w, "🔍 DATA DIRECTORIES")
	fmt.Fprintln(w, "═══════════════════")
	for i, dir := range img.Directories {
		if dir.VirtualAddress == 0 && dir.Size == 0 {
			continue
		}
		where := "❌ not mapped"
		if img.Parse.Mode == common.ParseImage {
			where = "image"
		} else if s, ok := img.RvaToSection(dir.VirtualAddress); ok {
			where = s.Name
		} else if i == DirectorySecurity {
			// the certificate table holds a file offset, not an RVA
			where = "file offset"
		}
		fmt.Fprintf(w, "%-14s RVA 0x%08X  Size 0x%08X  %s\n", DirectoryName(i), dir.VirtualAddress, dir.Size, where)
	}

	if lc, err := img.LoadConfig(); err == nil && lc != nil {
		fmt.Fprintf(w, "Guard Flags:    0x%X (%s)\n", lc.GuardFlags, decodeGuardFlags(lc.GuardFlags))
	}
	fmt.Fprintln(w)
}

func (img *Image) printExportAnalysis(w io.Writer) {
	t, err := img.Exports()
	if err != nil || len(t.Entries) == 0 {
		return
	}
	fmt.Fprintf(w, "📤 EXPORTS (%s, %d entries)\n", orDash(t.DllName), len(t.Entries))
	fmt.Fprintln(w, "═══════════════════")
	shown := 0
	for _, e := range t.Entries {
		if shown == 20 {
			fmt.Fprintf(w, "   ... and %d more\n", len(t.Entries)-shown)
			break
		}
		name := e.Name
		if name == "" {
			name = fmt.Sprintf("#%d", e.Ordinal)
		}
		if e.Forwarder != "" {
			fmt.Fprintf(w, "   %-5d %-40s -> %s\n", e.Ordinal, name, e.Forwarder)
		} else {
			fmt.Fprintf(w, "   %-5d %-40s RVA 0x%08X\n", e.Ordinal, name, e.RVA)
		}
		shown++
	}
	for _, err := range t.Errors {
		fmt.Fprintf(w, "   ❌ %v\n", err)
	}
	fmt.Fprintln(w)
}

func (img *Image) printImportsAnalysis(w io.Writer) {
	imports, err := img.Imports()
	if err != nil {
		fmt.Fprintf(w, "📥 IMPORTS: ❌ %v\n\n", err)
		return
	}
	delay, _ := img.DelayImports()

	if len(imports.DLLs) == 0 && (delay == nil || len(delay.DLLs) == 0) {
		return
	}
	fmt.Fprintf(w, "📥 IMPORTS (%d functions)\n", imports.Count())
	fmt.Fprintln(w, "═══════════════════")
	for _, dll := range imports.DLLs {
		fmt.Fprintf(w, "   %-30s %d functions\n", dll.Name, len(dll.Entries))
	}
	if delay != nil {
		for _, dll := range delay.DLLs {
			fmt.Fprintf(w, "   %-30s %d functions (delay)\n", dll.Name, len(dll.Entries))
		}
	}
	for _, err := range imports.Errors {
		fmt.Fprintf(w, "   ❌ %v\n", err)
	}
	fmt.Fprintln(w)
}

func (img *Image) printSectionAnomalies(w io.Writer) {
	anomalies := AnalyzeSectionAnomalies(img.Sections)
	if len(anomalies) == 0 {
		return
	}
	fmt.Fprintln(w, "⚠️  SECTION ANOMALIES")
	fmt.Fprintln(w, "═══════════════════")
	for _, a := range anomalies {
		fmt.Fprintf(w, "   - %s\n", a)
	}
	fmt.Fprintln(w)
}

// AnalyzeSectionAnomalies flags writable code, empty names and sections
// without raw data that still claim a virtual size of zero.
func AnalyzeSectionAnomalies(sections []Section) []string {
	var out []string
	for _, s := range sections {
		if s.IsExecutable && s.IsWritable {
			out = append(out, fmt.Sprintf("section %q is writable and executable", s.Name))
		}
		if strings.TrimSpace(s.Name) == "" {
			out = append(out, fmt.Sprintf("section %d has an empty name", s.Index))
		}
		if s.VirtualExtent() == 0 {
			out = append(out, fmt.Sprintf("section %q has no virtual extent", s.Name))
		}
	}
	return out
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
