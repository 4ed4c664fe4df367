package archive

import (
	"fmt"
	"io"
	"sort"

	"gomapimg/common"
	"gomapimg/perw"
)

func (a *Archive) Walk() []*common.OperationResult {
	var results []*common.OperationResult

	members, err := a.Members()
	switch {
	case err != nil:
		results = append(results, common.NewFailed("members", err))
	case len(members) == 0:
		results = append(results, common.NewEmpty("members", "no standard members"))
	default:
		results = append(results, common.NewFound("members", "standard members", len(members)))
	}

	if syms, err := a.LinkerSymbols(); err != nil {
		results = append(results, common.NewFailed("linker symbols", err))
	} else if len(syms) == 0 {
		results = append(results, common.NewEmpty("linker symbols", "empty linker member"))
	} else {
		results = append(results, common.NewFound("linker symbols", "first linker member", len(syms)))
	}

	entries, skipped, err := a.Imports()
	switch {
	case err != nil:
		results = append(results, common.NewFailed("imports", err))
	case len(entries) == 0:
		results = append(results, common.NewEmpty("imports", "no import descriptors"))
	default:
		msg := fmt.Sprintf("%d DLLs, %d skipped", len(dllNames(entries)), len(skipped))
		results = append(results, common.NewFound("imports", msg, len(entries)))
	}
	return results
}

func dllNames(entries []*ImportEntry) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range entries {
		if e.DllName != "" && !seen[e.DllName] {
			seen[e.DllName] = true
			out = append(out, e.DllName)
		}
	}
	sort.Strings(out)
	return out
}

// Report writes the archive layout and its import descriptors to w
func (a *Archive) Report(w io.Writer) error {
	fmt.Fprintf(w, "📚 ARCHIVE INFORMATION (%s)\n", a.region.Name())
	fmt.Fprintln(w, "═══════════════════════════")
	fmt.Fprintf(w, "Size:            %d bytes\n", a.region.Len())
	fmt.Fprintf(w, "First Linker:    %d bytes\n", a.FirstLinker.Size)
	if a.SecondLinker != nil {
		fmt.Fprintf(w, "Second Linker:   %d bytes\n", a.SecondLinker.Size)
	} else {
		fmt.Fprintln(w, "Second Linker:   absent")
	}
	if a.ECSymbols != nil {
		fmt.Fprintf(w, "EC Symbols:      %d bytes\n", a.ECSymbols.Size)
	}
	if a.Longnames != nil {
		fmt.Fprintf(w, "Longnames:       %d bytes\n", a.Longnames.Size)
	} else {
		fmt.Fprintln(w, "Longnames:       absent")
	}

	entries, skipped, err := a.Imports()
	if err != nil {
		fmt.Fprintf(w, "❌ Member walk stopped: %v\n", err)
	}
	if len(entries) > 0 {
		fmt.Fprintf(w, "\n📥 IMPORT DESCRIPTORS\n")
		fmt.Fprintln(w, "═════════════════════")
		for _, dll := range dllNames(entries) {
			fmt.Fprintf(w, "📚 %s\n", dll)
			for _, e := range entries {
				if e.DllName != dll {
					continue
				}
				if e.NameType == IMPORT_OBJECT_ORDINAL && e.Format == FormatShort {
					fmt.Fprintf(w, "   • #%d (%s, %s)\n", e.Ordinal, e.Type, perw.MachineName(e.Machine))
					continue
				}
				fmt.Fprintf(w, "   • %s [%s] hint %d (%s, %s)\n", e.Name, e.SymbolName, e.Ordinal, e.Type,
					perw.MachineName(e.Machine))
			}
		}
		for _, e := range entries {
			if e.Format == FormatLong {
				fmt.Fprintf(w, "   • %s (long format, %s)\n", e.SymbolName, perw.MachineName(e.Machine))
			}
		}
	}
	if len(skipped) > 0 {
		fmt.Fprintf(w, "⚠️  %d members skipped\n", len(skipped))
		for _, s := range skipped {
			fmt.Fprintf(w, "   • %v\n", s)
		}
	}

	fmt.Fprintln(w)
	_, err = fmt.Fprintln(w, common.FormatOperationResults("📊 ARCHIVE WALK", a.Walk()))
	return err
}
