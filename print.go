package main

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/davecgh/go-spew/spew"

	"gomapimg/common"
	"gomapimg/mapimg"
	"gomapimg/perw"
)

// walker is one table the CLI can print on its own.
type walker struct {
	name    string
	usage   string
	only    func(mapimg.Kind) bool
	run     func(p *printer, img *mapimg.MappedImage) error
	enabled *bool
}

var walkers = []walker{
	{name: "sections", usage: "List sections", run: printSections},
	{name: "exports", usage: "List exported names", run: printExports},
	{name: "imports", usage: "List imports grouped by module", run: printImports},
	{name: "delay", usage: "List delay-load imports (PE)", only: mapimg.Kind.IsPE, run: printDelayImports},
	{name: "tls", usage: "Show the TLS directory and callbacks (PE)", only: mapimg.Kind.IsPE, run: printTLS},
	{name: "resources", usage: "List resource leaves (PE)", only: mapimg.Kind.IsPE, run: printResources},
	{name: "loadcfg", usage: "Show the load configuration (PE)", only: mapimg.Kind.IsPE, run: printLoadConfig},
	{name: "cfg", usage: "List Control Flow Guard tables (PE)", only: mapimg.Kind.IsPE, run: printCfg},
	{name: "checksum", usage: "Compare stored and computed checksum (PE)", only: mapimg.Kind.IsPE, run: printChecksum},
	{name: "symbols", usage: "List symbol tables (ELF)", only: mapimg.Kind.IsELF, run: printSymbols},
	{name: "dynamic", usage: "List dynamic entries (ELF)", only: mapimg.Kind.IsELF, run: printDynamic},
	{name: "strings", usage: "List categorized strings found in sections", run: printStrings},
}

// selectedWalkers returns the walkers picked on the command line.
func selectedWalkers(all bool) []walker {
	var out []walker
	for _, w := range walkers {
		if all || (w.enabled != nil && *w.enabled) {
			out = append(out, w)
		}
	}
	return out
}

type printer struct {
	w       io.Writer
	verbose bool
	dump    *spew.ConfigState
}

func newPrinter(w io.Writer, verbose, dump bool) *printer {
	p := &printer{w: w, verbose: verbose}
	if dump {
		p.dump = &spew.ConfigState{
			Indent:                  "  ",
			DisablePointerAddresses: true,
			DisableCapacities:       true,
			SortKeys:                true,
		}
	}
	return p
}

func (p *printer) heading(title string) {
	fmt.Fprintf(p.w, "\n%s\n%s\n", title, strings.Repeat("═", utf8.RuneCountInString(title)))
}

// dumped writes v with spew when -dump is set and reports whether it did.
func (p *printer) dumped(v any) bool {
	if p.dump == nil {
		return false
	}
	p.dump.Fdump(p.w, v)
	return true
}

func (p *printer) skipped(errs []error) {
	if len(errs) == 0 {
		return
	}
	fmt.Fprintf(p.w, "⚠️  %d entries skipped\n", len(errs))
	if p.verbose {
		for _, err := range errs {
			fmt.Fprintf(p.w, "   %v\n", err)
		}
	}
}

func (p *printer) run(img *mapimg.MappedImage, selected []walker) []*common.OperationResult {
	var results []*common.OperationResult
	for _, w := range selected {
		if w.only != nil && !w.only(img.Kind()) {
			if p.verbose {
				fmt.Fprintf(p.w, "\n%s: not applicable to %s\n", w.name, img.Kind())
			}
			continue
		}
		p.heading(strings.ToUpper(w.name))
		if err := w.run(p, img); err != nil {
			fmt.Fprintf(p.w, "❌ %v\n", err)
			results = append(results, common.NewFailed(w.name, err))
		}
	}
	return results
}

func printSections(p *printer, img *mapimg.MappedImage) error {
	secs := img.Sections()
	if p.dumped(secs) {
		return nil
	}
	fmt.Fprintf(p.w, "%-4s %-20s %-18s %-10s %-10s %-10s %s\n",
		"Idx", "Name", "Address", "VirtSize", "Offset", "Size", "Perm")
	for _, s := range secs {
		fmt.Fprintf(p.w, "%-4d %-20s 0x%016x 0x%08x 0x%08x 0x%08x %s\n",
			s.Index, s.Name, s.VirtualAddress, s.VirtualSize, s.FileOffset, s.FileSize, common.PermString(s.Perm))
	}
	return nil
}

func printExports(p *printer, img *mapimg.MappedImage) error {
	if pe, ok := img.PE(); ok {
		t, err := pe.Exports()
		if err != nil {
			return err
		}
		if p.dumped(t) {
			return nil
		}
		if t.DllName != "" {
			fmt.Fprintf(p.w, "Module: %s (base %d)\n", t.DllName, t.Directory.Base)
		}
		for _, e := range t.Entries {
			name := e.Name
			if name == "" {
				name = "(ordinal only)"
			}
			if e.Forwarder != "" {
				fmt.Fprintf(p.w, "%5d  %-10s %s -> %s\n", e.Ordinal, "forwarder", name, e.Forwarder)
				continue
			}
			fmt.Fprintf(p.w, "%5d  0x%08x %s\n", e.Ordinal, e.RVA, name)
		}
		p.skipped(t.Errors)
		return nil
	}

	elf, _ := img.ELF()
	t, err := elf.Symbols()
	if err != nil {
		return err
	}
	exports := t.Exports()
	if p.dumped(exports) {
		return nil
	}
	for _, s := range exports {
		fmt.Fprintf(p.w, "0x%016x %6d %-8s %s\n", s.Value, s.Size, s.Type, s.Name)
	}
	return nil
}

func printImports(p *printer, img *mapimg.MappedImage) error {
	mods, err := img.Imports()
	if err != nil {
		return err
	}
	if p.dumped(mods) {
		return nil
	}
	for _, m := range mods {
		module := m.Module
		if module == "" {
			module = "(unversioned)"
		}
		fmt.Fprintf(p.w, "📚 %s (%d)\n", module, len(m.Names))
		for _, name := range m.Names {
			fmt.Fprintf(p.w, "   • %s\n", name)
		}
	}
	return nil
}

func printDelayImports(p *printer, img *mapimg.MappedImage) error {
	pe, _ := img.PE()
	set, err := pe.DelayImports()
	if err != nil {
		return err
	}
	if p.dumped(set) {
		return nil
	}
	for _, dll := range set.DLLs {
		fmt.Fprintf(p.w, "📚 %s (attributes 0x%x, IAT 0x%08x)\n", dll.Name, dll.Attributes, dll.IatRva)
		for _, e := range dll.Entries {
			if e.ByOrdinal {
				fmt.Fprintf(p.w, "   • #%d\n", e.Ordinal)
				continue
			}
			fmt.Fprintf(p.w, "   • %s (hint %d)\n", e.Name, e.Hint)
		}
	}
	p.skipped(set.Errors)
	return nil
}

func printTLS(p *printer, img *mapimg.MappedImage) error {
	pe, _ := img.PE()
	dir, err := pe.TlsDirectory()
	if err != nil {
		return err
	}
	if dir == nil {
		fmt.Fprintln(p.w, "No TLS directory")
		return nil
	}
	callbacks, err := pe.TlsCallbacks()
	if err != nil {
		return err
	}
	if p.dump != nil {
		p.dumped(dir)
		p.dumped(callbacks)
		return nil
	}
	fmt.Fprintf(p.w, "Raw data:   0x%x - 0x%x\n", dir.StartAddressOfRawData, dir.EndAddressOfRawData)
	fmt.Fprintf(p.w, "Index:      0x%x\n", dir.AddressOfIndex)
	fmt.Fprintf(p.w, "Zero fill:  %d bytes\n", dir.SizeOfZeroFill)
	fmt.Fprintf(p.w, "Callbacks:  %d\n", len(callbacks))
	for _, cb := range callbacks {
		fmt.Fprintf(p.w, "   [%d] VA 0x%x RVA 0x%08x\n", cb.Index, cb.VA, cb.RVA)
	}
	return nil
}

func printResources(p *printer, img *mapimg.MappedImage) error {
	pe, _ := img.PE()
	tree, err := pe.Resources()
	if err != nil {
		return err
	}
	if p.dumped(tree) {
		return nil
	}
	for _, e := range tree.Entries {
		fmt.Fprintf(p.w, "%-14s %-16s %-6s RVA 0x%08x %8d bytes\n",
			e.Type.TypeName(), e.Name, e.Language, e.DataRVA, e.Size)
	}
	p.skipped(tree.Errors)
	return nil
}

func printLoadConfig(p *printer, img *mapimg.MappedImage) error {
	pe, _ := img.PE()
	lc, err := pe.LoadConfig()
	if err != nil {
		return err
	}
	if lc == nil {
		fmt.Fprintln(p.w, "No load configuration")
		return nil
	}
	if p.dumped(lc) {
		return nil
	}
	fmt.Fprintf(p.w, "Size:              %d\n", lc.Size)
	fmt.Fprintf(p.w, "Security cookie:   0x%x\n", lc.SecurityCookie)
	fmt.Fprintf(p.w, "SEH table:         0x%x (%d)\n", lc.SEHandlerTable, lc.SEHandlerCount)
	fmt.Fprintf(p.w, "CFG check:         0x%x\n", lc.GuardCFCheckFunctionPointer)
	fmt.Fprintf(p.w, "CFG table:         0x%x (%d)\n", lc.GuardCFFunctionTable, lc.GuardCFFunctionCount)
	fmt.Fprintf(p.w, "Guard flags:       0x%08x\n", lc.GuardFlags)
	return nil
}

func printCfg(p *printer, img *mapimg.MappedImage) error {
	pe, _ := img.PE()
	t, err := pe.CfgFunctions()
	if err != nil {
		return err
	}
	if p.dumped(t) {
		return nil
	}
	fmt.Fprintf(p.w, "Guard flags 0x%08x, entry size %d\n", t.GuardFlags, t.EntrySize)
	for _, table := range []struct {
		name    string
		entries []perw.CfgEntry
	}{
		{"functions", t.Functions},
		{"address-taken IAT", t.AddressTakenIat},
		{"long jumps", t.LongJumps},
		{"EH continuations", t.EHContinuations},
	} {
		fmt.Fprintf(p.w, "%s: %d\n", table.name, len(table.entries))
		if !p.verbose {
			continue
		}
		for _, e := range table.entries {
			fmt.Fprintf(p.w, "   0x%08x flags 0x%02x\n", e.RVA, e.Flags)
		}
	}
	return nil
}

func printChecksum(p *printer, img *mapimg.MappedImage) error {
	pe, _ := img.PE()
	stored, computed, err := pe.Checksum()
	if err != nil {
		return err
	}
	state := "match"
	if stored != computed {
		state = "mismatch"
	}
	fmt.Fprintf(p.w, "Stored 0x%08x, computed 0x%08x (%s)\n", stored, computed, state)
	return nil
}

func printSymbols(p *printer, img *mapimg.MappedImage) error {
	elf, _ := img.ELF()
	t, err := elf.Symbols()
	if err != nil {
		return err
	}
	if p.dumped(t) {
		return nil
	}
	for _, s := range t.Symbols {
		name := s.Name
		if s.Module != "" {
			name += "@" + s.Module
		}
		fmt.Fprintf(p.w, "%-8s %6d %-7s 0x%016x %6d %-14s %-12s %s\n",
			s.Table, s.Index, s.Kind, s.Value, s.Size, s.Type, s.Bind, name)
	}
	p.skipped(t.Errors)
	return nil
}

func printDynamic(p *printer, img *mapimg.MappedImage) error {
	elf, _ := img.ELF()
	d, err := elf.DynamicEntries()
	if err != nil {
		return err
	}
	if p.dumped(d) {
		return nil
	}
	for _, e := range d.Entries {
		if e.String != "" {
			fmt.Fprintf(p.w, "%-20s %s\n", e.Type, e.String)
			continue
		}
		fmt.Fprintf(p.w, "%-20s 0x%x\n", e.Type, e.Value)
	}
	p.skipped(d.Errors)
	return nil
}

// printStrings lists printable runs in the sections picked by -section.
// Without -v only runs that fall into a category are shown.
func printStrings(p *printer, img *mapimg.MappedImage) error {
	var patterns []string
	if *stringSections != "" {
		patterns = strings.Split(*stringSections, ",")
	}

	found := make(map[string][]common.FoundString)
	var order []string
	for _, s := range img.Sections() {
		if !common.MatchesPattern(s.Name, patterns) {
			continue
		}
		data, err := img.SectionData(s.Index)
		if err != nil {
			fmt.Fprintf(p.w, "❌ %s: %v\n", s.Name, err)
			continue
		}
		for _, fs := range common.ExtractStrings(data, *minStringLen) {
			fs.Category = common.CategorizeString(fs.Value)
			if fs.Category == "" && !p.verbose {
				continue
			}
			if _, ok := found[s.Name]; !ok {
				order = append(order, s.Name)
			}
			found[s.Name] = append(found[s.Name], fs)
		}
	}
	if p.dumped(found) {
		return nil
	}

	for _, name := range order {
		fmt.Fprintf(p.w, "📦 %s (%d)\n", name, len(found[name]))
		for _, fs := range found[name] {
			category := fs.Category
			if category == "" {
				category = "-"
			}
			width := "a"
			if fs.Wide {
				width = "w"
			}
			fmt.Fprintf(p.w, "   0x%08x %s %-8s %q\n", fs.Offset, width, category, fs.Value)
		}
	}
	return nil
}
