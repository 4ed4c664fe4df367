package perw

import (
	"errors"
	"reflect"
	"testing"

	"gomapimg/common"
)

type testExport struct {
	slot    uint16
	name    string
	nameRva uint32 // overrides the generated name string
}

// buildExports lays out an export directory at 0x2000 in .rdata.
func buildExports(b *peBuilder, rdata *testSection, base uint32, functions []uint32, names []testExport) {
	const (
		dirRva   = 0x2000
		eatRva   = 0x2040
		namesRva = 0x2100
		ordsRva  = 0x2180
		strRva   = 0x2200
	)
	rdata.putU32(dirRva+12, strRva)
	rdata.putU32(dirRva+16, base)
	rdata.putU32(dirRva+20, uint32(len(functions)))
	rdata.putU32(dirRva+24, uint32(len(names)))
	rdata.putU32(dirRva+28, eatRva)
	rdata.putU32(dirRva+32, namesRva)
	rdata.putU32(dirRva+36, ordsRva)
	rdata.putString(strRva, "test.dll")

	for i, f := range functions {
		rdata.putU32(eatRva+uint32(i)*4, f)
	}
	next := uint32(strRva + 0x10)
	for i, n := range names {
		rva := n.nameRva
		if rva == 0 {
			rva = next
			rdata.putString(rva, n.name)
			next += uint32(len(n.name)) + 1
		}
		rdata.putU32(namesRva+uint32(i)*4, rva)
		rdata.putU16(ordsRva+uint32(i)*2, n.slot)
	}
	rdata.grow(0x400)
	b.dir(DirectoryExport, dirRva, 0x300)
}

// A single export "Foo" at RVA 0x1000 in a .text section mapped at file
// offset 0x400.
func TestExportsSingleFunction(t *testing.T) {
	t.Parallel()
	b := newPE64()
	b.text().put(0x1000, []byte{0x31, 0xC0, 0xC3})
	rdata := b.rdata()
	buildExports(b, rdata, 1, []uint32{0x1000}, []testExport{{slot: 0, name: "Foo"}})
	img := b.load(t)

	table, err := img.Exports()
	if err != nil {
		t.Fatalf("Exports failed: %v", err)
	}
	if len(table.Entries) != 1 {
		t.Fatalf("got %d entries", len(table.Entries))
	}
	e := table.Entries[0]
	if e.Name != "Foo" || e.Ordinal != 1 || e.Hint != 0 || e.RVA != 0x1000 || e.Offset != 0x400 {
		t.Errorf("unexpected entry %+v", e)
	}
	if table.DllName != "test.dll" {
		t.Errorf("DllName = %q", table.DllName)
	}
	if len(table.Errors) != 0 {
		t.Errorf("unexpected errors: %v", table.Errors)
	}

	// Resolve the name by hand from the file bytes.
	data, _ := img.Region().Bytes()
	rdataOff := uint32(img.Sections[1].PointerToRawData)
	nameRva := le32(data[rdataOff+0x100:])
	nameOff := rdataOff + (nameRva - 0x2000)
	if got := string(data[nameOff : nameOff+3]); got != e.Name {
		t.Errorf("file bytes hold %q, walker returned %q", got, e.Name)
	}
}

func TestExportsOrdinalOrderAndSkips(t *testing.T) {
	t.Parallel()
	b := newPE64()
	b.text().put(0x1000, make([]byte, 0x40))
	rdata := b.rdata()
	rdata.putString(0x22f0, "OTHER.Func")
	buildExports(b, rdata, 10,
		[]uint32{0x1000, 0x1010, 0, 0x22f0, 0x1020},
		[]testExport{
			{slot: 0, name: "Alpha"},
			{slot: 1, name: "Beta", nameRva: 0x9000},
			{slot: 3, name: "Fwd"},
		})
	img := b.load(t)

	table, err := img.Exports()
	if err != nil {
		t.Fatalf("Exports failed: %v", err)
	}

	want := []struct {
		name      string
		ordinal   uint32
		hint      int
		forwarder string
	}{
		{"Alpha", 10, 0, ""},
		{"Fwd", 13, 2, "OTHER.Func"},
		{"", 14, -1, ""},
	}
	if len(table.Entries) != len(want) {
		t.Fatalf("got %d entries: %+v", len(table.Entries), table.Entries)
	}
	for i, w := range want {
		e := table.Entries[i]
		if e.Name != w.name || e.Ordinal != w.ordinal || e.Hint != w.hint || e.Forwarder != w.forwarder {
			t.Errorf("entry %d = %+v, want %+v", i, e, w)
		}
	}
	if table.Entries[1].Offset != 0 {
		t.Errorf("forwarder should have no code offset, got 0x%x", table.Entries[1].Offset)
	}

	if len(table.Errors) != 1 || !errors.Is(table.Errors[0], common.ErrOutOfBounds) {
		t.Fatalf("expected one bounds error, got %v", table.Errors)
	}
	var walkErr *common.WalkError
	if !errors.As(table.Errors[0], &walkErr) || walkErr.Index != 1 {
		t.Errorf("expected WalkError for slot 1, got %v", table.Errors[0])
	}

	if e, ok := table.ExportFunction("Alpha"); !ok || e.Ordinal != 10 {
		t.Errorf("ExportFunction(Alpha) = %+v, %v", e, ok)
	}
	if e, ok := table.ExportFunction("Fwd"); !ok || e.Forwarder != "OTHER.Func" {
		t.Errorf("ExportFunction(Fwd) = %+v, %v", e, ok)
	}
	if _, ok := table.ExportFunction("Beta"); ok {
		t.Error("ExportFunction(Beta) should fail")
	}
	if e, ok := table.ExportByOrdinal(14); !ok || e.RVA != 0x1020 {
		t.Errorf("ExportByOrdinal(14) = %+v, %v", e, ok)
	}
	if _, ok := table.ExportByOrdinal(12); ok {
		t.Error("empty slot should not resolve")
	}
	if got := table.Names(); !reflect.DeepEqual(got, []string{"Alpha", "Fwd"}) {
		t.Errorf("Names = %v", got)
	}
}

func TestExportsIdempotent(t *testing.T) {
	t.Parallel()
	b := newPE64()
	b.text().put(0x1000, make([]byte, 0x20))
	rdata := b.rdata()
	buildExports(b, rdata, 1, []uint32{0x1000, 0x1010}, []testExport{{slot: 0, name: "A"}, {slot: 1, name: "B"}})
	img := b.load(t)

	first, err := img.Exports()
	if err != nil {
		t.Fatal(err)
	}
	second, err := img.Exports()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("Exports is not idempotent")
	}
}

func TestExportsAbsent(t *testing.T) {
	t.Parallel()
	b := newPE64()
	b.text().put(0x1000, []byte{0xC3})
	table, err := b.load(t).Exports()
	if err != nil || len(table.Entries) != 0 {
		t.Errorf("expected an empty table, got %+v, %v", table, err)
	}
}

func TestExportsOrdinalOverflow(t *testing.T) {
	t.Parallel()
	b := newPE64()
	b.text().put(0x1000, make([]byte, 0x30))
	rdata := b.rdata()
	buildExports(b, rdata, 0xfffffffe,
		[]uint32{0x1000, 0x1010, 0x1020},
		[]testExport{{slot: 0, name: "First"}, {slot: 2, name: "Wrapped"}})
	img := b.load(t)

	table, err := img.Exports()
	if err != nil {
		t.Fatalf("Exports failed: %v", err)
	}
	var ordinals []uint32
	for _, e := range table.Entries {
		ordinals = append(ordinals, e.Ordinal)
	}
	if !reflect.DeepEqual(ordinals, []uint32{0xfffffffe, 0xffffffff}) {
		t.Errorf("ordinals = %#x", ordinals)
	}
	if len(table.Errors) != 1 || !errors.Is(table.Errors[0], common.ErrOutOfBounds) {
		t.Errorf("expected the overflowing slot to be recorded, got %v", table.Errors)
	}

	if e, ok := table.ExportFunction("First"); !ok || e.RVA != 0x1000 {
		t.Errorf("ExportFunction(First) = %+v, %v", e, ok)
	}
	if e, ok := table.ExportFunction("Wrapped"); ok {
		t.Errorf("ExportFunction(Wrapped) resolved to %+v", e)
	}
	if e, ok := table.ExportByOrdinal(0xffffffff); !ok || e.RVA != 0x1010 {
		t.Errorf("ExportByOrdinal(max) = %+v, %v", e, ok)
	}
	if _, ok := table.ExportByOrdinal(0); ok {
		t.Error("ordinal 0 resolved through a wrapped slot")
	}
}
