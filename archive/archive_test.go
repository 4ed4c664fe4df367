package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"gomapimg/common"
	"gomapimg/region"
)

type testMember struct {
	name string
	data []byte
	size string // overrides the decimal size field
}

func memberHeaderBytes(name, size string) []byte {
	h := fmt.Sprintf("%-16s%-12s%-6s%-6s%-8s%-10s`\n", name, "1700000000", "", "", "644", size)
	return []byte(h)
}

func buildArchive(members ...testMember) []byte {
	out := []byte(Magic)
	for _, m := range members {
		size := m.size
		if size == "" {
			size = fmt.Sprint(len(m.data))
		}
		out = append(out, memberHeaderBytes(m.name, size)...)
		out = append(out, m.data...)
		if len(out)%2 != 0 {
			out = append(out, '\n')
		}
	}
	return out
}

func linkerData(names []string, offsets []uint32) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.BigEndian, uint32(len(names)))
	for _, off := range offsets {
		binary.Write(&b, binary.BigEndian, off)
	}
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte(0)
	}
	return b.Bytes()
}

func shortImportData(version uint16, ordinal uint16, typ ImportType, nameType ImportNameType, strs ...string) []byte {
	var tail []byte
	for _, s := range strs {
		tail = append(tail, s...)
		tail = append(tail, 0)
	}
	b := make([]byte, importHeaderSize, importHeaderSize+len(tail))
	binary.LittleEndian.PutUint16(b[2:], IMPORT_OBJECT_HDR_SIG2)
	binary.LittleEndian.PutUint16(b[4:], version)
	binary.LittleEndian.PutUint16(b[6:], 0x8664)
	binary.LittleEndian.PutUint32(b[8:], 0x5f000000)
	binary.LittleEndian.PutUint32(b[12:], uint32(len(tail)))
	binary.LittleEndian.PutUint16(b[16:], ordinal)
	binary.LittleEndian.PutUint16(b[18:], uint16(typ)|uint16(nameType)<<2)
	return append(b, tail...)
}

// longImportObject is a COFF object whose third symbol, after a section
// symbol with one aux record, is the __imp_ symbol named via the string table.
func longImportObject(symbol string) []byte {
	b := make([]byte, coffHeaderSize+3*coffSymbolSize)
	binary.LittleEndian.PutUint16(b, 0x14c)
	binary.LittleEndian.PutUint32(b[8:], coffHeaderSize)
	binary.LittleEndian.PutUint32(b[12:], 3)

	syms := b[coffHeaderSize:]
	copy(syms, ".text")
	syms[17] = 1
	// aux record that would match if the walker failed to skip it
	copy(syms[coffSymbolSize:], "__imp_x")
	long := syms[2*coffSymbolSize:]
	binary.LittleEndian.PutUint32(long[4:], 4)

	strtab := make([]byte, 4)
	strtab = append(strtab, symbol...)
	strtab = append(strtab, 0)
	binary.LittleEndian.PutUint32(strtab, uint32(len(strtab)))
	return append(b, strtab...)
}

const longnames = "verylongname.obj\x00another_long_member.obj/\n"

func importLibrary() []byte {
	return buildArchive(
		testMember{name: "/", data: linkerData([]string{"__imp_foo", "foo"}, []uint32{0x100, 0x200})},
		testMember{name: "/", data: []byte{0, 0, 0, 0}},
		testMember{name: "//", data: []byte(longnames)},
		testMember{name: "/0", data: shortImportData(0, 3, IMPORT_OBJECT_CODE, IMPORT_OBJECT_NAME, "_foo", "foo.dll")},
		testMember{name: "/17", data: shortImportData(0, 5, IMPORT_OBJECT_DATA, IMPORT_OBJECT_NAME_UNDECORATE, "_Bar@8", "bar.dll")},
		testMember{name: "long.obj/", data: longImportObject("__imp__GetTickCount@0")},
		testMember{name: "odd.obj/", data: []byte("abc")},
		testMember{name: "anon.obj/", data: shortImportData(1, 0, 0, 0, "x", "y")},
		testMember{name: "ord.obj/", data: shortImportData(0, 42, IMPORT_OBJECT_CODE, IMPORT_OBJECT_ORDINAL, "Ord42", "foo.dll")},
	)
}

func openLibrary(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(region.FromBytes("test.lib", importLibrary()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return a
}

func TestOpenSpecialMembers(t *testing.T) {
	t.Parallel()
	a := openLibrary(t)
	if a.FirstLinker == nil || a.SecondLinker == nil || a.Longnames == nil {
		t.Fatalf("special members not resolved: %+v", a)
	}
	if a.Longnames.Type != MemberLongnames || string(a.Longnames.Data) != longnames {
		t.Errorf("unexpected longnames member %v", a.Longnames)
	}
	if a.FirstLinker.Date != 1700000000 || a.FirstLinker.Mode != "644" {
		t.Errorf("unexpected header fields %+v", a.FirstLinker)
	}
}

func TestMembersWalk(t *testing.T) {
	t.Parallel()
	a := openLibrary(t)

	members, err := a.Members()
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	var names []string
	for _, m := range members {
		names = append(names, m.Name)
		if m.Type != MemberNormal {
			t.Errorf("%s has type %s", m.Name, m.Type)
		}
	}
	want := []string{"verylongname.obj", "another_long_member.obj", "long.obj", "odd.obj", "anon.obj", "ord.obj"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("names = %v", names)
	}

	// the member after the odd-sized one starts on an even offset
	odd := members[3]
	if odd.Size != 3 || members[4].Offset != odd.Offset+memberHeaderSize+4 {
		t.Errorf("padding not honoured: odd at 0x%x, next at 0x%x", odd.Offset, members[4].Offset)
	}

	if _, err := a.NextMember(members[len(members)-1]); !errors.Is(err, common.ErrNoMoreMembers) {
		t.Errorf("expected ErrNoMoreMembers, got %v", err)
	}

	first, err := a.FirstMember()
	if err != nil || first.Offset != members[0].Offset {
		t.Errorf("FirstMember = %v, %v", first, err)
	}
	if at, err := a.MemberAt(members[2].Offset); err != nil || at.Name != "long.obj" {
		t.Errorf("MemberAt = %v, %v", at, err)
	}
	if _, err := a.MemberAt(a.FirstLinker.Offset); !errors.Is(err, common.ErrOutOfBounds) {
		t.Errorf("MemberAt(linker) = %v", err)
	}
}

func TestResolveMemberName(t *testing.T) {
	t.Parallel()
	a := openLibrary(t)

	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"/0", "verylongname.obj", false},
		{"/17", "another_long_member.obj", false},
		{"inline.obj/", "inline.obj", false},
		{"gnu.o", "gnu.o", false},
		{"/999", "", true},
		{"/x1", "", true},
	}
	for _, tt := range tests {
		got, err := a.ResolveMemberName(tt.raw)
		if tt.wantErr {
			if !errors.Is(err, common.ErrOutOfBounds) {
				t.Errorf("%q: expected ErrOutOfBounds, got %q, %v", tt.raw, got, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%q: got %q, %v; want %q", tt.raw, got, err, tt.want)
		}
	}
}

func TestLongnameWithoutLongnamesMember(t *testing.T) {
	t.Parallel()
	data := buildArchive(
		testMember{name: "/", data: linkerData(nil, nil)},
		testMember{name: "/0", data: []byte("xx")},
	)
	a, err := Open(region.FromBytes("nolong.lib", data))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if a.SecondLinker != nil || a.Longnames != nil {
		t.Error("unexpected special members")
	}
	m, err := a.FirstMember()
	if err != nil {
		t.Fatalf("FirstMember failed: %v", err)
	}
	if !errors.Is(m.NameErr, common.ErrOutOfBounds) || m.Name != "/0" {
		t.Errorf("expected an unresolved name, got %q, %v", m.Name, m.NameErr)
	}
}

func TestBadLongnameDoesNotStopWalk(t *testing.T) {
	t.Parallel()
	data := buildArchive(
		testMember{name: "/", data: linkerData(nil, nil)},
		testMember{name: "//", data: []byte("short_name.obj/\n")},
		testMember{name: "/999", data: shortImportData(0, 1, IMPORT_OBJECT_CODE, IMPORT_OBJECT_NAME, "lost", "a.dll")},
		testMember{name: "good.obj/", data: shortImportData(0, 2, IMPORT_OBJECT_CODE, IMPORT_OBJECT_NAME, "kept", "a.dll")},
	)
	a, err := Open(region.FromBytes("badname.lib", data))
	if err != nil {
		t.Fatal(err)
	}
	members, err := a.Members()
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("got %d members: %v", len(members), members)
	}
	bad, good := members[0], members[1]
	if bad.RawName != "/999" || bad.Name != "/999" || !errors.Is(bad.NameErr, common.ErrOutOfBounds) {
		t.Errorf("bad member = %v, name error %v", bad, bad.NameErr)
	}
	if good.Name != "good.obj" || good.NameErr != nil {
		t.Errorf("good member = %v, name error %v", good, good.NameErr)
	}

	entries, skipped, err := a.Imports()
	if err != nil || len(entries) != 2 || len(skipped) != 1 {
		t.Fatalf("Imports = %d entries, %v skipped, %v", len(entries), skipped, err)
	}
	var we *common.WalkError
	if !errors.As(skipped[0], &we) || we.Index != 0 || !errors.Is(we, common.ErrOutOfBounds) {
		t.Errorf("skipped = %v", skipped[0])
	}
	if entries[1].Name != "kept" {
		t.Errorf("second entry = %+v", entries[1])
	}
}

func TestECSymbolsMember(t *testing.T) {
	t.Parallel()
	data := buildArchive(
		testMember{name: "/", data: linkerData(nil, nil)},
		testMember{name: "/", data: []byte{0, 0, 0, 0}},
		testMember{name: "/<ECSYMBOLS>/", data: []byte{0, 0, 0, 0}},
		testMember{name: "//", data: []byte("arm64ec_member.obj/\n")},
		testMember{name: "/0", data: []byte("xx")},
	)
	a, err := Open(region.FromBytes("ec.lib", data))
	if err != nil {
		t.Fatal(err)
	}
	if a.ECSymbols == nil || a.ECSymbols.Type != MemberECSymbols || a.Longnames == nil {
		t.Fatalf("special members not resolved: %+v", a)
	}
	members, err := a.Members()
	if err != nil || len(members) != 1 || members[0].Name != "arm64ec_member.obj" {
		t.Errorf("Members = %v, %v", members, err)
	}
	if name, err := a.ResolveMemberName("/<ECSYMBOLS>/"); err != nil || name != "/<ECSYMBOLS>/" {
		t.Errorf("ResolveMemberName = %q, %v", name, err)
	}

	// the symbol map may also follow the longnames member
	late := buildArchive(
		testMember{name: "/", data: linkerData(nil, nil)},
		testMember{name: "//", data: []byte("late.obj/\n")},
		testMember{name: "/<ECSYMBOLS>/", data: []byte{0, 0, 0, 0}},
		testMember{name: "/0", data: []byte("xx")},
	)
	b, err := Open(region.FromBytes("late.lib", late))
	if err != nil {
		t.Fatal(err)
	}
	if b.ECSymbols == nil {
		t.Fatal("symbol map after longnames not resolved")
	}
	if members, err := b.Members(); err != nil || len(members) != 1 || members[0].Name != "late.obj" {
		t.Errorf("Members = %v, %v", members, err)
	}
}

func TestImportEntries(t *testing.T) {
	t.Parallel()
	a := openLibrary(t)
	members, err := a.Members()
	if err != nil {
		t.Fatal(err)
	}

	foo, err := a.ImportEntry(members[0])
	if err != nil {
		t.Fatal(err)
	}
	want := &ImportEntry{
		Format: FormatShort, Name: "_foo", SymbolName: "_foo", DllName: "foo.dll", Ordinal: 3,
		Type: IMPORT_OBJECT_CODE, NameType: IMPORT_OBJECT_NAME, Machine: 0x8664, TimeDateStamp: 0x5f000000,
	}
	if !reflect.DeepEqual(foo, want) {
		t.Errorf("foo = %+v", foo)
	}

	bar, err := a.ImportEntry(members[1])
	if err != nil || bar.Name != "Bar" || bar.Type != IMPORT_OBJECT_DATA || bar.DllName != "bar.dll" {
		t.Errorf("bar = %+v, %v", bar, err)
	}

	long, err := a.ImportEntry(members[2])
	if err != nil {
		t.Fatal(err)
	}
	if long.Format != FormatLong || long.SymbolName != "__imp__GetTickCount@0" || long.Name != "GetTickCount" ||
		long.Machine != 0x14c {
		t.Errorf("long = %+v", long)
	}

	if _, err := a.ImportEntry(members[3]); !errors.Is(err, common.ErrNotImportMember) {
		t.Errorf("odd member: %v", err)
	}
	if _, err := a.ImportEntry(members[4]); !errors.Is(err, common.ErrNotImportMember) {
		t.Errorf("anonymous object: %v", err)
	}

	ord, err := a.ImportEntry(members[5])
	if err != nil || ord.Name != "" || ord.Ordinal != 42 || ord.NameType != IMPORT_OBJECT_ORDINAL {
		t.Errorf("ord = %+v, %v", ord, err)
	}

	if _, err := a.ImportEntry(a.Longnames); !errors.Is(err, common.ErrNotImportMember) {
		t.Errorf("longnames member: %v", err)
	}

	entries, skipped, err := a.Imports()
	if err != nil || len(entries) != 4 || len(skipped) != 2 {
		t.Errorf("Imports = %d entries, %d skipped, %v", len(entries), len(skipped), err)
	}
}

func TestNameTypes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		nameType ImportNameType
		strs     []string
		want     string
	}{
		{IMPORT_OBJECT_NAME, []string{"?Func@@YAXXZ", "a.dll"}, "?Func@@YAXXZ"},
		{IMPORT_OBJECT_NAME_NO_PREFIX, []string{"_Func@4", "a.dll"}, "Func@4"},
		{IMPORT_OBJECT_NAME_NO_PREFIX, []string{"Func", "a.dll"}, "Func"},
		{IMPORT_OBJECT_NAME_UNDECORATE, []string{"@Fast@8", "a.dll"}, "Fast"},
		{IMPORT_OBJECT_NAME_EXPORTAS, []string{"_Sym", "a.dll", "Exported"}, "Exported"},
	}
	for _, tt := range tests {
		e, err := shortImport(shortImportData(0, 0, IMPORT_OBJECT_CODE, tt.nameType, tt.strs...))
		if err != nil || e.Name != tt.want {
			t.Errorf("%s %v: got %+v, %v; want %q", tt.nameType, tt.strs, e, err, tt.want)
		}
	}
}

func TestShortImportBounds(t *testing.T) {
	t.Parallel()
	data := shortImportData(0, 0, IMPORT_OBJECT_CODE, IMPORT_OBJECT_NAME, "f", "a.dll")
	binary.LittleEndian.PutUint32(data[12:], 0x1000)
	if _, err := shortImport(data); !errors.Is(err, common.ErrOutOfBounds) {
		t.Errorf("oversized SizeOfData: %v", err)
	}

	unterminated := shortImportData(0, 0, IMPORT_OBJECT_CODE, IMPORT_OBJECT_NAME, "f")
	unterminated = unterminated[:len(unterminated)-1]
	binary.LittleEndian.PutUint32(unterminated[12:], 1)
	if _, err := shortImport(unterminated); !errors.Is(err, common.ErrOutOfBounds) {
		t.Errorf("unterminated name: %v", err)
	}
}

func TestLinkerSymbols(t *testing.T) {
	t.Parallel()
	a := openLibrary(t)
	syms, err := a.LinkerSymbols()
	if err != nil {
		t.Fatal(err)
	}
	want := []LinkerSymbol{{"__imp_foo", 0x100}, {"foo", 0x200}}
	if !reflect.DeepEqual(syms, want) {
		t.Errorf("LinkerSymbols = %+v", syms)
	}

	huge := buildArchive(testMember{name: "/", data: []byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0}})
	b, err := Open(region.FromBytes("huge.lib", huge))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.LinkerSymbols(); !errors.Is(err, common.ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds for a huge count, got %v", err)
	}
}

func TestOpenFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"bad magic", []byte("!<arch>X" + strings.Repeat(" ", 60)), common.ErrArchiveMagic},
		{"empty", nil, common.ErrArchiveMagic},
		{"no linker member", buildArchive(testMember{name: "a.obj/", data: []byte("xx")}), common.ErrArchiveMagic},
		{"no members", []byte(Magic), common.ErrNoMoreMembers},
		{"truncated linker", buildArchive(testMember{name: "/", data: []byte("xx"), size: "500"}), common.ErrOutOfBounds},
		{"bad size", buildArchive(testMember{name: "/", data: []byte("xx"), size: "12ab"}), common.ErrOutOfBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(region.FromBytes(tt.name, tt.data)); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCorruptMemberStopsWalk(t *testing.T) {
	t.Parallel()
	data := buildArchive(
		testMember{name: "/", data: linkerData(nil, nil)},
		testMember{name: "a.obj/", data: []byte("aa")},
		testMember{name: "b.obj/", data: []byte("bb"), size: "99999"},
	)
	a, err := Open(region.FromBytes("corrupt.lib", data))
	if err != nil {
		t.Fatal(err)
	}
	members, err := a.Members()
	if !errors.Is(err, common.ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds, got %v", err)
	}
	if len(members) != 1 || members[0].Name != "a.obj" {
		t.Errorf("expected the members before the corrupt one, got %v", members)
	}
}

func TestReport(t *testing.T) {
	t.Parallel()
	a := openLibrary(t)
	var out bytes.Buffer
	if err := a.Report(&out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"ARCHIVE INFORMATION (test.lib)", "foo.dll", "bar.dll", "Bar", "#42",
		"__imp__GetTickCount@0", "ARCHIVE WALK"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("report lacks %q", want)
		}
	}
}
