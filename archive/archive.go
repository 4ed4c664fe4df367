package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
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

// Open checks the archive signature and resolves the special members that
// precede the standard ones: the first linker member, which is required,
// then an optional second linker member, an optional ARM64EC symbol map and
// an optional longnames member.
func Open(r *region.Region) (*Archive, error) {
	magic, err := r.Slice(0, uint64(len(Magic)))
	if err != nil || string(magic) != Magic {
		if r.IsClosed() {
			return nil, common.ErrRegionClosed
		}
		return nil, fmt.Errorf("%w: %s", common.ErrArchiveMagic, r.Name())
	}

	a := &Archive{region: r}
	first, err := a.readHeader(uint64(len(Magic)))
	if err != nil {
		return nil, fmt.Errorf("first linker member: %w", err)
	}
	if first.Type != MemberLinker {
		return nil, fmt.Errorf("%w: first member %q is not a linker member", common.ErrArchiveMagic, first.RawName)
	}
	a.FirstLinker = first
	next := first.dataEnd()

	// A header that fails here is reported again by FirstMember.
	if m, err := a.readHeader(next); err == nil && m.Type == MemberLinker {
		a.SecondLinker = m
		next = m.dataEnd()
	}
	if m, err := a.readHeader(next); err == nil && m.Type == MemberECSymbols {
		a.ECSymbols = m
		next = m.dataEnd()
	}
	if m, err := a.readHeader(next); err == nil && m.Type == MemberLongnames {
		a.Longnames = m
		next = m.dataEnd()
	}
	// some writers emit the symbol map after the longnames member
	if m, err := a.readHeader(next); err == nil && m.Type == MemberECSymbols && a.ECSymbols == nil {
		a.ECSymbols = m
		next = m.dataEnd()
	}
	a.firstStandard = next
	return a, nil
}

func (a *Archive) Region() *region.Region {
	return a.region
}

func memberType(raw string) MemberType {
	switch raw {
	case "/", "/SYM64/":
		return MemberLinker
	case "//":
		return MemberLongnames
	case ecSymbolsName:
		return MemberECSymbols
	}
	return MemberNormal
}

// readMember decodes the member whose header starts at off and resolves its
// name through the longnames member. A name that cannot be resolved is kept
// raw and recorded in NameErr; only the header decides where the next
// member starts.
func (a *Archive) readMember(off uint64) (*Member, error) {
	m, err := a.readHeader(off)
	if err != nil {
		return nil, err
	}
	if m.Type == MemberNormal {
		name, err := a.ResolveMemberName(m.RawName)
		if err != nil {
			m.NameErr = fmt.Errorf("member at 0x%x: %w", off, err)
		} else {
			m.Name = name
		}
	}
	return m, nil
}

func (a *Archive) readHeader(off uint64) (*Member, error) {
	if off >= a.region.Len() {
		return nil, common.ErrNoMoreMembers
	}
	raw, err := a.region.Slice(off, memberHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("member header at 0x%x: %w", off, err)
	}
	var h memberHeader
	if err := unpack(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: member header at 0x%x: %v", common.ErrOutOfBounds, off, err)
	}
	if string(h.EndHeader[:]) != headerEnd {
		return nil, fmt.Errorf("%w: member header at 0x%x has no terminator", common.ErrArchiveMagic, off)
	}

	size, err := parseDecimal(h.Size[:])
	if err != nil {
		return nil, fmt.Errorf("%w: member at 0x%x size %q", common.ErrOutOfBounds, off, h.Size[:])
	}
	data, err := a.region.Slice(off+memberHeaderSize, size)
	if err != nil {
		return nil, fmt.Errorf("member at 0x%x: %w", off, err)
	}
	date, _ := parseDecimal(h.Date[:])

	m := &Member{
		RawName: strings.TrimRight(string(h.Name[:]), " "),
		Offset:  off,
		Date:    int64(date),
		Mode:    strings.TrimSpace(string(h.Mode[:])),
		Size:    size,
		Data:    data,
	}
	m.Type = memberType(m.RawName)
	m.Name = m.RawName
	return m, nil
}

// parseDecimal reads a space-padded ASCII decimal field. An all-blank field
// is zero.
func parseDecimal(field []byte) (uint64, error) {
	s := strings.TrimSpace(string(field))
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

// ResolveMemberName turns a raw header name into the member name. "/N"
// refers to offset N of the longnames member, terminated by '/' or NUL;
// inline names end at '/' or NUL. The special member names are returned
// unchanged.
func (a *Archive) ResolveMemberName(raw string) (string, error) {
	if memberType(raw) != MemberNormal {
		return raw, nil
	}
	if len(raw) > 1 && raw[0] == '/' {
		n, err := strconv.ParseUint(strings.TrimSpace(raw[1:]), 10, 64)
		if err != nil {
			return "", fmt.Errorf("%w: member name %q", common.ErrOutOfBounds, raw)
		}
		if a.Longnames == nil {
			return "", fmt.Errorf("%w: %q with no longnames member", common.ErrOutOfBounds, raw)
		}
		blob := a.Longnames.Data
		if n >= uint64(len(blob)) {
			return "", common.OutOfBounds(n, 1, uint64(len(blob)))
		}
		end := bytes.IndexAny(blob[n:], "/\x00")
		if end < 0 {
			return "", fmt.Errorf("%w: unterminated long name at %d", common.ErrOutOfBounds, n)
		}
		return string(blob[n : n+uint64(end)]), nil
	}

	if end := strings.IndexAny(raw, "/\x00"); end >= 0 {
		raw = raw[:end]
	}
	return strings.TrimSpace(raw), nil
}

// FirstMember returns the first standard member.
func (a *Archive) FirstMember() (*Member, error) {
	return a.readMember(a.firstStandard)
}

// NextMember returns the member after m, or ErrNoMoreMembers.
func (a *Archive) NextMember(m *Member) (*Member, error) {
	return a.readMember(m.dataEnd())
}

// Members walks every standard member. Members whose long name cannot be
// resolved are returned with NameErr set. A corrupt header ends the walk
// since the following member cannot be located; the members read so far are
// returned with the error.
func (a *Archive) Members() ([]*Member, error) {
	var out []*Member
	m, err := a.FirstMember()
	for err == nil {
		out = append(out, m)
		m, err = a.NextMember(m)
	}
	if errors.Is(err, common.ErrNoMoreMembers) {
		return out, nil
	}
	return out, err
}

// LinkerSymbols decodes the first linker member: a big-endian symbol count,
// that many big-endian member offsets, then the NUL-terminated names. The
// GNU /SYM64/ variant uses 64-bit fields.
func (a *Archive) LinkerSymbols() ([]LinkerSymbol, error) {
	data := a.FirstLinker.Data
	width := uint64(4)
	if a.FirstLinker.RawName == "/SYM64/" {
		width = 8
	}
	read := func(off uint64) uint64 {
		if width == 8 {
			return binary.BigEndian.Uint64(data[off:])
		}
		return uint64(binary.BigEndian.Uint32(data[off:]))
	}

	if uint64(len(data)) < width {
		return nil, common.OutOfBounds(0, width, uint64(len(data)))
	}
	count := read(0)
	tableEnd, ok := region.RangeEnd(width, count*width, uint64(len(data)))
	if !ok || count > uint64(len(data))/width {
		return nil, fmt.Errorf("%w: %d linker symbols in %d bytes", common.ErrOutOfBounds, count, len(data))
	}

	out := make([]LinkerSymbol, 0, count)
	names := data[tableEnd:]
	for i := uint64(0); i < count; i++ {
		end := bytes.IndexByte(names, 0)
		if end < 0 {
			return out, fmt.Errorf("%w: linker symbol %d name", common.ErrOutOfBounds, i)
		}
		out = append(out, LinkerSymbol{
			Name:         string(names[:end]),
			MemberOffset: read(width + i*width),
		})
		names = names[end+1:]
	}
	return out, nil
}

// MemberAt reads the member whose header starts at off, as named by a
// linker symbol.
func (a *Archive) MemberAt(off uint64) (*Member, error) {
	if off < a.firstStandard {
		return nil, fmt.Errorf("%w: 0x%x precedes the first standard member", common.ErrOutOfBounds, off)
	}
	return a.readMember(off)
}
