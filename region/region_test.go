package region

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"gomapimg/common"
)

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blob.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	return path
}

func TestOpenMapsWholeFile(t *testing.T) {
	data := []byte("MZ\x90\x00hello\x00world")
	r, err := Open(writeTemp(t, data), false)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	if r.Len() != uint64(len(data)) {
		t.Fatalf("Len = %d, want %d", r.Len(), len(data))
	}
	if r.Layout() != LayoutFile {
		t.Errorf("Layout = %v, want file", r.Layout())
	}
	v, err := r.Uint16(0)
	if err != nil || v != 0x5a4d {
		t.Errorf("Uint16(0) = 0x%x, %v", v, err)
	}
	s, err := r.CString(4, 0)
	if err != nil || s != "hello" {
		t.Errorf("CString(4) = %q, %v", s, err)
	}
}

func TestOpenFailures(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing"), false); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing file: got %v, want fs.ErrNotExist", err)
	}
	if _, err := Open(writeTemp(t, nil), false); !errors.Is(err, common.ErrEmptyRegion) {
		t.Errorf("empty file: got %v, want ErrEmptyRegion", err)
	}
	if _, err := Open(t.TempDir(), false); err == nil {
		t.Error("directory: expected an error")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	r, err := Open(writeTemp(t, []byte{1, 2, 3, 4}), true)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := r.Slice(0, 1); !errors.Is(err, common.ErrRegionClosed) {
		t.Errorf("Slice after close: got %v, want ErrRegionClosed", err)
	}
}

func TestBoundsChecks(t *testing.T) {
	r := FromBytes("buf", make([]byte, 16))

	tests := []struct {
		name      string
		off, size uint64
		ok        bool
	}{
		{"whole", 0, 16, true},
		{"empty at end", 16, 0, true},
		{"one past", 1, 16, false},
		{"offset past", 17, 0, false},
		{"wrap", 8, ^uint64(0) - 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Slice(tt.off, tt.size)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, common.ErrOutOfBounds) {
				t.Errorf("got %v, want ErrOutOfBounds", err)
			}
		})
	}

	if _, err := r.Uint64(12); !errors.Is(err, common.ErrOutOfBounds) {
		t.Errorf("Uint64(12): got %v, want ErrOutOfBounds", err)
	}
	if _, err := FromBytes("s", []byte("abc")).CString(0, 0); !errors.Is(err, common.ErrOutOfBounds) {
		t.Errorf("unterminated CString: got %v", err)
	}
	if s, err := FromBytes("s", []byte("abcdef")).CString(0, 3); err != nil || s != "abc" {
		t.Errorf("CString max: %q, %v", s, err)
	}
}

func TestUTF16(t *testing.T) {
	r := FromBytes("u", []byte{'I', 0, 'C', 0, 'O', 0, 'N', 0})
	s, err := r.UTF16(0, 4)
	if err != nil || s != "ICON" {
		t.Errorf("UTF16 = %q, %v", s, err)
	}
	if _, err := r.UTF16(2, 4); !errors.Is(err, common.ErrOutOfBounds) {
		t.Errorf("UTF16 overflow: got %v", err)
	}
}

func TestOpenRemote(t *testing.T) {
	const base = 0x7ff000000800
	memory := make([]byte, 0x2000)
	for i := range memory {
		memory[i] = byte(i)
	}

	var calls int
	read := func(addr uint64, buf []byte) (int, error) {
		calls++
		if addr+uint64(len(buf)) > base+uint64(len(memory)) || (addr%pageSize)+uint64(len(buf)) > pageSize {
			t.Errorf("read crosses a page: 0x%x+%d", addr, len(buf))
		}
		return copy(buf, memory[addr-base:]), nil
	}

	r, err := OpenRemote("remote", base, len(memory), read)
	if err != nil {
		t.Fatalf("OpenRemote failed: %v", err)
	}
	if r.Layout() != LayoutImage || r.Base() != base {
		t.Errorf("layout %v base 0x%x", r.Layout(), r.Base())
	}
	if calls != 3 {
		t.Errorf("reads = %d, want 3 page-bounded chunks", calls)
	}
	b, _ := r.Slice(0x1234, 1)
	if b[0] != 0x34 {
		t.Errorf("byte at 0x1234 = 0x%x", b[0])
	}
}

func TestOpenRemoteShortRead(t *testing.T) {
	short := func(addr uint64, buf []byte) (int, error) {
		if addr >= 0x1000 {
			return len(buf) / 2, nil
		}
		return len(buf), nil
	}
	if _, err := OpenRemote("remote", 0, 0x2000, short); !errors.Is(err, common.ErrRemoteRead) {
		t.Errorf("got %v, want ErrRemoteRead", err)
	}
	if _, err := OpenRemote("remote", 0, 0, short); !errors.Is(err, common.ErrEmptyRegion) {
		t.Errorf("got %v, want ErrEmptyRegion", err)
	}
}

func TestAlignUp(t *testing.T) {
	if got := AlignUp[uint32](61, 2); got != 62 {
		t.Errorf("AlignUp(61,2) = %d", got)
	}
	if got := AlignUp[uint64](0x1001, 0x1000); got != 0x2000 {
		t.Errorf("AlignUp(0x1001,0x1000) = 0x%x", got)
	}
	if !Contains[uint32](0x1fff, 0x1000, 0x1000) || Contains[uint32](0x2000, 0x1000, 0x1000) {
		t.Error("Contains boundary mismatch")
	}
}
