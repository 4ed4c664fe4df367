package common

import "fmt"

// SectionInfo is the format-neutral view of a PE section or ELF section header.
type SectionInfo struct {
	Name           string
	Index          int
	VirtualAddress uint64
	VirtualSize    uint64
	FileOffset     uint64
	FileSize       uint64
	Flags          uint64
	Perm           int
}

type ParseMode int

const (
	ParseFile ParseMode = iota
	ParseImage
)

func (m ParseMode) String() string {
	if m == ParseImage {
		return "image"
	}
	return "file"
}

// ParseResult carries anomalies found while validating headers that did not
// prevent the image from loading.
type ParseResult struct {
	Mode     ParseMode
	Success  bool
	Reason   string
	Warnings []string
}

func (r *ParseResult) Warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

const (
	PERM_READ    = 0x4
	PERM_WRITE   = 0x2
	PERM_EXECUTE = 0x1
)

// PermString renders a PERM_* mask as "rwx".
func PermString(perm int) string {
	b := []byte("---")
	if perm&PERM_READ != 0 {
		b[0] = 'r'
	}
	if perm&PERM_WRITE != 0 {
		b[1] = 'w'
	}
	if perm&PERM_EXECUTE != 0 {
		b[2] = 'x'
	}
	return string(b)
}
