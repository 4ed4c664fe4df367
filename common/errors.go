package common

import (
	"errors"
	"fmt"
)

// Failure reasons shared by every decoder and server in the module.
var (
	ErrNotAnImage         = errors.New("not an image")
	ErrTruncatedHeader    = errors.New("truncated header")
	ErrUnsupportedMachine = errors.New("unsupported machine")
	ErrOutOfBounds        = errors.New("out of bounds")
	ErrWrongFormat        = errors.New("wrong image format")
	ErrArchiveMagic       = errors.New("archive magic mismatch")
	ErrNotImportMember    = errors.New("member is not an import descriptor")
	ErrNoMoreMembers      = errors.New("no more archive members")

	ErrRegionClosed = errors.New("region closed")
	ErrEmptyRegion  = errors.New("zero-length region")
	ErrRemoteRead   = errors.New("remote read failed")
	ErrNotSupported = errors.New("not supported on this platform")

	ErrAccessDenied     = errors.New("access denied")
	ErrPrivilegeNotHeld = errors.New("privilege not held")
	ErrInvalidHandle    = errors.New("invalid handle")
	ErrNotVerified      = errors.New("client not verified")
	ErrBackoff          = errors.New("verification backoff in effect")
)

// WalkError records a single entry that a collection walker skipped.
type WalkError struct {
	Directory string
	Index     int
	Err       error
}

func (e *WalkError) Error() string {
	return fmt.Sprintf("%s entry %d: %v", e.Directory, e.Index, e.Err)
}

func (e *WalkError) Unwrap() error {
	return e.Err
}

// OutOfBounds builds an ErrOutOfBounds with the failing range attached.
func OutOfBounds(offset, size, length uint64) error {
	return fmt.Errorf("%w: offset 0x%x size 0x%x exceeds length 0x%x", ErrOutOfBounds, offset, size, length)
}
