package phsvc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/lunixbochs/struc"

	"gomapimg/common"
)

const headerSize = 20

type MessageType uint16

const (
	MsgConnectionRequest MessageType = 1
	MsgConnectionReply   MessageType = 2
	MsgRequest           MessageType = 3
	MsgReply             MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MsgConnectionRequest:
		return "connection request"
	case MsgConnectionReply:
		return "connection reply"
	case MsgRequest:
		return "request"
	case MsgReply:
		return "reply"
	}
	return fmt.Sprintf("type%d", uint16(t))
}

type Status uint32

const (
	StatusSuccess Status = iota
	StatusAccessDenied
	StatusNotImplemented
	StatusInvalidParameter
	StatusBufferTooSmall
	StatusNotVerified
	StatusInternalError
)

var statusNames = [...]string{
	StatusSuccess:          "success",
	StatusAccessDenied:     "access denied",
	StatusNotImplemented:   "not implemented",
	StatusInvalidParameter: "invalid parameter",
	StatusBufferTooSmall:   "buffer too small",
	StatusNotVerified:      "not verified",
	StatusInternalError:    "internal error",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status 0x%x", uint32(s))
}

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInternal         = errors.New("service internal error")
	ErrProtocol         = errors.New("protocol violation")
	ErrConnClosed       = errors.New("connection closed")

	errViewOverflow = fmt.Errorf("%w: request exceeds client view", common.ErrOutOfBounds)
)

// StatusError is a failed reply as seen by the caller.
type StatusError struct {
	API     uint32
	Status  Status
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api %d: %s", e.API, e.Status)
	}
	return fmt.Sprintf("api %d: %s: %s", e.API, e.Status, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch e.Status {
	case StatusAccessDenied:
		return common.ErrAccessDenied
	case StatusNotImplemented:
		return common.ErrNotSupported
	case StatusInvalidParameter:
		return ErrInvalidParameter
	case StatusBufferTooSmall:
		return common.ErrOutOfBounds
	case StatusNotVerified:
		return common.ErrNotVerified
	}
	return ErrInternal
}

// statusOf maps a handler error onto the status sent back to the client.
func statusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, errViewOverflow):
		return StatusBufferTooSmall
	case errors.Is(err, common.ErrNotVerified):
		return StatusNotVerified
	case errors.Is(err, common.ErrAccessDenied),
		errors.Is(err, common.ErrPrivilegeNotHeld),
		errors.Is(err, common.ErrBackoff):
		return StatusAccessDenied
	case errors.Is(err, common.ErrNotSupported):
		return StatusNotImplemented
	case errors.Is(err, ErrInvalidParameter),
		errors.Is(err, common.ErrNotAnImage),
		errors.Is(err, common.ErrTruncatedHeader),
		errors.Is(err, common.ErrUnsupportedMachine),
		errors.Is(err, common.ErrOutOfBounds),
		errors.Is(err, common.ErrEmptyRegion),
		errors.Is(err, common.ErrInvalidHandle),
		errors.Is(err, fs.ErrNotExist):
		return StatusInvalidParameter
	}
	return StatusInternalError
}

// header precedes every message on the port.
type header struct {
	Type     MessageType `struc:"uint16,little"`
	Flags    uint16      `struc:"uint16,little"`
	API      uint32      `struc:"uint32,little"`
	Sequence uint32      `struc:"uint32,little"`
	Status   Status      `struc:"uint32,little"`
	Length   uint32      `struc:"uint32,little"`
}

// ConnectInfo is the connection request payload.
type ConnectInfo struct {
	ViewSize uint64 `struc:"uint64,little"`
}

// ConnectReply is the connection reply payload. The view is the window the
// server reserved for this client's request payloads.
type ConnectReply struct {
	ServerPID uint32 `struc:"uint32,little"`
	Reserved  uint32 `struc:"uint32,little"`
	ViewBase  uint64 `struc:"uint64,little"`
	ViewSize  uint64 `struc:"uint64,little"`
}

var structOptions = &struc.Options{Order: binary.LittleEndian}

func pack(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, v, structOptions); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unpack(data []byte, v any) error {
	size, err := struc.Sizeof(v)
	if err != nil {
		return err
	}
	if len(data) < size {
		return fmt.Errorf("%w: %d byte payload, want %d", ErrProtocol, len(data), size)
	}
	return struc.UnpackWithOptions(bytes.NewReader(data), v, structOptions)
}

// readMessage reads one header and its payload. Payloads longer than limit
// are a protocol violation.
func readMessage(r io.Reader, limit uint32) (header, []byte, error) {
	var raw [headerSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return header{}, nil, err
	}
	var h header
	if err := unpack(raw[:], &h); err != nil {
		return header{}, nil, err
	}
	if h.Length > limit {
		return h, nil, fmt.Errorf("%w: %s payload of %d bytes exceeds %d", ErrProtocol, h.Type, h.Length, limit)
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, nil, fmt.Errorf("%w: truncated %s payload: %v", ErrProtocol, h.Type, err)
	}
	return h, payload, nil
}

// writeMessage sends h and payload in a single write. The caller serializes
// writers on the same stream.
func writeMessage(w io.Writer, h header, payload []byte) error {
	h.Length = uint32(len(payload))
	raw, err := pack(&h)
	if err != nil {
		return err
	}
	_, err = w.Write(append(raw, payload...))
	return err
}
