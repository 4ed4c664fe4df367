package perw

import (
	"fmt"

	"gomapimg/common"
)

type tlsDirectory32 struct {
	StartAddressOfRawData uint32 `struc:"uint32,little"`
	EndAddressOfRawData   uint32 `struc:"uint32,little"`
	AddressOfIndex        uint32 `struc:"uint32,little"`
	AddressOfCallBacks    uint32 `struc:"uint32,little"`
	SizeOfZeroFill        uint32 `struc:"uint32,little"`
	Characteristics       uint32 `struc:"uint32,little"`
}

type tlsDirectory64 struct {
	StartAddressOfRawData uint64 `struc:"uint64,little"`
	EndAddressOfRawData   uint64 `struc:"uint64,little"`
	AddressOfIndex        uint64 `struc:"uint64,little"`
	AddressOfCallBacks    uint64 `struc:"uint64,little"`
	SizeOfZeroFill        uint32 `struc:"uint32,little"`
	Characteristics       uint32 `struc:"uint32,little"`
}

// TlsDirectory is IMAGE_TLS_DIRECTORY with addresses widened to 64 bits.
type TlsDirectory struct {
	StartAddressOfRawData uint64
	EndAddressOfRawData   uint64
	AddressOfIndex        uint64
	AddressOfCallBacks    uint64
	SizeOfZeroFill        uint32
	Characteristics       uint32
}

type TlsCallback struct {
	Index int
	VA    uint64
	RVA   uint32
}

// TlsDirectory decodes the TLS directory, or returns nil when the image has
// none.
func (img *Image) TlsDirectory() (*TlsDirectory, error) {
	_, data, err := img.directory(DirectoryTLS)
	if err != nil || data == nil {
		return nil, err
	}

	if img.Is64Bit {
		var d tlsDirectory64
		if len(data) < 40 {
			return nil, fmt.Errorf("%w: TLS directory is %d bytes", common.ErrTruncatedHeader, len(data))
		}
		if err := unpack(data[:40], &d); err != nil {
			return nil, fmt.Errorf("%w: TLS directory: %v", common.ErrTruncatedHeader, err)
		}
		return &TlsDirectory{
			StartAddressOfRawData: d.StartAddressOfRawData,
			EndAddressOfRawData:   d.EndAddressOfRawData,
			AddressOfIndex:        d.AddressOfIndex,
			AddressOfCallBacks:    d.AddressOfCallBacks,
			SizeOfZeroFill:        d.SizeOfZeroFill,
			Characteristics:       d.Characteristics,
		}, nil
	}

	var d tlsDirectory32
	if len(data) < 24 {
		return nil, fmt.Errorf("%w: TLS directory is %d bytes", common.ErrTruncatedHeader, len(data))
	}
	if err := unpack(data[:24], &d); err != nil {
		return nil, fmt.Errorf("%w: TLS directory: %v", common.ErrTruncatedHeader, err)
	}
	return &TlsDirectory{
		StartAddressOfRawData: uint64(d.StartAddressOfRawData),
		EndAddressOfRawData:   uint64(d.EndAddressOfRawData),
		AddressOfIndex:        uint64(d.AddressOfIndex),
		AddressOfCallBacks:    uint64(d.AddressOfCallBacks),
		SizeOfZeroFill:        d.SizeOfZeroFill,
		Characteristics:       d.Characteristics,
	}, nil
}

// TlsCallbacks walks the zero-terminated callback array named by the TLS
// directory.
func (img *Image) TlsCallbacks() ([]TlsCallback, error) {
	dir, err := img.TlsDirectory()
	if err != nil || dir == nil || dir.AddressOfCallBacks == 0 {
		return nil, err
	}

	rva, err := img.VaToRva(dir.AddressOfCallBacks)
	if err != nil {
		return nil, fmt.Errorf("TLS callback array: %w", err)
	}
	off, err := img.RvaToOffset(rva)
	if err != nil {
		return nil, fmt.Errorf("TLS callback array: %w", err)
	}

	var callbacks []TlsCallback
	size := img.pointerSize()
	for i := 0; i < img.Limits.MaxTlsCallbacks; i++ {
		va, err := img.readPointer(off + uint64(i)*size)
		if err != nil {
			return callbacks, fmt.Errorf("TLS callback %d: %w", i, err)
		}
		if va == 0 {
			return callbacks, nil
		}
		cb := TlsCallback{Index: i, VA: va}
		if r, err := img.VaToRva(va); err == nil {
			cb.RVA = r
		}
		callbacks = append(callbacks, cb)
	}
	return callbacks, fmt.Errorf("%w: more than %d TLS callbacks", common.ErrOutOfBounds, img.Limits.MaxTlsCallbacks)
}
