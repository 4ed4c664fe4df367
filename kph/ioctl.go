package kph

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/lunixbochs/struc"

	"gomapimg/common"
	"gomapimg/mapimg"
	"gomapimg/region"
)

// Ioctl is a device-control code.
type Ioctl uint32

const (
	IoctlGetFeatures       Ioctl = 0x9999e000
	IoctlVerifyClient      Ioctl = 0x9999e004
	IoctlReadVirtualMemory Ioctl = 0x9999e008
	IoctlQueryImageExports Ioctl = 0x9999e00c
)

const (
	// MaxReadSize bounds a single IoctlReadVirtualMemory transfer.
	MaxReadSize = 16 << 20

	maxBackoffShift = 10
)

var structOptions = &struc.Options{Order: binary.LittleEndian}

// FeaturesOutput is the IoctlGetFeatures reply.
type FeaturesOutput struct {
	Features uint32 `struc:"uint32,little"`
	Level    uint32 `struc:"uint32,little"`
}

// ReadMemoryInput is the IoctlReadVirtualMemory request.
type ReadMemoryInput struct {
	ProcessID uint32 `struc:"uint32,little"`
	Size      uint32 `struc:"uint32,little"`
	Address   uint64 `struc:"uint64,little"`
}

// Pack encodes v the way DeviceControl decodes inputs.
func Pack(v any) ([]byte, error) {
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
	if len(data) != size {
		return fmt.Errorf("%w: input is %d bytes, want %d", common.ErrOutOfBounds, len(data), size)
	}
	return struc.UnpackWithOptions(bytes.NewReader(data), v, structOptions)
}

type gate int

const (
	ungated gate = iota
	gated
)

type ioctlEntry struct {
	name    string
	gate    gate
	feature Features
	run     func(d *Device, ctx context.Context, c *Client, input []byte) ([]byte, error)
}

var dispatch = map[Ioctl]ioctlEntry{
	IoctlGetFeatures:       {"get features", ungated, 0, (*Device).getFeatures},
	IoctlVerifyClient:      {"verify client", ungated, FeatureVerifyClient, (*Device).verifyClient},
	IoctlReadVirtualMemory: {"read virtual memory", gated, FeatureReadMemory, (*Device).readVirtualMemory},
	IoctlQueryImageExports: {"query image exports", gated, FeatureImageExports, (*Device).queryImageExports},
}

// DeviceControl runs code on the calling goroutine against the client
// behind h. Gated commands require a verified client at signature levels
// and re-check the requestor's privilege at privilege levels.
func (d *Device) DeviceControl(ctx context.Context, h Handle, code Ioctl, input []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := d.Client(h)
	if err != nil {
		return nil, err
	}
	if c.State() != StateActive {
		return nil, fmt.Errorf("%w: %d is %s", common.ErrInvalidHandle, h, c.State())
	}

	e, ok := dispatch[code]
	if !ok {
		return nil, fmt.Errorf("%w: ioctl 0x%08x", common.ErrNotSupported, uint32(code))
	}
	if e.feature != 0 && d.params.Features&e.feature == 0 {
		return nil, fmt.Errorf("%w: %s disabled on %s", common.ErrNotSupported, e.name, d.params.DeviceName)
	}
	if e.gate == gated {
		if d.params.Level.RequiresSignature() && !c.Verified() {
			return nil, fmt.Errorf("%w: %s", common.ErrNotVerified, e.name)
		}
		if d.params.Level.RequiresPrivilege() {
			if err := d.checkPrivilege(c.requestor); err != nil {
				return nil, fmt.Errorf("%s: %w", e.name, err)
			}
		}
	}
	return e.run(d, ctx, c, input)
}

func (d *Device) getFeatures(_ context.Context, _ *Client, _ []byte) ([]byte, error) {
	return Pack(&FeaturesOutput{Features: uint32(d.params.Features), Level: uint32(d.params.Level)})
}

// verifyClient checks an ed25519 signature over the SHA-256 digest of the
// requestor's image. Each failure doubles the wait before the next attempt.
func (d *Device) verifyClient(_ context.Context, c *Client, sig []byte) ([]byte, error) {
	if d.params.PublicKey == nil {
		return nil, fmt.Errorf("%w: no verification key", common.ErrNotSupported)
	}

	c.KeyBackoffMutex.Lock()
	defer c.KeyBackoffMutex.Unlock()

	now := d.now()
	if now.Before(c.backoffUntil) {
		return nil, fmt.Errorf("%w: retry in %s", common.ErrBackoff, c.backoffUntil.Sub(now))
	}

	digest, err := imageDigest(c.requestor.ImagePath)
	if err != nil {
		return nil, err
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(d.params.PublicKey, digest[:], sig) {
		c.failures++
		shift := min(c.failures-1, maxBackoffShift)
		c.backoffUntil = now.Add(d.params.KeyBackoff << shift)
		d.logger.Printf("%s: verification failed for pid %d (%d failures)",
			d.params.DeviceName, c.requestor.PID, c.failures)
		return nil, fmt.Errorf("%w: bad signature", common.ErrAccessDenied)
	}

	c.failures = 0
	c.backoffUntil = time.Time{}
	c.StateMutex.Lock()
	c.verified = true
	c.StateMutex.Unlock()
	return nil, nil
}

func imageDigest(path string) ([sha256.Size]byte, error) {
	r, err := region.Open(path, false)
	if err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("client image: %w", err)
	}
	defer r.Close()
	data, err := r.Bytes()
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(data), nil
}

func (d *Device) readVirtualMemory(_ context.Context, _ *Client, input []byte) ([]byte, error) {
	var in ReadMemoryInput
	if err := unpack(input, &in); err != nil {
		return nil, err
	}
	if in.Size > MaxReadSize {
		return nil, fmt.Errorf("%w: read of %d bytes", common.ErrOutOfBounds, in.Size)
	}
	name := fmt.Sprintf("pid:%d@0x%x", in.ProcessID, in.Address)
	r, err := region.OpenRemote(name, in.Address, int(in.Size), d.readMemory(int(in.ProcessID)))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

// queryImageExports maps the image at the path given as input and returns
// its export names, each terminated by NUL.
func (d *Device) queryImageExports(_ context.Context, _ *Client, input []byte) ([]byte, error) {
	path := strings.TrimRight(string(input), "\x00")
	if path == "" {
		return nil, fmt.Errorf("%w: empty image path", common.ErrNotAnImage)
	}
	img, err := mapimg.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	names, err := img.ExportNames()
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	for _, name := range names {
		out.WriteString(name)
		out.WriteByte(0)
	}
	return out.Bytes(), nil
}
