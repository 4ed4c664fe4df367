package kph

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gopkg.in/yaml.v2"

	"gomapimg/common"
	"gomapimg/region"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func allow(held *atomic.Bool) PrivilegeChecker {
	return PrivilegeFunc(func(Requestor, Privilege) (bool, error) {
		return held.Load(), nil
	})
}

// patternReader fills every buffer with the low byte of each address.
func patternReader(pid int) region.ReadMemoryFunc {
	return func(addr uint64, buf []byte) (int, error) {
		for i := range buf {
			buf[i] = byte(addr + uint64(i))
		}
		return len(buf), nil
	}
}

func newTestDevice(t *testing.T, params Parameters, held *atomic.Bool, clock *fakeClock) *Device {
	t.Helper()
	opts := Options{Checker: allow(held), ReadMemory: patternReader}
	if clock != nil {
		opts.Now = clock.Now
	}
	d, err := NewDevice(params, opts)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	return d
}

func readInput(t *testing.T, pid uint32, addr uint64, size uint32) []byte {
	t.Helper()
	in, err := Pack(&ReadMemoryInput{ProcessID: pid, Address: addr, Size: size})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return in
}

func TestCreateRejectedAllocatesNothing(t *testing.T) {
	params := DefaultParameters()
	params.Level = SecuritySignatureAndPrivilegeCheck
	var held atomic.Bool
	d := newTestDevice(t, params, &held, nil)

	for i := 0; i < 3; i++ {
		h, err := d.Create(context.Background(), Requestor{PID: 100 + i})
		if !errors.Is(err, common.ErrPrivilegeNotHeld) || !errors.Is(err, common.ErrAccessDenied) {
			t.Fatalf("Create error = %v, want access denied / privilege not held", err)
		}
		if h != 0 {
			t.Errorf("rejected Create returned handle %d", h)
		}
	}
	if got := d.Allocations(); got != 0 {
		t.Errorf("Allocations = %d, want 0", got)
	}
	if got := d.OpenHandles(); got != 0 {
		t.Errorf("OpenHandles = %d, want 0", got)
	}
}

func TestCreateCheckerError(t *testing.T) {
	failing := PrivilegeFunc(func(Requestor, Privilege) (bool, error) {
		return true, errors.New("capget: no such process")
	})
	d, err := NewDevice(DefaultParameters(), Options{Checker: failing})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Create(context.Background(), Requestor{PID: 1}); !errors.Is(err, common.ErrPrivilegeNotHeld) {
		t.Fatalf("Create error = %v, want ErrPrivilegeNotHeld", err)
	}
	if d.Allocations() != 0 {
		t.Error("client allocated after checker error")
	}
}

func TestCreateUnrestrictedSkipsChecker(t *testing.T) {
	params := DefaultParameters()
	params.Level = SecurityNone
	var held atomic.Bool
	d := newTestDevice(t, params, &held, nil)

	h, err := d.Create(context.Background(), Requestor{PID: 7})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c, err := d.Client(h)
	if err != nil {
		t.Fatal(err)
	}
	if c.State() != StateActive {
		t.Errorf("state = %s, want active", c.State())
	}
	if c.Verified() {
		t.Error("new client already verified")
	}
	if d.Allocations() != 1 {
		t.Errorf("Allocations = %d, want 1", d.Allocations())
	}
}

func TestCreateCancelledContext(t *testing.T) {
	var held atomic.Bool
	held.Store(true)
	d := newTestDevice(t, DefaultParameters(), &held, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Create(ctx, Requestor{PID: 1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Create error = %v, want context.Canceled", err)
	}
	if d.Allocations() != 0 {
		t.Error("client allocated for cancelled create")
	}
}

func TestCloseTwice(t *testing.T) {
	var held atomic.Bool
	held.Store(true)
	d := newTestDevice(t, DefaultParameters(), &held, nil)

	h, err := d.Create(context.Background(), Requestor{PID: 1})
	if err != nil {
		t.Fatal(err)
	}
	c, _ := d.Client(h)
	if err := d.Close(h); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.State() != StateClosing {
		t.Errorf("state after close = %s", c.State())
	}
	if err := d.Close(h); !errors.Is(err, common.ErrInvalidHandle) {
		t.Errorf("second Close = %v, want ErrInvalidHandle", err)
	}
	if _, err := d.DeviceControl(context.Background(), h, IoctlGetFeatures, nil); !errors.Is(err, common.ErrInvalidHandle) {
		t.Errorf("DeviceControl after close = %v, want ErrInvalidHandle", err)
	}
	if d.OpenHandles() != 0 {
		t.Errorf("OpenHandles = %d", d.OpenHandles())
	}
}

func TestHandlesAreDistinct(t *testing.T) {
	var held atomic.Bool
	held.Store(true)
	d := newTestDevice(t, DefaultParameters(), &held, nil)

	var wg sync.WaitGroup
	handles := make([]Handle, 16)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := d.Create(context.Background(), Requestor{PID: i})
			if err != nil {
				t.Errorf("Create %d: %v", i, err)
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	seen := make(map[Handle]bool)
	for _, h := range handles {
		if h == 0 || seen[h] {
			t.Fatalf("handle %d zero or reused", h)
		}
		seen[h] = true
	}
	if d.Allocations() != int64(len(handles)) {
		t.Errorf("Allocations = %d", d.Allocations())
	}
}

func TestGetFeatures(t *testing.T) {
	params := DefaultParameters()
	params.Level = SecuritySignatureCheck
	params.Features = FeatureReadMemory
	d := newTestDevice(t, params, new(atomic.Bool), nil)

	h, err := d.Create(context.Background(), Requestor{PID: 1})
	if err != nil {
		t.Fatal(err)
	}
	out, err := d.DeviceControl(context.Background(), h, IoctlGetFeatures, nil)
	if err != nil {
		t.Fatalf("get features: %v", err)
	}
	var got FeaturesOutput
	if err := unpack(out, &got); err != nil {
		t.Fatal(err)
	}
	if Features(got.Features) != FeatureReadMemory || SecurityLevel(got.Level) != SecuritySignatureCheck {
		t.Errorf("features = %+v", got)
	}

	if _, err := d.DeviceControl(context.Background(), h, IoctlQueryImageExports, []byte("/bin/true")); !errors.Is(err, common.ErrNotSupported) {
		t.Errorf("disabled feature = %v, want ErrNotSupported", err)
	}
	if _, err := d.DeviceControl(context.Background(), h, Ioctl(0x1234), nil); !errors.Is(err, common.ErrNotSupported) {
		t.Errorf("unknown ioctl = %v, want ErrNotSupported", err)
	}
}

func TestVerifyClientBackoff(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	image := []byte("\x7fELF client image contents")
	path := filepath.Join(t.TempDir(), "client")
	if err := os.WriteFile(path, image, 0o755); err != nil {
		t.Fatal(err)
	}
	digest := sha256.Sum256(image)
	good := ed25519.Sign(priv, digest[:])
	bad := bytes.Repeat([]byte{1}, ed25519.SignatureSize)

	params := DefaultParameters()
	params.Level = SecuritySignatureCheck
	params.PublicKey = pub
	params.KeyBackoff = time.Second
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	d := newTestDevice(t, params, new(atomic.Bool), clock)

	ctx := context.Background()
	h, err := d.Create(ctx, Requestor{PID: 42, ImagePath: path})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := d.DeviceControl(ctx, h, IoctlReadVirtualMemory, readInput(t, 42, 0x1000, 8)); !errors.Is(err, common.ErrNotVerified) {
		t.Fatalf("read before verify = %v, want ErrNotVerified", err)
	}

	verify := func(sig []byte) error {
		_, err := d.DeviceControl(ctx, h, IoctlVerifyClient, sig)
		return err
	}
	if err := verify(bad); !errors.Is(err, common.ErrAccessDenied) {
		t.Fatalf("bad signature = %v, want ErrAccessDenied", err)
	}
	if err := verify(good); !errors.Is(err, common.ErrBackoff) {
		t.Fatalf("retry inside backoff = %v, want ErrBackoff", err)
	}
	clock.Advance(time.Second)
	if err := verify(bad); !errors.Is(err, common.ErrAccessDenied) {
		t.Fatalf("second bad signature = %v", err)
	}
	// the wait doubled to two seconds
	clock.Advance(time.Second)
	if err := verify(good); !errors.Is(err, common.ErrBackoff) {
		t.Fatalf("retry after 1s of 2s backoff = %v, want ErrBackoff", err)
	}
	clock.Advance(time.Second)
	if err := verify(good); err != nil {
		t.Fatalf("good signature: %v", err)
	}

	c, _ := d.Client(h)
	if !c.Verified() {
		t.Fatal("client not marked verified")
	}
	out, err := d.DeviceControl(ctx, h, IoctlReadVirtualMemory, readInput(t, 42, 0x1ffe, 4))
	if err != nil {
		t.Fatalf("read after verify: %v", err)
	}
	if want := []byte{0xfe, 0xff, 0x00, 0x01}; !bytes.Equal(out, want) {
		t.Errorf("read = %x, want %x", out, want)
	}
}

func TestVerifyClientWithoutKey(t *testing.T) {
	params := DefaultParameters()
	params.Level = SecurityNone
	d := newTestDevice(t, params, new(atomic.Bool), nil)
	h, _ := d.Create(context.Background(), Requestor{PID: 1})
	if _, err := d.DeviceControl(context.Background(), h, IoctlVerifyClient, nil); !errors.Is(err, common.ErrNotSupported) {
		t.Errorf("verify without key = %v, want ErrNotSupported", err)
	}
}

func TestPrivilegeRecheckedPerCall(t *testing.T) {
	var held atomic.Bool
	held.Store(true)
	d := newTestDevice(t, DefaultParameters(), &held, nil)

	ctx := context.Background()
	h, err := d.Create(ctx, Requestor{PID: 9})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.DeviceControl(ctx, h, IoctlReadVirtualMemory, readInput(t, 9, 0x10, 2)); err != nil {
		t.Fatalf("read while privileged: %v", err)
	}

	held.Store(false)
	if _, err := d.DeviceControl(ctx, h, IoctlReadVirtualMemory, readInput(t, 9, 0x10, 2)); !errors.Is(err, common.ErrPrivilegeNotHeld) {
		t.Fatalf("read after privilege dropped = %v, want ErrPrivilegeNotHeld", err)
	}
	if _, err := d.DeviceControl(ctx, h, IoctlGetFeatures, nil); err != nil {
		t.Errorf("ungated ioctl after privilege dropped: %v", err)
	}
}

func TestReadVirtualMemoryInput(t *testing.T) {
	params := DefaultParameters()
	params.Level = SecurityNone
	d := newTestDevice(t, params, new(atomic.Bool), nil)
	ctx := context.Background()
	h, _ := d.Create(ctx, Requestor{PID: 1})

	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"short input", []byte{1, 2, 3}, common.ErrOutOfBounds},
		{"too large", readInput(t, 1, 0, MaxReadSize+1), common.ErrOutOfBounds},
		{"empty read", readInput(t, 1, 0x1000, 0), common.ErrEmptyRegion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.DeviceControl(ctx, h, IoctlReadVirtualMemory, tt.input); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestQueryImageExportsRejectsNonImage(t *testing.T) {
	params := DefaultParameters()
	params.Level = SecurityNone
	d := newTestDevice(t, params, new(atomic.Bool), nil)
	ctx := context.Background()
	h, _ := d.Create(ctx, Requestor{PID: 1})

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("plain text, not an executable image"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := d.DeviceControl(ctx, h, IoctlQueryImageExports, []byte(path)); !errors.Is(err, common.ErrNotAnImage) {
		t.Errorf("query text file = %v, want ErrNotAnImage", err)
	}
	if _, err := d.DeviceControl(ctx, h, IoctlQueryImageExports, []byte{0}); !errors.Is(err, common.ErrNotAnImage) {
		t.Errorf("query empty path = %v, want ErrNotAnImage", err)
	}
}

func TestNewDeviceValidation(t *testing.T) {
	params := DefaultParameters()
	params.Level = SecurityLevel(9)
	if _, err := NewDevice(params, Options{}); err == nil {
		t.Error("accepted level 9")
	}
	params = DefaultParameters()
	params.PublicKey = ed25519.PublicKey{1, 2, 3}
	if _, err := NewDevice(params, Options{}); err == nil {
		t.Error("accepted 3-byte public key")
	}
}

func TestParametersAreCopied(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	params := DefaultParameters()
	params.PublicKey = pub
	d, err := NewDevice(params, Options{})
	if err != nil {
		t.Fatal(err)
	}
	pub[0] ^= 0xff
	got := d.Parameters()
	if got.PublicKey[0] == pub[0] {
		t.Error("device shares the caller's key slice")
	}
	got.PublicKey[1] ^= 0xff
	if d.Parameters().PublicKey[1] == got.PublicKey[1] {
		t.Error("Parameters exposes the device's key slice")
	}
}

func TestParseSecurityLevel(t *testing.T) {
	tests := []struct {
		in   string
		want SecurityLevel
		ok   bool
	}{
		{"0", SecurityNone, true},
		{"3", SecuritySignatureAndPrivilegeCheck, true},
		{"privilege", SecurityPrivilegeCheck, true},
		{" Signature ", SecuritySignatureCheck, true},
		{"unrestricted", SecurityNone, true},
		{"both", SecuritySignatureAndPrivilegeCheck, true},
		{"signature+privilege", SecuritySignatureAndPrivilegeCheck, true},
		{"4", 0, false},
		{"-1", 0, false},
		{"paranoid", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseSecurityLevel(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseSecurityLevel(%q) error = %v", tt.in, err)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("ParseSecurityLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestSecurityLevelYAML(t *testing.T) {
	var v struct {
		A SecurityLevel `yaml:"a"`
		B SecurityLevel `yaml:"b"`
	}
	if err := yaml.Unmarshal([]byte("a: 1\nb: signature+privilege\n"), &v); err != nil {
		t.Fatal(err)
	}
	if v.A != SecuritySignatureCheck || v.B != SecuritySignatureAndPrivilegeCheck {
		t.Errorf("decoded %s, %s", v.A, v.B)
	}
	if err := yaml.Unmarshal([]byte("a: 7\n"), &v); err == nil {
		t.Error("accepted level 7")
	}

	out, err := yaml.Marshal(map[string]SecurityLevel{"level": SecurityPrivilegeCheck})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "level: privilege\n" {
		t.Errorf("marshal = %q", out)
	}
}

func TestParseFeatures(t *testing.T) {
	f, err := ParseFeatures([]string{"read_memory", " Verify "})
	if err != nil {
		t.Fatal(err)
	}
	if f != FeatureReadMemory|FeatureVerifyClient {
		t.Errorf("features = %s", f)
	}
	if f.String() != "verify,read_memory" {
		t.Errorf("String = %q", f.String())
	}
	if all, _ := ParseFeatures([]string{"all"}); all != AllFeatures {
		t.Errorf("all = %s", all)
	}
	if _, err := ParseFeatures([]string{"teleport"}); err == nil {
		t.Error("accepted unknown feature")
	}
	if Features(0).String() != "none" {
		t.Error("empty set")
	}
}
