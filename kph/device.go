package kph

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"gomapimg/common"
	"gomapimg/region"
)

const DefaultDeviceName = "KProcessHacker3"

// Parameters configure a device. They are copied at NewDevice and never
// change afterwards.
type Parameters struct {
	DeviceName string
	Level      SecurityLevel
	Features   Features
	KeyBackoff time.Duration
	PublicKey  ed25519.PublicKey
}

func DefaultParameters() Parameters {
	return Parameters{
		DeviceName: DefaultDeviceName,
		Level:      DefaultSecurityLevel,
		Features:   AllFeatures,
		KeyBackoff: time.Second,
	}
}

func (p Parameters) clone() Parameters {
	if p.PublicKey != nil {
		p.PublicKey = append(ed25519.PublicKey(nil), p.PublicKey...)
	}
	return p
}

// Handle names an open client of a device. Zero is never a valid handle.
type Handle uint64

type ClientState int

const (
	StateConnecting ClientState = iota
	StateActive
	StateClosing
)

func (s ClientState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("state%d", int(s))
}

// Client is the per-handle context. It is owned by exactly one handle and
// released only by Close.
type Client struct {
	StateMutex      sync.Mutex
	KeyBackoffMutex sync.Mutex

	requestor Requestor
	state     ClientState
	verified  bool

	// guarded by KeyBackoffMutex
	failures     int
	backoffUntil time.Time
}

func (c *Client) Requestor() Requestor {
	return c.requestor
}

func (c *Client) State() ClientState {
	c.StateMutex.Lock()
	defer c.StateMutex.Unlock()
	return c.state
}

func (c *Client) Verified() bool {
	c.StateMutex.Lock()
	defer c.StateMutex.Unlock()
	return c.verified
}

// Options carries the device's collaborators. Zero values select the
// platform defaults.
type Options struct {
	Checker    PrivilegeChecker
	Logger     *log.Logger
	ReadMemory func(pid int) region.ReadMemoryFunc
	Now        func() time.Time
}

type Device struct {
	params     Parameters
	checker    PrivilegeChecker
	logger     *log.Logger
	readMemory func(pid int) region.ReadMemoryFunc
	now        func() time.Time

	mu      sync.Mutex
	clients map[Handle]*Client
	next    Handle

	allocations atomic.Int64
}

func NewDevice(params Parameters, opts Options) (*Device, error) {
	if !params.Level.Valid() {
		return nil, fmt.Errorf("device %s: invalid security level %d", params.DeviceName, int(params.Level))
	}
	if params.PublicKey != nil && len(params.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("device %s: public key is %d bytes, want %d",
			params.DeviceName, len(params.PublicKey), ed25519.PublicKeySize)
	}

	d := &Device{
		params:     params.clone(),
		checker:    opts.Checker,
		logger:     opts.Logger,
		readMemory: opts.ReadMemory,
		now:        opts.Now,
		clients:    make(map[Handle]*Client),
	}
	if d.checker == nil {
		d.checker = CapabilityChecker{}
	}
	if d.logger == nil {
		d.logger = log.New(io.Discard, "", 0)
	}
	if d.readMemory == nil {
		d.readMemory = region.ProcessReader
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d, nil
}

func (d *Device) Parameters() Parameters {
	return d.params.clone()
}

// Allocations counts client contexts allocated over the device's lifetime.
func (d *Device) Allocations() int64 {
	return d.allocations.Load()
}

// OpenHandles returns the number of clients not yet closed.
func (d *Device) OpenHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

// Create runs the create dispatch for r. Privilege-gated levels check
// PrivilegeDebug before anything is allocated; a rejected requestor leaves
// no client behind.
func (d *Device) Create(ctx context.Context, r Requestor) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if d.params.Level.RequiresPrivilege() {
		if err := d.checkPrivilege(r); err != nil {
			d.logger.Printf("%s: create rejected for pid %d: %v", d.params.DeviceName, r.PID, err)
			return 0, err
		}
	}

	c := &Client{requestor: r, state: StateConnecting}
	d.allocations.Add(1)

	c.StateMutex.Lock()
	c.state = StateActive
	c.StateMutex.Unlock()

	d.mu.Lock()
	d.next++
	h := d.next
	d.clients[h] = c
	d.mu.Unlock()

	d.logger.Printf("%s: handle %d opened for pid %d", d.params.DeviceName, h, r.PID)
	return h, nil
}

func (d *Device) checkPrivilege(r Requestor) error {
	held, err := d.checker.HasPrivilege(r, PrivilegeDebug)
	if err != nil {
		return fmt.Errorf("%w: %w: %v", common.ErrAccessDenied, common.ErrPrivilegeNotHeld, err)
	}
	if !held {
		return fmt.Errorf("%w: %w: %s for pid %d", common.ErrAccessDenied, common.ErrPrivilegeNotHeld, PrivilegeDebug, r.PID)
	}
	return nil
}

// Close releases the client behind h. It is the only path that frees a
// client; closing the same handle twice fails with ErrInvalidHandle.
func (d *Device) Close(h Handle) error {
	d.mu.Lock()
	c, ok := d.clients[h]
	delete(d.clients, h)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", common.ErrInvalidHandle, h)
	}

	c.StateMutex.Lock()
	c.state = StateClosing
	c.StateMutex.Unlock()

	d.logger.Printf("%s: handle %d closed", d.params.DeviceName, h)
	return nil
}

// Client returns the context behind h. The pointer must not be used after
// h is closed.
func (d *Device) Client(h Handle) (*Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clients[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", common.ErrInvalidHandle, h)
	}
	return c, nil
}
