package phsvc

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"gomapimg/common"
	"gomapimg/kph"
)

// Peer is the process on the other end of a connection.
type Peer struct {
	PID       int
	UID       uint32
	ImagePath string
}

// ServiceClient is the server's state for one accepted connection. It starts
// with one reference, held by the port until it closes; every queued
// request holds another.
type ServiceClient struct {
	id   uint64
	peer Peer
	conn net.Conn

	ref   *common.RefObject
	ready *Event

	// written once before ready is set
	viewBase  uint64
	viewLimit uint64
	counted   bool

	failed  atomic.Bool
	writeMu sync.Mutex

	deviceMu sync.Mutex
	handle   kph.Handle
}

func (c *ServiceClient) ID() uint64  { return c.id }
func (c *ServiceClient) Peer() Peer  { return c.peer }
func (c *ServiceClient) Refs() int64 { return c.ref.Count() }

// ViewBase and ViewLimit bound the client's request window. They are only
// meaningful once the client is ready, which request dispatch guarantees.
func (c *ServiceClient) ViewBase() uint64  { return c.viewBase }
func (c *ServiceClient) ViewLimit() uint64 { return c.viewLimit }
func (c *ServiceClient) ViewSize() uint64  { return c.viewLimit - c.viewBase }

// Release drops a reference taken by Server.Client.
func (c *ServiceClient) Release() {
	c.ref.Dereference()
}

func (c *ServiceClient) Ready() bool {
	return c.ready.IsSet()
}

func (c *ServiceClient) reply(h header, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeMessage(c.conn, h, payload)
}

// fail releases anyone waiting on a client whose accept did not complete.
func (c *ServiceClient) fail() {
	c.failed.Store(true)
	c.ready.Set()
	c.conn.Close()
}

type clientKey struct{}

func withClient(ctx context.Context, c *ServiceClient) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// ClientFromContext returns the client a handler is serving.
func ClientFromContext(ctx context.Context) (*ServiceClient, bool) {
	c, ok := ctx.Value(clientKey{}).(*ServiceClient)
	return c, ok
}
