package phsvc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gomapimg/kph"
)

const maxReplySize = 64 << 20

type result struct {
	hdr     header
	payload []byte
}

// Conn is a client connection to a service port. Calls may be issued
// concurrently; replies are matched to calls by sequence number.
type Conn struct {
	conn  net.Conn
	reply ConnectReply

	writeMu sync.Mutex
	seq     atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]chan result
	err     error
}

// Dial connects to the service port at path and asks for a request view of
// viewSize bytes; zero takes the server's maximum.
func Dial(ctx context.Context, path string, viewSize uint64) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		nc.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	reply, err := handshake(nc, viewSize)
	if err != nil {
		nc.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if !stop() {
		nc.Close()
		return nil, ctx.Err()
	}

	c := &Conn{conn: nc, reply: reply, pending: make(map[uint32]chan result)}
	go c.receive()
	return c, nil
}

func handshake(nc net.Conn, viewSize uint64) (ConnectReply, error) {
	var reply ConnectReply
	info, err := pack(&ConnectInfo{ViewSize: viewSize})
	if err != nil {
		return reply, err
	}
	if err := writeMessage(nc, header{Type: MsgConnectionRequest}, info); err != nil {
		return reply, fmt.Errorf("connection request: %w", err)
	}
	h, payload, err := readMessage(nc, maxConnectPayload)
	if err != nil {
		return reply, fmt.Errorf("connection reply: %w", err)
	}
	if h.Type != MsgConnectionReply {
		return reply, fmt.Errorf("%w: %s in place of connection reply", ErrProtocol, h.Type)
	}
	if h.Status != StatusSuccess {
		return reply, &StatusError{Status: h.Status, Message: "connection refused"}
	}
	if err := unpack(payload, &reply); err != nil {
		return reply, err
	}
	return reply, nil
}

func (c *Conn) ServerPID() int   { return int(c.reply.ServerPID) }
func (c *Conn) ViewBase() uint64 { return c.reply.ViewBase }
func (c *Conn) ViewSize() uint64 { return c.reply.ViewSize }

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) receive() {
	for {
		h, payload, err := readMessage(c.conn, maxReplySize)
		if err == nil && h.Type != MsgReply {
			err = fmt.Errorf("%w: unexpected %s", ErrProtocol, h.Type)
		}
		if err != nil {
			c.shutdown(err)
			return
		}
		c.mu.Lock()
		ch := c.pending[h.Sequence]
		delete(c.pending, h.Sequence)
		c.mu.Unlock()
		if ch != nil {
			ch <- result{hdr: h, payload: payload}
		}
	}
}

func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = fmt.Errorf("%w: %v", ErrConnClosed, cause)
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
}

func (c *Conn) forget(seq uint32) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

// Call sends payload to api and waits for the matching reply. A failed
// reply is returned as a *StatusError.
func (c *Conn) Call(ctx context.Context, api uint32, payload []byte) ([]byte, error) {
	seq := c.seq.Add(1)
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[seq] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := writeMessage(c.conn, header{Type: MsgRequest, API: api, Sequence: seq}, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(seq)
		return nil, fmt.Errorf("api %d: %w", api, err)
	}

	select {
	case r, ok := <-ch:
		if !ok {
			c.mu.Lock()
			defer c.mu.Unlock()
			return nil, c.err
		}
		if r.hdr.Status != StatusSuccess {
			return nil, &StatusError{API: api, Status: r.hdr.Status, Message: string(r.payload)}
		}
		return r.payload, nil
	case <-ctx.Done():
		c.forget(seq)
		return nil, ctx.Err()
	}
}

func (c *Conn) Ping(ctx context.Context, data []byte) ([]byte, error) {
	return c.Call(ctx, ApiPing, data)
}

func (c *Conn) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	var info ServerInfo
	if err := c.callJSON(ctx, ApiServerInfo, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Conn) ImageExports(ctx context.Context, path string) (*ImageExports, error) {
	var out ImageExports
	if err := c.callJSON(ctx, ApiImageExports, []byte(path), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Conn) ImageImports(ctx context.Context, path string) (*ImageImports, error) {
	var out ImageImports
	if err := c.callJSON(ctx, ApiImageImports, []byte(path), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeviceControl issues an ioctl on the server's command channel.
func (c *Conn) DeviceControl(ctx context.Context, code kph.Ioctl, input []byte) ([]byte, error) {
	payload := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(input)), uint32(code))
	return c.Call(ctx, ApiDeviceControl, append(payload, input...))
}

func (c *Conn) callJSON(ctx context.Context, api uint32, payload []byte, v any) error {
	out, err := c.Call(ctx, api, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(out, v); err != nil {
		return fmt.Errorf("api %d reply: %w", api, err)
	}
	return nil
}
