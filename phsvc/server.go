// Package phsvc implements the privileged service port: a local socket
// served by a small fixed pool of workers that all receive from one shared
// queue, with per-client construction guarded by a ready event.
package phsvc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gomapimg/common"
	"gomapimg/kph"
)

const (
	DefaultWorkers     = 2
	DefaultMaxViewSize = 64 << 10

	connectTimeout    = 10 * time.Second
	maxConnectPayload = 64
	viewAlignment     = 0x10000
)

// HandlerFunc serves one API number. The calling client is available
// through ClientFromContext.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// IdentityFunc names the process behind a new connection.
type IdentityFunc func(conn net.Conn) (Peer, error)

type Config struct {
	Path        string
	Workers     int
	Level       kph.SecurityLevel
	MaxViewSize uint32

	// Identity defaults to PeerFromConn, Privileges to kph.CapabilityChecker
	// and Image to the running executable.
	Identity   IdentityFunc
	Privileges kph.PrivilegeChecker
	Image      string

	// Device, when set, backs ApiDeviceControl.
	Device *kph.Device
	Logger *log.Logger
}

type itemKind int

const (
	itemConnect itemKind = iota
	itemRequest
	itemPortClosed
)

// item is one entry of the shared receive queue.
type item struct {
	kind    itemKind
	conn    net.Conn
	client  *ServiceClient
	hdr     header
	payload []byte
}

type Server struct {
	cfg    Config
	image  string
	logger *log.Logger
	queue  chan item

	mu       sync.Mutex
	handlers map[uint32]HandlerFunc
	clients  map[uint64]*ServiceClient
	nextID   uint64
	live     int

	allocations atomic.Int64
	standby     *Event
	cancel      *Event

	// test hooks
	afterAccept  func(*ServiceClient)
	afterEnqueue func(*ServiceClient)
}

// AcceptConnection decides whether a connection request is accepted. Every
// level except SecurityNone requires the requester to run the server's own
// image; privilege levels also require the debug privilege.
func AcceptConnection(level kph.SecurityLevel, sameImage, privileged bool) bool {
	switch level {
	case kph.SecurityNone:
		return true
	case kph.SecuritySignatureCheck:
		return sameImage
	case kph.SecurityPrivilegeCheck, kph.SecuritySignatureAndPrivilegeCheck:
		return sameImage && privileged
	}
	return false
}

func NewServer(cfg Config) (*Server, error) {
	if !cfg.Level.Valid() {
		return nil, fmt.Errorf("service port: invalid security level %d", int(cfg.Level))
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxViewSize == 0 {
		cfg.MaxViewSize = DefaultMaxViewSize
	}
	if cfg.Identity == nil {
		cfg.Identity = PeerFromConn
	}
	if cfg.Privileges == nil {
		cfg.Privileges = kph.CapabilityChecker{}
	}
	if cfg.Image == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("service port: own image: %w", err)
		}
		cfg.Image = exe
	}

	s := &Server{
		cfg:      cfg,
		image:    filepath.Clean(cfg.Image),
		logger:   cfg.Logger,
		queue:    make(chan item),
		handlers: make(map[uint32]HandlerFunc),
		clients:  make(map[uint64]*ServiceClient),
		standby:  NewEvent(),
		cancel:   NewEvent(),
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard, "", 0)
	}
	// no clients yet
	s.standby.Set()
	s.registerBuiltins()
	return s, nil
}

// Handle registers fn for api, replacing any earlier handler.
func (s *Server) Handle(api uint32, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[api] = fn
}

func (s *Server) handler(api uint32) HandlerFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[api]
}

// Allocations counts client objects created over the server's lifetime.
func (s *Server) Allocations() int64 {
	return s.allocations.Load()
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Client returns the connected client with id, holding a reference that the
// caller drops with Release. A client whose teardown has begun is not
// returned even while it is still in the table.
func (s *Server) Client(id uint64) (*ServiceClient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok || !c.ref.ReferenceSafe() {
		return nil, false
	}
	return c, true
}

// Standby is set whenever the last client disconnects.
func (s *Server) Standby() *Event { return s.standby }

// Cancel is set when a client connects to an idle server.
func (s *Server) Cancel() *Event { return s.cancel }

func (s *Server) Config() Config { return s.cfg }

// Serve listens on the configured socket path until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if err := removeStaleSocket(s.cfg.Path); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Path, err)
	}
	// the identity check, not the file mode, decides who gets in
	if err := os.Chmod(s.cfg.Path, 0o666); err != nil {
		ln.Close()
		return fmt.Errorf("failed to open %s to clients: %w", s.cfg.Path, err)
	}
	return s.ServeListener(ctx, ln)
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// ServeListener runs the worker pool and accepts connections from ln until
// ctx is done. It closes ln and every client connection before returning.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Printf("service port %s: %d workers, security level %s", ln.Addr(), s.cfg.Workers, s.cfg.Level)

	var err error
	for {
		conn, aerr := ln.Accept()
		if aerr != nil {
			if ctx.Err() == nil {
				err = fmt.Errorf("accept: %w", aerr)
			}
			break
		}
		go s.receiveConnectionRequest(ctx, conn)
	}

	cancel()
	wg.Wait()
	s.closeClients()
	return err
}

func (s *Server) push(ctx context.Context, it item) bool {
	select {
	case s.queue <- it:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) receiveConnectionRequest(ctx context.Context, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(connectTimeout))
	h, payload, err := readMessage(conn, maxConnectPayload)
	if err == nil && h.Type != MsgConnectionRequest {
		err = fmt.Errorf("%w: %s before connection request", ErrProtocol, h.Type)
	}
	if err != nil {
		s.logger.Printf("service port: dropping connection: %v", err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	if !s.push(ctx, item{kind: itemConnect, conn: conn, hdr: h, payload: payload}) {
		conn.Close()
	}
}

func (s *Server) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.queue:
			s.handleItem(ctx, it)
		}
	}
}

func (s *Server) handleItem(ctx context.Context, it item) {
	if it.kind == itemConnect {
		s.handleConnectionRequest(ctx, it.conn, it.hdr, it.payload)
		return
	}

	c := it.client
	// nothing is dispatched against a client still under construction
	if err := c.ready.Wait(ctx); err != nil {
		if it.kind == itemRequest {
			c.ref.Dereference()
		}
		return
	}

	switch it.kind {
	case itemRequest:
		if !c.failed.Load() {
			s.dispatch(ctx, c, it.hdr, it.payload)
		}
		c.ref.Dereference()
	case itemPortClosed:
		s.portClosed(c)
	}
}

func (s *Server) handleConnectionRequest(ctx context.Context, conn net.Conn, h header, payload []byte) {
	var info ConnectInfo
	if err := unpack(payload, &info); err != nil {
		s.reject(conn, h, StatusInvalidParameter, err)
		return
	}
	peer, err := s.cfg.Identity(conn)
	if err != nil {
		s.reject(conn, h, StatusAccessDenied, fmt.Errorf("identity: %w", err))
		return
	}

	sameImage := peer.ImagePath != "" && filepath.Clean(peer.ImagePath) == s.image
	privileged := false
	if s.cfg.Level.RequiresPrivilege() {
		held, err := s.cfg.Privileges.HasPrivilege(kph.Requestor{PID: peer.PID, ImagePath: peer.ImagePath}, kph.PrivilegeDebug)
		if err != nil {
			s.logger.Printf("service port: privilege check for pid %d: %v", peer.PID, err)
		}
		privileged = err == nil && held
	}
	if !AcceptConnection(s.cfg.Level, sameImage, privileged) {
		s.reject(conn, h, StatusAccessDenied,
			fmt.Errorf("pid %d (%s): same image %t, privileged %t", peer.PID, peer.ImagePath, sameImage, privileged))
		return
	}

	c := s.newClient(conn, peer)

	// accept: bind the client to the port and start receiving its messages
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	go s.receive(ctx, c)
	if s.afterAccept != nil {
		s.afterAccept(c)
	}

	size := uint64(s.cfg.MaxViewSize)
	if info.ViewSize != 0 && info.ViewSize < size {
		size = info.ViewSize
	}
	base, err := viewBase()
	if err != nil {
		s.logger.Printf("service port: client %d view: %v", c.id, err)
		c.fail()
		return
	}
	c.viewBase = base
	c.viewLimit = base + size

	reply, err := pack(&ConnectReply{ServerPID: uint32(os.Getpid()), ViewBase: base, ViewSize: size})
	if err == nil {
		err = c.reply(header{Type: MsgConnectionReply, Sequence: h.Sequence}, reply)
	}
	if err != nil {
		s.logger.Printf("service port: completing client %d: %v", c.id, err)
		c.fail()
		return
	}

	s.mu.Lock()
	s.live++
	if s.live == 1 {
		s.standby.Reset()
		s.cancel.Set()
	}
	s.mu.Unlock()
	c.counted = true

	c.ready.Set()
	s.logger.Printf("service port: client %d connected (pid %d)", c.id, peer.PID)
}

// viewBase picks a random 64 KiB aligned user-space address for a view.
func viewBase() (uint64, error) {
	raw, err := common.GenerateRandomBytes(8)
	if err != nil {
		return 0, err
	}
	base := binary.LittleEndian.Uint64(raw) & 0x00007fffffff0000
	if base == 0 {
		base = viewAlignment
	}
	return base, nil
}

func (s *Server) reject(conn net.Conn, h header, status Status, reason error) {
	s.logger.Printf("service port: rejected connection: %v", reason)
	writeMessage(conn, header{Type: MsgConnectionReply, Sequence: h.Sequence, Status: status}, []byte(status.String()))
	conn.Close()
}

func (s *Server) newClient(conn net.Conn, peer Peer) *ServiceClient {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	c := &ServiceClient{id: id, peer: peer, conn: conn, ready: NewEvent()}
	c.ref = common.NewRefObject(func() { s.destroyClient(c) })
	s.allocations.Add(1)
	return c
}

func (s *Server) destroyClient(c *ServiceClient) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	c.conn.Close()
	s.closeDeviceHandle(c)
}

// receive forwards a client's requests to the shared queue, then reports
// the port closed.
func (s *Server) receive(ctx context.Context, c *ServiceClient) {
	for {
		h, payload, err := readMessage(c.conn, s.cfg.MaxViewSize)
		if err == nil && h.Type != MsgRequest {
			err = fmt.Errorf("%w: unexpected %s", ErrProtocol, h.Type)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Printf("service port: client %d: %v", c.id, err)
			}
			break
		}
		c.ref.Reference()
		if !s.push(ctx, item{kind: itemRequest, client: c, hdr: h, payload: payload}) {
			c.ref.Dereference()
			return
		}
		if s.afterEnqueue != nil {
			s.afterEnqueue(c)
		}
	}
	s.push(ctx, item{kind: itemPortClosed, client: c})
}

func (s *Server) portClosed(c *ServiceClient) {
	s.mu.Lock()
	if c.counted {
		s.live--
		if s.live == 0 {
			s.cancel.Reset()
			s.standby.Set()
		}
	}
	s.mu.Unlock()
	s.logger.Printf("service port: client %d disconnected", c.id)
	c.ref.Dereference()
}

func (s *Server) dispatch(ctx context.Context, c *ServiceClient, h header, payload []byte) {
	out, err := s.call(ctx, c, h.API, payload)
	status := statusOf(err)
	if err != nil {
		out = []byte(err.Error())
	}
	if werr := c.reply(header{Type: MsgReply, API: h.API, Sequence: h.Sequence, Status: status}, out); werr != nil {
		s.logger.Printf("service port: reply to client %d: %v", c.id, werr)
	}
}

func (s *Server) call(ctx context.Context, c *ServiceClient, api uint32, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > c.ViewSize() {
		return nil, fmt.Errorf("%w: %d byte request, %d byte view", errViewOverflow, len(payload), c.ViewSize())
	}
	fn := s.handler(api)
	if fn == nil {
		return nil, fmt.Errorf("%w: api %d", common.ErrNotSupported, api)
	}
	return fn(withClient(ctx, c), payload)
}

// closeClients tears down the connections still open at shutdown. The
// workers have stopped, so no port-closed item will release them.
func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*ServiceClient, 0, len(s.clients))
	for _, c := range s.clients {
		// one already being destroyed closes itself
		if c.ref.ReferenceSafe() {
			clients = append(clients, c)
		}
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
		s.closeDeviceHandle(c)
		c.Release()
	}
}
