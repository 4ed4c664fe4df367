package phsvc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gomapimg/common"
	"gomapimg/kph"
	"gomapimg/mapimg"
)

// Built-in API numbers.
const (
	ApiPing uint32 = iota + 1
	ApiServerInfo
	ApiImageExports
	ApiImageImports
	ApiDeviceControl
)

type ServerInfo struct {
	ServerPID   int    `json:"server_pid"`
	Level       string `json:"level"`
	Workers     int    `json:"workers"`
	Clients     int    `json:"clients"`
	Allocations int64  `json:"allocations"`
	ClientID    uint64 `json:"client_id"`
	ClientPID   int    `json:"client_pid"`
	ViewBase    uint64 `json:"view_base"`
	ViewSize    uint64 `json:"view_size"`
}

type ImageExports struct {
	Path    string   `json:"path"`
	Kind    string   `json:"kind"`
	Exports []string `json:"exports"`
}

type ImageImports struct {
	Path    string                  `json:"path"`
	Kind    string                  `json:"kind"`
	Imports []mapimg.ImportedModule `json:"imports"`
}

func (s *Server) registerBuiltins() {
	s.Handle(ApiPing, func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})
	s.Handle(ApiServerInfo, s.serverInfo)
	s.Handle(ApiImageExports, imageExports)
	s.Handle(ApiImageImports, imageImports)
	s.Handle(ApiDeviceControl, s.deviceControl)
}

func (s *Server) serverInfo(ctx context.Context, _ []byte) ([]byte, error) {
	info := ServerInfo{
		ServerPID:   os.Getpid(),
		Level:       s.cfg.Level.String(),
		Workers:     s.cfg.Workers,
		Clients:     s.Clients(),
		Allocations: s.Allocations(),
	}
	if c, ok := ClientFromContext(ctx); ok {
		info.ClientID = c.ID()
		info.ClientPID = c.Peer().PID
		info.ViewBase = c.ViewBase()
		info.ViewSize = c.ViewSize()
	}
	return json.Marshal(info)
}

func imagePath(payload []byte) (string, error) {
	path := strings.TrimRight(string(payload), "\x00")
	if path == "" {
		return "", fmt.Errorf("%w: empty image path", ErrInvalidParameter)
	}
	return path, nil
}

func imageExports(_ context.Context, payload []byte) ([]byte, error) {
	path, err := imagePath(payload)
	if err != nil {
		return nil, err
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
	return json.Marshal(ImageExports{Path: path, Kind: img.Kind().String(), Exports: names})
}

func imageImports(_ context.Context, payload []byte) ([]byte, error) {
	path, err := imagePath(payload)
	if err != nil {
		return nil, err
	}
	img, err := mapimg.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	imports, err := img.Imports()
	if err != nil {
		return nil, err
	}
	return json.Marshal(ImageImports{Path: path, Kind: img.Kind().String(), Imports: imports})
}

// deviceControl forwards a little-endian ioctl code followed by its input to
// the kernel command channel, through a device handle opened on the
// client's behalf on first use.
func (s *Server) deviceControl(ctx context.Context, payload []byte) ([]byte, error) {
	if s.cfg.Device == nil {
		return nil, fmt.Errorf("%w: no command channel", common.ErrNotSupported)
	}
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: missing ioctl code", ErrInvalidParameter)
	}
	c, ok := ClientFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: no client", ErrInvalidParameter)
	}
	h, err := s.deviceHandle(ctx, c)
	if err != nil {
		return nil, err
	}
	code := kph.Ioctl(binary.LittleEndian.Uint32(payload))
	return s.cfg.Device.DeviceControl(ctx, h, code, payload[4:])
}

func (s *Server) deviceHandle(ctx context.Context, c *ServiceClient) (kph.Handle, error) {
	c.deviceMu.Lock()
	defer c.deviceMu.Unlock()
	if c.handle != 0 {
		return c.handle, nil
	}
	h, err := s.cfg.Device.Create(ctx, kph.Requestor{PID: c.peer.PID, ImagePath: c.peer.ImagePath})
	if err != nil {
		return 0, err
	}
	c.handle = h
	return h, nil
}

func (s *Server) closeDeviceHandle(c *ServiceClient) {
	c.deviceMu.Lock()
	defer c.deviceMu.Unlock()
	if c.handle == 0 || s.cfg.Device == nil {
		return
	}
	if err := s.cfg.Device.Close(c.handle); err != nil {
		s.logger.Printf("service port: client %d device handle: %v", c.id, err)
	}
	c.handle = 0
}
