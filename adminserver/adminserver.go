// Package adminserver runs the Unix-socket JSON-line admin protocol:
// starting/stopping the pad server, clearing slots, and rotating
// passwords, grounded on virtualpad/admin.py's channel concept and on
// spec.md §4.4.
package adminserver

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"os"
	"os/user"
	"strconv"
	"sync"

	"github.com/HawaTechnologies/virtualpad-server/slot"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

const socketMode = 0o660

// PadController is the subset of the pad TCP server's lifecycle the
// admin protocol drives.
type PadController interface {
	Start() error
	Stop() error
	IsRunning() bool
}

// Manager is the subset of slot.Manager the admin protocol drives.
type Manager interface {
	Release(padIndex int, force bool, expectConnectionID int, zero bool) error
	ReleaseAll()
	Serialize() []slot.SlotView
}

// PasswordStore is the subset of password.Store the admin protocol drives.
type PasswordStore interface {
	All() ([]string, error)
	Reset(indices []int) ([]string, error)
}

// Notifier publishes a JSON-encoded notification line to the broadcast.
type Notifier interface {
	Publish(message []byte)
}

// Server accepts Unix-domain admin connections, each carrying one
// request and receiving one response before being closed.
type Server struct {
	Log           *zap.Logger
	Pad           PadController
	Manager       Manager
	Passwords     PasswordStore
	Notifier      Notifier
	SocketPath    string
	SocketGroup   string

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

// New builds a Server bound to the given Unix socket path and group.
func New(pad PadController, manager Manager, passwords PasswordStore, notifier Notifier, socketPath, socketGroup string) *Server {
	return &Server{
		Log:         zap.NewNop(),
		Pad:         pad,
		Manager:     manager,
		Passwords:   passwords,
		Notifier:    notifier,
		SocketPath:  socketPath,
		SocketGroup: socketGroup,
	}
}

// Listen creates and permissions the admin socket, per spec.md §4.4.
func (s *Server) Listen() (net.Listener, error) {
	_ = os.Remove(s.SocketPath)
	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(s.SocketPath, socketMode); err != nil {
		ln.Close()
		return nil, err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	if s.SocketGroup != "" {
		if gid, err := groupID(s.SocketGroup); err == nil {
			_ = os.Chown(s.SocketPath, -1, gid)
		} else {
			s.Log.Warn("could not resolve admin group", zap.String("group", s.SocketGroup), zap.Error(err))
		}
	}
	return ln, nil
}

func groupID(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return nil
			}
			return err
		}
		go s.handle(conn)
	}
}

// Stop closes the listening socket, unblocking Serve.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	_ = os.Remove(s.SocketPath)
	return err
}

type request struct {
	Command string
	Index   int
	Force   bool
	Indices []int
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		s.respond(conn, map[string]any{"type": "response", "code": "unknown-command"})
		return
	}
	var req request
	if err := mapstructure.Decode(raw, &req); err != nil {
		s.respond(conn, map[string]any{"type": "response", "code": "unknown-command"})
		return
	}

	switch req.Command {
	case "server:start":
		s.handleServerStart(conn)
	case "server:stop":
		s.handleServerStop(conn)
	case "server:is-running":
		s.respond(conn, map[string]any{"type": "response", "code": "server:is-running", "value": s.Pad.IsRunning()})
	case "pad:clear":
		s.handlePadClear(conn, req)
	case "pad:clear-all":
		s.handlePadClearAll(conn)
	case "pad:status":
		s.handlePadStatus(conn)
	case "pad:reset-passwords":
		s.handleResetPasswords(conn, req)
	default:
		s.respond(conn, map[string]any{"type": "response", "code": "unknown-command"})
	}
}

func (s *Server) handleServerStart(conn net.Conn) {
	if s.Pad.IsRunning() {
		s.respond(conn, map[string]any{"type": "response", "code": "server:already-running"})
		return
	}
	s.notify(map[string]any{"type": "notification", "command": "server:starting"})
	if err := s.Pad.Start(); err != nil {
		s.Log.Warn("pad server start failed", zap.Error(err))
		s.respond(conn, map[string]any{"type": "response", "code": "server:already-running"})
		return
	}
	s.notify(map[string]any{"type": "notification", "command": "server:started"})
	s.respond(conn, map[string]any{"type": "response", "code": "server:ok", "status": s.serializeSlots()})
}

func (s *Server) handleServerStop(conn net.Conn) {
	if !s.Pad.IsRunning() {
		s.respond(conn, map[string]any{"type": "response", "code": "server:not-running"})
		return
	}
	if err := s.Pad.Stop(); err != nil {
		s.Log.Warn("pad server stop failed", zap.Error(err))
	}
	s.notify(map[string]any{"type": "notification", "command": "server:stopped"})
	s.respond(conn, map[string]any{"type": "response", "code": "server:ok"})
}

func (s *Server) handlePadClear(conn net.Conn, req request) {
	err := s.Manager.Release(req.Index, req.Force, -1, true)
	if errors.Is(err, slot.ErrIndexOutOfRange) {
		s.respond(conn, map[string]any{"type": "response", "code": "pad:invalid-index"})
		return
	}
	// ErrPadNotInUse on an already-empty slot is still "ok": the slot
	// ends up exactly where the caller wanted it.
	s.notify(map[string]any{"type": "notification", "command": "pad:cleared", "index": req.Index})
	s.respond(conn, map[string]any{"type": "response", "code": "pad:ok", "index": req.Index})
}

func (s *Server) handlePadClearAll(conn net.Conn) {
	s.Manager.ReleaseAll()
	s.notify(map[string]any{"type": "notification", "command": "pad:all-cleared"})
	s.respond(conn, map[string]any{"type": "response", "code": "pad:ok"})
}

func (s *Server) handlePadStatus(conn net.Conn) {
	passwords, err := s.Passwords.All()
	if err != nil {
		s.Log.Warn("reading passwords failed", zap.Error(err))
	}
	s.respond(conn, map[string]any{
		"type":      "response",
		"code":      "pad:status",
		"pads":      s.serializeSlots(),
		"passwords": passwords,
	})
}

func (s *Server) handleResetPasswords(conn net.Conn, req request) {
	passwords, err := s.Passwords.Reset(req.Indices)
	if err != nil {
		s.Log.Warn("resetting passwords failed", zap.Error(err))
		s.respond(conn, map[string]any{"type": "response", "code": "unknown-command"})
		return
	}
	s.notify(map[string]any{"type": "notification", "command": "pad:passwords-reset", "indices": req.Indices})
	s.respond(conn, map[string]any{"type": "response", "code": "ok", "passwords": passwords})
}

func (s *Server) serializeSlots() []map[string]any {
	views := s.Manager.Serialize()
	out := make([]map[string]any, len(views))
	for i, v := range views {
		out[i] = map[string]any{"index": v.Index, "state": v.State, "nickname": v.Nickname}
	}
	return out
}

func (s *Server) respond(conn net.Conn, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.Log.Warn("failed to encode response", zap.Error(err))
		return
	}
	raw = append(raw, '\n')
	_, _ = conn.Write(raw)
}

func (s *Server) notify(payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.Log.Warn("failed to encode notification", zap.Error(err))
		return
	}
	s.Notifier.Publish(raw)
}
