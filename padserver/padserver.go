// Package padserver runs the per-connection pad protocol: the 22-byte
// handshake, the event loop, and the heartbeat timeout, grounded on
// virtualpad/pad_server.py and spec.md §4.2/§6.1/§6.3.
package padserver

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HawaTechnologies/virtualpad-server/device"
	"github.com/HawaTechnologies/virtualpad-server/slot"
	"go.uber.org/zap"
)

// Response codes written to the pad socket, per spec.md §4.2.
const (
	LoginSuccess           byte = 0x00
	LoginFailure           byte = 0x01
	PadInvalid             byte = 0x02
	PadBusy                byte = 0x04
	Terminated             byte = 0x05
	CommandLengthMismatch  byte = 0x06
	Pong                   byte = 0x07
	Timeout                byte = 0x08
)

// Event-loop opcodes, per spec.md §6.1. device.NButtons is the boundary
// below which L is a command-frame length rather than an opcode.
const (
	opCloseConn = 19
	opPing      = 20
)

const handshakeSize = 22

// Notifier publishes a JSON-encoded notification line to the broadcast.
type Notifier interface {
	Publish(message []byte)
}

// Manager is the subset of slot.Manager the pad protocol drives.
type Manager interface {
	Occupy(padIndex int, nickname, password string, connectionID int) error
	Release(padIndex int, force bool, expectConnectionID int, zero bool) error
	Emit(padIndex int, events []device.InputEvent, expectConnectionID int) error
}

// Server accepts pad connections on a TCP listener and drives the
// protocol against Manager, publishing notifications via Notifier.
type Server struct {
	Log               *zap.Logger
	Manager           Manager
	Notifier          Notifier
	HeartbeatInterval time.Duration

	nextConnID int64

	mu          sync.Mutex
	listener    net.Listener
	stopped     bool
	connections map[int]*conn
}

// New builds a Server. Call Serve with a listener to start accepting.
func New(manager Manager, notifier Notifier, heartbeatInterval time.Duration) *Server {
	return &Server{
		Log:               zap.NewNop(),
		Manager:           manager,
		Notifier:          notifier,
		HeartbeatInterval: heartbeatInterval,
		connections:       make(map[int]*conn),
	}
}

// Serve accepts connections on ln until Stop is called or Accept fails.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.stopped = false
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
		connID := atomic.AddInt64(&s.nextConnID, 1) - 1
		go s.handle(conn, int(connID))
	}
}

// Stop closes the listener, which unblocks Accept in Serve, writes
// TERMINATED to every still-connected client, and closes their
// sockets. Releasing the underlying slots is the caller's job
// (Supervisor calls Manager.ReleaseAll), matching spec.md §4.2's
// termination contract.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	ln := s.listener
	conns := make([]*conn, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.writeByte(Terminated)
		_ = c.Close()
	}
	if ln == nil {
		return nil
	}
	return ln.Close()
}

type conn struct {
	net.Conn
	writeMu sync.Mutex
}

func (c *conn) writeByte(b byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.Conn.Write([]byte{b})
	return err
}

func (s *Server) handle(raw net.Conn, connID int) {
	c := &conn{Conn: raw}
	s.mu.Lock()
	s.connections[connID] = c
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.connections, connID)
		s.mu.Unlock()
		c.Close()
	}()

	log := s.Log.With(zap.Int("connection_id", connID))

	buf := make([]byte, handshakeSize)
	if _, err := io.ReadFull(c, buf); err != nil {
		log.Debug("handshake read failed", zap.Error(err))
		return
	}

	padIndex := int(buf[0])
	password := string(buf[1:5])
	nickname := trimNickname(buf[5:21])

	err := s.Manager.Occupy(padIndex, nickname, password, connID)
	switch {
	case err == nil:
		_ = c.writeByte(LoginSuccess)
	case errors.Is(err, slot.ErrIndexOutOfRange):
		_ = c.writeByte(PadInvalid)
		return
	case errors.Is(err, slot.ErrAuthenticationFailed):
		_ = c.writeByte(LoginFailure)
		return
	case errors.Is(err, slot.ErrPadInUse):
		_ = c.writeByte(PadBusy)
		return
	default:
		log.Warn("occupy failed", zap.Error(err))
		return
	}

	s.publishNotification(map[string]any{
		"type":     "notification",
		"command":  "pad:set",
		"nickname": nickname,
		"index":    padIndex,
	})

	hasPing := make(chan struct{}, 1)
	stopHeartbeat := make(chan struct{})
	var heartbeatWG sync.WaitGroup
	heartbeatWG.Add(1)
	go s.runHeartbeat(c, padIndex, connID, hasPing, stopHeartbeat, &heartbeatWG, log)

	s.runEventLoop(c, padIndex, connID, hasPing, log)

	close(stopHeartbeat)
	heartbeatWG.Wait()

	if err := s.Manager.Release(padIndex, false, connID, false); err != nil && !errors.Is(err, slot.ErrPadNotInUse) {
		log.Warn("release on termination failed", zap.Error(err))
	}
}

func (s *Server) runEventLoop(c *conn, padIndex, connID int, hasPing chan struct{}, log *zap.Logger) {
	lenBuf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(c, lenBuf); err != nil {
			return
		}
		l := int(lenBuf[0])
		switch {
		case l < device.NButtons:
			payload := make([]byte, 2*l)
			if _, err := io.ReadFull(c, payload); err != nil {
				_ = c.writeByte(CommandLengthMismatch)
				return
			}
			events := make([]device.InputEvent, l)
			for i := 0; i < l; i++ {
				events[i] = device.InputEvent{Key: payload[2*i], State: int(payload[2*i+1])}
			}
			if err := s.Manager.Emit(padIndex, events, connID); err != nil {
				log.Debug("emit dropped", zap.Error(err))
			}
		case l == opCloseConn:
			_ = s.Manager.Release(padIndex, false, connID, true)
			return
		case l == opPing:
			select {
			case hasPing <- struct{}{}:
			default:
			}
			if err := c.writeByte(Pong); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) runHeartbeat(c *conn, padIndex, connID int, hasPing chan struct{}, stop chan struct{}, wg *sync.WaitGroup, log *zap.Logger) {
	defer wg.Done()
	ticker := time.NewTicker(s.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-hasPing:
				continue
			default:
			}
			log.Info("heartbeat timeout", zap.Int("pad_index", padIndex))
			_ = c.writeByte(Timeout)
			if err := s.Manager.Release(padIndex, true, connID, true); err != nil {
				log.Debug("release on timeout failed", zap.Error(err))
			}
			s.publishNotification(map[string]any{
				"type":    "notification",
				"command": "pad:timeout",
				"index":   padIndex,
			})
			_ = c.Close()
			return
		}
	}
}

func (s *Server) publishNotification(payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.Log.Warn("failed to encode notification", zap.Error(err))
		return
	}
	s.Notifier.Publish(raw)
}

func trimNickname(raw []byte) string {
	n := len(raw)
	for n > 0 && raw[n-1] == '\b' {
		n--
	}
	return string(raw[:n])
}
