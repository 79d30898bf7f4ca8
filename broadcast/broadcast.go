// Package broadcast fans notifications out to passive observers,
// grounded on virtualpad/broadcast_server.py's per-connection queue
// model and on spec.md §4.3.
package broadcast

import (
	"bufio"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// queueDepth bounds how many pending messages a single slow observer
// may accumulate before its sender simply can't keep up with writes;
// the channel itself never blocks Broadcast, only the sender's own
// drain rate matters.
const queueDepth = 64

// sentinel, when received by a sender, means "no more messages, the
// server is shutting down" — mirrors broadcast_server.py's _FINISH.
var sentinel = []byte(nil)

// Server accepts TCP connections and republishes every Broadcast call
// to each one's outbound queue, in arrival order.
type Server struct {
	Log *zap.Logger

	mu        sync.Mutex
	observers map[string]chan []byte
	closed    bool
}

// NewServer returns an empty Server, ready to register observers.
func NewServer() *Server {
	return &Server{Log: zap.NewNop(), observers: make(map[string]chan []byte)}
}

// Serve accepts connections on ln until it is closed or ctx-equivalent
// shutdown happens via Close; each connection becomes an observer.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	id := uuid.NewString()
	queue := make(chan []byte, queueDepth)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.observers[id] = queue
	s.mu.Unlock()

	s.Log.Info("observer connected", zap.String("id", id))
	defer func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
		_ = conn.Close()
		s.Log.Info("observer disconnected", zap.String("id", id))
	}()

	w := bufio.NewWriter(conn)
	for message := range queue {
		if message == nil {
			return
		}
		if _, err := w.Write(message); err != nil {
			return
		}
		if err := w.WriteByte('\n'); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// Broadcast enqueues message on every currently registered observer's
// queue, under a single lock, per spec.md §4.3's total-order guarantee:
// loss is none for any observer able to keep draining its queue. An
// observer whose queue is already full can no longer be delivered to
// losslessly, so it is disconnected rather than silently skipped —
// closing its queue unblocks its sender, which flushes what's already
// buffered and then tears the connection down.
func (s *Server) Broadcast(message []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, q := range s.observers {
		select {
		case q <- message:
		default:
			s.Log.Warn("observer queue full, disconnecting", zap.String("id", id))
			close(q)
			delete(s.observers, id)
		}
	}
}

// Publish implements the Notifier interface consumed by padserver and
// adminserver.
func (s *Server) Publish(message []byte) {
	s.Broadcast(message)
}

// Close enqueues the shutdown sentinel on every observer and stops
// accepting new ones; an observer whose queue is too full to take the
// sentinel has its queue closed instead, so its sender also exits once
// the buffered messages are written. It does not close the listener
// itself, which is the caller's responsibility (Supervisor owns
// listener lifecycle).
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, q := range s.observers {
		select {
		case q <- sentinel:
		default:
			close(q)
			delete(s.observers, id)
		}
	}
}
