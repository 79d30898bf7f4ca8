package broadcast

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialObserver(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcastDeliversToAllObservers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := NewServer()
	go s.Serve(ln)

	a := dialObserver(t, ln.Addr())
	b := dialObserver(t, ln.Addr())
	time.Sleep(20 * time.Millisecond) // let both registrations land

	s.Broadcast([]byte(`{"type":"notification"}`))

	for _, conn := range []net.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		line, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "{\"type\":\"notification\"}\n", line)
	}
}

func TestCloseSendsSentinelAndStopsSenders(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := NewServer()
	go s.Serve(ln)

	conn := dialObserver(t, ln.Addr())
	time.Sleep(20 * time.Millisecond)

	s.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err, "sender must close the connection after the sentinel")
}

func TestBroadcastAfterCloseIsNoop(t *testing.T) {
	s := NewServer()
	s.Close()
	assert.NotPanics(t, func() { s.Broadcast([]byte("x")) })
}

func TestBroadcastDisconnectsObserverOnFullQueue(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := NewServer()
	go s.Serve(ln)

	conn := dialObserver(t, ln.Addr())
	time.Sleep(20 * time.Millisecond)

	s.mu.Lock()
	require.Len(t, s.observers, 1)
	s.mu.Unlock()

	for i := 0; i < queueDepth+1; i++ {
		s.Broadcast([]byte("x"))
	}

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.observers) == 0
	}, time.Second, 10*time.Millisecond, "overflowing observer must be dropped from the registry")

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}
}
