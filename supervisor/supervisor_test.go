package supervisor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/HawaTechnologies/virtualpad-server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	return config.Config{
		AdminSocketPath:          dir + "/admin.sock",
		AdminGroup:               "",
		PadPort:                  freePort(t),
		BroadcastPort:            freePort(t),
		PasswordFilePath:         dir + "/passwords.conf",
		SlotCount:                2,
		CooldownSeconds:          5,
		HeartbeatIntervalSeconds: 5,
		MaxConnections:           16,
	}
}

func TestStartStopTogglesIsRunning(t *testing.T) {
	s := New(testConfig(t), nopLogger())
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
}

func TestStartTwiceFails(t *testing.T) {
	s := New(testConfig(t), nopLogger())
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.Error(t, s.Start())
}

func TestStopWithoutStartFails(t *testing.T) {
	s := New(testConfig(t), nopLogger())
	assert.Error(t, s.Stop())
}

func TestRunStartsPadServerImmediately(t *testing.T) {
	s := New(testConfig(t), nopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.IsRunning, time.Second, 10*time.Millisecond,
		"pad server must be listening as soon as Run starts, with no prior admin command")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunShutsDownOnContextCancel(t *testing.T) {
	s := New(testConfig(t), nopLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
