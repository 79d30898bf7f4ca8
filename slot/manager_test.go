package slot

import (
	"testing"
	"time"

	"github.com/HawaTechnologies/virtualpad-server/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePasswords struct {
	byIndex map[int]string
}

func (f *fakePasswords) Check(index int, password string) (bool, error) {
	return f.byIndex[index] == password, nil
}

func newTestManager(n int) (*Manager, *device.FakeFactory, *fakePasswords) {
	passwords := &fakePasswords{byIndex: map[int]string{0: "aaaa", 1: "bbbb"}}
	factory := &device.FakeFactory{}
	return NewManager(n, passwords, factory, 5*time.Second), factory, passwords
}

func TestOccupyHappyPath(t *testing.T) {
	m, factory, _ := newTestManager(2)
	require.NoError(t, m.Occupy(0, "alice", "aaaa", 1))
	require.Len(t, factory.Created, 1)

	views := m.Serialize()
	assert.Equal(t, "occupied", views[0].State)
	assert.Equal(t, "alice", views[0].Nickname)
}

func TestOccupyWrongPassword(t *testing.T) {
	m, _, _ := newTestManager(2)
	err := m.Occupy(0, "alice", "wrong", 1)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestOccupyIndexOutOfRange(t *testing.T) {
	m, _, _ := newTestManager(2)
	err := m.Occupy(5, "alice", "aaaa", 1)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestOccupyBusySlot(t *testing.T) {
	m, _, _ := newTestManager(2)
	require.NoError(t, m.Occupy(0, "alice", "aaaa", 1))
	err := m.Occupy(0, "bob", "aaaa", 2)
	assert.ErrorIs(t, err, ErrPadInUse)
}

func TestReleaseNonForceTransitionsToRecentlyUsed(t *testing.T) {
	m, factory, _ := newTestManager(2)
	require.NoError(t, m.Occupy(0, "alice", "aaaa", 1))
	require.NoError(t, m.Release(0, false, 1, true))

	views := m.Serialize()
	assert.Equal(t, "recently-used", views[0].State)
	assert.Equal(t, "", views[0].Nickname)
	// Device retained, not closed, across the cooldown window.
	assert.False(t, factory.Created[0].Closed)
}

func TestReleaseExpectMismatchIsSilentNoOp(t *testing.T) {
	m, _, _ := newTestManager(2)
	require.NoError(t, m.Occupy(0, "alice", "aaaa", 1))
	require.NoError(t, m.Release(0, false, 99, true))

	views := m.Serialize()
	assert.Equal(t, "occupied", views[0].State, "stale release must not affect a slot owned by a newer connection")
}

func TestReleaseForceDestroysDevice(t *testing.T) {
	m, factory, _ := newTestManager(2)
	require.NoError(t, m.Occupy(0, "alice", "aaaa", 1))
	require.NoError(t, m.Release(0, true, -1, true))

	assert.True(t, factory.Created[0].Closed)
	views := m.Serialize()
	assert.Equal(t, "empty", views[0].State)
}

func TestOccupyFromRecentlyUsedReusesDevice(t *testing.T) {
	m, factory, _ := newTestManager(2)
	require.NoError(t, m.Occupy(0, "alice", "aaaa", 1))
	require.NoError(t, m.Release(0, false, 1, true))
	require.NoError(t, m.Occupy(0, "carol", "aaaa", 2))

	assert.Len(t, factory.Created, 1, "device must be reused, not recreated")
	views := m.Serialize()
	assert.Equal(t, "occupied", views[0].State)
	assert.Equal(t, "carol", views[0].Nickname)
}

func TestEmitRequiresOccupied(t *testing.T) {
	m, _, _ := newTestManager(2)
	err := m.Emit(0, []device.InputEvent{{Key: device.BtnSouth, State: 1}}, -1)
	assert.ErrorIs(t, err, ErrPadNotInUse)
}

func TestEmitMismatchedConnection(t *testing.T) {
	m, _, _ := newTestManager(2)
	require.NoError(t, m.Occupy(0, "alice", "aaaa", 1))
	err := m.Emit(0, []device.InputEvent{{Key: device.BtnSouth, State: 1}}, 42)
	assert.ErrorIs(t, err, ErrPadMismatch)
}

func TestEmitAppliesFrameToDevice(t *testing.T) {
	m, factory, _ := newTestManager(2)
	require.NoError(t, m.Occupy(0, "alice", "aaaa", 1))
	require.NoError(t, m.Emit(0, []device.InputEvent{{Key: device.BtnSouth, State: 1}}, 1))

	assert.NotNil(t, factory.Created[0].LastFrame())
}

func TestHeartbeatReclaimsExpiredSlot(t *testing.T) {
	passwords := &fakePasswords{byIndex: map[int]string{0: "aaaa"}}
	factory := &device.FakeFactory{}
	m := NewManager(1, passwords, factory, 0)
	require.NoError(t, m.Occupy(0, "alice", "aaaa", 1))
	require.NoError(t, m.Release(0, false, 1, true))

	reclaimed := m.Heartbeat()
	assert.True(t, reclaimed[0])
	views := m.Serialize()
	assert.Equal(t, "empty", views[0].State)
	assert.True(t, factory.Created[0].Closed)
}

func TestHeartbeatLeavesFreshCooldownAlone(t *testing.T) {
	m, _, _ := newTestManager(1)
	require.NoError(t, m.Occupy(0, "alice", "aaaa", 1))
	require.NoError(t, m.Release(0, false, 1, true))

	reclaimed := m.Heartbeat()
	assert.False(t, reclaimed[0])
}

func TestReleaseAllForceReleasesEverySlot(t *testing.T) {
	m, factory, _ := newTestManager(2)
	require.NoError(t, m.Occupy(0, "alice", "aaaa", 1))
	require.NoError(t, m.Occupy(1, "bob", "bbbb", 2))

	m.ReleaseAll()

	for _, v := range m.Serialize() {
		assert.Equal(t, "empty", v.State)
	}
	for _, d := range factory.Created {
		assert.True(t, d.Closed)
	}
}
