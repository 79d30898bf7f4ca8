package slot

import (
	"fmt"
	"sync"
	"time"

	"github.com/HawaTechnologies/virtualpad-server/device"
)

// PasswordChecker is the subset of password.Store that Manager needs;
// satisfied by *password.Store.
type PasswordChecker interface {
	Check(index int, password string) (bool, error)
}

// Manager owns the slot array and the single mutex that serializes
// every operation on it, per spec.md §5 ("SlotManager holds a single
// mutex covering the whole slot array and the PasswordStore cache").
type Manager struct {
	mu       sync.Mutex
	slots    []*Slot
	passwords PasswordChecker
	factory  device.Factory
	cooldown time.Duration
}

// NewManager builds a Manager with n slots, backed by the given
// password checker and device factory.
func NewManager(n int, passwords PasswordChecker, factory device.Factory, cooldown time.Duration) *Manager {
	slots := make([]*Slot, n)
	for i := range slots {
		slots[i] = newSlot(i)
	}
	return &Manager{slots: slots, passwords: passwords, factory: factory, cooldown: cooldown}
}

// Occupy authenticates pad_index against password and, on success,
// transitions it to Occupied under connectionID.
func (m *Manager) Occupy(padIndex int, nickname, password string, connectionID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.at(padIndex)
	if err != nil {
		return err
	}
	ok, err := m.passwords.Check(padIndex, password)
	if err != nil {
		return fmt.Errorf("slot: checking password: %w", err)
	}
	if !ok {
		return ErrAuthenticationFailed
	}
	if s.state == Occupied {
		return ErrPadInUse
	}

	if s.device == nil {
		dev, err := m.factory.Create(s.name)
		if err != nil {
			return fmt.Errorf("slot: creating device for %s: %w", s.name, err)
		}
		s.device = dev
	}
	s.state = Occupied
	s.nickname = nickname
	s.connectionID = connectionID
	s.lastUsedAt = time.Time{}
	return nil
}

// Release transitions padIndex out of Occupied. See spec.md §4.1 for the
// force/expect/zero semantics.
func (m *Manager) Release(padIndex int, force bool, expectConnectionID int, zero bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.at(padIndex)
	if err != nil {
		return err
	}

	if force {
		if s.state == Empty {
			return ErrPadNotInUse
		}
		if zero && s.device != nil {
			_ = s.device.EmitNeutral()
		}
		if s.device != nil {
			_ = s.device.Close()
		}
		s.state = Empty
		s.nickname = ""
		s.connectionID = noConnection
		s.lastUsedAt = time.Time{}
		s.device = nil
		return nil
	}

	if s.state != Occupied {
		return ErrPadNotInUse
	}
	if expectConnectionID >= 0 && expectConnectionID != s.connectionID {
		// Stale handler from a superseded connection: silent no-op.
		return nil
	}
	if zero && s.device != nil {
		_ = s.device.EmitNeutral()
	}
	s.state = RecentlyUsed
	s.nickname = ""
	s.connectionID = noConnection
	s.lastUsedAt = time.Now()
	return nil
}

// ReleaseAll force-releases every slot, emitting neutral frames first.
func (m *Manager) ReleaseAll() {
	for i := range m.slots {
		// ErrPadNotInUse on an already-Empty slot is expected and ignored;
		// ReleaseAll's contract is "every slot ends Empty", not "every
		// slot changes".
		_ = m.Release(i, true, noConnection, true)
	}
}

// Emit applies events to padIndex's device if it is Occupied and owned
// by expectConnectionID (when that is >= 0).
func (m *Manager) Emit(padIndex int, events []device.InputEvent, expectConnectionID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.at(padIndex)
	if err != nil {
		return err
	}
	if s.state != Occupied {
		return ErrPadNotInUse
	}
	if expectConnectionID >= 0 && expectConnectionID != s.connectionID {
		return ErrPadMismatch
	}
	return s.device.Emit(events)
}

// Heartbeat sweeps every RecentlyUsed slot whose cooldown has elapsed,
// returning which slots it reclaimed.
func (m *Manager) Heartbeat() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	reclaimed := make([]bool, len(m.slots))
	now := time.Now()
	for i, s := range m.slots {
		if s.state == RecentlyUsed && now.Sub(s.lastUsedAt) > m.cooldown {
			if s.device != nil {
				_ = s.device.Close()
			}
			s.state = Empty
			s.lastUsedAt = time.Time{}
			s.device = nil
			reclaimed[i] = true
		}
	}
	return reclaimed
}

// Serialize reports (state_tag, nickname) for every slot.
func (m *Manager) Serialize() []SlotView {
	m.mu.Lock()
	defer m.mu.Unlock()

	views := make([]SlotView, len(m.slots))
	for i, s := range m.slots {
		views[i] = SlotView{Index: i, State: s.state.String(), Nickname: s.nickname}
	}
	return views
}

// SlotView is the serialized, read-only projection of a slot used for
// admin status queries and the server:start response.
type SlotView struct {
	Index    int
	State    string
	Nickname string
}

// at returns the slot at padIndex, or ErrIndexOutOfRange. Caller must
// hold m.mu.
func (m *Manager) at(padIndex int) (*Slot, error) {
	if padIndex < 0 || padIndex >= len(m.slots) {
		return nil, ErrIndexOutOfRange
	}
	return m.slots[padIndex], nil
}
