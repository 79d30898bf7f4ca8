// Package slot owns the fixed array of controller slots: the state
// machine, password-gated occupation, heartbeat-driven reclamation,
// and event emission, grounded on virtualpad/pads/__init__.py's
// PadSlot/PadSlots pair and on spec.md §3/§4.1.
package slot

import (
	"errors"
	"strconv"
	"time"

	"github.com/HawaTechnologies/virtualpad-server/device"
)

// State is one of the three positions in a slot's life cycle.
type State int

const (
	Empty State = iota
	Occupied
	RecentlyUsed
)

// String renders the state tag used in Serialize, matching spec.md §4.1.
func (s State) String() string {
	switch s {
	case Occupied:
		return "occupied"
	case RecentlyUsed:
		return "recently-used"
	default:
		return "empty"
	}
}

// Sentinel errors, one per failure mode named in spec.md §4.1/§7.
var (
	ErrIndexOutOfRange      = errors.New("slot: index out of range")
	ErrAuthenticationFailed = errors.New("slot: authentication failed")
	ErrPadInUse             = errors.New("slot: pad already in use")
	ErrPadNotInUse          = errors.New("slot: pad not in use")
	ErrPadMismatch          = errors.New("slot: connection mismatch")
)

// noConnection is the connection_id sentinel for "no owner", per §3.
const noConnection = -1

// Slot is one numbered controller position. All mutation happens
// through Manager, which holds the lock covering every slot; Slot
// itself has no internal synchronization.
type Slot struct {
	index int
	name  string

	state        State
	device       device.VirtualDevice
	nickname     string
	connectionID int
	lastUsedAt   time.Time
}

func newSlot(index int) *Slot {
	return &Slot{
		index:        index,
		name:         deviceName(index),
		state:        Empty,
		connectionID: noConnection,
	}
}

func deviceName(index int) string {
	return "Hawa-VirtualPad-" + strconv.Itoa(index)
}

// State reports the slot's current state.
func (s *Slot) State() State { return s.state }

// Nickname reports the occupant's nickname; meaningful only when Occupied.
func (s *Slot) Nickname() string { return s.nickname }

// ConnectionID reports the owning connection id, or -1 when not Occupied.
func (s *Slot) ConnectionID() int { return s.connectionID }
