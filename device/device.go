// Package device implements the VirtualDevice capability spec.md treats
// as an opaque external collaborator: creation, atomic emission, and
// destruction of a kernel virtual gamepad, plus the emission-folding
// rules of spec.md §6.3.
//
// The folding logic (BuildFrame) is pure and backend-independent so it
// can be exercised without root or a real /dev/uinput node; only the
// Linux backend in device_linux.go talks to the kernel.
package device

import (
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Logical input indices, per spec.md §6.3.
const (
	BtnNorth = 0
	BtnEast  = 1
	BtnSouth = 2
	BtnWest  = 3
	BtnL1    = 4
	BtnR1    = 5
	BtnL2    = 6
	BtnR2    = 7
	BtnSelect = 8
	BtnStart  = 9
	BtnUp     = 10
	BtnDown   = 11
	BtnLeft   = 12
	BtnRight  = 13
	AbsX      = 14
	AbsY      = 15
	AbsRX     = 16
	AbsRY     = 17

	// NButtons is N_BUTTONS from spec.md §4.2: the boundary between a
	// valid command-frame length and the CLOSE_CONNECTION/PING opcodes.
	NButtons = 18

	neutralAxisValue = 127
)

// Linux input-event constants used by BuildFrame and the uinput backend.
const (
	evSyn = 0x00
	evKey = 0x01
	evAbs = 0x03
	evMsc = 0x04

	mscScan = 0x04

	keyCodeBase  = 0x120 // BTN codes for logical indices 0-9, per original pads/devices.py
	scanCodeBase = 0x90001

	absXCode  = 0x00
	absYCode  = 0x01
	absRXCode = 0x03
	absRYCode = 0x04
)

// InputEvent is one (key, state) pair from a pad command frame, per
// spec.md §4.2/§6.1, prior to clamping or folding.
type InputEvent struct {
	Key   uint8
	State int
}

// RawEvent is a single kernel-level input_event destined for the
// device, in emission order; a Frame always ends with one evSyn event.
type RawEvent struct {
	Type  uint16
	Code  uint16
	Value int32
}

// VirtualDevice is the capability spec.md's §1 "Out of scope" paragraph
// names: create, emit, destroy. Create lives on Factory; Emit/Close
// live here so SlotManager can hold one per occupied/recently-used slot.
type VirtualDevice interface {
	// Emit applies events atomically per spec.md §6.3 and issues one
	// synchronization event.
	Emit(events []InputEvent) error
	// EmitNeutral emits the neutral frame: all buttons released, all
	// axes centered at 127.
	EmitNeutral() error
	// Close destroys the underlying kernel device.
	Close() error
}

// Factory creates named virtual devices.
type Factory interface {
	Create(name string) (VirtualDevice, error)
}

// ErrDeviceUnavailable wraps a Factory.Create failure after retries.
var ErrDeviceUnavailable = errors.New("device: virtual device unavailable")

// RetryingFactory wraps a Factory and retries transient Create failures
// with bounded backoff — a uinput node can be momentarily busy right
// after a prior device on the same slot was destroyed.
type RetryingFactory struct {
	Inner Factory
	Log   *zap.Logger
}

// NewRetryingFactory wraps inner with the default backoff policy.
func NewRetryingFactory(inner Factory, log *zap.Logger) *RetryingFactory {
	if log == nil {
		log = zap.NewNop()
	}
	return &RetryingFactory{Inner: inner, Log: log}
}

func (f *RetryingFactory) Create(name string) (VirtualDevice, error) {
	var dev VirtualDevice
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
	err := backoff.Retry(func() error {
		d, err := f.Inner.Create(name)
		if err != nil {
			f.Log.Warn("device create attempt failed", zap.String("name", name), zap.Error(err))
			return err
		}
		dev = d
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, name, err)
	}
	return dev, nil
}

// BuildFrame applies the folding rules of spec.md §6.3 to a raw event
// list and returns the ordered kernel events, terminated by one sync.
func BuildFrame(events []InputEvent) []RawEvent {
	var out []RawEvent

	var xForced, yForced bool
	var xSet, ySet bool
	xChanges := map[int]struct{}{}
	yChanges := map[int]struct{}{}

	for _, e := range events {
		switch {
		case e.Key < 10:
			pressed := e.State != 0
			out = append(out, RawEvent{evMsc, mscScan, int32(scanCodeBase + int(e.Key))})
			value := int32(0)
			if pressed {
				value = 1
			}
			out = append(out, RawEvent{evKey, uint16(keyCodeBase) + uint16(e.Key), value})
		case e.Key < 14:
			pressed := e.State != 0
			switch e.Key {
			case BtnUp:
				ySet = true
				yChanges[foldValue(pressed, 0)] = struct{}{}
			case BtnDown:
				ySet = true
				yChanges[foldValue(pressed, 255)] = struct{}{}
			case BtnLeft:
				xSet = true
				xChanges[foldValue(pressed, 0)] = struct{}{}
			case BtnRight:
				xSet = true
				xChanges[foldValue(pressed, 255)] = struct{}{}
			}
		default:
			value := clamp(e.State, 0, 255)
			switch e.Key {
			case AbsX:
				xForced = true
				out = append(out, RawEvent{evAbs, absXCode, int32(value)})
			case AbsY:
				yForced = true
				out = append(out, RawEvent{evAbs, absYCode, int32(value)})
			case AbsRX:
				out = append(out, RawEvent{evAbs, absRXCode, int32(value)})
			case AbsRY:
				out = append(out, RawEvent{evAbs, absRYCode, int32(value)})
			}
		}
	}

	if !xForced && xSet {
		out = append(out, RawEvent{evAbs, absXCode, int32(resolveFold(xChanges))})
	}
	if !yForced && ySet {
		out = append(out, RawEvent{evAbs, absYCode, int32(resolveFold(yChanges))})
	}

	out = append(out, RawEvent{evSyn, 0, 0})
	return out
}

// NeutralFrame is the frame emitted on a zero-release: buttons 0-9
// released, all four axes centered, per spec.md §6.3.
func NeutralFrame() []RawEvent {
	events := make([]InputEvent, 0, 10+4)
	for i := uint8(0); i < 10; i++ {
		events = append(events, InputEvent{Key: i, State: 0})
	}
	events = append(events,
		InputEvent{Key: AbsX, State: neutralAxisValue},
		InputEvent{Key: AbsY, State: neutralAxisValue},
		InputEvent{Key: AbsRX, State: neutralAxisValue},
		InputEvent{Key: AbsRY, State: neutralAxisValue},
	)
	return BuildFrame(events)
}

func foldValue(pressed bool, onPressed int) int {
	if pressed {
		return onPressed
	}
	return neutralAxisValue
}

func resolveFold(changes map[int]struct{}) int {
	delete(changes, neutralAxisValue)
	if len(changes) == 1 {
		for v := range changes {
			return v
		}
	}
	return neutralAxisValue
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
