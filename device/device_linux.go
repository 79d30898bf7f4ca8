//go:build linux

package device

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request numbers for /dev/uinput, per linux/uinput.h. These are
// not exposed by golang.org/x/sys/unix (uinput is not a generic syscall
// surface), so they're reproduced here the way pongoClient/main.go
// reproduces the TCGETS/TCSETS termios protocol by hand with unix.Ioctl*.
const (
	uiSetEvBit  = 0x40045564
	uiSetKeyBit = 0x40045565
	uiSetAbsBit = 0x40045567
	uiSetMscBit = 0x4004556a
	uiDevCreate = 0x5501
	uiDevDestroy = 0x5502

	busVirtual = 0x06
	vendorID   = 0x2357
	productID  = 0x0001
	versionID  = 1

	absCount = 64
)

// uinputUserDev mirrors struct uinput_user_dev from linux/uinput.h using
// the legacy write-based setup ABI (broadest kernel compatibility).
type uinputUserDev struct {
	Name       [80]byte
	ID         inputID
	EffectsMax uint32
	AbsMax     [absCount]int32
	AbsMin     [absCount]int32
	AbsFuzz    [absCount]int32
	AbsFlat    [absCount]int32
}

type inputID struct {
	BusType uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// inputEvent mirrors struct input_event for the 64-bit timeval layout
// used on linux/amd64 and linux/arm64.
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// uinputDevice is the Linux VirtualDevice backed by /dev/uinput.
type uinputDevice struct {
	fd int
}

// LinuxFactory creates uinput-backed virtual devices. It is the concrete
// Factory wired into SlotManager on Linux hosts.
type LinuxFactory struct{}

func NewLinuxFactory() Factory { return &LinuxFactory{} }

func (LinuxFactory) Create(name string) (VirtualDevice, error) {
	fd, err := unix.Open("/dev/uinput", unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/uinput: %w", err)
	}

	setup := func(bit uintptr, values ...int) error {
		for _, v := range values {
			if err := unix.IoctlSetInt(fd, uint(bit), v); err != nil {
				unix.Close(fd)
				return err
			}
		}
		return nil
	}

	if err := setup(uiSetEvBit, evKey, evAbs, evMsc, evSyn); err != nil {
		return nil, fmt.Errorf("set evbit: %w", err)
	}
	keyCodes := make([]int, 0, 10)
	for i := 0; i < 10; i++ {
		keyCodes = append(keyCodes, keyCodeBase+i)
	}
	if err := setup(uiSetKeyBit, keyCodes...); err != nil {
		return nil, fmt.Errorf("set keybit: %w", err)
	}
	if err := setup(uiSetAbsBit, absXCode, absYCode, absRXCode, absRYCode); err != nil {
		return nil, fmt.Errorf("set absbit: %w", err)
	}
	if err := setup(uiSetMscBit, mscScan); err != nil {
		return nil, fmt.Errorf("set mscbit: %w", err)
	}

	var dev uinputUserDev
	copy(dev.Name[:], name)
	dev.ID = inputID{BusType: busVirtual, Vendor: vendorID, Product: productID, Version: versionID}
	for _, code := range []int{absXCode, absYCode, absRXCode, absRYCode} {
		dev.AbsMin[code] = 0
		dev.AbsMax[code] = 255
	}

	buf := (*[unsafe.Sizeof(uinputUserDev{})]byte)(unsafe.Pointer(&dev))[:]
	if _, err := unix.Write(fd, buf); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("write uinput_user_dev: %w", err)
	}

	if err := unix.IoctlSetInt(fd, uiDevCreate, 0); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("UI_DEV_CREATE: %w", err)
	}

	d := &uinputDevice{fd: fd}
	for _, ev := range NeutralFrame() {
		if err := d.write(ev); err != nil {
			d.Close()
			return nil, fmt.Errorf("initial neutral frame: %w", err)
		}
	}
	return d, nil
}

func (d *uinputDevice) write(ev RawEvent) error {
	e := inputEvent{Type: ev.Type, Code: ev.Code, Value: ev.Value}
	buf := (*[unsafe.Sizeof(inputEvent{})]byte)(unsafe.Pointer(&e))[:]
	_, err := unix.Write(d.fd, buf)
	return err
}

func (d *uinputDevice) Emit(events []InputEvent) error {
	for _, ev := range BuildFrame(events) {
		if err := d.write(ev); err != nil {
			return err
		}
	}
	return nil
}

func (d *uinputDevice) EmitNeutral() error {
	for _, ev := range NeutralFrame() {
		if err := d.write(ev); err != nil {
			return err
		}
	}
	return nil
}

func (d *uinputDevice) Close() error {
	_ = unix.IoctlSetInt(d.fd, uiDevDestroy, 0)
	return unix.Close(d.fd)
}
