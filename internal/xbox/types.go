// Package xbox drives the Microsoft Xbox 360 Wireless Receiver, a
// vendor-specific USB device multiplexing up to four wireless controllers
// over one dongle. The protocol is not standard HID; framing is known from
// reverse engineering (Linux xpad driver, drivers/input/joystick/xpad.c).
package xbox

import "errors"

// Xbox 360 Wireless Receiver USB identity.
const (
	ReceiverVID = 0x045E // Microsoft
	ReceiverPID = 0x0719 // Xbox 360 Wireless Receiver for Windows
)

// Slot identifies one of the receiver's controller slots.
type Slot int

const (
	Slot1 Slot = iota
	Slot2
	Slot3
	Slot4
	SlotMax
)

// Button bit positions in the 16-bit field at report bytes 6-7.
const (
	btnDpadUp     = 0x0001
	btnDpadDown   = 0x0002
	btnDpadLeft   = 0x0004
	btnDpadRight  = 0x0008
	btnStart      = 0x0010
	btnBack       = 0x0020
	btnLeftStick  = 0x0040
	btnRightStick = 0x0080
	btnLB         = 0x0100
	btnRB         = 0x0200
	btnGuide      = 0x0400
	btnA          = 0x1000
	btnB          = 0x2000
	btnX          = 0x4000
	btnY          = 0x8000
)

// Buttons is the decoded digital button state.
type Buttons struct {
	DpadUp     bool
	DpadDown   bool
	DpadLeft   bool
	DpadRight  bool
	Start      bool
	Back       bool
	LeftStick  bool
	RightStick bool
	LB         bool
	RB         bool
	Guide      bool
	A          bool
	B          bool
	X          bool
	Y          bool
}

// State is the full per-slot controller state.
//
// On the racing wheel, steering maps to LeftStickX, throttle to
// RightTrigger, brake to LeftTrigger, and the paddle shifters to A/B or the
// bumpers depending on hardware revision.
type State struct {
	Connected bool

	LeftStickX  int16
	LeftStickY  int16
	RightStickX int16
	RightStickY int16

	LeftTrigger  uint8
	RightTrigger uint8

	Buttons Buttons
}

// Callback receives a state snapshot after each state-changing report. It is
// invoked outside any driver lock and never concurrently for the same slot.
type Callback func(slot Slot, state State)

// Errors returned by the driver's public operations.
var (
	ErrInvalidArg   = errors.New("xbox: invalid argument")
	ErrTimeout      = errors.New("xbox: lock wait timed out")
	ErrNotFound     = errors.New("xbox: controller not connected")
	ErrNotSupported = errors.New("xbox: not supported")
	ErrNoDevice     = errors.New("xbox: no device")
	ErrCancelled    = errors.New("xbox: transfer cancelled")
	ErrBusy         = errors.New("xbox: busy")
)
