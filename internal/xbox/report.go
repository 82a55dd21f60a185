package xbox

import (
	"encoding/binary"
	"strconv"

	"github.com/nuketownada/xbox-elrs/internal/telemetry"
)

// Wireless receiver report framing, per the xpad protocol notes:
//
// Notification (2 bytes):
//
//	[0] 0x08
//	[1] 0x80 = controller connected, anything else = disconnected
//
// Racing wheel input report (29 bytes):
//
//	[0]     always 0x00
//	[1]     0x01 = input data, 0x00 = idle/keepalive
//	[3]     header byte, 0xF0 or 0x80
//	[6-7]   button bitfield (little-endian)
//	[8]     left trigger (brake)
//	[9]     right trigger (throttle)
//	[10-11] wheel position (little-endian uint16, inverted magnitude)
const (
	notifyByte    = 0x08
	notifyConnect = 0x80
	inputHeaderA  = 0xF0
	inputHeaderB  = 0x80
)

// parseReport decodes one inbound buffer for a slot. It runs in transfer
// completion context: no blocking beyond the bounded state-lock wait, and
// the user callback fires only after the lock is released.
func (d *Driver) parseReport(slot Slot, data []byte) {
	if len(data) == 2 && data[0] == notifyByte {
		if data[1] == notifyConnect {
			// Connect notifications carry no state; answer with the player
			// indicator so the wheel shows its slot.
			d.log.WithField("slot", int(slot)).Info("controller connect notification")
			d.sendPlayerLED(slot)
			return
		}
		// Disconnect. The dongle may repeat this packet; every occurrence
		// re-arms the safety response, so the callback fires even when the
		// slot is already marked disconnected.
		d.log.WithField("slot", int(slot)).Warn("controller disconnect notification")
		if !d.stateMu.Acquire(reportLockTimeout) {
			return
		}
		d.slots[slot].Connected = false
		snapshot := d.slots[slot]
		d.stateMu.Release()
		if d.cb != nil {
			d.cb(slot, snapshot)
		}
		return
	}

	if len(data) < 12 {
		telemetry.ReportsIgnored.Inc()
		return
	}

	// Capability queries and other non-input packets.
	if data[0] != 0x00 || (data[3] != inputHeaderA && data[3] != inputHeaderB) {
		telemetry.ReportsIgnored.Inc()
		return
	}

	// Idle/keepalive: recognized, silently dropped.
	if data[1] != 0x01 {
		telemetry.ReportsIgnored.Inc()
		return
	}

	if !d.stateMu.Acquire(reportLockTimeout) {
		return
	}

	state := &d.slots[slot]
	wasConnected := state.Connected
	state.Connected = true

	// The wheel reports an inverted magnitude: center reads 0x0000 and a
	// full turn approaches 0x8000. Fold it into a signed, zero-centered
	// steering axis.
	wheelRaw := binary.LittleEndian.Uint16(data[10:12])
	wheelSigned := int16(wheelRaw - 0x8000)
	if wheelSigned >= 0 {
		state.LeftStickX = 32767 - wheelSigned
	} else {
		state.LeftStickX = -32767 - wheelSigned
	}

	buttons := binary.LittleEndian.Uint16(data[6:8])
	state.Buttons = Buttons{
		DpadUp:     buttons&btnDpadUp != 0,
		DpadDown:   buttons&btnDpadDown != 0,
		DpadLeft:   buttons&btnDpadLeft != 0,
		DpadRight:  buttons&btnDpadRight != 0,
		Start:      buttons&btnStart != 0,
		Back:       buttons&btnBack != 0,
		LeftStick:  buttons&btnLeftStick != 0,
		RightStick: buttons&btnRightStick != 0,
		LB:         buttons&btnLB != 0,
		RB:         buttons&btnRB != 0,
		Guide:      buttons&btnGuide != 0,
		A:          buttons&btnA != 0,
		B:          buttons&btnB != 0,
		X:          buttons&btnX != 0,
		Y:          buttons&btnY != 0,
	}

	state.LeftTrigger = data[8]
	state.RightTrigger = data[9]

	// The wheel has no other analog axes.
	state.LeftStickY = 0
	state.RightStickX = 0
	state.RightStickY = 0

	snapshot := *state
	d.stateMu.Release()

	if !wasConnected {
		d.log.WithField("slot", int(slot)).Info("controller connected")
	}
	telemetry.ReportsParsed.WithLabelValues(strconv.Itoa(int(slot))).Inc()

	if d.cb != nil {
		d.cb(slot, snapshot)
	}
}

// sendPlayerLED submits the 12-byte indicator command selecting the slot's
// player pattern. It refuses to send while a previous command is pending or
// when no device is open; the pending flag clears when the write completes,
// successful or not.
func (d *Driver) sendPlayerLED(slot Slot) {
	d.devMu.Lock()
	h := d.handle
	ep := d.epOut
	haveOut := d.haveOut
	d.devMu.Unlock()

	if h == nil || !haveOut {
		return
	}
	if !d.outPending.CompareAndSwap(false, true) {
		return
	}

	// Pattern 0x42..0x45: flash, then hold the player quadrant.
	var cmd [12]byte
	cmd[2] = 0x08
	cmd[3] = 0x40 | byte(slot+2)

	go func() {
		_, err := h.WriteInterrupt(ep, cmd[:])
		d.outPending.Store(false)
		if err != nil {
			d.log.WithError(err).Warn("led command failed")
			return
		}
		d.log.WithField("player", int(slot)+1).Info("player led set")
	}()
}
