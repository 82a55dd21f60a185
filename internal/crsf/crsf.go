// Package crsf implements the TX side of the CRSF serial protocol as spoken
// by TBS Crossfire and ExpressLRS modules: bit-packed RC channel frames sent
// at a fixed interval over a UART.
//
// Protocol reference: https://github.com/crsf-wg/crsf/wiki
package crsf

// CRSF protocol constants.
const (
	SyncByte = 0xC8
	Baud     = 420000

	// Channel value range (11-bit). Min/Max correspond to the 988us and
	// 2012us pulse widths ELRS expects.
	ChannelMin = 172
	ChannelMid = 992
	ChannelMax = 1811

	NumChannels = 16

	FrameTypeRCChannelsPacked = 0x16
	FrameTypeLinkStatistics   = 0x14

	// RC channels frame: sync + len + type + 22-byte payload + crc.
	payloadSize = 22
	FrameSize   = 26
	frameLen    = 24 // length byte: type(1) + payload(22) + crc(1)
)

// Standard channel assignments, AETR order.
const (
	ChAileron  = 0 // steering
	ChElevator = 1
	ChThrottle = 2
	ChRudder   = 3
	ChAux1     = 4
	ChAux2     = 5
	ChAux3     = 6
	ChAux4     = 7
	ChAux5     = 8
	ChAux6     = 9
	ChAux7     = 10
	ChAux8     = 11
	ChAux9     = 12
	ChAux10    = 13
	ChAux11    = 14
	ChAux12    = 15
)

// Channels holds one frame's worth of channel values, each in
// [ChannelMin, ChannelMax].
type Channels [NumChannels]uint16

// Centered returns a frame with every channel at ChannelMid.
func Centered() Channels {
	var ch Channels
	for i := range ch {
		ch[i] = ChannelMid
	}
	return ch
}

// Clamp forces v into the valid channel range.
func Clamp(v uint16) uint16 {
	if v < ChannelMin {
		return ChannelMin
	}
	if v > ChannelMax {
		return ChannelMax
	}
	return v
}

// ScaleAxis maps a signed 16-bit axis (-32768..32767) onto the channel range.
func ScaleAxis(v int16) uint16 {
	scaled := (int32(v) + 32768) * (ChannelMax - ChannelMin) / 65535
	return uint16(scaled + ChannelMin)
}

// ScaleTrigger maps an unsigned 8-bit trigger (0..255) onto the channel range.
func ScaleTrigger(v uint8) uint16 {
	scaled := uint32(v) * (ChannelMax - ChannelMin) / 255
	return uint16(scaled + ChannelMin)
}

// ScaleSwitch maps a boolean to ChannelMin/ChannelMax.
func ScaleSwitch(on bool) uint16 {
	if on {
		return ChannelMax
	}
	return ChannelMin
}

// Scale3Pos maps a three-position switch (-1, 0, +1) to min/mid/max.
func Scale3Pos(pos int8) uint16 {
	switch {
	case pos < 0:
		return ChannelMin
	case pos > 0:
		return ChannelMax
	default:
		return ChannelMid
	}
}
