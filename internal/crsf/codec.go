package crsf

// CRC-8 with polynomial 0xD5, init 0, as used for CRSF frame checksums.
var crc8Table [256]uint8

func init() {
	for i := range crc8Table {
		crc := uint8(i)
		for bit := 0; bit < 8; bit++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0xD5
			} else {
				crc <<= 1
			}
		}
		crc8Table[i] = crc
	}
}

// CRC8 computes the CRSF checksum over buf.
func CRC8(buf []byte) uint8 {
	var crc uint8
	for _, b := range buf {
		crc = crc8Table[crc^b]
	}
	return crc
}

// PackChannels packs 16 channel values, 11 bits each, LSB first with no
// padding, into a 22-byte payload. Values are masked to 11 bits; the packed
// sequence is byte-aligned only at its end.
func PackChannels(ch *Channels, packed *[payloadSize]byte) {
	*packed = [payloadSize]byte{}
	bit := 0
	for _, v := range ch {
		val := uint32(v) & 0x7FF
		byteIdx := bit >> 3
		shift := bit & 7
		packed[byteIdx] |= byte(val << shift)
		packed[byteIdx+1] |= byte(val >> (8 - shift))
		if shift > 5 {
			packed[byteIdx+2] |= byte(val >> (16 - shift))
		}
		bit += 11
	}
}

// UnpackChannels is the inverse of PackChannels.
func UnpackChannels(packed *[payloadSize]byte, ch *Channels) {
	bit := 0
	for i := range ch {
		byteIdx := bit >> 3
		shift := bit & 7
		val := uint32(packed[byteIdx]) >> shift
		val |= uint32(packed[byteIdx+1]) << (8 - shift)
		if shift > 5 {
			val |= uint32(packed[byteIdx+2]) << (16 - shift)
		}
		ch[i] = uint16(val & 0x7FF)
		bit += 11
	}
}

// BuildFrame assembles a complete RC_CHANNELS_PACKED frame:
//
//	[0]    sync (0xC8)
//	[1]    length (24: type + payload + crc)
//	[2]    frame type (0x16)
//	[3-24] packed channel payload
//	[25]   CRC-8 over type + payload
func BuildFrame(ch *Channels, frame *[FrameSize]byte) {
	frame[0] = SyncByte
	frame[1] = frameLen
	frame[2] = FrameTypeRCChannelsPacked
	var payload [payloadSize]byte
	PackChannels(ch, &payload)
	copy(frame[3:25], payload[:])
	frame[25] = CRC8(frame[2:25])
}
