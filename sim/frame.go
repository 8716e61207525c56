package sim

import (
	"fmt"
	"strings"

	"mcpcan/mcp2515"
)

// Frame is a classical CAN frame as it crosses the simulated bus.
type Frame struct {
	ID       uint32 // 11 bit (standard) or 29 bit (extended)
	Extended bool
	RTR      bool
	Len      uint8 // 0..8
	Data     [8]byte
}

func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID)
	}
	fmt.Fprintf(&b, " [%d]", f.Len)
	if f.RTR {
		b.WriteString(" RTR")
		return b.String()
	}
	for i := 0; i < int(f.Len) && i < 8; i++ {
		fmt.Fprintf(&b, " %02X", f.Data[i])
	}
	return b.String()
}

// EncodeID packs an identifier into SIDH, SIDL, EID8 and EID0 register
// values.
func EncodeID(id uint32, extended bool) (sidh, sidl, eid8, eid0 byte) {
	if !extended {
		return byte(id >> 3), byte(id<<5) & 0xE0, 0, 0
	}
	sid := id >> 18
	return byte(sid >> 3),
		byte(sid<<5)&0xE0 | mcp2515.SIDLExide | byte(id>>16)&0x03,
		byte(id >> 8),
		byte(id)
}

// DecodeID is the inverse of EncodeID.
func DecodeID(sidh, sidl, eid8, eid0 byte) (id uint32, extended bool) {
	sid := uint32(sidh)<<3 | uint32(sidl)>>5
	if sidl&mcp2515.SIDLExide == 0 {
		return sid, false
	}
	return sid<<18 | uint32(sidl&0x03)<<16 | uint32(eid8)<<8 | uint32(eid0), true
}

// TxImage renders f as the 13 byte SIDH..D7 image a LOAD TX BUFFER
// instruction writes.
func (f Frame) TxImage() []byte {
	img := make([]byte, 13)
	img[0], img[1], img[2], img[3] = EncodeID(f.ID, f.Extended)
	img[mcp2515.OffsetDLC] = f.Len & mcp2515.DLCMask
	if f.RTR {
		img[mcp2515.OffsetDLC] |= mcp2515.DLCRtr
	}
	copy(img[mcp2515.OffsetData:], f.Data[:])
	return img
}

// ParseRxImage decodes the 13 byte SIDH..D7 image returned by READ RX BUFFER.
func ParseRxImage(img []byte) (Frame, error) {
	if len(img) < 13 {
		return Frame{}, fmt.Errorf("sim: rx image is %d bytes, want 13", len(img))
	}
	var f Frame
	f.ID, f.Extended = DecodeID(img[0], img[1], img[2], img[3])
	if f.Extended {
		f.RTR = img[mcp2515.OffsetDLC]&mcp2515.DLCRtr != 0
	} else {
		f.RTR = img[mcp2515.OffsetSIDL]&mcp2515.SIDLSrr != 0
	}
	f.Len = img[mcp2515.OffsetDLC] & mcp2515.DLCMask
	if f.Len > 8 {
		f.Len = 8
	}
	copy(f.Data[:], img[mcp2515.OffsetData:13])
	return f, nil
}
