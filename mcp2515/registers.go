package mcp2515

// Register addresses
const (
	RXF0SIDH  = 0x00
	RXF1SIDH  = 0x04
	RXF2SIDH  = 0x08
	BFPCTRL   = 0x0C
	TXRTSCTRL = 0x0D
	CANSTAT   = 0x0E
	CANCTRL   = 0x0F
	RXF3SIDH  = 0x10
	RXF4SIDH  = 0x14
	RXF5SIDH  = 0x18
	TEC       = 0x1C
	REC       = 0x1D
	RXM0SIDH  = 0x20
	RXM1SIDH  = 0x24
	CNF3      = 0x28
	CNF2      = 0x29
	CNF1      = 0x2A
	CANINTE   = 0x2B
	CANINTF   = 0x2C
	EFLG      = 0x2D
	TXB0CTRL  = 0x30
	TXB0SIDH  = 0x31
	TXB0D0    = 0x36
	TXB1CTRL  = 0x40
	TXB1SIDH  = 0x41
	TXB1D0    = 0x46
	TXB2CTRL  = 0x50
	TXB2SIDH  = 0x51
	TXB2D0    = 0x56
	RXB0CTRL  = 0x60
	RXB0SIDH  = 0x61
	RXB0D0    = 0x66
	RXB1CTRL  = 0x70
	RXB1SIDH  = 0x71
	RXB1D0    = 0x76
)

// RegisterCount is the size of the register address space.
const RegisterCount = 0x80

// Offsets inside a 13 byte buffer image (SIDH..D7).
const (
	OffsetSIDH = 0
	OffsetSIDL = 1
	OffsetEID8 = 2
	OffsetEID0 = 3
	OffsetDLC  = 4
	OffsetData = 5
)

// CANINTE / CANINTF bits
const (
	IntRX0  = 0x01
	IntRX1  = 0x02
	IntTX0  = 0x04
	IntTX1  = 0x08
	IntTX2  = 0x10
	IntERR  = 0x20
	IntWAK  = 0x40
	IntMERR = 0x80
)

// CANCTRL.REQOP / CANSTAT.OPMOD
const (
	ModeMask       = 0xE0
	ModeNormal     = 0x00
	ModeSleep      = 0x20
	ModeLoopback   = 0x40
	ModeListenOnly = 0x60
	ModeConfig     = 0x80
)

// TXBnCTRL bits
const (
	TXREQ = 0x08
	TXERR = 0x10
	MLOA  = 0x20
	ABTF  = 0x40
)

// TXBnSIDL / RXBnSIDL bits
const (
	SIDLExide = 0x08
	SIDLSrr   = 0x10
)

// RXBnDLC / TXBnDLC bits
const (
	DLCRtr  = 0x40
	DLCMask = 0x0F
)

// BitModifiable reports whether the chip applies BIT MODIFY masks to addr.
// For any other register the mask is forced to 0xFF and the instruction
// behaves as a plain write.
func BitModifiable(addr uint8) bool {
	if addr&0x0F == 0x0F {
		// CANCTRL is mirrored at every xFh address.
		return true
	}
	switch addr {
	case BFPCTRL, TXRTSCTRL, CNF3, CNF2, CNF1, CANINTE, CANINTF, EFLG,
		TXB0CTRL, TXB1CTRL, TXB2CTRL, RXB0CTRL, RXB1CTRL:
		return true
	}
	return false
}

// READ STATUS bits
const (
	StatusRX0IF  = 0x01
	StatusRX1IF  = 0x02
	StatusTX0REQ = 0x04
	StatusTX0IF  = 0x08
	StatusTX1REQ = 0x10
	StatusTX1IF  = 0x20
	StatusTX2REQ = 0x40
	StatusTX2IF  = 0x80
)

// RX STATUS fields
const (
	RxStatusMsgMask = 0xC0
	RxStatusMsgNone = 0x00
	RxStatusMsgRXB0 = 0x40
	RxStatusMsgRXB1 = 0x80
	RxStatusMsgBoth = 0xC0

	RxStatusTypeMask      = 0x18
	RxStatusTypeStd       = 0x00
	RxStatusTypeStdRemote = 0x08
	RxStatusTypeExt       = 0x10
	RxStatusTypeExtRemote = 0x18

	RxStatusFilterMask     = 0x07
	RxStatusFilterRXF0     = 0x00
	RxStatusFilterRXF1     = 0x01
	RxStatusFilterRXF2     = 0x02
	RxStatusFilterRXF3     = 0x03
	RxStatusFilterRXF4     = 0x04
	RxStatusFilterRXF5     = 0x05
	RxStatusFilterRXF0Roll = 0x06 // RXF0, rolled over into RXB1
	RxStatusFilterRXF1Roll = 0x07 // RXF1, rolled over into RXB1
)

// Status is a READ STATUS byte.
type Status uint8

func (s Status) RX0IF() bool { return s&StatusRX0IF != 0 }
func (s Status) RX1IF() bool { return s&StatusRX1IF != 0 }

// TXREQ reports whether transmit buffer n (0-2) has a pending request.
func (s Status) TXREQ(n int) bool { return s&(StatusTX0REQ<<(2*uint(n))) != 0 }

// TXIF reports whether transmit buffer n (0-2) has its interrupt flag set.
func (s Status) TXIF(n int) bool { return s&(StatusTX0IF<<(2*uint(n))) != 0 }

// RxStatusBits is an RX STATUS byte.
type RxStatusBits uint8

// Message returns the received-message field (RxStatusMsg*).
func (s RxStatusBits) Message() uint8 { return uint8(s) & RxStatusMsgMask }

// Type returns the frame type field (RxStatusType*).
func (s RxStatusBits) Type() uint8 { return uint8(s) & RxStatusTypeMask }

// Filter returns the filter-hit field (RxStatusFilter*).
func (s RxStatusBits) Filter() uint8 { return uint8(s) & RxStatusFilterMask }

func (s RxStatusBits) Extended() bool { return s&RxStatusTypeExt != 0 }
func (s RxStatusBits) Remote() bool   { return s&RxStatusTypeStdRemote != 0 }
