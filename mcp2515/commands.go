package mcp2515

// SPI instruction bytes
const (
	OpWrite      = 0x02
	OpRead       = 0x03
	OpBitModify  = 0x05
	OpLoadTx     = 0x40 // 0x40-0x45, see TxBuffer
	OpRTS        = 0x80 // low three bits select TXB0-TXB2
	OpReadRx     = 0x90 // 0x90-0x96, see RxBuffer
	OpReadStatus = 0xA0
	OpRxStatus   = 0xB0
	OpReset      = 0xC0
)

// RxBuffer selects the start point of a READ RX BUFFER instruction.
type RxBuffer uint8

const (
	ReadRXB0SIDH RxBuffer = 0x90 // 13 bytes from RXB0SIDH
	ReadRXB0D0   RxBuffer = 0x92 // 8 bytes from RXB0D0
	ReadRXB1SIDH RxBuffer = 0x94 // 13 bytes from RXB1SIDH
	ReadRXB1D0   RxBuffer = 0x96 // 8 bytes from RXB1D0
)

// Len returns the number of bytes the instruction reads.
func (t RxBuffer) Len() int {
	if t&0x02 != 0 {
		return 8
	}
	return 13
}

// TxBuffer selects the start point of a LOAD TX BUFFER instruction.
type TxBuffer uint8

const (
	LoadTXB0SIDH TxBuffer = 0x40 // 13 bytes from TXB0SIDH
	LoadTXB0D0   TxBuffer = 0x41 // 8 bytes from TXB0D0
	LoadTXB1SIDH TxBuffer = 0x42 // 13 bytes from TXB1SIDH
	LoadTXB1D0   TxBuffer = 0x43 // 8 bytes from TXB1D0
	LoadTXB2SIDH TxBuffer = 0x44 // 13 bytes from TXB2SIDH
	LoadTXB2D0   TxBuffer = 0x45 // 8 bytes from TXB2D0
)

// Len returns the number of bytes the instruction writes.
func (t TxBuffer) Len() int {
	if t&0x01 != 0 {
		return 8
	}
	return 13
}

// RTS buffer selectors, combinable.
const (
	RTSBuffer0 = 0x01
	RTSBuffer1 = 0x02
	RTSBuffer2 = 0x04
	RTSAll     = RTSBuffer0 | RTSBuffer1 | RTSBuffer2
)

// SoftReset sends the RESET instruction.
func (d *Device) SoftReset() error {
	if !d.ready {
		return ErrNotInitialized
	}
	d.buf[0] = OpReset
	if !d.transact(1) {
		return ErrTransfer
	}
	return nil
}

// Read reads n consecutive registers starting at addr.
//
// The returned slice aliases the transfer buffer and is overwritten by the
// next operation. n may be at most BufferSize-2.
func (d *Device) Read(addr uint8, n int) ([]byte, error) {
	if n < 0 || n > maxPayload {
		return nil, ErrTooLong
	}
	if !d.ready {
		return nil, ErrNotInitialized
	}

	d.buf[0] = OpRead
	d.buf[1] = addr
	// The chip ignores MOSI while shifting out register data, so the
	// remaining bytes go out as whatever the buffer already holds.

	if !d.transact(n + 2) {
		return nil, ErrTransfer
	}
	return d.buf[2 : 2+n], nil
}

// ReadRxBuffer reads a receive buffer through the READ RX BUFFER shortcut.
// The length of the returned slice is t.Len(). The slice aliases the
// transfer buffer.
func (d *Device) ReadRxBuffer(t RxBuffer) ([]byte, error) {
	if !d.ready {
		return nil, ErrNotInitialized
	}

	n := t.Len()
	d.buf[0] = byte(t)

	if !d.transact(n + 1) {
		return nil, ErrTransfer
	}
	return d.buf[1 : 1+n], nil
}

// Write writes data to consecutive registers starting at addr.
func (d *Device) Write(addr uint8, data []byte) error {
	if len(data) > maxPayload {
		return ErrTooLong
	}
	if !d.ready {
		return ErrNotInitialized
	}

	d.buf[0] = OpWrite
	d.buf[1] = addr
	copy(d.buf[2:], data)

	if !d.transact(len(data) + 2) {
		return ErrTransfer
	}
	return nil
}

// LoadTxBuffer writes the first t.Len() bytes of data into a transmit
// buffer through the LOAD TX BUFFER shortcut.
func (d *Device) LoadTxBuffer(t TxBuffer, data []byte) error {
	n := t.Len()
	if len(data) < n {
		return ErrShortData
	}
	if !d.ready {
		return ErrNotInitialized
	}

	d.buf[0] = byte(t)
	copy(d.buf[1:1+n], data)

	if !d.transact(n + 1) {
		return ErrTransfer
	}
	return nil
}

// RTS requests transmission of the buffers selected by the low three bits
// of instruction (see RTSBuffer0..RTSBuffer2). Higher bits are ignored.
func (d *Device) RTS(instruction uint8) error {
	if !d.ready {
		return ErrNotInitialized
	}
	d.buf[0] = instruction&0x07 | OpRTS
	if !d.transact(1) {
		return ErrTransfer
	}
	return nil
}

// ReadStatus returns the READ STATUS byte, or StatusFailed.
func (d *Device) ReadStatus() int32 {
	return d.status(OpReadStatus)
}

// RxStatus returns the RX STATUS byte, or StatusFailed.
func (d *Device) RxStatus() int32 {
	return d.status(OpRxStatus)
}

func (d *Device) status(op byte) int32 {
	if !d.ready {
		return StatusFailed
	}
	d.buf[0] = op
	if !d.transact(2) {
		return StatusFailed
	}
	return int32(d.buf[1])
}

// BitModify sets the bits of register addr selected by mask to the
// matching bits of data. Only some registers honour the mask (see
// BitModifiable); that is left to the caller.
func (d *Device) BitModify(addr, mask, data uint8) error {
	if !d.ready {
		return ErrNotInitialized
	}
	d.buf[0] = OpBitModify
	d.buf[1] = addr
	d.buf[2] = mask
	d.buf[3] = data
	if !d.transact(4) {
		return ErrTransfer
	}
	return nil
}
