// Package sim models an MCP2515 at register level. A Chip decodes the same
// SPI byte stream a real controller does, so the encoder, the bridge
// firmware and host tools can be exercised without hardware.
//
// Modelled: reset defaults, READ/WRITE with address auto-increment, the
// RX/TX buffer shortcuts, RTS, READ STATUS, RX STATUS, BIT MODIFY, the
// CANINTE/CANINTF driven INT line, acceptance masks and filters with
// rollover, loopback delivery and an optional external bus.
//
// Not modelled: bit timing, error counters, one-shot mode, sleep wake-up,
// and filter matching on data bytes for standard frames.
package sim

import (
	"sync"

	"mcpcan/mcp2515"
)

// Register bits only the simulator needs.
const (
	rxbCtrlRXM   = 0x60
	rxbCtrlRXRTR = 0x08
	rxb0CtrlBUKT = 0x04
	rxb0Writable = rxbCtrlRXM | rxb0CtrlBUKT
	txbWritable  = mcp2515.TXREQ | 0x03 // TXREQ and TXP
	eflgRX0OVR   = 0x40
	eflgRX1OVR   = 0x80
	misoIdle     = 0xFF
)

// Chip is a simulated MCP2515. It implements mcp2515.Transport and is safe
// for concurrent use. Callbacks run without the chip's lock held.
type Chip struct {
	mu   sync.Mutex
	regs [mcp2515.RegisterCount]byte

	inReset  bool
	selected bool
	intLine  bool // INT asserted

	// CANINTF bits cleared when chip select rises after READ RX BUFFER.
	clearOnDeselect byte

	onInterrupt func()
	onTransmit  func(Frame)

	// Work collected under mu and delivered after it is released.
	pendingEdge bool
	outbox      []Frame

	transactions int
}

// NewChip returns a chip in its power-on state (configuration mode).
func NewChip() *Chip {
	c := &Chip{}
	c.resetLocked()
	return c
}

// SetInterruptHandler registers fn for falling edges of INT.
func (c *Chip) SetInterruptHandler(fn func()) {
	c.mu.Lock()
	c.onInterrupt = fn
	c.mu.Unlock()
}

// SetTransmitHandler attaches the chip to a bus. Without a handler, frames
// requested in normal mode stay pending as if no node acknowledged them.
func (c *Chip) SetTransmitHandler(fn func(Frame)) {
	c.mu.Lock()
	c.onTransmit = fn
	c.processTxLocked()
	c.mu.Unlock()
	c.deliver()
}

// Connect wires two chips onto one bus.
func Connect(a, b *Chip) {
	a.SetTransmitHandler(func(f Frame) { b.Receive(f) })
	b.SetTransmitHandler(func(f Frame) { a.Receive(f) })
}

// Reset drives the RESET pin. While held the chip ignores SPI traffic.
func (c *Chip) Reset(active bool) {
	c.mu.Lock()
	c.inReset = active
	if active {
		c.resetLocked()
	}
	c.mu.Unlock()
	c.deliver()
}

// ChipSelect drives CS. Deselecting ends the current instruction.
func (c *Chip) ChipSelect(active bool) {
	c.mu.Lock()
	c.selected = active
	if !active && c.clearOnDeselect != 0 {
		c.regs[mcp2515.CANINTF] &^= c.clearOnDeselect
		c.clearOnDeselect = 0
		c.updateIntLocked()
	}
	c.mu.Unlock()
	c.deliver()
}

// Transaction exchanges buf with the chip. Each call is decoded as one
// instruction. It reports false when the chip is in reset or not selected.
func (c *Chip) Transaction(buf []byte) bool {
	c.mu.Lock()
	ok := c.transactionLocked(buf)
	c.mu.Unlock()
	c.deliver()
	return ok
}

// Receive offers f from the bus. It reports whether a receive buffer took it.
// Only normal and listen-only modes listen to the bus.
func (c *Chip) Receive(f Frame) bool {
	c.mu.Lock()
	var ok bool
	switch c.modeLocked() {
	case mcp2515.ModeNormal, mcp2515.ModeListenOnly:
		ok = c.receiveLocked(f)
	}
	c.mu.Unlock()
	c.deliver()
	return ok
}

// Register returns the value of addr as a READ would see it.
func (c *Chip) Register(addr uint8) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLocked(addr)
}

// SetRegister stores v at addr with the same effects as a WRITE.
func (c *Chip) SetRegister(addr uint8, v byte) {
	c.mu.Lock()
	c.writeLocked(addr, v)
	c.updateLocked()
	c.mu.Unlock()
	c.deliver()
}

// InterruptAsserted reports whether INT is driven low.
func (c *Chip) InterruptAsserted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intLine
}

// Mode returns the current operating mode (mcp2515.Mode*).
func (c *Chip) Mode() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modeLocked()
}

// Transactions returns the number of instructions decoded.
func (c *Chip) Transactions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transactions
}

func (c *Chip) deliver() {
	c.mu.Lock()
	edge := c.pendingEdge
	c.pendingEdge = false
	out := c.outbox
	c.outbox = nil
	onInt, onTx := c.onInterrupt, c.onTransmit
	c.mu.Unlock()

	if onTx != nil {
		for _, f := range out {
			onTx(f)
		}
	}
	if edge && onInt != nil {
		onInt()
	}
}

func (c *Chip) resetLocked() {
	c.regs = [mcp2515.RegisterCount]byte{}
	c.regs[mcp2515.CANCTRL] = 0x87
	c.regs[mcp2515.CANSTAT] = mcp2515.ModeConfig
	c.clearOnDeselect = 0
	c.intLine = false
}

func (c *Chip) modeLocked() uint8 {
	return c.regs[mcp2515.CANSTAT] & mcp2515.ModeMask
}

func (c *Chip) transactionLocked(buf []byte) bool {
	if c.inReset || !c.selected {
		return false
	}
	if len(buf) == 0 {
		return true
	}
	c.transactions++

	op := buf[0]
	buf[0] = misoIdle

	switch {
	case op == mcp2515.OpReset:
		c.resetLocked()

	case op == mcp2515.OpRead:
		if len(buf) < 2 {
			break
		}
		addr := buf[1]
		buf[1] = misoIdle
		c.readRunLocked(addr, buf[2:])

	case op == mcp2515.OpWrite:
		if len(buf) < 2 {
			break
		}
		addr := buf[1]
		buf[1] = misoIdle
		c.writeRunLocked(addr, buf[2:])

	case op&0xF9 == mcp2515.OpReadRx:
		n := (op >> 2) & 1
		start := uint8(mcp2515.RXB0SIDH)
		if op&0x02 != 0 {
			start = mcp2515.RXB0D0
		}
		c.readRunLocked(start+0x10*n, buf[1:])
		c.clearOnDeselect |= mcp2515.IntRX0 << n

	case op&0xF8 == mcp2515.OpLoadTx && op&0x07 <= 5:
		n := (op >> 1) & 3
		start := uint8(mcp2515.TXB0SIDH)
		if op&0x01 != 0 {
			start = mcp2515.TXB0D0
		}
		c.writeRunLocked(start+0x10*n, buf[1:])

	case op&0xF8 == mcp2515.OpRTS:
		for n := uint8(0); n < 3; n++ {
			if op&(1<<n) != 0 {
				c.regs[mcp2515.TXB0CTRL+0x10*n] |= mcp2515.TXREQ
			}
		}

	case op == mcp2515.OpReadStatus:
		fill(buf[1:], c.statusLocked())

	case op == mcp2515.OpRxStatus:
		fill(buf[1:], c.rxStatusLocked())

	case op == mcp2515.OpBitModify:
		if len(buf) < 4 {
			break
		}
		addr, mask, data := buf[1], buf[2], buf[3]
		if !mcp2515.BitModifiable(addr) {
			mask = 0xFF
		}
		v := c.readLocked(addr)&^mask | data&mask
		c.writeLocked(addr, v)
		fill(buf[1:], misoIdle)

	default:
		fill(buf[1:], misoIdle)
	}

	c.updateLocked()
	return true
}

func fill(buf []byte, v byte) {
	for i := range buf {
		buf[i] = v
	}
}

func (c *Chip) readRunLocked(addr uint8, out []byte) {
	for i := range out {
		out[i] = c.readLocked(addr)
		addr = (addr + 1) & (mcp2515.RegisterCount - 1)
	}
}

func (c *Chip) writeRunLocked(addr uint8, in []byte) {
	for i, v := range in {
		c.writeLocked(addr, v)
		in[i] = misoIdle
		addr = (addr + 1) & (mcp2515.RegisterCount - 1)
	}
}

func (c *Chip) readLocked(addr uint8) byte {
	addr &= mcp2515.RegisterCount - 1
	switch addr & 0x0F {
	case 0x0E:
		return c.regs[mcp2515.CANSTAT]&^0x0E | c.icodLocked()<<1
	case 0x0F:
		return c.regs[mcp2515.CANCTRL]
	}
	return c.regs[addr]
}

func (c *Chip) writeLocked(addr uint8, v byte) {
	addr &= mcp2515.RegisterCount - 1
	switch {
	case addr&0x0F == 0x0F:
		c.regs[mcp2515.CANCTRL] = v
		// Mode changes take effect at once.
		c.regs[mcp2515.CANSTAT] = v & mcp2515.ModeMask
	case addr&0x0F == 0x0E, addr == mcp2515.TEC, addr == mcp2515.REC:
		// read-only
	case addr == mcp2515.TXB0CTRL, addr == mcp2515.TXB1CTRL, addr == mcp2515.TXB2CTRL:
		c.regs[addr] = c.regs[addr]&^txbWritable | v&txbWritable
	case addr == mcp2515.RXB0CTRL:
		c.regs[addr] = c.regs[addr]&^rxb0Writable | v&rxb0Writable
	case addr == mcp2515.RXB1CTRL:
		c.regs[addr] = c.regs[addr]&^rxbCtrlRXM | v&rxbCtrlRXM
	case addr == mcp2515.EFLG:
		c.regs[addr] = c.regs[addr]&^(eflgRX0OVR|eflgRX1OVR) | v&(eflgRX0OVR|eflgRX1OVR)
	default:
		c.regs[addr] = v
	}
}

// icodLocked returns the CANSTAT interrupt code of the highest priority
// pending, enabled interrupt.
func (c *Chip) icodLocked() byte {
	pending := c.regs[mcp2515.CANINTE] & c.regs[mcp2515.CANINTF]
	order := []struct {
		bit, code byte
	}{
		{mcp2515.IntERR, 1},
		{mcp2515.IntWAK, 2},
		{mcp2515.IntTX0, 3},
		{mcp2515.IntTX1, 4},
		{mcp2515.IntTX2, 5},
		{mcp2515.IntRX0, 6},
		{mcp2515.IntRX1, 7},
	}
	for _, o := range order {
		if pending&o.bit != 0 {
			return o.code
		}
	}
	return 0
}

func (c *Chip) statusLocked() byte {
	intf := c.regs[mcp2515.CANINTF]
	var s byte
	if intf&mcp2515.IntRX0 != 0 {
		s |= mcp2515.StatusRX0IF
	}
	if intf&mcp2515.IntRX1 != 0 {
		s |= mcp2515.StatusRX1IF
	}
	for n := uint8(0); n < 3; n++ {
		if c.regs[mcp2515.TXB0CTRL+0x10*n]&mcp2515.TXREQ != 0 {
			s |= mcp2515.StatusTX0REQ << (2 * n)
		}
		if intf&(mcp2515.IntTX0<<n) != 0 {
			s |= mcp2515.StatusTX0IF << (2 * n)
		}
	}
	return s
}

func (c *Chip) rxStatusLocked() byte {
	intf := c.regs[mcp2515.CANINTF]
	rx0 := intf&mcp2515.IntRX0 != 0
	rx1 := intf&mcp2515.IntRX1 != 0

	var s byte
	var base uint8
	switch {
	case rx0 && rx1:
		s = mcp2515.RxStatusMsgBoth
		base = mcp2515.RXB0CTRL
	case rx0:
		s = mcp2515.RxStatusMsgRXB0
		base = mcp2515.RXB0CTRL
	case rx1:
		s = mcp2515.RxStatusMsgRXB1
		base = mcp2515.RXB1CTRL
	default:
		return mcp2515.RxStatusMsgNone
	}

	sidl := c.regs[base+1+mcp2515.OffsetSIDL]
	dlc := c.regs[base+1+mcp2515.OffsetDLC]
	if sidl&mcp2515.SIDLExide != 0 {
		s |= mcp2515.RxStatusTypeExt
		if dlc&mcp2515.DLCRtr != 0 {
			s |= mcp2515.RxStatusTypeStdRemote
		}
	} else if sidl&mcp2515.SIDLSrr != 0 {
		s |= mcp2515.RxStatusTypeStdRemote
	}

	ctrl := c.regs[base]
	if base == mcp2515.RXB0CTRL {
		s |= ctrl & 0x01
	} else {
		hit := ctrl & 0x07
		if hit < 2 {
			// RXF0/RXF1 hits in RXB1 mean the frame rolled over.
			hit += mcp2515.RxStatusFilterRXF0Roll
		}
		s |= hit
	}
	return s
}

// updateLocked starts pending transmissions and refreshes INT.
func (c *Chip) updateLocked() {
	c.processTxLocked()
	c.updateIntLocked()
}

func (c *Chip) updateIntLocked() {
	active := c.regs[mcp2515.CANINTE]&c.regs[mcp2515.CANINTF] != 0
	if active && !c.intLine {
		c.pendingEdge = true
	}
	c.intLine = active
}

func (c *Chip) processTxLocked() {
	mode := c.modeLocked()
	if mode != mcp2515.ModeLoopback && !(mode == mcp2515.ModeNormal && c.onTransmit != nil) {
		return
	}

	for {
		n, ok := c.nextTxLocked()
		if !ok {
			break
		}
		ctrl := uint8(mcp2515.TXB0CTRL + 0x10*n)
		f := c.txFrameLocked(n)
		c.regs[ctrl] &^= mcp2515.TXREQ
		c.regs[mcp2515.CANINTF] |= mcp2515.IntTX0 << n

		if mode == mcp2515.ModeLoopback {
			c.receiveLocked(f)
		} else {
			c.outbox = append(c.outbox, f)
		}
	}
	c.updateIntLocked()
}

// nextTxLocked picks the pending buffer with the highest TXP, ties going to
// the higher buffer number.
func (c *Chip) nextTxLocked() (uint8, bool) {
	best, found := uint8(0), false
	var bestPrio byte
	for n := uint8(0); n < 3; n++ {
		ctrl := c.regs[mcp2515.TXB0CTRL+0x10*n]
		if ctrl&mcp2515.TXREQ == 0 {
			continue
		}
		if prio := ctrl & 0x03; !found || prio >= bestPrio {
			best, bestPrio, found = n, prio, true
		}
	}
	return best, found
}

func (c *Chip) txFrameLocked(n uint8) Frame {
	base := mcp2515.TXB0SIDH + 0x10*n
	var f Frame
	f.ID, f.Extended = DecodeID(c.regs[base], c.regs[base+1], c.regs[base+2], c.regs[base+3])
	dlc := c.regs[base+mcp2515.OffsetDLC]
	f.RTR = dlc&mcp2515.DLCRtr != 0
	f.Len = dlc & mcp2515.DLCMask
	if f.Len > 8 {
		f.Len = 8
	}
	copy(f.Data[:], c.regs[base+mcp2515.OffsetData:base+mcp2515.OffsetData+8])
	return f
}

// receiveLocked runs acceptance filtering and stores f. It reports whether
// f landed in a buffer.
func (c *Chip) receiveLocked(f Frame) bool {
	defer c.updateIntLocked()

	intf := c.regs[mcp2515.CANINTF]
	ctrl0 := c.regs[mcp2515.RXB0CTRL]

	if hit, ok := c.matchLocked(ctrl0, mcp2515.RXM0SIDH, []uint8{mcp2515.RXF0SIDH, mcp2515.RXF1SIDH}, 0, f); ok {
		switch {
		case intf&mcp2515.IntRX0 == 0:
			c.storeLocked(0, f, hit)
			return true
		case ctrl0&rxb0CtrlBUKT != 0 && intf&mcp2515.IntRX1 == 0:
			c.storeLocked(1, f, hit)
			return true
		case ctrl0&rxb0CtrlBUKT != 0:
			c.overflowLocked(eflgRX1OVR)
		default:
			c.overflowLocked(eflgRX0OVR)
		}
		return false
	}

	filters := []uint8{mcp2515.RXF2SIDH, mcp2515.RXF3SIDH, mcp2515.RXF4SIDH, mcp2515.RXF5SIDH}
	if hit, ok := c.matchLocked(c.regs[mcp2515.RXB1CTRL], mcp2515.RXM1SIDH, filters, 2, f); ok {
		if intf&mcp2515.IntRX1 != 0 {
			c.overflowLocked(eflgRX1OVR)
			return false
		}
		c.storeLocked(1, f, hit)
		return true
	}
	return false
}

func (c *Chip) overflowLocked(flag byte) {
	c.regs[mcp2515.EFLG] |= flag
	c.regs[mcp2515.CANINTF] |= mcp2515.IntERR
}

// matchLocked checks f against the filters of one receive buffer and
// returns the filter number that accepted it.
func (c *Chip) matchLocked(ctrl byte, mask uint8, filters []uint8, first byte, f Frame) (byte, bool) {
	if ctrl&rxbCtrlRXM == rxbCtrlRXM {
		// Filters off, accept everything.
		return first, true
	}

	m := c.regs[mask : mask+4]
	maskID, _ := DecodeID(m[0], m[1]|mcp2515.SIDLExide, m[2], m[3])
	for i, addr := range filters {
		r := c.regs[addr : addr+4]
		if (r[1]&mcp2515.SIDLExide != 0) != f.Extended {
			continue
		}
		filterID, _ := DecodeID(r[0], r[1], r[2], r[3])
		id, mid := f.ID, maskID
		if !f.Extended {
			mid = maskID >> 18
		}
		if (id^filterID)&mid == 0 {
			return first + byte(i), true
		}
	}
	return 0, false
}

func (c *Chip) storeLocked(n uint8, f Frame, hit byte) {
	ctrl := uint8(mcp2515.RXB0CTRL + 0x10*n)
	base := ctrl + 1

	sidh, sidl, eid8, eid0 := EncodeID(f.ID, f.Extended)
	dlc := f.Len & mcp2515.DLCMask
	if f.RTR {
		if f.Extended {
			dlc |= mcp2515.DLCRtr
		} else {
			sidl |= mcp2515.SIDLSrr
		}
	}
	c.regs[base] = sidh
	c.regs[base+1] = sidl
	c.regs[base+2] = eid8
	c.regs[base+3] = eid0
	c.regs[base+mcp2515.OffsetDLC] = dlc
	copy(c.regs[base+mcp2515.OffsetData:base+mcp2515.OffsetData+8], f.Data[:])

	keep := byte(rxbCtrlRXM)
	if n == 0 {
		keep |= rxb0CtrlBUKT
	}
	v := c.regs[ctrl] & keep
	if n == 0 {
		v |= hit & 0x01
	} else {
		v |= hit & 0x07
	}
	if f.RTR {
		v |= rxbCtrlRXRTR
	}
	c.regs[ctrl] = v
	c.regs[mcp2515.CANINTF] |= mcp2515.IntRX0 << n
}
