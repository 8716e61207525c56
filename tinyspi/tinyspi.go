// Package tinyspi connects an MCP2515 to a TinyGo SPI bus. machine.SPI
// satisfies drivers.SPI and machine.Pin satisfies Pin, so on a board:
//
//	bus := machine.SPI0
//	bus.Configure(machine.SPIConfig{Frequency: 8_000_000, Mode: 0})
//	cs := machine.GP17
//	cs.Configure(machine.PinConfig{Mode: machine.PinOutput})
//	dev := mcp2515.NewWithTransport(tinyspi.New(bus, cs, nil))
package tinyspi

import (
	"fmt"

	"tinygo.org/x/drivers"

	"mcpcan/mcp2515"
)

// Pin is an output line.
type Pin interface {
	Set(high bool)
}

// PinFunc adapts a function to Pin.
type PinFunc func(high bool)

func (f PinFunc) Set(high bool) { f(high) }

// Transport implements mcp2515.Transport over drivers.SPI. CS and RESET
// are active low; a nil reset pin means RESET is tied high.
type Transport struct {
	bus   drivers.SPI
	cs    Pin
	reset Pin

	rx  [mcp2515.BufferSize]byte
	err error
}

var _ mcp2515.Transport = (*Transport)(nil)

func New(bus drivers.SPI, cs, reset Pin) *Transport {
	return &Transport{bus: bus, cs: cs, reset: reset}
}

func (t *Transport) Reset(active bool) {
	if t.reset != nil {
		t.reset.Set(!active)
	}
}

func (t *Transport) ChipSelect(active bool) {
	t.cs.Set(!active)
}

func (t *Transport) Transaction(buf []byte) bool {
	if len(buf) > len(t.rx) {
		t.err = fmt.Errorf("tinyspi: %d byte transfer: %w", len(buf), mcp2515.ErrTooLong)
		return false
	}
	rx := t.rx[:len(buf)]
	if err := t.bus.Tx(buf, rx); err != nil {
		t.err = err
		return false
	}
	copy(buf, rx)
	return true
}

// Err returns the error of the last failed transaction.
func (t *Transport) Err() error { return t.err }
