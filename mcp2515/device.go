// Package mcp2515 encodes the SPI instruction set of the Microchip MCP2515
// stand-alone CAN controller.
//
// A Device owns a fixed 32 byte transfer buffer. Every operation writes the
// instruction and payload into that buffer, asserts chip select, hands the
// buffer to the transaction hook for one full-duplex exchange and deasserts
// chip select again. Bus access, pin control and interrupt delivery are
// supplied by the caller through Hooks (or a Transport).
//
// Slices returned by Read and ReadRxBuffer point into the shared buffer. They
// stay valid only until the next operation on the same Device; copy them if
// they must outlive it.
//
// A Device is not safe for concurrent use.
package mcp2515

import "errors"

// BufferSize is the capacity of the shared transfer buffer.
const BufferSize = 32

// maxPayload is the largest register run Read and Write accept: the
// instruction and address bytes take the first two slots.
const maxPayload = BufferSize - 2

// StatusFailed is returned by ReadStatus and RxStatus when the transfer fails.
// It is outside the byte range so a genuine 0xFF status is never mistaken for it.
const StatusFailed int32 = -1

var (
	// ErrMissingHook is returned by Initialize when OnReset, OnChipSelect or
	// OnTransaction is nil.
	ErrMissingHook = errors.New("mcp2515: reset, chip select and transaction hooks are required")

	// ErrNotInitialized is returned by operations issued before Initialize succeeded.
	ErrNotInitialized = errors.New("mcp2515: device not initialized")

	// ErrTooLong is returned when a register run does not fit the transfer buffer.
	ErrTooLong = errors.New("mcp2515: length exceeds transfer buffer")

	// ErrShortData is returned by LoadTxBuffer when data is shorter than the
	// selected buffer region.
	ErrShortData = errors.New("mcp2515: data shorter than tx buffer region")

	// ErrTransfer is returned when the transaction hook reports failure.
	ErrTransfer = errors.New("mcp2515: transfer failed")
)

// Hooks are the caller-supplied signal and bus callbacks.
type Hooks struct {
	// OnReset drives the RESET line. true holds the chip in reset.
	OnReset func(active bool)

	// OnChipSelect drives the CS line. true selects the chip.
	OnChipSelect func(active bool)

	// OnTransaction clocks len(buf) bytes out of buf and stores the bytes
	// clocked in back into buf. It reports whether the exchange completed.
	OnTransaction func(buf []byte) bool
}

// Transport is the interface form of Hooks.
type Transport interface {
	Reset(active bool)
	ChipSelect(active bool)
	Transaction(buf []byte) bool
}

// HooksFor adapts a Transport to Hooks.
func HooksFor(t Transport) Hooks {
	if t == nil {
		return Hooks{}
	}
	return Hooks{
		OnReset:       t.Reset,
		OnChipSelect:  t.ChipSelect,
		OnTransaction: t.Transaction,
	}
}

// Device is one MCP2515 attached to a transport.
type Device struct {
	Hooks

	onInterrupt func()
	ready       bool
	buf         [BufferSize]byte
}

// New returns a Device using the given hooks. Call Initialize before use.
func New(h Hooks) *Device {
	return &Device{Hooks: h}
}

// NewWithTransport returns a Device driven by t. Call Initialize before use.
func NewWithTransport(t Transport) *Device {
	return New(HooksFor(t))
}

// Initialize checks the mandatory hooks, stores the optional interrupt
// handler, deselects the chip and releases reset.
//
// When a hook is missing no line is touched and ErrMissingHook is returned.
func (d *Device) Initialize(onInterrupt func()) error {
	if d.OnReset == nil || d.OnChipSelect == nil || d.OnTransaction == nil {
		return ErrMissingHook
	}

	d.onInterrupt = onInterrupt

	d.OnChipSelect(false)
	d.OnReset(false)
	d.ready = true
	return nil
}

// Interrupt forwards an INT line event to the handler given to Initialize.
// It is meant to be called from the caller's interrupt machinery; the Device
// never calls it itself.
func (d *Device) Interrupt() {
	if h := d.onInterrupt; h != nil {
		h()
	}
}

// HasInterruptHandler reports whether Initialize stored an interrupt handler.
func (d *Device) HasInterruptHandler() bool {
	return d.onInterrupt != nil
}

// transact runs one select/transfer/deselect bracket over buf[:n].
func (d *Device) transact(n int) bool {
	d.OnChipSelect(true)
	defer d.OnChipSelect(false)
	return d.OnTransaction(d.buf[:n])
}
