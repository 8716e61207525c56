package bridge

import (
	"errors"
	"fmt"
	"sync"

	"mcpcan/mcp2515"
	"mcpcan/protocol"
)

// ErrShortResponse is recorded when a transfer answer does not cover the
// bytes sent.
var ErrShortResponse = errors.New("bridge: spi response shorter than request")

// DeviceConfig describes how the MCP2515 hangs off the firmware's pins.
type DeviceConfig struct {
	SPIOID   uint8
	Bus      uint32
	Mode     uint32 // 0 or 3
	Rate     uint32 // Hz
	CSPin    uint32
	NoCS     bool // chip select handled outside the firmware
	CSHigh   bool // chip select active high
	ResetOID uint8
	ResetPin uint32
	NoReset  bool
	IntOID   uint8
	IntPin   uint32
	NoInt    bool
}

// DefaultDeviceConfig is the wiring of the reference bridge board.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		SPIOID:   0,
		Bus:      0,
		Mode:     0,
		Rate:     4_000_000,
		CSPin:    17,
		ResetOID: 1,
		ResetPin: 20,
		IntOID:   2,
		IntPin:   21,
	}
}

// Configure creates the SPI device, reset output and interrupt input on
// the firmware. The reset line starts released (high).
func (l *Link) Configure(cfg DeviceConfig) error {
	if cfg.NoCS {
		if err := l.Send("config_spi_without_cs", cfg.SPIOID); err != nil {
			return err
		}
	} else if err := l.Send("config_spi", cfg.SPIOID, cfg.CSPin, cfg.CSHigh); err != nil {
		return err
	}
	if err := l.Send("spi_set_bus", cfg.SPIOID, cfg.Bus, cfg.Mode, cfg.Rate); err != nil {
		return err
	}

	if !cfg.NoReset {
		if err := l.Send("config_digital_out", cfg.ResetOID, cfg.ResetPin, true, true, uint32(0)); err != nil {
			return err
		}
	}
	if !cfg.NoInt {
		if err := l.Send("config_interrupt_in", cfg.IntOID, cfg.IntPin, true); err != nil {
			return err
		}
	}
	l.log.Debugw("device configured", "spi_oid", cfg.SPIOID, "bus", cfg.Bus, "mode", cfg.Mode, "rate", cfg.Rate)
	return nil
}

// Shutdown sends emergency_stop. The firmware releases chip select and
// returns outputs to their defaults.
func (l *Link) Shutdown() error {
	return l.Send("emergency_stop")
}

// ConfigReset clears a shutdown and every configured object.
func (l *Link) ConfigReset() error {
	return l.Send("config_reset")
}

// InterruptLevel queries the INT input. true means the line is high
// (no interrupt pending).
func (l *Link) InterruptLevel(oid uint8) (bool, error) {
	data, err := l.Query("query_interrupt_in", "interrupt_state", matchOID(oid), oid)
	if err != nil {
		return false, err
	}
	if _, err := protocol.DecodeVLQUint(&data); err != nil {
		return false, err
	}
	v, err := protocol.DecodeVLQUint(&data)
	return v != 0, err
}

func matchOID(oid uint8) func([]byte) bool {
	return func(data []byte) bool {
		got, err := protocol.DecodeVLQUint(&data)
		return err == nil && got == uint32(oid)
	}
}

// SPITransport runs MCP2515 transactions through the firmware. It
// implements mcp2515.Transport.
//
// The firmware asserts chip select around each spi_transfer itself, so
// ChipSelect only tracks the bracket the Device asks for.
type SPITransport struct {
	link *Link
	cfg  DeviceConfig

	mu       sync.Mutex
	selected bool
	err      error
}

var _ mcp2515.Transport = (*SPITransport)(nil)

// SPI returns a transport for the device set up by Configure(cfg).
func (l *Link) SPI(cfg DeviceConfig) *SPITransport {
	return &SPITransport{link: l, cfg: cfg}
}

// Reset drives the reset line. true holds the chip in reset.
func (t *SPITransport) Reset(active bool) {
	if t.cfg.NoReset {
		return
	}
	// RESET is active low.
	if err := t.link.Send("update_digital_out", t.cfg.ResetOID, !active); err != nil {
		t.fail(fmt.Errorf("reset: %w", err))
	}
}

// ChipSelect records the Device's select state.
func (t *SPITransport) ChipSelect(active bool) {
	t.mu.Lock()
	t.selected = active
	t.mu.Unlock()
}

// Transaction exchanges buf with the chip in one spi_transfer.
func (t *SPITransport) Transaction(buf []byte) bool {
	t.mu.Lock()
	selected := t.selected
	t.mu.Unlock()
	if !selected {
		t.link.log.Debugw("transfer outside chip select bracket", "bytes", len(buf))
	}

	oid := t.cfg.SPIOID
	data, err := t.link.Query("spi_transfer", "spi_transfer_response", matchOID(oid), oid, buf)
	if err != nil {
		t.fail(err)
		return false
	}
	if _, err := protocol.DecodeVLQUint(&data); err != nil {
		t.fail(err)
		return false
	}
	resp, err := protocol.DecodeVLQBytes(&data)
	if err != nil {
		t.fail(err)
		return false
	}
	if len(resp) < len(buf) {
		t.fail(fmt.Errorf("%w: %d < %d", ErrShortResponse, len(resp), len(buf)))
		return false
	}

	t.link.log.Debugw("spi transfer", "tx", fmt.Sprintf("%X", buf), "rx", fmt.Sprintf("%X", resp[:len(buf)]))
	copy(buf, resp)
	return true
}

// Err returns the last failure seen by Reset or Transaction.
func (t *SPITransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *SPITransport) fail(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.link.log.Warnw("spi transport error", "error", err)
}
