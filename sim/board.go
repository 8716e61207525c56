package sim

import (
	"errors"
	"fmt"
	"sync"

	"mcpcan/firmware"
)

var (
	ErrNotSelected = errors.New("sim: chip not selected or held in reset")
	ErrBadPin      = errors.New("sim: pin not usable that way")
)

// MaxClock is the fastest SPI clock the simulated chip accepts.
const MaxClock = 10_000_000

// BoardPins maps the chip's control lines onto GPIO numbers.
type BoardPins struct {
	CS    firmware.GPIOPin
	Reset firmware.GPIOPin
	Int   firmware.GPIOPin
}

// DefaultPins is the wiring the host tools assume for the sim backend.
var DefaultPins = BoardPins{CS: 17, Reset: 20, Int: 21}

// Board is a microcontroller with a Chip wired to its SPI bus. It provides
// the firmware's SPIDriver and GPIODriver. CS and RESET are active low and
// INT is an open drain active low output.
type Board struct {
	chip *Chip
	pins BoardPins

	mu       sync.Mutex
	outputs  map[firmware.GPIOPin]bool
	inputs   map[firmware.GPIOPin]bool
	levels   map[firmware.GPIOPin]bool
	watchers map[firmware.GPIOPin][]func()
}

func NewBoard(chip *Chip, pins BoardPins) *Board {
	b := &Board{
		chip:     chip,
		pins:     pins,
		outputs:  make(map[firmware.GPIOPin]bool),
		inputs:   make(map[firmware.GPIOPin]bool),
		levels:   make(map[firmware.GPIOPin]bool),
		watchers: make(map[firmware.GPIOPin][]func()),
	}
	chip.SetInterruptHandler(b.intFalling)
	return b
}

// Chip returns the simulated controller.
func (b *Board) Chip() *Chip { return b.chip }

type busHandle struct {
	cfg firmware.SPIConfig
}

// ConfigureBus accepts bus 0 in SPI mode 0 or 3 up to MaxClock.
func (b *Board) ConfigureBus(cfg firmware.SPIConfig) (any, error) {
	if cfg.BusID != 0 {
		return nil, fmt.Errorf("sim: no spi bus %d", cfg.BusID)
	}
	if cfg.Mode != 0 && cfg.Mode != 3 {
		return nil, fmt.Errorf("sim: mcp2515 needs spi mode 0 or 3, got %d", cfg.Mode)
	}
	if cfg.Rate == 0 || cfg.Rate > MaxClock {
		return nil, fmt.Errorf("sim: spi rate %d out of range", cfg.Rate)
	}
	return &busHandle{cfg: cfg}, nil
}

func (b *Board) Transfer(handle any, tx, rx []byte) error {
	if _, ok := handle.(*busHandle); !ok {
		return errors.New("sim: invalid bus handle")
	}
	if len(rx) != len(tx) {
		return fmt.Errorf("sim: rx length %d != tx length %d", len(rx), len(tx))
	}
	copy(rx, tx)
	if !b.chip.Transaction(rx) {
		return ErrNotSelected
	}
	return nil
}

func (b *Board) ConfigureOutput(pin firmware.GPIOPin) error {
	if pin == b.pins.Int {
		return fmt.Errorf("INT pin %d as output: %w", pin, ErrBadPin)
	}
	b.mu.Lock()
	b.outputs[pin] = true
	delete(b.inputs, pin)
	b.mu.Unlock()
	return nil
}

func (b *Board) ConfigureInput(pin firmware.GPIOPin, pullUp bool) error {
	b.mu.Lock()
	b.inputs[pin] = true
	delete(b.outputs, pin)
	if _, ok := b.levels[pin]; !ok {
		b.levels[pin] = pullUp
	}
	b.mu.Unlock()
	return nil
}

func (b *Board) SetPin(pin firmware.GPIOPin, value bool) error {
	b.mu.Lock()
	if !b.outputs[pin] {
		b.mu.Unlock()
		return fmt.Errorf("pin %d not configured as output: %w", pin, ErrBadPin)
	}
	b.levels[pin] = value
	b.mu.Unlock()

	switch pin {
	case b.pins.CS:
		b.chip.ChipSelect(!value)
	case b.pins.Reset:
		b.chip.Reset(!value)
	}
	return nil
}

func (b *Board) GetPin(pin firmware.GPIOPin) (bool, error) {
	if pin == b.pins.Int {
		return !b.chip.InterruptAsserted(), nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.levels[pin], nil
}

func (b *Board) WatchFalling(pin firmware.GPIOPin, fn func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inputs[pin] {
		return fmt.Errorf("pin %d not configured as input: %w", pin, ErrBadPin)
	}
	b.watchers[pin] = append(b.watchers[pin], fn)
	return nil
}

func (b *Board) intFalling() {
	b.mu.Lock()
	fns := append([]func(){}, b.watchers[b.pins.Int]...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
