// Package periphspi drives an MCP2515 on a Linux SPI bus through periph.io,
// with RESET, INT and optionally chip select on GPIO lines.
package periphspi

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"mcpcan/mcp2515"
)

// ErrClosed is recorded by operations after Close.
var ErrClosed = errors.New("periphspi: transport closed")

// Conn is the part of spi.Conn the transport uses.
type Conn interface {
	Tx(w, r []byte) error
}

// OutPin is a GPIO driven by the transport.
type OutPin interface {
	Out(l gpio.Level) error
}

// InPin is the INT line.
type InPin interface {
	In(pull gpio.Pull, edge gpio.Edge) error
	WaitForEdge(timeout time.Duration) bool
	Read() gpio.Level
	Halt() error
}

// Config names the Linux resources the chip is wired to.
type Config struct {
	// Port is a spireg name such as "SPI0.0" or "/dev/spidev0.0". Empty
	// picks the first registered port.
	Port string

	// Frequency in Hz.
	Frequency int64

	// Mode is the SPI mode, 0 or 3.
	Mode int

	// CSPin, when set, is a GPIO driven as chip select instead of the
	// kernel's.
	CSPin string

	ResetPin string
	IntPin   string
}

// DefaultConfig returns settings for a chip on SPI0.0 at 8 MHz.
func DefaultConfig() Config {
	return Config{
		Port:      "SPI0.0",
		Frequency: 8_000_000,
		Mode:      0,
		ResetPin:  "GPIO25",
		IntPin:    "GPIO24",
	}
}

// Pins are the optional GPIO lines around the bus.
type Pins struct {
	CS    OutPin
	Reset OutPin
	Int   InPin
}

// Transport implements mcp2515.Transport over a periph.io SPI connection.
type Transport struct {
	conn   Conn
	closer io.Closer
	pins   Pins
	log    *zap.SugaredLogger

	rx [mcp2515.BufferSize]byte

	mu     sync.Mutex
	err    error
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

var _ mcp2515.Transport = (*Transport)(nil)

// Open initializes the periph host drivers and opens the port and pins in
// cfg.
func Open(cfg Config, logger *zap.SugaredLogger) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	var pins Pins
	var err error
	if cfg.CSPin != "" {
		if pins.CS, err = pinByName(cfg.CSPin); err != nil {
			return nil, err
		}
	}
	if cfg.ResetPin != "" {
		if pins.Reset, err = pinByName(cfg.ResetPin); err != nil {
			return nil, err
		}
	}
	if cfg.IntPin != "" {
		if pins.Int, err = pinByName(cfg.IntPin); err != nil {
			return nil, err
		}
	}

	port, err := spireg.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("open spi port %q: %w", cfg.Port, err)
	}

	mode := spi.Mode(cfg.Mode)
	if pins.CS != nil {
		mode |= spi.NoCS
	}
	conn, err := port.Connect(physic.Frequency(cfg.Frequency)*physic.Hertz, mode, 8)
	if err != nil {
		return nil, multierr.Combine(fmt.Errorf("connect spi port %q: %w", cfg.Port, err), port.Close())
	}

	t := New(conn, port, pins, logger)
	t.log.Infow("spi port open", "port", cfg.Port, "frequency", cfg.Frequency, "mode", cfg.Mode)
	return t, nil
}

func pinByName(name string) (gpio.PinIO, error) {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("no global pin found for %q", name)
	}
	return pin, nil
}

// New wraps an established connection. closer, when not nil, is closed by
// Close.
func New(conn Conn, closer io.Closer, pins Pins, logger *zap.SugaredLogger) *Transport {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Transport{conn: conn, closer: closer, pins: pins, log: logger}
}

// Reset drives RESET, which is active low.
func (t *Transport) Reset(active bool) {
	if t.pins.Reset == nil {
		return
	}
	if err := t.pins.Reset.Out(gpio.Level(!active)); err != nil {
		t.fail(fmt.Errorf("reset: %w", err))
	}
}

// ChipSelect drives the CS GPIO when one is configured. Otherwise the
// kernel selects the chip for the duration of each Tx.
func (t *Transport) ChipSelect(active bool) {
	if t.pins.CS == nil {
		return
	}
	if err := t.pins.CS.Out(gpio.Level(!active)); err != nil {
		t.fail(fmt.Errorf("chip select: %w", err))
	}
}

// Transaction exchanges buf in one Tx.
func (t *Transport) Transaction(buf []byte) bool {
	if len(buf) > len(t.rx) {
		t.fail(fmt.Errorf("transfer of %d bytes: %w", len(buf), mcp2515.ErrTooLong))
		return false
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		t.fail(ErrClosed)
		return false
	}

	rx := t.rx[:len(buf)]
	if err := t.conn.Tx(buf, rx); err != nil {
		t.fail(fmt.Errorf("spi tx: %w", err))
		return false
	}
	copy(buf, rx)
	return true
}

// WatchInterrupt configures INT as a pulled-up falling edge input and calls
// fn from a goroutine for every edge until Close.
func (t *Transport) WatchInterrupt(fn func()) error {
	if t.pins.Int == nil {
		return errors.New("periphspi: no interrupt pin configured")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.stop != nil {
		return errors.New("periphspi: interrupt already watched")
	}
	if err := t.pins.Int.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return fmt.Errorf("configure interrupt pin: %w", err)
	}

	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.watch(fn, t.stop, t.done)
	return nil
}

func (t *Transport) watch(fn func(), stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if t.pins.Int.WaitForEdge(100 * time.Millisecond) {
			select {
			case <-stop:
				return
			default:
			}
			fn()
		}
	}
}

// InterruptAsserted reports whether INT is low.
func (t *Transport) InterruptAsserted() bool {
	return t.pins.Int != nil && t.pins.Int.Read() == gpio.Low
}

// Err returns the last failure seen by a hook.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transport) fail(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.log.Warnw("spi transport error", "error", err)
}

// Close stops the interrupt watcher, releases chip select and closes the
// port.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	stop, done := t.stop, t.done
	t.mu.Unlock()

	var err error
	if stop != nil {
		close(stop)
		err = multierr.Combine(err, t.pins.Int.Halt())
		<-done
	}
	if t.pins.CS != nil {
		err = multierr.Combine(err, t.pins.CS.Out(gpio.High))
	}
	if t.closer != nil {
		err = multierr.Combine(err, t.closer.Close())
	}
	return err
}
