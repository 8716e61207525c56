//go:build rp2040

package main

import (
	"errors"
	"machine"
	"sync"

	"mcpcan/firmware"
)

const rp2040GPIOCount = 30

var errInvalidPin = errors.New("invalid GPIO pin")

// RP2040GPIODriver implements firmware.GPIODriver on the RP2040's GPIO bank.
type RP2040GPIODriver struct {
	mu       sync.Mutex
	watchers map[firmware.GPIOPin]func()
}

func NewRP2040GPIODriver() *RP2040GPIODriver {
	return &RP2040GPIODriver{watchers: make(map[firmware.GPIOPin]func())}
}

func (d *RP2040GPIODriver) pin(pin firmware.GPIOPin) (machine.Pin, error) {
	if pin >= rp2040GPIOCount {
		return 0, errInvalidPin
	}
	return machine.Pin(pin), nil
}

func (d *RP2040GPIODriver) ConfigureOutput(pin firmware.GPIOPin) error {
	p, err := d.pin(pin)
	if err != nil {
		return err
	}
	p.Configure(machine.PinConfig{Mode: machine.PinOutput})
	return nil
}

func (d *RP2040GPIODriver) ConfigureInput(pin firmware.GPIOPin, pullUp bool) error {
	p, err := d.pin(pin)
	if err != nil {
		return err
	}
	mode := machine.PinInput
	if pullUp {
		mode = machine.PinInputPullup
	}
	p.Configure(machine.PinConfig{Mode: mode})
	return nil
}

func (d *RP2040GPIODriver) SetPin(pin firmware.GPIOPin, value bool) error {
	p, err := d.pin(pin)
	if err != nil {
		return err
	}
	p.Set(value)
	return nil
}

func (d *RP2040GPIODriver) GetPin(pin firmware.GPIOPin) (bool, error) {
	p, err := d.pin(pin)
	if err != nil {
		return false, err
	}
	return p.Get(), nil
}

// WatchFalling runs fn from the GPIO interrupt. The firmware's callback
// only does a non-blocking channel send, which is safe there.
func (d *RP2040GPIODriver) WatchFalling(pin firmware.GPIOPin, fn func()) error {
	p, err := d.pin(pin)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.watchers[pin] = fn
	d.mu.Unlock()
	return p.SetInterrupt(machine.PinFalling, func(machine.Pin) { fn() })
}
