// Package serial opens the serial link to the bridge firmware.
package serial

import (
	"fmt"
	"io"
)

// Port is an open serial link.
type Port interface {
	io.ReadWriteCloser

	// Flush discards input received but not yet read.
	Flush() error
}

// Driver selects the serial library a port is opened with.
type Driver string

const (
	DriverTarm  Driver = "tarm"  // github.com/tarm/serial
	DriverBugst Driver = "bugst" // go.bug.st/serial
)

// Config holds serial port configuration.
type Config struct {
	// Device path, e.g. /dev/ttyACM0 or COM3.
	Device string

	// Baud rate. USB CDC links ignore it.
	Baud int

	// ReadTimeout in milliseconds (0 = blocking).
	ReadTimeout int

	// Driver defaults to DriverTarm.
	Driver Driver
}

// DefaultConfig returns the Klipper link defaults for device.
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        250000,
		ReadTimeout: 100,
		Driver:      DriverTarm,
	}
}

// Open opens the port described by cfg.
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Device == "" {
		return nil, fmt.Errorf("no serial device given")
	}

	switch cfg.Driver {
	case DriverTarm, "":
		return openTarm(cfg)
	case DriverBugst:
		return openBugst(cfg)
	}
	return nil, fmt.Errorf("unknown serial driver %q", cfg.Driver)
}
