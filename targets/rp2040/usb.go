//go:build rp2040

package main

import (
	"errors"
	"machine"
	"time"
)

var errUSBStalled = errors.New("usb: write made no progress")

// usbLink adapts machine.Serial (USB CDC on the RP2040) to the blocking
// io.ReadWriter firmware.Serve expects.
type usbLink struct {
	serial   machine.Serialer
	failures int
}

func newUSBLink() *usbLink {
	machine.Serial.Configure(machine.UARTConfig{})
	return &usbLink{serial: machine.Serial}
}

// Read waits for at least one byte, then drains what is buffered.
func (u *usbLink) Read(p []byte) (int, error) {
	for u.serial.Buffered() == 0 {
		time.Sleep(100 * time.Microsecond)
	}
	n := 0
	for n < len(p) && u.serial.Buffered() > 0 {
		b, err := u.serial.ReadByte()
		if err != nil {
			return n, err
		}
		p[n] = b
		n++
	}
	return n, nil
}

func (u *usbLink) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := u.serial.Write(p[written:])
		if err != nil || n == 0 {
			// Host gone: drop the data rather than block the firmware.
			u.failures++
			if u.failures > 10 {
				u.failures = 0
				return written, errUSBStalled
			}
			return len(p), nil
		}
		written += n
	}
	u.failures = 0
	return written, nil
}
