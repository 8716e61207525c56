//go:build rp2040

// Bridge firmware for RP2040 boards: the host drives an MCP2515 on the
// board's SPI bus over USB CDC.
package main

import (
	"context"
	"machine"
	"time"

	"mcpcan/firmware"
)

func main() {
	// Clear any watchdog state left over from a previous reset.
	if err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0}); err != nil {
		return
	}

	link := newUSBLink()

	fw, err := firmware.New(firmware.Config{
		SPI:  NewRP2040SPIDriver(),
		GPIO: NewRP2040GPIODriver(),
	})
	if err != nil {
		fatal()
	}

	for {
		// Serve only returns when the link fails; start over with a fresh
		// transport once the host reconnects.
		_ = fw.Serve(context.Background(), link)
		time.Sleep(100 * time.Millisecond)
	}
}

// fatal blinks the LED forever.
func fatal() {
	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	for {
		led.Set(!led.Get())
		time.Sleep(250 * time.Millisecond)
	}
}
