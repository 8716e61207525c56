//go:build rp2040

package main

import (
	"errors"
	"machine"
	"sync"

	"tinygo.org/x/drivers"

	"mcpcan/firmware"
)

type spiBusConfig struct {
	spi  *machine.SPI
	sck  machine.Pin
	mosi machine.Pin
	miso machine.Pin
	name string
}

// Klipper's RP2040 SPI bus numbering.
var rp2040SPIBuses = map[firmware.SPIBusID]spiBusConfig{
	0: {spi: machine.SPI0, sck: machine.GPIO2, mosi: machine.GPIO3, miso: machine.GPIO0, name: "spi0a"},
	1: {spi: machine.SPI0, sck: machine.GPIO6, mosi: machine.GPIO7, miso: machine.GPIO4, name: "spi0b"},
	2: {spi: machine.SPI0, sck: machine.GPIO18, mosi: machine.GPIO19, miso: machine.GPIO16, name: "spi0c"},
	3: {spi: machine.SPI0, sck: machine.GPIO22, mosi: machine.GPIO23, miso: machine.GPIO20, name: "spi0d"},
	4: {spi: machine.SPI0, sck: machine.GPIO2, mosi: machine.GPIO3, miso: machine.GPIO4, name: "spi0e"},
	5: {spi: machine.SPI1, sck: machine.GPIO10, mosi: machine.GPIO11, miso: machine.GPIO8, name: "spi1a"},
	6: {spi: machine.SPI1, sck: machine.GPIO14, mosi: machine.GPIO15, miso: machine.GPIO12, name: "spi1b"},
	7: {spi: machine.SPI1, sck: machine.GPIO26, mosi: machine.GPIO27, miso: machine.GPIO24, name: "spi1c"},
	8: {spi: machine.SPI1, sck: machine.GPIO10, mosi: machine.GPIO11, miso: machine.GPIO12, name: "spi1d"},
}

// RP2040SPIDriver implements firmware.SPIDriver on the hardware SPI blocks.
type RP2040SPIDriver struct {
	mu         sync.Mutex
	configured map[firmware.SPIBusID]*spiInstance
}

type spiInstance struct {
	bus   drivers.SPI
	busID firmware.SPIBusID
	mode  firmware.SPIMode
	rate  uint32
}

func NewRP2040SPIDriver() *RP2040SPIDriver {
	return &RP2040SPIDriver{configured: make(map[firmware.SPIBusID]*spiInstance)}
}

func (d *RP2040SPIDriver) ConfigureBus(cfg firmware.SPIConfig) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if inst, ok := d.configured[cfg.BusID]; ok && inst.mode == cfg.Mode && inst.rate == cfg.Rate {
		return inst, nil
	}

	bus, ok := rp2040SPIBuses[cfg.BusID]
	if !ok {
		return nil, errors.New("invalid SPI bus ID")
	}
	if cfg.Mode > 3 {
		return nil, errors.New("invalid SPI mode")
	}

	err := bus.spi.Configure(machine.SPIConfig{
		Frequency: cfg.Rate,
		SCK:       bus.sck,
		SDO:       bus.mosi,
		SDI:       bus.miso,
		Mode:      uint8(cfg.Mode),
	})
	if err != nil {
		return nil, err
	}

	inst := &spiInstance{bus: bus.spi, busID: cfg.BusID, mode: cfg.Mode, rate: cfg.Rate}
	d.configured[cfg.BusID] = inst
	return inst, nil
}

func (d *RP2040SPIDriver) Transfer(handle any, tx, rx []byte) error {
	inst, ok := handle.(*spiInstance)
	if !ok {
		return errors.New("invalid SPI bus handle")
	}
	if len(tx) != len(rx) {
		return errors.New("tx and rx buffer lengths must match")
	}
	return inst.bus.Tx(tx, rx)
}
