package firmware

import (
	"errors"
	"fmt"

	"mcpcan/protocol"
)

// SPI device flags
const (
	SFHardware     = 0x00
	SFSoftware     = 0x01
	SFCSActiveHigh = 0x02
	SFHavePin      = 0x04
)

// spiMaxTransfer keeps spi_transfer_response inside one frame.
const spiMaxTransfer = 48

// ErrUnknownOID is returned when a command names an unconfigured object.
var ErrUnknownOID = errors.New("firmware: unknown oid")

type spiDevice struct {
	oid   uint8
	flags uint8
	pin   GPIOPin

	bus    any // handle from ConfigureBus, nil until spi_set_bus
	busID  SPIBusID
	mode   SPIMode
	rate   uint32
	onShut []byte // sent on emergency_stop
}

func (f *Firmware) initSPICommands() {
	f.registry.Register("config_spi", "oid=%c pin=%u cs_active_high=%c", f.handleConfigSPI)
	f.registry.Register("config_spi_without_cs", "oid=%c", f.handleConfigSPIWithoutCS)
	f.registry.Register("spi_set_bus", "oid=%c spi_bus=%u mode=%u rate=%u", f.handleSPISetBus)
	f.registry.Register("config_spi_shutdown", "oid=%c spi_oid=%c shutdown_msg=%*s", f.handleConfigSPIShutdown)
	f.registry.Register("spi_transfer", "oid=%c data=%*s", f.handleSPITransfer)
	f.registry.Register("spi_send", "oid=%c data=%*s", f.handleSPISend)
	f.registry.RegisterResponse("spi_transfer_response", "oid=%c response=%*s")
}

// Format: config_spi oid=%c pin=%u cs_active_high=%c
func (f *Firmware) handleConfigSPI(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	pin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	activeHigh, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dev := &spiDevice{
		oid:   uint8(oid),
		flags: SFHavePin,
		pin:   GPIOPin(pin),
	}
	if activeHigh != 0 {
		dev.flags |= SFCSActiveHigh
	}

	if err := f.gpio.ConfigureOutput(dev.pin); err != nil {
		return err
	}
	if err := f.gpio.SetPin(dev.pin, !dev.csLevel(true)); err != nil {
		return err
	}

	f.spiDevices[dev.oid] = dev
	f.log.Debugw("spi device configured", "oid", oid, "cs_pin", pin, "cs_active_high", activeHigh != 0)
	return nil
}

// Format: config_spi_without_cs oid=%c
func (f *Firmware) handleConfigSPIWithoutCS(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	f.spiDevices[uint8(oid)] = &spiDevice{oid: uint8(oid)}
	return nil
}

// Format: spi_set_bus oid=%c spi_bus=%u mode=%u rate=%u
func (f *Firmware) handleSPISetBus(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	bus, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	mode, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	rate, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dev, err := f.spiDevice(oid)
	if err != nil {
		return err
	}
	if mode > 3 {
		return fmt.Errorf("spi_set_bus: invalid mode %d", mode)
	}
	// Bus IDs with the high bit set name software SPI buses, which this
	// firmware has no driver for.
	if bus >= 0x80 {
		return fmt.Errorf("spi_set_bus: software spi bus 0x%x not supported", bus)
	}

	cfg := SPIConfig{BusID: SPIBusID(bus), Mode: SPIMode(mode), Rate: rate}
	handle, err := f.spi.ConfigureBus(cfg)
	if err != nil {
		return err
	}
	dev.bus = handle
	dev.busID = cfg.BusID
	dev.mode = cfg.Mode
	dev.rate = rate
	f.log.Debugw("spi bus configured", "oid", oid, "bus", bus, "mode", mode, "rate", rate)
	return nil
}

// Format: config_spi_shutdown oid=%c spi_oid=%c shutdown_msg=%*s
func (f *Firmware) handleConfigSPIShutdown(data *[]byte) error {
	if _, err := protocol.DecodeVLQUint(data); err != nil {
		return err
	}
	spiOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	msg, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	dev, err := f.spiDevice(spiOID)
	if err != nil {
		return err
	}
	dev.onShut = append([]byte(nil), msg...)
	return nil
}

// Format: spi_transfer oid=%c data=%*s
// Response: spi_transfer_response oid=%c response=%*s
func (f *Firmware) handleSPITransfer(data *[]byte) error {
	oid, rx, err := f.decodeAndTransfer(data)
	if err != nil {
		return err
	}
	f.sendResponse("spi_transfer_response", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, oid)
		protocol.EncodeVLQBytes(out, rx)
	})
	return nil
}

// Format: spi_send oid=%c data=%*s
func (f *Firmware) handleSPISend(data *[]byte) error {
	_, _, err := f.decodeAndTransfer(data)
	return err
}

func (f *Firmware) decodeAndTransfer(data *[]byte) (uint32, []byte, error) {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return 0, nil, err
	}
	tx, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return 0, nil, err
	}
	if len(tx) > spiMaxTransfer {
		return 0, nil, fmt.Errorf("spi transfer of %d bytes exceeds %d", len(tx), spiMaxTransfer)
	}

	dev, err := f.spiDevice(oid)
	if err != nil {
		return 0, nil, err
	}
	rx := make([]byte, len(tx))
	if err := f.spiDeviceTransfer(dev, tx, rx); err != nil {
		return 0, nil, err
	}
	return oid, rx, nil
}

func (f *Firmware) spiDevice(oid uint32) (*spiDevice, error) {
	dev, ok := f.spiDevices[uint8(oid)]
	if !ok {
		return nil, fmt.Errorf("spi oid %d: %w", oid, ErrUnknownOID)
	}
	return dev, nil
}

// csLevel returns the pin level that asserts (or releases) chip select.
func (d *spiDevice) csLevel(assert bool) bool {
	if d.flags&SFCSActiveHigh != 0 {
		return assert
	}
	return !assert
}

// spiDeviceTransfer runs one transfer with chip select asserted around it.
// Chip select is released even when the transfer fails.
func (f *Firmware) spiDeviceTransfer(dev *spiDevice, tx, rx []byte) error {
	if dev.bus == nil {
		return fmt.Errorf("spi oid %d: bus not configured", dev.oid)
	}

	if dev.flags&SFHavePin != 0 {
		if err := f.gpio.SetPin(dev.pin, dev.csLevel(true)); err != nil {
			return err
		}
	}

	err := f.spi.Transfer(dev.bus, tx, rx)

	if dev.flags&SFHavePin != 0 {
		if csErr := f.gpio.SetPin(dev.pin, dev.csLevel(false)); csErr != nil && err == nil {
			err = csErr
		}
	}
	return err
}

// shutdownSPI sends each device's configured shutdown message.
func (f *Firmware) shutdownSPI() {
	for _, dev := range f.spiDevices {
		if len(dev.onShut) == 0 || dev.bus == nil {
			continue
		}
		rx := make([]byte, len(dev.onShut))
		if err := f.spiDeviceTransfer(dev, dev.onShut, rx); err != nil {
			f.log.Warnw("spi shutdown message failed", "oid", dev.oid, "error", err)
		}
	}
}
