package firmware

import (
	"fmt"

	"mcpcan/protocol"
)

// DigitalOut flags
const (
	DFOn        = 1 << 0
	DFDefaultOn = 1 << 3
)

type digitalOut struct {
	oid   uint8
	pin   GPIOPin
	flags uint8
}

type interruptIn struct {
	oid   uint8
	pin   GPIOPin
	count uint32 // edges reported so far
}

func (f *Firmware) initGPIOCommands() {
	f.registry.Register("config_digital_out", "oid=%c pin=%u value=%c default_value=%c max_duration=%u", f.handleConfigDigitalOut)
	f.registry.Register("update_digital_out", "oid=%c value=%c", f.handleUpdateDigitalOut)
	f.registry.Register("config_interrupt_in", "oid=%c pin=%u pull_up=%c", f.handleConfigInterruptIn)
	f.registry.Register("query_interrupt_in", "oid=%c", f.handleQueryInterruptIn)
	f.registry.RegisterResponse("interrupt_event", "oid=%c count=%u")
	f.registry.RegisterResponse("interrupt_state", "oid=%c value=%c")
}

// Format: config_digital_out oid=%c pin=%u value=%c default_value=%c max_duration=%u
func (f *Firmware) handleConfigDigitalOut(data *[]byte) error {
	var args [5]uint32
	for i := range args {
		v, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		args[i] = v
	}
	oid, pin, value, defaultValue := args[0], args[1], args[2], args[3]
	// max_duration is accepted for compatibility; outputs here are not timed.

	dout := &digitalOut{oid: uint8(oid), pin: GPIOPin(pin)}
	if defaultValue != 0 {
		dout.flags |= DFDefaultOn
	}

	if err := f.gpio.ConfigureOutput(dout.pin); err != nil {
		return err
	}
	if err := f.setDigitalOut(dout, value != 0); err != nil {
		return err
	}

	f.digitalOutputs[dout.oid] = dout
	f.log.Debugw("digital out configured", "oid", oid, "pin", pin, "value", value)
	return nil
}

// Format: update_digital_out oid=%c value=%c
func (f *Firmware) handleUpdateDigitalOut(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	value, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dout, ok := f.digitalOutputs[uint8(oid)]
	if !ok {
		return fmt.Errorf("digital out oid %d: %w", oid, ErrUnknownOID)
	}
	return f.setDigitalOut(dout, value != 0)
}

func (f *Firmware) setDigitalOut(dout *digitalOut, on bool) error {
	if err := f.gpio.SetPin(dout.pin, on); err != nil {
		return err
	}
	if on {
		dout.flags |= DFOn
	} else {
		dout.flags &^= DFOn
	}
	return nil
}

// shutdownDigitalOut returns every output to its default level.
func (f *Firmware) shutdownDigitalOut() {
	for _, dout := range f.digitalOutputs {
		if err := f.setDigitalOut(dout, dout.flags&DFDefaultOn != 0); err != nil {
			f.log.Warnw("digital out shutdown failed", "oid", dout.oid, "error", err)
		}
	}
}

// Format: config_interrupt_in oid=%c pin=%u pull_up=%c
func (f *Firmware) handleConfigInterruptIn(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	pin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	pullUp, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	in := &interruptIn{oid: uint8(oid), pin: GPIOPin(pin)}
	if err := f.gpio.ConfigureInput(in.pin, pullUp != 0); err != nil {
		return err
	}

	// The callback may fire while a handler holds mu (an SPI transfer can
	// assert INT), so it only queues.
	err = f.gpio.WatchFalling(in.pin, func() {
		select {
		case f.events <- in.oid:
		default:
			f.log.Warnw("interrupt event dropped", "oid", in.oid)
		}
	})
	if err != nil {
		return err
	}

	f.interrupts[in.oid] = in
	f.log.Debugw("interrupt input configured", "oid", oid, "pin", pin)
	return nil
}

// Format: query_interrupt_in oid=%c
// Response: interrupt_state oid=%c value=%c
func (f *Firmware) handleQueryInterruptIn(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	in, ok := f.interrupts[uint8(oid)]
	if !ok {
		return fmt.Errorf("interrupt oid %d: %w", oid, ErrUnknownOID)
	}
	level, err := f.gpio.GetPin(in.pin)
	if err != nil {
		return err
	}
	f.sendResponse("interrupt_state", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, oid)
		protocol.EncodeVLQUint(out, boolVLQ(level))
	})
	return nil
}
