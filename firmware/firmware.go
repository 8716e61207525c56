// Package firmware is an SPI bridge firmware speaking the framed command
// protocol. It exposes SPI transfers, digital outputs and edge triggered
// inputs to the host so a host-side MCP2515 driver can run over a serial
// link. Hardware access goes through SPIDriver and GPIODriver.
package firmware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"mcpcan/protocol"
)

// Version reported in the data dictionary.
const Version = "mcpcan-bridge-0.2.0"

// ErrShutdown is returned for commands received after emergency_stop.
var ErrShutdown = errors.New("firmware: shut down")

// Logger is the structured logger the firmware reports through. A
// *zap.SugaredLogger satisfies it; the firmware itself does not import zap
// so it still builds for microcontrollers.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debugw(string, ...any) {}
func (nopLogger) Infow(string, ...any)  {}
func (nopLogger) Warnw(string, ...any)  {}
func (nopLogger) Errorw(string, ...any) {}

// Config holds the hardware and logging a Firmware runs with.
type Config struct {
	SPI    SPIDriver
	GPIO   GPIODriver
	Logger Logger // nil disables logging
}

// Firmware is one bridge instance.
type Firmware struct {
	log      Logger
	registry *CommandRegistry
	dict     *Dictionary
	spi      SPIDriver
	gpio     GPIODriver

	// mu serializes the transport, every command handler and link writes.
	mu        sync.Mutex
	transport *protocol.Transport
	out       *protocol.ScratchOutput
	input     *protocol.FifoBuffer
	link      io.Writer

	spiDevices     map[uint8]*spiDevice
	digitalOutputs map[uint8]*digitalOut
	interrupts     map[uint8]*interruptIn
	events         chan uint8

	configCRC uint32
	shutdown  bool
}

// New builds a Firmware and its dictionary.
func New(cfg Config) (*Firmware, error) {
	if cfg.SPI == nil || cfg.GPIO == nil {
		return nil, errors.New("firmware: SPI and GPIO drivers are required")
	}
	log := cfg.Logger
	if log == nil {
		log = nopLogger{}
	}

	f := &Firmware{
		log:            log,
		registry:       NewCommandRegistry(),
		spi:            cfg.SPI,
		gpio:           cfg.GPIO,
		out:            protocol.NewScratchOutput(),
		input:          protocol.NewFifoBuffer(256),
		spiDevices:     make(map[uint8]*spiDevice),
		digitalOutputs: make(map[uint8]*digitalOut),
		interrupts:     make(map[uint8]*interruptIn),
		events:         make(chan uint8, 32),
	}
	f.dict = NewDictionary(f.registry, Version)

	f.transport = protocol.NewTransport(f.out, f.dispatch)
	f.transport.SetErrorCallback(func(err error) {
		f.log.Warnw("command failed", "error", err)
	})
	f.transport.SetResetCallback(func() {
		f.log.Debugw("host restarted sequence")
	})

	// Registration order matters: the host's bootstrap dictionary fixes
	// identify_response at ID 0 and identify at ID 1.
	f.registry.RegisterResponse("identify_response", "offset=%u data=%.*s")
	f.registry.Register("identify", "offset=%u count=%c", f.handleIdentify)

	f.initCoreCommands()
	f.initSPICommands()
	f.initGPIOCommands()

	f.dict.AddConstant("MCU", "mcpcan-bridge")
	f.dict.AddConstant("PROTOCOL_VERSION", protocol.Version)
	f.dict.AddConstant("SPI_MAX_TRANSFER", spiMaxTransfer)
	if err := f.dict.Build(); err != nil {
		return nil, err
	}
	return f, nil
}

// Registry exposes the command registry.
func (f *Firmware) Registry() *CommandRegistry { return f.registry }

// Dictionary exposes the data dictionary.
func (f *Firmware) Dictionary() *Dictionary { return f.dict }

func (f *Firmware) initCoreCommands() {
	f.registry.Register("get_config", "", f.handleGetConfig)
	f.registry.Register("finalize_config", "crc=%u", f.handleFinalizeConfig)
	f.registry.Register("config_reset", "", f.handleConfigReset)
	f.registry.Register("emergency_stop", "", f.handleEmergencyStop)
	f.registry.RegisterResponse("config", "is_config=%c crc=%u is_shutdown=%c move_count=%hu")
	f.registry.RegisterResponse("shutdown", "static_string_id=%hu")
}

// Serve runs the link over rw until ctx is done or rw fails. It returns nil
// when ctx is cancelled or the host closes the link. When rw is an
// io.Closer it is closed on cancellation to unblock the pending read.
func (f *Firmware) Serve(ctx context.Context, rw io.ReadWriter) error {
	f.mu.Lock()
	f.link = rw
	f.input.Reset()
	f.transport.Reset()
	f.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.eventLoop(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	if c, ok := rw.(io.Closer); ok {
		go func() {
			<-ctx.Done()
			c.Close()
		}()
	}

	buf := make([]byte, 64)
	for {
		n, err := rw.Read(buf)
		if n > 0 {
			f.mu.Lock()
			f.input.Write(buf[:n])
			f.transport.Receive(f.input)
			werr := f.flushLocked()
			f.mu.Unlock()
			if werr != nil {
				return werr
			}
		}
		if err != nil {
			// A cancelled ctx is a requested stop, not a link failure.
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("firmware: read: %w", err)
		}
	}
}

// eventLoop turns queued interrupt edges into interrupt_event responses.
func (f *Firmware) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case oid := <-f.events:
			f.mu.Lock()
			in, ok := f.interrupts[oid]
			if ok {
				in.count++
				count := in.count
				f.sendResponse("interrupt_event", func(out protocol.OutputBuffer) {
					protocol.EncodeVLQUint(out, uint32(oid))
					protocol.EncodeVLQUint(out, count)
				})
				if err := f.flushLocked(); err != nil {
					f.log.Warnw("interrupt event not delivered", "oid", oid, "error", err)
				}
			}
			f.mu.Unlock()
		}
	}
}

// dispatch is the transport's command handler; mu is held.
func (f *Firmware) dispatch(cmdID uint16, data *[]byte) error {
	if f.shutdown {
		if cmd, ok := f.registry.GetCommand(cmdID); ok {
			switch cmd.Name {
			case "identify", "get_config", "config_reset":
			default:
				// Skip the arguments; the rest of the frame is dropped.
				*data = nil
				return fmt.Errorf("%s: %w", cmd.Name, ErrShutdown)
			}
		}
	}
	return f.registry.Dispatch(cmdID, data)
}

// sendResponse queues a response by name; mu is held.
func (f *Firmware) sendResponse(name string, args func(protocol.OutputBuffer)) {
	id, ok := f.registry.Lookup(name)
	if !ok {
		f.log.Errorw("unregistered response", "name", name)
		return
	}
	f.transport.SendResponse(id, args)
}

func (f *Firmware) flushLocked() error {
	pending := f.out.Result()
	if len(pending) == 0 || f.link == nil {
		f.out.Reset()
		return nil
	}
	_, err := f.link.Write(pending)
	f.out.Reset()
	if err != nil {
		return fmt.Errorf("firmware: write: %w", err)
	}
	return nil
}

func (f *Firmware) handleIdentify(data *[]byte) error {
	offset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	count, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	chunk := f.dict.Chunk(offset, uint8(count))
	f.sendResponse("identify_response", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, offset)
		protocol.EncodeVLQBytes(out, chunk)
	})
	return nil
}

func (f *Firmware) handleGetConfig(data *[]byte) error {
	f.sendResponse("config", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, boolVLQ(f.configCRC != 0))
		protocol.EncodeVLQUint(out, f.configCRC)
		protocol.EncodeVLQUint(out, boolVLQ(f.shutdown))
		protocol.EncodeVLQUint(out, 0)
	})
	return nil
}

func (f *Firmware) handleFinalizeConfig(data *[]byte) error {
	crc, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	f.configCRC = crc
	return nil
}

// handleConfigReset drops every configured object. Only valid after a
// shutdown, as in Klipper.
func (f *Firmware) handleConfigReset(data *[]byte) error {
	if !f.shutdown {
		return errors.New("config_reset requires shutdown")
	}
	f.spiDevices = make(map[uint8]*spiDevice)
	f.digitalOutputs = make(map[uint8]*digitalOut)
	f.interrupts = make(map[uint8]*interruptIn)
	f.configCRC = 0
	f.shutdown = false
	f.log.Infow("configuration reset")
	return nil
}

func (f *Firmware) handleEmergencyStop(data *[]byte) error {
	f.shutdown = true
	f.shutdownSPI()
	f.shutdownDigitalOut()
	f.log.Warnw("emergency stop")
	f.sendResponse("shutdown", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, 0)
	})
	return nil
}

func boolVLQ(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
