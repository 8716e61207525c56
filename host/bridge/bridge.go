// Package bridge drives an MCP2515 wired to the bridge firmware's SPI bus
// from the host, over the framed serial link.
package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpcan/host/serial"
	"mcpcan/protocol"
)

// Bootstrap IDs every firmware build fixes before its dictionary is known.
const (
	identifyResponseID = 0
	identifyID         = 1
)

var (
	ErrNoDictionary   = errors.New("bridge: dictionary not loaded")
	ErrUnknownCommand = errors.New("bridge: command not in dictionary")
)

// Link is a connection to the bridge firmware.
type Link struct {
	transport *protocol.HostTransport
	log       *zap.SugaredLogger
	timeout   time.Duration

	mu         sync.RWMutex
	dictionary *Dictionary
	raw        []byte
	intOID     int
	onInt      func()

	events chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Open opens the serial port in cfg and connects to the firmware on it.
func Open(cfg *serial.Config, logger *zap.SugaredLogger) (*Link, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}
	if err := port.Flush(); err != nil && logger != nil {
		logger.Debugw("flush failed", "device", cfg.Device, "error", err)
	}
	return Connect(port, logger), nil
}

// Connect starts a link over an already open port. The link owns port.
func Connect(port io.ReadWriteCloser, logger *zap.SugaredLogger) *Link {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	l := &Link{
		transport: protocol.NewHostTransport(port),
		log:       logger,
		timeout:   time.Second,
		intOID:    -1,
		events:    make(chan struct{}, 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	l.transport.SetResponseHandler(l.handleResponse)
	l.transport.SetErrorCallback(func(err error) {
		l.log.Warnw("bad response from firmware", "error", err)
	})
	go l.eventLoop()
	return l
}

// SetTimeout bounds how long the link waits for a response.
func (l *Link) SetTimeout(d time.Duration) {
	if d > 0 {
		l.timeout = d
	}
}

// Close stops event delivery and closes the port.
func (l *Link) Close() error {
	l.once.Do(func() { close(l.stop) })
	err := l.transport.Close()
	<-l.done
	return err
}

// RetrieveDictionary downloads the dictionary in identify chunks and
// parses it.
func (l *Link) RetrieveDictionary() error {
	var buf bytes.Buffer
	const chunkSize = 40

	for offset := uint32(0); ; {
		chunk, err := l.identify(offset, chunkSize)
		if err != nil {
			return fmt.Errorf("failed to retrieve dictionary chunk at offset %d: %w", offset, err)
		}
		buf.Write(chunk)
		offset += uint32(len(chunk))
		if len(chunk) < chunkSize {
			break
		}
	}
	l.log.Debugw("dictionary retrieved", "bytes", buf.Len())

	dict, err := ParseDictionary(buf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to parse dictionary: %w", err)
	}

	l.mu.Lock()
	l.dictionary = dict
	l.raw = buf.Bytes()
	l.mu.Unlock()
	l.log.Infow("connected", "version", dict.Version, "commands", len(dict.Commands), "responses", len(dict.Responses))
	return nil
}

func (l *Link) identify(offset uint32, count uint8) ([]byte, error) {
	err := l.transport.SendCommand(identifyID, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, offset)
		protocol.EncodeVLQUint(out, uint32(count))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send identify command: %w", err)
	}

	data, err := l.awaitResponse(identifyResponseID, func(data []byte) bool {
		respOffset, err := protocol.DecodeVLQUint(&data)
		return err == nil && respOffset == offset
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive identify response: %w", err)
	}

	if _, err := protocol.DecodeVLQUint(&data); err != nil {
		return nil, err
	}
	return protocol.DecodeVLQBytes(&data)
}

// Dictionary returns the parsed dictionary, or nil before
// RetrieveDictionary.
func (l *Link) Dictionary() *Dictionary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dictionary
}

// RawDictionary returns the dictionary bytes as served by the firmware.
func (l *Link) RawDictionary() []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.raw
}

// Send sends the named command. args are encoded in order: integers and
// bool as VLQ integers, []byte as a length prefixed string.
func (l *Link) Send(name string, args ...any) error {
	id, err := l.commandID(name)
	if err != nil {
		return err
	}

	enc := protocol.NewScratchOutput()
	if err := encodeArgs(enc, args); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	encoded := enc.Result()

	err = l.transport.SendCommand(id, func(out protocol.OutputBuffer) {
		out.Output(encoded)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Query sends the named command and waits for the named response for which
// match returns true. match sees the response arguments; nil accepts the
// first one. The returned data starts after the response ID.
func (l *Link) Query(name, response string, match func(data []byte) bool, args ...any) ([]byte, error) {
	respID, err := l.responseID(response)
	if err != nil {
		return nil, err
	}
	if err := l.Send(name, args...); err != nil {
		return nil, err
	}
	data, err := l.awaitResponse(respID, match)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return data, nil
}

// awaitResponse drops unrelated responses until one with id that match
// accepts arrives. Interrupt events were already forwarded by the handler.
func (l *Link) awaitResponse(id uint16, match func(data []byte) bool) ([]byte, error) {
	deadline := time.Now().Add(l.timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("bridge: no response %d within %v", id, l.timeout)
		}
		msg, err := l.transport.ReceiveResponse(remaining)
		if err != nil {
			return nil, err
		}

		data := msg.Payload
		got, err := protocol.DecodeVLQUint(&data)
		if err != nil || uint16(got) != id {
			continue
		}
		if match == nil || match(data) {
			return data, nil
		}
	}
}

func (l *Link) commandID(name string) (uint16, error) {
	if name == "identify" {
		return identifyID, nil
	}
	dict := l.Dictionary()
	if dict == nil {
		return 0, ErrNoDictionary
	}
	id, ok := dict.CommandID(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return id, nil
}

func (l *Link) responseID(name string) (uint16, error) {
	dict := l.Dictionary()
	if dict == nil {
		return 0, ErrNoDictionary
	}
	id, ok := dict.ResponseID(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return id, nil
}

func encodeArgs(out protocol.OutputBuffer, args []any) error {
	for _, a := range args {
		switch v := a.(type) {
		case uint8:
			protocol.EncodeVLQUint(out, uint32(v))
		case uint32:
			protocol.EncodeVLQUint(out, v)
		case int:
			protocol.EncodeVLQInt(out, int32(v))
		case int32:
			protocol.EncodeVLQInt(out, v)
		case bool:
			if v {
				protocol.EncodeVLQUint(out, 1)
			} else {
				protocol.EncodeVLQUint(out, 0)
			}
		case []byte:
			protocol.EncodeVLQBytes(out, v)
		default:
			return fmt.Errorf("unsupported argument type %T", a)
		}
	}
	return nil
}

// OnInterrupt registers fn for interrupt_event responses carrying oid. fn
// runs on the link's event goroutine, so it may issue commands.
func (l *Link) OnInterrupt(oid uint8, fn func()) {
	l.mu.Lock()
	l.intOID = int(oid)
	l.onInt = fn
	l.mu.Unlock()
}

// handleResponse runs on the transport's read goroutine. It must not wait
// on the link itself.
func (l *Link) handleResponse(cmdID uint16, data *[]byte) error {
	l.mu.RLock()
	dict := l.dictionary
	want := l.intOID
	l.mu.RUnlock()
	if dict == nil || want < 0 {
		return nil
	}

	if id, ok := dict.ResponseID("interrupt_event"); !ok || id != cmdID {
		return nil
	}
	args := *data
	oid, err := protocol.DecodeVLQUint(&args)
	if err != nil {
		return err
	}
	if int(oid) != want {
		return nil
	}

	select {
	case l.events <- struct{}{}:
	default:
		l.log.Warnw("interrupt event dropped", "oid", oid)
	}
	return nil
}

func (l *Link) eventLoop() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case <-l.events:
			l.mu.RLock()
			fn := l.onInt
			l.mu.RUnlock()
			if fn != nil {
				fn()
			}
		}
	}
}
