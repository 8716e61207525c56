package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrTransportClosed is returned once Close has been called.
var ErrTransportClosed = errors.New("protocol: transport closed")

// ResponseHandler observes every response frame. data starts after the
// command ID.
type ResponseHandler func(cmdID uint16, data *[]byte) error

// HostTransport is the host end of the link: it frames commands, waits for
// the firmware's ACK and hands response frames to a channel and an optional
// handler. A background goroutine reads the port until Close.
type HostTransport struct {
	port io.ReadWriteCloser

	writeMu sync.Mutex
	seq     uint8
	scratch *ScratchOutput

	handlerMu sync.RWMutex
	handler   ResponseHandler
	onError   func(error)

	input     *FifoBuffer
	scanner   frameScanner
	acks      chan Message
	responses chan Message

	stop     chan struct{}
	done     chan struct{}
	closeErr error
	once     sync.Once
}

// NewHostTransport starts a transport over port.
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:      port,
		seq:       MessageDest,
		scratch:   NewScratchOutput(),
		input:     NewFifoBuffer(1024),
		acks:      make(chan Message, 1),
		responses: make(chan Message, 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// SendCommand sends one command and waits up to two seconds for its ACK.
func (t *HostTransport) SendCommand(cmdID uint16, args func(OutputBuffer)) error {
	return t.SendCommandWithTimeout(cmdID, args, 2*time.Second)
}

// SendCommandWithTimeout sends one command and waits for its ACK.
func (t *HostTransport) SendCommandWithTimeout(cmdID uint16, args func(OutputBuffer), timeout time.Duration) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	frame, err := t.encodeCommand(cmdID, args)
	if err != nil {
		return err
	}

	// Drop ACKs left over from an earlier timed out command.
	select {
	case <-t.acks:
	default:
	}

	n, err := t.port.Write(frame)
	if err != nil {
		return fmt.Errorf("protocol: write: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("protocol: short write %d/%d", n, len(frame))
	}

	want := NextSequence(t.seq)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ack := <-t.acks:
			if ack.Sequence != want {
				// NAK: the firmware expects a different sequence.
				return fmt.Errorf("protocol: nak, firmware expects seq 0x%02x, sent 0x%02x", ack.Sequence, t.seq)
			}
			t.seq = want
			return nil
		case <-timer.C:
			return fmt.Errorf("protocol: no ack after %v", timeout)
		case <-t.stop:
			return ErrTransportClosed
		}
	}
}

func (t *HostTransport) encodeCommand(cmdID uint16, args func(OutputBuffer)) ([]byte, error) {
	t.scratch.Reset()
	EncodeFrame(t.scratch, t.seq, func(out OutputBuffer) {
		EncodeVLQUint(out, uint32(cmdID))
		if args != nil {
			args(out)
		}
	})

	frame := t.scratch.Result()
	if len(frame) > MessageLengthMax {
		return nil, fmt.Errorf("protocol: command %d too long: %d bytes (max %d)", cmdID, len(frame), MessageLengthMax)
	}
	return append([]byte(nil), frame...), nil
}

// ReceiveResponse returns the next response frame.
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-t.responses:
		return msg, nil
	case <-timer.C:
		return Message{}, fmt.Errorf("protocol: no response after %v", timeout)
	case <-t.stop:
		return Message{}, ErrTransportClosed
	}
}

// SetResponseHandler installs fn to be called from the read goroutine for
// every response frame, before it is queued for ReceiveResponse.
func (t *HostTransport) SetResponseHandler(fn ResponseHandler) {
	t.handlerMu.Lock()
	t.handler = fn
	t.handlerMu.Unlock()
}

// SetErrorCallback registers fn to observe response frames the handler
// rejected. It runs on the read goroutine.
func (t *HostTransport) SetErrorCallback(fn func(error)) {
	t.handlerMu.Lock()
	t.onError = fn
	t.handlerMu.Unlock()
}

func (t *HostTransport) readLoop() {
	defer close(t.done)

	buf := make([]byte, 256)
	for {
		n, err := t.port.Read(buf)
		if n > 0 {
			t.input.Write(buf[:n])
			t.processInput()
		}
		if err == nil {
			continue
		}

		select {
		case <-t.stop:
			return
		default:
		}
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return
		}
		// Serial ports report read timeouts as io.EOF.
		time.Sleep(10 * time.Millisecond)
	}
}

func (t *HostTransport) processInput() {
	data := t.input.Data()
	for {
		msg, rest, ok := t.scanner.next(data)
		data = rest
		if !ok {
			break
		}
		msg.Payload = append([]byte(nil), msg.Payload...)
		t.dispatch(msg)
	}
	if consumed := t.input.Available() - len(data); consumed > 0 {
		t.input.Pop(consumed)
	}
}

func (t *HostTransport) dispatch(msg Message) {
	if len(msg.Payload) == 0 {
		select {
		case t.acks <- msg:
		default:
		}
		return
	}

	t.handlerMu.RLock()
	h := t.handler
	onError := t.onError
	t.handlerMu.RUnlock()
	if h != nil {
		data := msg.Payload
		cmdID, err := DecodeVLQUint(&data)
		if err == nil {
			err = h(uint16(cmdID), &data)
		}
		if err != nil && onError != nil {
			onError(fmt.Errorf("protocol: response %d: %w", cmdID, err))
		}
	}

	for {
		select {
		case t.responses <- msg:
			return
		default:
		}
		// Full: discard the oldest so the newest response is kept.
		select {
		case <-t.responses:
		default:
		}
	}
}

// Close stops the reader and closes the port.
func (t *HostTransport) Close() error {
	t.once.Do(func() {
		close(t.stop)
		t.closeErr = t.port.Close()
		<-t.done
	})
	return t.closeErr
}

// Sequence returns the sequence the next command will carry.
func (t *HostTransport) Sequence() uint8 {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.seq
}
