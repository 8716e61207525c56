package protocol

import "fmt"

// CommandHandler runs one decoded command. It must consume its own
// arguments from the front of *data.
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the firmware end of the link. It validates incoming frames,
// tracks the host sequence, dispatches commands and writes ACK/NAK and
// response frames to its output.
//
// A Transport is not safe for concurrent use; the firmware serializes
// Receive and SendResponse.
type Transport struct {
	output  OutputBuffer
	handler CommandHandler
	scanner frameScanner

	// nextSeq is the sequence expected from the host. It is also stamped on
	// every outgoing frame, so an ACK tells the host what to send next.
	nextSeq uint8

	onReset func()
	onError func(error)
}

// NewTransport returns a Transport writing to output and dispatching to handler.
func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	t := &Transport{
		output:  output,
		handler: handler,
		nextSeq: MessageDest,
	}
	t.scanner.onResync = t.ack
	return t
}

// SetResetCallback registers fn to run when the host restarts its sequence.
func (t *Transport) SetResetCallback(fn func()) { t.onReset = fn }

// SetErrorCallback registers fn to observe command handler failures.
func (t *Transport) SetErrorCallback(fn func(error)) { t.onError = fn }

// Receive consumes every complete frame available in input.
func (t *Transport) Receive(input InputBuffer) {
	data := input.Data()
	for {
		msg, rest, ok := t.scanner.next(data)
		data = rest
		if !ok {
			break
		}
		t.handleFrame(msg)
	}

	if consumed := input.Available() - len(data); consumed > 0 {
		input.Pop(consumed)
	}
}

func (t *Transport) handleFrame(msg Message) {
	if msg.Sequence == MessageDest && t.nextSeq != MessageDest {
		t.nextSeq = MessageDest
		if t.onReset != nil {
			t.onReset()
		}
	}

	// Out of order frames are not run; the ACK below then doubles as a NAK
	// naming the sequence we still expect.
	if msg.Sequence == t.nextSeq {
		t.nextSeq = NextSequence(t.nextSeq)
		if err := t.dispatch(msg.Payload); err != nil && t.onError != nil {
			t.onError(err)
		}
	}
	t.ack()
}

func (t *Transport) dispatch(payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.scanner.lost = true
			err = fmt.Errorf("protocol: command handler panic: %v", r)
		}
	}()

	for len(payload) > 0 {
		cmdID, err := DecodeVLQUint(&payload)
		if err != nil {
			t.scanner.lost = true
			return err
		}
		if t.handler == nil {
			continue
		}
		if err := t.handler(uint16(cmdID), &payload); err != nil {
			return fmt.Errorf("protocol: command %d: %w", cmdID, err)
		}
	}
	return nil
}

func (t *Transport) ack() {
	EncodeFrame(t.output, t.nextSeq, nil)
}

// SendResponse encodes one response frame.
func (t *Transport) SendResponse(cmdID uint16, args func(OutputBuffer)) {
	EncodeFrame(t.output, t.nextSeq, func(out OutputBuffer) {
		EncodeVLQUint(out, uint32(cmdID))
		if args != nil {
			args(out)
		}
	})
}

// Reset returns the transport to its power-on state.
func (t *Transport) Reset() {
	t.scanner.lost = false
	t.nextSeq = MessageDest
	if t.onReset != nil {
		t.onReset()
	}
}

// NextSequence reports the sequence the transport expects from the host.
func (t *Transport) NextSequence() uint8 { return t.nextSeq }
