package protocol

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

func encodeCommand(seq uint8, cmdID uint32, args ...uint32) []byte {
	out := NewScratchOutput()
	EncodeFrame(out, seq, func(o OutputBuffer) {
		EncodeVLQUint(o, cmdID)
		for _, a := range args {
			EncodeVLQUint(o, a)
		}
	})
	return append([]byte(nil), out.Result()...)
}

// decodeAll splits raw output into frames.
func decodeAll(t *testing.T, raw []byte) []Message {
	t.Helper()
	var s frameScanner
	var msgs []Message
	for {
		msg, rest, ok := s.next(raw)
		raw = rest
		if !ok {
			break
		}
		msgs = append(msgs, msg)
	}
	if len(raw) != 0 {
		t.Fatalf("%d undecoded bytes left", len(raw))
	}
	return msgs
}

func TestEncodeFrameLayout(t *testing.T) {
	frame := encodeCommand(MessageDest, 1, 0)
	if int(frame[0]) != len(frame) {
		t.Errorf("length byte %d, frame is %d bytes", frame[0], len(frame))
	}
	if frame[1] != MessageDest {
		t.Errorf("seq byte 0x%02X", frame[1])
	}
	if frame[len(frame)-1] != MessageValueSync {
		t.Errorf("missing sync byte")
	}

	msg, status := decodeFrame(frame)
	if status != frameOK {
		t.Fatalf("decodeFrame status %d", status)
	}
	if !bytes.Equal(msg.Payload, []byte{1, 0}) {
		t.Errorf("payload %X", msg.Payload)
	}
}

func TestNextSequenceWraps(t *testing.T) {
	if got := NextSequence(0x1F); got != 0x10 {
		t.Errorf("NextSequence(0x1F) = 0x%02X, want 0x10", got)
	}
	if got := NextSequence(0x13); got != 0x14 {
		t.Errorf("NextSequence(0x13) = 0x%02X, want 0x14", got)
	}
}

func TestTransportDispatchAndAck(t *testing.T) {
	var got []uint32
	out := NewScratchOutput()
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error {
		v, err := DecodeVLQUint(data)
		got = append(got, uint32(cmdID), v)
		return err
	})

	tr.Receive(NewSliceInputBuffer(encodeCommand(MessageDest, 5, 42)))

	if len(got) != 2 || got[0] != 5 || got[1] != 42 {
		t.Fatalf("handler saw %v", got)
	}
	msgs := decodeAll(t, out.Result())
	if len(msgs) != 1 || len(msgs[0].Payload) != 0 {
		t.Fatalf("expected one empty ACK, got %+v", msgs)
	}
	if msgs[0].Sequence != 0x11 {
		t.Errorf("ACK seq 0x%02X, want 0x11", msgs[0].Sequence)
	}
}

func TestTransportOutOfOrderNaks(t *testing.T) {
	calls := 0
	out := NewScratchOutput()
	tr := NewTransport(out, func(uint16, *[]byte) error {
		calls++
		return nil
	})

	tr.Receive(NewSliceInputBuffer(encodeCommand(0x14, 1)))
	if calls != 0 {
		t.Errorf("out of order frame ran its command")
	}
	msgs := decodeAll(t, out.Result())
	if len(msgs) != 1 || msgs[0].Sequence != MessageDest {
		t.Errorf("NAK = %+v, want seq 0x10", msgs)
	}
}

func TestTransportResyncAfterGarbage(t *testing.T) {
	calls := 0
	out := NewScratchOutput()
	tr := NewTransport(out, func(uint16, *[]byte) error {
		calls++
		return nil
	})

	bad := encodeCommand(MessageDest, 1)
	bad[2] ^= 0xFF // corrupt payload, CRC now fails
	stream := append(bad, encodeCommand(MessageDest, 1)...)

	input := NewSliceInputBuffer(stream)
	tr.Receive(input)

	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
	if input.Available() != 0 {
		t.Errorf("%d bytes left unconsumed", input.Available())
	}
}

func TestTransportPartialFrame(t *testing.T) {
	calls := 0
	out := NewScratchOutput()
	tr := NewTransport(out, func(_ uint16, d *[]byte) error {
		calls++
		_, err := DecodeVLQUint(d)
		return err
	})

	frame := encodeCommand(MessageDest, 3, 9)
	fifo := NewFifoBuffer(64)
	fifo.Write(frame[:3])
	tr.Receive(fifo)
	if calls != 0 || fifo.Available() != 3 {
		t.Fatalf("partial frame consumed: calls=%d avail=%d", calls, fifo.Available())
	}

	fifo.Write(frame[3:])
	tr.Receive(fifo)
	if calls != 1 || !fifo.IsEmpty() {
		t.Errorf("complete frame: calls=%d avail=%d", calls, fifo.Available())
	}
}

func TestTransportHostRestart(t *testing.T) {
	resets := 0
	out := NewScratchOutput()
	tr := NewTransport(out, nil)
	tr.SetResetCallback(func() { resets++ })

	tr.Receive(NewSliceInputBuffer(encodeCommand(0x10, 1)))
	tr.Receive(NewSliceInputBuffer(encodeCommand(0x11, 1)))
	if tr.NextSequence() != 0x12 {
		t.Fatalf("NextSequence = 0x%02X", tr.NextSequence())
	}

	tr.Receive(NewSliceInputBuffer(encodeCommand(0x10, 1)))
	if resets != 1 {
		t.Errorf("resets = %d, want 1", resets)
	}
	if tr.NextSequence() != 0x11 {
		t.Errorf("after restart NextSequence = 0x%02X, want 0x11", tr.NextSequence())
	}
}

func TestTransportHandlerError(t *testing.T) {
	var reported error
	boom := errors.New("boom")
	tr := NewTransport(NewScratchOutput(), func(uint16, *[]byte) error { return boom })
	tr.SetErrorCallback(func(err error) { reported = err })

	tr.Receive(NewSliceInputBuffer(encodeCommand(MessageDest, 2)))
	if !errors.Is(reported, boom) {
		t.Errorf("reported %v, want wrapped boom", reported)
	}
}

// fakeMCU runs a firmware Transport on one end of a pipe.
type fakeMCU struct {
	conn net.Conn
	mu   sync.Mutex
	tr   *Transport
	out  *ScratchOutput
}

func startFakeMCU(t *testing.T, conn net.Conn, handler func(m *fakeMCU, cmdID uint16, data *[]byte) error) *fakeMCU {
	t.Helper()
	m := &fakeMCU{conn: conn, out: NewScratchOutput()}
	m.tr = NewTransport(m.out, func(cmdID uint16, data *[]byte) error {
		return handler(m, cmdID, data)
	})

	go func() {
		fifo := NewFifoBuffer(256)
		buf := make([]byte, 64)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			fifo.Write(buf[:n])

			m.mu.Lock()
			m.tr.Receive(fifo)
			pending := append([]byte(nil), m.out.Result()...)
			m.out.Reset()
			m.mu.Unlock()

			if len(pending) > 0 {
				if _, err := conn.Write(pending); err != nil {
					return
				}
			}
		}
	}()
	return m
}

func TestHostTransportRoundTrip(t *testing.T) {
	hostEnd, mcuEnd := net.Pipe()
	defer mcuEnd.Close()

	startFakeMCU(t, mcuEnd, func(m *fakeMCU, cmdID uint16, data *[]byte) error {
		v, err := DecodeVLQUint(data)
		if err != nil {
			return err
		}
		m.tr.SendResponse(cmdID+100, func(out OutputBuffer) {
			EncodeVLQUint(out, v*2)
		})
		return nil
	})

	host := NewHostTransport(hostEnd)
	defer host.Close()

	var handled []uint16
	var hmu sync.Mutex
	host.SetResponseHandler(func(cmdID uint16, data *[]byte) error {
		hmu.Lock()
		handled = append(handled, cmdID)
		hmu.Unlock()
		return nil
	})

	// More than 16 commands so the sequence wraps.
	for i := uint32(0); i < 20; i++ {
		arg := i
		if err := host.SendCommand(7, func(out OutputBuffer) { EncodeVLQUint(out, arg) }); err != nil {
			t.Fatalf("SendCommand %d: %v", i, err)
		}
		msg, err := host.ReceiveResponse(time.Second)
		if err != nil {
			t.Fatalf("ReceiveResponse %d: %v", i, err)
		}
		data := msg.Payload
		id, _ := DecodeVLQUint(&data)
		v, _ := DecodeVLQUint(&data)
		if id != 107 || v != 2*i {
			t.Errorf("response %d = (%d, %d), want (107, %d)", i, id, v, 2*i)
		}
	}

	if want := uint8(MessageDest | 20&MessageSeqMask); host.Sequence() != want {
		t.Errorf("Sequence = 0x%02X, want 0x%02X", host.Sequence(), want)
	}

	hmu.Lock()
	defer hmu.Unlock()
	if len(handled) != 20 {
		t.Errorf("response handler saw %d frames, want 20", len(handled))
	}
}

func TestHostTransportTimeout(t *testing.T) {
	hostEnd, mcuEnd := net.Pipe()
	defer mcuEnd.Close()

	// Swallow everything, never ACK.
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := mcuEnd.Read(buf); err != nil {
				return
			}
		}
	}()

	host := NewHostTransport(hostEnd)
	defer host.Close()

	if err := host.SendCommandWithTimeout(1, nil, 50*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
	if host.Sequence() != MessageDest {
		t.Errorf("sequence advanced without ACK: 0x%02X", host.Sequence())
	}
}

func TestHostTransportClose(t *testing.T) {
	hostEnd, mcuEnd := net.Pipe()
	defer mcuEnd.Close()

	host := NewHostTransport(hostEnd)
	done := make(chan struct{})
	go func() {
		host.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked")
	}

	if _, err := host.ReceiveResponse(time.Second); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("ReceiveResponse after Close: %v", err)
	}
	if err := host.SendCommand(1, nil); err == nil {
		t.Error("SendCommand after Close succeeded")
	}
}

func TestHostTransportHandlerError(t *testing.T) {
	hostEnd, mcuEnd := net.Pipe()
	defer mcuEnd.Close()

	startFakeMCU(t, mcuEnd, func(m *fakeMCU, cmdID uint16, data *[]byte) error {
		m.tr.SendResponse(42, nil)
		return nil
	})

	host := NewHostTransport(hostEnd)
	defer host.Close()

	errBad := errors.New("truncated")
	host.SetResponseHandler(func(cmdID uint16, data *[]byte) error {
		if _, err := DecodeVLQUint(data); err != nil {
			return errBad
		}
		return nil
	})
	reported := make(chan error, 1)
	host.SetErrorCallback(func(err error) { reported <- err })

	if err := host.SendCommand(5, nil); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	// The frame is still queued for ReceiveResponse.
	if _, err := host.ReceiveResponse(time.Second); err != nil {
		t.Fatalf("ReceiveResponse: %v", err)
	}

	select {
	case err := <-reported:
		if !errors.Is(err, errBad) {
			t.Errorf("reported %v, want %v", err, errBad)
		}
	case <-time.After(time.Second):
		t.Fatal("handler error not reported")
	}
}
