package mcp2515

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestBracketPerOperation(t *testing.T) {
	ops := []struct {
		name string
		n    int
		run  func(d *Device) error
	}{
		{"SoftReset", 1, func(d *Device) error { return d.SoftReset() }},
		{"Read", 5, func(d *Device) error { _, err := d.Read(0x0E, 3); return err }},
		{"ReadRxBuffer", 14, func(d *Device) error { _, err := d.ReadRxBuffer(ReadRXB0SIDH); return err }},
		{"Write", 4, func(d *Device) error { return d.Write(CNF3, []byte{1, 2}) }},
		{"LoadTxBuffer", 9, func(d *Device) error { return d.LoadTxBuffer(LoadTXB0D0, make([]byte, 8)) }},
		{"RTS", 1, func(d *Device) error { return d.RTS(RTSBuffer0) }},
		{"ReadStatus", 2, func(d *Device) error {
			if d.ReadStatus() < 0 {
				return ErrTransfer
			}
			return nil
		}},
		{"RxStatus", 2, func(d *Device) error {
			if d.RxStatus() < 0 {
				return ErrTransfer
			}
			return nil
		}},
		{"BitModify", 4, func(d *Device) error { return d.BitModify(CANCTRL, ModeMask, ModeNormal) }},
	}

	for _, fail := range []bool{false, true} {
		for _, op := range ops {
			m := &mockBus{}
			d := newTestDevice(t, m)
			m.fail = fail

			err := op.run(d)
			if fail && !errors.Is(err, ErrTransfer) {
				t.Errorf("%s (fail): error = %v, want ErrTransfer", op.name, err)
			}
			if !fail && err != nil {
				t.Errorf("%s: unexpected error %v", op.name, err)
			}

			want := fmt.Sprint([]string{"cs(true)", fmt.Sprintf("xfer(%d)", op.n), "cs(false)"})
			if got := fmt.Sprint(m.calls); got != want {
				t.Errorf("%s (fail=%v): calls = %s, want %s", op.name, fail, got, want)
			}
		}
	}
}

func TestChipSelectReleasedOnPanic(t *testing.T) {
	m := &mockBus{}
	d := newTestDevice(t, m)
	m.reply = func([]byte) { panic("bus fault") }

	func() {
		defer func() { _ = recover() }()
		_ = d.SoftReset()
	}()

	if last := m.calls[len(m.calls)-1]; last != "cs(false)" {
		t.Fatalf("last call = %s, want cs(false)", last)
	}
}

func TestOversizeRejectedWithoutBusActivity(t *testing.T) {
	m := &mockBus{}
	d := newTestDevice(t, m)

	for _, n := range []int{BufferSize - 1, BufferSize, 255, -1} {
		if view, err := d.Read(0, n); !errors.Is(err, ErrTooLong) || view != nil {
			t.Errorf("Read(n=%d) = %v, %v; want nil, ErrTooLong", n, view, err)
		}
	}
	for _, n := range []int{BufferSize - 1, BufferSize, 64} {
		if err := d.Write(0, make([]byte, n)); !errors.Is(err, ErrTooLong) {
			t.Errorf("Write(len=%d) error = %v, want ErrTooLong", n, err)
		}
	}
	if err := d.LoadTxBuffer(LoadTXB1SIDH, make([]byte, 12)); !errors.Is(err, ErrShortData) {
		t.Errorf("LoadTxBuffer short error = %v", err)
	}

	if len(m.calls) != 0 {
		t.Fatalf("expected no hook calls, got %v", m.calls)
	}
}

func TestMaximumPayloadAccepted(t *testing.T) {
	m := &mockBus{}
	d := newTestDevice(t, m)

	view, err := d.Read(0x00, BufferSize-2)
	if err != nil {
		t.Fatalf("Read(30): %v", err)
	}
	if len(view) != BufferSize-2 {
		t.Errorf("len(view) = %d", len(view))
	}
	if err := d.Write(0x00, make([]byte, BufferSize-2)); err != nil {
		t.Fatalf("Write(30): %v", err)
	}
	if m.calls[1] != "xfer(32)" || m.calls[4] != "xfer(32)" {
		t.Errorf("calls = %v", m.calls)
	}
}

func TestReadEncoding(t *testing.T) {
	m := &mockBus{}
	d := newTestDevice(t, m)
	m.reply = func(buf []byte) {
		for i := 2; i < len(buf); i++ {
			buf[i] = byte(0xA0 + i)
		}
	}

	view, err := d.Read(CANSTAT, 2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := m.sent[0][:2]; !bytes.Equal(got, []byte{OpRead, CANSTAT}) {
		t.Errorf("header = % X", got)
	}
	if !bytes.Equal(view, []byte{0xA2, 0xA3}) {
		t.Errorf("view = % X", view)
	}

	// The view aliases the shared buffer and is replaced by the next call.
	m.reply = func(buf []byte) { buf[2] = 0x01 }
	if _, err := d.Read(CANCTRL, 1); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if view[0] != 0x01 {
		t.Errorf("view[0] = %02X, expected it to alias the transfer buffer", view[0])
	}
}

func TestReadFillerIsNotCleared(t *testing.T) {
	m := &mockBus{}
	d := newTestDevice(t, m)

	payload := []byte{0x11, 0x22, 0x33, 0x44}
	if err := d.Write(0x31, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := d.Read(0x31, 4); err != nil {
		t.Fatalf("Read: %v", err)
	}
	// Bytes after the address are clocked out as left by the previous call.
	if got := m.sent[1][2:]; !bytes.Equal(got, payload) {
		t.Errorf("filler = % X, want leftover % X", got, payload)
	}
}

func TestReadRxBufferLengths(t *testing.T) {
	cases := []struct {
		t    RxBuffer
		want int
	}{
		{ReadRXB0SIDH, 13},
		{ReadRXB0D0, 8},
		{ReadRXB1SIDH, 13},
		{ReadRXB1D0, 8},
	}

	for _, tc := range cases {
		m := &mockBus{}
		d := newTestDevice(t, m)
		m.reply = func(buf []byte) {
			for i := 1; i < len(buf); i++ {
				buf[i] = byte(i)
			}
		}

		if tc.t.Len() != tc.want {
			t.Errorf("%#x: Len = %d, want %d", byte(tc.t), tc.t.Len(), tc.want)
		}
		view, err := d.ReadRxBuffer(tc.t)
		if err != nil {
			t.Fatalf("%#x: %v", byte(tc.t), err)
		}
		if len(view) != tc.want {
			t.Errorf("%#x: len(view) = %d, want %d", byte(tc.t), len(view), tc.want)
		}
		if view[0] != 1 || view[len(view)-1] != byte(tc.want) {
			t.Errorf("%#x: view should start at buffer offset 1, got % X", byte(tc.t), view)
		}
		if len(m.sent[0]) != tc.want+1 || m.sent[0][0] != byte(tc.t) {
			t.Errorf("%#x: sent % X", byte(tc.t), m.sent[0])
		}
	}

	m := &mockBus{fail: true}
	d := newTestDevice(t, m)
	if view, err := d.ReadRxBuffer(ReadRXB1D0); view != nil || !errors.Is(err, ErrTransfer) {
		t.Errorf("failed ReadRxBuffer = %v, %v", view, err)
	}
}

func TestLoadTxBufferLengths(t *testing.T) {
	cases := []struct {
		t    TxBuffer
		want int
	}{
		{LoadTXB0SIDH, 13},
		{LoadTXB0D0, 8},
		{LoadTXB1SIDH, 13},
		{LoadTXB1D0, 8},
		{LoadTXB2SIDH, 13},
		{LoadTXB2D0, 8},
	}

	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(0x10 + i)
	}

	for _, tc := range cases {
		m := &mockBus{}
		d := newTestDevice(t, m)

		if tc.t.Len() != tc.want {
			t.Errorf("%#x: Len = %d, want %d", byte(tc.t), tc.t.Len(), tc.want)
		}
		if err := d.LoadTxBuffer(tc.t, data); err != nil {
			t.Fatalf("%#x: %v", byte(tc.t), err)
		}
		sent := m.sent[0]
		if len(sent) != tc.want+1 {
			t.Errorf("%#x: sent %d bytes, want %d", byte(tc.t), len(sent), tc.want+1)
		}
		if sent[0] != byte(tc.t) || !bytes.Equal(sent[1:], data[:tc.want]) {
			t.Errorf("%#x: sent % X", byte(tc.t), sent)
		}
	}
}

// registerFile echoes WRITE data back on READ at the same address.
type registerFile struct {
	regs [RegisterCount]byte
}

func (r *registerFile) transaction(buf []byte) bool {
	switch buf[0] {
	case OpWrite:
		for i, b := range buf[2:] {
			r.regs[(int(buf[1])+i)%RegisterCount] = b
		}
	case OpRead:
		for i := range buf[2:] {
			buf[2+i] = r.regs[(int(buf[1])+i)%RegisterCount]
		}
	}
	return true
}

func TestWriteReadRoundTrip(t *testing.T) {
	rf := &registerFile{}
	d := New(Hooks{
		OnReset:       func(bool) {},
		OnChipSelect:  func(bool) {},
		OnTransaction: rf.transaction,
	})
	if err := d.Initialize(nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	data := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0xFF, 0x7E}
	if err := d.Write(TXB0SIDH, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Disturb the buffer between calls.
	_ = d.RTS(0)

	got, err := d.Read(TXB0SIDH, len(data))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip = % X, want % X", got, data)
	}
}

func TestStatusReads(t *testing.T) {
	for _, op := range []struct {
		name   string
		opcode byte
		read   func(*Device) int32
	}{
		{"ReadStatus", OpReadStatus, (*Device).ReadStatus},
		{"RxStatus", OpRxStatus, (*Device).RxStatus},
	} {
		for _, v := range []byte{0x00, 0x2F, 0xFF} {
			m := &mockBus{}
			d := newTestDevice(t, m)
			m.reply = func(buf []byte) { buf[1] = v }

			if got := op.read(d); got != int32(v) {
				t.Errorf("%s: got %d, want %d", op.name, got, v)
			}
			if !bytes.Equal(m.sent[0][:1], []byte{op.opcode}) || len(m.sent[0]) != 2 {
				t.Errorf("%s: sent % X", op.name, m.sent[0])
			}
		}

		m := &mockBus{fail: true}
		d := newTestDevice(t, m)
		m.reply = func(buf []byte) { buf[1] = 0x2F }
		if got := op.read(d); got != StatusFailed {
			t.Errorf("%s on failure = %d, want StatusFailed", op.name, got)
		}
	}
}

func TestRTSMasking(t *testing.T) {
	cases := []struct {
		in   uint8
		want byte
	}{
		{0xFF, 0x87},
		{0x00, 0x80},
		{RTSBuffer1, 0x82},
		{RTSBuffer0 | RTSBuffer2, 0x85},
		{0xF8, 0x80},
	}
	for _, tc := range cases {
		m := &mockBus{}
		d := newTestDevice(t, m)
		if err := d.RTS(tc.in); err != nil {
			t.Fatalf("RTS(%#x): %v", tc.in, err)
		}
		if !bytes.Equal(m.sent[0], []byte{tc.want}) {
			t.Errorf("RTS(%#x) sent % X, want %02X", tc.in, m.sent[0], tc.want)
		}
	}
}

func TestBitModifyAndWriteEncoding(t *testing.T) {
	m := &mockBus{}
	d := newTestDevice(t, m)

	if err := d.BitModify(CANCTRL, ModeMask, ModeLoopback); err != nil {
		t.Fatalf("BitModify: %v", err)
	}
	if err := d.Write(CNF3, []byte{0x01, 0xB5, 0x00}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.SoftReset(); err != nil {
		t.Fatalf("SoftReset: %v", err)
	}

	want := [][]byte{
		{OpBitModify, CANCTRL, ModeMask, ModeLoopback},
		{OpWrite, CNF3, 0x01, 0xB5, 0x00},
		{OpReset},
	}
	for i := range want {
		if !bytes.Equal(m.sent[i], want[i]) {
			t.Errorf("transaction %d = % X, want % X", i, m.sent[i], want[i])
		}
	}
}

func TestBitModifiable(t *testing.T) {
	for _, addr := range []uint8{CANCTRL, 0x1F, 0x7F, CNF1, CANINTF, TXB2CTRL, RXB1CTRL, BFPCTRL} {
		if !BitModifiable(addr) {
			t.Errorf("BitModifiable(%#x) = false", addr)
		}
	}
	for _, addr := range []uint8{CANSTAT, TXB0SIDH, RXB0D0, TEC, RXM0SIDH} {
		if BitModifiable(addr) {
			t.Errorf("BitModifiable(%#x) = true", addr)
		}
	}
}

func TestStatusHelpers(t *testing.T) {
	s := Status(StatusRX1IF | StatusTX1REQ | StatusTX2IF)
	if s.RX0IF() || !s.RX1IF() {
		t.Errorf("RX flags wrong for %#x", uint8(s))
	}
	if s.TXREQ(0) || !s.TXREQ(1) || s.TXREQ(2) {
		t.Errorf("TXREQ wrong for %#x", uint8(s))
	}
	if s.TXIF(1) || !s.TXIF(2) {
		t.Errorf("TXIF wrong for %#x", uint8(s))
	}

	rx := RxStatusBits(RxStatusMsgRXB1 | RxStatusTypeExtRemote | RxStatusFilterRXF1Roll)
	if rx.Message() != RxStatusMsgRXB1 || rx.Type() != RxStatusTypeExtRemote || rx.Filter() != RxStatusFilterRXF1Roll {
		t.Errorf("fields wrong for %#x", uint8(rx))
	}
	if !rx.Extended() || !rx.Remote() {
		t.Errorf("predicates wrong for %#x", uint8(rx))
	}
}
