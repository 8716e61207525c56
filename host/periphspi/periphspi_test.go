package periphspi

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"

	"mcpcan/mcp2515"
)

type fakeConn struct {
	sent [][]byte
	fail error
	// reply produces the bytes clocked in for w.
	reply func(w []byte) []byte
}

func (c *fakeConn) Tx(w, r []byte) error {
	c.sent = append(c.sent, append([]byte(nil), w...))
	if c.fail != nil {
		return c.fail
	}
	if c.reply != nil {
		copy(r, c.reply(w))
	}
	return nil
}

type fakeCloser struct {
	closed int
	err    error
}

func (c *fakeCloser) Close() error {
	c.closed++
	return c.err
}

// fakeOut records levels written to a pin into a shared log.
type fakeOut struct {
	name string
	log  *[]string
	err  error
}

func (p *fakeOut) Out(l gpio.Level) error {
	*p.log = append(*p.log, fmt.Sprintf("%s=%v", p.name, l))
	return p.err
}

type fakeInt struct {
	mu     sync.Mutex
	level  gpio.Level
	pull   gpio.Pull
	edge   gpio.Edge
	edges  chan struct{}
	halted bool
}

func newFakeInt() *fakeInt {
	return &fakeInt{level: gpio.High, edges: make(chan struct{}, 4)}
}

func (p *fakeInt) In(pull gpio.Pull, edge gpio.Edge) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pull, p.edge = pull, edge
	return nil
}

func (p *fakeInt) WaitForEdge(timeout time.Duration) bool {
	select {
	case <-p.edges:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *fakeInt) Read() gpio.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *fakeInt) Halt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halted = true
	return nil
}

func TestDeviceBracketWithGPIOChipSelect(t *testing.T) {
	var log []string
	conn := &fakeConn{reply: func(w []byte) []byte {
		log = append(log, fmt.Sprintf("tx %X", w))
		r := make([]byte, len(w))
		r[len(r)-1] = 0x2F
		return r
	}}
	tr := New(conn, nil, Pins{
		CS:    &fakeOut{name: "cs", log: &log},
		Reset: &fakeOut{name: "reset", log: &log},
	}, nil)

	d := mcp2515.NewWithTransport(tr)
	if err := d.Initialize(nil); err != nil {
		t.Fatal(err)
	}
	if got := d.ReadStatus(); got != 0x2F {
		t.Errorf("ReadStatus = %d, want 0x2F", got)
	}

	want := []string{"cs=High", "reset=High", "cs=Low", "tx A000", "cs=High"}
	if strings.Join(log, " ") != strings.Join(want, " ") {
		t.Errorf("log = %v, want %v", log, want)
	}
	if tr.Err() != nil {
		t.Errorf("Err = %v", tr.Err())
	}
}

func TestKernelChipSelect(t *testing.T) {
	conn := &fakeConn{reply: func(w []byte) []byte { return w }}
	tr := New(conn, nil, Pins{}, nil)

	d := mcp2515.NewWithTransport(tr)
	if err := d.Initialize(nil); err != nil {
		t.Fatal(err)
	}
	if err := d.Write(mcp2515.CNF1, []byte{0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(conn.sent[0], []byte{mcp2515.OpWrite, mcp2515.CNF1, 0x01, 0x02}) {
		t.Errorf("sent % X", conn.sent[0])
	}
}

func TestTransactionFailure(t *testing.T) {
	conn := &fakeConn{fail: errors.New("EIO")}
	tr := New(conn, nil, Pins{}, nil)
	d := mcp2515.NewWithTransport(tr)
	if err := d.Initialize(nil); err != nil {
		t.Fatal(err)
	}

	if got := d.RxStatus(); got != mcp2515.StatusFailed {
		t.Errorf("RxStatus = %d", got)
	}
	if err := tr.Err(); err == nil || !strings.Contains(err.Error(), "EIO") {
		t.Errorf("Err = %v", err)
	}

	if tr.Transaction(make([]byte, mcp2515.BufferSize+1)) {
		t.Error("oversized transaction accepted")
	}
}

func TestWatchInterrupt(t *testing.T) {
	pin := newFakeInt()
	closer := &fakeCloser{}
	tr := New(&fakeConn{}, closer, Pins{Int: pin}, nil)

	fired := make(chan struct{}, 4)
	if err := tr.WatchInterrupt(func() { fired <- struct{}{} }); err != nil {
		t.Fatalf("WatchInterrupt: %v", err)
	}
	if pin.pull != gpio.PullUp || pin.edge != gpio.FallingEdge {
		t.Errorf("pin configured %v %v", pin.pull, pin.edge)
	}
	if err := tr.WatchInterrupt(func() {}); err == nil {
		t.Error("second watcher accepted")
	}

	pin.edges <- struct{}{}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("edge not delivered")
	}

	if tr.InterruptAsserted() {
		t.Error("INT high reported as asserted")
	}
	pin.mu.Lock()
	pin.level = gpio.Low
	pin.mu.Unlock()
	if !tr.InterruptAsserted() {
		t.Error("INT low not reported")
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !pin.halted || closer.closed != 1 {
		t.Errorf("halted=%v closed=%d", pin.halted, closer.closed)
	}
	if err := tr.Close(); err != nil || closer.closed != 1 {
		t.Errorf("second Close: %v, closed=%d", err, closer.closed)
	}
	if tr.Transaction([]byte{mcp2515.OpReadStatus, 0}) || !errors.Is(tr.Err(), ErrClosed) {
		t.Errorf("transaction after Close: %v", tr.Err())
	}
}

func TestCloseCombinesErrors(t *testing.T) {
	var log []string
	tr := New(&fakeConn{}, &fakeCloser{err: errors.New("port busy")}, Pins{
		CS: &fakeOut{name: "cs", log: &log, err: errors.New("line gone")},
	}, nil)

	err := tr.Close()
	if err == nil || !strings.Contains(err.Error(), "port busy") || !strings.Contains(err.Error(), "line gone") {
		t.Errorf("Close = %v", err)
	}
}

func TestWatchInterruptWithoutPin(t *testing.T) {
	tr := New(&fakeConn{}, nil, Pins{}, nil)
	if err := tr.WatchInterrupt(func() {}); err == nil {
		t.Error("watch without pin accepted")
	}
	if tr.InterruptAsserted() {
		t.Error("no pin reported asserted")
	}
}
