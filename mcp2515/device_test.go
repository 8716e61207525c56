package mcp2515

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// mockBus records every hook call in order.
type mockBus struct {
	calls []string
	sent  [][]byte
	fail  bool

	// reply, when set, fills the exchanged buffer after it has been recorded.
	reply func(buf []byte)
}

func (m *mockBus) hooks() Hooks {
	return Hooks{
		OnReset: func(active bool) {
			m.calls = append(m.calls, fmt.Sprintf("reset(%v)", active))
		},
		OnChipSelect: func(active bool) {
			m.calls = append(m.calls, fmt.Sprintf("cs(%v)", active))
		},
		OnTransaction: func(buf []byte) bool {
			m.calls = append(m.calls, fmt.Sprintf("xfer(%d)", len(buf)))
			m.sent = append(m.sent, append([]byte(nil), buf...))
			if m.reply != nil {
				m.reply(buf)
			}
			return !m.fail
		},
	}
}

func (m *mockBus) clear() {
	m.calls = nil
	m.sent = nil
}

func newTestDevice(t *testing.T, m *mockBus) *Device {
	t.Helper()
	d := New(m.hooks())
	if err := d.Initialize(nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m.clear()
	return d
}

func TestInitializeMissingHooks(t *testing.T) {
	m := &mockBus{}
	full := m.hooks()

	cases := []struct {
		name  string
		hooks Hooks
	}{
		{"no reset", Hooks{OnChipSelect: full.OnChipSelect, OnTransaction: full.OnTransaction}},
		{"no chip select", Hooks{OnReset: full.OnReset, OnTransaction: full.OnTransaction}},
		{"no transaction", Hooks{OnReset: full.OnReset, OnChipSelect: full.OnChipSelect}},
		{"empty", Hooks{}},
	}

	for _, tc := range cases {
		m.clear()
		d := New(tc.hooks)
		if err := d.Initialize(func() {}); !errors.Is(err, ErrMissingHook) {
			t.Errorf("%s: Initialize error = %v, want ErrMissingHook", tc.name, err)
		}
		if len(m.calls) != 0 {
			t.Errorf("%s: expected no signalling, got %v", tc.name, m.calls)
		}
		if d.HasInterruptHandler() {
			t.Errorf("%s: interrupt handler stored on failed Initialize", tc.name)
		}
	}
}

func TestInitializeSignalsIdle(t *testing.T) {
	for _, withInt := range []bool{false, true} {
		m := &mockBus{}
		d := New(m.hooks())

		var fired int
		var handler func()
		if withInt {
			handler = func() { fired++ }
		}

		if err := d.Initialize(handler); err != nil {
			t.Fatalf("Initialize(withInt=%v): %v", withInt, err)
		}

		want := []string{"cs(false)", "reset(false)"}
		if fmt.Sprint(m.calls) != fmt.Sprint(want) {
			t.Errorf("withInt=%v: calls = %v, want %v", withInt, m.calls, want)
		}
		if d.HasInterruptHandler() != withInt {
			t.Errorf("withInt=%v: HasInterruptHandler = %v", withInt, d.HasInterruptHandler())
		}

		d.Interrupt()
		if withInt && fired != 1 {
			t.Errorf("interrupt handler fired %d times, want 1", fired)
		}
	}
}

func TestOperationsBeforeInitialize(t *testing.T) {
	m := &mockBus{}
	d := New(m.hooks())

	if err := d.SoftReset(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("SoftReset error = %v", err)
	}
	if _, err := d.Read(0, 1); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Read error = %v", err)
	}
	if got := d.ReadStatus(); got != StatusFailed {
		t.Errorf("ReadStatus = %d", got)
	}
	if len(m.calls) != 0 {
		t.Errorf("expected no hook calls, got %v", m.calls)
	}
}

func TestTransportAdapter(t *testing.T) {
	if h := HooksFor(nil); h.OnReset != nil || h.OnChipSelect != nil || h.OnTransaction != nil {
		t.Fatalf("HooksFor(nil) should be empty")
	}

	m := &mockBus{}
	d := NewWithTransport(hooksTransport{m.hooks()})
	if err := d.Initialize(nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := d.SoftReset(); err != nil {
		t.Fatalf("SoftReset: %v", err)
	}
	if !bytes.Equal(m.sent[0], []byte{OpReset}) {
		t.Errorf("sent %X, want C0", m.sent[0])
	}
}

type hooksTransport struct{ h Hooks }

func (t hooksTransport) Reset(active bool)           { t.h.OnReset(active) }
func (t hooksTransport) ChipSelect(active bool)      { t.h.OnChipSelect(active) }
func (t hooksTransport) Transaction(buf []byte) bool { return t.h.OnTransaction(buf) }
