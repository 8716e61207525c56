package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"mcpcan/mcp2515"
)

var registerNames = map[string]uint8{
	"RXF0SIDH": mcp2515.RXF0SIDH, "RXF1SIDH": mcp2515.RXF1SIDH, "RXF2SIDH": mcp2515.RXF2SIDH,
	"BFPCTRL": mcp2515.BFPCTRL, "TXRTSCTRL": mcp2515.TXRTSCTRL,
	"CANSTAT": mcp2515.CANSTAT, "CANCTRL": mcp2515.CANCTRL,
	"RXF3SIDH": mcp2515.RXF3SIDH, "RXF4SIDH": mcp2515.RXF4SIDH, "RXF5SIDH": mcp2515.RXF5SIDH,
	"TEC": mcp2515.TEC, "REC": mcp2515.REC,
	"RXM0SIDH": mcp2515.RXM0SIDH, "RXM1SIDH": mcp2515.RXM1SIDH,
	"CNF3": mcp2515.CNF3, "CNF2": mcp2515.CNF2, "CNF1": mcp2515.CNF1,
	"CANINTE": mcp2515.CANINTE, "CANINTF": mcp2515.CANINTF, "EFLG": mcp2515.EFLG,
	"TXB0CTRL": mcp2515.TXB0CTRL, "TXB0SIDH": mcp2515.TXB0SIDH, "TXB0D0": mcp2515.TXB0D0,
	"TXB1CTRL": mcp2515.TXB1CTRL, "TXB1SIDH": mcp2515.TXB1SIDH, "TXB1D0": mcp2515.TXB1D0,
	"TXB2CTRL": mcp2515.TXB2CTRL, "TXB2SIDH": mcp2515.TXB2SIDH, "TXB2D0": mcp2515.TXB2D0,
	"RXB0CTRL": mcp2515.RXB0CTRL, "RXB0SIDH": mcp2515.RXB0SIDH, "RXB0D0": mcp2515.RXB0D0,
	"RXB1CTRL": mcp2515.RXB1CTRL, "RXB1SIDH": mcp2515.RXB1SIDH, "RXB1D0": mcp2515.RXB1D0,
}

var modeNames = map[uint8]string{
	mcp2515.ModeNormal:     "normal",
	mcp2515.ModeSleep:      "sleep",
	mcp2515.ModeLoopback:   "loopback",
	mcp2515.ModeListenOnly: "listen-only",
	mcp2515.ModeConfig:     "configuration",
}

// parseAddr accepts a register name or a number.
func parseAddr(s string) (uint8, error) {
	if addr, ok := registerNames[strings.ToUpper(s)]; ok {
		return addr, nil
	}
	v, err := parseByte(s)
	if err != nil {
		return 0, err
	}
	if v >= mcp2515.RegisterCount {
		return 0, fmt.Errorf("address 0x%02X outside the register map", v)
	}
	return v, nil
}

// parseByte accepts decimal, 0x hex and 0b binary.
func parseByte(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid byte %q", s)
	}
	return uint8(v), nil
}

func parseBytes(args []string) ([]byte, error) {
	data := make([]byte, 0, len(args))
	for _, a := range args {
		b, err := parseByte(a)
		if err != nil {
			return nil, err
		}
		data = append(data, b)
	}
	return data, nil
}

func formatStatus(v int32) string {
	st := mcp2515.Status(v)
	var flags []string
	if st.RX0IF() {
		flags = append(flags, "RX0IF")
	}
	if st.RX1IF() {
		flags = append(flags, "RX1IF")
	}
	for n := 0; n < 3; n++ {
		if st.TXREQ(n) {
			flags = append(flags, fmt.Sprintf("TX%dREQ", n))
		}
		if st.TXIF(n) {
			flags = append(flags, fmt.Sprintf("TX%dIF", n))
		}
	}
	return fmt.Sprintf("0x%02X [%s]", v, strings.Join(flags, " "))
}

func formatRxStatus(v int32) string {
	st := mcp2515.RxStatusBits(v)
	msg := map[uint8]string{
		mcp2515.RxStatusMsgNone: "none",
		mcp2515.RxStatusMsgRXB0: "RXB0",
		mcp2515.RxStatusMsgRXB1: "RXB1",
		mcp2515.RxStatusMsgBoth: "RXB0+RXB1",
	}[st.Message()]

	kind := "standard"
	if st.Extended() {
		kind = "extended"
	}
	if st.Remote() {
		kind += " remote"
	} else {
		kind += " data"
	}

	filter := fmt.Sprintf("RXF%d", st.Filter())
	switch st.Filter() {
	case mcp2515.RxStatusFilterRXF0Roll:
		filter = "RXF0 (rollover to RXB1)"
	case mcp2515.RxStatusFilterRXF1Roll:
		filter = "RXF1 (rollover to RXB1)"
	}
	return fmt.Sprintf("0x%02X [message %s, %s frame, filter %s]", v, msg, kind, filter)
}
