package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"mcpcan/mcp2515"
	"mcpcan/sim"
)

var (
	frameExtended bool
	frameRemote   bool
	dataOnly      bool
)

var rtsCmd = &cobra.Command{
	Use:   "rts BUFFERS",
	Short: "Request to send: a mask (0-7) or buffer numbers like 0,2 or all",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mask, err := parseRTS(args[0])
		if err != nil {
			return err
		}
		return withSession(func(s *session) error {
			return s.wrap("rts", s.dev.RTS(mask))
		})
	},
}

func parseRTS(s string) (uint8, error) {
	if s == "all" {
		return mcp2515.RTSAll, nil
	}
	if strings.Contains(s, ",") {
		var mask uint8
		for _, part := range strings.Split(s, ",") {
			n, err := strconv.Atoi(part)
			if err != nil || n < 0 || n > 2 {
				return 0, fmt.Errorf("invalid transmit buffer %q", part)
			}
			mask |= 1 << n
		}
		return mask, nil
	}
	mask, err := parseByte(s)
	if err != nil || mask > mcp2515.RTSAll {
		return 0, fmt.Errorf("invalid rts mask %q", s)
	}
	return mask, nil
}

var loadTxCmd = &cobra.Command{
	Use:   "load-tx BUFFER ID [BYTE...]",
	Short: "Load a frame into transmit buffer 0-2",
	Long: `Load a frame into a transmit buffer with LOAD TX BUFFER.

With --data-only only the eight data bytes are written, starting at TXBnD0,
and ID is ignored.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 || n > 2 {
			return fmt.Errorf("invalid transmit buffer %q", args[0])
		}
		id, err := strconv.ParseUint(args[1], 0, 29)
		if err != nil {
			return fmt.Errorf("invalid id %q", args[1])
		}
		if !frameExtended && id > 0x7FF {
			return fmt.Errorf("standard id 0x%X above 0x7FF; use --ext", id)
		}
		data, err := parseBytes(args[2:])
		if err != nil {
			return err
		}
		if len(data) > 8 {
			return fmt.Errorf("%d data bytes, at most 8", len(data))
		}

		f := sim.Frame{ID: uint32(id), Extended: frameExtended, RTR: frameRemote, Len: uint8(len(data))}
		copy(f.Data[:], data)

		t := mcp2515.TxBuffer(mcp2515.OpLoadTx | n<<1)
		img := f.TxImage()
		if dataOnly {
			t |= 0x01
			img = f.Data[:]
		}
		return withSession(func(s *session) error {
			if err := s.dev.LoadTxBuffer(t, img); err != nil {
				return s.wrap("load tx buffer", err)
			}
			fmt.Printf("TXB%d <- %v\n", n, f)
			return nil
		})
	},
}

var readRxCmd = &cobra.Command{
	Use:   "read-rx BUFFER",
	Short: "Read receive buffer 0 or 1 with READ RX BUFFER",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 || n > 1 {
			return fmt.Errorf("invalid receive buffer %q", args[0])
		}
		t := mcp2515.RxBuffer(mcp2515.OpReadRx | n<<2)
		if dataOnly {
			t |= 0x02
		}
		return withSession(func(s *session) error {
			img, err := s.dev.ReadRxBuffer(t)
			if err != nil {
				return s.wrap("read rx buffer", err)
			}
			if dataOnly {
				fmt.Printf("RXB%d data: % X\n", n, img)
				return nil
			}
			f, err := sim.ParseRxImage(img)
			if err != nil {
				return err
			}
			fmt.Printf("RXB%d: %v\n", n, f)
			return nil
		})
	},
}

var loopbackCmd = &cobra.Command{
	Use:   "loopback",
	Short: "Send a frame through loopback mode and read it back",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(runLoopback)
	},
}

func runLoopback(s *session) error {
	d := s.dev
	if err := d.SoftReset(); err != nil {
		return s.wrap("reset", err)
	}
	if err := d.Write(mcp2515.RXB0CTRL, []byte{0x60}); err != nil {
		return s.wrap("accept all", err)
	}
	if err := d.BitModify(mcp2515.CANCTRL, mcp2515.ModeMask, mcp2515.ModeLoopback); err != nil {
		return s.wrap("loopback mode", err)
	}
	st, err := d.Read(mcp2515.CANSTAT, 1)
	if err != nil {
		return s.wrap("read CANSTAT", err)
	}
	if st[0]&mcp2515.ModeMask != mcp2515.ModeLoopback {
		return fmt.Errorf("controller stayed in %s mode", modeNames[st[0]&mcp2515.ModeMask])
	}

	sent := sim.Frame{ID: 0x123, Len: 4, Data: [8]byte{0xCA, 0xFE, 0xBA, 0xBE}}
	if err := d.LoadTxBuffer(mcp2515.LoadTXB0SIDH, sent.TxImage()); err != nil {
		return s.wrap("load tx buffer", err)
	}
	if err := d.RTS(mcp2515.RTSBuffer0); err != nil {
		return s.wrap("rts", err)
	}

	status := d.ReadStatus()
	if status == mcp2515.StatusFailed {
		return s.wrap("status", mcp2515.ErrTransfer)
	}
	fmt.Println("Status:", formatStatus(status))
	if !mcp2515.Status(status).RX0IF() {
		return fmt.Errorf("no frame received in RXB0")
	}

	img, err := d.ReadRxBuffer(mcp2515.ReadRXB0SIDH)
	if err != nil {
		return s.wrap("read rx buffer", err)
	}
	got, err := sim.ParseRxImage(img)
	if err != nil {
		return err
	}
	fmt.Printf("sent:     %v\nreceived: %v\n", sent, got)
	if got != sent {
		return fmt.Errorf("loopback frame mismatch")
	}
	return s.wrap("config mode", d.BitModify(mcp2515.CANCTRL, mcp2515.ModeMask, mcp2515.ModeConfig))
}

func init() {
	rootCmd.AddCommand(rtsCmd, loadTxCmd, readRxCmd, loopbackCmd)
	loadTxCmd.Flags().BoolVar(&frameExtended, "ext", false, "29 bit identifier")
	loadTxCmd.Flags().BoolVar(&frameRemote, "rtr", false, "Remote frame")
	loadTxCmd.Flags().BoolVar(&dataOnly, "data-only", false, "Write only the data bytes")
	readRxCmd.Flags().BoolVar(&dataOnly, "data-only", false, "Read only the data bytes")
}
