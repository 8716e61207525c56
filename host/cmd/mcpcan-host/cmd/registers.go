package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"mcpcan/mcp2515"
)

var resetHard bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the controller (RESET instruction, or the reset line with --hard)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *session) error {
			if resetHard {
				s.dev.OnReset(true)
				s.dev.OnReset(false)
			} else if err := s.dev.SoftReset(); err != nil {
				return s.wrap("reset", err)
			}
			v, err := s.dev.Read(mcp2515.CANSTAT, 1)
			if err != nil {
				return s.wrap("read CANSTAT", err)
			}
			fmt.Printf("CANSTAT: 0x%02X (%s mode)\n", v[0], modeNames[v[0]&mcp2515.ModeMask])
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "READ STATUS instruction",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *session) error {
			v := s.dev.ReadStatus()
			if v == mcp2515.StatusFailed {
				return s.wrap("status", mcp2515.ErrTransfer)
			}
			fmt.Println("Status:", formatStatus(v))
			return nil
		})
	},
}

var rxStatusCmd = &cobra.Command{
	Use:   "rxstatus",
	Short: "RX STATUS instruction",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *session) error {
			v := s.dev.RxStatus()
			if v == mcp2515.StatusFailed {
				return s.wrap("rx status", mcp2515.ErrTransfer)
			}
			fmt.Println("RX status:", formatRxStatus(v))
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read ADDR [COUNT]",
	Short: "Read consecutive registers",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		n := uint8(1)
		if len(args) > 1 {
			if n, err = parseByte(args[1]); err != nil {
				return err
			}
		}
		return withSession(func(s *session) error {
			data, err := s.dev.Read(addr, int(n))
			if err != nil {
				return s.wrap("read", err)
			}
			for i, b := range data {
				fmt.Printf("0x%02X: 0x%02X\n", int(addr)+i, b)
			}
			return nil
		})
	},
}

var writeCmd = &cobra.Command{
	Use:   "write ADDR BYTE...",
	Short: "Write consecutive registers",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		data, err := parseBytes(args[1:])
		if err != nil {
			return err
		}
		return withSession(func(s *session) error {
			return s.wrap("write", s.dev.Write(addr, data))
		})
	},
}

var bitModifyCmd = &cobra.Command{
	Use:   "bitmodify ADDR MASK DATA",
	Short: "BIT MODIFY instruction",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		mask, err := parseByte(args[1])
		if err != nil {
			return err
		}
		data, err := parseByte(args[2])
		if err != nil {
			return err
		}
		if !mcp2515.BitModifiable(addr) {
			log.Warnw("register ignores the mask; this is a full write", "addr", fmt.Sprintf("0x%02X", addr))
		}
		return withSession(func(s *session) error {
			return s.wrap("bit modify", s.dev.BitModify(addr, mask, data))
		})
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the whole register map",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *session) error {
			const row = 16
			fmt.Print("      ")
			for i := 0; i < row; i++ {
				fmt.Printf("%X  ", i)
			}
			fmt.Println()
			for addr := 0; addr < mcp2515.RegisterCount; addr += row {
				data, err := s.dev.Read(uint8(addr), row)
				if err != nil {
					return s.wrap(fmt.Sprintf("read 0x%02X", addr), err)
				}
				fmt.Printf("0x%02X: % X\n", addr, data)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(resetCmd, statusCmd, rxStatusCmd, readCmd, writeCmd, bitModifyCmd, dumpCmd)
	resetCmd.Flags().BoolVar(&resetHard, "hard", false, "Pulse the reset line instead")
}
