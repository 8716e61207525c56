package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var dictRaw bool

var dictCmd = &cobra.Command{
	Use:   "dict",
	Short: "Print the bridge firmware's data dictionary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *session) error {
			if s.link == nil {
				return errors.New("dict needs the bridge or sim backend")
			}
			if dictRaw {
				raw := s.link.RawDictionary()
				fmt.Printf("Raw dictionary data (%d bytes):\n% X\n", len(raw), raw)
				return nil
			}
			fmt.Println("=== Bridge Dictionary ===")
			s.link.Dictionary().Summary(os.Stdout)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(dictCmd)
	dictCmd.Flags().BoolVar(&dictRaw, "raw", false, "Dump the compressed dictionary bytes")
}
