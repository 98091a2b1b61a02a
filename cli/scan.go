package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/kextpatch/pattern"
)

var (
	scanFind  string
	scanLimit int
)

var scanCmd = &cobra.Command{
	Use:   "scan <file>",
	Short: "Print the offsets of a byte pattern in a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := pattern.ParseHex(scanFind)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		found := p.FindAll(data, scanLimit)
		log.Debug().Str("pattern", p.String()).Int("found", len(found)).Msg("scanned")
		for _, off := range found {
			fmt.Fprintf(cmd.OutOrStdout(), "%#x\n", off)
		}
		if len(found) == 0 {
			return fmt.Errorf("%s: pattern not found", args[0])
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanFind, "find", "", "Hex pattern to search for, \"??\" matches any byte")
	scanCmd.Flags().IntVar(&scanLimit, "limit", 0, "Stop after this many occurrences, 0 for all")
	_ = scanCmd.MarkFlagRequired("find")
}
