package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/kextpatch/memmod"
)

var symbolsCmd = &cobra.Command{
	Use:   "symbols <file> [symbol...]",
	Short: "Print the file offsets of symbols in an ELF or Mach-O image",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := memmod.MapFile(args[0], 0, memmod.ArchUnknown)
		if err != nil {
			return err
		}
		log.Debug().
			Str("format", img.Format).
			Stringer("arch", img.Arch).
			Int("symbols", img.Symbols.Len()).
			Msg("mapped image")

		names := args[1:]
		if len(names) == 0 {
			names = img.Symbols.Names()
		}
		out := cmd.OutOrStdout()
		missing := 0
		for _, name := range names {
			off, ok := img.Symbols.Offset(name)
			if !ok {
				log.Warn().Str("symbol", name).Msg("symbol not found")
				missing++
				continue
			}
			fmt.Fprintf(out, "%#08x %s\n", off, name)
		}
		if missing > 0 {
			return fmt.Errorf("%d of %d symbols not found", missing, len(names))
		}
		return nil
	},
}
