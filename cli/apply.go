package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/kextpatch"
	"github.com/sliverarmory/kextpatch/memmod"
	"github.com/sliverarmory/kextpatch/patch"
	"github.com/sliverarmory/kextpatch/radeon"
)

// applyBase is where images are mapped for offline patching.
const applyBase = 0x100000

var (
	applyCatalog string
	applyImage   string
	applyOutput  string
)

var applyCmd = &cobra.Command{
	Use:   "apply <file>",
	Short: "Apply a patch catalog to an image file",
	Long: `Apply maps the image the way the loader would report it, runs the
catalog's patches for --image against it and writes the result. Without
--catalog the built-in patches of the Radeon family are used, selected by
the configured settings.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := loadCatalog()
		if err != nil {
			return err
		}
		img, err := memmod.MapFile(args[0], applyBase, memmod.ArchUnknown)
		if err != nil {
			return err
		}
		space := memmod.NewSpace(memmod.DefaultPageSize)
		if err := space.Map(img.Buffer); err != nil {
			return err
		}

		var fatal *kextpatch.FatalError
		p := kextpatch.New(
			kextpatch.WithLogger(log),
			kextpatch.WithMemory(space),
			kextpatch.WithCatalog(catalog),
			kextpatch.WithHalt(func(err *kextpatch.FatalError) { fatal = err }),
		)
		var report *patch.Report
		err = p.Register(applyImage, []string{args[0]}, func(l *kextpatch.Load) error {
			var err error
			report, err = l.ApplyPatches()
			return err
		})
		if err != nil {
			return err
		}
		p.OnImageLoad(kextpatch.Event{
			ID:      applyImage,
			Index:   1,
			Base:    img.Base(),
			Size:    img.Buffer.Size(),
			Symbols: img.Source(),
		})
		if fatal != nil {
			return fatal
		}
		if report == nil {
			return errors.New("image was not patched")
		}
		fmt.Fprintln(cmd.OutOrStdout(), report)
		if len(report.Applied()) == 0 {
			return fmt.Errorf("no patch applied to %s", applyImage)
		}

		out := applyOutput
		if out == "" {
			out = args[0] + ".patched"
		}
		if err := os.WriteFile(out, img.Contents(), 0o644); err != nil {
			return err
		}
		log.Info().Str("output", out).Strs("applied", report.Applied()).Msg("wrote patched image")
		return nil
	},
}

func loadCatalog() (*patch.Catalog, error) {
	opts := []patch.Option{patch.WithLogger(log.With().Str("component", "patch").Logger())}
	if applyCatalog == "" {
		return patch.NewCatalog(radeon.Patches(flags), opts...)
	}
	f, err := os.Open(applyCatalog)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return patch.LoadCatalog(f, opts...)
}

func init() {
	applyCmd.Flags().StringVar(&applyCatalog, "catalog", "", "YAML patch catalog")
	applyCmd.Flags().StringVar(&applyImage, "image", "", "Identity of the image, e.g. com.apple.kext.AMDSupport")
	applyCmd.Flags().StringVarP(&applyOutput, "output", "o", "", "Output file (default <file>.patched)")
	_ = applyCmd.MarkFlagRequired("image")
}
