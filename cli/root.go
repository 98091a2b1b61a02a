package main

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sliverarmory/kextpatch/config"
)

var (
	logLevel    string
	logFile     string
	configFile  string
	bootArgs    string
	kernelMajor int

	// Set up by the root command before any subcommand runs.
	log   zerolog.Logger
	flags config.Flags
)

var rootCmd = &cobra.Command{
	Use:          "kextpatch",
	Short:        "Inspect and patch driver images offline",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if log, err = newLogger(cmd.ErrOrStderr()); err != nil {
			return err
		}
		if flags, err = loadFlags(config.NewViper(), cmd.Root().PersistentFlags()); err != nil {
			return err
		}
		log.Debug().
			Int("kernel", flags.KernelMajor).
			Strs("power_gating", flags.PowerGating()).
			Msg("configuration loaded")
		return nil
	},
}

func newLogger(stderr io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	var out io.Writer = zerolog.ConsoleWriter{Out: stderr, TimeFormat: "15:04:05"}
	if logFile != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10,
			MaxBackups: 3,
		})
	}
	return zerolog.New(out).Level(level).With().
		Timestamp().
		Str("run", uuid.NewString()).
		Logger(), nil
}

// loadFlags layers the settings file, the boot arguments and the
// command line over the environment and the defaults.
func loadFlags(v *viper.Viper, fs *pflag.FlagSet) (config.Flags, error) {
	if err := v.BindPFlag(config.KeyKernelMajor, fs.Lookup("kernel-major")); err != nil {
		return config.Flags{}, err
	}
	if configFile != "" {
		if err := config.ReadFile(v, configFile); err != nil {
			return config.Flags{}, err
		}
	}
	if bootArgs != "" {
		if err := config.ApplyBootArgs(v, bootArgs); err != nil {
			return config.Flags{}, err
		}
	}
	return config.Load(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "info", "Minimum level of log messages")
	pf.StringVar(&logFile, "log-file", "", "Also write logs to this file, rotated")
	pf.StringVar(&configFile, "config", "", "Settings file (yaml, json or toml)")
	pf.StringVar(&bootArgs, "boot-args", "", "Boot arguments to take settings from, e.g. \"-rad24 radpg=15\"")
	pf.IntVar(&kernelMajor, "kernel-major", 0, "Darwin major version of the target kernel")

	rootCmd.AddCommand(scanCmd, symbolsCmd, applyCmd)
}
