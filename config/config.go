// Package config holds the boot-time switches that decide which patches and
// routes apply. Values come from viper: defaults, an optional config file,
// KEXTPATCH_* environment variables, bound command-line flags and a
// boot-args string.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by NewViper.
const EnvPrefix = "KEXTPATCH"

// Keys of the settings in a viper instance.
const (
	KeyForce24Bpp      = "force_24bpp"
	KeyDVISingleLink   = "dvi_single_link"
	KeyFixConfigName   = "fix_config_name"
	KeyForceVESA       = "force_vesa"
	KeyForceCodecInfo  = "force_codec_info"
	KeyRegisterDebug   = "register_debug"
	KeyPowerGatingMask = "power_gating_mask"
	KeyGVA             = "gva"
	KeyKernelMajor     = "kernel_major"
)

// KernelHighSierra is the Darwin major version of macOS 10.13.
const KernelHighSierra = 17

// Flags is the decoded configuration.
type Flags struct {
	Force24Bpp     bool `mapstructure:"force_24bpp"`
	DVISingleLink  bool `mapstructure:"dvi_single_link"`
	FixConfigName  bool `mapstructure:"fix_config_name"`
	ForceVESA      bool `mapstructure:"force_vesa"`
	ForceCodecInfo bool `mapstructure:"force_codec_info"`
	// RegisterDebug enables the register read observers.
	RegisterDebug bool `mapstructure:"register_debug"`
	// PowerGatingMask selects entries of PowerGatingFlags by bit.
	PowerGatingMask uint32 `mapstructure:"power_gating_mask"`
	// GVA overrides GVA support when set.
	GVA *int `mapstructure:"gva"`
	// KernelMajor is the Darwin major version of the target, 0 if unknown.
	KernelMajor int `mapstructure:"kernel_major"`
}

// HighSierra reports whether the target runs macOS 10.13.
func (f Flags) HighSierra() bool { return f.KernelMajor == KernelHighSierra }

// PowerGatingFlags are the CAIL properties toggled by the power gating
// mask. Bit i of the mask enables entry i.
var PowerGatingFlags = [...]string{
	"CAIL_DisableDrmdmaPowerGating",
	"CAIL_DisableGfxCGPowerGating",
	"CAIL_DisableUVDPowerGating",
	"CAIL_DisableVCEPowerGating",
	"CAIL_DisableDynamicGfxMGPowerGating",
	"CAIL_DisableGmcPowerGating",
	"CAIL_DisableAcpPowerGating",
	"CAIL_DisableSAMUPowerGating",
}

// PowerGating returns the power gating properties enabled by the mask.
func (f Flags) PowerGating() []string {
	var out []string
	for i, name := range PowerGatingFlags {
		if f.PowerGatingMask&(1<<i) != 0 {
			out = append(out, name)
		}
	}
	return out
}

// NewViper returns a viper instance with every key defaulted and the
// environment bound.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyForce24Bpp, false)
	v.SetDefault(KeyDVISingleLink, false)
	v.SetDefault(KeyFixConfigName, false)
	v.SetDefault(KeyForceVESA, false)
	v.SetDefault(KeyForceCodecInfo, false)
	v.SetDefault(KeyRegisterDebug, false)
	v.SetDefault(KeyPowerGatingMask, 0)
	v.SetDefault(KeyKernelMajor, 0)
	// gva has no default: unset means the device decides.
	_ = v.BindEnv(KeyGVA)
	return v
}

// ReadFile merges the config file at path into v.
func ReadFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return nil
}

// Load decodes the settings of v.
func Load(v *viper.Viper) (Flags, error) {
	var f Flags
	if err := v.Unmarshal(&f); err != nil {
		return Flags{}, fmt.Errorf("config: decode: %w", err)
	}
	return f, nil
}
