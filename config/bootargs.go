package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

var ErrBootArg = errors.New("config: malformed boot argument")

// switches are boot arguments that enable a setting by being present.
var switches = map[string]string{
	"-rad24":      KeyForce24Bpp,
	"-raddvi":     KeyDVISingleLink,
	"-radcfg":     KeyFixConfigName,
	"-radvesa":    KeyForceVESA,
	"-radcodec":   KeyForceCodecInfo,
	"-lredregdbg": KeyRegisterDebug,
}

// ParseBootArgs extracts the known arguments of a boot-args string into
// settings keyed like NewViper's keys. Arguments belonging to other
// components are ignored. Numbers may be decimal, 0x hex or 0 octal.
func ParseBootArgs(s string) (map[string]any, error) {
	out := make(map[string]any)
	for _, arg := range strings.Fields(s) {
		if key, ok := switches[arg]; ok {
			out[key] = true
			continue
		}
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "radpg":
			if !hasValue {
				return nil, fmt.Errorf("%w: %s needs a value", ErrBootArg, name)
			}
			mask, err := strconv.ParseUint(value, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrBootArg, arg, err)
			}
			out[KeyPowerGatingMask] = uint32(mask)
		case "radgva":
			if !hasValue {
				return nil, fmt.Errorf("%w: %s needs a value", ErrBootArg, name)
			}
			gva, err := strconv.ParseInt(value, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrBootArg, arg, err)
			}
			out[KeyGVA] = int(gva)
		}
	}
	return out, nil
}

// ApplyBootArgs parses s and sets the result on v. Boot arguments take
// precedence over every other source.
func ApplyBootArgs(v *viper.Viper, s string) error {
	args, err := ParseBootArgs(s)
	if err != nil {
		return err
	}
	for key, value := range args {
		v.Set(key, value)
	}
	return nil
}
