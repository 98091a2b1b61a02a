package radeon

import (
	"strings"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/sliverarmory/kextpatch/config"
	"github.com/sliverarmory/kextpatch/route"
	"github.com/sliverarmory/kextpatch/shim"
)

// RAD is the context of the accelerator family: AMDSupport, the
// framebuffer, the AMD10000 controller, the X5000 accelerator and its
// hardware libraries.
type RAD struct {
	log        zerolog.Logger
	dev        Device
	flags      config.Flags
	connectors ConnectorFixer

	// provider is the device ATIController::start is running on.
	provider shim.Provider[unsafe.Pointer]

	support    supportSlots
	hwlibs     hwlibsSlots
	hardware   hardwareSlots
	controller controllerSlots

	// deviceTypeTable and tableWriter are set once HWLibs loads.
	deviceTypeTable uintptr
	tableWriter     writer
}

// writer stores bytes into image memory under the write guard.
type writer interface {
	Write(addr uintptr, b []byte) error
}

func newRAD(log zerolog.Logger, dev Device, flags config.Flags, connectors ConnectorFixer) *RAD {
	return &RAD{log: log, dev: dev, flags: flags, connectors: connectors}
}

// Provider returns the device the controller is currently starting on.
func (r *RAD) Provider() (unsafe.Pointer, bool) { return r.provider.Current() }

// GVAEnabled reports whether GVA support is enabled: the radgva setting
// wins over what the device properties asked for.
func (r *RAD) GVAEnabled(requested bool) bool {
	if r.flags.GVA != nil {
		return *r.flags.GVA != 0
	}
	return requested
}

// MergeCAIL forces every enabled power gating property that props already
// carries to 1.
func (r *RAD) MergeCAIL(props map[string]any) {
	for _, name := range r.flags.PowerGating() {
		if _, ok := props[name]; ok {
			r.log.Debug().Str("prop", name).Msg("cail prop merge found power gating flag, replacing")
			props[name] = uint32(1)
		}
	}
}

// AccelConfig returns the accelerator configuration name to publish for
// the GPU model, without its vendor prefix. It returns false when the
// configuration name is left to the driver.
func (r *RAD) AccelConfig(model string) (string, bool) {
	if !r.flags.FixConfigName {
		return "", false
	}
	model = strings.TrimRight(model, "\x00")
	if model == "" {
		r.log.Debug().Msg("update accel config found null gpu model")
		return "", false
	}
	for _, vendor := range []string{"AMD ", "ATI "} {
		if name, ok := strings.CutPrefix(model, vendor); ok {
			model = name
			break
		}
	}
	r.log.Debug().Str("model", model).Msg("update accel config found gpu model")
	return model, true
}

// observer1 is a transparent route for a one-argument function with a
// slot of its own.
func observer1[A, R any](log zerolog.Logger, symbol, name string) route.Entry {
	slot := new(route.Slot[func(A) R])
	return route.Request(symbol, shim.Observe1(log, name, slot), slot, true)
}

// observer2 is observer1 for two arguments.
func observer2[A, B, R any](log zerolog.Logger, symbol, name string) route.Entry {
	slot := new(route.Slot[func(A, B) R])
	return route.Request(symbol, shim.Observe2(log, name, slot), slot, true)
}
