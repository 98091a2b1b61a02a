// Package radeon holds the route tables, shims and patches for the Radeon
// driver family. It consumes the engine: Install registers every image the
// family cares about with a Patcher, and the handlers route and patch each
// image as it loads.
package radeon

import (
	"fmt"
	"unsafe"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/sliverarmory/kextpatch"
	"github.com/sliverarmory/kextpatch/config"
	"github.com/sliverarmory/kextpatch/shim"
)

// Family identities in the shim registry.
const (
	FamilyGFXCon = "gfxcon"
	FamilyRAD    = "rad"
)

// AMDGPU family ids reported to the controllers.
const (
	FamilyKV uint16 = 0x7D
	FamilyCZ uint16 = 0x87
)

// kIOReturnNotFound is the IOReturn of a failed lookup.
const kIOReturnNotFound uint32 = 0xE00002F0

// Image identities.
const (
	IDGFX7Con      = "com.apple.kext.AMD8000Controller"
	IDGFX8Con      = "com.apple.kext.AMD9000Controller"
	IDPolarisCon   = "com.apple.kext.AMD9500Controller"
	IDController   = "com.apple.kext.AMD10000Controller"
	IDFramebuffer  = "com.apple.kext.AMDFramebuffer"
	IDSupport      = "com.apple.kext.AMDSupport"
	IDX5000        = "com.apple.kext.AMDRadeonX5000"
	IDHWLibs       = "com.apple.kext.AMDRadeonX5000HWLibs"
	IDAGDP         = "com.apple.driver.AppleGraphicsDevicePolicy"
	IDCoreLSKD     = "com.apple.CoreLSKD"
	IDCoreLSKDMSE  = "com.apple.CoreLSKDMSE"
	extensionsPath = "/System/Library/Extensions/"
)

// Paths lists where each image is found on disk.
var Paths = map[string][]string{
	IDGFX7Con:     {extensionsPath + "AMD8000Controller.kext/Contents/MacOS/AMD8000Controller"},
	IDGFX8Con:     {extensionsPath + "AMD9000Controller.kext/Contents/MacOS/AMD9000Controller"},
	IDPolarisCon:  {extensionsPath + "AMD9500Controller.kext/Contents/MacOS/AMD9500Controller"},
	IDController:  {extensionsPath + "AMD10000Controller.kext/Contents/MacOS/AMD10000Controller"},
	IDFramebuffer: {extensionsPath + "AMDFramebuffer.kext/Contents/MacOS/AMDFramebuffer"},
	IDSupport:     {extensionsPath + "AMDSupport.kext/Contents/MacOS/AMDSupport"},
	IDX5000:       {extensionsPath + "AMDRadeonX5000.kext/Contents/MacOS/AMDRadeonX5000"},
	IDHWLibs: {
		extensionsPath + "AMDRadeonX5000HWServices.kext/Contents/PlugIns/AMDRadeonX5000HWLibs.kext/Contents/MacOS/AMDRadeonX5000HWLibs",
	},
	IDAGDP: {
		extensionsPath + "AppleGraphicsControl.kext/Contents/PlugIns/AppleGraphicsDevicePolicy.kext/Contents/MacOS/AppleGraphicsDevicePolicy",
	},
	IDCoreLSKD:    {"/System/Library/PrivateFrameworks/CoreLSKD.framework/Versions/A/CoreLSKD"},
	IDCoreLSKDMSE: {"/System/Library/PrivateFrameworks/CoreLSKDMSE.framework/Versions/A/CoreLSKDMSE"},
}

// A Device describes the GPU being driven.
type Device struct {
	ID uint16
	// CodecID is reported to the video codecs instead of ID when set.
	CodecID            uint16
	Revision           uint32
	EnumeratedRevision uint32
	// GCN3 selects the CZ family over KV.
	GCN3 bool
	// Kalindi chips report the enumerated revision alone.
	Kalindi bool
}

// Family returns the AMDGPU family id reported for the device.
func (d Device) Family() uint16 {
	if d.GCN3 {
		return FamilyCZ
	}
	return FamilyKV
}

// Variant returns the revision variant written into the device info.
func (d Device) Variant() uint32 {
	if d.Kalindi {
		return d.EnumeratedRevision
	}
	return d.EnumeratedRevision + d.Revision
}

// A ConnectorFixer rewrites connector tables built by the driver. It is
// consulted only after the driver's own code succeeded.
type ConnectorFixer interface {
	// FixConnectors may rewrite the count connectors at connectors for
	// the device provider the controller is starting on. With autocorrect
	// set, dual-link DVI and LVDS connectors take the transmitter detected
	// from the BIOS display paths.
	FixConnectors(provider, connectors unsafe.Pointer, count *uint8, autocorrect bool)
	// FixTranslated may rewrite one connector translated from the BIOS.
	FixTranslated(info, connector unsafe.Pointer)
}

// An Option configures Install.
type Option func(*installer)

type installer struct {
	log        zerolog.Logger
	registry   *shim.Registry
	connectors ConnectorFixer
}

// WithLogger sets the logger of the family shims. The default is the
// patcher's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(in *installer) { in.log = log }
}

// WithRegistry publishes the family contexts in r instead of
// shim.Families.
func WithRegistry(r *shim.Registry) Option {
	return func(in *installer) { in.registry = r }
}

// WithConnectorFixer enables the connector routes.
func WithConnectorFixer(f ConnectorFixer) Option {
	return func(in *installer) { in.connectors = f }
}

// Install registers every image of the family with p and publishes the
// family contexts. It fails before touching p if a family is already
// published.
func Install(p *kextpatch.Patcher, dev Device, flags config.Flags, opts ...Option) (*GFXCon, *RAD, error) {
	in := installer{log: p.Logger(), registry: shim.Families}
	for _, opt := range opts {
		opt(&in)
	}

	gfx := newGFXCon(in.log.With().Str("family", FamilyGFXCon).Logger(), dev, flags)
	rad := newRAD(in.log.With().Str("family", FamilyRAD).Logger(), dev, flags, in.connectors)

	for _, id := range []string{FamilyGFXCon, FamilyRAD} {
		if _, err := shim.Lookup[any](in.registry, id); err == nil {
			return nil, nil, fmt.Errorf("radeon: install: %w: %s", shim.ErrFamilyRegistered, id)
		}
	}
	if err := in.registry.Register(FamilyGFXCon, gfx); err != nil {
		return nil, nil, fmt.Errorf("radeon: install: %w", err)
	}
	if err := in.registry.Register(FamilyRAD, rad); err != nil {
		return nil, nil, fmt.Errorf("radeon: install: %w", err)
	}

	var err error
	for _, d := range Patches(flags) {
		err = multierr.Append(err, p.Catalog().Add(d))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("radeon: install: %w", err)
	}

	handlers := []struct {
		id      string
		handler kextpatch.Handler
	}{
		{IDGFX7Con, gfx.handler(controllers[0])},
		{IDGFX8Con, gfx.handler(controllers[1])},
		{IDPolarisCon, gfx.handler(controllers[2])},
		{IDController, rad.processController},
		{IDFramebuffer, rad.processFramebuffer},
		{IDSupport, rad.processSupport},
		{IDX5000, rad.processHardware},
		{IDHWLibs, rad.processHWLibs},
		{IDAGDP, applyPatches},
		{IDCoreLSKD, applyPatches},
		{IDCoreLSKDMSE, applyPatches},
	}
	for _, h := range handlers {
		err = multierr.Append(err, p.Register(h.id, Paths[h.id], h.handler))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("radeon: install: %w", err)
	}
	return gfx, rad, nil
}

// applyPatches is the handler of images that are only patched.
func applyPatches(l *kextpatch.Load) error {
	_, err := l.ApplyPatches()
	return err
}
