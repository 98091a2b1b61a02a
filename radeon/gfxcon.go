package radeon

import (
	"fmt"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/sliverarmory/kextpatch"
	"github.com/sliverarmory/kextpatch/config"
	"github.com/sliverarmory/kextpatch/route"
	"github.com/sliverarmory/kextpatch/shim"
)

// Signatures of the controller functions GFXCon replaces.
type (
	GetFamilyIDFunc        = func() uint16
	ReadReg8Func           = func(that unsafe.Pointer, reg uint32) uint8
	ReadReg16Func          = func(that unsafe.Pointer, reg uint32) uint16
	ReadReg32Func          = func(that unsafe.Pointer, reg uint32) uint32
	PopulateDeviceInfoFunc = func(that unsafe.Pointer) uint32
)

// DeviceInfo is the part of the controllers' ASIC info object that
// populateDeviceInfo is made to report.
var DeviceInfo = shim.MustLayout("ASIC_INFO", 0x48,
	shim.Field{Name: "familyId", Offset: 0x38, Width: 4},
	shim.Field{Name: "deviceId", Offset: 0x3C, Width: 4},
	shim.Field{Name: "revision", Offset: 0x40, Width: 2},
	shim.Field{Name: "variant", Offset: 0x44, Width: 4},
)

var (
	deviceInfoFamily  = DeviceInfo.MustField("familyId")
	deviceInfoID      = DeviceInfo.MustField("deviceId")
	deviceInfoVariant = DeviceInfo.MustField("variant")
)

// A controller is one of the GCN controller images. The symbol prefixes
// are the mangled class names of its shared controller, register service
// and ASIC info classes.
type controller struct {
	id       string
	shared   string
	regs     string
	asic     string
	nonConst bool
}

var controllers = [...]controller{
	{id: IDGFX7Con, shared: "18CISharedController", regs: "17CIRegisterService", asic: "13ASIC_INFO__CI", nonConst: true},
	{id: IDGFX8Con, shared: "18VISharedController", regs: "17VIRegisterService", asic: "13ASIC_INFO__VI", nonConst: true},
	{id: IDPolarisCon, shared: "22BaffinSharedController", regs: "21BaffinRegisterService", asic: "17ASIC_INFO__BAFFIN"},
}

// gfxconSlots are the originals of one controller image.
type gfxconSlots struct {
	getFamilyID        route.Slot[GetFamilyIDFunc]
	readReg8           route.Slot[ReadReg8Func]
	readReg16          route.Slot[ReadReg16Func]
	readReg32          route.Slot[ReadReg32Func]
	populateDeviceInfo route.Slot[PopulateDeviceInfoFunc]
}

// GFXCon is the context of the controller family.
type GFXCon struct {
	log   zerolog.Logger
	dev   Device
	flags config.Flags
	slots map[string]*gfxconSlots
}

func newGFXCon(log zerolog.Logger, dev Device, flags config.Flags) *GFXCon {
	g := &GFXCon{log: log, dev: dev, flags: flags, slots: make(map[string]*gfxconSlots, len(controllers))}
	for _, c := range controllers {
		g.slots[c.id] = new(gfxconSlots)
	}
	return g
}

// Routes returns the route table of the controller image id.
func (g *GFXCon) Routes(id string) ([]route.Entry, error) {
	for _, c := range controllers {
		if c.id == id {
			return g.routes(c), nil
		}
	}
	return nil, fmt.Errorf("gfxcon: no routes for %s", id)
}

func (g *GFXCon) routes(c controller) []route.Entry {
	s := g.slots[c.id]
	highSierra := g.flags.HighSierra()
	regDbg := g.flags.RegisterDebug

	getFamilyID := shim.Mutate0(g.log, "getFamilyId", &s.getFamilyID, func(uint16) uint16 {
		return g.dev.Family()
	})
	var entries []route.Entry
	if c.nonConst {
		entries = append(entries, route.Request("__ZN"+c.shared+"11getFamilyIdEv", getFamilyID, &s.getFamilyID, highSierra))
	}
	return append(entries,
		route.Request("__ZNK"+c.shared+"11getFamilyIdEv", getFamilyID, &s.getFamilyID, !highSierra),
		route.Request("__ZN"+c.regs+"10hwReadReg8Ej", shim.Observe2(g.log, "readReg8", &s.readReg8), &s.readReg8, regDbg),
		route.Request("__ZN"+c.regs+"11hwReadReg16Ej", shim.Observe2(g.log, "readReg16", &s.readReg16), &s.readReg16, regDbg),
		route.Request("__ZN"+c.regs+"11hwReadReg32Ej", shim.Observe2(g.log, "readReg32", &s.readReg32), &s.readReg32, regDbg),
		route.Request("__ZN"+c.asic+"18populateDeviceInfoEv",
			shim.Mutate1(g.log, "populateDeviceInfo", &s.populateDeviceInfo, g.fillDeviceInfo),
			&s.populateDeviceInfo, !highSierra),
	)
}

// fillDeviceInfo overwrites the identity the controller just populated.
func (g *GFXCon) fillDeviceInfo(that unsafe.Pointer, ret uint32) uint32 {
	deviceInfoFamily.Put(that, uint64(g.dev.Family()))
	deviceInfoID.Put(that, uint64(g.dev.ID))
	deviceInfoVariant.Put(that, uint64(g.dev.Variant()))
	return ret
}

func (g *GFXCon) handler(c controller) kextpatch.Handler {
	return func(l *kextpatch.Load) error {
		if err := l.RouteAll(g.routes(c)...); err != nil {
			return fmt.Errorf("gfxcon: failed to route symbols: %w", err)
		}
		return nil
	}
}
