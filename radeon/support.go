package radeon

import (
	"fmt"
	"unsafe"

	"github.com/sliverarmory/kextpatch"
	"github.com/sliverarmory/kextpatch/route"
	"github.com/sliverarmory/kextpatch/shim"
)

// Signatures of the AMDSupport functions RAD replaces.
type (
	TestVRAMFunc           = func(ctrl unsafe.Pointer, reg uint32, retryOnFail bool) bool
	NotifyLinkChangeFunc   = func(that unsafe.Pointer, event uint32, data unsafe.Pointer, flags uint32) bool
	InitWithControllerFunc = func(that, controller unsafe.Pointer) uint64
	GetConnectorInfoFunc   = func(that, connectors unsafe.Pointer, count *uint8) uint32
	TranslateConnectorFunc = func(that, info, connector unsafe.Pointer) uint32
	ControllerStartFunc    = func(ctrl, provider unsafe.Pointer) bool
)

// AGDCValidateDetailedTiming is the link control event that validates a
// display mode.
const AGDCValidateDetailedTiming uint32 = 10

// ValidateTiming is the part of the validate event payload the link change
// shim reads and fixes.
var ValidateTiming = shim.MustLayout("AGDCValidateDetailedTiming", 0xE0,
	shim.Field{Name: "framebufferIndex", Offset: 0x0, Width: 4},
	shim.Field{Name: "modeStatus", Offset: 0xDA, Width: 2},
)

var (
	timingFramebuffer = ValidateTiming.MustField("framebufferIndex")
	timingModeStatus  = ValidateTiming.MustField("modeStatus")
)

type supportSlots struct {
	notifyLinkChange   route.Slot[NotifyLinkChangeFunc]
	initWithController route.Slot[InitWithControllerFunc]
	getConnectorInfo   route.Slot[GetConnectorInfoFunc]
	translateConnector route.Slot[TranslateConnectorFunc]
	controllerStart    route.Slot[ControllerStartFunc]
}

// SupportRoutes returns the mandatory AMDSupport routes.
func (r *RAD) SupportRoutes() []route.Entry {
	s := &r.support
	return []route.Entry{
		route.Override("__ZN13ATIController8TestVRAME13PCI_REG_INDEXb",
			shim.Constant3[unsafe.Pointer, uint32, bool](r.log, "TestVRAM", true), true),
		route.Request("__ZN16AtiDeviceControl16notifyLinkChangeE31kAGDCRegisterLinkControlEvent_tmj",
			r.notifyLinkChange, &s.notifyLinkChange, true),
		route.Request("__ZN11AtiAsicInfo18initWithControllerEP13ATIController",
			shim.Observe2(r.log, "initWithController", &s.initWithController), &s.initWithController, true),
	}
}

// ConnectorRoutes returns the connector override routes. The connector
// table routes apply only with a ConnectorFixer.
func (r *RAD) ConnectorRoutes() []route.Entry {
	s := &r.support
	fix := r.connectors != nil
	return []route.Entry{
		route.Request("__ZN14AtiBiosParser216getConnectorInfoEP13ConnectorInfoRh",
			r.getConnectorInfo, &s.getConnectorInfo, fix),
		route.Request("__ZN14AtiBiosParser226translateAtomConnectorInfoERN30AtiObjectInfoTableInterface_V217AtomConnectorInfoER13ConnectorInfo",
			r.translateConnector, &s.translateConnector, fix),
		route.Request("__ZN13ATIController5startEP9IOService", r.controllerStart, &s.controllerStart, true),
	}
}

func (r *RAD) processSupport(l *kextpatch.Load) error {
	if err := l.RouteAll(r.ConnectorRoutes()...); err != nil {
		l.Logger().Error().Err(err).Msg("failed to route connector overrides")
	}
	if err := l.RouteAll(r.SupportRoutes()...); err != nil {
		return fmt.Errorf("rad: failed to route AMDSupport symbols: %w", err)
	}
	_, err := l.ApplyPatches()
	return err
}

// notifyLinkChange accepts every detailed timing the driver rejected or
// left with an out of range status.
func (r *RAD) notifyLinkChange(that unsafe.Pointer, event uint32, data unsafe.Pointer, flags uint32) bool {
	ret := r.support.notifyLinkChange.Original()(that, event, data, flags)
	if event != AGDCValidateDetailedTiming || data == nil {
		return ret
	}
	status := timingModeStatus.Get(data)
	r.log.Debug().
		Uint64("framebuffer", timingFramebuffer.Get(data)).
		Bool("ret", ret).
		Uint64("status", status).
		Msg("AGDCValidateDetailedTiming")
	if !ret || status < 1 || status > 3 {
		timingModeStatus.Put(data, 2)
		ret = true
	}
	return ret
}

func (r *RAD) getConnectorInfo(that, connectors unsafe.Pointer, count *uint8) uint32 {
	code := r.support.getConnectorInfo.Original()(that, connectors, count)
	provider, ok := r.provider.Current()
	if code != 0 || count == nil || !ok || provider == nil {
		r.log.Debug().Uint32("code", code).Bool("provider", ok).Msg("getConnectorsInfo failed or provider undefined")
		return code
	}
	r.connectors.FixConnectors(provider, connectors, count, r.flags.DVISingleLink)
	return code
}

func (r *RAD) translateConnector(that, info, connector unsafe.Pointer) uint32 {
	code := r.support.translateConnector.Original()(that, info, connector)
	if code == 0 && info != nil && connector != nil {
		r.connectors.FixTranslated(info, connector)
	}
	return code
}

// controllerStart publishes provider to the nested connector shims for
// the duration of the original start. With VESA forced the controller never
// starts.
func (r *RAD) controllerStart(ctrl, provider unsafe.Pointer) bool {
	if r.flags.ForceVESA {
		r.log.Debug().Msg("disabling video acceleration on request")
		return false
	}
	release := r.provider.Enter(provider)
	defer release()
	ok := r.support.controllerStart.Original()(ctrl, provider)
	r.log.Debug().Bool("ret", ok).Msg("starting controller done")
	return ok
}
