package radeon

import (
	"unsafe"

	"github.com/sliverarmory/kextpatch"
	"github.com/sliverarmory/kextpatch/route"
	"github.com/sliverarmory/kextpatch/shim"
)

// GetHWInfoFunc is the signature of the accelerator video context's
// hardware info query.
type GetHWInfoFunc = func(that, hwInfo unsafe.Pointer) uint32

// HWInfo is the part of the hardware info the codec route rewrites.
var HWInfo = shim.MustLayout("sHardwareInfo", 0x8,
	shim.Field{Name: "deviceId", Offset: 0x4, Width: 2},
)

var hwInfoDeviceID = HWInfo.MustField("deviceId")

type hardwareSlots struct {
	getHWInfo route.Slot[GetHWInfoFunc]
}

// HardwareRoutes returns the observers of the X5000 accelerator bring-up
// and, with codec info forced, the hardware info route.
func (r *RAD) HardwareRoutes() []route.Entry {
	const (
		accel  = "__ZN37AMDRadeonX5000_AMDGraphicsAccelerator"
		hw     = "__ZN26AMDRadeonX5000_AMDHardware"
		vega10 = "__ZN32AMDRadeonX5000_AMDVega10Hardware"
		gfx9   = "__ZN30AMDRadeonX5000_AMDGFX9Hardware"
		rt     = "__ZN28AMDRadeonX5000_AMDRTHardware"
	)
	type ptr = unsafe.Pointer
	log := r.log
	s := &r.hardware
	return []route.Entry{
		observer2[ptr, ptr, uint64](log, accel+"15configureDeviceEP11IOPCIDevice", "configureDevice"),
		observer2[ptr, ptr, ptr](log, accel+"14initLinkToPeerEPKc", "initLinkToPeer"),
		observer1[ptr, uint64](log, accel+"15createHWHandlerEv", "createHWHandler"),
		observer2[ptr, ptr, uint64](log, accel+"17createHWInterfaceEP11IOPCIDevice", "createHWInterface"),
		observer1[ptr, uint64](log, hw+"11getHWMemoryEv", "getHWMemory"),
		observer1[ptr, uint64](log, vega10+"19getATIChipConfigBitEv", "getATIChipConfigBit"),
		observer1[ptr, uint64](log, hw+"22allocateAMDHWRegistersEv", "allocateAMDHWRegisters"),
		observer1[ptr, bool](log, hw+"9setupCAILEv", "setupCAIL"),
		observer1[ptr, uint64](log, gfx9+"23initializeHWWorkaroundsEv", "initializeHWWorkarounds"),
		observer1[ptr, uint64](log, gfx9+"25allocateAMDHWAlignManagerEv", "allocateAMDHWAlignManager"),
		observer1[ptr, bool](log, hw+"17mapDoorbellMemoryEv", "mapDoorbellMemory"),
		observer1[ptr, uint64](log, "__ZN27AMDRadeonX5000_AMDHWHandler8getStateEv", "getState"),
		observer2[ptr, ptr, uint32](log, rt+"13initializeTtlEP16_GART_PARAMETERS", "initializeTtl"),
		observer1[ptr, uint64](log, rt+"22configureRegisterBasesEv", "configureRegisterBases"),
		observer1[ptr, uint8](log, vega10+"23readChipRevFromRegisterEv", "readChipRevFromRegister"),
		route.Request("__ZN35AMDRadeonX5000_AMDAccelVideoContext9getHWInfoEP13sHardwareInfo",
			r.getHWInfo, &s.getHWInfo, r.flags.ForceCodecInfo),
	}
}

func (r *RAD) processHardware(l *kextpatch.Load) error {
	if err := l.RouteAll(r.HardwareRoutes()...); err != nil {
		l.Logger().Error().Err(err).Msg("failed to route accelerator symbols")
	}
	_, err := l.ApplyPatches()
	return err
}

// getHWInfo reports the codec device id so GVA accepts the device.
func (r *RAD) getHWInfo(that, hwInfo unsafe.Pointer) uint32 {
	ret := r.hardware.getHWInfo.Original()(that, hwInfo)
	if hwInfo == nil {
		return ret
	}
	id := r.dev.CodecID
	if id == 0 {
		id = r.dev.ID
	}
	r.log.Debug().
		Uint64("original", hwInfoDeviceID.Get(hwInfo)).
		Uint16("replaced", id).
		Msg("getHWInfo")
	hwInfoDeviceID.Put(hwInfo, uint64(id))
	return ret
}
