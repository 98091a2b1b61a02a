package radeon

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/sliverarmory/kextpatch"
	"github.com/sliverarmory/kextpatch/route"
	"github.com/sliverarmory/kextpatch/shim"
)

// Signatures of the HWLibs functions RAD replaces.
type (
	TtlIsPicassoFunc       = func(dev unsafe.Pointer) bool
	TtlServicesCtorFunc    = func(that, provider unsafe.Pointer)
	TtlInitializeFunc      = func(that, input unsafe.Pointer) uint32
	TtlSetSmuFwVersionFunc = func(tls, version unsafe.Pointer) uint64
	IpiSetFwEntryFunc      = func(tls, entry unsafe.Pointer) uint64
	IpiSmuSwInitFunc       = func(tls unsafe.Pointer) uint64
)

// symDeviceTypeTable is the table mapping PCI device ids to device types.
const symDeviceTypeTable = "__ZL15deviceTypeTable"

// The first table entry is rewritten to map the device to deviceTypeRaven.
const (
	deviceTypeTableEntryLen        = 8
	deviceTypeRaven         uint32 = 6
)

type hwlibsSlots struct {
	isPicasso       route.Slot[TtlIsPicassoFunc]
	servicesCtor    route.Slot[TtlServicesCtorFunc]
	initialize      route.Slot[TtlInitializeFunc]
	setSmuFwVersion route.Slot[TtlSetSmuFwVersionFunc]
	ipiSetFwEntry   route.Slot[IpiSetFwEntryFunc]
	ipiSmuSwInit    route.Slot[IpiSmuSwInitFunc]
}

// HWLibsRoutes returns the HWLibs routes.
func (r *RAD) HWLibsRoutes() []route.Entry {
	s := &r.hwlibs
	return []route.Entry{
		route.Request("_ttlIsPicassoAM4Device", shim.Observe1(r.log, "ttlIsPicassoAM4Device", &s.isPicasso), &s.isPicasso, true),
		route.Request("__ZN14AmdTtlServicesC2EP11IOPCIDevice", r.ttlServicesCtor, &s.servicesCtor, true),
		route.Request("__ZN14AmdTtlServices10initializeEP30_TtlLibraryInitializationInput",
			shim.Observe2(r.log, "TTL::initialize", &s.initialize), &s.initialize, true),
		route.Request("_ttlDevSetSmuFwVersion", shim.Observe2(r.log, "ttlDevSetSmuFwVersion", &s.setSmuFwVersion), &s.setSmuFwVersion, true),
		route.Request("_IpiSetFwEntry", shim.Observe2(r.log, "IpiSetFwEntry", &s.ipiSetFwEntry), &s.ipiSetFwEntry, true),
		route.Request("_ipi_smu_sw_init", shim.Observe1(r.log, "ipi_smu_sw_init", &s.ipiSmuSwInit), &s.ipiSmuSwInit, true),
	}
}

func (r *RAD) processHWLibs(l *kextpatch.Load) error {
	l.Logger().Debug().Msg("resolving device type table")
	table, err := l.Resolve(symDeviceTypeTable)
	if err != nil {
		return fmt.Errorf("rad: failed to resolve device type table: %w", err)
	}
	r.deviceTypeTable = table
	r.tableWriter = l

	if err := l.RouteAll(r.HWLibsRoutes()...); err != nil {
		return fmt.Errorf("rad: failed to route AMDRadeonX5000HWLibs symbols: %w", err)
	}
	_, err = l.ApplyPatches()
	return err
}

// ttlServicesCtor points the first device type table entry at the device
// before the TTL services read the table.
func (r *RAD) ttlServicesCtor(that, provider unsafe.Pointer) {
	entry := make([]byte, deviceTypeTableEntryLen)
	binary.NativeEndian.PutUint32(entry[0:], uint32(r.dev.ID))
	binary.NativeEndian.PutUint32(entry[4:], deviceTypeRaven)
	r.log.Info().Uint16("device", r.dev.ID).Msg("patching device type table")
	if err := r.tableWriter.Write(r.deviceTypeTable, entry); err != nil {
		r.log.Error().Err(err).Msg("failed to patch device type table")
	}
	r.hwlibs.servicesCtor.Original()(that, provider)
}
