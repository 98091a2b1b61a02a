package radeon

import (
	"fmt"
	"unsafe"

	"github.com/sliverarmory/kextpatch"
	"github.com/sliverarmory/kextpatch/route"
	"github.com/sliverarmory/kextpatch/shim"
)

// Signatures of the AMD10000Controller functions RAD replaces.
type (
	FindProjectFunc    = func(that, props unsafe.Pointer) uint32
	ControllerInitFunc = func(that unsafe.Pointer) uint64
)

type controllerSlots struct {
	initializeProjectDependentResources route.Slot[ControllerInitFunc]
	hwInitializeFbMemSize               route.Slot[ControllerInitFunc]
	hwInitializeFbBase                  route.Slot[ControllerInitFunc]
}

// ControllerRoutes returns the AMD10000Controller routes. The part number
// lookup always fails so the controller falls back to its generic project.
func (r *RAD) ControllerRoutes() []route.Entry {
	s := &r.controller
	return []route.Entry{
		route.Override("__ZN18AMD10000Controller23findProjectByPartNumberEP20ControllerProperties",
			shim.Constant2[unsafe.Pointer, unsafe.Pointer](r.log, "findProjectByPartNumber", kIOReturnNotFound), true),
		route.Request("__ZN18AMD10000Controller35initializeProjectDependentResourcesEv",
			shim.Observe1(r.log, "initializeProjectDependentResources", &s.initializeProjectDependentResources),
			&s.initializeProjectDependentResources, true),
		route.Request("__ZN18AMD10000Controller21hwInitializeFbMemSizeEv",
			shim.Observe1(r.log, "hwInitializeFbMemSize", &s.hwInitializeFbMemSize), &s.hwInitializeFbMemSize, true),
		route.Request("__ZN18AMD10000Controller18hwInitializeFbBaseEv",
			shim.Observe1(r.log, "hwInitializeFbBase", &s.hwInitializeFbBase), &s.hwInitializeFbBase, true),
	}
}

func (r *RAD) processController(l *kextpatch.Load) error {
	l.Logger().Debug().Msg("hooking AMD10000Controller")
	if err := l.RouteAll(r.ControllerRoutes()...); err != nil {
		return fmt.Errorf("rad: failed to route AMD10000Controller symbols: %w", err)
	}
	return nil
}
