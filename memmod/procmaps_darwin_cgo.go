//go:build darwin && cgo

package memmod

/*
#include <stdint.h>
#include <mach/mach.h>
#include <mach/mach_vm.h>

// kextpatch_region_prot stores the protection of the region containing addr
// as r=1 w=2 x=4. It returns -1 when addr is not inside any region.
static int kextpatch_region_prot(uintptr_t addr, int *prot) {
	mach_vm_address_t start = addr;
	mach_vm_size_t size = 0;
	vm_region_basic_info_data_64_t info;
	mach_msg_type_number_t count = VM_REGION_BASIC_INFO_COUNT_64;
	mach_port_t object = MACH_PORT_NULL;
	kern_return_t kr = mach_vm_region(mach_task_self(), &start, &size,
		VM_REGION_BASIC_INFO_64, (vm_region_info_t)&info, &count, &object);
	if (kr != KERN_SUCCESS) {
		return kr;
	}
	if (start > addr) {
		return -1;
	}
	*prot = 0;
	if (info.protection & VM_PROT_READ) *prot |= 1;
	if (info.protection & VM_PROT_WRITE) *prot |= 2;
	if (info.protection & VM_PROT_EXECUTE) *prot |= 4;
	return KERN_SUCCESS;
}
*/
import "C"

import "fmt"

func currentProtection(addr uintptr) (Prot, error) {
	var prot C.int
	switch kr := int(C.kextpatch_region_prot(C.uintptr_t(addr), &prot)); kr {
	case 0:
	case -1, C.KERN_INVALID_ADDRESS:
		return ProtNone, rangeError(ErrUnmapped, addr, 1)
	default:
		return ProtNone, fmt.Errorf("mach_vm_region(%#x): kern_return %d", addr, kr)
	}
	return Prot(prot) & ProtRWX, nil
}
