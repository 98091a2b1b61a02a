//go:build darwin && !cgo

package memmod

import "errors"

// Without cgo there is no way to ask the kernel for a region's protection.
// Guessing would restore the wrong protection after a guarded write.
var errProtectionUnavailable = errors.New("page protection lookup needs cgo on darwin")

func currentProtection(addr uintptr) (Prot, error) {
	_ = addr
	return ProtNone, errProtectionUnavailable
}
