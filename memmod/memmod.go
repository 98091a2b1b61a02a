// Package memmod provides the host-side primitives the patch engine works
// on: addressable image memory, page protection, the write guard that
// brackets every mutation, symbol tables of loaded images and the native
// branch encodings used for inline redirection.
package memmod

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnmapped  = errors.New("address range is not mapped")
	ErrProtected = errors.New("address range is not writable")
	ErrNoSymbol  = errors.New("symbol not found")
)

// Prot is a page protection bit set.
type Prot uint8

const (
	ProtNone Prot = 0
	ProtR    Prot = 1 << 0
	ProtW    Prot = 1 << 1
	ProtX    Prot = 1 << 2

	ProtRW  = ProtR | ProtW
	ProtRX  = ProtR | ProtX
	ProtRWX = ProtR | ProtW | ProtX
)

func (p Prot) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit Prot
		c   byte
	}{{ProtR, 'r'}, {ProtW, 'w'}, {ProtX, 'x'}} {
		if p&f.bit != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// A Protector changes and reports page protection.
type Protector interface {
	// PageSize is the protection granularity.
	PageSize() uintptr
	// Protection reports the protection of the page containing addr.
	Protection(addr uintptr) (Prot, error)
	// Protect sets the protection of every page overlapping [addr, addr+n).
	Protect(addr uintptr, n int, prot Prot) error
}

// Memory is an address space holding loaded images.
type Memory interface {
	Protector
	// Slice returns a view of [addr, addr+n). Writing through the view
	// bypasses protection checks; use Write for mutations.
	Slice(addr uintptr, n int) ([]byte, error)
	// Write copies b to addr. The range must currently be writable.
	Write(addr uintptr, b []byte) error
}

// An Allocator hands out executable memory for trampolines.
type Allocator interface {
	Alloc(n int) (uintptr, error)
}

func alignDown(v, a uintptr) uintptr {
	if a == 0 {
		return v
	}
	return v &^ (a - 1)
}

func alignUp(v, a uintptr) uintptr {
	if a == 0 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

// pageSpan returns the page-aligned range covering [addr, addr+n).
func pageSpan(addr uintptr, n int, pageSize uintptr) (start, end uintptr) {
	return alignDown(addr, pageSize), alignUp(addr+uintptr(n), pageSize)
}

func rangeError(err error, addr uintptr, n int) error {
	return fmt.Errorf("%w: [%#x, %#x)", err, addr, addr+uintptr(n))
}
