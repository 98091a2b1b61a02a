//go:build linux || darwin

package memmod

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Process is the live memory of the current process. Protection changes go
// through mprotect; the prior protection comes from the kernel's mapping
// table where the platform exposes one.
type Process struct {
	pageSize uintptr

	mu     sync.Mutex
	arenas [][]byte
	free   []byte
}

// NewProcess returns the current process address space.
func NewProcess() *Process {
	return &Process{pageSize: uintptr(unix.Getpagesize())}
}

func (p *Process) PageSize() uintptr { return p.pageSize }

func (p *Process) Protection(addr uintptr) (Prot, error) {
	return currentProtection(addr)
}

func (p *Process) Protect(addr uintptr, n int, prot Prot) error {
	start, end := pageSpan(addr, n, p.pageSize)
	page := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)
	if err := unix.Mprotect(page, unixProt(prot)); err != nil {
		return fmt.Errorf("mprotect(%#x, %#x, %s): %w", start, end-start, prot, err)
	}
	return nil
}

func (p *Process) Slice(addr uintptr, n int) ([]byte, error) {
	if addr == 0 || n < 0 {
		return nil, rangeError(ErrUnmapped, addr, n)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n), nil
}

// Write copies b to addr. Every page of the range must be writable;
// otherwise Write fails with ErrProtected before touching memory.
func (p *Process) Write(addr uintptr, b []byte) error {
	dst, err := p.Slice(addr, len(b))
	if err != nil {
		return err
	}
	start, end := pageSpan(addr, len(b), p.pageSize)
	for page := start; page < end; page += p.pageSize {
		prot, err := currentProtection(page)
		if err != nil {
			return err
		}
		if prot&ProtW == 0 {
			return rangeError(ErrProtected, addr, len(b))
		}
	}
	copy(dst, b)
	return nil
}

// Alloc returns executable memory from anonymous RWX mappings. Mappings are
// never unmapped; trampolines live as long as the routes using them.
func (p *Process) Alloc(n int) (uintptr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("invalid allocation size %d", n)
	}
	n = int(alignUp(uintptr(n), arenaAlign))

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) < n {
		size := int(alignUp(uintptr(n), p.pageSize))
		if size < 4*int(p.pageSize) {
			size = 4 * int(p.pageSize)
		}
		mem, err := unix.Mmap(-1, 0, size,
			unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
			unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return 0, fmt.Errorf("mmap executable arena: %w", err)
		}
		p.arenas = append(p.arenas, mem)
		p.free = mem
	}
	addr := uintptr(unsafe.Pointer(&p.free[0]))
	p.free = p.free[n:]
	return addr, nil
}

func unixProt(prot Prot) int {
	out := unix.PROT_NONE
	if prot&ProtR != 0 {
		out |= unix.PROT_READ
	}
	if prot&ProtW != 0 {
		out |= unix.PROT_WRITE
	}
	if prot&ProtX != 0 {
		out |= unix.PROT_EXEC
	}
	return out
}
