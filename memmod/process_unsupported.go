//go:build !linux && !darwin

package memmod

import "errors"

var errProcessUnsupported = errors.New("process memory is only supported on linux and darwin")

type Process struct{}

func NewProcess() *Process { return &Process{} }

func (p *Process) PageSize() uintptr { return DefaultPageSize }

func (p *Process) Protection(addr uintptr) (Prot, error) {
	_ = addr
	return ProtNone, errProcessUnsupported
}

func (p *Process) Protect(addr uintptr, n int, prot Prot) error {
	_, _, _ = addr, n, prot
	return errProcessUnsupported
}

func (p *Process) Slice(addr uintptr, n int) ([]byte, error) {
	_, _ = addr, n
	return nil, errProcessUnsupported
}

func (p *Process) Write(addr uintptr, b []byte) error {
	_, _ = addr, b
	return errProcessUnsupported
}

func (p *Process) Alloc(n int) (uintptr, error) {
	_ = n
	return 0, errProcessUnsupported
}
