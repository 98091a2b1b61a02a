//go:build darwin && cgo

package memmod

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestProcessGuardRestoresWritablePage(t *testing.T) {
	proc := NewProcess()
	size := int(proc.PageSize()) * 2
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(mem) })
	base := uintptr(unsafe.Pointer(&mem[0]))
	require.NoError(t, unix.Mprotect(mem[proc.PageSize():], unix.PROT_READ))

	prot, err := proc.Protection(base)
	require.NoError(t, err)
	require.Equal(t, ProtRW, prot)
	prot, err = proc.Protection(base + proc.PageSize())
	require.NoError(t, err)
	require.Equal(t, ProtR, prot)

	require.ErrorIs(t, proc.Write(base+proc.PageSize(), []byte{1}), ErrProtected)

	guard := NewGuard(proc)
	require.NoError(t, guard.Write(proc, base+proc.PageSize()-1, []byte{1, 2}))
	assert.Equal(t, []byte{1, 2}, mem[proc.PageSize()-1:proc.PageSize()+1])

	prot, err = proc.Protection(base)
	require.NoError(t, err)
	assert.Equal(t, ProtRW, prot)
	prot, err = proc.Protection(base + proc.PageSize())
	require.NoError(t, err)
	assert.Equal(t, ProtR, prot)
}
