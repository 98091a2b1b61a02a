package route

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/kextpatch/memmod"
	"github.com/sliverarmory/kextpatch/resolve"
)

const (
	imageBase = 0x10000
	arenaBase = 0x40000
)

func newInline(t *testing.T, code []byte) (*Inline, *memmod.Space) {
	t.Helper()
	space := memmod.NewSpace(memmod.DefaultPageSize)
	image, err := memmod.NewBuffer(imageBase, code, memmod.ProtRX)
	require.NoError(t, err)
	arena, err := memmod.NewBuffer(arenaBase, nil, memmod.ProtRWX)
	require.NoError(t, err)
	require.NoError(t, space.Map(image))
	require.NoError(t, space.Map(arena))
	return &Inline{
		Arch:   memmod.ArchAMD64,
		Memory: space,
		Guard:  memmod.NewGuard(space),
		Alloc:  memmod.NewArena(arena),
	}, space
}

func TestInlineRedirect(t *testing.T) {
	prologue := []byte{
		0x55,             // push rbp
		0x48, 0x89, 0xE5, // mov rbp, rsp
		0x41, 0x57, // push r15
		0x41, 0x56, // push r14
		0x53,                   // push rbx
		0x48, 0x83, 0xEC, 0x28, // sub rsp, 0x28
		0x49, 0x89, 0xFE, // mov r14, rdi
		0xC3,
	}
	code := make([]byte, 0x100)
	copy(code[0x40:], prologue)
	inline, space := newInline(t, code)

	res := resolve.New()
	require.NoError(t, res.Register(0, memmod.SymbolMap{"__ZN13ATIController5startEP9IOService": imageBase + 0x40}))

	const shim = uintptr(0x123450)
	var slot Slot[uintptr]
	err := New(res, inline).RouteAll(0, imageBase, len(code), []Entry{
		Request("__ZN13ATIController5startEP9IOService", shim, &slot, true),
	})
	require.NoError(t, err)

	wantStub, err := memmod.JumpStub(memmod.ArchAMD64, imageBase+0x40, shim)
	require.NoError(t, err)
	got, err := space.Slice(imageBase+0x40, len(wantStub))
	require.NoError(t, err)
	assert.Equal(t, wantStub, got)

	tramp := slot.Original()
	assert.Equal(t, uintptr(arenaBase), tramp)
	back, err := memmod.JumpStub(memmod.ArchAMD64, tramp+16, imageBase+0x40+16)
	require.NoError(t, err)
	got, err = space.Slice(tramp, 16+len(back))
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte(nil), prologue[:16]...), back...), got)

	prot, err := space.Protection(imageBase + 0x40)
	require.NoError(t, err)
	assert.Equal(t, memmod.ProtRX, prot)
}

func TestInlineRedirectAtImageEnd(t *testing.T) {
	prologue := []byte{
		0x55,             // push rbp
		0x48, 0x89, 0xE5, // mov rbp, rsp
		0x41, 0x57, // push r15
		0x41, 0x56, // push r14
		0x53,                   // push rbx
		0x48, 0x83, 0xEC, 0x28, // sub rsp, 0x28
		0x49, 0x89, 0xFE, // mov r14, rdi
		0xC3,
	}
	code := make([]byte, memmod.DefaultPageSize)
	entry := len(code) - len(prologue)
	copy(code[entry:], prologue)
	inline, space := newInline(t, code)

	redir, err := inline.Prepare(imageBase+uintptr(entry), uintptr(0x123450))
	require.NoError(t, err)
	require.NoError(t, redir.Commit())

	tramp := redir.Original().(uintptr)
	got, err := space.Slice(tramp, 16)
	require.NoError(t, err)
	assert.Equal(t, prologue[:16], got)

	// fewer bytes than the stub are left before the end
	_, err = inline.Prepare(imageBase+uintptr(len(code)-4), uintptr(0x123450))
	require.ErrorIs(t, err, memmod.ErrUnmapped)
}

func TestInlineRefusesRelativePrologue(t *testing.T) {
	code := make([]byte, 0x100)
	// call rel32 in the bytes the stub would cover
	copy(code, []byte{0x55, 0xE8, 0x10, 0x00, 0x00, 0x00, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90})
	copy(code[0x20:], []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90})
	inline, space := newInline(t, code)

	res := resolve.New()
	require.NoError(t, res.Register(0, memmod.SymbolMap{"_bad": imageBase, "_good": imageBase + 0x20}))

	var good Slot[uintptr]
	err := New(res, inline).RouteAll(0, imageBase, len(code), []Entry{
		Request("_good", uintptr(0x1000), &good, true),
		Override("_bad", uintptr(0x2000), true),
	})
	var batch *BatchError
	require.True(t, errors.As(err, &batch))
	assert.Equal(t, []string{"_bad"}, batch.Symbols())
	require.ErrorIs(t, err, memmod.ErrRelativeInstruction)

	got, err := space.Slice(imageBase, len(code))
	require.NoError(t, err)
	assert.Equal(t, code, got)
	assert.False(t, good.Installed())
}

func TestInlineRejectsFuncReplacement(t *testing.T) {
	inline, _ := newInline(t, make([]byte, 0x40))
	_, err := inline.Prepare(imageBase, func() {})
	require.Error(t, err)
}
