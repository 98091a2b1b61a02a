package route

import (
	"errors"
	"fmt"

	"github.com/sliverarmory/kextpatch/memmod"
)

// prologueWindow is how much of an entry is read for relocation, less where
// the mapping ends sooner.
const prologueWindow = 32

// Inline redirects native entry points by writing an absolute jump over the
// start of the function. The displaced instructions are relocated into a
// trampoline that jumps back behind the stub; the trampoline's address is
// the original handed to the route's slot. Replacements and originals are
// native addresses (uintptr).
type Inline struct {
	Arch   memmod.Arch
	Memory memmod.Memory
	Guard  *memmod.Guard
	Alloc  memmod.Allocator
}

func (in *Inline) Prepare(entry uintptr, replacement any) (Redirection, error) {
	to, ok := replacement.(uintptr)
	if !ok || to == 0 {
		return nil, fmt.Errorf("inline replacement for %#x must be a native address, got %T", entry, replacement)
	}
	stub, err := memmod.JumpStub(in.Arch, entry, to)
	if err != nil {
		return nil, err
	}
	code, err := in.prologue(entry, len(stub))
	if err != nil {
		return nil, err
	}
	moved, err := memmod.Relocate(in.Arch, code, len(stub))
	if err != nil {
		return nil, fmt.Errorf("relocate prologue at %#x: %w", entry, err)
	}

	tramp, err := in.Alloc.Alloc(len(moved) + memmod.StubLen(in.Arch))
	if err != nil {
		return nil, fmt.Errorf("allocate trampoline for %#x: %w", entry, err)
	}
	back, err := memmod.JumpStub(in.Arch, tramp+uintptr(len(moved)), entry+uintptr(len(moved)))
	if err != nil {
		return nil, err
	}
	if err := in.Guard.Write(in.Memory, tramp, append(moved, back...)); err != nil {
		return nil, fmt.Errorf("write trampoline for %#x: %w", entry, err)
	}
	return &inlineRedirect{in: in, entry: entry, trampoline: tramp, stub: stub}, nil
}

// prologue reads up to prologueWindow bytes at entry. At least min bytes
// must be mapped.
func (in *Inline) prologue(entry uintptr, min int) ([]byte, error) {
	var err error
	for n := prologueWindow; n >= min; n-- {
		var code []byte
		if code, err = in.Memory.Slice(entry, n); err == nil {
			return code, nil
		}
		if !errors.Is(err, memmod.ErrUnmapped) {
			break
		}
	}
	return nil, fmt.Errorf("read prologue at %#x: %w", entry, err)
}

type inlineRedirect struct {
	in         *Inline
	entry      uintptr
	trampoline uintptr
	stub       []byte
}

func (r *inlineRedirect) Original() any { return r.trampoline }

// TODO: flush the instruction cache after the write on arm64 hosts.
func (r *inlineRedirect) Commit() error {
	return r.in.Guard.Write(r.in.Memory, r.entry, r.stub)
}
