package memmod

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

var ErrRelativeInstruction = errors.New("prologue contains a pc-relative instruction")

// Relocate copies the whole instructions at the start of code that cover at
// least min bytes, so they can run from a trampoline. Instructions that
// address relative to the program counter cannot be moved and are refused.
func Relocate(arch Arch, code []byte, min int) ([]byte, error) {
	if min <= 0 {
		return nil, fmt.Errorf("invalid relocation length %d", min)
	}
	switch arch {
	case ArchAMD64:
		return relocateX86(code, min, 64)
	case Arch386:
		return relocateX86(code, min, 32)
	case ArchARM64:
		return relocateARM64(code, min)
	default:
		return nil, fmt.Errorf("cannot relocate %s code", arch)
	}
}

func relocateX86(code []byte, min, mode int) ([]byte, error) {
	n := 0
	for n < min {
		if n >= len(code) {
			return nil, fmt.Errorf("prologue shorter than %d bytes", min)
		}
		inst, err := x86asm.Decode(code[n:], mode)
		if err != nil {
			return nil, fmt.Errorf("decode at +%#x: %w", n, err)
		}
		if x86Relative(inst) {
			return nil, fmt.Errorf("%w: %s at +%#x", ErrRelativeInstruction, inst, n)
		}
		n += inst.Len
	}
	out := make([]byte, n)
	copy(out, code[:n])
	return out, nil
}

func x86Relative(inst x86asm.Inst) bool {
	if inst.PCRel != 0 {
		return true
	}
	for _, arg := range inst.Args {
		switch a := arg.(type) {
		case nil:
			return false
		case x86asm.Rel:
			return true
		case x86asm.Mem:
			if a.Base == x86asm.RIP || a.Base == x86asm.EIP {
				return true
			}
		}
	}
	return false
}

// arm64 encodings that compute an address from the program counter.
var arm64Relative = []struct{ mask, value uint32 }{
	{0x1F000000, 0x10000000}, // adr, adrp
	{0x7C000000, 0x14000000}, // b, bl
	{0x7E000000, 0x34000000}, // cbz, cbnz
	{0x7E000000, 0x36000000}, // tbz, tbnz
	{0xFF000010, 0x54000000}, // b.cond
	{0x3B000000, 0x18000000}, // ldr (literal), ldrsw, prfm
}

func relocateARM64(code []byte, min int) ([]byte, error) {
	n := int(alignUp(uintptr(min), 4))
	if len(code) < n {
		return nil, fmt.Errorf("prologue shorter than %d bytes", n)
	}
	for off := 0; off < n; off += 4 {
		word := binary.LittleEndian.Uint32(code[off:])
		for _, r := range arm64Relative {
			if word&r.mask == r.value {
				return nil, fmt.Errorf("%w: %#08x at +%#x", ErrRelativeInstruction, word, off)
			}
		}
	}
	out := make([]byte, n)
	copy(out, code[:n])
	return out, nil
}
