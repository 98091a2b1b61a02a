package memmod

import (
	"encoding/binary"
	"fmt"
	"runtime"
)

// Arch identifies an instruction set.
type Arch int

const (
	ArchUnknown Arch = iota
	ArchAMD64
	ArchARM64
	Arch386
)

func (a Arch) String() string {
	switch a {
	case ArchAMD64:
		return "amd64"
	case ArchARM64:
		return "arm64"
	case Arch386:
		return "386"
	default:
		return "unknown"
	}
}

// HostArch returns the architecture the process runs on.
func HostArch() Arch {
	switch runtime.GOARCH {
	case "amd64":
		return ArchAMD64
	case "arm64":
		return ArchARM64
	case "386":
		return Arch386
	default:
		return ArchUnknown
	}
}

// ParseArch accepts GOARCH-style names.
func ParseArch(s string) (Arch, error) {
	switch s {
	case "amd64", "x86_64":
		return ArchAMD64, nil
	case "arm64", "aarch64":
		return ArchARM64, nil
	case "386", "i386":
		return Arch386, nil
	case "", "auto":
		return ArchUnknown, nil
	default:
		return ArchUnknown, fmt.Errorf("unsupported architecture %q", s)
	}
}

// StubLen returns the length of the branch JumpStub emits for arch, or 0.
func StubLen(arch Arch) int {
	switch arch {
	case ArchAMD64:
		return 14
	case ArchARM64:
		return 16
	default:
		return 0
	}
}

// JumpStub encodes an absolute branch to to, suitable for writing at from.
// Both encodings clobber nothing the callee can observe except x16 on
// arm64, which the AAPCS reserves for veneers.
func JumpStub(arch Arch, from, to uintptr) ([]byte, error) {
	_ = from
	switch arch {
	case ArchAMD64:
		// jmp qword ptr [rip+0]; .quad to
		stub := []byte{0xFF, 0x25, 0x00, 0x00, 0x00, 0x00, 0, 0, 0, 0, 0, 0, 0, 0}
		binary.LittleEndian.PutUint64(stub[6:], uint64(to))
		return stub, nil
	case ArchARM64:
		stub := make([]byte, 16)
		binary.LittleEndian.PutUint32(stub[0:], 0x58000050) // ldr x16, #8
		binary.LittleEndian.PutUint32(stub[4:], 0xD61F0200) // br x16
		binary.LittleEndian.PutUint64(stub[8:], uint64(to))
		return stub, nil
	default:
		return nil, fmt.Errorf("no jump stub encoding for %s", arch)
	}
}
