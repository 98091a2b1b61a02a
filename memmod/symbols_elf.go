package memmod

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
)

// Layout selects how symbol values are turned into image offsets.
type Layout int

const (
	// FileLayout gives offsets into the on-disk file, for images mapped
	// flat (patching a file in place).
	FileLayout Layout = iota
	// VMLayout gives offsets from the image load base, for images mapped
	// by a loader.
	VMLayout
)

func (l Layout) String() string {
	switch l {
	case FileLayout:
		return "file"
	case VMLayout:
		return "vm"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// ELFSymbols reads the dynamic and static symbol tables of an ELF image.
func ELFSymbols(data []byte, layout Layout) (*SymbolTable, Arch, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, ArchUnknown, fmt.Errorf("invalid ELF image: %w", err)
	}
	defer f.Close()

	arch, err := elfArch(f.Machine)
	if err != nil {
		return nil, ArchUnknown, err
	}

	var syms []Symbol
	dyn, dynErr := f.DynamicSymbols()
	if dynErr == nil {
		syms = appendELFSymbols(syms, f, dyn, layout)
	}
	static, staticErr := f.Symbols()
	if staticErr == nil {
		syms = appendELFSymbols(syms, f, static, layout)
	}
	if dynErr != nil && staticErr != nil {
		return nil, arch, fmt.Errorf("read ELF symbols: %w", errors.Join(dynErr, staticErr))
	}
	return NewSymbolTable("elf", syms), arch, nil
}

func appendELFSymbols(out []Symbol, f *elf.File, symbols []elf.Symbol, layout Layout) []Symbol {
	for _, s := range symbols {
		if s.Value == 0 || s.Section == elf.SHN_UNDEF || s.Section >= elf.SHN_LORESERVE {
			continue
		}
		off := s.Value
		if layout == FileLayout {
			if int(s.Section) >= len(f.Sections) {
				continue
			}
			sect := f.Sections[s.Section]
			if sect.Type == elf.SHT_NOBITS || s.Value < sect.Addr {
				continue
			}
			off = sect.Offset + (s.Value - sect.Addr)
		}
		out = append(out, Symbol{Name: s.Name, Offset: off})
	}
	return out
}

func elfArch(machine elf.Machine) (Arch, error) {
	switch machine {
	case elf.EM_X86_64:
		return ArchAMD64, nil
	case elf.EM_AARCH64:
		return ArchARM64, nil
	case elf.EM_386:
		return Arch386, nil
	default:
		return ArchUnknown, fmt.Errorf("unsupported ELF machine: %s", machine)
	}
}
