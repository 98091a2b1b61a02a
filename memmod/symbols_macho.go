package memmod

import (
	"bytes"
	dmacho "debug/macho"
	"errors"
	"fmt"

	"github.com/blacktop/go-macho"
)

// Kernel extensions are MH_KEXT_BUNDLE, which debug/macho has no name for.
const machoTypeKextBundle dmacho.Type = 0xb

// MachOSymbols reads the symbol table of a thin or fat Mach-O image. For fat
// images the slice for arch is used.
func MachOSymbols(data []byte, arch Arch, layout Layout) (*SymbolTable, Arch, error) {
	slice, sliceArch, err := selectMachOSlice(data, arch)
	if err != nil {
		return nil, ArchUnknown, err
	}

	f, err := macho.NewFile(bytes.NewReader(slice))
	if err != nil {
		return nil, sliceArch, fmt.Errorf("invalid Mach-O image: %w", err)
	}
	defer f.Close()

	if f.Symtab == nil {
		return nil, sliceArch, errors.New("Mach-O image has no symbol table")
	}

	var textAddr uint64
	if text := f.Segment("__TEXT"); text != nil {
		textAddr = text.Addr
	}

	syms := make([]Symbol, 0, len(f.Symtab.Syms))
	for _, sym := range f.Symtab.Syms {
		if sym.Value == 0 || sym.Sect == 0 {
			continue
		}
		var off uint64
		switch layout {
		case FileLayout:
			off, err = f.GetOffset(sym.Value)
			if err != nil {
				continue
			}
		default:
			if sym.Value < textAddr {
				continue
			}
			off = sym.Value - textAddr
		}
		syms = append(syms, Symbol{Name: sym.Name, Offset: off})
	}
	return NewSymbolTable("macho", syms), sliceArch, nil
}

// selectMachOSlice returns the thin image for arch. ArchUnknown picks the
// only slice, or x86_64 when a fat image carries several.
func selectMachOSlice(data []byte, arch Arch) ([]byte, Arch, error) {
	if fat, err := dmacho.NewFatFile(bytes.NewReader(data)); err == nil {
		defer fat.Close()
		want := arch
		if want == ArchUnknown {
			want = ArchAMD64
			if len(fat.Arches) == 1 {
				if a, err := machoArch(fat.Arches[0].Cpu); err == nil {
					want = a
				}
			}
		}
		for _, fa := range fat.Arches {
			a, err := machoArch(fa.Cpu)
			if err != nil || a != want {
				continue
			}
			offset := int(fa.Offset)
			size := int(fa.Size)
			if offset < 0 || size <= 0 || offset+size > len(data) {
				return nil, ArchUnknown, errors.New("invalid fat Mach-O slice bounds")
			}
			slice := data[offset : offset+size]
			if _, err := validateThinMachO(slice); err != nil {
				return nil, ArchUnknown, err
			}
			return slice, a, nil
		}
		return nil, ArchUnknown, fmt.Errorf("no %s slice in fat Mach-O", want)
	}

	a, err := validateThinMachO(data)
	if err != nil {
		return nil, ArchUnknown, err
	}
	if arch != ArchUnknown && a != arch {
		return nil, ArchUnknown, fmt.Errorf("foreign platform (provided: %s, expected: %s)", a, arch)
	}
	return data, a, nil
}

func validateThinMachO(data []byte) (Arch, error) {
	file, err := dmacho.NewFile(bytes.NewReader(data))
	if err != nil {
		return ArchUnknown, fmt.Errorf("invalid Mach-O image: %w", err)
	}
	defer file.Close()

	switch file.Type {
	case dmacho.TypeDylib, dmacho.TypeBundle, dmacho.TypeExec, machoTypeKextBundle:
	default:
		return ArchUnknown, fmt.Errorf("unsupported Mach-O file type: %v", file.Type)
	}
	return machoArch(file.Cpu)
}

func machoArch(cpu dmacho.Cpu) (Arch, error) {
	switch cpu {
	case dmacho.CpuAmd64:
		return ArchAMD64, nil
	case dmacho.CpuArm64:
		return ArchARM64, nil
	case dmacho.Cpu386:
		return Arch386, nil
	default:
		return ArchUnknown, fmt.Errorf("unsupported Mach-O cpu: %s", cpu)
	}
}
