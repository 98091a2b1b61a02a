package memmod

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// A MappedImage is an on-disk image mapped flat into a Buffer, so symbol
// offsets are file offsets and writes land at their file position.
type MappedImage struct {
	Buffer  *Buffer
	Symbols *SymbolTable
	Arch    Arch
	Format  string
	// FileSize is the unpadded length of the original file.
	FileSize int
}

// Base returns the load address of the mapping.
func (m *MappedImage) Base() uintptr { return m.Buffer.Base() }

// Contents returns the image bytes without page padding.
func (m *MappedImage) Contents() []byte {
	return m.Buffer.Bytes()[:m.FileSize]
}

// Source returns the image's symbols bound to its base.
func (m *MappedImage) Source() SymbolSource {
	return m.Symbols.Bind(m.Buffer.Base())
}

// MapFile reads path and maps it at base. See MapImage.
func MapFile(path string, base uintptr, arch Arch) (*MappedImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image file: %w", err)
	}
	return MapImage(data, base, arch)
}

// MapImage maps an ELF or Mach-O image read-only and executable at base and
// parses its symbols. arch selects a fat Mach-O slice; ArchUnknown accepts
// whatever the image is.
func MapImage(data []byte, base uintptr, arch Arch) (*MappedImage, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}

	var (
		table  *SymbolTable
		found  Arch
		err    error
		format string
	)
	switch {
	case isELF(data):
		format = "elf"
		table, found, err = ELFSymbols(data, FileLayout)
	case isMachO(data):
		format = "macho"
		data, found, err = selectMachOSlice(data, arch)
		if err == nil {
			table, found, err = MachOSymbols(data, found, FileLayout)
		}
	default:
		return nil, errors.New("unrecognized image format")
	}
	if err != nil {
		return nil, err
	}
	if arch != ArchUnknown && found != arch {
		return nil, fmt.Errorf("foreign platform (provided: %s, expected: %s)", found, arch)
	}

	buf, err := NewBuffer(base, data, ProtRX)
	if err != nil {
		return nil, err
	}
	return &MappedImage{
		Buffer:   buf,
		Symbols:  table,
		Arch:     found,
		Format:   format,
		FileSize: len(data),
	}, nil
}

func isELF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("\x7fELF"))
}

func isMachO(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	switch binary.BigEndian.Uint32(data) {
	case 0xfeedface, 0xfeedfacf, 0xcefaedfe, 0xcffaedfe, 0xcafebabe:
		return true
	}
	return false
}
