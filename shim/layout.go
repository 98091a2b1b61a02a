package shim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"unsafe"
)

var ErrNoField = errors.New("no such field")

// A Field is one member of an externally defined structure, located by
// byte offset. The width is in bytes.
type Field struct {
	Name   string
	Offset uintptr
	Width  int
}

func (f Field) validate() error {
	switch f.Width {
	case 1, 2, 4, 8:
		return nil
	default:
		return fmt.Errorf("field %s: unsupported width %d", f.Name, f.Width)
	}
}

// Put stores v, truncated to the field width, into the structure at obj.
func (f Field) Put(obj unsafe.Pointer, v uint64) {
	f.PutBytes(unsafe.Slice((*byte)(unsafe.Add(obj, f.Offset)), f.Width), v)
}

// Get loads the field from the structure at obj.
func (f Field) Get(obj unsafe.Pointer) uint64 {
	return f.GetBytes(unsafe.Slice((*byte)(unsafe.Add(obj, f.Offset)), f.Width))
}

// PutBytes stores v into b, which holds exactly the field.
func (f Field) PutBytes(b []byte, v uint64) {
	switch f.Width {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.NativeEndian.PutUint16(b, uint16(v))
	case 4:
		binary.NativeEndian.PutUint32(b, uint32(v))
	case 8:
		binary.NativeEndian.PutUint64(b, v)
	}
}

// GetBytes loads the field from b, which holds exactly the field.
func (f Field) GetBytes(b []byte) uint64 {
	switch f.Width {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.NativeEndian.Uint16(b))
	case 4:
		return uint64(binary.NativeEndian.Uint32(b))
	case 8:
		return binary.NativeEndian.Uint64(b)
	}
	return 0
}

// A Layout is the part of an external structure a shim reads or writes.
// Size is the minimum size of the structure the offsets are valid for.
type Layout struct {
	Name   string
	Size   uintptr
	fields []Field
}

// NewLayout validates fields against each other and against size.
func NewLayout(name string, size uintptr, fields ...Field) (*Layout, error) {
	l := &Layout{Name: name, Size: size, fields: append([]Field(nil), fields...)}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// MustLayout is like NewLayout but panics on an invalid layout.
func MustLayout(name string, size uintptr, fields ...Field) *Layout {
	l, err := NewLayout(name, size, fields...)
	if err != nil {
		panic(err)
	}
	return l
}

// Validate checks widths, bounds, unique names and that no two fields
// overlap.
func (l *Layout) Validate() error {
	sorted := append([]Field(nil), l.fields...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	names := make(map[string]bool, len(sorted))
	for i, f := range sorted {
		if err := f.validate(); err != nil {
			return fmt.Errorf("layout %s: %w", l.Name, err)
		}
		if names[f.Name] {
			return fmt.Errorf("layout %s: duplicate field %s", l.Name, f.Name)
		}
		names[f.Name] = true
		if l.Size != 0 && f.Offset+uintptr(f.Width) > l.Size {
			return fmt.Errorf("layout %s: field %s ends past %#x", l.Name, f.Name, l.Size)
		}
		if i > 0 {
			prev := sorted[i-1]
			if prev.Offset+uintptr(prev.Width) > f.Offset {
				return fmt.Errorf("layout %s: fields %s and %s overlap", l.Name, prev.Name, f.Name)
			}
		}
	}
	return nil
}

// Field returns the field called name.
func (l *Layout) Field(name string) (Field, error) {
	for _, f := range l.fields {
		if f.Name == name {
			return f, nil
		}
	}
	return Field{}, fmt.Errorf("layout %s: %w: %s", l.Name, ErrNoField, name)
}

// MustField is like Field but panics if the field does not exist. It is
// meant for package-level field variables.
func (l *Layout) MustField(name string) Field {
	f, err := l.Field(name)
	if err != nil {
		panic(err)
	}
	return f
}

// Fields returns the fields in declaration order.
func (l *Layout) Fields() []Field {
	return append([]Field(nil), l.fields...)
}

// Put stores v into the named field of the structure at obj.
func (l *Layout) Put(obj unsafe.Pointer, name string, v uint64) error {
	f, err := l.Field(name)
	if err != nil {
		return err
	}
	f.Put(obj, v)
	return nil
}
