package memmod

import (
	"fmt"
	"sort"
)

// A Symbol is a named location relative to the start of an image mapping.
type Symbol struct {
	Name   string
	Offset uint64
}

// A SymbolTable maps exact symbol names (as exported, mangled or not) and
// ordinals to image offsets. Names are never demangled or normalized.
type SymbolTable struct {
	format  string
	byName  map[string]uint64
	ordered []Symbol
}

// NewSymbolTable builds a table from syms in ordinal order. When a name
// repeats, the first entry wins.
func NewSymbolTable(format string, syms []Symbol) *SymbolTable {
	t := &SymbolTable{
		format:  format,
		byName:  make(map[string]uint64, len(syms)),
		ordered: make([]Symbol, 0, len(syms)),
	}
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		if _, dup := t.byName[s.Name]; dup {
			continue
		}
		t.byName[s.Name] = s.Offset
		t.ordered = append(t.ordered, s)
	}
	return t
}

// Format names the object format the table was read from.
func (t *SymbolTable) Format() string { return t.format }

// Len returns the number of distinct symbols.
func (t *SymbolTable) Len() int { return len(t.ordered) }

// Offset returns the image offset of name.
func (t *SymbolTable) Offset(name string) (uint64, bool) {
	off, ok := t.byName[name]
	return off, ok
}

// Ordinal returns the n-th symbol (0-based) in table order.
func (t *SymbolTable) Ordinal(n int) (Symbol, bool) {
	if n < 0 || n >= len(t.ordered) {
		return Symbol{}, false
	}
	return t.ordered[n], true
}

// Names returns every symbol name, sorted.
func (t *SymbolTable) Names() []string {
	out := make([]string, 0, len(t.ordered))
	for _, s := range t.ordered {
		out = append(out, s.Name)
	}
	sort.Strings(out)
	return out
}

// A SymbolSource resolves symbols of one loaded image to runtime addresses.
type SymbolSource interface {
	Lookup(name string) (uintptr, error)
	LookupOrdinal(ordinal int) (uintptr, error)
}

// Bind returns a SymbolSource for the image loaded at base.
func (t *SymbolTable) Bind(base uintptr) SymbolSource {
	return boundTable{table: t, base: base}
}

type boundTable struct {
	table *SymbolTable
	base  uintptr
}

func (b boundTable) Lookup(name string) (uintptr, error) {
	off, ok := b.table.Offset(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoSymbol, name)
	}
	return b.base + uintptr(off), nil
}

func (b boundTable) LookupOrdinal(ordinal int) (uintptr, error) {
	sym, ok := b.table.Ordinal(ordinal)
	if !ok {
		return 0, fmt.Errorf("%w: ordinal %d", ErrNoSymbol, ordinal)
	}
	return b.base + uintptr(sym.Offset), nil
}

// SymbolMap is a SymbolSource over fixed addresses. Hosts that already know
// where things live (and tests) use it directly.
type SymbolMap map[string]uintptr

func (m SymbolMap) Lookup(name string) (uintptr, error) {
	if addr, ok := m[name]; ok && addr != 0 {
		return addr, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrNoSymbol, name)
}

func (m SymbolMap) LookupOrdinal(ordinal int) (uintptr, error) {
	return 0, fmt.Errorf("%w: ordinal %d (symbol map has no ordinals)", ErrNoSymbol, ordinal)
}
