package route

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var ErrNoEntry = errors.New("no function bound at entry")

// Table is a dispatch table of live entry points holding Go function values.
// A host that calls image functions through the table sees a redirect as
// soon as it is committed. Hosts bind the original functions first.
type Table struct {
	mu      sync.RWMutex
	entries map[uintptr]any
}

// NewTable returns an empty dispatch table.
func NewTable() *Table {
	return &Table{entries: make(map[uintptr]any)}
}

// Bind sets the implementation reached at entry.
func (t *Table) Bind(entry uintptr, fn any) error {
	if fn == nil || reflect.TypeOf(fn).Kind() != reflect.Func || reflect.ValueOf(fn).IsNil() {
		return fmt.Errorf("bind %#x: %T is not a function", entry, fn)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[entry] = fn
	return nil
}

// At returns the implementation currently reached at entry.
func (t *Table) At(entry uintptr) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.entries[entry]
	return fn, ok
}

// Lookup returns the function at entry as an F.
func Lookup[F any](t *Table, entry uintptr) (F, error) {
	var zero F
	fn, ok := t.At(entry)
	if !ok {
		return zero, fmt.Errorf("%w: %#x", ErrNoEntry, entry)
	}
	f, ok := fn.(F)
	if !ok {
		return zero, fmt.Errorf("entry %#x holds %T, not %v", entry, fn, reflect.TypeOf(&zero).Elem())
	}
	return f, nil
}

func (t *Table) Prepare(entry uintptr, replacement any) (Redirection, error) {
	original, ok := t.At(entry)
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrNoEntry, entry)
	}
	if replacement == nil || reflect.TypeOf(replacement) != reflect.TypeOf(original) {
		return nil, fmt.Errorf("replacement %T does not match %T at %#x", replacement, original, entry)
	}
	if reflect.ValueOf(replacement).IsNil() {
		return nil, fmt.Errorf("nil replacement for %#x", entry)
	}
	return &tableRedirect{t: t, entry: entry, original: original, replacement: replacement}, nil
}

type tableRedirect struct {
	t           *Table
	entry       uintptr
	original    any
	replacement any
}

func (r *tableRedirect) Original() any { return r.original }

func (r *tableRedirect) Commit() error {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	r.t.entries[r.entry] = r.replacement
	return nil
}
