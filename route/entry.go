package route

import (
	"fmt"
	"reflect"
)

// An Entry is one row of a route table: a symbol, the replacement that runs
// in its place, where to keep the original, and whether the row applies to
// this load at all.
type Entry interface {
	// Symbol is the exported (possibly mangled) name, or "#n" for an
	// ordinal request.
	Symbol() string
	// Enabled is the precomputed applicability of the route.
	Enabled() bool

	ordinal() (int, bool)
	replacement() any
	// accept reports whether original can be stored for this entry.
	accept(original any) error
	store(original any) error
	// unstore undoes store after a failed redirect.
	unstore()
}

type request[F any] struct {
	symbol  string
	ord     int
	byOrd   bool
	repl    F
	slot    *Slot[F]
	enabled bool
}

// Request routes symbol to replacement and stores the original in slot.
// Disabled requests are neither resolved nor redirected.
func Request[F any](symbol string, replacement F, slot *Slot[F], enabled bool) Entry {
	if slot != nil && slot.symbol == "" {
		slot.symbol = symbol
	}
	return &request[F]{symbol: symbol, repl: replacement, slot: slot, enabled: enabled}
}

// Override routes symbol to replacement without keeping the original. It is
// used for shims that never call through.
func Override[F any](symbol string, replacement F, enabled bool) Entry {
	return Request[F](symbol, replacement, nil, enabled)
}

// RequestOrdinal is Request for a symbol exported by ordinal only.
func RequestOrdinal[F any](ordinal int, replacement F, slot *Slot[F], enabled bool) Entry {
	symbol := fmt.Sprintf("#%d", ordinal)
	if slot != nil && slot.symbol == "" {
		slot.symbol = symbol
	}
	return &request[F]{symbol: symbol, ord: ordinal, byOrd: true, repl: replacement, slot: slot, enabled: enabled}
}

func (r *request[F]) Symbol() string       { return r.symbol }
func (r *request[F]) Enabled() bool        { return r.enabled }
func (r *request[F]) ordinal() (int, bool) { return r.ord, r.byOrd }
func (r *request[F]) replacement() any     { return r.repl }

func (r *request[F]) accept(original any) error {
	if r.slot == nil {
		return nil
	}
	if r.slot.Installed() {
		return fmt.Errorf("%w: %s", ErrSlotAssigned, r.symbol)
	}
	if _, ok := original.(F); !ok {
		var zero F
		return fmt.Errorf("route %s: original is %T, slot holds %v", r.symbol, original, reflect.TypeOf(&zero).Elem())
	}
	return nil
}

func (r *request[F]) store(original any) error {
	if r.slot == nil {
		return nil
	}
	fn, ok := original.(F)
	if !ok {
		return fmt.Errorf("route %s: original is %T", r.symbol, original)
	}
	return r.slot.set(fn)
}

func (r *request[F]) unstore() {
	if r.slot != nil {
		r.slot.clear()
	}
}
