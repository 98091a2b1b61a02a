package route

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var ErrSlotAssigned = errors.New("original slot already assigned")

// A Slot holds the original function of one intercepted symbol. The
// router writes it exactly once, before the live entry is redirected, and
// clears it again if the redirect fails. The paired shim reads it on every
// call.
type Slot[F any] struct {
	symbol string
	fn     atomic.Pointer[F]
}

// Original returns the original function. Calling it before the route
// is installed is a programming error and panics.
func (s *Slot[F]) Original() F {
	p := s.fn.Load()
	if p == nil {
		panic(fmt.Sprintf("route: original of %q called before it was installed", s.symbol))
	}
	return *p
}

// Installed reports whether the slot has been assigned.
func (s *Slot[F]) Installed() bool {
	return s.fn.Load() != nil
}

// Symbol returns the symbol the slot was requested for.
func (s *Slot[F]) Symbol() string { return s.symbol }

func (s *Slot[F]) set(fn F) error {
	if !s.fn.CompareAndSwap(nil, &fn) {
		return fmt.Errorf("%w: %s", ErrSlotAssigned, s.symbol)
	}
	return nil
}

func (s *Slot[F]) clear() { s.fn.Store(nil) }
