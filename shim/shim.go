// Package shim provides the building blocks of replacement functions.
//
// Every shim is one of three kinds. An observer calls the original and
// logs. A mutator calls the original and rewrites its result. An override
// never calls the original and returns a fixed value. The helpers below
// build each kind from a route slot so the shim's signature always matches
// the function it replaces.
package shim

import (
	"github.com/rs/zerolog"

	"github.com/sliverarmory/kextpatch/route"
)

// Observe1 calls through to the original and logs its argument and result.
func Observe1[A, R any](log zerolog.Logger, name string, slot *route.Slot[func(A) R]) func(A) R {
	return func(a A) R {
		r := slot.Original()(a)
		log.Debug().Str("func", name).Interface("a0", a).Interface("ret", r).Msg("observed")
		return r
	}
}

// Observe2 is Observe1 for two arguments.
func Observe2[A, B, R any](log zerolog.Logger, name string, slot *route.Slot[func(A, B) R]) func(A, B) R {
	return func(a A, b B) R {
		r := slot.Original()(a, b)
		log.Debug().Str("func", name).Interface("a0", a).Interface("a1", b).Interface("ret", r).Msg("observed")
		return r
	}
}

// Mutate0 calls through exactly once and returns mutate's view of the
// result.
func Mutate0[R any](log zerolog.Logger, name string, slot *route.Slot[func() R], mutate func(R) R) func() R {
	return func() R {
		orig := slot.Original()()
		r := mutate(orig)
		log.Debug().Str("func", name).Interface("orig", orig).Interface("ret", r).Msg("mutated")
		return r
	}
}

// Mutate1 is Mutate0 for one argument, which mutate also receives.
func Mutate1[A, R any](log zerolog.Logger, name string, slot *route.Slot[func(A) R], mutate func(A, R) R) func(A) R {
	return func(a A) R {
		orig := slot.Original()(a)
		r := mutate(a, orig)
		log.Debug().Str("func", name).Interface("orig", orig).Interface("ret", r).Msg("mutated")
		return r
	}
}

// Constant2 never calls through and always returns v, ignoring both
// arguments.
func Constant2[A, B, R any](log zerolog.Logger, name string, v R) func(A, B) R {
	return func(A, B) R {
		log.Debug().Str("func", name).Interface("ret", v).Msg("overridden")
		return v
	}
}

// Constant3 is Constant2 for three ignored arguments.
func Constant3[A, B, C, R any](log zerolog.Logger, name string, v R) func(A, B, C) R {
	return func(A, B, C) R {
		log.Debug().Str("func", name).Interface("ret", v).Msg("overridden")
		return v
	}
}
