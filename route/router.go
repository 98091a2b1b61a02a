// Package route installs interposition routes into loaded images.
//
// A route table is data: a list of Entry values pairing a symbol with its
// replacement and the slot that receives the original. RouteAll resolves
// every applicable entry before redirecting any of them, so a batch either
// installs completely or not at all as far as resolution goes.
package route

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// A Resolver maps symbols of a loaded image to addresses.
type Resolver interface {
	Resolve(index int, name string) (uintptr, error)
	ResolveOrdinal(index, ordinal int) (uintptr, error)
}

// A Redirector makes a live entry point run a replacement.
type Redirector interface {
	// Prepare checks that entry can be redirected to replacement without
	// changing the entry, and returns the pending redirection.
	Prepare(entry uintptr, replacement any) (Redirection, error)
}

// A Redirection is a prepared, not yet visible, redirect.
type Redirection interface {
	// Original is what callers reach when they want the replaced code.
	Original() any
	// Commit redirects the live entry.
	Commit() error
}

// A Miss is one entry of a batch that could not be resolved or prepared.
type Miss struct {
	Symbol string
	Err    error
}

// BatchError reports a route batch that was not installed. No entry of the
// batch was redirected.
type BatchError struct {
	Index  int
	Misses []Miss
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Misses))
	for _, m := range e.Misses {
		parts = append(parts, fmt.Sprintf("%s: %v", m.Symbol, m.Err))
	}
	return fmt.Sprintf("route batch for image %d not installed: %s", e.Index, strings.Join(parts, "; "))
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Misses))
	for _, m := range e.Misses {
		errs = append(errs, m.Err)
	}
	return errs
}

// Symbols returns the symbols that failed.
func (e *BatchError) Symbols() []string {
	out := make([]string, 0, len(e.Misses))
	for _, m := range e.Misses {
		out = append(out, m.Symbol)
	}
	return out
}

var errOutsideImage = errors.New("resolved address is outside the image")

// Router installs route tables.
type Router struct {
	res Resolver
	red Redirector
	log zerolog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Router) { r.log = log }
}

// New returns a router resolving through res and redirecting through red.
func New(res Resolver, red Redirector, opts ...Option) *Router {
	r := &Router{res: res, red: red, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type pending struct {
	entry Entry
	addr  uintptr
	redir Redirection
}

// RouteAll installs entries into the image with index, mapped at
// [base, base+size). A zero size skips the bounds check.
//
// Disabled entries are skipped without being resolved. If any enabled entry
// cannot be resolved or prepared, a *BatchError naming all of them is
// returned and nothing is redirected. Otherwise each entry's original is
// stored and its entry redirected, in table order. A failing commit leaves
// its slot empty, does not undo earlier entries and is returned once all
// entries have been tried.
func (r *Router) RouteAll(index int, base uintptr, size int, entries []Entry) error {
	log := r.log.With().Int("index", index).Logger()

	var (
		ready  []pending
		misses []Miss
	)
	for _, e := range entries {
		if !e.Enabled() {
			log.Debug().Str("symbol", e.Symbol()).Msg("route not applicable")
			continue
		}
		p, err := r.prepare(index, base, size, e)
		if err != nil {
			log.Error().Err(err).Str("symbol", e.Symbol()).Msg("failed to prepare route")
			misses = append(misses, Miss{Symbol: e.Symbol(), Err: err})
			continue
		}
		ready = append(ready, p)
	}
	if len(misses) > 0 {
		return &BatchError{Index: index, Misses: misses}
	}

	var err error
	for _, p := range ready {
		if serr := p.entry.store(p.redir.Original()); serr != nil {
			err = multierr.Append(err, serr)
			continue
		}
		if cerr := p.redir.Commit(); cerr != nil {
			p.entry.unstore()
			log.Error().Err(cerr).Str("symbol", p.entry.Symbol()).Msg("failed to redirect")
			err = multierr.Append(err, fmt.Errorf("redirect %s: %w", p.entry.Symbol(), cerr))
			continue
		}
		log.Debug().Str("symbol", p.entry.Symbol()).Str("addr", fmt.Sprintf("%#x", p.addr)).Msg("routed")
	}
	if err == nil {
		log.Info().Int("routes", len(ready)).Msg("installed routes")
	}
	return err
}

func (r *Router) prepare(index int, base uintptr, size int, e Entry) (pending, error) {
	var (
		addr uintptr
		err  error
	)
	if ord, ok := e.ordinal(); ok {
		addr, err = r.res.ResolveOrdinal(index, ord)
	} else {
		addr, err = r.res.Resolve(index, e.Symbol())
	}
	if err != nil {
		return pending{}, err
	}
	if size > 0 && (addr < base || addr >= base+uintptr(size)) {
		return pending{}, fmt.Errorf("%w: %#x not in [%#x, %#x)", errOutsideImage, addr, base, base+uintptr(size))
	}
	redir, err := r.red.Prepare(addr, e.replacement())
	if err != nil {
		return pending{}, err
	}
	if err := e.accept(redir.Original()); err != nil {
		return pending{}, err
	}
	return pending{entry: e, addr: addr, redir: redir}, nil
}
