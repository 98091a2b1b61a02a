// Package resolve maps symbol names of loaded images to runtime addresses.
//
// Names are passed to the image's symbol source verbatim. Mangled names stay
// mangled and nothing is demangled, prefixed or fuzzy matched, so an exact
// string miss is always ErrNotFound.
package resolve

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sliverarmory/kextpatch/memmod"
)

var (
	ErrNotFound     = errors.New("symbol not found")
	ErrUnknownImage = errors.New("no symbol source for load index")
)

// Error describes a failed lookup.
type Error struct {
	Index  int
	Symbol string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("resolve %s in image %d: %v", e.Symbol, e.Index, ErrNotFound)
	}
	return fmt.Sprintf("resolve %s in image %d: %v", e.Symbol, e.Index, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNotFound}
	}
	return []error{ErrNotFound, e.Err}
}

type cacheKey struct {
	index int
	name  string
}

// Resolver resolves symbols per load index. Each (index, name) pair is asked
// of the host at most once when it succeeds.
type Resolver struct {
	mu      sync.Mutex
	sources map[int]memmod.SymbolSource
	cache   map[cacheKey]uintptr
	log     zerolog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the resolver's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

// New returns a Resolver with no images.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		sources: make(map[int]memmod.SymbolSource),
		cache:   make(map[cacheKey]uintptr),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds the symbol source of the image loaded with index.
func (r *Resolver) Register(index int, src memmod.SymbolSource) error {
	if src == nil {
		return fmt.Errorf("register image %d: nil symbol source", index)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[index]; ok {
		return fmt.Errorf("register image %d: load index already bound", index)
	}
	r.sources[index] = src
	return nil
}

// Resolve returns the runtime address of name in the image with index.
func (r *Resolver) Resolve(index int, name string) (uintptr, error) {
	if name == "" {
		return 0, &Error{Index: index, Symbol: name, Err: errors.New("empty symbol name")}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := cacheKey{index: index, name: name}
	if addr, ok := r.cache[key]; ok {
		return addr, nil
	}
	src, ok := r.sources[index]
	if !ok {
		return 0, &Error{Index: index, Symbol: name, Err: ErrUnknownImage}
	}
	addr, err := src.Lookup(name)
	if err == nil && addr == 0 {
		err = errors.New("host returned a null address")
	}
	if err != nil {
		r.log.Debug().Int("index", index).Str("symbol", name).Err(err).Msg("symbol lookup missed")
		return 0, &Error{Index: index, Symbol: name, Err: err}
	}
	r.cache[key] = addr
	r.log.Trace().Int("index", index).Str("symbol", name).Str("addr", fmt.Sprintf("%#x", addr)).Msg("symbol resolved")
	return addr, nil
}

// ResolveOrdinal returns the address of the symbol exported with ordinal.
func (r *Resolver) ResolveOrdinal(index, ordinal int) (uintptr, error) {
	name := fmt.Sprintf("#%d", ordinal)
	r.mu.Lock()
	defer r.mu.Unlock()

	key := cacheKey{index: index, name: name}
	if addr, ok := r.cache[key]; ok {
		return addr, nil
	}
	src, ok := r.sources[index]
	if !ok {
		return 0, &Error{Index: index, Symbol: name, Err: ErrUnknownImage}
	}
	addr, err := src.LookupOrdinal(ordinal)
	if err == nil && addr == 0 {
		err = errors.New("host returned a null address")
	}
	if err != nil {
		return 0, &Error{Index: index, Symbol: name, Err: err}
	}
	r.cache[key] = addr
	return addr, nil
}
