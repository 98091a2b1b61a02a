// Package kextpatch patches and interposes on driver images as the host
// reports them loaded.
//
// A Patcher owns the image tracker, the symbol resolver, the patch catalog
// and the route machinery. Driver families register the images they care
// about with a handler; OnImageLoad is the host callback that runs the
// matching handler with a Load giving it everything it needs to patch and
// route that one image.
package kextpatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sliverarmory/kextpatch/image"
	"github.com/sliverarmory/kextpatch/memmod"
	"github.com/sliverarmory/kextpatch/patch"
	"github.com/sliverarmory/kextpatch/resolve"
	"github.com/sliverarmory/kextpatch/route"
)

// ErrNoRedirector is returned by Load.RouteAll when the patcher has no way
// to redirect entry points in its memory.
var ErrNoRedirector = errors.New("kextpatch: no redirector for this memory")

// FatalError is a failure the engine cannot continue from, such as a
// mandatory route batch that did not install. It is handed to the halt
// policy.
type FatalError struct {
	Subsystem string
	Target    string
	Err       error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("kextpatch: %s: %s: %v", e.Subsystem, e.Target, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// A HaltFunc decides what happens after a fatal error. It is not expected
// to return to normal operation.
type HaltFunc func(*FatalError)

// An Event is the host's notification that an image was loaded. Symbols,
// when set, is registered with the resolver for the image's load index.
type Event struct {
	ID      string
	Path    string
	Index   int
	Base    uintptr
	Size    int
	Symbols memmod.SymbolSource
}

// A Handler patches and routes one image.
type Handler func(*Load) error

// Patcher is the engine facade.
type Patcher struct {
	mu       sync.Mutex
	log      zerolog.Logger
	halt     HaltFunc
	mem      memmod.Memory
	guard    *memmod.Guard
	red      route.Redirector
	tracker  *image.Tracker
	resolver *resolve.Resolver
	catalog  *patch.Catalog
	router   *route.Router

	// symbols is the source of the event being dispatched, guarded by mu.
	symbols memmod.SymbolSource
}

// An Option configures a Patcher.
type Option func(*Patcher)

// WithLogger sets the logger of the patcher and its components.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Patcher) { p.log = log }
}

// WithHalt replaces the default halt policy, which logs at fatal level and
// panics.
func WithHalt(halt HaltFunc) Option {
	return func(p *Patcher) { p.halt = halt }
}

// WithMemory sets the address space images live in. The default is the
// current process.
func WithMemory(mem memmod.Memory) Option {
	return func(p *Patcher) { p.mem = mem }
}

// WithGuard sets the write guard. The default guards the patcher's memory.
func WithGuard(g *memmod.Guard) Option {
	return func(p *Patcher) { p.guard = g }
}

// WithRedirector sets how routes redirect entry points. The default writes
// native jump stubs when the memory can allocate trampolines.
func WithRedirector(red route.Redirector) Option {
	return func(p *Patcher) { p.red = red }
}

// WithCatalog sets the patch catalog. The default is empty.
func WithCatalog(c *patch.Catalog) Option {
	return func(p *Patcher) { p.catalog = c }
}

// New returns a patcher with no images registered.
func New(opts ...Option) *Patcher {
	p := &Patcher{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	if p.halt == nil {
		p.halt = p.defaultHalt
	}
	if p.mem == nil {
		p.mem = memmod.NewProcess()
	}
	if p.guard == nil {
		p.guard = memmod.NewGuard(p.mem, memmod.WithGuardLogger(p.log.With().Str("component", "guard").Logger()))
	}
	if p.red == nil {
		if alloc, ok := p.mem.(memmod.Allocator); ok {
			p.red = &route.Inline{Arch: memmod.HostArch(), Memory: p.mem, Guard: p.guard, Alloc: alloc}
		}
	}
	if p.catalog == nil {
		p.catalog = patch.MustCatalog(nil, patch.WithLogger(p.log.With().Str("component", "patch").Logger()))
	}
	p.tracker = image.NewTracker(image.WithLogger(p.log.With().Str("component", "image").Logger()))
	p.resolver = resolve.New(resolve.WithLogger(p.log.With().Str("component", "resolve").Logger()))
	if p.red != nil {
		p.router = route.New(p.resolver, p.red, route.WithLogger(p.log.With().Str("component", "route").Logger()))
	}
	return p
}

func (p *Patcher) defaultHalt(err *FatalError) {
	p.log.WithLevel(zerolog.FatalLevel).
		Str("subsystem", err.Subsystem).
		Str("target", err.Target).
		Err(err.Err).
		Msg("cannot continue")
	panic(err.Error())
}

// Logger returns the patcher's logger.
func (p *Patcher) Logger() zerolog.Logger { return p.log }

// Catalog returns the patch catalog.
func (p *Patcher) Catalog() *patch.Catalog { return p.catalog }

// Resolver returns the symbol resolver.
func (p *Patcher) Resolver() *resolve.Resolver { return p.resolver }

// Memory returns the address space images live in.
func (p *Patcher) Memory() memmod.Memory { return p.mem }

// Guard returns the write guard.
func (p *Patcher) Guard() *memmod.Guard { return p.guard }

// Images returns a snapshot of the registered images.
func (p *Patcher) Images() []image.Descriptor { return p.tracker.Images() }

// Image returns the registered image id.
func (p *Patcher) Image(id string) (image.Descriptor, bool) { return p.tracker.Lookup(id) }

// Register makes the patcher interested in the image id, found at any of
// paths. handler runs once, when the image loads.
func (p *Patcher) Register(id string, paths []string, handler Handler) error {
	err := p.tracker.Register(id, paths, func(d image.Descriptor) error {
		if p.symbols != nil {
			if err := p.resolver.Register(d.Index, p.symbols); err != nil {
				return err
			}
		}
		if handler == nil {
			return nil
		}
		return handler(&Load{p: p, desc: d, log: p.log.With().Str("image", d.ID).Int("index", d.Index).Logger()})
	})
	if err != nil {
		return fmt.Errorf("kextpatch: register %s: %w", id, err)
	}
	return nil
}

// OnImageLoad is the host's load callback. It reports whether the image
// was one of the registered ones. Handler failures are fatal and go to the
// halt policy; a repeated notification for an image is logged and ignored.
func (p *Patcher) OnImageLoad(ev Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.symbols = ev.Symbols
	defer func() { p.symbols = nil }()

	handled, err := p.tracker.OnLoad(image.Event{ID: ev.ID, Path: ev.Path, Index: ev.Index, Base: ev.Base, Size: ev.Size})
	switch {
	case err == nil:
	case errors.Is(err, image.ErrAlreadyLoaded):
		p.log.Warn().Str("image", ev.ID).Str("path", ev.Path).Int("index", ev.Index).Msg("ignoring repeated load notification")
	default:
		target := ev.ID
		if target == "" {
			target = ev.Path
		}
		p.halt(&FatalError{Subsystem: subsystemOf(err), Target: target, Err: err})
	}
	return handled
}

func subsystemOf(err error) string {
	var batch *route.BatchError
	switch {
	case errors.As(err, &batch):
		return "route"
	case errors.Is(err, patch.ErrRequired):
		return "patch"
	case errors.Is(err, resolve.ErrNotFound):
		return "resolve"
	default:
		return "image"
	}
}

// A Load is the context handed to a handler for the image being loaded.
type Load struct {
	p    *Patcher
	desc image.Descriptor
	log  zerolog.Logger
}

// ID returns the image identity.
func (l *Load) ID() string { return l.desc.ID }

// Index returns the image's load index.
func (l *Load) Index() int { return l.desc.Index }

// Base returns the image's load address.
func (l *Load) Base() uintptr { return l.desc.Base }

// Size returns the size of the image mapping.
func (l *Load) Size() int { return l.desc.Size }

// Memory returns the address space the image lives in.
func (l *Load) Memory() memmod.Memory { return l.p.mem }

// Guard returns the write guard.
func (l *Load) Guard() *memmod.Guard { return l.p.guard }

// Logger returns a logger tagged with the image.
func (l *Load) Logger() *zerolog.Logger { return &l.log }

// Resolve returns the address of name in this image.
func (l *Load) Resolve(name string) (uintptr, error) {
	return l.p.resolver.Resolve(l.desc.Index, name)
}

// Write stores b at addr under the write guard.
func (l *Load) Write(addr uintptr, b []byte) error {
	return l.p.guard.Write(l.p.mem, addr, b)
}

// ApplyPatches applies the catalog's patches for this image. The error is
// non-nil only when a required patch failed.
func (l *Load) ApplyPatches() (*patch.Report, error) {
	return l.ApplyCatalog(l.p.catalog)
}

// ApplyCatalog applies the patches c holds for this image.
func (l *Load) ApplyCatalog(c *patch.Catalog) (*patch.Report, error) {
	return c.Apply(patch.Target{
		Image:  l.desc.ID,
		Index:  l.desc.Index,
		Base:   l.desc.Base,
		Size:   l.desc.Size,
		Memory: l.p.mem,
		Guard:  l.p.guard,
	})
}

// RouteAll installs entries into this image. See route.Router.RouteAll.
func (l *Load) RouteAll(entries ...route.Entry) error {
	if l.p.router == nil {
		return ErrNoRedirector
	}
	return l.p.router.RouteAll(l.desc.Index, l.desc.Base, l.desc.Size, entries)
}
