package shim

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	ErrFamilyRegistered = errors.New("family already registered")
	ErrNoFamily         = errors.New("family not registered")
)

// A Registry maps driver-family identities to their context objects. Shims
// are free functions bound into route tables; they find their family's
// state through the registry. Entries live for the life of the process.
type Registry struct {
	mu sync.RWMutex
	m  map[string]any
}

// Families is the process-wide registry.
var Families = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]any)}
}

// Register stores ctx for id. Each id can be registered once.
func (r *Registry) Register(id string, ctx any) error {
	if ctx == nil {
		return fmt.Errorf("register family %s: nil context", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[id]; ok {
		return fmt.Errorf("%w: %s", ErrFamilyRegistered, id)
	}
	r.m[id] = ctx
	return nil
}

// IDs returns the registered family identities, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for id := range r.m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the context of family id as a T.
func Lookup[T any](r *Registry, id string) (T, error) {
	var zero T
	r.mu.RLock()
	ctx, ok := r.m[id]
	r.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNoFamily, id)
	}
	v, ok := ctx.(T)
	if !ok {
		return zero, fmt.Errorf("family %s has context %T, not %T", id, ctx, zero)
	}
	return v, nil
}

// MustLookup is like Lookup but panics. Shims use it: a shim running for a
// family that was never registered means the route table is wrong.
func MustLookup[T any](r *Registry, id string) T {
	v, err := Lookup[T](r, id)
	if err != nil {
		panic(err)
	}
	return v
}

// A Provider holds a value that one shim publishes for nested shims running
// further down the same call, such as the device a start routine is
// working on. Scopes are serialized; readers never block.
type Provider[T any] struct {
	scope sync.Mutex
	cur   atomic.Pointer[T]
}

// Enter publishes v until release is called. release is idempotent and
// must run on every exit path, typically via defer.
func (p *Provider[T]) Enter(v T) (release func()) {
	p.scope.Lock()
	p.cur.Store(&v)
	var once sync.Once
	return func() {
		once.Do(func() {
			p.cur.Store(nil)
			p.scope.Unlock()
		})
	}
}

// Current returns the published value, if a scope is active.
func (p *Provider[T]) Current() (T, bool) {
	if v := p.cur.Load(); v != nil {
		return *v, true
	}
	var zero T
	return zero, false
}
