// Package image tracks the images the engine is interested in and hands
// each one to its handler when the host reports it loaded.
package image

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrAlreadyLoaded = errors.New("image already loaded")
	ErrDuplicate     = errors.New("image already registered")
)

// State is the load state of an image.
type State int

const (
	Unloaded State = iota
	Loading
	Loaded
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// A Descriptor is a snapshot of one registered image.
type Descriptor struct {
	ID    string
	Paths []string
	State State
	// Index, Base and Size are set once the image starts loading.
	Index int
	Base  uintptr
	Size  int
}

// An Event is the host's notification that an image was loaded. The image
// is matched by ID, or by Path against the registered candidate paths.
type Event struct {
	ID    string
	Path  string
	Index int
	Base  uintptr
	Size  int
}

// A Handler patches or routes a freshly loaded image. A non-nil error marks
// the image Failed.
type Handler func(Descriptor) error

type entry struct {
	desc    Descriptor
	handler Handler
}

// snapshot returns a copy of the descriptor that shares no memory with the
// tracker.
func (e *entry) snapshot() Descriptor {
	d := e.desc
	d.Paths = slices.Clone(d.Paths)
	return d
}

// Tracker is the process-wide registry of interesting images.
type Tracker struct {
	mu      sync.Mutex
	order   []string
	byID    map[string]*entry
	byPath  map[string]*entry
	byIndex map[int]*entry
	log     zerolog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

// NewTracker returns an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		byID:    make(map[string]*entry),
		byPath:  make(map[string]*entry),
		byIndex: make(map[int]*entry),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register declares an image interesting. handler may be nil for images
// that are only tracked.
func (t *Tracker) Register(id string, paths []string, handler Handler) error {
	if id == "" {
		return errors.New("register image: empty identity")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	for _, p := range paths {
		if other, ok := t.byPath[p]; ok {
			return fmt.Errorf("%w: path %s belongs to %s", ErrDuplicate, p, other.desc.ID)
		}
	}

	e := &entry{
		desc:    Descriptor{ID: id, Paths: append([]string(nil), paths...), State: Unloaded},
		handler: handler,
	}
	t.byID[id] = e
	for _, p := range paths {
		t.byPath[p] = e
	}
	t.order = append(t.order, id)
	return nil
}

// OnLoad processes a load notification. It reports whether the image is a
// registered one. A registered image is loaded at most once: a repeated
// notification returns ErrAlreadyLoaded and does not run the handler.
func (t *Tracker) OnLoad(ev Event) (bool, error) {
	t.mu.Lock()
	e := t.byID[ev.ID]
	if e == nil && ev.Path != "" {
		e = t.byPath[ev.Path]
	}
	if e == nil {
		t.mu.Unlock()
		return false, nil
	}
	if e.desc.State != Unloaded {
		state := e.desc.State
		t.mu.Unlock()
		t.log.Warn().Str("image", e.desc.ID).Stringer("state", state).Msg("ignoring repeated load notification")
		return true, fmt.Errorf("%w: %s is %s", ErrAlreadyLoaded, e.desc.ID, state)
	}
	if other, ok := t.byIndex[ev.Index]; ok {
		t.mu.Unlock()
		return true, fmt.Errorf("load index %d of %s is already used by %s", ev.Index, e.desc.ID, other.desc.ID)
	}
	e.desc.State = Loading
	e.desc.Index = ev.Index
	e.desc.Base = ev.Base
	e.desc.Size = ev.Size
	t.byIndex[ev.Index] = e
	desc := e.snapshot()
	handler := e.handler
	t.mu.Unlock()

	log := t.log.With().Str("image", desc.ID).Int("index", desc.Index).Logger()
	log.Debug().Str("base", fmt.Sprintf("%#x", desc.Base)).Int("size", desc.Size).Msg("image loading")

	var err error
	if handler != nil {
		err = runHandler(handler, desc)
	}

	t.mu.Lock()
	if err != nil {
		e.desc.State = Failed
	} else {
		e.desc.State = Loaded
	}
	t.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Msg("image handler failed")
		return true, fmt.Errorf("image %s: %w", desc.ID, err)
	}
	log.Info().Msg("image loaded")
	return true, nil
}

// runHandler turns a handler panic into an error so the image still ends
// up Failed rather than stuck in Loading.
func runHandler(h Handler, desc Descriptor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if perr, ok := r.(error); ok {
				err = fmt.Errorf("handler panic: %w", perr)
				return
			}
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(desc)
}

// Lookup returns the descriptor of id.
func (t *Tracker) Lookup(id string) (Descriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return e.snapshot(), true
}

// ByIndex returns the descriptor of the image loaded with index.
func (t *Tracker) ByIndex(index int) (Descriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byIndex[index]
	if !ok {
		return Descriptor{}, false
	}
	return e.snapshot(), true
}

// Images returns every registered image in registration order.
func (t *Tracker) Images() []Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Descriptor, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id].snapshot())
	}
	return out
}

// Paths returns every registered candidate path, sorted.
func (t *Tracker) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.byPath))
	for p := range t.byPath {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
