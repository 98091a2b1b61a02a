package memmod

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

var ErrTokenReleased = errors.New("write guard token already released")

// Guard brackets mutations of protected memory. Acquire makes a range
// writable and Release restores the exact per-page protection that was in
// place before. A single lock is held from Acquire to Release, so only one
// mutation holds the write switch at a time.
type Guard struct {
	prot Protector
	lock sync.Mutex
	log  zerolog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardLogger sets the logger used for protection transitions.
func WithGuardLogger(log zerolog.Logger) GuardOption {
	return func(g *Guard) { g.log = log }
}

// NewGuard returns a guard over p.
func NewGuard(p Protector, opts ...GuardOption) *Guard {
	g := &Guard{prot: p, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type pageProt struct {
	page uintptr
	prot Prot
}

// A Token is the proof of a successful Acquire.
type Token struct {
	addr     uintptr
	n        int
	saved    []pageProt
	released bool
}

// Acquire makes [addr, addr+n) writable. On failure nothing stays
// unprotected and the lock is not held.
func (g *Guard) Acquire(addr uintptr, n int) (*Token, error) {
	if n <= 0 {
		return nil, fmt.Errorf("write guard: invalid length %d", n)
	}
	g.lock.Lock()

	pageSize := g.prot.PageSize()
	start, end := pageSpan(addr, n, pageSize)
	tok := &Token{addr: addr, n: n}
	for page := start; page < end; page += pageSize {
		prot, err := g.prot.Protection(page)
		if err != nil {
			g.lock.Unlock()
			return nil, fmt.Errorf("write guard: query %#x: %w", page, err)
		}
		tok.saved = append(tok.saved, pageProt{page: page, prot: prot})
	}

	for i, saved := range tok.saved {
		if saved.prot&ProtW != 0 {
			continue
		}
		if err := g.prot.Protect(saved.page, int(pageSize), saved.prot|ProtW); err != nil {
			err = multierr.Append(err, g.restore(tok.saved[:i]))
			g.lock.Unlock()
			return nil, fmt.Errorf("write guard: unprotect %#x: %w", saved.page, err)
		}
	}
	g.log.Trace().Str("range", fmt.Sprintf("%#x+%#x", addr, n)).Int("pages", len(tok.saved)).Msg("write protection lifted")
	return tok, nil
}

// Release restores the protection recorded by Acquire and drops the lock.
// Every page is restored even if an earlier one fails.
func (g *Guard) Release(tok *Token) error {
	if tok == nil || tok.released {
		return ErrTokenReleased
	}
	tok.released = true
	defer g.lock.Unlock()

	if err := g.restore(tok.saved); err != nil {
		g.log.Error().Err(err).Str("range", fmt.Sprintf("%#x+%#x", tok.addr, tok.n)).Msg("failed to restore write protection")
		return fmt.Errorf("write guard: restore: %w", err)
	}
	g.log.Trace().Str("range", fmt.Sprintf("%#x+%#x", tok.addr, tok.n)).Msg("write protection restored")
	return nil
}

func (g *Guard) restore(saved []pageProt) (err error) {
	pageSize := g.prot.PageSize()
	for _, s := range saved {
		if s.prot&ProtW != 0 {
			continue
		}
		err = multierr.Append(err, g.prot.Protect(s.page, int(pageSize), s.prot))
	}
	return err
}

// With runs fn with [addr, addr+n) writable. The range is restored on every
// exit path, including a panic in fn.
func (g *Guard) With(addr uintptr, n int, fn func() error) (err error) {
	tok, err := g.Acquire(addr, n)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, g.Release(tok))
	}()
	return fn()
}

// Write copies b into mem at addr under the guard.
func (g *Guard) Write(mem Memory, addr uintptr, b []byte) error {
	return g.With(addr, len(b), func() error {
		return mem.Write(addr, b)
	})
}
