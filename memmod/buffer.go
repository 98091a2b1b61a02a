package memmod

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultPageSize is the page size Buffer uses unless told otherwise.
const DefaultPageSize = 0x1000

// A Buffer is a heap-backed mapping at a fixed base address with per-page
// protection. It stands in for an image mapped by the host: reads are always
// allowed, writes only succeed on writable pages.
type Buffer struct {
	mu       sync.RWMutex
	base     uintptr
	data     []byte
	prot     []Prot
	pageSize uintptr
}

// NewBuffer maps data at base with every page set to prot. base must be
// page aligned; the mapping is padded with zeros to a whole page.
func NewBuffer(base uintptr, data []byte, prot Prot) (*Buffer, error) {
	return NewBufferPageSize(base, data, prot, DefaultPageSize)
}

// NewBufferPageSize is NewBuffer with an explicit page size.
func NewBufferPageSize(base uintptr, data []byte, prot Prot, pageSize uintptr) (*Buffer, error) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("invalid page size %#x", pageSize)
	}
	if base%pageSize != 0 {
		return nil, fmt.Errorf("base %#x is not aligned to page size %#x", base, pageSize)
	}
	size := alignUp(uintptr(len(data)), pageSize)
	if size == 0 {
		size = pageSize
	}
	mapped := make([]byte, size)
	copy(mapped, data)

	pages := make([]Prot, size/pageSize)
	for i := range pages {
		pages[i] = prot
	}
	return &Buffer{base: base, data: mapped, prot: pages, pageSize: pageSize}, nil
}

// Base returns the first mapped address.
func (b *Buffer) Base() uintptr { return b.base }

// Size returns the mapped length in bytes.
func (b *Buffer) Size() int { return len(b.data) }

// Bytes returns the whole mapping. The caller must not retain it across
// writes made through other views.
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data
}

func (b *Buffer) PageSize() uintptr { return b.pageSize }

func (b *Buffer) contains(addr uintptr, n int) bool {
	if n < 0 || addr < b.base {
		return false
	}
	off := addr - b.base
	return off <= uintptr(len(b.data)) && uintptr(n) <= uintptr(len(b.data))-off
}

func (b *Buffer) Protection(addr uintptr) (Prot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.contains(addr, 1) {
		return ProtNone, rangeError(ErrUnmapped, addr, 1)
	}
	return b.prot[(addr-b.base)/b.pageSize], nil
}

func (b *Buffer) Protect(addr uintptr, n int, prot Prot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	start, end := pageSpan(addr, n, b.pageSize)
	if !b.contains(start, int(end-start)) {
		return rangeError(ErrUnmapped, addr, n)
	}
	for page := start; page < end; page += b.pageSize {
		b.prot[(page-b.base)/b.pageSize] = prot
	}
	return nil
}

func (b *Buffer) Slice(addr uintptr, n int) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.contains(addr, n) {
		return nil, rangeError(ErrUnmapped, addr, n)
	}
	off := addr - b.base
	return b.data[off : off+uintptr(n) : off+uintptr(n)], nil
}

func (b *Buffer) Write(addr uintptr, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.contains(addr, len(p)) {
		return rangeError(ErrUnmapped, addr, len(p))
	}
	start, end := pageSpan(addr, len(p), b.pageSize)
	for page := start; page < end; page += b.pageSize {
		if b.prot[(page-b.base)/b.pageSize]&ProtW == 0 {
			return rangeError(ErrProtected, addr, len(p))
		}
	}
	copy(b.data[addr-b.base:], p)
	return nil
}

// A Space is an address space made of non-overlapping Buffers. It is the
// simulated host memory images are mapped into.
type Space struct {
	mu       sync.RWMutex
	buffers  []*Buffer
	pageSize uintptr
}

// NewSpace returns an empty address space using the given page size.
func NewSpace(pageSize uintptr) *Space {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	return &Space{pageSize: pageSize}
}

var errOverlap = errors.New("mapping overlaps an existing buffer")

// Map adds buf to the space.
func (s *Space) Map(buf *Buffer) error {
	if buf.pageSize != s.pageSize {
		return fmt.Errorf("buffer page size %#x differs from space page size %#x", buf.pageSize, s.pageSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	end := buf.base + uintptr(buf.Size())
	for _, other := range s.buffers {
		if buf.base < other.base+uintptr(other.Size()) && other.base < end {
			return fmt.Errorf("%w at %#x", errOverlap, other.base)
		}
	}
	s.buffers = append(s.buffers, buf)
	sort.Slice(s.buffers, func(i, j int) bool { return s.buffers[i].base < s.buffers[j].base })
	return nil
}

func (s *Space) find(addr uintptr, n int) (*Buffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.buffers), func(i int) bool {
		return s.buffers[i].base+uintptr(s.buffers[i].Size()) > addr
	})
	if i < len(s.buffers) && s.buffers[i].contains(addr, n) {
		return s.buffers[i], nil
	}
	return nil, rangeError(ErrUnmapped, addr, n)
}

func (s *Space) PageSize() uintptr { return s.pageSize }

func (s *Space) Protection(addr uintptr) (Prot, error) {
	buf, err := s.find(addr, 1)
	if err != nil {
		return ProtNone, err
	}
	return buf.Protection(addr)
}

func (s *Space) Protect(addr uintptr, n int, prot Prot) error {
	start, end := pageSpan(addr, n, s.pageSize)
	buf, err := s.find(start, int(end-start))
	if err != nil {
		return err
	}
	return buf.Protect(addr, n, prot)
}

func (s *Space) Slice(addr uintptr, n int) ([]byte, error) {
	buf, err := s.find(addr, n)
	if err != nil {
		return nil, err
	}
	return buf.Slice(addr, n)
}

func (s *Space) Write(addr uintptr, p []byte) error {
	buf, err := s.find(addr, len(p))
	if err != nil {
		return err
	}
	return buf.Write(addr, p)
}

// An Arena is a bump allocator over an executable Buffer.
type Arena struct {
	mu   sync.Mutex
	buf  *Buffer
	next uintptr
}

// NewArena allocates from the whole of buf.
func NewArena(buf *Buffer) *Arena {
	return &Arena{buf: buf, next: buf.base}
}

const arenaAlign = 16

func (a *Arena) Alloc(n int) (uintptr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("invalid allocation size %d", n)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	addr := alignUp(a.next, arenaAlign)
	if !a.buf.contains(addr, n) {
		return 0, fmt.Errorf("arena exhausted: need %d bytes at %#x", n, addr)
	}
	a.next = addr + uintptr(n)
	return addr, nil
}
