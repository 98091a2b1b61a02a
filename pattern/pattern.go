// Package pattern finds fixed-length, optionally masked byte sequences in
// memory regions.
//
// A mask byte selects which bits of the corresponding needle byte must
// match: 0xFF is an exact byte, 0x00 is a full wildcard and anything in
// between compares only the set bits.
package pattern

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyNeedle  = errors.New("pattern: empty needle")
	ErrMaskLength   = errors.New("pattern: mask length differs from needle length")
	ErrInvalidToken = errors.New("pattern: invalid hex token")
)

// A Pattern is a needle plus an optional mask of the same length.
type Pattern struct {
	Needle []byte
	Mask   []byte
}

// Validate reports whether the pattern can be used for a scan.
func (p Pattern) Validate() error {
	if len(p.Needle) == 0 {
		return ErrEmptyNeedle
	}
	if p.Mask != nil && len(p.Mask) != len(p.Needle) {
		return fmt.Errorf("%w (needle %d, mask %d)", ErrMaskLength, len(p.Needle), len(p.Mask))
	}
	return nil
}

// Len returns the needle length.
func (p Pattern) Len() int { return len(p.Needle) }

// String renders the pattern in the same notation ParseHex accepts.
func (p Pattern) String() string {
	var b strings.Builder
	for i, c := range p.Needle {
		if i > 0 {
			b.WriteByte(' ')
		}
		if p.Mask != nil && p.Mask[i] == 0 {
			b.WriteString("??")
			continue
		}
		fmt.Fprintf(&b, "%02x", c)
	}
	return b.String()
}

// Find returns the offset of the first occurrence, or -1.
func (p Pattern) Find(haystack []byte) int {
	return Find(haystack, p.Needle, p.Mask)
}

// FindAll returns up to limit non-overlapping occurrences.
func (p Pattern) FindAll(haystack []byte, limit int) []int {
	return FindAll(haystack, p.Needle, p.Mask, limit)
}

// Find returns the offset of the first occurrence of needle in haystack, or
// -1. A nil mask requires an exact match.
func Find(haystack, needle, mask []byte) int {
	return FindNth(haystack, needle, mask, 0)
}

// FindNth returns the offset of the n-th (0-based) non-overlapping
// occurrence, or -1 if there are not that many.
func FindNth(haystack, needle, mask []byte, n int) int {
	if n < 0 {
		return -1
	}
	found := FindAll(haystack, needle, mask, n+1)
	if len(found) <= n {
		return -1
	}
	return found[n]
}

// FindAll returns the offsets of non-overlapping occurrences in ascending
// order, stopping after limit matches. limit <= 0 means no limit.
func FindAll(haystack, needle, mask []byte, limit int) []int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return nil
	}
	if mask != nil && len(mask) != len(needle) {
		return nil
	}

	var out []int
	last := len(haystack) - len(needle)
	for i := 0; i <= last; {
		if !matchAt(haystack[i:i+len(needle)], needle, mask) {
			i++
			continue
		}
		out = append(out, i)
		if limit > 0 && len(out) == limit {
			break
		}
		i += len(needle)
	}
	return out
}

// Match reports whether window matches needle under mask. The lengths of
// window and needle must be equal.
func Match(window, needle, mask []byte) bool {
	if len(window) != len(needle) || (mask != nil && len(mask) != len(needle)) {
		return false
	}
	return matchAt(window, needle, mask)
}

func matchAt(window, needle, mask []byte) bool {
	if mask == nil {
		for i := range needle {
			if window[i] != needle[i] {
				return false
			}
		}
		return true
	}
	for i := range needle {
		if window[i]&mask[i] != needle[i]&mask[i] {
			return false
		}
	}
	return true
}

// ParseHex parses a whitespace separated hex pattern such as
// "48 8b ?? 05". A "??" token becomes a wildcard byte. Tokens may also be
// packed ("488b05"). The mask is nil when the pattern has no wildcard.
func ParseHex(s string) (Pattern, error) {
	var p Pattern
	wild := false
	for _, tok := range strings.Fields(s) {
		if tok == "??" || tok == "?" {
			p.Needle = append(p.Needle, 0)
			p.Mask = append(p.Mask, 0)
			wild = true
			continue
		}
		raw, err := hex.DecodeString(tok)
		if err != nil {
			return Pattern{}, fmt.Errorf("%w %q: %v", ErrInvalidToken, tok, err)
		}
		p.Needle = append(p.Needle, raw...)
		for range raw {
			p.Mask = append(p.Mask, 0xFF)
		}
	}
	if !wild {
		p.Mask = nil
	}
	if err := p.Validate(); err != nil {
		return Pattern{}, err
	}
	return p, nil
}

// MustParseHex is like ParseHex but panics on error. It is meant for
// package-level pattern tables.
func MustParseHex(s string) Pattern {
	p, err := ParseHex(s)
	if err != nil {
		panic(err)
	}
	return p
}
