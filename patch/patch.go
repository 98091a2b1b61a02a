// Package patch applies declarative byte patches to loaded images.
//
// A Catalog holds descriptors in registration order. Applying it to a
// loaded image scans the image for every descriptor owned by that image and
// overwrites the selected occurrences under the memory write guard. A
// descriptor whose occurrence count does not meet its expectation is a soft
// miss: it is logged and recorded, and the remaining descriptors still run.
package patch

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/sliverarmory/kextpatch/memmod"
	"github.com/sliverarmory/kextpatch/pattern"
)

var (
	ErrInvalid  = errors.New("invalid patch descriptor")
	ErrMiss     = errors.New("patch pattern miss")
	ErrRequired = errors.New("required patch failed")
)

// A Descriptor is one find/replace instruction. It is immutable once it is
// part of a Catalog.
type Descriptor struct {
	// Name identifies the patch in logs and reports.
	Name string
	// Image is the identity of the image the patch belongs to.
	Image string

	Find []byte
	// Mask selects the bits of Find that must match. nil means exact.
	Mask    []byte
	Replace []byte
	// ReplaceMask selects the bits of Replace that are written; the other
	// bits keep their current value. nil writes Replace as is.
	ReplaceMask []byte

	// Count is the number of occurrences to patch after Skip. Zero patches
	// every occurrence found.
	Count int
	// Skip is the number of leading occurrences left alone.
	Skip int
	// Min and Max bound the number of occurrences in the image. Zero
	// leaves a bound unchecked.
	Min, Max int

	// Required patches escalate any failure to the caller.
	Required bool
	// Disabled patches are not applicable to this configuration and are
	// never scanned for.
	Disabled bool
}

// Validate checks the descriptor's structural invariants.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalid)
	}
	if d.Image == "" {
		return fmt.Errorf("%w %s: empty image identity", ErrInvalid, d.Name)
	}
	if err := d.Pattern().Validate(); err != nil {
		return fmt.Errorf("%w %s: %v", ErrInvalid, d.Name, err)
	}
	if len(d.Replace) != len(d.Find) {
		return fmt.Errorf("%w %s: find is %d bytes, replace is %d", ErrInvalid, d.Name, len(d.Find), len(d.Replace))
	}
	if d.ReplaceMask != nil && len(d.ReplaceMask) != len(d.Replace) {
		return fmt.Errorf("%w %s: replace mask length differs from replace length", ErrInvalid, d.Name)
	}
	if d.Count < 0 || d.Skip < 0 || d.Min < 0 || d.Max < 0 {
		return fmt.Errorf("%w %s: negative count", ErrInvalid, d.Name)
	}
	if d.Max != 0 && d.Min > d.Max {
		return fmt.Errorf("%w %s: min %d exceeds max %d", ErrInvalid, d.Name, d.Min, d.Max)
	}
	if d.Max != 0 && d.Skip+d.Count > d.Max {
		return fmt.Errorf("%w %s: skip+count exceeds max", ErrInvalid, d.Name)
	}
	return nil
}

// Pattern returns the descriptor's search pattern.
func (d Descriptor) Pattern() pattern.Pattern {
	return pattern.Pattern{Needle: d.Find, Mask: d.Mask}
}

// selectOccurrences picks the occurrences to patch out of the ones found.
func (d Descriptor) selectOccurrences(found []int) ([]int, error) {
	n := len(found)
	switch {
	case n == 0:
		return nil, fmt.Errorf("%w: %s: pattern not found", ErrMiss, d.Name)
	case d.Min != 0 && n < d.Min:
		return nil, fmt.Errorf("%w: %s: found %d occurrences, want at least %d", ErrMiss, d.Name, n, d.Min)
	case d.Max != 0 && n > d.Max:
		return nil, fmt.Errorf("%w: %s: found %d occurrences, want at most %d", ErrMiss, d.Name, n, d.Max)
	case n <= d.Skip:
		return nil, fmt.Errorf("%w: %s: found %d occurrences, all skipped", ErrMiss, d.Name, n)
	}
	selected := found[d.Skip:]
	if d.Count != 0 {
		if len(selected) < d.Count {
			return nil, fmt.Errorf("%w: %s: found %d occurrences after skip, want %d", ErrMiss, d.Name, len(selected), d.Count)
		}
		selected = selected[:d.Count]
	}
	return selected, nil
}

// bytesFor returns what to write over current.
func (d Descriptor) bytesFor(current []byte) []byte {
	if d.ReplaceMask == nil {
		return d.Replace
	}
	out := make([]byte, len(d.Replace))
	for i := range out {
		out[i] = current[i]&^d.ReplaceMask[i] | d.Replace[i]&d.ReplaceMask[i]
	}
	return out
}

// A Target is a loaded image patches are applied to.
type Target struct {
	Image  string
	Index  int
	Base   uintptr
	Size   int
	Memory memmod.Memory
	Guard  *memmod.Guard
}

// Result is the outcome of one descriptor.
type Result struct {
	Name    string
	Found   int
	Patched []uintptr
	Skipped bool
	Err     error
}

// A Report lists what Apply did, in registration order.
type Report struct {
	Image   string
	Results []Result
}

// Applied returns the names of the patches that were written.
func (r *Report) Applied() []string {
	var out []string
	for _, res := range r.Results {
		if res.Err == nil && !res.Skipped {
			out = append(out, res.Name)
		}
	}
	return out
}

// Err combines every per-patch failure, or returns nil.
func (r *Report) Err() error {
	var err error
	for _, res := range r.Results {
		err = multierr.Append(err, res.Err)
	}
	return err
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:", r.Image)
	for _, res := range r.Results {
		switch {
		case res.Skipped:
			fmt.Fprintf(&b, " %s=skipped", res.Name)
		case res.Err != nil:
			fmt.Fprintf(&b, " %s=failed", res.Name)
		default:
			fmt.Fprintf(&b, " %s=%d", res.Name, len(res.Patched))
		}
	}
	return b.String()
}

// A Catalog is an ordered table of patch descriptors.
type Catalog struct {
	descs []Descriptor
	log   zerolog.Logger
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the catalog's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Catalog) { c.log = log }
}

// NewCatalog validates descs and returns them as a catalog. Nothing is
// registered if any descriptor is invalid.
func NewCatalog(descs []Descriptor, opts ...Option) (*Catalog, error) {
	c := &Catalog{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	var err error
	for _, d := range descs {
		err = multierr.Append(err, d.Validate())
	}
	if err != nil {
		return nil, err
	}
	c.descs = append(c.descs, descs...)
	return c, nil
}

// MustCatalog is like NewCatalog but panics on an invalid descriptor. It is
// meant for package-level patch tables.
func MustCatalog(descs []Descriptor, opts ...Option) *Catalog {
	c, err := NewCatalog(descs, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Add appends a descriptor.
func (c *Catalog) Add(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	c.descs = append(c.descs, d)
	return nil
}

// Len returns the number of descriptors.
func (c *Catalog) Len() int { return len(c.descs) }

// For returns the descriptors owned by image, in registration order.
func (c *Catalog) For(image string) []Descriptor {
	var out []Descriptor
	for _, d := range c.descs {
		if d.Image == image {
			out = append(out, d)
		}
	}
	return out
}

// Images returns the distinct image identities patches are registered for.
func (c *Catalog) Images() []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range c.descs {
		if !seen[d.Image] {
			seen[d.Image] = true
			out = append(out, d.Image)
		}
	}
	return out
}

// Apply runs every descriptor of t.Image against [t.Base, t.Base+t.Size).
// Per-patch failures are recorded in the report. The returned error is
// non-nil only when a Required patch failed; the remaining patches have
// still been applied by then.
func (c *Catalog) Apply(t Target) (*Report, error) {
	report := &Report{Image: t.Image}
	if t.Memory == nil || t.Guard == nil {
		return report, fmt.Errorf("apply patches to %s: target has no memory or guard", t.Image)
	}
	image, err := t.Memory.Slice(t.Base, t.Size)
	if err != nil {
		return report, fmt.Errorf("apply patches to %s: %w", t.Image, err)
	}
	log := c.log.With().Str("image", t.Image).Int("index", t.Index).Logger()

	var required error
	for _, d := range c.descs {
		if d.Image != t.Image {
			continue
		}
		res := c.applyOne(log, t, image, d)
		report.Results = append(report.Results, res)
		if res.Err != nil && d.Required {
			required = multierr.Append(required, fmt.Errorf("%w: %w", ErrRequired, res.Err))
		}
	}
	return report, required
}

func (c *Catalog) applyOne(log zerolog.Logger, t Target, image []byte, d Descriptor) Result {
	res := Result{Name: d.Name}
	if d.Disabled {
		res.Skipped = true
		log.Debug().Str("patch", d.Name).Msg("patch not applicable")
		return res
	}

	found := pattern.FindAll(image, d.Find, d.Mask, 0)
	res.Found = len(found)
	selected, err := d.selectOccurrences(found)
	if err != nil {
		res.Err = err
		log.Warn().Str("patch", d.Name).Int("found", len(found)).Msg("failed to apply patch")
		return res
	}

	// All occurrences are written under one guard hold spanning them, so
	// either every selected occurrence is patched or none is.
	first, last := selected[0], selected[len(selected)-1]
	var written []original
	err = t.Guard.With(t.Base+uintptr(first), last+len(d.Find)-first, func() error {
		for _, off := range selected {
			addr := t.Base + uintptr(off)
			current := bytes.Clone(image[off : off+len(d.Find)])
			if err := t.Memory.Write(addr, d.bytesFor(current)); err != nil {
				return multierr.Append(fmt.Errorf("at %#x: %w", addr, err), rollback(t.Memory, written))
			}
			written = append(written, original{addr: addr, data: current})
		}
		return nil
	})
	if err != nil {
		res.Err = fmt.Errorf("patch %s: %w", d.Name, err)
		log.Error().Err(err).Str("patch", d.Name).Int("found", len(found)).Msg("failed to write patch")
		return res
	}
	for _, w := range written {
		res.Patched = append(res.Patched, w.addr)
	}
	log.Info().Str("patch", d.Name).Int("patched", len(res.Patched)).Int("found", len(found)).Msg("applied patch")
	return res
}

type original struct {
	addr uintptr
	data []byte
}

// rollback restores written occurrences newest first, so overlapping
// occurrences end up with their pre-patch bytes.
func rollback(mem memmod.Memory, written []original) (err error) {
	for i := len(written) - 1; i >= 0; i-- {
		err = multierr.Append(err, mem.Write(written[i].addr, written[i].data))
	}
	return err
}
