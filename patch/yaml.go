package patch

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/sliverarmory/kextpatch/pattern"
)

// hexPattern is a YAML scalar in pattern.ParseHex notation.
type hexPattern pattern.Pattern

func (h *hexPattern) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("line %d: expected hex string: %w", n.Line, err)
	}
	p, err := pattern.ParseHex(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*h = hexPattern(p)
	return nil
}

type yamlDescriptor struct {
	Name        string      `yaml:"name"`
	Image       string      `yaml:"image"`
	Find        hexPattern  `yaml:"find"`
	Mask        *hexPattern `yaml:"mask,omitempty"`
	Replace     hexPattern  `yaml:"replace"`
	ReplaceMask *hexPattern `yaml:"replace_mask,omitempty"`
	Count       int         `yaml:"count,omitempty"`
	Skip        int         `yaml:"skip,omitempty"`
	Min         int         `yaml:"min,omitempty"`
	Max         int         `yaml:"max,omitempty"`
	Required    bool        `yaml:"required,omitempty"`
	Enabled     *bool       `yaml:"enabled,omitempty"`
}

type yamlCatalog struct {
	Patches []yamlDescriptor `yaml:"patches"`
}

func (y yamlDescriptor) descriptor() (Descriptor, error) {
	d := Descriptor{
		Name:     y.Name,
		Image:    y.Image,
		Find:     y.Find.Needle,
		Mask:     y.Find.Mask,
		Replace:  y.Replace.Needle,
		Count:    y.Count,
		Skip:     y.Skip,
		Min:      y.Min,
		Max:      y.Max,
		Required: y.Required,
		Disabled: y.Enabled != nil && !*y.Enabled,
	}
	if y.Mask != nil {
		if y.Find.Mask != nil {
			return d, fmt.Errorf("%s: find has wildcards and an explicit mask", y.Name)
		}
		if y.Mask.Mask != nil {
			return d, fmt.Errorf("%s: mask cannot contain wildcards", y.Name)
		}
		d.Mask = y.Mask.Needle
	}
	if y.Replace.Mask != nil {
		if y.ReplaceMask != nil {
			return d, fmt.Errorf("%s: replace has wildcards and an explicit replace_mask", y.Name)
		}
		// "??" in a replacement keeps the original byte
		d.ReplaceMask = make([]byte, len(y.Replace.Mask))
		copy(d.ReplaceMask, y.Replace.Mask)
	}
	if y.ReplaceMask != nil {
		d.ReplaceMask = y.ReplaceMask.Needle
	}
	return d, nil
}

// LoadCatalog reads a YAML patch catalog:
//
//	patches:
//	  - name: startHWEngines
//	    image: com.apple.kext.AMDRadeonX5000HWLibs
//	    find: "40 83 f0 02"
//	    mask: "f0 ff f0 ff"
//	    replace: "40 83 f0 01"
//	    count: 1
//
// Hex strings accept "??" wildcards. Unknown keys are rejected.
func LoadCatalog(r io.Reader, opts ...Option) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc yamlCatalog
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return NewCatalog(nil, opts...)
		}
		return nil, fmt.Errorf("decode patch catalog: %w", err)
	}

	descs := make([]Descriptor, 0, len(doc.Patches))
	for i, y := range doc.Patches {
		d, err := y.descriptor()
		if err != nil {
			return nil, fmt.Errorf("patch %d: %w", i, err)
		}
		descs = append(descs, d)
	}
	return NewCatalog(descs, opts...)
}
