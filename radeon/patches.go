package radeon

import (
	"bytes"

	"github.com/sliverarmory/kextpatch/config"
	"github.com/sliverarmory/kextpatch/patch"
)

// Patches returns the family's byte patches for flags, in the order they
// are applied.
func Patches(flags config.Flags) []patch.Descriptor {
	return []patch.Descriptor{
		{
			// Neutralises the VRAM info null check.
			Name:    "vram-info-null-check",
			Image:   IDSupport,
			Find:    []byte{0x48, 0x89, 0x83, 0x18, 0x01, 0x00, 0x00, 0x31, 0xC0, 0x48, 0x85, 0xC9, 0x75, 0x3E, 0x48, 0x8D, 0x3D, 0xA4, 0xE2, 0x01, 0x00},
			Replace: []byte{0x48, 0x89, 0x83, 0x18, 0x01, 0x00, 0x00, 0x31, 0xC0, 0x48, 0x85, 0xC9, 0x74, 0x3E, 0x48, 0x8D, 0x3D, 0xA4, 0xE2, 0x01, 0x00},
		},
		{
			Name:    "hwlibs-lookup",
			Image:   IDHWLibs,
			Find:    []byte{0x74, 0x6E, 0x45, 0x85, 0xF6, 0x0F, 0x84, 0xB4, 0x00, 0x00, 0x00},
			Replace: bytes.Repeat([]byte{0x90}, 11),
			Count:   2,
		},
		{
			// startHWEngines runs its engine loop once: there is one SDMA
			// engine.
			Name:        "start-hw-engines",
			Image:       IDX5000,
			Find:        []byte{0x40, 0x83, 0xF0, 0x02},
			Mask:        []byte{0xF0, 0xFF, 0xF0, 0xFF},
			Replace:     []byte{0x40, 0x83, 0xF0, 0x01},
			ReplaceMask: []byte{0xF0, 0xFF, 0xF0, 0xFF},
			Count:       1,
		},
		{
			Name:     "pixel-format-24bpp",
			Image:    IDFramebuffer,
			Find:     []byte("--RRRRRRRRRRGGGGGGGGGGBBBBBBBBBB"),
			Replace:  []byte("--------RRRRRRRRGGGGGGGGBBBBBBBB"),
			Count:    2,
			Disabled: !flags.Force24Bpp,
		},
		{
			// Removes the framebuffer count >= 2 check.
			Name:    "agdp-fb-count",
			Image:   IDAGDP,
			Find:    []byte{0x02, 0x00, 0x00, 0x83, 0xF8, 0x02},
			Replace: []byte{0x02, 0x00, 0x00, 0x83, 0xF8, 0x00},
		},
		{
			// Neutralises the configuration lookup by board identifier.
			Name:    "agdp-board-id",
			Image:   IDAGDP,
			Find:    []byte("board-id\x00"),
			Replace: []byte("applehax\x00"),
		},
		coreLSKD(IDCoreLSKD),
		coreLSKD(IDCoreLSKDMSE),
	}
}

// coreLSKD replaces the CPUID leaf 1 probe with a fixed signature.
func coreLSKD(image string) patch.Descriptor {
	return patch.Descriptor{
		Name:    "core-lskd",
		Image:   image,
		Find:    []byte{0xC7, 0xC0, 0x01, 0x00, 0x00, 0x00, 0x0F, 0xA2},
		Replace: []byte{0xC7, 0xC0, 0xC3, 0x06, 0x03, 0x00, 0x90, 0x90},
	}
}
