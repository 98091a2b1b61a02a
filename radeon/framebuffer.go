package radeon

import (
	"encoding/binary"

	"github.com/sliverarmory/kextpatch"
)

// symBitsPerComponent is the framebuffer's zero-terminated table of
// supported component depths, C ints.
const symBitsPerComponent = "__ZL18BITS_PER_COMPONENT"

func (r *RAD) processFramebuffer(l *kextpatch.Load) error {
	if r.flags.Force24Bpp {
		r.fixBitsPerComponent(l)
	}
	// the pixel format patch is disabled without -rad24
	_, err := l.ApplyPatches()
	return err
}

// fixBitsPerComponent lowers every 10 bit entry of the component depth
// table to 8. Failures are logged and leave the table alone.
func (r *RAD) fixBitsPerComponent(l *kextpatch.Load) {
	log := l.Logger()
	addr, err := l.Resolve(symBitsPerComponent)
	if err != nil {
		log.Warn().Err(err).Msg("failed to find BITS_PER_COMPONENT")
		return
	}
	end := l.Base() + uintptr(l.Size())
	for ; addr+4 <= end; addr += 4 {
		b, err := l.Memory().Slice(addr, 4)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read BITS_PER_COMPONENT")
			return
		}
		bits := int32(binary.NativeEndian.Uint32(b))
		if bits == 0 {
			return
		}
		if bits != 10 {
			continue
		}
		log.Debug().Msg("fixing BITS_PER_COMPONENT")
		eight := binary.NativeEndian.AppendUint32(nil, 8)
		if err := l.Write(addr, eight); err != nil {
			log.Error().Err(err).Msg("failed to disable write protection for BITS_PER_COMPONENT")
		}
	}
}
