package linker

import (
	"encoding/binary"
	"fmt"
)

// relocSite carries the addresses a single relocation's arithmetic needs:
// S the symbol's resolved linear address, P the relocation site's own
// linear address, G the symbol's GOT slot address, L the symbol's PLT stub
// address (zero if it has none), and the GOT/PLT region bases.
type relocSite struct {
	S, P, G, L, GOTBase, PLTBase uint64
	A                            int64
}

// value computes the relocation's patch value per spec.md's relocation
// arithmetic table.
func (k RelocKind) value(site relocSite) (uint64, error) {
	s, a, p := int64(site.S), site.A, int64(site.P)
	switch k {
	case RelocAbs32, RelocAbs32S, RelocAbs64:
		return uint64(s + a), nil
	case RelocPC32, RelocPC64:
		return uint64(s + a - p), nil
	case RelocGOT64:
		return uint64(int64(site.G) + a), nil
	case RelocGOTOff64:
		return uint64(s + a - int64(site.GOTBase)), nil
	case RelocGOTPC64:
		return uint64(int64(site.GOTBase) + a - p), nil
	case RelocPLTOff64:
		return uint64(int64(site.L) + a - int64(site.PLTBase)), nil
	default:
		return 0, fmt.Errorf("linker: unknown relocation kind %d", uint8(k))
	}
}

// apply patches code[offset:offset+width] with the relocation's computed
// value, truncating (with an overflow check for the signed 32-bit kind) for
// 32-bit relocation kinds.
func (k RelocKind) apply(code []byte, offset uint64, site relocSite) error {
	v, err := k.value(site)
	if err != nil {
		return err
	}
	width := k.width()
	if offset+uint64(width) > uint64(len(code)) {
		return fmt.Errorf("linker: relocation at offset 0x%x (width %d) exceeds code of size %d", offset, width, len(code))
	}

	switch width {
	case 4:
		if k == RelocAbs32S {
			sv := int64(v)
			if sv > (1<<31)-1 || sv < -(1<<31) {
				return fmt.Errorf("linker: relocation at offset 0x%x overflows signed 32 bits: %d", offset, sv)
			}
		}
		binary.LittleEndian.PutUint32(code[offset:offset+4], uint32(v))
	default:
		binary.LittleEndian.PutUint64(code[offset:offset+8], v)
	}
	return nil
}
