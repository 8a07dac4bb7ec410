package linker

import (
	"encoding/binary"

	"github.com/tinyrange/turnstone-core/internal/abi"
)

// pltEntrySize is the width of one PLT stub, including PLT0.
const pltEntrySize = 16

// plt is the program's procedure linkage table under construction: PLT0 is
// the shared resolver stub, followed by one per-symbol stub for every
// relocation that could not be resolved against the modules visited during
// LinkModule.
type plt struct {
	entries []PLTEntry
	index   map[string]int

	base uint64 // set by BindLinearAddresses
}

func newPLT() *plt {
	return &plt{index: make(map[string]int)}
}

func (p *plt) ensure(name string) int {
	if i, ok := p.index[name]; ok {
		return i
	}
	i := len(p.entries)
	p.entries = append(p.entries, PLTEntry{SymbolName: name})
	p.index[name] = i
	return i
}

func (p *plt) size() uint64 {
	if len(p.entries) == 0 {
		return 0
	}
	return uint64(len(p.entries)+1) * pltEntrySize // +1 for PLT0
}

func (p *plt) stubAddress(name string) (uint64, bool) {
	i, ok := p.index[name]
	if !ok {
		return 0, false
	}
	return p.base + uint64(i+1)*pltEntrySize, true
}

// encode lays out PLT0 followed by every per-symbol stub. Rather than real
// x86-64 machine code (no assembler sits behind this repo), each stub is a
// small tagged record the vmexit handler's hypercall dispatcher recognizes
// when the guest "executes" it in the software VM backend: PLT0 carries the
// dynamic-load request code, each stub carries the index PLT0 needs to know
// which symbol it is resolving.
func (p *plt) encode() []byte {
	buf := make([]byte, p.size())
	if len(buf) == 0 {
		return buf
	}

	binary.LittleEndian.PutUint32(buf[0:4], uint32(abi.HypercallDynamicLoad))

	for i, e := range p.entries {
		off := uint64(i+1) * pltEntrySize
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(abi.HypercallDynamicLoad))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(i))
		_ = e
	}
	return buf
}
