package linker

import "fmt"

// SectionCountWithoutRelocations implements
// linker_get_section_count_without_relocations: the number of visited
// modules that need no relocation pass at all, which a loader can map
// read-only and share across VMs without per-instance patching.
func (ctx *BuildContext) SectionCountWithoutRelocations() int {
	n := 0
	for _, id := range ctx.order {
		if len(ctx.modules[id].Relocations) == 0 {
			n++
		}
	}
	return n
}

// CalculateProgramSize implements linker_calculate_program_size: the sum of
// every visited module's code (unpadded; modules are packed
// back to back, not page-aligned — only the module database's own blocks
// are page-aligned) plus the GOT and PLT regions.
func (ctx *BuildContext) CalculateProgramSize() uint64 {
	var total uint64
	for _, id := range ctx.order {
		total += uint64(len(ctx.modules[id].Code))
	}
	total += ctx.got.size()
	total += ctx.plt.size()
	return total
}

// BindLinearAddresses implements linker_bind_linear_addresses: it assigns
// every module a load address in link order starting at base, then places
// the GOT immediately after the last module and the PLT immediately after
// the GOT.
func (ctx *BuildContext) BindLinearAddresses(base uint64) error {
	ctx.baseAddress = base
	addr := base
	for _, id := range ctx.order {
		m := ctx.modules[id]
		m.loadAddress = addr
		m.placed = true
		addr += uint64(len(m.Code))
	}
	ctx.got.base = addr
	addr += ctx.got.size()
	ctx.plt.base = addr
	return nil
}

// resolveSymbolAddress returns the linear address of an exported symbol
// across every visited module, valid only after BindLinearAddresses.
func (ctx *BuildContext) resolveSymbolAddress(name string) (uint64, bool) {
	for _, id := range ctx.order {
		m := ctx.modules[id]
		for _, s := range m.Symbols {
			if s.Name == name && s.Exported {
				return m.loadAddress + s.Value, true
			}
		}
	}
	return 0, false
}

// BindGOTEntryValues implements linker_bind_got_entry_values: every GOT
// slot backing a resolved symbol gets that symbol's linear address; slots
// backing a PLT-only symbol get the symbol's PLT stub address instead, so
// the first call through the GOT lands in the resolver stub.
func (ctx *BuildContext) BindGOTEntryValues() error {
	if len(ctx.order) > 0 && !ctx.modules[ctx.order[0]].placed {
		return ErrNotPlaced
	}
	for _, e := range ctx.got.entries {
		if addr, ok := ctx.resolveSymbolAddress(e.SymbolName); ok {
			ctx.got.resolve(e.SymbolName, addr)
			continue
		}
		if addr, ok := ctx.plt.stubAddress(e.SymbolName); ok {
			ctx.got.resolve(e.SymbolName, addr)
			continue
		}
		return fmt.Errorf("%w: %q", ErrUnresolvedSymbol, e.SymbolName)
	}
	return nil
}

// LinkProgram implements linker_link_program: it applies every module's
// relocations against the now-bound addresses and returns the final
// concatenated image (modules, in link order, followed by GOT, then PLT),
// prefixed with a ProgramHeader.
func (ctx *BuildContext) LinkProgram() ([]byte, error) {
	if len(ctx.order) == 0 {
		return nil, fmt.Errorf("linker: no modules to link")
	}

	for _, id := range ctx.order {
		m := ctx.modules[id]
		if !m.placed {
			return nil, ErrNotPlaced
		}
		code := append([]byte(nil), m.Code...)
		for _, rel := range m.Relocations {
			site := relocSite{
				P:       m.loadAddress + rel.Offset,
				GOTBase: ctx.got.base,
				PLTBase: ctx.plt.base,
				A:       rel.Addend,
			}
			if addr, ok := ctx.resolveSymbolAddress(rel.SymbolName); ok {
				site.S = addr
			} else if addr, ok := ctx.plt.stubAddress(rel.SymbolName); ok {
				site.L = addr
				site.S = addr
			} else {
				return nil, fmt.Errorf("%w: %q", ErrUnresolvedSymbol, rel.SymbolName)
			}
			if addr, ok := ctx.got.slotAddress(rel.SymbolName); ok {
				site.G = addr
			}
			if err := rel.Kind.apply(code, rel.Offset, site); err != nil {
				return nil, fmt.Errorf("linker: module %q: %w", m.Name, err)
			}
		}
		m.Code = code
	}

	entryAddr, err := ctx.entryPointAddress()
	if err != nil {
		return nil, err
	}

	header := ProgramHeader{
		Magic:       ProgramHeaderMagic,
		EntryPoint:  entryAddr,
		BaseAddress: ctx.baseAddress,
		GOTOffset:   ctx.got.base - ctx.baseAddress,
		GOTSize:     ctx.got.size(),
		PLTOffset:   ctx.plt.base - ctx.baseAddress,
		PLTSize:     ctx.plt.size(),
		ModuleCount: uint32(len(ctx.order)),
	}
	header.TotalSize = ctx.plt.base + ctx.plt.size() - ctx.baseAddress

	return ctx.dumpProgram(header), nil
}

// EntryPointAddress exposes entryPointAddress to callers outside the
// package (the hypervisor's dynamic-load hypercall handler needs the load
// address of a module it just linked on the guest's behalf).
func (ctx *BuildContext) EntryPointAddress() (uint64, error) {
	return ctx.entryPointAddress()
}

func (ctx *BuildContext) entryPointAddress() (uint64, error) {
	rootID := ctx.order[0]
	root := ctx.modules[rootID]
	if root.EntryPoint == "" {
		return root.loadAddress, nil
	}
	addr, ok := ctx.resolveSymbolAddress(root.EntryPoint)
	if !ok {
		return 0, fmt.Errorf("%w: entry point %q", ErrUnresolvedSymbol, root.EntryPoint)
	}
	return addr, nil
}

// dumpProgram implements linker_dump_program_to_array: header, then every
// module's (now relocated) code in link order, then the GOT, then the PLT.
func (ctx *BuildContext) dumpProgram(header ProgramHeader) []byte {
	out := make([]byte, 0, programHeaderSize+int(header.TotalSize))
	out = append(out, header.encode()...)
	for _, id := range ctx.order {
		out = append(out, ctx.modules[id].Code...)
	}
	gotBuf := make([]byte, ctx.got.size())
	for i, e := range ctx.got.entries {
		off := uint64(i) * gotEntrySize
		putU64(gotBuf[off:off+8], e.Value)
	}
	out = append(out, gotBuf...)
	out = append(out, ctx.plt.encode()...)
	return out
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
