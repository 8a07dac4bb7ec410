package linker

import "fmt"

// BuildContext holds everything accumulated while linking a program:
// every module pulled in transitively from the root, in first-visited
// order, plus the GOT/PLT being synthesized for them.
type BuildContext struct {
	catalog ModuleCatalog

	modules map[string]*Module // by ID
	order   []string           // module IDs, in link order (first-visited)
	byName  map[string]*Module // by the name it was imported under

	got *got
	plt *plt

	baseAddress uint64
	pageSize    uint64
}

// LinkModule resolves rootName and every module it imports, transitively,
// using a worklist rather than recursion so that two modules importing
// each other (directly or through a longer cycle) are each visited exactly
// once instead of overflowing the call stack.
func LinkModule(catalog ModuleCatalog, rootName string) (*BuildContext, error) {
	ctx := &BuildContext{
		catalog: catalog,
		modules: make(map[string]*Module),
		byName:  make(map[string]*Module),
		got:     newGOT(),
		plt:     newPLT(),
	}

	worklist := []string{rootName}
	visitedNames := make(map[string]bool)

	for len(worklist) > 0 {
		name := worklist[0]
		worklist = worklist[1:]

		if visitedNames[name] {
			continue
		}
		visitedNames[name] = true

		m, err := catalog.Lookup(name)
		if err != nil {
			if name == rootName {
				return nil, err
			}
			// An import the catalog can't resolve right now is not a hard
			// failure: it becomes a PLT stub in buildRelocationPlan,
			// resolved later via a dynamic-load hypercall at runtime.
			continue
		}

		if _, already := ctx.modules[m.ID]; already {
			// Same content reached via a second name/import path: keep
			// the first copy, just record the alias.
			ctx.byName[name] = ctx.modules[m.ID]
			continue
		}

		ctx.modules[m.ID] = m
		ctx.order = append(ctx.order, m.ID)
		ctx.byName[name] = m

		for _, rel := range m.Relocations {
			if ctx.findSymbol(rel.SymbolName) != nil {
				continue
			}
			if rel.SymbolName == name {
				continue
			}
			worklist = append(worklist, rel.SymbolName)
		}
	}

	if err := ctx.buildSymbols(); err != nil {
		return nil, err
	}
	if err := ctx.buildRelocationPlan(); err != nil {
		return nil, err
	}

	return ctx, nil
}

// findSymbol looks up a symbol by name across every module visited so far.
func (ctx *BuildContext) findSymbol(name string) *Symbol {
	for _, id := range ctx.order {
		m := ctx.modules[id]
		for i := range m.Symbols {
			if m.Symbols[i].Name == name && m.Symbols[i].Exported {
				return &m.Symbols[i]
			}
		}
	}
	return nil
}

// buildSymbols implements linker_build_symbols: it is an error for two
// visited modules to export the same symbol name.
func (ctx *BuildContext) buildSymbols() error {
	seen := make(map[string]string) // symbol name -> owning module ID
	for _, id := range ctx.order {
		m := ctx.modules[id]
		for _, s := range m.Symbols {
			if !s.Exported {
				continue
			}
			if owner, ok := seen[s.Name]; ok && owner != m.ID {
				return fmt.Errorf("linker: symbol %q exported by both %q and %q", s.Name, owner, m.ID)
			}
			seen[s.Name] = m.ID
		}
	}
	return nil
}

// buildRelocationPlan implements linker_build_relocations: every relocation
// against a symbol not defined in any visited module becomes a PLT entry,
// to be resolved lazily at runtime via a dynamic-load hypercall.
func (ctx *BuildContext) buildRelocationPlan() error {
	for _, id := range ctx.order {
		m := ctx.modules[id]
		for _, rel := range m.Relocations {
			if ctx.findSymbol(rel.SymbolName) != nil {
				switch rel.Kind {
				case RelocGOT64, RelocGOTOff64, RelocGOTPC64:
					ctx.got.ensure(rel.SymbolName)
				}
				continue
			}
			// Not resolvable from the modules pulled in so far: give it a
			// PLT stub and a backing GOT slot the stub patches on first
			// call.
			ctx.got.ensure(rel.SymbolName)
			ctx.plt.ensure(rel.SymbolName)
		}
	}
	return nil
}

// IsAllSymbolsResolved implements linker_is_all_symbols_resolved: true only
// if every relocation resolves to a module-local definition, i.e. there is
// no remaining PLT entry waiting on a dynamic load.
func (ctx *BuildContext) IsAllSymbolsResolved() bool {
	return len(ctx.plt.entries) == 0
}

// DestroyContext releases a BuildContext's working state. The corpus's own
// C implementation pairs every *_build_module with a destroy_context; Go's
// GC makes the free half of that a no-op, but the call is kept so callers
// written in that style still have something to call.
func (ctx *BuildContext) DestroyContext() {
	ctx.modules = nil
	ctx.order = nil
	ctx.byName = nil
	ctx.got = nil
	ctx.plt = nil
}
