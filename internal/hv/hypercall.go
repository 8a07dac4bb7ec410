package hv

import (
	"fmt"
	"time"

	"github.com/tinyrange/turnstone-core/internal/abi"
	"github.com/tinyrange/turnstone-core/internal/linker"
)

// ModuleLoader resolves a dynamic-load hypercall's requested name into a
// module already bound to the requesting VM's address space, returning the
// load address a PLT stub should patch into its GOT slot. It is the
// runtime counterpart of the link-time ModuleCatalog.
type ModuleLoader interface {
	LoadByName(vm *VM, name string) (loadAddress uint64, err error)
}

// LinkerModuleLoader answers dynamic-load hypercalls by resolving the
// requested symbol against a linker.ModuleCatalog and linking it into the
// VM's address space the same way the initial program was linked, so an
// unresolved PLT stub and a fresh vmcall both end up going through
// LinkModule.
type LinkerModuleLoader struct {
	Catalog     linker.ModuleCatalog
	BaseAddress uint64
}

func (l *LinkerModuleLoader) LoadByName(vm *VM, name string) (uint64, error) {
	if vm.IsModuleLoaded(name) {
		return 0, fmt.Errorf("hv: module %q already loaded for this vm", name)
	}

	ctx, err := linker.LinkModule(l.Catalog, name)
	if err != nil {
		return 0, fmt.Errorf("hv: dynamic load %q: %w", name, err)
	}
	if err := ctx.BindLinearAddresses(l.BaseAddress); err != nil {
		return 0, fmt.Errorf("hv: dynamic load %q: %w", name, err)
	}
	if err := ctx.BindGOTEntryValues(); err != nil {
		return 0, fmt.Errorf("hv: dynamic load %q: %w", name, err)
	}

	entry, err := ctx.EntryPointAddress()
	if err != nil {
		return 0, fmt.Errorf("hv: dynamic load %q: %w", name, err)
	}

	vm.MarkModuleLoaded(name)
	return entry, nil
}

// maxPrintHypercallLength bounds how far readGuestCString walks looking for
// a guest string's terminating NUL, so a guest that never terminates a
// print-hypercall argument can't make the host scan the rest of guest RAM.
const maxPrintHypercallLength = 4096

// readGuestCString reads a NUL-terminated string out of guest memory
// starting at the guest-virtual pointer a print hypercall passed, copying
// it out byte by byte the way the original's EPT walker does rather than
// assuming the string doesn't straddle a page boundary.
func readGuestCString(vm *VM, gva uint64, max int) (string, error) {
	var buf []byte
	b := make([]byte, 1)
	for i := 0; i < max; i++ {
		if _, err := vm.ReadAt(b, int64(gva)+int64(i)); err != nil {
			return "", fmt.Errorf("hv: print hypercall: %w", err)
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return "", fmt.Errorf("hv: print hypercall: guest string exceeds %d bytes without a NUL terminator", max)
}

// RegisterDefaultHypercalls wires the hypercall request codes defined in
// internal/abi to this dispatcher: print writes to the host console sink,
// exit halts the requesting vCPU, get-wallclock answers with the host's
// current time, and dynamic-load defers to loader.
func RegisterDefaultHypercalls(d *Dispatcher, loader ModuleLoader, console func(string)) {
	d.RegisterHypercall(abi.HypercallPrint, func(ctx *vcpuExitContext, args abi.HypercallArgs) (uint64, error) {
		s, err := readGuestCString(ctx.vm, args.Arg0, maxPrintHypercallLength)
		if err != nil {
			return 0, err
		}
		if console != nil {
			console(s)
		}
		return 0, nil
	})

	d.RegisterHypercall(abi.HypercallExit, func(ctx *vcpuExitContext, args abi.HypercallArgs) (uint64, error) {
		ctx.vm.Halt()
		return args.Arg0, nil
	})

	d.RegisterHypercall(abi.HypercallGetWallclock, func(ctx *vcpuExitContext, args abi.HypercallArgs) (uint64, error) {
		return uint64(time.Now().UnixNano()), nil
	})

	d.RegisterHypercall(abi.HypercallGetHPA, func(ctx *vcpuExitContext, args abi.HypercallArgs) (uint64, error) {
		return ctx.vm.TranslateGPAToHPA(args.Arg0)
	})

	if loader != nil {
		d.RegisterHypercall(abi.HypercallDynamicLoad, func(ctx *vcpuExitContext, args abi.HypercallArgs) (uint64, error) {
			name := fmt.Sprintf("module@0x%x", args.Arg0)
			return loader.LoadByName(ctx.vm, name)
		})
	}
}
