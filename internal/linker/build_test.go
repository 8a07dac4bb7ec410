package linker

import (
	"encoding/binary"
	"testing"
)

func TestLinkModuleTwoModuleProgram(t *testing.T) {
	helperCode := make([]byte, 16)
	helper := NewModule("helper", helperCode, []Symbol{
		{Name: "helper_fn", Kind: SymbolFunction, Value: 0, Exported: true},
	}, nil, "")

	mainCode := make([]byte, 16)
	main := NewModule("main", mainCode,
		[]Symbol{{Name: "main_entry", Kind: SymbolFunction, Value: 0, Exported: true}},
		[]Relocation{{Offset: 0, Kind: RelocAbs64, SymbolName: "helper_fn"}},
		"main_entry")

	catalog := MapCatalog{"main": main, "helper": helper, "helper_fn": helper}

	ctx, err := LinkModule(catalog, "main")
	if err != nil {
		t.Fatalf("LinkModule: %v", err)
	}
	if !ctx.IsAllSymbolsResolved() {
		t.Fatalf("expected every symbol resolved, no external imports in this program")
	}

	size := ctx.CalculateProgramSize()
	if size != uint64(len(helperCode)+len(mainCode)) {
		t.Fatalf("CalculateProgramSize = %d, want %d", size, len(helperCode)+len(mainCode))
	}

	if err := ctx.BindLinearAddresses(0x100000); err != nil {
		t.Fatalf("BindLinearAddresses: %v", err)
	}
	if err := ctx.BindGOTEntryValues(); err != nil {
		t.Fatalf("BindGOTEntryValues: %v", err)
	}

	image, err := ctx.LinkProgram()
	if err != nil {
		t.Fatalf("LinkProgram: %v", err)
	}
	if len(image) != programHeaderSize+int(size) {
		t.Fatalf("image size = %d, want %d", len(image), programHeaderSize+int(size))
	}

	mainLoadAddr := ctx.modules[main.ID].loadAddress
	helperAddr := ctx.modules[helper.ID].loadAddress
	patched := binary.LittleEndian.Uint64(main.Code[0:8])
	if patched != helperAddr {
		t.Fatalf("relocation patched to 0x%x, want helper address 0x%x", patched, helperAddr)
	}
	_ = mainLoadAddr
}

func TestLinkModuleUnresolvedExternalGoesThroughPLT(t *testing.T) {
	mainCode := make([]byte, 8)
	main := NewModule("main", mainCode, []Symbol{
		{Name: "main_entry", Kind: SymbolFunction, Value: 0, Exported: true},
	}, []Relocation{
		{Offset: 0, Kind: RelocPLTOff64, SymbolName: "unknown_import"},
	}, "main_entry")

	catalog := MapCatalog{"main": main}

	ctx, err := LinkModule(catalog, "main")
	if err != nil {
		t.Fatalf("LinkModule: %v", err)
	}
	if ctx.IsAllSymbolsResolved() {
		t.Fatal("expected an unresolved import to leave a pending PLT entry")
	}

	if err := ctx.BindLinearAddresses(0x100000); err != nil {
		t.Fatalf("BindLinearAddresses: %v", err)
	}
	if err := ctx.BindGOTEntryValues(); err != nil {
		t.Fatalf("BindGOTEntryValues: %v", err)
	}
	image, err := ctx.LinkProgram()
	if err != nil {
		t.Fatalf("LinkProgram: %v", err)
	}
	if len(image) == 0 {
		t.Fatal("expected a non-empty image even with a lazily-resolved import")
	}
}

func TestLinkModuleCyclicImportDoesNotHang(t *testing.T) {
	aCode := make([]byte, 8)
	a := NewModule("a", aCode, []Symbol{{Name: "a_fn", Kind: SymbolFunction, Exported: true}},
		[]Relocation{{Offset: 0, Kind: RelocAbs64, SymbolName: "b_fn"}}, "a_fn")
	bCode := make([]byte, 8)
	b := NewModule("b", bCode, []Symbol{{Name: "b_fn", Kind: SymbolFunction, Exported: true}},
		[]Relocation{{Offset: 0, Kind: RelocAbs64, SymbolName: "a_fn"}}, "b_fn")

	catalog := MapCatalog{"a": a, "a_fn": a, "b": b, "b_fn": b}

	ctx, err := LinkModule(catalog, "a")
	if err != nil {
		t.Fatalf("LinkModule: %v", err)
	}
	if len(ctx.order) != 2 {
		t.Fatalf("expected both modules visited exactly once, got %d", len(ctx.order))
	}
}

func TestSectionCountWithoutRelocations(t *testing.T) {
	helper := NewModule("helper", make([]byte, 8), []Symbol{{Name: "h", Exported: true}}, nil, "")
	main := NewModule("main", make([]byte, 8), nil,
		[]Relocation{{Offset: 0, Kind: RelocAbs64, SymbolName: "h"}}, "")

	catalog := MapCatalog{"main": main, "helper": helper, "h": helper}
	ctx, err := LinkModule(catalog, "main")
	if err != nil {
		t.Fatalf("LinkModule: %v", err)
	}
	if n := ctx.SectionCountWithoutRelocations(); n != 1 {
		t.Fatalf("SectionCountWithoutRelocations = %d, want 1", n)
	}
}
