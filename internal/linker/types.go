// Package linker builds a flat, position-independent program image out of a
// set of content-addressed modules: it resolves symbols across module
// boundaries, synthesizes a GOT and a lazily-bound PLT, applies relocations,
// and emits either a raw in-memory image or a UEFI PE wrapper around one.
package linker

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// SymbolKind distinguishes what a Symbol's Value/Size describe.
type SymbolKind uint8

const (
	SymbolFunction SymbolKind = iota
	SymbolData
	SymbolSection
)

func (k SymbolKind) String() string {
	switch k {
	case SymbolFunction:
		return "function"
	case SymbolData:
		return "data"
	case SymbolSection:
		return "section"
	default:
		return fmt.Sprintf("symbol-kind(%d)", uint8(k))
	}
}

// Symbol is one named, relocatable entity within a Module: a function entry
// point, a data object, or a section base.
type Symbol struct {
	Name     string
	Kind     SymbolKind
	Value    uint64 // offset within the owning module's Code
	Size     uint64
	Exported bool // visible to other modules; unexported symbols are local
}

// RelocKind names the patch arithmetic applied at a relocation's Offset.
// Naming and arithmetic follow the x86-64 ELF relocation conventions the
// corpus's own toolchain-adjacent code assumes familiarity with.
type RelocKind uint8

const (
	RelocAbs32 RelocKind = iota // 32-bit absolute: S + A, truncated
	RelocAbs32S                 // 32-bit absolute, sign-extended on read back: S + A
	RelocAbs64                  // 64-bit absolute: S + A
	RelocPC32                   // 32-bit PC-relative: S + A - P
	RelocPC64                   // 64-bit PC-relative: S + A - P
	RelocGOT64                  // 64-bit absolute address of the symbol's GOT slot: G + A
	RelocGOTOff64                // 64-bit offset from the GOT base: S + A - GOTbase
	RelocGOTPC64                  // 64-bit GOT base address, PC-relative: GOTbase + A - P
	RelocPLTOff64                 // 64-bit offset from the PLT base to the symbol's stub: L + A - PLTbase
)

func (k RelocKind) String() string {
	switch k {
	case RelocAbs32:
		return "abs32"
	case RelocAbs32S:
		return "abs32s"
	case RelocAbs64:
		return "abs64"
	case RelocPC32:
		return "pc32"
	case RelocPC64:
		return "pc64"
	case RelocGOT64:
		return "got64"
	case RelocGOTOff64:
		return "gotoff64"
	case RelocGOTPC64:
		return "gotpc64"
	case RelocPLTOff64:
		return "pltoff64"
	default:
		return fmt.Sprintf("reloc-kind(%d)", uint8(k))
	}
}

// width reports how many bytes of the module's Code a relocation of this
// kind patches.
func (k RelocKind) width() int {
	switch k {
	case RelocAbs32, RelocAbs32S, RelocPC32:
		return 4
	default:
		return 8
	}
}

// Relocation describes one patch site within a module's Code, against a
// symbol that may be defined locally or imported from another module.
type Relocation struct {
	Offset     uint64
	Kind       RelocKind
	SymbolName string
	Addend     int64
}

// Module is a content-addressed unit of code: its ID is a hash of its own
// bytes and declarations, so the same module loaded twice always resolves
// to the same identity regardless of load order.
type Module struct {
	ID            string
	Name          string
	Code          []byte
	Symbols       []Symbol
	Relocations   []Relocation
	EntryPoint    string // name of the Symbol that is this module's entry, if any

	// set once the module has been placed by BindLinearAddresses.
	loadAddress uint64
	placed      bool
}

// ComputeModuleID derives a Module's content address from its name, code,
// and declared symbols/relocations. Two modules with identical content
// always produce the same ID, which is how the build worklist recognizes
// it has already visited a module reached by two different import paths.
func ComputeModuleID(name string, code []byte, symbols []Symbol, relocs []Relocation) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write(code)
	for _, s := range symbols {
		h.Write([]byte(s.Name))
		var buf [2]byte
		buf[0] = byte(s.Kind)
		if s.Exported {
			buf[1] = 1
		}
		h.Write(buf[:])
		writeU64(h, s.Value)
		writeU64(h, s.Size)
	}
	for _, r := range relocs {
		h.Write([]byte(r.SymbolName))
		h.Write([]byte{byte(r.Kind)})
		writeU64(h, r.Offset)
		writeU64(h, uint64(r.Addend))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeU64(w interface{ Write([]byte) (int, error) }, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	w.Write(buf[:])
}

// NewModule builds a Module and stamps its content-addressed ID.
func NewModule(name string, code []byte, symbols []Symbol, relocs []Relocation, entryPoint string) *Module {
	code = append([]byte(nil), code...)
	return &Module{
		ID:          ComputeModuleID(name, code, symbols, relocs),
		Name:        name,
		Code:        code,
		Symbols:     symbols,
		Relocations: relocs,
		EntryPoint:  entryPoint,
	}
}

// GOTEntry is one slot of the program's global offset table: the resolved
// linear address of a symbol, filled in by BindGOTEntryValues.
type GOTEntry struct {
	SymbolName string
	Value      uint64
	resolved   bool
}

// PLTEntry is one lazily-bound stub: on first call it traps to the host via
// a dynamic-load hypercall, patches its GOT slot, and falls through to the
// real symbol; on every subsequent call it jumps straight through the now
// resolved GOT slot.
type PLTEntry struct {
	SymbolName string
	Address    uint64
}

// ProgramHeader is the fixed-size header that begins the final linked
// image, pointing the loader (or the hypervisor that maps the image into
// guest memory) at the entry point, GOT, and PLT.
type ProgramHeader struct {
	Magic       uint32
	EntryPoint  uint64
	BaseAddress uint64
	TotalSize   uint64
	GOTOffset   uint64
	GOTSize     uint64
	PLTOffset   uint64
	PLTSize     uint64
	ModuleCount uint32
}

// ProgramHeaderMagic identifies a linked image buffer before any other
// interpretation is attempted.
const ProgramHeaderMagic = 0x4c4b4d54 // "TMKL" little-endian

const programHeaderSize = 4 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 4 + 4 // one 4 is the padding after Magic (bytes 4:8)

func (h ProgramHeader) encode() []byte {
	buf := make([]byte, programHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint64(buf[8:16], h.EntryPoint)
	binary.LittleEndian.PutUint64(buf[16:24], h.BaseAddress)
	binary.LittleEndian.PutUint64(buf[24:32], h.TotalSize)
	binary.LittleEndian.PutUint64(buf[32:40], h.GOTOffset)
	binary.LittleEndian.PutUint64(buf[40:48], h.GOTSize)
	binary.LittleEndian.PutUint64(buf[48:56], h.PLTOffset)
	binary.LittleEndian.PutUint64(buf[56:64], h.PLTSize)
	binary.LittleEndian.PutUint32(buf[64:68], h.ModuleCount)
	return buf
}

// Errors returned by the build phases.
var (
	ErrUnresolvedSymbol = errors.New("linker: unresolved symbol")
	ErrModuleNotFound   = errors.New("linker: module not found in catalog")
	ErrNotPlaced        = errors.New("linker: program has not been through BindLinearAddresses")
	ErrCyclicImport     = errors.New("linker: cyclic module import")
)
