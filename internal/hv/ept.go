package hv

import "fmt"

const pageSize = 0x1000

// FrameSpan is one guest-physical range the EPT/NPT builder maps with a
// single set of page attributes, matching spec.md §4.3's list: code,
// rodata, data, bss, stack, heap, the GOT, the PLT, module-database
// metadata/symbol-table pages, or a vendor's VMCB auxiliary pages.
type FrameSpan struct {
	Name       string
	GPA        uint64
	Size       uint64
	Readable   bool
	Writable   bool
	Executable bool
}

// PageEntry is one flattened leaf of the four-level guest-physical page
// table. The PML4/PDPT/PD/PT hierarchy collapses to a single GPA-indexed
// map here: nothing in this process walks a hardware page-table format, so
// the hierarchy's only observable property — one permission set per 4 KiB
// page, looked up by address — is what EPTBuilder models, the same
// simplification vmcb.go makes for vmread/vmwrite.
type PageEntry struct {
	Readable   bool
	Writable   bool
	Executable bool
}

// EPTBuilder owns one VM's guest-physical page tables (EPT under VMX, NPT
// under SVM): the frame spans the initial program image needs mapped, and
// the merge_module splice a dynamic-load hypercall or EPT violation
// triggers afterward. Grounded in hypervisor_ept.64.c's frame span list and
// spec.md §4.3's merge_module contract.
type EPTBuilder struct {
	pages map[uint64]PageEntry
}

func NewEPTBuilder() *EPTBuilder {
	return &EPTBuilder{pages: make(map[uint64]PageEntry)}
}

// MapSpan pages in one FrameSpan, one 4 KiB leaf at a time. A page already
// mapped with identical attributes is left untouched — the EPT-violation
// idempotence property requires that remapping an already-mapped page
// consume no additional frames and create no duplicate entry. A page
// already mapped with different attributes is a builder conflict: two
// spans disagreeing about the same guest-physical page is a caller bug,
// not a runtime race to paper over.
func (b *EPTBuilder) MapSpan(span FrameSpan) error {
	if span.Size == 0 {
		return fmt.Errorf("hv: cannot map zero-size span %q", span.Name)
	}

	start := span.GPA &^ uint64(pageSize-1)
	end := alignUp(span.GPA+span.Size, pageSize)
	entry := PageEntry{Readable: span.Readable, Writable: span.Writable, Executable: span.Executable}

	for gpa := start; gpa < end; gpa += pageSize {
		if existing, ok := b.pages[gpa]; ok {
			if existing != entry {
				return fmt.Errorf("hv: page 0x%x already mapped with different attributes (span %q)", gpa, span.Name)
			}
			continue
		}
		b.pages[gpa] = entry
	}
	return nil
}

// Lookup returns the page entry covering gpa, rounding down to the
// containing 4 KiB page.
func (b *EPTBuilder) Lookup(gpa uint64) (PageEntry, bool) {
	entry, ok := b.pages[gpa&^uint64(pageSize-1)]
	return entry, ok
}

func (b *EPTBuilder) IsMapped(gpa uint64) bool {
	_, ok := b.Lookup(gpa)
	return ok
}

// PageCount reports how many 4 KiB pages are currently mapped, used by
// tests asserting that remapping an already-mapped span is a no-op.
func (b *EPTBuilder) PageCount() int { return len(b.pages) }

// ModuleLoadSpans describes the frame spans a freshly loaded module
// contributes to the guest-physical address space: its code (executable,
// read-only) and its slice of the shared GOT (read/write, never
// executable).
type ModuleLoadSpans struct {
	Name     string
	CodeGPA  uint64
	CodeSize uint64
	GOTGPA   uint64
	GOTSize  uint64
}

func (l ModuleLoadSpans) spans() []FrameSpan {
	spans := make([]FrameSpan, 0, 2)
	if l.CodeSize > 0 {
		spans = append(spans, FrameSpan{Name: l.Name + ".code", GPA: l.CodeGPA, Size: l.CodeSize, Readable: true, Executable: true})
	}
	if l.GOTSize > 0 {
		spans = append(spans, FrameSpan{Name: l.Name + ".got", GPA: l.GOTGPA, Size: l.GOTSize, Readable: true, Writable: true})
	}
	return spans
}

// MergeModule splices a newly loaded module's mappings into a running
// guest's EPT without disturbing any existing mapping, the Go counterpart
// of the single invept/invvpid the original performs once a dynamic-load
// hypercall (or an EPT violation on a page a pending module claims)
// resolves a module.
func (b *EPTBuilder) MergeModule(load ModuleLoadSpans) error {
	for _, span := range load.spans() {
		if err := b.MapSpan(span); err != nil {
			return fmt.Errorf("hv: merge_module %q: %w", load.Name, err)
		}
	}
	return nil
}
