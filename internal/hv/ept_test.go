package hv

import "testing"

func TestEPTBuilderMapSpanCoversWholePages(t *testing.T) {
	b := NewEPTBuilder()

	if err := b.MapSpan(FrameSpan{Name: "code", GPA: 0x1000, Size: 0x10, Readable: true, Executable: true}); err != nil {
		t.Fatalf("MapSpan: %v", err)
	}
	if !b.IsMapped(0x1000) {
		t.Fatalf("expected page 0x1000 to be mapped")
	}
	if b.PageCount() != 1 {
		t.Fatalf("PageCount() = %d, want 1", b.PageCount())
	}

	entry, ok := b.Lookup(0x1008)
	if !ok {
		t.Fatalf("expected Lookup to find the page covering an interior address")
	}
	if !entry.Readable || !entry.Executable || entry.Writable {
		t.Fatalf("unexpected entry attributes: %+v", entry)
	}
}

func TestEPTBuilderRemapIdenticalSpanIsNoop(t *testing.T) {
	b := NewEPTBuilder()
	span := FrameSpan{Name: "got", GPA: 0x2000, Size: 0x1000, Readable: true, Writable: true}

	if err := b.MapSpan(span); err != nil {
		t.Fatalf("first MapSpan: %v", err)
	}
	before := b.PageCount()

	if err := b.MapSpan(span); err != nil {
		t.Fatalf("second MapSpan: %v", err)
	}
	if b.PageCount() != before {
		t.Fatalf("PageCount() changed from %d to %d remapping an identical span", before, b.PageCount())
	}
}

func TestEPTBuilderRemapConflictingSpanErrors(t *testing.T) {
	b := NewEPTBuilder()
	if err := b.MapSpan(FrameSpan{Name: "code", GPA: 0x3000, Size: 0x1000, Readable: true, Executable: true}); err != nil {
		t.Fatalf("MapSpan: %v", err)
	}

	err := b.MapSpan(FrameSpan{Name: "data", GPA: 0x3000, Size: 0x1000, Readable: true, Writable: true})
	if err == nil {
		t.Fatalf("expected an error remapping 0x3000 with different attributes")
	}
}

func TestEPTBuilderMergeModuleMapsCodeAndGOT(t *testing.T) {
	b := NewEPTBuilder()
	load := ModuleLoadSpans{Name: "libfoo", CodeGPA: 0x10000, CodeSize: 0x1000, GOTGPA: 0x20000, GOTSize: 0x1000}

	if err := b.MergeModule(load); err != nil {
		t.Fatalf("MergeModule: %v", err)
	}

	codeEntry, ok := b.Lookup(0x10000)
	if !ok || !codeEntry.Executable || codeEntry.Writable {
		t.Fatalf("code span not mapped executable/read-only: %+v, ok=%v", codeEntry, ok)
	}
	gotEntry, ok := b.Lookup(0x20000)
	if !ok || !gotEntry.Writable || gotEntry.Executable {
		t.Fatalf("GOT span not mapped read/write, non-executable: %+v, ok=%v", gotEntry, ok)
	}
}

func TestEPTBuilderMergeModuleIdempotent(t *testing.T) {
	b := NewEPTBuilder()
	load := ModuleLoadSpans{Name: "libfoo", CodeGPA: 0x10000, CodeSize: 0x1000, GOTGPA: 0x20000, GOTSize: 0x1000}

	if err := b.MergeModule(load); err != nil {
		t.Fatalf("first MergeModule: %v", err)
	}
	before := b.PageCount()

	if err := b.MergeModule(load); err != nil {
		t.Fatalf("second MergeModule (concurrent vCPU race): %v", err)
	}
	if b.PageCount() != before {
		t.Fatalf("PageCount() changed from %d to %d remerging the same module", before, b.PageCount())
	}
}
