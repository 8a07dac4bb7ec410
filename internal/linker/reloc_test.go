package linker

import (
	"encoding/binary"
	"testing"
)

func TestRelocKindApplyRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		kind RelocKind
		site relocSite
		want uint64
	}{
		{"abs64", RelocAbs64, relocSite{S: 0x1000, A: 4}, 0x1004},
		{"pc32", RelocPC32, relocSite{S: 0x2000, P: 0x1000, A: 0}, 0x1000},
		{"got64", RelocGOT64, relocSite{G: 0x3000, A: 8}, 0x3008},
		{"gotoff64", RelocGOTOff64, relocSite{S: 0x4100, GOTBase: 0x4000}, 0x100},
		{"gotpc64", RelocGOTPC64, relocSite{GOTBase: 0x5000, P: 0x4000}, 0x1000},
		{"pltoff64", RelocPLTOff64, relocSite{L: 0x6100, PLTBase: 0x6000}, 0x100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.kind.value(tc.site)
			if err != nil {
				t.Fatalf("value: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got 0x%x, want 0x%x", got, tc.want)
			}
		})
	}
}

func TestRelocApplyPatchesCode(t *testing.T) {
	code := make([]byte, 16)
	site := relocSite{S: 0xdeadbeef}
	if err := RelocAbs32.apply(code, 4, site); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, err := RelocAbs32.value(site)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if uint32(got) != 0xdeadbeef {
		t.Fatalf("unexpected value 0x%x", got)
	}
	if patched := binary.LittleEndian.Uint32(code[4:8]); patched != 0xdeadbeef {
		t.Fatalf("code[4:8] = 0x%x, want 0xdeadbeef", patched)
	}
}

func TestRelocApplyOutOfRange(t *testing.T) {
	code := make([]byte, 4)
	if err := RelocAbs64.apply(code, 0, relocSite{}); err == nil {
		t.Fatal("expected an error writing an 8-byte relocation into 4 bytes of code")
	}
}
