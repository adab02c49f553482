package memory

import (
	"testing"
)

func mk(start, end uint64, prot int, fsname string) Mapping {
	return Mapping{Start: start, End: end, Prot: prot, Fsname: fsname}
}

func TestMapAndQuery(t *testing.T) {
	as := NewAddressSpace(1)
	as.Map(mk(0x1000, 0x2000, ProtRead, "/lib/a"))
	as.Map(mk(0x4000, 0x6000, ProtRead|ProtWrite, ""))

	m, ok := as.FindMapping(0x1800)
	if !ok || m.Fsname != "/lib/a" {
		t.Fatalf("FindMapping(0x1800) = %v, %v", m, ok)
	}
	if _, ok := as.FindMapping(0x3000); ok {
		t.Fatal("found a mapping in a hole")
	}
	if _, ok := as.FindMapping(0x6000); ok {
		t.Fatal("End is exclusive; 0x6000 must not resolve")
	}

	r := as.MappingsInRange(0x1800, 0x5000)
	if len(r) != 2 {
		t.Fatalf("MappingsInRange returned %d mappings, want 2", len(r))
	}
}

func TestMappingsDisjointAndCoalesced(t *testing.T) {
	as := NewAddressSpace(1)
	// Adjacent identical anonymous mappings coalesce.
	as.Map(mk(0x1000, 0x2000, ProtRead|ProtWrite, ""))
	as.Map(mk(0x2000, 0x3000, ProtRead|ProtWrite, ""))
	if got := len(as.Mappings()); got != 1 {
		t.Fatalf("adjacent identical mappings not coalesced: %d entries", got)
	}

	// Different protections stay separate.
	as.Map(mk(0x3000, 0x4000, ProtRead, ""))
	if got := len(as.Mappings()); got != 2 {
		t.Fatalf("differing mappings wrongly coalesced: %d entries", got)
	}

	// Overlapping map replaces the overlapped range.
	as.Map(mk(0x1800, 0x2800, ProtExec, ""))
	for _, m := range as.Mappings() {
		for _, o := range as.Mappings() {
			if m != o && m.Start < o.End && o.Start < m.End {
				t.Fatalf("overlapping mappings: %v and %v", m, o)
			}
		}
	}
}

func TestFileMappingCoalesceNeedsContiguousOffsets(t *testing.T) {
	as := NewAddressSpace(1)
	a := mk(0x1000, 0x2000, ProtRead, "/lib/x")
	a.Offset = 0
	b := mk(0x2000, 0x3000, ProtRead, "/lib/x")
	b.Offset = 0x1000
	as.Map(a)
	as.Map(b)
	if got := len(as.Mappings()); got != 1 {
		t.Fatalf("contiguous file mappings not coalesced: %d entries", got)
	}

	c := mk(0x3000, 0x4000, ProtRead, "/lib/x")
	c.Offset = 0x9000
	as.Map(c)
	if got := len(as.Mappings()); got != 2 {
		t.Fatalf("discontiguous file mapping wrongly coalesced: %d entries", got)
	}
}

func TestUnmapSplits(t *testing.T) {
	as := NewAddressSpace(1)
	m := mk(0x1000, 0x5000, ProtRead, "/lib/a")
	m.Offset = 0
	as.Map(m)
	as.Unmap(0x2000, 0x3000)

	maps := as.Mappings()
	if len(maps) != 2 {
		t.Fatalf("unmap of the middle left %d mappings, want 2", len(maps))
	}
	if maps[0].Start != 0x1000 || maps[0].End != 0x2000 {
		t.Fatalf("left fragment = %v", maps[0])
	}
	if maps[1].Start != 0x3000 || maps[1].End != 0x5000 {
		t.Fatalf("right fragment = %v", maps[1])
	}
	if maps[1].Offset != 0x2000 {
		t.Fatalf("right fragment file offset = %#x, want 0x2000", maps[1].Offset)
	}
}

func TestProtectSplits(t *testing.T) {
	as := NewAddressSpace(1)
	as.Map(mk(0x1000, 0x4000, ProtRead|ProtWrite, ""))
	as.Protect(0x2000, 0x3000, ProtRead)

	if m, _ := as.FindMapping(0x1800); m.Prot != ProtRead|ProtWrite {
		t.Fatalf("left segment prot = %#x", m.Prot)
	}
	if m, _ := as.FindMapping(0x2800); m.Prot != ProtRead {
		t.Fatalf("protected segment prot = %#x", m.Prot)
	}
	if m, _ := as.FindMapping(0x3800); m.Prot != ProtRead|ProtWrite {
		t.Fatalf("right segment prot = %#x", m.Prot)
	}
}

func TestBreakpointRefcountAndHiding(t *testing.T) {
	as := NewAddressSpace(1)

	if !as.AddBreakpoint(0x401000, 0x55) {
		t.Fatal("first install must write the break instruction")
	}
	if as.AddBreakpoint(0x401000, 0x55) {
		t.Fatal("second install of the same address must not rewrite")
	}

	// Tracee-visible reads never observe the breakpoint byte.
	buf := []byte{0xcc, 0x90, 0xcc}
	as.HideBreakpoints(0x401000, buf)
	if buf[0] != 0x55 {
		t.Fatalf("breakpoint byte leaked: % x", buf)
	}
	if buf[2] != 0xcc {
		t.Fatal("unrelated byte rewritten")
	}

	if _, restore := as.RemoveBreakpoint(0x401000); restore {
		t.Fatal("restore requested while a reference remains")
	}
	orig, restore := as.RemoveBreakpoint(0x401000)
	if !restore || orig != 0x55 {
		t.Fatalf("last remove: restore=%v orig=%#x", restore, orig)
	}
}

func TestWatchpointRefcount(t *testing.T) {
	as := NewAddressSpace(1)
	as.AddWatchpoint(0x601000, 8, WatchWrite)
	as.AddWatchpoint(0x601000, 8, WatchWrite)
	if as.RemoveWatchpoint(0x601000) {
		t.Fatal("watchpoint removed while referenced")
	}
	if !as.RemoveWatchpoint(0x601000) {
		t.Fatal("last unref did not remove the watchpoint")
	}
	if len(as.Watchpoints()) != 0 {
		t.Fatal("watchpoint table not empty")
	}
}

func TestArenaLifetimes(t *testing.T) {
	ar := NewArena()
	as := ar.Create()
	ar.Ref(as.ID) // second task shares the mm

	ar.Unref(as.ID)
	if _, ok := ar.Get(as.ID); !ok {
		t.Fatal("address space died with a live reference")
	}
	ar.Unref(as.ID)
	if _, ok := ar.Get(as.ID); ok {
		t.Fatal("address space survived its last reference")
	}
	if ar.Len() != 0 {
		t.Fatalf("arena holds %d spaces, want 0", ar.Len())
	}
}
