// Package memory models tracee address spaces (mappings, breakpoints,
// watchpoints) and owns the replay-side emulated filesystem.
package memory

import (
	"fmt"
	"sort"
)

// Prot flag bits for mappings, matching PROT_*.
const (
	ProtRead  = 1
	ProtWrite = 2
	ProtExec  = 4
)

// Mapping is one contiguous range of a task's virtual address space.
type Mapping struct {
	Start uint64
	End   uint64 // exclusive
	Prot  int
	Flags int
	// Offset is the file offset for file-backed mappings.
	Offset uint64
	// Fsname is the path backing the mapping at record time, "" for
	// anonymous memory.
	Fsname string
	// Device and Inode identify the backing file at record time.
	Device uint64
	Inode  uint64
}

func (m Mapping) String() string {
	return fmt.Sprintf("%#x-%#x prot=%#x flags=%#x %s", m.Start, m.End, m.Prot, m.Flags, m.Fsname)
}

// Size returns the mapping length in bytes.
func (m Mapping) Size() uint64 { return m.End - m.Start }

func (m Mapping) sameBacking(o Mapping) bool {
	return m.Prot == o.Prot && m.Flags == o.Flags &&
		m.Fsname == o.Fsname && m.Device == o.Device && m.Inode == o.Inode
}

// Breakpoint is a software breakpoint owned by an AddressSpace. It is
// reference counted so the user, internal single-step logic and
// watchpoint emulation can install at the same address independently.
type Breakpoint struct {
	Addr uint64
	// OriginalByte is the text byte replaced by the break
	// instruction.
	OriginalByte byte
	refcount     int
}

// WatchKind selects what accesses a watchpoint observes.
type WatchKind int

const (
	WatchRead WatchKind = 1 << iota
	WatchWrite
	WatchReadWrite WatchKind = WatchRead | WatchWrite
)

// Watchpoint is a hardware or emulated watchpoint.
type Watchpoint struct {
	Addr     uint64
	Len      int
	Kind     WatchKind
	refcount int
}

// AddressSpace models the memory map shared by all tasks of one mm:
// disjoint, coalesced mappings plus the breakpoints and watchpoints
// installed in it. Point and range queries are logarithmic.
type AddressSpace struct {
	// ID indexes the space in its arena.
	ID int

	maps []Mapping // sorted by Start, disjoint

	breakpoints map[uint64]*Breakpoint
	watchpoints map[uint64]*Watchpoint

	refcount int
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace(id int) *AddressSpace {
	return &AddressSpace{
		ID:          id,
		breakpoints: make(map[uint64]*Breakpoint),
		watchpoints: make(map[uint64]*Watchpoint),
	}
}

// searchMap returns the index of the first mapping with End > addr.
func (as *AddressSpace) searchMap(addr uint64) int {
	return sort.Search(len(as.maps), func(i int) bool {
		return as.maps[i].End > addr
	})
}

// FindMapping returns the mapping containing addr.
func (as *AddressSpace) FindMapping(addr uint64) (Mapping, bool) {
	i := as.searchMap(addr)
	if i < len(as.maps) && as.maps[i].Start <= addr {
		return as.maps[i], true
	}
	return Mapping{}, false
}

// MappingsInRange returns all mappings overlapping [start, end).
func (as *AddressSpace) MappingsInRange(start, end uint64) []Mapping {
	var out []Mapping
	for i := as.searchMap(start); i < len(as.maps) && as.maps[i].Start < end; i++ {
		out = append(out, as.maps[i])
	}
	return out
}

// Mappings returns the full map in address order.
func (as *AddressSpace) Mappings() []Mapping {
	out := make([]Mapping, len(as.maps))
	copy(out, as.maps)
	return out
}

// Map records a new mapping, replacing any overlapped ranges, then
// coalesces adjacent-identical neighbours.
func (as *AddressSpace) Map(m Mapping) {
	if m.End <= m.Start {
		panic(fmt.Sprintf("mapping with non-positive size: %s", m))
	}
	as.Unmap(m.Start, m.End)
	i := as.searchMap(m.Start)
	as.maps = append(as.maps, Mapping{})
	copy(as.maps[i+1:], as.maps[i:])
	as.maps[i] = m
	as.coalesce(i)
}

// Unmap removes [start, end) from the map, splitting mappings that
// straddle a boundary.
func (as *AddressSpace) Unmap(start, end uint64) {
	i := as.searchMap(start)
	var out []Mapping
	out = append(out, as.maps[:i]...)
	for ; i < len(as.maps); i++ {
		m := as.maps[i]
		if m.Start >= end {
			out = append(out, as.maps[i:]...)
			break
		}
		if m.Start < start {
			left := m
			left.End = start
			out = append(out, left)
		}
		if m.End > end {
			right := m
			if right.Fsname != "" {
				right.Offset += end - right.Start
			}
			right.Start = end
			out = append(out, right)
		}
	}
	as.maps = out
}

// Protect changes the protection of [start, end), splitting mappings
// as needed.
func (as *AddressSpace) Protect(start, end uint64, prot int) {
	affected := as.MappingsInRange(start, end)
	for _, m := range affected {
		lo, hi := m.Start, m.End
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		nm := m
		nm.Start, nm.End = lo, hi
		if nm.Fsname != "" {
			nm.Offset = m.Offset + (lo - m.Start)
		}
		nm.Prot = prot
		as.Map(nm)
	}
}

// Remap moves a mapping, as observed from mremap.
func (as *AddressSpace) Remap(oldStart, oldEnd, newStart, newEnd uint64) {
	m, ok := as.FindMapping(oldStart)
	if !ok {
		return
	}
	as.Unmap(oldStart, oldEnd)
	m.Start, m.End = newStart, newEnd
	as.Map(m)
}

// UnmapAll drops every mapping, for execve.
func (as *AddressSpace) UnmapAll() {
	as.maps = nil
	as.breakpoints = make(map[uint64]*Breakpoint)
	as.watchpoints = make(map[uint64]*Watchpoint)
}

// coalesce merges the mapping at index i with identical neighbours.
func (as *AddressSpace) coalesce(i int) {
	for i > 0 && as.mergeable(i-1, i) {
		as.maps[i-1].End = as.maps[i].End
		as.maps = append(as.maps[:i], as.maps[i+1:]...)
		i--
	}
	for i+1 < len(as.maps) && as.mergeable(i, i+1) {
		as.maps[i].End = as.maps[i+1].End
		as.maps = append(as.maps[:i+1], as.maps[i+2:]...)
	}
}

func (as *AddressSpace) mergeable(i, j int) bool {
	a, b := as.maps[i], as.maps[j]
	if a.End != b.Start || !a.sameBacking(b) {
		return false
	}
	// File mappings must also be contiguous in the file.
	if a.Fsname != "" && a.Offset+a.Size() != b.Offset {
		return false
	}
	return true
}

// breakInsn is the INT3 opcode.
const breakInsn = 0xcc

// AddBreakpoint installs (or references) a breakpoint at addr. The
// caller provides the original text byte on first installation; the
// returned bool is true when the byte must actually be written to the
// tracee.
func (as *AddressSpace) AddBreakpoint(addr uint64, original byte) (mustWrite bool) {
	if bp, ok := as.breakpoints[addr]; ok {
		bp.refcount++
		return false
	}
	as.breakpoints[addr] = &Breakpoint{Addr: addr, OriginalByte: original, refcount: 1}
	return true
}

// RemoveBreakpoint drops one reference; when the last reference goes
// away the original byte is returned so the caller can restore the
// tracee's text.
func (as *AddressSpace) RemoveBreakpoint(addr uint64) (original byte, mustRestore bool) {
	bp, ok := as.breakpoints[addr]
	if !ok {
		return 0, false
	}
	bp.refcount--
	if bp.refcount > 0 {
		return 0, false
	}
	delete(as.breakpoints, addr)
	return bp.OriginalByte, true
}

// FindBreakpoint returns the breakpoint at addr.
func (as *AddressSpace) FindBreakpoint(addr uint64) (*Breakpoint, bool) {
	bp, ok := as.breakpoints[addr]
	return bp, ok
}

// Breakpoints returns all installed breakpoints.
func (as *AddressSpace) Breakpoints() []*Breakpoint {
	out := make([]*Breakpoint, 0, len(as.breakpoints))
	for _, bp := range as.breakpoints {
		out = append(out, bp)
	}
	return out
}

// HideBreakpoints overwrites any breakpoint bytes within buf (read
// from tracee address addr) with the saved original bytes, upholding
// the invariant that tracees never observe their own breakpoints.
func (as *AddressSpace) HideBreakpoints(addr uint64, buf []byte) {
	for a, bp := range as.breakpoints {
		if a >= addr && a < addr+uint64(len(buf)) {
			buf[a-addr] = bp.OriginalByte
		}
	}
}

// AddWatchpoint installs (or references) a watchpoint.
func (as *AddressSpace) AddWatchpoint(addr uint64, length int, kind WatchKind) *Watchpoint {
	if wp, ok := as.watchpoints[addr]; ok {
		wp.refcount++
		return wp
	}
	wp := &Watchpoint{Addr: addr, Len: length, Kind: kind, refcount: 1}
	as.watchpoints[addr] = wp
	return wp
}

// RemoveWatchpoint drops one reference to the watchpoint at addr and
// reports whether it was fully removed.
func (as *AddressSpace) RemoveWatchpoint(addr uint64) bool {
	wp, ok := as.watchpoints[addr]
	if !ok {
		return false
	}
	wp.refcount--
	if wp.refcount > 0 {
		return false
	}
	delete(as.watchpoints, addr)
	return true
}

// Watchpoints returns all installed watchpoints.
func (as *AddressSpace) Watchpoints() []*Watchpoint {
	out := make([]*Watchpoint, 0, len(as.watchpoints))
	for _, wp := range as.watchpoints {
		out = append(out, wp)
	}
	return out
}
