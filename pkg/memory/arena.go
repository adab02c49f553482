package memory

import "fmt"

// Arena owns every live AddressSpace, indexed by id. Tasks hold ids
// rather than pointers so the Task/AddressSpace/Breakpoint cycle is
// broken: destruction is reference counted on the arena entry.
type Arena struct {
	next   int
	spaces map[int]*AddressSpace
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{spaces: make(map[int]*AddressSpace)}
}

// Create allocates a new AddressSpace with one reference.
func (ar *Arena) Create() *AddressSpace {
	ar.next++
	as := NewAddressSpace(ar.next)
	as.refcount = 1
	ar.spaces[as.ID] = as
	return as
}

// Get looks up a space by id.
func (ar *Arena) Get(id int) (*AddressSpace, bool) {
	as, ok := ar.spaces[id]
	return as, ok
}

// Ref adds a reference, as when a clone shares its parent's mm.
func (ar *Arena) Ref(id int) *AddressSpace {
	as, ok := ar.spaces[id]
	if !ok {
		panic(fmt.Sprintf("ref of dead address space %d", id))
	}
	as.refcount++
	return as
}

// Unref drops a reference; the space dies with its last referencing
// task.
func (ar *Arena) Unref(id int) {
	as, ok := ar.spaces[id]
	if !ok {
		return
	}
	as.refcount--
	if as.refcount <= 0 {
		delete(ar.spaces, id)
	}
}

// Len returns the number of live spaces.
func (ar *Arena) Len() int { return len(ar.spaces) }
