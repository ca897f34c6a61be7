package dualpe

// registry is an arena of ShadowEntry slots addressed by index rather than
// pointer, replacing the original's intrusive doubly-linked list with
// sentinel termination (Design Notes §9). Two ordered sets — live and
// parked — are threaded through the same arena via index-chains so moving
// an entry between sets costs no allocation.
type registry struct {
	slots []*ShadowEntry
	free  []int // freed slot indices, reused before growing slots

	liveHead, liveTail     int
	parkedHead, parkedTail int

	liveLen, parkedLen int
}

const nilSlot = -1

func newRegistry() *registry {
	return &registry{
		liveHead: nilSlot, liveTail: nilSlot,
		parkedHead: nilSlot, parkedTail: nilSlot,
	}
}

func (r *registry) alloc(ce *ShadowEntry) int {
	var idx int
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[idx] = ce
	} else {
		idx = len(r.slots)
		r.slots = append(r.slots, ce)
	}
	ce.slot = idx
	ce.next, ce.prev, ce.set = nilSlot, nilSlot, setNone
	return idx
}

func (r *registry) head(s setID) *int {
	if s == setLive {
		return &r.liveHead
	}
	return &r.parkedHead
}

func (r *registry) tail(s setID) *int {
	if s == setLive {
		return &r.liveTail
	}
	return &r.parkedTail
}

func (r *registry) length(s setID) *int {
	if s == setLive {
		return &r.liveLen
	}
	return &r.parkedLen
}

// pushBack appends ce to the tail of set s, allocating an arena slot for it
// if it does not already have one.
func (r *registry) pushBack(s setID, ce *ShadowEntry) {
	if ce.slot < 0 {
		r.alloc(ce)
	}
	idx := ce.slot
	ce.set = s
	ce.next = nilSlot
	tail := r.tail(s)
	ce.prev = *tail
	if *tail != nilSlot {
		r.slots[*tail].next = idx
	} else {
		*r.head(s) = idx
	}
	*tail = idx
	*r.length(s)++
}

// unlink removes ce from whichever set currently owns it, without freeing
// its arena slot.
func (r *registry) unlink(ce *ShadowEntry) {
	if ce.set == setNone {
		return
	}
	s := ce.set
	if ce.prev != nilSlot {
		r.slots[ce.prev].next = ce.next
	} else {
		*r.head(s) = ce.next
	}
	if ce.next != nilSlot {
		r.slots[ce.next].prev = ce.prev
	} else {
		*r.tail(s) = ce.prev
	}
	*r.length(s)--
	ce.next, ce.prev, ce.set = nilSlot, nilSlot, setNone
}

// moveToParked unlinks ce from live (if present) and appends it to parked,
// preserving commit order (§4.E's positional "came from parked" test reads
// this order).
func (r *registry) moveToParked(ce *ShadowEntry) {
	r.unlink(ce)
	r.pushBack(setParked, ce)
}

// destroy unlinks ce and returns its slot to the free list. The caller is
// responsible for freeing ce.NewPhys via the FrameAllocator.
func (r *registry) destroy(ce *ShadowEntry) {
	r.unlink(ce)
	r.release(ce)
}

// release returns ce's arena slot to the free list without touching its
// frames — used when ownership of ce moves elsewhere (the VM-stack queue)
// rather than ce being destroyed outright.
func (r *registry) release(ce *ShadowEntry) {
	if ce.slot < 0 {
		return
	}
	r.slots[ce.slot] = nil
	r.free = append(r.free, ce.slot)
	ce.slot = -1
}

// forEach walks set s from head to tail, calling fn on each entry. fn must
// not mutate set membership of entries other than the one it was called
// with; walking captures next before calling fn so the current entry may be
// unlinked or destroyed safely.
func (r *registry) forEach(s setID, fn func(*ShadowEntry)) {
	idx := *r.head(s)
	for idx != nilSlot {
		ce := r.slots[idx]
		next := ce.next
		fn(ce)
		idx = next
	}
}

// lookupByPhys returns the live entry shadowing phys, if any. Linear scan:
// the original's equivalent walk is likewise O(n) over the live set, which
// in practice stays small (one entry per touched page within a PE).
func (r *registry) lookupByPhys(s setID, phys uintptr) *ShadowEntry {
	var found *ShadowEntry
	r.forEach(s, func(ce *ShadowEntry) {
		if found == nil && ce.OldPhys == phys {
			found = ce
		}
	})
	return found
}

// lookupByVirt returns the live entry shadowing virt, if any.
func (r *registry) lookupByVirt(s setID, virt uintptr) *ShadowEntry {
	key := virt &^ pageMask
	var found *ShadowEntry
	r.forEach(s, func(ce *ShadowEntry) {
		if found == nil && ce.PageAddr == key {
			found = ce
		}
	})
	return found
}

// parkedCountAtPEStart snapshots the number of parked entries, used by
// commit's positional "came from parked before this PE started" test
// (§4.E): anything beyond this count in the parked set at commit time was
// parked during the PE now committing.
func (r *registry) parkedCountAtPEStart() int {
	return r.parkedLen
}
