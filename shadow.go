package dualpe

// ShadowEntry is the central record of the copy-on-write shadowing
// subsystem: one per modified page, holding the original physical frame
// and the two per-run shadow frames (§3).
type ShadowEntry struct {
	PageAddr uintptr  // virtual address of the shadowed page, page-aligned
	OldPhys  uintptr  // original physical frame, still referenced elsewhere
	NewPhys  [2]Frame // [0] = first-run shadow, [1] = second-run shadow

	Attr PageAttr // original permission bits, WRITE stripped, COW set
	Type PageType

	Origin MappingOrigin // exactly one of {host-PT entry, guest-vTLB entry}

	CRC  uint32 // checksum of the canonical (committed) content
	CRC1 uint32 // checksum of the post-run shadow; valid only compare..commit

	Twin *ShadowEntry // another entry mapping the same OldPhys, or nil

	Fault FaultSnapshot

	// arena bookkeeping — index-chain links within whichever ordered set
	// (live or parked) currently owns this entry. Not part of the public
	// data model; see registry.go.
	slot int
	next int
	prev int
	set  setID

	// vmStackFix is set by Compare when this entry's mismatch was
	// reconciled by the word-patch heuristic; Commit reads it to route
	// the entry into the VM-stack queue instead of the normal park/
	// destroy decision (§4.F commit_vm_stack_ce).
	vmStackFix bool
}

type setID int

const (
	setNone setID = iota
	setLive
	setParked
)

// newShadowEntry allocates the two contiguous shadow frames and captures
// the fault-time register snapshot (§4.A construction). fault.StackWordAt10
// is the word at guest-RSP+0x10, read by the caller via a guest vTLB walk
// before construction when origin is a guest vCPU; 0 for a native origin.
func newShadowEntry(alloc FrameAllocator, virt, phys uintptr, attr PageAttr, typ PageType, fault FaultSnapshot) (*ShadowEntry, error) {
	run0, run1, err := alloc.AllocOrder1()
	if err != nil {
		recordOutOfFrames()
		return nil, ErrOutOfFrames
	}
	return &ShadowEntry{
		PageAddr: virt &^ pageMask,
		OldPhys:  phys &^ pageMask,
		NewPhys:  [2]Frame{run0, run1},
		Attr:     attr,
		Type:     typ,
		Fault:    fault,
		slot:     -1,
	}, nil
}

// newAliasedShadowEntry clones the shadow-frame pointers and CRC of an
// existing twin rather than allocating new frames — two mappings of the
// same physical page must land writes in the same two buffers (§4.A, §4.C).
func newAliasedShadowEntry(virt, phys uintptr, attr PageAttr, typ PageType, fault FaultSnapshot, twin *ShadowEntry) *ShadowEntry {
	ce := &ShadowEntry{
		PageAddr: virt &^ pageMask,
		OldPhys:  phys &^ pageMask,
		NewPhys:  twin.NewPhys,
		Attr:     attr,
		Type:     typ,
		Fault:    fault,
		CRC:      twin.CRC,
		slot:     -1,
	}
	ce.Twin = twin
	twin.Twin = ce
	return ce
}
