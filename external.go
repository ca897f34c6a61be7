package dualpe

import "unsafe"

// Frame is an opaque handle to a physical page frame, as returned by a
// FrameAllocator. It carries no interpretation beyond what PhysOf resolves
// it to — callers never dereference it directly.
type Frame uintptr

// MappingOrigin is the external page-table collaborator contract (§6).
// Exactly one of {host page table entry, guest virtual-TLB entry} backs any
// given Shadow Entry; both shapes satisfy this single interface so the core
// never branches on which kind of origin it is holding.
type MappingOrigin interface {
	// CowUpdate atomically repoints this entry at phys with permissions
	// attr and flushes the local TLB for the affected virtual address.
	CowUpdate(phys uintptr, attr PageAttr) error

	// Lookup walks the mapping for virt.
	Lookup(virt uintptr) (phys uintptr, attr PageAttr, size PageType, ok bool)

	// IsCOWFault classifies a #PF: true iff the fault is a write into a
	// page this origin deliberately write-protected to trigger shadowing.
	IsCOWFault(virt uintptr, writeFault bool) bool

	// RemapCOW maps phys into a kernel scratch window at the slot-th
	// index and returns a pointer valid until the next call with the
	// same slot. Slots are caller-addressed; see platform.go ScratchSlots.
	RemapCOW(phys uintptr, slot int) (unsafe.Pointer, error)
}

// FrameAllocator is the external physical-frame-allocator contract (§6).
type FrameAllocator interface {
	// AllocOrder1 allocates two contiguous page frames in one order-1
	// block, returning the first-run and second-run shadow frames.
	AllocOrder1() (run0, run1 Frame, err error)
	Free(f Frame)
	PhysOf(f Frame) uintptr
}

// CRC32er is the external checksum primitive contract (§6). Seed 0 is used
// uniformly throughout this package.
type CRC32er interface {
	Compute(seed uint32, p []byte) uint32
}

// TimeSource is the external CPU-time-source contract (§6): the
// performance-counter clock the driver programs as the PE's instruction
// budget, plus the timestamp counter used only for diagnostics.
type TimeSource interface {
	ReadInstructionCounter() uint64
	ProgramPMI(count uint64)
	CancelPMI()
	ReadTSC() uint64
}

// Console is the external console/logger contract (§6): mismatch reports
// are formatted by report.go and handed to Reportf verbatim.
type Console interface {
	Reportf(format string, args ...any)
}
