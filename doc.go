// Package dualpe implements the fault-tolerant double-execution core of a
// micro-hypervisor: every bounded segment of guest or user code (a
// Processing Element, or PE) is run twice, its architectural and memory
// state compared, and the result committed only when both runs agree.
// Disagreement is treated as a transient fault — a single-event upset —
// and triggers rollback and re-execution rather than propagating incorrect
// state.
//
// The package covers three cooperating pieces:
//
//   - copy-on-write shadowing, which interposes on page-table write faults
//     to give each run of a PE its own private copy of every page it
//     touches (shadow.go, registry.go, fault.go, pagefault.go);
//   - the PE driver, a per-thread state machine that rides every
//     exception/interrupt return to decide first run, second run, single
//     step, or commit/rollback (driver.go, thread.go);
//   - compare & commit, which diffs the two shadow copies of every touched
//     page and, on agreement, atomically writes the result back and
//     releases the shadows (compare.go, commit.go, vmstack.go).
//
// The page-table representation, physical frame allocator, checksum
// primitive, console, scheduler, and CPU time source are all external
// collaborators — this package only depends on their contracts, declared
// in external.go. internal/sim provides reference implementations of all
// five so the core can be exercised without real ring-0 access; cmd/pectl
// is a small CLI built on top of that reference backend.
//
// # Basic usage
//
// Construct a Driver against concrete collaborators and drive it from the
// host's exception path:
//
//	drv := dualpe.NewDriver(alloc, crc, clock, console, dualpe.DefaultConfig())
//	pe := dualpe.NewThreadPE()
//
//	// on every write #PF whose faulting mapping has the COW bit set:
//	_, err := dualpe.ResolveCOWFault(pe, alloc, crc, origin, virt, phys, attr, dualpe.PageNormal, fault)
//
//	// on every exception/PMI return:
//	action, err := drv.CheckMemory(pe, dualpe.SR_PMI, regs)
//
// # Error handling
//
// Allocation failure during a COW fault returns ErrOutOfFrames; the caller
// aborts the PE and kills the offending thread. Every other recoverable
// condition (stale parked entries, reconciled VM-stack jitter, SEU
// detection) stays internal and shows up only in Metrics. Invariant
// violations that indicate a programming bug or out-of-spec hardware panic
// with a DumpError carrying a full diagnostic dump.
package dualpe
