package dualpe_test

import (
	"testing"
	"unsafe"

	"github.com/novahv/dualpe"
	"github.com/novahv/dualpe/internal/sim"
)

type harness struct {
	t       *testing.T
	pool    *sim.FramePool
	pt      *sim.PageTable
	crc     sim.CRC32
	clock   *sim.VirtualClock
	console *sim.LogrusConsole
	drv     *dualpe.Driver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pool, err := sim.NewFramePool(256)
	if err != nil {
		t.Fatalf("new frame pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	h := &harness{
		t:       t,
		pool:    pool,
		pt:      sim.NewPageTable(pool),
		crc:     sim.CRC32{},
		clock:   sim.NewVirtualClock(),
		console: sim.NewLogrusConsole(),
	}
	h.drv = dualpe.NewDriver(h.pool, h.crc, h.clock, h.console, dualpe.DefaultConfig())
	dualpe.ResetMetrics()
	return h
}

func (h *harness) mapPage(virt uint64) {
	h.t.Helper()
	attr := dualpe.PageAttr{Present: true, Writable: false, User: true, COW: true}
	if _, err := h.pt.Map(uintptr(virt), attr, dualpe.PageNormal); err != nil {
		h.t.Fatalf("map %#x: %v", virt, err)
	}
}

func (h *harness) fault(pe *dualpe.ThreadPE, virt uint64) *sim.PTEHandle {
	h.t.Helper()
	origin := h.pt.EntryAt(uintptr(virt))
	handled, err := dualpe.HandlePageFault(pe, h.pool, h.crc, origin, uintptr(virt), true, dualpe.FaultSnapshot{RIP: virt})
	if err != nil {
		h.t.Fatalf("fault at %#x: %v", virt, err)
	}
	if !handled {
		h.t.Fatalf("fault at %#x not classified as COW", virt)
	}
	return origin
}

func (h *harness) writeByte(origin *sim.PTEHandle, virt uint64, offset int, val byte) {
	h.t.Helper()
	phys, _, _, ok := origin.Lookup(uintptr(virt))
	if !ok {
		h.t.Fatalf("no mapping for %#x", virt)
	}
	ptr, err := origin.RemapCOW(phys, 0)
	if err != nil {
		h.t.Fatalf("remap: %v", err)
	}
	buf := scratch(ptr)
	buf[offset] = val
}

func (h *harness) readByte(virt uint64, offset int) byte {
	h.t.Helper()
	origin := h.pt.EntryAt(uintptr(virt))
	phys, _, _, ok := origin.Lookup(uintptr(virt))
	if !ok {
		h.t.Fatalf("no mapping for %#x", virt)
	}
	ptr, err := origin.RemapCOW(phys, 0)
	if err != nil {
		h.t.Fatalf("remap: %v", err)
	}
	return scratch(ptr)[offset]
}

// TestCleanPESinglePage grounds S1: a single-page PE where both runs write
// the same value commits and the committed content lands at old_phys with
// COW restored.
func TestCleanPESinglePage(t *testing.T) {
	h := newHarness(t)
	const virt = 0x4000

	h.mapPage(virt)
	pe := dualpe.NewThreadPE()
	if err := h.drv.StartPE(pe); err != nil {
		t.Fatalf("start PE: %v", err)
	}

	origin := h.fault(pe, virt)
	h.writeByte(origin, virt, 0, 0x44)

	action, err := h.drv.CheckMemory(pe, dualpe.SR_PMI, dualpe.RegisterFile{RIP: virt})
	if err != nil {
		t.Fatalf("check memory run0: %v", err)
	}
	if action != dualpe.ActionResume {
		t.Fatalf("expected ActionResume after run0, got %v", action)
	}

	origin = h.pt.EntryAt(virt)
	h.writeByte(origin, virt, 0, 0x44)

	action, err = h.drv.CheckMemory(pe, dualpe.SR_PMI, dualpe.RegisterFile{RIP: virt})
	if err != nil {
		t.Fatalf("check memory run1: %v", err)
	}
	if action != dualpe.ActionCommitted {
		t.Fatalf("expected ActionCommitted, got %v", action)
	}

	if got := h.readByte(virt, 0); got != 0x44 {
		t.Errorf("committed content = %#x, want 0x44", got)
	}
	_, attr, _, _ := h.pt.EntryAt(virt).Lookup(virt)
	if !attr.COW || attr.Writable {
		t.Errorf("attr after commit = %+v, want COW set / WRITE clear", attr)
	}

	m := dualpe.GetMetrics()
	if m.Commits != 1 {
		t.Errorf("Commits = %d, want 1", m.Commits)
	}
}

// TestDivergingPEReportsSEU grounds S3 (the divergence half): a run-1 write
// that disagrees with run-0's write, with a mismatched prev_reason so the
// stack-fault-recovery guard does not fire, surfaces as ActionDivergedSEU
// and increments SEUsDetected.
func TestDivergingPEReportsSEU(t *testing.T) {
	h := newHarness(t)
	const virt = 0x5000

	h.mapPage(virt)
	pe := dualpe.NewThreadPE()
	if err := h.drv.StartPE(pe); err != nil {
		t.Fatalf("start PE: %v", err)
	}

	origin := h.fault(pe, virt)
	h.writeByte(origin, virt, 0, 0x11)

	if _, err := h.drv.CheckMemory(pe, dualpe.SR_PMI, dualpe.RegisterFile{RIP: virt}); err != nil {
		t.Fatalf("check memory run0: %v", err)
	}

	origin = h.pt.EntryAt(virt)
	h.writeByte(origin, virt, 0, 0x22) // disagrees with run 0

	action, err := h.drv.CheckMemory(pe, dualpe.SR_GP, dualpe.RegisterFile{RIP: virt})
	if err != nil {
		t.Fatalf("check memory run1: %v", err)
	}
	if action != dualpe.ActionDivergedSEU {
		t.Fatalf("expected ActionDivergedSEU (from SR_PMI != SR_GP prev_reason mismatch), got %v", action)
	}

	if got := h.readByte(virt, 0); got != 0x11 {
		t.Errorf("after rollback, old_phys byte 0 = %#x, want 0x11 (unchanged)", got)
	}

	m := dualpe.GetMetrics()
	if m.SEUsDetected != 1 {
		t.Errorf("SEUsDetected = %d, want 1", m.SEUsDetected)
	}
	if m.Rollbacks != 1 {
		t.Errorf("Rollbacks = %d, want 1", m.Rollbacks)
	}
}

// TestDivergingPERetriesOnMatchingReason grounds §4.D step 4a: a memory-only
// divergence whose end reason matches prev_reason and whose registers agree
// triggers one recover_from_stack_fault_mode retry instead of an immediate
// SEU report.
func TestDivergingPERetriesOnMatchingReason(t *testing.T) {
	h := newHarness(t)
	const virt = 0x6000

	h.mapPage(virt)
	pe := dualpe.NewThreadPE()
	if err := h.drv.StartPE(pe); err != nil {
		t.Fatalf("start PE: %v", err)
	}

	origin := h.fault(pe, virt)
	h.writeByte(origin, virt, 0, 0x11)

	if _, err := h.drv.CheckMemory(pe, dualpe.SR_PMI, dualpe.RegisterFile{RIP: virt}); err != nil {
		t.Fatalf("check memory run0: %v", err)
	}

	origin = h.pt.EntryAt(virt)
	h.writeByte(origin, virt, 0, 0x22) // disagrees, same reason both ends, same regs

	action, err := h.drv.CheckMemory(pe, dualpe.SR_PMI, dualpe.RegisterFile{RIP: virt})
	if err != nil {
		t.Fatalf("check memory run1: %v", err)
	}
	if action != dualpe.ActionRetryPE {
		t.Fatalf("expected ActionRetryPE, got %v", action)
	}

	m := dualpe.GetMetrics()
	if m.SEUsDetected != 0 {
		t.Errorf("SEUsDetected = %d, want 0 on first retry", m.SEUsDetected)
	}
}

// TestAliasedPagesShareOneShadowPair grounds S2: two mappings to the same
// physical frame produce exactly one pair of shadow frames, and writes
// through either mapping land in the shared shadow.
func TestAliasedPagesShareOneShadowPair(t *testing.T) {
	h := newHarness(t)
	const v1, v2 = 0x7000, 0x8000

	attr := dualpe.PageAttr{Present: true, Writable: false, User: true, COW: true}
	phys, err := h.pt.Map(v1, attr, dualpe.PageNormal)
	if err != nil {
		t.Fatalf("map v1: %v", err)
	}
	// Alias v2 at the same physical frame by cloning v1's entry under v2.
	if err := h.pt.EntryAt(v1).CowUpdate(phys, attr); err != nil {
		t.Fatalf("seed v1: %v", err)
	}
	aliasOrigin := h.pt.EntryAt(v2)
	if err := aliasOrigin.CowUpdate(phys, attr); err != nil {
		t.Fatalf("alias v2: %v", err)
	}

	pe := dualpe.NewThreadPE()
	if err := h.drv.StartPE(pe); err != nil {
		t.Fatalf("start PE: %v", err)
	}

	bumpedBefore := h.pool.Bumped()
	before := dualpe.GetMetrics().CowFaults
	h.fault(pe, v1)
	h.fault(pe, v2)
	after := dualpe.GetMetrics().CowFaults
	if after-before != 2 {
		t.Fatalf("CowFaults increased by %d, want 2 (one per mapping, still one shadow pair)", after-before)
	}

	if got := h.pool.Bumped() - bumpedBefore; got != 2 {
		t.Errorf("frames bumped = %d, want 2 (one shadow pair shared by both aliases, not four)", got)
	}
}

// TestVCPUStackJitterReconciles grounds S4: a vCPU's two runs write
// different bytes of the same word on a kernel-stack page. Compare's
// word-patch heuristic reconciles the mismatch, the entry migrates into the
// VM-stack queue instead of being treated as a divergence, and commit
// succeeds without an SEU report.
func TestVCPUStackJitterReconciles(t *testing.T) {
	h := newHarness(t)
	const virt = 0x9000

	h.mapPage(virt)
	pe := dualpe.NewVCPUThreadPE()
	if err := h.drv.StartPE(pe); err != nil {
		t.Fatalf("start PE: %v", err)
	}

	origin := h.fault(pe, virt)
	h.writeByte(origin, virt, 0, 0x01)

	if _, err := h.drv.CheckMemory(pe, dualpe.SR_PMI, dualpe.RegisterFile{RIP: virt}); err != nil {
		t.Fatalf("check memory run0: %v", err)
	}

	origin = h.pt.EntryAt(virt)
	h.writeByte(origin, virt, 1, 0x02) // same word (bytes 0-3), different byte than run 0

	action, err := h.drv.CheckMemory(pe, dualpe.SR_PMI, dualpe.RegisterFile{RIP: virt})
	if err != nil {
		t.Fatalf("check memory run1: %v", err)
	}
	if action != dualpe.ActionCommitted {
		t.Fatalf("expected ActionCommitted (word-patch reconciliation), got %v", action)
	}

	m := dualpe.GetMetrics()
	if m.VMStackReconciles != 1 {
		t.Errorf("VMStackReconciles = %d, want 1", m.VMStackReconciles)
	}
	if m.SEUsDetected != 0 {
		t.Errorf("SEUsDetected = %d, want 0", m.SEUsDetected)
	}
}

// TestBudgetOvershootSingleSteps grounds S5: run 0 and run 1 end with a
// retired-instruction distance of 4, which exceeds the <=2 fast path but
// stays within OvershootBudget, so the driver single-steps the behind run
// (run 0 here) by 4 instructions rather than panicking, and compare proceeds
// normally once the step budget is exhausted.
func TestBudgetOvershootSingleSteps(t *testing.T) {
	h := newHarness(t)
	const virt = 0xA000

	h.mapPage(virt)
	pe := dualpe.NewThreadPE()
	if err := h.drv.StartPE(pe); err != nil {
		t.Fatalf("start PE: %v", err)
	}

	origin := h.fault(pe, virt)
	h.writeByte(origin, virt, 0, 0x55)

	if _, err := h.drv.CheckMemory(pe, dualpe.SR_PMI, dualpe.RegisterFile{RIP: virt}); err != nil {
		t.Fatalf("check memory run0: %v", err)
	}

	origin = h.pt.EntryAt(virt)
	h.writeByte(origin, virt, 0, 0x55) // agrees with run 0

	h.clock.Retire(5) // counter advances enough to produce a distance-4 split

	action, err := h.drv.CheckMemory(pe, dualpe.SR_PMI, dualpe.RegisterFile{RIP: virt})
	if err != nil {
		t.Fatalf("check memory run1 end: %v", err)
	}
	if action != dualpe.ActionSingleStep {
		t.Fatalf("expected ActionSingleStep, got %v", action)
	}
	if pe.StepCount() != 4 {
		t.Fatalf("StepCount() = %d, want 4", pe.StepCount())
	}

	steps := []uint64{virt + 1, virt + 2, virt + 3, virt}
	for i, rip := range steps {
		action, err = h.drv.CheckMemory(pe, dualpe.SR_DBG, dualpe.RegisterFile{RIP: rip})
		if err != nil {
			t.Fatalf("single step %d: %v", i, err)
		}
	}
	if action != dualpe.ActionCommitted {
		t.Fatalf("expected ActionCommitted after single-step budget drained, got %v", action)
	}

	m := dualpe.GetMetrics()
	if m.SingleSteps != 4 {
		t.Errorf("SingleSteps = %d, want 4", m.SingleSteps)
	}
	if m.Commits != 1 {
		t.Errorf("Commits = %d, want 1", m.Commits)
	}
}

// TestBudgetOvershootCatchupLandsInShadowZero grounds the run-0-behind
// direction of §4.D step 1's "else" branch: when run 0 retired fewer
// instructions than run 1, the driver must repoint live mappings back at
// new_phys[0] before single-stepping the catch-up, so the replayed
// instructions land in run 0's shadow. TestBudgetOvershootSingleSteps above
// exercises the same distance-4 split but never writes during the
// single-stepped instructions, so it would pass whether or not the repoint
// happens; this test writes a tail byte mid-catch-up and checks it survives
// to the committed content.
func TestBudgetOvershootCatchupLandsInShadowZero(t *testing.T) {
	h := newHarness(t)
	const virt = 0xD000
	const tailOffset = 20

	h.mapPage(virt)
	pe := dualpe.NewThreadPE()
	if err := h.drv.StartPE(pe); err != nil {
		t.Fatalf("start PE: %v", err)
	}

	origin := h.fault(pe, virt)
	h.writeByte(origin, virt, 0, 0x11)

	if _, err := h.drv.CheckMemory(pe, dualpe.SR_PMI, dualpe.RegisterFile{RIP: virt}); err != nil {
		t.Fatalf("check memory run0: %v", err)
	}

	// Run 1 continues past where run 0 trapped: by the time it traps, its
	// shadow already has the tail byte run 0 hasn't replayed yet.
	origin = h.pt.EntryAt(virt)
	h.writeByte(origin, virt, 0, 0x11)          // agrees with run 0
	h.writeByte(origin, virt, tailOffset, 0xAB) // run 1's extra instruction

	h.clock.Retire(5) // same distance-4 split as TestBudgetOvershootSingleSteps

	action, err := h.drv.CheckMemory(pe, dualpe.SR_PMI, dualpe.RegisterFile{RIP: virt})
	if err != nil {
		t.Fatalf("check memory run1 end: %v", err)
	}
	if action != dualpe.ActionSingleStep {
		t.Fatalf("expected ActionSingleStep, got %v", action)
	}
	if pe.StepCount() != 4 {
		t.Fatalf("StepCount() = %d, want 4", pe.StepCount())
	}

	steps := []uint64{virt + 1, virt + 2, virt + 3, virt}
	for i, rip := range steps {
		if i == 1 {
			// Replay run 0's missing tail instruction, same as run 1 already did.
			h.writeByte(h.pt.EntryAt(virt), virt, tailOffset, 0xAB)
		}
		action, err = h.drv.CheckMemory(pe, dualpe.SR_DBG, dualpe.RegisterFile{RIP: rip})
		if err != nil {
			t.Fatalf("single step %d: %v", i, err)
		}
	}
	if action != dualpe.ActionCommitted {
		t.Fatalf("expected ActionCommitted once run 0's catch-up matches run 1's shadow, got %v", action)
	}

	if got := h.readByte(virt, tailOffset); got != 0xAB {
		t.Errorf("committed tail byte = %#x, want 0xab", got)
	}
}

// TestBudgetOvershootBothRunsPanics grounds §7's "PMI overshoot >300
// instructions" row: run 0 and run 1 each individually retire far more than
// MaxInstruction+OvershootBudget, but by the same amount, so the relative
// instr0/instr1 distance the fast path above checks stays at 0. The driver
// must still panic on each run's own count, not just the distance between
// them, or a PE like this would be single-stepped forever instead of
// surfacing as out-of-spec hardware.
func TestBudgetOvershootBothRunsPanics(t *testing.T) {
	h := newHarness(t)
	const virt = 0xC000

	h.mapPage(virt)
	pe := dualpe.NewThreadPE()
	if err := h.drv.StartPE(pe); err != nil {
		t.Fatalf("start PE: %v", err)
	}

	origin := h.fault(pe, virt)
	h.writeByte(origin, virt, 0, 0x66)

	h.clock.Retire(500) // run 0 ends well past MaxInstruction+OvershootBudget
	if _, err := h.drv.CheckMemory(pe, dualpe.SR_PMI, dualpe.RegisterFile{RIP: virt}); err != nil {
		t.Fatalf("check memory run0: %v", err)
	}

	origin = h.pt.EntryAt(virt)
	h.writeByte(origin, virt, 0, 0x66)

	h.clock.Retire(1) // run 1 overshoots by the same amount as run 0

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected CheckMemory to panic on a per-run overshoot")
		}
		de, ok := r.(*dualpe.DumpError)
		if !ok {
			t.Fatalf("expected *dualpe.DumpError panic, got %T: %v", r, r)
		}
		if de.Reason != "PMI not served early, must be dug deeper" {
			t.Errorf("panic reason = %q, want the per-run overshoot message", de.Reason)
		}
	}()

	h.drv.CheckMemory(pe, dualpe.SR_PMI, dualpe.RegisterFile{RIP: virt})
	t.Fatal("CheckMemory returned without panicking")
}

// TestStaleParkedEntryIsSilentlyDropped grounds S6: a page parked from a
// prior PE was remapped out from under it between PEs. place_phys0's
// mapping recheck disagrees with old_phys, so the entry (and its twin, if
// any) is dropped without surfacing an error, and the live set starts the
// next PE empty of it.
func TestStaleParkedEntryIsSilentlyDropped(t *testing.T) {
	h := newHarness(t)
	const virt = 0xB000

	h.mapPage(virt)
	pe := dualpe.NewThreadPE()
	if err := h.drv.StartPE(pe); err != nil {
		t.Fatalf("start PE: %v", err)
	}

	origin := h.fault(pe, virt)
	h.writeByte(origin, virt, 0, 0x33)
	if _, err := h.drv.CheckMemory(pe, dualpe.SR_PMI, dualpe.RegisterFile{RIP: virt}); err != nil {
		t.Fatalf("check memory run0: %v", err)
	}
	origin = h.pt.EntryAt(virt)
	h.writeByte(origin, virt, 0, 0x33)
	action, err := h.drv.CheckMemory(pe, dualpe.SR_PMI, dualpe.RegisterFile{RIP: virt})
	if err != nil {
		t.Fatalf("check memory run1: %v", err)
	}
	if action != dualpe.ActionCommitted {
		t.Fatalf("expected ActionCommitted, got %v", action)
	}

	// The kernel remaps virt to a different physical frame between PEs,
	// leaving the parked entry's old_phys stale.
	otherAttr := dualpe.PageAttr{Present: true, Writable: false, User: true, COW: true}
	if _, err := h.pt.Map(virt, otherAttr, dualpe.PageNormal); err != nil {
		t.Fatalf("remap virt: %v", err)
	}

	before := dualpe.GetMetrics().StaleParkedDropped
	if err := h.drv.StartPE(pe); err != nil {
		t.Fatalf("start second PE: %v", err)
	}
	after := dualpe.GetMetrics().StaleParkedDropped

	if after-before != 1 {
		t.Errorf("StaleParkedDropped increased by %d, want 1", after-before)
	}
}

func scratch(ptr unsafe.Pointer) []byte { return unsafe.Slice((*byte)(ptr), 4096) }
