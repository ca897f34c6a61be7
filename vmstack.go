package dualpe

// vmStackQueue is a vCPU's private auxiliary set of ShadowEntry values
// covering its guest kernel stack (§4.F). Guest interrupts land on the
// stack at slightly different RIPs across the two runs, so mismatches here
// are expected and reconciled word-wise rather than treated as SEUs.
type vmStackQueue struct {
	entries []*ShadowEntry
}

func newVMStackQueue() *vmStackQueue {
	return &vmStackQueue{}
}

func (q *vmStackQueue) push(ce *ShadowEntry) {
	q.entries = append(q.entries, ce)
}

func (q *vmStackQueue) lookupByPhys(phys uintptr) *ShadowEntry {
	for _, ce := range q.entries {
		if ce.OldPhys == phys {
			return ce
		}
	}
	return nil
}

// trimLRU keeps at most the single most-recently-committed entry,
// discarding (and returning for caller cleanup) everything else. Called at
// the end of CommitVMStack (§4.F: "trimmed to one entry at the end of each
// commit"), not after every individual entry commit.
func (q *vmStackQueue) trimLRU() []*ShadowEntry {
	if len(q.entries) <= 1 {
		return nil
	}
	dropped := q.entries[:len(q.entries)-1]
	q.entries = q.entries[len(q.entries)-1:]
	return dropped
}

// RestoreVMStackState0 mirrors restore_state0 on the VM-stack queue: repoint
// every entry's mapping at new_phys[1] with WRITE enabled so run 1 writes
// land in the second shadow.
func RestoreVMStackState0(pe *ThreadPE, alloc FrameAllocator) error {
	for _, ce := range pe.vmStack.entries {
		if err := repointShadow(ce, alloc, 1); err != nil {
			return err
		}
	}
	return nil
}

// RestoreVMStackState1 repoints the queue back at new_phys[0] ahead of a
// retried run 0 (used by recover_from_stack_fault_mode's single retry).
func RestoreVMStackState1(pe *ThreadPE, alloc FrameAllocator) error {
	for _, ce := range pe.vmStack.entries {
		if err := repointShadow(ce, alloc, 0); err != nil {
			return err
		}
	}
	return nil
}

// RollbackVMStack mirrors the main-set Rollback on the VM-stack queue:
// re-seed both shadows from OldPhys. Origin mappings are not repointed.
func RollbackVMStack(pe *ThreadPE, alloc FrameAllocator) error {
	for _, ce := range pe.vmStack.entries {
		if err := rollbackEntry(ce, alloc); err != nil {
			return err
		}
	}
	return nil
}

// CompareVMStack runs before the main-set compare (Cow_elt::compare calls
// compare_vm_stack first). It returns true if any entry diverged in a way
// that could not be reconciled word-wise, matching the main compare's
// divergence semantics but scoped to the stack queue.
func CompareVMStack(pe *ThreadPE, alloc FrameAllocator, crc CRC32er) (bool, error) {
	for _, ce := range pe.vmStack.entries {
		diverged, reconciled, err := compareEntry(ce, alloc, crc, true)
		if err != nil {
			return false, err
		}
		if diverged && !reconciled {
			return true, nil
		}
	}
	return false, nil
}

// CommitVMStackEntry migrates a single main-set entry, whose mismatch was
// reconciled word-wise by Compare, into the VM-stack queue (commit_vm_stack_ce):
// write back its reconciled content if changed, repoint its origin (and its
// twin's) back at old_phys with COW restored, dequeue the twin from the live
// set since it shares this entry's shadow pair rather than owning one of its
// own, and push ce alone onto the queue.
func CommitVMStackEntry(pe *ThreadPE, alloc FrameAllocator, ce *ShadowEntry) {
	if ce.CRC != ce.CRC1 {
		if err := writeBackEntry(ce, alloc); err != nil {
			panicWithDump("vm-stack commit write-back failed", dumpEntry(ce))
		}
	}
	if err := repointOriginal(ce, alloc); err != nil {
		panicWithDump("vm-stack commit repoint failed", dumpEntry(ce))
	}

	if twin := ce.Twin; twin != nil {
		twin.Twin = nil
		ce.Twin = nil
		pe.reg.unlink(twin)
		pe.reg.release(twin)
	}

	pe.reg.unlink(ce)
	pe.reg.release(ce)
	pe.vmStack.push(ce)
	recordVMStackReconcile()
}

// CommitVMStack runs before the main-set commit (§4.F), writing back every
// reconciled entry's canonical content and trimming the queue to one entry.
func CommitVMStack(pe *ThreadPE, alloc FrameAllocator) error {
	for _, ce := range pe.vmStack.entries {
		if err := writeBackEntry(ce, alloc); err != nil {
			return err
		}
	}
	for _, dropped := range pe.vmStack.trimLRU() {
		destroyEntry(dropped, alloc)
	}
	return nil
}
