package dualpe

// writeBackEntry copies the canonical post-state (new_phys[0]) into
// old_phys and advances crc to crc1 (§4.E commit step 1).
func writeBackEntry(ce *ShadowEntry, alloc FrameAllocator) error {
	src, err := ce.Origin.RemapCOW(alloc.PhysOf(ce.NewPhys[0]), 0)
	if err != nil {
		return err
	}
	dst, err := ce.Origin.RemapCOW(ce.OldPhys, 2)
	if err != nil {
		return err
	}
	copyPage(dst, src)
	ce.CRC = ce.CRC1
	return nil
}

// repointOriginal repoints ce's origin mapping (and twin's) back at
// old_phys with the original attr: COW set, WRITE clear.
func repointOriginal(ce *ShadowEntry, alloc FrameAllocator) error {
	restored := ce.Attr.WithCOWRestored()
	if err := ce.Origin.CowUpdate(ce.OldPhys, restored); err != nil {
		return err
	}
	if ce.Twin != nil && ce.Twin.Origin != nil {
		if err := ce.Twin.Origin.CowUpdate(ce.OldPhys, restored); err != nil {
			return err
		}
	}
	return nil
}

func destroyEntry(ce *ShadowEntry, alloc FrameAllocator) {
	alloc.Free(ce.NewPhys[0])
	alloc.Free(ce.NewPhys[1])
}

// destroyPair retires ce and its twin, if any, together. newAliasedShadowEntry
// gives a twin the same NewPhys frame IDs as its primary rather than
// allocating a second pair (§4.A: "no new frames are allocated" for an
// aliased mapping), so the frames are freed once, through ce; the twin's
// arena slot is released without a second Free of the same frames.
func destroyPair(reg *registry, alloc FrameAllocator, ce *ShadowEntry) {
	if twin := ce.Twin; twin != nil {
		reg.destroy(twin)
	}
	reg.destroy(ce)
	destroyEntry(ce, alloc)
}

// Commit executes §4.E's commit algorithm over the outcomes Compare
// already computed, dequeuing the live set head-first and, for each entry,
// writing back changed content, repointing the origin mapping, and
// deciding between re-parking and destruction.
//
// keepCOW is read once here (pe.KeepCOW) and unconditionally cleared
// afterward, per §3's resolution of the keep_cow Open Question.
func Commit(pe *ThreadPE, alloc FrameAllocator) error {
	if pe.isVCPU {
		if err := CommitVMStack(pe, alloc); err != nil {
			return err
		}
	}

	// VM-stack migration runs as its own pass, before the normal commit
	// walk below, and not from inside that walk's forEach callback.
	// CommitVMStackEntry unlinks both ce and its twin from the live set;
	// forEach's contract forbids a callback from mutating the membership
	// of any entry other than the one it was invoked with, so collecting
	// here and migrating afterward (once no live-set iteration is in
	// flight) is the only safe order.
	var vmStackFixed []*ShadowEntry
	pe.reg.forEach(setLive, func(ce *ShadowEntry) {
		if ce.vmStackFix {
			vmStackFixed = append(vmStackFixed, ce)
		}
	})
	for _, ce := range vmStackFixed {
		ce.vmStackFix = false
		CommitVMStackEntry(pe, alloc, ce)
	}

	parkedAtStart := pe.reg.parkedCountAtPEStart()
	keepCOW := pe.KeepCOW
	pe.KeepCOW = false

	position := 0
	var destroyList []*ShadowEntry

	pe.reg.forEach(setLive, func(ce *ShadowEntry) {
		changed := ce.CRC != ce.CRC1
		if changed {
			if err := writeBackEntry(ce, alloc); err != nil {
				panicWithDump("commit write-back failed", dumpEntry(ce))
			}
		}
		if err := repointOriginal(ce, alloc); err != nil {
			panicWithDump("commit repoint failed", dumpEntry(ce))
		}

		cameFromParked := position < parkedAtStart
		position++

		if cameFromParked && !changed && !keepCOW {
			destroyList = append(destroyList, ce)
		} else {
			pe.reg.moveToParked(ce)
		}
	})

	for _, ce := range destroyList {
		if ce.slot < 0 {
			continue // already destroyed as the other half of a twin pair
		}
		destroyPair(pe.reg, alloc, ce)
	}

	recordCommit()
	return nil
}

// rollbackEntry re-seeds both shadow frames from old_phys (§4.D step 4:
// "rollback() re-seeds both shadows from old_phys").
func rollbackEntry(ce *ShadowEntry, alloc FrameAllocator) error {
	src, err := ce.Origin.RemapCOW(ce.OldPhys, 2)
	if err != nil {
		return err
	}
	for _, f := range ce.NewPhys {
		dst, err := ce.Origin.RemapCOW(alloc.PhysOf(f), 3)
		if err != nil {
			return err
		}
		copyPage(dst, src)
	}
	return nil
}

// Rollback re-seeds every live-set shadow from old_phys and, for a vCPU
// thread, the VM-stack queue too (§4.D step 4, §4.F).
func Rollback(pe *ThreadPE, alloc FrameAllocator) error {
	if pe.isVCPU {
		if err := RollbackVMStack(pe, alloc); err != nil {
			return err
		}
	}
	var err error
	pe.reg.forEach(setLive, func(ce *ShadowEntry) {
		if err == nil {
			err = rollbackEntry(ce, alloc)
		}
	})
	recordRollback()
	return err
}

// PlacePhys0 is the dual of Commit at PE start (§4.E): migrate parked
// entries back into the live set, remapping the origin to new_phys[0] with
// WRITE, re-checking that old_phys and attr are still genuinely what the
// entry claims. A parked entry whose backing mapping has drifted (unmapped,
// moved, or reattributed out-of-band by the kernel) is dropped along with
// its twin.
//
// A pair's fate is decided once, from whichever entry of the pair the scan
// below reaches first (cow_elt.cpp::place_phys0 keys off the primary's own
// lookup only): the twin is never independently re-validated, since
// re-checking it separately could let one half of a pair move into the live
// set while the other half is queued for destruction, destroying shared
// shadow frames out from under the half that just moved.
//
// Deciding and mutating happen in two passes. forEach's contract forbids a
// callback from changing the set membership of any entry other than the one
// it was invoked with, and moving a pair's twin into the live set mid-scan
// does exactly that — the scan below only reads Lookup and records a
// decision; every unlink/pushBack/destroy happens afterward, once the
// parked-set scan has finished.
func PlacePhys0(pe *ThreadPE, alloc FrameAllocator) error {
	type decision struct {
		ce    *ShadowEntry
		stale bool
		attr  PageAttr
	}
	var decisions []decision
	visited := make(map[*ShadowEntry]bool)

	pe.reg.forEach(setParked, func(ce *ShadowEntry) {
		if visited[ce] {
			return
		}
		visited[ce] = true
		if twin := ce.Twin; twin != nil {
			visited[twin] = true
		}

		phys, attr, _, ok := ce.Origin.Lookup(ce.PageAddr)
		stale := !ok || phys != ce.OldPhys || attr != ce.Attr
		decisions = append(decisions, decision{ce: ce, stale: stale, attr: attr})
	})

	var toDrop []*ShadowEntry
	for _, d := range decisions {
		ce, twin := d.ce, d.ce.Twin
		if d.stale {
			toDrop = append(toDrop, ce)
			continue
		}
		ce.Attr = d.attr
		if err := repointShadow(ce, alloc, 0); err != nil {
			toDrop = append(toDrop, ce)
			continue
		}
		pe.reg.unlink(ce)
		pe.reg.pushBack(setLive, ce)

		if twin != nil {
			twin.Attr = d.attr
			pe.reg.unlink(twin)
			pe.reg.pushBack(setLive, twin)
		}
	}

	for _, ce := range toDrop {
		if ce.slot < 0 {
			continue
		}
		recordStaleParked()
		destroyPair(pe.reg, alloc, ce)
	}

	return nil
}

func dumpEntry(ce *ShadowEntry) string {
	return "shadow entry at " + uintptrHex(ce.PageAddr) + " old_phys=" + uintptrHex(ce.OldPhys)
}
