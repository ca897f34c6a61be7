package dualpe

// repointShadow updates ce's origin mapping (and its twin's, if any) to
// point at new_phys[which] with WRITE enabled, COW cleared — the shared
// step behind restore_state0/1 on both the main set and the VM-stack queue.
func repointShadow(ce *ShadowEntry, alloc FrameAllocator, which int) error {
	writable := ce.Attr.WithWriteEnabled()
	if err := ce.Origin.CowUpdate(alloc.PhysOf(ce.NewPhys[which]), writable); err != nil {
		return err
	}
	if ce.Twin != nil && ce.Twin.Origin != nil {
		if err := ce.Twin.Origin.CowUpdate(alloc.PhysOf(ce.NewPhys[which]), writable); err != nil {
			return err
		}
	}
	return nil
}

// RestoreState0 implements §4.D run-0-path step 2: repoint every live-set
// mapping at new_phys[1] with WRITE enabled, so run 1's writes land in the
// second shadow.
func RestoreState0(pe *ThreadPE, alloc FrameAllocator) error {
	if pe.isVCPU {
		if err := RestoreVMStackState0(pe, alloc); err != nil {
			return err
		}
	}
	var err error
	pe.reg.forEach(setLive, func(ce *ShadowEntry) {
		if err == nil {
			err = repointShadow(ce, alloc, 1)
		}
	})
	return err
}

// RestoreState1 implements §4.D run-1-path's "run 0 is the behind run"
// direction: repoint every live-set mapping back at new_phys[0] with WRITE
// enabled, so the extra catch-up instructions single-stepped to bring run 0
// level with run 1 land in run 0's shadow buffer rather than run 1's.
func RestoreState1(pe *ThreadPE, alloc FrameAllocator) error {
	if pe.isVCPU {
		if err := RestoreVMStackState1(pe, alloc); err != nil {
			return err
		}
	}
	var err error
	pe.reg.forEach(setLive, func(ce *ShadowEntry) {
		if err == nil {
			err = repointShadow(ce, alloc, 0)
		}
	})
	return err
}

// compareEntry CRCs both shadows of ce. If they differ, it attempts the
// word-wise VM-stack reconciliation heuristic when allowVMStackHeuristic is
// set (§4.E: "if the origin is a vCPU and the mismatch is localised to a
// guest-kernel stack page, patch the word in shadow[0] from shadow[1] and
// re-CRC"). It returns (diverged, reconciled, error); diverged&&!reconciled
// is the caller's signal to treat this as a hard mismatch.
func compareEntry(ce *ShadowEntry, alloc FrameAllocator, crc CRC32er, allowVMStackHeuristic bool) (diverged bool, reconciled bool, err error) {
	p0, err := ce.Origin.RemapCOW(alloc.PhysOf(ce.NewPhys[0]), 0)
	if err != nil {
		return false, false, err
	}
	p1, err := ce.Origin.RemapCOW(alloc.PhysOf(ce.NewPhys[1]), 1)
	if err != nil {
		return false, false, err
	}

	c0 := crc.Compute(0, pageBytes(p0))
	c1 := crc.Compute(0, pageBytes(p1))
	if c0 == c1 {
		ce.CRC1 = c1
		return false, false, nil
	}

	idx := firstMismatchWord(pageBytes(p0), pageBytes(p1))
	if allowVMStackHeuristic && idx >= 0 {
		patchWord(pageBytes(p0), pageBytes(p1), idx)
		c0 = crc.Compute(0, pageBytes(p0))
		if c0 == c1 {
			ce.CRC1 = c1
			return true, true, nil
		}
	}
	ce.CRC1 = c1
	return true, false, nil
}

// firstMismatchWord returns the index (in 4-byte words) of the first
// differing word between a and b, or -1 if they are identical (which
// cannot happen when the caller already knows their CRCs differ, but is
// handled defensively).
func firstMismatchWord(a, b []byte) int {
	for i := 0; i+4 <= len(a); i += 4 {
		if a[i] != b[i] || a[i+1] != b[i+1] || a[i+2] != b[i+2] || a[i+3] != b[i+3] {
			return i / 4
		}
	}
	return -1
}

func patchWord(dst, src []byte, wordIdx int) {
	i := wordIdx * 4
	copy(dst[i:i+4], src[i:i+4])
}

// wordAt reads the 4-byte little-endian word at word index idx.
func wordAt(b []byte, idx int) uint32 {
	i := idx * 4
	return uint32(b[i]) | uint32(b[i+1])<<8 | uint32(b[i+2])<<16 | uint32(b[i+3])<<24
}

// mismatchWordValues re-locates the first mismatching word between ce's two
// shadows and reads the three values a mismatch report must carry (§6):
// old_phys's value, shadow0's, and shadow1's, all at that word. ok is false
// when the shadows happen to agree (nothing to report) or a remap fails.
func mismatchWordValues(ce *ShadowEntry, alloc FrameAllocator) (idx int, val0, val1, val2 uint32, ok bool) {
	p0, err := ce.Origin.RemapCOW(alloc.PhysOf(ce.NewPhys[0]), 0)
	if err != nil {
		return 0, 0, 0, 0, false
	}
	p1, err := ce.Origin.RemapCOW(alloc.PhysOf(ce.NewPhys[1]), 1)
	if err != nil {
		return 0, 0, 0, 0, false
	}
	b0, b1 := pageBytes(p0), pageBytes(p1)
	i := firstMismatchWord(b0, b1)
	if i < 0 {
		return 0, 0, 0, 0, false
	}
	old, err := ce.Origin.RemapCOW(ce.OldPhys, 2)
	if err != nil {
		return 0, 0, 0, 0, false
	}
	return i, wordAt(pageBytes(old), i), wordAt(b0, i), wordAt(b1, i), true
}

// compareOutcome is Compare's per-entry disposition, used by Commit to
// decide between the vm-stack fast path, a normal write-back, and
// divergence.
type compareOutcome struct {
	entry      *ShadowEntry
	changed    bool // crc != crc1
	vmStackFix bool // reconciled via the word-patch heuristic
}

// Compare walks the live set CRCing both shadows of every entry (§4.E).
// It returns diverged == true the moment any entry's mismatch cannot be
// reconciled — the caller (driver.go) then calls Rollback instead of
// Commit. outcomes is valid only when diverged == false.
func Compare(pe *ThreadPE, alloc FrameAllocator, crc CRC32er) (outcomes []compareOutcome, diverged bool, err error) {
	if pe.isVCPU {
		stackDiverged, serr := CompareVMStack(pe, alloc, crc)
		if serr != nil {
			return nil, false, serr
		}
		if stackDiverged {
			return nil, true, nil
		}
	}

	pe.reg.forEach(setLive, func(ce *ShadowEntry) {
		if diverged || err != nil {
			return
		}
		d, reconciled, cerr := compareEntry(ce, alloc, crc, pe.isVCPU)
		if cerr != nil {
			err = cerr
			return
		}
		if d && !reconciled {
			diverged = true
			return
		}
		ce.vmStackFix = d && reconciled
		outcomes = append(outcomes, compareOutcome{
			entry:      ce,
			changed:    ce.CRC != ce.CRC1,
			vmStackFix: ce.vmStackFix,
		})
	})
	if err != nil || diverged {
		return nil, diverged, err
	}
	return outcomes, false, nil
}
