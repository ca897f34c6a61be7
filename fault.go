package dualpe

// ResolveCOWFault is the fault interposer entry point (§4.C). It is called
// once per write #PF whose faulting mapping has its COW bit set, after
// pagefault.go's classification gate has already decided this fault
// belongs to the shadow subsystem.
//
// origin is exactly one of the two external collaborators a caller may
// have for the faulting mapping — a host page-table entry or a guest vTLB
// entry. virt and phys are the faulting virtual address and its current
// (pre-fault) physical frame; attr is the mapping's current permission
// bits, still carrying COW and lacking WRITE.
func ResolveCOWFault(pe *ThreadPE, alloc FrameAllocator, crc CRC32er, origin MappingOrigin, virt, phys uintptr, attr PageAttr, typ PageType, fault FaultSnapshot) (*ShadowEntry, error) {
	if origin == nil {
		return nil, ErrNoOrigin
	}
	if typ == PageBig {
		return nil, ErrBigPageUnsupported
	}

	aliasOf := pe.reg.lookupByPhys(setLive, phys)

	var ce *ShadowEntry
	var err error
	if aliasOf != nil {
		if aliasOf.Twin != nil {
			panicWithDump("twin invariant violated: page already has a twin", dumpEntry(aliasOf))
		}
		ce = newAliasedShadowEntry(virt, phys, attr, typ, fault, aliasOf)
		ce.Origin = origin
	} else {
		ce, err = newShadowEntry(alloc, virt, phys, attr, typ, fault)
		if err != nil {
			return nil, err
		}
		ce.Origin = origin
		if err := seedShadowContent(ce, alloc, crc); err != nil {
			alloc.Free(ce.NewPhys[0])
			alloc.Free(ce.NewPhys[1])
			return nil, err
		}
	}

	if err := origin.CowUpdate(alloc.PhysOf(ce.NewPhys[0]), ce.Attr.WithWriteEnabled()); err != nil {
		return nil, err
	}

	pe.reg.pushBack(setLive, ce)
	recordCowFault()
	return ce, nil
}

// seedShadowContent copies the page's current content into both shadow
// frames and computes the fresh entry's canonical CRC (§4.C step 2, fresh
// branch). origin.RemapCOW gives scratch-window access to both the source
// physical frame and each destination shadow frame; slots 3 and 4 are used
// here per the scratch-slot convention in platform.go's DriverConfig doc.
func seedShadowContent(ce *ShadowEntry, alloc FrameAllocator, crc CRC32er) error {
	src, err := ce.Origin.RemapCOW(ce.OldPhys, 3)
	if err != nil {
		return err
	}
	for i, f := range ce.NewPhys {
		dst, err := ce.Origin.RemapCOW(alloc.PhysOf(f), 4)
		if err != nil {
			return err
		}
		copyPage(dst, src)
		if i == 0 {
			ce.CRC = crc.Compute(0, pageBytes(dst))
		}
	}
	return nil
}
