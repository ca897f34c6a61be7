package dualpe

// HandlePageFault is the §4.G classification gate: the only interaction
// between the shadow subsystem and ordinary demand paging. The host's #PF
// handler calls this first; handled == true means the fault belonged to
// the shadow subsystem and has been fully resolved (or has returned an
// error worth aborting the PE over). handled == false means the caller
// must fall through to its native page-fault handler (map-from-master,
// user/kernel routing, I/O-space synthesis) — none of which this package
// implements.
func HandlePageFault(pe *ThreadPE, alloc FrameAllocator, crc CRC32er, origin MappingOrigin, virt uintptr, writeFault bool, fault FaultSnapshot) (handled bool, err error) {
	if !origin.IsCOWFault(virt, writeFault) {
		return false, nil
	}

	phys, attr, typ, ok := origin.Lookup(virt)
	if !ok {
		return false, nil
	}

	_, err = ResolveCOWFault(pe, alloc, crc, origin, virt, phys, attr, typ, fault)
	return true, err
}
