package sim

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/novahv/dualpe"
)

type pte struct {
	phys uintptr
	attr dualpe.PageAttr
	size dualpe.PageType
}

// PageTable is a flat, process-wide table of page-aligned virtual-address
// mappings. It is not itself a dualpe.MappingOrigin — per §3/§6, a
// MappingOrigin is a single page-table-entry pointer, not a whole table.
// EntryAt binds one virtual address to such a pointer.
type PageTable struct {
	mu      sync.RWMutex
	entries map[uintptr]pte
	pool    *FramePool
}

func NewPageTable(pool *FramePool) *PageTable {
	return &PageTable{entries: make(map[uintptr]pte), pool: pool}
}

// Map installs a fresh mapping backed by a freshly allocated, zeroed
// content frame. Tests use this to set up guest/user memory before driving
// faults through it.
func (pt *PageTable) Map(virt uintptr, attr dualpe.PageAttr, typ dualpe.PageType) (uintptr, error) {
	f, err := pt.pool.AllocContentFrame()
	if err != nil {
		return 0, err
	}
	phys := pt.pool.PhysOf(f)
	page := pt.pool.bytesAt(phys)
	for i := range page {
		page[i] = 0
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.entries[pageAlign(virt, typ)] = pte{phys: phys, attr: attr, size: typ}
	return phys, nil
}

func pageAlign(virt uintptr, typ dualpe.PageType) uintptr {
	if typ == dualpe.PageBig {
		return virt &^ ((1 << 21) - 1)
	}
	return virt &^ (pageSize - 1)
}

// EntryAt binds a dualpe.MappingOrigin to the entry currently covering
// virt. The returned handle is what ResolveCOWFault/HandlePageFault expect
// as origin — one page-table-entry pointer, per the external contract.
func (pt *PageTable) EntryAt(virt uintptr) *PTEHandle {
	return &PTEHandle{table: pt, virt: pageAlign(virt, dualpe.PageNormal)}
}

func (pt *PageTable) lookup(virt uintptr) (pte, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	e, ok := pt.entries[pageAlign(virt, dualpe.PageNormal)]
	return e, ok
}

func (pt *PageTable) update(virt uintptr, phys uintptr, attr dualpe.PageAttr) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	key := pageAlign(virt, dualpe.PageNormal)
	e := pt.entries[key]
	e.phys = phys
	e.attr = attr
	pt.entries[key] = e
}

// PTEHandle is a dualpe.MappingOrigin bound to one virtual address's entry,
// standing in for a host page-table-entry pointer or a guest vTLB entry
// pointer (§3's mapping_ref — this sim never distinguishes the two kinds,
// since nothing in the core branches on which it is holding).
type PTEHandle struct {
	table *PageTable
	virt  uintptr
}

func (h *PTEHandle) CowUpdate(phys uintptr, attr dualpe.PageAttr) error {
	h.table.update(h.virt, phys, attr)
	return nil
}

func (h *PTEHandle) Lookup(virt uintptr) (phys uintptr, attr dualpe.PageAttr, size dualpe.PageType, ok bool) {
	e, found := h.table.lookup(virt)
	if !found {
		return 0, dualpe.PageAttr{}, 0, false
	}
	return e.phys, e.attr, e.size, true
}

func (h *PTEHandle) IsCOWFault(virt uintptr, writeFault bool) bool {
	e, ok := h.table.lookup(virt)
	return ok && writeFault && e.attr.COW
}

func (h *PTEHandle) RemapCOW(phys uintptr, slot int) (unsafe.Pointer, error) {
	if slot < 0 {
		return nil, fmt.Errorf("sim: negative scratch slot")
	}
	b := h.table.pool.bytesAt(phys)
	return unsafe.Pointer(&b[0]), nil
}
