package dualpe

// PageType distinguishes the two mapping granularities a Shadow Entry can
// cover. Big-page shadowing is acknowledged as unimplemented: see
// ResolveCOWFault.
type PageType int

const (
	PageNormal PageType = iota // 4 KiB
	PageBig                    // 2 MiB
)

const (
	pageSize    = 1 << 12
	pageMask    = pageSize - 1
	bigPageSize = 1 << 21
)

// PageAttr is the tagged union of permission bits a mapping can carry. The
// hardware word mixes these with COW-marking bits in the same 64-bit value;
// this type exists so the rest of the package never touches raw bits, only
// translating at the page-table boundary via ToHardware/FromHardware.
type PageAttr struct {
	Present  bool
	Writable bool
	User     bool
	COW      bool
}

// Hardware bit positions, chosen to match a conventional x86-64 PTE layout.
// Any concrete MappingOrigin is free to use a different native layout as
// long as ToHardware/FromHardware stay the single point of translation.
const (
	hwPresent  = 1 << 0
	hwWritable = 1 << 1
	hwUser     = 1 << 2
	hwCOW      = 1 << 11
)

// ToHardware packs the tagged union into the bit layout used by
// MappingOrigin implementations.
func (a PageAttr) ToHardware() uintptr {
	var w uintptr
	if a.Present {
		w |= hwPresent
	}
	if a.Writable {
		w |= hwWritable
	}
	if a.User {
		w |= hwUser
	}
	if a.COW {
		w |= hwCOW
	}
	return w
}

// FromHardware unpacks a raw hardware word into the tagged union.
func FromHardware(w uintptr) PageAttr {
	return PageAttr{
		Present:  w&hwPresent != 0,
		Writable: w&hwWritable != 0,
		User:     w&hwUser != 0,
		COW:      w&hwCOW != 0,
	}
}

// WithWriteEnabled returns attr with WRITE set and COW cleared: the
// permission transition applied every time a shadow frame is mapped in for
// a run (§4.C step 3, §4.D restore_state0/1).
func (a PageAttr) WithWriteEnabled() PageAttr {
	a.Writable = true
	a.COW = false
	return a
}

// WithCOWRestored returns attr with COW set and WRITE cleared: the
// permission transition applied on commit/rollback, repointing a mapping
// back at the original frame (§4.E commit step 3).
func (a PageAttr) WithCOWRestored() PageAttr {
	a.Writable = false
	a.COW = true
	return a
}
