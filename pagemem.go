package dualpe

import "unsafe"

// pageBytes views a scratch-mapped page as a byte slice. The pointer
// returned by MappingOrigin.RemapCOW is only valid for the caller's
// current scratch slot; callers must not retain the slice past the next
// RemapCOW into the same slot.
func pageBytes(p unsafe.Pointer) []byte {
	return unsafe.Slice((*byte)(p), pageSize)
}

// copyPage copies one page's worth of bytes between two scratch-mapped
// windows (§4.C step 2's page-content copy, commit write-back, rollback
// re-seeding).
func copyPage(dst, src unsafe.Pointer) {
	copy(pageBytes(dst), pageBytes(src))
}
