package dualpe

import (
	"errors"
	"fmt"
	"strconv"
)

// Recoverable errors that cross a public method boundary. Every other
// failure mode in §7's taxonomy either stays local (rollback) or panics
// (programmer/hardware invariant violation) — see panicWithDump below.
var (
	// ErrOutOfFrames is returned by ResolveCOWFault when the frame
	// allocator is exhausted. ResolveCOWFault does not roll back itself:
	// aborting the PE (Rollback) and killing the thread are the caller's.
	ErrOutOfFrames = errors.New("dualpe: frame allocator exhausted")

	// ErrBigPageUnsupported is returned by ResolveCOWFault for a
	// PageBig origin. Resolving the spec's big-page Open Question as
	// "reject" rather than silently treating 2 MiB as 4 KiB.
	ErrBigPageUnsupported = errors.New("dualpe: big-page COW shadowing is unimplemented")

	// ErrNoOrigin is returned when resolve_cow_fault is called with
	// neither a host-PT nor a guest-vTLB origin.
	ErrNoOrigin = errors.New("dualpe: neither host page table nor guest vTLB origin specified")
)

// DumpError is a panic value carrying a full diagnostic dump, mirroring the
// original's Pe::dump / Pe_state::dump_log pattern: every hard invariant
// violation raises one of these instead of a bare string, so a recovering
// caller (or a test) can still retrieve structured context.
type DumpError struct {
	Reason string
	Dump   string
}

func (e *DumpError) Error() string {
	return fmt.Sprintf("dualpe: %s\n%s", e.Reason, e.Dump)
}

// panicWithDump raises a DumpError. Used for the §7 taxonomy entries that
// have no recovery path: twin-invariant violations, PMI overshoot beyond
// the configured budget, and a run_number outside {0,1}.
func panicWithDump(reason, dump string) {
	panic(&DumpError{Reason: reason, Dump: dump})
}

func uintptrHex(v uintptr) string {
	return "0x" + strconv.FormatUint(uint64(v), 16)
}
