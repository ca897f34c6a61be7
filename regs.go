package dualpe

// RegisterFile is a snapshot of the architectural register state compared
// between run 0 and run 1 of a PE. Only the registers the driver actually
// needs for comparison and diagnostics are modeled — this is not a full
// CPU context structure.
type RegisterFile struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP    uint64
	RFlags uint64
}

// Equal reports whether two register files hold identical architectural
// state. RFlags is compared with the reserved/undefined bits masked off by
// the caller if needed; here it is compared verbatim, matching
// compare_regs's plain equality check in the original driver.
func (r RegisterFile) Equal(o RegisterFile) bool {
	return r == o
}

// FaultSnapshot captures the executing thread's register state at the
// instant a COW fault occurred, for diagnostics only (§3 Shadow Entry
// field fault_snapshot).
type FaultSnapshot struct {
	RIP           uint64
	RCX           uint64
	RSP           uint64
	StackWordAt10 uint64 // word at guest-RSP+0x10, vCPU origin only
}
