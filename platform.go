package dualpe

// DriverConfig carries the tunables the original hard-coded, per Design
// Notes §9's Open Question on the PMI overflow-canonicalisation formula:
// rather than assuming StartCounter == PerfMaxCount - MaxInstruction, both
// are explicit fields so a caller programming the PMI differently is not
// silently miscounted.
type DriverConfig struct {
	// MaxInstruction is the retired-instruction budget of one run,
	// programmed into the performance counter at the start of run 0.
	MaxInstruction uint64

	// OvershootBudget is the number of instructions beyond
	// MaxInstruction a run may overshoot due to imprecise PMI delivery
	// before the driver treats it as out-of-spec hardware (§8 S5).
	OvershootBudget uint64

	// StartCounter and PerfMaxCount parametrize the overflow
	// canonicalisation formula (§4.D). Defaults satisfy
	// StartCounter == PerfMaxCount - MaxInstruction, matching the
	// original's hard-coded assumption.
	StartCounter uint64
	PerfMaxCount uint64

	// ScratchSlots is the number of independent remap windows the
	// driver and compare/commit paths may use concurrently (§4.A, §5).
	// Slot assignment is by convention: compare uses 0/1 (plus 2 for the
	// mismatch report's old_phys read), commit write-back uses 0/2,
	// rollback uses 2/3, COW-fault shadow seeding uses 3/4, RIP decode
	// uses 2.
	ScratchSlots int
}

// DefaultConfig returns the configuration matching the original's
// hard-coded constants.
func DefaultConfig() DriverConfig {
	const maxInstruction = 1 << 16
	const perfMaxCount = 1 << 48
	return DriverConfig{
		MaxInstruction:  maxInstruction,
		OvershootBudget: 300,
		StartCounter:    perfMaxCount - maxInstruction,
		PerfMaxCount:    perfMaxCount,
		ScratchSlots:    5,
	}
}
