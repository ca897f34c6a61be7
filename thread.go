package dualpe

// runState is the PE driver's state machine position (§4.D transition
// diagram), tracked per thread alongside run_number/step_reason.
type runState int

const (
	stateUnlaunched runState = iota
	stateRun0
	stateRun1
	stateCompare
	stateDiverge
)

// StepReason tags why the trap flag is currently set, or why the previous
// run ended (§4.D).
type StepReason int

const (
	SR_NONE StepReason = iota
	SR_PMI
	SR_EQU
	SR_DBG
	SR_RDTSC
	SR_PIO
	SR_MMIO
	SR_GP
)

// ThreadPE bundles all per-thread PE-lifecycle state: the shadow registry
// (live + parked sets), the VM-stack auxiliary queue, the driver's state
// machine position, and the run bookkeeping the original kept scattered
// across the executing thread's object (Design Notes §9's per-thread
// bundling instruction).
type ThreadPE struct {
	reg     *registry
	vmStack *vmStackQueue

	state      runState
	runNumber  int
	stepReason StepReason
	prevReason StepReason

	regs0, regs1 RegisterFile

	instr0, instr1 uint64 // canonicalised retired-instruction counts for run 0 / run 1
	exc0, exc1     uint64 // exception counts captured alongside counter0/counter1
	excCount       uint64 // incremented on every CheckMemory call, stands in for exc_counter_k

	nbInstrToExecute int
	prevRIP          uint64
	inRepInstruction bool

	inRecoverFromStackFault bool

	// KeepCOW forces every unchanged parked entry to be re-parked rather
	// than destroyed at the next commit; read once, then cleared (§3
	// addendum). Set by the caller before starting a PE.
	KeepCOW bool

	isVCPU bool
}

// NewThreadPE constructs an idle ThreadPE in state UNLAUNCHED.
func NewThreadPE() *ThreadPE {
	return &ThreadPE{
		reg:     newRegistry(),
		vmStack: newVMStackQueue(),
		state:   stateUnlaunched,
	}
}

// NewVCPUThreadPE constructs a ThreadPE for a hardware-virtualized guest,
// enabling the VM-stack auxiliary path (§4.F).
func NewVCPUThreadPE() *ThreadPE {
	pe := NewThreadPE()
	pe.isVCPU = true
	return pe
}

// StepCount returns how many more instructions the caller must single-step
// before calling CheckMemory again, valid after an ActionSingleStep result.
func (pe *ThreadPE) StepCount() int {
	return pe.nbInstrToExecute
}

func (pe *ThreadPE) startPE() {
	recordPE()
	pe.state = stateRun0
	pe.runNumber = 0
}
