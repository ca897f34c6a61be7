package dualpe

// DriverAction tells the caller what to do after a CheckMemory call:
// resume the guest/user thread, single-step it some more, or stop because
// the PE has concluded (committed, retried, or surfaced as divergence).
type DriverAction int

const (
	// ActionResume means the driver advanced run_number and the caller
	// should resume the thread at its saved entry point.
	ActionResume DriverAction = iota
	// ActionSingleStep means the caller should set the trap flag and
	// single-step the thread, calling CheckMemory with SR_DBG after each
	// retired instruction; pe.StepCount() instructions remain to be stepped.
	ActionSingleStep
	// ActionCommitted means both runs agreed; the PE is over and its
	// shadows have been written back.
	ActionCommitted
	// ActionRetryPE means a memory-only divergence was detected whose
	// reason matches recover_from_stack_fault_mode's guard; the whole PE
	// has been rolled back and restarted transparently.
	ActionRetryPE
	// ActionDivergedSEU means divergence was confirmed and could not be
	// attributed to a recoverable stack-fault race; Metrics.SEUsDetected
	// has been incremented and a MismatchReport sent to Console.
	ActionDivergedSEU
)

// Driver is the PE driver state machine (§4.D): the single entry point a
// host's exception and PMI return path calls into.
type Driver struct {
	alloc   FrameAllocator
	crc     CRC32er
	clock   TimeSource
	console Console
	cfg     DriverConfig
}

func NewDriver(alloc FrameAllocator, crc CRC32er, clock TimeSource, console Console, cfg DriverConfig) *Driver {
	return &Driver{alloc: alloc, crc: crc, clock: clock, console: console, cfg: cfg}
}

// StartPE begins a new PE on pe: place parked entries back into the live
// set (§4.E place_phys0), reset run bookkeeping, and program the PMI for
// run 0.
func (d *Driver) StartPE(pe *ThreadPE) error {
	if err := PlacePhys0(pe, d.alloc); err != nil {
		return err
	}
	if pe.isVCPU {
		if err := RestoreVMStackState1(pe, d.alloc); err != nil {
			return err
		}
	}
	pe.startPE()
	pe.instr0, pe.instr1 = 0, 0
	pe.inRepInstruction = false
	d.clock.ProgramPMI(d.cfg.MaxInstruction)
	return nil
}

// canonicalize implements §4.D's overflow-canonicalisation formula.
func (d *Driver) canonicalize(counter, excCounter uint64) uint64 {
	if counter < d.cfg.StartCounter {
		return d.cfg.MaxInstruction + counter - excCounter
	}
	return counter - (d.cfg.PerfMaxCount - d.cfg.MaxInstruction)
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// CheckMemory is invoked from every exception and timer-interrupt return
// (§4.D). regs is the thread's register file at the moment of this
// exception. Each live Shadow Entry already carries the MappingOrigin its
// memory operations go through, so CheckMemory needs no origin of its own.
func (d *Driver) CheckMemory(pe *ThreadPE, from StepReason, regs RegisterFile) (DriverAction, error) {
	pe.excCount++

	if pe.nbInstrToExecute > 0 {
		return d.continueSingleStep(pe, from, regs)
	}

	switch pe.runNumber {
	case 0:
		return d.runRun0(pe, from, regs)
	case 1:
		return d.runRun1(pe, from, regs)
	default:
		panicWithDump("run_number outside {0,1}", "run_number="+uintptrHex(uintptr(pe.runNumber)))
		return ActionDivergedSEU, nil
	}
}

// runRun0 implements the §4.D run-0 path.
func (d *Driver) runRun0(pe *ThreadPE, from StepReason, regs RegisterFile) (DriverAction, error) {
	pe.prevReason = from
	pe.stepReason = from

	if err := RestoreState0(pe, d.alloc); err != nil {
		return ActionDivergedSEU, err
	}
	pe.regs0 = regs

	counter := d.clock.ReadInstructionCounter()
	pe.instr0 = d.canonicalize(counter, pe.excCount)
	pe.exc0 = pe.excCount

	if from == SR_PMI {
		d.clock.ProgramPMI(d.cfg.MaxInstruction)
	} else {
		d.clock.CancelPMI()
	}

	if prevRIPLooksLikeREP(pe, regs) {
		pe.inRepInstruction = true
	} else {
		pe.inRepInstruction = false
	}
	pe.prevRIP = regs.RIP

	pe.runNumber = 1
	pe.state = stateRun1
	return ActionResume, nil
}

// prevRIPLooksLikeREP is a stand-in for the original's f2/f3-opcode-byte
// sniff; without a decoder attached at this layer we key off RIP not
// having advanced since the last observation, the same signal used later
// by single-step REP detection (§4.D "prev_rip == current_rip").
func prevRIPLooksLikeREP(pe *ThreadPE, regs RegisterFile) bool {
	return pe.prevRIP != 0 && pe.prevRIP == regs.RIP
}

// runRun1 implements the §4.D run-1 path: instruction-count reconciliation,
// register/memory comparison, and commit/rollback/retry.
func (d *Driver) runRun1(pe *ThreadPE, from StepReason, regs RegisterFile) (DriverAction, error) {
	pe.regs1 = regs

	counter := d.clock.ReadInstructionCounter()
	pe.instr1 = d.canonicalize(counter, pe.excCount)
	pe.exc1 = pe.excCount

	if from == SR_PMI || pe.prevReason == SR_PMI {
		overshootLimit := d.cfg.MaxInstruction + d.cfg.OvershootBudget
		if pe.instr0 > overshootLimit || pe.instr1 > overshootLimit {
			panicWithDump("PMI not served early, must be dug deeper",
				"instr0="+uintptrHex(uintptr(pe.instr0))+" instr1="+uintptrHex(uintptr(pe.instr1)))
		}

		distance := absDiff(pe.instr0, pe.instr1)
		if distance > d.cfg.OvershootBudget+2 {
			panicWithDump("PMI overshoot beyond configured budget",
				"distance="+uintptrHex(uintptr(distance)))
		}
		if distance > 0 {
			if distance <= 2 {
				if !pe.regs0.Equal(pe.regs1) {
					pe.nbInstrToExecute = int(distance)
					pe.stepReason = SR_EQU
					return ActionSingleStep, nil
				}
			} else {
				if pe.instr0 < pe.instr1 {
					// run 0 is the behind run: repoint live mappings back
					// at new_phys[0] so the catch-up steps below land in
					// run 0's shadow instead of run 1's.
					if err := RestoreState1(pe, d.alloc); err != nil {
						return ActionDivergedSEU, err
					}
				}
				pe.nbInstrToExecute = int(distance)
				pe.stepReason = SR_PMI
				return ActionSingleStep, nil
			}
		}
	}

	return d.finishComparison(pe, from)
}

// continueSingleStep handles #DB returns while nbInstrToExecute > 0,
// decrementing per retired instruction and ignoring REP-prefix retires
// (prev_rip == current_rip) per §4.D's single-stepping note.
func (d *Driver) continueSingleStep(pe *ThreadPE, from StepReason, regs RegisterFile) (DriverAction, error) {
	if pe.prevRIP == regs.RIP {
		return ActionSingleStep, nil
	}
	pe.prevRIP = regs.RIP
	pe.nbInstrToExecute--
	recordSingleStep()

	if pe.runNumber == 0 {
		pe.regs0 = regs
	} else {
		pe.regs1 = regs
	}

	if pe.nbInstrToExecute > 0 {
		return ActionSingleStep, nil
	}
	if pe.runNumber == 0 {
		pe.runNumber = 1
		pe.state = stateRun1
		return ActionResume, nil
	}
	return d.finishComparison(pe, from)
}

// finishComparison is steps 2-4 of the run-1 path: compare registers and
// shadows, then commit, rollback-and-retry, or surface an SEU.
func (d *Driver) finishComparison(pe *ThreadPE, from StepReason) (DriverAction, error) {
	pe.state = stateCompare
	regsEqual := pe.regs0.Equal(pe.regs1)

	outcomes, memDiverged, err := Compare(pe, d.alloc, d.crc)
	if err != nil {
		return ActionDivergedSEU, err
	}

	if regsEqual && !memDiverged {
		_ = outcomes
		if err := Commit(pe, d.alloc); err != nil {
			return ActionDivergedSEU, err
		}
		pe.inRecoverFromStackFault = false
		pe.state = stateUnlaunched
		pe.runNumber = 0
		return ActionCommitted, nil
	}

	pe.state = stateDiverge
	if err := Rollback(pe, d.alloc); err != nil {
		return ActionDivergedSEU, err
	}

	memOnlyDivergence := regsEqual && memDiverged
	sameEndReason := from == pe.prevReason

	if sameEndReason && memOnlyDivergence && !pe.inRecoverFromStackFault {
		pe.inRecoverFromStackFault = true
		if err := d.StartPE(pe); err != nil {
			return ActionDivergedSEU, err
		}
		// run 1 left the live mappings on new_phys[1]; the retried run 0
		// must write into new_phys[0] again.
		if err := RestoreState1(pe, d.alloc); err != nil {
			return ActionDivergedSEU, err
		}
		return ActionRetryPE, nil
	}

	pe.inRecoverFromStackFault = false
	recordSEU()
	d.console.Reportf("%s", BuildMismatchReport(pe, d.alloc, regsEqual))
	pe.state = stateUnlaunched
	pe.runNumber = 0
	return ActionDivergedSEU, nil
}
