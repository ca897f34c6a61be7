package dualpe

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// MismatchReport carries every field §6 requires the console contract to
// print on divergence: enough context to reconstruct what the two runs
// disagreed about without re-running either one.
type MismatchReport struct {
	PDName string
	PENum  uint64

	FaultVirt uintptr
	FaultIdx  int

	OldPhys    uintptr
	ShadowPhys [2]uintptr

	RIP     uint64
	Opcode  string // disassembled instruction at RIP, best-effort
	RCX     uint64
	RSP     uint64
	RSPWord uint64

	ShadowPtr [2]uintptr

	Val0, Val1, Val2 uint32

	CumulativeCowFaults uint64
	Instr0, Instr1      uint64
	PETotal             uint64
	VMStackQueueSize    int
}

// BuildMismatchReport assembles a MismatchReport from the driver's current
// state after a confirmed divergence. regsEqual tells the caller whether
// the mismatch is memory-only (the common "genuine SEU in data" case) or
// register-level too.
func BuildMismatchReport(pe *ThreadPE, alloc FrameAllocator, regsEqual bool) MismatchReport {
	m := GetMetrics()

	r := MismatchReport{
		PENum:               m.PEs,
		RIP:                 pe.regs1.RIP,
		RCX:                 pe.regs1.RCX,
		RSP:                 pe.regs1.RSP,
		CumulativeCowFaults: m.CowFaults,
		Instr0:              pe.instr0,
		Instr1:              pe.instr1,
		PETotal:             m.PEs,
		VMStackQueueSize:    len(pe.vmStack.entries),
	}

	if ce := pe.reg.lookupByVirt(setLive, uintptr(pe.regs1.RIP)); ce != nil {
		r.FaultVirt = ce.PageAddr
		r.OldPhys = ce.OldPhys
		r.ShadowPhys = [2]uintptr{alloc.PhysOf(ce.NewPhys[0]), alloc.PhysOf(ce.NewPhys[1])}
		r.RSPWord = ce.Fault.StackWordAt10
		r.Opcode = DisassembleAtWithOrigin(ce.Origin, pe.regs1.RIP)

		if idx, val0, val1, val2, ok := mismatchWordValues(ce, alloc); ok {
			r.FaultIdx = idx
			r.Val0, r.Val1, r.Val2 = val0, val1, val2
		}
	} else {
		r.Opcode = fmt.Sprintf("rip=0x%x <unreadable without origin>", pe.regs1.RIP)
	}

	return r
}

// DisassembleAtWithOrigin decodes the x86-64 instruction at rip using the
// scratch window the origin collaborator provides, for a fuller mismatch
// report than BuildMismatchReport alone can produce.
func DisassembleAtWithOrigin(origin MappingOrigin, virt uint64) string {
	phys, _, _, ok := origin.Lookup(uintptr(virt))
	if !ok {
		return fmt.Sprintf("rip=0x%x <unmapped>", virt)
	}
	ptr, err := origin.RemapCOW(phys, 2)
	if err != nil {
		return fmt.Sprintf("rip=0x%x <remap failed: %v>", virt, err)
	}
	off := int(virt & pageMask)
	buf := pageBytes(ptr)[off:]
	inst, err := x86asm.Decode(buf, 64)
	if err != nil {
		return fmt.Sprintf("rip=0x%x <decode failed: %v>", virt, err)
	}
	return fmt.Sprintf("rip=0x%x %s", virt, x86asm.GNUSyntax(inst, virt, nil))
}

// Format renders the report in the field order §6 prescribes, suitable for
// passing verbatim to Console.Reportf.
func (r MismatchReport) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "PD=%s PE=%d fault_virt=%s idx=%d old_phys=%s shadow0=%s shadow1=%s ",
		r.PDName, r.PENum, uintptrHex(r.FaultVirt), r.FaultIdx, uintptrHex(r.OldPhys),
		uintptrHex(r.ShadowPhys[0]), uintptrHex(r.ShadowPhys[1]))
	fmt.Fprintf(&b, "%s rcx=0x%x rsp=0x%x rsp_word=0x%x shadow_ptr0=%s shadow_ptr1=%s ",
		r.Opcode, r.RCX, r.RSP, r.RSPWord, uintptrHex(r.ShadowPtr[0]), uintptrHex(r.ShadowPtr[1]))
	fmt.Fprintf(&b, "val0=0x%x val1=0x%x val2=0x%x cow_faults=%d instr0=%d instr1=%d pe_total=%d vmstack_len=%d",
		r.Val0, r.Val1, r.Val2, r.CumulativeCowFaults, r.Instr0, r.Instr1, r.PETotal, r.VMStackQueueSize)
	return b.String()
}

func (r MismatchReport) String() string { return r.Format() }
