package cmd

import (
	"encoding/hex"
	"fmt"
	"unsafe"

	"github.com/novahv/dualpe"
	"github.com/novahv/dualpe/internal/sim"
)

// pageWrite is one scripted write into a page during a given run, used by
// scenario files to script the two runs of a PE without real code
// execution — this package only exercises the shadow/compare/commit
// machinery, not an x86-64 interpreter.
type pageWrite struct {
	Offset   int    `json:"offset"`
	BytesHex string `json:"bytes_hex"`
}

type pageScenario struct {
	Virt uint64     `json:"virt"`
	Run0 *pageWrite `json:"write_run0,omitempty"`
	Run1 *pageWrite `json:"write_run1,omitempty"`
}

// Scenario is the JSON shape accepted by `pectl run` / `pectl inject-seu`.
type Scenario struct {
	Pages     []pageScenario `json:"pages"`
	VCPU      bool           `json:"vcpu"`
	InjectSEU bool           `json:"inject_seu"`
}

// ScenarioResult is the JSON shape printed to stdout.
type ScenarioResult struct {
	Action  string         `json:"action"`
	Metrics dualpe.Metrics `json:"metrics"`
}

func scratchBytes(ptr unsafe.Pointer) []byte {
	return unsafe.Slice((*byte)(ptr), 4096)
}

func applyWrite(origin *sim.PTEHandle, virt uintptr, w *pageWrite) error {
	if w == nil {
		return nil
	}
	data, err := hex.DecodeString(w.BytesHex)
	if err != nil {
		return fmt.Errorf("bad bytes_hex: %w", err)
	}
	phys, _, _, ok := origin.Lookup(virt)
	if !ok {
		return fmt.Errorf("no mapping for %#x", virt)
	}
	ptr, err := origin.RemapCOW(phys, 0)
	if err != nil {
		return err
	}
	copy(scratchBytes(ptr)[w.Offset:], data)
	return nil
}

func actionName(a dualpe.DriverAction) string {
	switch a {
	case dualpe.ActionResume:
		return "resume"
	case dualpe.ActionSingleStep:
		return "single-step"
	case dualpe.ActionCommitted:
		return "committed"
	case dualpe.ActionRetryPE:
		return "retry-pe"
	case dualpe.ActionDivergedSEU:
		return "diverged-seu"
	default:
		return "unknown"
	}
}

// runScenario drives one PE through the simulated backend: map every
// scenario page, fault each one in, apply the scripted run-0 write,
// advance the driver to run 1, apply the scripted run-1 write (and the
// injected bit-flip if requested), then let the driver compare and commit
// or report divergence.
func runScenario(s *Scenario) (*ScenarioResult, error) {
	pool, err := sim.NewFramePool(4096)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	pt := sim.NewPageTable(pool)
	crc := sim.CRC32{}
	clock := sim.NewVirtualClock()
	console := sim.NewLogrusConsole()
	cfg := dualpe.DefaultConfig()
	drv := dualpe.NewDriver(pool, crc, clock, console, cfg)

	var pe *dualpe.ThreadPE
	if s.VCPU {
		pe = dualpe.NewVCPUThreadPE()
	} else {
		pe = dualpe.NewThreadPE()
	}

	attr := dualpe.PageAttr{Present: true, Writable: false, User: true, COW: true}
	for _, p := range s.Pages {
		if _, err := pt.Map(uintptr(p.Virt), attr, dualpe.PageNormal); err != nil {
			return nil, fmt.Errorf("map %#x: %w", p.Virt, err)
		}
	}

	if err := drv.StartPE(pe); err != nil {
		return nil, fmt.Errorf("start PE: %w", err)
	}

	var regs dualpe.RegisterFile
	if len(s.Pages) > 0 {
		regs.RIP = s.Pages[0].Virt
	}

	for _, p := range s.Pages {
		origin := pt.EntryAt(uintptr(p.Virt))
		fault := dualpe.FaultSnapshot{RIP: regs.RIP}
		handled, err := dualpe.HandlePageFault(pe, pool, crc, origin, uintptr(p.Virt), true, fault)
		if err != nil {
			return nil, fmt.Errorf("fault at %#x: %w", p.Virt, err)
		}
		if !handled {
			return nil, fmt.Errorf("fault at %#x was not classified as COW", p.Virt)
		}
		if err := applyWrite(origin, uintptr(p.Virt), p.Run0); err != nil {
			return nil, err
		}
	}

	action, err := drv.CheckMemory(pe, dualpe.SR_PMI, regs)
	if err != nil {
		return nil, err
	}
	if action != dualpe.ActionResume {
		return &ScenarioResult{Action: actionName(action), Metrics: dualpe.GetMetrics()}, nil
	}

	for _, p := range s.Pages {
		origin := pt.EntryAt(uintptr(p.Virt))
		if err := applyWrite(origin, uintptr(p.Virt), p.Run1); err != nil {
			return nil, err
		}
	}

	if s.InjectSEU && len(s.Pages) > 0 {
		origin := pt.EntryAt(uintptr(s.Pages[0].Virt))
		phys, _, _, _ := origin.Lookup(uintptr(s.Pages[0].Virt))
		ptr, err := origin.RemapCOW(phys, 0)
		if err != nil {
			return nil, err
		}
		scratchBytes(ptr)[0] ^= 0x01
	}

	action, err = drv.CheckMemory(pe, dualpe.SR_PMI, regs)
	if err != nil {
		return nil, err
	}
	return &ScenarioResult{Action: actionName(action), Metrics: dualpe.GetMetrics()}, nil
}
