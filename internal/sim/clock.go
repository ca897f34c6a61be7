package sim

import "sync/atomic"

// VirtualClock is a reference dualpe.TimeSource: a software instruction
// counter driven by Retire (called once per simulated retired instruction)
// instead of a real performance-monitoring unit. ProgramPMI sets the
// threshold Retire compares against; there is no real interrupt delivery —
// callers rely on Retire's return value.
type VirtualClock struct {
	instrCount uint64
	threshold  uint64
	armed      uint64 // 0/1, atomic bool
	tsc        uint64
}

func NewVirtualClock() *VirtualClock {
	return &VirtualClock{}
}

func (c *VirtualClock) ReadInstructionCounter() uint64 {
	return atomic.LoadUint64(&c.instrCount)
}

func (c *VirtualClock) ProgramPMI(count uint64) {
	atomic.StoreUint64(&c.threshold, count)
	atomic.StoreUint64(&c.armed, 1)
}

func (c *VirtualClock) CancelPMI() {
	atomic.StoreUint64(&c.armed, 0)
}

func (c *VirtualClock) ReadTSC() uint64 {
	return atomic.AddUint64(&c.tsc, 1)
}

// Retire advances the instruction counter by n and reports whether doing
// so would fire the currently-programmed PMI, mirroring the real counter's
// one-shot-until-reprogrammed semantics.
func (c *VirtualClock) Retire(n uint64) (fired bool) {
	v := atomic.AddUint64(&c.instrCount, n)
	fired = atomic.LoadUint64(&c.armed) == 1 && v >= atomic.LoadUint64(&c.threshold)
	if fired {
		atomic.StoreUint64(&c.armed, 0)
	}
	return fired
}

// Reset zeroes the counter, used between independent test scenarios.
func (c *VirtualClock) Reset() {
	atomic.StoreUint64(&c.instrCount, 0)
	atomic.StoreUint64(&c.threshold, 0)
	atomic.StoreUint64(&c.armed, 0)
}
