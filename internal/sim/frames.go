// Package sim provides reference, non-hardware implementations of the
// external collaborator contracts in external.go: a flat page table, an
// mmap-backed frame pool, a stdlib CRC32 checksum, a virtual instruction
// clock, and a logrus-backed console. Nothing here ships as production
// hardware access — it exists so the core package can be exercised end to
// end by tests and by cmd/pectl without real ring-0 access.
package sim

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/novahv/dualpe"
)

const pageSize = 1 << 12

// FramePool is a reference dualpe.FrameAllocator backed by one mmap'd
// arena. Arena indices stand in for physical frame numbers, since a
// userspace process has no real physical memory to hand out.
type FramePool struct {
	mu   sync.Mutex
	mem  []byte
	free []dualpe.Frame
	next dualpe.Frame
	cap  dualpe.Frame
}

// NewFramePool reserves pages page frames via an anonymous mmap, mirroring
// the teacher's use of golang.org/x/sys/unix for page-aligned allocation.
func NewFramePool(pages int) (*FramePool, error) {
	mem, err := unix.Mmap(-1, 0, pages*pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("sim: mmap frame pool: %w", err)
	}
	return &FramePool{mem: mem, cap: dualpe.Frame(pages)}, nil
}

// Close unmaps the pool's backing memory.
func (p *FramePool) Close() error {
	return unix.Munmap(p.mem)
}

func (p *FramePool) allocOne() (dualpe.Frame, error) {
	if n := len(p.free); n > 0 {
		f := p.free[n-1]
		p.free = p.free[:n-1]
		return f, nil
	}
	if p.next >= p.cap {
		return 0, dualpe.ErrOutOfFrames
	}
	f := p.next
	p.next++
	return f, nil
}

// AllocOrder1 allocates two frames for a Shadow Entry's run-0/run-1
// shadows. Freshly bumped pairs are contiguous; pairs reassembled from the
// free list after a Free are not guaranteed to be, which is a
// simplification over the original's real order-1 buddy allocation — no
// component in this package actually relies on shadow-frame contiguity
// beyond "two frames exist", so the simplification is load-bearing nowhere.
func (p *FramePool) AllocOrder1() (run0, run1 dualpe.Frame, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	run0, err = p.allocOne()
	if err != nil {
		return 0, 0, err
	}
	run1, err = p.allocOne()
	if err != nil {
		p.free = append(p.free, run0)
		return 0, 0, err
	}
	return run0, run1, nil
}

func (p *FramePool) Free(f dualpe.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, f)
}

func (p *FramePool) PhysOf(f dualpe.Frame) uintptr {
	return uintptr(f) * pageSize
}

func (p *FramePool) bytesAt(phys uintptr) []byte {
	return p.mem[phys : phys+pageSize]
}

// Bumped reports how many frames have ever been handed out via the bump
// allocator (ignoring the free list), for tests that want to assert no
// unexpected extra allocation occurred.
func (p *FramePool) Bumped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.next)
}

// AllocContentFrame hands out a single frame for use as a page's original
// backing content (as opposed to a shadow pair) — used by PageTable.Map to
// seed guest/user memory the shadow subsystem will later COW-protect.
func (p *FramePool) AllocContentFrame() (dualpe.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocOne()
}
