// Package pool implements the generic tick-indexed resource pool from
// spec.md §4.2: a vector of slots, each stamped with the tick that last
// committed it, reused once the timeline reports that tick as free.
// Grounded on engine/renderer/vulkan/pool.go's named-lock-group idiom
// (generalized here into a single per-pool mutex, since each Pool instance
// already corresponds to one named resource class).
package pool

import (
	"sync"

	"github.com/lamouse/vkcore/internal/vk/timeline"
)

// Allocator is the per-subclass hook invoked when the pool must grow: it
// receives the half-open range [begin, end) of new slot indices and
// returns nothing — implementations stash whatever per-slot Vulkan handles
// they allocated (command buffers, descriptor sets) in their own backing
// slice, indexed the same way.
type Allocator func(begin, end int)

// Pool is the generic engine behind spec.md §4.2's resource pool: a vector
// of ticks, a scan hint, and a page-growth step. It holds no resource
// handles itself — subclasses (CommandBufferPool, descriptor.Allocator)
// embed it and supply an Allocator that grows their own handle slices in
// lockstep.
type Pool struct {
	mu        sync.Mutex
	timeline  timeline.Timeline
	ticks     []timeline.Tick
	hint      int
	growStep  int
	allocate  Allocator
}

// New creates an empty pool. growStep is the page size used whenever
// Commit must grow (e.g. 16 command buffers, or one descriptor pool's
// worth of sets).
func New(tl timeline.Timeline, growStep int, allocate Allocator) *Pool {
	if growStep <= 0 {
		growStep = 1
	}
	return &Pool{timeline: tl, growStep: growStep, allocate: allocate}
}

// Commit finds a free slot — scanning from the hint, wrapping around, and
// growing the pool by one page if every slot is still in flight — stamps
// it with the timeline's current tick, and returns its index.
func (p *Pool) Commit() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.timeline.Refresh()
	known := p.timeline.KnownGPUTick()
	current := p.timeline.CurrentTick()

	n := len(p.ticks)
	if n > 0 {
		for i := p.hint; i < n; i++ {
			if p.ticks[i] <= known {
				return p.commitSlot(i, current)
			}
		}
		for i := 0; i < p.hint; i++ {
			if p.ticks[i] <= known {
				return p.commitSlot(i, current)
			}
		}
	}

	begin := n
	end := n + p.growStep
	p.allocate(begin, end)
	grown := make([]timeline.Tick, end)
	copy(grown, p.ticks)
	p.ticks = grown
	return p.commitSlot(begin, current)
}

func (p *Pool) commitSlot(i int, tick timeline.Tick) int {
	p.ticks[i] = tick
	p.hint = (i + 1) % len(p.ticks)
	return i
}

// Len reports the total number of slots the pool has grown to.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ticks)
}
