// Package staging implements the upload/download staging buffer pools from
// spec.md §4.5: host-visible buffers for uploads, device-local-or-visible
// destinations for downloads, each tick-indexed the way internal/vk/pool
// indexes command buffers and descriptor sets. Grounded on
// engine/renderer/vulkan/context.go's FindMemoryIndex usage pattern and
// the teacher's fence-wait-then-reuse idiom in fence.go.
package staging

import (
	"fmt"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/lamouse/vkcore/internal/corelog"
	vkctx "github.com/lamouse/vkcore/internal/vk/context"
	"github.com/lamouse/vkcore/internal/vk/timeline"
	"github.com/lamouse/vkcore/internal/vkerr"
)

// UsageClass selects which memory properties a region is backed by,
// mirroring spec.md §4.5's "per memory-usage class" pools.
type UsageClass int

const (
	Upload UsageClass = iota
	Download
	Device
	Stream
)

func (c UsageClass) propertyFlags() vk.MemoryPropertyFlags {
	switch c {
	case Upload, Stream:
		return vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit) | vk.MemoryPropertyFlags(vk.MemoryPropertyHostCoherentBit)
	case Download:
		return vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit) | vk.MemoryPropertyFlags(vk.MemoryPropertyHostCachedBit)
	default:
		return vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	}
}

func (c UsageClass) usageFlags() vk.BufferUsageFlags {
	if c == Download {
		return vk.BufferUsageFlags(vk.BufferUsageTransferDstBit)
	}
	return vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit)
}

const defaultRegionSize = 16 << 20 // 16 MiB per region, grown by doubling.

type region struct {
	buffer vk.Buffer
	memory vk.DeviceMemory
	size   int
	mapped unsafe.Pointer
	cursor int
	tick   timeline.Tick
	// deferredUntil is 0 unless a download from this region must not be
	// reused until the GPU has reached this tick (spec.md §4.5's
	// free_deferred).
	deferredUntil timeline.Tick
}

// Ref is what request() hands back: a mapped span a caller copies into (or
// out of, for downloads) and releases automatically once its tick retires.
type Ref struct {
	Buffer     vk.Buffer
	Offset     int
	MappedSpan []byte
	regionIdx  int
}

// Pool is one staging pool for a single UsageClass.
type Pool struct {
	ctx      *vkctx.Context
	timeline timeline.Timeline
	class    UsageClass

	mu      sync.Mutex
	regions []*region
}

func NewPool(ctx *vkctx.Context, tl timeline.Timeline, class UsageClass) *Pool {
	return &Pool{ctx: ctx, timeline: tl, class: class}
}

// Request returns a Ref into a region large enough for size bytes, reusing
// a region whose tick is known-free, or growing. deferred marks a download
// ref as not reusable until a later explicit FreeDeferred call.
func (p *Pool) Request(size int, deferred bool) (Ref, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.timeline.Refresh()
	known := p.timeline.KnownGPUTick()

	for i, r := range p.regions {
		if r.deferredUntil != 0 {
			if r.deferredUntil > known {
				continue
			}
			// The deferred read has completed; the region is free again.
			r.deferredUntil = 0
			r.cursor = 0
		} else if r.tick > known {
			continue
		} else {
			r.cursor = 0
		}
		if r.size-r.cursor < size {
			continue
		}
		ref := p.carve(r, i, size)
		if deferred {
			r.deferredUntil = ^timeline.Tick(0)
		} else {
			r.tick = p.timeline.CurrentTick()
		}
		return ref, nil
	}

	regionSize := defaultRegionSize
	for regionSize < size {
		regionSize *= 2
	}
	r, err := p.allocateRegion(regionSize)
	if err != nil {
		return Ref{}, err
	}
	if deferred {
		r.deferredUntil = ^timeline.Tick(0)
	} else {
		r.tick = p.timeline.CurrentTick()
	}
	p.regions = append(p.regions, r)
	return p.carve(r, len(p.regions)-1, size), nil
}

func (p *Pool) carve(r *region, idx, size int) Ref {
	offset := r.cursor
	r.cursor += size
	span := unsafe.Slice((*byte)(unsafe.Add(r.mapped, offset)), size)
	return Ref{Buffer: r.buffer, Offset: offset, MappedSpan: span, regionIdx: idx}
}

// FreeDeferred marks ref's region releasable once tick retires — used for
// downloads whose CPU-side read must happen before reuse, per spec.md
// §4.5. No upper bound is applied: the region stays held until the GPU
// reaches the tick the caller passes, and a deferred ref that never gets a
// FreeDeferred call keeps its region held.
func (p *Pool) FreeDeferred(ref Ref, tick timeline.Tick) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ref.regionIdx < 0 || ref.regionIdx >= len(p.regions) {
		return
	}
	p.regions[ref.regionIdx].deferredUntil = tick
	p.regions[ref.regionIdx].tick = tick
}

func (p *Pool) allocateRegion(size int) (*region, error) {
	createInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       p.class.usageFlags(),
		SharingMode: vk.SharingModeExclusive,
	}
	var buf vk.Buffer
	if res := vk.CreateBuffer(p.ctx.Device.LogicalDevice, &createInfo, p.ctx.Allocator, &buf); res != vk.Success {
		return nil, fmt.Errorf("staging region buffer: %w", vkerr.Wrap("CreateBuffer", res))
	}

	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(p.ctx.Device.LogicalDevice, buf, &reqs)
	reqs.Deref()

	memIdx := p.ctx.Device.FindMemoryIndex(reqs.MemoryTypeBits, uint32(p.class.propertyFlags()))
	if memIdx < 0 {
		vk.DestroyBuffer(p.ctx.Device.LogicalDevice, buf, p.ctx.Allocator)
		return nil, fmt.Errorf("%w: no memory type for staging region", vkerr.ErrOutOfMemory)
	}

	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: uint32(memIdx),
	}
	var mem vk.DeviceMemory
	if res := vk.AllocateMemory(p.ctx.Device.LogicalDevice, &allocInfo, p.ctx.Allocator, &mem); res != vk.Success {
		vk.DestroyBuffer(p.ctx.Device.LogicalDevice, buf, p.ctx.Allocator)
		return nil, fmt.Errorf("%w: staging region allocate: %s", vkerr.ErrOutOfMemory, vkerr.Wrap("AllocateMemory", res))
	}
	vk.BindBufferMemory(p.ctx.Device.LogicalDevice, buf, mem, 0)

	var mapped unsafe.Pointer
	if res := vk.MapMemory(p.ctx.Device.LogicalDevice, mem, 0, vk.DeviceSize(size), 0, &mapped); res != vk.Success {
		corelog.Error("staging region map failed: %v", vkerr.Wrap("MapMemory", res))
	}

	return &region{buffer: buf, memory: mem, size: size, mapped: mapped}, nil
}

// Close unmaps and frees every region. Callers must ensure no in-flight
// work still references them (i.e. call after the timeline has drained).
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.regions {
		vk.UnmapMemory(p.ctx.Device.LogicalDevice, r.memory)
		vk.DestroyBuffer(p.ctx.Device.LogicalDevice, r.buffer, p.ctx.Allocator)
		vk.FreeMemory(p.ctx.Device.LogicalDevice, r.memory, p.ctx.Allocator)
	}
	p.regions = nil
}
