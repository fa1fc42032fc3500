// Package timeline provides the master GPU timeline: a monotonic 64-bit
// tick counter, a current/known-GPU pair, and the submit path every other
// internal/vk package waits behind. Grounded on
// engine/renderer/vulkan/fence.go's wait/reset pattern, generalized into
// the two implementations spec.md §4.1 calls for: one backed by a real
// VK_KHR_timeline_semaphore, one emulated with a pool of binary fences and
// a dedicated wait goroutine.
package timeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/lamouse/vkcore/internal/corelog"
	vkctx "github.com/lamouse/vkcore/internal/vk/context"
	"github.com/lamouse/vkcore/internal/vkerr"
)

// Tick is a monotonic submission counter; a resource last written at tick t
// is safe to reuse once Timeline.IsFree(t) is true.
type Tick = uint64

// SubmitInfo carries everything a submit needs: the two command buffers
// the scheduler recorded into, and the binary semaphores presentation
// waits on / signals, mirroring Scheduler's submit step in spec.md §4.4.
type SubmitInfo struct {
	CommandBuffer       vk.CommandBuffer
	UploadCommandBuffer vk.CommandBuffer
	WaitSemaphore       vk.Semaphore
	SignalSemaphore     vk.Semaphore
}

// Timeline is implemented by timelineSemaphore and fenceEmulated.
type Timeline interface {
	CurrentTick() Tick
	KnownGPUTick() Tick
	NextTick() Tick
	IsFree(tick Tick) bool
	Wait(tick Tick)
	Refresh()
	SubmitQueue(queue vk.Queue, info SubmitInfo) (Tick, error)
	Close()
}

// New picks the timeline-semaphore implementation when the device
// negotiated VK_KHR_timeline_semaphore, otherwise falls back to the
// fence-emulated one.
func New(ctx *vkctx.Context) (Timeline, error) {
	if ctx.Device.SupportsTimelineSemaphore {
		return newTimelineSemaphore(ctx)
	}
	return newFenceEmulated(ctx)
}

// ---- timeline-semaphore path ----

type timelineSemaphore struct {
	ctx     *vkctx.Context
	sem     vk.Semaphore
	current atomic.Uint64
	known   atomic.Uint64
}

func newTimelineSemaphore(ctx *vkctx.Context) (*timelineSemaphore, error) {
	typeCreateInfo := vk.SemaphoreTypeCreateInfo{
		SType:         vk.StructureTypeSemaphoreTypeCreateInfo,
		SemaphoreType: vk.SemaphoreTypeTimeline,
		InitialValue:  0,
	}
	createInfo := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
		PNext: (*uintptr)(unsafe.Pointer(&typeCreateInfo)),
	}
	var sem vk.Semaphore
	if res := vk.CreateSemaphore(ctx.Device.LogicalDevice, &createInfo, ctx.Allocator, &sem); res != vk.Success {
		return nil, fmt.Errorf("create timeline semaphore: %w", vkerr.Wrap("CreateSemaphore", res))
	}
	return &timelineSemaphore{ctx: ctx, sem: sem}, nil
}

func (t *timelineSemaphore) CurrentTick() Tick  { return t.current.Load() }
func (t *timelineSemaphore) KnownGPUTick() Tick { return t.known.Load() }
func (t *timelineSemaphore) NextTick() Tick     { return t.current.Add(1) }
func (t *timelineSemaphore) IsFree(tick Tick) bool {
	return t.known.Load() >= tick
}

func (t *timelineSemaphore) Refresh() {
	var value uint64
	vk.GetSemaphoreCounterValue(t.ctx.Device.LogicalDevice, t.sem, &value)
	t.known.Store(value)
}

func (t *timelineSemaphore) Wait(tick Tick) {
	if t.IsFree(tick) {
		return
	}
	waitInfo := vk.SemaphoreWaitInfo{
		SType:          vk.StructureTypeSemaphoreWaitInfo,
		SemaphoreCount: 1,
		PSemaphores:    []vk.Semaphore{t.sem},
		PValues:        []uint64{tick},
	}
	if res := vk.WaitSemaphores(t.ctx.Device.LogicalDevice, &waitInfo, ^uint64(0)); res != vk.Success {
		corelog.Error("timeline wait failed: %v", vkerr.Wrap("WaitSemaphores", res))
	}
	t.Refresh()
}

func (t *timelineSemaphore) SubmitQueue(queue vk.Queue, info SubmitInfo) (Tick, error) {
	tick := t.NextTick()

	timelineInfo := vk.TimelineSemaphoreSubmitInfo{
		SType:                     vk.StructureTypeTimelineSemaphoreSubmitInfo,
		SignalSemaphoreValueCount: 1,
		PSignalSemaphoreValues:    []uint64{tick},
	}
	signalSemaphores := []vk.Semaphore{t.sem}
	waitStages := []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)}
	waitSemaphores := []vk.Semaphore{}
	if info.WaitSemaphore != nil {
		waitSemaphores = append(waitSemaphores, info.WaitSemaphore)
	}
	if info.SignalSemaphore != nil {
		signalSemaphores = append(signalSemaphores, info.SignalSemaphore)
		timelineInfo.SignalSemaphoreValueCount = 2
		timelineInfo.PSignalSemaphoreValues = []uint64{tick, 0}
	}

	submit := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		PNext:                (*uintptr)(unsafe.Pointer(&timelineInfo)),
		CommandBufferCount:   2,
		PCommandBuffers:      []vk.CommandBuffer{info.UploadCommandBuffer, info.CommandBuffer},
		SignalSemaphoreCount: uint32(len(signalSemaphores)),
		PSignalSemaphores:    signalSemaphores,
	}
	if len(waitSemaphores) > 0 {
		submit.WaitSemaphoreCount = uint32(len(waitSemaphores))
		submit.PWaitSemaphores = waitSemaphores
		submit.PWaitDstStageMask = waitStages
	}

	if res := vk.QueueSubmit(queue, 1, []vk.SubmitInfo{submit}, nil); res != vk.Success {
		return 0, fmt.Errorf("timeline submit: %w", vkerr.Wrap("QueueSubmit", res))
	}
	return tick, nil
}

func (t *timelineSemaphore) Close() {
	if t.sem != nil {
		vk.DestroySemaphore(t.ctx.Device.LogicalDevice, t.sem, t.ctx.Allocator)
		t.sem = nil
	}
}

// ---- fence-emulated path ----

type pendingFence struct {
	tick  Tick
	fence vk.Fence
}

// fenceEmulated maintains a small pool of reusable binary fences and a
// dedicated wait goroutine that retires them in submission order, per
// spec.md §4.1's fence-emulated path.
type fenceEmulated struct {
	ctx *vkctx.Context

	current atomic.Uint64
	known   atomic.Uint64

	mu       sync.Mutex
	cond     *sync.Cond
	freeList []vk.Fence

	pendingCh chan pendingFence
	doneCh    chan struct{}
}

func newFenceEmulated(ctx *vkctx.Context) (*fenceEmulated, error) {
	t := &fenceEmulated{
		ctx:       ctx,
		pendingCh: make(chan pendingFence, 64),
		doneCh:    make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	go t.waitLoop()
	return t, nil
}

func (t *fenceEmulated) CurrentTick() Tick  { return t.current.Load() }
func (t *fenceEmulated) KnownGPUTick() Tick { return t.known.Load() }
func (t *fenceEmulated) NextTick() Tick     { return t.current.Add(1) }
func (t *fenceEmulated) IsFree(tick Tick) bool {
	return t.known.Load() >= tick
}
func (t *fenceEmulated) Refresh() {}

// Wait blocks until the wait goroutine has retired tick's fence, woken by
// the condvar it signals on every advance of known_gpu.
func (t *fenceEmulated) Wait(tick Tick) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.IsFree(tick) {
		t.cond.Wait()
	}
}

func (t *fenceEmulated) acquireFence() (vk.Fence, error) {
	t.mu.Lock()
	if n := len(t.freeList); n > 0 {
		f := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.mu.Unlock()
		return f, nil
	}
	t.mu.Unlock()

	createInfo := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	var f vk.Fence
	if res := vk.CreateFence(t.ctx.Device.LogicalDevice, &createInfo, t.ctx.Allocator, &f); res != vk.Success {
		return nil, fmt.Errorf("create emulated-timeline fence: %w", vkerr.Wrap("CreateFence", res))
	}
	return f, nil
}

func (t *fenceEmulated) releaseFence(f vk.Fence) {
	t.mu.Lock()
	t.freeList = append(t.freeList, f)
	t.mu.Unlock()
}

func (t *fenceEmulated) SubmitQueue(queue vk.Queue, info SubmitInfo) (Tick, error) {
	fence, err := t.acquireFence()
	if err != nil {
		return 0, err
	}
	tick := t.NextTick()

	signalSemaphores := []vk.Semaphore{}
	if info.SignalSemaphore != nil {
		signalSemaphores = append(signalSemaphores, info.SignalSemaphore)
	}
	waitSemaphores := []vk.Semaphore{}
	waitStages := []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)}
	if info.WaitSemaphore != nil {
		waitSemaphores = append(waitSemaphores, info.WaitSemaphore)
	}

	submit := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		CommandBufferCount:   2,
		PCommandBuffers:      []vk.CommandBuffer{info.UploadCommandBuffer, info.CommandBuffer},
		SignalSemaphoreCount: uint32(len(signalSemaphores)),
		PSignalSemaphores:    signalSemaphores,
	}
	if len(waitSemaphores) > 0 {
		submit.WaitSemaphoreCount = uint32(len(waitSemaphores))
		submit.PWaitSemaphores = waitSemaphores
		submit.PWaitDstStageMask = waitStages
	}

	if res := vk.QueueSubmit(queue, 1, []vk.SubmitInfo{submit}, fence); res != vk.Success {
		t.releaseFence(fence)
		return 0, fmt.Errorf("emulated-timeline submit: %w", vkerr.Wrap("QueueSubmit", res))
	}

	select {
	case t.pendingCh <- pendingFence{tick: tick, fence: fence}:
	case <-t.doneCh:
	}
	return tick, nil
}

// waitLoop pops (tick, fence) pairs in FIFO order, blocks on each fence,
// resets it and republishes it to the free list, then advances known_gpu.
// Strictly FIFO so known_gpu only ever moves forward.
func (t *fenceEmulated) waitLoop() {
	for {
		select {
		case p, ok := <-t.pendingCh:
			if !ok {
				return
			}
			result := vk.WaitForFences(t.ctx.Device.LogicalDevice, 1, []vk.Fence{p.fence}, vk.True, ^uint64(0))
			if result != vk.Success {
				corelog.Error("timeline wait thread: %v", vkerr.Wrap("WaitForFences", result))
			}
			vk.ResetFences(t.ctx.Device.LogicalDevice, 1, []vk.Fence{p.fence})
			t.releaseFence(p.fence)
			t.mu.Lock()
			t.known.Store(p.tick)
			t.cond.Broadcast()
			t.mu.Unlock()
		case <-t.doneCh:
			return
		}
	}
}

func (t *fenceEmulated) Close() {
	close(t.doneCh)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.freeList {
		vk.DestroyFence(t.ctx.Device.LogicalDevice, f, t.ctx.Allocator)
	}
	t.freeList = nil
}
