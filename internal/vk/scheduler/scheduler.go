// Package scheduler records opaque GPU commands into fixed-size chunks on
// the caller's thread and replays them into real Vulkan command buffers on
// a dedicated worker goroutine, per spec.md §4.4. Grounded on the
// command-buffer state machine in engine/renderer/vulkan/command_buffer.go
// and the render-pass state enum in engine/renderer/vulkan/renderpass.go,
// generalized from the teacher's single synchronous command buffer into a
// producer/consumer pipeline of chunks.
package scheduler

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/lamouse/vkcore/internal/corelog"
	vkctx "github.com/lamouse/vkcore/internal/vk/context"
	"github.com/lamouse/vkcore/internal/vk/pool"
	"github.com/lamouse/vkcore/internal/vk/timeline"
	"github.com/lamouse/vkcore/internal/vkerr"
)

// Command is a type-erased closure recorded into a chunk. It receives the
// command buffer and the upload command buffer currently being filled.
type Command func(cmdBuf, uploadCmdBuf vk.CommandBuffer)

const chunkCommandCapacity = 1024 // mirrors spec.md's "~32 KiB" bump chunk, sized in commands rather than bytes since Go closures aren't laid out inline.

// chunk is the bump-allocated (here: slice-backed) command buffer from
// spec.md §3: a linked list in the original, a capacity-bounded slice
// here since Go has no placement-new to bump-allocate closures into.
type chunk struct {
	commands []Command
	submit   bool
}

func newChunk() *chunk {
	return &chunk{commands: make([]Command, 0, chunkCommandCapacity)}
}

func (c *chunk) reset() {
	c.commands = c.commands[:0]
	c.submit = false
}

func (c *chunk) full() bool {
	return len(c.commands) == cap(c.commands)
}

// RenderPassState tracks the "last begin without matching end" invariant
// from spec.md's Data Model key invariants.
type RenderPassState struct {
	Active      bool
	Framebuffer vk.Framebuffer
	RenderPass  vk.RenderPass
	Area        vk.Rect2D
}

// RenderingState is the dynamic-rendering analogue of RenderPassState, used
// when the device negotiated VK_KHR_dynamic_rendering.
type RenderingState struct {
	Active     bool
	ColorViews []vk.ImageView
	DepthView  vk.ImageView
	Area       vk.Rect2D
}

// Scheduler is the producer/consumer engine from spec.md §4.4.
type Scheduler struct {
	ctx      *vkctx.Context
	timeline timeline.Timeline
	cmdPool  *pool.CommandBufferPool

	recordMu     sync.Mutex
	current      *chunk
	reserve      []*chunk
	currentCmd   vk.CommandBuffer
	currentUpload vk.CommandBuffer

	submitMu sync.Mutex

	renderPass RenderPassState
	rendering  RenderingState
	boundGraphicsPipeline uint64 // hash/id of the currently bound pipeline; 0 = none

	queueCh  chan *chunk
	doneCh   chan struct{}
	wg       sync.WaitGroup

	idleMu   sync.Mutex
	idleCond *sync.Cond
	pending  int
}

// New creates a scheduler bound to ctx's graphics queue, starts its worker
// goroutine, and allocates the first pair of command buffers.
func New(ctx *vkctx.Context, tl timeline.Timeline, cmdPool *pool.CommandBufferPool) (*Scheduler, error) {
	s := &Scheduler{
		ctx:      ctx,
		timeline: tl,
		cmdPool:  cmdPool,
		current:  newChunk(),
		queueCh:  make(chan *chunk, 64),
		doneCh:   make(chan struct{}),
	}
	s.idleCond = sync.NewCond(&s.idleMu)

	if err := s.acquireCommandBuffers(); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.workerLoop()
	return s, nil
}

func (s *Scheduler) acquireCommandBuffers() error {
	cmdSlot := s.cmdPool.Commit()
	cmd, err := s.cmdPool.CommandBuffer(cmdSlot)
	if err != nil {
		return err
	}
	uploadSlot := s.cmdPool.Commit()
	upload, err := s.cmdPool.CommandBuffer(uploadSlot)
	if err != nil {
		return err
	}
	beginInfo := vk.CommandBufferBeginInfo{SType: vk.StructureTypeCommandBufferBeginInfo}
	if res := vk.BeginCommandBuffer(cmd, &beginInfo); res != vk.Success {
		return fmt.Errorf("begin command buffer: %w", vkerr.Wrap("BeginCommandBuffer", res))
	}
	if res := vk.BeginCommandBuffer(upload, &beginInfo); res != vk.Success {
		return fmt.Errorf("begin upload command buffer: %w", vkerr.Wrap("BeginCommandBuffer", res))
	}
	s.currentCmd = cmd
	s.currentUpload = upload
	return nil
}

// Record copies f into the current chunk, dispatching a full chunk and
// acquiring a fresh one first if needed.
func (s *Scheduler) Record(f Command) {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()
	if s.current.full() {
		s.dispatchLocked()
	}
	s.current.commands = append(s.current.commands, f)
}

// RecordWithUploadBuf is Record for closures that also need the upload
// command buffer (staging-buffer copies ahead of the main draw/dispatch).
func (s *Scheduler) RecordWithUploadBuf(f Command) {
	s.Record(f)
}

// RequestRenderPass begins fb's render pass if it differs from the
// currently active one, first ending whatever pass/dynamic-rendering state
// was open, per spec.md §4.4.
func (s *Scheduler) RequestRenderPass(rp vk.RenderPass, fb vk.Framebuffer, area vk.Rect2D, clearValues []vk.ClearValue) {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()

	if s.renderPass.Active && s.renderPass.Framebuffer == fb {
		return
	}
	s.endActivePassLocked()

	s.renderPass = RenderPassState{Active: true, Framebuffer: fb, RenderPass: rp, Area: area}
	s.current.commands = append(s.current.commands, func(cmd, _ vk.CommandBuffer) {
		beginInfo := vk.RenderPassBeginInfo{
			SType:           vk.StructureTypeRenderPassBeginInfo,
			RenderPass:      rp,
			Framebuffer:     fb,
			RenderArea:      area,
			ClearValueCount: uint32(len(clearValues)),
			PClearValues:    clearValues,
		}
		vk.CmdBeginRenderPass(cmd, &beginInfo, vk.SubpassContentsInline)
	})
}

// RequestRendering is RequestRenderPass's VK_KHR_dynamic_rendering
// counterpart.
func (s *Scheduler) RequestRendering(colorViews []vk.ImageView, depthView vk.ImageView, area vk.Rect2D) {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()

	if s.rendering.Active && sameViews(s.rendering.ColorViews, colorViews) && s.rendering.DepthView == depthView {
		return
	}
	s.endActivePassLocked()

	s.rendering = RenderingState{Active: true, ColorViews: colorViews, DepthView: depthView, Area: area}
	s.current.commands = append(s.current.commands, func(cmd, _ vk.CommandBuffer) {
		colorAttachments := make([]vk.RenderingAttachmentInfo, len(colorViews))
		for i, v := range colorViews {
			colorAttachments[i] = vk.RenderingAttachmentInfo{
				SType:      vk.StructureTypeRenderingAttachmentInfo,
				ImageView:  v,
				ImageLayout: vk.ImageLayoutColorAttachmentOptimal,
				LoadOp:     vk.AttachmentLoadOpLoad,
				StoreOp:    vk.AttachmentStoreOpStore,
			}
		}
		renderingInfo := vk.RenderingInfo{
			SType:                vk.StructureTypeRenderingInfo,
			RenderArea:           area,
			LayerCount:           1,
			ColorAttachmentCount: uint32(len(colorAttachments)),
			PColorAttachments:    colorAttachments,
		}
		if depthView != nil {
			renderingInfo.PDepthAttachment = &vk.RenderingAttachmentInfo{
				SType:       vk.StructureTypeRenderingAttachmentInfo,
				ImageView:   depthView,
				ImageLayout: vk.ImageLayoutDepthStencilAttachmentOptimal,
				LoadOp:      vk.AttachmentLoadOpLoad,
				StoreOp:     vk.AttachmentStoreOpStore,
			}
		}
		vk.CmdBeginRendering(cmd, &renderingInfo)
	})
}

// RequestOutsideRenderPass ends whichever pass/dynamic-rendering state is
// currently open.
func (s *Scheduler) RequestOutsideRenderPass() {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()
	s.endActivePassLocked()
}

func (s *Scheduler) endActivePassLocked() {
	if s.renderPass.Active {
		s.current.commands = append(s.current.commands, func(cmd, _ vk.CommandBuffer) {
			vk.CmdEndRenderPass(cmd)
		})
		s.renderPass = RenderPassState{}
	}
	if s.rendering.Active {
		s.current.commands = append(s.current.commands, func(cmd, _ vk.CommandBuffer) {
			vk.CmdEndRendering(cmd)
		})
		s.rendering = RenderingState{}
	}
}

// InvalidateState drops the cached bound-pipeline id, forcing the next
// draw to rebind.
func (s *Scheduler) InvalidateState() {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()
	s.boundGraphicsPipeline = 0
}

// UpdateGraphicsPipeline reports whether the bound pipeline actually
// changes, and records it as bound either way.
func (s *Scheduler) UpdateGraphicsPipeline(id uint64) bool {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()
	changed := s.boundGraphicsPipeline != id
	s.boundGraphicsPipeline = id
	return changed
}

// DispatchWork pushes the current chunk (if non-empty) onto the worker
// queue and acquires a fresh one.
func (s *Scheduler) DispatchWork() {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()
	s.dispatchLocked()
}

func (s *Scheduler) dispatchLocked() {
	if len(s.current.commands) == 0 {
		return
	}
	s.idleMu.Lock()
	s.pending++
	s.idleMu.Unlock()

	next := s.acquireReserveChunk()
	full := s.current
	s.current = next
	s.queueCh <- full
}

func (s *Scheduler) acquireReserveChunk() *chunk {
	if n := len(s.reserve); n > 0 {
		c := s.reserve[n-1]
		s.reserve = s.reserve[:n-1]
		c.reset()
		return c
	}
	return newChunk()
}

// Flush submits the current recording (emitting the submit step as a
// recorded closure under submitMu) and returns the signaling tick.
func (s *Scheduler) Flush(signal, wait vk.Semaphore) (timeline.Tick, error) {
	tickCh := make(chan timeline.Tick, 1)
	errCh := make(chan error, 1)

	s.recordMu.Lock()
	s.endActivePassLocked()
	s.current.submit = true
	s.current.commands = append(s.current.commands, func(cmd, upload vk.CommandBuffer) {
		tick, err := s.submit(cmd, upload, signal, wait)
		if err != nil {
			errCh <- err
			return
		}
		tickCh <- tick
	})
	s.dispatchLocked()
	s.recordMu.Unlock()

	select {
	case tick := <-tickCh:
		return tick, nil
	case err := <-errCh:
		return 0, err
	}
}

// Finish is Flush followed by a wait on the resulting tick.
func (s *Scheduler) Finish(signal, wait vk.Semaphore) error {
	tick, err := s.Flush(signal, wait)
	if err != nil {
		return err
	}
	s.timeline.Wait(tick)
	return nil
}

// submit runs inside the worker, under submitMu (taken only here): emits the upload-to-everything barrier, ends both
// command buffers, and hands off to the timeline.
func (s *Scheduler) submit(cmd, upload vk.CommandBuffer, signal, wait vk.Semaphore) (timeline.Tick, error) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	barrier := vk.MemoryBarrier{
		SType:         vk.StructureTypeMemoryBarrier,
		SrcAccessMask: vk.AccessFlags(vk.AccessTransferWriteBit),
		DstAccessMask: vk.AccessFlags(vk.AccessMemoryReadBit) | vk.AccessFlags(vk.AccessMemoryWriteBit),
	}
	vk.CmdPipelineBarrier(upload,
		vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		0, 1, []vk.MemoryBarrier{barrier}, 0, nil, 0, nil)

	if res := vk.EndCommandBuffer(upload); res != vk.Success {
		return 0, fmt.Errorf("end upload command buffer: %w", vkerr.Wrap("EndCommandBuffer", res))
	}
	if res := vk.EndCommandBuffer(cmd); res != vk.Success {
		return 0, fmt.Errorf("end command buffer: %w", vkerr.Wrap("EndCommandBuffer", res))
	}

	tick, err := s.timeline.SubmitQueue(s.ctx.Device.GraphicsQueue, timeline.SubmitInfo{
		CommandBuffer:       cmd,
		UploadCommandBuffer: upload,
		SignalSemaphore:     signal,
		WaitSemaphore:       wait,
	})
	if err != nil {
		if vkerr.IsRecreateTrigger(err) {
			corelog.Warn("scheduler submit: %v (presentation will recreate)", err)
		} else {
			corelog.Fatal("scheduler submit: unrecoverable: %v", err)
		}
		return 0, err
	}

	if acqErr := s.acquireCommandBuffers(); acqErr != nil {
		corelog.Fatal("scheduler: failed to acquire next command buffer pair: %v", acqErr)
	}
	return tick, nil
}

// WaitWorker dispatches any pending recording and blocks until the worker
// has drained the queue and gone idle.
func (s *Scheduler) WaitWorker() {
	s.DispatchWork()

	s.idleMu.Lock()
	for s.pending > 0 {
		s.idleCond.Wait()
	}
	s.idleMu.Unlock()
}

// workerLoop pops chunks and replays them into the live command buffer
// pair, recycling each chunk into the reserve afterward.
func (s *Scheduler) workerLoop() {
	defer s.wg.Done()
	for {
		select {
		case c, ok := <-s.queueCh:
			if !ok {
				return
			}
			s.replay(c)
		case <-s.doneCh:
			return
		}
	}
}

func (s *Scheduler) replay(c *chunk) {
	s.recordMu.Lock()
	cmd, upload := s.currentCmd, s.currentUpload
	s.recordMu.Unlock()

	for _, f := range c.commands {
		f(cmd, upload)
	}

	s.recordMu.Lock()
	c.reset()
	s.reserve = append(s.reserve, c)
	s.recordMu.Unlock()

	s.idleMu.Lock()
	s.pending--
	if s.pending == 0 {
		s.idleCond.Broadcast()
	}
	s.idleMu.Unlock()
}

func sameViews(a, b []vk.ImageView) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Close stops the worker goroutine. Callers must WaitWorker first if any
// submitted work must finish draining.
func (s *Scheduler) Close() {
	close(s.doneCh)
	s.wg.Wait()
}
