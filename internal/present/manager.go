package present

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/lamouse/vkcore/internal/config"
	"github.com/lamouse/vkcore/internal/containers"
	"github.com/lamouse/vkcore/internal/corelog"
	"github.com/lamouse/vkcore/internal/identifier"
	"github.com/lamouse/vkcore/internal/vk/pool"
	"github.com/lamouse/vkcore/internal/vk/scheduler"
	vkctx "github.com/lamouse/vkcore/internal/vk/context"
	"github.com/lamouse/vkcore/internal/vkerr"
)

// maxSurfaceLostRetries bounds the presentation thread's recreate-and-retry
// loop on ErrorSurfaceLostKHR (CORE's open-question decision: the original
// retries unconditionally inside an exception-driven while(true); a Go
// present thread instead surfaces persistent loss as a fatal
// vkerr.ErrDeviceLost after this many attempts rather than spinning
// forever). See DESIGN.md's open-question log, decision 1.
const maxSurfaceLostRetries = 3

// maxFrameCount mirrors PresentManager's "N ~= 7" frame pool, clamped to the
// swapchain's own image count the way setImageCount does.
const maxFrameCount = 7

// Frame is one presentation-manager-owned image, grounded on present_manager.hpp's
// Frame struct.
type Frame struct {
	ID     uint32
	Width  uint32
	Height uint32

	Image     vk.Image
	ImageView vk.ImageView
	memory    vk.DeviceMemory

	Framebuffer vk.Framebuffer
	CmdBuf      vk.CommandBuffer

	RenderReady vk.Semaphore
	PresentDone vk.Fence
}

// Manager owns the frame pool and the free/present queues, and optionally
// runs a dedicated present thread, per spec.md §4.11. Grounded on
// present_manager.cpp/hpp.
type Manager struct {
	ctx        *vkctx.Context
	sched      *scheduler.Scheduler
	cmdPool    *pool.CommandBufferPool
	blitScreen *BlitScreen

	swapchainMu sync.Mutex
	swapchain   *Swapchain
	vsync       config.VsyncMode

	queueMu      sync.Mutex
	queueCond    *sync.Cond
	presentQueue *containers.RingQueue[*Frame]

	freeMu   sync.Mutex
	freeCond *sync.Cond
	freeQueue *containers.RingQueue[*Frame]

	frames []*Frame

	blitSupported   bool
	usePresentThread bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager allocates the frame pool and, when cfg.UsePresentThread is
// set, starts the present thread.
func NewManager(ctx *vkctx.Context, sched *scheduler.Scheduler, cmdPool *pool.CommandBufferPool, sc *Swapchain, cfg config.Config, blitScreen *BlitScreen) (*Manager, error) {
	count := len(sc.Images)
	if count > maxFrameCount {
		count = maxFrameCount
	}
	if count == 0 {
		count = 1
	}

	m := &Manager{
		ctx:              ctx,
		sched:            sched,
		cmdPool:          cmdPool,
		blitScreen:       blitScreen,
		swapchain:        sc,
		vsync:            cfg.VsyncMode,
		presentQueue:     containers.NewRingQueue[*Frame](count),
		freeQueue:        containers.NewRingQueue[*Frame](count),
		blitSupported:    canBlitToSwapchain(ctx, sc.ImageFormat.Format),
		usePresentThread: cfg.UsePresentThread,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
	m.queueCond = sync.NewCond(&m.queueMu)
	m.freeCond = sync.NewCond(&m.freeMu)

	for i := 0; i < count; i++ {
		frame, err := m.newFrame()
		if err != nil {
			return nil, err
		}
		m.frames = append(m.frames, frame)
		m.freeQueue.Enqueue(frame)
	}

	if m.usePresentThread {
		go m.presentThreadLoop()
	}
	return m, nil
}

func canBlitToSwapchain(ctx *vkctx.Context, format vk.Format) bool {
	var props vk.FormatProperties
	vk.GetPhysicalDeviceFormatProperties(ctx.Device.PhysicalDevice, format, &props)
	props.Deref()
	return vk.FormatFeatureFlags(props.OptimalTilingFeatures)&vk.FormatFeatureFlags(vk.FormatFeatureBlitDstBit) != 0
}

func (m *Manager) newFrame() (*Frame, error) {
	slot := m.cmdPool.Commit()
	cmdBuf, err := m.cmdPool.CommandBuffer(slot)
	if err != nil {
		return nil, err
	}
	semInfo := vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
	var renderReady vk.Semaphore
	vk.CreateSemaphore(m.ctx.Device.LogicalDevice, &semInfo, m.ctx.Allocator, &renderReady)

	fenceInfo := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo, Flags: vk.FenceCreateFlags(vk.FenceCreateSignaledBit)}
	var fence vk.Fence
	if res := vk.CreateFence(m.ctx.Device.LogicalDevice, &fenceInfo, m.ctx.Allocator, &fence); res != vk.Success {
		return nil, fmt.Errorf("present frame fence: %w", vkerr.Wrap("CreateFence", res))
	}

	f := &Frame{
		ID:          identifier.Acquire(nil),
		CmdBuf:      cmdBuf,
		RenderReady: renderReady,
		PresentDone: fence,
	}
	return f, nil
}

// RecreateFrame (re)allocates frame's backing image and view at the given
// size, mirroring PresentManager::recreateFrame.
func (m *Manager) RecreateFrame(frame *Frame, width, height uint32) error {
	if frame.Image != nil {
		vk.DestroyImageView(m.ctx.Device.LogicalDevice, frame.ImageView, m.ctx.Allocator)
		vk.DestroyImage(m.ctx.Device.LogicalDevice, frame.Image, m.ctx.Allocator)
		vk.FreeMemory(m.ctx.Device.LogicalDevice, frame.memory, m.ctx.Allocator)
	}
	frame.Width, frame.Height = width, height

	createInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		Flags:     vk.ImageCreateFlags(vk.ImageCreateMutableFormatBit),
		ImageType: vk.ImageType2d,
		Format:    m.swapchain.ImageFormat.Format,
		Extent:    vk.Extent3D{Width: width, Height: height, Depth: 1},
		MipLevels: 1,
		ArrayLayers: 1,
		Samples:   vk.SampleCount1Bit,
		Tiling:    vk.ImageTilingOptimal,
		Usage:     vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit) | vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit),
		SharingMode: vk.SharingModeExclusive,
	}
	var img vk.Image
	if res := vk.CreateImage(m.ctx.Device.LogicalDevice, &createInfo, m.ctx.Allocator, &img); res != vk.Success {
		return fmt.Errorf("present recreate frame: %w", vkerr.Wrap("CreateImage", res))
	}

	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(m.ctx.Device.LogicalDevice, img, &reqs)
	reqs.Deref()
	memIdx := m.ctx.Device.FindMemoryIndex(reqs.MemoryTypeBits, uint32(vk.MemoryPropertyDeviceLocalBit))
	if memIdx < 0 {
		vk.DestroyImage(m.ctx.Device.LogicalDevice, img, m.ctx.Allocator)
		return fmt.Errorf("%w: no device-local memory for present frame", vkerr.ErrOutOfMemory)
	}
	allocInfo := vk.MemoryAllocateInfo{SType: vk.StructureTypeMemoryAllocateInfo, AllocationSize: reqs.Size, MemoryTypeIndex: uint32(memIdx)}
	var mem vk.DeviceMemory
	if res := vk.AllocateMemory(m.ctx.Device.LogicalDevice, &allocInfo, m.ctx.Allocator, &mem); res != vk.Success {
		vk.DestroyImage(m.ctx.Device.LogicalDevice, img, m.ctx.Allocator)
		return fmt.Errorf("present recreate frame: %w", vkerr.Wrap("AllocateMemory", res))
	}
	vk.BindImageMemory(m.ctx.Device.LogicalDevice, img, mem, 0)

	viewInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    img,
		ViewType: vk.ImageViewType2d,
		Format:   m.swapchain.ImageFormat.Format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit), LevelCount: 1, LayerCount: 1,
		},
	}
	var view vk.ImageView
	if res := vk.CreateImageView(m.ctx.Device.LogicalDevice, &viewInfo, m.ctx.Allocator, &view); res != vk.Success {
		return fmt.Errorf("present recreate frame view: %w", vkerr.Wrap("CreateImageView", res))
	}

	frame.Image, frame.memory, frame.ImageView = img, mem, view

	imageHandle := img
	m.sched.Record(func(cmdBuf, _ vk.CommandBuffer) {
		barrier := vk.ImageMemoryBarrier{
			SType:       vk.StructureTypeImageMemoryBarrier,
			OldLayout:   vk.ImageLayoutUndefined,
			NewLayout:   vk.ImageLayoutGeneral,
			Image:       imageHandle,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit), LevelCount: 1, LayerCount: 1,
			},
		}
		vk.CmdPipelineBarrier(cmdBuf, vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit),
			vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit), 0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{barrier})
	})
	return nil
}

// GetRenderFrame pops a frame off the free queue, waiting on its
// present-done fence so all prior GPU use of its resources is complete,
// per spec.md §4.11.
func (m *Manager) GetRenderFrame() (*Frame, error) {
	m.freeMu.Lock()
	for m.freeQueue.IsEmpty() {
		m.freeCond.Wait()
	}
	frame, _ := m.freeQueue.Dequeue()
	m.freeMu.Unlock()

	if res := vk.WaitForFences(m.ctx.Device.LogicalDevice, 1, []vk.Fence{frame.PresentDone}, vk.True, ^uint64(0)); res != vk.Success {
		return nil, fmt.Errorf("present get render frame: %w", vkerr.Wrap("WaitForFences", res))
	}
	vk.ResetFences(m.ctx.Device.LogicalDevice, 1, []vk.Fence{frame.PresentDone})
	return frame, nil
}

// Present hands frame to the present path: threaded (push and notify) or
// inline (wait worker, copy, release), per spec.md §4.11.
func (m *Manager) Present(frame *Frame) error {
	if !m.usePresentThread {
		m.sched.WaitWorker()
		if err := m.copyToSwapchain(frame); err != nil {
			return err
		}
		m.releaseFrame(frame)
		return nil
	}

	m.queueMu.Lock()
	_ = m.presentQueue.Enqueue(frame)
	m.queueCond.Signal()
	m.queueMu.Unlock()
	return nil
}

func (m *Manager) releaseFrame(frame *Frame) {
	m.freeMu.Lock()
	_ = m.freeQueue.Enqueue(frame)
	m.freeCond.Signal()
	m.freeMu.Unlock()
}

// WaitPresent blocks until the present queue has drained and the last
// frame has finished copyToSwapchain, per spec.md §4.11.
func (m *Manager) WaitPresent() {
	if !m.usePresentThread {
		return
	}
	m.queueMu.Lock()
	for !m.presentQueue.IsEmpty() {
		m.queueCond.Wait()
	}
	m.queueMu.Unlock()

	// Taking and releasing the swapchain lock ensures the last
	// copyToSwapchain call (which holds it) has completed.
	m.swapchainMu.Lock()
	m.swapchainMu.Unlock()
}

// Close stops the present thread (if running) and waits for it to exit.
func (m *Manager) Close() {
	if m.usePresentThread {
		close(m.stopCh)
		m.queueMu.Lock()
		m.queueCond.Broadcast()
		m.queueMu.Unlock()
		<-m.doneCh
	}
	for _, f := range m.frames {
		if f.Image != nil {
			vk.DestroyImageView(m.ctx.Device.LogicalDevice, f.ImageView, m.ctx.Allocator)
			vk.DestroyImage(m.ctx.Device.LogicalDevice, f.Image, m.ctx.Allocator)
			vk.FreeMemory(m.ctx.Device.LogicalDevice, f.memory, m.ctx.Allocator)
		}
		vk.DestroySemaphore(m.ctx.Device.LogicalDevice, f.RenderReady, m.ctx.Allocator)
		vk.DestroyFence(m.ctx.Device.LogicalDevice, f.PresentDone, m.ctx.Allocator)
		identifier.Release(f.ID)
	}
}

func (m *Manager) presentThreadLoop() {
	defer close(m.doneCh)
	for {
		m.queueMu.Lock()
		for m.presentQueue.IsEmpty() {
			select {
			case <-m.stopCh:
				m.queueMu.Unlock()
				return
			default:
			}
			m.queueCond.Wait()
		}
		select {
		case <-m.stopCh:
			m.queueMu.Unlock()
			return
		default:
		}
		frame, _ := m.presentQueue.Dequeue()
		m.queueCond.Broadcast()

		// Take the swapchain lock before releasing the queue lock, matching
		// present_manager.cpp's lock exchange: WaitPresent is guaranteed to
		// observe this frame's copy as complete once the present queue is
		// empty.
		m.swapchainMu.Lock()
		m.queueMu.Unlock()
		if err := m.copyToSwapchain(frame); err != nil {
			corelog.Error("present thread: copyToSwapchain: %v", err)
		}
		m.swapchainMu.Unlock()

		m.releaseFrame(frame)
	}
}

// copyToSwapchain retries recreation on ErrorSurfaceLostKHR up to
// maxSurfaceLostRetries times before giving up with ErrDeviceLost, per the
// CORE's bounded-retry decision (DESIGN.md open question 1).
func (m *Manager) copyToSwapchain(frame *Frame) error {
	for attempt := 0; ; attempt++ {
		err := m.copyToSwapchainOnce(frame)
		if err == nil {
			return nil
		}
		if !vkerr.IsRecreateTrigger(err) {
			return err
		}
		if attempt+1 >= maxSurfaceLostRetries {
			corelog.Error("present: surface lost %d times in a row, giving up: %v", attempt+1, err)
			return fmt.Errorf("%w: surface lost after %d retries", vkerr.ErrDeviceLost, attempt+1)
		}
		corelog.Warn("present: %v, recreating swapchain (attempt %d/%d)", err, attempt+1, maxSurfaceLostRetries)
		if recreateErr := m.recreateSwapchainLocked(frame); recreateErr != nil {
			return recreateErr
		}
	}
}

func (m *Manager) recreateSwapchainLocked(frame *Frame) error {
	sc, err := Recreate(m.ctx, m.swapchain, m.vsync, frame.Width, frame.Height)
	if err != nil {
		return err
	}
	m.swapchain = sc
	return nil
}

// copyToSwapchainOnce is PresentManager::copyToSwapchainImpl: recreate if
// needed, acquire, blit/copy, submit, present.
func (m *Manager) copyToSwapchainOnce(frame *Frame) error {
	sc := m.swapchain
	if sc.NeedsRecreation() || sc.Width() != frame.Width || sc.Height() != frame.Height {
		if err := m.recreateSwapchainLocked(frame); err != nil {
			return err
		}
		sc = m.swapchain
	}

	presentSem := sc.PresentSemaphores[sc.CurrentImage]
	for {
		_, needsRecreate, err := sc.AcquireNextImage(presentSem)
		if err != nil {
			return err
		}
		if !needsRecreate {
			break
		}
		if err := m.recreateSwapchainLocked(frame); err != nil {
			return err
		}
		sc = m.swapchain
		presentSem = sc.PresentSemaphores[sc.CurrentImage]
	}

	image := sc.Images[sc.CurrentImage]
	extent := sc.Extent
	cmdBuf := frame.CmdBuf
	beginInfo := vk.CommandBufferBeginInfo{SType: vk.StructureTypeCommandBufferBeginInfo, Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)}
	vk.BeginCommandBuffer(cmdBuf, &beginInfo)

	preBarriers := []vk.ImageMemoryBarrier{
		{
			SType: vk.StructureTypeImageMemoryBarrier, SrcAccessMask: 0,
			DstAccessMask: vk.AccessFlags(vk.AccessTransferWriteBit),
			OldLayout:     vk.ImageLayoutUndefined, NewLayout: vk.ImageLayoutTransferDstOptimal,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored, DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image: image,
			SubresourceRange: vk.ImageSubresourceRange{AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit), LevelCount: 1, LayerCount: 1},
		},
		{
			SType: vk.StructureTypeImageMemoryBarrier, SrcAccessMask: vk.AccessFlags(vk.AccessColorAttachmentWriteBit),
			DstAccessMask: vk.AccessFlags(vk.AccessTransferReadBit),
			OldLayout:     vk.ImageLayoutGeneral, NewLayout: vk.ImageLayoutTransferSrcOptimal,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored, DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image: frame.Image,
			SubresourceRange: vk.ImageSubresourceRange{AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit), LevelCount: 1, LayerCount: 1},
		},
	}
	vk.CmdPipelineBarrier(cmdBuf, vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit), vk.PipelineStageFlags(vk.PipelineStageTransferBit), 0, 0, nil, 0, nil, 2, preBarriers)

	if m.blitSupported {
		blit := vk.ImageBlit{
			SrcSubresource: vk.ImageSubresourceLayers{AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit), LayerCount: 1},
			DstSubresource: vk.ImageSubresourceLayers{AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit), LayerCount: 1},
			SrcOffsets:     [2]vk.Offset3D{{}, {X: int32(frame.Width), Y: int32(frame.Height), Z: 1}},
			DstOffsets:     [2]vk.Offset3D{{}, {X: int32(extent.Width), Y: int32(extent.Height), Z: 1}},
		}
		vk.CmdBlitImage(cmdBuf, frame.Image, vk.ImageLayoutTransferSrcOptimal, image, vk.ImageLayoutTransferDstOptimal, 1, []vk.ImageBlit{blit}, vk.FilterLinear)
	} else {
		w := frame.Width
		if extent.Width < w {
			w = extent.Width
		}
		h := frame.Height
		if extent.Height < h {
			h = extent.Height
		}
		copyRegion := vk.ImageCopy{
			SrcSubresource: vk.ImageSubresourceLayers{AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit), LayerCount: 1},
			DstSubresource: vk.ImageSubresourceLayers{AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit), LayerCount: 1},
			Extent:         vk.Extent3D{Width: w, Height: h, Depth: 1},
		}
		vk.CmdCopyImage(cmdBuf, frame.Image, vk.ImageLayoutTransferSrcOptimal, image, vk.ImageLayoutTransferDstOptimal, 1, []vk.ImageCopy{copyRegion})
	}

	postBarriers := []vk.ImageMemoryBarrier{
		{
			SType: vk.StructureTypeImageMemoryBarrier, SrcAccessMask: vk.AccessFlags(vk.AccessTransferWriteBit),
			DstAccessMask: vk.AccessFlags(vk.AccessMemoryReadBit),
			OldLayout:     vk.ImageLayoutTransferDstOptimal, NewLayout: vk.ImageLayoutPresentSrc,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored, DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image: image,
			SubresourceRange: vk.ImageSubresourceRange{AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit), LevelCount: 1, LayerCount: 1},
		},
		{
			SType: vk.StructureTypeImageMemoryBarrier, SrcAccessMask: vk.AccessFlags(vk.AccessTransferReadBit),
			DstAccessMask: vk.AccessFlags(vk.AccessMemoryWriteBit),
			OldLayout:     vk.ImageLayoutTransferSrcOptimal, NewLayout: vk.ImageLayoutGeneral,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored, DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image: frame.Image,
			SubresourceRange: vk.ImageSubresourceRange{AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit), LevelCount: 1, LayerCount: 1},
		},
	}
	vk.CmdPipelineBarrier(cmdBuf, vk.PipelineStageFlags(vk.PipelineStageTransferBit), vk.PipelineStageFlags(vk.PipelineStageAllGraphicsBit), 0, 0, nil, 0, nil, 2, postBarriers)

	vk.EndCommandBuffer(cmdBuf)

	renderSem := sc.RenderSemaphores[sc.CurrentImage]
	waitSems := []vk.Semaphore{presentSem, frame.RenderReady}
	waitStages := []vk.PipelineStageFlags{
		vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
	}
	submitInfo := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		WaitSemaphoreCount:   2,
		PWaitSemaphores:      waitSems,
		PWaitDstStageMask:    waitStages,
		CommandBufferCount:   1,
		PCommandBuffers:      []vk.CommandBuffer{cmdBuf},
		SignalSemaphoreCount: 1,
		PSignalSemaphores:    []vk.Semaphore{renderSem},
	}
	if res := vk.QueueSubmit(m.ctx.Device.GraphicsQueue, 1, []vk.SubmitInfo{submitInfo}, frame.PresentDone); res != vk.Success {
		return fmt.Errorf("present submit: %w", vkerr.Wrap("QueueSubmit", res))
	}

	return sc.Present(m.ctx.Device.PresentQueue, renderSem, sc.CurrentImage)
}
