// Package present implements the swapchain lifecycle, the presentation
// manager's frame pool and present thread, and the window-adapt blit pass,
// per spec.md §4.10-§4.12. Grounded on teacher's
// engine/renderer/vulkan/swapchain.go for the Vulkan call shape (surface
// format selection, present-mode fallback, extent clamping) and
// original_source's present_manager.cpp/hpp and blit_screen.cpp/hpp for the
// threading model and window-adapt pass this core generalizes the teacher's
// single synchronous present call into.
package present

import (
	"fmt"
	"math"

	vk "github.com/goki/vulkan"

	"github.com/lamouse/vkcore/internal/config"
	"github.com/lamouse/vkcore/internal/corelog"
	"github.com/lamouse/vkcore/internal/mathutil"
	vkctx "github.com/lamouse/vkcore/internal/vk/context"
	"github.com/lamouse/vkcore/internal/vkerr"
)

// Swapchain owns the presentable image chain and its per-image semaphores.
// Grounded on VulkanSwapchain (engine/renderer/vulkan/swapchain.go),
// generalized with a configurable present-mode priority list (spec.md
// §4.10) in place of the teacher's hardcoded Mailbox-or-Fifo choice.
type Swapchain struct {
	ctx *vkctx.Context

	Handle      vk.Swapchain
	ImageFormat vk.SurfaceFormat
	PresentMode vk.PresentMode
	Extent      vk.Extent2D

	Images []vk.Image
	Views  []vk.ImageView

	// PresentSemaphores and RenderSemaphores are allocated per swapchain
	// image, not per frame-in-flight, since acquireNextImage hands back an
	// image index, not a frame index.
	PresentSemaphores []vk.Semaphore
	RenderSemaphores  []vk.Semaphore

	CurrentImage uint32
	Outdated     bool
	Suboptimal   bool

	width, height uint32
}

// presentModePriority resolves spec.md §4.10's "priority list derived from
// configuration" with the fallback rule "requested-but-unsupported ->
// Fifo". Fifo is always guaranteed present per the Vulkan spec, so it
// anchors every list.
func presentModePriority(v config.VsyncMode) []vk.PresentMode {
	switch v {
	case config.VsyncImmediate:
		return []vk.PresentMode{vk.PresentModeImmediate, vk.PresentModeMailbox, vk.PresentModeFifo}
	case config.VsyncMailbox:
		return []vk.PresentMode{vk.PresentModeMailbox, vk.PresentModeFifo}
	case config.VsyncFifoRelaxed:
		return []vk.PresentMode{vk.PresentModeFifoRelaxed, vk.PresentModeFifo}
	default:
		return []vk.PresentMode{vk.PresentModeFifo}
	}
}

// Create builds a new swapchain for (width, height), per spec.md §4.10.
func Create(ctx *vkctx.Context, vsync config.VsyncMode, width, height uint32) (*Swapchain, error) {
	return createSwapchain(ctx, vsync, width, height, nil)
}

// Recreate destroys sc (if non-nil) and builds a replacement, passing the
// old handle as VkSwapchainCreateInfoKHR::oldSwapchain so the driver can
// reuse resources where possible.
func Recreate(ctx *vkctx.Context, old *Swapchain, vsync config.VsyncMode, width, height uint32) (*Swapchain, error) {
	var oldHandle vk.Swapchain
	if old != nil {
		oldHandle = old.Handle
	}
	sc, err := createSwapchain(ctx, vsync, width, height, oldHandle)
	if old != nil {
		old.destroyViewsAndSemaphores(ctx)
		if oldHandle != nil {
			vk.DestroySwapchain(ctx.Device.LogicalDevice, oldHandle, ctx.Allocator)
		}
	}
	return sc, err
}

func createSwapchain(ctx *vkctx.Context, vsync config.VsyncMode, width, height uint32, old vk.Swapchain) (*Swapchain, error) {
	var caps vk.SurfaceCapabilities
	if res := vk.GetPhysicalDeviceSurfaceCapabilities(ctx.Device.PhysicalDevice, ctx.Surface, &caps); res != vk.Success {
		return nil, fmt.Errorf("swapchain: %w", vkerr.Wrap("GetPhysicalDeviceSurfaceCapabilities", res))
	}
	caps.Deref()

	var formatCount uint32
	vk.GetPhysicalDeviceSurfaceFormats(ctx.Device.PhysicalDevice, ctx.Surface, &formatCount, nil)
	formats := make([]vk.SurfaceFormat, formatCount)
	vk.GetPhysicalDeviceSurfaceFormats(ctx.Device.PhysicalDevice, ctx.Surface, &formatCount, formats)
	for i := range formats {
		formats[i].Deref()
	}
	surfaceFormat := chooseSurfaceFormat(formats)

	var modeCount uint32
	vk.GetPhysicalDeviceSurfacePresentModes(ctx.Device.PhysicalDevice, ctx.Surface, &modeCount, nil)
	modes := make([]vk.PresentMode, modeCount)
	vk.GetPhysicalDeviceSurfacePresentModes(ctx.Device.PhysicalDevice, ctx.Surface, &modeCount, modes)
	presentMode := choosePresentMode(modes, presentModePriority(vsync))

	extent := chooseExtent(caps, width, height)

	// spec.md §4.10: max(min+1, min(3, max)).
	imageCount := caps.MinImageCount + 1
	if preferred := uint32(3); preferred > imageCount {
		imageCount = preferred
	}
	if caps.MaxImageCount > 0 && imageCount > caps.MaxImageCount {
		imageCount = caps.MaxImageCount
	}

	createInfo := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          ctx.Surface,
		MinImageCount:    imageCount,
		ImageFormat:      surfaceFormat.Format,
		ImageColorSpace:  surfaceFormat.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage: vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit) |
			vk.ImageUsageFlags(vk.ImageUsageTransferDstBit),
		PreTransform:   caps.CurrentTransform,
		CompositeAlpha: vk.CompositeAlphaOpaqueBit,
		PresentMode:    presentMode,
		Clipped:        vk.True,
		OldSwapchain:   old,
	}
	if ctx.Device.GraphicsQueueIndex != ctx.Device.PresentQueueIndex {
		createInfo.ImageSharingMode = vk.SharingModeConcurrent
		createInfo.QueueFamilyIndexCount = 2
		createInfo.PQueueFamilyIndices = []uint32{ctx.Device.GraphicsQueueIndex, ctx.Device.PresentQueueIndex}
	} else {
		createInfo.ImageSharingMode = vk.SharingModeExclusive
	}

	var handle vk.Swapchain
	if res := vk.CreateSwapchain(ctx.Device.LogicalDevice, &createInfo, ctx.Allocator, &handle); res != vk.Success {
		return nil, fmt.Errorf("swapchain create: %w", vkerr.Wrap("CreateSwapchain", res))
	}

	sc := &Swapchain{
		ctx:         ctx,
		Handle:      handle,
		ImageFormat: surfaceFormat,
		PresentMode: presentMode,
		Extent:      extent,
		width:       width,
		height:      height,
	}

	var count uint32
	vk.GetSwapchainImages(ctx.Device.LogicalDevice, handle, &count, nil)
	sc.Images = make([]vk.Image, count)
	vk.GetSwapchainImages(ctx.Device.LogicalDevice, handle, &count, sc.Images)

	sc.Views = make([]vk.ImageView, count)
	sc.PresentSemaphores = make([]vk.Semaphore, count)
	sc.RenderSemaphores = make([]vk.Semaphore, count)
	for i := range sc.Images {
		viewInfo := vk.ImageViewCreateInfo{
			SType:    vk.StructureTypeImageViewCreateInfo,
			Image:    sc.Images[i],
			ViewType: vk.ImageViewType2d,
			Format:   surfaceFormat.Format,
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
				BaseMipLevel:   0,
				LevelCount:     1,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
		}
		if res := vk.CreateImageView(ctx.Device.LogicalDevice, &viewInfo, ctx.Allocator, &sc.Views[i]); res != vk.Success {
			return nil, fmt.Errorf("swapchain view: %w", vkerr.Wrap("CreateImageView", res))
		}
		semInfo := vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
		vk.CreateSemaphore(ctx.Device.LogicalDevice, &semInfo, ctx.Allocator, &sc.PresentSemaphores[i])
		vk.CreateSemaphore(ctx.Device.LogicalDevice, &semInfo, ctx.Allocator, &sc.RenderSemaphores[i])
	}

	corelog.Info("swapchain created: %dx%d, %d images, present mode %d", extent.Width, extent.Height, count, presentMode)
	return sc, nil
}

func chooseSurfaceFormat(formats []vk.SurfaceFormat) vk.SurfaceFormat {
	for _, f := range formats {
		if f.Format == vk.FormatB8g8r8a8Unorm && f.ColorSpace == vk.ColorSpaceSrgbNonlinear {
			return f
		}
	}
	if len(formats) > 0 {
		return formats[0]
	}
	return vk.SurfaceFormat{Format: vk.FormatB8g8r8a8Unorm, ColorSpace: vk.ColorSpaceSrgbNonlinear}
}

func choosePresentMode(available []vk.PresentMode, priority []vk.PresentMode) vk.PresentMode {
	for _, want := range priority {
		for _, have := range available {
			if have == want {
				return want
			}
		}
	}
	return vk.PresentModeFifo
}

func chooseExtent(caps vk.SurfaceCapabilities, width, height uint32) vk.Extent2D {
	if caps.CurrentExtent.Width != math.MaxUint32 {
		return caps.CurrentExtent
	}
	return vk.Extent2D{
		Width:  mathutil.Clamp(width, caps.MinImageExtent.Width, caps.MaxImageExtent.Width),
		Height: mathutil.Clamp(height, caps.MinImageExtent.Height, caps.MaxImageExtent.Height),
	}
}

// AcquireNextImage acquires the next presentable image with an infinite
// timeout. The returned bool is true when the swapchain needs recreation
// (Suboptimal or OutOfDate), per spec.md §4.10.
func (sc *Swapchain) AcquireNextImage(signal vk.Semaphore) (uint32, bool, error) {
	var index uint32
	res := vk.AcquireNextImage(sc.ctx.Device.LogicalDevice, sc.Handle, math.MaxUint64, signal, nil, &index)
	switch res {
	case vk.Success:
		sc.CurrentImage = index
		return index, false, nil
	case vk.Suboptimal:
		sc.CurrentImage = index
		return index, true, nil
	case vk.ErrorOutOfDate:
		return 0, true, nil
	default:
		return 0, false, fmt.Errorf("swapchain acquire: %w", vkerr.Wrap("AcquireNextImage", res))
	}
}

// Present submits imageIndex to the present queue, waiting on renderSem.
// An OutOfDate result is reported via the Outdated flag rather than
// returned as an error (spec.md §4.10); SurfaceLost propagates.
func (sc *Swapchain) Present(presentQueue vk.Queue, renderSem vk.Semaphore, imageIndex uint32) error {
	presentInfo := vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: 1,
		PWaitSemaphores:    []vk.Semaphore{renderSem},
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{sc.Handle},
		PImageIndices:      []uint32{imageIndex},
	}
	res := vk.QueuePresent(presentQueue, &presentInfo)
	switch res {
	case vk.Success:
		return nil
	case vk.ErrorOutOfDate:
		sc.Outdated = true
		return nil
	case vk.Suboptimal:
		sc.Suboptimal = true
		return nil
	default:
		return fmt.Errorf("swapchain present: %w", vkerr.Wrap("QueuePresent", res))
	}
}

// NeedsRecreation reports the Suboptimal/OutOfDate flags Present and
// AcquireNextImage have latched.
func (sc *Swapchain) NeedsRecreation() bool {
	return sc.Outdated || sc.Suboptimal
}

// NeedsPresentModeUpdate compares the configured present-mode priority
// against the mode this swapchain actually negotiated, per spec.md §4.10.
func (sc *Swapchain) NeedsPresentModeUpdate(vsync config.VsyncMode) bool {
	wanted := presentModePriority(vsync)
	return len(wanted) == 0 || sc.PresentMode != wanted[0] && !contains(wanted, sc.PresentMode)
}

func contains(modes []vk.PresentMode, m vk.PresentMode) bool {
	for _, x := range modes {
		if x == m {
			return true
		}
	}
	return false
}

func (sc *Swapchain) Width() uint32  { return sc.Extent.Width }
func (sc *Swapchain) Height() uint32 { return sc.Extent.Height }

func (sc *Swapchain) destroyViewsAndSemaphores(ctx *vkctx.Context) {
	for i := range sc.Views {
		vk.DestroyImageView(ctx.Device.LogicalDevice, sc.Views[i], ctx.Allocator)
	}
	for i := range sc.PresentSemaphores {
		vk.DestroySemaphore(ctx.Device.LogicalDevice, sc.PresentSemaphores[i], ctx.Allocator)
		vk.DestroySemaphore(ctx.Device.LogicalDevice, sc.RenderSemaphores[i], ctx.Allocator)
	}
}

// Destroy waits for the device to go idle, then tears down the swapchain's
// views, semaphores and handle. Images themselves are swapchain-owned and
// are not individually destroyed, mirroring destroySwapchain in
// engine/renderer/vulkan/swapchain.go.
func (sc *Swapchain) Destroy() {
	vk.DeviceWaitIdle(sc.ctx.Device.LogicalDevice)
	sc.destroyViewsAndSemaphores(sc.ctx)
	vk.DestroySwapchain(sc.ctx.Device.LogicalDevice, sc.Handle, sc.ctx.Allocator)
}
