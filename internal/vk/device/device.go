// Package device selects the physical device, negotiates extensions and
// features, and creates the logical device and its queues. Grounded on
// engine/renderer/vulkan/device.go, generalized to also negotiate the
// optional features the rest of the core depends on: timeline semaphores
// (internal/vk/timeline), extended dynamic state 3 (internal/pipelinecache),
// descriptor update templates (internal/vk/descriptor) and the
// stencil-export extension (internal/texcache).
package device

import (
	"fmt"

	vk "github.com/goki/vulkan"

	vkctx "github.com/lamouse/vkcore/internal/vk/context"
	"github.com/lamouse/vkcore/internal/corelog"
	"github.com/lamouse/vkcore/internal/vkerr"
)

// Requirements narrows physical-device selection, mirroring
// VulkanPhysicalDeviceRequirements in the teacher.
type Requirements struct {
	Graphics          bool
	Present           bool
	Compute           bool
	Transfer          bool
	SamplerAnisotropy bool
	DiscreteGPU       bool
	ExtensionNames    []string
}

// DefaultRequirements is the CORE's baseline: it needs all four queue
// capabilities and anisotropic sampling, but does not require a discrete
// GPU (headless/CI surfaces commonly expose only a software or integrated
// device).
func DefaultRequirements() Requirements {
	return Requirements{
		Graphics:          true,
		Present:           true,
		Compute:           true,
		Transfer:          true,
		SamplerAnisotropy: true,
		ExtensionNames:    []string{vk.KhrSwapchainExtensionName},
	}
}

type queueFamilyInfo struct {
	graphics, present, compute, transfer uint32
	haveGraphics, havePresent, haveCompute, haveTransfer bool
}

// Create selects a physical device satisfying req, then creates the
// logical device and its queues, populating ctx.Device.
func Create(ctx *vkctx.Context, req Requirements) error {
	phys, qfi, err := selectPhysicalDevice(ctx, req)
	if err != nil {
		return err
	}

	dev := &vkctx.Device{
		PhysicalDevice:     phys,
		GraphicsQueueIndex: qfi.graphics,
		PresentQueueIndex:  qfi.present,
		TransferQueueIndex: qfi.transfer,
		ComputeQueueIndex:  qfi.compute,
	}
	vk.GetPhysicalDeviceProperties(phys, &dev.Properties)
	dev.Properties.Deref()
	vk.GetPhysicalDeviceFeatures(phys, &dev.Features)
	dev.Features.Deref()
	vk.GetPhysicalDeviceMemoryProperties(phys, &dev.Memory)
	dev.Memory.Deref()

	detectOptionalFeatures(phys, dev)

	corelog.Info("creating logical device...")

	uniqueIndices := map[uint32]bool{dev.GraphicsQueueIndex: true}
	uniqueIndices[dev.PresentQueueIndex] = true
	uniqueIndices[dev.TransferQueueIndex] = true
	uniqueIndices[dev.ComputeQueueIndex] = true

	queueCreateInfos := make([]vk.DeviceQueueCreateInfo, 0, len(uniqueIndices))
	priority := []float32{1.0}
	for idx := range uniqueIndices {
		queueCreateInfos = append(queueCreateInfos, vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: idx,
			QueueCount:       1,
			PQueuePriorities: priority,
		})
	}

	features := vk.PhysicalDeviceFeatures{}
	if req.SamplerAnisotropy {
		features.SamplerAnisotropy = vk.True
	}

	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueCreateInfos)),
		PQueueCreateInfos:       queueCreateInfos,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{features},
		EnabledExtensionCount:   uint32(len(req.ExtensionNames)),
		PpEnabledExtensionNames: req.ExtensionNames,
	}

	var logical vk.Device
	if res := vk.CreateDevice(phys, &deviceCreateInfo, ctx.Allocator, &logical); res != vk.Success {
		return fmt.Errorf("create logical device: %w", vkerr.Wrap("CreateDevice", res))
	}
	dev.LogicalDevice = logical

	vk.GetDeviceQueue(logical, dev.GraphicsQueueIndex, 0, &dev.GraphicsQueue)
	vk.GetDeviceQueue(logical, dev.PresentQueueIndex, 0, &dev.PresentQueue)
	vk.GetDeviceQueue(logical, dev.TransferQueueIndex, 0, &dev.TransferQueue)
	vk.GetDeviceQueue(logical, dev.ComputeQueueIndex, 0, &dev.ComputeQueue)

	if !detectDepthFormat(dev) {
		return fmt.Errorf("%w: no supported depth format", vkerr.ErrDeviceSelection)
	}

	ctx.Device = dev
	corelog.Info("logical device created; timeline=%v dynamicRendering=%v eds3=%v",
		dev.SupportsTimelineSemaphore, dev.SupportsDynamicRendering, dev.SupportsExtendedDynamicState3)
	return nil
}

func selectPhysicalDevice(ctx *vkctx.Context, req Requirements) (vk.PhysicalDevice, queueFamilyInfo, error) {
	var count uint32
	if res := vk.EnumeratePhysicalDevices(ctx.Instance, &count, nil); res != vk.Success || count == 0 {
		return nil, queueFamilyInfo{}, fmt.Errorf("%w: no Vulkan physical devices found", vkerr.ErrDeviceSelection)
	}
	devices := make([]vk.PhysicalDevice, count)
	vk.EnumeratePhysicalDevices(ctx.Instance, &count, devices)

	var best vk.PhysicalDevice
	var bestInfo queueFamilyInfo
	bestScore := -1

	for _, pd := range devices {
		qfi, ok := queueFamilies(pd, ctx.Surface, req)
		if !ok {
			continue
		}
		var props vk.PhysicalDeviceProperties
		vk.GetPhysicalDeviceProperties(pd, &props)
		props.Deref()

		score := 1
		if props.DeviceType == vk.PhysicalDeviceTypeDiscreteGpu {
			score = 2
		} else if req.DiscreteGPU {
			continue
		}
		if score > bestScore {
			bestScore = score
			best = pd
			bestInfo = qfi
		}
	}
	if best == nil {
		return nil, queueFamilyInfo{}, fmt.Errorf("%w: no device satisfies requirements", vkerr.ErrDeviceSelection)
	}
	return best, bestInfo, nil
}

func queueFamilies(pd vk.PhysicalDevice, surface vk.Surface, req Requirements) (queueFamilyInfo, bool) {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, nil)
	props := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, props)

	var info queueFamilyInfo
	for i := uint32(0); i < count; i++ {
		props[i].Deref()
		flags := vk.QueueFlags(props[i].QueueFlags)
		if flags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 && !info.haveGraphics {
			info.graphics = i
			info.haveGraphics = true
		}
		if flags&vk.QueueFlags(vk.QueueComputeBit) != 0 && !info.haveCompute {
			info.compute = i
			info.haveCompute = true
		}
		if flags&vk.QueueFlags(vk.QueueTransferBit) != 0 {
			// Prefer a dedicated transfer queue (no graphics/compute bits).
			if !info.haveTransfer || flags&(vk.QueueFlags(vk.QueueGraphicsBit)|vk.QueueFlags(vk.QueueComputeBit)) == 0 {
				info.transfer = i
				info.haveTransfer = true
			}
		}
		if surface != nil {
			var supported vk.Bool32
			vk.GetPhysicalDeviceSurfaceSupport(pd, i, surface, &supported)
			if supported.B() && !info.havePresent {
				info.present = i
				info.havePresent = true
			}
		} else if !info.havePresent {
			info.present = info.graphics
			info.havePresent = info.haveGraphics
		}
	}

	if req.Graphics && !info.haveGraphics {
		return info, false
	}
	if req.Present && !info.havePresent {
		return info, false
	}
	if req.Compute && !info.haveCompute {
		return info, false
	}
	if req.Transfer && !info.haveTransfer {
		info.transfer = info.graphics
		info.haveTransfer = info.haveGraphics
	}
	return info, true
}

// detectOptionalFeatures probes for the optional extensions/features the
// rest of the core negotiates at construction time (spec.md §9's "negotiated
// at device init" for extended dynamic state 3, and §4.1's "chosen at
// construction based on device support" for the timeline).
func detectOptionalFeatures(pd vk.PhysicalDevice, dev *vkctx.Device) {
	var count uint32
	vk.EnumerateDeviceExtensionProperties(pd, "", &count, nil)
	exts := make([]vk.ExtensionProperties, count)
	vk.EnumerateDeviceExtensionProperties(pd, "", &count, exts)

	names := map[string]bool{}
	for i := range exts {
		exts[i].Deref()
		names[vk.ToString(exts[i].ExtensionName[:])] = true
	}

	dev.SupportsTimelineSemaphore = names[vk.KhrTimelineSemaphoreExtensionName]
	dev.SupportsDynamicRendering = names[vk.KhrDynamicRenderingExtensionName]
	dev.SupportsExtendedDynamicState3 = names["VK_EXT_extended_dynamic_state3"]
	dev.SupportsDescriptorUpdateTemplate = names[vk.KhrDescriptorUpdateTemplateExtensionName]
	dev.SupportsStencilExport = names["VK_EXT_shader_stencil_export"]
	dev.SupportsASTC = dev.Features.TextureCompressionAstcLdr.B()

	for i := uint32(0); i < dev.Memory.MemoryTypeCount; i++ {
		dev.Memory.MemoryTypes[i].Deref()
		flags := vk.MemoryPropertyFlags(dev.Memory.MemoryTypes[i].PropertyFlags)
		wantDeviceLocal := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
		wantHostVisible := vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit)
		if flags&wantDeviceLocal != 0 && flags&wantHostVisible != 0 {
			dev.SupportsDeviceLocalHostVisible = true
			break
		}
	}
}

// detectDepthFormat walks a priority list of depth formats, returning the
// first one whose optimal tiling supports depth-stencil attachments.
// Grounded on engine/renderer/vulkan/device.go's DeviceDetectDepthFormat.
func detectDepthFormat(dev *vkctx.Device) bool {
	candidates := []struct {
		format  vk.Format
		channel uint8
	}{
		{vk.FormatD32SfloatS8Uint, 4},
		{vk.FormatD32Sfloat, 4},
		{vk.FormatD24UnormS8Uint, 3},
	}
	for _, c := range candidates {
		var props vk.FormatProperties
		vk.GetPhysicalDeviceFormatProperties(dev.PhysicalDevice, c.format, &props)
		props.Deref()
		flags := vk.FormatFeatureFlags(props.OptimalTilingFeatures)
		if flags&vk.FormatFeatureFlags(vk.FormatFeatureDepthStencilAttachmentBit) != 0 {
			dev.DepthFormat = c.format
			dev.DepthChannelCount = c.channel
			return true
		}
	}
	return false
}

// Destroy releases the logical device. Physical devices are never destroyed
// (owned by the VkInstance).
func Destroy(ctx *vkctx.Context) {
	if ctx.Device == nil || ctx.Device.LogicalDevice == nil {
		return
	}
	corelog.Info("destroying logical device...")
	vk.DestroyDevice(ctx.Device.LogicalDevice, ctx.Allocator)
	ctx.Device.LogicalDevice = nil
}
