// Package context holds the VulkanContext, the shared handle bag every
// other internal/vk package receives: instance, allocator, surface and
// device. Grounded on engine/renderer/vulkan/context.go,
// trimmed of the teacher's ECS/scene fields (Geometries,
// WorldRenderTargets, ObjectVertexBuffer) — those belong to the
// out-of-scope scene layer per spec.md §1.
package context

import (
	vk "github.com/goki/vulkan"

	"github.com/lamouse/vkcore/internal/corelog"
)

// Device holds the physical/logical device and queue handles. Defined here
// (rather than in package device) to avoid an import cycle: both
// context.Context and device.Create need each other's types.
type Device struct {
	PhysicalDevice vk.PhysicalDevice
	LogicalDevice  vk.Device

	GraphicsQueueIndex uint32
	PresentQueueIndex  uint32
	TransferQueueIndex uint32
	ComputeQueueIndex  uint32

	GraphicsQueue vk.Queue
	PresentQueue  vk.Queue
	TransferQueue vk.Queue
	ComputeQueue  vk.Queue

	SupportsDeviceLocalHostVisible bool
	SupportsTimelineSemaphore      bool
	SupportsDynamicRendering       bool
	SupportsExtendedDynamicState3  bool
	SupportsDescriptorUpdateTemplate bool
	SupportsStencilExport          bool
	SupportsASTC                   bool

	Properties vk.PhysicalDeviceProperties
	Features   vk.PhysicalDeviceFeatures
	Memory     vk.PhysicalDeviceMemoryProperties

	DepthFormat       vk.Format
	DepthChannelCount uint8
}

// FindMemoryIndex returns the first memory type index whose bit is set in
// typeFilter and whose property flags satisfy propertyFlags, or -1.
// Grounded on engine/renderer/vulkan/context.go's FindMemoryIndex.
func (d *Device) FindMemoryIndex(typeFilter, propertyFlags uint32) int32 {
	mem := d.Memory
	for i := uint32(0); i < mem.MemoryTypeCount; i++ {
		if (typeFilter&(1<<i)) != 0 && (uint32(mem.MemoryTypes[i].PropertyFlags)&propertyFlags) == propertyFlags {
			return int32(i)
		}
	}
	corelog.Warn("FindMemoryIndex: no suitable memory type for filter=%x flags=%x", typeFilter, propertyFlags)
	return -1
}

// Context is the handle bag threaded through every Vulkan call in the
// core. Unlike the teacher's VulkanContext it carries no per-frame ECS
// state; frame bookkeeping lives in internal/present and internal/vk/scheduler.
type Context struct {
	FramebufferWidth  uint32
	FramebufferHeight uint32

	Instance  vk.Instance
	Allocator *vk.AllocationCallbacks
	Surface   vk.Surface

	Device *Device
}

// New builds an empty Context; the instance/device/surface fields are
// filled in by the device package's Create function.
func New() *Context {
	return &Context{}
}
