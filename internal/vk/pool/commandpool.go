package pool

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/lamouse/vkcore/internal/corelog"
	vkctx "github.com/lamouse/vkcore/internal/vk/context"
	"github.com/lamouse/vkcore/internal/vk/timeline"
	"github.com/lamouse/vkcore/internal/vkerr"
)

// CommandBufferPool is the command-buffer subclass from spec.md §4.2: one
// Vulkan command pool per growth page, primary command buffers allocated
// growStep at a time. Grounded on engine/renderer/vulkan/command_buffer.go's
// NewVulkanCommandBuffer/Free pair.
type CommandBufferPool struct {
	ctx          *vkctx.Context
	queueFamily  uint32
	vkPools      []vk.CommandPool
	buffers      []vk.CommandBuffer
	*Pool
}

// NewCommandBufferPool creates an empty pool bound to queueFamily. growStep
// command buffers are carved from a fresh vk.CommandPool each time Commit
// must grow.
func NewCommandBufferPool(ctx *vkctx.Context, tl timeline.Timeline, queueFamily uint32, growStep int) *CommandBufferPool {
	cbp := &CommandBufferPool{ctx: ctx, queueFamily: queueFamily}
	cbp.Pool = New(tl, growStep, cbp.allocate)
	return cbp
}

func (cbp *CommandBufferPool) allocate(begin, end int) {
	createInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: cbp.queueFamily,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	var vkPool vk.CommandPool
	if res := vk.CreateCommandPool(cbp.ctx.Device.LogicalDevice, &createInfo, cbp.ctx.Allocator, &vkPool); res != vk.Success {
		corelog.Error("command buffer pool page alloc: %v", vkerr.Wrap("CreateCommandPool", res))
		return
	}
	cbp.vkPools = append(cbp.vkPools, vkPool)

	count := end - begin
	allocInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        vkPool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: uint32(count),
	}
	fresh := make([]vk.CommandBuffer, count)
	if res := vk.AllocateCommandBuffers(cbp.ctx.Device.LogicalDevice, &allocInfo, fresh); res != vk.Success {
		corelog.Error("command buffer page alloc: %v", vkerr.Wrap("AllocateCommandBuffers", res))
		return
	}
	cbp.buffers = append(cbp.buffers, fresh...)
}

// CommandBuffer returns the handle for slot i, committed by a prior Commit().
func (cbp *CommandBufferPool) CommandBuffer(i int) (vk.CommandBuffer, error) {
	if i < 0 || i >= len(cbp.buffers) {
		return nil, fmt.Errorf("command buffer pool: slot %d out of range", i)
	}
	return cbp.buffers[i], nil
}

// Close destroys every command pool page; the command buffers they own go
// with them.
func (cbp *CommandBufferPool) Close() {
	for _, p := range cbp.vkPools {
		vk.DestroyCommandPool(cbp.ctx.Device.LogicalDevice, p, cbp.ctx.Allocator)
	}
	cbp.vkPools = nil
	cbp.buffers = nil
}
