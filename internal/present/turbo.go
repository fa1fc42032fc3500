package present

import (
	"fmt"
	"sync"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/lamouse/vkcore/internal/corelog"
	vkctx "github.com/lamouse/vkcore/internal/vk/context"
	"github.com/lamouse/vkcore/internal/vkerr"
)

// turboActiveWindow mirrors vk_turbo_mode.cpp's 100ms submission-recency
// check: the dummy dispatch loop keeps running as long as a real queue
// submission happened within this window, and goes idle once the caller
// stops submitting work.
const turboActiveWindow = 100 * time.Millisecond

// TurboMode runs a background dummy compute dispatch to discourage the
// driver from downclocking the GPU between frames, a supplemented feature
// (not named by spec.md's component list) grounded on
// original_source's vk_turbo_mode.cpp/hpp. Unlike the original's
// Android-only feature gate via adrenotools, this CORE only ever runs the
// dummy-dispatch branch: there is no mobile driver hook to toggle here.
type TurboMode struct {
	ctx *vkctx.Context

	buffer    vk.Buffer
	memory    vk.DeviceMemory
	setLayout vk.DescriptorSetLayout
	descPool  vk.DescriptorPool
	set       vk.DescriptorSet
	layout    vk.PipelineLayout
	pipeline  vk.Pipeline
	shader    vk.ShaderModule
	fence     vk.Fence
	cmdPool   vk.CommandPool
	cmdBuf    vk.CommandBuffer

	mu             sync.Mutex
	lastSubmission time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewTurboMode allocates the dummy workload's Vulkan resources and starts
// its background goroutine. Errors building the workload are logged and
// degrade it to a no-op; turbo mode is an optimization, never load-bearing.
func NewTurboMode(ctx *vkctx.Context) *TurboMode {
	t := &TurboMode{ctx: ctx, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	t.mu.Lock()
	t.lastSubmission = now()
	t.mu.Unlock()

	if err := t.build(); err != nil {
		corelog.Warn("turbo mode: disabled, failed to build dummy workload: %v", err)
		close(t.doneCh)
		return t
	}
	go t.run()
	return t
}

// now is a thin indirection over time.Now so this package's one call site
// of wall-clock time stays in a single, easily-stubbed spot.
func now() time.Time { return time.Now() }

func (t *TurboMode) build() error {
	const bufSize = 2 << 20 // 2 MiB, per vk_turbo_mode.cpp.
	bufInfo := vk.BufferCreateInfo{
		SType: vk.StructureTypeBufferCreateInfo, Size: bufSize,
		Usage:       vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit) | vk.BufferUsageFlags(vk.BufferUsageTransferDstBit),
		SharingMode: vk.SharingModeExclusive,
	}
	if res := vk.CreateBuffer(t.ctx.Device.LogicalDevice, &bufInfo, t.ctx.Allocator, &t.buffer); res != vk.Success {
		return fmt.Errorf("turbo buffer: %w", vkerr.Wrap("CreateBuffer", res))
	}
	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(t.ctx.Device.LogicalDevice, t.buffer, &reqs)
	reqs.Deref()
	memIdx := t.ctx.Device.FindMemoryIndex(reqs.MemoryTypeBits, uint32(vk.MemoryPropertyDeviceLocalBit))
	if memIdx < 0 {
		return fmt.Errorf("%w: no device-local memory for turbo buffer", vkerr.ErrOutOfMemory)
	}
	allocInfo := vk.MemoryAllocateInfo{SType: vk.StructureTypeMemoryAllocateInfo, AllocationSize: reqs.Size, MemoryTypeIndex: uint32(memIdx)}
	if res := vk.AllocateMemory(t.ctx.Device.LogicalDevice, &allocInfo, t.ctx.Allocator, &t.memory); res != vk.Success {
		return fmt.Errorf("turbo memory: %w", vkerr.Wrap("AllocateMemory", res))
	}
	vk.BindBufferMemory(t.ctx.Device.LogicalDevice, t.buffer, t.memory, 0)

	binding := vk.DescriptorSetLayoutBinding{Binding: 0, DescriptorType: vk.DescriptorTypeStorageBuffer, DescriptorCount: 1, StageFlags: vk.ShaderStageFlags(vk.ShaderStageComputeBit)}
	layoutInfo := vk.DescriptorSetLayoutCreateInfo{SType: vk.StructureTypeDescriptorSetLayoutCreateInfo, BindingCount: 1, PBindings: []vk.DescriptorSetLayoutBinding{binding}}
	if res := vk.CreateDescriptorSetLayout(t.ctx.Device.LogicalDevice, &layoutInfo, t.ctx.Allocator, &t.setLayout); res != vk.Success {
		return fmt.Errorf("turbo descriptor layout: %w", vkerr.Wrap("CreateDescriptorSetLayout", res))
	}
	poolSize := vk.DescriptorPoolSize{Type: vk.DescriptorTypeStorageBuffer, DescriptorCount: 1}
	poolInfo := vk.DescriptorPoolCreateInfo{SType: vk.StructureTypeDescriptorPoolCreateInfo, MaxSets: 1, PoolSizeCount: 1, PPoolSizes: []vk.DescriptorPoolSize{poolSize}}
	if res := vk.CreateDescriptorPool(t.ctx.Device.LogicalDevice, &poolInfo, t.ctx.Allocator, &t.descPool); res != vk.Success {
		return fmt.Errorf("turbo descriptor pool: %w", vkerr.Wrap("CreateDescriptorPool", res))
	}
	setAllocInfo := vk.DescriptorSetAllocateInfo{SType: vk.StructureTypeDescriptorSetAllocateInfo, DescriptorPool: t.descPool, DescriptorSetCount: 1, PSetLayouts: []vk.DescriptorSetLayout{t.setLayout}}
	sets := make([]vk.DescriptorSet, 1)
	if res := vk.AllocateDescriptorSets(t.ctx.Device.LogicalDevice, &setAllocInfo, sets); res != vk.Success {
		return fmt.Errorf("turbo descriptor set: %w", vkerr.Wrap("AllocateDescriptorSets", res))
	}
	t.set = sets[0]

	bufWrite := vk.WriteDescriptorSet{
		SType: vk.StructureTypeWriteDescriptorSet, DstSet: t.set, DstBinding: 0, DescriptorCount: 1,
		DescriptorType: vk.DescriptorTypeStorageBuffer,
		PBufferInfo:    []vk.DescriptorBufferInfo{{Buffer: t.buffer, Offset: 0, Range: vk.DeviceSize(bufSize)}},
	}
	vk.UpdateDescriptorSets(t.ctx.Device.LogicalDevice, 1, []vk.WriteDescriptorSet{bufWrite}, 0, nil)

	var err error
	if t.shader, err = loadShaderModule(t.ctx, "turbo_mode.comp"); err != nil {
		return err
	}

	pipelineLayoutInfo := vk.PipelineLayoutCreateInfo{SType: vk.StructureTypePipelineLayoutCreateInfo, SetLayoutCount: 1, PSetLayouts: []vk.DescriptorSetLayout{t.setLayout}}
	if res := vk.CreatePipelineLayout(t.ctx.Device.LogicalDevice, &pipelineLayoutInfo, t.ctx.Allocator, &t.layout); res != vk.Success {
		return fmt.Errorf("turbo pipeline layout: %w", vkerr.Wrap("CreatePipelineLayout", res))
	}
	stage := vk.PipelineShaderStageCreateInfo{SType: vk.StructureTypePipelineShaderStageCreateInfo, Stage: vk.ShaderStageComputeBit, Module: t.shader, PName: "main\x00"}
	pipelineInfo := vk.ComputePipelineCreateInfo{SType: vk.StructureTypeComputePipelineCreateInfo, Stage: stage, Layout: t.layout}
	pipelines := make([]vk.Pipeline, 1)
	if res := vk.CreateComputePipelines(t.ctx.Device.LogicalDevice, nil, 1, []vk.ComputePipelineCreateInfo{pipelineInfo}, t.ctx.Allocator, pipelines); res != vk.Success {
		return fmt.Errorf("turbo pipeline: %w", vkerr.Wrap("CreateComputePipelines", res))
	}
	t.pipeline = pipelines[0]

	fenceInfo := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	if res := vk.CreateFence(t.ctx.Device.LogicalDevice, &fenceInfo, t.ctx.Allocator, &t.fence); res != vk.Success {
		return fmt.Errorf("turbo fence: %w", vkerr.Wrap("CreateFence", res))
	}

	cmdPoolInfo := vk.CommandPoolCreateInfo{
		SType: vk.StructureTypeCommandPoolCreateInfo, QueueFamilyIndex: t.ctx.Device.GraphicsQueueIndex,
		Flags: vk.CommandPoolCreateFlags(vk.CommandPoolCreateTransientBit) | vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	if res := vk.CreateCommandPool(t.ctx.Device.LogicalDevice, &cmdPoolInfo, t.ctx.Allocator, &t.cmdPool); res != vk.Success {
		return fmt.Errorf("turbo command pool: %w", vkerr.Wrap("CreateCommandPool", res))
	}
	cmdAllocInfo := vk.CommandBufferAllocateInfo{SType: vk.StructureTypeCommandBufferAllocateInfo, CommandPool: t.cmdPool, Level: vk.CommandBufferLevelPrimary, CommandBufferCount: 1}
	cmdBufs := make([]vk.CommandBuffer, 1)
	if res := vk.AllocateCommandBuffers(t.ctx.Device.LogicalDevice, &cmdAllocInfo, cmdBufs); res != vk.Success {
		return fmt.Errorf("turbo command buffer: %w", vkerr.Wrap("AllocateCommandBuffers", res))
	}
	t.cmdBuf = cmdBufs[0]
	return nil
}

// QueueSubmitted records that a real queue submission just happened,
// keeping the dummy dispatch loop active for another turboActiveWindow.
func (t *TurboMode) QueueSubmitted() {
	t.mu.Lock()
	t.lastSubmission = now()
	t.mu.Unlock()
}

func (t *TurboMode) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return now().Sub(t.lastSubmission) <= turboActiveWindow
}

func (t *TurboMode) run() {
	defer close(t.doneCh)
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}
		if !t.active() {
			select {
			case <-t.stopCh:
				return
			case <-time.After(turboActiveWindow):
				continue
			}
		}
		if err := t.dispatchOnce(); err != nil {
			corelog.Warn("turbo mode: dispatch failed, stopping: %v", err)
			return
		}
	}
}

func (t *TurboMode) dispatchOnce() error {
	vk.ResetFences(t.ctx.Device.LogicalDevice, 1, []vk.Fence{t.fence})

	beginInfo := vk.CommandBufferBeginInfo{SType: vk.StructureTypeCommandBufferBeginInfo, Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)}
	vk.BeginCommandBuffer(t.cmdBuf, &beginInfo)
	vk.CmdFillBuffer(t.cmdBuf, t.buffer, 0, vk.WholeSize, 0)
	vk.CmdBindDescriptorSets(t.cmdBuf, vk.PipelineBindPointCompute, t.layout, 0, 1, []vk.DescriptorSet{t.set}, 0, nil)
	vk.CmdBindPipeline(t.cmdBuf, vk.PipelineBindPointCompute, t.pipeline)
	vk.CmdDispatch(t.cmdBuf, 64, 64, 1)
	vk.EndCommandBuffer(t.cmdBuf)

	submitInfo := vk.SubmitInfo{SType: vk.StructureTypeSubmitInfo, CommandBufferCount: 1, PCommandBuffers: []vk.CommandBuffer{t.cmdBuf}}
	if res := vk.QueueSubmit(t.ctx.Device.GraphicsQueue, 1, []vk.SubmitInfo{submitInfo}, t.fence); res != vk.Success {
		return fmt.Errorf("turbo submit: %w", vkerr.Wrap("QueueSubmit", res))
	}
	if res := vk.WaitForFences(t.ctx.Device.LogicalDevice, 1, []vk.Fence{t.fence}, vk.True, ^uint64(0)); res != vk.Success {
		return fmt.Errorf("turbo wait: %w", vkerr.Wrap("WaitForFences", res))
	}
	return nil
}

// Close stops the dummy-dispatch goroutine and destroys its resources.
func (t *TurboMode) Close() {
	close(t.stopCh)
	<-t.doneCh

	if t.cmdPool != nil {
		vk.DestroyCommandPool(t.ctx.Device.LogicalDevice, t.cmdPool, t.ctx.Allocator)
	}
	if t.fence != nil {
		vk.DestroyFence(t.ctx.Device.LogicalDevice, t.fence, t.ctx.Allocator)
	}
	if t.pipeline != nil {
		vk.DestroyPipeline(t.ctx.Device.LogicalDevice, t.pipeline, t.ctx.Allocator)
	}
	if t.layout != nil {
		vk.DestroyPipelineLayout(t.ctx.Device.LogicalDevice, t.layout, t.ctx.Allocator)
	}
	if t.shader != nil {
		vk.DestroyShaderModule(t.ctx.Device.LogicalDevice, t.shader, t.ctx.Allocator)
	}
	if t.descPool != nil {
		vk.DestroyDescriptorPool(t.ctx.Device.LogicalDevice, t.descPool, t.ctx.Allocator)
	}
	if t.setLayout != nil {
		vk.DestroyDescriptorSetLayout(t.ctx.Device.LogicalDevice, t.setLayout, t.ctx.Allocator)
	}
	if t.buffer != nil {
		vk.DestroyBuffer(t.ctx.Device.LogicalDevice, t.buffer, t.ctx.Allocator)
	}
	if t.memory != nil {
		vk.FreeMemory(t.ctx.Device.LogicalDevice, t.memory, t.ctx.Allocator)
	}
}
