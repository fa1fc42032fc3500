package buffercache

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/lamouse/vkcore/internal/vk/descriptor"
	vkctx "github.com/lamouse/vkcore/internal/vk/context"
	"github.com/lamouse/vkcore/internal/vk/scheduler"
	"github.com/lamouse/vkcore/internal/vkerr"
)

const dispatchSize = 1024

// computePass loads a compute shader module, its pipeline and a
// two-storage-buffer descriptor set layout, mirroring ComputePass's
// constructor in compute_pass.cpp/hpp (its INPUT_OUTPUT_DESCRIPTOR_SET_
// BINDINGS / INPUT_OUTPUT_BANK_INFO constants, generalized here to a
// literal two-binding layout since every user of computePass in this
// repo is a single-input/single-output buffer expansion).
type computePass struct {
	ctx       *vkctx.Context
	setLayout vk.DescriptorSetLayout
	layout    vk.PipelineLayout
	pipeline  vk.Pipeline
	module    vk.ShaderModule
	allocator *descriptor.Allocator
	updates   *descriptor.UpdateQueue
}

func newComputePass(ctx *vkctx.Context, descPool *descriptor.Pool, shaderPath string, pushConstBytes uint32) (*computePass, error) {
	code, err := os.ReadFile(shaderPath)
	if err != nil {
		return nil, fmt.Errorf("buffercache compute pass: read %s: %w", shaderPath, err)
	}
	moduleInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code)),
		PCode:    (*uint32)(unsafe.Pointer(&code[0])),
	}
	var module vk.ShaderModule
	if res := vk.CreateShaderModule(ctx.Device.LogicalDevice, &moduleInfo, ctx.Allocator, &module); res != vk.Success {
		return nil, fmt.Errorf("buffercache compute pass: create shader module: %w", vkerr.Wrap("CreateShaderModule", res))
	}

	bindings := []vk.DescriptorSetLayoutBinding{
		{Binding: 0, DescriptorType: vk.DescriptorTypeStorageBuffer, DescriptorCount: 1, StageFlags: vk.ShaderStageFlags(vk.ShaderStageComputeBit)},
		{Binding: 1, DescriptorType: vk.DescriptorTypeStorageBuffer, DescriptorCount: 1, StageFlags: vk.ShaderStageFlags(vk.ShaderStageComputeBit)},
	}
	setLayoutInfo := vk.DescriptorSetLayoutCreateInfo{SType: vk.StructureTypeDescriptorSetLayoutCreateInfo, BindingCount: uint32(len(bindings)), PBindings: bindings}
	var setLayout vk.DescriptorSetLayout
	if res := vk.CreateDescriptorSetLayout(ctx.Device.LogicalDevice, &setLayoutInfo, ctx.Allocator, &setLayout); res != vk.Success {
		vk.DestroyShaderModule(ctx.Device.LogicalDevice, module, ctx.Allocator)
		return nil, fmt.Errorf("buffercache compute pass: descriptor set layout: %w", vkerr.Wrap("CreateDescriptorSetLayout", res))
	}

	layoutInfo := vk.PipelineLayoutCreateInfo{SType: vk.StructureTypePipelineLayoutCreateInfo, SetLayoutCount: 1, PSetLayouts: []vk.DescriptorSetLayout{setLayout}}
	if pushConstBytes > 0 {
		layoutInfo.PushConstantRangeCount = 1
		layoutInfo.PPushConstantRanges = []vk.PushConstantRange{{StageFlags: vk.ShaderStageFlags(vk.ShaderStageComputeBit), Offset: 0, Size: pushConstBytes}}
	}
	var layout vk.PipelineLayout
	if res := vk.CreatePipelineLayout(ctx.Device.LogicalDevice, &layoutInfo, ctx.Allocator, &layout); res != vk.Success {
		vk.DestroyDescriptorSetLayout(ctx.Device.LogicalDevice, setLayout, ctx.Allocator)
		vk.DestroyShaderModule(ctx.Device.LogicalDevice, module, ctx.Allocator)
		return nil, fmt.Errorf("buffercache compute pass: pipeline layout: %w", vkerr.Wrap("CreatePipelineLayout", res))
	}

	stageInfo := vk.PipelineShaderStageCreateInfo{
		SType:  vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:  vk.ShaderStageComputeBit,
		Module: module,
		PName:  "main\x00",
	}
	pipelineInfo := vk.ComputePipelineCreateInfo{
		SType:  vk.StructureTypeComputePipelineCreateInfo,
		Stage:  stageInfo,
		Layout: layout,
	}
	pipelines := make([]vk.Pipeline, 1)
	if res := vk.CreateComputePipelines(ctx.Device.LogicalDevice, nil, 1, []vk.ComputePipelineCreateInfo{pipelineInfo}, ctx.Allocator, pipelines); res != vk.Success {
		vk.DestroyPipelineLayout(ctx.Device.LogicalDevice, layout, ctx.Allocator)
		vk.DestroyDescriptorSetLayout(ctx.Device.LogicalDevice, setLayout, ctx.Allocator)
		vk.DestroyShaderModule(ctx.Device.LogicalDevice, module, ctx.Allocator)
		return nil, fmt.Errorf("buffercache compute pass: build pipeline: %w", vkerr.Wrap("CreateComputePipelines", res))
	}

	bankReq := descriptor.BankInfo{StorageBuffers: 2}
	return &computePass{
		ctx:       ctx,
		setLayout: setLayout,
		layout:    layout,
		pipeline:  pipelines[0],
		module:    module,
		allocator: descPool.Allocator(setLayout, bankReq),
		updates:   descriptor.NewUpdateQueue(ctx, 1),
	}, nil
}

// bindInputOutput commits a descriptor set binding src as binding 0 and
// dst as binding 1 (both storage buffers), then binds it for cmdBuf,
// mirroring compute_pass.cpp's AddBuffer/UpdateData/UpdateDescriptorSet/
// bindDescriptorSets sequence.
func (p *computePass) bindInputOutput(cmdBuf vk.CommandBuffer, src vk.Buffer, srcOffset, srcSize uint64, dst vk.Buffer, dstSize uint64) error {
	set, err := p.allocator.Commit()
	if err != nil {
		return fmt.Errorf("buffercache compute pass: commit descriptor set: %w", err)
	}
	p.updates.WriteBuffer(set, 0, vk.DescriptorTypeStorageBuffer, vk.DescriptorBufferInfo{Buffer: src, Offset: vk.DeviceSize(srcOffset), Range: vk.DeviceSize(srcSize)})
	p.updates.WriteBuffer(set, 1, vk.DescriptorTypeStorageBuffer, vk.DescriptorBufferInfo{Buffer: dst, Offset: 0, Range: vk.DeviceSize(dstSize)})
	p.updates.Flush()

	vk.CmdBindPipeline(cmdBuf, vk.PipelineBindPointCompute, p.pipeline)
	vk.CmdBindDescriptorSets(cmdBuf, vk.PipelineBindPointCompute, p.layout, 0, 1, []vk.DescriptorSet{set}, 0, nil)
	return nil
}

func (p *computePass) close() {
	if p == nil {
		return
	}
	dev := p.ctx.Device.LogicalDevice
	if p.pipeline != nil {
		vk.DestroyPipeline(dev, p.pipeline, p.ctx.Allocator)
	}
	if p.layout != nil {
		vk.DestroyPipelineLayout(dev, p.layout, p.ctx.Allocator)
	}
	if p.setLayout != nil {
		vk.DestroyDescriptorSetLayout(dev, p.setLayout, p.ctx.Allocator)
	}
	if p.module != nil {
		vk.DestroyShaderModule(dev, p.module, p.ctx.Allocator)
	}
}

// QuadIndexPass expands a quad vertex count into a cached triangle-list
// index buffer (6 indices per quad), regenerating it whenever a larger
// vertex count is requested. Mirrors QuadIndexedPass::Assemble in
// compute_pass.cpp, trimmed to the common "index-free quad expansion"
// case (non-strip, no base_vertex/index-format parameterization) since
// the core only ever draws quads as an implicit 0..N vertex stream.
type QuadIndexPass struct {
	cache *Cache
	pass  *computePass

	mu          sync.Mutex
	current     BufferId
	haveCurrent bool
	quadCount   uint32
}

func newQuadIndexPass(c *Cache, descPool *descriptor.Pool) *QuadIndexPass {
	pass, err := newComputePass(c.ctx, descPool, "assets/shaders/quad_indexed.comp.spv", 4*3)
	if err != nil {
		return &QuadIndexPass{cache: c}
	}
	return &QuadIndexPass{cache: c, pass: pass}
}

// get returns a cached index buffer covering at least vertexCount/4 quads
// (6 indices per quad), expanding it via dispatch when it needs to grow.
func (q *QuadIndexPass) get(vertexCount uint32) (BufferId, uint32, error) {
	if q.pass == nil {
		return 0, 0, fmt.Errorf("buffercache: quad index pass unavailable (shader not loaded)")
	}
	numQuads := vertexCount / 4
	numTriVertices := numQuads * 6

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.haveCurrent && q.quadCount >= numQuads {
		return q.current, numTriVertices, nil
	}

	id, err := q.cache.Create(uint64(numTriVertices)*4, KindIndex)
	if err != nil {
		return 0, 0, err
	}
	buf, err := q.cache.get(id)
	if err != nil {
		return 0, 0, err
	}
	dst := buf.Handle
	dstSize := buf.Size

	q.cache.sched.RequestOutsideRenderPass()
	q.cache.sched.Record(func(cmdBuf, _ vk.CommandBuffer) {
		// The implicit quad vertex stream has no backing source buffer;
		// binding 0 reuses the destination as a placeholder range so the
		// shader's index_shift/is_strip/base_vertex push constants alone
		// drive generation from gl_GlobalInvocationID.
		if err := q.pass.bindInputOutput(cmdBuf, dst, 0, dstSize, dst, dstSize); err != nil {
			return
		}
		pushConstants := [3]uint32{0, 2, 0} // base_vertex=0, index_shift=2 (u32 indices), is_strip=false
		vk.CmdPushConstants(cmdBuf, q.pass.layout, vk.ShaderStageFlags(vk.ShaderStageComputeBit), 0, 12, unsafe.Pointer(&pushConstants[0]))
		groups := (numTriVertices + dispatchSize - 1) / dispatchSize
		vk.CmdDispatch(cmdBuf, groups, 1, 1)
		barrier := vk.MemoryBarrier{
			SType:         vk.StructureTypeMemoryBarrier,
			SrcAccessMask: vk.AccessFlags(vk.AccessShaderWriteBit),
			DstAccessMask: vk.AccessFlags(vk.AccessIndexReadBit),
		}
		vk.CmdPipelineBarrier(cmdBuf, vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit), vk.PipelineStageFlags(vk.PipelineStageVertexInputBit), 0, 1, []vk.MemoryBarrier{barrier}, 0, nil, 0, nil)
	})

	if q.haveCurrent {
		_ = q.cache.Destroy(q.current)
	}
	q.current = id
	q.haveCurrent = true
	q.quadCount = numQuads
	return id, numTriVertices, nil
}

func (q *QuadIndexPass) close() {
	if q.haveCurrent {
		_ = q.cache.Destroy(q.current)
	}
	q.pass.close()
}

// Uint8Pass expands an 8-bit index buffer into a 16-bit one on the GPU,
// since Vulkan draws have no native byte-index format. Mirrors
// Uint8Pass::Assemble in compute_pass.cpp.
type Uint8Pass struct {
	ctx  *vkctx.Context
	pass *computePass
}

func newUint8Pass(ctx *vkctx.Context, descPool *descriptor.Pool) *Uint8Pass {
	pass, err := newComputePass(ctx, descPool, "assets/shaders/uint8.comp.spv", 0)
	if err != nil {
		return &Uint8Pass{ctx: ctx}
	}
	return &Uint8Pass{ctx: ctx, pass: pass}
}

func (p *Uint8Pass) expand(sched *scheduler.Scheduler, src vk.Buffer, srcOffset uint64, numIndices uint32, dst vk.Buffer, dstSize uint64) error {
	if p.pass == nil {
		return fmt.Errorf("buffercache: uint8 expansion pass unavailable (shader not loaded)")
	}
	sched.RequestOutsideRenderPass()
	sched.Record(func(cmdBuf, _ vk.CommandBuffer) {
		if err := p.pass.bindInputOutput(cmdBuf, src, srcOffset, uint64(numIndices), dst, dstSize); err != nil {
			return
		}
		groups := (numIndices + dispatchSize - 1) / dispatchSize
		vk.CmdDispatch(cmdBuf, groups, 1, 1)
		barrier := vk.MemoryBarrier{
			SType:         vk.StructureTypeMemoryBarrier,
			SrcAccessMask: vk.AccessFlags(vk.AccessShaderWriteBit),
			DstAccessMask: vk.AccessFlags(vk.AccessVertexAttributeReadBit),
		}
		vk.CmdPipelineBarrier(cmdBuf, vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit), vk.PipelineStageFlags(vk.PipelineStageVertexInputBit), 0, 1, []vk.MemoryBarrier{barrier}, 0, nil, 0, nil)
	})
	return nil
}

func (p *Uint8Pass) close() {
	p.pass.close()
}
