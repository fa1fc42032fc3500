// Package pipelinecache implements spec.md §4.7: a hash-keyed graphics/
// compute pipeline cache, a transition cache for the "previously bound →
// next" hot path, disk persistence of the driver's pipeline cache blob
// with a versioned xxhash-stamped header, and asynchronous building on a
// worker pool so draws can skip a not-yet-ready pipeline rather than
// stall. Grounded on engine/renderer/vulkan/pipeline.go's create-info
// assembly (rasterizer/multisample/depth-stencil/color-blend/dynamic
// state) and original_source's pipeline_cache.cpp/hpp for the key
// structure and transition-cache idea.
package pipelinecache

import vk "github.com/goki/vulkan"

// GraphicsKey identifies a graphics pipeline by shader hashes, fixed
// function state and the render pass it targets, per spec.md's Data Model
// "Graphics pipeline" entity.
//
// DynamicFeatures records which of the device's negotiated
// VK_EXT_extended_dynamic_state3 bits this pipeline was built assuming are
// dynamic (cull mode, front face, depth test, blend equation, ...) —
// resolved per the CORE's decision to thread that subset through the key
// rather than hardcode a fixed dynamic-state list (see DESIGN.md's
// open-question log).
type GraphicsKey struct {
	VertexShaderHash   uint64
	FragmentShaderHash uint64
	GeometryShaderHash uint64 // 0 if unused

	Topology       vk.PrimitiveTopology
	Samples        vk.SampleCountFlagBits
	RenderPass     vk.RenderPass
	VertexStride   uint32
	CullMode       vk.CullModeFlagBits
	Wireframe      bool
	DepthTestEnabled bool
	DynamicFeatures DynamicFeatureSet
}

// DynamicFeatureSet is a bitset over the extended-dynamic-state-3 features
// the CORE is willing to toggle without rebuilding a pipeline, when the
// device supports them; absent support, all of these fold back into the
// GraphicsKey's static fields instead (a different key per value).
type DynamicFeatureSet uint32

const (
	DynCullMode DynamicFeatureSet = 1 << iota
	DynFrontFace
	DynDepthTestEnable
	DynDepthWriteEnable
	DynColorBlendEnable
)

// ComputeKey identifies a compute pipeline by shader hash, shared-memory
// size and workgroup size, per spec.md's Data Model "Compute pipeline"
// entity.
type ComputeKey struct {
	ShaderHash       uint64
	SharedMemorySize uint32
	WorkgroupX       uint32
	WorkgroupY       uint32
	WorkgroupZ       uint32
}
