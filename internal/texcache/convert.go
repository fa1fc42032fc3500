package texcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"

	vkctx "github.com/lamouse/vkcore/internal/vk/context"
	"github.com/lamouse/vkcore/internal/vkerr"
)

// Operation keys a full-screen blit pipeline, mirroring original_source's
// blit_image.hpp Operation enum (trimmed to the combinations the CORE's
// components actually issue: plain copy and ROP-less blend are dropped
// since nothing in this repo composites with a raster op). BlitPipeline
// builds the same color-blit fragment shader for every Operation; the
// value only separates cache entries.
type Operation uint32

const (
	OpSrcCopy Operation = iota
	OpBlend
)

// colorKey and depthKey identify a cached full-screen pipeline by the
// render pass it targets, mirroring BlitImagePipelineKey /
// BlitDepthStencilPipelineKey from blit_image.hpp.
type colorKey struct {
	op         Operation
	renderPass vk.RenderPass
}

type convertKind uint32

const (
	convertD32ToR32 convertKind = iota
	convertR32ToD32
	convertD16ToR16
	convertR16ToD16
	convertABGR8ToD24S8
	convertABGR8ToD32F
	convertD32FToABGR8
	convertD24S8ToABGR8
	convertS8D24ToABGR8
)

type convertKey struct {
	kind       convertKind
	renderPass vk.RenderPass
}

// ConvertPipelines builds and caches the full-screen-triangle graphics
// pipelines used for blitting between color attachments and for
// reinterpreting a depth/stencil image as a color one (and back), per
// spec.md §4.8's texture format-conversion requirement. Grounded on
// original_source's blit_image.cpp/hpp, adapted from its per-operation
// FindOrEmplace*Pipeline methods into Go maps guarded by a mutex instead
// of parallel key/value vectors.
type ConvertPipelines struct {
	ctx *vkctx.Context

	oneTextureLayout vk.DescriptorSetLayout
	pipelineLayout   vk.PipelineLayout

	fullScreenVert     vk.ShaderModule
	blitColorFrag      vk.ShaderModule
	convertD32ToR32Frag   vk.ShaderModule
	convertR32ToD32Frag   vk.ShaderModule
	convertABGR8ToD32FFrag vk.ShaderModule
	convertD32FToABGR8Frag vk.ShaderModule
	convertS8D24ToABGR8Frag vk.ShaderModule

	linearSampler  vk.Sampler
	nearestSampler vk.Sampler

	mu             sync.Mutex
	colorPipelines map[colorKey]vk.Pipeline
	convertPipelines map[convertKey]vk.Pipeline

	shaderDir string
	// initErr is set when shader modules failed to load at construction
	// time (e.g. a stripped asset bundle); Blit/Convert calls return it
	// instead of dereferencing a nil shader module.
	initErr error
}

func NewConvertPipelines(ctx *vkctx.Context) *ConvertPipelines {
	c := &ConvertPipelines{
		ctx:              ctx,
		colorPipelines:   make(map[colorKey]vk.Pipeline),
		convertPipelines: make(map[convertKey]vk.Pipeline),
		shaderDir:        "assets/shaders",
	}
	if err := c.init(); err != nil {
		// Mirrors the teacher's "log and carry on with a degraded
		// capability" posture for optional subsystems; blit/convert
		// calls on a zero-value ConvertPipelines fail loudly instead
		// of panicking on a nil pipeline.
		c.initErr = err
	}
	return c
}

func (c *ConvertPipelines) init() error {
	var err error
	if c.fullScreenVert, err = c.loadShaderModule("full_screen.vert"); err != nil {
		return err
	}
	if c.blitColorFrag, err = c.loadShaderModule("blit_color.frag"); err != nil {
		return err
	}
	if c.convertD32ToR32Frag, err = c.loadShaderModule("convert_depth_to_float.frag"); err != nil {
		return err
	}
	if c.convertR32ToD32Frag, err = c.loadShaderModule("convert_float_to_depth.frag"); err != nil {
		return err
	}
	if c.convertABGR8ToD32FFrag, err = c.loadShaderModule("convert_abgr8_to_d32f.frag"); err != nil {
		return err
	}
	if c.convertD32FToABGR8Frag, err = c.loadShaderModule("convert_d32f_to_abgr8.frag"); err != nil {
		return err
	}
	if c.convertS8D24ToABGR8Frag, err = c.loadShaderModule("convert_s8d24_to_abgr8.frag"); err != nil {
		return err
	}

	if err = c.createDescriptorLayout(); err != nil {
		return err
	}
	if err = c.createSamplers(); err != nil {
		return err
	}
	return nil
}

func (c *ConvertPipelines) loadShaderModule(name string) (vk.ShaderModule, error) {
	path := filepath.Join(c.shaderDir, name+".spv")
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("texcache convert: read shader %s: %w", path, err)
	}
	createInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code)),
		PCode:    (*uint32)(unsafe.Pointer(&code[0])),
	}
	var module vk.ShaderModule
	if res := vk.CreateShaderModule(c.ctx.Device.LogicalDevice, &createInfo, c.ctx.Allocator, &module); res != vk.Success {
		return nil, fmt.Errorf("texcache convert: create shader module %s: %w", name, vkerr.Wrap("CreateShaderModule", res))
	}
	return module, nil
}

func (c *ConvertPipelines) createDescriptorLayout() error {
	binding := vk.DescriptorSetLayoutBinding{
		Binding:         0,
		DescriptorType:  vk.DescriptorTypeCombinedImageSampler,
		DescriptorCount: 1,
		StageFlags:      vk.ShaderStageFlags(vk.ShaderStageFragmentBit),
	}
	createInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: 1,
		PBindings:    []vk.DescriptorSetLayoutBinding{binding},
	}
	if res := vk.CreateDescriptorSetLayout(c.ctx.Device.LogicalDevice, &createInfo, c.ctx.Allocator, &c.oneTextureLayout); res != vk.Success {
		return fmt.Errorf("texcache convert: descriptor set layout: %w", vkerr.Wrap("CreateDescriptorSetLayout", res))
	}

	layoutInfo := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: 1,
		PSetLayouts:    []vk.DescriptorSetLayout{c.oneTextureLayout},
	}
	if res := vk.CreatePipelineLayout(c.ctx.Device.LogicalDevice, &layoutInfo, c.ctx.Allocator, &c.pipelineLayout); res != vk.Success {
		return fmt.Errorf("texcache convert: pipeline layout: %w", vkerr.Wrap("CreatePipelineLayout", res))
	}
	return nil
}

func (c *ConvertPipelines) createSamplers() error {
	linear := vk.SamplerCreateInfo{
		SType:     vk.StructureTypeSamplerCreateInfo,
		MagFilter: vk.FilterLinear,
		MinFilter: vk.FilterLinear,
		MaxLod:    vk.LodClampNone,
	}
	if res := vk.CreateSampler(c.ctx.Device.LogicalDevice, &linear, c.ctx.Allocator, &c.linearSampler); res != vk.Success {
		return fmt.Errorf("texcache convert: linear sampler: %w", vkerr.Wrap("CreateSampler", res))
	}
	nearest := vk.SamplerCreateInfo{
		SType:     vk.StructureTypeSamplerCreateInfo,
		MagFilter: vk.FilterNearest,
		MinFilter: vk.FilterNearest,
		MaxLod:    vk.LodClampNone,
	}
	if res := vk.CreateSampler(c.ctx.Device.LogicalDevice, &nearest, c.ctx.Allocator, &c.nearestSampler); res != vk.Success {
		return fmt.Errorf("texcache convert: nearest sampler: %w", vkerr.Wrap("CreateSampler", res))
	}
	return nil
}

// fullScreenPipeline builds a single-subpass, no-vertex-input graphics
// pipeline drawing a 3-vertex full-screen triangle (expanded in
// full_screen.vert from gl_VertexIndex, so no vertex buffer is bound),
// mirroring ConvertPipelineEx in blit_image.cpp.
func (c *ConvertPipelines) fullScreenPipeline(frag vk.ShaderModule, renderPass vk.RenderPass) (vk.Pipeline, error) {
	stages := []vk.PipelineShaderStageCreateInfo{
		{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageVertexBit,
			Module: c.fullScreenVert,
			PName:  "main\x00",
		},
		{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageFragmentBit,
			Module: frag,
			PName:  "main\x00",
		},
	}

	vertexInput := vk.PipelineVertexInputStateCreateInfo{SType: vk.StructureTypePipelineVertexInputStateCreateInfo}
	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology: vk.PrimitiveTopologyTriangleList,
	}
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}
	rasterizer := vk.PipelineRasterizationStateCreateInfo{
		SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
		PolygonMode: vk.PolygonModeFill,
		CullMode:    vk.CullModeFlags(vk.CullModeNone),
		FrontFace:   vk.FrontFaceCounterClockwise,
		LineWidth:   1.0,
	}
	multisample := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: vk.SampleCount1Bit,
	}
	colorBlendAttachment := vk.PipelineColorBlendAttachmentState{
		ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit | vk.ColorComponentGBit | vk.ColorComponentBBit | vk.ColorComponentABit),
	}
	colorBlend := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		AttachmentCount: 1,
		PAttachments:    []vk.PipelineColorBlendAttachmentState{colorBlendAttachment},
	}
	dynamicStates := []vk.DynamicState{vk.DynamicStateViewport, vk.DynamicStateScissor}
	dynamicState := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	createInfo := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertexInput,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizer,
		PMultisampleState:   &multisample,
		PColorBlendState:    &colorBlend,
		PDynamicState:       &dynamicState,
		Layout:              c.pipelineLayout,
		RenderPass:          renderPass,
	}

	pipelines := make([]vk.Pipeline, 1)
	if res := vk.CreateGraphicsPipelines(c.ctx.Device.LogicalDevice, nil, 1, []vk.GraphicsPipelineCreateInfo{createInfo}, c.ctx.Allocator, pipelines); res != vk.Success {
		return nil, fmt.Errorf("texcache convert: build pipeline: %w", vkerr.Wrap("CreateGraphicsPipelines", res))
	}
	return pipelines[0], nil
}

// BlitPipeline returns the cached full-screen blit pipeline for op
// targeting renderPass, building it on first use.
func (c *ConvertPipelines) BlitPipeline(op Operation, renderPass vk.RenderPass) (vk.Pipeline, error) {
	if c.initErr != nil {
		return nil, fmt.Errorf("texcache convert: unavailable: %w", c.initErr)
	}
	key := colorKey{op, renderPass}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.colorPipelines[key]; ok {
		return p, nil
	}
	p, err := c.fullScreenPipeline(c.blitColorFrag, renderPass)
	if err != nil {
		return nil, err
	}
	c.colorPipelines[key] = p
	return p, nil
}

// ConvertPipeline returns the cached depth<->color reinterpret pipeline
// for kind targeting renderPass, building it on first use. Mirrors the
// convert_*_pipeline fields in blit_image.hpp, generalized into one map
// keyed by convertKind instead of one struct field per conversion.
func (c *ConvertPipelines) ConvertPipeline(kind convertKind, renderPass vk.RenderPass) (vk.Pipeline, error) {
	if c.initErr != nil {
		return nil, fmt.Errorf("texcache convert: unavailable: %w", c.initErr)
	}
	key := convertKey{kind, renderPass}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.convertPipelines[key]; ok {
		return p, nil
	}

	var frag vk.ShaderModule
	switch kind {
	case convertD32ToR32, convertD16ToR16:
		frag = c.convertD32ToR32Frag
	case convertR32ToD32, convertR16ToD16:
		frag = c.convertR32ToD32Frag
	case convertABGR8ToD24S8, convertABGR8ToD32F:
		frag = c.convertABGR8ToD32FFrag
	case convertD32FToABGR8, convertD24S8ToABGR8:
		frag = c.convertD32FToABGR8Frag
	case convertS8D24ToABGR8:
		frag = c.convertS8D24ToABGR8Frag
	default:
		return nil, fmt.Errorf("texcache convert: unknown conversion kind %d", kind)
	}

	p, err := c.fullScreenPipeline(frag, renderPass)
	if err != nil {
		return nil, err
	}
	c.convertPipelines[key] = p
	return p, nil
}

func (c *ConvertPipelines) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev := c.ctx.Device.LogicalDevice
	for _, p := range c.colorPipelines {
		vk.DestroyPipeline(dev, p, c.ctx.Allocator)
	}
	for _, p := range c.convertPipelines {
		vk.DestroyPipeline(dev, p, c.ctx.Allocator)
	}
	for _, m := range []vk.ShaderModule{
		c.fullScreenVert, c.blitColorFrag, c.convertD32ToR32Frag,
		c.convertR32ToD32Frag, c.convertABGR8ToD32FFrag, c.convertD32FToABGR8Frag,
		c.convertS8D24ToABGR8Frag,
	} {
		if m != nil {
			vk.DestroyShaderModule(dev, m, c.ctx.Allocator)
		}
	}
	if c.oneTextureLayout != nil {
		vk.DestroyDescriptorSetLayout(dev, c.oneTextureLayout, c.ctx.Allocator)
	}
	if c.pipelineLayout != nil {
		vk.DestroyPipelineLayout(dev, c.pipelineLayout, c.ctx.Allocator)
	}
	if c.linearSampler != nil {
		vk.DestroySampler(dev, c.linearSampler, c.ctx.Allocator)
	}
	if c.nearestSampler != nil {
		vk.DestroySampler(dev, c.nearestSampler, c.ctx.Allocator)
	}
}
