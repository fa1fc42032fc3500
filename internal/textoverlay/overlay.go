package textoverlay

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/lamouse/vkcore/internal/buffercache"
	vkctx "github.com/lamouse/vkcore/internal/vk/context"
	"github.com/lamouse/vkcore/internal/vk/descriptor"
	"github.com/lamouse/vkcore/internal/vk/formats"
	"github.com/lamouse/vkcore/internal/vk/scheduler"
	"github.com/lamouse/vkcore/internal/vk/staging"
	"github.com/lamouse/vkcore/internal/vkerr"
)

// vertex is one corner of a glyph quad: NDC position plus atlas uv.
type vertex struct {
	X, Y, U, V float32
}

const vertexSize = 16 // sizeof(vertex), 4 float32.

// Overlay draws a loaded Font's glyphs as screen-space quads into the
// window-adapt pass's target, mirroring spec.md §6's render_debug option.
// Unlike BlitScreen's vertex-less full-screen rectangle, each glyph needs
// its own atlas sub-rectangle, so this builds a real per-frame vertex
// buffer through internal/buffercache instead of a push-constant rect.
type Overlay struct {
	ctx     *vkctx.Context
	sched   *scheduler.Scheduler
	buffers *buffercache.Cache
	descs   *descriptor.Pool
	font    *Font

	atlasImage  vk.Image
	atlasMemory vk.DeviceMemory
	atlasView   vk.ImageView
	sampler     vk.Sampler

	setLayout      vk.DescriptorSetLayout
	pipelineLayout vk.PipelineLayout
	vert, frag     vk.ShaderModule

	mu         sync.Mutex
	pipelines  map[vk.RenderPass]vk.Pipeline
	vertexBuf  buffercache.BufferId
	vertexCap  uint64
	haveBuffer bool
}

// New builds the overlay's atlas texture, descriptor/pipeline layout and
// sampler, and schedules the atlas upload. font is drawn with no runtime
// reload; callers needing a different face construct a new Overlay.
func New(ctx *vkctx.Context, sched *scheduler.Scheduler, uploads *staging.Pool, buffers *buffercache.Cache, descPool *descriptor.Pool, font *Font) (*Overlay, error) {
	o := &Overlay{
		ctx: ctx, sched: sched, buffers: buffers, descs: descPool, font: font,
		pipelines: make(map[vk.RenderPass]vk.Pipeline),
	}
	if err := o.buildAtlas(); err != nil {
		return nil, err
	}
	if err := o.uploadAtlas(uploads); err != nil {
		return nil, err
	}
	if err := o.buildLayouts(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Overlay) buildAtlas() error {
	f := o.font
	createInfo := vk.ImageCreateInfo{
		SType: vk.StructureTypeImageCreateInfo, ImageType: vk.ImageType2d,
		Format:      formats.ToVk(formats.R8Unorm),
		Extent:      vk.Extent3D{Width: uint32(f.AtlasWidth), Height: uint32(f.AtlasHeight), Depth: 1},
		MipLevels:   1,
		ArrayLayers: 1,
		Samples:     vk.SampleCount1Bit,
		Tiling:      vk.ImageTilingOptimal,
		Usage:       vk.ImageUsageFlags(vk.ImageUsageSampledBit) | vk.ImageUsageFlags(vk.ImageUsageTransferDstBit),
		SharingMode: vk.SharingModeExclusive,
	}
	if res := vk.CreateImage(o.ctx.Device.LogicalDevice, &createInfo, o.ctx.Allocator, &o.atlasImage); res != vk.Success {
		return fmt.Errorf("textoverlay atlas image: %w", vkerr.Wrap("CreateImage", res))
	}
	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(o.ctx.Device.LogicalDevice, o.atlasImage, &reqs)
	reqs.Deref()
	memIdx := o.ctx.Device.FindMemoryIndex(reqs.MemoryTypeBits, uint32(vk.MemoryPropertyDeviceLocalBit))
	if memIdx < 0 {
		return fmt.Errorf("%w: no device-local memory for font atlas", vkerr.ErrOutOfMemory)
	}
	allocInfo := vk.MemoryAllocateInfo{SType: vk.StructureTypeMemoryAllocateInfo, AllocationSize: reqs.Size, MemoryTypeIndex: uint32(memIdx)}
	if res := vk.AllocateMemory(o.ctx.Device.LogicalDevice, &allocInfo, o.ctx.Allocator, &o.atlasMemory); res != vk.Success {
		return fmt.Errorf("textoverlay atlas memory: %w", vkerr.Wrap("AllocateMemory", res))
	}
	vk.BindImageMemory(o.ctx.Device.LogicalDevice, o.atlasImage, o.atlasMemory, 0)

	viewInfo := vk.ImageViewCreateInfo{
		SType: vk.StructureTypeImageViewCreateInfo, Image: o.atlasImage, ViewType: vk.ImageViewType2d,
		Format: formats.ToVk(formats.R8Unorm),
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit), LevelCount: 1, LayerCount: 1,
		},
	}
	if res := vk.CreateImageView(o.ctx.Device.LogicalDevice, &viewInfo, o.ctx.Allocator, &o.atlasView); res != vk.Success {
		return fmt.Errorf("textoverlay atlas view: %w", vkerr.Wrap("CreateImageView", res))
	}

	samplerInfo := vk.SamplerCreateInfo{
		SType: vk.StructureTypeSamplerCreateInfo, MagFilter: vk.FilterLinear, MinFilter: vk.FilterLinear,
		AddressModeU: vk.SamplerAddressModeClampToEdge, AddressModeV: vk.SamplerAddressModeClampToEdge, AddressModeW: vk.SamplerAddressModeClampToEdge,
		MaxLod: 1,
	}
	if res := vk.CreateSampler(o.ctx.Device.LogicalDevice, &samplerInfo, o.ctx.Allocator, &o.sampler); res != vk.Success {
		return fmt.Errorf("textoverlay sampler: %w", vkerr.Wrap("CreateSampler", res))
	}
	return nil
}

// uploadAtlas copies the decoded coverage bytes into a staging ref and
// records the layout-transition/copy/transition triple on the scheduler,
// mirroring the teacher's texture upload shape generalized in
// internal/texcache.
func (o *Overlay) uploadAtlas(uploads *staging.Pool) error {
	data := o.font.AtlasAlpha
	ref, err := uploads.Request(len(data), false)
	if err != nil {
		return fmt.Errorf("textoverlay atlas upload: %w", err)
	}
	copy(ref.MappedSpan, data)

	image := o.atlasImage
	srcBuf := ref.Buffer
	srcOffset := ref.Offset
	width, height := uint32(o.font.AtlasWidth), uint32(o.font.AtlasHeight)

	o.sched.RecordWithUploadBuf(func(_, uploadCmd vk.CommandBuffer) {
		toDst := vk.ImageMemoryBarrier{
			SType: vk.StructureTypeImageMemoryBarrier, DstAccessMask: vk.AccessFlags(vk.AccessTransferWriteBit),
			OldLayout: vk.ImageLayoutUndefined, NewLayout: vk.ImageLayoutTransferDstOptimal,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored, DstQueueFamilyIndex: vk.QueueFamilyIgnored, Image: image,
			SubresourceRange: vk.ImageSubresourceRange{AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit), LevelCount: 1, LayerCount: 1},
		}
		vk.CmdPipelineBarrier(uploadCmd, vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit), vk.PipelineStageFlags(vk.PipelineStageTransferBit), 0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{toDst})

		region := vk.BufferImageCopy{
			BufferOffset:     vk.DeviceSize(srcOffset),
			ImageSubresource: vk.ImageSubresourceLayers{AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit), LayerCount: 1},
			ImageExtent:      vk.Extent3D{Width: width, Height: height, Depth: 1},
		}
		vk.CmdCopyBufferToImage(uploadCmd, srcBuf, image, vk.ImageLayoutTransferDstOptimal, 1, []vk.BufferImageCopy{region})

		toRead := vk.ImageMemoryBarrier{
			SType: vk.StructureTypeImageMemoryBarrier, SrcAccessMask: vk.AccessFlags(vk.AccessTransferWriteBit), DstAccessMask: vk.AccessFlags(vk.AccessShaderReadBit),
			OldLayout: vk.ImageLayoutTransferDstOptimal, NewLayout: vk.ImageLayoutShaderReadOnlyOptimal,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored, DstQueueFamilyIndex: vk.QueueFamilyIgnored, Image: image,
			SubresourceRange: vk.ImageSubresourceRange{AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit), LevelCount: 1, LayerCount: 1},
		}
		vk.CmdPipelineBarrier(uploadCmd, vk.PipelineStageFlags(vk.PipelineStageTransferBit), vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit), 0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{toRead})
	})
	return nil
}

func (o *Overlay) buildLayouts() error {
	var err error
	if o.vert, err = loadShaderModule(o.ctx, "text_overlay.vert"); err != nil {
		return err
	}
	if o.frag, err = loadShaderModule(o.ctx, "text_overlay.frag"); err != nil {
		return err
	}

	binding := vk.DescriptorSetLayoutBinding{Binding: 0, DescriptorType: vk.DescriptorTypeCombinedImageSampler, DescriptorCount: 1, StageFlags: vk.ShaderStageFlags(vk.ShaderStageFragmentBit)}
	layoutInfo := vk.DescriptorSetLayoutCreateInfo{SType: vk.StructureTypeDescriptorSetLayoutCreateInfo, BindingCount: 1, PBindings: []vk.DescriptorSetLayoutBinding{binding}}
	if res := vk.CreateDescriptorSetLayout(o.ctx.Device.LogicalDevice, &layoutInfo, o.ctx.Allocator, &o.setLayout); res != vk.Success {
		return fmt.Errorf("textoverlay descriptor layout: %w", vkerr.Wrap("CreateDescriptorSetLayout", res))
	}
	colorPushConstant := vk.PushConstantRange{StageFlags: vk.ShaderStageFlags(vk.ShaderStageFragmentBit), Offset: 0, Size: 16}
	pipelineLayoutInfo := vk.PipelineLayoutCreateInfo{
		SType: vk.StructureTypePipelineLayoutCreateInfo, SetLayoutCount: 1, PSetLayouts: []vk.DescriptorSetLayout{o.setLayout},
		PushConstantRangeCount: 1, PPushConstantRanges: []vk.PushConstantRange{colorPushConstant},
	}
	if res := vk.CreatePipelineLayout(o.ctx.Device.LogicalDevice, &pipelineLayoutInfo, o.ctx.Allocator, &o.pipelineLayout); res != vk.Success {
		return fmt.Errorf("textoverlay pipeline layout: %w", vkerr.Wrap("CreatePipelineLayout", res))
	}
	return nil
}

func loadShaderModule(ctx *vkctx.Context, name string) (vk.ShaderModule, error) {
	code, err := os.ReadFile(fmt.Sprintf("assets/shaders/%s.spv", name))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vkerr.ErrShaderCompile, err)
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = uint32(code[4*i]) | uint32(code[4*i+1])<<8 | uint32(code[4*i+2])<<16 | uint32(code[4*i+3])<<24
	}
	createInfo := vk.ShaderModuleCreateInfo{SType: vk.StructureTypeShaderModuleCreateInfo, CodeSize: uint(len(code)), PCode: words}
	var mod vk.ShaderModule
	if res := vk.CreateShaderModule(ctx.Device.LogicalDevice, &createInfo, ctx.Allocator, &mod); res != vk.Success {
		return nil, fmt.Errorf("%w: %s", vkerr.ErrShaderCompile, vkerr.Wrap("CreateShaderModule", res))
	}
	return mod, nil
}

func (o *Overlay) pipelineFor(renderPass vk.RenderPass) (vk.Pipeline, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.pipelines[renderPass]; ok {
		return p, nil
	}

	rasterizer := vk.PipelineRasterizationStateCreateInfo{SType: vk.StructureTypePipelineRasterizationStateCreateInfo, PolygonMode: vk.PolygonModeFill, CullMode: vk.CullModeFlags(vk.CullModeNone), FrontFace: vk.FrontFaceCounterClockwise, LineWidth: 1}
	multisample := vk.PipelineMultisampleStateCreateInfo{SType: vk.StructureTypePipelineMultisampleStateCreateInfo, RasterizationSamples: vk.SampleCount1Bit, MinSampleShading: 1}

	// Premultiplied-alpha text blend: the fragment shader multiplies the
	// glyph coverage sample into rgb before output.
	blendAttachment := vk.PipelineColorBlendAttachmentState{
		BlendEnable:         vk.True,
		SrcColorBlendFactor: vk.BlendFactorOne, DstColorBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
		SrcAlphaBlendFactor: vk.BlendFactorOne, DstAlphaBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
		ColorBlendOp: vk.BlendOpAdd, AlphaBlendOp: vk.BlendOpAdd,
		ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit) | vk.ColorComponentFlags(vk.ColorComponentGBit) |
			vk.ColorComponentFlags(vk.ColorComponentBBit) | vk.ColorComponentFlags(vk.ColorComponentABit),
	}
	colorBlend := vk.PipelineColorBlendStateCreateInfo{SType: vk.StructureTypePipelineColorBlendStateCreateInfo, AttachmentCount: 1, PAttachments: []vk.PipelineColorBlendAttachmentState{blendAttachment}}

	binding := vk.VertexInputBindingDescription{Binding: 0, Stride: vertexSize, InputRate: vk.VertexInputRateVertex}
	attrs := []vk.VertexInputAttributeDescription{
		{Location: 0, Binding: 0, Format: vk.FormatR32g32Sfloat, Offset: 0},
		{Location: 1, Binding: 0, Format: vk.FormatR32g32Sfloat, Offset: 8},
	}
	vertexInput := vk.PipelineVertexInputStateCreateInfo{
		SType: vk.StructureTypePipelineVertexInputStateCreateInfo,
		VertexBindingDescriptionCount: 1, PVertexBindingDescriptions: []vk.VertexInputBindingDescription{binding},
		VertexAttributeDescriptionCount: uint32(len(attrs)), PVertexAttributeDescriptions: attrs,
	}
	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{SType: vk.StructureTypePipelineInputAssemblyStateCreateInfo, Topology: vk.PrimitiveTopologyTriangleList}
	viewportState := vk.PipelineViewportStateCreateInfo{SType: vk.StructureTypePipelineViewportStateCreateInfo, ViewportCount: 1, ScissorCount: 1}
	dynamicStates := []vk.DynamicState{vk.DynamicStateViewport, vk.DynamicStateScissor}
	dynamicState := vk.PipelineDynamicStateCreateInfo{SType: vk.StructureTypePipelineDynamicStateCreateInfo, DynamicStateCount: uint32(len(dynamicStates)), PDynamicStates: dynamicStates}

	stages := []vk.PipelineShaderStageCreateInfo{
		{SType: vk.StructureTypePipelineShaderStageCreateInfo, Stage: vk.ShaderStageVertexBit, Module: o.vert, PName: "main\x00"},
		{SType: vk.StructureTypePipelineShaderStageCreateInfo, Stage: vk.ShaderStageFragmentBit, Module: o.frag, PName: "main\x00"},
	}

	createInfo := vk.GraphicsPipelineCreateInfo{
		SType: vk.StructureTypeGraphicsPipelineCreateInfo, StageCount: 2, PStages: stages,
		PVertexInputState: &vertexInput, PInputAssemblyState: &inputAssembly, PViewportState: &viewportState,
		PRasterizationState: &rasterizer, PMultisampleState: &multisample, PColorBlendState: &colorBlend,
		PDynamicState: &dynamicState, Layout: o.pipelineLayout, RenderPass: renderPass,
	}
	pipelines := make([]vk.Pipeline, 1)
	if res := vk.CreateGraphicsPipelines(o.ctx.Device.LogicalDevice, nil, 1, []vk.GraphicsPipelineCreateInfo{createInfo}, o.ctx.Allocator, pipelines); res != vk.Success {
		return nil, fmt.Errorf("%w: %s", vkerr.ErrPipelineBuildFailed, vkerr.Wrap("CreateGraphicsPipelines", res))
	}
	o.pipelines[renderPass] = pipelines[0]
	return pipelines[0], nil
}

// buildVertices lays text out left-to-right from (x, y) in pixel space,
// applying kerning via Font.Advance, then converts every quad corner to
// NDC against (frameWidth, frameHeight).
func (o *Overlay) buildVertices(lines []string, x, y int32, frameWidth, frameHeight uint32) []vertex {
	var verts []vertex
	cursorY := y
	fw, fh := float32(frameWidth), float32(frameHeight)
	toNDC := func(px, py int32) (float32, float32) {
		return 2*float32(px)/fw - 1, 2*float32(py)/fh - 1
	}

	atlasW, atlasH := float32(o.font.AtlasWidth), float32(o.font.AtlasHeight)
	for _, line := range lines {
		cursorX := x
		var prev rune
		for i, r := range line {
			g, ok := o.font.Glyphs[r]
			if !ok {
				continue
			}
			if i > 0 {
				cursorX += int32(o.font.Advance(prev, r)) - int32(g.XAdvance)
			}
			prev = r

			x0 := cursorX + int32(g.XOffset)
			y0 := cursorY + int32(g.YOffset)
			x1 := x0 + int32(g.Width)
			y1 := y0 + int32(g.Height)

			u0, v0 := float32(g.X)/atlasW, float32(g.Y)/atlasH
			u1, v1 := float32(g.X+g.Width)/atlasW, float32(g.Y+g.Height)/atlasH

			nx0, ny0 := toNDC(x0, y0)
			nx1, ny1 := toNDC(x1, y1)

			verts = append(verts,
				vertex{nx0, ny0, u0, v0}, vertex{nx1, ny0, u1, v0}, vertex{nx0, ny1, u0, v1},
				vertex{nx0, ny1, u0, v1}, vertex{nx1, ny0, u1, v0}, vertex{nx1, ny1, u1, v1},
			)
			cursorX += int32(g.XAdvance)
		}
		cursorY += o.font.LineHeight
	}
	return verts
}

func (o *Overlay) ensureVertexBuffer(byteSize uint64) error {
	if o.haveBuffer && o.vertexCap >= byteSize {
		return nil
	}
	if o.haveBuffer {
		_ = o.buffers.Destroy(o.vertexBuf)
	}
	cap := byteSize
	if cap < 4096 {
		cap = 4096
	}
	id, err := o.buffers.Create(cap, buffercache.KindVertex)
	if err != nil {
		return err
	}
	o.vertexBuf, o.vertexCap, o.haveBuffer = id, cap, true
	return nil
}

func vertsToBytes(v []vertex) []byte {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*vertexSize)
}

// Draw records the debug HUD's glyph quads into cmdBuf, which must already
// be inside an active render pass targeting frame's image, per spec.md
// §6's render_debug option.
func (o *Overlay) Draw(cmdBuf vk.CommandBuffer, renderPass vk.RenderPass, frameWidth, frameHeight uint32, lines []string, x, y int32, color [4]float32) error {
	if len(lines) == 0 {
		return nil
	}
	verts := o.buildVertices(lines, x, y, frameWidth, frameHeight)
	if len(verts) == 0 {
		return nil
	}
	data := vertsToBytes(verts)
	if err := o.ensureVertexBuffer(uint64(len(data))); err != nil {
		return err
	}
	if err := o.buffers.Upload(o.vertexBuf, 0, data); err != nil {
		return err
	}

	pipeline, err := o.pipelineFor(renderPass)
	if err != nil {
		return err
	}
	alloc := o.descs.Allocator(o.setLayout, descriptor.BankInfo{Textures: 1})
	set, err := alloc.Commit()
	if err != nil {
		return err
	}
	updates := descriptor.NewUpdateQueue(o.ctx, 1)
	updates.WriteImage(set, 0, vk.DescriptorTypeCombinedImageSampler, vk.DescriptorImageInfo{
		Sampler: o.sampler, ImageView: o.atlasView, ImageLayout: vk.ImageLayoutShaderReadOnlyOptimal,
	})
	updates.Flush()

	bufHandle, err := o.buffers.Handle(o.vertexBuf)
	if err != nil {
		return err
	}

	vk.CmdBindPipeline(cmdBuf, vk.PipelineBindPointGraphics, pipeline)
	vk.CmdBindDescriptorSets(cmdBuf, vk.PipelineBindPointGraphics, o.pipelineLayout, 0, 1, []vk.DescriptorSet{set}, 0, nil)
	vk.CmdPushConstants(cmdBuf, o.pipelineLayout, vk.ShaderStageFlags(vk.ShaderStageFragmentBit), 0, 16, unsafe.Pointer(&color[0]))
	offsets := []vk.DeviceSize{0}
	vk.CmdBindVertexBuffers(cmdBuf, 0, 1, []vk.Buffer{bufHandle}, offsets)
	vk.CmdDraw(cmdBuf, uint32(len(verts)), 1, 0, 0)
	return nil
}

// Close destroys the overlay's Vulkan resources.
func (o *Overlay) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.pipelines {
		vk.DestroyPipeline(o.ctx.Device.LogicalDevice, p, o.ctx.Allocator)
	}
	if o.haveBuffer {
		_ = o.buffers.Destroy(o.vertexBuf)
	}
	vk.DestroyPipelineLayout(o.ctx.Device.LogicalDevice, o.pipelineLayout, o.ctx.Allocator)
	vk.DestroyDescriptorSetLayout(o.ctx.Device.LogicalDevice, o.setLayout, o.ctx.Allocator)
	vk.DestroyShaderModule(o.ctx.Device.LogicalDevice, o.vert, o.ctx.Allocator)
	vk.DestroyShaderModule(o.ctx.Device.LogicalDevice, o.frag, o.ctx.Allocator)
	vk.DestroySampler(o.ctx.Device.LogicalDevice, o.sampler, o.ctx.Allocator)
	vk.DestroyImageView(o.ctx.Device.LogicalDevice, o.atlasView, o.ctx.Allocator)
	vk.DestroyImage(o.ctx.Device.LogicalDevice, o.atlasImage, o.ctx.Allocator)
	vk.FreeMemory(o.ctx.Device.LogicalDevice, o.atlasMemory, o.ctx.Allocator)
}
