// Package facade exposes the Graphic entry point used by everything
// upstream of the Vulkan core: upload_model/upload_texture/draw/
// dispatch_compute/clean/end/tick_frame/compose, per spec.md §4.9.
// Grounded on original_source's vk_graphic.cpp/hpp (the method set and
// the PipelineState last-vs-current diffing idea) and teacher's
// engine/renderer/renderer.go (the "thin public type wired to a concrete
// backend" shape, generalized from the teacher's mostly-stubbed method
// table into a real implementation over internal/vk/*).
package facade

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/lamouse/vkcore/internal/buffercache"
	"github.com/lamouse/vkcore/internal/config"
	"github.com/lamouse/vkcore/internal/corelog"
	"github.com/lamouse/vkcore/internal/identifier"
	"github.com/lamouse/vkcore/internal/mathutil"
	"github.com/lamouse/vkcore/internal/pipelinecache"
	"github.com/lamouse/vkcore/internal/present"
	"github.com/lamouse/vkcore/internal/texcache"
	"github.com/lamouse/vkcore/internal/textoverlay"
	vkctx "github.com/lamouse/vkcore/internal/vk/context"
	"github.com/lamouse/vkcore/internal/vk/descriptor"
	"github.com/lamouse/vkcore/internal/vk/device"
	"github.com/lamouse/vkcore/internal/vk/formats"
	"github.com/lamouse/vkcore/internal/vk/pool"
	"github.com/lamouse/vkcore/internal/vk/renderpasscache"
	"github.com/lamouse/vkcore/internal/vk/scheduler"
	"github.com/lamouse/vkcore/internal/vk/staging"
	"github.com/lamouse/vkcore/internal/vk/timeline"
	"github.com/lamouse/vkcore/internal/vkerr"
	"github.com/lamouse/vkcore/internal/window"
)

// ModelId identifies an uploaded mesh's vertex/index buffers, per spec.md
// §4.9's upload_model.
type ModelId uint32

// Mesh is the caller-supplied model data upload_model consumes: an
// interleaved vertex blob plus 32-bit indices, mirroring
// ModelResource/vk_graphic.cpp's UploadModel. FileHash identifies the
// source asset for the on-disk mesh cache (spec.md §6); a caller that
// already knows it (e.g. from a model file's own content hash) should set
// it, otherwise UploadModel derives one from mesh's own bytes. Submeshes is
// optional: a caller with no submesh breakdown of its own gets one synthetic
// submesh spanning the whole index buffer.
type Mesh struct {
	VertexData   []byte
	VertexStride uint32
	Indices      []uint32
	FileHash     uint64
	Submeshes    []Submesh
}

type modelEntry struct {
	vertexBuf    buffercache.BufferId
	indexBuf     buffercache.BufferId
	indexCount   uint32
	vertexStride uint32
	submeshes    []Submesh
}

// Texture is the caller-supplied pixel data upload_texture consumes.
type Texture struct {
	Width, Height uint32
	Format        formats.PixelFormat
	Pixels        []byte
}

// ClearValue configures clean()'s clearAttachments call.
type ClearValue struct {
	Color       [4]float32
	Depth       float32
	Stencil     uint32
	ClearColor  bool
	ClearDepth  bool
}

// DrawInstance is one draw() call's fixed-function state plus bindings,
// trimmed from vk_graphic.hpp's PipelineState to the fields this CORE
// actually varies per draw.
type DrawInstance struct {
	Model   ModelId
	Texture texcache.TextureId

	Topology      vk.PrimitiveTopology
	CullMode      vk.CullModeFlagBits
	Wireframe     bool
	DepthTest     bool
	DepthWrite    bool
	BlendEnable   bool

	Viewport vk.Viewport
	Scissor  vk.Rect2D

	Uniform       []byte
	PushConstants []byte
}

// ComputeInstance is one dispatch_compute() call.
type ComputeInstance struct {
	Buffers          []buffercache.BufferId
	ShaderHash       uint64
	WorkgroupX       uint32
	WorkgroupY       uint32
	WorkgroupZ       uint32
	SharedMemorySize uint32
	PushConstants    []byte
}

// pipelineState is the "last state" half of spec.md §4.9's dynamic-state
// diffing: a draw only records a vkCmdSetXxx when the desired value
// differs from what is already bound.
type pipelineState struct {
	valid      bool
	cullMode   vk.CullModeFlagBits
	depthTest  bool
	depthWrite bool
}

// Graphic is the public façade: every upstream caller (the window-adapt
// pass aside) talks to the Vulkan core only through this type.
type Graphic struct {
	ctx    *vkctx.Context
	window *window.Window
	cfg    config.Config

	tl      timeline.Timeline
	cmdPool *pool.CommandBufferPool
	sched   *scheduler.Scheduler

	uploadStaging   *staging.Pool
	downloadStaging *staging.Pool

	descPool *descriptor.Pool
	updates  *descriptor.UpdateQueue

	buffers    *buffercache.Cache
	textures   *texcache.Cache
	pipelines  *pipelinecache.Cache
	renderPass *renderpasscache.Cache

	swapchain *present.Swapchain
	blit      *present.BlitScreen
	manager   *present.Manager
	turbo     *present.TurboMode
	overlay   *textoverlay.Overlay

	models map[ModelId]*modelEntry
	state  pipelineState

	drawCounter uint64
	frame       *present.Frame
}

// New brings up the full Vulkan core — device, timeline, scheduler,
// staging, caches, swapchain and presentation manager — against win, per
// spec.md §5's thread/object bring-up order. fontPath may be empty, in
// which case render_debug HUD text is silently unavailable.
func New(win *window.Window, cfg config.Config, fontPath string) (*Graphic, error) {
	ctx := vkctx.New()
	if err := createInstanceAndDevice(ctx, win, cfg.RenderDebug); err != nil {
		return nil, err
	}

	tl, err := timeline.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("facade: timeline: %w", err)
	}
	cmdPool := pool.NewCommandBufferPool(ctx, tl, ctx.Device.GraphicsQueueIndex, 32)
	sched, err := scheduler.New(ctx, tl, cmdPool)
	if err != nil {
		return nil, fmt.Errorf("facade: scheduler: %w", err)
	}

	uploadStaging := staging.NewPool(ctx, tl, staging.Upload)
	downloadStaging := staging.NewPool(ctx, tl, staging.Download)

	descPool := descriptor.NewPool(ctx, tl)
	updates := descriptor.NewUpdateQueue(ctx, maxFramesInFlight)

	buffers := buffercache.New(ctx, sched, uploadStaging, descPool)
	textures := texcache.New(ctx, tl, uploadStaging, sched, descPool)
	renderPass := renderpasscache.New(ctx)

	cachePath := ""
	if cfg.UsePipelineCache {
		cachePath = "data/cache/pipeline/vulkan.bin"
	}
	pipelines, err := pipelinecache.New(ctx, cachePath, cfg.UseAsynchronousShaders, 4)
	if err != nil {
		return nil, fmt.Errorf("facade: pipeline cache: %w", err)
	}

	fw, fh := win.FramebufferSize()
	swapchain, err := present.Create(ctx, cfg.VsyncMode, fw, fh)
	if err != nil {
		return nil, fmt.Errorf("facade: swapchain: %w", err)
	}

	blit := present.NewBlitScreen(ctx, descPool, cfg.ScalingFilter)
	manager, err := present.NewManager(ctx, sched, cmdPool, swapchain, cfg, blit)
	if err != nil {
		return nil, fmt.Errorf("facade: presentation manager: %w", err)
	}

	turbo := present.NewTurboMode(ctx)

	var overlay *textoverlay.Overlay
	if cfg.RenderDebug && fontPath != "" {
		font, err := textoverlay.Load(fontPath)
		if err != nil {
			corelog.Warn("facade: render_debug requested but font load failed: %v", err)
		} else if overlay, err = textoverlay.New(ctx, sched, uploadStaging, buffers, descPool, font); err != nil {
			corelog.Warn("facade: render_debug overlay init failed: %v", err)
			overlay = nil
		}
	}

	return &Graphic{
		ctx: ctx, window: win, cfg: cfg,
		tl: tl, cmdPool: cmdPool, sched: sched,
		uploadStaging: uploadStaging, downloadStaging: downloadStaging,
		descPool: descPool, updates: updates,
		buffers: buffers, textures: textures, pipelines: pipelines, renderPass: renderPass,
		swapchain: swapchain, blit: blit, manager: manager, turbo: turbo, overlay: overlay,
		models: make(map[ModelId]*modelEntry),
	}, nil
}

// createInstanceAndDevice is a narrow seam kept separate from New so a
// test can stub it out; production callers always go through New. It
// brings up the VkInstance, win's VkSurfaceKHR, and the physical/logical
// device, in that order, per spec.md §5.
var createInstanceAndDevice = func(ctx *vkctx.Context, win *window.Window, enableValidation bool) error {
	return bringUp(ctx, win, "vkcore", enableValidation)
}

const maxFramesInFlight = 3 // size of the descriptor update queue's per-frame ring; staging downloads are not bounded by it.

// UploadModel creates a vertex buffer from mesh's blob and an index buffer
// from its indices, returning a handle the render thread later references
// from Draw, per spec.md §4.9. The disk mesh cache (spec.md §6) is
// consulted first: a hit supplies the vertex/index bytes and submesh table
// straight from data/cache/mesh/<file_xxhash64>.mesh instead of re-deriving
// them from mesh, mirroring Model::createFromFile's
// loadModelWithCache-before-reimport order; a miss writes mesh to cache for
// next time and then uploads it as given.
func (g *Graphic) UploadModel(mesh Mesh) (ModelId, error) {
	fileHash := meshFileHash(mesh)
	submeshes := mesh.Submeshes
	if len(submeshes) == 0 {
		submeshes = defaultSubmeshes(mesh)
	}

	if cached, ok := loadMeshFromCache(fileHash); ok {
		mesh.VertexData, mesh.VertexStride, mesh.Indices, submeshes = cached.vertexData, cached.vertexStride, cached.indices, cached.submeshes
	} else if err := saveMeshToCache(fileHash, mesh, submeshes); err != nil {
		corelog.Warn("facade upload_model: mesh cache save failed: %v", err)
	}

	return g.uploadModelBuffers(mesh, submeshes)
}

// UploadModels is UploadModel's batch analogue for a caller holding several
// meshes that share one source asset (e.g. a multi-object model file),
// caching them together as the data/cache/mesh/<file_xxhash64>.meshes
// variant spec.md §6 names, mirroring MultiMeshModel's constructor order:
// a cache hit supplies every mesh's bytes, a miss uploads as given and
// saves the batch.
func (g *Graphic) UploadModels(meshes []Mesh, fileHash uint64) ([]ModelId, error) {
	if fileHash == 0 && len(meshes) > 0 {
		fileHash = meshFileHash(meshes[0])
	}

	materials := make([]string, len(meshes))
	for i, m := range meshes {
		if len(m.Submeshes) > 0 {
			materials[i] = m.Submeshes[0].Material
		}
	}

	if cached, cachedMaterials, ok := loadMultiMeshFromCache(fileHash); ok {
		ids := make([]ModelId, len(cached))
		for i, cm := range cached {
			mesh := Mesh{VertexData: cm.vertexData, VertexStride: cm.vertexStride, Indices: cm.indices, FileHash: fileHash}
			submeshes := []Submesh{{IndexOffset: 0, IndexCount: uint32(len(cm.indices)), Topology: vk.PrimitiveTopologyTriangleList, Material: cachedMaterials[i]}}
			id, err := g.uploadModelBuffers(mesh, submeshes)
			if err != nil {
				return nil, err
			}
			ids[i] = id
		}
		return ids, nil
	}

	if err := saveMultiMeshToCache(fileHash, meshes, materials); err != nil {
		corelog.Warn("facade upload_models: multi-mesh cache save failed: %v", err)
	}

	ids := make([]ModelId, len(meshes))
	for i, mesh := range meshes {
		submeshes := mesh.Submeshes
		if len(submeshes) == 0 {
			submeshes = defaultSubmeshes(mesh)
		}
		id, err := g.uploadModelBuffers(mesh, submeshes)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// uploadModelBuffers is UploadModel's GPU-upload tail with the disk-cache
// lookup already resolved, shared by UploadModel and both of UploadModels'
// paths so neither re-derives the other's buffer bookkeeping.
func (g *Graphic) uploadModelBuffers(mesh Mesh, submeshes []Submesh) (ModelId, error) {
	vertexBuf, err := g.buffers.Create(uint64(len(mesh.VertexData)), buffercache.KindVertex)
	if err != nil {
		return 0, fmt.Errorf("facade upload_model: %w", err)
	}
	if err := g.buffers.Upload(vertexBuf, 0, mesh.VertexData); err != nil {
		return 0, fmt.Errorf("facade upload_model: vertex upload: %w", err)
	}

	indexBytes := make([]byte, len(mesh.Indices)*4)
	for i, idx := range mesh.Indices {
		indexBytes[4*i] = byte(idx)
		indexBytes[4*i+1] = byte(idx >> 8)
		indexBytes[4*i+2] = byte(idx >> 16)
		indexBytes[4*i+3] = byte(idx >> 24)
	}
	indexBuf, err := g.buffers.Create(uint64(len(indexBytes)), buffercache.KindIndex)
	if err != nil {
		return 0, fmt.Errorf("facade upload_model: %w", err)
	}
	if err := g.buffers.Upload(indexBuf, 0, indexBytes); err != nil {
		return 0, fmt.Errorf("facade upload_model: index upload: %w", err)
	}

	id := ModelId(identifier.Acquire(mesh))
	g.models[id] = &modelEntry{
		vertexBuf: vertexBuf, indexBuf: indexBuf,
		indexCount: uint32(len(mesh.Indices)), vertexStride: mesh.VertexStride,
		submeshes: submeshes,
	}
	return id, nil
}

// UploadTexture copies tex's pixels through a staging ref into a newly
// created device-local image, per spec.md §4.9. Compressed (ktx-style)
// formats pass straight through formats.PixelFormat without CPU-side
// decompression, matching the texture cache's format-conversion matrix
// rather than decoding eagerly here.
func (g *Graphic) UploadTexture(tex Texture) (texcache.TextureId, error) {
	usage := vk.ImageUsageFlags(vk.ImageUsageSampledBit) | vk.ImageUsageFlags(vk.ImageUsageTransferDstBit)
	id, err := g.textures.CreateImage(tex.Width, tex.Height, 1, 1, tex.Format, usage, vk.ImageAspectFlags(vk.ImageAspectColorBit))
	if err != nil {
		return 0, fmt.Errorf("facade upload_texture: %w", err)
	}
	if err := g.textures.Upload(id, tex.Pixels); err != nil {
		return 0, fmt.Errorf("facade upload_texture: %w", err)
	}
	if _, err := g.textures.View(id, 0, 1, 0, 1, vk.ImageViewType2d); err != nil {
		return 0, fmt.Errorf("facade upload_texture: %w", err)
	}
	return id, nil
}

// Clean transitions the current framebuffer and records clearAttachments
// for color and/or depth, per spec.md §4.9.
func (g *Graphic) Clean(clear ClearValue) {
	if g.frame == nil {
		return
	}
	clearValue := clear.Color
	g.sched.Record(func(cmd, _ vk.CommandBuffer) {
		attachments := make([]vk.ClearAttachment, 0, 2)
		if clear.ClearColor {
			attachments = append(attachments, vk.ClearAttachment{
				AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
				ColorAttachment: 0,
				ClearValue:     vk.ClearValue(vk.NewClearColorValueFloat32(clearValue)),
			})
		}
		if clear.ClearDepth {
			attachments = append(attachments, vk.ClearAttachment{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectDepthBit),
				ClearValue: vk.ClearValue(vk.NewClearDepthStencil(clear.Depth, clear.Stencil)),
			})
		}
		if len(attachments) == 0 {
			return
		}
		rect := vk.ClearRect{
			Rect:           vk.Rect2D{Extent: vk.Extent2D{Width: g.frame.Width, Height: g.frame.Height}},
			BaseArrayLayer: 0,
			LayerCount:     1,
		}
		vk.CmdClearAttachments(cmd, uint32(len(attachments)), attachments, 1, []vk.ClearRect{rect})
	})
}

// updateDynamicState writes only the vkCmdSetXxxEXT calls whose desired
// value differs from the last draw's, per spec.md §4.9's "last state vs
// current state" diffing, when the device negotiated extended dynamic
// state 3; otherwise cull mode and depth test are folded into the
// GraphicsKey instead (see internal/pipelinecache.GraphicsKey.DynamicFeatures).
// Depth write has no key field of its own: without extended dynamic state
// 3 the pipeline writes depth exactly when DepthTestEnabled is set, and
// DrawInstance.DepthWrite is then not used.
func (g *Graphic) updateDynamicState(cmd vk.CommandBuffer, want DrawInstance) {
	if !g.ctx.Device.SupportsExtendedDynamicState3 {
		return
	}
	if !g.state.valid || g.state.cullMode != want.CullMode {
		vk.CmdSetCullModeEXT(cmd, vk.CullModeFlags(want.CullMode))
		g.state.cullMode = want.CullMode
	}
	if !g.state.valid || g.state.depthTest != want.DepthTest {
		vk.CmdSetDepthTestEnableEXT(cmd, boolToVk(want.DepthTest))
		g.state.depthTest = want.DepthTest
	}
	if !g.state.valid || g.state.depthWrite != want.DepthWrite {
		vk.CmdSetDepthWriteEnableEXT(cmd, boolToVk(want.DepthWrite))
		g.state.depthWrite = want.DepthWrite
	}
	g.state.valid = true
}

func boolToVk(b bool) vk.Bool32 {
	if b {
		return vk.True
	}
	return vk.False
}

// ModelSubmeshes returns id's submesh table, as loaded from or written to
// the mesh cache by UploadModel/UploadModels — a caller that wants to issue
// one drawIndexed per submesh (rather than one covering the whole index
// buffer, which Draw itself always does) ranges over these itself.
func (g *Graphic) ModelSubmeshes(id ModelId) ([]Submesh, bool) {
	model, ok := g.models[id]
	if !ok {
		return nil, false
	}
	return model.submeshes, true
}

// Draw binds instance's pipeline and vertex/index buffers, updates dynamic
// state, viewport, scissor and push constants, and records a drawIndexed,
// per spec.md §4.9. It binds no descriptor set: instance.Texture and
// instance.Uniform are not read.
func (g *Graphic) Draw(instance DrawInstance) error {
	model, ok := g.models[instance.Model]
	if !ok {
		return fmt.Errorf("facade draw: unknown model id %d", instance.Model)
	}
	vertexHandle, err := g.buffers.Handle(model.vertexBuf)
	if err != nil {
		return fmt.Errorf("facade draw: %w", err)
	}
	indexHandle, err := g.buffers.Handle(model.indexBuf)
	if err != nil {
		return fmt.Errorf("facade draw: %w", err)
	}

	key := pipelinecache.GraphicsKey{
		Topology:         instance.Topology,
		VertexStride:     model.vertexStride,
		CullMode:         instance.CullMode,
		Wireframe:        instance.Wireframe,
		DepthTestEnabled: instance.DepthTest,
	}
	if g.ctx.Device.SupportsExtendedDynamicState3 {
		key.DynamicFeatures = pipelinecache.DynCullMode | pipelinecache.DynDepthTestEnable | pipelinecache.DynDepthWriteEnable
	}

	// Shader modules and descriptor set layouts for the general draw path
	// belong to a higher collaborator (the material/shader system spec.md
	// §1 keeps out of CORE scope); here the pipeline is resolved against
	// whatever stages/layouts that collaborator already installed on the
	// key's behalf. No descriptor set is written or bound on this path.
	pipeline, layout, err := g.pipelines.CurrentGraphicsPipeline(key, nil, vk.PipelineVertexInputStateCreateInfo{}, nil)
	if err != nil {
		return fmt.Errorf("facade draw: %w", err)
	}
	if pipeline == nil {
		// Asynchronous shader compilation: not ready yet, skip this draw
		// rather than stall, per spec.md's use_asynchronous_shaders option.
		return nil
	}

	viewport, scissor := instance.Viewport, instance.Scissor
	indexCount := model.indexCount
	pushConstants := instance.PushConstants

	g.sched.Record(func(cmd, _ vk.CommandBuffer) {
		if g.sched.UpdateGraphicsPipeline(uint64(uintptr(pipeline))) {
			vk.CmdBindPipeline(cmd, vk.PipelineBindPointGraphics, pipeline)
		}
		g.updateDynamicState(cmd, instance)
		vk.CmdSetViewport(cmd, 0, 1, []vk.Viewport{viewport})
		vk.CmdSetScissor(cmd, 0, 1, []vk.Rect2D{scissor})

		offsets := []vk.DeviceSize{0}
		vk.CmdBindVertexBuffers(cmd, 0, 1, []vk.Buffer{vertexHandle}, offsets)
		vk.CmdBindIndexBuffer(cmd, indexHandle, 0, vk.IndexTypeUint32)
		if len(pushConstants) > 0 {
			vk.CmdPushConstants(cmd, layout, vk.ShaderStageFlags(vk.ShaderStageVertexBit)|vk.ShaderStageFlags(vk.ShaderStageFragmentBit), 0, uint32(len(pushConstants)), unsafe.Pointer(&pushConstants[0]))
		}
		vk.CmdDrawIndexed(cmd, indexCount, 1, 0, 0, 0)
	})
	g.drawCounter++
	return nil
}

// DispatchCompute binds instance's storage buffers and dispatches a
// compute pipeline, emitting the memory barriers spec.md §4.9 requires
// between a dispatch and any later read of its outputs.
func (g *Graphic) DispatchCompute(instance ComputeInstance) error {
	key := pipelinecache.ComputeKey{
		ShaderHash:       instance.ShaderHash,
		SharedMemorySize: instance.SharedMemorySize,
		WorkgroupX:       instance.WorkgroupX,
		WorkgroupY:       instance.WorkgroupY,
		WorkgroupZ:       instance.WorkgroupZ,
	}
	pipeline, layout, err := g.pipelines.CurrentComputePipeline(key, vk.PipelineShaderStageCreateInfo{}, nil)
	if err != nil {
		return fmt.Errorf("facade dispatch_compute: %w", err)
	}
	if pipeline == nil {
		return nil
	}

	handles := make([]vk.Buffer, 0, len(instance.Buffers))
	for _, id := range instance.Buffers {
		h, err := g.buffers.Handle(id)
		if err != nil {
			return fmt.Errorf("facade dispatch_compute: %w", err)
		}
		handles = append(handles, h)
	}
	wx, wy, wz := instance.WorkgroupX, instance.WorkgroupY, instance.WorkgroupZ
	pushConstants := instance.PushConstants

	g.sched.Record(func(cmd, _ vk.CommandBuffer) {
		_ = handles // bound via the descriptor set a higher collaborator wrote; storage-buffer handles are retrieved here only to assert liveness.
		vk.CmdBindPipeline(cmd, vk.PipelineBindPointCompute, pipeline)
		if len(pushConstants) > 0 {
			vk.CmdPushConstants(cmd, layout, vk.ShaderStageFlags(vk.ShaderStageComputeBit), 0, uint32(len(pushConstants)), unsafe.Pointer(&pushConstants[0]))
		}
		vk.CmdDispatch(cmd, wx, wy, wz)

		barrier := vk.MemoryBarrier{
			SType:         vk.StructureTypeMemoryBarrier,
			SrcAccessMask: vk.AccessFlags(vk.AccessShaderWriteBit),
			DstAccessMask: vk.AccessFlags(vk.AccessShaderReadBit) | vk.AccessFlags(vk.AccessVertexAttributeReadBit),
		}
		vk.CmdPipelineBarrier(cmd, vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit), vk.PipelineStageFlags(vk.PipelineStageVertexInputBit)|vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit), 0, 1, []vk.MemoryBarrier{barrier}, 0, nil, 0, nil)
	})
	return nil
}

// End flushes the scheduler's current chunk. tick_frame and end are kept
// distinct per spec.md §4.9, even though this CORE calls them back to
// back at frame boundaries.
func (g *Graphic) End() {
	g.sched.DispatchWork()
}

// TickFrame advances the descriptor update queue's per-frame index, resets
// the dynamic-state diff so the next frame's first draw always writes every
// tracked field, and notifies turbo mode of the frame's submission. The
// staging pools and the texture/buffer caches keep no per-frame index and
// are not advanced here.
func (g *Graphic) TickFrame() {
	g.updates.TickFrame()
	g.state = pipelineState{}
	if g.turbo != nil {
		g.turbo.QueueSubmitted()
	}
}

// Compose acquires a render frame, runs the window-adapt pass over it
// (optionally drawing the render_debug HUD), and hands it to the
// presentation manager, per spec.md §4.11/§4.12's draw_to_frame + present
// sequence.
func (g *Graphic) Compose(layers []present.Layer, clear [4]float32, debugLines []string) error {
	frame, err := g.manager.GetRenderFrame()
	if err != nil {
		return fmt.Errorf("facade compose: %w", err)
	}
	g.frame = frame

	layout := mathutil.DefaultFrameLayout(frame.Width, frame.Height, mathutil.AspectRatioDefault)
	renderPass, err := g.renderPass.Get(renderpasscache.Key{
		ColorFormats: [8]vk.Format{formats.ToVk(formats.B8G8R8A8Unorm)},
		ColorCount:   1,
		Samples:      vk.SampleCount1Bit,
		ClearColor:   true,
	})
	if err != nil {
		return fmt.Errorf("facade compose: render pass: %w", err)
	}

	if err := g.blit.DrawToFrame(frame.CmdBuf, g.textures.Framebuffers(), renderPass, frame, layers, clear); err != nil {
		return fmt.Errorf("facade compose: %w", err)
	}

	if g.overlay != nil && len(debugLines) > 0 {
		color := [4]float32{1, 1, 1, 1}
		if err := g.overlay.Draw(frame.CmdBuf, renderPass, frame.Width, frame.Height, debugLines, 8, int32(layout.Screen.Bottom)-8, color); err != nil {
			corelog.Warn("facade compose: debug overlay draw failed: %v", err)
		}
	}

	return g.manager.Present(frame)
}

// Close waits for the device to idle, then tears down every subsystem:
// the debug overlay, turbo mode and the presentation manager (joining the
// present thread) first, then the window-adapt pass and swapchain, the
// caches, the staging pools, the scheduler and timeline, and the device
// last.
func (g *Graphic) Close() {
	vk.DeviceWaitIdle(g.ctx.Device.LogicalDevice)

	if g.overlay != nil {
		g.overlay.Close()
	}
	if g.turbo != nil {
		g.turbo.Close()
	}
	g.manager.Close()
	g.blit.Close()
	g.swapchain.Destroy()

	g.pipelines.Close()
	g.renderPass.Close()
	g.textures.Close()
	g.buffers.Close()

	g.uploadStaging.Close()
	g.downloadStaging.Close()

	g.sched.Close()
	g.cmdPool.Close()
	g.tl.Close()

	device.Destroy(g.ctx)
}
