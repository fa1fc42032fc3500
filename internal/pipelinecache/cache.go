package pipelinecache

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	vk "github.com/goki/vulkan"
	"golang.org/x/sync/errgroup"

	"github.com/lamouse/vkcore/internal/corelog"
	vkctx "github.com/lamouse/vkcore/internal/vk/context"
	"github.com/lamouse/vkcore/internal/vkerr"
)

const (
	diskCacheMagic   uint32 = 0x48434c50 // "PLCH"
	diskCacheVersion uint32 = 1
	diskHeaderSize          = 4 + 4 + 8 + 8 // magic, version, xxhash, reserved
)

// graphicsEntry tracks one built (or building) graphics pipeline.
type graphicsEntry struct {
	pipeline vk.Pipeline
	layout   vk.PipelineLayout
	built    bool
	err      error
	ready    chan struct{}
}

// computeEntry is the compute-pipeline analogue.
type computeEntry struct {
	pipeline vk.Pipeline
	layout   vk.PipelineLayout
	built    bool
	err      error
	ready    chan struct{}
}

// Cache is the full pipeline cache from spec.md §4.7.
type Cache struct {
	ctx        *vkctx.Context
	vkCache    vk.PipelineCache
	cachePath  string
	asyncBuild bool

	layoutBuilder *LayoutBuilder

	mu        sync.Mutex
	graphics  map[GraphicsKey]*graphicsEntry
	compute   map[ComputeKey]*computeEntry

	// transition cache: the last key used and the entry it resolved to,
	// avoiding a map lookup on the hot path per spec.md §4.7 step 3.
	lastGraphicsKey   GraphicsKey
	lastGraphicsEntry *graphicsEntry

	group *errgroup.Group
}

// New loads cachePath (if present and valid) into a driver pipeline cache
// object and prepares the builder pool. asyncShaders mirrors the
// use_asynchronous_shaders config option: when true,
// CurrentGraphicsPipeline returns nil for a pipeline still building rather
// than blocking the draw.
func New(ctx *vkctx.Context, cachePath string, asyncShaders bool, maxParallelBuilds int) (*Cache, error) {
	blob := loadDiskBlob(cachePath)

	createInfo := vk.PipelineCacheCreateInfo{
		SType:           vk.StructureTypePipelineCacheCreateInfo,
		InitialDataSize: uint(len(blob)),
	}
	if len(blob) > 0 {
		createInfo.PInitialData = blob
	}
	var vkCache vk.PipelineCache
	if res := vk.CreatePipelineCache(ctx.Device.LogicalDevice, &createInfo, ctx.Allocator, &vkCache); res != vk.Success {
		return nil, fmt.Errorf("create pipeline cache: %w", vkerr.Wrap("CreatePipelineCache", res))
	}

	grp := &errgroup.Group{}
	grp.SetLimit(maxParallelBuilds)

	return &Cache{
		ctx:           ctx,
		vkCache:       vkCache,
		cachePath:     cachePath,
		asyncBuild:    asyncShaders,
		layoutBuilder: NewLayoutBuilder(ctx),
		graphics:      make(map[GraphicsKey]*graphicsEntry),
		compute:       make(map[ComputeKey]*computeEntry),
		group:         grp,
	}, nil
}

func loadDiskBlob(path string) []byte {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		corelog.Info("pipeline cache: %s not found, starting empty", path)
		return nil
	}
	if len(data) < diskHeaderSize {
		corelog.Warn("pipeline cache: %s truncated, starting empty", path)
		return nil
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	version := binary.LittleEndian.Uint32(data[4:8])
	storedHash := binary.LittleEndian.Uint64(data[8:16])
	body := data[diskHeaderSize:]

	if magic != diskCacheMagic || version != diskCacheVersion {
		corelog.Warn("pipeline cache: %s magic/version mismatch, starting empty", path)
		return nil
	}
	if xxhash.Sum64(body) != storedHash {
		corelog.Warn("pipeline cache: %s hash mismatch, starting empty", path)
		return nil
	}
	return body
}

// Save serializes the driver's pipeline cache blob to disk with the
// versioned, xxhash-stamped header spec.md §4.7 calls for.
func (c *Cache) Save() error {
	if c.cachePath == "" {
		return nil
	}
	var size uint
	vk.GetPipelineCacheData(c.ctx.Device.LogicalDevice, c.vkCache, &size, nil)
	body := make([]byte, size)
	vk.GetPipelineCacheData(c.ctx.Device.LogicalDevice, c.vkCache, &size, body)
	body = body[:size]

	header := make([]byte, diskHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], diskCacheMagic)
	binary.LittleEndian.PutUint32(header[4:8], diskCacheVersion)
	binary.LittleEndian.PutUint64(header[8:16], xxhash.Sum64(body))

	if err := os.MkdirAll(filepath.Dir(c.cachePath), 0o755); err != nil {
		return fmt.Errorf("pipeline cache save: %w", err)
	}
	out := append(header, body...)
	if err := os.WriteFile(c.cachePath, out, 0o644); err != nil {
		return fmt.Errorf("pipeline cache save: %w", err)
	}
	return nil
}

// CurrentGraphicsPipeline resolves key to a built pipeline, consulting the
// transition cache first, else the main map, building asynchronously on
// first touch. It returns (nil, nil, nil) when async shaders are enabled
// and the pipeline is still compiling — callers must skip the draw.
func (c *Cache) CurrentGraphicsPipeline(key GraphicsKey, stages []vk.PipelineShaderStageCreateInfo, vertexInput vk.PipelineVertexInputStateCreateInfo, setLayouts []vk.DescriptorSetLayout) (vk.Pipeline, vk.PipelineLayout, error) {
	c.mu.Lock()
	if c.lastGraphicsEntry != nil && c.lastGraphicsKey == key {
		entry := c.lastGraphicsEntry
		c.mu.Unlock()
		return c.resolve(entry)
	}

	entry, ok := c.graphics[key]
	if !ok {
		entry = &graphicsEntry{ready: make(chan struct{})}
		c.graphics[key] = entry
		c.queueGraphicsBuild(key, entry, stages, vertexInput, setLayouts)
	}
	c.lastGraphicsKey = key
	c.lastGraphicsEntry = entry
	c.mu.Unlock()

	return c.resolve(entry)
}

func (c *Cache) resolve(entry *graphicsEntry) (vk.Pipeline, vk.PipelineLayout, error) {
	select {
	case <-entry.ready:
		if entry.err != nil {
			return nil, nil, entry.err
		}
		return entry.pipeline, entry.layout, nil
	default:
	}
	if c.asyncBuild {
		// Pipeline build pending and async shaders enabled: the draw is
		// skipped this frame rather than stalling the scheduler.
		return nil, nil, nil
	}
	<-entry.ready
	if entry.err != nil {
		return nil, nil, entry.err
	}
	return entry.pipeline, entry.layout, nil
}

func (c *Cache) queueGraphicsBuild(key GraphicsKey, entry *graphicsEntry, stages []vk.PipelineShaderStageCreateInfo, vertexInput vk.PipelineVertexInputStateCreateInfo, setLayouts []vk.DescriptorSetLayout) {
	c.group.Go(func() error {
		defer close(entry.ready)
		pipeline, layout, err := c.buildGraphicsPipeline(key, stages, vertexInput, setLayouts)
		if err != nil {
			entry.err = err
			corelog.Error("pipeline build failed: %v", err)
			return nil // builder-pool errors never abort other builds
		}
		entry.pipeline = pipeline
		entry.layout = layout
		entry.built = true
		return nil
	})
}

// buildGraphicsPipeline assembles the fixed-function state, the layout
// (via LayoutBuilder) and calls vkCreateGraphicsPipelines against the
// driver cache. Mirrors NewGraphicsPipeline in
// engine/renderer/vulkan/pipeline.go, generalized from the teacher's
// hardcoded wireframe/cull-mode/depth-test parameters into GraphicsKey's
// fields, and from its static dynamic-state triple (viewport/scissor/line
// width) into whichever extended-dynamic-state-3 bits key.DynamicFeatures
// requests (cull mode, front face, depth test and depth write enable;
// DynColorBlendEnable is not turned into a dynamic state).
func (c *Cache) buildGraphicsPipeline(key GraphicsKey, stages []vk.PipelineShaderStageCreateInfo, vertexInput vk.PipelineVertexInputStateCreateInfo, setLayouts []vk.DescriptorSetLayout) (vk.Pipeline, vk.PipelineLayout, error) {
	layout, err := c.layoutBuilder.Build(setLayouts)
	if err != nil {
		return nil, nil, err
	}

	rasterizer := vk.PipelineRasterizationStateCreateInfo{
		SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
		PolygonMode: vk.PolygonModeFill,
		CullMode:    vk.CullModeFlags(key.CullMode),
		FrontFace:   vk.FrontFaceCounterClockwise,
		LineWidth:   1.0,
	}
	if key.Wireframe {
		rasterizer.PolygonMode = vk.PolygonModeLine
	}

	multisample := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: key.Samples,
		MinSampleShading:     1.0,
	}
	if multisample.RasterizationSamples == 0 {
		multisample.RasterizationSamples = vk.SampleCount1Bit
	}

	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType: vk.StructureTypePipelineDepthStencilStateCreateInfo,
	}
	if key.DepthTestEnabled {
		depthStencil.DepthTestEnable = vk.True
		depthStencil.DepthWriteEnable = vk.True
		depthStencil.DepthCompareOp = vk.CompareOpLess
	}

	colorBlendAttachment := vk.PipelineColorBlendAttachmentState{
		BlendEnable:         vk.True,
		SrcColorBlendFactor: vk.BlendFactorSrcAlpha,
		DstColorBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
		ColorBlendOp:        vk.BlendOpAdd,
		SrcAlphaBlendFactor: vk.BlendFactorSrcAlpha,
		DstAlphaBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
		AlphaBlendOp:        vk.BlendOpAdd,
		ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit) | vk.ColorComponentFlags(vk.ColorComponentGBit) |
			vk.ColorComponentFlags(vk.ColorComponentBBit) | vk.ColorComponentFlags(vk.ColorComponentABit),
	}
	colorBlend := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		AttachmentCount: 1,
		PAttachments:    []vk.PipelineColorBlendAttachmentState{colorBlendAttachment},
	}

	dynamicStates := []vk.DynamicState{vk.DynamicStateViewport, vk.DynamicStateScissor}
	if c.ctx.Device.SupportsExtendedDynamicState3 {
		if key.DynamicFeatures&DynCullMode != 0 {
			dynamicStates = append(dynamicStates, vk.DynamicStateCullMode)
		}
		if key.DynamicFeatures&DynFrontFace != 0 {
			dynamicStates = append(dynamicStates, vk.DynamicStateFrontFace)
		}
		if key.DynamicFeatures&DynDepthTestEnable != 0 {
			dynamicStates = append(dynamicStates, vk.DynamicStateDepthTestEnable)
		}
		if key.DynamicFeatures&DynDepthWriteEnable != 0 {
			dynamicStates = append(dynamicStates, vk.DynamicStateDepthWriteEnable)
		}
	}
	dynamicState := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology: key.Topology,
	}
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
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
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlend,
		PDynamicState:       &dynamicState,
		Layout:              layout,
		RenderPass:          key.RenderPass,
	}

	pipelines := make([]vk.Pipeline, 1)
	if res := vk.CreateGraphicsPipelines(c.ctx.Device.LogicalDevice, c.vkCache, 1, []vk.GraphicsPipelineCreateInfo{createInfo}, c.ctx.Allocator, pipelines); res != vk.Success {
		return nil, nil, fmt.Errorf("%w: %s", vkerr.ErrPipelineBuildFailed, vkerr.Wrap("CreateGraphicsPipelines", res))
	}
	return pipelines[0], layout, nil
}

// CurrentComputePipeline is CurrentGraphicsPipeline's compute analogue.
func (c *Cache) CurrentComputePipeline(key ComputeKey, stage vk.PipelineShaderStageCreateInfo, setLayouts []vk.DescriptorSetLayout) (vk.Pipeline, vk.PipelineLayout, error) {
	c.mu.Lock()
	entry, ok := c.compute[key]
	if !ok {
		entry = &computeEntry{ready: make(chan struct{})}
		c.compute[key] = entry
		c.group.Go(func() error {
			defer close(entry.ready)
			pipeline, layout, err := c.buildComputePipeline(stage, setLayouts)
			if err != nil {
				entry.err = err
				corelog.Error("compute pipeline build failed: %v", err)
				return nil
			}
			entry.pipeline = pipeline
			entry.layout = layout
			entry.built = true
			return nil
		})
	}
	c.mu.Unlock()

	select {
	case <-entry.ready:
		return entry.pipeline, entry.layout, entry.err
	default:
	}
	if c.asyncBuild {
		return nil, nil, nil
	}
	<-entry.ready
	return entry.pipeline, entry.layout, entry.err
}

func (c *Cache) buildComputePipeline(stage vk.PipelineShaderStageCreateInfo, setLayouts []vk.DescriptorSetLayout) (vk.Pipeline, vk.PipelineLayout, error) {
	layout, err := c.layoutBuilder.Build(setLayouts)
	if err != nil {
		return nil, nil, err
	}
	createInfo := vk.ComputePipelineCreateInfo{
		SType:  vk.StructureTypeComputePipelineCreateInfo,
		Stage:  stage,
		Layout: layout,
	}
	pipelines := make([]vk.Pipeline, 1)
	if res := vk.CreateComputePipelines(c.ctx.Device.LogicalDevice, c.vkCache, 1, []vk.ComputePipelineCreateInfo{createInfo}, c.ctx.Allocator, pipelines); res != vk.Success {
		return nil, nil, fmt.Errorf("%w: %s", vkerr.ErrPipelineBuildFailed, vkerr.Wrap("CreateComputePipelines", res))
	}
	return pipelines[0], layout, nil
}

// Wait blocks until every in-flight build has completed; used at shutdown
// before Close.
func (c *Cache) Wait() {
	_ = c.group.Wait()
}

// Close destroys every built pipeline, every pipeline layout, and the
// driver pipeline cache object.
func (c *Cache) Close() {
	c.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.graphics {
		if e.pipeline != nil {
			vk.DestroyPipeline(c.ctx.Device.LogicalDevice, e.pipeline, c.ctx.Allocator)
		}
	}
	for _, e := range c.compute {
		if e.pipeline != nil {
			vk.DestroyPipeline(c.ctx.Device.LogicalDevice, e.pipeline, c.ctx.Allocator)
		}
	}
	c.layoutBuilder.Close()
	if c.vkCache != nil {
		vk.DestroyPipelineCache(c.ctx.Device.LogicalDevice, c.vkCache, c.ctx.Allocator)
	}
}
