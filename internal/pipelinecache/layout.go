package pipelinecache

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"

	vkctx "github.com/lamouse/vkcore/internal/vk/context"
	"github.com/lamouse/vkcore/internal/vkerr"
)

// layoutKey is the descriptor-set-layout tuple a pipeline layout is built
// from; pipeline layouts are cached by this tuple since many pipelines
// share the same binding shape.
type layoutKey struct {
	layouts [8]vk.DescriptorSetLayout
	count   int
}

func newLayoutKey(setLayouts []vk.DescriptorSetLayout) layoutKey {
	var k layoutKey
	k.count = len(setLayouts)
	copy(k.layouts[:], setLayouts)
	return k
}

// LayoutBuilder caches vk.PipelineLayout objects by their constituent
// descriptor-set-layout tuple, mirroring the "pipeline layout from a
// descriptor layout builder that walks shader Info" step of spec.md §4.7.
type LayoutBuilder struct {
	ctx *vkctx.Context

	mu    sync.Mutex
	table map[layoutKey]vk.PipelineLayout
}

func NewLayoutBuilder(ctx *vkctx.Context) *LayoutBuilder {
	return &LayoutBuilder{ctx: ctx, table: make(map[layoutKey]vk.PipelineLayout)}
}

// Build returns the cached pipeline layout for setLayouts, creating it on
// first use.
func (b *LayoutBuilder) Build(setLayouts []vk.DescriptorSetLayout) (vk.PipelineLayout, error) {
	if len(setLayouts) > 8 {
		return nil, fmt.Errorf("pipeline layout: %d descriptor set layouts exceeds the 8-set limit", len(setLayouts))
	}
	key := newLayoutKey(setLayouts)

	b.mu.Lock()
	defer b.mu.Unlock()
	if layout, ok := b.table[key]; ok {
		return layout, nil
	}

	createInfo := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: uint32(len(setLayouts)),
		PSetLayouts:    setLayouts,
	}
	var layout vk.PipelineLayout
	if res := vk.CreatePipelineLayout(b.ctx.Device.LogicalDevice, &createInfo, b.ctx.Allocator, &layout); res != vk.Success {
		return nil, fmt.Errorf("create pipeline layout: %w", vkerr.Wrap("CreatePipelineLayout", res))
	}
	b.table[key] = layout
	return layout, nil
}

// Close destroys every cached pipeline layout.
func (b *LayoutBuilder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, layout := range b.table {
		vk.DestroyPipelineLayout(b.ctx.Device.LogicalDevice, layout, b.ctx.Allocator)
	}
	b.table = make(map[layoutKey]vk.PipelineLayout)
}
