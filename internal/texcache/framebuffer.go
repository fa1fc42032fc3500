package texcache

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"

	vkctx "github.com/lamouse/vkcore/internal/vk/context"
	"github.com/lamouse/vkcore/internal/vkerr"
)

// framebufferKey identifies a cached framebuffer by its render pass and
// attachment view set, generalized from FramebufferCreate in
// engine/renderer/vulkan/framebuffer.go (which built exactly one
// framebuffer per renderpass/attachment set with no caching at all).
type framebufferKey struct {
	renderPass  vk.RenderPass
	attachments [8]vk.ImageView
	count       int
	width       uint32
	height      uint32
}

// FramebufferCache caches vk.Framebuffer objects keyed by render pass,
// attachment views and extent, so repeated draws to the same render
// target don't recreate a framebuffer every frame.
type FramebufferCache struct {
	ctx *vkctx.Context

	mu    sync.Mutex
	table map[framebufferKey]vk.Framebuffer
}

func NewFramebufferCache(ctx *vkctx.Context) *FramebufferCache {
	return &FramebufferCache{ctx: ctx, table: make(map[framebufferKey]vk.Framebuffer)}
}

// Get returns the cached framebuffer for renderPass/attachments/width/
// height, building it on first use. Mirrors FramebufferCreate's create-info
// assembly.
func (f *FramebufferCache) Get(renderPass vk.RenderPass, attachments []vk.ImageView, width, height uint32) (vk.Framebuffer, error) {
	if len(attachments) > 8 {
		return nil, fmt.Errorf("texcache framebuffer: %d attachments exceeds the 8-attachment limit", len(attachments))
	}
	var key framebufferKey
	key.renderPass = renderPass
	key.count = len(attachments)
	copy(key.attachments[:], attachments)
	key.width = width
	key.height = height

	f.mu.Lock()
	defer f.mu.Unlock()
	if fb, ok := f.table[key]; ok {
		return fb, nil
	}

	createInfo := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      renderPass,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		Width:           width,
		Height:          height,
		Layers:          1,
	}
	var fb vk.Framebuffer
	if res := vk.CreateFramebuffer(f.ctx.Device.LogicalDevice, &createInfo, f.ctx.Allocator, &fb); res != vk.Success {
		return nil, fmt.Errorf("texcache framebuffer: %w", vkerr.Wrap("CreateFramebuffer", res))
	}
	f.table[key] = fb
	return fb, nil
}

// InvalidateRenderPass destroys every cached framebuffer built against
// renderPass, used when the render pass cache rebuilds a render pass
// (format or sample-count change) and its old framebuffers go stale.
func (f *FramebufferCache) InvalidateRenderPass(renderPass vk.RenderPass) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, fb := range f.table {
		if key.renderPass == renderPass {
			vk.DestroyFramebuffer(f.ctx.Device.LogicalDevice, fb, f.ctx.Allocator)
			delete(f.table, key)
		}
	}
}

// Close destroys every cached framebuffer.
func (f *FramebufferCache) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fb := range f.table {
		vk.DestroyFramebuffer(f.ctx.Device.LogicalDevice, fb, f.ctx.Allocator)
	}
	f.table = make(map[framebufferKey]vk.Framebuffer)
}
