// Package renderpasscache is the key→handle render pass cache from
// spec.md §4.6: one color subpass, optional depth attachment, optional
// resolve attachments, a single subpass dependency gating on
// COLOR_ATTACHMENT_OUTPUT|EARLY_FRAGMENT_TESTS. Grounded on
// engine/renderer/vulkan/renderpass.go's attachment/subpass construction,
// generalized from the teacher's single hardcoded color+depth pass into a
// hash-keyed table over arbitrary format/sample/load-store combinations.
package renderpasscache

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"

	vkctx "github.com/lamouse/vkcore/internal/vk/context"
	"github.com/lamouse/vkcore/internal/vkerr"
)

const maxColorAttachments = 8

// Key identifies a render pass by its attachment formats, sample count,
// and whether resolve/clear is needed — the tuple spec.md's Data Model
// names for the Render pass entity.
type Key struct {
	ColorFormats [maxColorAttachments]vk.Format
	ColorCount   uint8
	DepthFormat  vk.Format
	HasDepth     bool
	Samples      vk.SampleCountFlagBits
	NeedResolve  bool
	ClearColor   bool
	ClearDepth   bool
}

// Cache is a mutex-guarded key→handle table.
type Cache struct {
	ctx *vkctx.Context

	mu    sync.Mutex
	table map[Key]vk.RenderPass
}

func New(ctx *vkctx.Context) *Cache {
	return &Cache{ctx: ctx, table: make(map[Key]vk.RenderPass)}
}

// Get returns the cached render pass for key, building it on first use.
func (c *Cache) Get(key Key) (vk.RenderPass, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rp, ok := c.table[key]; ok {
		return rp, nil
	}
	rp, err := c.build(key)
	if err != nil {
		return nil, err
	}
	c.table[key] = rp
	return rp, nil
}

func (c *Cache) build(key Key) (vk.RenderPass, error) {
	attachments := make([]vk.AttachmentDescription, 0, int(key.ColorCount)+2)
	colorRefs := make([]vk.AttachmentReference, 0, key.ColorCount)
	var resolveRefs []vk.AttachmentReference

	for i := uint8(0); i < key.ColorCount; i++ {
		loadOp := vk.AttachmentLoadOpLoad
		if key.ClearColor {
			loadOp = vk.AttachmentLoadOpClear
		}
		attachments = append(attachments, vk.AttachmentDescription{
			Format:         key.ColorFormats[i],
			Samples:        key.Samples,
			LoadOp:         loadOp,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutUndefined,
			FinalLayout:    vk.ImageLayoutColorAttachmentOptimal,
		})
		colorRefs = append(colorRefs, vk.AttachmentReference{
			Attachment: uint32(len(attachments) - 1),
			Layout:     vk.ImageLayoutColorAttachmentOptimal,
		})
	}

	if key.NeedResolve {
		for i := uint8(0); i < key.ColorCount; i++ {
			attachments = append(attachments, vk.AttachmentDescription{
				Format:         key.ColorFormats[i],
				Samples:        vk.SampleCount1Bit,
				LoadOp:         vk.AttachmentLoadOpDontCare,
				StoreOp:        vk.AttachmentStoreOpStore,
				StencilLoadOp:  vk.AttachmentLoadOpDontCare,
				StencilStoreOp: vk.AttachmentStoreOpDontCare,
				InitialLayout:  vk.ImageLayoutUndefined,
				FinalLayout:    vk.ImageLayoutColorAttachmentOptimal,
			})
			resolveRefs = append(resolveRefs, vk.AttachmentReference{
				Attachment: uint32(len(attachments) - 1),
				Layout:     vk.ImageLayoutColorAttachmentOptimal,
			})
		}
	}

	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: uint32(len(colorRefs)),
		PColorAttachments:    colorRefs,
	}
	if resolveRefs != nil {
		subpass.PResolveAttachments = resolveRefs
	}

	if key.HasDepth {
		depthLoadOp := vk.AttachmentLoadOpLoad
		if key.ClearDepth {
			depthLoadOp = vk.AttachmentLoadOpClear
		}
		attachments = append(attachments, vk.AttachmentDescription{
			Format:         key.DepthFormat,
			Samples:        key.Samples,
			LoadOp:         depthLoadOp,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutUndefined,
			FinalLayout:    vk.ImageLayoutDepthStencilAttachmentOptimal,
		})
		depthRef := vk.AttachmentReference{
			Attachment: uint32(len(attachments) - 1),
			Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
		}
		subpass.PDepthStencilAttachment = &depthRef
	}

	dependency := vk.SubpassDependency{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit) | vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit),
		DstStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit) | vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit),
		SrcAccessMask: 0,
		DstAccessMask: vk.AccessFlags(vk.AccessColorAttachmentWriteBit) | vk.AccessFlags(vk.AccessDepthStencilAttachmentWriteBit),
	}

	createInfo := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dependency},
	}

	var rp vk.RenderPass
	if res := vk.CreateRenderPass(c.ctx.Device.LogicalDevice, &createInfo, c.ctx.Allocator, &rp); res != vk.Success {
		return nil, fmt.Errorf("render pass cache build: %w", vkerr.Wrap("CreateRenderPass", res))
	}
	return rp, nil
}

// Close destroys every cached render pass.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rp := range c.table {
		vk.DestroyRenderPass(c.ctx.Device.LogicalDevice, rp, c.ctx.Allocator)
	}
	c.table = make(map[Key]vk.RenderPass)
}
