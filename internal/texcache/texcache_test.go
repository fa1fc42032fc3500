package texcache

import (
	"testing"

	vk "github.com/goki/vulkan"
)

func TestViewKeyDistinguishesSubresourceRanges(t *testing.T) {
	base := viewKey{baseMip: 0, mipCount: 1, baseLayer: 0, layerCount: 1}
	mip1 := viewKey{baseMip: 1, mipCount: 1, baseLayer: 0, layerCount: 1}
	if base == mip1 {
		t.Fatalf("viewKey must distinguish base mip level, got equal keys %+v and %+v", base, mip1)
	}
}

func TestSamplerKeyEqualForIdenticalDescriptors(t *testing.T) {
	a := samplerKey{magFilter: 1, minFilter: 1, mipmapMode: 0, addressMode: 0, maxAnisotropy: 16, anisotropyEnable: true}
	b := samplerKey{magFilter: 1, minFilter: 1, mipmapMode: 0, addressMode: 0, maxAnisotropy: 16, anisotropyEnable: true}
	if a != b {
		t.Fatalf("identical sampler descriptors must hash equal: %+v != %+v", a, b)
	}
}

func TestFramebufferCacheRejectsOverLimitAttachments(t *testing.T) {
	c := NewFramebufferCache(nil)
	views := make([]vk.ImageView, 9)
	if _, err := c.Get(nil, views, 1920, 1080); err == nil {
		t.Fatalf("Get() with 9 attachments = nil error, want over-limit error")
	}
}
