// Package formats maps the core's own pixel-format enum onto vk.Format,
// and resolves "is this format usable for this purpose on this device"
// queries with the fallback rules the device's format-property table
// implies. Grounded on original_source's format_to_vk.cpp (request a
// format, fall back to an emulated one when the device can't use it
// directly) and engine/renderer/vulkan/device.go's depth-format probe.
package formats

import (
	vk "github.com/goki/vulkan"

	vkctx "github.com/lamouse/vkcore/internal/vk/context"
)

// PixelFormat is the core's format-agnostic currency between the facade,
// the texture cache and the buffer cache.
type PixelFormat int

const (
	Undefined PixelFormat = iota
	R8Unorm
	R8G8Unorm
	R8G8B8A8Unorm
	R8G8B8A8Srgb
	B8G8R8A8Unorm
	B8G8R8A8Srgb
	R16G16B16A16Sfloat
	R32G32B32A32Sfloat
	D32Sfloat
	D24UnormS8Uint
	D32SfloatS8Uint
	Bc1RgbaUnormBlock
	Bc3UnormBlock
	Astc4x4UnormBlock
	Astc8x8UnormBlock
)

var toVk = map[PixelFormat]vk.Format{
	R8Unorm:             vk.FormatR8Unorm,
	R8G8Unorm:           vk.FormatR8g8Unorm,
	R8G8B8A8Unorm:       vk.FormatR8g8b8a8Unorm,
	R8G8B8A8Srgb:        vk.FormatR8g8b8a8Srgb,
	B8G8R8A8Unorm:       vk.FormatB8g8r8a8Unorm,
	B8G8R8A8Srgb:        vk.FormatB8g8r8a8Srgb,
	R16G16B16A16Sfloat:  vk.FormatR16g16b16a16Sfloat,
	R32G32B32A32Sfloat:  vk.FormatR32g32b32a32Sfloat,
	D32Sfloat:           vk.FormatD32Sfloat,
	D24UnormS8Uint:      vk.FormatD24UnormS8Uint,
	D32SfloatS8Uint:     vk.FormatD32SfloatS8Uint,
	Bc1RgbaUnormBlock:   vk.FormatBc1RgbaUnormBlock,
	Bc3UnormBlock:       vk.FormatBc3UnormBlock,
	Astc4x4UnormBlock:   vk.FormatAstc4x4UnormBlock,
	Astc8x8UnormBlock:   vk.FormatAstc8x8UnormBlock,
}

// ToVk returns the Vulkan format for f, or vk.FormatUndefined if f is not
// one of the enumerated constants.
func ToVk(f PixelFormat) vk.Format {
	if v, ok := toVk[f]; ok {
		return v
	}
	return vk.FormatUndefined
}

// IsDepth reports whether f carries a depth aspect.
func IsDepth(f PixelFormat) bool {
	switch f {
	case D32Sfloat, D24UnormS8Uint, D32SfloatS8Uint:
		return true
	}
	return false
}

// IsStencil reports whether f carries a stencil aspect.
func IsStencil(f PixelFormat) bool {
	switch f {
	case D24UnormS8Uint, D32SfloatS8Uint:
		return true
	}
	return false
}

// IsCompressed reports whether f is a block-compressed format, which rules
// out it being a render target or storage-image target.
func IsCompressed(f PixelFormat) bool {
	switch f {
	case Bc1RgbaUnormBlock, Bc3UnormBlock, Astc4x4UnormBlock, Astc8x8UnormBlock:
		return true
	}
	return false
}

// astcBlockDims gives the block footprint (width, height) in texels for
// each ASTC format this core enumerates.
var astcBlockDims = map[PixelFormat][2]uint32{
	Astc4x4UnormBlock: {4, 4},
	Astc8x8UnormBlock: {8, 8},
}

// ASTCBlockDims returns f's block footprint and whether f is an ASTC
// format at all.
func ASTCBlockDims(f PixelFormat) (width, height uint32, ok bool) {
	dims, ok := astcBlockDims[f]
	return dims[0], dims[1], ok
}

// IsASTC reports whether f is one of the ASTC block-compressed formats.
func IsASTC(f PixelFormat) bool {
	_, ok := astcBlockDims[f]
	return ok
}

// Usage selects which vk.FormatFeatureFlags bit the caller cares about,
// mirroring FormatType in original_source/src/render_core/texture/formatter.h.
type Usage int

const (
	UsageBuffer Usage = iota
	UsageOptimal
	UsageLinear
)

// IsSupported reports whether format supports the requested feature flags
// for the given usage class on dev.
func IsSupported(dev *vkctx.Device, format vk.Format, features vk.FormatFeatureFlagBits, usage Usage) bool {
	var props vk.FormatProperties
	vk.GetPhysicalDeviceFormatProperties(dev.PhysicalDevice, format, &props)
	props.Deref()

	var flags vk.FormatFeatureFlags
	switch usage {
	case UsageBuffer:
		flags = vk.FormatFeatureFlags(props.BufferFeatures)
	case UsageLinear:
		flags = vk.FormatFeatureFlags(props.LinearTilingFeatures)
	default:
		flags = vk.FormatFeatureFlags(props.OptimalTilingFeatures)
	}
	return flags&vk.FormatFeatureFlags(features) == vk.FormatFeatureFlags(features)
}

// astcFallback is consulted by GetSupportedFormat when a device cannot
// sample ASTC directly (the config's astc_decode_mode is not read here):
// callers in internal/texcache decode ASTC blocks to one of these first.
var astcFallback = map[PixelFormat]PixelFormat{
	Astc4x4UnormBlock: R8G8B8A8Unorm,
	Astc8x8UnormBlock: R8G8B8A8Unorm,
}

// GetSupportedFormat returns want if the device can use it for usage with
// features, otherwise a fallback format the caller can reinterpret/convert
// into, mirroring the teacher's "try requested, else substitute" pattern
// in original_source's Device::getSupportedFormat.
func GetSupportedFormat(dev *vkctx.Device, want PixelFormat, features vk.FormatFeatureFlagBits, usage Usage) PixelFormat {
	if IsSupported(dev, ToVk(want), features, usage) {
		return want
	}
	if fallback, ok := astcFallback[want]; ok && IsSupported(dev, ToVk(fallback), features, usage) {
		return fallback
	}
	if IsDepth(want) && want != D32Sfloat && IsSupported(dev, ToVk(D32Sfloat), features, usage) {
		return D32Sfloat
	}
	return want
}

// ChooseSurfaceFormat implements the swapchain's preference order: prefer
// B8G8R8A8 UNORM with SRGB-nonlinear colorspace, else the first format the
// surface reports.
func ChooseSurfaceFormat(available []vk.SurfaceFormat) vk.SurfaceFormat {
	for _, f := range available {
		if f.Format == vk.FormatB8g8r8a8Unorm && f.ColorSpace == vk.ColorSpaceSrgbNonlinear {
			return f
		}
	}
	if len(available) > 0 {
		return available[0]
	}
	return vk.SurfaceFormat{Format: vk.FormatB8g8r8a8Unorm, ColorSpace: vk.ColorSpaceSrgbNonlinear}
}

// ChoosePresentMode picks the best-available mode from requested priority
// order, falling back to FIFO (always guaranteed by the spec) when none of
// the requested modes are supported.
func ChoosePresentMode(available []vk.PresentMode, priority []vk.PresentMode) vk.PresentMode {
	supported := make(map[vk.PresentMode]bool, len(available))
	for _, m := range available {
		supported[m] = true
	}
	for _, want := range priority {
		if supported[want] {
			return want
		}
	}
	return vk.PresentModeFifo
}
