package present

import (
	"math"
	"testing"

	vk "github.com/goki/vulkan"

	"github.com/lamouse/vkcore/internal/config"
)

func TestPresentModePriorityAlwaysEndsInFifo(t *testing.T) {
	modes := []config.VsyncMode{config.VsyncImmediate, config.VsyncMailbox, config.VsyncFifoRelaxed, config.VsyncFifo}
	for _, v := range modes {
		p := presentModePriority(v)
		if len(p) == 0 {
			t.Fatalf("%v: empty priority list", v)
		}
		if p[len(p)-1] != vk.PresentModeFifo {
			t.Errorf("%v: priority list does not end in Fifo: %v", v, p)
		}
	}
}

func TestChoosePresentModeFallsBackToFifo(t *testing.T) {
	available := []vk.PresentMode{vk.PresentModeFifo}
	got := choosePresentMode(available, presentModePriority(config.VsyncMailbox))
	if got != vk.PresentModeFifo {
		t.Errorf("expected fallback to Fifo, got %v", got)
	}
}

func TestChoosePresentModeHonorsPriority(t *testing.T) {
	available := []vk.PresentMode{vk.PresentModeFifo, vk.PresentModeMailbox, vk.PresentModeImmediate}
	got := choosePresentMode(available, presentModePriority(config.VsyncMailbox))
	if got != vk.PresentModeMailbox {
		t.Errorf("expected Mailbox preferred over Fifo, got %v", got)
	}
}

func TestChooseSurfaceFormatPrefersSrgb(t *testing.T) {
	formats := []vk.SurfaceFormat{
		{Format: vk.FormatR8g8b8a8Unorm, ColorSpace: vk.ColorSpaceSrgbNonlinear},
		{Format: vk.FormatB8g8r8a8Unorm, ColorSpace: vk.ColorSpaceSrgbNonlinear},
	}
	got := chooseSurfaceFormat(formats)
	if got.Format != vk.FormatB8g8r8a8Unorm {
		t.Errorf("expected preferred BGRA8 sRGB format, got %v", got.Format)
	}
}

func TestChooseSurfaceFormatFallsBackToFirst(t *testing.T) {
	formats := []vk.SurfaceFormat{{Format: vk.FormatR8g8b8a8Unorm, ColorSpace: vk.ColorSpaceSrgbNonlinear}}
	got := chooseSurfaceFormat(formats)
	if got.Format != vk.FormatR8g8b8a8Unorm {
		t.Errorf("expected fallback to formats[0], got %v", got.Format)
	}
}

func TestChooseExtentUsesCurrentExtentWhenDefinite(t *testing.T) {
	caps := vk.SurfaceCapabilities{CurrentExtent: vk.Extent2D{Width: 1920, Height: 1080}}
	got := chooseExtent(caps, 800, 600)
	if got.Width != 1920 || got.Height != 1080 {
		t.Errorf("expected CurrentExtent to win, got %+v", got)
	}
}

func TestChooseExtentClampsWhenUndefined(t *testing.T) {
	caps := vk.SurfaceCapabilities{
		CurrentExtent:  vk.Extent2D{Width: math.MaxUint32, Height: math.MaxUint32},
		MinImageExtent: vk.Extent2D{Width: 100, Height: 100},
		MaxImageExtent: vk.Extent2D{Width: 4096, Height: 4096},
	}
	got := chooseExtent(caps, 50, 8000)
	if got.Width != 100 {
		t.Errorf("expected width clamped up to min 100, got %d", got.Width)
	}
	if got.Height != 4096 {
		t.Errorf("expected height clamped down to max 4096, got %d", got.Height)
	}
}

func TestContains(t *testing.T) {
	modes := []vk.PresentMode{vk.PresentModeFifo, vk.PresentModeMailbox}
	if !contains(modes, vk.PresentModeMailbox) {
		t.Error("expected Mailbox to be found")
	}
	if contains(modes, vk.PresentModeImmediate) {
		t.Error("did not expect Immediate to be found")
	}
}

func TestSwapchainNeedsRecreation(t *testing.T) {
	sc := &Swapchain{}
	if sc.NeedsRecreation() {
		t.Error("fresh swapchain should not need recreation")
	}
	sc.Outdated = true
	if !sc.NeedsRecreation() {
		t.Error("outdated swapchain should need recreation")
	}
	sc.Outdated, sc.Suboptimal = false, true
	if !sc.NeedsRecreation() {
		t.Error("suboptimal swapchain should need recreation")
	}
}

func TestSwapchainNeedsPresentModeUpdate(t *testing.T) {
	sc := &Swapchain{PresentMode: vk.PresentModeFifo}
	if sc.NeedsPresentModeUpdate(config.VsyncFifo) {
		t.Error("Fifo swapchain under Fifo config should not need an update")
	}
	// Fifo remains an acceptable fallback member of the Mailbox priority
	// list, so it does not force a recreation on its own.
	if sc.NeedsPresentModeUpdate(config.VsyncMailbox) {
		t.Error("Fifo swapchain under Mailbox config is still an acceptable fallback")
	}

	sc.PresentMode = vk.PresentModeImmediate
	if !sc.NeedsPresentModeUpdate(config.VsyncMailbox) {
		t.Error("Immediate swapchain under Mailbox config should flag for update")
	}
}
