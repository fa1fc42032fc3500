package present

import (
	"testing"

	vk "github.com/goki/vulkan"

	"github.com/lamouse/vkcore/internal/config"
	"github.com/lamouse/vkcore/internal/mathutil"
)

func TestFilterToVk(t *testing.T) {
	if got := filterToVk(config.FilterNearestNeighbor); got != vk.FilterNearest {
		t.Errorf("nearest neighbor: got %v, want FilterNearest", got)
	}
	for _, f := range []config.ScalingFilter{config.FilterBilinear, config.FilterBicubic, config.FilterGaussian, config.FilterScaleForce, config.FilterFSR} {
		if got := filterToVk(f); got != vk.FilterLinear {
			t.Errorf("%v: got %v, want FilterLinear fallback", f, got)
		}
	}
}

func TestSliceUint32(t *testing.T) {
	b := []byte{0x01, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff}
	got := sliceUint32(b)
	want := []uint32{1, 0xffffffff}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d] = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestScreenRectPushConstantFullScreen(t *testing.T) {
	rect := mathutil.Rectangle{Left: 0, Top: 0, Right: 1920, Bottom: 1080}
	got := screenRectPushConstant(rect, 1920, 1080)
	want := [4]float32{-1, -1, 1, 1}
	if got != want {
		t.Errorf("full screen rect = %v, want %v", got, want)
	}
}

func TestScreenRectPushConstantBottomRightQuadrant(t *testing.T) {
	rect := mathutil.Rectangle{Left: 50, Top: 50, Right: 100, Bottom: 100}
	got := screenRectPushConstant(rect, 100, 100)
	want := [4]float32{0, 0, 1, 1}
	if got != want {
		t.Errorf("quadrant rect = %v, want %v", got, want)
	}
}

func TestQuadPipelineKeyDistinctByBlend(t *testing.T) {
	keys := map[quadPipelineKey]int{
		{blend: BlendOpaque}:        1,
		{blend: BlendPremultiplied}: 2,
		{blend: BlendCoverage}:      3,
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 distinct pipeline keys, got %d", len(keys))
	}
}
