package buffercache

import (
	"testing"

	vk "github.com/goki/vulkan"
)

func TestBufferIsRegionUsedDetectsOverlap(t *testing.T) {
	b := &Buffer{}
	b.markUsed(0, 64)

	if !b.IsRegionUsed(32, 16) {
		t.Fatalf("IsRegionUsed(32,16) = false, want true (overlaps [0,64))")
	}
	if b.IsRegionUsed(64, 16) {
		t.Fatalf("IsRegionUsed(64,16) = true, want false (adjacent, non-overlapping)")
	}
	if b.IsRegionUsed(100, 8) {
		t.Fatalf("IsRegionUsed(100,8) = true, want false (disjoint range)")
	}
}

func TestBufferResetUsageTrackingClears(t *testing.T) {
	b := &Buffer{}
	b.markUsed(0, 16)
	b.ResetUsageTracking()
	if b.IsRegionUsed(0, 16) {
		t.Fatalf("IsRegionUsed after ResetUsageTracking = true, want false")
	}
}

func TestKindUsageFlagsIncludeTransferBits(t *testing.T) {
	for _, k := range []Kind{KindVertex, KindIndex, KindUniform, KindStorage, KindTexel} {
		flags := k.usageFlags()
		want := vk.BufferUsageFlags(vk.BufferUsageTransferDstBit | vk.BufferUsageTransferSrcBit)
		if flags&want != want {
			t.Fatalf("Kind(%d).usageFlags() = %#x, want both transfer bits %#x set", k, flags, want)
		}
	}
}
