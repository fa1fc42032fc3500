package facade

import (
	"testing"

	vk "github.com/goki/vulkan"
)

func TestBoolToVkTrue(t *testing.T) {
	if got := boolToVk(true); got != vk.True {
		t.Errorf("boolToVk(true) = %v, want vk.True", got)
	}
}

func TestBoolToVkFalse(t *testing.T) {
	if got := boolToVk(false); got != vk.False {
		t.Errorf("boolToVk(false) = %v, want vk.False", got)
	}
}

// TestPipelineStateZeroValueIsInvalid pins updateDynamicState's "first
// draw of the frame always writes every tracked field" behavior: a
// freshly zeroed pipelineState (what TickFrame resets to) must report
// valid=false regardless of the zero cullMode/depthTest/depthWrite
// values happening to match a real draw's request.
func TestPipelineStateZeroValueIsInvalid(t *testing.T) {
	var s pipelineState
	if s.valid {
		t.Fatal("zero-value pipelineState.valid = true, want false")
	}
}
