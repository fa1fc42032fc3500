package present

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lamouse/vkcore/internal/vkerr"
)

// TestCopyToSwapchainRetryBoundMatchesOpenQuestionDecision pins
// maxSurfaceLostRetries to the bounded-retry decision recorded in
// DESIGN.md's open question log: the present thread gives up after this
// many consecutive surface-lost/out-of-date errors rather than retrying
// forever.
func TestCopyToSwapchainRetryBoundMatchesOpenQuestionDecision(t *testing.T) {
	if maxSurfaceLostRetries != 3 {
		t.Fatalf("maxSurfaceLostRetries = %d, want 3", maxSurfaceLostRetries)
	}
}

func TestMaxFrameCountClampsPresentManagerPool(t *testing.T) {
	if maxFrameCount != 7 {
		t.Fatalf("maxFrameCount = %d, want 7", maxFrameCount)
	}
}

// TestRecreateTriggerClassification exercises the same predicate
// copyToSwapchain's retry loop uses to decide whether an error should
// trigger a swapchain recreation versus being propagated immediately.
func TestRecreateTriggerClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"surface lost", fmt.Errorf("swapchain acquire: %w", vkerr.ErrSurfaceLost), true},
		{"out of date", fmt.Errorf("swapchain acquire: %w", vkerr.ErrOutOfDate), true},
		{"device lost", fmt.Errorf("present submit: %w", vkerr.ErrDeviceLost), false},
		{"unrelated", errors.New("some other failure"), false},
	}
	for _, c := range cases {
		if got := vkerr.IsRecreateTrigger(c.err); got != c.want {
			t.Errorf("%s: IsRecreateTrigger() = %v, want %v", c.name, got, c.want)
		}
	}
}

// TestGivingUpErrorWrapsDeviceLost checks the error copyToSwapchain
// constructs after exhausting its retries still classifies as
// ErrDeviceLost for callers using errors.Is, matching the fatal-abort
// semantics spec.md attaches to that sentinel.
func TestGivingUpErrorWrapsDeviceLost(t *testing.T) {
	attempt := maxSurfaceLostRetries - 1
	err := fmt.Errorf("%w: surface lost after %d retries", vkerr.ErrDeviceLost, attempt+1)
	if !errors.Is(err, vkerr.ErrDeviceLost) {
		t.Error("expected wrapped error to satisfy errors.Is(err, vkerr.ErrDeviceLost)")
	}
	if vkerr.IsRecreateTrigger(err) {
		t.Error("the give-up error must not itself be classified as a recreate trigger")
	}
}
