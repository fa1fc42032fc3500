package present

import (
	"testing"
	"time"
)

// TestTurboModeActiveWindow exercises the active() recency check in
// isolation from Vulkan resource creation, since build()/dispatchOnce()
// require a real device.
func TestTurboModeActiveWindow(t *testing.T) {
	turbo := &TurboMode{}
	turbo.lastSubmission = time.Now()
	if !turbo.active() {
		t.Error("expected turbo mode to be active immediately after a submission")
	}

	turbo.lastSubmission = time.Now().Add(-2 * turboActiveWindow)
	if turbo.active() {
		t.Error("expected turbo mode to go idle once the active window has elapsed")
	}
}

func TestTurboModeQueueSubmittedRefreshesWindow(t *testing.T) {
	turbo := &TurboMode{}
	turbo.lastSubmission = time.Now().Add(-2 * turboActiveWindow)
	if turbo.active() {
		t.Fatal("precondition failed: turbo mode should start idle")
	}
	turbo.QueueSubmitted()
	if !turbo.active() {
		t.Error("expected QueueSubmitted to refresh the active window")
	}
}
