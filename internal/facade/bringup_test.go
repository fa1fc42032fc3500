package facade

import "testing"

func TestNulTerminateAddsTerminator(t *testing.T) {
	if got := nulTerminate("vkcore"); got != "vkcore\x00" {
		t.Errorf("nulTerminate(%q) = %q, want %q", "vkcore", got, "vkcore\x00")
	}
}

func TestNulTerminateIdempotent(t *testing.T) {
	if got := nulTerminate("vkcore\x00"); got != "vkcore\x00" {
		t.Errorf("nulTerminate on an already-terminated string should not double the terminator, got %q", got)
	}
}
