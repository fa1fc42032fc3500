// Package vkerr defines the error kinds from spec.md §7 and the
// VkResult-wrapping convention used throughout internal/vk.
package vkerr

import (
	"errors"
	"fmt"

	vk "github.com/goki/vulkan"
)

// Sentinel kinds. Use errors.Is against these to branch on error kind;
// wrapped errors carry additional context via fmt.Errorf("...: %w", Kind).
var (
	// ErrConfig: bad config file or unknown option. Reported to the
	// logger, safe defaults substituted — never fatal.
	ErrConfig = errors.New("config error")

	// ErrDeviceSelection: no suitable GPU, or a mandatory extension or
	// feature is missing. Fatal at init.
	ErrDeviceSelection = errors.New("device selection error")

	// ErrOutOfMemory: allocator or staging pool cannot satisfy a commit.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrSurfaceLost / ErrOutOfDate: caught inside presentation, trigger a
	// recreate. Persistent failure is surfaced as ErrDeviceLost.
	ErrSurfaceLost = errors.New("surface lost")
	ErrOutOfDate   = errors.New("swapchain out of date")

	// ErrDeviceLost: unrecoverable. Logged, process aborts.
	ErrDeviceLost = errors.New("device lost")

	// ErrPipelineBuildFailed: the pipeline slot remains null; draws using
	// it are skipped.
	ErrPipelineBuildFailed = errors.New("pipeline build failed")

	// ErrShaderCompile: bubbles up from the shader compile step; the
	// pipeline is not cached.
	ErrShaderCompile = errors.New("shader compile error")

	// ErrUnsupported: the operation becomes a no-op and is logged once.
	ErrUnsupported = errors.New("unsupported operation")
)

// VulkanError wraps a non-success VkResult the way engine/renderer/vulkan's
// teacher code does inline (fmt.Errorf + core.LogError) at every call site;
// this centralizes it instead of repeating the pattern everywhere.
type VulkanError struct {
	Op     string
	Result vk.Result
}

func (e *VulkanError) Error() string {
	return fmt.Sprintf("%s: vulkan result %d", e.Op, e.Result)
}

// Wrap returns nil if result is vk.Success, otherwise a *VulkanError
// annotated with op, classified against the sentinel kinds above via
// errors.Is-compatible wrapping where a classification is known.
func Wrap(op string, result vk.Result) error {
	if result == vk.Success {
		return nil
	}
	ve := &VulkanError{Op: op, Result: result}
	switch result {
	case vk.ErrorDeviceLost:
		return fmt.Errorf("%w: %s", ErrDeviceLost, ve.Error())
	case vk.ErrorOutOfDateKhr:
		return fmt.Errorf("%w: %s", ErrOutOfDate, ve.Error())
	case vk.ErrorSurfaceLostKhr:
		return fmt.Errorf("%w: %s", ErrSurfaceLost, ve.Error())
	case vk.ErrorOutOfHostMemory, vk.ErrorOutOfDeviceMemory:
		return fmt.Errorf("%w: %s", ErrOutOfMemory, ve.Error())
	default:
		return ve
	}
}

// IsRecreateTrigger reports whether err should cause a swapchain/surface
// recreate attempt rather than being treated as fatal, per spec.md §7.
func IsRecreateTrigger(err error) bool {
	return errors.Is(err, ErrSurfaceLost) || errors.Is(err, ErrOutOfDate)
}
