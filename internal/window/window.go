// Package window is the thin GLFW boundary collaborator: it owns the
// native window, the Vulkan surface it produces, and the framebuffer-size
// bookkeeping the presentation manager polls to decide when to recreate
// the swapchain. Input handling and any other GUI logic belong to the
// window/input-integration collaborator spec.md §1 keeps outside CORE's
// scope; this package exposes surface/extent only. Grounded on
// engine/platform/platform.go, trimmed of its key/mouse/scroll callbacks.
package window

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"

	"github.com/lamouse/vkcore/internal/corelog"
	"github.com/lamouse/vkcore/internal/vkerr"
)

func init() {
	// GLFW event handling must run on the thread that called glfw.Init.
	runtime.LockOSThread()
}

// Window owns a GLFW window and tracks framebuffer resizes via an atomic
// generation counter, the same "size generation" idea
// engine/renderer/vulkan/backend.go polls (FramebufferSizeGeneration vs.
// FramebufferSizeLastGeneration) to decide whether a swapchain recreate is
// due.
type Window struct {
	handle *glfw.Window

	width, height uint32
	sizeGen       atomic.Uint64
}

// New creates and shows a GLFW window configured for a Vulkan client API
// (glfw.NoAPI, per spec.md's Vulkan-only scope), grounded on
// Platform.Startup.
func New(title string, x, y, width, height uint32) (*Window, error) {
	if err := glfw.Init(); err != nil {
		return nil, fmt.Errorf("window: glfw init: %w", err)
	}
	if !glfw.VulkanSupported() {
		glfw.Terminate()
		return nil, fmt.Errorf("window: %w: no Vulkan loader found by GLFW", vkerr.ErrDeviceSelection)
	}

	glfw.WindowHint(glfw.Visible, glfw.False)
	glfw.WindowHint(glfw.Resizable, glfw.True)
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)

	handle, err := glfw.CreateWindow(int(width), int(height), title, nil, nil)
	if err != nil {
		glfw.Terminate()
		return nil, fmt.Errorf("window: create: %w", err)
	}

	w := &Window{handle: handle, width: width, height: height}
	handle.SetFramebufferSizeCallback(w.onFramebufferResize)
	handle.SetPos(int(x), int(y))
	handle.Show()

	corelog.Info("window created: %q %dx%d at (%d,%d)", title, width, height, x, y)
	return w, nil
}

func (w *Window) onFramebufferResize(_ *glfw.Window, width, height int) {
	w.width, w.height = uint32(width), uint32(height)
	w.sizeGen.Add(1)
}

// RequiredInstanceExtensions returns the VK_KHR_surface family of extension
// names GLFW needs the VkInstance to carry, for the caller assembling
// VkInstanceCreateInfo.
func (w *Window) RequiredInstanceExtensions() []string {
	return glfw.GetRequiredInstanceExtensions()
}

// InstanceProcAddr exposes GLFW's Vulkan loader entry point, which must be
// installed via vk.SetGetInstanceProcAddr before vk.Init runs.
func InstanceProcAddr() uintptr {
	return glfw.GetVulkanGetInstanceProcAddress()
}

// CreateSurface builds the VkSurfaceKHR this window presents to.
func (w *Window) CreateSurface(instance vk.Instance) (vk.Surface, error) {
	surface, err := w.handle.CreateWindowSurface(instance, nil)
	if err != nil {
		return nil, fmt.Errorf("window: create surface: %w", err)
	}
	return vk.SurfaceFromPointer(surface), nil
}

// FramebufferSize returns the window's current framebuffer extent in
// pixels, which may differ from its screen-coordinate size on HiDPI
// displays.
func (w *Window) FramebufferSize() (uint32, uint32) {
	fw, fh := w.handle.GetFramebufferSize()
	return uint32(fw), uint32(fh)
}

// SizeGeneration returns a counter incremented on every framebuffer
// resize, for a caller to compare against its last-seen value when
// deciding whether the swapchain needs recreating (the presentation
// manager does not read it), the same
// generation-counter idiom as FramebufferSizeGeneration in the teacher's
// VulkanContext.
func (w *Window) SizeGeneration() uint64 {
	return w.sizeGen.Load()
}

// ShouldClose reports whether the user requested the window be closed.
func (w *Window) ShouldClose() bool {
	return w.handle.ShouldClose()
}

// PollEvents pumps the platform's event queue. Must be called from the
// thread that created the window (the teacher's PumpMessages is a no-op;
// GLFW instead requires explicit polling).
func PollEvents() {
	glfw.PollEvents()
}

// Close destroys the window and terminates GLFW.
func (w *Window) Close() {
	w.handle.Destroy()
	glfw.Terminate()
}
