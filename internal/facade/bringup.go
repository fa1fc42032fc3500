package facade

import (
	"fmt"
	"strings"

	vk "github.com/goki/vulkan"

	"github.com/lamouse/vkcore/internal/corelog"
	vkctx "github.com/lamouse/vkcore/internal/vk/context"
	"github.com/lamouse/vkcore/internal/vk/device"
	"github.com/lamouse/vkcore/internal/vkerr"
	"github.com/lamouse/vkcore/internal/window"
)

// nulTerminate mirrors the teacher's VulkanSafeString: goki/vulkan expects
// C-style NUL-terminated Go strings for name fields it doesn't otherwise
// length-prefix.
func nulTerminate(s string) string {
	if strings.HasSuffix(s, "\x00") {
		return s
	}
	return s + "\x00"
}

// createInstance builds the VkInstance required by win's surface,
// mirroring engine/renderer/vulkan/backend.go's Initialize: GLFW proc
// address installed before vk.Init, application info, GLFW's required
// extension list, and (when enableValidation) the khronos validation
// layer if present.
func createInstance(ctx *vkctx.Context, win *window.Window, appName string, enableValidation bool) error {
	vk.SetGetInstanceProcAddr(window.InstanceProcAddr())
	if err := vk.Init(); err != nil {
		return fmt.Errorf("facade: vk.Init: %w", err)
	}

	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         vk.MakeVersion(1, 1, 0),
		ApplicationVersion: vk.MakeVersion(1, 0, 0),
		PApplicationName:   nulTerminate(appName),
		PEngineName:        nulTerminate("vkcore"),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	extensions := append([]string{}, win.RequiredInstanceExtensions()...)
	for i := range extensions {
		extensions[i] = nulTerminate(extensions[i])
	}
	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = extensions

	var layers []string
	if enableValidation {
		if hasValidationLayer() {
			layers = []string{nulTerminate("VK_LAYER_KHRONOS_validation")}
		} else {
			corelog.Warn("facade: validation requested but VK_LAYER_KHRONOS_validation is not installed")
		}
	}
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = layers

	if res := vk.CreateInstance(&createInfo, ctx.Allocator, &ctx.Instance); res != vk.Success {
		return fmt.Errorf("facade: create instance: %w", vkerr.Wrap("CreateInstance", res))
	}
	if err := vk.InitInstance(ctx.Instance); err != nil {
		return fmt.Errorf("facade: init instance: %w", err)
	}
	return nil
}

func hasValidationLayer() bool {
	var count uint32
	if res := vk.EnumerateInstanceLayerProperties(&count, nil); res != vk.Success || count == 0 {
		return false
	}
	layers := make([]vk.LayerProperties, count)
	if res := vk.EnumerateInstanceLayerProperties(&count, layers); res != vk.Success {
		return false
	}
	for _, l := range layers {
		l.Deref()
		if vk.ToString(l.LayerName[:]) == "VK_LAYER_KHRONOS_validation" {
			return true
		}
	}
	return false
}

// bringUp creates the instance, the window's surface, and selects the
// physical/logical device, the three steps spec.md §5 places before any
// other subsystem comes up.
func bringUp(ctx *vkctx.Context, win *window.Window, appName string, enableValidation bool) error {
	if err := createInstance(ctx, win, appName, enableValidation); err != nil {
		return err
	}
	surface, err := win.CreateSurface(ctx.Instance)
	if err != nil {
		return fmt.Errorf("facade: surface: %w", err)
	}
	ctx.Surface = surface

	fw, fh := win.FramebufferSize()
	ctx.FramebufferWidth, ctx.FramebufferHeight = fw, fh

	return device.Create(ctx, device.DefaultRequirements())
}
