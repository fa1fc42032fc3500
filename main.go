// Command vkcore is a minimal host: it opens a window, brings up the
// Vulkan core, clears the frame every tick, and composes an empty layer
// list so the swapchain has something to present. It exists to exercise
// internal/facade end to end; a real application embeds internal/facade
// behind its own scene/ECS layer instead of this loop.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/lamouse/vkcore/internal/config"
	"github.com/lamouse/vkcore/internal/corelog"
	"github.com/lamouse/vkcore/internal/facade"
	"github.com/lamouse/vkcore/internal/window"
)

func main() {
	configPath := flag.String("config", "vkcore.toml", "path to the TOML configuration file")
	fontPath := flag.String("font", "", "path to a bmfont .fnt file for the render_debug HUD (optional)")
	flag.Parse()

	cfg := config.Load(*configPath)
	corelog.SetLevel(cfg.LogLevel)

	win, err := window.New("vkcore", 100, 100, 1280, 720)
	if err != nil {
		corelog.Fatal("window: %v", err)
	}
	defer win.Close()

	graphic, err := facade.New(win, cfg, *fontPath)
	if err != nil {
		corelog.Fatal("facade: %v", err)
	}
	defer graphic.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	for !win.ShouldClose() {
		select {
		case <-sigCh:
			return
		default:
		}

		window.PollEvents()

		graphic.Clean(facade.ClearValue{
			Color:      [4]float32{0, 0, 0, 1},
			ClearColor: true,
		})
		if err := graphic.Compose(nil, [4]float32{0, 0, 0, 1}, nil); err != nil {
			corelog.Error("compose: %v", err)
		}
		graphic.End()
		graphic.TickFrame()
	}
}
