// Package config loads and hot-reloads the core's TOML configuration file,
// honoring exactly the options enumerated in spec.md §6.
package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"

	"github.com/lamouse/vkcore/internal/corelog"
	"github.com/lamouse/vkcore/internal/mathutil"
	"github.com/lamouse/vkcore/internal/vkerr"
)

type VsyncMode string

const (
	VsyncImmediate    VsyncMode = "immediate"
	VsyncMailbox      VsyncMode = "mailbox"
	VsyncFifo         VsyncMode = "fifo"
	VsyncFifoRelaxed  VsyncMode = "fifo_relaxed"
	vsyncDefault                = VsyncFifo
)

type ScalingFilter string

const (
	FilterNearestNeighbor ScalingFilter = "nearest"
	FilterBilinear        ScalingFilter = "bilinear"
	FilterBicubic         ScalingFilter = "bicubic"
	FilterGaussian        ScalingFilter = "gaussian"
	FilterScaleForce      ScalingFilter = "scale_force"
	FilterFSR             ScalingFilter = "fsr"
	filterDefault                       = FilterBilinear
)

type AstcRecompression string

const (
	AstcRecompressionUncompressed AstcRecompression = "uncompressed"
	AstcRecompressionBc1          AstcRecompression = "bc1"
	AstcRecompressionBc3          AstcRecompression = "bc3"
)

type AstcDecodeMode string

const (
	AstcDecodeCpu             AstcDecodeMode = "cpu"
	AstcDecodeGpu             AstcDecodeMode = "gpu"
	AstcDecodeCpuAsynchronous AstcDecodeMode = "cpu_asynchronous"
)

type VRAMUsageMode string

const (
	VRAMConservative VRAMUsageMode = "conservative"
	VRAMAggressive   VRAMUsageMode = "aggressive"
)

// AspectRatioName is the TOML spelling for mathutil.AspectRatio.
type AspectRatioName string

const (
	AspectDefault AspectRatioName = "default"
	Aspect4_3     AspectRatioName = "4:3"
	Aspect21_9    AspectRatioName = "21:9"
	Aspect16_10   AspectRatioName = "16:10"
	Aspect32_9    AspectRatioName = "32:9"
	AspectStretch AspectRatioName = "stretch"
)

func (a AspectRatioName) Resolve() mathutil.AspectRatio {
	switch a {
	case Aspect4_3:
		return mathutil.AspectRatio4_3
	case Aspect21_9:
		return mathutil.AspectRatio21_9
	case Aspect16_10:
		return mathutil.AspectRatio16_10
	case Aspect32_9:
		return mathutil.AspectRatio32_9
	case AspectStretch:
		return mathutil.AspectRatioStretch
	default:
		return mathutil.AspectRatioDefault
	}
}

// Config mirrors the "Configuration (enumerated options the core honors)"
// list in spec.md §6.
type Config struct {
	VsyncMode              VsyncMode         `toml:"vsync_mode"`
	ScalingFilter          ScalingFilter     `toml:"scaling_filter"`
	AspectRatio            AspectRatioName   `toml:"aspect_ratio"`
	UseVsync               bool              `toml:"use_vsync"`
	UsePresentThread       bool              `toml:"use_present_thread"`
	UseAsynchronousShaders bool              `toml:"use_asynchronous_shaders"`
	UsePipelineCache       bool              `toml:"use_pipeline_cache"`
	UseDynamicRendering    bool              `toml:"use_dynamic_rendering"`
	RenderDebug            bool              `toml:"render_debug"`
	FSRSharpeningSlider    int               `toml:"fsr_sharpening_slider"`
	ASTCRecompression      AstcRecompression `toml:"astc_recompression"`
	ASTCDecodeMode         AstcDecodeMode    `toml:"astc_decode_mode"`
	VRAMUsageMode          VRAMUsageMode     `toml:"v_ram_usage_mode"`
	LogLevel               string           `toml:"log_level"`
}

// Default returns the safe-default configuration substituted whenever a
// file is missing or a field fails validation (spec.md §7 ConfigError).
func Default() Config {
	return Config{
		VsyncMode:              vsyncDefault,
		ScalingFilter:          filterDefault,
		AspectRatio:            AspectDefault,
		UseVsync:               true,
		UsePresentThread:       true,
		UseAsynchronousShaders: false,
		UsePipelineCache:       true,
		UseDynamicRendering:    true,
		RenderDebug:            false,
		FSRSharpeningSlider:    50,
		ASTCRecompression:      AstcRecompressionUncompressed,
		ASTCDecodeMode:         AstcDecodeGpu,
		VRAMUsageMode:          VRAMConservative,
		LogLevel:               "info",
	}
}

// reloadable reports whether field changes between an old and new config
// are safe to apply without tearing down GPU objects (spec.md's implicit
// boundary between live-tunable settings and those needing a device/
// swapchain recreate).
func (c Config) reloadable(prev Config) bool {
	c.VsyncMode, c.ScalingFilter, c.LogLevel = prev.VsyncMode, prev.ScalingFilter, prev.LogLevel
	return c == prev
}

func (c Config) validate() error {
	switch c.VsyncMode {
	case VsyncImmediate, VsyncMailbox, VsyncFifo, VsyncFifoRelaxed:
	default:
		return fmt.Errorf("%w: unknown vsync_mode %q", vkerr.ErrConfig, c.VsyncMode)
	}
	switch c.ScalingFilter {
	case FilterNearestNeighbor, FilterBilinear, FilterBicubic, FilterGaussian, FilterScaleForce, FilterFSR:
	default:
		return fmt.Errorf("%w: unknown scaling_filter %q", vkerr.ErrConfig, c.ScalingFilter)
	}
	if c.FSRSharpeningSlider < 0 || c.FSRSharpeningSlider > 100 {
		return fmt.Errorf("%w: fsr_sharpening_slider %d out of [0,100]", vkerr.ErrConfig, c.FSRSharpeningSlider)
	}
	return nil
}

// Load parses path, falling back to Default() (logged) on any I/O, parse,
// or validation error.
func Load(path string) Config {
	def := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		corelog.Warn("config: %s: %v, using defaults", path, err)
		return def
	}

	cfg := def
	if err := toml.Unmarshal(data, &cfg); err != nil {
		corelog.Warn("config: %s: parse error: %v, using defaults", path, err)
		return def
	}
	if err := cfg.validate(); err != nil {
		corelog.Warn("config: %v, using defaults", err)
		return def
	}
	return cfg
}

// Watcher hot-reloads the live-safe subset of options whenever the backing
// file changes on disk, via fsnotify.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher loads path once and starts watching it for changes.
func NewWatcher(path string) (*Watcher, error) {
	cfg := Load(path)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		corelog.Warn("config: cannot watch %s: %v (hot reload disabled)", path, err)
	}

	w := &Watcher{path: path, watcher: fw, done: make(chan struct{})}
	w.current.Store(&cfg)

	go w.loop()
	return w, nil
}

// Current returns the most recently accepted configuration.
func (w *Watcher) Current() Config {
	return *w.current.Load()
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			corelog.Warn("config watcher: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	prev := w.Current()
	next := Load(w.path)
	if !next.reloadable(prev) {
		corelog.Info("config: %s changed options that require a restart to apply; keeping running config except live-safe fields", w.path)
		// Still thread through the live-safe subset.
		live := prev
		live.VsyncMode, live.ScalingFilter, live.LogLevel = next.VsyncMode, next.ScalingFilter, next.LogLevel
		next = live
	}
	corelog.SetLevel(string(next.LogLevel))
	w.current.Store(&next)
}

// Close stops the watcher goroutine.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
