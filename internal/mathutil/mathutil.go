// Package mathutil holds the handful of numeric helpers the core needs:
// clamping and the presentation framebuffer-layout aspect-ratio math.
package mathutil

import "golang.org/x/exp/constraints"

// Clamp returns f clamped to [low, high]. Grounded on engine/math/utils.go.
func Clamp[T constraints.Ordered](f, low, high T) T {
	if f < low {
		return low
	}
	if f > high {
		return high
	}
	return f
}

// AspectRatio selects the fixed aspect ratio requested by configuration
// (spec.md §6 `aspect_ratio`), mirroring
// original_source/src/core/frontend/framebuffer_layout.cpp's
// EmulationAspectRatio.
type AspectRatio uint8

const (
	AspectRatioDefault AspectRatio = iota
	AspectRatio4_3
	AspectRatio21_9
	AspectRatio16_10
	AspectRatio32_9
	AspectRatioStretch
)

// Rectangle is an axis-aligned integer rectangle, top-left origin.
type Rectangle struct {
	Left, Top, Right, Bottom uint32
}

func (r Rectangle) Width() uint32  { return r.Right - r.Left }
func (r Rectangle) Height() uint32 { return r.Bottom - r.Top }

func (r Rectangle) TranslateX(dx uint32) Rectangle {
	r.Left += dx
	r.Right += dx
	return r
}

func (r Rectangle) TranslateY(dy uint32) Rectangle {
	r.Top += dy
	r.Bottom += dy
	return r
}

// EmulationAspectRatio resolves the configured aspect ratio to a
// height/width ratio, falling back to the window's own ratio for
// AspectRatioDefault and AspectRatioStretch.
func EmulationAspectRatio(aspect AspectRatio, windowAspectRatio float32) float32 {
	switch aspect {
	case AspectRatio4_3:
		return 3.0 / 4.0
	case AspectRatio21_9:
		return 9.0 / 21.0
	case AspectRatio16_10:
		return 10.0 / 16.0
	case AspectRatio32_9:
		return 9.0 / 32.0
	case AspectRatioStretch:
		return windowAspectRatio
	default:
		return windowAspectRatio
	}
}

// maxRectangle finds the largest subrectangle of windowArea that respects
// screenAspectRatio (height/width), anchored at the origin.
func maxRectangle(windowArea Rectangle, screenAspectRatio float32) Rectangle {
	w := float32(windowArea.Width())
	h := float32(windowArea.Height())
	scale := w
	if h/screenAspectRatio < scale {
		scale = h / screenAspectRatio
	}
	width := uint32(scale + 0.5)
	height := uint32(scale*screenAspectRatio + 0.5)
	return Rectangle{0, 0, width, height}
}

// FrameLayout is the resolved on-window placement of the rendered image,
// per original_source's layout::FrameBufferLayout.
type FrameLayout struct {
	Width, Height uint32
	Screen        Rectangle
}

// DefaultFrameLayout centers a screen rectangle honoring aspect inside a
// width x height window, letterboxing or pillarboxing as needed.
func DefaultFrameLayout(width, height uint32, aspect AspectRatio) FrameLayout {
	res := FrameLayout{Width: width, Height: height}

	windowAspectRatio := float32(height) / float32(width)
	emulationAspectRatio := EmulationAspectRatio(aspect, windowAspectRatio)

	windowArea := Rectangle{0, 0, width, height}
	screen := maxRectangle(windowArea, emulationAspectRatio)

	if windowAspectRatio < emulationAspectRatio {
		screen = screen.TranslateX((windowArea.Width() - screen.Width()) / 2)
	} else {
		screen = screen.TranslateY((height - screen.Height()) / 2)
	}

	res.Screen = screen
	return res
}
