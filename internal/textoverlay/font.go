// Package textoverlay draws the "render_debug" HUD (frame/tick counters,
// present-mode and swapchain state) over the composited frame, per
// spec.md §6's render_debug option. Grounded on the teacher's
// engine/assets/loaders/bitmap_font.go (its one concrete consumer of the
// fzipp/bmfont dependency, which it otherwise only carries through an
// unused asset-loader registration) and repurposed here as the debug text
// path, an ambient concern carried regardless of the GUI non-goal (which
// excludes immediate-mode GUI rendering logic, not a debug overlay).
package textoverlay

import (
	"fmt"
	"image"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/fzipp/bmfont"
	"golang.org/x/image/draw"
)

// Glyph is one character's atlas rectangle and advance metrics, trimmed
// from bitmap_font.go's FontGlyph to the fields the overlay quad-builder
// actually reads.
type Glyph struct {
	Width, Height      uint16
	X, Y                uint16
	XAdvance, XOffset, YOffset int16
	Page               uint8
}

type kerningKey struct{ first, second rune }

// Font is a loaded BMFont bitmap font: glyph metrics plus a decoded atlas
// page ready for GPU upload. Grounded on bitmap_font.go's importFNTFile,
// trimmed of the KBF binary-cache path (spec.md carries no asset-pipeline
// non-goal exemption for it, but CORE has no asset pipeline to cache
// into) and of multi-page fonts (the debug HUD only ever needs a single
// small atlas).
type Font struct {
	Face       string
	LineHeight int32
	Baseline   int32

	Glyphs   map[rune]Glyph
	Kerning  map[kerningKey]int16

	AtlasWidth, AtlasHeight int
	// AtlasAlpha is the page image's alpha/coverage channel, one byte per
	// texel, ready to upload as formats.R8Unorm.
	AtlasAlpha []byte
}

// Load reads a .fnt descriptor and its referenced page image from dir,
// mirroring importFNTFile's bmfont.Load call plus the page image decode
// bitmap_font.go leaves to the (separate) texture loader.
func Load(fntPath string) (*Font, error) {
	font, err := bmfont.Load(fntPath)
	if err != nil {
		return nil, fmt.Errorf("textoverlay: load %s: %w", fntPath, err)
	}
	if len(font.Descriptor.Pages) == 0 {
		return nil, fmt.Errorf("textoverlay: %s declares no pages", fntPath)
	}

	out := &Font{
		Face:       font.Descriptor.Info.Face,
		LineHeight: int32(font.Descriptor.Common.LineHeight),
		Baseline:   int32(font.Descriptor.Common.Base),
		Glyphs:     make(map[rune]Glyph, len(font.Descriptor.Chars)),
		Kerning:    make(map[kerningKey]int16, len(font.Descriptor.Kerning)),
	}
	for _, g := range font.Descriptor.Chars {
		out.Glyphs[rune(g.ID)] = Glyph{
			Width: uint16(g.Width), Height: uint16(g.Height),
			X: uint16(g.X), Y: uint16(g.Y),
			XAdvance: int16(g.XAdvance), XOffset: int16(g.XOffset), YOffset: int16(g.YOffset),
			Page: uint8(g.Page),
		}
	}
	for pair, k := range font.Descriptor.Kerning {
		out.Kerning[kerningKey{rune(pair.First), rune(pair.Second)}] = int16(k.Amount)
	}

	dir := filepath.Dir(fntPath)
	var page string
	for _, p := range font.Descriptor.Pages {
		page = p.File
		break
	}
	alpha, w, h, err := loadAtlasAlpha(filepath.Join(dir, page))
	if err != nil {
		return nil, err
	}
	out.AtlasAlpha, out.AtlasWidth, out.AtlasHeight = alpha, w, h
	return out, nil
}

// Advance returns glyph's horizontal advance plus any kerning adjustment
// against the previous rune, mirroring BMFont's standard layout pass.
func (f *Font) Advance(prev, r rune) int16 {
	g, ok := f.Glyphs[r]
	if !ok {
		return 0
	}
	kern := f.Kerning[kerningKey{prev, r}]
	return g.XAdvance + kern
}

func loadAtlasAlpha(path string) ([]byte, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("textoverlay: open atlas %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("textoverlay: decode atlas %s: %w", path, err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	gray := image.NewGray(image.Rect(0, 0, w, h))
	// BMFont page atlases store glyph coverage in the alpha or luminance
	// channel depending on export settings; draw.Draw's conversion through
	// image.Gray normalizes either into a single coverage byte per texel.
	draw.Draw(gray, gray.Bounds(), img, bounds.Min, draw.Src)
	return gray.Pix, w, h, nil
}
