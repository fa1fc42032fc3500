package textoverlay

import "testing"

func testFont() *Font {
	return &Font{
		LineHeight: 16,
		Glyphs: map[rune]Glyph{
			'A': {Width: 8, Height: 10, X: 0, Y: 0, XAdvance: 9},
			'V': {Width: 8, Height: 10, X: 8, Y: 0, XAdvance: 9},
		},
		Kerning: map[kerningKey]int16{
			{first: 'A', second: 'V'}: -2,
		},
	}
}

func TestAdvanceWithoutKerning(t *testing.T) {
	f := testFont()
	if got := f.Advance(0, 'A'); got != 9 {
		t.Errorf("Advance(0, 'A') = %d, want 9", got)
	}
}

func TestAdvanceAppliesKerningPair(t *testing.T) {
	f := testFont()
	if got := f.Advance('A', 'V'); got != 7 {
		t.Errorf("Advance('A', 'V') = %d, want 9-2=7", got)
	}
}

func TestAdvanceUnknownKerningPairIsZero(t *testing.T) {
	f := testFont()
	if got := f.Advance('V', 'A'); got != 9 {
		t.Errorf("Advance('V', 'A') = %d, want 9 (no kerning entry)", got)
	}
}

func TestAdvanceUnknownGlyphIsZero(t *testing.T) {
	f := testFont()
	if got := f.Advance(0, 'Z'); got != 0 {
		t.Errorf("Advance for an unregistered glyph = %d, want 0", got)
	}
}
