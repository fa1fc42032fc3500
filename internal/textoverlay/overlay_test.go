package textoverlay

import "testing"

func overlayWithTestFont() *Overlay {
	return &Overlay{font: testFont()}
}

func TestBuildVerticesEmitsSixVertsPerGlyph(t *testing.T) {
	o := overlayWithTestFont()
	verts := o.buildVertices([]string{"AV"}, 0, 0, 800, 600)
	if len(verts) != 12 {
		t.Fatalf("len(verts) = %d, want 12 (2 glyphs * 6 verts)", len(verts))
	}
}

func TestBuildVerticesSkipsUnknownGlyphs(t *testing.T) {
	o := overlayWithTestFont()
	verts := o.buildVertices([]string{"AZV"}, 0, 0, 800, 600)
	if len(verts) != 12 {
		t.Fatalf("len(verts) = %d, want 12 (unknown glyph 'Z' contributes nothing)", len(verts))
	}
}

func TestBuildVerticesEmptyLinesProduceNoVerts(t *testing.T) {
	o := overlayWithTestFont()
	if verts := o.buildVertices(nil, 0, 0, 800, 600); len(verts) != 0 {
		t.Errorf("len(verts) = %d, want 0", len(verts))
	}
}

func TestBuildVerticesOriginMapsToNDCTopLeft(t *testing.T) {
	o := overlayWithTestFont()
	verts := o.buildVertices([]string{"A"}, 0, 0, 800, 600)
	if len(verts) == 0 {
		t.Fatal("expected at least one vertex")
	}
	first := verts[0]
	if first.X != -1 || first.Y != -1 {
		t.Errorf("pixel origin (0,0) should map to NDC (-1,-1), got (%v, %v)", first.X, first.Y)
	}
}

func TestBuildVerticesMultilineAdvancesCursorByLineHeight(t *testing.T) {
	o := overlayWithTestFont()
	one := o.buildVertices([]string{"A"}, 0, 0, 800, 600)
	two := o.buildVertices([]string{"A", "A"}, 0, 0, 800, 600)
	if len(two) != 2*len(one) {
		t.Fatalf("len(two) = %d, want %d", len(two), 2*len(one))
	}
	// second line's top-left y should be offset by LineHeight pixels worth of NDC.
	secondLineFirstVert := two[6]
	if secondLineFirstVert.Y <= one[0].Y {
		t.Errorf("second line should sit below the first in NDC y, got %v vs %v", secondLineFirstVert.Y, one[0].Y)
	}
}

func TestVertsToBytesLength(t *testing.T) {
	verts := []vertex{{0, 0, 0, 0}, {1, 1, 1, 1}}
	b := vertsToBytes(verts)
	if len(b) != len(verts)*vertexSize {
		t.Errorf("len(b) = %d, want %d", len(b), len(verts)*vertexSize)
	}
}

func TestVertsToBytesEmpty(t *testing.T) {
	if b := vertsToBytes(nil); b != nil {
		t.Errorf("vertsToBytes(nil) = %v, want nil", b)
	}
}
