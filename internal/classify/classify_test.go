package classify

import (
	"image"
	"image/color"
	"testing"

	"github.com/BTreeMap/ScreenPilot/internal/config"
	"github.com/BTreeMap/ScreenPilot/internal/models"
	"github.com/BTreeMap/ScreenPilot/internal/vision"
)

func mkGray(w, h int, fill uint8) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for i := range g.Pix {
		g.Pix[i] = fill
	}
	return g
}

func patternGray(w, h int, seed int) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g.SetGray(x, y, color.Gray{Y: uint8((x*7 + y*13 + seed*31) % 251)})
		}
	}
	return g
}

func stamp(dst, src *image.Gray, x, y int) {
	b := src.Bounds()
	for sy := 0; sy < b.Dy(); sy++ {
		for sx := 0; sx < b.Dx(); sx++ {
			dst.SetGray(x+sx, y+sy, src.GrayAt(sx, sy))
		}
	}
}

var (
	homeRegion    = models.Rect{X: 10, Y: 200, W: 30, H: 20}
	overlayRegion = models.Rect{X: 100, Y: 60, W: 60, H: 50}
	bannerRegion  = models.Rect{X: 0, Y: 0, W: 50, H: 20}
	anchorSearch  = models.Rect{X: 0, Y: 190, W: 60, H: 40}

	homePat    = patternGray(30, 20, 1)
	overlayPat = patternGray(60, 50, 2)
	bannerPat  = patternGray(50, 20, 3)
	anchorPat  = patternGray(16, 16, 4)
)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	home, err := vision.NewTemplate("home_anchor", homePat, nil, homeRegion, models.Rect{}, 0.05)
	if err != nil {
		t.Fatalf("home template: %v", err)
	}
	overlay, err := vision.NewTemplate("overlay_frame", overlayPat, mkGray(60, 50, 255), overlayRegion, models.Rect{}, 0.98)
	if err != nil {
		t.Fatalf("overlay template: %v", err)
	}
	banner, err := vision.NewTemplate("field_banner", bannerPat, nil, bannerRegion, models.Rect{}, 0.05)
	if err != nil {
		t.Fatalf("banner template: %v", err)
	}
	anchor, err := vision.NewTemplate("anchor_search", anchorPat, nil, models.Rect{}, anchorSearch, 0.05)
	if err != nil {
		t.Fatalf("anchor template: %v", err)
	}
	matcher := vision.NewMatcher(vision.NewLibrary(home, overlay, banner, anchor))
	return New(matcher, config.ClassifierSpec{
		Rules: []config.ClassifierRule{
			{Template: "overlay_frame", State: models.ViewStateOverlay},
			{Template: "home_anchor", State: models.ViewStateHome},
		},
		Fallback: &config.ClassifierRule{Template: "field_banner", State: models.ViewStateField},
		Anchor:   config.AnchorSpec{Template: "anchor_search", Expected: models.Point{X: 20, Y: 210}, Epsilon: 4},
	})
}

func blankScreen() *image.Gray { return mkGray(320, 240, 30) }

func TestClassifyPriorityOrder(t *testing.T) {
	c := newTestClassifier(t)

	// Overlay and home anchor both visible: the overlay rule is listed first
	// and must win.
	screen := blankScreen()
	stamp(screen, homePat, homeRegion.X, homeRegion.Y)
	stamp(screen, overlayPat, overlayRegion.X, overlayRegion.Y)
	res, err := c.Classify(vision.ShotFromGray(screen, 1))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.State != models.ViewStateOverlay {
		t.Errorf("state = %s, want overlay", res.State)
	}
	if res.Template != "overlay_frame" || res.Fallback {
		t.Errorf("decided by %q fallback=%v", res.Template, res.Fallback)
	}
}

func TestClassifyHome(t *testing.T) {
	c := newTestClassifier(t)
	screen := blankScreen()
	stamp(screen, homePat, homeRegion.X, homeRegion.Y)
	res, err := c.Classify(vision.ShotFromGray(screen, 1))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.State != models.ViewStateHome {
		t.Errorf("state = %s, want home", res.State)
	}
	if res.Confidence != 1.0 {
		t.Errorf("exact match confidence = %v, want 1.0", res.Confidence)
	}
}

func TestClassifyFallback(t *testing.T) {
	c := newTestClassifier(t)
	screen := blankScreen()
	stamp(screen, bannerPat, bannerRegion.X, bannerRegion.Y)
	res, err := c.Classify(vision.ShotFromGray(screen, 1))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.State != models.ViewStateField {
		t.Errorf("state = %s, want field", res.State)
	}
	if !res.Fallback {
		t.Error("fallback flag not set")
	}
}

func TestClassifyUnknown(t *testing.T) {
	c := newTestClassifier(t)
	res, err := c.Classify(vision.ShotFromGray(blankScreen(), 1))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.State != models.ViewStateUnknown {
		t.Errorf("state = %s, want unknown", res.State)
	}
	if res.Confidence != 0 || res.Template != "" {
		t.Errorf("unknown result carries %+v", res)
	}
}

func TestIsAligned(t *testing.T) {
	c := newTestClassifier(t)

	// Anchor at its nominal position: center (20,210), expected (20,210).
	screen := blankScreen()
	stamp(screen, anchorPat, 12, 202)
	ok, err := c.IsAligned(vision.ShotFromGray(screen, 1))
	if err != nil {
		t.Fatalf("IsAligned: %v", err)
	}
	if !ok {
		t.Error("nominal anchor position reported misaligned")
	}

	// Anchor drifted 8px right: outside the 4px tolerance.
	screen = blankScreen()
	stamp(screen, anchorPat, 20, 202)
	ok, err = c.IsAligned(vision.ShotFromGray(screen, 1))
	if err != nil {
		t.Fatalf("IsAligned: %v", err)
	}
	if ok {
		t.Error("drifted anchor reported aligned")
	}

	// Anchor absent entirely.
	ok, err = c.IsAligned(vision.ShotFromGray(blankScreen(), 1))
	if err != nil {
		t.Fatalf("IsAligned: %v", err)
	}
	if ok {
		t.Error("missing anchor reported aligned")
	}
}

func TestIsAlignedWithoutAnchor(t *testing.T) {
	c := New(vision.NewMatcher(vision.NewLibrary()), config.ClassifierSpec{})
	ok, err := c.IsAligned(vision.ShotFromGray(blankScreen(), 1))
	if err != nil {
		t.Fatalf("IsAligned: %v", err)
	}
	if !ok {
		t.Error("anchorless profile reported misaligned")
	}
}
