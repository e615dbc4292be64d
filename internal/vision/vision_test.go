package vision

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/ScreenPilot/internal/config"
	"github.com/BTreeMap/ScreenPilot/internal/models"
)

func mkGray(w, h int, fill uint8) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for i := range g.Pix {
		g.Pix[i] = fill
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

func patternGray(w, h int) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g.SetGray(x, y, color.Gray{Y: uint8((x*7 + y*13) % 251)})
		}
	}
	return g
}

func mustTemplate(t *testing.T, id string, gray, mask *image.Gray, region, search models.Rect, threshold float64) *Template {
	t.Helper()
	tpl, err := NewTemplate(id, gray, mask, region, search, threshold)
	if err != nil {
		t.Fatalf("NewTemplate %s: %v", id, err)
	}
	return tpl
}

func TestToGrayMatchesStdlibModel(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			src.SetRGBA(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: uint8((x + y) * 8), A: 255})
		}
	}
	got := ToGray(src)
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			want := color.GrayModel.Convert(src.RGBAAt(x, y)).(color.Gray).Y
			if got.GrayAt(x, y).Y != want {
				t.Fatalf("pixel (%d,%d) = %d, want %d", x, y, got.GrayAt(x, y).Y, want)
			}
		}
	}
}

func TestFixedRegionExactMatch(t *testing.T) {
	pat := patternGray(24, 16)
	frame := mkGray(320, 240, 30)
	region := models.Rect{X: 100, Y: 60, W: 24, H: 16}
	stamp(frame, pat, region.X, region.Y)

	tpl := mustTemplate(t, "anchor", pat, nil, region, models.Rect{}, 0.05)
	res, err := MatchTemplate(ShotFromGray(frame, 1), tpl)
	if err != nil {
		t.Fatalf("MatchTemplate: %v", err)
	}
	if !res.Matched {
		t.Errorf("exact copy not matched, score=%v", res.Score)
	}
	if res.Score > 1e-12 {
		t.Errorf("exact copy score = %v, want 0", res.Score)
	}
	if res.Location == nil || *res.Location != region.Center() {
		t.Errorf("location = %v, want %v", res.Location, region.Center())
	}
}

func TestFixedRegionMismatch(t *testing.T) {
	pat := patternGray(24, 16)
	frame := mkGray(320, 240, 30) // region left at background fill
	region := models.Rect{X: 100, Y: 60, W: 24, H: 16}

	tpl := mustTemplate(t, "anchor", pat, nil, region, models.Rect{}, 0.05)
	res, err := MatchTemplate(ShotFromGray(frame, 1), tpl)
	if err != nil {
		t.Fatalf("MatchTemplate: %v", err)
	}
	if res.Matched {
		t.Errorf("mismatch accepted with score %v", res.Score)
	}
}

func TestMaskedMatchIgnoresUnmaskedPixels(t *testing.T) {
	const w, h = 16, 16
	// Pattern: left half 200, right half 40. Mask covers the left half only.
	pat := image.NewGray(image.Rect(0, 0, w, h))
	mask := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				pat.SetGray(x, y, color.Gray{Y: 200})
				mask.SetGray(x, y, color.Gray{Y: 255})
			} else {
				pat.SetGray(x, y, color.Gray{Y: 40})
			}
		}
	}
	// Frame reproduces the masked half exactly and diverges elsewhere.
	frame := mkGray(64, 64, 0)
	region := models.Rect{X: 10, Y: 10, W: w, H: h}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(200)
			if x >= w/2 {
				v = 220
			}
			frame.SetGray(region.X+x, region.Y+y, color.Gray{Y: v})
		}
	}
	shot := ShotFromGray(frame, 1)

	masked := mustTemplate(t, "popup", pat, mask, region, models.Rect{}, 0.95)
	res, err := MatchTemplate(shot, masked)
	if err != nil {
		t.Fatalf("MatchTemplate masked: %v", err)
	}
	if !res.Matched {
		t.Errorf("masked match rejected, score=%v", res.Score)
	}
	if math.Abs(res.Score-1.0) > 1e-9 {
		t.Errorf("masked score = %v, want 1.0", res.Score)
	}

	// The same pair under the unmasked metric fails: the divergent half counts.
	plain := mustTemplate(t, "popup_plain", pat, nil, region, models.Rect{}, 0.1)
	res, err = MatchTemplate(shot, plain)
	if err != nil {
		t.Fatalf("MatchTemplate plain: %v", err)
	}
	if res.Matched {
		t.Errorf("unmasked metric accepted divergent region, score=%v", res.Score)
	}
}

func TestSearchFindsOffsetPattern(t *testing.T) {
	pat := patternGray(20, 20)
	frame := mkGray(200, 200, 10)
	stamp(frame, pat, 57, 91)

	tpl := mustTemplate(t, "dismiss", pat, nil, models.Rect{}, models.Rect{X: 40, Y: 80, W: 60, H: 50}, 0.05)

	res, err := MatchTemplate(ShotFromGray(frame, 1), tpl)
	if err != nil {
		t.Fatalf("MatchTemplate: %v", err)
	}
	if !res.Matched {
		t.Fatalf("pattern not found, score=%v", res.Score)
	}
	want := models.Point{X: 57 + 10, Y: 91 + 10}
	if res.Location == nil || *res.Location != want {
		t.Errorf("location = %v, want %v", res.Location, want)
	}
}

func TestMatchDeterminism(t *testing.T) {
	pat := patternGray(20, 20)
	frame := mkGray(200, 200, 10)
	stamp(frame, pat, 57, 91)
	tpl := mustTemplate(t, "dismiss", pat, nil, models.Rect{}, models.Rect{X: 40, Y: 80, W: 60, H: 50}, 0.05)
	shot := ShotFromGray(frame, 1)

	first, err := MatchTemplate(shot, tpl)
	if err != nil {
		t.Fatalf("MatchTemplate: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := MatchTemplate(shot, tpl)
		if err != nil {
			t.Fatalf("MatchTemplate: %v", err)
		}
		if again.Score != first.Score || *again.Location != *first.Location || again.Matched != first.Matched {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again, first)
		}
	}
}

func TestMatchRegionOutsideFrame(t *testing.T) {
	pat := patternGray(24, 16)
	tpl := mustTemplate(t, "anchor", pat, nil, models.Rect{X: 310, Y: 230, W: 24, H: 16}, models.Rect{}, 0.05)
	_, err := MatchTemplate(ShotFromGray(mkGray(320, 240, 0), 1), tpl)
	if err == nil {
		t.Fatal("expected error for region outside frame")
	}
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

func TestLoadLibraryResolvesVariants(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "plain.png"), patternGray(20, 20))
	writePNG(t, filepath.Join(dir, "masked.png"), patternGray(20, 20))
	writePNG(t, filepath.Join(dir, "mask.png"), mkGray(20, 20, 255))

	region := models.Rect{X: 5, Y: 5, W: 20, H: 20}
	lib, err := LoadLibrary(dir, []config.TemplateSpec{
		{ID: "plain", File: "plain.png", Region: &region, Threshold: 0.1},
		{ID: "masked", File: "masked.png", Mask: "mask.png", Region: &region, Threshold: 0.9},
	})
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	if lib.Len() != 2 {
		t.Fatalf("loaded %d templates", lib.Len())
	}
	plain, _ := lib.Get("plain")
	if plain.Kind != MetricSQDiffNormed || plain.Mask != nil {
		t.Errorf("plain template resolved as %v", plain.Kind)
	}
	masked, _ := lib.Get("masked")
	if masked.Kind != MetricMaskedCCorrNormed || masked.Mask == nil {
		t.Errorf("masked template resolved as %v", masked.Kind)
	}
}

func TestLoadTemplateRejectsBadGeometry(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "pat.png"), patternGray(20, 20))
	writePNG(t, filepath.Join(dir, "smallmask.png"), mkGray(10, 10, 255))

	wrongRegion := models.Rect{X: 0, Y: 0, W: 30, H: 30}
	if _, err := LoadTemplate(dir, config.TemplateSpec{ID: "t", File: "pat.png", Region: &wrongRegion, Threshold: 0.1}); err == nil || !strings.Contains(err.Error(), "region") {
		t.Errorf("region size mismatch error = %v", err)
	}

	region := models.Rect{X: 0, Y: 0, W: 20, H: 20}
	if _, err := LoadTemplate(dir, config.TemplateSpec{ID: "t", File: "pat.png", Mask: "smallmask.png", Region: &region, Threshold: 0.9}); err == nil || !strings.Contains(err.Error(), "mask") {
		t.Errorf("mask size mismatch error = %v", err)
	}

	tinySearch := models.Rect{X: 0, Y: 0, W: 10, H: 10}
	if _, err := LoadTemplate(dir, config.TemplateSpec{ID: "t", File: "pat.png", Search: &tinySearch, Threshold: 0.1}); err == nil {
		t.Error("expected error for search window smaller than pattern")
	}
}
