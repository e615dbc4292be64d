package vision

import (
	"fmt"
	"math"

	"github.com/BTreeMap/ScreenPilot/internal/models"
)

const matchEps = 1e-9

// Matcher evaluates library templates against shots.
type Matcher struct {
	lib *Library
}

// NewMatcher wraps a loaded template library.
func NewMatcher(lib *Library) *Matcher {
	return &Matcher{lib: lib}
}

// Match evaluates the named template against the shot.
func (m *Matcher) Match(shot *Shot, id string) (models.MatchResult, error) {
	t, ok := m.lib.Get(id)
	if !ok {
		return models.MatchResult{}, fmt.Errorf("vision: unknown template %q", id)
	}
	return MatchTemplate(shot, t)
}

// Library returns the wrapped template library.
func (m *Matcher) Library() *Library { return m.lib }

// MatchTemplate evaluates one template against the shot. Fixed-region
// templates are scored at exactly their configured crop; search templates
// slide over their window at one-pixel steps and report the best placement.
// The returned location is the center of the winning placement.
func MatchTemplate(shot *Shot, t *Template) (models.MatchResult, error) {
	w, h := t.Width(), t.Height()
	res := models.MatchResult{TemplateID: t.ID}

	if t.FixedRegion() {
		if !t.Region.Within(shot.Width, shot.Height) {
			return res, fmt.Errorf("vision: template %s region %s exceeds frame %dx%d",
				t.ID, t.Region, shot.Width, shot.Height)
		}
		res.Score = score(shot, t, t.Region.X, t.Region.Y)
		res.Matched = accepted(t, res.Score)
		c := t.Region.Center()
		res.Location = &c
		return res, nil
	}

	if !t.Search.Within(shot.Width, shot.Height) {
		return res, fmt.Errorf("vision: template %s search window %s exceeds frame %dx%d",
			t.ID, t.Search, shot.Width, shot.Height)
	}
	best := math.Inf(1)
	if t.Kind == MetricMaskedCCorrNormed {
		best = math.Inf(-1)
	}
	var bestX, bestY int
	for oy := t.Search.Y; oy+h <= t.Search.Y+t.Search.H; oy++ {
		for ox := t.Search.X; ox+w <= t.Search.X+t.Search.W; ox++ {
			s := score(shot, t, ox, oy)
			if better(t.Kind, s, best) {
				best, bestX, bestY = s, ox, oy
			}
		}
	}
	res.Score = best
	res.Matched = accepted(t, best)
	c := models.Rect{X: bestX, Y: bestY, W: w, H: h}.Center()
	res.Location = &c
	return res, nil
}

func better(kind MetricKind, s, best float64) bool {
	if kind == MetricMaskedCCorrNormed {
		return s > best
	}
	return s < best
}

func accepted(t *Template, s float64) bool {
	if t.Kind == MetricMaskedCCorrNormed {
		return s >= t.Threshold
	}
	return s <= t.Threshold
}

func score(shot *Shot, t *Template, ox, oy int) float64 {
	if t.Kind == MetricMaskedCCorrNormed {
		return scoreMaskedCCorr(shot, t, ox, oy)
	}
	return scoreSQDiff(shot, t, ox, oy)
}

// scoreSQDiff is normalized squared difference: sum((F-T)^2) over the
// placement, divided by sqrt(sum(T^2) * sum(F^2)). Zero for an exact copy of
// the pattern.
func scoreSQDiff(shot *Shot, t *Template, ox, oy int) float64 {
	var num, frameEnergy float64
	w, h := t.Width(), t.Height()
	for y := 0; y < h; y++ {
		fi := shot.Gray.PixOffset(ox, oy+y)
		ti := t.Gray.PixOffset(0, y)
		for x := 0; x < w; x++ {
			f := float64(shot.Gray.Pix[fi])
			tv := float64(t.Gray.Pix[ti])
			d := f - tv
			num += d * d
			frameEnergy += f * f
			fi++
			ti++
		}
	}
	denom := math.Sqrt(t.energy * frameEnergy)
	if denom < matchEps {
		// Both sides flat black: identical, hence a perfect score.
		if num < matchEps {
			return 0
		}
		return 1
	}
	return num / denom
}

// scoreMaskedCCorr is normalized cross-correlation restricted to mask pixels:
// sum(F*T) / sqrt(sum(T^2) * sum(F^2)), all sums over pixels where the mask is
// set. One for a (positively scaled) copy of the pattern under the mask,
// regardless of what the unmasked pixels show.
func scoreMaskedCCorr(shot *Shot, t *Template, ox, oy int) float64 {
	var num, frameEnergy float64
	w, h := t.Width(), t.Height()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !maskOn(t.Mask, x, y) {
				continue
			}
			f := float64(shot.Gray.GrayAt(ox+x, oy+y).Y)
			tv := float64(t.Gray.GrayAt(x, y).Y)
			num += f * tv
			frameEnergy += f * f
		}
	}
	denom := math.Sqrt(t.energy * frameEnergy)
	if denom < matchEps {
		return 0
	}
	return num / denom
}
