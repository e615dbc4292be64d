// Package vision implements template perception over captured frames.
//
// Templates are small grayscale patterns compared against frame crops. Each
// template carries one of two metrics, fixed when the asset is loaded: plain
// patterns use normalized squared difference, where lower scores are better and
// a match requires score <= threshold; patterns with a mask use normalized
// cross-correlation restricted to mask pixels, where higher scores are better
// and a match requires score >= threshold. Matching is deterministic: the same
// frame and template always produce the same result.
package vision

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"

	"github.com/BTreeMap/ScreenPilot/internal/config"
	"github.com/BTreeMap/ScreenPilot/internal/models"
)

// MetricKind selects the comparison metric for a template.
type MetricKind int

const (
	// MetricSQDiffNormed is normalized squared difference. Lower is better.
	MetricSQDiffNormed MetricKind = iota
	// MetricMaskedCCorrNormed is normalized cross-correlation over mask pixels.
	// Higher is better.
	MetricMaskedCCorrNormed
)

func (k MetricKind) String() string {
	if k == MetricMaskedCCorrNormed {
		return "masked-ccorr-normed"
	}
	return "sqdiff-normed"
}

// Template is one loaded reference pattern.
type Template struct {
	ID        string
	Kind      MetricKind
	Gray      *image.Gray
	Mask      *image.Gray // non-nil iff Kind is MetricMaskedCCorrNormed
	Region    models.Rect // fixed comparison region; empty in search mode
	Search    models.Rect // search window; empty in fixed mode
	Threshold float64

	energy float64 // precomputed template energy term of the metric denominator
}

// FixedRegion reports whether the template compares against one fixed crop
// rather than sliding over a search window.
func (t *Template) FixedRegion() bool { return !t.Region.Empty() }

// Width returns the template pattern width in pixels.
func (t *Template) Width() int { return t.Gray.Bounds().Dx() }

// Height returns the template pattern height in pixels.
func (t *Template) Height() int { return t.Gray.Bounds().Dy() }

// NewTemplate builds a template from in-memory images. A non-nil mask selects
// the masked metric; mask and pattern dimensions must agree, and a fixed region
// must have exactly the pattern's size.
func NewTemplate(id string, gray, mask *image.Gray, region, search models.Rect, threshold float64) (*Template, error) {
	t := &Template{
		ID:        id,
		Kind:      MetricSQDiffNormed,
		Gray:      gray,
		Region:    region,
		Search:    search,
		Threshold: threshold,
	}
	if mask != nil {
		if mask.Bounds().Dx() != t.Width() || mask.Bounds().Dy() != t.Height() {
			return nil, fmt.Errorf("vision: template %s mask is %dx%d, pattern is %dx%d",
				id, mask.Bounds().Dx(), mask.Bounds().Dy(), t.Width(), t.Height())
		}
		t.Kind = MetricMaskedCCorrNormed
		t.Mask = mask
	}
	if t.Region.Empty() == t.Search.Empty() {
		return nil, fmt.Errorf("vision: template %s must set exactly one of region or search", id)
	}
	if t.FixedRegion() && (t.Region.W != t.Width() || t.Region.H != t.Height()) {
		return nil, fmt.Errorf("vision: template %s is %dx%d but its region is %s",
			id, t.Width(), t.Height(), t.Region)
	}
	if !t.FixedRegion() && (t.Search.W < t.Width() || t.Search.H < t.Height()) {
		return nil, fmt.Errorf("vision: template %s does not fit its search window %s", id, t.Search)
	}
	t.energy = templateEnergy(t)
	return t, nil
}

// LoadTemplate reads the pattern file (and mask, if configured) for one
// manifest entry and resolves its metric.
func LoadTemplate(dir string, spec config.TemplateSpec) (*Template, error) {
	gray, err := loadGrayPNG(filepath.Join(dir, spec.File))
	if err != nil {
		return nil, fmt.Errorf("vision: template %s: %w", spec.ID, err)
	}
	var mask *image.Gray
	if spec.Mask != "" {
		if mask, err = loadGrayPNG(filepath.Join(dir, spec.Mask)); err != nil {
			return nil, fmt.Errorf("vision: template %s mask: %w", spec.ID, err)
		}
	}
	var region, search models.Rect
	if spec.Region != nil {
		region = *spec.Region
	}
	if spec.Search != nil {
		search = *spec.Search
	}
	return NewTemplate(spec.ID, gray, mask, region, search, spec.Threshold)
}

// Library is the template cache, loaded once at startup from the profile
// manifest.
type Library struct {
	templates map[string]*Template
}

// NewLibrary builds a library from already constructed templates.
func NewLibrary(templates ...*Template) *Library {
	lib := &Library{templates: make(map[string]*Template, len(templates))}
	for _, t := range templates {
		lib.templates[t.ID] = t
	}
	return lib
}

// LoadLibrary loads every manifest entry from dir.
func LoadLibrary(dir string, specs []config.TemplateSpec) (*Library, error) {
	lib := &Library{templates: make(map[string]*Template, len(specs))}
	for _, spec := range specs {
		t, err := LoadTemplate(dir, spec)
		if err != nil {
			return nil, err
		}
		lib.templates[t.ID] = t
	}
	return lib, nil
}

// Get returns the template with the given id.
func (l *Library) Get(id string) (*Template, bool) {
	t, ok := l.templates[id]
	return t, ok
}

// IDs lists the loaded template ids in sorted order.
func (l *Library) IDs() []string {
	ids := make([]string, 0, len(l.templates))
	for id := range l.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of loaded templates.
func (l *Library) Len() int { return len(l.templates) }

func loadGrayPNG(path string) (*image.Gray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return ToGray(img), nil
}

// templateEnergy precomputes the constant half of the metric denominator: the
// sum of squared pattern values, restricted to mask pixels for masked
// templates.
func templateEnergy(t *Template) float64 {
	var sum float64
	w, h := t.Width(), t.Height()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if t.Mask != nil && !maskOn(t.Mask, x, y) {
				continue
			}
			v := float64(t.Gray.GrayAt(x, y).Y)
			sum += v * v
		}
	}
	return sum
}

func maskOn(mask *image.Gray, x, y int) bool {
	return mask.GrayAt(x, y).Y >= 128
}
