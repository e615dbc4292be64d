// Package classify turns per-template match results into a view state.
//
// The classifier walks a priority-ordered rule list and stops at the first
// template that matches; if no rule fires it consults an optional fallback
// rule covering a secondary region, and otherwise reports the unknown state.
// It also owns the alignment check: coordinate-based input is only safe when
// the anchor template is found within a small pixel tolerance of its expected
// position.
package classify

import (
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ScreenPilot/internal/config"
	"github.com/BTreeMap/ScreenPilot/internal/models"
	"github.com/BTreeMap/ScreenPilot/internal/vision"
)

// Result is one classification outcome.
type Result struct {
	State      models.ViewState
	Confidence float64
	Template   string // template that decided the state, empty when unknown
	Fallback   bool   // true when the fallback rule decided
}

// Classifier maps shots to view states using a template matcher.
type Classifier struct {
	matcher  *vision.Matcher
	rules    []config.ClassifierRule
	fallback *config.ClassifierRule
	anchor   config.AnchorSpec
}

// New builds a classifier from the profile's classifier section.
func New(matcher *vision.Matcher, spec config.ClassifierSpec) *Classifier {
	return &Classifier{
		matcher:  matcher,
		rules:    spec.Rules,
		fallback: spec.Fallback,
		anchor:   spec.Anchor,
	}
}

// Classify evaluates the rules in order against one shot.
func (c *Classifier) Classify(shot *vision.Shot) (Result, error) {
	for _, rule := range c.rules {
		res, err := c.matcher.Match(shot, rule.Template)
		if err != nil {
			return Result{State: models.ViewStateUnknown}, fmt.Errorf("classify: rule %s: %w", rule.Template, err)
		}
		if res.Matched {
			return Result{
				State:      rule.State,
				Confidence: c.confidence(rule.Template, res.Score),
				Template:   rule.Template,
			}, nil
		}
	}
	if c.fallback != nil {
		res, err := c.matcher.Match(shot, c.fallback.Template)
		if err != nil {
			return Result{State: models.ViewStateUnknown}, fmt.Errorf("classify: fallback %s: %w", c.fallback.Template, err)
		}
		if res.Matched {
			slog.Debug("Classifier.Classify: fallback rule decided", "template", c.fallback.Template, "state", c.fallback.State)
			return Result{
				State:      c.fallback.State,
				Confidence: c.confidence(c.fallback.Template, res.Score),
				Template:   c.fallback.Template,
				Fallback:   true,
			}, nil
		}
	}
	return Result{State: models.ViewStateUnknown}, nil
}

// IsAligned reports whether the anchor template was found within epsilon
// pixels of its expected position. An unmatched anchor is not aligned. A
// profile that declares no anchor has no fixed-coordinate input to protect,
// so the check passes.
func (c *Classifier) IsAligned(shot *vision.Shot) (bool, error) {
	if c.anchor.Template == "" {
		return true, nil
	}
	res, err := c.matcher.Match(shot, c.anchor.Template)
	if err != nil {
		return false, fmt.Errorf("classify: anchor %s: %w", c.anchor.Template, err)
	}
	if !res.Matched || res.Location == nil {
		return false, nil
	}
	return models.Dist(*res.Location, c.anchor.Expected) <= c.anchor.Epsilon, nil
}

// confidence scales the score's distance from the acceptance boundary into
// [0,1]: 1 at a perfect score, 0 exactly at the threshold.
func (c *Classifier) confidence(templateID string, score float64) float64 {
	t, ok := c.matcher.Library().Get(templateID)
	if !ok {
		return 0
	}
	var conf float64
	if t.Kind == vision.MetricMaskedCCorrNormed {
		if t.Threshold >= 1 {
			return 0
		}
		conf = (score - t.Threshold) / (1 - t.Threshold)
	} else {
		if t.Threshold <= 0 {
			return 0
		}
		conf = (t.Threshold - score) / t.Threshold
	}
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}
