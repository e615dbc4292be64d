// Package config loads and validates the ScreenPilot device profile.
//
// The profile is a YAML document describing everything specific to one monitored
// application on one device: screen resolution, template assets, classifier rules,
// flow definitions, the weekly activity calendar, budgets, and tunables. It is
// loaded once at startup; a profile that fails validation is a configuration
// error and terminates the process.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/ScreenPilot/internal/models"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML string decoding ("90s", "5m").
type Duration time.Duration

// UnmarshalYAML decodes a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DeviceSpec identifies the ADB device and the monitored application.
type DeviceSpec struct {
	Serial     string `yaml:"serial"`
	AppPackage string `yaml:"app_package"`
}

// ScreenSpec is the single supported capture resolution.
type ScreenSpec struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// TemplateSpec describes one reference pattern asset. A template is either
// fixed-region (Region set) or search-mode (Search set). A non-empty Mask file
// selects the masked correlation metric at load time.
type TemplateSpec struct {
	ID        string       `yaml:"id"`
	File      string       `yaml:"file"`
	Mask      string       `yaml:"mask,omitempty"`
	Region    *models.Rect `yaml:"region,omitempty"`
	Search    *models.Rect `yaml:"search,omitempty"`
	Threshold float64      `yaml:"threshold"`
}

// ClassifierRule binds one template to the view state it indicates.
type ClassifierRule struct {
	Template string           `yaml:"template"`
	State    models.ViewState `yaml:"state"`
}

// AnchorSpec pins the alignment check: the anchor template must be found within
// Epsilon pixels of Expected for coordinate-based actions to be dispatched.
type AnchorSpec struct {
	Template string       `yaml:"template"`
	Expected models.Point `yaml:"expected"`
	Epsilon  int          `yaml:"epsilon"`
}

// ClassifierSpec is the priority-ordered rule list plus the fallback secondary
// signal and the alignment anchor.
type ClassifierSpec struct {
	Rules    []ClassifierRule `yaml:"rules"`
	Fallback *ClassifierRule  `yaml:"fallback,omitempty"`
	Anchor   AnchorSpec       `yaml:"anchor"`
}

// FlowSpec declares one registered flow. Tap and Confirm name templates used by
// the generic tap-and-confirm flow body; feature-specific flows may ignore them.
// Limit names the daily-limit dialog template; a flow that declares one marks
// itself exhausted until the daily reset when the dialog appears.
type FlowSpec struct {
	Name     string   `yaml:"name"`
	Critical bool     `yaml:"critical"`
	Cooldown Duration `yaml:"cooldown"`
	Tap      string   `yaml:"tap,omitempty"`
	Confirm  string   `yaml:"confirm,omitempty"`
	Limit    string   `yaml:"limit,omitempty"`
}

// BudgetSpec configures the planner for one calendar activity.
type BudgetSpec struct {
	Activity        string `yaml:"activity"`
	Flow            string `yaml:"flow"`
	Goal            int    `yaml:"goal"`
	PointsPerAction int    `yaml:"points_per_action"`
	EnergyPerAction int    `yaml:"energy_per_action"`
}

// OCRSpec names the screen regions read through the OCR collaborator.
type OCRSpec struct {
	EnergyRegion   models.Rect `yaml:"energy_region"`
	RefillRegion   models.Rect `yaml:"refill_region"`
	ProgressRegion models.Rect `yaml:"progress_region"`
}

// RecoverySpec configures the escalation remedies.
type RecoverySpec struct {
	DismissTemplate string       `yaml:"dismiss_template"`
	HomeHint        string       `yaml:"home_hint"`
	FieldHint       string       `yaml:"field_hint"`
	NeutralHome     models.Point `yaml:"neutral_home"`
	NeutralField    models.Point `yaml:"neutral_field"`
}

// Tunables are the runtime-adjustable parameters; every field can carry a
// time-bounded override set through the API.
type Tunables struct {
	TickInterval        Duration `yaml:"tick_interval"`
	UnknownAfter        Duration `yaml:"unknown_after"`
	DismissRetries      int      `yaml:"dismiss_retries"`
	Warmup              Duration `yaml:"warmup"`
	FlowDeadline        Duration `yaml:"flow_deadline"`
	PaidRefillsPerBlock int      `yaml:"paid_refills_per_block"`
	ConsensusTolerance  int      `yaml:"consensus_tolerance"`
}

// Profile is the complete parsed device profile.
type Profile struct {
	Device        DeviceSpec     `yaml:"device"`
	Screen        ScreenSpec     `yaml:"screen"`
	TemplatesDir  string         `yaml:"templates_dir"`
	Templates     []TemplateSpec `yaml:"templates"`
	Classifier    ClassifierSpec `yaml:"classifier"`
	Flows         []FlowSpec     `yaml:"flows"`
	Activities    []string       `yaml:"activities"`
	Budgets       []BudgetSpec   `yaml:"budgets"`
	DailyResetUTC string         `yaml:"daily_reset_utc"`
	// RefillFlow names the flow dispatched to perform a paid energy refill.
	// Empty disables paid refills at the UI level.
	RefillFlow string       `yaml:"refill_flow,omitempty"`
	OCR        OCRSpec      `yaml:"ocr"`
	Recovery   RecoverySpec `yaml:"recovery"`
	Tunables   Tunables     `yaml:"tunables"`
}

// Default tunable values applied by Normalize when the profile omits them.
const (
	DefaultTickInterval        = 2 * time.Second
	DefaultUnknownAfter        = 12 * time.Second
	DefaultDismissRetries      = 3
	DefaultWarmup              = 25 * time.Second
	DefaultFlowDeadline        = 90 * time.Second
	DefaultPaidRefillsPerBlock = 2
	DefaultConsensusTolerance  = 2
	DefaultDailyResetUTC       = "02:00"
	DefaultAnchorEpsilon       = 4
)

// ParseProfile decodes and validates a profile payload.
func ParseProfile(data []byte) (*Profile, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("profile: payload is empty")
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("profile: decode: %w", err)
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadProfile reads a YAML profile from disk.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	p, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("profile: %s: %w", path, err)
	}
	if p.TemplatesDir != "" && !filepath.IsAbs(p.TemplatesDir) {
		p.TemplatesDir = filepath.Join(filepath.Dir(path), p.TemplatesDir)
	}
	return p, nil
}

// Normalize fills defaulted fields in place.
func (p *Profile) Normalize() {
	if p.Tunables.TickInterval == 0 {
		p.Tunables.TickInterval = Duration(DefaultTickInterval)
	}
	if p.Tunables.UnknownAfter == 0 {
		p.Tunables.UnknownAfter = Duration(DefaultUnknownAfter)
	}
	if p.Tunables.DismissRetries == 0 {
		p.Tunables.DismissRetries = DefaultDismissRetries
	}
	if p.Tunables.Warmup == 0 {
		p.Tunables.Warmup = Duration(DefaultWarmup)
	}
	if p.Tunables.FlowDeadline == 0 {
		p.Tunables.FlowDeadline = Duration(DefaultFlowDeadline)
	}
	if p.Tunables.PaidRefillsPerBlock == 0 {
		p.Tunables.PaidRefillsPerBlock = DefaultPaidRefillsPerBlock
	}
	if p.Tunables.ConsensusTolerance == 0 {
		p.Tunables.ConsensusTolerance = DefaultConsensusTolerance
	}
	if p.DailyResetUTC == "" {
		p.DailyResetUTC = DefaultDailyResetUTC
	}
	if p.Classifier.Anchor.Epsilon == 0 {
		p.Classifier.Anchor.Epsilon = DefaultAnchorEpsilon
	}
}

// Validate checks internal consistency: referenced templates exist, regions fit
// the screen, flows referenced by budgets are declared.
func (p *Profile) Validate() error {
	if p.Screen.Width <= 0 || p.Screen.Height <= 0 {
		return fmt.Errorf("profile: screen resolution %dx%d is invalid", p.Screen.Width, p.Screen.Height)
	}
	if p.Device.AppPackage == "" {
		return fmt.Errorf("profile: device.app_package is required")
	}
	if len(p.Activities) == 0 {
		return fmt.Errorf("profile: activities list is required")
	}
	if _, _, err := ParseResetUTC(p.DailyResetUTC); err != nil {
		return fmt.Errorf("profile: daily_reset_utc: %w", err)
	}

	templates := make(map[string]TemplateSpec, len(p.Templates))
	for _, t := range p.Templates {
		if t.ID == "" {
			return fmt.Errorf("profile: template with empty id")
		}
		if _, dup := templates[t.ID]; dup {
			return fmt.Errorf("profile: duplicate template id %q", t.ID)
		}
		if t.File == "" {
			return fmt.Errorf("profile: template %q has no file", t.ID)
		}
		if (t.Region == nil) == (t.Search == nil) {
			return fmt.Errorf("profile: template %q must set exactly one of region or search", t.ID)
		}
		if t.Region != nil && !t.Region.Within(p.Screen.Width, p.Screen.Height) {
			return fmt.Errorf("profile: template %q region %s exceeds screen", t.ID, t.Region)
		}
		if t.Search != nil && !t.Search.Within(p.Screen.Width, p.Screen.Height) {
			return fmt.Errorf("profile: template %q search region %s exceeds screen", t.ID, t.Search)
		}
		if t.Threshold <= 0 || t.Threshold >= 1 {
			return fmt.Errorf("profile: template %q threshold %v out of (0,1)", t.ID, t.Threshold)
		}
		templates[t.ID] = t
	}

	requireTemplate := func(where, id string) error {
		if id == "" {
			return nil
		}
		if _, ok := templates[id]; !ok {
			return fmt.Errorf("profile: %s references unknown template %q", where, id)
		}
		return nil
	}

	if len(p.Classifier.Rules) == 0 {
		return fmt.Errorf("profile: classifier needs at least one rule")
	}
	for _, r := range p.Classifier.Rules {
		if !models.IsValidViewState(r.State) || r.State == models.ViewStateUnknown {
			return fmt.Errorf("profile: classifier rule for %q has invalid state %q", r.Template, r.State)
		}
		if err := requireTemplate("classifier rule", r.Template); err != nil {
			return err
		}
	}
	if p.Classifier.Fallback != nil {
		if err := requireTemplate("classifier fallback", p.Classifier.Fallback.Template); err != nil {
			return err
		}
	}
	if err := requireTemplate("classifier anchor", p.Classifier.Anchor.Template); err != nil {
		return err
	}
	if p.Classifier.Anchor.Template == "" {
		return fmt.Errorf("profile: classifier.anchor.template is required")
	}

	flows := make(map[string]FlowSpec, len(p.Flows))
	for _, f := range p.Flows {
		if f.Name == "" {
			return fmt.Errorf("profile: flow with empty name")
		}
		if _, dup := flows[f.Name]; dup {
			return fmt.Errorf("profile: duplicate flow %q", f.Name)
		}
		if err := requireTemplate("flow "+f.Name, f.Tap); err != nil {
			return err
		}
		if err := requireTemplate("flow "+f.Name, f.Confirm); err != nil {
			return err
		}
		if err := requireTemplate("flow "+f.Name, f.Limit); err != nil {
			return err
		}
		flows[f.Name] = f
	}

	if p.RefillFlow != "" {
		if _, ok := flows[p.RefillFlow]; !ok {
			return fmt.Errorf("profile: refill_flow references unknown flow %q", p.RefillFlow)
		}
	}

	activities := make(map[string]bool, len(p.Activities))
	for _, a := range p.Activities {
		if a == "" {
			return fmt.Errorf("profile: empty activity name")
		}
		activities[a] = true
	}
	for _, b := range p.Budgets {
		if !activities[b.Activity] {
			return fmt.Errorf("profile: budget for unknown activity %q", b.Activity)
		}
		if _, ok := flows[b.Flow]; !ok {
			return fmt.Errorf("profile: budget %q references unknown flow %q", b.Activity, b.Flow)
		}
		mb := b.Model()
		if err := mb.Validate(); err != nil {
			return fmt.Errorf("profile: budget %q: %w", b.Activity, err)
		}
	}

	if err := requireTemplate("recovery dismiss", p.Recovery.DismissTemplate); err != nil {
		return err
	}
	if err := requireTemplate("recovery home hint", p.Recovery.HomeHint); err != nil {
		return err
	}
	if err := requireTemplate("recovery field hint", p.Recovery.FieldHint); err != nil {
		return err
	}
	return nil
}

// Model converts a BudgetSpec into the persisted budget shape.
func (b BudgetSpec) Model() models.Budget {
	return models.Budget{
		Activity:        b.Activity,
		Goal:            b.Goal,
		PointsPerAction: b.PointsPerAction,
		EnergyPerAction: b.EnergyPerAction,
	}
}

// ParseResetUTC parses an "HH:MM" clock string into hour and minute.
func ParseResetUTC(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("must be HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}
