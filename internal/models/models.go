package models

import (
	"errors"
	"image"
	"math"
	"time"
)

// ViewState is the discrete classification of what the monitored application is
// currently showing. It is a priority-ordered label, not a transition table: the
// application is not under our control, so any state may be observed after any other.
type ViewState string

const (
	// ViewStateHome is the first interchangeable base screen.
	ViewStateHome ViewState = "home"
	// ViewStateField is the second interchangeable base screen.
	ViewStateField ViewState = "field"
	// ViewStateOverlay is a modal or transient panel covering a base screen.
	ViewStateOverlay ViewState = "overlay"
	// ViewStateUnknown means no classification rule matched.
	ViewStateUnknown ViewState = "unknown"
)

// IsValidViewState checks if the given view state is supported.
func IsValidViewState(s ViewState) bool {
	switch s {
	case ViewStateHome, ViewStateField, ViewStateOverlay, ViewStateUnknown:
		return true
	default:
		return false
	}
}

// IsBase reports whether the state is one of the two interchangeable base screens.
func (s ViewState) IsBase() bool {
	return s == ViewStateHome || s == ViewStateField
}

// Frame is one captured screen bitmap. Frames are immutable by contract: neither
// the capture adapter nor any consumer may modify Image after construction, so a
// frame can be shared by reference between the sampling loop and flow workers.
// A frame is consumed within one loop iteration and then discarded.
type Frame struct {
	Image      *image.RGBA
	Width      int
	Height     int
	CapturedAt time.Time
	Seq        uint64
}

// NewFrame wraps an RGBA image captured at the given time.
func NewFrame(img *image.RGBA, at time.Time, seq uint64) *Frame {
	b := img.Bounds()
	return &Frame{Image: img, Width: b.Dx(), Height: b.Dy(), CapturedAt: at, Seq: seq}
}

// MatchResult is the outcome of scoring a frame region against one template.
type MatchResult struct {
	TemplateID string  `json:"template_id"`
	Score      float64 `json:"score"`
	Matched    bool    `json:"matched"`
	// Location is the center of the evaluated placement: the fixed region's
	// center, or the best placement found in a search window.
	Location *Point `json:"location,omitempty"`
}

// FlowDescriptor tracks the coordinator-owned lifecycle data of one registered flow.
// Descriptors live for the process lifetime and are mutated by the Coordinator only.
type FlowDescriptor struct {
	Name      string        `json:"name"`
	Critical  bool          `json:"critical"`
	Cooldown  time.Duration `json:"cooldown"`
	LastRunAt *time.Time    `json:"last_run_at,omitempty"`
	Running   bool          `json:"running"`
}

// EventBlock identifies one slot of the fixed repeating weekly event calendar.
// It is derived purely from a timestamp and the reference epoch; it is never
// stored as mutable "current" state.
type EventBlock struct {
	Activity   string    `json:"activity"`
	BlockStart time.Time `json:"block_start"`
	BlockEnd   time.Time `json:"block_end"`
	// Day is 1-based within the weekly cycle (1..7).
	Day int `json:"day"`
	// Block is the 0-based slot within the day (0..5 for 4h blocks).
	Block int `json:"block"`
	// Ordinal counts blocks since the reference epoch; used to key per-block
	// counters such as paid refills.
	Ordinal int64 `json:"ordinal"`
}

// Budget plans resource-gated actions for one calendar activity against measured
// progress. Target is only ever recomputed from a freshly measured ground-truth
// progress value, never adjusted independently of a resync, so the plan cannot
// drift from reality across crashes or missed credits.
type Budget struct {
	Activity        string `json:"activity"`
	Goal            int    `json:"goal"`
	PointsPerAction int    `json:"points_per_action"`
	EnergyPerAction int    `json:"energy_per_action"`

	Target   int `json:"target"`
	Consumed int `json:"consumed"`

	LastSyncProgress int       `json:"last_sync_progress"`
	LastSyncAt       time.Time `json:"last_sync_at"`
}

// Resync recomputes Target from ground-truth progress and resets Consumed.
// This is the only way Target or Consumed change apart from Spend.
func (b *Budget) Resync(progress int, at time.Time) {
	remaining := b.Goal - progress
	if remaining < 0 {
		remaining = 0
	}
	if b.PointsPerAction <= 0 {
		b.Target = 0
	} else {
		b.Target = int(math.Ceil(float64(remaining) / float64(b.PointsPerAction)))
	}
	b.Consumed = 0
	b.LastSyncProgress = progress
	b.LastSyncAt = at
}

// Remaining returns how many planned actions are still owed in this window.
func (b *Budget) Remaining() int {
	if b.Consumed >= b.Target {
		return 0
	}
	return b.Target - b.Consumed
}

// Spend records one triggered action against the current plan.
func (b *Budget) Spend() {
	b.Consumed++
}

// Validate checks a budget configuration received over the API.
func (b *Budget) Validate() error {
	if b.Activity == "" {
		return ErrEmptyActivity
	}
	if b.Goal < 0 {
		return ErrNegativeGoal
	}
	if b.PointsPerAction <= 0 {
		return ErrBadPointsPerAction
	}
	if b.EnergyPerAction < 0 {
		return ErrBadEnergyPerAction
	}
	return nil
}

// DailyLimitRecord marks a server-enforced once-per-day action as exhausted until a
// fixed daily reset instant. ResetAt is always the next fixed UTC time-of-day, never
// "discovery time + 24h".
type DailyLimitRecord struct {
	ActionID  string    `json:"action_id"`
	Exhausted bool      `json:"exhausted"`
	ResetAt   time.Time `json:"reset_at"`
}

// Active reports whether the limit still blocks the action at the given instant.
func (d DailyLimitRecord) Active(now time.Time) bool {
	return d.Exhausted && now.Before(d.ResetAt)
}

// ScheduleStateVersion is the current persisted document schema version.
const ScheduleStateVersion = 1

// ScheduleState is the single versioned document holding all mutable scheduler
// state. It is written through one path as a full-document replace after every
// mutation and loaded once at startup. Unknown fields are ignored on load for
// forward compatibility; migrating older schema versions is a non-goal.
type ScheduleState struct {
	Version     int                         `json:"version"`
	Budgets     map[string]Budget           `json:"budgets,omitempty"`
	DailyLimits map[string]DailyLimitRecord `json:"daily_limits,omitempty"`
	Cooldowns   map[string]time.Time        `json:"cooldowns,omitempty"`
	// PaidRefills counts paid energy refills used per calendar block ordinal.
	PaidRefills map[int64]int `json:"paid_refills,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// NewScheduleState returns an empty document at the current schema version.
func NewScheduleState() *ScheduleState {
	return &ScheduleState{
		Version:     ScheduleStateVersion,
		Budgets:     make(map[string]Budget),
		DailyLimits: make(map[string]DailyLimitRecord),
		Cooldowns:   make(map[string]time.Time),
		PaidRefills: make(map[int64]int),
	}
}

// Normalize ensures all maps are non-nil after a JSON load.
func (s *ScheduleState) Normalize() {
	if s.Budgets == nil {
		s.Budgets = make(map[string]Budget)
	}
	if s.DailyLimits == nil {
		s.DailyLimits = make(map[string]DailyLimitRecord)
	}
	if s.Cooldowns == nil {
		s.Cooldowns = make(map[string]time.Time)
	}
	if s.PaidRefills == nil {
		s.PaidRefills = make(map[int64]int)
	}
}

// LoopStatus is the sampling loop's externally visible state.
type LoopStatus struct {
	Paused     bool       `json:"paused"`
	State      ViewState  `json:"state"`
	Confidence float64    `json:"confidence"`
	LastTick   time.Time  `json:"last_tick"`
	LastSeq    uint64     `json:"last_seq"`
	Block      EventBlock `json:"block"`
	// PendingTriggers is the number of queued API-triggered flows.
	PendingTriggers int `json:"pending_triggers"`
}

// Error variables for better error handling and testability
var (
	ErrEmptyActivity      = errors.New("activity cannot be empty")
	ErrNegativeGoal       = errors.New("goal cannot be negative")
	ErrBadPointsPerAction = errors.New("points per action must be positive")
	ErrBadEnergyPerAction = errors.New("energy per action cannot be negative")
	ErrUnknownFlow        = errors.New("unknown flow name")
	ErrUnknownOverride    = errors.New("unknown override key")
	ErrTriggerQueueFull   = errors.New("trigger queue full")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and result.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
