package sched

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ScreenPilot/internal/models"
)

// RefillDecision is the outcome of an energy-refill consultation.
type RefillDecision int

const (
	// RefillNone means energy already covers the next action.
	RefillNone RefillDecision = iota
	// RefillWaitFree means the free refill lands inside the current block, so
	// the planner prefers waiting it out over spending a paid refill.
	RefillWaitFree
	// RefillPaid means a paid refill was granted and counted against the
	// current block's cap.
	RefillPaid
	// RefillExhausted means the cap is spent and the free refill arrives too
	// late; the activity stops for the rest of the block.
	RefillExhausted
)

func (d RefillDecision) String() string {
	switch d {
	case RefillNone:
		return "none"
	case RefillWaitFree:
		return "wait_free"
	case RefillPaid:
		return "paid"
	case RefillExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// EventSink receives planner events.
type EventSink func(e models.Event)

// Planner decides what the current calendar block owes: whether another action
// is due, how to restore energy, and when a daily-limited action unblocks. It
// holds no state of its own; everything durable lives in the Keeper.
type Planner struct {
	cal    *Calendar
	keeper *Keeper

	resetHour   int
	resetMinute int
	paidCap     int
	flows       map[string]string
	events      EventSink
	now         func() time.Time
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithResetClock sets the fixed UTC clock time daily limits reset at.
func WithResetClock(hour, minute int) PlannerOption {
	return func(p *Planner) {
		p.resetHour = hour
		p.resetMinute = minute
	}
}

// WithPaidRefillCap bounds paid refills per calendar block.
func WithPaidRefillCap(n int) PlannerOption {
	return func(p *Planner) { p.paidCap = n }
}

// WithActivityFlows maps calendar activities to the flow that serves them.
func WithActivityFlows(flows map[string]string) PlannerOption {
	return func(p *Planner) { p.flows = flows }
}

// WithPlannerEvents publishes planner events.
func WithPlannerEvents(sink EventSink) PlannerOption {
	return func(p *Planner) { p.events = sink }
}

// WithPlannerClock replaces the time source, for tests.
func WithPlannerClock(fn func() time.Time) PlannerOption {
	return func(p *Planner) { p.now = fn }
}

// NewPlanner builds a planner over a calendar and a keeper.
func NewPlanner(cal *Calendar, keeper *Keeper, opts ...PlannerOption) *Planner {
	p := &Planner{
		cal:         cal,
		keeper:      keeper,
		resetHour:   2,
		resetMinute: 0,
		paidCap:     2,
		flows:       map[string]string{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Planner) emit(e models.Event) {
	if p.events != nil {
		p.events(e)
	}
}

// CurrentBlock returns the calendar block covering now.
func (p *Planner) CurrentBlock(now time.Time) models.EventBlock {
	return p.cal.EventAt(now)
}

// Resync re-plans an activity's budget from a ground-truth progress reading.
func (p *Planner) Resync(activity string, progress int) (models.Budget, error) {
	b, err := p.keeper.ResyncBudget(activity, progress)
	if err != nil {
		return models.Budget{}, err
	}
	p.emit(models.NewEvent(models.EventBudgetSync, "budget re-planned from progress reading", map[string]string{
		"activity": activity,
		"progress": strconv.Itoa(progress),
		"target":   strconv.Itoa(b.Target),
	}))
	return b, nil
}

// RecordAction charges one dispatched action against an activity's budget.
func (p *Planner) RecordAction(activity string) (models.Budget, error) {
	return p.keeper.SpendBudget(activity)
}

// Budget returns the configured budget for an activity, if any.
func (p *Planner) Budget(activity string) (models.Budget, bool) {
	return p.keeper.Budget(activity)
}

// ActionDue reports whether the block covering now still owes an action, and
// which flow serves it. An activity with no budget runs unmetered, so its flow
// is due whenever the block names it.
func (p *Planner) ActionDue(now time.Time) (flow string, block models.EventBlock, due bool) {
	block = p.cal.EventAt(now)
	flow, ok := p.flows[block.Activity]
	if !ok {
		return "", block, false
	}
	if p.DailyBlocked(flow, now) {
		return flow, block, false
	}
	b, ok := p.keeper.Budget(block.Activity)
	if !ok {
		return flow, block, true
	}
	return flow, block, b.Remaining() > 0
}

// DecideRefill picks how to restore energy before the next action. A free
// refill that lands inside the current block always wins over spending a paid
// one; past that, paid refills are granted until the block's cap runs out.
func (p *Planner) DecideRefill(now time.Time, energy, cost int, freeIn time.Duration) (RefillDecision, error) {
	if cost <= 0 || energy >= cost {
		return RefillNone, nil
	}
	block := p.cal.EventAt(now)
	if freeIn >= 0 && !now.Add(freeIn).After(block.BlockEnd) {
		slog.Debug("Planner.DecideRefill: waiting for free refill",
			"free_in", freeIn, "block_end", block.BlockEnd)
		return RefillWaitFree, nil
	}
	granted, err := p.keeper.ConsumePaidRefill(block.Ordinal, p.paidCap)
	if err != nil {
		return RefillExhausted, err
	}
	if !granted {
		slog.Info("Planner.DecideRefill: paid refill cap reached",
			"ordinal", block.Ordinal, "cap", p.paidCap)
		return RefillExhausted, nil
	}
	slog.Info("Planner.DecideRefill: paid refill granted",
		"ordinal", block.Ordinal, "used", p.keeper.PaidRefillsUsed(block.Ordinal), "cap", p.paidCap)
	return RefillPaid, nil
}

// OnBlockChange closes the finished block's planning window and reports the
// shortfall, then drops refill counters that can never be consulted again.
// The next window opens lazily, on the first progress reading inside it.
func (p *Planner) OnBlockChange(prev, next models.EventBlock) error {
	shortfall, err := p.keeper.CloseBudgetWindow(prev.Activity)
	if err != nil {
		return err
	}
	if shortfall > 0 {
		slog.Warn("Planner.OnBlockChange: window closed with unmet target",
			"activity", prev.Activity, "shortfall", shortfall)
		p.emit(models.NewEvent(models.EventBudgetSync, "window closed with unmet target", map[string]string{
			"activity":  prev.Activity,
			"shortfall": strconv.Itoa(shortfall),
		}))
	}
	if err := p.keeper.PruneRefillCounters(next.Ordinal); err != nil {
		return err
	}
	return nil
}

// MarkDailyExhausted records a server-enforced daily limit and returns the
// instant it lifts.
func (p *Planner) MarkDailyExhausted(actionID string, now time.Time) (time.Time, error) {
	resetAt := NextResetAt(now, p.resetHour, p.resetMinute)
	if err := p.keeper.MarkExhausted(actionID, resetAt); err != nil {
		return time.Time{}, err
	}
	slog.Info("Planner.MarkDailyExhausted: action blocked until reset",
		"action", actionID, "reset_at", resetAt)
	p.emit(models.NewEvent(models.EventDailyLimit, "daily limit reached", map[string]string{
		"action":   actionID,
		"reset_at": resetAt.Format(time.RFC3339),
	}))
	return resetAt, nil
}

// DailyBlocked reports whether an action is still inside its daily block.
func (p *Planner) DailyBlocked(actionID string, now time.Time) bool {
	rec, ok := p.keeper.DailyLimit(actionID)
	return ok && rec.Active(now)
}

// Sweep removes expired daily-limit records.
func (p *Planner) Sweep(now time.Time) (int, error) {
	return p.keeper.SweepDailyLimits(now)
}

// ParseCountdown parses an on-screen refill countdown, either "MM:SS" or
// "H:MM:SS", into a duration.
func ParseCountdown(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("sched: malformed countdown %q", s)
	}
	vals := make([]int, len(parts))
	for i, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("sched: malformed countdown %q", s)
		}
		vals[i] = v
	}
	var d time.Duration
	switch len(vals) {
	case 2:
		if vals[1] > 59 {
			return 0, fmt.Errorf("sched: malformed countdown %q", s)
		}
		d = time.Duration(vals[0])*time.Minute + time.Duration(vals[1])*time.Second
	case 3:
		if vals[1] > 59 || vals[2] > 59 {
			return 0, fmt.Errorf("sched: malformed countdown %q", s)
		}
		d = time.Duration(vals[0])*time.Hour + time.Duration(vals[1])*time.Minute + time.Duration(vals[2])*time.Second
	}
	return d, nil
}
