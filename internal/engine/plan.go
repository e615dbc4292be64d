package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/ScreenPilot/internal/flow"
	"github.com/BTreeMap/ScreenPilot/internal/models"
	"github.com/BTreeMap/ScreenPilot/internal/ocr"
	"github.com/BTreeMap/ScreenPilot/internal/sched"
)

// noCountdownMark stands in for an absent refill countdown in the text
// consensus buffer, so "no free refill pending" must repeat like any other
// reading before it is believed.
const noCountdownMark = "absent"

// readProgress feeds the progress-gauge consensus while a resync is armed
// and re-plans the block's budget once a value confirms. Reads happen only
// on base views, where the gauge is actually on screen.
func (e *Engine) readProgress(ctx context.Context, frame *models.Frame, state models.ViewState) {
	e.mu.Lock()
	activity := e.resyncFor
	e.mu.Unlock()
	if activity == "" || e.reader == nil || !state.IsBase() {
		return
	}

	n, err := e.reader.ReadNumber(ctx, frame, e.regions.ProgressRegion)
	if err != nil {
		slog.Debug("Engine.readProgress: gauge unreadable", "seq", frame.Seq, "error", err)
		return
	}
	e.progress.SetTolerance(e.rt.ConsensusTolerance())
	value, confirmed := e.progress.Push(n)
	if !confirmed {
		return
	}

	if _, err := e.planner.Resync(activity, value); err != nil {
		slog.Warn("Engine.readProgress: resync failed", "activity", activity, "error", err)
		return
	}
	e.mu.Lock()
	e.resyncFor = ""
	e.mu.Unlock()
}

// dispatch hands at most one flow to the coordinator per tick: a queued
// manual trigger when the coordinator would admit it, otherwise the action
// the current block still owes.
func (e *Engine) dispatch(ctx context.Context, frame *models.Frame, state models.ViewState, now time.Time) {
	if name, ok := e.peekTrigger(); ok {
		if admitted, _ := e.coord.CanRun(name); admitted {
			e.popTrigger()
			e.runFlow(ctx, name, "")
		}
		return
	}

	flowName, block, due := e.planner.ActionDue(now)
	if !due || flowName == "" {
		return
	}
	e.mu.Lock()
	awaitingResync := e.resyncFor != ""
	e.mu.Unlock()
	if awaitingResync {
		// The window's target is not trustworthy until the resync lands.
		return
	}
	if admitted, _ := e.coord.CanRun(flowName); !admitted {
		return
	}

	budget, budgeted := e.planner.Budget(block.Activity)
	if !budgeted || budget.EnergyPerAction <= 0 {
		charge := ""
		if budgeted {
			charge = block.Activity
		}
		e.runFlow(ctx, flowName, charge)
		return
	}
	if e.reader == nil {
		// An energy-metered action cannot be validated without the gauge.
		return
	}

	energy, ok := e.readEnergy(ctx, frame)
	if !ok {
		return
	}
	if energy >= budget.EnergyPerAction {
		e.runFlow(ctx, flowName, block.Activity)
		return
	}
	if e.refillFlow == "" {
		// No refill flow configured; wait for energy to regenerate on its own
		// rather than burning a paid-refill grant nothing can act on.
		return
	}

	freeIn, known := e.readRefillCountdown(ctx, frame)
	if !known {
		return
	}
	decision, err := e.planner.DecideRefill(now, energy, budget.EnergyPerAction, freeIn)
	if err != nil {
		slog.Warn("Engine.dispatch: refill decision failed", "activity", block.Activity, "error", err)
		return
	}
	switch decision {
	case sched.RefillPaid:
		e.runFlow(ctx, e.refillFlow, "")
	case sched.RefillWaitFree, sched.RefillExhausted, sched.RefillNone:
		// Nothing to do this tick; the gauge decides again next time.
	}
}

// runFlow dispatches a flow through the coordinator and, when it was accepted
// and names a budgeted activity, charges one action against that budget. Any
// dispatch invalidates the gauge buffers, since the flow is about to change
// what is on screen.
func (e *Engine) runFlow(ctx context.Context, name, chargeActivity string) {
	rt := &flow.Runtime{Device: e.dev, Matcher: e.matcher}
	if err := e.coord.Run(ctx, name, rt); err != nil {
		slog.Warn("Engine.runFlow: dispatch rejected", "flow", name, "error", err)
		return
	}
	if chargeActivity != "" {
		if _, err := e.planner.RecordAction(chargeActivity); err != nil {
			slog.Warn("Engine.runFlow: budget charge failed", "activity", chargeActivity, "error", err)
		}
	}
	e.mu.Lock()
	e.gaugesStale = true
	e.energyOK = false
	e.mu.Unlock()
}

// readEnergy returns a consensus-confirmed energy value, sampling the gauge
// once per call until the buffer agrees. A confirmed value is cached until
// the next dispatch or block change invalidates it.
func (e *Engine) readEnergy(ctx context.Context, frame *models.Frame) (int, bool) {
	e.mu.Lock()
	if e.energyOK {
		v := e.energyVal
		e.mu.Unlock()
		return v, true
	}
	e.mu.Unlock()

	n, err := e.reader.ReadNumber(ctx, frame, e.regions.EnergyRegion)
	if err != nil {
		slog.Debug("Engine.readEnergy: gauge unreadable", "seq", frame.Seq, "error", err)
		return 0, false
	}
	e.energy.SetTolerance(e.rt.ConsensusTolerance())
	v, confirmed := e.energy.Push(n)
	if !confirmed {
		return 0, false
	}

	e.mu.Lock()
	e.energyVal = v
	e.energyOK = true
	e.mu.Unlock()
	return v, true
}

// readRefillCountdown confirms the free-refill countdown through text
// consensus. A countdown that is consistently absent confirms as "no free
// refill pending", reported as a negative duration so the planner falls
// through to the paid path.
func (e *Engine) readRefillCountdown(ctx context.Context, frame *models.Frame) (time.Duration, bool) {
	raw, err := e.reader.ReadText(ctx, frame, e.regions.RefillRegion)
	if err != nil {
		if !errors.Is(err, ocr.ErrUnreadable) {
			slog.Debug("Engine.readRefillCountdown: read failed", "seq", frame.Seq, "error", err)
			return 0, false
		}
		raw = noCountdownMark
	}
	value, confirmed := e.refill.Push(raw)
	if !confirmed {
		return 0, false
	}
	if value == noCountdownMark {
		return -1, true
	}
	d, err := sched.ParseCountdown(value)
	if err != nil {
		slog.Debug("Engine.readRefillCountdown: malformed countdown", "value", value)
		return 0, false
	}
	return d, true
}

func (e *Engine) peekTrigger() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.triggers) == 0 {
		return "", false
	}
	return e.triggers[0], true
}

func (e *Engine) popTrigger() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.triggers) > 0 {
		e.triggers = e.triggers[1:]
	}
}
