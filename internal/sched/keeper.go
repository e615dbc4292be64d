package sched

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ScreenPilot/internal/models"
	"github.com/BTreeMap/ScreenPilot/internal/store"
)

// Keeper owns the persisted schedule document. It loads the document once,
// holds the only mutable copy, and funnels every mutation through one path
// that replaces the stored document whole. Nothing else writes schedule state.
type Keeper struct {
	mu    sync.Mutex
	store store.Store
	doc   *models.ScheduleState
	now   func() time.Time
}

// KeeperOption configures a Keeper.
type KeeperOption func(*Keeper)

// WithKeeperClock replaces the time source, for tests.
func WithKeeperClock(fn func() time.Time) KeeperOption {
	return func(k *Keeper) { k.now = fn }
}

// NewKeeper loads the schedule document from the store.
func NewKeeper(st store.Store, opts ...KeeperOption) (*Keeper, error) {
	doc, err := st.LoadScheduleState()
	if err != nil {
		return nil, fmt.Errorf("sched: load schedule state: %w", err)
	}
	k := &Keeper{store: st, doc: doc, now: time.Now}
	for _, opt := range opts {
		opt(k)
	}
	slog.Info("Keeper.NewKeeper: schedule state loaded",
		"budgets", len(doc.Budgets), "daily_limits", len(doc.DailyLimits), "cooldowns", len(doc.Cooldowns))
	return k, nil
}

// mutate applies fn to the document and persists the whole document.
func (k *Keeper) mutate(fn func(doc *models.ScheduleState)) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	fn(k.doc)
	k.doc.UpdatedAt = k.now().UTC()
	if err := k.store.SaveScheduleState(k.doc); err != nil {
		return fmt.Errorf("sched: save schedule state: %w", err)
	}
	return nil
}

// Snapshot returns a deep copy of the document for read-only use.
func (k *Keeper) Snapshot() *models.ScheduleState {
	k.mu.Lock()
	defer k.mu.Unlock()
	data, err := json.Marshal(k.doc)
	if err != nil {
		// The document is always JSON-serializable; reaching this means a
		// programming error, not an I/O condition.
		panic(fmt.Sprintf("sched: snapshot encode: %v", err))
	}
	var out models.ScheduleState
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("sched: snapshot decode: %v", err))
	}
	out.Normalize()
	return &out
}

// Budget returns the budget for an activity.
func (k *Keeper) Budget(activity string) (models.Budget, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	b, ok := k.doc.Budgets[activity]
	return b, ok
}

// SetBudget creates or replaces a budget after validation.
func (k *Keeper) SetBudget(b models.Budget) error {
	if err := b.Validate(); err != nil {
		return err
	}
	return k.mutate(func(doc *models.ScheduleState) {
		doc.Budgets[b.Activity] = b
	})
}

// ResyncBudget re-plans a budget from a ground-truth progress reading. Target
// and Consumed always change together here; there is no partial update that
// could let them drift apart.
func (k *Keeper) ResyncBudget(activity string, progress int) (models.Budget, error) {
	var out models.Budget
	err := k.mutate(func(doc *models.ScheduleState) {
		b, ok := doc.Budgets[activity]
		if !ok {
			return
		}
		b.Resync(progress, k.now().UTC())
		doc.Budgets[activity] = b
		out = b
	})
	if err != nil {
		return models.Budget{}, err
	}
	if out.Activity == "" {
		return models.Budget{}, fmt.Errorf("sched: no budget for activity %q", activity)
	}
	slog.Info("Keeper.ResyncBudget: budget re-planned",
		"activity", activity, "progress", progress, "target", out.Target)
	return out, nil
}

// SpendBudget records one dispatched action against a budget.
func (k *Keeper) SpendBudget(activity string) (models.Budget, error) {
	var out models.Budget
	var found bool
	err := k.mutate(func(doc *models.ScheduleState) {
		b, ok := doc.Budgets[activity]
		if !ok {
			return
		}
		b.Spend()
		doc.Budgets[activity] = b
		out, found = b, true
	})
	if err != nil {
		return models.Budget{}, err
	}
	if !found {
		return models.Budget{}, fmt.Errorf("sched: no budget for activity %q", activity)
	}
	return out, nil
}

// CloseBudgetWindow ends an activity's planning window and returns how many
// planned actions were left unconsumed.
func (k *Keeper) CloseBudgetWindow(activity string) (int, error) {
	shortfall := 0
	err := k.mutate(func(doc *models.ScheduleState) {
		b, ok := doc.Budgets[activity]
		if !ok {
			return
		}
		shortfall = b.Remaining()
		b.Target = b.Consumed
		doc.Budgets[activity] = b
	})
	return shortfall, err
}

// MarkExhausted records a daily-limited action as blocked until resetAt.
func (k *Keeper) MarkExhausted(actionID string, resetAt time.Time) error {
	return k.mutate(func(doc *models.ScheduleState) {
		doc.DailyLimits[actionID] = models.DailyLimitRecord{
			ActionID:  actionID,
			Exhausted: true,
			ResetAt:   resetAt,
		}
	})
}

// DailyLimit returns the limit record for an action.
func (k *Keeper) DailyLimit(actionID string) (models.DailyLimitRecord, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rec, ok := k.doc.DailyLimits[actionID]
	return rec, ok
}

// SweepDailyLimits drops records whose reset instant has passed and reports
// how many were removed. The sweep is hygiene only: DailyLimitRecord.Active
// compares against the clock, so a limit lifts on time with or without it.
func (k *Keeper) SweepDailyLimits(now time.Time) (int, error) {
	removed := 0
	err := k.mutate(func(doc *models.ScheduleState) {
		for id, rec := range doc.DailyLimits {
			if !rec.Active(now) {
				delete(doc.DailyLimits, id)
				removed++
			}
		}
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Debug("Keeper.SweepDailyLimits: expired records removed", "count", removed)
	}
	return removed, nil
}

// StampCooldown records a flow completion instant. Shaped to serve as the
// coordinator's cooldown sink.
func (k *Keeper) StampCooldown(name string, at time.Time) {
	if err := k.mutate(func(doc *models.ScheduleState) {
		doc.Cooldowns[name] = at.UTC()
	}); err != nil {
		slog.Error("Keeper.StampCooldown: persist failed", "error", err, "flow", name)
	}
}

// Cooldowns returns a copy of the persisted completion stamps, for seeding the
// coordinator at startup.
func (k *Keeper) Cooldowns() map[string]time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[string]time.Time, len(k.doc.Cooldowns))
	for name, at := range k.doc.Cooldowns {
		out[name] = at
	}
	return out
}

// ConsumePaidRefill increments the paid-refill counter for a block ordinal if
// it is still under the cap, reporting whether a refill was granted.
func (k *Keeper) ConsumePaidRefill(ordinal int64, limit int) (bool, error) {
	granted := false
	err := k.mutate(func(doc *models.ScheduleState) {
		if doc.PaidRefills[ordinal] >= limit {
			return
		}
		doc.PaidRefills[ordinal]++
		granted = true
	})
	if err != nil {
		return false, err
	}
	return granted, nil
}

// PaidRefillsUsed returns the counter for a block ordinal.
func (k *Keeper) PaidRefillsUsed(ordinal int64) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.doc.PaidRefills[ordinal]
}

// PruneRefillCounters drops counters for blocks before the given ordinal.
func (k *Keeper) PruneRefillCounters(before int64) error {
	return k.mutate(func(doc *models.ScheduleState) {
		for ordinal := range doc.PaidRefills {
			if ordinal < before {
				delete(doc.PaidRefills, ordinal)
			}
		}
	})
}
