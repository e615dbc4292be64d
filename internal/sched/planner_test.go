package sched

import (
	"testing"
	"time"

	"github.com/BTreeMap/ScreenPilot/internal/models"
	"github.com/BTreeMap/ScreenPilot/internal/store"
)

type eventLog struct {
	events []models.Event
}

func (l *eventLog) sink(e models.Event) {
	l.events = append(l.events, e)
}

func (l *eventLog) byType(t models.EventType) []models.Event {
	var out []models.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testPlanner(t *testing.T, opts ...PlannerOption) (*Planner, *Keeper) {
	t.Helper()
	k, err := NewKeeper(store.NewInMemoryStore())
	if err != nil {
		t.Fatalf("NewKeeper: %v", err)
	}
	base := []PlannerOption{WithActivityFlows(map[string]string{"gathering": "collect"})}
	return NewPlanner(NewCalendar(nil), k, append(base, opts...)...), k
}

func TestPlannerResync(t *testing.T) {
	log := &eventLog{}
	p, k := testPlanner(t, WithPlannerEvents(log.sink))
	if err := k.SetBudget(gatheringBudget()); err != nil {
		t.Fatalf("SetBudget: %v", err)
	}

	b, err := p.Resync("gathering", 18000)
	if err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if b.Target != 6 || b.Consumed != 0 {
		t.Errorf("resync at 18000 = target %d consumed %d, want 6/0", b.Target, b.Consumed)
	}
	for i := 0; i < 4; i++ {
		if _, err := p.RecordAction("gathering"); err != nil {
			t.Fatalf("RecordAction: %v", err)
		}
	}
	b, err = p.Resync("gathering", 26000)
	if err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if b.Target != 2 || b.Consumed != 0 {
		t.Errorf("resync at 26000 = target %d consumed %d, want 2/0", b.Target, b.Consumed)
	}

	syncs := log.byType(models.EventBudgetSync)
	if len(syncs) != 2 {
		t.Fatalf("got %d budget_sync events, want 2", len(syncs))
	}
	if syncs[1].Fields["target"] != "2" {
		t.Errorf("second sync event target = %q, want 2", syncs[1].Fields["target"])
	}
}

func TestPlannerActionDue(t *testing.T) {
	p, k := testPlanner(t)
	now := Epoch.Add(time.Hour) // inside Monday's gathering block

	// No budget means the activity runs unmetered.
	flow, blk, due := p.ActionDue(now)
	if !due || flow != "collect" || blk.Activity != "gathering" {
		t.Errorf("unmetered: flow=%q block=%q due=%v", flow, blk.Activity, due)
	}

	// A fresh budget owes nothing until the first progress reading.
	if err := k.SetBudget(gatheringBudget()); err != nil {
		t.Fatalf("SetBudget: %v", err)
	}
	if _, _, due := p.ActionDue(now); due {
		t.Error("budget without a sync reported actions due")
	}

	if _, err := p.Resync("gathering", 18000); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if _, _, due := p.ActionDue(now); !due {
		t.Error("synced budget with remaining target reported nothing due")
	}

	// Exhaust the plan.
	for i := 0; i < 6; i++ {
		if _, err := p.RecordAction("gathering"); err != nil {
			t.Fatalf("RecordAction: %v", err)
		}
	}
	if _, _, due := p.ActionDue(now); due {
		t.Error("spent budget reported actions due")
	}
}

func TestPlannerActionDueRespectsDailyLimit(t *testing.T) {
	p, _ := testPlanner(t)
	now := Epoch.Add(time.Hour)

	if _, err := p.MarkDailyExhausted("collect", now); err != nil {
		t.Fatalf("MarkDailyExhausted: %v", err)
	}
	if _, _, due := p.ActionDue(now); due {
		t.Error("daily-blocked flow reported actions due")
	}

	// A block whose activity has no flow mapping never owes actions.
	if flow, _, due := p.ActionDue(Epoch.Add(5 * time.Hour)); due || flow != "" {
		t.Errorf("unmapped activity: flow=%q due=%v", flow, due)
	}
}

func TestPlannerDecideRefill(t *testing.T) {
	p, k := testPlanner(t)
	now := Epoch.Add(30 * time.Minute) // block ends at Epoch+4h
	ordinal := p.CurrentBlock(now).Ordinal

	if d, _ := p.DecideRefill(now, 12, 10, time.Hour); d != RefillNone {
		t.Errorf("sufficient energy = %v, want none", d)
	}
	if d, _ := p.DecideRefill(now, 0, 0, time.Hour); d != RefillNone {
		t.Errorf("zero cost = %v, want none", d)
	}

	// Free refill lands inside the block, even exactly on the boundary.
	if d, _ := p.DecideRefill(now, 2, 10, 3*time.Hour); d != RefillWaitFree {
		t.Errorf("free refill inside block = %v, want wait_free", d)
	}
	if d, _ := p.DecideRefill(now, 2, 10, 3*time.Hour+30*time.Minute); d != RefillWaitFree {
		t.Errorf("free refill on block end = %v, want wait_free", d)
	}
	if used := k.PaidRefillsUsed(ordinal); used != 0 {
		t.Errorf("waiting consumed %d paid refills", used)
	}

	// Free refill lands after the block: spend paid refills up to the cap.
	late := 3*time.Hour + 31*time.Minute
	for i := 0; i < 2; i++ {
		d, err := p.DecideRefill(now, 2, 10, late)
		if err != nil || d != RefillPaid {
			t.Fatalf("paid refill %d = %v, %v", i, d, err)
		}
	}
	if d, _ := p.DecideRefill(now, 2, 10, late); d != RefillExhausted {
		t.Errorf("over cap = %v, want exhausted", d)
	}

	// The next block has its own counter.
	if d, _ := p.DecideRefill(now.Add(BlockDuration), 2, 10, 24*time.Hour); d != RefillPaid {
		t.Errorf("fresh block = %v, want paid", d)
	}
}

func TestPlannerDecideRefillWithoutCountdown(t *testing.T) {
	p, _ := testPlanner(t)
	now := Epoch.Add(30 * time.Minute)
	// A negative countdown means no free refill is pending; go straight to paid.
	if d, _ := p.DecideRefill(now, 2, 10, -1); d != RefillPaid {
		t.Errorf("no pending free refill = %v, want paid", d)
	}
}

func TestPlannerOnBlockChange(t *testing.T) {
	log := &eventLog{}
	p, k := testPlanner(t, WithPlannerEvents(log.sink))
	if err := k.SetBudget(gatheringBudget()); err != nil {
		t.Fatalf("SetBudget: %v", err)
	}
	if _, err := p.Resync("gathering", 18000); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := p.RecordAction("gathering"); err != nil {
			t.Fatalf("RecordAction: %v", err)
		}
	}

	prev := p.CurrentBlock(Epoch)
	next := p.CurrentBlock(Epoch.Add(BlockDuration))
	if _, err := k.ConsumePaidRefill(prev.Ordinal, 2); err != nil {
		t.Fatalf("ConsumePaidRefill: %v", err)
	}

	if err := p.OnBlockChange(prev, next); err != nil {
		t.Fatalf("OnBlockChange: %v", err)
	}
	b, _ := k.Budget("gathering")
	if b.Remaining() != 0 {
		t.Errorf("closed window still owes %d actions", b.Remaining())
	}
	if k.PaidRefillsUsed(prev.Ordinal) != 0 {
		t.Error("stale refill counter survived the block change")
	}

	events := log.byType(models.EventBudgetSync)
	if len(events) != 2 { // one sync, one shortfall report
		t.Fatalf("got %d budget_sync events, want 2", len(events))
	}
	if events[1].Fields["shortfall"] != "2" {
		t.Errorf("shortfall field = %q, want 2", events[1].Fields["shortfall"])
	}

	// A met target closes quietly.
	if _, err := p.Resync("gathering", 30000); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if err := p.OnBlockChange(next, p.CurrentBlock(Epoch.Add(2*BlockDuration))); err != nil {
		t.Fatalf("OnBlockChange: %v", err)
	}
	if got := len(log.byType(models.EventBudgetSync)); got != 3 { // only the resync added one
		t.Errorf("got %d budget_sync events after quiet close, want 3", got)
	}
}

func TestPlannerDailyLimit(t *testing.T) {
	log := &eventLog{}
	p, _ := testPlanner(t, WithPlannerEvents(log.sink))

	now := time.Date(2026, 3, 1, 23, 58, 0, 0, time.UTC)
	resetAt, err := p.MarkDailyExhausted("daily_claim", now)
	if err != nil {
		t.Fatalf("MarkDailyExhausted: %v", err)
	}
	if want := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC); !resetAt.Equal(want) {
		t.Errorf("resetAt = %v, want %v", resetAt, want)
	}

	if !p.DailyBlocked("daily_claim", resetAt.Add(-time.Minute)) {
		t.Error("action unblocked before the reset")
	}
	if p.DailyBlocked("daily_claim", resetAt) {
		t.Error("action still blocked at the reset instant")
	}

	if events := log.byType(models.EventDailyLimit); len(events) != 1 {
		t.Errorf("got %d daily_limit events, want 1", len(events))
	}

	removed, err := p.Sweep(resetAt)
	if err != nil || removed != 1 {
		t.Errorf("Sweep = %d, %v, want 1 removed", removed, err)
	}
}

func TestNextResetAt(t *testing.T) {
	tests := []struct {
		name         string
		now          time.Time
		hour, minute int
		want         time.Time
	}{
		{
			name: "before todays reset",
			now:  time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC),
			hour: 2, want: time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly at the reset",
			now:  time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC),
			hour: 2, want: time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "late evening",
			now:  time.Date(2026, 3, 1, 23, 58, 0, 0, time.UTC),
			hour: 2, want: time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "custom clock",
			now:  time.Date(2026, 3, 1, 12, 29, 0, 0, time.UTC),
			hour: 12, minute: 30, want: time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
		},
		{
			name: "non-utc input",
			now:  time.Date(2026, 3, 1, 1, 30, 0, 0, time.FixedZone("CET", 3600)),
			hour: 2, want: time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextResetAt(tt.now, tt.hour, tt.minute)
			if !got.Equal(tt.want) {
				t.Errorf("NextResetAt = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseCountdown(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "12:34", want: 12*time.Minute + 34*time.Second},
		{in: "0:59", want: 59 * time.Second},
		{in: "00:00", want: 0},
		{in: " 5:00 ", want: 5 * time.Minute},
		{in: "1:02:03", want: time.Hour + 2*time.Minute + 3*time.Second},
		{in: "90:00", want: 90 * time.Minute},
		{in: "", wantErr: true},
		{in: "12", wantErr: true},
		{in: "1:2:3:4", wantErr: true},
		{in: "aa:bb", wantErr: true},
		{in: "10:60", wantErr: true},
		{in: "1:60:00", wantErr: true},
		{in: "-1:30", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseCountdown(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseCountdown(%q) accepted malformed input", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCountdown(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCountdown(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMaintenanceJobs(t *testing.T) {
	p, _ := testPlanner(t)
	m := NewMaintenance()
	defer m.Stop()

	if err := m.AddJob("not a cron expression", func() {}); err == nil {
		t.Error("AddJob accepted a malformed expression")
	}
	if err := m.AddJob("*/5 * * * *", func() {}); err != nil {
		t.Errorf("AddJob: %v", err)
	}
	if err := m.ScheduleDailySweep(p, 23, 59); err != nil {
		t.Errorf("ScheduleDailySweep: %v", err)
	}
	if err := m.ScheduleEventPrune(store.NewInMemoryStore(), 30*24*time.Hour); err != nil {
		t.Errorf("ScheduleEventPrune: %v", err)
	}
}
