package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/ScreenPilot/internal/models"
	"github.com/BTreeMap/ScreenPilot/internal/store"
)

// Maintenance runs the periodic housekeeping the schedule needs outside the
// sampling loop: sweeping expired daily-limit records just after the reset
// instant and pruning old events from the log.
type Maintenance struct {
	cron *cron.Cron
}

// NewMaintenance creates and starts the maintenance scheduler.
func NewMaintenance() *Maintenance {
	// Standard 5-field cron (min, hour, dom, month, dow) with panic recovery.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Maintenance{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (m *Maintenance) AddJob(expr string, task func()) error {
	_, err := m.cron.AddFunc(expr, task)
	return err
}

// ScheduleDailySweep runs the daily-limit sweep one minute after the reset
// instant, so records expiring exactly at the reset are already inactive.
func (m *Maintenance) ScheduleDailySweep(p *Planner, hour, minute int) error {
	expr := fmt.Sprintf("%d %d * * *", (minute+1)%60, (hour+(minute+1)/60)%24)
	return m.AddJob(expr, func() {
		removed, err := p.Sweep(time.Now().UTC())
		if err != nil {
			slog.Error("Maintenance.ScheduleDailySweep: sweep failed", "error", err)
			return
		}
		if removed > 0 {
			slog.Info("Maintenance.ScheduleDailySweep: expired daily limits removed", "count", removed)
		}
	})
}

// ScheduleEventPrune drops events older than the retention window once a day.
func (m *Maintenance) ScheduleEventPrune(st store.Store, retain time.Duration) error {
	return m.AddJob("30 3 * * *", func() {
		pruned, err := st.PruneEvents(time.Now().UTC().Add(-retain))
		if err != nil {
			slog.Error("Maintenance.ScheduleEventPrune: prune failed", "error", err)
			return
		}
		if pruned > 0 {
			slog.Info("Maintenance.ScheduleEventPrune: old events pruned", "count", pruned)
		}
	})
}

// ScheduleBlockCorrection invokes fn five minutes before each calendar block
// ends. Blocks are four hours anchored at midnight UTC, so the pass lands at
// 03:55, 07:55, and every four hours after.
func (m *Maintenance) ScheduleBlockCorrection(fn func()) error {
	return m.AddJob("55 3,7,11,15,19,23 * * *", fn)
}

// ScheduleDailyDigest sends the operator a summary five minutes after the
// daily reset, once the sweep has run.
func (m *Maintenance) ScheduleDailyDigest(k *Keeper, st store.Store, send func(ctx context.Context, msg string) error, hour, minute int) error {
	total := hour*60 + minute + 5
	expr := fmt.Sprintf("%d %d * * *", total%60, (total/60)%24)
	return m.AddJob(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := send(ctx, BuildDigest(k, st, time.Now().UTC())); err != nil {
			slog.Warn("Maintenance.ScheduleDailyDigest: send failed", "error", err)
		}
	})
}

// BuildDigest summarizes the last day for the operator: where every budget
// stands and how many events of each kind the log recorded.
func BuildDigest(k *Keeper, st store.Store, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ScreenPilot digest %s", now.Format("2006-01-02"))

	doc := k.Snapshot()
	activities := make([]string, 0, len(doc.Budgets))
	for a := range doc.Budgets {
		activities = append(activities, a)
	}
	sort.Strings(activities)
	for _, a := range activities {
		bud := doc.Budgets[a]
		fmt.Fprintf(&b, "\n%s: %d/%d actions", a, bud.Consumed, bud.Target)
	}

	events, err := st.GetEvents(0)
	if err != nil {
		slog.Warn("BuildDigest: events unavailable", "error", err)
		return b.String()
	}
	cutoff := now.Add(-24 * time.Hour)
	counts := make(map[models.EventType]int)
	for _, e := range events {
		// Newest first, so everything past the cutoff is done.
		if e.Time.Before(cutoff) {
			break
		}
		counts[e.Type]++
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(&b, "\n%s: %d", t, counts[models.EventType(t)])
	}
	return b.String()
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (m *Maintenance) Stop() {
	m.cron.Stop()
}
