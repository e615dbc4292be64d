// Package sched plans work against the weekly in-app event calendar.
//
// The calendar is a pure function of time: the week divides into 42 blocks of
// four hours, and each block hosts one activity from a fixed rotation. Nothing
// is fetched and nothing is stored; two processes computing the same instant
// always agree. On top of the calendar sit the budget planner, daily limit
// tracking, and the persisted schedule document.
package sched

import (
	"fmt"
	"time"

	"github.com/BTreeMap/ScreenPilot/internal/models"
)

// Epoch anchors block numbering. It is a Monday, so day indexes line up with
// ISO weekdays.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	// BlockDuration is the length of one calendar block.
	BlockDuration = 4 * time.Hour
	// BlocksPerDay is the number of blocks in one day.
	BlocksPerDay = 6
	// BlocksPerWeek is the number of blocks in one week.
	BlocksPerWeek = 7 * BlocksPerDay
)

// DefaultActivities is the rotation used when the profile does not override it.
var DefaultActivities = []string{"combat", "gathering", "training", "crafting", "trade", "patrol"}

// Calendar maps instants to event blocks.
type Calendar struct {
	activities []string
}

// NewCalendar builds a calendar over the given rotation; an empty rotation
// falls back to DefaultActivities.
func NewCalendar(activities []string) *Calendar {
	if len(activities) == 0 {
		activities = DefaultActivities
	}
	return &Calendar{activities: activities}
}

// Activities returns the rotation.
func (c *Calendar) Activities() []string {
	out := make([]string, len(c.activities))
	copy(out, c.activities)
	return out
}

// EventAt returns the block containing t. A block-boundary instant belongs to
// the block that starts there.
func (c *Calendar) EventAt(t time.Time) models.EventBlock {
	ordinal := floorDiv(t.Sub(Epoch), BlockDuration)
	day := floorDiv(t.Sub(Epoch), 24*time.Hour)
	blockInDay := int(ordinal - day*BlocksPerDay)
	weekday := int(mod(day, 7)) + 1 // 1..7, Monday = 1

	start := Epoch.Add(time.Duration(ordinal) * BlockDuration)
	return models.EventBlock{
		Activity:   c.activities[mod(int64(blockInDay+weekday), int64(len(c.activities)))],
		BlockStart: start,
		BlockEnd:   start.Add(BlockDuration),
		Day:        weekday,
		Block:      blockInDay,
		Ordinal:    ordinal,
	}
}

// NextActivity returns the start of the next block hosting the given activity,
// strictly after t's current block start when t's block already hosts it.
func (c *Calendar) NextActivity(t time.Time, activity string) (time.Time, error) {
	found := false
	for _, a := range c.activities {
		if a == activity {
			found = true
			break
		}
	}
	if !found {
		return time.Time{}, fmt.Errorf("sched: activity %q not in rotation", activity)
	}
	blk := c.EventAt(t)
	// The rotation repeats weekly, so one week of blocks always contains the
	// activity.
	for i := int64(1); i <= BlocksPerWeek; i++ {
		next := c.EventAt(blk.BlockStart.Add(time.Duration(i) * BlockDuration))
		if next.Activity == activity {
			return next.BlockStart, nil
		}
	}
	return time.Time{}, fmt.Errorf("sched: activity %q never scheduled", activity)
}

// floorDiv divides d by unit rounding toward negative infinity, so instants
// before the epoch still land in well-defined blocks.
func floorDiv(d, unit time.Duration) int64 {
	q := int64(d / unit)
	if d%unit != 0 && (d < 0) != (unit < 0) {
		q--
	}
	return q
}

func mod(v, m int64) int64 {
	r := v % m
	if r < 0 {
		r += m
	}
	return r
}
