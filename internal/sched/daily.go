package sched

import "time"

// NextResetAt returns the next occurrence of the fixed daily reset clock time,
// in UTC, strictly after now. Discovering an exhausted action at 23:58 must
// block it until the next 02:00, not until 23:58 tomorrow, so the reset is
// anchored to the clock time rather than to the discovery instant.
func NextResetAt(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	reset := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !reset.After(now) {
		reset = reset.Add(24 * time.Hour)
	}
	return reset
}
