// Package models defines operational event types shared by the store, the engine,
// and the API push stream.
package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of operational event.
type EventType string

const (
	// EventStateChange is emitted when the classified view state changes.
	EventStateChange EventType = "state_change"
	// EventFlowStarted is emitted when the coordinator dispatches a flow worker.
	EventFlowStarted EventType = "flow_started"
	// EventFlowFinished is emitted when a flow worker completes or fails.
	EventFlowFinished EventType = "flow_finished"
	// EventRecoveryStep is emitted for each remedy the supervisor attempts.
	EventRecoveryStep EventType = "recovery_step"
	// EventRecoveryDone is emitted once per resolved recovery episode.
	EventRecoveryDone EventType = "recovery_done"
	// EventAppRestart is emitted when the monitored process is relaunched.
	EventAppRestart EventType = "app_restart"
	// EventBudgetSync is emitted when a budget is resynced from ground truth.
	EventBudgetSync EventType = "budget_sync"
	// EventDailyLimit is emitted when an action is discovered exhausted.
	EventDailyLimit EventType = "daily_limit"
	// EventLoopPaused and EventLoopResumed track sampling-loop control.
	EventLoopPaused  EventType = "loop_paused"
	EventLoopResumed EventType = "loop_resumed"
)

// Event is one entry of the operational event log. Events are persisted through
// the store and pushed to API stream subscribers as they happen.
type Event struct {
	ID      string            `json:"id"`
	Type    EventType         `json:"type"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Time    time.Time         `json:"time"`
}

// NewEvent constructs an event stamped with a fresh ID and the current time.
func NewEvent(t EventType, message string, fields map[string]string) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    t,
		Message: message,
		Fields:  fields,
		Time:    time.Now().UTC(),
	}
}
