// Package api provides HTTP handlers for ScreenPilot endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ScreenPilot/internal/models"
	"github.com/BTreeMap/ScreenPilot/internal/sched"
)

// healthHandler provides a health check endpoint for monitoring.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status := s.ctrl.Status()
	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"paused":    status.Paused,
	}

	// A running loop that has not ticked for several intervals is stalled.
	if !status.Paused && !status.LastTick.IsZero() {
		if age := time.Since(status.LastTick); age > 5*s.rt.TickInterval() {
			slog.Warn("Server.healthHandler: sampling loop stalled", "last_tick", status.LastTick)
			healthData["status"] = "degraded"
			healthData["last_tick_age"] = age.String()
		}
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}

// statusHandler returns the loop's current state (GET /status).
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.ctrl.Status()))
}

// pauseHandler suspends the sampling loop (POST /pause). Pausing an
// already-paused loop succeeds as a no-op.
func (s *Server) pauseHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.ctrl.Pause()
	slog.Info("Server.pauseHandler: sampling loop paused")
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Sampling loop paused", nil))
}

// resumeHandler resumes the sampling loop (POST /resume). Idempotent.
func (s *Server) resumeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.ctrl.Resume()
	slog.Info("Server.resumeHandler: sampling loop resumed")
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Sampling loop resumed", nil))
}

// flowsHandler lists registered flows (GET /flows).
func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.flows.Descriptors()))
}

// flowTriggerHandler queues a flow by name (POST /flows/{name}/trigger).
func (s *Server) flowTriggerHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/flows/")
	segments := strings.Split(path, "/")
	if len(segments) != 2 || segments[0] == "" || segments[1] != "trigger" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown flow endpoint"))
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	name := segments[0]
	if err := s.ctrl.TriggerFlow(name); err != nil {
		switch {
		case errors.Is(err, models.ErrUnknownFlow):
			slog.Warn("Server.flowTriggerHandler: unknown flow", "flow", name)
			writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown flow: "+name))
		case errors.Is(err, models.ErrTriggerQueueFull):
			slog.Warn("Server.flowTriggerHandler: trigger queue full", "flow", name)
			writeJSONResponse(w, http.StatusConflict, models.Error("Trigger queue full"))
		default:
			slog.Error("Server.flowTriggerHandler: trigger failed", "error", err, "flow", name)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to queue flow"))
		}
		return
	}
	slog.Info("Server.flowTriggerHandler: flow queued", "flow", name)
	writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Flow queued", name))
}

// scheduleHandler returns the current calendar block, the next few blocks,
// and the persisted schedule document (GET /schedule).
func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	now := time.Now().UTC()
	upcoming := make([]models.EventBlock, 0, 3)
	for i := 1; i <= 3; i++ {
		upcoming = append(upcoming, s.planner.CurrentBlock(now.Add(time.Duration(i)*sched.BlockDuration)))
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"block":    s.planner.CurrentBlock(now),
		"upcoming": upcoming,
		"state":    s.keeper.Snapshot(),
	}))
}

// budgetsHandler lists all budgets (GET /budgets).
func (s *Server) budgetsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.keeper.Snapshot().Budgets))
}

// budgetItemHandler replaces the budget for one activity
// (PUT /budgets/{activity}). The path names the activity; the body carries
// goal, points_per_action, and energy_per_action.
func (s *Server) budgetItemHandler(w http.ResponseWriter, r *http.Request) {
	activity := strings.TrimPrefix(r.URL.Path, "/budgets/")
	if activity == "" || strings.Contains(activity, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown budget endpoint"))
		return
	}
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", http.MethodPut)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if r.Body != nil {
		defer r.Body.Close()
	}

	var b models.Budget
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		slog.Warn("Server.budgetItemHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	b.Activity = activity
	if err := s.keeper.SetBudget(b); err != nil {
		slog.Warn("Server.budgetItemHandler: budget rejected", "error", err, "activity", activity)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	slog.Info("Server.budgetItemHandler: budget saved", "activity", activity, "goal", b.Goal)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Budget saved", b))
}

// overrideRequest is the body of PUT /overrides.
type overrideRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	// TTL bounds the override's lifetime, as a Go duration string. Empty
	// means no expiry.
	TTL string `json:"ttl,omitempty"`
}

// overridesHandler reads or installs tunable overrides (GET, PUT /overrides).
func (s *Server) overridesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodGet:
		writeJSONResponse(w, http.StatusOK, models.Success(s.rt.Active()))
	case http.MethodPut:
		var req overrideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			slog.Warn("Server.overridesHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		var ttl time.Duration
		if req.TTL != "" {
			parsed, err := time.ParseDuration(req.TTL)
			if err != nil || parsed <= 0 {
				writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid TTL: "+req.TTL))
				return
			}
			ttl = parsed
		}
		if err := s.rt.Set(req.Key, req.Value, ttl); err != nil {
			slog.Warn("Server.overridesHandler: override rejected", "error", err, "key", req.Key)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Override installed", req.Key))
	default:
		w.Header().Set("Allow", "GET, PUT")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// overrideItemHandler removes one override (DELETE /overrides/{key}).
func (s *Server) overrideItemHandler(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/overrides/")
	if key == "" || strings.Contains(key, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown override endpoint"))
		return
	}
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", http.MethodDelete)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.rt.Delete(key); err != nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Override removed", key))
}

// eventsHandler returns recent events, newest first (GET /events?limit=N).
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit: "+raw))
			return
		}
		limit = n
	}
	events, err := s.st.GetEvents(limit)
	if err != nil {
		slog.Error("Server.eventsHandler: fetch failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch events"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(events))
}
