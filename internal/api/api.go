// Package api provides the HTTP control surface for ScreenPilot.
//
// It exposes RESTful endpoints for inspecting the classified screen state,
// triggering flows, pausing the sampling loop, adjusting budgets and tunable
// overrides, plus a websocket stream of lifecycle events. All commands are
// idempotent; pausing an already-paused loop succeeds as a no-op.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ScreenPilot/internal/config"
	"github.com/BTreeMap/ScreenPilot/internal/models"
	"github.com/BTreeMap/ScreenPilot/internal/sched"
	"github.com/BTreeMap/ScreenPilot/internal/store"
)

// DefaultAddr is the default API listen address.
const DefaultAddr = ":8080"

// Controller is the slice of the sampling loop the API drives.
type Controller interface {
	// Pause stops dispatching work. Idempotent.
	Pause()
	// Resume restarts dispatching. Idempotent.
	Resume()
	// Status reports the loop's externally visible state.
	Status() models.LoopStatus
	// TriggerFlow queues a flow for dispatch when the loop is next idle.
	TriggerFlow(name string) error
}

// FlowDirectory lists registered flows.
type FlowDirectory interface {
	Descriptors() []models.FlowDescriptor
}

// Opts holds server configuration.
type Opts struct {
	Addr string
}

// Option configures server Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server is the control API server.
type Server struct {
	ctrl    Controller
	flows   FlowDirectory
	keeper  *sched.Keeper
	planner *sched.Planner
	rt      *config.Runtime
	st      store.Store
	hub     *Hub

	addr string
	srv  *http.Server
}

// NewServer wires the control API over the loop, scheduler, runtime and store.
func NewServer(ctrl Controller, flows FlowDirectory, keeper *sched.Keeper, planner *sched.Planner,
	rt *config.Runtime, st store.Store, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		ctrl:    ctrl,
		flows:   flows,
		keeper:  keeper,
		planner: planner,
		rt:      rt,
		st:      st,
		hub:     NewHub(),
		addr:    o.Addr,
	}
}

// Publish forwards one event to all stream subscribers.
func (s *Server) Publish(e models.Event) {
	s.hub.Broadcast(e)
}

// Handler returns the route table. Exposed so tests can drive the API through
// httptest without a listening socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/pause", s.pauseHandler)
	mux.HandleFunc("/resume", s.resumeHandler)
	mux.HandleFunc("/flows", s.flowsHandler)
	mux.HandleFunc("/flows/", s.flowTriggerHandler)
	mux.HandleFunc("/schedule", s.scheduleHandler)
	mux.HandleFunc("/budgets", s.budgetsHandler)
	mux.HandleFunc("/budgets/", s.budgetItemHandler)
	mux.HandleFunc("/overrides", s.overridesHandler)
	mux.HandleFunc("/overrides/", s.overrideItemHandler)
	mux.HandleFunc("/events", s.eventsHandler)
	mux.HandleFunc("/events/stream", s.eventsStreamHandler)
	return mux
}

// Start begins serving in the background.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Server.Start: control API listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server.Start: serve failed", "error", err)
		}
	}()
}

// Stop closes the event stream and shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
