// Package flow runs automation flows under a single-occupancy coordinator.
//
// A flow is a named unit of scripted interaction executed on a worker
// goroutine. The coordinator is a two-state machine, idle or running exactly
// one flow; there is no queue and no concurrency between flows, because every
// flow assumes it owns the screen. Admission is a CanRun/Run pair: CanRun is
// advisory, Run revalidates under the lock before dispatching. Cleanup is
// deferred on the worker so that completion, failure, and panic all return the
// coordinator to idle and stamp the flow's cooldown.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ScreenPilot/internal/device"
	"github.com/BTreeMap/ScreenPilot/internal/models"
	"github.com/BTreeMap/ScreenPilot/internal/vision"
)

// Error variables for admission decisions.
var (
	ErrFlowBusy     = errors.New("another flow is running")
	ErrFlowCooldown = errors.New("flow is cooling down")
)

// Func is the body of a flow, executed on a worker goroutine.
type Func func(ctx context.Context, rt *Runtime) error

// Runtime carries the collaborators a flow body may use.
type Runtime struct {
	Device  device.Device
	Matcher *vision.Matcher
}

// Snapshot captures one frame and converts it for matching.
func (rt *Runtime) Snapshot(ctx context.Context) (*vision.Shot, error) {
	frame, err := rt.Device.Capture(ctx)
	if err != nil {
		return nil, err
	}
	return vision.NewShot(frame), nil
}

// Registration declares one flow to the coordinator.
type Registration struct {
	Name     string
	Critical bool
	Cooldown time.Duration
	Run      Func
}

// CooldownSink receives the completion stamp of every finished flow, for
// persistence.
type CooldownSink func(name string, at time.Time)

// EventSink receives coordinator lifecycle events.
type EventSink func(e models.Event)

type registered struct {
	reg     Registration
	lastRun time.Time
}

// Opts holds configuration options for the coordinator.
type Opts struct {
	Clock     func() time.Time
	Cooldowns CooldownSink
	Events    EventSink
}

// Option configures coordinator Opts.
type Option func(*Opts)

// WithClock replaces the time source, for tests.
func WithClock(fn func() time.Time) Option {
	return func(o *Opts) { o.Clock = fn }
}

// WithCooldownSink persists completion stamps.
func WithCooldownSink(sink CooldownSink) Option {
	return func(o *Opts) { o.Cooldowns = sink }
}

// WithEventSink publishes flow lifecycle events.
func WithEventSink(sink EventSink) Option {
	return func(o *Opts) { o.Events = sink }
}

// Coordinator admits and tracks flow execution.
type Coordinator struct {
	mu       sync.Mutex
	flows    map[string]*registered
	running  string
	critical bool

	now       func() time.Time
	cooldowns CooldownSink
	events    EventSink
	wg        sync.WaitGroup
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Coordinator{
		flows:     make(map[string]*registered),
		now:       cfg.Clock,
		cooldowns: cfg.Cooldowns,
		events:    cfg.Events,
	}
}

// Register adds a flow. Registering a duplicate name is an error.
func (c *Coordinator) Register(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("flow: registration with empty name")
	}
	if reg.Run == nil {
		return fmt.Errorf("flow: %s has no body", reg.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.flows[reg.Name]; dup {
		return fmt.Errorf("flow: %s registered twice", reg.Name)
	}
	c.flows[reg.Name] = &registered{reg: reg}
	return nil
}

// SeedLastRun restores a completion stamp from persisted state, so cooldowns
// survive restarts.
func (c *Coordinator) SeedLastRun(name string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.flows[name]; ok {
		r.lastRun = at
	}
}

// admission checks run/cooldown state; callers hold c.mu.
func (c *Coordinator) admit(name string) (*registered, error) {
	r, ok := c.flows[name]
	if !ok {
		return nil, fmt.Errorf("flow: %w: %s", models.ErrUnknownFlow, name)
	}
	if c.running != "" {
		return nil, fmt.Errorf("flow: %w: %s", ErrFlowBusy, c.running)
	}
	if r.reg.Cooldown > 0 && !r.lastRun.IsZero() {
		if until := r.lastRun.Add(r.reg.Cooldown); c.now().Before(until) {
			return nil, fmt.Errorf("flow: %w until %s", ErrFlowCooldown, until.UTC().Format(time.RFC3339))
		}
	}
	return r, nil
}

// CanRun reports whether the named flow would be admitted right now. The
// answer is advisory; Run revalidates.
func (c *Coordinator) CanRun(name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.admit(name); err != nil {
		return false, err
	}
	return true, nil
}

// Run admits the named flow and dispatches it on a worker goroutine. The
// returned error covers admission only; the flow's own outcome is reported
// through the event sink and the cooldown stamp.
func (c *Coordinator) Run(ctx context.Context, name string, rt *Runtime) error {
	c.mu.Lock()
	r, err := c.admit(name)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.running = name
	c.critical = r.reg.Critical
	c.mu.Unlock()

	c.emit(models.NewEvent(models.EventFlowStarted, "flow started", map[string]string{"flow": name}))
	slog.Info("Coordinator.Run: flow dispatched", "flow", name, "critical", r.reg.Critical)

	c.wg.Add(1)
	go c.work(ctx, r, rt)
	return nil
}

func (c *Coordinator) work(ctx context.Context, r *registered, rt *Runtime) {
	started := c.now()
	var runErr error
	defer func() {
		if rec := recover(); rec != nil {
			runErr = fmt.Errorf("flow panicked: %v", rec)
			slog.Error("Coordinator.work: flow panicked", "flow", r.reg.Name, "panic", rec)
		}
		finished := c.now()

		c.mu.Lock()
		c.running = ""
		c.critical = false
		r.lastRun = finished
		c.mu.Unlock()

		if c.cooldowns != nil {
			c.cooldowns(r.reg.Name, finished)
		}
		fields := map[string]string{
			"flow":     r.reg.Name,
			"duration": finished.Sub(started).String(),
		}
		if runErr != nil {
			fields["error"] = runErr.Error()
			slog.Error("Coordinator.work: flow finished with error", "flow", r.reg.Name, "error", runErr)
		} else {
			slog.Info("Coordinator.work: flow finished", "flow", r.reg.Name, "duration", finished.Sub(started))
		}
		c.emit(models.NewEvent(models.EventFlowFinished, "flow finished", fields))
		c.wg.Done()
	}()
	runErr = r.reg.Run(ctx, rt)
}

func (c *Coordinator) emit(e models.Event) {
	if c.events != nil {
		c.events(e)
	}
}

// Running returns the name of the flow holding the coordinator, if any.
func (c *Coordinator) Running() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running, c.running != ""
}

// CriticalActive reports whether the running flow, if any, is critical.
// Recovery consults this before injecting any input.
func (c *Coordinator) CriticalActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running != "" && c.critical
}

// Descriptors lists registered flows sorted by name.
func (c *Coordinator) Descriptors() []models.FlowDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.FlowDescriptor, 0, len(c.flows))
	for name, r := range c.flows {
		d := models.FlowDescriptor{
			Name:     name,
			Critical: r.reg.Critical,
			Cooldown: r.reg.Cooldown,
			Running:  name == c.running,
		}
		if !r.lastRun.IsZero() {
			last := r.lastRun
			d.LastRunAt = &last
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Wait blocks until the current worker, if any, has finished. Used during
// shutdown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
