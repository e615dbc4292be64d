// Package engine runs the perception-action sampling loop at the heart of
// ScreenPilot.
//
// A single goroutine owns the loop: capture a frame, classify the view,
// feed the gauge consensus buffers, hand sustained-unknown stretches to the
// recovery supervisor, and ask the planner whether the current calendar
// block still owes an action. Flows and recovery episodes run on their own
// goroutines, but everything that touches the input surface funnels through
// the flow coordinator, so the device never sees two hands at once. The
// engine also implements the control API's controller surface: pause,
// resume, status, and manual flow triggers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/BTreeMap/ScreenPilot/internal/classify"
	"github.com/BTreeMap/ScreenPilot/internal/config"
	"github.com/BTreeMap/ScreenPilot/internal/device"
	"github.com/BTreeMap/ScreenPilot/internal/flow"
	"github.com/BTreeMap/ScreenPilot/internal/models"
	"github.com/BTreeMap/ScreenPilot/internal/ocr"
	"github.com/BTreeMap/ScreenPilot/internal/sched"
	"github.com/BTreeMap/ScreenPilot/internal/signal"
	"github.com/BTreeMap/ScreenPilot/internal/store"
	"github.com/BTreeMap/ScreenPilot/internal/vision"
)

// triggerQueueCap bounds the number of queued manual triggers.
const triggerQueueCap = 8

// Publisher pushes events beyond the store, typically to API stream clients.
type Publisher interface {
	Publish(e models.Event)
}

// Classifier is the slice of the state classifier the engine consumes.
type Classifier interface {
	Classify(shot *vision.Shot) (classify.Result, error)
}

// Resolver runs a recovery episode and reports the base state it restored.
type Resolver interface {
	Resolve(ctx context.Context) (models.ViewState, error)
}

// Opts holds optional engine collaborators.
type Opts struct {
	Publisher  Publisher
	Reader     ocr.Reader
	Regions    config.OCRSpec
	RefillFlow string
	Clock      func() time.Time
}

// Option configures the engine.
type Option func(*Opts)

// WithPublisher forwards emitted events to a live subscriber fan-out.
func WithPublisher(p Publisher) Option {
	return func(o *Opts) { o.Publisher = p }
}

// WithGauges enables on-screen gauge reading through the given OCR reader
// and screen regions. Without it the engine never resyncs budgets and never
// dispatches metered actions.
func WithGauges(r ocr.Reader, regions config.OCRSpec) Option {
	return func(o *Opts) {
		o.Reader = r
		o.Regions = regions
	}
}

// WithRefillFlow names the flow dispatched when the planner grants a paid
// energy refill.
func WithRefillFlow(name string) Option {
	return func(o *Opts) { o.RefillFlow = name }
}

// WithEngineClock overrides the time source, for tests.
func WithEngineClock(fn func() time.Time) Option {
	return func(o *Opts) { o.Clock = fn }
}

// Engine owns the sampling loop and the control surface around it.
type Engine struct {
	dev     device.Device
	cls     Classifier
	matcher *vision.Matcher
	coord   *flow.Coordinator
	planner *sched.Planner
	sup     Resolver
	rt      *config.Runtime
	st      store.Store

	pub        Publisher
	reader     ocr.Reader
	regions    config.OCRSpec
	refillFlow string
	now        func() time.Time

	// Gauge buffers are touched only from the loop goroutine. Other
	// goroutines invalidate them through the gaugesStale flag.
	progress *signal.NumberReader
	energy   *signal.NumberReader
	refill   *signal.TextReader

	mu           sync.Mutex
	paused       bool
	lastState    models.ViewState
	lastConf     float64
	lastTick     time.Time
	lastSeq      uint64
	unknownSince time.Time
	recovering   bool
	triggers     []string
	lastBlock    models.EventBlock
	hasBlock     bool
	resyncFor    string
	energyVal    int
	energyOK     bool
	gaugesStale  bool
}

// NewEngine wires the loop's collaborators. The supervisor may be nil, in
// which case unknown stretches are logged but never recovered.
func NewEngine(dev device.Device, cls Classifier, matcher *vision.Matcher,
	coord *flow.Coordinator, planner *sched.Planner, sup Resolver,
	rt *config.Runtime, st store.Store, opts ...Option) *Engine {
	o := Opts{Clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	tol := rt.ConsensusTolerance()
	return &Engine{
		dev:        dev,
		cls:        cls,
		matcher:    matcher,
		coord:      coord,
		planner:    planner,
		sup:        sup,
		rt:         rt,
		st:         st,
		pub:        o.Publisher,
		reader:     o.Reader,
		regions:    o.Regions,
		refillFlow: o.RefillFlow,
		now:        o.Clock,
		progress:   signal.NewNumberReader(signal.DefaultCapacity, tol),
		energy:     signal.NewNumberReader(signal.DefaultCapacity, tol),
		refill:     signal.NewTextReader(signal.DefaultCapacity),
		lastState:  models.ViewStateUnknown,
	}
}

// Emit persists an event and forwards it to stream subscribers. Component
// event sinks are wired here so the store and the API see a single stream.
func (e *Engine) Emit(ev models.Event) {
	if err := e.st.AddEvent(ev); err != nil {
		slog.Warn("Engine.Emit: event persist failed", "type", ev.Type, "error", err)
	}
	if e.pub != nil {
		e.pub.Publish(ev)
	}
}

// Pause suspends sampling. Flows already handed to the coordinator finish;
// no new work starts until Resume. Pausing an already paused loop is a no-op.
func (e *Engine) Pause() {
	e.mu.Lock()
	was := e.paused
	e.paused = true
	e.mu.Unlock()
	if was {
		return
	}
	slog.Info("Engine.Pause: sampling loop paused")
	e.Emit(models.NewEvent(models.EventLoopPaused, "sampling loop paused", nil))
}

// Resume restarts sampling after a pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	was := e.paused
	e.paused = false
	e.mu.Unlock()
	if !was {
		return
	}
	slog.Info("Engine.Resume: sampling loop resumed")
	e.Emit(models.NewEvent(models.EventLoopResumed, "sampling loop resumed", nil))
}

// Status reports a snapshot of the loop for the control API.
func (e *Engine) Status() models.LoopStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.LoopStatus{
		Paused:          e.paused,
		State:           e.lastState,
		Confidence:      e.lastConf,
		LastTick:        e.lastTick,
		LastSeq:         e.lastSeq,
		Block:           e.planner.CurrentBlock(e.now()),
		PendingTriggers: len(e.triggers),
	}
}

// TriggerFlow queues a manual flow run. The queue drains one entry per tick,
// whenever the coordinator would admit the flow; a busy or cooling-down flow
// stays queued rather than being rejected.
func (e *Engine) TriggerFlow(name string) error {
	if _, err := e.coord.CanRun(name); err != nil && errors.Is(err, models.ErrUnknownFlow) {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.triggers) >= triggerQueueCap {
		return fmt.Errorf("engine: %w: %s", models.ErrTriggerQueueFull, name)
	}
	e.triggers = append(e.triggers, name)
	slog.Info("Engine.TriggerFlow: trigger queued", "flow", name, "pending", len(e.triggers))
	return nil
}

// RequestResync arms a fresh ground-truth progress read for the current
// block's budgeted activity. The maintenance correction pass calls this near
// the end of each block: the application may credit actions late, so the
// local count drifts from what the progress gauge shows. Dispatch stays
// gated until the new reading confirms.
func (e *Engine) RequestResync() {
	if e.reader == nil {
		return
	}
	block := e.planner.CurrentBlock(e.now())
	if _, ok := e.planner.Budget(block.Activity); !ok {
		return
	}
	e.mu.Lock()
	e.resyncFor = block.Activity
	e.gaugesStale = true
	e.energyOK = false
	e.mu.Unlock()
	slog.Info("Engine.RequestResync: correction resync armed", "activity", block.Activity)
}

// Run drives the sampling loop until ctx is canceled. The timer rearms only
// after an iteration completes, so iterations never overlap and a slow one
// delays the next tick instead of letting ticks pile up. Rearming also picks
// up tick-interval overrides on the very next cycle.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("Engine.Run: sampling loop started", "tick_interval", e.rt.TickInterval())
	timer := time.NewTimer(e.rt.TickInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			e.coord.Wait()
			slog.Info("Engine.Run: sampling loop stopped")
			return ctx.Err()
		case <-timer.C:
			e.tick(ctx)
			timer.Reset(e.rt.TickInterval())
		}
	}
}

// tick runs one loop iteration.
func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	skip := e.paused || e.recovering
	stale := e.gaugesStale
	e.gaugesStale = false
	e.mu.Unlock()
	if stale {
		e.progress.Clear()
		e.energy.Clear()
		e.refill.Clear()
	}
	if skip {
		return
	}

	now := e.now()
	frame, err := e.dev.Capture(ctx)
	if err != nil {
		slog.Warn("Engine.tick: capture failed", "error", err)
		return
	}
	res, err := e.cls.Classify(vision.NewShot(frame))
	if err != nil {
		slog.Warn("Engine.tick: classification failed", "seq", frame.Seq, "error", err)
		return
	}

	e.observe(res, frame, now)
	e.trackBlock(now)

	if res.State == models.ViewStateUnknown {
		e.maybeRecover(ctx, now)
		return
	}
	e.readProgress(ctx, frame, res.State)
	e.dispatch(ctx, frame, res.State, now)
}

// observe folds one classification into the loop status and emits a state
// change event on transitions.
func (e *Engine) observe(res classify.Result, frame *models.Frame, now time.Time) {
	e.mu.Lock()
	prev := e.lastState
	e.lastState = res.State
	e.lastConf = res.Confidence
	e.lastTick = now
	e.lastSeq = frame.Seq
	if res.State == models.ViewStateUnknown {
		if e.unknownSince.IsZero() {
			e.unknownSince = now
		}
	} else {
		e.unknownSince = time.Time{}
	}
	e.mu.Unlock()

	if prev == res.State {
		return
	}
	slog.Info("Engine.observe: view state changed",
		"from", prev, "to", res.State, "confidence", res.Confidence, "seq", frame.Seq)
	e.Emit(models.NewEvent(models.EventStateChange, "view state changed", map[string]string{
		"from":       string(prev),
		"to":         string(res.State),
		"confidence": strconv.FormatFloat(res.Confidence, 'f', 2, 64),
	}))
}

// trackBlock watches for calendar block boundaries. Crossing one closes the
// finished budget window and, when the new block's activity is budgeted and
// gauges are available, arms a ground-truth progress resync.
func (e *Engine) trackBlock(now time.Time) {
	block := e.planner.CurrentBlock(now)
	e.mu.Lock()
	prev, had := e.lastBlock, e.hasBlock
	changed := !had || prev.Ordinal != block.Ordinal
	e.lastBlock = block
	e.hasBlock = true
	e.mu.Unlock()
	if !changed {
		return
	}

	if had {
		if err := e.planner.OnBlockChange(prev, block); err != nil {
			slog.Warn("Engine.trackBlock: window close failed", "activity", prev.Activity, "error", err)
		}
	}
	slog.Info("Engine.trackBlock: entered block",
		"activity", block.Activity, "ordinal", block.Ordinal, "until", block.BlockEnd)

	target := ""
	if e.reader != nil {
		if _, ok := e.planner.Budget(block.Activity); ok {
			target = block.Activity
		}
	}
	e.mu.Lock()
	e.resyncFor = target
	if had {
		// Readings buffered in the old block say nothing about the new one.
		e.gaugesStale = true
		e.energyOK = false
	}
	e.mu.Unlock()
}

// maybeRecover starts a recovery episode once classification has been unknown
// past the configured patience. Recovery never starts while a flow is running:
// mid-flow transitions often look unknown for a few frames, and recovery taps
// would fight the flow for the input surface.
func (e *Engine) maybeRecover(ctx context.Context, now time.Time) {
	if e.sup == nil {
		return
	}
	if _, busy := e.coord.Running(); busy {
		return
	}

	e.mu.Lock()
	var unknownFor time.Duration
	start := false
	if !e.recovering && !e.unknownSince.IsZero() {
		unknownFor = now.Sub(e.unknownSince)
		start = unknownFor >= e.rt.UnknownAfter()
	}
	if start {
		e.recovering = true
	}
	e.mu.Unlock()
	if !start {
		return
	}

	slog.Warn("Engine.maybeRecover: view unknown too long, starting recovery", "unknown_for", unknownFor)
	go func() {
		state, err := e.sup.Resolve(ctx)
		e.mu.Lock()
		e.recovering = false
		e.unknownSince = time.Time{}
		if err == nil {
			e.lastState = state
		}
		e.gaugesStale = true
		e.energyOK = false
		e.mu.Unlock()
		if err != nil {
			slog.Warn("Engine.maybeRecover: recovery gave up", "error", err)
		}
	}()
}
