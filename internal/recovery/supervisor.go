// Package recovery restores a recognizable screen when classification is stuck.
//
// The supervisor runs an escalating remedy ladder: tap a visible dismiss
// control a bounded number of times, then tap a neutral point toward whichever
// base screen's background hint is weakly detected, then restart the monitored
// application and begin again. It reports success exactly once per resolution
// and never gives up on its own; only context cancellation stops it.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/ScreenPilot/internal/classify"
	"github.com/BTreeMap/ScreenPilot/internal/config"
	"github.com/BTreeMap/ScreenPilot/internal/device"
	"github.com/BTreeMap/ScreenPilot/internal/models"
	"github.com/BTreeMap/ScreenPilot/internal/vision"
)

// errUnresolved marks an episode that ran the whole ladder without reaching a
// base screen. Resolve responds by starting the next episode.
var errUnresolved = errors.New("recovery: episode unresolved")

// Notifier delivers out-of-band alerts about drastic remedies.
type Notifier interface {
	Send(ctx context.Context, message string) error
}

// EventSink receives recovery lifecycle events.
type EventSink func(e models.Event)

// Opts holds optional supervisor collaborators.
type Opts struct {
	Critical func() bool
	Events   EventSink
	Notifier Notifier
	Settle   time.Duration
}

// Option configures supervisor Opts.
type Option func(*Opts)

// WithCriticalGate blocks process restarts while fn reports true.
func WithCriticalGate(fn func() bool) Option {
	return func(o *Opts) { o.Critical = fn }
}

// WithEventSink publishes recovery events.
func WithEventSink(sink EventSink) Option {
	return func(o *Opts) { o.Events = sink }
}

// WithNotifier alerts an operator when the application is restarted.
func WithNotifier(n Notifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// WithSettle sets the pause between remedies.
func WithSettle(d time.Duration) Option {
	return func(o *Opts) { o.Settle = d }
}

// Supervisor escalates remedies until classification yields a base screen.
type Supervisor struct {
	frames  device.FrameSource
	input   device.InputSink
	proc    device.ProcessController
	cls     *classify.Classifier
	matcher *vision.Matcher
	spec    config.RecoverySpec
	rt      *config.Runtime

	critical func() bool
	events   EventSink
	notifier Notifier
	settle   time.Duration
}

// New builds a recovery supervisor.
func New(frames device.FrameSource, input device.InputSink, proc device.ProcessController,
	cls *classify.Classifier, matcher *vision.Matcher, spec config.RecoverySpec, rt *config.Runtime,
	opts ...Option) *Supervisor {
	o := Opts{Settle: time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	return &Supervisor{
		frames:   frames,
		input:    input,
		proc:     proc,
		cls:      cls,
		matcher:  matcher,
		spec:     spec,
		rt:       rt,
		critical: o.Critical,
		events:   o.Events,
		notifier: o.Notifier,
		settle:   o.Settle,
	}
}

func (s *Supervisor) emit(e models.Event) {
	if s.events != nil {
		s.events(e)
	}
}

// Resolve runs remedy episodes until a base screen is classified. The
// monitored application, not this system, is the component expected to fail,
// so there is no permanent failure path: Resolve returns the recovered state
// or the context's error, nothing else.
func (s *Supervisor) Resolve(ctx context.Context) (models.ViewState, error) {
	for episode := 1; ; episode++ {
		state, err := s.episode(ctx, episode)
		if err == nil {
			slog.Info("Supervisor.Resolve: recovered", "state", state, "episodes", episode)
			s.emit(models.NewEvent(models.EventRecoveryDone, "view state recovered", map[string]string{
				"state":    string(state),
				"episodes": strconv.Itoa(episode),
			}))
			return state, nil
		}
		if ctx.Err() != nil {
			return models.ViewStateUnknown, ctx.Err()
		}
		slog.Warn("Supervisor.Resolve: episode unresolved, escalating again",
			"episode", episode, "error", err)
	}
}

// episode runs one pass of the ladder. It returns the recovered state on
// success; errUnresolved after its single process restart failed to help; or
// the context's error.
func (s *Supervisor) episode(ctx context.Context, n int) (models.ViewState, error) {
	// Step 1: a visible dismiss control, tapped a bounded number of times.
	retries := s.rt.DismissRetries()
	for attempt := 1; attempt <= retries; attempt++ {
		state, shot, err := s.observe(ctx)
		if err != nil {
			if perr := s.pause(ctx); perr != nil {
				return models.ViewStateUnknown, perr
			}
			continue
		}
		if state.IsBase() {
			return state, nil
		}
		res, err := s.matcher.Match(shot, s.spec.DismissTemplate)
		if err != nil || !res.Matched || res.Location == nil {
			break
		}
		slog.Debug("Supervisor.episode: dismiss control visible",
			"episode", n, "attempt", attempt, "at", res.Location)
		s.emit(models.NewEvent(models.EventRecoveryStep, "dismiss control tapped", map[string]string{
			"episode": strconv.Itoa(n),
			"attempt": strconv.Itoa(attempt),
		}))
		if err := s.input.Tap(ctx, *res.Location); err != nil {
			slog.Warn("Supervisor.episode: dismiss tap failed", "error", err)
		}
		if err := s.pause(ctx); err != nil {
			return models.ViewStateUnknown, err
		}
	}

	// Step 2: ambiguous between the two base screens. Tap the neutral point on
	// whichever side shows the stronger background hint. The neutral points
	// are fixed profile coordinates, so the tap only goes out while the anchor
	// confirms the viewport has not been panned; otherwise the episode moves
	// straight to a restart.
	state, shot, err := s.observe(ctx)
	if err != nil && ctx.Err() != nil {
		return models.ViewStateUnknown, ctx.Err()
	}
	if err == nil {
		if state.IsBase() {
			return state, nil
		}
		aligned, aerr := s.cls.IsAligned(shot)
		if aerr != nil {
			slog.Warn("Supervisor.episode: alignment check failed", "episode", n, "error", aerr)
		}
		if aligned {
			target := s.neutralTarget(shot)
			s.emit(models.NewEvent(models.EventRecoveryStep, "neutral tap toward likely base", map[string]string{
				"episode": strconv.Itoa(n),
				"target":  target.String(),
			}))
			if err := s.input.Tap(ctx, target); err != nil {
				slog.Warn("Supervisor.episode: neutral tap failed", "error", err)
			}
			if err := s.pause(ctx); err != nil {
				return models.ViewStateUnknown, err
			}
			if state, _, err := s.observe(ctx); err == nil && state.IsBase() {
				return state, nil
			}
		} else {
			slog.Info("Supervisor.episode: viewport misaligned, skipping neutral tap", "episode", n)
		}
	}

	// Step 3: restart the application, once per episode.
	if err := s.restart(ctx, n); err != nil {
		return models.ViewStateUnknown, err
	}
	if state, _, err := s.observe(ctx); err == nil && state.IsBase() {
		return state, nil
	}
	return models.ViewStateUnknown, errUnresolved
}

func (s *Supervisor) observe(ctx context.Context) (models.ViewState, *vision.Shot, error) {
	frame, err := s.frames.Capture(ctx)
	if err != nil {
		return models.ViewStateUnknown, nil, fmt.Errorf("recovery: capture: %w", err)
	}
	shot := vision.NewShot(frame)
	res, err := s.cls.Classify(shot)
	if err != nil {
		return models.ViewStateUnknown, shot, fmt.Errorf("recovery: classify: %w", err)
	}
	return res.State, shot, nil
}

// neutralTarget picks the neutral point on whichever base screen's background
// hint scores stronger, even when neither clears its threshold.
func (s *Supervisor) neutralTarget(shot *vision.Shot) models.Point {
	home := s.strength(shot, s.spec.HomeHint)
	field := s.strength(shot, s.spec.FieldHint)
	if field > home {
		return s.spec.NeutralField
	}
	return s.spec.NeutralHome
}

// strength folds both metrics onto one higher-is-stronger scale.
func (s *Supervisor) strength(shot *vision.Shot, id string) float64 {
	t, ok := s.matcher.Library().Get(id)
	if !ok {
		return 0
	}
	res, err := s.matcher.Match(shot, id)
	if err != nil {
		return 0
	}
	if t.Kind == vision.MetricMaskedCCorrNormed {
		return res.Score
	}
	return 1 - res.Score
}

func (s *Supervisor) restart(ctx context.Context, episode int) error {
	// Never yank the process out from under a critical flow.
	for s.critical != nil && s.critical() {
		slog.Info("Supervisor.restart: waiting for critical flow to finish", "episode", episode)
		if err := s.pause(ctx); err != nil {
			return err
		}
	}
	slog.Warn("Supervisor.restart: restarting application", "episode", episode)
	s.emit(models.NewEvent(models.EventAppRestart, "application restarted after stuck classification", map[string]string{
		"episode": strconv.Itoa(episode),
	}))
	if err := s.proc.RestartApp(ctx); err != nil {
		return fmt.Errorf("recovery: restart app: %w", err)
	}
	s.sendNotice(ctx, fmt.Sprintf("ScreenPilot restarted the monitored application (episode %d)", episode))
	return s.sleep(ctx, s.rt.Warmup())
}

func (s *Supervisor) sendNotice(ctx context.Context, msg string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		slog.Warn("Supervisor.sendNotice: send failed", "error", err)
	}
}

func (s *Supervisor) pause(ctx context.Context) error {
	return s.sleep(ctx, s.settle)
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
