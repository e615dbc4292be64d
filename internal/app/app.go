// Package app assembles and runs the complete service.
//
// Run is the single entry point: it takes the process lock, loads the
// profile, opens the schedule store, builds the perception, flow, planning,
// and recovery components, binds them to the control API, and drives the
// sampling loop until a shutdown signal arrives.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/ScreenPilot/internal/api"
	"github.com/BTreeMap/ScreenPilot/internal/classify"
	"github.com/BTreeMap/ScreenPilot/internal/config"
	"github.com/BTreeMap/ScreenPilot/internal/device"
	"github.com/BTreeMap/ScreenPilot/internal/engine"
	"github.com/BTreeMap/ScreenPilot/internal/flow"
	"github.com/BTreeMap/ScreenPilot/internal/lockfile"
	"github.com/BTreeMap/ScreenPilot/internal/models"
	"github.com/BTreeMap/ScreenPilot/internal/notify"
	"github.com/BTreeMap/ScreenPilot/internal/ocr"
	"github.com/BTreeMap/ScreenPilot/internal/recovery"
	"github.com/BTreeMap/ScreenPilot/internal/sched"
	"github.com/BTreeMap/ScreenPilot/internal/store"
	"github.com/BTreeMap/ScreenPilot/internal/vision"
)

// DefaultEventRetention bounds how long the event log is kept.
const DefaultEventRetention = 30 * 24 * time.Hour

// DefaultShutdownGrace is how long the API server gets to drain on exit.
const DefaultShutdownGrace = 10 * time.Second

// flowPollInterval is how often flow bodies re-capture while waiting for a
// confirm template.
const flowPollInterval = time.Second

// resolutionProbeTimeout bounds the startup capture that checks the device
// resolution against the profile.
const resolutionProbeTimeout = 15 * time.Second

// Options carries everything main resolved from flags and the environment.
type Options struct {
	ProfilePath    string
	StateDir       string
	DBDSN          string
	ADBPath        string
	Store          []store.Option
	OCR            []ocr.Option
	API            []api.Option
	Notifier       NotifierOptions
	EventRetention time.Duration
	ShutdownGrace  time.Duration
}

// NotifierOptions selects the alert backend built at boot.
type NotifierOptions struct {
	Backend   string // "whatsapp", "twilio", or "none"
	Recipient string
	WhatsApp  []notify.WhatsAppOption
	Twilio    []notify.TwilioOption
}

type publisherFunc func(models.Event)

func (f publisherFunc) Publish(e models.Event) { f(e) }

// Run boots the service and blocks until SIGINT or SIGTERM.
func Run(opts Options) error {
	lock, err := lockfile.Acquire(opts.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	profile, err := config.LoadProfile(opts.ProfilePath)
	if err != nil {
		return err
	}
	rt := config.NewRuntime(profile.Tunables)
	resetHour, resetMinute, err := config.ParseResetUTC(profile.DailyResetUTC)
	if err != nil {
		return err
	}

	st, err := openStore(opts.DBDSN, opts.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	keeper, err := sched.NewKeeper(st)
	if err != nil {
		return err
	}

	lib, err := vision.LoadLibrary(profile.TemplatesDir, profile.Templates)
	if err != nil {
		return err
	}
	matcher := vision.NewMatcher(lib)
	cls := classify.New(matcher, profile.Classifier)

	var adbOpts []device.ADBOption
	if opts.ADBPath != "" {
		adbOpts = append(adbOpts, device.WithADBPath(opts.ADBPath))
	}
	dev := device.NewADB(profile.Device.Serial, profile.Device.AppPackage, adbOpts...)
	probeCtx, cancelProbe := context.WithTimeout(context.Background(), resolutionProbeTimeout)
	err = dev.VerifyResolution(probeCtx, profile.Screen.Width, profile.Screen.Height)
	cancelProbe()
	if err != nil {
		return err
	}

	notifier, err := buildNotifier(opts.Notifier)
	if err != nil {
		return err
	}
	defer notifier.Stop()

	// Component event sinks bind to the engine once it exists; nothing fires
	// through them until the loop and the API are running.
	var eng *engine.Engine
	emit := func(e models.Event) {
		if eng != nil {
			eng.Emit(e)
		}
	}

	activityFlows := make(map[string]string, len(profile.Budgets))
	for _, b := range profile.Budgets {
		activityFlows[b.Activity] = b.Flow
	}
	planner := sched.NewPlanner(sched.NewCalendar(profile.Activities), keeper,
		sched.WithActivityFlows(activityFlows),
		sched.WithResetClock(resetHour, resetMinute),
		sched.WithPaidRefillCap(rt.PaidRefillsPerBlock()),
		sched.WithPlannerEvents(emit),
	)
	if err := seedBudgets(keeper, profile.Budgets); err != nil {
		return err
	}

	coord := flow.NewCoordinator(
		flow.WithCooldownSink(keeper.StampCooldown),
		flow.WithEventSink(emit),
	)
	for _, fs := range profile.Flows {
		reg := flow.Registration{
			Name:     fs.Name,
			Critical: fs.Critical,
			Cooldown: fs.Cooldown.Std(),
			Run:      flowBody(fs, rt, planner),
		}
		if err := coord.Register(reg); err != nil {
			return err
		}
	}
	for name, at := range keeper.Cooldowns() {
		coord.SeedLastRun(name, at)
	}

	sup := recovery.New(dev, dev, dev, cls, matcher, profile.Recovery, rt,
		recovery.WithCriticalGate(coord.CriticalActive),
		recovery.WithEventSink(emit),
		recovery.WithNotifier(notifier),
	)

	engineOpts := []engine.Option{engine.WithRefillFlow(profile.RefillFlow)}
	reader, err := ocr.NewVisionReader(opts.OCR...)
	if err != nil {
		slog.Warn("app.Run: gauge reading disabled, budgeted actions will not dispatch", "error", err)
	} else {
		engineOpts = append(engineOpts, engine.WithGauges(reader, profile.OCR))
	}
	var srv *api.Server
	engineOpts = append(engineOpts, engine.WithPublisher(publisherFunc(func(e models.Event) {
		if srv != nil {
			srv.Publish(e)
		}
	})))

	eng = engine.NewEngine(dev, cls, matcher, coord, planner, sup, rt, st, engineOpts...)
	srv = api.NewServer(eng, coord, keeper, planner, rt, st, opts.API...)

	maint := sched.NewMaintenance()
	defer maint.Stop()
	if err := maint.ScheduleDailySweep(planner, resetHour, resetMinute); err != nil {
		return err
	}
	retain := opts.EventRetention
	if retain <= 0 {
		retain = DefaultEventRetention
	}
	if err := maint.ScheduleEventPrune(st, retain); err != nil {
		return err
	}
	if err := maint.ScheduleBlockCorrection(eng.RequestResync); err != nil {
		return err
	}
	if err := maint.ScheduleDailyDigest(keeper, st, notifier.Send, resetHour, resetMinute); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv.Start()
	slog.Info("app.Run: ScreenPilot running",
		"serial", profile.Device.Serial, "app", profile.Device.AppPackage,
		"flows", len(profile.Flows), "tick_interval", rt.TickInterval())

	runErr := eng.Run(ctx)

	grace := opts.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Warn("app.Run: API shutdown incomplete", "error", err)
	}
	slog.Info("app.Run: shutdown complete")
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// openStore picks the storage backend from the DSN: Postgres for connection
// URLs, SQLite for file paths, and a volatile in-memory store when no DSN is
// configured at all.
func openStore(dsn string, extra []store.Option) (store.Store, error) {
	if dsn == "" {
		slog.Warn("app.openStore: no database configured, schedule state will not survive restarts")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Info("app.openStore: using PostgreSQL store")
		return store.NewPostgresStore(append([]store.Option{store.WithPostgresDSN(dsn)}, extra...)...)
	}
	slog.Info("app.openStore: using SQLite store", "path", dsn)
	return store.NewSQLiteStore(append([]store.Option{store.WithSQLiteDSN(dsn)}, extra...)...)
}

// seedBudgets installs profile-declared budgets that the store does not hold
// yet. Budgets already persisted win, so operator edits made through the API
// survive restarts.
func seedBudgets(keeper *sched.Keeper, specs []config.BudgetSpec) error {
	for _, bs := range specs {
		if _, ok := keeper.Budget(bs.Activity); ok {
			continue
		}
		if err := keeper.SetBudget(bs.Model()); err != nil {
			return fmt.Errorf("app: seeding budget for %s: %w", bs.Activity, err)
		}
		slog.Info("app.seedBudgets: budget installed from profile", "activity", bs.Activity, "goal", bs.Goal)
	}
	return nil
}

// flowBody builds the registered body for one profile-declared flow. The body
// consults the flow deadline on every run, so deadline overrides apply to the
// next dispatch without re-registration. Flows that declare a daily-limit
// template mark themselves exhausted through the planner when the dialog
// appears.
func flowBody(fs config.FlowSpec, rt *config.Runtime, planner *sched.Planner) flow.Func {
	if fs.Limit != "" {
		name := fs.Name
		onLimit := func(ctx context.Context) error {
			_, err := planner.MarkDailyExhausted(name, time.Now().UTC())
			return err
		}
		return func(ctx context.Context, frt *flow.Runtime) error {
			body := flow.NewActionFlow(fs.Tap, fs.Confirm, fs.Limit, flowPollInterval, rt.FlowDeadline(), onLimit)
			return body(ctx, frt)
		}
	}
	return func(ctx context.Context, frt *flow.Runtime) error {
		body := flow.NewTapFlow(fs.Tap, fs.Confirm, flowPollInterval, rt.FlowDeadline())
		return body(ctx, frt)
	}
}

// buildNotifier constructs the alert backend, defaulting to a no-op.
func buildNotifier(opts NotifierOptions) (notify.Service, error) {
	switch opts.Backend {
	case "", "none":
		slog.Info("app.buildNotifier: operator alerts disabled")
		return notify.NewNoop(), nil
	case "whatsapp":
		return notify.NewWhatsApp(opts.Recipient, opts.WhatsApp...)
	case "twilio":
		return notify.NewTwilio(opts.Recipient, opts.Twilio...)
	default:
		return nil, fmt.Errorf("app: unknown notify backend %q", opts.Backend)
	}
}
