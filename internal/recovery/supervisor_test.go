package recovery

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ScreenPilot/internal/classify"
	"github.com/BTreeMap/ScreenPilot/internal/config"
	"github.com/BTreeMap/ScreenPilot/internal/models"
	"github.com/BTreeMap/ScreenPilot/internal/vision"
)

// Pixel values stay below 128 so the grayscale conversion reproduces them
// exactly.
func pat(w, h, seed int) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g.SetGray(x, y, color.Gray{Y: uint8((x*7 + y*13 + seed*31) % 120)})
		}
	}
	return g
}

func stamp(dst, src *image.Gray, x, y int) {
	b := src.Bounds()
	for sy := 0; sy < b.Dy(); sy++ {
		for sx := 0; sx < b.Dx(); sx++ {
			dst.SetGray(x+sx, y+sy, src.GrayAt(sx, sy))
		}
	}
}

var (
	homeRegion      = models.Rect{X: 8, Y: 8, W: 24, H: 16}
	fieldRegion     = models.Rect{X: 48, Y: 8, W: 24, H: 16}
	dismissWin      = models.Rect{X: 100, Y: 100, W: 60, H: 40}
	homeHintRegion  = models.Rect{X: 8, Y: 200, W: 20, H: 12}
	fieldHintRegion = models.Rect{X: 48, Y: 200, W: 20, H: 12}
	cornerWin       = models.Rect{X: 200, Y: 8, W: 60, H: 40}

	homePat      = pat(24, 16, 1)
	fieldPat     = pat(24, 16, 2)
	dismissPat   = pat(16, 12, 3)
	homeHintPat  = pat(20, 12, 4)
	fieldHintPat = pat(20, 12, 5)
	cornerPat    = pat(16, 12, 6)

	neutralHome  = models.Point{X: 30, Y: 120}
	neutralField = models.Point{X: 290, Y: 120}

	// Center of cornerPat when stamped at its nominal (210, 16).
	cornerAt = models.Point{X: 218, Y: 22}
)

// screen builds a frame from a blank screen with the given patterns stamped on.
type stamped struct {
	pat  *image.Gray
	x, y int
}

func frameWith(seq uint64, marks ...stamped) *models.Frame {
	g := image.NewGray(image.Rect(0, 0, 320, 240))
	for i := range g.Pix {
		g.Pix[i] = 30
	}
	for _, m := range marks {
		stamp(g, m.pat, m.x, m.y)
	}
	rgba := image.NewRGBA(g.Bounds())
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			v := g.GrayAt(x, y).Y
			rgba.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return models.NewFrame(rgba, time.Unix(int64(seq), 0).UTC(), seq)
}

func homeFrame(seq uint64) *models.Frame {
	return frameWith(seq, stamped{homePat, homeRegion.X, homeRegion.Y})
}

func unknownFrame(seq uint64, marks ...stamped) *models.Frame {
	return frameWith(seq, marks...)
}

// fakeDevice serves scripted frames and records inputs. The last frame
// repeats when the script runs out.
type fakeDevice struct {
	mu       sync.Mutex
	frames   []*models.Frame
	taps     []models.Point
	restarts int
}

func (d *fakeDevice) Capture(ctx context.Context) (*models.Frame, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.frames) == 0 {
		return nil, errors.New("no frames scripted")
	}
	f := d.frames[0]
	if len(d.frames) > 1 {
		d.frames = d.frames[1:]
	}
	return f, nil
}

func (d *fakeDevice) Tap(ctx context.Context, p models.Point) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.taps = append(d.taps, p)
	return nil
}

func (d *fakeDevice) Swipe(ctx context.Context, from, to models.Point, duration time.Duration) error {
	return nil
}

func (d *fakeDevice) KeyEvent(ctx context.Context, code int) error { return nil }

func (d *fakeDevice) RestartApp(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restarts++
	return nil
}

func (d *fakeDevice) restartCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restarts
}

func (d *fakeDevice) tapped() []models.Point {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.Point, len(d.taps))
	copy(out, d.taps)
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *eventRecorder) sink(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(t models.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newSupervisor(t *testing.T, dev *fakeDevice, retries int, opts ...Option) *Supervisor {
	t.Helper()
	return newAnchoredSupervisor(t, dev, retries, config.AnchorSpec{}, opts...)
}

// newAnchoredSupervisor additionally configures the classifier anchor so tests
// can exercise the alignment veto on the fixed-coordinate neutral tap.
func newAnchoredSupervisor(t *testing.T, dev *fakeDevice, retries int, anchor config.AnchorSpec, opts ...Option) *Supervisor {
	t.Helper()
	mk := func(id string, p *image.Gray, region, search models.Rect) *vision.Template {
		tpl, err := vision.NewTemplate(id, p, nil, region, search, 0.05)
		if err != nil {
			t.Fatalf("template %s: %v", id, err)
		}
		return tpl
	}
	matcher := vision.NewMatcher(vision.NewLibrary(
		mk("home_anchor", homePat, homeRegion, models.Rect{}),
		mk("field_banner", fieldPat, fieldRegion, models.Rect{}),
		mk("dismiss_btn", dismissPat, models.Rect{}, dismissWin),
		mk("home_hint", homeHintPat, homeHintRegion, models.Rect{}),
		mk("field_hint", fieldHintPat, fieldHintRegion, models.Rect{}),
		mk("corner_mark", cornerPat, models.Rect{}, cornerWin),
	))
	cls := classify.New(matcher, config.ClassifierSpec{
		Rules: []config.ClassifierRule{
			{Template: "home_anchor", State: models.ViewStateHome},
			{Template: "field_banner", State: models.ViewStateField},
		},
		Anchor: anchor,
	})
	rt := config.NewRuntime(config.Tunables{
		DismissRetries: retries,
		Warmup:         config.Duration(time.Millisecond),
	})
	spec := config.RecoverySpec{
		DismissTemplate: "dismiss_btn",
		HomeHint:        "home_hint",
		FieldHint:       "field_hint",
		NeutralHome:     neutralHome,
		NeutralField:    neutralField,
	}
	opts = append([]Option{WithSettle(time.Millisecond)}, opts...)
	return New(dev, dev, dev, cls, matcher, spec, rt, opts...)
}

func TestResolveRecoversWithoutRemedies(t *testing.T) {
	rec := &eventRecorder{}
	dev := &fakeDevice{frames: []*models.Frame{homeFrame(1)}}
	s := newSupervisor(t, dev, 3, WithEventSink(rec.sink))

	state, err := s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if state != models.ViewStateHome {
		t.Errorf("state = %s, want home", state)
	}
	if dev.restartCount() != 0 || len(dev.tapped()) != 0 {
		t.Errorf("healthy screen triggered remedies: restarts=%d taps=%d",
			dev.restartCount(), len(dev.tapped()))
	}
	if rec.count(models.EventRecoveryDone) != 1 {
		t.Errorf("got %d recovery_done events, want 1", rec.count(models.EventRecoveryDone))
	}
}

func TestResolveDismissesOverlay(t *testing.T) {
	rec := &eventRecorder{}
	// First frame shows a dismiss control at (120,110); the tap clears it.
	dev := &fakeDevice{frames: []*models.Frame{
		unknownFrame(1, stamped{dismissPat, 120, 110}),
		homeFrame(2),
	}}
	s := newSupervisor(t, dev, 3, WithEventSink(rec.sink))

	state, err := s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if state != models.ViewStateHome {
		t.Errorf("state = %s, want home", state)
	}
	taps := dev.tapped()
	if len(taps) != 1 {
		t.Fatalf("got %d taps, want 1", len(taps))
	}
	if want := (models.Point{X: 128, Y: 116}); taps[0] != want {
		t.Errorf("dismiss tap at %v, want %v", taps[0], want)
	}
	if dev.restartCount() != 0 {
		t.Errorf("dismiss path restarted the app %d times", dev.restartCount())
	}
	if rec.count(models.EventRecoveryStep) != 1 || rec.count(models.EventRecoveryDone) != 1 {
		t.Errorf("steps=%d done=%d, want 1/1",
			rec.count(models.EventRecoveryStep), rec.count(models.EventRecoveryDone))
	}
}

func TestResolveNeutralTapTowardFieldHint(t *testing.T) {
	// No dismiss control, but the field background hint is visible, so the
	// neutral tap lands on the field side.
	hinted := unknownFrame(1, stamped{fieldHintPat, fieldHintRegion.X, fieldHintRegion.Y})
	dev := &fakeDevice{frames: []*models.Frame{
		hinted,
		hinted,
		frameWith(3, stamped{fieldPat, fieldRegion.X, fieldRegion.Y}),
	}}
	s := newSupervisor(t, dev, 1)

	state, err := s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if state != models.ViewStateField {
		t.Errorf("state = %s, want field", state)
	}
	taps := dev.tapped()
	if len(taps) != 1 || taps[0] != neutralField {
		t.Errorf("taps = %v, want one at %v", taps, neutralField)
	}
	if dev.restartCount() != 0 {
		t.Errorf("neutral tap path restarted the app %d times", dev.restartCount())
	}
}

func TestResolveNeutralTapWithAlignedAnchor(t *testing.T) {
	anchor := config.AnchorSpec{Template: "corner_mark", Expected: cornerAt, Epsilon: 3}
	hinted := unknownFrame(1,
		stamped{fieldHintPat, fieldHintRegion.X, fieldHintRegion.Y},
		stamped{cornerPat, 210, 16})
	dev := &fakeDevice{frames: []*models.Frame{
		hinted,
		hinted,
		frameWith(3, stamped{fieldPat, fieldRegion.X, fieldRegion.Y}),
	}}
	s := newAnchoredSupervisor(t, dev, 1, anchor)

	state, err := s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if state != models.ViewStateField {
		t.Errorf("state = %s, want field", state)
	}
	taps := dev.tapped()
	if len(taps) != 1 || taps[0] != neutralField {
		t.Errorf("taps = %v, want one at %v", taps, neutralField)
	}
	if dev.restartCount() != 0 {
		t.Errorf("aligned anchor path restarted the app %d times", dev.restartCount())
	}
}

func TestResolveVetoesNeutralTapWhenMisaligned(t *testing.T) {
	anchor := config.AnchorSpec{Template: "corner_mark", Expected: cornerAt, Epsilon: 3}
	// The corner mark drifted well past the tolerance: fixed coordinates are
	// unsafe, so the episode must skip the neutral tap and restart instead.
	panned := unknownFrame(1,
		stamped{fieldHintPat, fieldHintRegion.X, fieldHintRegion.Y},
		stamped{cornerPat, 230, 24})
	dev := &fakeDevice{frames: []*models.Frame{panned, panned, homeFrame(3)}}
	s := newAnchoredSupervisor(t, dev, 1, anchor)

	state, err := s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if state != models.ViewStateHome {
		t.Errorf("state = %s, want home", state)
	}
	if got := dev.tapped(); len(got) != 0 {
		t.Errorf("misaligned viewport still tapped: %v", got)
	}
	if dev.restartCount() != 1 {
		t.Errorf("restarts = %d, want 1", dev.restartCount())
	}
}

func TestResolveEscalatesToSingleRestart(t *testing.T) {
	rec := &eventRecorder{}
	blank := unknownFrame(1)
	// Nothing recognizable until after the restart.
	dev := &fakeDevice{frames: []*models.Frame{blank, blank, blank, homeFrame(4)}}
	s := newSupervisor(t, dev, 1, WithEventSink(rec.sink))

	state, err := s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if state != models.ViewStateHome {
		t.Errorf("state = %s, want home", state)
	}
	if dev.restartCount() != 1 {
		t.Errorf("restarts = %d, want 1", dev.restartCount())
	}
	if rec.count(models.EventAppRestart) != 1 {
		t.Errorf("got %d app_restart events, want 1", rec.count(models.EventAppRestart))
	}
	if rec.count(models.EventRecoveryDone) != 1 {
		t.Errorf("got %d recovery_done events, want 1", rec.count(models.EventRecoveryDone))
	}
}

func TestResolveRestartsOncePerEpisode(t *testing.T) {
	rec := &eventRecorder{}
	blank := unknownFrame(1)
	// The first episode's restart does not help; the second one does. Each
	// episode consumes four observations (one dismiss attempt, two around the
	// neutral tap, one after restarting).
	dev := &fakeDevice{frames: []*models.Frame{
		blank, blank, blank, blank,
		blank, blank, blank, homeFrame(8),
	}}
	s := newSupervisor(t, dev, 1, WithEventSink(rec.sink))

	state, err := s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if state != models.ViewStateHome {
		t.Errorf("state = %s, want home", state)
	}
	if dev.restartCount() != 2 {
		t.Errorf("restarts = %d, want exactly one per episode", dev.restartCount())
	}
	if rec.count(models.EventRecoveryDone) != 1 {
		t.Errorf("got %d recovery_done events, want 1", rec.count(models.EventRecoveryDone))
	}
}

func TestResolveWaitsForCriticalFlow(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	gate := func() bool {
		mu.Lock()
		defer mu.Unlock()
		polls++
		return polls <= 2
	}
	blank := unknownFrame(1)
	dev := &fakeDevice{frames: []*models.Frame{blank, blank, blank, homeFrame(4)}}
	s := newSupervisor(t, dev, 1, WithCriticalGate(gate))

	if _, err := s.Resolve(context.Background()); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if polls < 3 {
		t.Errorf("critical gate polled %d times, want at least 3", polls)
	}
	if dev.restartCount() != 1 {
		t.Errorf("restarts = %d, want 1", dev.restartCount())
	}
}

func TestResolveStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dev := &fakeDevice{frames: []*models.Frame{unknownFrame(1)}}
	s := newSupervisor(t, dev, 2)

	_, err := s.Resolve(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Resolve error = %v, want context.Canceled", err)
	}
}

type notifyRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notifyRecorder) Send(ctx context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, message)
	return nil
}

func TestResolveNotifiesOnRestart(t *testing.T) {
	notes := &notifyRecorder{}
	blank := unknownFrame(1)
	dev := &fakeDevice{frames: []*models.Frame{blank, blank, blank, homeFrame(4)}}
	s := newSupervisor(t, dev, 1, WithNotifier(notes))

	if _, err := s.Resolve(context.Background()); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	notes.mu.Lock()
	defer notes.mu.Unlock()
	if len(notes.msgs) != 1 {
		t.Errorf("got %d notifications, want 1", len(notes.msgs))
	}
}
