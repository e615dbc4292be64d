package device

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/ScreenPilot/internal/models"
)

type runnerFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// ADB drives an Android device through the adb command-line tool.
type ADB struct {
	path   string
	serial string
	pkg    string
	seq    atomic.Uint64
	run    runnerFunc
}

// ADBOption customizes an ADB adapter.
type ADBOption func(*ADB)

// WithADBPath overrides the adb binary path (default "adb").
func WithADBPath(path string) ADBOption {
	return func(a *ADB) { a.path = path }
}

// NewADB builds an adapter for the given device serial and application
// package. An empty serial targets the only connected device.
func NewADB(serial, appPackage string, opts ...ADBOption) *ADB {
	a := &ADB{
		path:   "adb",
		serial: serial,
		pkg:    appPackage,
		run:    defaultRunner,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func defaultRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

func (a *ADB) args(rest ...string) []string {
	var out []string
	if a.serial != "" {
		out = append(out, "-s", a.serial)
	}
	return append(out, rest...)
}

// Capture grabs one frame via exec-out screencap and decodes the PNG payload.
func (a *ADB) Capture(ctx context.Context) (*models.Frame, error) {
	out, err := a.run(ctx, a.path, a.args("exec-out", "screencap", "-p")...)
	if err != nil {
		return nil, fmt.Errorf("device: screencap: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("device: screencap decode: %w", err)
	}
	rgba, ok := img.(*image.RGBA)
	if !ok {
		b := img.Bounds()
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	return models.NewFrame(rgba, time.Now().UTC(), a.seq.Add(1)), nil
}

// Tap sends a single tap.
func (a *ADB) Tap(ctx context.Context, p models.Point) error {
	_, err := a.run(ctx, a.path, a.args("shell", "input", "tap",
		strconv.Itoa(p.X), strconv.Itoa(p.Y))...)
	if err != nil {
		return fmt.Errorf("device: tap %v: %w", p, err)
	}
	slog.Debug("ADB.Tap: input sent", "x", p.X, "y", p.Y)
	return nil
}

// Swipe sends a swipe gesture over the given duration.
func (a *ADB) Swipe(ctx context.Context, from, to models.Point, duration time.Duration) error {
	_, err := a.run(ctx, a.path, a.args("shell", "input", "swipe",
		strconv.Itoa(from.X), strconv.Itoa(from.Y),
		strconv.Itoa(to.X), strconv.Itoa(to.Y),
		strconv.Itoa(int(duration.Milliseconds())))...)
	if err != nil {
		return fmt.Errorf("device: swipe %v->%v: %w", from, to, err)
	}
	return nil
}

// KeyEvent sends an Android key code.
func (a *ADB) KeyEvent(ctx context.Context, code int) error {
	_, err := a.run(ctx, a.path, a.args("shell", "input", "keyevent", strconv.Itoa(code))...)
	if err != nil {
		return fmt.Errorf("device: keyevent %d: %w", code, err)
	}
	return nil
}

// RestartApp force-stops the application and relaunches it through the
// launcher intent.
func (a *ADB) RestartApp(ctx context.Context) error {
	if _, err := a.run(ctx, a.path, a.args("shell", "am", "force-stop", a.pkg)...); err != nil {
		return fmt.Errorf("device: force-stop %s: %w", a.pkg, err)
	}
	if _, err := a.run(ctx, a.path, a.args("shell", "monkey",
		"-p", a.pkg, "-c", "android.intent.category.LAUNCHER", "1")...); err != nil {
		return fmt.Errorf("device: launch %s: %w", a.pkg, err)
	}
	slog.Info("ADB.RestartApp: application relaunched", "package", a.pkg)
	return nil
}

// VerifyResolution captures one frame and checks it against the configured
// screen size. Called once at startup; a mismatch means the profile's
// coordinates would land on the wrong pixels.
func (a *ADB) VerifyResolution(ctx context.Context, width, height int) error {
	frame, err := a.Capture(ctx)
	if err != nil {
		return fmt.Errorf("device: resolution probe: %w", err)
	}
	if frame.Width != width || frame.Height != height {
		return fmt.Errorf("device: resolution is %dx%d, profile expects %dx%d",
			frame.Width, frame.Height, width, height)
	}
	return nil
}
