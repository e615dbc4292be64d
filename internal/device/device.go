// Package device abstracts the screen and input of the controlled device.
//
// The engine only sees three small interfaces: a frame source, an input sink,
// and a process controller. The one production implementation drives an
// Android device through the adb binary; tests substitute fakes.
package device

import (
	"context"
	"time"

	"github.com/BTreeMap/ScreenPilot/internal/models"
)

// FrameSource captures screen frames.
type FrameSource interface {
	// Capture grabs one frame. Implementations stamp capture time and a
	// monotonically increasing sequence number.
	Capture(ctx context.Context) (*models.Frame, error)
}

// InputSink injects input events.
type InputSink interface {
	Tap(ctx context.Context, p models.Point) error
	Swipe(ctx context.Context, from, to models.Point, duration time.Duration) error
	KeyEvent(ctx context.Context, code int) error
}

// ProcessController manages the monitored application's process.
type ProcessController interface {
	// RestartApp force-stops the application and launches it again.
	RestartApp(ctx context.Context) error
}

// Device is the full capability set of one controlled device.
type Device interface {
	FrameSource
	InputSink
	ProcessController
}

// Android key codes used by flows and recovery.
const (
	KeycodeHome = 3
	KeycodeBack = 4
)
