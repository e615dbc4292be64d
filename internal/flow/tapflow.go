package flow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDailyLimited reports that the application refused an action because its
// server-side daily allowance is spent.
var ErrDailyLimited = errors.New("flow: daily limit reached")

// NewTapFlow builds the generic flow body used for profile-declared flows: it
// locates the tap template on a fresh frame, taps its center, and optionally
// waits for a confirm template to appear. Feature-specific flows register
// their own Func instead.
func NewTapFlow(tapTemplate, confirmTemplate string, pollInterval, confirmTimeout time.Duration) Func {
	return func(ctx context.Context, rt *Runtime) error {
		shot, err := rt.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("flow: snapshot: %w", err)
		}
		res, err := rt.Matcher.Match(shot, tapTemplate)
		if err != nil {
			return err
		}
		if !res.Matched || res.Location == nil {
			return fmt.Errorf("flow: tap target %s not on screen (score %.4f)", tapTemplate, res.Score)
		}
		if err := rt.Device.Tap(ctx, *res.Location); err != nil {
			return err
		}
		if confirmTemplate == "" {
			return nil
		}
		err = Await(ctx, pollInterval, confirmTimeout, func(ctx context.Context) (bool, error) {
			shot, err := rt.Snapshot(ctx)
			if err != nil {
				return false, err
			}
			res, err := rt.Matcher.Match(shot, confirmTemplate)
			if err != nil {
				return false, err
			}
			return res.Matched, nil
		})
		if err != nil {
			return fmt.Errorf("flow: confirm %s: %w", confirmTemplate, err)
		}
		return nil
	}
}

// NewActionFlow builds the body for budgeted actions. It taps like NewTapFlow
// but watches for the application's daily-limit dialog alongside the confirm
// template; when the dialog appears first, onLimit records the block and the
// flow fails with ErrDailyLimited. The dialog itself is left on screen for the
// recovery ladder to dismiss.
func NewActionFlow(tapTemplate, confirmTemplate, limitTemplate string,
	pollInterval, confirmTimeout time.Duration, onLimit func(ctx context.Context) error) Func {
	if limitTemplate == "" {
		return NewTapFlow(tapTemplate, confirmTemplate, pollInterval, confirmTimeout)
	}
	return func(ctx context.Context, rt *Runtime) error {
		shot, err := rt.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("flow: snapshot: %w", err)
		}
		res, err := rt.Matcher.Match(shot, tapTemplate)
		if err != nil {
			return err
		}
		if !res.Matched || res.Location == nil {
			return fmt.Errorf("flow: tap target %s not on screen (score %.4f)", tapTemplate, res.Score)
		}
		if err := rt.Device.Tap(ctx, *res.Location); err != nil {
			return err
		}

		limited := false
		err = Await(ctx, pollInterval, confirmTimeout, func(ctx context.Context) (bool, error) {
			shot, err := rt.Snapshot(ctx)
			if err != nil {
				return false, err
			}
			lim, err := rt.Matcher.Match(shot, limitTemplate)
			if err != nil {
				return false, err
			}
			if lim.Matched {
				limited = true
				return true, nil
			}
			if confirmTemplate == "" {
				return true, nil
			}
			res, err := rt.Matcher.Match(shot, confirmTemplate)
			if err != nil {
				return false, err
			}
			return res.Matched, nil
		})
		if err != nil {
			return fmt.Errorf("flow: confirm %s: %w", confirmTemplate, err)
		}
		if !limited {
			return nil
		}
		if onLimit != nil {
			if merr := onLimit(ctx); merr != nil {
				return fmt.Errorf("%w (recording failed: %v)", ErrDailyLimited, merr)
			}
		}
		return ErrDailyLimited
	}
}
