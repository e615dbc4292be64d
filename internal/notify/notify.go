// Package notify delivers out-of-band operator alerts.
//
// The sampling loop and the recovery supervisor run unattended for days; when
// something drastic happens (an application restart, a budget that cannot be
// met) the operator hears about it through one of these services rather than
// by reading logs.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
)

// Service is a pluggable alert delivery backend.
type Service interface {
	// Send delivers one message to the configured operator.
	Send(ctx context.Context, message string) error

	// Stop disconnects and cleans up resources.
	Stop() error
}

var phoneDigits = regexp.MustCompile(`[^0-9]`)

// CanonicalizeRecipient strips formatting from a phone number and validates
// the remainder.
func CanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("notify: recipient cannot be empty")
	}
	canonical := phoneDigits.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("notify: no digits in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("notify: recipient %q too short (minimum 6 digits)", canonical)
	}
	if canonical != recipient {
		slog.Debug("CanonicalizeRecipient: recipient normalized", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Noop discards alerts. Used when no backend is configured.
type Noop struct{}

// NewNoop creates a notifier that drops every message.
func NewNoop() *Noop { return &Noop{} }

// Send logs and discards the message.
func (n *Noop) Send(ctx context.Context, message string) error {
	slog.Debug("Noop.Send: alert discarded", "message", message)
	return nil
}

// Stop is a no-op.
func (n *Noop) Stop() error { return nil }
