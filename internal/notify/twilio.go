package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// messageCreator is the slice of the Twilio REST client we use.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioOpts holds configuration for the Twilio backend.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	From       string // WhatsApp sender in "whatsapp:+1234567890" format
}

// TwilioOption configures TwilioOpts.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFrom sets the sending WhatsApp number.
func WithFrom(from string) TwilioOption {
	return func(o *TwilioOpts) { o.From = from }
}

// Twilio sends alerts to one operator through the Twilio WhatsApp API.
type Twilio struct {
	api       messageCreator
	from      string
	recipient string
}

// NewTwilio builds a Twilio-backed notifier. Credentials fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment
// variables when not set through options.
func NewTwilio(recipient string, opts ...TwilioOption) (*Twilio, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("NewTwilio: config loaded",
		"account_sid_set", cfg.AccountSID != "",
		"auth_token_set", cfg.AuthToken != "",
		"from_set", cfg.From != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("notify: twilio account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("notify: twilio sender number must be provided")
	}
	to, err := CanonicalizeRecipient(recipient)
	if err != nil {
		return nil, err
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Twilio{api: client.Api, from: cfg.From, recipient: to}, nil
}

// Send delivers one text message to the configured recipient.
func (t *Twilio) Send(ctx context.Context, message string) error {
	if message == "" {
		return fmt.Errorf("notify: message cannot be empty")
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + t.recipient)
	params.SetFrom(t.from)
	params.SetBody(message)

	if _, err := t.api.CreateMessage(params); err != nil {
		slog.Error("Twilio.Send: send failed", "error", err, "to", t.recipient)
		return fmt.Errorf("notify: send to %s: %w", t.recipient, err)
	}
	slog.Debug("Twilio.Send: message sent", "to", t.recipient)
	return nil
}

// Stop is a no-op; the REST client holds no connection.
func (t *Twilio) Stop() error { return nil }
