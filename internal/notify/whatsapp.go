package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/ScreenPilot/internal/store"
)

const (
	// DefaultWhatsAppDBPath is the default whatsmeow session database path.
	DefaultWhatsAppDBPath = "/var/lib/screenpilot/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users.
	JIDSuffix = "s.whatsapp.net"
)

// WhatsAppOpts holds configuration for the WhatsApp backend.
type WhatsAppOpts struct {
	DBDSN       string // whatsmeow session database connection string
	QRPath      string // path to write the login QR code
	NumericCode bool   // print a numeric login code instead of a QR code
}

// WhatsAppOption configures WhatsAppOpts.
type WhatsAppOption func(*WhatsAppOpts)

// WithDBDSN sets the whatsmeow session database connection string.
func WithDBDSN(dsn string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to the given path instead of stdout.
func WithQRCodeOutput(path string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.QRPath = path }
}

// WithNumericCode prints a numeric login code instead of a QR code.
func WithNumericCode() WhatsAppOption {
	return func(o *WhatsAppOpts) { o.NumericCode = true }
}

// WhatsApp sends alerts to one operator over WhatsApp via whatsmeow.
type WhatsApp struct {
	client    *whatsmeow.Client
	recipient string
}

// NewWhatsApp connects a WhatsApp client and binds it to one recipient. On
// first run it drives the QR (or numeric code) login flow before returning.
func NewWhatsApp(recipient string, opts ...WhatsAppOption) (*WhatsApp, error) {
	var cfg WhatsAppOpts
	for _, opt := range opts {
		opt(&cfg)
	}

	to, err := CanonicalizeRecipient(recipient)
	if err != nil {
		return nil, err
	}

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultWhatsAppDBPath
		slog.Debug("NewWhatsApp: no session DB DSN provided, using default", "path", dbDSN)
	}

	var dbDriver string
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else {
		dbDriver = "sqlite3"
		// whatsmeow strongly recommends foreign keys on SQLite.
		if !strings.Contains(dbDSN, "foreign_keys") {
			slog.Warn("NewWhatsApp: SQLite session DB without foreign keys enabled",
				"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
		}
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("notify: whatsapp session store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify: whatsapp device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	if client.Store.ID == nil {
		slog.Info("NewWhatsApp: login required, starting code flow")
		qrChan, _ := client.GetQRChannel(ctx)
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("notify: whatsapp login connect: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				return nil, fmt.Errorf("notify: create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("NewWhatsApp: login event", "event", evt.Event)
			}
		}
	} else {
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("notify: whatsapp connect: %w", err)
		}
	}

	slog.Info("NewWhatsApp: connected", "recipient", to)
	return &WhatsApp{client: client, recipient: to}, nil
}

// Send delivers one text message to the configured recipient.
func (w *WhatsApp) Send(ctx context.Context, message string) error {
	if w.client == nil {
		return fmt.Errorf("notify: whatsapp client not initialized")
	}
	if message == "" {
		return fmt.Errorf("notify: message cannot be empty")
	}
	jid := types.NewJID(w.recipient, JIDSuffix)
	msg := &waE2E.Message{Conversation: &message}
	if _, err := w.client.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("WhatsApp.Send: send failed", "error", err, "to", w.recipient)
		return fmt.Errorf("notify: send to %s: %w", w.recipient, err)
	}
	slog.Debug("WhatsApp.Send: message sent", "to", w.recipient, "length", len(message))
	return nil
}

// Stop disconnects the client.
func (w *WhatsApp) Stop() error {
	if w.client != nil {
		w.client.Disconnect()
	}
	return nil
}
