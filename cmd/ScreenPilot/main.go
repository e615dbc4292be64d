package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/ScreenPilot/internal/api"
	"github.com/BTreeMap/ScreenPilot/internal/app"
	"github.com/BTreeMap/ScreenPilot/internal/notify"
	"github.com/BTreeMap/ScreenPilot/internal/ocr"
	"github.com/BTreeMap/ScreenPilot/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ScreenPilot state data
	DefaultStateDir = "/var/lib/screenpilot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "screenpilot.db"
	// DefaultProfileFile is the default device profile path
	DefaultProfileFile = "profile.yaml"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Build module options
	opts := app.Options{
		ProfilePath:    *flags.profile,
		StateDir:       *flags.stateDir,
		DBDSN:          *flags.dbDSN,
		ADBPath:        *flags.adbPath,
		OCR:            buildOCROptions(flags),
		API:            buildAPIOptions(flags),
		Notifier:       buildNotifierOptions(flags),
		EventRetention: time.Duration(*flags.retainDays) * 24 * time.Hour,
		ShutdownGrace:  config.ShutdownGrace,
	}

	// Start the service
	slog.Info("Bootstrapping ScreenPilot with configured modules")
	slog.Debug("Final configuration",
		"profile", opts.ProfilePath,
		"state_dir", opts.StateDir,
		"dsn_set", opts.DBDSN != "",
		"api_addr", *flags.apiAddr,
		"notify_backend", opts.Notifier.Backend)
	if err := app.Run(opts); err != nil {
		slog.Error("ScreenPilot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ScreenPilot exited successfully")
}

// Config holds environment configuration
type Config struct {
	Profile         string
	StateDir        string
	DatabaseURL     string
	APIAddr         string
	OpenAIKey       string
	OCRModel        string
	ADBPath         string
	NotifyBackend   string
	NotifyRecipient string
	NumericCode     bool
	RetainDays      int
	ShutdownGrace   time.Duration
}

// Flags holds command line flag values
type Flags struct {
	profile         *string
	stateDir        *string
	dbDSN           *string
	apiAddr         *string
	openaiKey       *string
	ocrModel        *string
	adbPath         *string
	notifyBackend   *string
	notifyRecipient *string
	qrOutput        *string
	numeric         *bool
	retainDays      *int
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		Profile:         os.Getenv("SCREENPILOT_PROFILE"),
		StateDir:        os.Getenv("SCREENPILOT_STATE_DIR"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		APIAddr:         os.Getenv("API_ADDR"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OCRModel:        os.Getenv("SCREENPILOT_OCR_MODEL"),
		ADBPath:         os.Getenv("ADB_PATH"),
		NotifyBackend:   os.Getenv("NOTIFY_BACKEND"),
		NotifyRecipient: os.Getenv("NOTIFY_RECIPIENT"),
		NumericCode:     util.ParseBoolEnv("SCREENPILOT_NUMERIC_CODE", false),
		RetainDays:      util.ParseIntEnv("SCREENPILOT_EVENT_RETAIN_DAYS", 30),
		ShutdownGrace:   util.ParseDurationEnv("SCREENPILOT_SHUTDOWN_GRACE", 10*time.Second),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No SCREENPILOT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("SCREENPILOT_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// Default the profile to the working directory
	if config.Profile == "" {
		config.Profile = DefaultProfileFile
		slog.Debug("No SCREENPILOT_PROFILE set, using default", "profile", config.Profile)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"SCREENPILOT_PROFILE", config.Profile,
		"SCREENPILOT_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"SCREENPILOT_OCR_MODEL", config.OCRModel,
		"ADB_PATH", config.ADBPath,
		"NOTIFY_BACKEND", config.NotifyBackend,
		"NOTIFY_RECIPIENT_SET", config.NotifyRecipient != "",
		"SCREENPILOT_EVENT_RETAIN_DAYS", config.RetainDays,
		"SCREENPILOT_SHUTDOWN_GRACE", config.ShutdownGrace)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		profile:         flag.String("profile", config.Profile, "device profile YAML path (overrides $SCREENPILOT_PROFILE)"),
		stateDir:        flag.String("state-dir", config.StateDir, "state directory for ScreenPilot data (overrides $SCREENPILOT_STATE_DIR)"),
		dbDSN:           flag.String("db-dsn", config.DatabaseURL, "database DSN for the schedule store (overrides $DATABASE_URL)"),
		apiAddr:         flag.String("api-addr", config.APIAddr, "control API listen address (overrides $API_ADDR)"),
		openaiKey:       flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for gauge OCR (overrides $OPENAI_API_KEY)"),
		ocrModel:        flag.String("ocr-model", config.OCRModel, "vision model for gauge OCR (overrides $SCREENPILOT_OCR_MODEL)"),
		adbPath:         flag.String("adb-path", config.ADBPath, "adb binary path (overrides $ADB_PATH)"),
		notifyBackend:   flag.String("notify-backend", config.NotifyBackend, "operator alert backend: whatsapp, twilio or none (overrides $NOTIFY_BACKEND)"),
		notifyRecipient: flag.String("notify-recipient", config.NotifyRecipient, "operator phone number for alerts (overrides $NOTIFY_RECIPIENT)"),
		qrOutput:        flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:         flag.Bool("numeric-code", config.NumericCode, "use numeric WhatsApp login code instead of QR code (overrides $SCREENPILOT_NUMERIC_CODE)"),
		retainDays:      flag.Int("event-retain-days", config.RetainDays, "days of event history to keep (overrides $SCREENPILOT_EVENT_RETAIN_DAYS)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"profile", *flags.profile,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"openaiKeySet", *flags.openaiKey != "",
		"ocrModel", *flags.ocrModel,
		"adbPath", *flags.adbPath,
		"notifyBackend", *flags.notifyBackend,
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"retainDays", *flags.retainDays)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	// Ensure state directory exists if we're using a file-based DSN
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
		slog.Debug("State directory created successfully", "state_dir", stateDir)
	}
	return nil
}

// buildOCROptions constructs gauge OCR configuration options
func buildOCROptions(flags Flags) []ocr.Option {
	var ocrOpts []ocr.Option
	if *flags.openaiKey != "" {
		ocrOpts = append(ocrOpts, ocr.WithAPIKey(*flags.openaiKey))
	}
	if *flags.ocrModel != "" {
		ocrOpts = append(ocrOpts, ocr.WithModel(*flags.ocrModel))
	}
	return ocrOpts
}

// buildAPIOptions constructs control API configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}

// buildNotifierOptions constructs operator alert configuration options
func buildNotifierOptions(flags Flags) app.NotifierOptions {
	opts := app.NotifierOptions{
		Backend:   *flags.notifyBackend,
		Recipient: *flags.notifyRecipient,
	}
	if opts.Backend != "whatsapp" {
		return opts
	}
	// The WhatsApp session shares the state directory with the schedule DB.
	opts.WhatsApp = append(opts.WhatsApp,
		notify.WithDBDSN(filepath.Join(*flags.stateDir, "whatsapp.db")))
	if *flags.qrOutput != "" {
		opts.WhatsApp = append(opts.WhatsApp, notify.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		opts.WhatsApp = append(opts.WhatsApp, notify.WithNumericCode())
	}
	return opts
}
