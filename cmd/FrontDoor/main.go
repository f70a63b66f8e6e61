package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/BTreeMap/FrontDoor/internal/api"
	"github.com/BTreeMap/FrontDoor/internal/completion"
	"github.com/BTreeMap/FrontDoor/internal/flow"
	"github.com/BTreeMap/FrontDoor/internal/genai"
	"github.com/BTreeMap/FrontDoor/internal/lockfile"
	"github.com/BTreeMap/FrontDoor/internal/messaging"
	"github.com/BTreeMap/FrontDoor/internal/registry"
	"github.com/BTreeMap/FrontDoor/internal/store"
	"github.com/BTreeMap/FrontDoor/internal/ticketing"
	"github.com/BTreeMap/FrontDoor/internal/twiliowhatsapp"
	"github.com/BTreeMap/FrontDoor/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	DefaultStateDir         = "/var/lib/frontdoor"
	DefaultDBFileName       = "frontdoor.db"
	DefaultWhatsAppFileName = "whatsmeow.db"
	DefaultModel            = "gpt-4o-mini"
)

// Channel names accepted by -channel.
const (
	ChannelNone     = "none"
	ChannelWhatsApp = "whatsapp"
	ChannelTwilio   = "twilio"
)

// Submission modes accepted by -submit-mode.
const (
	SubmitHTTP = "http"
	SubmitMock = "mock"
)

func main() {
	initializeLogger(os.Getenv("FRONTDOOR_LOG_LEVEL"))

	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping FrontDoor", "channel", flags.Channel, "api_addr", flags.APIAddr, "state_dir", flags.StateDir)
	if err := run(ctx, flags); err != nil {
		slog.Error("FrontDoor failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FrontDoor exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseURL      string
	WhatsAppDSN      string
	OpenAIKey        string
	LLMProvider      string
	LLMModel         string
	AzureEndpoint    string
	AzureAPIVersion  string
	APIAddr          string
	Channel          string
	TwilioWebhookURL string
	RegistryFile     string
	PromptDir        string
	FieldPolicy      string
	SupervisorWindow int
	SubmitMode       string
	SubmitToken      string
	Debug            bool
}

// Flags holds the resolved process configuration after flag parsing.
type Flags struct {
	Config
	QROutput    string
	NumericCode bool
}

// initializeLogger installs a text handler on stdout at the requested level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseBoolEnv accepts true/1/yes/on and false/0/no/off. Anything else
// keeps the default.
func parseBoolEnv(key string, def bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		slog.Warn("parseBoolEnv: invalid boolean value, using default", "key", key, "value", val, "default", def)
		return def
	}
}

func parseIntEnv(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		slog.Warn("parseIntEnv: invalid integer value, using default", "key", key, "value", val, "default", def)
		return def
	}
	return n
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         envOr("FRONTDOOR_STATE_DIR", DefaultStateDir),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		LLMProvider:      envOr("LLM_PROVIDER", string(genai.ProviderOpenAI)),
		LLMModel:         envOr("LLM_MODEL", DefaultModel),
		AzureEndpoint:    os.Getenv("AZURE_OPENAI_ENDPOINT"),
		AzureAPIVersion:  os.Getenv("AZURE_OPENAI_API_VERSION"),
		APIAddr:          envOr("FRONTDOOR_API_ADDR", api.DefaultAddr),
		Channel:          envOr("FRONTDOOR_CHANNEL", ChannelNone),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		RegistryFile:     os.Getenv("FRONTDOOR_REGISTRY_FILE"),
		PromptDir:        os.Getenv("FRONTDOOR_PROMPT_DIR"),
		FieldPolicy:      envOr("FRONTDOOR_FIELD_POLICY", string(completion.PolicyValue)),
		SupervisorWindow: parseIntEnv("FRONTDOOR_SUPERVISOR_WINDOW", flow.DefaultSupervisorWindow),
		SubmitMode:       envOr("FRONTDOOR_SUBMIT_MODE", SubmitHTTP),
		SubmitToken:      os.Getenv("FRONTDOOR_SUBMIT_TOKEN"),
		Debug:            parseBoolEnv("FRONTDOOR_DEBUG", false),
	}

	slog.Debug("environment variables loaded",
		"FRONTDOOR_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"LLM_PROVIDER", config.LLMProvider,
		"FRONTDOOR_CHANNEL", config.Channel,
		"FRONTDOOR_SUBMIT_MODE", config.SubmitMode)
	return config
}

// parseCommandLineFlags parses args over the environment defaults. DSNs
// left unset are derived from the final state directory.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	f := Flags{Config: config}
	fs.StringVar(&f.StateDir, "state-dir", config.StateDir, "state directory (overrides $FRONTDOOR_STATE_DIR)")
	fs.StringVar(&f.DatabaseURL, "db-dsn", config.DatabaseURL, "postgres DSN or SQLite path (overrides $DATABASE_URL)")
	fs.StringVar(&f.OpenAIKey, "openai-api-key", config.OpenAIKey, "model API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.LLMProvider, "llm-provider", config.LLMProvider, "openai or azure (overrides $LLM_PROVIDER)")
	fs.StringVar(&f.LLMModel, "llm-model", config.LLMModel, "model or deployment name (overrides $LLM_MODEL)")
	fs.StringVar(&f.AzureEndpoint, "azure-endpoint", config.AzureEndpoint, "Azure OpenAI endpoint (overrides $AZURE_OPENAI_ENDPOINT)")
	fs.StringVar(&f.AzureAPIVersion, "azure-api-version", config.AzureAPIVersion, "Azure OpenAI API version (overrides $AZURE_OPENAI_API_VERSION)")
	fs.StringVar(&f.APIAddr, "api-addr", config.APIAddr, "HTTP listen address (overrides $FRONTDOOR_API_ADDR)")
	fs.StringVar(&f.Channel, "channel", config.Channel, "none, whatsapp or twilio (overrides $FRONTDOOR_CHANNEL)")
	fs.StringVar(&f.RegistryFile, "registry-file", config.RegistryFile, "YAML field and team catalog (overrides $FRONTDOOR_REGISTRY_FILE)")
	fs.StringVar(&f.PromptDir, "prompt-dir", config.PromptDir, "directory of prompt overrides (overrides $FRONTDOOR_PROMPT_DIR)")
	fs.StringVar(&f.FieldPolicy, "field-policy", config.FieldPolicy, "value or value-or-unknown (overrides $FRONTDOOR_FIELD_POLICY)")
	fs.IntVar(&f.SupervisorWindow, "supervisor-window", config.SupervisorWindow, "messages shown to the supervisor (overrides $FRONTDOOR_SUPERVISOR_WINDOW)")
	fs.StringVar(&f.SubmitMode, "submit-mode", config.SubmitMode, "http or mock (overrides $FRONTDOOR_SUBMIT_MODE)")
	fs.BoolVar(&f.Debug, "debug", config.Debug, "write model debug files under the state directory (overrides $FRONTDOOR_DEBUG)")
	fs.StringVar(&f.QROutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&f.NumericCode, "numeric-code", false, "print the WhatsApp pairing code instead of a QR block")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	if f.DatabaseURL == "" {
		f.DatabaseURL = filepath.Join(f.StateDir, DefaultDBFileName)
	}
	if f.WhatsAppDSN == "" {
		f.WhatsAppDSN = filepath.Join(f.StateDir, DefaultWhatsAppFileName)
	}

	switch f.Channel {
	case ChannelNone, ChannelWhatsApp, ChannelTwilio:
	default:
		return Flags{}, fmt.Errorf("unknown channel %q", f.Channel)
	}
	switch f.SubmitMode {
	case SubmitHTTP, SubmitMock:
	default:
		return Flags{}, fmt.Errorf("unknown submit mode %q", f.SubmitMode)
	}
	if _, err := completion.ParsePolicy(f.FieldPolicy); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"stateDir", f.StateDir,
		"dbDSN_set", f.DatabaseURL != "",
		"channel", f.Channel,
		"apiAddr", f.APIAddr,
		"fieldPolicy", f.FieldPolicy,
		"supervisorWindow", f.SupervisorWindow,
		"debug", f.Debug)
	return f, nil
}

// appStore is what the process needs from its backing store.
type appStore interface {
	store.Store
	store.DedupRepo
	store.OutboxRepo
}

// openStore picks Postgres or SQLite from the DSN.
func openStore(dsn string) (appStore, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// usesLocalFiles reports whether the state directory must be owned by this
// process.
func usesLocalFiles(f Flags) bool {
	return store.DetectDSNType(f.DatabaseURL) != "postgres" ||
		(f.Channel == ChannelWhatsApp && store.DetectDSNType(f.WhatsAppDSN) != "postgres")
}

func buildGenAIOptions(f Flags) []genai.Option {
	opts := []genai.Option{
		genai.WithProvider(genai.Provider(f.LLMProvider)),
		genai.WithModel(f.LLMModel),
		genai.WithDebugMode(f.Debug),
		genai.WithStateDir(f.StateDir),
	}
	if f.OpenAIKey != "" {
		opts = append(opts, genai.WithAPIKey(f.OpenAIKey))
	}
	if f.AzureEndpoint != "" {
		opts = append(opts, genai.WithAzure(f.AzureEndpoint, f.AzureAPIVersion))
	}
	return opts
}

func buildWhatsAppOptions(f Flags) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithDBDSN(f.WhatsAppDSN)}
	if f.QROutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(f.QROutput))
	}
	if f.NumericCode {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

func buildSubmitter(f Flags, recorder ticketing.SubmissionRecorder) ticketing.Submitter {
	var next ticketing.Submitter
	if f.SubmitMode == SubmitMock {
		next = ticketing.NewMockSubmitter()
	} else {
		var opts []ticketing.Option
		if f.SubmitToken != "" {
			opts = append(opts, ticketing.WithBearerToken(f.SubmitToken))
		}
		next = ticketing.NewHTTPSubmitter(opts...)
	}
	return ticketing.NewRecordingSubmitter(next, recorder)
}

func loadRegistry(path string) (*registry.Registry, error) {
	if path == "" {
		return registry.Default(), nil
	}
	return registry.LoadFile(path)
}

func loadPrompts(dir string) (flow.Prompts, error) {
	if dir == "" {
		return flow.DefaultPrompts(), nil
	}
	return flow.LoadPrompts(dir)
}

// buildExecutor assembles the turn executor over st.
func buildExecutor(f Flags, st appStore, model genai.Model) (*flow.Executor, *registry.Registry, error) {
	reg, err := loadRegistry(f.RegistryFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load registry: %w", err)
	}
	prompts, err := loadPrompts(f.PromptDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load prompts: %w", err)
	}
	policy, err := completion.ParsePolicy(f.FieldPolicy)
	if err != nil {
		return nil, nil, err
	}
	deps := flow.Deps{
		Model:    model,
		Registry: reg,
		Checker:  completion.NewChecker(reg, policy),
		Prompts:  prompts,
	}
	exec := flow.NewExecutor(flow.NewStoreBasedStateManager(st), deps, buildSubmitter(f, st),
		flow.WithSupervisorWindow(f.SupervisorWindow))
	return exec, reg, nil
}

// buildChannel returns the messaging service for f.Channel, nil for none.
func buildChannel(ctx context.Context, f Flags) (messaging.Service, *messaging.TwilioService, func(), error) {
	switch f.Channel {
	case ChannelWhatsApp:
		wa, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(f)...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppService(wa), nil, wa.Disconnect, nil
	case ChannelTwilio:
		tc, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if f.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithWebhookValidation(tc, f.TwilioWebhookURL))
		} else {
			slog.Warn("run: TWILIO_WEBHOOK_URL not set, webhook signatures are not checked")
		}
		svc := messaging.NewTwilioService(tc, opts...)
		return svc, svc, func() {}, nil
	default:
		return nil, nil, func() {}, nil
	}
}

// run owns the process lifetime: it returns after ctx is cancelled and
// every background loop has stopped.
func run(ctx context.Context, f Flags) error {
	if usesLocalFiles(f) {
		lock, err := lockfile.Acquire(f.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := openStore(f.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	model, err := genai.NewClient(buildGenAIOptions(f)...)
	if err != nil {
		return fmt.Errorf("model client: %w", err)
	}

	exec, reg, err := buildExecutor(f, st, model)
	if err != nil {
		return err
	}

	svc, twilioSvc, disconnect, err := buildChannel(ctx, f)
	if err != nil {
		return err
	}
	defer disconnect()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var handler *messaging.ResponseHandler
	senderDone := make(chan struct{})
	if svc == nil {
		close(senderDone)
	} else {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start channel: %w", err)
		}
		handler = messaging.NewResponseHandler(svc, exec, messaging.WithDedup(st), messaging.WithOutbox(st))
		sender := store.NewOutboxSender(st, handler.SendOutboxMessage, store.DefaultOutboxPollInterval)
		if err := sender.RecoverStaleMessages(); err != nil {
			slog.Warn("run: outbox recovery failed", "error", err)
		}
		handler.Start(ctx)
		go func() {
			defer close(senderDone)
			sender.Run(ctx)
		}()
	}

	apiOpts := []api.Option{api.WithAddr(f.APIAddr), api.WithSubmissions(st)}
	if twilioSvc != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(twilioSvc.WebhookHandler))
	}
	serveErr := api.NewServer(exec, reg, apiOpts...).Run(ctx)

	// The API returning for any reason ends the process.
	cancel()
	<-senderDone
	if svc != nil {
		if err := svc.Stop(); err != nil && !errors.Is(err, messaging.ErrServiceStopped) {
			slog.Warn("run: channel stop failed", "error", err)
		}
		handler.Wait()
	}
	return serveErr
}
