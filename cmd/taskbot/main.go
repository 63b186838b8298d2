package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskbot/internal/audit"
	"github.com/basket/taskbot/internal/bus"
	"github.com/basket/taskbot/internal/channels"
	"github.com/basket/taskbot/internal/config"
	"github.com/basket/taskbot/internal/cron"
	"github.com/basket/taskbot/internal/dispatch"
	"github.com/basket/taskbot/internal/intent"
	"github.com/basket/taskbot/internal/linking"
	"github.com/basket/taskbot/internal/llm"
	"github.com/basket/taskbot/internal/notify"
	otelPkg "github.com/basket/taskbot/internal/otel"
	"github.com/basket/taskbot/internal/persistence"
	"github.com/basket/taskbot/internal/router"
	"github.com/basket/taskbot/internal/taskcontext"
	"github.com/basket/taskbot/internal/telemetry"
	"github.com/basket/taskbot/internal/transcribe"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: %[1]s [command]

COMMANDS:
  %[1]s serve                 Run the Telegram bot (default)
  %[1]s doctor [-json]        Run diagnostic checks
  %[1]s account add <email>   Create an account that can be linked from Telegram

ENVIRONMENT VARIABLES:
  TASKBOT_HOME            Data directory (default: ~/.taskbot)
  TELEGRAM_BOT_TOKEN      Bot API token (required)
  TASKBOT_LLM_PROVIDER    ollama, openai, openai_compatible, google, anthropic
  MAILGUN_API_KEY         Enables account linking by email
  OPENAI_API_KEY          Also used for voice transcription
`, os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}
	switch cmd {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	case "serve":
		runServe(ctx)
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args, os.Stdout, isatty.IsTerminal(os.Stdout.Fd())))
	case "account":
		os.Exit(runAccountCommand(ctx, args, os.Stdout, os.Stderr))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(2)
	}
}

func runServe(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes first so that logger failures are recorded too.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		fatalStartup(logger, "E_CONFIG_INVALID", err)
	}
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint(), "version", Version)

	eventBus := bus.New()
	defer eventBus.Close()

	// No-op when disabled.
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	store.SetOpTimeout(cfg.StoreTimeout())
	audit.SetDB(store.DB())
	auditDone := audit.Subscribe(ctx, eventBus)
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	model, err := llm.NewGenkitClient(ctx, cfg.LLM, llm.Options{
		Logger:  logger,
		Tracer:  otelProvider.Tracer,
		Metrics: metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_LLM_INIT", err)
	}
	classifier, err := intent.New(model, cfg.ClassifyTimeout(), logger, metrics)
	if err != nil {
		fatalStartup(logger, "E_CLASSIFIER_INIT", err)
	}
	dispatcher := dispatch.New(store, taskcontext.New(store), model, cfg.GenerateTimeout(), logger)

	var sender notify.Sender
	if mg, err := notify.NewMailgun(cfg, logger); err == nil {
		sender = mg
	} else if errors.Is(err, notify.ErrNotConfigured) {
		logger.Warn("mail not configured; account linking disabled")
	} else {
		fatalStartup(logger, "E_MAIL_INIT", err)
	}

	var transcriber transcribe.Transcriber = transcribe.Disabled{}
	if w, err := transcribe.NewWhisper(cfg, logger, metrics); err == nil {
		transcriber = w
	} else if errors.Is(err, transcribe.ErrDisabled) {
		logger.Warn("transcription not configured; voice messages will not be understood")
	} else {
		fatalStartup(logger, "E_TRANSCRIBE_INIT", err)
	}

	linker := linking.New(store, sender, linking.Options{
		CodeTTL:     cfg.CodeTTL(),
		ProductName: cfg.ProductName,
		Bus:         eventBus,
		Logger:      logger,
		Metrics:     metrics,
	})

	tg := channels.NewTelegramChannel(channels.TelegramOptions{
		Token:          cfg.Telegram.Token,
		LaneBuffer:     cfg.Telegram.LaneBuffer,
		RequestTimeout: cfg.TelegramRequestTimeout(),
	}, logger)
	if _, err := tg.Connect(); err != nil {
		fatalStartup(logger, "E_TELEGRAM_CONNECT", err)
	}

	rt := router.New(router.Deps{
		Transport:    tg,
		Linker:       linker,
		Sessions:     linking.NewSessions(cfg.SessionTTL(), nil, metrics),
		Classifier:   classifier,
		Dispatcher:   dispatcher,
		Transcriber:  transcriber,
		FetchTimeout: cfg.FetchTimeout(),
		ProductName:  cfg.ProductName,
		Logger:       logger,
		Tracer:       otelProvider.Tracer,
		Metrics:      metrics,
	})

	scheduler, err := cron.NewScheduler(cron.Config{
		Sessions: rt,
		Codes:    store,
		Logger:   logger,
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go watchConfig(confWatcher, level, logger)

	logger.Info("startup phase", "phase", "serving",
		"linking_enabled", linker.Enabled(),
		"transcription_enabled", cfg.TranscriptionConfigured(),
	)
	if err := tg.Start(ctx, rt); err != nil {
		logger.Error("telegram channel stopped", "error", err)
	}
	cancel()
	<-auditDone
	logger.Info("shutdown complete")
}

// watchConfig applies log level changes from config.yaml. Other settings
// need a restart.
func watchConfig(w *config.Watcher, level *slog.LevelVar, logger *slog.Logger) {
	for ev := range w.Events() {
		if ev.Err != nil {
			logger.Error("config reload rejected; retaining previous settings", "path", ev.Path, "error", ev.Err)
			continue
		}
		level.Set(telemetry.ParseLevel(ev.Config.LogLevel))
		logger.Info("config hot-reloaded", "path", ev.Path, "log_level", level.Level().String(), "fingerprint", ev.Config.Fingerprint())
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv sets variables from a .env file. Variables already present in
// the environment win.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
