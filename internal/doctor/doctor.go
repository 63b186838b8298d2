// Package doctor runs the startup diagnostics behind `taskbot doctor`.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/taskbot/internal/config"
	"github.com/basket/taskbot/internal/llm"
	"github.com/basket/taskbot/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Options carries the probes that need live collaborators. A nil probe skips
// its check.
type Options struct {
	Version string
	// TelegramProbe authenticates the bot token and returns the bot username.
	TelegramProbe func(ctx context.Context) (string, error)
	// ModelProbe checks that the configured model endpoint answers. Defaults
	// to an Ollama tag lookup or a DNS lookup of the hosted API.
	ModelProbe func(ctx context.Context, cfg config.LLMConfig) error
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, opts Options) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: opts.Version,
		},
	}
	if opts.ModelProbe == nil {
		opts.ModelProbe = probeModel
	}

	d.Results = append(d.Results,
		checkConfig(cfg),
		checkDatabase(ctx, cfg),
		checkModel(ctx, cfg, opts.ModelProbe),
		checkTelegram(ctx, cfg, opts.TelegramProbe),
		checkMail(cfg),
		checkTranscription(cfg),
	)
	return d
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

func checkConfig(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: err.Error(), Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.DBPath == "" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "No database path"}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Directory unwritable: %v", err)}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid", Detail: cfg.DBPath}
}

func checkModel(ctx context.Context, cfg *config.Config, probe func(context.Context, config.LLMConfig) error) CheckResult {
	if cfg == nil || cfg.LLM.Provider == "" {
		return CheckResult{Name: "Model", Status: StatusSkip, Message: "No provider configured"}
	}
	detail := fmt.Sprintf("provider=%s, model=%s", cfg.LLM.Provider, cfg.LLM.Model)
	start := time.Now()
	if err := probe(ctx, cfg.LLM); err != nil {
		return CheckResult{Name: "Model", Status: StatusFail, Message: err.Error(), Detail: detail}
	}
	return CheckResult{
		Name:    "Model",
		Status:  StatusPass,
		Message: fmt.Sprintf("Endpoint reachable (%dms)", time.Since(start).Milliseconds()),
		Detail:  detail,
	}
}

var hostedEndpoints = map[string]string{
	config.ProviderGoogle:    "generativelanguage.googleapis.com",
	config.ProviderAnthropic: "api.anthropic.com",
	config.ProviderOpenAI:    "api.openai.com",
}

func probeModel(ctx context.Context, cfg config.LLMConfig) error {
	if cfg.Provider == config.ProviderOllama {
		return llm.ProbeOllama(ctx, cfg.BaseURL, cfg.Model)
	}
	host := hostedEndpoints[cfg.Provider]
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || u.Hostname() == "" {
			return fmt.Errorf("invalid base_url %q", cfg.BaseURL)
		}
		host = u.Hostname()
	}
	if host == "" {
		return fmt.Errorf("no endpoint known for provider %q", cfg.Provider)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := net.DefaultResolver.LookupHost(lookupCtx, host); err != nil {
		return fmt.Errorf("DNS lookup failed for %s: %w", host, err)
	}
	return nil
}

func checkTelegram(ctx context.Context, cfg *config.Config, probe func(context.Context) (string, error)) CheckResult {
	if cfg == nil || cfg.Telegram.Token == "" {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "No bot token"}
	}
	if probe == nil {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Token not verified"}
	}
	user, err := probe(ctx)
	if err != nil {
		return CheckResult{Name: "Telegram", Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Name: "Telegram", Status: StatusPass, Message: fmt.Sprintf("Authenticated as @%s", user)}
}

// Mail and transcription are optional; missing settings only degrade.
func checkMail(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Mail", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.MailConfigured() {
		return CheckResult{
			Name:    "Mail",
			Status:  StatusWarn,
			Message: "Not configured; account linking is disabled",
			Detail:  "Set MAILGUN_API_KEY, MAILGUN_DOMAIN and MAILGUN_FROM_EMAIL",
		}
	}
	return CheckResult{Name: "Mail", Status: StatusPass, Message: fmt.Sprintf("Mailgun domain %s", cfg.Mail.Domain)}
}

func checkTranscription(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Transcription", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.TranscriptionConfigured() {
		return CheckResult{
			Name:    "Transcription",
			Status:  StatusWarn,
			Message: "Not configured; voice messages will not be understood",
			Detail:  "Set OPENAI_API_KEY or WHISPER_API_BASE",
		}
	}
	return CheckResult{Name: "Transcription", Status: StatusPass, Message: fmt.Sprintf("Model %s", cfg.Transcription.Model)}
}

// WriteJSON writes d as indented JSON.
func WriteJSON(w io.Writer, d Diagnosis) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

// WriteText writes the human-readable report.
func WriteText(w io.Writer, d Diagnosis) error {
	var errs []error
	printf := func(format string, args ...any) {
		if _, err := fmt.Fprintf(w, format, args...); err != nil {
			errs = append(errs, err)
		}
	}
	printf("TaskBot Doctor Report (%s)\n", d.Timestamp.Format(time.RFC3339))
	printf("System: %s/%s (%s) %s\n", d.System.OS, d.System.Arch, d.System.Go, d.System.Version)
	printf("---\n")
	for _, res := range d.Results {
		icon := "✅"
		switch res.Status {
		case StatusFail:
			icon = "❌"
		case StatusWarn:
			icon = "⚠️ "
		case StatusSkip:
			icon = "⏩"
		}
		printf("%s %-15s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			printf("    %s\n", res.Detail)
		}
	}
	return errors.Join(errs...)
}
