package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskbot/internal/config"
)

var envKeys = []string{
	"TELEGRAM_BOT_TOKEN", "TASKBOT_DB_PATH", "TASKBOT_LOG_LEVEL", "TASKBOT_STORE_TIMEOUT_SECONDS",
	"TASKBOT_LLM_PROVIDER", "TASKBOT_LLM_MODEL", "OLLAMA_BASE_URL", "OLLAMA_MODEL",
	"OPENAI_API_KEY", "GEMINI_API_KEY", "ANTHROPIC_API_KEY",
	"WHISPER_API_BASE", "WHISPER_MODEL",
	"MAILGUN_API_KEY", "MAILGUN_DOMAIN", "MAILGUN_FROM_EMAIL", "MAILGUN_API_URL",
}

// setupHome points TASKBOT_HOME at a temp dir, clears every env override and
// optionally writes config.yaml.
func setupHome(t *testing.T, yaml string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TASKBOT_HOME", home)
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
	if yaml != "" {
		if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	return home
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := setupHome(t, "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %q, got %q", home, cfg.HomeDir)
	}
	if cfg.DBPath != filepath.Join(home, "taskbot.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.LLM.Provider != config.ProviderOllama {
		t.Fatalf("expected default provider ollama, got %q", cfg.LLM.Provider)
	}
	if cfg.LLM.BaseURL != config.DefaultOllamaBaseURL {
		t.Fatalf("expected default ollama url, got %q", cfg.LLM.BaseURL)
	}
	if cfg.LLM.Model != "deepseek-coder:6.7b" {
		t.Fatalf("unexpected default model %q", cfg.LLM.Model)
	}
	if cfg.CodeTTL().Minutes() != 10 || cfg.SessionTTL().Minutes() != 5 {
		t.Fatalf("unexpected linking ttls: %v %v", cfg.CodeTTL(), cfg.SessionTTL())
	}
	if cfg.FetchTimeout() != 30*time.Second || cfg.TelegramRequestTimeout() != 30*time.Second {
		t.Fatalf("unexpected telegram timeouts: fetch %v request %v", cfg.FetchTimeout(), cfg.TelegramRequestTimeout())
	}
	if cfg.ClassifyTimeout() >= cfg.GenerateTimeout() {
		t.Fatalf("classify timeout should be shorter than generate timeout")
	}
	if cfg.MailConfigured() {
		t.Fatal("mail should not be configured by default")
	}
	if cfg.TranscriptionConfigured() {
		t.Fatal("transcription should not be configured by default")
	}
}

func TestLoad_FromYAML(t *testing.T) {
	setupHome(t, `
log_level: debug
product_name: Acme Tasks
llm:
  provider: anthropic
  model: claude-sonnet-4-5
  api_key: yaml-key
linking:
  code_ttl_minutes: 3
`)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.ProductName != "Acme Tasks" {
		t.Fatalf("unexpected top-level values: %+v", cfg)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.Model != "claude-sonnet-4-5" || cfg.LLM.APIKey != "yaml-key" {
		t.Fatalf("unexpected llm config: %+v", cfg.LLM)
	}
	if cfg.Linking.CodeTTLMinutes != 3 {
		t.Fatalf("expected code ttl 3, got %d", cfg.Linking.CodeTTLMinutes)
	}
	if cfg.Linking.SessionTTLMinutes != 5 {
		t.Fatalf("expected default session ttl, got %d", cfg.Linking.SessionTTLMinutes)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	setupHome(t, "llm:\n  provider: ollama\n  model: llama3\n")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("OLLAMA_BASE_URL", "http://gpu-box:11434/")
	t.Setenv("OLLAMA_MODEL", "qwen2.5")
	t.Setenv("MAILGUN_API_KEY", "mg-key")
	t.Setenv("MAILGUN_DOMAIN", "mg.example.com")
	t.Setenv("MAILGUN_FROM_EMAIL", "bot@example.com")
	t.Setenv("WHISPER_API_BASE", "http://whisper.local/v1")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("expected token override, got %q", cfg.Telegram.Token)
	}
	if cfg.LLM.BaseURL != "http://gpu-box:11434" {
		t.Fatalf("expected trimmed base url override, got %q", cfg.LLM.BaseURL)
	}
	if cfg.LLM.Model != "qwen2.5" {
		t.Fatalf("expected OLLAMA_MODEL override, got %q", cfg.LLM.Model)
	}
	if !cfg.MailConfigured() {
		t.Fatal("expected mail configured from env")
	}
	if !cfg.TranscriptionConfigured() {
		t.Fatal("expected transcription configured from WHISPER_API_BASE")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoad_ProviderKeyFromEnv(t *testing.T) {
	setupHome(t, "")
	t.Setenv("TASKBOT_LLM_PROVIDER", "google")
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("OPENAI_API_KEY", "o-key")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LLM.APIKey != "g-key" {
		t.Fatalf("expected google key, got %q", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "gemini-2.5-flash" {
		t.Fatalf("expected default google model, got %q", cfg.LLM.Model)
	}
	if cfg.Transcription.APIKey != "o-key" {
		t.Fatalf("expected whisper to share the openai key, got %q", cfg.Transcription.APIKey)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	setupHome(t, "llm: [unclosed\n")
	if _, err := config.Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate_ReportsMissingKeys(t *testing.T) {
	setupHome(t, "")
	t.Setenv("TASKBOT_LLM_PROVIDER", "openai")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	err = cfg.Validate()
	var cerr *config.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	joined := strings.Join(cerr.Missing, "|")
	if !strings.Contains(joined, "telegram.token") {
		t.Fatalf("expected telegram.token missing, got %v", cerr.Missing)
	}
	if !strings.Contains(joined, "OPENAI_API_KEY") {
		t.Fatalf("expected api key missing, got %v", cerr.Missing)
	}
}

func TestValidate_UnknownProvider(t *testing.T) {
	cfg := config.Config{
		DBPath:   "/tmp/x.db",
		Telegram: config.TelegramConfig{Token: "t"},
		LLM:      config.LLMConfig{Provider: "watson", Model: "m"},
	}
	var cerr *config.ConfigurationError
	if err := cfg.Validate(); !errors.As(err, &cerr) || len(cerr.Invalid) != 1 {
		t.Fatalf("expected one invalid entry, got %v", err)
	}
}

func TestValidate_OpenAICompatibleNeedsBaseURLAndModel(t *testing.T) {
	cfg := config.Config{
		DBPath:   "/tmp/x.db",
		Telegram: config.TelegramConfig{Token: "t"},
		LLM:      config.LLMConfig{Provider: config.ProviderOpenAICompatible},
	}
	var cerr *config.ConfigurationError
	if err := cfg.Validate(); !errors.As(err, &cerr) || len(cerr.Missing) != 2 {
		t.Fatalf("expected base_url and model missing, got %v", err)
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a := config.Config{LogLevel: "info", LLM: config.LLMConfig{Provider: "ollama", Model: "m"}}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("expected identical fingerprints")
	}
	b.LLM.Model = "other"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected fingerprint to change with model")
	}
	b = a
	b.LLM.APIKey = "secret"
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("api key must not affect fingerprint")
	}
}
