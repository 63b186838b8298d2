package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported LLM providers.
const (
	ProviderOllama           = "ollama"
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai_compatible"
	ProviderGoogle           = "google"
	ProviderAnthropic        = "anthropic"
)

type TelegramConfig struct {
	Token string `yaml:"token"`
	// LaneBuffer bounds the number of queued events per chat identity.
	LaneBuffer int `yaml:"lane_buffer"`
	// RequestTimeoutSeconds bounds Bot API calls on top of the long poll.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	// FetchTimeoutSeconds bounds a voice file download.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds"`
}

type LLMConfig struct {
	// Provider names the active LLM provider: "ollama", "openai",
	// "openai_compatible", "google", "anthropic".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// BaseURL is required for self-hosted providers (ollama, openai_compatible).
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	ClassifyTimeoutSeconds int `yaml:"classify_timeout_seconds"`
	GenerateTimeoutSeconds int `yaml:"generate_timeout_seconds"`
}

type MailConfig struct {
	APIKey    string `yaml:"api_key"`
	Domain    string `yaml:"domain"`
	FromEmail string `yaml:"from_email"`
	// APIBase selects the Mailgun region, e.g. https://api.eu.mailgun.net/v3.
	APIBase        string `yaml:"api_base"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type TranscriptionConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type LinkingConfig struct {
	CodeTTLMinutes    int `yaml:"code_ttl_minutes"`
	SessionTTLMinutes int `yaml:"session_ttl_minutes"`
}

type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel    string `yaml:"log_level"`
	ProductName string `yaml:"product_name"`

	DBPath              string `yaml:"db_path"`
	StoreTimeoutSeconds int    `yaml:"store_timeout_seconds"`

	Telegram      TelegramConfig      `yaml:"telegram"`
	LLM           LLMConfig           `yaml:"llm"`
	Mail          MailConfig          `yaml:"mail"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Linking       LinkingConfig       `yaml:"linking"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// ConfigurationError reports required settings that are absent or invalid.
// The process must not start serving when Validate returns one.
type ConfigurationError struct {
	Missing []string
	Invalid []string
}

func (e *ConfigurationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(e.Invalid, ", "))
	}
	return "configuration incomplete: " + strings.Join(parts, "; ")
}

// Validate checks the settings needed to serve. Mail and transcription are
// optional and never reported here.
func (c Config) Validate() error {
	cerr := &ConfigurationError{}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		cerr.Missing = append(cerr.Missing, "telegram.token (TELEGRAM_BOT_TOKEN)")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		cerr.Missing = append(cerr.Missing, "db_path (TASKBOT_DB_PATH)")
	}
	switch c.LLM.Provider {
	case "":
		cerr.Missing = append(cerr.Missing, "llm.provider (TASKBOT_LLM_PROVIDER)")
	case ProviderOllama, ProviderOpenAICompatible:
		if strings.TrimSpace(c.LLM.BaseURL) == "" {
			cerr.Missing = append(cerr.Missing, "llm.base_url")
		}
	case ProviderOpenAI, ProviderGoogle, ProviderAnthropic:
		if strings.TrimSpace(c.LLM.APIKey) == "" {
			cerr.Missing = append(cerr.Missing, "llm.api_key ("+apiKeyEnv[c.LLM.Provider]+")")
		}
	default:
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("llm.provider %q", c.LLM.Provider))
	}
	if c.LLM.Provider != "" && strings.TrimSpace(c.LLM.Model) == "" {
		cerr.Missing = append(cerr.Missing, "llm.model (TASKBOT_LLM_MODEL)")
	}
	if len(cerr.Missing) == 0 && len(cerr.Invalid) == 0 {
		return nil
	}
	return cerr
}

// MailConfigured reports whether link-code emails can be sent.
func (c Config) MailConfigured() bool {
	return c.Mail.APIKey != "" && c.Mail.Domain != "" && c.Mail.FromEmail != ""
}

// TranscriptionConfigured reports whether voice messages can be transcribed.
// A self-hosted endpoint may not need a key.
func (c Config) TranscriptionConfigured() bool {
	return c.Transcription.APIKey != "" || c.Transcription.BaseURL != ""
}

func (c Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}

func (c Config) ClassifyTimeout() time.Duration {
	return time.Duration(c.LLM.ClassifyTimeoutSeconds) * time.Second
}

func (c Config) GenerateTimeout() time.Duration {
	return time.Duration(c.LLM.GenerateTimeoutSeconds) * time.Second
}

func (c Config) TelegramRequestTimeout() time.Duration {
	return time.Duration(c.Telegram.RequestTimeoutSeconds) * time.Second
}

func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Telegram.FetchTimeoutSeconds) * time.Second
}

func (c Config) MailTimeout() time.Duration {
	return time.Duration(c.Mail.TimeoutSeconds) * time.Second
}

func (c Config) TranscriptionTimeout() time.Duration {
	return time.Duration(c.Transcription.TimeoutSeconds) * time.Second
}

func (c Config) CodeTTL() time.Duration {
	return time.Duration(c.Linking.CodeTTLMinutes) * time.Minute
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Linking.SessionTTLMinutes) * time.Minute
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the non-secret settings, logged at
// startup and on reload so operators can tell which config is live.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|db=%s|provider=%s|model=%s|base=%s|mail=%t|voice=%t",
		c.LogLevel, c.DBPath, c.LLM.Provider, c.LLM.Model, c.LLM.BaseURL,
		c.MailConfigured(), c.TranscriptionConfigured())
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		ProductName:         "TaskBot",
		StoreTimeoutSeconds: 5,
		Telegram: TelegramConfig{
			LaneBuffer:            16,
			RequestTimeoutSeconds: 30,
			FetchTimeoutSeconds:   30,
		},
		LLM: LLMConfig{
			ClassifyTimeoutSeconds: 20,
			GenerateTimeoutSeconds: 60,
		},
		Mail: MailConfig{
			APIBase:        "https://api.mailgun.net/v3",
			TimeoutSeconds: 10,
		},
		Transcription: TranscriptionConfig{
			Model:          "whisper-1",
			TimeoutSeconds: 60,
		},
		Linking: LinkingConfig{
			CodeTTLMinutes:    10,
			SessionTTLMinutes: 5,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKBOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskbot")
}

// Load reads config.yaml from the home directory, applies env overrides and
// defaults. It does not call Validate so that diagnostics can run against an
// incomplete config.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskbot home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.ProductName) == "" {
		cfg.ProductName = "TaskBot"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskbot.db")
	}
	if cfg.StoreTimeoutSeconds <= 0 {
		cfg.StoreTimeoutSeconds = 5
	}
	if cfg.Telegram.LaneBuffer <= 0 {
		cfg.Telegram.LaneBuffer = 16
	}
	if cfg.Telegram.RequestTimeoutSeconds <= 0 {
		cfg.Telegram.RequestTimeoutSeconds = 30
	}
	if cfg.Telegram.FetchTimeoutSeconds <= 0 {
		cfg.Telegram.FetchTimeoutSeconds = 30
	}

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = ProviderGoogle
	}
	if cfg.LLM.Provider == ProviderOllama && cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = DefaultOllamaBaseURL
	}
	cfg.LLM.BaseURL = strings.TrimRight(cfg.LLM.BaseURL, "/")
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultModel(cfg.LLM.Provider)
	}
	if cfg.LLM.ClassifyTimeoutSeconds <= 0 {
		cfg.LLM.ClassifyTimeoutSeconds = 20
	}
	if cfg.LLM.GenerateTimeoutSeconds <= 0 {
		cfg.LLM.GenerateTimeoutSeconds = 60
	}

	if cfg.Mail.APIBase == "" {
		cfg.Mail.APIBase = "https://api.mailgun.net/v3"
	}
	if cfg.Mail.TimeoutSeconds <= 0 {
		cfg.Mail.TimeoutSeconds = 10
	}
	if cfg.Transcription.Model == "" {
		cfg.Transcription.Model = "whisper-1"
	}
	if cfg.Transcription.TimeoutSeconds <= 0 {
		cfg.Transcription.TimeoutSeconds = 60
	}
	if cfg.Linking.CodeTTLMinutes <= 0 {
		cfg.Linking.CodeTTLMinutes = 10
	}
	if cfg.Linking.SessionTTLMinutes <= 0 {
		cfg.Linking.SessionTTLMinutes = 5
	}
}

var apiKeyEnv = map[string]string{
	ProviderOpenAI:           "OPENAI_API_KEY",
	ProviderOpenAICompatible: "OPENAI_API_KEY",
	ProviderGoogle:           "GEMINI_API_KEY",
	ProviderAnthropic:        "ANTHROPIC_API_KEY",
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
	if raw := os.Getenv("TASKBOT_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKBOT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKBOT_STORE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.StoreTimeoutSeconds = v
		}
	}

	if raw := os.Getenv("TASKBOT_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = ProviderOllama
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if provider == ProviderOllama {
		if raw := os.Getenv("OLLAMA_BASE_URL"); raw != "" {
			cfg.LLM.BaseURL = raw
		}
		if raw := os.Getenv("OLLAMA_MODEL"); raw != "" {
			cfg.LLM.Model = raw
		}
	}
	if raw := os.Getenv("TASKBOT_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if envVar, ok := apiKeyEnv[provider]; ok {
		if raw := os.Getenv(envVar); raw != "" {
			cfg.LLM.APIKey = raw
		}
	}

	// Whisper shares the OpenAI key unless a dedicated one is configured.
	if raw := os.Getenv("OPENAI_API_KEY"); raw != "" && cfg.Transcription.APIKey == "" {
		cfg.Transcription.APIKey = raw
	}
	if raw := os.Getenv("WHISPER_API_BASE"); raw != "" {
		cfg.Transcription.BaseURL = raw
	}
	if raw := os.Getenv("WHISPER_MODEL"); raw != "" {
		cfg.Transcription.Model = raw
	}

	if raw := os.Getenv("MAILGUN_API_KEY"); raw != "" {
		cfg.Mail.APIKey = raw
	}
	if raw := os.Getenv("MAILGUN_DOMAIN"); raw != "" {
		cfg.Mail.Domain = raw
	}
	if raw := os.Getenv("MAILGUN_FROM_EMAIL"); raw != "" {
		cfg.Mail.FromEmail = raw
	}
	if raw := os.Getenv("MAILGUN_API_URL"); raw != "" {
		cfg.Mail.APIBase = raw
	}
}
