// Package transcribe turns voice notes into text.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/taskbot/internal/config"
	"github.com/basket/taskbot/internal/otel"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrDisabled means no transcription endpoint is configured.
var ErrDisabled = errors.New("transcription not configured")

// ErrEmptyTranscript is returned when the audio held no recognizable speech.
var ErrEmptyTranscript = errors.New("empty transcript")

// Transcriber converts the audio file at path to text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// Disabled is the Transcriber used when nothing is configured.
type Disabled struct{}

func (Disabled) Transcribe(context.Context, string) (string, error) {
	return "", ErrDisabled
}

// Whisper calls an OpenAI-compatible /audio/transcriptions endpoint.
type Whisper struct {
	client  openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
	metrics *otel.Metrics
}

// NewWhisper returns ErrDisabled when neither a key nor a base URL is set.
// Requests are never retried by the SDK.
func NewWhisper(cfg config.Config, logger *slog.Logger, metrics *otel.Metrics) (*Whisper, error) {
	if !cfg.TranscriptionConfigured() {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = slog.Default()
	}
	key := cfg.Transcription.APIKey
	if key == "" {
		// Self-hosted servers ignore the key; the SDK requires one.
		key = "unused"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.Transcription.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(base, "/")+"/"))
	}
	timeout := cfg.TranscriptionTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Whisper{
		client:  openai.NewClient(opts...),
		model:   cfg.Transcription.Model,
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
	}, nil
}

func (w *Whisper) Transcribe(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	res, err := w.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(f, filepath.Base(path), "audio/ogg"),
		Model: openai.AudioModel(w.model),
	})
	elapsed := time.Since(start)
	if err != nil {
		w.metrics.RecordTranscription(ctx, elapsed, false)
		return "", fmt.Errorf("transcribe: %w", err)
	}
	text := strings.TrimSpace(res.Text)
	w.metrics.RecordTranscription(ctx, elapsed, text != "")
	if text == "" {
		return "", ErrEmptyTranscript
	}
	w.logger.Debug("voice transcribed", "chars", len(text), "duration_ms", elapsed.Milliseconds())
	return text, nil
}
