package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskbot/internal/shared"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	defaultLaneBuffer     = 16
	defaultRequestTimeout = 30 * time.Second
	longPollSeconds       = 60
	laneIdleTimeout       = 30 * time.Second
	maxMessageRunes   = 4096
	// Bot API downloads are capped at 20 MB.
	maxAudioBytes = 20 << 20
)

// TelegramOptions configures the Telegram channel. APIEndpoint and
// FileEndpoint are tgbotapi format strings and default to the public API.
type TelegramOptions struct {
	Token        string
	LaneBuffer   int
	APIEndpoint  string
	FileEndpoint string
	// RequestTimeout bounds every Bot API request beyond the long-poll
	// wait, since tgbotapi calls take no context.
	RequestTimeout time.Duration
}

// TelegramChannel implements Channel over the Telegram Bot API using long
// polling. Only private chats are served; the chat identity is the sender's
// numeric user id.
type TelegramChannel struct {
	opts    TelegramOptions
	logger  *slog.Logger
	bot     *tgbotapi.BotAPI
	handler Handler

	lanesMu sync.Mutex
	lanes   map[string]chan func(context.Context)
	laneWG  sync.WaitGroup
}

var _ Channel = (*TelegramChannel)(nil)

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(opts TelegramOptions, logger *slog.Logger) *TelegramChannel {
	if opts.LaneBuffer <= 0 {
		opts.LaneBuffer = defaultLaneBuffer
	}
	if opts.FileEndpoint == "" {
		opts.FileEndpoint = tgbotapi.FileEndpoint
	}
	if opts.APIEndpoint == "" {
		opts.APIEndpoint = tgbotapi.APIEndpoint
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		opts:   opts,
		logger: logger,
		lanes:  make(map[string]chan func(context.Context)),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Connect authenticates the token with getMe. Start calls it when needed.
func (t *TelegramChannel) Connect() (string, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(t.opts.Token, t.opts.APIEndpoint, t.httpClient())
	if err != nil {
		return "", fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	return bot.Self.UserName, nil
}

// httpClient is shared by getUpdates and every other call, so its timeout
// has to leave room for the long poll.
func (t *TelegramChannel) httpClient() *http.Client {
	return &http.Client{Timeout: longPollSeconds*time.Second + t.opts.RequestTimeout}
}

func (t *TelegramChannel) Start(ctx context.Context, h Handler) error {
	t.handler = h
	if t.bot == nil {
		if _, err := t.Connect(); err != nil {
			return err
		}
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)
	defer t.laneWG.Wait()

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = longPollSeconds
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5 minutes,
	// the connection is likely dead (the library blocks rather than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			t.handleUpdate(ctx, update)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// handleUpdate converts a private-chat message into an event and queues it
// on the sender's lane.
func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	if !msg.Chat.IsPrivate() {
		t.logger.Debug("telegram non-private chat ignored", "chat_id", msg.Chat.ID, "chat_type", msg.Chat.Type)
		return
	}
	chatIdentity := strconv.FormatInt(msg.From.ID, 10)

	switch {
	case msg.Voice != nil:
		ev := VoiceEvent{
			ChatIdentity: chatIdentity,
			AudioRef:     msg.Voice.FileID,
			MimeType:     msg.Voice.MimeType,
			Duration:     time.Duration(msg.Voice.Duration) * time.Second,
		}
		t.enqueue(ctx, chatIdentity, func(ctx context.Context) { t.handler.HandleVoice(ctx, ev) })
	case strings.TrimSpace(msg.Text) != "":
		ev := TextEvent{ChatIdentity: chatIdentity, Text: msg.Text}
		t.enqueue(ctx, chatIdentity, func(ctx context.Context) { t.handler.HandleText(ctx, ev) })
	}
}

// enqueue hands job to the lane of chatIdentity, starting the lane if it is
// not running. Jobs of one identity run one at a time in arrival order.
func (t *TelegramChannel) enqueue(ctx context.Context, chatIdentity string, job func(context.Context)) {
	t.lanesMu.Lock()
	defer t.lanesMu.Unlock()

	lane, ok := t.lanes[chatIdentity]
	if !ok {
		lane = make(chan func(context.Context), t.opts.LaneBuffer)
		t.lanes[chatIdentity] = lane
		t.laneWG.Add(1)
		go t.runLane(ctx, chatIdentity, lane)
	}
	select {
	case lane <- job:
	default:
		t.logger.Warn("telegram lane full, message dropped", "chat_identity", chatIdentity)
	}
}

func (t *TelegramChannel) runLane(ctx context.Context, chatIdentity string, lane chan func(context.Context)) {
	defer t.laneWG.Done()
	idle := time.NewTimer(laneIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case job := <-lane:
			job(ctx)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(laneIdleTimeout)
		case <-idle.C:
			t.lanesMu.Lock()
			if len(lane) == 0 {
				delete(t.lanes, chatIdentity)
				t.lanesMu.Unlock()
				return
			}
			t.lanesMu.Unlock()
			idle.Reset(laneIdleTimeout)
		case <-ctx.Done():
			t.lanesMu.Lock()
			delete(t.lanes, chatIdentity)
			t.lanesMu.Unlock()
			return
		}
	}
}

func parseChatID(chatIdentity string) (int64, error) {
	id, err := strconv.ParseInt(chatIdentity, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat identity %q", chatIdentity)
	}
	return id, nil
}

// Reply sends text, split into several messages when it exceeds the
// Telegram message size.
func (t *TelegramChannel) Reply(ctx context.Context, chatIdentity, text string) error {
	chatID, err := parseChatID(chatIdentity)
	if err != nil {
		return err
	}
	for _, chunk := range splitMessage(text, maxMessageRunes) {
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func (t *TelegramChannel) SetPresence(ctx context.Context, chatIdentity string, p Presence) error {
	chatID, err := parseChatID(chatIdentity)
	if err != nil {
		return err
	}
	action := tgbotapi.ChatTyping
	if p == PresenceRecordVoice {
		action = tgbotapi.ChatRecordVoice
	}
	if _, err := t.bot.Request(tgbotapi.NewChatAction(chatID, action)); err != nil {
		return fmt.Errorf("telegram chat action: %w", err)
	}
	return nil
}

// FetchAudio downloads a voice file into a new temp file. Non-audio content
// is logged but still returned; the transcriber decides. The download honors
// ctx; the getFile lookup before it is bounded by the client timeout only.
func (t *TelegramChannel) FetchAudio(ctx context.Context, audioRef string) (string, error) {
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: audioRef})
	if err != nil {
		return "", fmt.Errorf("telegram get file: %w", err)
	}
	url := fmt.Sprintf(t.opts.FileEndpoint, t.bot.Token, file.FilePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("telegram download: %w", err)
	}
	resp, err := t.bot.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("telegram download: %s", shared.Redact(err.Error()))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("telegram download: status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "taskbot-voice-*.ogg")
	if err != nil {
		return "", fmt.Errorf("create temp audio: %w", err)
	}
	path := tmp.Name()
	if err := t.copyAudio(ctx, tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close temp audio: %w", err)
	}
	return path, nil
}

func (t *TelegramChannel) copyAudio(ctx context.Context, dst io.Writer, src io.Reader) error {
	body := io.LimitReader(src, maxAudioBytes+1)
	head := make([]byte, 512)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read audio: %w", err)
	}
	head = head[:n]
	if mime := http.DetectContentType(head); !isAudioContentType(mime) {
		t.logger.Warn("unexpected voice content type", "trace_id", shared.TraceID(ctx), "mime", mime)
	}
	if _, err := dst.Write(head); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	written, err := io.Copy(dst, body)
	if err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	if int64(n)+written > maxAudioBytes {
		return fmt.Errorf("voice file exceeds %d bytes", maxAudioBytes)
	}
	return nil
}

func isAudioContentType(mime string) bool {
	return strings.HasPrefix(mime, "audio/") || strings.HasPrefix(mime, "application/ogg")
}

// splitMessage cuts text into chunks of at most limit runes, preferring
// line breaks.
func splitMessage(text string, limit int) []string {
	r := []rune(text)
	if len(r) <= limit {
		return []string{text}
	}
	var out []string
	for len(r) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if r[i-1] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, string(r[:cut]))
		r = r[cut:]
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}
