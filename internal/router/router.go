// Package router is the entry point for inbound chat events. It keeps the
// linking conversation state, authenticates chat identities and hands
// authenticated text to the classifier and dispatcher.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/basket/taskbot/internal/channels"
	"github.com/basket/taskbot/internal/dispatch"
	"github.com/basket/taskbot/internal/intent"
	"github.com/basket/taskbot/internal/linking"
	"github.com/basket/taskbot/internal/otel"
	"github.com/basket/taskbot/internal/persistence"
	"github.com/basket/taskbot/internal/shared"
	"github.com/basket/taskbot/internal/transcribe"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const defaultFetchTimeout = 30 * time.Second

// Linker is the identity linking surface the router drives.
type Linker interface {
	StartLink(ctx context.Context, chatIdentity string) linking.Result
	SubmitEmail(ctx context.Context, chatIdentity, email string) linking.Result
	SubmitCode(ctx context.Context, chatIdentity, code string) linking.Result
	Cancel(ctx context.Context, chatIdentity string) linking.Result
	Timeout(ctx context.Context, chatIdentity string) linking.Result
	TooManyAttempts(ctx context.Context, chatIdentity string) linking.Result
	Unlink(ctx context.Context, chatIdentity string) linking.Result
	BoundAccount(ctx context.Context, chatIdentity string) (*persistence.Account, bool, error)
}

type Classifier interface {
	Classify(ctx context.Context, utterance string) intent.Result
}

type Dispatcher interface {
	Execute(ctx context.Context, cmd dispatch.Command) string
}

type Deps struct {
	Transport   channels.Transport
	Linker      Linker
	Sessions    *linking.Sessions
	Classifier  Classifier
	Dispatcher  Dispatcher
	Transcriber transcribe.Transcriber
	// FetchTimeout bounds a voice download. Defaults to 30s.
	FetchTimeout time.Duration
	ProductName  string
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Metrics      *otel.Metrics
}

type Router struct {
	transport    channels.Transport
	linker       Linker
	sessions     *linking.Sessions
	classifier   Classifier
	dispatcher   Dispatcher
	transcriber  transcribe.Transcriber
	fetchTimeout time.Duration
	product      string
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *otel.Metrics
}

var _ channels.Handler = (*Router)(nil)

func New(d Deps) *Router {
	r := &Router{
		transport:    d.Transport,
		linker:       d.Linker,
		sessions:     d.Sessions,
		classifier:   d.Classifier,
		dispatcher:   d.Dispatcher,
		transcriber:  d.Transcriber,
		fetchTimeout: d.FetchTimeout,
		product:      d.ProductName,
		logger:       d.Logger,
		tracer:       d.Tracer,
		metrics:      d.Metrics,
	}
	if r.sessions == nil {
		r.sessions = linking.NewSessions(linking.DefaultSessionTTL, nil, d.Metrics)
	}
	if r.transcriber == nil {
		r.transcriber = transcribe.Disabled{}
	}
	if r.fetchTimeout <= 0 {
		r.fetchTimeout = defaultFetchTimeout
	}
	if r.product == "" {
		r.product = "TaskBot"
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.tracer == nil {
		r.tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return r
}

func (r *Router) begin(ctx context.Context, kind, chatIdentity string) (context.Context, trace.Span) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithChatIdentity(ctx, chatIdentity)
	r.metrics.RecordEvent(ctx, kind)
	return otel.StartServerSpan(ctx, r.tracer, "router."+kind,
		otel.AttrEventKind.String(kind),
		otel.AttrChatIdentity.String(chatIdentity),
	)
}

func (r *Router) recoverPanic(ctx context.Context, chatIdentity string) {
	if rec := recover(); rec != nil {
		r.logger.Error("event handler panic recovered",
			"trace_id", shared.TraceID(ctx),
			"chat_identity", chatIdentity,
			"panic", fmt.Sprint(rec),
		)
		r.reply(ctx, chatIdentity, dispatch.ReplyInternalError)
	}
}

func (r *Router) HandleText(ctx context.Context, ev channels.TextEvent) {
	ctx, span := r.begin(ctx, "text", ev.ChatIdentity)
	defer span.End()
	defer r.recoverPanic(ctx, ev.ChatIdentity)

	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}
	if name, ok := parseCommand(text); ok {
		r.handleCommand(ctx, ev.ChatIdentity, name)
		return
	}

	switch r.sessionState(ctx, ev.ChatIdentity) {
	case linking.AwaitEmail:
		r.applyLink(ctx, ev.ChatIdentity, r.linker.SubmitEmail(ctx, ev.ChatIdentity, text))
		return
	case linking.AwaitCode:
		res := r.linker.SubmitCode(ctx, ev.ChatIdentity, text)
		if res.Outcome == linking.OutcomeInvalidCode && r.sessions.FailCode(ev.ChatIdentity) >= linking.MaxCodeAttempts {
			res = r.linker.TooManyAttempts(ctx, ev.ChatIdentity)
		}
		r.applyLink(ctx, ev.ChatIdentity, res)
		return
	}

	acct, ok := r.authenticate(ctx, ev.ChatIdentity)
	if !ok {
		return
	}
	r.dispatchText(ctx, acct, channels.TextEvent{ChatIdentity: ev.ChatIdentity, Text: text})
}

func (r *Router) HandleVoice(ctx context.Context, ev channels.VoiceEvent) {
	ctx, span := r.begin(ctx, "voice", ev.ChatIdentity)
	defer span.End()
	defer r.recoverPanic(ctx, ev.ChatIdentity)

	if st := r.sessionState(ctx, ev.ChatIdentity); st != linking.Idle {
		r.reply(ctx, ev.ChatIdentity, replyTypeDuringLink)
		return
	}

	acct, ok := r.authenticate(ctx, ev.ChatIdentity)
	if !ok {
		return
	}

	r.presence(ctx, ev.ChatIdentity, channels.PresenceRecordVoice)
	path, err := r.fetchAudio(ctx, ev.AudioRef)
	if err != nil {
		r.logger.Error("voice download failed",
			"trace_id", shared.TraceID(ctx),
			"chat_identity", ev.ChatIdentity,
			"error", err,
		)
		span.RecordError(err)
		r.reply(ctx, ev.ChatIdentity, replyVoiceFailed)
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("temp audio cleanup failed", "path", path, "error", err)
		}
	}()

	r.presence(ctx, ev.ChatIdentity, channels.PresenceTyping)
	text, err := r.transcriber.Transcribe(ctx, path)
	if err != nil {
		r.logger.Warn("transcription failed",
			"trace_id", shared.TraceID(ctx),
			"chat_identity", ev.ChatIdentity,
			"error", err,
		)
		r.reply(ctx, ev.ChatIdentity, replyCouldNotTranscribe)
		return
	}
	r.logger.Info("voice transcribed", "trace_id", shared.TraceID(ctx), "account_id", acct.ID)
	r.dispatchText(ctx, acct, channels.TextEvent{ChatIdentity: ev.ChatIdentity, Text: text})
}

func (r *Router) fetchAudio(ctx context.Context, audioRef string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()
	return r.transport.FetchAudio(ctx, audioRef)
}

// sessionState returns the linking state for chatIdentity. A session that
// timed out gets its timeout reply here and the event continues as idle.
func (r *Router) sessionState(ctx context.Context, chatIdentity string) linking.State {
	st, expired := r.sessions.Get(chatIdentity)
	if expired {
		res := r.linker.Timeout(ctx, chatIdentity)
		r.reply(ctx, chatIdentity, res.Reply)
	}
	return st
}

func (r *Router) authenticate(ctx context.Context, chatIdentity string) (*persistence.Account, bool) {
	acct, ok, err := r.linker.BoundAccount(ctx, chatIdentity)
	if err != nil {
		r.logger.Error("authentication lookup failed",
			"trace_id", shared.TraceID(ctx),
			"chat_identity", chatIdentity,
			"error", err,
		)
		r.reply(ctx, chatIdentity, replyDatabaseError)
		return nil, false
	}
	if !ok {
		r.reply(ctx, chatIdentity, replyNotLinked)
		return nil, false
	}
	return acct, true
}

func (r *Router) dispatchText(ctx context.Context, acct *persistence.Account, ev channels.TextEvent) {
	ctx = shared.WithAccountID(ctx, acct.ID)
	trace.SpanFromContext(ctx).SetAttributes(otel.AttrAccountID.String(acct.ID))

	r.presence(ctx, ev.ChatIdentity, channels.PresenceTyping)
	res := r.classifier.Classify(ctx, ev.Text)
	trace.SpanFromContext(ctx).SetAttributes(
		otel.AttrIntent.String(string(res.Intent)),
		otel.AttrParsed.Bool(res.Parsed),
	)
	reply := r.dispatcher.Execute(ctx, dispatch.Command{
		AccountID: acct.ID,
		Utterance: ev.Text,
		Intent:    res.Intent,
		Params:    res.Params,
	})
	r.reply(ctx, ev.ChatIdentity, reply)
}

func (r *Router) applyLink(ctx context.Context, chatIdentity string, res linking.Result) {
	trace.SpanFromContext(ctx).SetAttributes(otel.AttrLinkOutcome.String(string(res.Outcome)))
	r.sessions.Set(chatIdentity, res.Next)
	r.reply(ctx, chatIdentity, res.Reply)
}

// ExpireSessions sends the timeout reply to every linking session that has
// been inactive past its deadline. It returns how many were expired.
func (r *Router) ExpireSessions(ctx context.Context) int {
	ids := r.sessions.Expire()
	for _, id := range ids {
		cctx := shared.WithTraceID(ctx, shared.NewTraceID())
		res := r.linker.Timeout(cctx, id)
		r.reply(cctx, id, res.Reply)
	}
	return len(ids)
}

func (r *Router) reply(ctx context.Context, chatIdentity, text string) {
	if text == "" {
		return
	}
	if err := r.transport.Reply(ctx, chatIdentity, text); err != nil {
		r.logger.Error("reply failed",
			"trace_id", shared.TraceID(ctx),
			"chat_identity", chatIdentity,
			"error", err,
		)
	}
}

func (r *Router) presence(ctx context.Context, chatIdentity string, p channels.Presence) {
	if err := r.transport.SetPresence(ctx, chatIdentity, p); err != nil {
		r.logger.Debug("presence hint failed", "chat_identity", chatIdentity, "presence", string(p), "error", err)
	}
}

const (
	replyNotLinked          = "Please link your account first using /link."
	replyDatabaseError      = "Error: Database not available. Please try again later."
	replyTypeDuringLink     = "Please type your reply to continue linking, or send /cancel."
	replyVoiceFailed        = "❌ An error occurred processing the voice message."
	replyCouldNotTranscribe = "Sorry, I couldn't transcribe the audio. Please ensure it's clear or send text."
)
