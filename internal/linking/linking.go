// Package linking binds a chat identity to an existing account through a
// code delivered by email. Credentials never travel through the chat.
package linking

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/basket/taskbot/internal/bus"
	"github.com/basket/taskbot/internal/notify"
	"github.com/basket/taskbot/internal/otel"
	"github.com/basket/taskbot/internal/persistence"
	"github.com/basket/taskbot/internal/shared"
)

const (
	DefaultCodeTTL = 10 * time.Minute
	// MaxCodeAttempts is how many wrong codes one session may submit before
	// it is closed.
	MaxCodeAttempts = 5
	codeDigits      = 6
	issueAttempts   = 3
)

type State int

const (
	Idle State = iota
	AwaitEmail
	AwaitCode
)

func (s State) String() string {
	switch s {
	case AwaitEmail:
		return "AWAIT_EMAIL"
	case AwaitCode:
		return "AWAIT_CODE"
	default:
		return "IDLE"
	}
}

// Outcome labels what a call achieved. Pending means the handshake moved
// forward and needs more input.
type Outcome string

const (
	OutcomePending      Outcome = "pending"
	OutcomeAlreadyBound Outcome = "already_bound"
	OutcomeUnavailable  Outcome = "unavailable"
	OutcomeUnknownEmail Outcome = "unknown_email"
	OutcomeCodeSent     Outcome = "code_sent"
	OutcomeSendFailed   Outcome = "send_failed"
	OutcomeInvalidCode  Outcome = "invalid_code"
	OutcomeTooMany      Outcome = "too_many_attempts"
	OutcomeExpired      Outcome = "expired"
	OutcomeLinkedOther  Outcome = "linked_elsewhere"
	OutcomeLinked       Outcome = "linked"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeUnlinked     Outcome = "unlinked"
	OutcomeNotLinked    Outcome = "not_linked"
	OutcomeStoreError   Outcome = "store_error"
)

// Result carries the single reply for a call and the state the session
// should move to.
type Result struct {
	Reply   string
	Next    State
	Outcome Outcome
}

// Store is the account side of the task store.
type Store interface {
	AccountByChatIdentity(ctx context.Context, chatIdentity string) (*persistence.Account, error)
	AccountByEmail(ctx context.Context, email string) (*persistence.Account, error)
	AccountByLinkCode(ctx context.Context, code string) (*persistence.Account, error)
	IssueLinkCode(ctx context.Context, accountID, code string, expiresAt time.Time, requestedBy string) error
	ClearLinkCode(ctx context.Context, accountID, code string) (bool, error)
	BindChatIdentity(ctx context.Context, accountID, code, chatIdentity string, now time.Time) error
	UnbindChatIdentity(ctx context.Context, chatIdentity string) (bool, error)
}

type Options struct {
	CodeTTL     time.Duration
	ProductName string
	Bus         *bus.Bus
	Logger      *slog.Logger
	Metrics     *otel.Metrics
	Now         func() time.Time
	Random      io.Reader
}

type Linker struct {
	store   Store
	sender  notify.Sender
	ttl     time.Duration
	product string
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	now     func() time.Time
	random  io.Reader
}

// New builds a linker. A nil sender disables linking: StartLink explains
// that it is unavailable.
func New(store Store, sender notify.Sender, opts Options) *Linker {
	l := &Linker{
		store:   store,
		sender:  sender,
		ttl:     opts.CodeTTL,
		product: opts.ProductName,
		bus:     opts.Bus,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		random:  opts.Random,
	}
	if l.ttl <= 0 {
		l.ttl = DefaultCodeTTL
	}
	if l.product == "" {
		l.product = "TaskBot"
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.random == nil {
		l.random = rand.Reader
	}
	return l
}

// Enabled reports whether an email sender is wired.
func (l *Linker) Enabled() bool {
	return l.sender != nil
}

// BoundAccount returns the account bound to chatIdentity. ok is false when
// no account is bound.
func (l *Linker) BoundAccount(ctx context.Context, chatIdentity string) (*persistence.Account, bool, error) {
	acct, err := l.store.AccountByChatIdentity(ctx, chatIdentity)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return acct, true, nil
}

func (l *Linker) StartLink(ctx context.Context, chatIdentity string) Result {
	acct, bound, err := l.BoundAccount(ctx, chatIdentity)
	if err != nil {
		l.storeError(ctx, "lookup_bound_account", err)
		return l.finish(ctx, chatIdentity, "", Result{Reply: replyDBError, Next: Idle, Outcome: OutcomeStoreError})
	}
	if bound {
		return Result{
			Reply:   fmt.Sprintf("Your account is already linked to %s.", acct.Email),
			Next:    Idle,
			Outcome: OutcomeAlreadyBound,
		}
	}
	if l.sender == nil {
		return Result{Reply: replyUnavailable, Next: Idle, Outcome: OutcomeUnavailable}
	}
	return Result{
		Reply:   fmt.Sprintf("Please enter the email address for your %s account:", l.product),
		Next:    AwaitEmail,
		Outcome: OutcomePending,
	}
}

func (l *Linker) SubmitEmail(ctx context.Context, chatIdentity, email string) Result {
	email = strings.ToLower(strings.TrimSpace(email))
	if l.sender == nil {
		return Result{Reply: replyUnavailable, Next: Idle, Outcome: OutcomeUnavailable}
	}

	acct, err := l.store.AccountByEmail(ctx, email)
	if errors.Is(err, persistence.ErrNotFound) {
		return l.finish(ctx, chatIdentity, email, Result{
			Reply:   fmt.Sprintf("Could not find a %s account for '%s'. Check the email or sign up first.", l.product, email),
			Next:    Idle,
			Outcome: OutcomeUnknownEmail,
		})
	}
	if err != nil {
		l.storeError(ctx, "lookup_email", err)
		return l.finish(ctx, chatIdentity, email, Result{Reply: replyDBError, Next: Idle, Outcome: OutcomeStoreError})
	}

	code, err := l.issue(ctx, acct.ID, chatIdentity)
	if err != nil {
		l.storeError(ctx, "issue_link_code", err)
		return l.finish(ctx, chatIdentity, email, Result{
			Reply:   "An error occurred storing the link code. Try /link again.",
			Next:    Idle,
			Outcome: OutcomeStoreError,
		})
	}

	if err := l.sender.SendLinkCode(ctx, email, code, l.ttl); err != nil {
		l.logger.Warn("link code email failed",
			"trace_id", shared.TraceID(ctx),
			"account_id", acct.ID,
			"error", err,
		)
		if _, cerr := l.store.ClearLinkCode(ctx, acct.ID, code); cerr != nil {
			l.storeError(ctx, "clear_link_code", cerr)
		}
		return l.finish(ctx, chatIdentity, email, Result{
			Reply:   "Failed to send the verification code email. Check the email address and try /link again.",
			Next:    Idle,
			Outcome: OutcomeSendFailed,
		})
	}

	l.logger.Info("link code issued",
		"trace_id", shared.TraceID(ctx),
		"account_id", acct.ID,
		"email", email,
		"link_code", code,
	)
	l.bus.Publish(bus.TopicAccountLinkRequested, bus.AccountEvent{
		TraceID:      shared.TraceID(ctx),
		ChatIdentity: chatIdentity,
		AccountID:    acct.ID,
		Email:        email,
		Outcome:      string(OutcomeCodeSent),
	})
	return Result{
		Reply:   fmt.Sprintf("A %d-digit verification code has been sent to %s. Please enter it here (it expires in %d minutes):", codeDigits, email, int(l.ttl.Minutes())),
		Next:    AwaitCode,
		Outcome: OutcomeCodeSent,
	}
}

// issue stores a fresh code, regenerating on collision with another live
// code.
func (l *Linker) issue(ctx context.Context, accountID, chatIdentity string) (string, error) {
	var lastErr error
	for i := 0; i < issueAttempts; i++ {
		code, err := l.generateCode()
		if err != nil {
			return "", err
		}
		err = l.store.IssueLinkCode(ctx, accountID, code, l.now().Add(l.ttl), chatIdentity)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, persistence.ErrLinkCodeTaken) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("no free link code after %d attempts: %w", issueAttempts, lastErr)
}

func (l *Linker) generateCode() (string, error) {
	n, err := rand.Int(l.random, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate link code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func (l *Linker) SubmitCode(ctx context.Context, chatIdentity, code string) Result {
	code = strings.TrimSpace(code)
	target, err := l.store.AccountByLinkCode(ctx, code)
	if errors.Is(err, persistence.ErrNotFound) {
		return Result{
			Reply:   "⚠️ Invalid code. Please check it and try again, or send /cancel.",
			Next:    AwaitCode,
			Outcome: OutcomeInvalidCode,
		}
	}
	if err != nil {
		l.storeError(ctx, "lookup_link_code", err)
		return l.finish(ctx, chatIdentity, "", Result{Reply: replyDBError, Next: Idle, Outcome: OutcomeStoreError})
	}

	if target.ChatIdentity != "" && target.ChatIdentity != chatIdentity {
		return l.finish(ctx, chatIdentity, "", Result{Reply: replyTargetLinkedElsewhere, Next: Idle, Outcome: OutcomeLinkedOther})
	}
	current, bound, err := l.BoundAccount(ctx, chatIdentity)
	if err != nil {
		l.storeError(ctx, "lookup_bound_account", err)
		return l.finish(ctx, chatIdentity, "", Result{Reply: replyDBError, Next: Idle, Outcome: OutcomeStoreError})
	}
	if bound && current.ID != target.ID {
		return l.finish(ctx, chatIdentity, "", Result{Reply: replyCallerLinkedElsewhere, Next: Idle, Outcome: OutcomeLinkedOther})
	}

	now := l.now()
	if target.LinkCodeExpiresAt == nil || !now.Before(*target.LinkCodeExpiresAt) {
		if _, cerr := l.store.ClearLinkCode(ctx, target.ID, code); cerr != nil {
			l.storeError(ctx, "clear_link_code", cerr)
		}
		return l.finish(ctx, chatIdentity, "", Result{
			Reply:   "⚠️ This code has expired. Please use /link to request a new one.",
			Next:    Idle,
			Outcome: OutcomeExpired,
		})
	}

	err = l.store.BindChatIdentity(ctx, target.ID, code, chatIdentity, now)
	switch {
	case err == nil:
		l.logger.Info("chat identity linked", "trace_id", shared.TraceID(ctx), "account_id", target.ID)
		return l.finishAccount(ctx, chatIdentity, target.ID, Result{
			Reply:   "✅ Success! Your Telegram account is linked.",
			Next:    Idle,
			Outcome: OutcomeLinked,
		})
	case errors.Is(err, persistence.ErrLinkCodeConsumed):
		return l.finish(ctx, chatIdentity, "", Result{
			Reply:   "⚠️ Invalid or expired code. Please use /link to try again.",
			Next:    Idle,
			Outcome: OutcomeExpired,
		})
	case errors.Is(err, persistence.ErrChatIdentityTaken):
		return l.finish(ctx, chatIdentity, "", Result{Reply: replyCallerLinkedElsewhere, Next: Idle, Outcome: OutcomeLinkedOther})
	default:
		l.storeError(ctx, "bind_chat_identity", err)
		return l.finish(ctx, chatIdentity, "", Result{Reply: replyDBError, Next: Idle, Outcome: OutcomeStoreError})
	}
}

func (l *Linker) Cancel(ctx context.Context, chatIdentity string) Result {
	return l.finish(ctx, chatIdentity, "", Result{Reply: "Account linking cancelled.", Next: Idle, Outcome: OutcomeCancelled})
}

func (l *Linker) Timeout(ctx context.Context, chatIdentity string) Result {
	return l.finish(ctx, chatIdentity, "", Result{
		Reply:   "Account linking timed out. Use /link to start again.",
		Next:    Idle,
		Outcome: OutcomeTimeout,
	})
}

// TooManyAttempts closes a session that used up its code attempts. The
// pending code stays valid for a fresh /link until it expires.
func (l *Linker) TooManyAttempts(ctx context.Context, chatIdentity string) Result {
	l.logger.Warn("link code attempts exhausted", "trace_id", shared.TraceID(ctx), "chat_identity", chatIdentity)
	return l.finish(ctx, chatIdentity, "", Result{
		Reply:   "⚠️ Too many invalid codes. Use /link to start again.",
		Next:    Idle,
		Outcome: OutcomeTooMany,
	})
}

func (l *Linker) Unlink(ctx context.Context, chatIdentity string) Result {
	ok, err := l.store.UnbindChatIdentity(ctx, chatIdentity)
	if err != nil {
		l.storeError(ctx, "unbind_chat_identity", err)
		return Result{Reply: "An error occurred while unlinking.", Next: Idle, Outcome: OutcomeStoreError}
	}
	if !ok {
		return Result{Reply: "Your account wasn't linked.", Next: Idle, Outcome: OutcomeNotLinked}
	}
	l.bus.Publish(bus.TopicAccountUnlinked, bus.AccountEvent{
		TraceID:      shared.TraceID(ctx),
		ChatIdentity: chatIdentity,
		Outcome:      string(OutcomeUnlinked),
	})
	l.metrics.RecordLinkOutcome(ctx, string(OutcomeUnlinked))
	return Result{Reply: "Your Telegram account has been unlinked.", Next: Idle, Outcome: OutcomeUnlinked}
}

func (l *Linker) finish(ctx context.Context, chatIdentity, email string, res Result) Result {
	return l.record(ctx, chatIdentity, "", email, res)
}

func (l *Linker) finishAccount(ctx context.Context, chatIdentity, accountID string, res Result) Result {
	return l.record(ctx, chatIdentity, accountID, "", res)
}

func (l *Linker) record(ctx context.Context, chatIdentity, accountID, email string, res Result) Result {
	topic := bus.TopicAccountLinkFailed
	if res.Outcome == OutcomeLinked {
		topic = bus.TopicAccountLinked
	}
	l.bus.Publish(topic, bus.AccountEvent{
		TraceID:      shared.TraceID(ctx),
		ChatIdentity: chatIdentity,
		AccountID:    accountID,
		Email:        email,
		Outcome:      string(res.Outcome),
	})
	l.metrics.RecordLinkOutcome(ctx, string(res.Outcome))
	return res
}

func (l *Linker) storeError(ctx context.Context, op string, err error) {
	l.logger.Error("linking store operation failed",
		"trace_id", shared.TraceID(ctx),
		"op", op,
		"error", err,
	)
}

const (
	replyDBError               = "Database error. Please try /link again later."
	replyUnavailable           = "Account linking is currently unavailable. Please try again later."
	replyTargetLinkedElsewhere = "⚠️ That account is already linked to a different Telegram account."
	replyCallerLinkedElsewhere = "⚠️ This Telegram account is already linked to a different account. Use /unlink first if you want to change."
)
