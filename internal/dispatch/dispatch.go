// Package dispatch executes one classified intent against the task store
// on behalf of an authenticated account and produces the reply text.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/basket/taskbot/internal/intent"
	"github.com/basket/taskbot/internal/llm"
	"github.com/basket/taskbot/internal/persistence"
	"github.com/basket/taskbot/internal/shared"
)

const (
	// BotSenderLabel marks notes written by the bot.
	BotSenderLabel = "bot"

	// MaxMatchCandidates bounds the fuzzy task lookup.
	MaxMatchCandidates = 5
)

// Store is the part of the task store the dispatcher mutates.
type Store interface {
	CreateTask(ctx context.Context, in persistence.NewTask) (*persistence.Task, error)
	FindTasksByName(ctx context.Context, accountID, query string, limit int) ([]persistence.Task, error)
	InsertMessage(ctx context.Context, m persistence.Message) (*persistence.Message, error)
	SetTaskDeadline(ctx context.Context, accountID, taskID, deadline string) error
}

// ContextBuilder renders the grounding context for an account.
type ContextBuilder interface {
	BuildContext(ctx context.Context, accountID string) (string, error)
}

type Command struct {
	AccountID string
	Utterance string
	Intent    intent.Kind
	Params    map[string]any
}

type Dispatcher struct {
	store   Store
	context ContextBuilder
	model   llm.Client
	timeout time.Duration
	logger  *slog.Logger
}

func New(store Store, contextBuilder ContextBuilder, model llm.Client, generateTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:   store,
		context: contextBuilder,
		model:   model,
		timeout: generateTimeout,
		logger:  logger,
	}
}

// Execute runs cmd and always returns exactly one reply. Panics from
// collaborators are converted into the generic failure reply.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch panic recovered",
				"trace_id", shared.TraceID(ctx),
				"intent", string(cmd.Intent),
				"panic", fmt.Sprint(r),
			)
			reply = ReplyInternalError
		}
	}()

	switch cmd.Intent {
	case intent.CreateTask:
		return d.createTask(ctx, cmd)
	case intent.AddContext:
		return d.addContext(ctx, cmd)
	case intent.SetDeadline:
		return d.setDeadline(ctx, cmd)
	case intent.AnswerQuestion:
		return d.answer(ctx, cmd, answerPrompt)
	default:
		return d.answer(ctx, cmd, chatPrompt)
	}
}

func (d *Dispatcher) createTask(ctx context.Context, cmd Command) string {
	name := intent.StringParam(cmd.Params, "name")
	if name == "" {
		return ReplyMissingTaskName
	}
	in := persistence.NewTask{
		OwnerAccountID: cmd.AccountID,
		Name:           name,
		Status:         persistence.StatusToDo,
	}
	if desc := intent.StringParam(cmd.Params, "description"); desc != "" {
		in.Description = &desc
	}
	task, err := d.store.CreateTask(ctx, in)
	if err != nil {
		d.storeError(ctx, "create_task", err)
		return ReplyCreateFailed
	}
	d.logger.Info("task created", "trace_id", shared.TraceID(ctx), "task_id", task.ID)
	return fmt.Sprintf("✅ Task created: '%s'", task.Name)
}

func (d *Dispatcher) addContext(ctx context.Context, cmd Command) string {
	query := intent.StringParam(cmd.Params, "task_query")
	content := intent.StringParam(cmd.Params, "content")
	if query == "" || content == "" {
		return ReplyMissingNoteParams
	}
	m := d.match(ctx, cmd.AccountID, query)
	if m.Outcome != MatchUnique {
		return m.reply(query, "add note")
	}
	_, err := d.store.InsertMessage(ctx, persistence.Message{
		TaskID:      m.Task.ID,
		SenderLabel: BotSenderLabel,
		Content:     content,
		IsExternal:  false,
	})
	if err != nil {
		d.storeError(ctx, "insert_message", err)
		return ReplyNoteFailed
	}
	return fmt.Sprintf("✅ Added note to task '%s'.", m.Task.Name)
}

var deadlinePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ValidDeadline reports whether s is a real calendar date in YYYY-MM-DD.
func ValidDeadline(s string) bool {
	if !deadlinePattern.MatchString(s) {
		return false
	}
	_, err := time.Parse(time.DateOnly, s)
	return err == nil
}

func (d *Dispatcher) setDeadline(ctx context.Context, cmd Command) string {
	query := intent.StringParam(cmd.Params, "task_query")
	deadline := intent.StringParam(cmd.Params, "deadline")
	if query == "" || deadline == "" {
		return ReplyMissingDeadlineParams
	}
	if !ValidDeadline(deadline) {
		return fmt.Sprintf("⚠️ Could not parse deadline '%s'. Please use YYYY-MM-DD format.", deadline)
	}
	m := d.match(ctx, cmd.AccountID, query)
	if m.Outcome != MatchUnique {
		return m.reply(query, "set deadline")
	}
	err := d.store.SetTaskDeadline(ctx, cmd.AccountID, m.Task.ID, deadline)
	if err != nil {
		d.storeError(ctx, "set_deadline", err)
		return ReplyDeadlineFailed
	}
	return fmt.Sprintf("✅ Deadline set for task '%s' to %s.", m.Task.Name, deadline)
}

type promptFunc func(utterance, taskContext string) string

func (d *Dispatcher) answer(ctx context.Context, cmd Command, build promptFunc) string {
	taskContext, err := d.context.BuildContext(ctx, cmd.AccountID)
	if err != nil {
		d.storeError(ctx, "build_context", err)
		return ReplyContextFailed
	}

	callCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	text, err := d.model.Generate(callCtx, build(cmd.Utterance, taskContext))
	if err != nil {
		class := llm.ClassifyError(err)
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			class = llm.ErrorClassTimeout
		}
		d.logger.Warn("model generation failed",
			"trace_id", shared.TraceID(ctx),
			"error_class", string(class),
			"error", err,
		)
		if class == llm.ErrorClassTimeout {
			return ReplyModelTimeout
		}
		return ReplyModelFailed
	}
	return text
}

func answerPrompt(utterance, taskContext string) string {
	return "System: You are a helpful assistant answering questions based ONLY on the provided task context.\n" +
		"User: " + utterance + "\n" +
		"Context:\n---\n" + taskContext + "\n---\nAnswer:"
}

func chatPrompt(utterance, taskContext string) string {
	return "System: You are a helpful assistant. The user said '" + utterance +
		"', which wasn't a specific command. Respond helpfully based on their tasks if relevant, or have a brief general chat.\n" +
		"Context:\n---\n" + taskContext + "\n---\nResponse:"
}

func (d *Dispatcher) storeError(ctx context.Context, op string, err error) {
	d.logger.Error("store operation failed",
		"trace_id", shared.TraceID(ctx),
		"op", op,
		"error", err,
	)
}

// Replies with fixed text.
const (
	ReplyMissingTaskName       = "⚠️ Task name missing for creation."
	ReplyCreateFailed          = "⚠️ DB Error creating task. Please try again later."
	ReplyMissingNoteParams     = "⚠️ Missing task query or note content."
	ReplyNoteFailed            = "⚠️ DB Error adding note. Please try again later."
	ReplyMissingDeadlineParams = "⚠️ Missing task query or deadline."
	ReplyDeadlineFailed        = "⚠️ DB Error setting deadline. Please try again later."
	ReplyContextFailed         = "⚠️ DB Error loading your tasks. Please try again later."
	ReplyModelTimeout          = "Error: The AI model took too long to respond."
	ReplyModelFailed           = "Error: Could not get a response from the AI model."
	ReplyInternalError         = "❌ Sorry, an internal error occurred while processing your request."
)
