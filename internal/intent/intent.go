// Package intent turns a free-text utterance into one of a closed set of
// task intents using the language model. Classification never fails
// outward: anything the model gets wrong degrades to Unknown.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/taskbot/internal/llm"
	"github.com/basket/taskbot/internal/otel"
	"github.com/basket/taskbot/internal/shared"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

type Kind string

const (
	AnswerQuestion Kind = "ANSWER_QUESTION"
	CreateTask     Kind = "CREATE_TASK"
	AddContext     Kind = "ADD_CONTEXT"
	SetDeadline    Kind = "SET_DEADLINE"
	Unknown        Kind = "UNKNOWN"
)

// Result is a classified utterance. Parsed is false when the model reply
// could not be read at all, which is distinct from the model choosing
// UNKNOWN itself.
type Result struct {
	Intent Kind
	Params map[string]any
	Parsed bool
}

func unknown() Result {
	return Result{Intent: Unknown, Params: map[string]any{}}
}

const replySchema = `{
  "type": "object",
  "required": ["intent", "params"],
  "properties": {
    "intent": {
      "enum": ["ANSWER_QUESTION", "CREATE_TASK", "ADD_CONTEXT", "SET_DEADLINE", "UNKNOWN"]
    },
    "params": {"type": "object"}
  }
}`

// Single %s verb: the utterance is substituted as an argument, never as a
// format string.
const promptTemplate = `[INST] Your task is to analyze the user's request below and classify it into one of the predefined intents. Extract relevant parameters for that intent. Respond ONLY with a valid JSON object containing 'intent' and 'params'.

Possible Intents:
- 'ANSWER_QUESTION': General question about tasks. Params: {}
- 'CREATE_TASK': Create a new task. Params: 'name' (required, string), 'description' (optional, string).
- 'ADD_CONTEXT': Add a message/note to an existing task. Params: 'task_query' (task name or keywords, required, string), 'content' (message to add, required, string).
- 'SET_DEADLINE': Set a task deadline. Params: 'task_query' (task name or keywords, required, string), 'deadline' (date string, required, YYYY-MM-DD preferred but return original string if ambiguous like 'tomorrow').
- 'UNKNOWN': Intent unclear or not task-related. Params: {}

User Request: "%s"

JSON Response: [/INST]`

// Prompt renders the classification instruction for utterance.
func Prompt(utterance string) string {
	return fmt.Sprintf(promptTemplate, utterance)
}

type Classifier struct {
	client  llm.Client
	schema  *jsonschema.Schema
	timeout time.Duration
	logger  *slog.Logger
	metrics *otel.Metrics
}

func New(client llm.Client, timeout time.Duration, logger *slog.Logger, metrics *otel.Metrics) (*Classifier, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(replySchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal intent schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("intent.json", doc); err != nil {
		return nil, fmt.Errorf("add intent schema: %w", err)
	}
	schema, err := c.Compile("intent.json")
	if err != nil {
		return nil, fmt.Errorf("compile intent schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		client:  client,
		schema:  schema,
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Classify asks the model for an intent. Required parameters for the
// chosen intent are not checked here; the dispatcher does that.
func (c *Classifier) Classify(ctx context.Context, utterance string) Result {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	raw, err := c.client.Generate(callCtx, Prompt(utterance))
	if err != nil {
		c.logger.Warn("intent classification failed",
			"trace_id", shared.TraceID(ctx),
			"error_class", string(llm.ClassifyError(err)),
			"error", err,
		)
		res := unknown()
		c.metrics.RecordIntent(ctx, string(res.Intent), false)
		return res
	}

	res, ok := c.parse(raw)
	if !ok {
		stripped := stripFences(raw)
		if stripped != raw {
			res, ok = c.parse(stripped)
		}
	}
	if !ok {
		c.logger.Warn("unparseable intent reply",
			"trace_id", shared.TraceID(ctx),
			"reply", truncate(raw, 200),
		)
		res = unknown()
	} else {
		c.logger.Info("intent classified",
			"trace_id", shared.TraceID(ctx),
			"intent", string(res.Intent),
		)
	}
	c.metrics.RecordIntent(ctx, string(res.Intent), res.Parsed)
	return res
}

func (c *Classifier) parse(raw string) (Result, bool) {
	v, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return Result{}, false
	}
	if err := c.schema.Validate(v); err != nil {
		return Result{}, false
	}
	obj := v.(map[string]any)
	kind, _ := obj["intent"].(string)
	params, _ := obj["params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	return Result{Intent: Kind(kind), Params: params, Parsed: true}, true
}

// stripFences removes a leading ``` or ```json line and a trailing ```.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```")
		if i := strings.IndexByte(t, '\n'); i >= 0 {
			t = t[i+1:]
		} else {
			t = strings.TrimPrefix(t, "json")
		}
	}
	t = strings.TrimSpace(t)
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// StringParam returns params[key] as trimmed text. Numbers are accepted
// since models sometimes emit them for names and notes.
func StringParam(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return ""
	}
}
