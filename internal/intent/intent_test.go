package intent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskbot/internal/llm"
	"github.com/google/go-cmp/cmp"
)

func newClassifier(t *testing.T, reply string, err error) (*Classifier, *[]string) {
	t.Helper()
	var prompts []string
	client := llm.ClientFunc(func(ctx context.Context, prompt string) (string, error) {
		prompts = append(prompts, prompt)
		return reply, err
	})
	c, cerr := New(client, time.Second, nil, nil)
	if cerr != nil {
		t.Fatalf("New: %v", cerr)
	}
	return c, &prompts
}

func TestClassify_PlainJSON(t *testing.T) {
	c, prompts := newClassifier(t, `{"intent":"CREATE_TASK","params":{"name":"Buy groceries","description":"milk"}}`, nil)
	got := c.Classify(context.Background(), "create a task buy groceries")
	want := Result{
		Intent: CreateTask,
		Params: map[string]any{"name": "Buy groceries", "description": "milk"},
		Parsed: true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	if len(*prompts) != 1 {
		t.Fatalf("expected one model call, got %d", len(*prompts))
	}
	if !strings.Contains((*prompts)[0], `User Request: "create a task buy groceries"`) {
		t.Fatalf("prompt missing utterance: %s", (*prompts)[0])
	}
}

func TestClassify_FencedJSON(t *testing.T) {
	cases := []string{
		"```json\n{\"intent\":\"ANSWER_QUESTION\",\"params\":{}}\n```",
		"```\n{\"intent\":\"ANSWER_QUESTION\",\"params\":{}}\n```",
		"  ```json{\"intent\":\"ANSWER_QUESTION\",\"params\":{}}```  ",
	}
	for _, reply := range cases {
		c, _ := newClassifier(t, reply, nil)
		got := c.Classify(context.Background(), "what are my tasks?")
		if got.Intent != AnswerQuestion || !got.Parsed {
			t.Fatalf("reply %q: got %+v", reply, got)
		}
	}
}

func TestClassify_MalformedDegradesToUnknown(t *testing.T) {
	cases := []string{
		"I think you want to create a task.",
		`{"intent":"CREATE_TASK"}`,
		`{"intent":"DELETE_TASK","params":{}}`,
		`{"intent":"CREATE_TASK","params":"name=x"}`,
		`["CREATE_TASK"]`,
		"",
	}
	want := Result{Intent: Unknown, Params: map[string]any{}}
	for _, reply := range cases {
		c, _ := newClassifier(t, reply, nil)
		got := c.Classify(context.Background(), "hello")
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("reply %q (-want +got):\n%s", reply, diff)
		}
	}
}

func TestClassify_ModelUnknownIsParsed(t *testing.T) {
	c, _ := newClassifier(t, `{"intent":"UNKNOWN","params":{}}`, nil)
	got := c.Classify(context.Background(), "hi there")
	if got.Intent != Unknown || !got.Parsed {
		t.Fatalf("got %+v", got)
	}
}

func TestClassify_ModelErrorDegradesToUnknown(t *testing.T) {
	c, _ := newClassifier(t, "", errors.New("connection refused"))
	got := c.Classify(context.Background(), "create task x")
	if got.Intent != Unknown || got.Parsed || len(got.Params) != 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestClassify_AppliesTimeout(t *testing.T) {
	client := llm.ClientFunc(func(ctx context.Context, prompt string) (string, error) {
		if _, ok := ctx.Deadline(); !ok {
			t.Fatalf("expected deadline on classify context")
		}
		<-ctx.Done()
		return "", ctx.Err()
	})
	c, err := New(client, 20*time.Millisecond, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.Classify(context.Background(), "x"); got.Intent != Unknown {
		t.Fatalf("got %+v", got)
	}
}

func TestPrompt_PercentInUtterance(t *testing.T) {
	p := Prompt("discount 50% off")
	if !strings.Contains(p, `"discount 50% off"`) {
		t.Fatalf("utterance mangled: %s", p)
	}
	if strings.Contains(p, "%!") {
		t.Fatalf("format verb leaked: %s", p)
	}
}

func TestStringParam(t *testing.T) {
	c, _ := newClassifier(t, `{"intent":"ADD_CONTEXT","params":{"task_query":" groceries ","content":42}}`, nil)
	got := c.Classify(context.Background(), "x")
	if q := StringParam(got.Params, "task_query"); q != "groceries" {
		t.Fatalf("task_query = %q", q)
	}
	if v := StringParam(got.Params, "content"); v != "42" {
		t.Fatalf("content = %q", v)
	}
	if v := StringParam(got.Params, "missing"); v != "" {
		t.Fatalf("missing = %q", v)
	}
}
