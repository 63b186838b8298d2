package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskbot/internal/doctor"
	"github.com/basket/taskbot/internal/persistence"
)

func TestLoadDotEnv_ExistingEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nTASKBOT_TEST_A=from-file\nexport TASKBOT_TEST_B=\"quoted\"\nnot a pair\nTASKBOT_TEST_C=file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("TASKBOT_TEST_A", "")
	t.Setenv("TASKBOT_TEST_B", "")
	t.Setenv("TASKBOT_TEST_C", "from-env")

	loadDotEnv(path)

	if got := os.Getenv("TASKBOT_TEST_A"); got != "from-file" {
		t.Fatalf("A = %q", got)
	}
	if got := os.Getenv("TASKBOT_TEST_B"); got != "quoted" {
		t.Fatalf("B = %q", got)
	}
	if got := os.Getenv("TASKBOT_TEST_C"); got != "from-env" {
		t.Fatalf("C = %q", got)
	}
}

func TestAddAccount(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskbot.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	var stdout, stderr bytes.Buffer
	if code := addAccount(ctx, store, " Alice@Example.com ", &stdout, &stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "alice@example.com") {
		t.Fatalf("stdout = %q", stdout.String())
	}
	if _, err := store.AccountByEmail(ctx, "alice@example.com"); err != nil {
		t.Fatalf("account not stored: %v", err)
	}

	stderr.Reset()
	if code := addAccount(ctx, store, "alice@example.com", &stdout, &stderr); code != 1 {
		t.Fatalf("duplicate exit = %d", code)
	}
	if !strings.Contains(stderr.String(), "already exists") {
		t.Fatalf("stderr = %q", stderr.String())
	}

	if code := addAccount(ctx, store, "not-an-email", &stdout, &stderr); code != 2 {
		t.Fatalf("invalid exit = %d", code)
	}
}

func TestRunAccountCommand_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := runAccountCommand(context.Background(), []string{"remove", "x@example.com"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(stderr.String(), "usage: taskbot account add") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestWriteDiagnosis(t *testing.T) {
	diag := doctor.Diagnosis{Results: []doctor.CheckResult{
		{Name: "Config", Status: doctor.StatusPass, Message: "ok"},
		{Name: "Database", Status: doctor.StatusFail, Message: "locked"},
	}}

	var buf bytes.Buffer
	if code := writeDiagnosis(&buf, diag, true); code != 1 {
		t.Fatalf("exit = %d, want 1 on failed check", code)
	}
	var back doctor.Diagnosis
	if err := json.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("json output: %v\n%s", err, buf.String())
	}

	buf.Reset()
	diag.Results = diag.Results[:1]
	if code := writeDiagnosis(&buf, diag, false); code != 0 {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(buf.String(), "TaskBot Doctor Report") {
		t.Fatalf("text output = %q", buf.String())
	}
}

func TestPrintUsage(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf)
	for _, want := range []string{"serve", "doctor [-json]", "account add <email>", "TELEGRAM_BOT_TOKEN"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("usage missing %q:\n%s", want, buf.String())
		}
	}
}
