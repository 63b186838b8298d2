package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskbot/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

func readEntries(t *testing.T, home string) []Entry {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []Entry
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal audit entry: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("trace-1", "4242", bus.TopicAccountLinked, "linked", "account=abc")
	Record("trace-2", "4242", bus.TopicAccountUnlinked, "unlinked", "token=Bearer abcdefghijklmnopqrstuvwxyz")

	entries := readEntries(t, home)
	if len(entries) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(entries))
	}
	if entries[0].Action != bus.TopicAccountLinked || entries[0].Outcome != "linked" || entries[0].TraceID != "trace-1" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if strings.Contains(entries[1].Detail, "abcdefghijklmnop") {
		t.Fatalf("expected detail redaction, got %q", entries[1].Detail)
	}
}

func TestRecordWritesAuditTable(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	d, err := sql.Open("sqlite3", filepath.Join(home, "audit.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer d.Close()
	if _, err := d.Exec(`CREATE TABLE audit_log (
		audit_id INTEGER PRIMARY KEY AUTOINCREMENT, trace_id TEXT, subject TEXT,
		action TEXT NOT NULL, outcome TEXT NOT NULL, detail TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP);`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	SetDB(d)

	Record("t", "4242", bus.TopicAccountLinkFailed, "expired", "")

	var outcome string
	if err := d.QueryRow(`SELECT outcome FROM audit_log WHERE subject = '4242';`).Scan(&outcome); err != nil {
		t.Fatalf("query audit_log: %v", err)
	}
	if outcome != "expired" {
		t.Fatalf("expected expired outcome, got %q", outcome)
	}
}

func TestSubscribeRecordsBusEvents(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := Subscribe(ctx, b)

	b.Publish(bus.TopicAccountLinkRequested, bus.AccountEvent{
		TraceID: "tr", ChatIdentity: "4242", AccountID: "acct-1", Email: "alice@example.com", Outcome: "code_sent",
	})
	b.Publish("other.topic", "ignored")

	deadline := time.Now().Add(2 * time.Second)
	for {
		raw, _ := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
		if len(raw) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for audit entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	entries := readEntries(t, home)
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %+v", entries)
	}
	e := entries[0]
	if e.Subject != "4242" || e.Outcome != "code_sent" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if strings.Contains(e.Detail, "alice") || !strings.Contains(e.Detail, "a***@example.com") {
		t.Fatalf("email must be masked in audit detail, got %q", e.Detail)
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected subscriptions released, got %d", b.SubscriberCount())
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	Record("", "s1", "task.created", "ok", "")
	_ = Close()

	if err := Init(home); err != nil {
		t.Fatalf("reinit audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })
	Record("", "s2", "task.created", "ok", "")

	if got := len(readEntries(t, home)); got != 2 {
		t.Fatalf("expected entries to accumulate across reopen, got %d", got)
	}
}
