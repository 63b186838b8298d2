// Package audit keeps an append-only trail of account linking and task
// mutations: a JSONL file under the home dir and, once SetDB is called, the
// audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/taskbot/internal/bus"
	"github.com/basket/taskbot/internal/shared"
)

type Entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu   sync.Mutex
	file *os.File
	db   *sql.DB
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB enables writes to the audit_log table.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Record appends one entry. Detail is redacted before it is persisted.
func Record(traceID, subject, action, outcome, detail string) {
	detail = shared.Redact(detail)
	ev := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:   traceID,
		Subject:   subject,
		Action:    action,
		Outcome:   outcome,
		Detail:    detail,
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		if b, err := json.Marshal(ev); err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}
	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, subject, action, outcome, detail)
			VALUES (?, ?, ?, ?, ?);
		`, traceID, subject, action, outcome, detail)
	}
}

// Subscribe records every account.* and task.* event published on b until
// ctx is done or the bus is closed. The returned channel is closed when the
// consumer goroutine exits.
func Subscribe(ctx context.Context, b *bus.Bus) <-chan struct{} {
	sub := b.Subscribe("account.", "task.")
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				recordEvent(ev)
			}
		}
	}()
	return done
}

func recordEvent(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.AccountEvent:
		detail := ""
		if p.Email != "" {
			detail = "email=" + shared.MaskEmail(p.Email)
		}
		if p.AccountID != "" {
			if detail != "" {
				detail += " "
			}
			detail += "account=" + p.AccountID
		}
		Record(p.TraceID, p.ChatIdentity, ev.Topic, p.Outcome, detail)
	case bus.TaskEvent:
		Record("", p.AccountID, ev.Topic, "ok", "task="+p.TaskID)
	}
}
