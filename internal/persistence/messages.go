package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskbot/internal/bus"
	"github.com/google/uuid"
)

// Message is a note attached to a task. An empty AuthorAccountID means the
// note was written by the bot.
type Message struct {
	ID              string
	TaskID          string
	AuthorAccountID string
	SenderLabel     string
	Content         string
	IsExternal      bool
	CreatedAt       time.Time
}

// InsertMessage appends a note. ID and CreatedAt are assigned here. The
// note event names the task owner, whoever wrote the note.
func (s *Store) InsertMessage(ctx context.Context, m Message) (*Message, error) {
	m.ID = uuid.NewString()
	m.CreatedAt = s.now().UTC().Truncate(time.Millisecond)

	ctx, cancel := s.opContext(ctx)
	defer cancel()
	var owner string
	err := retryOnBusy(ctx, 3, func() error {
		err := s.db.QueryRowContext(ctx, `SELECT owner_account_id FROM tasks WHERE id = ?;`, m.TaskID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", m.TaskID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO messages (id, task_id, author_account_id, sender_label, content, is_external, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, m.ID, m.TaskID, nullString(m.AuthorAccountID), m.SenderLabel, m.Content, m.IsExternal, toMillis(m.CreatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	s.publish(bus.TopicTaskNoteAdded, bus.TaskEvent{TaskID: m.TaskID, AccountID: owner, Detail: m.SenderLabel})
	return &m, nil
}

// ListMessages returns the notes of a task, oldest first.
func (s *Store) ListMessages(ctx context.Context, taskID string) ([]Message, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, author_account_id, sender_label, content, is_external, created_at
		FROM messages WHERE task_id = ? ORDER BY created_at, id;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m       Message
			author  sql.NullString
			created int64
		)
		if err := rows.Scan(&m.ID, &m.TaskID, &author, &m.SenderLabel, &m.Content, &m.IsExternal, &created); err != nil {
			return nil, err
		}
		m.AuthorAccountID = author.String
		m.CreatedAt = fromMillis(created)
		out = append(out, m)
	}
	return out, rows.Err()
}
