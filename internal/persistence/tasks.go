package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskbot/internal/bus"
	"github.com/google/uuid"
)

// Task statuses in display order. Rows may carry other values written by
// other clients of the same database; those sort after these.
const (
	StatusToDo       = "To do"
	StatusInProgress = "In progress"
	StatusBlocked    = "Blocked"
	StatusDone       = "Done"
	StatusCancelled  = "Cancelled"
)

type Task struct {
	ID             string
	OwnerAccountID string
	Name           string
	Description    *string
	Status         string
	Deadline       string
	Tags           []string
	SortOrder      *float64
	CreatedAt      time.Time
}

// NewTask carries the fields for CreateTask. Zero Status means "To do" and
// zero CreatedAt means now.
type NewTask struct {
	OwnerAccountID string
	Name           string
	Description    *string
	Status         string
	Deadline       string
	Tags           []string
	SortOrder      *float64
	CreatedAt      time.Time
}

const taskColumns = `id, owner_account_id, name, description, status, deadline, tags, sort_order, created_at`

func scanTask(row rowScanner) (*Task, error) {
	var (
		t           Task
		description sql.NullString
		deadline    sql.NullString
		tags        string
		sortOrder   sql.NullFloat64
		created     int64
	)
	if err := row.Scan(&t.ID, &t.OwnerAccountID, &t.Name, &description, &t.Status, &deadline, &tags, &sortOrder, &created); err != nil {
		return nil, err
	}
	if description.Valid {
		d := description.String
		t.Description = &d
	}
	t.Deadline = deadline.String
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for task %s: %w", t.ID, err)
		}
	}
	if sortOrder.Valid {
		v := sortOrder.Float64
		t.SortOrder = &v
	}
	t.CreatedAt = fromMillis(created)
	return &t, nil
}

func (s *Store) CreateTask(ctx context.Context, in NewTask) (*Task, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("create task: empty name")
	}
	t := &Task{
		ID:             uuid.NewString(),
		OwnerAccountID: in.OwnerAccountID,
		Name:           in.Name,
		Description:    in.Description,
		Status:         in.Status,
		Deadline:       in.Deadline,
		Tags:           in.Tags,
		SortOrder:      in.SortOrder,
		CreatedAt:      in.CreatedAt,
	}
	if t.Status == "" {
		t.Status = StatusToDo
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.CreatedAt = t.CreatedAt.UTC().Truncate(time.Millisecond)
	if t.Tags == nil {
		t.Tags = []string{}
	}
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	var description sql.NullString
	if t.Description != nil {
		description = sql.NullString{String: *t.Description, Valid: true}
	}
	var sortOrder sql.NullFloat64
	if t.SortOrder != nil {
		sortOrder = sql.NullFloat64{Float64: *t.SortOrder, Valid: true}
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()
	err = retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, owner_account_id, name, description, status, deadline, tags, sort_order, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.OwnerAccountID, t.Name, description, t.Status, nullString(t.Deadline), string(tags), sortOrder, toMillis(t.CreatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.publish(bus.TopicTaskCreated, bus.TaskEvent{TaskID: t.ID, AccountID: t.OwnerAccountID, Detail: t.Name})
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, accountID, taskID string) (*Task, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ? AND owner_account_id = ?;`, taskID, accountID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasksForContext returns up to limit tasks of the account ordered by
// status rank, then sort_order ascending with unset values first, then
// newest first, then id.
func (s *Store) ListTasksForContext(ctx context.Context, accountID string, limit int) ([]Task, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE owner_account_id = ?
		ORDER BY
			CASE status
				WHEN 'To do' THEN 0
				WHEN 'In progress' THEN 1
				WHEN 'Blocked' THEN 2
				WHEN 'Done' THEN 3
				WHEN 'Cancelled' THEN 4
				ELSE 5
			END,
			sort_order IS NOT NULL,
			sort_order,
			created_at DESC,
			id
		LIMIT ?;
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

// FindTasksByName returns up to limit tasks of the account whose name
// contains query, ignoring ASCII case. LIKE wildcards in query match
// literally.
func (s *Store) FindTasksByName(ctx context.Context, accountID, query string, limit int) ([]Task, error) {
	pattern := "%" + escapeLike(query) + "%"
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE owner_account_id = ? AND name LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, id
		LIMIT ?;
	`, accountID, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("find tasks: %w", err)
	}
	return collectTasks(rows)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// SetTaskDeadline updates the deadline of a task owned by accountID.
// ErrNotFound means nothing was updated.
func (s *Store) SetTaskDeadline(ctx context.Context, accountID, taskID, deadline string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var n int64
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE tasks SET deadline = ? WHERE id = ? AND owner_account_id = ?;`,
			deadline, taskID, accountID)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.publish(bus.TopicTaskDeadlineSet, bus.TaskEvent{TaskID: taskID, AccountID: accountID, Detail: deadline})
	return nil
}
