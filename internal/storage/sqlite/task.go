package sqlite

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	bodhi "github.com/bodhiapp/bodhi/internal"
)

// CreateTask inserts a new task, assigning an ID if absent.
func (s *Store) CreateTask(ctx context.Context, t *bodhi.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.clock.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO tasks (id, kind, status, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Kind), string(t.Status), nullStr(t.Error),
		timeToStr(t.CreatedAt), timeToStr(t.UpdatedAt),
	)
	return err
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*bodhi.Task, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, kind, status, error, created_at, updated_at FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// UpdateTaskStatus transitions a task's status, recording an error message
// for terminal Error transitions.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status bodhi.TaskStatus, errMsg string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE tasks SET status=?, error=?, updated_at=? WHERE id=?`,
		string(status), nullStr(errMsg), timeToStr(s.clock.Now()), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result)
}

// ListPending returns every task not yet in a terminal state, oldest first,
// so the queue-status endpoint can report "processing" when non-empty.
func (s *Store) ListPending(ctx context.Context) ([]*bodhi.Task, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, kind, status, error, created_at, updated_at
		 FROM tasks WHERE status IN ('pending', 'processing') ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*bodhi.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row scanner) (*bodhi.Task, error) {
	var t bodhi.Task
	var kind, status string
	var errMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&t.ID, &kind, &status, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	t.Kind = bodhi.TaskKind(kind)
	t.Status = bodhi.TaskStatus(status)
	t.Error = errMsg.String
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}
