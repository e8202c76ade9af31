package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"boardflow/internal/domain"
)

// TaskStore is the SQLite task repository.
type TaskStore struct {
	DB  *sql.DB
	Now func() time.Time
}

const taskColumns = `id,project_id,COALESCE(section_id,''),COALESCE(parent_task_id,''),title,COALESCE(description,''),completed,completed_at,due_date,ord,section_entered_at,COALESCE(created_by_rule,''),created_at,updated_at`

func (s TaskStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var completed int
	var completedAt, dueDate, enteredAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.ProjectID, &t.SectionID, &t.ParentTaskID, &t.Title, &t.Description, &completed,
		&completedAt, &dueDate, &t.Order, &enteredAt, &t.CreatedByRule, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Completed = completed != 0
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return t, err
	}
	if t.DueDate, err = parseNullTime(dueDate); err != nil {
		return t, err
	}
	if t.SectionEnteredAt, err = parseNullTime(enteredAt); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	t.UpdatedAt, err = parseTime(updatedAt)
	return t, err
}

func (s TaskStore) query(ctx context.Context, where string, args ...any) ([]domain.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY COALESCE(section_id,''), ord, created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (s TaskStore) FindByID(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (s TaskStore) FindByProjectID(ctx context.Context, projectID string) ([]domain.Task, error) {
	return s.query(ctx, `WHERE project_id=?`, projectID)
}

func (s TaskStore) FindByParentTaskID(ctx context.Context, parentID string) ([]domain.Task, error) {
	return s.query(ctx, `WHERE parent_task_id=?`, parentID)
}

func (s TaskStore) FindAll(ctx context.Context) ([]domain.Task, error) {
	return s.query(ctx, ``)
}

// Create inserts t, assigning an id and timestamps when missing.
func (s TaskStore) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	now := s.now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `INSERT INTO tasks(id,project_id,section_id,parent_task_id,title,description,completed,completed_at,due_date,ord,section_entered_at,created_by_rule,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullable(t.SectionID), nullable(t.ParentTaskID), t.Title, nullable(t.Description), boolInt(t.Completed),
		nullableTime(t.CompletedAt), nullableTime(t.DueDate), t.Order, nullableTime(t.SectionEnteredAt), nullable(t.CreatedByRule),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return t, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// Update applies a partial patch and returns the stored result.
func (s TaskStore) Update(ctx context.Context, id string, patch domain.Fields) (domain.Task, error) {
	t, err := s.FindByID(ctx, id)
	if err != nil {
		return t, err
	}
	if err := t.Apply(patch); err != nil {
		return t, err
	}
	t.UpdatedAt = s.now()
	_, err = s.DB.ExecContext(ctx, `UPDATE tasks SET section_id=?, parent_task_id=?, title=?, description=?, completed=?, completed_at=?, due_date=?, ord=?, section_entered_at=?, updated_at=? WHERE id=?`,
		nullable(t.SectionID), nullable(t.ParentTaskID), t.Title, nullable(t.Description), boolInt(t.Completed),
		nullableTime(t.CompletedAt), nullableTime(t.DueDate), t.Order, nullableTime(t.SectionEnteredAt), formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return t, fmt.Errorf("update task: %w", err)
	}
	return t, nil
}

// Delete removes the task and, through the parent cascade, its subtasks.
func (s TaskStore) Delete(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
