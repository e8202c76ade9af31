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

type SectionStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func scanSection(row scanner) (domain.Section, error) {
	var s domain.Section
	var created string
	err := row.Scan(&s.ID, &s.ProjectID, &s.Name, &s.Order, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.CreatedAt, err = parseTime(created)
	return s, err
}

func (s SectionStore) FindByID(ctx context.Context, id string) (domain.Section, error) {
	return scanSection(s.DB.QueryRowContext(ctx, `SELECT id,project_id,name,ord,created_at FROM sections WHERE id=?`, id))
}

func (s SectionStore) FindByProjectID(ctx context.Context, projectID string) ([]domain.Section, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,project_id,name,ord,created_at FROM sections WHERE project_id=? ORDER BY ord, created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Section
	for rows.Next() {
		sec, err := scanSection(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sec)
	}
	return res, rows.Err()
}

func (s SectionStore) Create(ctx context.Context, sec domain.Section) (domain.Section, error) {
	if sec.ID == "" {
		sec.ID = uuid.NewString()
	}
	if sec.CreatedAt.IsZero() {
		if s.Now != nil {
			sec.CreatedAt = s.Now()
		} else {
			sec.CreatedAt = time.Now()
		}
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO sections(id,project_id,name,ord,created_at) VALUES (?,?,?,?,?)`,
		sec.ID, sec.ProjectID, sec.Name, sec.Order, formatTime(sec.CreatedAt))
	if err != nil {
		return sec, fmt.Errorf("insert section: %w", err)
	}
	return sec, nil
}

func (s SectionStore) Update(ctx context.Context, id string, patch domain.Fields) (domain.Section, error) {
	sec, err := s.FindByID(ctx, id)
	if err != nil {
		return sec, err
	}
	if err := sec.Apply(patch); err != nil {
		return sec, err
	}
	if _, err := s.DB.ExecContext(ctx, `UPDATE sections SET name=?, ord=? WHERE id=?`, sec.Name, sec.Order, id); err != nil {
		return sec, fmt.Errorf("update section: %w", err)
	}
	return sec, nil
}

// Delete removes the section. Its cards stay on the board without a section.
func (s SectionStore) Delete(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sections WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
