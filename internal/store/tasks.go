package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const taskColumns = `id, title, description, status, priority, assigned_to, created_by, last_edited_by, version, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var assignedTo sql.NullString
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&assignedTo, &t.CreatedBy, &t.LastEditedBy, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if assignedTo.Valid {
		t.AssignedTo = &assignedTo.String
	}
	return &t, nil
}

// GetTaskTx fetches a task row inside tx. Returns ErrNotFound when the
// id is unknown.
func GetTaskTx(tx *sql.Tx, id string) (*Task, error) {
	t, err := scanTask(tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// TitleTakenTx reports whether another task already holds title
// (exact match). excludeID skips the task being renamed.
func TitleTakenTx(tx *sql.Tx, title, excludeID string) (bool, error) {
	var n int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM tasks WHERE title = ? AND id != ?;`, title, excludeID).Scan(&n); err != nil {
		return false, fmt.Errorf("query title taken: %w", err)
	}
	return n > 0, nil
}

// InsertTaskTx writes a new task row. The caller has already validated
// the fields and set version=1.
func InsertTaskTx(tx *sql.Tx, t *Task) error {
	_, err := tx.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, t.ID, t.Title, t.Description, t.Status, t.Priority, nullable(t.AssignedTo),
		t.CreatedBy, t.LastEditedBy, t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTaskTx persists a mutated task row. fromVersion is the version
// the mutation was validated against; the WHERE clause re-checks it so
// a lost update cannot slip through even if locking discipline breaks.
func UpdateTaskTx(tx *sql.Tx, t *Task, fromVersion int64) error {
	res, err := tx.Exec(`
		UPDATE tasks
		SET title = ?, description = ?, status = ?, priority = ?, assigned_to = ?,
		    last_edited_by = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?;
	`, t.Title, t.Description, t.Status, t.Priority, nullable(t.AssignedTo),
		t.LastEditedBy, t.Version, t.UpdatedAt, t.ID, fromVersion)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update task %s: version changed underfoot", t.ID)
	}
	return nil
}

// DeleteTaskTx removes a task row. Returns ErrNotFound when nothing
// was deleted.
func DeleteTaskTx(tx *sql.Tx, id string) error {
	res, err := tx.Exec(`DELETE FROM tasks WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

const taskViewQuery = `
	SELECT t.id, t.title, t.description, t.status, t.priority,
	       a.id, a.username,
	       c.id, c.username,
	       e.id, e.username,
	       t.version, t.created_at, t.updated_at
	FROM tasks t
	LEFT JOIN users a ON a.id = t.assigned_to
	JOIN users c ON c.id = t.created_by
	JOIN users e ON e.id = t.last_edited_by`

func scanTaskView(row interface{ Scan(...any) error }) (*TaskView, error) {
	var v TaskView
	var aid, aname sql.NullString
	err := row.Scan(&v.ID, &v.Title, &v.Description, &v.Status, &v.Priority,
		&aid, &aname,
		&v.CreatedBy.ID, &v.CreatedBy.Username,
		&v.LastEditedBy.ID, &v.LastEditedBy.Username,
		&v.Version, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if aid.Valid {
		v.AssignedTo = &UserRef{ID: aid.String, Username: aname.String}
	}
	return &v, nil
}

// GetTaskView returns a single task with user refs resolved.
func (s *Store) GetTaskView(ctx context.Context, id string) (*TaskView, error) {
	v, err := scanTaskView(s.db.QueryRowContext(ctx, taskViewQuery+` WHERE t.id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query task view: %w", err)
	}
	return v, nil
}

// GetTaskViewTx is GetTaskView inside an open transaction, used to
// capture the authoritative record for conflict responses.
func GetTaskViewTx(tx *sql.Tx, id string) (*TaskView, error) {
	v, err := scanTaskView(tx.QueryRow(taskViewQuery+` WHERE t.id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query task view: %w", err)
	}
	return v, nil
}

// ListTaskViews returns all tasks newest-created-first with user refs
// resolved.
func (s *Store) ListTaskViews(ctx context.Context) ([]TaskView, error) {
	rows, err := s.db.QueryContext(ctx, taskViewQuery+` ORDER BY t.created_at DESC, t.id DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query task views: %w", err)
	}
	defer rows.Close()

	views := []TaskView{}
	for rows.Next() {
		v, err := scanTaskView(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task view: %w", err)
		}
		views = append(views, *v)
	}
	return views, rows.Err()
}
