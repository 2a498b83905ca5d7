package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendActionTx appends an action log entry inside tx and returns its
// id. The table is append-only; nothing in this package updates or
// deletes from it.
func AppendActionTx(tx *sql.Tx, kind ActionKind, taskID, userID, details string, at time.Time) (int64, error) {
	res, err := tx.Exec(`
		INSERT INTO actions (action, task_id, user_id, details, created_at)
		VALUES (?, ?, ?, ?, ?);
	`, kind, taskID, userID, details, at)
	if err != nil {
		return 0, fmt.Errorf("insert action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("action insert id: %w", err)
	}
	return id, nil
}

// RecentActionViews returns the newest limit entries, newest first.
// Ordering is by rowid so entries logged within the same second cannot
// interleave.
func (s *Store) RecentActionViews(ctx context.Context, limit int) ([]ActionView, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.action, COALESCE(a.task_id, ''), u.id, u.username, a.details, a.created_at
		FROM actions a
		JOIN users u ON u.id = a.user_id
		ORDER BY a.id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	views := []ActionView{}
	for rows.Next() {
		var v ActionView
		if err := rows.Scan(&v.ID, &v.Action, &v.TaskID, &v.User.ID, &v.User.Username, &v.Details, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// CountActions returns the total number of log entries. Retention is
// unbounded; this exists for tests and diagnostics.
func (s *Store) CountActions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM actions;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return n, nil
}
