package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateUser inserts a new user with a generated id. The caller hashes
// the password; this layer never sees plaintext.
func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string) (*User, error) {
	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO users (id, username, email, password_hash, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, u.ID, u.Username, u.Email, u.PasswordHash, u.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, `SELECT id, username, email, password_hash, created_at FROM users WHERE id = ?;`, id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, `SELECT id, username, email, password_hash, created_at FROM users WHERE email = ?;`, email)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, `SELECT id, username, email, password_hash, created_at FROM users WHERE username = ?;`, username)
}

func (s *Store) getUser(ctx context.Context, query string, arg any) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// ListUsers returns all users as {id, username} refs in creation order.
func (s *Store) ListUsers(ctx context.Context) ([]UserRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username FROM users ORDER BY created_at, id;
	`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	refs := []UserRef{}
	for rows.Next() {
		var r UserRef
		if err := rows.Scan(&r.ID, &r.Username); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// UserExistsTx reports whether a user row with the given id exists
// inside tx. Used to validate assignee references before a mutation.
func UserExistsTx(tx *sql.Tx, id string) (bool, error) {
	var n int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM users WHERE id = ?;`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("query user exists: %w", err)
	}
	return n > 0, nil
}

// ActiveTaskCountsTx returns every user paired with their count of
// assigned tasks in Todo or In Progress, enumerated in user creation
// order. The stable ordering makes tie-breaking deterministic.
func ActiveTaskCountsTx(tx *sql.Tx) ([]UserTaskCount, error) {
	rows, err := tx.Query(`
		SELECT u.id, u.username, COUNT(t.id)
		FROM users u
		LEFT JOIN tasks t ON t.assigned_to = u.id AND t.status IN ('Todo', 'In Progress')
		GROUP BY u.id, u.username
		ORDER BY u.created_at, u.id;
	`)
	if err != nil {
		return nil, fmt.Errorf("query active task counts: %w", err)
	}
	defer rows.Close()

	counts := []UserTaskCount{}
	for rows.Next() {
		var c UserTaskCount
		if err := rows.Scan(&c.User.ID, &c.User.Username, &c.Count); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
