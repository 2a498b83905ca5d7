package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskboard/internal/store"
)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "taskboard.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewManager(st, []byte("test-secret"), ttl), st
}

func TestRegisterLoginAuthenticate(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	user, token, err := m.Register(ctx, "alice", "Alice@Example.com", "hunter2")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Email != "alice@example.com" {
		t.Errorf("email = %q, want lowercased", user.Email)
	}
	if user.PasswordHash == "hunter2" || user.PasswordHash == "" {
		t.Fatal("password stored in plaintext or empty")
	}

	id, err := m.Authenticate(token)
	if err != nil {
		t.Fatalf("Authenticate registered token: %v", err)
	}
	if id.UserID != user.ID || id.Username != "alice" {
		t.Fatalf("identity = %+v", id)
	}

	_, loginToken, err := m.Login(ctx, "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := m.Authenticate(loginToken); err != nil {
		t.Fatalf("Authenticate login token: %v", err)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	if _, _, err := m.Register(ctx, "alice", "alice@example.com", "pw"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, _, err := m.Register(ctx, "alice", "other@example.com", "pw"); !errors.Is(err, ErrUserExists) {
		t.Fatalf("duplicate username: err = %v, want ErrUserExists", err)
	}
	if _, _, err := m.Register(ctx, "alice2", "alice@example.com", "pw"); !errors.Is(err, ErrUserExists) {
		t.Fatalf("duplicate email: err = %v, want ErrUserExists", err)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	if _, _, err := m.Register(ctx, "alice", "alice@example.com", "pw"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Unknown user and wrong password are indistinguishable.
	_, _, err := m.Login(ctx, "nobody@example.com", "pw")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: err = %v", err)
	}
	_, _, err = m.Login(ctx, "alice@example.com", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: err = %v", err)
	}
}

func TestAuthenticate_Rejects(t *testing.T) {
	m, st := newTestManager(t, time.Hour)
	ctx := context.Background()

	_, token, err := m.Register(ctx, "alice", "alice@example.com", "pw")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"truncated", token[:len(token)/2]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Authenticate(tc.token); !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("err = %v, want ErrUnauthenticated", err)
			}
		})
	}

	// A token signed with a different secret must be rejected too.
	other := NewManager(st, []byte("other-secret"), time.Hour)
	_, otherToken, err := other.Login(ctx, "alice@example.com", "pw")
	if err != nil {
		t.Fatalf("Login on other manager: %v", err)
	}
	if _, err := m.Authenticate(otherToken); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("foreign signature: err = %v, want ErrUnauthenticated", err)
	}
}
