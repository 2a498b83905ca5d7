// Package auth is the session gate: registration, login, and bearer
// token verification. Passwords are stored only as bcrypt hashes and
// tokens are HS256 JWTs with a bounded lifetime.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/basket/taskboard/internal/store"
)

var (
	// ErrUnauthenticated rejects missing, malformed, expired, or
	// forged tokens. The caller maps it to 401.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInvalidCredentials is returned for both unknown users and
	// wrong passwords, so login failures do not reveal which.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUserExists rejects registration with a taken username or email.
	ErrUserExists = errors.New("user already exists")
)

// Identity is the authenticated caller attached to each request.
type Identity struct {
	UserID   string
	Username string
}

// Claims is the JWT payload for issued tokens.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Manager issues and verifies session tokens against the user store.
type Manager struct {
	store  *store.Store
	secret []byte
	ttl    time.Duration
}

func NewManager(st *store.Store, secret []byte, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{store: st, secret: secret, ttl: ttl}
}

// Register creates a user and returns it with a fresh token.
func (m *Manager) Register(ctx context.Context, username, email, password string) (*store.User, string, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(strings.ToLower(email))
	if username == "" || email == "" || password == "" {
		return nil, "", fmt.Errorf("username, email and password are required")
	}

	if _, err := m.store.GetUserByUsername(ctx, username); err == nil {
		return nil, "", ErrUserExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, "", err
	}
	if _, err := m.store.GetUserByEmail(ctx, email); err == nil {
		return nil, "", ErrUserExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}
	user, err := m.store.CreateUser(ctx, username, email, string(hash))
	if err != nil {
		return nil, "", err
	}
	token, err := m.issue(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Login verifies credentials and returns the user with a fresh token.
func (m *Manager) Login(ctx context.Context, email, password string) (*store.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, err := m.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrInvalidCredentials
	}
	token, err := m.issue(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Authenticate verifies a bearer token and returns the caller identity.
func (m *Manager) Authenticate(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrUnauthenticated
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid || claims.UserID == "" {
		return nil, ErrUnauthenticated
	}
	return &Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

func (m *Manager) issue(user *store.User) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
