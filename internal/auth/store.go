// Package auth issues and checks bearer session tokens backed by the
// sessions table, and owns password hashing.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"infonomy/internal/db"
	"infonomy/internal/logger"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials covers both unknown email and wrong password,
	// deliberately indistinguishable to the caller.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrNoSession means the bearer token is unknown or expired.
	ErrNoSession = errors.New("invalid or expired session")
	// ErrInvalidInput flags malformed registration data.
	ErrInvalidInput = errors.New("invalid input")
)

// SessionStore manages login sessions on the shared database.
type SessionStore struct {
	store *db.DB
	ttl   time.Duration
}

func NewSessionStore(store *db.DB, ttl time.Duration) *SessionStore {
	return &SessionStore{store: store, ttl: ttl}
}

// HashPassword derives the stored form of a password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Register creates a new account. Email must look like an address and the
// password must be at least 8 characters.
func (s *SessionStore) Register(ctx context.Context, email, password string, dailyBonus float64) (*db.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") || len(email) < 3 {
		return nil, fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	id, err := s.store.CreateUser(ctx, email, hash, dailyBonus)
	if err != nil {
		return nil, err
	}
	logger.Info("AUTH", fmt.Sprintf("Registered %s (user %d)", email, id))
	return s.store.GetUser(ctx, id)
}

// Login checks credentials and mints a session token.
func (s *SessionStore) Login(ctx context.Context, email, password string) (string, *db.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := s.store.GetUserByEmail(ctx, email)
	if db.IsNotFound(err) {
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}
	if !checkPassword(u.PasswordHash, password) {
		return "", nil, ErrInvalidCredentials
	}

	token := uuid.NewString()
	now := time.Now()
	_, err = s.store.SqlDB().ExecContext(ctx, `
		INSERT INTO sessions (token, user_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, token, u.ID, now.Unix(), now.Add(s.ttl).Unix())
	if err != nil {
		return "", nil, err
	}
	return token, u, nil
}

// Logout revokes one token. Revoking an unknown token is not an error.
func (s *SessionStore) Logout(ctx context.Context, token string) error {
	_, err := s.store.SqlDB().ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	return err
}

// UserForToken resolves a bearer token to its user. Expired sessions are
// dropped on sight.
func (s *SessionStore) UserForToken(ctx context.Context, token string) (*db.User, error) {
	if token == "" {
		return nil, ErrNoSession
	}
	var userID, expiresAt int64
	err := s.store.SqlDB().QueryRowContext(ctx, `
		SELECT user_id, expires_at FROM sessions WHERE token = ?
	`, token).Scan(&userID, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() >= expiresAt {
		s.store.SqlDB().ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
		return nil, ErrNoSession
	}
	return s.store.GetUser(ctx, userID)
}

// PurgeExpired drops all expired sessions.
func (s *SessionStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.store.SqlDB().ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
