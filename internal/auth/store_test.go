package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"infonomy/internal/db"
)

func openTestStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "auth_test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRegisterLoginLogout(t *testing.T) {
	store := openTestStore(t)
	sessions := NewSessionStore(store, time.Hour)
	ctx := context.Background()

	u, err := sessions.Register(ctx, "Alice@Example.com", "hunter22pass", 10)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %q", u.Email)
	}
	if u.PasswordHash == "hunter22pass" || u.PasswordHash == "" {
		t.Fatal("password stored in the clear")
	}

	token, logged, err := sessions.Login(ctx, "alice@example.com", "hunter22pass")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if token == "" || logged.ID != u.ID {
		t.Fatalf("bad login result: %q %v", token, logged)
	}

	got, err := sessions.UserForToken(ctx, token)
	if err != nil {
		t.Fatalf("resolve token: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("token resolves to wrong user: %d", got.ID)
	}

	if err := sessions.Logout(ctx, token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := sessions.UserForToken(ctx, token); !errors.Is(err, ErrNoSession) {
		t.Fatalf("revoked token must fail, got %v", err)
	}
}

func TestLoginRejections(t *testing.T) {
	store := openTestStore(t)
	sessions := NewSessionStore(store, time.Hour)
	ctx := context.Background()

	if _, err := sessions.Register(ctx, "bob@example.com", "longenough", 10); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, _, err := sessions.Login(ctx, "bob@example.com", "wrongwrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: want ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := sessions.Login(ctx, "nobody@example.com", "whatever1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email: want ErrInvalidCredentials, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	store := openTestStore(t)
	sessions := NewSessionStore(store, time.Hour)
	ctx := context.Background()

	if _, err := sessions.Register(ctx, "not-an-email", "longenough", 10); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad email: want ErrInvalidInput, got %v", err)
	}
	if _, err := sessions.Register(ctx, "c@d.e", "short", 10); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("short password: want ErrInvalidInput, got %v", err)
	}
	if _, err := sessions.Register(ctx, "c@d.e", "longenough", 10); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := sessions.Register(ctx, "c@d.e", "longenough", 10); !db.IsConflict(err) {
		t.Fatalf("duplicate email: want ErrConflict, got %v", err)
	}
}

func TestExpiredSession(t *testing.T) {
	store := openTestStore(t)
	sessions := NewSessionStore(store, -time.Second) // already expired at mint
	ctx := context.Background()

	if _, err := sessions.Register(ctx, "exp@example.com", "longenough", 10); err != nil {
		t.Fatalf("register: %v", err)
	}
	token, _, err := sessions.Login(ctx, "exp@example.com", "longenough")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := sessions.UserForToken(ctx, token); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expired token must fail, got %v", err)
	}
	// The expired row was dropped on sight, so the purge finds nothing.
	n, err := sessions.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 0 {
		t.Fatalf("want 0 purged, got %d", n)
	}
}
