package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"
)

// User is an account holder. Balances are mutated only through the ledger
// package; api_keys holds provider credentials and never leaves the server.
type User struct {
	ID               int64             `json:"id"`
	Email            string            `json:"email"`
	PasswordHash     string            `json:"-"`
	TotalBalance     float64           `json:"total_balance"`
	AvailableBalance float64           `json:"available_balance"`
	LastBonusDate    string            `json:"last_bonus_date,omitempty"`
	DailyBonusAmount float64           `json:"daily_bonus_amount"`
	APIKeys          map[string]string `json:"-"`
	CreatedAt        time.Time         `json:"created_at"`
}

// CreateUser inserts a new account. A duplicate email returns ErrConflict.
func (d *DB) CreateUser(ctx context.Context, email, passwordHash string, dailyBonus float64) (int64, error) {
	res, err := d.sql.ExecContext(ctx, `
		INSERT INTO users (email, password_hash, daily_bonus_amount, created_at)
		VALUES (?, ?, ?, ?)
	`, email, passwordHash, dailyBonus, time.Now().Unix())
	if err != nil {
		return 0, classify(err)
	}
	return res.LastInsertId()
}

// GetUser fetches a user by id.
func (d *DB) GetUser(ctx context.Context, id int64) (*User, error) {
	return d.scanUser(d.sql.QueryRowContext(ctx, `
		SELECT id, email, password_hash, total_balance, available_balance,
		       last_bonus_date, daily_bonus_amount, api_keys, created_at
		FROM users WHERE id = ?
	`, id))
}

// GetUserByEmail fetches a user by email.
func (d *DB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return d.scanUser(d.sql.QueryRowContext(ctx, `
		SELECT id, email, password_hash, total_balance, available_balance,
		       last_bonus_date, daily_bonus_amount, api_keys, created_at
		FROM users WHERE email = ?
	`, email))
}

func (d *DB) scanUser(row *sql.Row) (*User, error) {
	var u User
	var keys string
	var createdAt int64
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.TotalBalance, &u.AvailableBalance,
		&u.LastBonusDate, &u.DailyBonusAmount, &keys, &createdAt)
	if err != nil {
		return nil, classify(err)
	}
	u.APIKeys = map[string]string{}
	json.Unmarshal([]byte(keys), &u.APIKeys)
	u.CreatedAt = time.Unix(createdAt, 0)
	return &u, nil
}

// SetUserAPIKeys replaces the stored provider credential map.
func (d *DB) SetUserAPIKeys(ctx context.Context, userID int64, keys map[string]string) error {
	if keys == nil {
		keys = map[string]string{}
	}
	encoded, _ := json.Marshal(keys)
	res, err := d.sql.ExecContext(ctx, `UPDATE users SET api_keys = ? WHERE id = ?`, string(encoded), userID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UserAPIKeyNames returns the names of stored credentials, sorted. Values
// stay server-side.
func (d *DB) UserAPIKeyNames(ctx context.Context, userID int64) ([]string, error) {
	u, err := d.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(u.APIKeys))
	for name := range u.APIKeys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
