package db

import (
	"context"
	"database/sql"
	"time"
)

// Ledger entry kinds.
const (
	LedgerEscrow     = "escrow"
	LedgerSettle     = "settle"
	LedgerRefund     = "refund"
	LedgerDailyBonus = "daily_bonus"
	LedgerDeposit    = "deposit"
)

// LedgerEntry is one append-only balance movement. Amount is signed from
// the user's point of view: escrow holds are negative against available,
// seller credits and bonuses are positive.
type LedgerEntry struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Kind      string    `json:"kind"`
	Amount    float64   `json:"amount"`
	ContextID *int64    `json:"context_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertLedgerEntryTx appends an entry inside the caller's transaction so
// the trail commits with the balance mutation it describes.
func InsertLedgerEntryTx(tx *sql.Tx, e *LedgerEntry) error {
	var contextID any
	if e.ContextID != nil {
		contextID = *e.ContextID
	}
	_, err := tx.Exec(`
		INSERT INTO ledger_entries (user_id, kind, amount, context_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.UserID, e.Kind, e.Amount, contextID, time.Now().Unix())
	return classify(err)
}

// ListLedgerEntries returns a user's movements, newest first.
func (d *DB) ListLedgerEntries(ctx context.Context, userID int64, limit int) ([]*LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, user_id, kind, amount, context_id, created_at
		FROM ledger_entries WHERE user_id = ?
		ORDER BY id DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var contextID sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Amount, &contextID, &createdAt); err != nil {
			return nil, classify(err)
		}
		e.ContextID = nullableID(contextID)
		e.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, &e)
	}
	return entries, classify(rows.Err())
}
