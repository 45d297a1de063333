package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BuyerProfile configures how a user buys: the agent that inspects offers
// on their behalf and the default budget for child contexts. The counter
// maps are keyed by priority and feed the matcher's rate floors.
type BuyerProfile struct {
	UserID           int64         `json:"user_id"`
	AgentModel       string        `json:"agent_model"`
	AgentPrompt      string        `json:"agent_prompt"`
	DefaultMaxBudget float64       `json:"default_max_budget"`
	Queries          map[int]int64 `json:"queries"`
	Inspected        map[int]int64 `json:"inspected"`
	Purchased        map[int]int64 `json:"purchased"`
	CreatedAt        time.Time     `json:"created_at"`
}

// InspectionRate is inspected/queries for the given priority, 0 when the
// buyer has no queries there yet.
func (p *BuyerProfile) InspectionRate(priority int) float64 {
	q := p.Queries[priority]
	if q == 0 {
		return 0
	}
	return float64(p.Inspected[priority]) / float64(q)
}

// PurchaseRate is purchased/queries for the given priority.
func (p *BuyerProfile) PurchaseRate(priority int) float64 {
	q := p.Queries[priority]
	if q == 0 {
		return 0
	}
	return float64(p.Purchased[priority]) / float64(q)
}

// CreateBuyerProfile registers a user as a buyer. One profile per user.
func (d *DB) CreateBuyerProfile(ctx context.Context, userID int64, agentModel, agentPrompt string, defaultMaxBudget float64) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO buyer_profiles (user_id, agent_model, agent_prompt, default_max_budget, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, userID, agentModel, agentPrompt, defaultMaxBudget, time.Now().Unix())
	return classify(err)
}

// GetBuyerProfile fetches the buyer profile for a user id.
func (d *DB) GetBuyerProfile(ctx context.Context, userID int64) (*BuyerProfile, error) {
	return scanBuyerProfile(d.sql.QueryRowContext(ctx, `
		SELECT user_id, agent_model, agent_prompt, default_max_budget,
		       queries, inspected, purchased, created_at
		FROM buyer_profiles WHERE user_id = ?
	`, userID))
}

func scanBuyerProfile(row *sql.Row) (*BuyerProfile, error) {
	var p BuyerProfile
	var queries, inspected, purchased string
	var createdAt int64
	err := row.Scan(&p.UserID, &p.AgentModel, &p.AgentPrompt, &p.DefaultMaxBudget,
		&queries, &inspected, &purchased, &createdAt)
	if err != nil {
		return nil, classify(err)
	}
	p.Queries = decodeCounts(queries)
	p.Inspected = decodeCounts(inspected)
	p.Purchased = decodeCounts(purchased)
	p.CreatedAt = time.Unix(createdAt, 0)
	return &p, nil
}

// UpdateBuyerProfile replaces the agent configuration and default budget.
func (d *DB) UpdateBuyerProfile(ctx context.Context, userID int64, agentModel, agentPrompt string, defaultMaxBudget float64) error {
	res, err := d.sql.ExecContext(ctx, `
		UPDATE buyer_profiles SET agent_model = ?, agent_prompt = ?, default_max_budget = ?
		WHERE user_id = ?
	`, agentModel, agentPrompt, defaultMaxBudget, userID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Valid counter columns for BumpBuyerCounterTx.
const (
	CounterQueries   = "queries"
	CounterInspected = "inspected"
	CounterPurchased = "purchased"
)

// BumpBuyerCounterTx increments one priority bucket of a counter map.
// Runs inside the caller's transaction so the bump commits atomically with
// whatever triggered it (context creation, root settlement).
func BumpBuyerCounterTx(tx *sql.Tx, userID int64, counter string, priority int) error {
	switch counter {
	case CounterQueries, CounterInspected, CounterPurchased:
	default:
		return fmt.Errorf("unknown counter %q", counter)
	}
	var raw string
	query := fmt.Sprintf(`SELECT %s FROM buyer_profiles WHERE user_id = ?`, counter)
	if err := tx.QueryRow(query, userID).Scan(&raw); err != nil {
		return classify(err)
	}
	counts := decodeCounts(raw)
	counts[priority]++
	update := fmt.Sprintf(`UPDATE buyer_profiles SET %s = ? WHERE user_id = ?`, counter)
	_, err := tx.Exec(update, encodeCounts(counts), userID)
	return classify(err)
}

// CreateHumanSeller registers a user as a human seller.
func (d *DB) CreateHumanSeller(ctx context.Context, userID int64) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO human_sellers (user_id, created_at) VALUES (?, ?)
	`, userID, time.Now().Unix())
	return classify(err)
}

// HasHumanSeller reports whether the user holds a seller profile.
func (d *DB) HasHumanSeller(ctx context.Context, userID int64) (bool, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM human_sellers WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}
