package db

import (
	"context"
	"database/sql"
	"time"
)

// Seller kinds used by subscriptions and offers.
const (
	SellerHuman = "human"
	SellerBot   = "bot"
)

// Subscription is a seller's standing filter over new decision contexts.
// Empty slice or zero-value predicates mean "no constraint".
type Subscription struct {
	ID                int64     `json:"id"`
	SellerKind        string    `json:"seller_kind"`
	SellerID          int64     `json:"seller_id"`
	Keywords          []string  `json:"keywords"`
	ContextPages      []string  `json:"context_pages"`
	MinBudget         float64   `json:"min_budget"`
	MinPriority       int       `json:"min_priority"`
	MinInspectionRate float64   `json:"min_inspection_rate"`
	MinPurchaseRate   float64   `json:"min_purchase_rate"`
	BuyerType         string    `json:"buyer_type"`
	BuyerModels       []string  `json:"buyer_models"`
	PromptKeywords    []string  `json:"prompt_keywords"`
	AgeLimit          int64     `json:"age_limit"`
	CreatedAt         time.Time `json:"created_at"`
}

const subscriptionCols = `id, seller_kind, seller_id, keywords, context_pages,
	min_budget, min_priority, min_inspection_rate, min_purchase_rate,
	buyer_type, buyer_models, prompt_keywords, age_limit, created_at`

// CreateSubscription inserts a subscription and returns its id.
func (d *DB) CreateSubscription(ctx context.Context, s *Subscription) (int64, error) {
	if s.AgeLimit <= 0 {
		s.AgeLimit = 604800 // one week
	}
	res, err := d.sql.ExecContext(ctx, `
		INSERT INTO subscriptions (seller_kind, seller_id, keywords, context_pages,
			min_budget, min_priority, min_inspection_rate, min_purchase_rate,
			buyer_type, buyer_models, prompt_keywords, age_limit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.SellerKind, s.SellerID, encodeStrings(s.Keywords), encodeStrings(s.ContextPages),
		s.MinBudget, s.MinPriority, s.MinInspectionRate, s.MinPurchaseRate,
		s.BuyerType, encodeStrings(s.BuyerModels), encodeStrings(s.PromptKeywords),
		s.AgeLimit, time.Now().Unix())
	if err != nil {
		return 0, classify(err)
	}
	return res.LastInsertId()
}

// GetSubscription fetches one subscription.
func (d *DB) GetSubscription(ctx context.Context, id int64) (*Subscription, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT `+subscriptionCols+` FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	subs, err := scanSubscriptions(rows)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrNotFound
	}
	return subs[0], nil
}

// ListSubscriptionsBySeller returns all subscriptions held by one seller.
func (d *DB) ListSubscriptionsBySeller(ctx context.Context, kind string, sellerID int64) ([]*Subscription, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT `+subscriptionCols+` FROM subscriptions
		WHERE seller_kind = ? AND seller_id = ? ORDER BY id
	`, kind, sellerID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ListCandidateSubscriptions narrows by the indexed floors before the
// matcher applies the full predicate chain in memory.
func (d *DB) ListCandidateSubscriptions(ctx context.Context, maxBudget float64, priority int) ([]*Subscription, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT `+subscriptionCols+` FROM subscriptions
		WHERE min_budget <= ? AND min_priority <= ? ORDER BY id
	`, maxBudget, priority)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		var s Subscription
		var keywords, pages, models, promptKw string
		var createdAt int64
		if err := rows.Scan(&s.ID, &s.SellerKind, &s.SellerID, &keywords, &pages,
			&s.MinBudget, &s.MinPriority, &s.MinInspectionRate, &s.MinPurchaseRate,
			&s.BuyerType, &models, &promptKw, &s.AgeLimit, &createdAt); err != nil {
			return nil, classify(err)
		}
		s.Keywords = decodeStrings(keywords)
		s.ContextPages = decodeStrings(pages)
		s.BuyerModels = decodeStrings(models)
		s.PromptKeywords = decodeStrings(promptKw)
		s.CreatedAt = time.Unix(createdAt, 0)
		subs = append(subs, &s)
	}
	return subs, classify(rows.Err())
}

// UpdateSubscription replaces all predicate fields.
func (d *DB) UpdateSubscription(ctx context.Context, s *Subscription) error {
	if s.AgeLimit <= 0 {
		s.AgeLimit = 604800
	}
	res, err := d.sql.ExecContext(ctx, `
		UPDATE subscriptions SET keywords = ?, context_pages = ?, min_budget = ?,
			min_priority = ?, min_inspection_rate = ?, min_purchase_rate = ?,
			buyer_type = ?, buyer_models = ?, prompt_keywords = ?, age_limit = ?
		WHERE id = ?
	`, encodeStrings(s.Keywords), encodeStrings(s.ContextPages), s.MinBudget,
		s.MinPriority, s.MinInspectionRate, s.MinPurchaseRate,
		s.BuyerType, encodeStrings(s.BuyerModels), encodeStrings(s.PromptKeywords),
		s.AgeLimit, s.ID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubscription removes a subscription and, via cascade, its inbox.
func (d *DB) DeleteSubscription(ctx context.Context, id int64) error {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubscriptionsBySeller removes every subscription a seller holds.
func (d *DB) DeleteSubscriptionsBySeller(ctx context.Context, kind string, sellerID int64) error {
	_, err := d.sql.ExecContext(ctx, `
		DELETE FROM subscriptions WHERE seller_kind = ? AND seller_id = ?
	`, kind, sellerID)
	return classify(err)
}
