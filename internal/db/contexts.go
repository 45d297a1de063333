package db

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// DecisionContext is a buyer's posted question with a budget. Root contexts
// (ParentID nil) are the public, settleable unit; children are spawned by
// inspections and stay private to the recursion that created them.
type DecisionContext struct {
	ID             int64     `json:"id"`
	BuyerID        int64     `json:"buyer_id"`
	Query          string    `json:"query"`
	ContextPages   []string  `json:"context_pages"`
	MaxBudget      float64   `json:"max_budget"`
	Priority       int       `json:"priority"`
	ParentID       *int64    `json:"parent_id,omitempty"`
	TargetHumanIDs []int64   `json:"target_human_ids"`
	TargetBotIDs   []int64   `json:"target_bot_ids"`
	ParentOfferIDs []int64   `json:"parent_offer_ids"`
	Terminated     bool      `json:"terminated"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsRoot reports whether the context was posted directly by a buyer.
func (c *DecisionContext) IsRoot() bool { return c.ParentID == nil }

const contextCols = `id, buyer_id, query, context_pages, max_budget, priority,
	parent_id, target_human_ids, target_bot_ids, terminated, created_at`

// InsertContextTx inserts a context inside an open transaction, so creation
// commits atomically with the escrow and counter bump. Returns the new id.
func InsertContextTx(tx *sql.Tx, c *DecisionContext) (int64, error) {
	var parentID any
	if c.ParentID != nil {
		parentID = *c.ParentID
	}
	res, err := tx.Exec(`
		INSERT INTO contexts (buyer_id, query, context_pages, max_budget, priority,
			parent_id, target_human_ids, target_bot_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.BuyerID, c.Query, encodeStrings(c.ContextPages), c.MaxBudget, c.Priority,
		parentID, encodeIDs(c.TargetHumanIDs), encodeIDs(c.TargetBotIDs), time.Now().Unix())
	if err != nil {
		return 0, classify(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, offerID := range c.ParentOfferIDs {
		if _, err := tx.Exec(`
			INSERT INTO context_parent_offers (context_id, offer_id) VALUES (?, ?)
		`, id, offerID); err != nil {
			return 0, classify(err)
		}
	}
	c.ID = id
	return id, nil
}

// GetContext fetches one context with its parent-offer links.
func (d *DB) GetContext(ctx context.Context, id int64) (*DecisionContext, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT `+contextCols+` FROM contexts WHERE id = ?`, id)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	list, err := scanContexts(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	if err := d.loadParentOffers(ctx, list); err != nil {
		return nil, err
	}
	return list[0], nil
}

// ListContextsByBuyer returns the buyer's root contexts, newest first.
func (d *DB) ListContextsByBuyer(ctx context.Context, buyerID int64) ([]*DecisionContext, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT `+contextCols+` FROM contexts
		WHERE buyer_id = ? AND parent_id IS NULL
		ORDER BY created_at DESC, id DESC
	`, buyerID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	list, err := scanContexts(rows)
	if err != nil {
		return nil, err
	}
	if err := d.loadParentOffers(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

// ListChildContexts returns the direct children of a context.
func (d *DB) ListChildContexts(ctx context.Context, parentID int64) ([]*DecisionContext, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT `+contextCols+` FROM contexts WHERE parent_id = ? ORDER BY id
	`, parentID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	list, err := scanContexts(rows)
	if err != nil {
		return nil, err
	}
	if err := d.loadParentOffers(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

// ListOpenRootContexts returns unterminated roots passing the given floors.
// Subscription-side matching replays only these; children never appear in
// any seller's inbox backfill.
func (d *DB) ListOpenRootContexts(ctx context.Context, minBudget float64, minPriority int) ([]*DecisionContext, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT `+contextCols+` FROM contexts
		WHERE parent_id IS NULL AND terminated = 0 AND max_budget >= ? AND priority >= ?
		ORDER BY id
	`, minBudget, minPriority)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	list, err := scanContexts(rows)
	if err != nil {
		return nil, err
	}
	if err := d.loadParentOffers(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

func scanContexts(rows *sql.Rows) ([]*DecisionContext, error) {
	var list []*DecisionContext
	for rows.Next() {
		var c DecisionContext
		var pages, humans, bots string
		var parentID sql.NullInt64
		var terminated int
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.BuyerID, &c.Query, &pages, &c.MaxBudget, &c.Priority,
			&parentID, &humans, &bots, &terminated, &createdAt); err != nil {
			return nil, classify(err)
		}
		c.ContextPages = decodeStrings(pages)
		c.ParentID = nullableID(parentID)
		c.TargetHumanIDs = decodeIDs(humans)
		c.TargetBotIDs = decodeIDs(bots)
		c.ParentOfferIDs = []int64{}
		c.Terminated = terminated != 0
		c.CreatedAt = time.Unix(createdAt, 0)
		list = append(list, &c)
	}
	return list, classify(rows.Err())
}

func (d *DB) loadParentOffers(ctx context.Context, list []*DecisionContext) error {
	if len(list) == 0 {
		return nil
	}
	byID := make(map[int64]*DecisionContext, len(list))
	args := make([]any, len(list))
	for i, c := range list {
		byID[c.ID] = c
		args[i] = c.ID
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(list)), ",")
	rows, err := d.sql.QueryContext(ctx, `
		SELECT context_id, offer_id FROM context_parent_offers
		WHERE context_id IN (`+placeholders+`) ORDER BY offer_id
	`, args...)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var ctxID, offerID int64
		if err := rows.Scan(&ctxID, &offerID); err != nil {
			return classify(err)
		}
		if c := byID[ctxID]; c != nil {
			c.ParentOfferIDs = append(c.ParentOfferIDs, offerID)
		}
	}
	return classify(rows.Err())
}

// UpdateContext patches the mutable fields. Budget and priority are fixed
// at creation because escrow and the queries counter were taken against them.
func (d *DB) UpdateContext(ctx context.Context, id int64, query string, pages []string) error {
	res, err := d.sql.ExecContext(ctx, `
		UPDATE contexts SET query = ?, context_pages = ? WHERE id = ?
	`, query, encodeStrings(pages), id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetContextTerminatedTx flips the settlement latch inside the caller's
// transaction. Returns ErrConflict when the context was already terminated,
// which is how re-settlement is fenced out.
func SetContextTerminatedTx(tx *sql.Tx, id int64) error {
	res, err := tx.Exec(`UPDATE contexts SET terminated = 1 WHERE id = ? AND terminated = 0`, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// DeleteContext removes a context. Children, offers, parent-offer links and
// inbox rows go with it via cascade.
func (d *DB) DeleteContext(ctx context.Context, id int64) error {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM contexts WHERE id = ?`, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
