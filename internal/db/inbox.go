package db

import (
	"context"
	"database/sql"
	"time"
)

// Inbox item states.
const (
	InboxNew       = "new"
	InboxIgnored   = "ignored"
	InboxResponded = "responded"
)

// InboxItem is a matched context delivered to one subscription. The unique
// (subscription, context) key keeps re-matching idempotent.
type InboxItem struct {
	ID             int64     `json:"id"`
	SubscriptionID int64     `json:"subscription_id"`
	ContextID      int64     `json:"context_id"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// InboxEntry pairs an item with the context it points at, for seller inbox
// listings.
type InboxEntry struct {
	Item    InboxItem        `json:"item"`
	Context *DecisionContext `json:"context"`
}

// InsertInboxItemTx delivers a context to a subscription. Re-delivery of an
// existing pair is a no-op.
func InsertInboxItemTx(tx *sql.Tx, subscriptionID, contextID int64, expiresAt time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO inbox_items (subscription_id, context_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (subscription_id, context_id) DO NOTHING
	`, subscriptionID, contextID, time.Now().Unix(), expiresAt.Unix())
	return classify(err)
}

// PurgeInboxByContextTx drops every delivery of one context. Run before a
// re-match so items that no longer qualify disappear.
func PurgeInboxByContextTx(tx *sql.Tx, contextID int64) error {
	_, err := tx.Exec(`DELETE FROM inbox_items WHERE context_id = ?`, contextID)
	return classify(err)
}

// PurgeInboxBySubscriptionTx drops a subscription's whole inbox before its
// filter is replayed against open contexts.
func PurgeInboxBySubscriptionTx(tx *sql.Tx, subscriptionID int64) error {
	_, err := tx.Exec(`DELETE FROM inbox_items WHERE subscription_id = ?`, subscriptionID)
	return classify(err)
}

// ListInboxEntries returns a subscription's undismissed, unexpired inbox
// with the matched contexts attached, newest first.
func (d *DB) ListInboxEntries(ctx context.Context, subscriptionID int64) ([]*InboxEntry, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT i.id, i.subscription_id, i.context_id, i.status, i.created_at, i.expires_at,
		       c.id, c.buyer_id, c.query, c.context_pages, c.max_budget, c.priority,
		       c.parent_id, c.target_human_ids, c.target_bot_ids, c.terminated, c.created_at
		FROM inbox_items i JOIN contexts c ON c.id = i.context_id
		WHERE i.subscription_id = ? AND i.status = 'new' AND i.expires_at > ?
		ORDER BY i.id DESC
	`, subscriptionID, time.Now().Unix())
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var entries []*InboxEntry
	for rows.Next() {
		var e InboxEntry
		var c DecisionContext
		var itemCreated, itemExpires int64
		var pages, humans, bots string
		var parentID sql.NullInt64
		var terminated int
		var ctxCreated int64
		if err := rows.Scan(&e.Item.ID, &e.Item.SubscriptionID, &e.Item.ContextID, &e.Item.Status,
			&itemCreated, &itemExpires,
			&c.ID, &c.BuyerID, &c.Query, &pages, &c.MaxBudget, &c.Priority,
			&parentID, &humans, &bots, &terminated, &ctxCreated); err != nil {
			return nil, classify(err)
		}
		e.Item.CreatedAt = time.Unix(itemCreated, 0)
		e.Item.ExpiresAt = time.Unix(itemExpires, 0)
		c.ContextPages = decodeStrings(pages)
		c.ParentID = nullableID(parentID)
		c.TargetHumanIDs = decodeIDs(humans)
		c.TargetBotIDs = decodeIDs(bots)
		c.ParentOfferIDs = []int64{}
		c.Terminated = terminated != 0
		c.CreatedAt = time.Unix(ctxCreated, 0)
		e.Context = &c
		entries = append(entries, &e)
	}
	return entries, classify(rows.Err())
}

// BotSellersAwaiting returns the bot sellers holding a fresh, unexpired
// delivery of this context. The dispatcher answers exactly these.
func (d *DB) BotSellersAwaiting(ctx context.Context, contextID int64) ([]int64, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT DISTINCT s.seller_id
		FROM inbox_items i JOIN subscriptions s ON s.id = i.subscription_id
		WHERE i.context_id = ? AND i.status = 'new' AND i.expires_at > ?
		  AND s.seller_kind = 'bot'
	`, contextID, time.Now().Unix())
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	return ids, classify(rows.Err())
}

// SetInboxStatus moves one delivery between new/ignored/responded.
func (d *DB) SetInboxStatus(ctx context.Context, subscriptionID, contextID int64, status string) error {
	res, err := d.sql.ExecContext(ctx, `
		UPDATE inbox_items SET status = ? WHERE subscription_id = ? AND context_id = ?
	`, status, subscriptionID, contextID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatusForSeller moves every delivery of a context across the
// seller's subscriptions at once: to responded when an offer is posted,
// back to new when that offer is withdrawn.
func (d *DB) SetStatusForSeller(ctx context.Context, kind string, sellerID, contextID int64, status string) error {
	_, err := d.sql.ExecContext(ctx, `
		UPDATE inbox_items SET status = ?
		WHERE context_id = ? AND subscription_id IN (
			SELECT id FROM subscriptions WHERE seller_kind = ? AND seller_id = ?
		)
	`, status, contextID, kind, sellerID)
	return classify(err)
}

// DeleteExpiredInbox removes deliveries past their age limit and returns
// how many were dropped.
func (d *DB) DeleteExpiredInbox(ctx context.Context) (int64, error) {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM inbox_items WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}
