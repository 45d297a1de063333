package db

import (
	"context"
	"database/sql"
)

// SellerTotal is the purchased-offer revenue owed to one seller when a
// root settles.
type SellerTotal struct {
	SellerKind string
	SellerID   int64
	Amount     float64
}

const contextTree = `
	WITH RECURSIVE tree(id) AS (
		SELECT id FROM contexts WHERE id = ?
		UNION ALL
		SELECT c.id FROM contexts c JOIN tree t ON c.parent_id = t.id
	)`

// TreePurchaseTotalsTx sums purchased-offer prices over a root's whole
// context tree: the grand total the buyer spent and the per-seller split.
func TreePurchaseTotalsTx(tx *sql.Tx, rootID int64) (float64, []SellerTotal, error) {
	rows, err := tx.Query(contextTree+`
		SELECT o.seller_kind, o.seller_id, SUM(o.price)
		FROM offers o JOIN tree t ON o.context_id = t.id
		WHERE o.purchased = 1
		GROUP BY o.seller_kind, o.seller_id
		ORDER BY o.seller_kind, o.seller_id
	`, rootID)
	if err != nil {
		return 0, nil, classify(err)
	}
	defer rows.Close()

	var total float64
	var totals []SellerTotal
	for rows.Next() {
		var st SellerTotal
		if err := rows.Scan(&st.SellerKind, &st.SellerID, &st.Amount); err != nil {
			return 0, nil, classify(err)
		}
		total += st.Amount
		totals = append(totals, st)
	}
	return total, totals, classify(rows.Err())
}

// TreeHasInspectedTx reports whether any offer in the root's tree was
// inspected. Feeds the once-per-root counter bump at settlement.
func TreeHasInspectedTx(tx *sql.Tx, rootID int64) (bool, error) {
	var n int
	err := tx.QueryRow(contextTree+`
		SELECT COUNT(*) FROM offers o JOIN tree t ON o.context_id = t.id
		WHERE o.inspected = 1
	`, rootID).Scan(&n)
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

// BotSellerOwnerTx resolves the user credited for a bot's sales.
func BotSellerOwnerTx(tx *sql.Tx, botID int64) (int64, error) {
	var userID int64
	err := tx.QueryRow(`SELECT user_id FROM bot_sellers WHERE id = ?`, botID).Scan(&userID)
	if err != nil {
		return 0, classify(err)
	}
	return userID, nil
}

// ContextTerminatedTx reads the settlement latch inside a transaction.
// Purchases check it so nothing can be bought after the root settled.
func ContextTerminatedTx(tx *sql.Tx, id int64) (bool, error) {
	var terminated int
	err := tx.QueryRow(`SELECT terminated FROM contexts WHERE id = ?`, id).Scan(&terminated)
	if err != nil {
		return false, classify(err)
	}
	return terminated != 0, nil
}

// TreeSpent is the running total of purchased-offer prices in a root's
// tree, used to carve remaining budget between inspection steps.
func (d *DB) TreeSpent(ctx context.Context, rootID int64) (float64, error) {
	var spent float64
	err := d.sql.QueryRowContext(ctx, contextTree+`
		SELECT COALESCE(SUM(o.price), 0)
		FROM offers o JOIN tree t ON o.context_id = t.id
		WHERE o.purchased = 1
	`, rootID).Scan(&spent)
	if err != nil {
		return 0, classify(err)
	}
	return spent, nil
}
