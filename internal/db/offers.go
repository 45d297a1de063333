package db

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// InfoOffer is a seller's priced answer to a decision context. PrivateInfo
// is revealed to the buyer only on inspection; PublicInfo is the teaser
// anyone party to the context may see.
type InfoOffer struct {
	ID          int64     `json:"id"`
	ContextID   int64     `json:"context_id"`
	SellerKind  string    `json:"seller_kind"`
	SellerID    int64     `json:"seller_id"`
	PrivateInfo string    `json:"private_info"`
	PublicInfo  string    `json:"public_info"`
	Price       float64   `json:"price"`
	Inspected   bool      `json:"inspected"`
	Purchased   bool      `json:"purchased"`
	CreatedAt   time.Time `json:"created_at"`
}

const offerCols = `id, context_id, seller_kind, seller_id, private_info,
	public_info, price, inspected, purchased, created_at`

// CreateOffer inserts an offer and returns its id.
func (d *DB) CreateOffer(ctx context.Context, o *InfoOffer) (int64, error) {
	res, err := d.sql.ExecContext(ctx, `
		INSERT INTO offers (context_id, seller_kind, seller_id, private_info, public_info, price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, o.ContextID, o.SellerKind, o.SellerID, o.PrivateInfo, o.PublicInfo, o.Price, time.Now().Unix())
	if err != nil {
		return 0, classify(err)
	}
	return res.LastInsertId()
}

// GetOffer fetches one offer.
func (d *DB) GetOffer(ctx context.Context, id int64) (*InfoOffer, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT `+offerCols+` FROM offers WHERE id = ?`, id)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	offers, err := scanOffers(rows)
	if err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, ErrNotFound
	}
	return offers[0], nil
}

// ListOffersByContext returns a context's offers, oldest first.
func (d *DB) ListOffersByContext(ctx context.Context, contextID int64) ([]*InfoOffer, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT `+offerCols+` FROM offers WHERE context_id = ? ORDER BY id
	`, contextID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanOffers(rows)
}

// ListOffersByIDs fetches the given offers, skipping unknown ids.
func (d *DB) ListOffersByIDs(ctx context.Context, ids []int64) ([]*InfoOffer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := d.sql.QueryContext(ctx, `
		SELECT `+offerCols+` FROM offers WHERE id IN (`+placeholders+`) ORDER BY id
	`, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanOffers(rows)
}

// CountOffersByContext is the poll loop's cheap progress check.
func (d *DB) CountOffersByContext(ctx context.Context, contextID int64) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM offers WHERE context_id = ?`, contextID).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func scanOffers(rows *sql.Rows) ([]*InfoOffer, error) {
	var offers []*InfoOffer
	for rows.Next() {
		var o InfoOffer
		var inspected, purchased int
		var createdAt int64
		if err := rows.Scan(&o.ID, &o.ContextID, &o.SellerKind, &o.SellerID, &o.PrivateInfo,
			&o.PublicInfo, &o.Price, &inspected, &purchased, &createdAt); err != nil {
			return nil, classify(err)
		}
		o.Inspected = inspected != 0
		o.Purchased = purchased != 0
		o.CreatedAt = time.Unix(createdAt, 0)
		offers = append(offers, &o)
	}
	return offers, classify(rows.Err())
}

// UpdateOffer rewrites the offer body and price. Once purchased the offer
// is frozen and the update returns ErrConflict.
func (d *DB) UpdateOffer(ctx context.Context, o *InfoOffer) error {
	res, err := d.sql.ExecContext(ctx, `
		UPDATE offers SET private_info = ?, public_info = ?, price = ?
		WHERE id = ? AND purchased = 0
	`, o.PrivateInfo, o.PublicInfo, o.Price, o.ID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := d.GetOffer(ctx, o.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// MarkOffersInspected records that the buyer's agent has seen the private
// text of these offers.
func (d *DB) MarkOffersInspected(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := d.sql.ExecContext(ctx, `
		UPDATE offers SET inspected = 1 WHERE id IN (`+placeholders+`)
	`, args...)
	return classify(err)
}

// MarkOfferPurchasedTx flips purchased (and inspected, which purchase
// implies) inside the caller's transaction. Buying an already-purchased
// offer returns ErrConflict so double-spends cannot commit.
func MarkOfferPurchasedTx(tx *sql.Tx, id int64) error {
	res, err := tx.Exec(`
		UPDATE offers SET purchased = 1, inspected = 1 WHERE id = ? AND purchased = 0
	`, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// DeleteOffer removes an offer. Purchased offers are part of settled (or
// pending) accounting and cannot be withdrawn.
func (d *DB) DeleteOffer(ctx context.Context, id int64) error {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM offers WHERE id = ? AND purchased = 0`, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := d.GetOffer(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// ListPurchasesByBuyer returns every purchased offer across the buyer's
// contexts, including children of their roots, newest first.
func (d *DB) ListPurchasesByBuyer(ctx context.Context, buyerID int64) ([]*InfoOffer, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT o.id, o.context_id, o.seller_kind, o.seller_id, o.private_info,
		       o.public_info, o.price, o.inspected, o.purchased, o.created_at
		FROM offers o JOIN contexts c ON c.id = o.context_id
		WHERE c.buyer_id = ? AND o.purchased = 1
		ORDER BY o.id DESC
	`, buyerID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanOffers(rows)
}

// ListSalesBySeller returns a seller's purchased offers, newest first.
func (d *DB) ListSalesBySeller(ctx context.Context, kind string, sellerID int64) ([]*InfoOffer, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT `+offerCols+` FROM offers
		WHERE seller_kind = ? AND seller_id = ? AND purchased = 1
		ORDER BY id DESC
	`, kind, sellerID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanOffers(rows)
}
