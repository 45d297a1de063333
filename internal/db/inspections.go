package db

import (
	"context"
	"database/sql"
	"time"
)

// Inspection is one step of the recursive examination of a context's
// offers. Steps on the same context chain through brother links; a step
// that wants more information spawns a child context instead of buying.
type Inspection struct {
	ID               int64     `json:"id"`
	ContextID        int64     `json:"context_id"`
	BuyerID          int64     `json:"buyer_id"`
	KnownOfferIDs    []int64   `json:"known_offer_ids"`
	NewOfferIDs      []int64   `json:"new_offer_ids"`
	PurchasedIDs     []int64   `json:"purchased_ids"`
	JobID            string    `json:"job_id,omitempty"`
	ElderBrotherID   *int64    `json:"elder_brother_id,omitempty"`
	YoungerBrotherID *int64    `json:"younger_brother_id,omitempty"`
	ChildContextID   *int64    `json:"child_context_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

const inspectionCols = `id, context_id, buyer_id, known_offers, info_offer_ids,
	purchased, job_id, elder_brother_id, younger_brother_id, child_context_id, created_at`

// CreateInspection records a new step and returns its id.
func (d *DB) CreateInspection(ctx context.Context, ins *Inspection) (int64, error) {
	var elder any
	if ins.ElderBrotherID != nil {
		elder = *ins.ElderBrotherID
	}
	res, err := d.sql.ExecContext(ctx, `
		INSERT INTO inspections (context_id, buyer_id, known_offers, info_offer_ids,
			purchased, job_id, elder_brother_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ins.ContextID, ins.BuyerID, encodeIDs(ins.KnownOfferIDs), encodeIDs(ins.NewOfferIDs),
		encodeIDs(ins.PurchasedIDs), ins.JobID, elder, time.Now().Unix())
	if err != nil {
		return 0, classify(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	ins.ID = id
	return id, nil
}

// GetInspection fetches one step.
func (d *DB) GetInspection(ctx context.Context, id int64) (*Inspection, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT `+inspectionCols+` FROM inspections WHERE id = ?`, id)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	list, err := scanInspections(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

// ListInspectionsByContext returns a context's steps, oldest first, which
// reads as the brother chain in creation order.
func (d *DB) ListInspectionsByContext(ctx context.Context, contextID int64) ([]*Inspection, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT `+inspectionCols+` FROM inspections WHERE context_id = ? ORDER BY id
	`, contextID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanInspections(rows)
}

func scanInspections(rows *sql.Rows) ([]*Inspection, error) {
	var list []*Inspection
	for rows.Next() {
		var ins Inspection
		var known, newOffers, purchased string
		var elder, younger, child sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&ins.ID, &ins.ContextID, &ins.BuyerID, &known, &newOffers,
			&purchased, &ins.JobID, &elder, &younger, &child, &createdAt); err != nil {
			return nil, classify(err)
		}
		ins.KnownOfferIDs = decodeIDs(known)
		ins.NewOfferIDs = decodeIDs(newOffers)
		ins.PurchasedIDs = decodeIDs(purchased)
		ins.ElderBrotherID = nullableID(elder)
		ins.YoungerBrotherID = nullableID(younger)
		ins.ChildContextID = nullableID(child)
		ins.CreatedAt = time.Unix(createdAt, 0)
		list = append(list, &ins)
	}
	return list, classify(rows.Err())
}

// SetInspectionJob attaches the background job driving this step.
func (d *DB) SetInspectionJob(ctx context.Context, id int64, jobID string) error {
	res, err := d.sql.ExecContext(ctx, `UPDATE inspections SET job_id = ? WHERE id = ?`, jobID, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetInspectionNewOffers records the fresh batch this step examined.
func (d *DB) SetInspectionNewOffers(ctx context.Context, id int64, offerIDs []int64) error {
	res, err := d.sql.ExecContext(ctx, `UPDATE inspections SET info_offer_ids = ? WHERE id = ?`, encodeIDs(offerIDs), id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddInspectionPurchaseTx appends an offer to this step's purchase list,
// inside the same transaction that marks the offer purchased.
func AddInspectionPurchaseTx(tx *sql.Tx, id, offerID int64) error {
	var raw string
	if err := tx.QueryRow(`SELECT purchased FROM inspections WHERE id = ?`, id).Scan(&raw); err != nil {
		return classify(err)
	}
	ids := decodeIDs(raw)
	ids = append(ids, offerID)
	_, err := tx.Exec(`UPDATE inspections SET purchased = ? WHERE id = ?`, encodeIDs(ids), id)
	return classify(err)
}

// SetInspectionChild links the child context this step spawned.
func (d *DB) SetInspectionChild(ctx context.Context, id, childContextID int64) error {
	res, err := d.sql.ExecContext(ctx, `UPDATE inspections SET child_context_id = ? WHERE id = ?`, childContextID, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetInspectionYoungerBrother links the follow-up step on the same context.
func (d *DB) SetInspectionYoungerBrother(ctx context.Context, id, youngerID int64) error {
	res, err := d.sql.ExecContext(ctx, `UPDATE inspections SET younger_brother_id = ? WHERE id = ?`, youngerID, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
