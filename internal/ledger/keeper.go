// Package ledger guards the money invariant: for every user,
// 0 <= available_balance <= total_balance. All balance movement goes
// through the Keeper, commits atomically with whatever caused it, and
// leaves an append-only ledger entry behind.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"infonomy/internal/db"
	"infonomy/internal/logger"
)

// ErrInsufficientFunds is returned when an escrow would overdraw the
// available balance.
var ErrInsufficientFunds = errors.New("insufficient available balance")

// Float comparisons tolerate accumulated rounding from repeated
// escrow/settle arithmetic.
const balanceEpsilon = 1e-6

// Keeper performs all balance mutations.
type Keeper struct {
	store *db.DB
}

func New(store *db.DB) *Keeper {
	return &Keeper{store: store}
}

// Settlement summarizes one root settlement.
type Settlement struct {
	RootID        int64            `json:"root_id"`
	Spent         float64          `json:"spent"`
	Escrowed      float64          `json:"escrowed"`
	Returned      float64          `json:"returned"`
	SellerCredits []db.SellerTotal `json:"seller_credits,omitempty"`
	AnyInspected  bool             `json:"any_inspected"`
}

// BonusStatus reports whether today's bonus is still claimable.
type BonusStatus struct {
	Available   bool    `json:"available"`
	Amount      float64 `json:"amount"`
	LastClaimed string  `json:"last_claimed,omitempty"`
}

func balancesTx(tx *sql.Tx, userID int64) (total, available float64, err error) {
	err = tx.QueryRow(`SELECT total_balance, available_balance FROM users WHERE id = ?`, userID).
		Scan(&total, &available)
	if err == sql.ErrNoRows {
		return 0, 0, db.ErrNotFound
	}
	return total, available, err
}

func setBalancesTx(tx *sql.Tx, userID int64, total, available float64) error {
	if available < -balanceEpsilon || available > total+balanceEpsilon {
		return fmt.Errorf("balance invariant violated for user %d: available %.6f, total %.6f", userID, available, total)
	}
	_, err := tx.Exec(`UPDATE users SET total_balance = ?, available_balance = ? WHERE id = ?`, total, available, userID)
	return err
}

func escrowTx(tx *sql.Tx, userID int64, amount float64, contextID *int64) error {
	if amount < 0 {
		return fmt.Errorf("negative escrow %.2f", amount)
	}
	total, available, err := balancesTx(tx, userID)
	if err != nil {
		return err
	}
	if amount > available+balanceEpsilon {
		return fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientFunds, amount, available)
	}
	if err := setBalancesTx(tx, userID, total, available-amount); err != nil {
		return err
	}
	return db.InsertLedgerEntryTx(tx, &db.LedgerEntry{
		UserID: userID, Kind: db.LedgerEscrow, Amount: -amount, ContextID: contextID,
	})
}

func settleTx(tx *sql.Tx, userID int64, spent, escrowed float64, contextID *int64) error {
	total, available, err := balancesTx(tx, userID)
	if err != nil {
		return err
	}
	if err := setBalancesTx(tx, userID, total-spent, available+escrowed-spent); err != nil {
		return err
	}
	return db.InsertLedgerEntryTx(tx, &db.LedgerEntry{
		UserID: userID, Kind: db.LedgerSettle, Amount: escrowed - spent, ContextID: contextID,
	})
}

func refundTx(tx *sql.Tx, userID int64, escrowed float64, contextID *int64) error {
	total, available, err := balancesTx(tx, userID)
	if err != nil {
		return err
	}
	if err := setBalancesTx(tx, userID, total, available+escrowed); err != nil {
		return err
	}
	return db.InsertLedgerEntryTx(tx, &db.LedgerEntry{
		UserID: userID, Kind: db.LedgerRefund, Amount: escrowed, ContextID: contextID,
	})
}

func creditTx(tx *sql.Tx, userID int64, amount float64, kind string, contextID *int64) error {
	total, available, err := balancesTx(tx, userID)
	if err != nil {
		return err
	}
	if err := setBalancesTx(tx, userID, total+amount, available+amount); err != nil {
		return err
	}
	return db.InsertLedgerEntryTx(tx, &db.LedgerEntry{
		UserID: userID, Kind: kind, Amount: amount, ContextID: contextID,
	})
}

// Escrow holds amount from the user's available balance.
func (k *Keeper) Escrow(ctx context.Context, userID int64, amount float64, contextID *int64) error {
	return k.store.Retry(ctx, func() error {
		return k.store.WithTx(ctx, func(tx *sql.Tx) error {
			return escrowTx(tx, userID, amount, contextID)
		})
	})
}

// Settle releases an escrow after spending part of it:
// total -= spent, available += escrowed - spent.
func (k *Keeper) Settle(ctx context.Context, userID int64, spent, escrowed float64, contextID *int64) error {
	return k.store.Retry(ctx, func() error {
		return k.store.WithTx(ctx, func(tx *sql.Tx) error {
			return settleTx(tx, userID, spent, escrowed, contextID)
		})
	})
}

// Refund releases an untouched escrow in full.
func (k *Keeper) Refund(ctx context.Context, userID int64, escrowed float64, contextID *int64) error {
	return k.store.Retry(ctx, func() error {
		return k.store.WithTx(ctx, func(tx *sql.Tx) error {
			return refundTx(tx, userID, escrowed, contextID)
		})
	})
}

// Deposit adds funds to both balances.
func (k *Keeper) Deposit(ctx context.Context, userID int64, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit must be positive, got %.2f", amount)
	}
	return k.store.Retry(ctx, func() error {
		return k.store.WithTx(ctx, func(tx *sql.Tx) error {
			return creditTx(tx, userID, amount, db.LedgerDeposit, nil)
		})
	})
}

// EscrowAndCreateContext atomically escrows the root's budget, inserts
// the context, and bumps the buyer's queries counter for its priority.
// Child contexts never come through here: they draw on the root's escrow.
func (k *Keeper) EscrowAndCreateContext(ctx context.Context, c *db.DecisionContext) (int64, error) {
	var id int64
	err := k.store.Retry(ctx, func() error {
		return k.store.WithTx(ctx, func(tx *sql.Tx) error {
			var err error
			id, err = db.InsertContextTx(tx, c)
			if err != nil {
				return err
			}
			if err := escrowTx(tx, c.BuyerID, c.MaxBudget, &id); err != nil {
				return err
			}
			return db.BumpBuyerCounterTx(tx, c.BuyerID, db.CounterQueries, c.Priority)
		})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// SettleRoot performs the once-only settlement of a root context tree:
// flips the terminated latch, releases the buyer's escrow net of spend,
// credits each seller, and bumps the buyer's inspected/purchased
// counters. A second call returns db.ErrConflict and changes nothing.
func (k *Keeper) SettleRoot(ctx context.Context, root *db.DecisionContext) (*Settlement, error) {
	if !root.IsRoot() {
		return nil, fmt.Errorf("context %d is not a root", root.ID)
	}
	s := &Settlement{RootID: root.ID, Escrowed: root.MaxBudget}
	err := k.store.Retry(ctx, func() error {
		return k.store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := db.SetContextTerminatedTx(tx, root.ID); err != nil {
				return err
			}
			spent, bySeller, err := db.TreePurchaseTotalsTx(tx, root.ID)
			if err != nil {
				return err
			}
			s.Spent = spent
			s.Returned = root.MaxBudget - spent
			s.SellerCredits = bySeller

			if err := settleTx(tx, root.BuyerID, spent, root.MaxBudget, &root.ID); err != nil {
				return err
			}
			for _, st := range bySeller {
				userID := st.SellerID
				if st.SellerKind == db.SellerBot {
					userID, err = db.BotSellerOwnerTx(tx, st.SellerID)
					if db.IsNotFound(err) {
						logger.Warn("LEDGER", fmt.Sprintf("Bot seller %d gone, dropping credit of %.2f", st.SellerID, st.Amount))
						continue
					}
					if err != nil {
						return err
					}
				}
				if err := creditTx(tx, userID, st.Amount, db.LedgerSettle, &root.ID); err != nil {
					return err
				}
			}

			anyInspected, err := db.TreeHasInspectedTx(tx, root.ID)
			if err != nil {
				return err
			}
			s.AnyInspected = anyInspected
			if anyInspected {
				if err := db.BumpBuyerCounterTx(tx, root.BuyerID, db.CounterInspected, root.Priority); err != nil {
					return err
				}
			}
			if spent > 0 {
				if err := db.BumpBuyerCounterTx(tx, root.BuyerID, db.CounterPurchased, root.Priority); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	logger.Info("LEDGER", fmt.Sprintf("Settled context %d: spent %.2f of %.2f", root.ID, s.Spent, s.Escrowed))
	return s, nil
}

// BonusStatus reports the daily-bonus state without claiming.
func (k *Keeper) BonusStatus(ctx context.Context, userID int64) (*BonusStatus, error) {
	u, err := k.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	today := time.Now().UTC().Format("2006-01-02")
	return &BonusStatus{
		Available:   u.LastBonusDate != today,
		Amount:      u.DailyBonusAmount,
		LastClaimed: u.LastBonusDate,
	}, nil
}

// DailyBonus credits the user's bonus once per UTC calendar day. The
// claimed flag is false when today's bonus was already taken.
func (k *Keeper) DailyBonus(ctx context.Context, userID int64) (claimed bool, amount float64, err error) {
	today := time.Now().UTC().Format("2006-01-02")
	err = k.store.Retry(ctx, func() error {
		return k.store.WithTx(ctx, func(tx *sql.Tx) error {
			var lastDate string
			var bonus float64
			row := tx.QueryRow(`SELECT last_bonus_date, daily_bonus_amount FROM users WHERE id = ?`, userID)
			if err := row.Scan(&lastDate, &bonus); err != nil {
				if err == sql.ErrNoRows {
					return db.ErrNotFound
				}
				return err
			}
			if lastDate == today {
				claimed = false
				return nil
			}
			if _, err := tx.Exec(`UPDATE users SET last_bonus_date = ? WHERE id = ?`, today, userID); err != nil {
				return err
			}
			if err := creditTx(tx, userID, bonus, db.LedgerDailyBonus, nil); err != nil {
				return err
			}
			claimed = true
			amount = bonus
			return nil
		})
	})
	return claimed, amount, err
}
