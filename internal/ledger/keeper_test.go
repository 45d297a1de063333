package ledger

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"infonomy/internal/db"
)

func openTestStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "ledger_test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newBuyer(t *testing.T, store *db.DB, email string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := store.CreateUser(ctx, email, "x", 10)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := store.CreateBuyerProfile(ctx, id, "gpt-4o-mini", "", 50); err != nil {
		t.Fatalf("create buyer profile: %v", err)
	}
	return id
}

func newSeller(t *testing.T, store *db.DB, email string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := store.CreateUser(ctx, email, "x", 10)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := store.CreateHumanSeller(ctx, id); err != nil {
		t.Fatalf("create seller: %v", err)
	}
	return id
}

func balances(t *testing.T, store *db.DB, userID int64) (float64, float64) {
	t.Helper()
	u, err := store.GetUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	return u.TotalBalance, u.AvailableBalance
}

func TestEscrowHoldsAvailableOnly(t *testing.T) {
	store := openTestStore(t)
	k := New(store)
	ctx := context.Background()
	buyer := newBuyer(t, store, "escrow@x.y")

	if err := k.Escrow(ctx, buyer, 30, nil); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	total, available := balances(t, store, buyer)
	if total != 100 || available != 70 {
		t.Fatalf("want 100/70, got %v/%v", total, available)
	}
}

func TestEscrowInsufficientFunds(t *testing.T) {
	store := openTestStore(t)
	k := New(store)
	ctx := context.Background()
	buyer := newBuyer(t, store, "poor@x.y")

	err := k.Escrow(ctx, buyer, 150, nil)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
	total, available := balances(t, store, buyer)
	if total != 100 || available != 100 {
		t.Fatalf("failed escrow must not move money: %v/%v", total, available)
	}
}

func TestSettleFormula(t *testing.T) {
	store := openTestStore(t)
	k := New(store)
	ctx := context.Background()
	buyer := newBuyer(t, store, "settle@x.y")

	if err := k.Escrow(ctx, buyer, 30, nil); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	// Spent 30 of the 30 held: total drops by the spend, nothing returns.
	if err := k.Settle(ctx, buyer, 30, 30, nil); err != nil {
		t.Fatalf("settle: %v", err)
	}
	total, available := balances(t, store, buyer)
	if total != 70 || available != 70 {
		t.Fatalf("want 70/70, got %v/%v", total, available)
	}
}

func TestRefundRestoresEscrow(t *testing.T) {
	store := openTestStore(t)
	k := New(store)
	ctx := context.Background()
	buyer := newBuyer(t, store, "refund@x.y")

	if err := k.Escrow(ctx, buyer, 25, nil); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if err := k.Refund(ctx, buyer, 25, nil); err != nil {
		t.Fatalf("refund: %v", err)
	}
	total, available := balances(t, store, buyer)
	if total != 100 || available != 100 {
		t.Fatalf("want 100/100, got %v/%v", total, available)
	}
}

func TestEscrowAndCreateContextAtomic(t *testing.T) {
	store := openTestStore(t)
	k := New(store)
	ctx := context.Background()
	buyer := newBuyer(t, store, "atomic@x.y")

	id, err := k.EscrowAndCreateContext(ctx, &db.DecisionContext{
		BuyerID: buyer, Query: "q", MaxBudget: 40, Priority: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.GetContext(ctx, id); err != nil {
		t.Fatalf("context missing: %v", err)
	}
	total, available := balances(t, store, buyer)
	if total != 100 || available != 60 {
		t.Fatalf("want 100/60, got %v/%v", total, available)
	}
	p, err := store.GetBuyerProfile(ctx, buyer)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if p.Queries[1] != 1 {
		t.Fatalf("queries counter not bumped: %v", p.Queries)
	}

	// Over budget: nothing is created, nothing is held, no counter moves.
	_, err = k.EscrowAndCreateContext(ctx, &db.DecisionContext{
		BuyerID: buyer, Query: "q2", MaxBudget: 80, Priority: 1,
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
	contexts, err := store.ListContextsByBuyer(ctx, buyer)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(contexts) != 1 {
		t.Fatalf("failed create must roll back, got %d contexts", len(contexts))
	}
	p, _ = store.GetBuyerProfile(ctx, buyer)
	if p.Queries[1] != 1 {
		t.Fatalf("counter must roll back with the insert: %v", p.Queries)
	}
}

func TestSettleRootPaysSellersOnce(t *testing.T) {
	store := openTestStore(t)
	k := New(store)
	ctx := context.Background()
	buyer := newBuyer(t, store, "root-buyer@x.y")
	human := newSeller(t, store, "root-human@x.y")
	botOwner, err := store.CreateUser(ctx, "root-bot-owner@x.y", "x", 10)
	if err != nil {
		t.Fatalf("bot owner: %v", err)
	}
	info, price := "fixed", 20.0
	botID, err := store.CreateBotSeller(ctx, &db.BotSeller{UserID: botOwner, Name: "b", Info: &info, Price: &price})
	if err != nil {
		t.Fatalf("bot: %v", err)
	}

	root := &db.DecisionContext{BuyerID: buyer, Query: "q", MaxBudget: 30, Priority: 0}
	if _, err := k.EscrowAndCreateContext(ctx, root); err != nil {
		t.Fatalf("create root: %v", err)
	}

	buy := func(kind string, sellerID int64, amount float64) {
		t.Helper()
		offerID, err := store.CreateOffer(ctx, &db.InfoOffer{
			ContextID: root.ID, SellerKind: kind, SellerID: sellerID,
			PrivateInfo: "info", Price: amount,
		})
		if err != nil {
			t.Fatalf("offer: %v", err)
		}
		if err := store.WithTx(ctx, func(tx *sql.Tx) error {
			return db.MarkOfferPurchasedTx(tx, offerID)
		}); err != nil {
			t.Fatalf("purchase: %v", err)
		}
	}
	buy(db.SellerHuman, human, 10)
	buy(db.SellerBot, botID, 20)

	s, err := k.SettleRoot(ctx, root)
	if err != nil {
		t.Fatalf("settle root: %v", err)
	}
	if s.Spent != 30 || s.Returned != 0 || !s.AnyInspected {
		t.Fatalf("unexpected settlement: %+v", s)
	}

	if total, available := balances(t, store, buyer); total != 70 || available != 70 {
		t.Fatalf("buyer: want 70/70, got %v/%v", total, available)
	}
	if total, available := balances(t, store, human); total != 110 || available != 110 {
		t.Fatalf("human seller: want 110/110, got %v/%v", total, available)
	}
	if total, available := balances(t, store, botOwner); total != 120 || available != 120 {
		t.Fatalf("bot owner: want 120/120, got %v/%v", total, available)
	}

	p, err := store.GetBuyerProfile(ctx, buyer)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if p.Inspected[0] != 1 || p.Purchased[0] != 1 {
		t.Fatalf("settlement counters wrong: i=%v p=%v", p.Inspected, p.Purchased)
	}

	// Settlement is once-only.
	if _, err := k.SettleRoot(ctx, root); !db.IsConflict(err) {
		t.Fatalf("second settle must conflict, got %v", err)
	}
	if total, available := balances(t, store, buyer); total != 70 || available != 70 {
		t.Fatalf("second settle must not move money: %v/%v", total, available)
	}
}

func TestSettleRootNoPurchases(t *testing.T) {
	store := openTestStore(t)
	k := New(store)
	ctx := context.Background()
	buyer := newBuyer(t, store, "idle@x.y")

	root := &db.DecisionContext{BuyerID: buyer, Query: "q", MaxBudget: 30, Priority: 1}
	if _, err := k.EscrowAndCreateContext(ctx, root); err != nil {
		t.Fatalf("create: %v", err)
	}
	s, err := k.SettleRoot(ctx, root)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if s.Spent != 0 || s.Returned != 30 || s.AnyInspected {
		t.Fatalf("unexpected settlement: %+v", s)
	}
	if total, available := balances(t, store, buyer); total != 100 || available != 100 {
		t.Fatalf("want full escrow back, got %v/%v", total, available)
	}
	p, _ := store.GetBuyerProfile(ctx, buyer)
	if p.Inspected[1] != 0 || p.Purchased[1] != 0 {
		t.Fatalf("no-op settlement must not bump counters: i=%v p=%v", p.Inspected, p.Purchased)
	}
}

func TestDailyBonusIdempotentPerDay(t *testing.T) {
	store := openTestStore(t)
	k := New(store)
	ctx := context.Background()
	buyer := newBuyer(t, store, "bonus@x.y")

	status, err := k.BonusStatus(ctx, buyer)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Available || status.Amount != 10 {
		t.Fatalf("bonus should be claimable: %+v", status)
	}

	claimed, amount, err := k.DailyBonus(ctx, buyer)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed || amount != 10 {
		t.Fatalf("want claimed 10, got %v %v", claimed, amount)
	}
	claimed, _, err = k.DailyBonus(ctx, buyer)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatal("same-day claim must be a no-op")
	}
	if total, available := balances(t, store, buyer); total != 110 || available != 110 {
		t.Fatalf("want 110/110 after one bonus, got %v/%v", total, available)
	}

	entries, err := store.ListLedgerEntries(ctx, buyer, 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != db.LedgerDailyBonus {
		t.Fatalf("want one daily_bonus entry, got %+v", entries)
	}
}

func TestLedgerTrail(t *testing.T) {
	store := openTestStore(t)
	k := New(store)
	ctx := context.Background()
	buyer := newBuyer(t, store, "trail@x.y")

	if err := k.Escrow(ctx, buyer, 20, nil); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if err := k.Refund(ctx, buyer, 20, nil); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := k.Deposit(ctx, buyer, 5); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	entries, err := store.ListLedgerEntries(ctx, buyer, 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("want 3 entries, got %d", len(entries))
	}
	// Newest first.
	if entries[0].Kind != db.LedgerDeposit || entries[1].Kind != db.LedgerRefund || entries[2].Kind != db.LedgerEscrow {
		t.Fatalf("unexpected order: %s %s %s", entries[0].Kind, entries[1].Kind, entries[2].Kind)
	}
	if entries[2].Amount != -20 || entries[1].Amount != 20 || entries[0].Amount != 5 {
		t.Fatalf("unexpected amounts: %+v", entries)
	}
}
