package botseller

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"infonomy/internal/agent"
	"infonomy/internal/db"
)

// scriptedAgent returns canned drafts per bot name.
type scriptedAgent struct {
	mu     sync.Mutex
	drafts map[string]*agent.OfferDraft
	fail   map[string]bool
	calls  int
}

func (a *scriptedAgent) Decide(ctx context.Context, req *agent.DecisionRequest) (*agent.DecisionResponse, error) {
	return nil, agent.ErrAgent
}

func (a *scriptedAgent) GenerateOffer(ctx context.Context, req *agent.OfferRequest) (*agent.OfferDraft, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.fail[req.BotName] {
		return nil, agent.ErrAgent
	}
	d, ok := a.drafts[req.BotName]
	if !ok {
		return nil, agent.ErrAgent
	}
	return d, nil
}

func openTestStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "bots_test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedBuyer(t *testing.T, store *db.DB, email string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := store.CreateUser(ctx, email, "x", 10)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := store.CreateBuyerProfile(ctx, id, "gpt-4o-mini", "", 50); err != nil {
		t.Fatalf("create profile: %v", err)
	}
	return id
}

func seedBotOwner(t *testing.T, store *db.DB, email string) int64 {
	t.Helper()
	id, err := store.CreateUser(context.Background(), email, "x", 10)
	if err != nil {
		t.Fatalf("create owner: %v", err)
	}
	return id
}

func insertContext(t *testing.T, store *db.DB, c *db.DecisionContext) *db.DecisionContext {
	t.Helper()
	if err := store.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := db.InsertContextTx(tx, c)
		return err
	}); err != nil {
		t.Fatalf("insert context: %v", err)
	}
	return c
}

func TestTargetedFixedBot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	buyerID := seedBuyer(t, store, "tf-buyer@x.y")
	owner := seedBotOwner(t, store, "tf-owner@x.y")

	info, price := "the factory ships on tuesdays", 40.0
	botID, err := store.CreateBotSeller(ctx, &db.BotSeller{UserID: owner, Name: "shipbot", Info: &info, Price: &price})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}

	c := insertContext(t, store, &db.DecisionContext{
		BuyerID: buyerID, Query: "when does the factory ship", MaxBudget: 25,
		TargetBotIDs: []int64{botID},
	})

	d := New(store, &scriptedAgent{}, nil, 2, time.Minute)
	n, err := d.DispatchContext(ctx, c.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 offer, got %d", n)
	}
	offers, err := store.ListOffersByContext(ctx, c.ID)
	if err != nil {
		t.Fatalf("offers: %v", err)
	}
	if len(offers) != 1 {
		t.Fatalf("want 1 offer, got %d", len(offers))
	}
	o := offers[0]
	if o.PrivateInfo != info || o.SellerKind != db.SellerBot || o.SellerID != botID {
		t.Fatalf("unexpected offer: %+v", o)
	}
	// The 40.0 sticker price is clamped to the 25.0 budget.
	if o.Price != 25 {
		t.Fatalf("price not clamped: %v", o.Price)
	}
}

func TestSubscribedLLMBot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	buyerID := seedBuyer(t, store, "sl-buyer@x.y")
	owner := seedBotOwner(t, store, "sl-owner@x.y")
	if err := store.SetUserAPIKeys(ctx, owner, map[string]string{"openai": "owner-key"}); err != nil {
		t.Fatalf("set keys: %v", err)
	}

	model, prompt := "gpt-4o-mini", "you sell logistics intel"
	botID, err := store.CreateBotSeller(ctx, &db.BotSeller{UserID: owner, Name: "intelbot", LLMModel: &model, LLMPrompt: &prompt})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	subID, err := store.CreateSubscription(ctx, &db.Subscription{SellerKind: db.SellerBot, SellerID: botID})
	if err != nil {
		t.Fatalf("create sub: %v", err)
	}

	c := insertContext(t, store, &db.DecisionContext{BuyerID: buyerID, Query: "q", MaxBudget: 25})
	if err := store.WithTx(ctx, func(tx *sql.Tx) error {
		return db.InsertInboxItemTx(tx, subID, c.ID, time.Now().Add(time.Hour))
	}); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	ag := &scriptedAgent{drafts: map[string]*agent.OfferDraft{
		"intelbot": {PrivateInfo: "generated answer", PublicInfo: "a teaser", Price: 60},
	}}
	var gotKeys []string
	keyFor := func(keys map[string]string) string {
		gotKeys = append(gotKeys, keys["openai"])
		return keys["openai"]
	}

	d := New(store, ag, keyFor, 2, time.Minute)
	n, err := d.DispatchContext(ctx, c.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 offer, got %d", n)
	}

	offers, _ := store.ListOffersByContext(ctx, c.ID)
	if len(offers) != 1 || offers[0].PrivateInfo != "generated answer" {
		t.Fatalf("unexpected offers: %+v", offers)
	}
	if offers[0].Price != 25 {
		t.Fatalf("generated price not clamped: %v", offers[0].Price)
	}
	if len(gotKeys) != 1 || gotKeys[0] != "owner-key" {
		t.Fatalf("owner credentials not used: %v", gotKeys)
	}

	// Answering flips the inbox item off "new".
	entries, err := store.ListInboxEntries(ctx, subID)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("answered item must leave the inbox, got %d", len(entries))
	}
}

func TestAgentFailureEmitsNothing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	buyerID := seedBuyer(t, store, "af-buyer@x.y")
	owner := seedBotOwner(t, store, "af-owner@x.y")

	model, prompt := "gpt-4o-mini", "p"
	botID, err := store.CreateBotSeller(ctx, &db.BotSeller{UserID: owner, Name: "brokenbot", LLMModel: &model, LLMPrompt: &prompt})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	subID, err := store.CreateSubscription(ctx, &db.Subscription{SellerKind: db.SellerBot, SellerID: botID})
	if err != nil {
		t.Fatalf("create sub: %v", err)
	}
	c := insertContext(t, store, &db.DecisionContext{BuyerID: buyerID, Query: "q", MaxBudget: 25})
	if err := store.WithTx(ctx, func(tx *sql.Tx) error {
		return db.InsertInboxItemTx(tx, subID, c.ID, time.Now().Add(time.Hour))
	}); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	d := New(store, &scriptedAgent{fail: map[string]bool{"brokenbot": true}}, nil, 2, time.Minute)
	n, err := d.DispatchContext(ctx, c.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 0 {
		t.Fatalf("failed bot must emit nothing, got %d", n)
	}
	offers, _ := store.ListOffersByContext(ctx, c.ID)
	if len(offers) != 0 {
		t.Fatalf("no placeholder offers allowed: %+v", offers)
	}
	// The item stays claimable so the bot can be retried.
	entries, _ := store.ListInboxEntries(ctx, subID)
	if len(entries) != 1 {
		t.Fatalf("unanswered item must stay new, got %d", len(entries))
	}
}

func TestRedeliveryDoesNotDuplicate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	buyerID := seedBuyer(t, store, "rd-buyer@x.y")
	owner := seedBotOwner(t, store, "rd-owner@x.y")

	info, price := "answer", 5.0
	botID, err := store.CreateBotSeller(ctx, &db.BotSeller{UserID: owner, Name: "once", Info: &info, Price: &price})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	c := insertContext(t, store, &db.DecisionContext{
		BuyerID: buyerID, Query: "q", MaxBudget: 25, TargetBotIDs: []int64{botID},
	})

	d := New(store, &scriptedAgent{}, nil, 2, time.Minute)
	if _, err := d.DispatchContext(ctx, c.ID); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	n, err := d.DispatchContext(ctx, c.ID)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if n != 0 {
		t.Fatalf("redelivery must not duplicate, got %d new offers", n)
	}
	offers, _ := store.ListOffersByContext(ctx, c.ID)
	if len(offers) != 1 {
		t.Fatalf("want exactly 1 offer, got %d", len(offers))
	}
}

func TestTerminatedContextSkipped(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	buyerID := seedBuyer(t, store, "tc-buyer@x.y")
	owner := seedBotOwner(t, store, "tc-owner@x.y")

	info, price := "late answer", 5.0
	botID, err := store.CreateBotSeller(ctx, &db.BotSeller{UserID: owner, Name: "late", Info: &info, Price: &price})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	c := insertContext(t, store, &db.DecisionContext{
		BuyerID: buyerID, Query: "q", MaxBudget: 25, TargetBotIDs: []int64{botID},
	})
	if err := store.WithTx(ctx, func(tx *sql.Tx) error {
		return db.SetContextTerminatedTx(tx, c.ID)
	}); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	d := New(store, &scriptedAgent{}, nil, 2, time.Minute)
	n, err := d.DispatchContext(ctx, c.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 0 {
		t.Fatalf("terminated context must get no offers, got %d", n)
	}
}
