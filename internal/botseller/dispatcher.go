// Package botseller answers decision contexts on behalf of bot sellers:
// fixed-text bots post their prepared answer, LLM bots generate one. A bot
// that fails produces nothing; there are no placeholder offers.
package botseller

import (
	"context"
	"fmt"
	"time"

	"infonomy/internal/agent"
	"infonomy/internal/db"
	"infonomy/internal/logger"

	"golang.org/x/sync/errgroup"
)

// Dispatcher fans a context out to its bot sellers.
type Dispatcher struct {
	store    *db.DB
	agent    agent.Agent
	keyFor   agent.KeyFunc
	workers  int
	deadline time.Duration
}

func New(store *db.DB, ag agent.Agent, keyFor agent.KeyFunc, workers int, deadline time.Duration) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if keyFor == nil {
		keyFor = func(map[string]string) string { return "" }
	}
	return &Dispatcher{store: store, agent: ag, keyFor: keyFor, workers: workers, deadline: deadline}
}

// DispatchContext makes every eligible bot answer the context once:
// the context's targeted bots plus every bot whose subscription inbox
// holds it. Bots that already answered are skipped, so redelivery is
// harmless. Returns the number of offers created.
func (d *Dispatcher) DispatchContext(ctx context.Context, contextID int64) (int, error) {
	c, err := d.store.GetContext(ctx, contextID)
	if err != nil {
		return 0, err
	}
	if c.Terminated {
		return 0, nil
	}

	botIDs := map[int64]bool{}
	for _, id := range c.TargetBotIDs {
		botIDs[id] = true
	}
	subscribed, err := d.store.BotSellersAwaiting(ctx, contextID)
	if err != nil {
		return 0, err
	}
	for _, id := range subscribed {
		botIDs[id] = true
	}
	if len(botIDs) == 0 {
		return 0, nil
	}

	// A redelivered context must not collect duplicate bot answers.
	existing, err := d.store.ListOffersByContext(ctx, contextID)
	if err != nil {
		return 0, err
	}
	for _, o := range existing {
		if o.SellerKind == db.SellerBot {
			delete(botIDs, o.SellerID)
		}
	}

	ids := make([]int64, 0, len(botIDs))
	for id := range botIDs {
		ids = append(ids, id)
	}
	bots, err := d.store.ListBotSellersByIDs(ctx, ids)
	if err != nil {
		return 0, err
	}

	results := make([]bool, len(bots))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, bot := range bots {
		g.Go(func() error {
			ok, err := d.answer(gctx, bot, c)
			if err != nil {
				logger.Warn("BOTS", fmt.Sprintf("Bot %d (%s) produced no offer for context %d: %v", bot.ID, bot.Name, c.ID, err))
				return nil
			}
			results[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	created := 0
	for _, ok := range results {
		if ok {
			created++
		}
	}
	if created > 0 {
		logger.Info("BOTS", fmt.Sprintf("Context %d answered by %d bot(s)", c.ID, created))
	}
	return created, nil
}

// answer produces one offer for one bot, or nothing on failure.
func (d *Dispatcher) answer(ctx context.Context, bot *db.BotSeller, c *db.DecisionContext) (bool, error) {
	if d.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.deadline)
		defer cancel()
	}

	var offer *db.InfoOffer
	switch {
	case bot.IsFixed():
		price := *bot.Price
		if price > c.MaxBudget {
			price = c.MaxBudget
		}
		offer = &db.InfoOffer{
			ContextID:   c.ID,
			SellerKind:  db.SellerBot,
			SellerID:    bot.ID,
			PrivateInfo: *bot.Info,
			PublicInfo:  fmt.Sprintf("Prepared answer from %s", bot.Name),
			Price:       price,
		}

	case bot.IsLLM():
		owner, err := d.store.GetUser(ctx, bot.UserID)
		if err != nil {
			return false, err
		}
		draft, err := d.agent.GenerateOffer(ctx, &agent.OfferRequest{
			BotName:      bot.Name,
			Query:        c.Query,
			ContextPages: c.ContextPages,
			MaxBudget:    c.MaxBudget,
			Model:        *bot.LLMModel,
			Prompt:       *bot.LLMPrompt,
			APIKey:       d.keyFor(owner.APIKeys),
		})
		if err != nil {
			return false, err
		}
		price := draft.Price
		if price > c.MaxBudget {
			price = c.MaxBudget
		}
		offer = &db.InfoOffer{
			ContextID:   c.ID,
			SellerKind:  db.SellerBot,
			SellerID:    bot.ID,
			PrivateInfo: draft.PrivateInfo,
			PublicInfo:  draft.PublicInfo,
			Price:       price,
		}

	default:
		return false, fmt.Errorf("bot %d has no usable mode", bot.ID)
	}

	if _, err := d.store.CreateOffer(ctx, offer); err != nil {
		return false, err
	}
	if err := d.store.SetStatusForSeller(ctx, db.SellerBot, bot.ID, c.ID, db.InboxResponded); err != nil {
		return false, err
	}
	return true, nil
}
