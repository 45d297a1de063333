// Package matcher maintains seller inboxes: it evaluates subscriptions
// against decision contexts and materializes matches as inbox items.
// Refreshes are purge-then-replay, so a re-match never leaves stale rows.
package matcher

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"infonomy/internal/db"
	"infonomy/internal/logger"

	"golang.org/x/sync/singleflight"
)

// Buyer types a subscription can filter on. Root contexts are posted by
// people; child contexts are posted by the buyer's inspecting model.
const (
	BuyerHuman = "human_buyer"
	BuyerLLM   = "llm_buyer"
)

// Index fans contexts out to subscriptions and replays subscriptions over
// open contexts.
type Index struct {
	store    *db.DB
	group    singleflight.Group
	dispatch func(contextID int64)
}

func New(store *db.DB) *Index {
	return &Index{store: store}
}

// SetDispatch installs the hook invoked after a context fan-out, which
// hands the context to the bot-seller dispatcher.
func (ix *Index) SetDispatch(fn func(contextID int64)) {
	ix.dispatch = fn
}

func buyerType(c *db.DecisionContext) string {
	if c.IsRoot() {
		return BuyerHuman
	}
	return BuyerLLM
}

// matches runs the full predicate chain for one (subscription, context)
// pair. Empty or zero predicates do not constrain.
func matches(s *db.Subscription, c *db.DecisionContext, p *db.BuyerProfile, now time.Time) bool {
	if c.MaxBudget < s.MinBudget {
		return false
	}
	if s.AgeLimit > 0 && now.Sub(c.CreatedAt) > time.Duration(s.AgeLimit)*time.Second {
		return false
	}
	if c.Priority < s.MinPriority {
		return false
	}
	if len(s.Keywords) > 0 {
		query := strings.ToLower(c.Query)
		found := false
		for _, kw := range s.Keywords {
			if kw != "" && strings.Contains(query, strings.ToLower(kw)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(s.ContextPages) > 0 {
		found := false
		for _, want := range s.ContextPages {
			for _, have := range c.ContextPages {
				if want == have {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.BuyerType != "" && s.BuyerType != buyerType(c) {
		return false
	}
	if s.MinInspectionRate > 0 && p.InspectionRate(c.Priority) < s.MinInspectionRate {
		return false
	}
	if s.MinPurchaseRate > 0 && p.PurchaseRate(c.Priority) < s.MinPurchaseRate {
		return false
	}
	if len(s.BuyerModels) > 0 {
		if buyerType(c) != BuyerLLM {
			return false
		}
		found := false
		for _, m := range s.BuyerModels {
			if m == p.AgentModel {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(s.PromptKeywords) > 0 {
		if buyerType(c) != BuyerLLM {
			return false
		}
		prompt := strings.ToLower(p.AgentPrompt)
		found := false
		for _, kw := range s.PromptKeywords {
			if kw != "" && strings.Contains(prompt, strings.ToLower(kw)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RefreshContext re-delivers one context to every matching subscription.
// Concurrent refreshes of the same context are coalesced: the replay runs
// once and all callers see its result. Children are fanned out too, so
// subscribed sellers can answer them; they only stay out of
// subscription-side replays and public listings.
func (ix *Index) RefreshContext(ctx context.Context, contextID int64) (int, error) {
	v, err, _ := ix.group.Do(fmt.Sprintf("context-%d", contextID), func() (any, error) {
		return ix.refreshContext(ctx, contextID)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (ix *Index) refreshContext(ctx context.Context, contextID int64) (int, error) {
	c, err := ix.store.GetContext(ctx, contextID)
	if err != nil {
		return 0, err
	}
	if _, err := ix.store.DeleteExpiredInbox(ctx); err != nil {
		return 0, err
	}

	if c.Terminated {
		err := ix.store.WithTx(ctx, func(tx *sql.Tx) error {
			return db.PurgeInboxByContextTx(tx, contextID)
		})
		return 0, err
	}

	profile, err := ix.store.GetBuyerProfile(ctx, c.BuyerID)
	if err != nil {
		return 0, err
	}
	subs, err := ix.store.ListCandidateSubscriptions(ctx, c.MaxBudget, c.Priority)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	delivered := 0
	err = ix.store.Retry(ctx, func() error {
		delivered = 0
		return ix.store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := db.PurgeInboxByContextTx(tx, contextID); err != nil {
				return err
			}
			for _, s := range subs {
				if !matches(s, c, profile, now) {
					continue
				}
				expires := now.Add(time.Duration(s.AgeLimit) * time.Second)
				if err := db.InsertInboxItemTx(tx, s.ID, contextID, expires); err != nil {
					return err
				}
				delivered++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	logger.Info("MATCHER", fmt.Sprintf("Context %d delivered to %d subscription(s)", contextID, delivered))
	if ix.dispatch != nil {
		ix.dispatch(contextID)
	}
	return delivered, nil
}

// RefreshSubscription replays one subscription over the open root
// contexts. Deleting a subscription needs no replay: its inbox rows
// cascade away with it.
func (ix *Index) RefreshSubscription(ctx context.Context, subscriptionID int64) (int, error) {
	v, err, _ := ix.group.Do(fmt.Sprintf("subscription-%d", subscriptionID), func() (any, error) {
		return ix.refreshSubscription(ctx, subscriptionID)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (ix *Index) refreshSubscription(ctx context.Context, subscriptionID int64) (int, error) {
	s, err := ix.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return 0, err
	}
	if _, err := ix.store.DeleteExpiredInbox(ctx); err != nil {
		return 0, err
	}

	roots, err := ix.store.ListOpenRootContexts(ctx, s.MinBudget, s.MinPriority)
	if err != nil {
		return 0, err
	}
	profiles := make(map[int64]*db.BuyerProfile)
	for _, c := range roots {
		if _, ok := profiles[c.BuyerID]; ok {
			continue
		}
		p, err := ix.store.GetBuyerProfile(ctx, c.BuyerID)
		if err != nil {
			return 0, err
		}
		profiles[c.BuyerID] = p
	}

	now := time.Now()
	delivered := 0
	err = ix.store.Retry(ctx, func() error {
		delivered = 0
		return ix.store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := db.PurgeInboxBySubscriptionTx(tx, subscriptionID); err != nil {
				return err
			}
			for _, c := range roots {
				if !matches(s, c, profiles[c.BuyerID], now) {
					continue
				}
				expires := now.Add(time.Duration(s.AgeLimit) * time.Second)
				if err := db.InsertInboxItemTx(tx, subscriptionID, c.ID, expires); err != nil {
					return err
				}
				delivered++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	logger.Info("MATCHER", fmt.Sprintf("Subscription %d matched %d open context(s)", subscriptionID, delivered))
	return delivered, nil
}

// Lint returns non-fatal warnings about a subscription's predicates.
func Lint(s *db.Subscription) []string {
	var warnings []string
	if s.MinInspectionRate > 1 || s.MinPurchaseRate > 1 {
		warnings = append(warnings, "rate floors above 1.0 can never match")
	}
	if s.AgeLimit > 0 && s.AgeLimit < 60 {
		warnings = append(warnings, "age_limit under a minute expires matches almost immediately")
	}
	switch s.BuyerType {
	case "", BuyerHuman, BuyerLLM:
	default:
		warnings = append(warnings, fmt.Sprintf("unknown buyer_type %q can never match", s.BuyerType))
	}
	for _, kw := range s.Keywords {
		if kw == "" {
			warnings = append(warnings, "empty keyword is ignored")
			break
		}
	}
	return warnings
}
