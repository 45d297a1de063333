package api

import (
	"fmt"
	"net/http"

	"infonomy/internal/db"
	"infonomy/internal/logger"
	"infonomy/internal/matcher"
)

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request, user *db.User) {
	var req struct {
		SellerKind        string   `json:"seller_kind"`
		SellerID          int64    `json:"seller_id"`
		Keywords          []string `json:"keywords"`
		ContextPages      []string `json:"context_pages"`
		MinBudget         float64  `json:"min_budget"`
		MinPriority       int      `json:"min_priority"`
		MinInspectionRate float64  `json:"min_inspection_rate"`
		MinPurchaseRate   float64  `json:"min_purchase_rate"`
		BuyerType         string   `json:"buyer_type"`
		BuyerModels       []string `json:"buyer_models"`
		PromptKeywords    []string `json:"prompt_keywords"`
		AgeLimit          int64    `json:"age_limit"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if req.SellerKind == "" {
		req.SellerKind = db.SellerHuman
	}
	switch req.SellerKind {
	case db.SellerHuman:
		has, err := s.store.HasHumanSeller(r.Context(), user.ID)
		if err != nil {
			fail(w, err)
			return
		}
		if !has {
			writeError(w, 404, "no seller profile")
			return
		}
		req.SellerID = user.ID
	case db.SellerBot:
		if req.SellerID == 0 {
			writeError(w, 400, "seller_id is required for bot subscriptions")
			return
		}
		bot, err := s.store.GetBotSeller(r.Context(), req.SellerID)
		if db.IsNotFound(err) || (err == nil && bot.UserID != user.ID) {
			writeError(w, 404, "no such bot seller")
			return
		}
		if err != nil {
			fail(w, err)
			return
		}
	default:
		writeError(w, 400, "seller_kind must be human or bot")
		return
	}
	if req.MinBudget < 0 || req.MinInspectionRate < 0 || req.MinPurchaseRate < 0 {
		writeError(w, 400, "filter floors cannot be negative")
		return
	}
	if req.MinPriority != 0 && req.MinPriority != 1 {
		writeError(w, 400, "min_priority must be 0 or 1")
		return
	}
	sub := &db.Subscription{
		SellerKind:        req.SellerKind,
		SellerID:          req.SellerID,
		Keywords:          req.Keywords,
		ContextPages:      req.ContextPages,
		MinBudget:         req.MinBudget,
		MinPriority:       req.MinPriority,
		MinInspectionRate: req.MinInspectionRate,
		MinPurchaseRate:   req.MinPurchaseRate,
		BuyerType:         req.BuyerType,
		BuyerModels:       req.BuyerModels,
		PromptKeywords:    req.PromptKeywords,
		AgeLimit:          req.AgeLimit,
	}
	id, err := s.store.CreateSubscription(r.Context(), sub)
	if err != nil {
		fail(w, err)
		return
	}
	sub.ID = id
	warnings := matcher.Lint(sub)
	for _, warn := range warnings {
		logger.Warn("API", fmt.Sprintf("Subscription %d: %s", id, warn))
	}
	if warnings == nil {
		warnings = []string{}
	}
	matched, err := s.index.RefreshSubscription(r.Context(), id)
	if err != nil {
		logger.Warn("API", fmt.Sprintf("Backfill for subscription %d failed: %v", id, err))
	}
	writeStatusJSON(w, 201, map[string]interface{}{
		"subscription": sub,
		"warnings":     warnings,
		"matched":      matched,
	})
}

// handleListSubscriptions merges the caller's human subscriptions with
// those of every bot they own.
func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request, user *db.User) {
	subs := []*db.Subscription{}
	has, err := s.store.HasHumanSeller(r.Context(), user.ID)
	if err != nil {
		fail(w, err)
		return
	}
	if has {
		own, err := s.store.ListSubscriptionsBySeller(r.Context(), db.SellerHuman, user.ID)
		if err != nil {
			fail(w, err)
			return
		}
		subs = append(subs, own...)
	}
	bots, err := s.store.ListBotSellersByUser(r.Context(), user.ID)
	if err != nil {
		fail(w, err)
		return
	}
	for _, bot := range bots {
		own, err := s.store.ListSubscriptionsBySeller(r.Context(), db.SellerBot, bot.ID)
		if err != nil {
			fail(w, err)
			return
		}
		subs = append(subs, own...)
	}
	writeJSON(w, map[string]interface{}{"subscriptions": subs})
}

// ownedSubscription loads the path's subscription and checks the caller
// owns it, directly or through one of their bots. Foreign subscriptions
// read as absent from the /sellers/me collection.
func (s *Server) ownedSubscription(w http.ResponseWriter, r *http.Request, user *db.User) *db.Subscription {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return nil
	}
	sub, err := s.store.GetSubscription(r.Context(), id)
	if err != nil {
		fail(w, err)
		return nil
	}
	owned, err := s.ownsSubscription(r, user, sub)
	if err != nil {
		fail(w, err)
		return nil
	}
	if !owned {
		writeError(w, 404, "not found")
		return nil
	}
	return sub
}

func (s *Server) ownsSubscription(r *http.Request, user *db.User, sub *db.Subscription) (bool, error) {
	switch sub.SellerKind {
	case db.SellerHuman:
		return sub.SellerID == user.ID, nil
	case db.SellerBot:
		bot, err := s.store.GetBotSeller(r.Context(), sub.SellerID)
		if db.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return bot.UserID == user.ID, nil
	}
	return false, nil
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request, user *db.User) {
	sub := s.ownedSubscription(w, r, user)
	if sub == nil {
		return
	}
	var req struct {
		Keywords          []string `json:"keywords"`
		ContextPages      []string `json:"context_pages"`
		MinBudget         *float64 `json:"min_budget"`
		MinPriority       *int     `json:"min_priority"`
		MinInspectionRate *float64 `json:"min_inspection_rate"`
		MinPurchaseRate   *float64 `json:"min_purchase_rate"`
		BuyerType         *string  `json:"buyer_type"`
		BuyerModels       []string `json:"buyer_models"`
		PromptKeywords    []string `json:"prompt_keywords"`
		AgeLimit          *int64   `json:"age_limit"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if req.Keywords != nil {
		sub.Keywords = req.Keywords
	}
	if req.ContextPages != nil {
		sub.ContextPages = req.ContextPages
	}
	if req.MinBudget != nil {
		if *req.MinBudget < 0 {
			writeError(w, 400, "min_budget cannot be negative")
			return
		}
		sub.MinBudget = *req.MinBudget
	}
	if req.MinPriority != nil {
		if *req.MinPriority != 0 && *req.MinPriority != 1 {
			writeError(w, 400, "min_priority must be 0 or 1")
			return
		}
		sub.MinPriority = *req.MinPriority
	}
	if req.MinInspectionRate != nil {
		sub.MinInspectionRate = *req.MinInspectionRate
	}
	if req.MinPurchaseRate != nil {
		sub.MinPurchaseRate = *req.MinPurchaseRate
	}
	if req.BuyerType != nil {
		sub.BuyerType = *req.BuyerType
	}
	if req.BuyerModels != nil {
		sub.BuyerModels = req.BuyerModels
	}
	if req.PromptKeywords != nil {
		sub.PromptKeywords = req.PromptKeywords
	}
	if req.AgeLimit != nil {
		sub.AgeLimit = *req.AgeLimit
	}
	if err := s.store.UpdateSubscription(r.Context(), sub); err != nil {
		fail(w, err)
		return
	}
	warnings := matcher.Lint(sub)
	for _, warn := range warnings {
		logger.Warn("API", fmt.Sprintf("Subscription %d: %s", sub.ID, warn))
	}
	if warnings == nil {
		warnings = []string{}
	}
	// Predicates changed: rebuild this subscription's inbox from the
	// open roots.
	matched, err := s.index.RefreshSubscription(r.Context(), sub.ID)
	if err != nil {
		logger.Warn("API", fmt.Sprintf("Re-match for subscription %d failed: %v", sub.ID, err))
	}
	writeJSON(w, map[string]interface{}{
		"subscription": sub,
		"warnings":     warnings,
		"matched":      matched,
	})
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request, user *db.User) {
	sub := s.ownedSubscription(w, r, user)
	if sub == nil {
		return
	}
	if err := s.store.DeleteSubscription(r.Context(), sub.ID); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

// readableInbox resolves a subscription whose inbox the caller may touch.
// Bot inboxes are machine-facing and never served, even to the bot's owner.
func (s *Server) readableInbox(w http.ResponseWriter, r *http.Request, user *db.User) (*db.Subscription, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return nil, false
	}
	sub, err := s.store.GetSubscription(r.Context(), id)
	if err != nil {
		fail(w, err)
		return nil, false
	}
	if sub.SellerKind == db.SellerBot {
		writeError(w, 403, "bot inboxes are not accessible")
		return nil, false
	}
	if sub.SellerID != user.ID {
		writeError(w, 403, "forbidden")
		return nil, false
	}
	return sub, true
}

// handleInbox lists a subscription's unanswered, unexpired matches.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request, user *db.User) {
	sub, ok := s.readableInbox(w, r, user)
	if !ok {
		return
	}
	entries, err := s.store.ListInboxEntries(r.Context(), sub.ID)
	if err != nil {
		fail(w, err)
		return
	}
	if entries == nil {
		entries = []*db.InboxEntry{}
	}
	writeJSON(w, map[string]interface{}{"inbox": entries})
}

// handleSetInboxStatus dismisses or restores one delivery. Only new and
// ignored are settable here; responded is driven by the offer lifecycle.
func (s *Server) handleSetInboxStatus(w http.ResponseWriter, r *http.Request, user *db.User) {
	sub, ok := s.readableInbox(w, r, user)
	if !ok {
		return
	}
	contextID, err := pathID(r, "cid")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if req.Status != db.InboxNew && req.Status != db.InboxIgnored {
		writeError(w, 400, "status must be new or ignored")
		return
	}
	if err := s.store.SetInboxStatus(r.Context(), sub.ID, contextID, req.Status); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"status": req.Status})
}
