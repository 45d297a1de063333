package api

import (
	"fmt"
	"net/http"

	"infonomy/internal/db"
	"infonomy/internal/logger"
)

func (s *Server) handleCreateContext(w http.ResponseWriter, r *http.Request, user *db.User) {
	var req struct {
		Query          string   `json:"query"`
		ContextPages   []string `json:"context_pages"`
		MaxBudget      float64  `json:"max_budget"`
		Priority       int      `json:"priority"`
		TargetHumanIDs []int64  `json:"target_human_ids"`
		TargetBotIDs   []int64  `json:"target_bot_ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	profile, err := s.store.GetBuyerProfile(r.Context(), user.ID)
	if db.IsNotFound(err) {
		writeError(w, 400, "buyer profile required")
		return
	}
	if err != nil {
		fail(w, err)
		return
	}
	if req.Priority != 0 && req.Priority != 1 {
		writeError(w, 400, "priority must be 0 or 1")
		return
	}
	if req.MaxBudget == 0 {
		req.MaxBudget = profile.DefaultMaxBudget
	}
	if req.MaxBudget <= 0 {
		writeError(w, 400, "max_budget must be positive")
		return
	}
	c := &db.DecisionContext{
		BuyerID:        user.ID,
		Query:          req.Query,
		ContextPages:   req.ContextPages,
		MaxBudget:      req.MaxBudget,
		Priority:       req.Priority,
		TargetHumanIDs: req.TargetHumanIDs,
		TargetBotIDs:   req.TargetBotIDs,
	}
	if _, err := s.keeper.EscrowAndCreateContext(r.Context(), c); err != nil {
		fail(w, err)
		return
	}
	// Fan the context out to matching subscriptions. A failed fan-out is
	// not fatal: the matcher replays open roots on its next refresh.
	if _, err := s.index.RefreshContext(r.Context(), c.ID); err != nil {
		logger.Warn("API", fmt.Sprintf("Fan-out for context %d failed: %v", c.ID, err))
	}
	created, err := s.store.GetContext(r.Context(), c.ID)
	if err != nil {
		fail(w, err)
		return
	}
	writeStatusJSON(w, 201, created)
}

func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request, user *db.User) {
	list, err := s.store.ListContextsByBuyer(r.Context(), user.ID)
	if err != nil {
		fail(w, err)
		return
	}
	if list == nil {
		list = []*db.DecisionContext{}
	}
	writeJSON(w, map[string]interface{}{"contexts": list})
}

// ownRootContext loads the path's context and enforces the two access
// rules: only the buyer sees it, and children are never addressable
// directly, owner or not.
func (s *Server) ownRootContext(w http.ResponseWriter, r *http.Request, user *db.User, name string) *db.DecisionContext {
	id, err := pathID(r, name)
	if err != nil {
		writeError(w, 400, err.Error())
		return nil
	}
	c, err := s.store.GetContext(r.Context(), id)
	if err != nil {
		fail(w, err)
		return nil
	}
	if c.BuyerID != user.ID {
		writeError(w, 403, "forbidden")
		return nil
	}
	if !c.IsRoot() {
		writeError(w, 403, "child contexts are not directly accessible")
		return nil
	}
	return c
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request, user *db.User) {
	c := s.ownRootContext(w, r, user, "id")
	if c == nil {
		return
	}
	writeJSON(w, c)
}

func (s *Server) handleUpdateContext(w http.ResponseWriter, r *http.Request, user *db.User) {
	c := s.ownRootContext(w, r, user, "id")
	if c == nil {
		return
	}
	if c.Terminated {
		writeError(w, 409, "context already settled")
		return
	}
	var req struct {
		Query        *string  `json:"query"`
		ContextPages []string `json:"context_pages"`
		MaxBudget    *float64 `json:"max_budget"`
		Priority     *int     `json:"priority"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if req.MaxBudget != nil {
		writeError(w, 400, "max_budget cannot be changed after creation")
		return
	}
	if req.Priority != nil {
		writeError(w, 400, "priority cannot be changed after creation")
		return
	}
	if req.Query != nil {
		c.Query = *req.Query
	}
	if req.ContextPages != nil {
		c.ContextPages = req.ContextPages
	}
	if err := s.store.UpdateContext(r.Context(), c.ID, c.Query, c.ContextPages); err != nil {
		fail(w, err)
		return
	}
	// Re-match: the new wording may reach different subscriptions.
	if _, err := s.index.RefreshContext(r.Context(), c.ID); err != nil {
		logger.Warn("API", fmt.Sprintf("Re-match for context %d failed: %v", c.ID, err))
	}
	writeJSON(w, c)
}

// handleDeleteContext cancels any in-flight inspection, settles the
// escrow, then removes the tree. The settlement (or its absence, when
// the root already settled) is not returned; the ledger keeps the trail.
func (s *Server) handleDeleteContext(w http.ResponseWriter, r *http.Request, user *db.User) {
	c := s.ownRootContext(w, r, user, "id")
	if c == nil {
		return
	}
	if _, err := s.engine.CancelAndSettle(r.Context(), c); err != nil {
		fail(w, err)
		return
	}
	if err := s.store.DeleteContext(r.Context(), c.ID); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(204)
}
