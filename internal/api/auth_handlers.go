package api

import (
	"errors"
	"net/http"
	"strconv"

	"infonomy/internal/auth"
	"infonomy/internal/db"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	user, err := s.sessions.Register(r.Context(), req.Email, req.Password, s.cfg.DailyBonusDefault)
	if db.IsConflict(err) {
		writeError(w, 409, "email already registered")
		return
	}
	if err != nil {
		fail(w, err)
		return
	}
	writeStatusJSON(w, 201, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	token, user, err := s.sessions.Login(r.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, 401, err.Error())
		return
	}
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"token": token, "user": user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, _ *db.User) {
	if err := s.sessions.Logout(r.Context(), bearerToken(r)); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user *db.User) {
	names, err := s.store.UserAPIKeyNames(r.Context(), user.ID)
	if err != nil {
		fail(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, struct {
		*db.User
		APIKeyNames []string `json:"api_key_names"`
	}{user, names})
}

// handleGetUser is the public view: identity plus which roles the user
// holds, no balances and no credentials.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request, _ *db.User) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	target, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		fail(w, err)
		return
	}
	isBuyer := true
	if _, err := s.store.GetBuyerProfile(r.Context(), id); db.IsNotFound(err) {
		isBuyer = false
	} else if err != nil {
		fail(w, err)
		return
	}
	isSeller, err := s.store.HasHumanSeller(r.Context(), id)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"id":         target.ID,
		"email":      target.Email,
		"is_buyer":   isBuyer,
		"is_seller":  isSeller,
		"created_at": target.CreatedAt,
	})
}

func (s *Server) handleSetAPIKeys(w http.ResponseWriter, r *http.Request, user *db.User) {
	var req struct {
		Keys map[string]string `json:"keys"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	for name := range req.Keys {
		if name == "" {
			writeError(w, 400, "provider name cannot be empty")
			return
		}
	}
	if req.Keys == nil {
		req.Keys = map[string]string{}
	}
	if err := s.store.SetUserAPIKeys(r.Context(), user.ID, req.Keys); err != nil {
		fail(w, err)
		return
	}
	names, err := s.store.UserAPIKeyNames(r.Context(), user.ID)
	if err != nil {
		fail(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, map[string][]string{"providers": names})
}

// handleGetAPIKeys lists provider names only. Key values never leave the
// server once stored.
func (s *Server) handleGetAPIKeys(w http.ResponseWriter, r *http.Request, user *db.User) {
	names, err := s.store.UserAPIKeyNames(r.Context(), user.ID)
	if err != nil {
		fail(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, map[string][]string{"providers": names})
}

func (s *Server) handleBonusStatus(w http.ResponseWriter, r *http.Request, user *db.User) {
	status, err := s.keeper.BonusStatus(r.Context(), user.ID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, status)
}

func (s *Server) handleClaimBonus(w http.ResponseWriter, r *http.Request, user *db.User) {
	claimed, amount, err := s.keeper.DailyBonus(r.Context(), user.ID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"claimed": claimed, "amount": amount})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request, user *db.User) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.store.ListLedgerEntries(r.Context(), user.ID, limit)
	if err != nil {
		fail(w, err)
		return
	}
	if entries == nil {
		entries = []*db.LedgerEntry{}
	}
	var net float64
	for _, e := range entries {
		net += e.Amount
	}
	writeJSON(w, map[string]interface{}{"entries": entries, "net_amount": net})
}
